package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logpipe/pkg/metric"
	"logpipe/pkg/models"
)

func testMessage() *models.Message {
	return models.NewMessage("hello", "web-1", time.Now())
}

func TestChainRunsInOrder(t *testing.T) {
	var order []string
	mk := func(name string) Filter {
		return FilterFunc{FilterName: name, Fn: func(context.Context, *models.Message) (bool, error) {
			order = append(order, name)
			return false, nil
		}}
	}
	c := NewChain(metric.NewRegistry(), mk("a"), mk("b"), mk("c"))
	assert.False(t, c.Run(context.Background(), testMessage()))
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, []string{"a", "b", "c"}, c.Names())
}

func TestChainStopsOnDrop(t *testing.T) {
	called := false
	c := NewChain(metric.NewRegistry(),
		FilterFunc{FilterName: "drop", Fn: func(context.Context, *models.Message) (bool, error) { return true, nil }},
		FilterFunc{FilterName: "after", Fn: func(context.Context, *models.Message) (bool, error) {
			called = true
			return false, nil
		}},
	)
	assert.True(t, c.Run(context.Background(), testMessage()))
	assert.False(t, called)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dropped.WithLabelValues("drop")))
}

func TestChainErrorAndPanicDropMessageOnly(t *testing.T) {
	c := NewChain(metric.NewRegistry(),
		FilterFunc{FilterName: "boom", Fn: func(_ context.Context, m *models.Message) (bool, error) {
			if m.Message() == "panic" {
				panic("bad filter")
			}
			if m.Message() == "fail" {
				return false, errors.New("nope")
			}
			return false, nil
		}},
	)
	ctx := context.Background()
	assert.True(t, c.Run(ctx, models.NewMessage("panic", "s", time.Now())))
	assert.True(t, c.Run(ctx, models.NewMessage("fail", "s", time.Now())))
	assert.False(t, c.Run(ctx, models.NewMessage("fine", "s", time.Now())))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.failures.WithLabelValues("boom")))
}

func TestBuiltinFilters(t *testing.T) {
	filters, err := BuildFilters([]FilterSpec{
		{Type: "static_fields", Fields: map[string]string{"env": "prod", "app": "override-me"}},
		{Type: "drop_field_match", Field: "app", Value: "noisy"},
		{Type: "drop_level_above", Level: 5},
	})
	require.NoError(t, err)
	c := NewChain(nil, filters...)
	ctx := context.Background()

	m := testMessage()
	m.AddField("app", "api")
	m.AddField(models.FieldLevel, 3)
	assert.False(t, c.Run(ctx, m))
	env, _ := m.Field("env")
	app, _ := m.Field("app")
	assert.Equal(t, "prod", env)
	assert.Equal(t, "api", app)

	noisy := testMessage()
	noisy.AddField("app", "noisy")
	assert.True(t, c.Run(ctx, noisy))

	debug := testMessage()
	debug.AddField(models.FieldLevel, 7)
	assert.True(t, c.Run(ctx, debug))
}

func TestRateLimitSource(t *testing.T) {
	c := NewChain(nil, RateLimitSource(0.001, 2))
	ctx := context.Background()
	assert.False(t, c.Run(ctx, models.NewMessage("m", "a", time.Now())))
	assert.False(t, c.Run(ctx, models.NewMessage("m", "a", time.Now())))
	assert.True(t, c.Run(ctx, models.NewMessage("m", "a", time.Now())))
	assert.False(t, c.Run(ctx, models.NewMessage("m", "b", time.Now())))
}

func TestBuildFiltersRejectsUnknown(t *testing.T) {
	_, err := BuildFilters([]FilterSpec{{Type: "regex_magic"}})
	require.Error(t, err)
	_, err = BuildFilters([]FilterSpec{{Type: "drop_field_match"}})
	require.Error(t, err)
}
