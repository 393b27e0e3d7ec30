package ingest

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"logpipe/pkg/auth"
	"logpipe/pkg/errs"
	"logpipe/pkg/logger"
	"logpipe/pkg/metric"
	"logpipe/pkg/models"
)

// Filter inspects or mutates a message. Returning drop=true discards it.
type Filter interface {
	Name() string
	Filter(ctx context.Context, m *models.Message) (drop bool, err error)
}

// FilterFunc adapts a function to Filter.
type FilterFunc struct {
	FilterName string
	Fn         func(ctx context.Context, m *models.Message) (bool, error)
}

func (f FilterFunc) Name() string { return f.FilterName }

func (f FilterFunc) Filter(ctx context.Context, m *models.Message) (bool, error) {
	return f.Fn(ctx, m)
}

// Chain runs filters in order.
type Chain struct {
	filters []Filter

	dropped  *prometheus.CounterVec
	failures *prometheus.CounterVec
}

func NewChain(reg *metric.Registry, filters ...Filter) *Chain {
	return &Chain{
		filters:  filters,
		dropped:  reg.CounterVec("filter", "dropped_total", "Messages dropped by a filter.", "filter"),
		failures: reg.CounterVec("filter", "errors_total", "Filter errors and panics; the message is dropped.", "filter"),
	}
}

func (c *Chain) Names() []string {
	out := make([]string, len(c.filters))
	for i, f := range c.filters {
		out[i] = f.Name()
	}
	return out
}

// Run applies every filter to m and reports whether m was dropped. A filter
// error or panic drops m only; it is logged and counted.
func (c *Chain) Run(ctx context.Context, m *models.Message) bool {
	for _, f := range c.filters {
		drop, err := c.runOne(ctx, f, m)
		if err != nil {
			c.failures.WithLabelValues(f.Name()).Inc()
			logger.Error("filter_failed", "filter", f.Name(), "message_id", m.ID, "offset", m.JournalOffset, "error", err)
			return true
		}
		if drop {
			c.dropped.WithLabelValues(f.Name()).Inc()
			return true
		}
	}
	return false
}

func (c *Chain) runOne(ctx context.Context, f Filter, m *models.Message) (drop bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			drop = true
			err = errs.Wrap(errs.ClassFilter, f.Name(), "filter", fmt.Errorf("panic: %v", r))
		}
	}()
	drop, err = f.Filter(ctx, m)
	if err != nil {
		err = errs.Wrap(errs.ClassFilter, f.Name(), "filter", err)
	}
	return drop, err
}

// FilterSpec configures one built-in filter.
type FilterSpec struct {
	Type   string
	Fields map[string]string // static_fields
	Field  string            // drop_field_match
	Value  string            // drop_field_match
	Level  int               // drop_level_above
	RPS    float64           // rate_limit_source
	Burst  int               // rate_limit_source
}

// BuildFilters turns specs into filters in the given order.
func BuildFilters(specs []FilterSpec) ([]Filter, error) {
	out := make([]Filter, 0, len(specs))
	for i, s := range specs {
		switch strings.ToLower(s.Type) {
		case "static_fields":
			out = append(out, StaticFields(s.Fields))
		case "drop_field_match":
			if s.Field == "" {
				return nil, fmt.Errorf("filter %d: drop_field_match needs a field", i)
			}
			out = append(out, DropFieldMatch(s.Field, s.Value))
		case "drop_level_above":
			out = append(out, DropLevelAbove(s.Level))
		case "rate_limit_source":
			out = append(out, RateLimitSource(s.RPS, s.Burst))
		default:
			return nil, fmt.Errorf("filter %d: unknown type %q", i, s.Type)
		}
	}
	return out, nil
}

// StaticFields adds fixed fields to every message. Existing values win.
func StaticFields(fields map[string]string) Filter {
	return FilterFunc{FilterName: "static_fields", Fn: func(_ context.Context, m *models.Message) (bool, error) {
		for k, v := range fields {
			if _, ok := m.Field(k); !ok {
				m.AddField(k, v)
			}
		}
		return false, nil
	}}
}

// DropFieldMatch drops messages whose field renders equal to value.
func DropFieldMatch(field, value string) Filter {
	return FilterFunc{FilterName: "drop_field_match", Fn: func(_ context.Context, m *models.Message) (bool, error) {
		v, ok := m.Field(field)
		if !ok {
			return false, nil
		}
		return fmt.Sprint(v) == value, nil
	}}
}

// DropLevelAbove drops messages whose syslog level is numerically greater
// than max (less severe).
func DropLevelAbove(max int) Filter {
	return FilterFunc{FilterName: "drop_level_above", Fn: func(_ context.Context, m *models.Message) (bool, error) {
		v, ok := m.Field(models.FieldLevel)
		if !ok {
			return false, nil
		}
		lvl, ok := toInt(v)
		if !ok {
			return false, fmt.Errorf("level %v is not numeric", v)
		}
		return lvl > int64(max), nil
	}}
}

// RateLimitSource drops messages from a source that exceeds rps.
func RateLimitSource(rps float64, burst int) Filter {
	pool := auth.NewLimiterPool(rps, burst)
	return FilterFunc{FilterName: "rate_limit_source", Fn: func(_ context.Context, m *models.Message) (bool, error) {
		return !pool.Allow(m.Source()), nil
	}}
}

func toInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	}
	return 0, false
}
