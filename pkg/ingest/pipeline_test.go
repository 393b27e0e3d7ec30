package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logpipe/pkg/buffer"
	"logpipe/pkg/codec"
	"logpipe/pkg/journal"
	"logpipe/pkg/metric"
	"logpipe/pkg/models"
)

type memIndexer struct {
	mu       sync.Mutex
	msgs     []*models.Message
	failures int
}

func (m *memIndexer) Write(_ context.Context, batch []*models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errors.New("index unavailable")
	}
	m.msgs = append(m.msgs, batch...)
	return nil
}

func (m *memIndexer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

type pipeline struct {
	j      *journal.Journal
	reader *JournalReader
	proc   *Processor
	out    *Output
	in     *buffer.Buffer[*models.RawMessage]
	outBuf *buffer.Buffer[*models.Message]
	cancel context.CancelFunc
}

func startPipeline(t *testing.T, dir string, idx *memIndexer, filters ...Filter) *pipeline {
	t.Helper()
	reg := metric.NewRegistry()
	j, err := journal.Open(journal.Options{Dir: dir}, reg)
	require.NoError(t, err)

	in := buffer.New[*models.RawMessage](buffer.Options{Name: "input", Capacity: 8}, reg)
	outBuf := buffer.New[*models.Message](buffer.Options{Name: "output", Capacity: 8}, reg)
	reader := NewJournalReader(ReaderConfig{BatchEntries: 16, PollInterval: 5 * time.Millisecond}, j, in, reg)
	proc := NewProcessor(ProcessorConfig{Workers: 3, BatchSize: 4, Node: "node-a"}, in, outBuf,
		codec.NewRegistry(codec.Options{}), NewChain(reg, filters...), reader.Offsets(), reg)
	out := NewOutput(OutputConfig{Workers: 2, BatchSize: 4, Retry: Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond}},
		outBuf, idx, reader.Offsets(), reg)

	ctx, cancel := context.WithCancel(context.Background())
	out.Run(ctx)
	proc.Run(ctx)
	reader.Run(ctx)

	p := &pipeline{j: j, reader: reader, proc: proc, out: out, in: in, outBuf: outBuf, cancel: cancel}
	t.Cleanup(p.stop)
	return p
}

func (p *pipeline) stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.reader.Wait()
	p.proc.Wait()
	p.out.Wait()
	_ = p.j.Close()
	p.cancel = nil
}

func appendGELF(t *testing.T, j *journal.Journal, payload string) {
	t.Helper()
	raw := models.NewRawMessage(codec.GELFName, "gelf-udp", []byte(payload))
	raw.RemoteIP = "10.0.0.9"
	raw.RemotePort = 12201
	b, err := models.EncodeRaw(raw)
	require.NoError(t, err)
	_, err = j.Append(raw.ID[:], b)
	require.NoError(t, err)
}

func committed(p *pipeline) uint64 {
	off, _ := p.j.CommittedOffset(DefaultReaderName)
	return off
}

func TestPipelineDeliversAndCommits(t *testing.T) {
	idx := &memIndexer{}
	p := startPipeline(t, t.TempDir(), idx)

	const n = 50
	for i := 0; i < n; i++ {
		appendGELF(t, p.j, fmt.Sprintf(`{"version":"1.1","host":"web","short_message":"msg %d","_user":"u%d"}`, i, i))
	}

	require.Eventually(t, func() bool { return idx.count() == n }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return committed(p) == n }, 5*time.Second, 5*time.Millisecond)

	idx.mu.Lock()
	m := idx.msgs[0]
	idx.mu.Unlock()
	ip, _ := m.Field(models.FieldRemoteIP)
	port, _ := m.Field(models.FieldRemotePort)
	input, _ := m.Field(models.FieldSourceInput)
	assert.Equal(t, "10.0.0.9", ip)
	assert.Equal(t, 12201, port)
	assert.Equal(t, "gelf-udp", input)
	assert.Equal(t, "web", m.Source())
}

func TestPipelineCommitsDroppedAndUndecodable(t *testing.T) {
	idx := &memIndexer{}
	p := startPipeline(t, t.TempDir(), idx, DropFieldMatch("drop", "yes"))

	appendGELF(t, p.j, `{"version":"1.1","host":"a","short_message":"keep"}`)
	appendGELF(t, p.j, `{not json`)
	appendGELF(t, p.j, `{"version":"1.1","host":"a","short_message":"gone","_drop":"yes"}`)
	_, err := p.j.Append([]byte("bad-envelope"), []byte{0xff})
	require.NoError(t, err)
	appendGELF(t, p.j, `{"version":"1.1","short_message":"no host"}`)

	require.Eventually(t, func() bool { return committed(p) == 5 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, idx.count())

	idx.mu.Lock()
	defer idx.mu.Unlock()
	var sources []string
	for _, m := range idx.msgs {
		sources = append(sources, m.Source())
	}
	assert.ElementsMatch(t, []string{"a", "10.0.0.9"}, sources)
}

func TestOutputRetriesTransientFailures(t *testing.T) {
	idx := &memIndexer{failures: 3}
	p := startPipeline(t, t.TempDir(), idx)
	appendGELF(t, p.j, `{"version":"1.1","host":"a","short_message":"x"}`)

	require.Eventually(t, func() bool { return idx.count() == 1 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return committed(p) == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestPipelineResumesFromCommittedOffset(t *testing.T) {
	dir := t.TempDir()
	idx := &memIndexer{}
	p := startPipeline(t, dir, idx)
	for i := 0; i < 10; i++ {
		appendGELF(t, p.j, fmt.Sprintf(`{"version":"1.1","host":"a","short_message":"first %d"}`, i))
	}
	require.Eventually(t, func() bool { return committed(p) == 10 }, 5*time.Second, 5*time.Millisecond)
	p.stop()

	idx2 := &memIndexer{}
	p2 := startPipeline(t, dir, idx2)
	assert.Equal(t, uint64(10), p2.reader.Position())
	appendGELF(t, p2.j, `{"version":"1.1","host":"a","short_message":"second"}`)
	require.Eventually(t, func() bool { return idx2.count() == 1 }, 5*time.Second, 5*time.Millisecond)
	idx2.mu.Lock()
	defer idx2.mu.Unlock()
	assert.Equal(t, "second", idx2.msgs[0].Message())
}

func TestReaderWaitsWhileInputPaused(t *testing.T) {
	idx := &memIndexer{}
	p := startPipeline(t, t.TempDir(), idx)
	p.in.Pause()
	appendGELF(t, p.j, `{"version":"1.1","host":"a","short_message":"held"}`)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, idx.count())

	p.in.Unpause()
	require.Eventually(t, func() bool { return idx.count() == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestReaderDoesNotCommitPastCorruptEntry(t *testing.T) {
	idx := &memIndexer{}
	p := startPipeline(t, t.TempDir(), idx)
	p.in.Pause()
	appendGELF(t, p.j, `{"version":"1.1","host":"a","short_message":"first"}`)
	appendGELF(t, p.j, `{"version":"1.1","host":"a","short_message":"second"}`)
	last := p.j.Size() - 1
	appendGELF(t, p.j, `{"version":"1.1","host":"a","short_message":"third"}`)

	// damage the final byte of the second frame
	f, err := os.OpenFile(p.j.Segments()[0].Path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	b := make([]byte, 1)
	_, err = f.ReadAt(b, last)
	require.NoError(t, err)
	b[0] ^= 0xff
	_, err = f.WriteAt(b, last)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	p.in.Unpause()
	require.Eventually(t, func() bool { return committed(p) == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, uint64(1), committed(p))
	assert.Equal(t, 1, idx.count())
	assert.Equal(t, uint64(1), p.reader.Position())
}
