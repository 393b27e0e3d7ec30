// Package app wires logpipe's components together and owns their startup
// and shutdown order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"logpipe/internal/retention"
	"logpipe/pkg/buffer"
	"logpipe/pkg/chunk"
	"logpipe/pkg/codec"
	"logpipe/pkg/config"
	"logpipe/pkg/ingest"
	"logpipe/pkg/input"
	"logpipe/pkg/journal"
	"logpipe/pkg/lifecycle"
	"logpipe/pkg/logger"
	"logpipe/pkg/metric"
	"logpipe/pkg/models"
	"logpipe/pkg/notify"
	"logpipe/pkg/progressor"
	"logpipe/pkg/sensor"
	"logpipe/pkg/state"
	"logpipe/pkg/store"
)

// transport is a GELF listener.
type transport interface {
	Start(ctx context.Context) error
	Stop()
}

// App holds every long-lived component.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	reg    *metric.Registry
	layout state.Layout

	store   *store.Store
	journal *journal.Journal
	lc      *lifecycle.Lifecycle
	notes   *notify.Service
	jobs    *progressor.Manager

	ra     *chunk.Reassembler
	entry  *input.Entry
	inputs []transport

	inBuf  *buffer.Buffer[*models.RawMessage]
	outBuf *buffer.Buffer[*models.Message]
	reader *ingest.JournalReader
	proc   *ingest.Processor
	out    *ingest.Output

	sensor    *sensor.Sensor
	disk      *sensor.DiskCheck
	throttle  *sensor.ThrottleCheck
	retention *retention.Scheduler

	srv *http.Server
}

// New opens storage and builds every component. Nothing is listening and no
// worker runs until Run.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	if err := validateConfig(eff); err != nil {
		return nil, err
	}
	cfg := eff.Config
	a := &App{
		eff:       eff,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		reg:       metric.NewRegistry(),
		layout:    state.LayoutFor(cfg.DataDir, cfg.Journal.Dir, cfg.Store.Path),
	}
	if err := state.EnsureStateDirs(a.layout); err != nil {
		return nil, fmt.Errorf("failed to prepare data dir: %w", err)
	}

	var err error
	if a.store, err = store.Open(a.layout.Store, a.reg); err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", a.layout.Store, err)
	}
	if a.journal, err = journal.Open(journalOptions(cfg, a.layout.Journal), a.reg); err != nil {
		a.closeStorage()
		return nil, fmt.Errorf("failed to open journal at %s: %w", a.layout.Journal, err)
	}
	if a.notes, err = notify.New(cfg.Node, a.store, a.reg); err != nil {
		a.closeStorage()
		return nil, err
	}
	if err := a.buildPipeline(); err != nil {
		a.closeStorage()
		return nil, err
	}
	a.buildInputs()
	if a.retention, err = retention.New(cfg.Journal.RetentionCron, a.journal, a.reg); err != nil {
		a.closeStorage()
		return nil, err
	}
	return a, nil
}

func journalOptions(cfg *config.Config, dir string) journal.Options {
	j := cfg.Journal
	return journal.Options{
		Dir:                 dir,
		SegmentSize:         j.SegmentSize.Int64(),
		MaxSize:             j.MaxSize.Int64(),
		MaxAge:              j.MaxAge.Duration(),
		MaxMessageSize:      j.MaxMessageSize.Int64(),
		CursorFlushInterval: j.CursorFlushInterval.Duration(),
		EnableBatch:         j.Batch.Enabled,
		BatchSize:           j.Batch.Size,
		BatchInterval:       j.Batch.Interval.Duration(),
		EnableCompress:      j.Compress,
		CompressMinBytes:    int(j.CompressMinBytes.Int64()),
		DropOnOverflow:      j.DropOnOverflow,
	}
}

func (a *App) buildPipeline() error {
	cfg := a.eff.Config
	a.lc = lifecycle.New(a.reg)
	a.jobs = progressor.NewManager(a.reg)

	inWait, err := buffer.ParseWaitStrategy(cfg.Buffers.WaitStrategy)
	if err != nil {
		return err
	}
	outWait, _ := buffer.ParseWaitStrategy(cfg.Buffers.WaitStrategy)
	a.inBuf = buffer.New[*models.RawMessage](buffer.Options{Name: "input", Capacity: cfg.Buffers.InputSize, Wait: inWait}, a.reg)
	a.outBuf = buffer.New[*models.Message](buffer.Options{Name: "output", Capacity: cfg.Buffers.OutputSize, Wait: outWait}, a.reg)
	// only intake is paused; the output buffer always drains but is waited on
	a.lc.Register(a.inBuf)
	a.lc.Watch(a.outBuf)

	specs := make([]ingest.FilterSpec, 0, len(cfg.Processing.Filters))
	for _, f := range cfg.Processing.Filters {
		specs = append(specs, ingest.FilterSpec{
			Type: f.Type, Fields: f.Fields, Field: f.Field, Value: f.Value,
			Level: f.Level, RPS: f.RPS, Burst: f.Burst,
		})
	}
	filters, err := ingest.BuildFilters(specs)
	if err != nil {
		return fmt.Errorf("invalid processing.filters: %w", err)
	}

	a.reader = ingest.NewJournalReader(ingest.ReaderConfig{
		BatchEntries: cfg.Journal.ReadBatchEntries,
		BatchBytes:   cfg.Journal.ReadBatchBytes.Int64(),
	}, a.journal, a.inBuf, a.reg)
	codecs := codec.NewRegistry(codec.Options{DecompressSizeLimit: cfg.Inputs.GELFUDP.DecompressSizeLimit.Int64()})
	a.proc = ingest.NewProcessor(ingest.ProcessorConfig{
		Workers:   cfg.Buffers.ProcessorWorkers,
		BatchSize: cfg.Buffers.BatchSize,
		Node:      cfg.Node,
	}, a.inBuf, a.outBuf, codecs, ingest.NewChain(a.reg, filters...), a.reader.Offsets(), a.reg)
	a.out = ingest.NewOutput(ingest.OutputConfig{
		Workers:   cfg.Buffers.OutputWorkers,
		BatchSize: cfg.Buffers.BatchSize,
		Retry: ingest.Backoff{
			Initial: cfg.Processing.OutputRetry.Initial.Duration(),
			Max:     cfg.Processing.OutputRetry.Max.Duration(),
		},
	}, a.outBuf, a.store, a.reader.Offsets(), a.reg)

	a.sensor = sensor.NewSensor(a.layout.Journal, 5*time.Second)
	a.sensor.RegisterMetrics(a.reg)
	a.disk = sensor.NewDiskCheck(sensor.DiskCheckConfig{
		Dir:                   a.layout.Journal,
		FreeSpaceFloorPercent: cfg.DiskCheck.FreeSpaceFloorPercent,
		InitialDelay:          cfg.DiskCheck.InitialDelay.Duration(),
		Interval:              cfg.DiskCheck.Interval.Duration(),
	}, a.lc, a.notes, nil)
	a.throttle = sensor.NewThrottleCheck(a.journal, a.lc, a.notes, cfg.Journal.ThrottleThresholdPct, cfg.Journal.ThrottleCheckInterval.Duration())
	return nil
}

func (a *App) buildInputs() {
	cfg := a.eff.Config
	a.entry = input.NewEntry(input.EntryConfig{FailureThreshold: cfg.Journal.AppendFailureThreshold}, a.journal, a.lc, a.notes, a.reg)
	a.ra = chunk.New(chunk.Options{
		MaxChunks:     cfg.Chunking.MaxChunks,
		Timeout:       cfg.Chunking.Timeout.Duration(),
		CheckInterval: cfg.Chunking.CheckInterval.Duration(),
	}, a.reg)

	if in := cfg.Inputs.GELFUDP; in.Enabled {
		a.inputs = append(a.inputs, input.NewUDP(input.UDPConfig{
			Address:        in.Address,
			RecvBufferSize: int(in.RecvBufferSize.Int64()),
			Readers:        in.Readers,
		}, a.entry, a.ra, a.reg))
	}
	if in := cfg.Inputs.GELFTCP; in.Enabled {
		a.inputs = append(a.inputs, input.NewTCP(input.TCPConfig{
			Address:      in.Address,
			MaxFrameSize: int(in.MaxFrameSize.Int64()),
			RetryBudget:  in.RetryBudget.Duration(),
		}, a.entry, a.reg))
	}
	if in := cfg.Inputs.GELFHTTP; in.Enabled {
		a.inputs = append(a.inputs, input.NewHTTP(input.HTTPConfig{
			Address:     in.Address,
			MaxBodySize: int(in.MaxFrameSize.Int64()),
			RPS:         in.RateLimitRPS,
			Burst:       in.RateLimitBurst,
		}, a.entry, a.reg))
	}
	if len(a.inputs) == 0 {
		logger.Warn("no_inputs_enabled")
	}
}

// Run starts every component and blocks until ctx is cancelled or the
// management server fails, then shuts down in order.
func (a *App) Run(ctx context.Context) error {
	a.printBanner()
	cfg := a.eff.Config

	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()
	readCtx, stopReader := context.WithCancel(context.Background())
	defer stopReader()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	a.out.Run(workCtx)
	a.proc.Run(workCtx)
	a.reader.Run(readCtx)

	g.Go(func() error { a.ra.Run(gctx); return nil })
	g.Go(func() error { a.sensor.Run(gctx); return nil })
	g.Go(func() error { a.throttle.Run(gctx); return nil })
	g.Go(func() error { a.retention.Run(gctx); return nil })
	if cfg.DiskCheck.Enabled {
		g.Go(func() error { a.disk.Run(gctx); return nil })
	}
	g.Go(func() error { a.watchLifecycle(gctx); return nil })

	a.resumeInterruptedJob(gctx)

	var startErr error
	for _, in := range a.inputs {
		if err := in.Start(gctx); err != nil {
			startErr = err
			cancelRun()
			break
		}
	}

	if startErr == nil {
		errCh := a.startHTTP(gctx)
		g.Go(func() error {
			select {
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("management server: %w", err)
				}
				return nil
			case <-gctx.Done():
				return nil
			}
		})
	}

	<-gctx.Done()
	logger.Info("shutdown_started")
	a.stopIntake()
	stopReader()
	a.reader.Wait()
	a.drain()
	stopWork()
	a.proc.Wait()
	a.out.Wait()
	a.shutdown()

	err := g.Wait()
	logger.Info("shutdown_complete")
	if startErr != nil {
		return startErr
	}
	return err
}

// watchLifecycle stops accepting input while the node is DEAD when
// disk_check.stop_inputs_on_dead is set.
func (a *App) watchLifecycle(ctx context.Context) {
	if !a.eff.Config.DiskCheck.StopInputsOnDead {
		return
	}
	events := a.lc.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			a.entry.SetAccepting(ev.LBStatus != lifecycle.Dead)
		}
	}
}

// resumeInterruptedJob restarts an index cycle that was cut short by a crash.
func (a *App) resumeInterruptedJob(ctx context.Context) {
	prev, ok := progressor.InterruptedIndexJob(a.store)
	if !ok {
		return
	}
	logger.Warn("index_job_interrupted", "previous_index", prev)
	if _, err := a.jobs.Start(ctx, a.recreateIndexJob()); err != nil {
		logger.Error("index_job_restart_failed", "error", err)
	}
}

func (a *App) recreateIndexJob() *progressor.RecreateIndexJob {
	return &progressor.RecreateIndexJob{
		Lifecycle:    a.lc,
		Store:        a.store,
		DrainTimeout: a.eff.Config.Shutdown.DrainTimeout.Duration(),
	}
}

func (a *App) stopIntake() {
	a.entry.SetAccepting(false)
	for _, in := range a.inputs {
		in.Stop()
	}
	a.lc.PauseMessageProcessing(false)
}

// drain waits, up to the drain timeout, for both buffers to empty. Whatever
// is left stays uncommitted in the journal and is replayed on restart.
func (a *App) drain() {
	timeout := a.eff.Config.Shutdown.DrainTimeout.Duration()
	if err := a.lc.WaitForEmptyBuffers(context.Background(), timeout); err != nil {
		logger.Warn("shutdown_drain_incomplete", "input_left", a.inBuf.Len(), "output_left", a.outBuf.Len(), "error", err)
	}
}

func (a *App) shutdown() {
	a.jobs.Wait()
	a.inBuf.Close()
	a.outBuf.Close()
	a.stopHTTP()
	a.closeStorage()
}

func (a *App) closeStorage() {
	if a.journal != nil {
		if err := a.journal.Flush(); err != nil {
			logger.Error("journal_flush_failed", "error", err)
		}
		if err := a.journal.Close(); err != nil {
			logger.Error("journal_close_failed", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Error("store_close_failed", "error", err)
		}
	}
}
