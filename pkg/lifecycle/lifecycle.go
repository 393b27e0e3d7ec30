// Package lifecycle tracks whether the node is processing messages and what
// it reports to load balancers.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"logpipe/pkg/logger"
	"logpipe/pkg/metric"
)

var ErrTimeout = errors.New("timed out waiting for buffers to empty")

type State int

const (
	Running State = iota
	Pausing
	Paused
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Pausing:
		return "PAUSING"
	case Paused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

type LBStatus int

const (
	Alive LBStatus = iota
	Throttled
	Dead
)

func (s LBStatus) String() string {
	switch s {
	case Alive:
		return "ALIVE"
	case Throttled:
		return "THROTTLED"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Watermarked is a staged buffer whose occupancy the lifecycle waits on.
type Watermarked interface {
	Name() string
	Len() int
}

// Pausable is an intake buffer the lifecycle can pause and wait on.
type Pausable interface {
	Watermarked
	Pause()
	Unpause()
}

// PauseToken identifies one PauseMessageProcessing call.
type PauseToken struct {
	id     uint64
	locked bool
}

func (t PauseToken) Locked() bool { return t.locked }

// Event is published to subscribers on every state or status change.
type Event struct {
	State     State
	LBStatus  LBStatus
	Throttled bool
	At        time.Time
}

// Lifecycle is safe for concurrent use.
type Lifecycle struct {
	mu          sync.Mutex
	state       State
	buffers     []Pausable
	watched     []Watermarked
	outstanding map[uint64]struct{}
	locks       map[uint64]struct{}
	nextToken   uint64

	throttled        atomic.Bool
	dead             atomic.Bool
	forcedThrottling atomic.Bool

	subMu sync.Mutex
	subs  []chan Event

	stateGauge prometheus.Gauge
	lbGauge    prometheus.Gauge
	pauseLocks prometheus.Gauge
}

func New(reg *metric.Registry) *Lifecycle {
	l := &Lifecycle{
		outstanding: make(map[uint64]struct{}),
		locks:       make(map[uint64]struct{}),
		stateGauge:  reg.Gauge("lifecycle", "state", "Processing state: 0 running, 1 pausing, 2 paused."),
		lbGauge:     reg.Gauge("lifecycle", "lb_status", "Load balancer status: 0 alive, 1 throttled, 2 dead."),
		pauseLocks:  reg.Gauge("lifecycle", "pause_locks", "Outstanding locked pauses."),
	}
	return l
}

// Register adds intake buffers. Buffers registered while paused are paused
// immediately.
func (l *Lifecycle) Register(bufs ...Pausable) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range bufs {
		if l.state != Running {
			b.Pause()
		}
		l.buffers = append(l.buffers, b)
	}
}

// Watch adds downstream buffers that WaitForEmptyBuffers waits on but that
// are never paused.
func (l *Lifecycle) Watch(bufs ...Watermarked) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watched = append(l.watched, bufs...)
}

// PauseMessageProcessing pauses every registered buffer and returns without
// waiting for them to drain. A locked pause keeps processing paused until
// its token is resumed or unlocked.
func (l *Lifecycle) PauseMessageProcessing(locked bool) PauseToken {
	l.mu.Lock()
	l.nextToken++
	tok := PauseToken{id: l.nextToken, locked: locked}
	l.outstanding[tok.id] = struct{}{}
	if locked {
		l.locks[tok.id] = struct{}{}
	}
	for _, b := range l.buffers {
		b.Pause()
	}
	changed := l.state == Running
	if changed {
		l.state = Pausing
	}
	nLocks := len(l.locks)
	l.mu.Unlock()

	l.pauseLocks.Set(float64(nLocks))
	logger.Info("processing_paused", "locked", locked, "locks", nLocks)
	if changed {
		l.publish()
	}
	return tok
}

// ResumeMessageProcessing consumes tok. It reports false, and changes
// nothing, when tok has no outstanding pause. Buffers are unpaused only once
// no other caller's pause is outstanding.
func (l *Lifecycle) ResumeMessageProcessing(tok PauseToken) bool {
	l.mu.Lock()
	if _, ok := l.outstanding[tok.id]; !ok {
		l.mu.Unlock()
		logger.Debug("processing_resume_ignored", "reason", "no matching pause")
		return false
	}
	delete(l.outstanding, tok.id)
	delete(l.locks, tok.id)
	nLocks := len(l.locks)
	pending := len(l.outstanding)
	resumed := false
	if pending == 0 && l.state != Running {
		for _, b := range l.buffers {
			b.Unpause()
		}
		l.state = Running
		resumed = true
	}
	l.mu.Unlock()

	l.pauseLocks.Set(float64(nLocks))
	if resumed {
		logger.Info("processing_resumed")
		l.publish()
	} else {
		logger.Info("processing_resume_deferred", "pauses", pending, "locks", nLocks)
	}
	return true
}

// UnlockProcessingPause releases the lock held by tok without resuming.
func (l *Lifecycle) UnlockProcessingPause(tok PauseToken) bool {
	l.mu.Lock()
	_, ok := l.locks[tok.id]
	delete(l.locks, tok.id)
	n := len(l.locks)
	l.mu.Unlock()
	l.pauseLocks.Set(float64(n))
	return ok
}

// ProcessingPauseLocked reports whether any locked pause is outstanding.
func (l *Lifecycle) ProcessingPauseLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks) > 0
}

// WaitForEmptyBuffers blocks until every registered and watched buffer's
// watermark is zero. A PAUSING lifecycle becomes PAUSED when that happens.
func (l *Lifecycle) WaitForEmptyBuffers(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for {
		l.mu.Lock()
		empty := true
		for _, b := range l.buffers {
			if b.Len() > 0 {
				empty = false
				break
			}
		}
		for _, b := range l.watched {
			if !empty {
				break
			}
			empty = b.Len() == 0
		}
		changed := false
		if empty && l.state == Pausing {
			l.state = Paused
			changed = true
		}
		l.mu.Unlock()
		if changed {
			logger.Info("processing_buffers_drained")
			l.publish()
		}
		if empty {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrTimeout
			}
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lifecycle) IsProcessing() bool { return l.State() == Running }

// SetThrottled sets the utilization-driven throttle flag.
func (l *Lifecycle) SetThrottled(v bool) {
	if l.throttled.Swap(v) != v {
		logger.Info("lifecycle_throttled_changed", "throttled", v)
		l.publish()
	}
}

func (l *Lifecycle) Throttled() bool { return l.throttled.Load() }

// LoadBalancerStatus folds the flags: DEAD wins over THROTTLED, which wins
// over ALIVE.
func (l *Lifecycle) LoadBalancerStatus() LBStatus {
	switch {
	case l.dead.Load():
		return Dead
	case l.throttled.Load() || l.forcedThrottling.Load():
		return Throttled
	default:
		return Alive
	}
}

func (l *Lifecycle) OverrideLoadBalancerDead() {
	if !l.dead.Swap(true) {
		logger.Warn("lb_status_override", "status", Dead.String())
		l.publish()
	}
}

// OverrideLoadBalancerAlive clears DEAD and any forced throttling. The
// utilization flag is left alone.
func (l *Lifecycle) OverrideLoadBalancerAlive() {
	wasDead := l.dead.Swap(false)
	wasForced := l.forcedThrottling.Swap(false)
	if wasDead || wasForced {
		logger.Info("lb_status_override", "status", Alive.String())
		l.publish()
	}
}

func (l *Lifecycle) OverrideLoadBalancerThrottled() {
	if !l.forcedThrottling.Swap(true) {
		logger.Info("lb_status_override", "status", Throttled.String())
		l.publish()
	}
}

// Subscribe returns a channel of state changes. Slow subscribers miss
// events rather than block the lifecycle.
func (l *Lifecycle) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	l.subMu.Lock()
	l.subs = append(l.subs, ch)
	l.subMu.Unlock()
	return ch
}

func (l *Lifecycle) publish() {
	ev := Event{State: l.State(), LBStatus: l.LoadBalancerStatus(), Throttled: l.Throttled(), At: time.Now()}
	l.stateGauge.Set(float64(ev.State))
	l.lbGauge.Set(float64(ev.LBStatus))
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
