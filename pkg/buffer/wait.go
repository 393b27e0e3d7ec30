package buffer

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// WaitStrategy decides how an idle consumer waits for work. It only affects
// consumer idle behaviour; buffer semantics are the same under every strategy.
type WaitStrategy interface {
	// Idle is called each time a consumer finds the buffer empty.
	// emptyStreak counts consecutive empty polls, starting at 1.
	Idle(emptyStreak uint64)
	// Signal is called after every successful insert and on Close.
	Signal()
}

const (
	StrategyBlocking     = "blocking"
	StrategySleeping     = "sleeping"
	StrategyYielding     = "yielding"
	StrategyBusySpinning = "busy-spinning"
)

// ParseWaitStrategy builds a fresh strategy from its config name. An empty
// name selects blocking.
func ParseWaitStrategy(name string) (WaitStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", StrategyBlocking:
		return NewBlocking(0), nil
	case StrategySleeping:
		return NewSleeping(0), nil
	case StrategyYielding:
		return NewYielding(0), nil
	case StrategyBusySpinning, "busy_spinning", "busyspin":
		return BusySpin{}, nil
	default:
		return nil, fmt.Errorf("unknown wait strategy %q", name)
	}
}

// Blocking parks an idle consumer until Signal or MaxPark elapses.
type Blocking struct {
	wake    chan struct{}
	maxPark time.Duration
}

// NewBlocking returns a blocking strategy. maxPark bounds each park so
// consumers notice cancellation; <= 0 means 50ms.
func NewBlocking(maxPark time.Duration) *Blocking {
	if maxPark <= 0 {
		maxPark = 50 * time.Millisecond
	}
	return &Blocking{wake: make(chan struct{}, 1), maxPark: maxPark}
}

func (b *Blocking) Idle(uint64) {
	t := time.NewTimer(b.maxPark)
	defer t.Stop()
	select {
	case <-b.wake:
	case <-t.C:
	}
}

func (b *Blocking) Signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Sleeping sleeps a fixed duration on every empty poll.
type Sleeping struct {
	d time.Duration
}

// NewSleeping returns a sleeping strategy; d <= 0 means 1ms.
func NewSleeping(d time.Duration) *Sleeping {
	if d <= 0 {
		d = time.Millisecond
	}
	return &Sleeping{d: d}
}

func (s *Sleeping) Idle(uint64) { time.Sleep(s.d) }
func (s *Sleeping) Signal()     {}

// Yielding spins for a number of empty polls and then yields the processor.
type Yielding struct {
	spins uint64
}

// NewYielding returns a yielding strategy; spins == 0 means 100.
func NewYielding(spins uint64) *Yielding {
	if spins == 0 {
		spins = 100
	}
	return &Yielding{spins: spins}
}

func (y *Yielding) Idle(streak uint64) {
	if streak > y.spins {
		runtime.Gosched()
	}
}

func (y *Yielding) Signal() {}

// BusySpin returns immediately and keeps a core hot.
type BusySpin struct{}

func (BusySpin) Idle(uint64) {}
func (BusySpin) Signal()     {}
