package sensor

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"logpipe/pkg/logger"
	"logpipe/pkg/notify"
)

// ThrottleSetter is the lifecycle hook the throttle check drives.
type ThrottleSetter interface {
	SetThrottled(bool)
}

// UtilizationSource reports fill level as a percentage.
type UtilizationSource interface {
	Utilization() float64
}

const criticalUtilization = 95.0

// ThrottleCheck sets the THROTTLED flag while journal utilization is at or
// above the threshold. A negative threshold disables the flag but keeps the
// critical utilization warning.
type ThrottleCheck struct {
	src       UtilizationSource
	lc        ThrottleSetter
	notif     Notifier
	threshold float64
	interval  time.Duration
	warn      *rate.Limiter
}

func NewThrottleCheck(src UtilizationSource, lc ThrottleSetter, n Notifier, thresholdPercent float64, interval time.Duration) *ThrottleCheck {
	if interval <= 0 {
		interval = time.Second
	}
	return &ThrottleCheck{
		src:       src,
		lc:        lc,
		notif:     n,
		threshold: thresholdPercent,
		interval:  interval,
		warn:      rate.NewLimiter(rate.Every(time.Minute), 1),
	}
}

func (t *ThrottleCheck) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Check()
		}
	}
}

// Check evaluates utilization once and returns the throttled decision.
func (t *ThrottleCheck) Check() bool {
	u := t.src.Utilization()
	if u > criticalUtilization {
		if t.warn.Allow() {
			logger.Warn("journal_utilization_critical",
				"utilization_percent", u,
				"detail", "journal is close to its size limit; messages will be dropped once it is full",
			)
		}
		if t.notif != nil {
			t.notif.PublishIfFirst(notify.TypeJournalUtilizationTooHigh, notify.SeverityUrgent, map[string]any{
				"utilization_percent": u,
			})
		}
	} else if t.notif != nil && u < criticalUtilization-5 {
		t.notif.Fixed(notify.TypeJournalUtilizationTooHigh)
	}

	if t.threshold < 0 {
		return false
	}
	throttled := u >= t.threshold
	t.lc.SetThrottled(throttled)
	return throttled
}
