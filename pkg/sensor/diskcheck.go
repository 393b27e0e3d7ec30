package sensor

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"

	"logpipe/pkg/logger"
	"logpipe/pkg/notify"
)

// DeadSetter is the lifecycle hook the disk check drives.
type DeadSetter interface {
	OverrideLoadBalancerDead()
}

// Notifier publishes operator notifications.
type Notifier interface {
	PublishIfFirst(typ notify.Type, sev notify.Severity, details map[string]any) bool
	Fixed(typ notify.Type) bool
}

// DiskCheckConfig controls the free space check on the journal directory.
type DiskCheckConfig struct {
	Dir                   string
	FreeSpaceFloorPercent float64
	InitialDelay          time.Duration
	Interval              time.Duration
}

// DiskCheck marks the node DEAD and raises a notification when the journal
// filesystem runs low. It never lifts DEAD on its own.
type DiskCheck struct {
	cfg    DiskCheckConfig
	lc     DeadSetter
	notif  Notifier
	statfs func(string) (DiskStat, error)
	// onDead runs each time the floor is crossed
	onDead func()
}

func NewDiskCheck(cfg DiskCheckConfig, lc DeadSetter, n Notifier, onDead func()) *DiskCheck {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	}
	if cfg.FreeSpaceFloorPercent <= 0 {
		cfg.FreeSpaceFloorPercent = 5
	}
	return &DiskCheck{cfg: cfg, lc: lc, notif: n, statfs: Statfs, onDead: onDead}
}

// Run waits InitialDelay and then checks every Interval until ctx is done.
func (d *DiskCheck) Run(ctx context.Context) {
	if d.cfg.InitialDelay > 0 {
		t := time.NewTimer(d.cfg.InitialDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	d.Check()
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Check()
		}
	}
}

// Check runs once and reports whether free space is below the floor.
func (d *DiskCheck) Check() bool {
	st, err := d.statfs(d.cfg.Dir)
	if err != nil {
		logger.Warn("disk_check_statfs_failed", "dir", d.cfg.Dir, "error", err)
		return false
	}
	if st.Total == 0 {
		return false
	}
	freePct := float64(st.Free) * 100 / float64(st.Total)
	if freePct >= d.cfg.FreeSpaceFloorPercent {
		return false
	}

	logger.Warn("journal_disk_space_low",
		"dir", d.cfg.Dir,
		"free", humanize.IBytes(st.Free),
		"total", humanize.IBytes(st.Total),
		"free_percent", freePct,
		"floor_percent", d.cfg.FreeSpaceFloorPercent,
	)
	if d.lc != nil {
		d.lc.OverrideLoadBalancerDead()
	}
	if d.notif != nil {
		d.notif.PublishIfFirst(notify.TypeJournalInsufficientDiskSpace, notify.SeverityUrgent, map[string]any{
			"journal_dir":       d.cfg.Dir,
			"disk_total_bytes":  st.Total,
			"disk_free_bytes":   st.Free,
			"disk_free_percent": freePct,
		})
	}
	if d.onDead != nil {
		d.onDead()
	}
	return true
}
