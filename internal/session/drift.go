package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// DriftAuditorConfig holds the dependencies of a DriftAuditor.
type DriftAuditorConfig struct {
	Manager  *Manager
	Schedule string // cron expression, e.g. "*/10 * * * *"
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Now      func() time.Time
}

// DriftAuditor periodically recomputes every live session's totals on a
// cron schedule.
type DriftAuditor struct {
	manager  *Manager
	schedule cronlib.Schedule
	expr     string
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	next time.Time
	runs atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDriftAuditor parses cfg.Schedule and returns an auditor ready to Start.
func NewDriftAuditor(cfg DriftAuditorConfig) (*DriftAuditor, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("drift auditor: manager is required")
	}
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("drift auditor: parse schedule %q: %w", cfg.Schedule, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &DriftAuditor{
		manager:  cfg.Manager,
		schedule: sched,
		expr:     cfg.Schedule,
		logger:   logger,
		interval: interval,
		now:      now,
	}, nil
}

// Start begins the audit loop in a background goroutine. The first audit
// runs immediately.
func (a *DriftAuditor) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.loop(ctx)
	a.logger.Info("drift auditor started", "schedule", a.expr, "interval", a.interval)
}

// Stop cancels the loop and waits for it to exit.
func (a *DriftAuditor) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.logger.Info("drift auditor stopped")
}

// Runs returns how many audits have completed.
func (a *DriftAuditor) Runs() int64 {
	return a.runs.Load()
}

func (a *DriftAuditor) loop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

// tick audits when the schedule is due.
func (a *DriftAuditor) tick(ctx context.Context) {
	now := a.now()
	if now.Before(a.next) {
		return
	}
	a.RunOnce(ctx)
	a.next = a.schedule.Next(now)
}

// RunOnce recomputes every live session now.
func (a *DriftAuditor) RunOnce(ctx context.Context) (checked, corrected int) {
	checked, corrected = a.manager.RecomputeAll(ctx)
	a.runs.Add(1)
	if corrected > 0 {
		a.logger.Warn("drift audit corrected sessions", "checked", checked, "corrected", corrected)
	} else {
		a.logger.Debug("drift audit clean", "checked", checked)
	}
	return checked, corrected
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
