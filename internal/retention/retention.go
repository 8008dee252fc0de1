// Package retention runs the hub's scheduled data-retention purge: a
// calendar-shaped job (daily, by default) that deletes messages and
// audit events older than their configured retention window.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tymbal-dev/tymbal/internal/store"
)

// DefaultSchedule runs once a day, grounded on spec.md §6's storage
// capability describing retention as a calendar-shaped policy rather
// than a tight polling loop.
const DefaultSchedule = "@daily"

// Purger periodically deletes rows older than the configured retention
// window from the Storage capability.
type Purger struct {
	store     store.Store
	retention time.Duration
	audit     time.Duration
	logger    *slog.Logger

	cronEngine *cron.Cron
}

// New builds a Purger. retention and auditRetention of zero disable
// the corresponding purge (the schedule still runs but does nothing).
func New(st store.Store, retention, auditRetention time.Duration, logger *slog.Logger) *Purger {
	return &Purger{
		store:     st,
		retention: retention,
		audit:     auditRetention,
		logger:    logger.With("component", "retention"),
	}
}

// Start schedules the purge on schedule (a standard 5-field cron
// expression) and runs it in the background until Stop is called.
func (p *Purger) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	p.cronEngine = cron.New()
	if _, err := p.cronEngine.AddFunc(schedule, p.runOnce); err != nil {
		return err
	}
	p.cronEngine.Start()
	return nil
}

// Stop waits for any in-flight purge to finish and stops the
// scheduler.
func (p *Purger) Stop(ctx context.Context) {
	if p.cronEngine == nil {
		return
	}
	stopped := p.cronEngine.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		p.logger.Warn("retention purger shutdown timed out")
	}
}

// RunOnce runs the purge immediately, outside the cron schedule —
// exposed for a manual admin-triggered purge and for tests.
func (p *Purger) RunOnce(ctx context.Context) {
	p.purge(ctx)
}

func (p *Purger) runOnce() {
	p.purge(context.Background())
}

func (p *Purger) purge(ctx context.Context) {
	now := time.Now()

	if p.retention > 0 {
		n, err := p.store.PurgeOldMessages(ctx, now.Add(-p.retention))
		if err != nil {
			p.logger.Error("purge old messages failed", "error", err)
		} else if n > 0 {
			p.logger.Info("purged old messages", "count", n)
		}
	}

	if p.audit > 0 {
		n, err := p.store.PurgeOldAuditEvents(ctx, now.Add(-p.audit))
		if err != nil {
			p.logger.Error("purge old audit events failed", "error", err)
		} else if n > 0 {
			p.logger.Info("purged old audit events", "count", n)
		}
	}
}
