// Package retention periodically prunes expired approvals and aged
// audit events on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/argus-ops/argus/internal/config"
	"github.com/argus-ops/argus/internal/store"
)

// Worker runs retention sweeps on the configured schedule.
type Worker struct {
	cfg       config.RetentionConfig
	approvals store.ApprovalStore
	audits    store.AuditStore
	logger    *slog.Logger
	cron      *cron.Cron
	now       func() time.Time
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// NewWorker creates a retention worker over the given stores.
func NewWorker(cfg config.RetentionConfig, approvals store.ApprovalStore, audits store.AuditStore, opts ...Option) *Worker {
	w := &Worker{
		cfg:       cfg,
		approvals: approvals,
		audits:    audits,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start schedules sweeps. It is a no-op when retention is disabled.
func (w *Worker) Start() error {
	if !w.cfg.Enabled {
		return nil
	}
	w.cron = cron.New()
	_, err := w.cron.AddFunc(w.cfg.Schedule, func() {
		if err := w.Sweep(context.Background()); err != nil {
			w.logger.Error("retention sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", w.cfg.Schedule, err)
	}
	w.cron.Start()
	w.logger.Info("retention worker started",
		"schedule", w.cfg.Schedule, "audit_days", w.cfg.AuditDays)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (w *Worker) Stop() {
	if w.cron == nil {
		return
	}
	<-w.cron.Stop().Done()
}

// Sweep deletes audit events past the retention window and, when
// enabled, expired approval tokens.
func (w *Worker) Sweep(ctx context.Context) error {
	now := w.now().UTC()

	if w.audits != nil && w.cfg.AuditDays > 0 {
		cutoff := now.AddDate(0, 0, -w.cfg.AuditDays)
		removed, err := w.audits.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("prune audit events: %w", err)
		}
		if removed > 0 {
			w.logger.Info("pruned audit events",
				"removed", removed, "older_than_days", w.cfg.AuditDays)
		}
	}

	if w.approvals != nil && w.cfg.ApprovalSweep {
		removed, err := w.approvals.DeleteExpired(ctx, now)
		if err != nil {
			return fmt.Errorf("prune approvals: %w", err)
		}
		if removed > 0 {
			w.logger.Info("pruned expired approvals", "removed", removed)
		}
	}
	return nil
}
