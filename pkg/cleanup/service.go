// Package cleanup enforces the audit log retention policy with a periodic
// background sweep. Purges are idempotent and safe to run from multiple
// replicas.
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// AuditPurger is the slice of the audit store the sweep needs.
type AuditPurger interface {
	PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// Service runs the retention sweep.
type Service struct {
	purger    AuditPurger
	retention time.Duration
	interval  time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func NewService(purger AuditPurger, retention, interval time.Duration) *Service {
	return &Service{purger: purger, retention: retention, interval: interval}
}

// Start launches the background sweep loop. A second Start is a no-op.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"retention", s.retention,
		"interval", s.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	count, err := s.purger.PurgeOlderThan(ctx, s.retention)
	if err != nil {
		slog.Error("Retention: audit purge failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged old audit entries", "count", count)
	}
}
