// Package supervisor runs the engine's periodic housekeeping: evicting
// expired oracle quota entries and expiring stale human approvals.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ironmill-erp/decision-engine/internal/domain"
	"github.com/ironmill-erp/decision-engine/internal/logger"
)

// QuotaCleaner drops expired degradation entries.
type QuotaCleaner interface {
	Cleanup() int
}

// ApprovalExpirer rejects pending approvals whose expiry has passed.
type ApprovalExpirer interface {
	ExpirePending(ctx context.Context, now time.Time) (int64, error)
}

// Auditor records audit entries.
type Auditor interface {
	Record(ctx context.Context, rec domain.AuditRecord) error
}

// Config holds tunable parameters for the sweep loop.
type Config struct {
	IntervalSec int
}

// SweepResult reports what one sweep changed.
type SweepResult struct {
	QuotaEvicted     int
	ApprovalsExpired int64
}

// Supervisor periodically sweeps the quota cache and the approval store.
type Supervisor struct {
	Quota     QuotaCleaner
	Approvals ApprovalExpirer
	Audit     Auditor
	Config    Config
	Logger    *slog.Logger

	now      func() time.Time // for testing
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Supervisor with a 60 second interval when none is set.
// Nil collaborators are skipped during sweeps.
func New(quota QuotaCleaner, approvals ApprovalExpirer, audit Auditor, cfg Config, l *slog.Logger) *Supervisor {
	if cfg.IntervalSec <= 0 {
		cfg.IntervalSec = 60
	}
	return &Supervisor{
		Quota:     quota,
		Approvals: approvals,
		Audit:     audit,
		Config:    cfg,
		Logger:    logger.OrDefault(l),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Sweep runs one housekeeping pass at the given time.
func (s *Supervisor) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult
	if s.Quota != nil {
		res.QuotaEvicted = s.Quota.Cleanup()
	}
	if s.Approvals == nil {
		return res, nil
	}

	n, err := s.Approvals.ExpirePending(ctx, now)
	if err != nil {
		return res, fmt.Errorf("expire approvals: %w", err)
	}
	res.ApprovalsExpired = n

	if n > 0 && s.Audit != nil {
		_ = s.Audit.Record(ctx, domain.AuditRecord{
			ID:        uuid.NewString(),
			Category:  "supervisor",
			Actor:     "system",
			Action:    "approvals_expired",
			Severity:  "warn",
			CreatedAt: now.UnixMilli(),
		})
	}
	return res, nil
}

// Start spawns the sweep goroutine. It stops on Stop or when ctx ends.
func (s *Supervisor) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.Config.IntervalSec) * time.Second)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

func (s *Supervisor) tick(ctx context.Context) {
	res, err := s.Sweep(ctx, s.now())
	if err != nil {
		s.Logger.ErrorContext(ctx, "sweep failed", "error", err)
		return
	}
	if res.QuotaEvicted > 0 || res.ApprovalsExpired > 0 {
		s.Logger.InfoContext(ctx, "sweep finished",
			"quota_evicted", res.QuotaEvicted, "approvals_expired", res.ApprovalsExpired)
	}
}

// Stop signals the sweep goroutine and waits for it. Safe to call multiple times.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
