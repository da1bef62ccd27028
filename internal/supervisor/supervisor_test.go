package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironmill-erp/decision-engine/internal/domain"
	"github.com/ironmill-erp/decision-engine/internal/store"
)

type fakeQuota struct{ calls atomic.Int64 }

func (f *fakeQuota) Cleanup() int {
	f.calls.Add(1)
	return 1
}

type failingExpirer struct{}

func (failingExpirer) ExpirePending(context.Context, time.Time) (int64, error) {
	return 0, errors.New("database is locked")
}

type fakeAudit struct {
	mu   sync.Mutex
	recs []domain.AuditRecord
}

func (f *fakeAudit) Record(_ context.Context, rec domain.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

func newApprovals(t *testing.T) *store.Approvals {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.NewApprovals(db)
}

func TestNew_Defaults(t *testing.T) {
	s := New(nil, nil, nil, Config{}, nil)
	assert.Equal(t, 60, s.Config.IntervalSec)
	assert.NotNil(t, s.Logger)
}

func TestSweep_ExpiresStaleApprovals(t *testing.T) {
	approvals := newApprovals(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	_, _, err := approvals.CreateOrReusePending(ctx, domain.HumanApprovalRequest{
		DecisionID: "stale", Agent: domain.RolePurchase, Action: "approve_order",
		Severity: domain.SeverityHigh, Status: domain.ApprovalPending,
		CreatedAt: base, ExpiryAt: base.Add(time.Hour),
	})
	require.NoError(t, err)
	_, _, err = approvals.CreateOrReusePending(ctx, domain.HumanApprovalRequest{
		DecisionID: "fresh", Agent: domain.RoleSales, Action: "set_price",
		Severity: domain.SeverityCritical, Status: domain.ApprovalPending,
		CreatedAt: base, ExpiryAt: base.Add(48 * time.Hour),
	})
	require.NoError(t, err)

	quota := &fakeQuota{}
	audit := &fakeAudit{}
	s := New(quota, approvals, audit, Config{IntervalSec: 1}, nil)

	res, err := s.Sweep(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.QuotaEvicted)
	assert.Equal(t, int64(1), res.ApprovalsExpired)

	stale, err := approvals.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalRejected, stale.Status)
	assert.Equal(t, store.ExpiredBy, stale.ResolvedBy)

	fresh, err := approvals.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, fresh.Status)

	require.Len(t, audit.recs, 1)
	assert.Equal(t, "approvals_expired", audit.recs[0].Action)
}

func TestSweep_NothingToExpireSkipsAudit(t *testing.T) {
	audit := &fakeAudit{}
	s := New(nil, newApprovals(t), audit, Config{}, nil)

	res, err := s.Sweep(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, res.ApprovalsExpired)
	assert.Empty(t, audit.recs)
}

func TestSweep_ExpirerError(t *testing.T) {
	quota := &fakeQuota{}
	s := New(quota, failingExpirer{}, nil, Config{}, nil)

	_, err := s.Sweep(context.Background(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Equal(t, int64(1), quota.calls.Load(), "quota cleanup still runs")
}

func TestStartStop(t *testing.T) {
	quota := &fakeQuota{}
	s := New(quota, nil, nil, Config{IntervalSec: 1}, nil)

	s.Start(context.Background())
	require.Eventually(t, func() bool { return quota.calls.Load() > 0 }, 3*time.Second, 20*time.Millisecond)

	s.Stop()
	s.Stop()
	n := quota.calls.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, n, quota.calls.Load(), "no sweeps after Stop")
}

func TestStart_StopsWithContext(t *testing.T) {
	s := New(&fakeQuota{}, nil, nil, Config{IntervalSec: 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep goroutine did not exit after cancel")
	}
}
