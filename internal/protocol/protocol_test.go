package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironmill-erp/decision-engine/internal/agent"
	"github.com/ironmill-erp/decision-engine/internal/agent/agenttest"
	"github.com/ironmill-erp/decision-engine/internal/domain"
	"github.com/ironmill-erp/decision-engine/internal/oracle"
)

type fakeInventory struct {
	stock map[string]domain.StockLevel
	bom   map[string][]domain.BOMLine
	err   error
}

func (f *fakeInventory) StockLevel(_ context.Context, id string) (*domain.StockLevel, error) {
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.stock[id]
	if !ok {
		return nil, domain.ErrMaterialUnknown
	}
	return &s, nil
}

func (f *fakeInventory) BOM(_ context.Context, product string) ([]domain.BOMLine, error) {
	return f.bom[product], nil
}

// newInventory stocks steel (70 available) and bolts, with frame = 2 steel + 4 bolts.
func newInventory() *fakeInventory {
	return &fakeInventory{
		stock: map[string]domain.StockLevel{
			"steel": {MaterialID: "steel", OnHand: 100, Reserved: 30},
			"bolt":  {MaterialID: "bolt", OnHand: 1000},
		},
		bom: map[string][]domain.BOMLine{
			"frame": {
				{ProductID: "frame", MaterialID: "steel", QtyPerUnit: 2},
				{ProductID: "frame", MaterialID: "bolt", QtyPerUnit: 4},
			},
		},
	}
}

type fakeApprovals struct {
	mu      sync.Mutex
	pending map[string]*domain.HumanApprovalRequest
	created int
	err     error
}

func (f *fakeApprovals) CreateOrReusePending(_ context.Context, req domain.HumanApprovalRequest) (*domain.HumanApprovalRequest, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, false, f.err
	}
	if f.pending == nil {
		f.pending = make(map[string]*domain.HumanApprovalRequest)
	}
	key := string(req.Agent) + "/" + req.Action
	if existing, ok := f.pending[key]; ok {
		return existing, false, nil
	}
	f.pending[key] = &req
	f.created++
	return &req, true, nil
}

type fakeDegradation struct {
	reason string
	on     bool
}

func (f *fakeDegradation) Degraded() (string, bool) { return f.reason, f.on }

type fixture struct {
	bus         *agent.Bus
	stubs       map[domain.Role]*agenttest.Stub
	inventory   *fakeInventory
	approvals   *fakeApprovals
	degradation *fakeDegradation
	protocol    *Protocol
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus, stubs := agenttest.Panel(domain.AllRoles...)
	f := &fixture{
		bus:         bus,
		stubs:       stubs,
		inventory:   newInventory(),
		approvals:   &fakeApprovals{},
		degradation: &fakeDegradation{},
	}
	f.protocol = New(Options{
		Agents:      bus,
		Inventory:   f.inventory,
		Approvals:   f.approvals,
		Degradation: f.degradation,
	})
	return f
}

func (f *fixture) run(t *testing.T, d domain.AgentDecision) *domain.ProtocolResult {
	t.Helper()
	return f.protocol.Run(context.Background(), Input{Decision: d, Target: f.stubs[d.Agent]})
}

func decision(role domain.Role, action string, data map[string]any) domain.AgentDecision {
	return domain.AgentDecision{
		Agent:      role,
		Action:     action,
		Data:       data,
		Reasoning:  "looks fine",
		Confidence: 0.9,
		Severity:   domain.SeverityLow,
	}
}

func rateLimited() error {
	return &oracle.Error{Kind: oracle.KindRateLimited, Status: 429, Err: errors.New("slow down")}
}

func TestRun_AllLayersPass(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, decision(domain.RolePlanning, "adjust_schedule", map[string]any{"quantity": 5.0}))

	assert.Equal(t, domain.FinalApproved, res.FinalDecision)
	assert.Empty(t, res.Errors)
	require.NotNil(t, res.SelfValidation)
	require.NotNil(t, res.CrossValidation)
	require.NotNil(t, res.Consensus)
	require.NotNil(t, res.Integrity)
	require.NotNil(t, res.HumanGate)
	assert.True(t, res.Integrity.Skipped, "non-committing action skips integrity")
	assert.Equal(t, 6, res.Consensus.Consensus.TotalVotes)
	assert.Equal(t, 1, f.stubs[domain.RoleWarehouse].ValidateCalls())
	assert.Equal(t, 0, f.stubs[domain.RoleSales].ValidateCalls(), "sales is not related to planning")
}

func TestRun_SelfValidationFailureHalts(t *testing.T) {
	f := newFixture(t)
	f.stubs[domain.RoleProduction].Validation = &domain.ValidationResult{
		IsValid: false,
		Issues:  []string{"quantity must be positive, got -3"},
	}

	res := f.run(t, decision(domain.RoleProduction, domain.ActionReleaseProduction, map[string]any{"product_id": "frame", "quantity": -3.0}))

	assert.Equal(t, domain.FinalRejected, res.FinalDecision)
	assert.Equal(t, LayerSelfValidation, res.RejectedBy)
	assert.Contains(t, res.Errors, "production-agent: quantity must be positive, got -3")
	assert.Nil(t, res.CrossValidation)
	assert.Nil(t, res.Consensus)
	assert.Nil(t, res.Integrity)
	assert.Nil(t, res.HumanGate)
	for role, s := range f.stubs {
		assert.Zero(t, s.VoteCalls(), "%s voted after L1 failed", role)
		if role != domain.RoleProduction {
			assert.Zero(t, s.ValidateCalls(), "%s validated after L1 failed", role)
		}
	}
}

func TestRun_CrossValidationErrorRejects(t *testing.T) {
	f := newFixture(t)
	f.stubs[domain.RoleWarehouse].Validation = &domain.ValidationResult{
		IsValid: false,
		Issues:  []string{"material steel: requested 500 exceeds available 70"},
	}

	res := f.run(t, decision(domain.RolePlanning, "adjust_schedule", nil))

	assert.Equal(t, domain.FinalRejected, res.FinalDecision)
	assert.Equal(t, LayerCrossValidation, res.RejectedBy)
	assert.Contains(t, res.Errors, "warehouse-agent: material steel: requested 500 exceeds available 70")
	assert.Nil(t, res.Consensus)
}

func TestRun_CrossValidationPeerFailureRejects(t *testing.T) {
	f := newFixture(t)
	f.stubs[domain.RoleWarehouse].ValidateErr = errors.New("stock table unreachable")

	res := f.run(t, decision(domain.RolePlanning, "adjust_schedule", nil))

	assert.Equal(t, domain.FinalRejected, res.FinalDecision)
	assert.Equal(t, LayerCrossValidation, res.RejectedBy)
	assert.Contains(t, res.Errors, "warehouse-agent: cross-validation failed: stock table unreachable")
	assert.False(t, res.CrossValidation.OracleUnavailable)
}

func TestRun_NilValidationIsLayerError(t *testing.T) {
	f := newFixture(t)
	f.stubs[domain.RolePlanning].NoValidation = true

	res := f.run(t, decision(domain.RolePlanning, "adjust_schedule", nil))

	assert.Equal(t, domain.FinalRejected, res.FinalDecision)
	assert.Equal(t, LayerSelfValidation, res.RejectedBy)
	assert.Contains(t, strings.Join(res.Errors, "\n"), agent.ErrNoResult.Error())

	f = newFixture(t)
	f.stubs[domain.RoleWarehouse].NoValidation = true

	res = f.run(t, decision(domain.RolePlanning, "adjust_schedule", nil))

	assert.Equal(t, LayerCrossValidation, res.RejectedBy)
	assert.Contains(t, res.Errors, "warehouse-agent: cross-validation failed: "+agent.ErrNoResult.Error())
}

func TestRun_CrossValidationOracleOutageIsWarning(t *testing.T) {
	f := newFixture(t)
	f.stubs[domain.RoleWarehouse].ValidateErr = rateLimited()

	res := f.run(t, decision(domain.RolePlanning, "adjust_schedule", nil))

	assert.Equal(t, domain.FinalApproved, res.FinalDecision)
	assert.True(t, res.CrossValidation.IsValid)
	assert.True(t, res.CrossValidation.OracleUnavailable)
	assert.True(t, res.OracleUnavailable)
	assert.Contains(t, res.Warnings, "warehouse-agent: decision oracle unavailable, cross-validation skipped")
}

func TestRun_DegradedSkipsOracleLayers(t *testing.T) {
	f := newFixture(t)
	f.degradation.on = true
	f.degradation.reason = "decision oracle disabled"
	for role, s := range f.stubs {
		if role == domain.RolePlanning {
			continue
		}
		s.Validation = &domain.ValidationResult{IsValid: false, Issues: []string{"no"}}
		s.VoteResult = &domain.Vote{Vote: domain.VoteReject, Confidence: 0.9, Reasoning: "no"}
	}

	res := f.run(t, decision(domain.RolePlanning, "adjust_schedule", nil))

	assert.Equal(t, domain.FinalApproved, res.FinalDecision)
	assert.True(t, res.CrossValidation.IsValid)
	assert.True(t, res.CrossValidation.Skipped)
	assert.True(t, res.Consensus.IsValid)
	assert.True(t, res.Consensus.Skipped)
	assert.Equal(t, 1.0, res.Consensus.Consensus.ApprovalRate)
	assert.Zero(t, res.Consensus.Consensus.TotalVotes)
	assert.Zero(t, f.stubs[domain.RoleWarehouse].VoteCalls())
}

func TestRun_ConsensusFailureRejects(t *testing.T) {
	f := newFixture(t)
	for _, role := range []domain.Role{domain.RoleSales, domain.RoleQuality, domain.RolePurchase} {
		f.stubs[role].VoteResult = &domain.Vote{Vote: domain.VoteReject, Confidence: 0.9, Reasoning: "margin too thin"}
	}

	res := f.run(t, decision(domain.RolePlanning, "adjust_schedule", nil))

	assert.Equal(t, domain.FinalRejected, res.FinalDecision)
	assert.Equal(t, LayerConsensus, res.RejectedBy)
	assert.False(t, res.Consensus.Consensus.IsConsensus)
	assert.Equal(t, 3, res.Consensus.Consensus.RejectVotes)
	assert.Contains(t, res.Errors, "address sales-agent objection: margin too thin")
	assert.Nil(t, res.Integrity)
}

func TestRun_ProductionLogConsensusFailureIsWarning(t *testing.T) {
	f := newFixture(t)
	for _, role := range []domain.Role{domain.RoleSales, domain.RolePurchase} {
		f.stubs[role].VoteResult = &domain.Vote{Vote: domain.VoteReject, Confidence: 0.95, Reasoning: "scrap figures look wrong"}
	}

	res := f.run(t, decision(domain.RoleProduction, domain.ActionValidateProductionLog, map[string]any{"defect_rate": 0.02}))

	assert.Equal(t, domain.FinalApproved, res.FinalDecision)
	assert.True(t, res.Consensus.IsValid)
	assert.False(t, res.Consensus.Consensus.IsConsensus)
	assert.Contains(t, res.Warnings, "production log accepted without consensus")
	assert.NotNil(t, res.Integrity)
}

func TestRun_IntegrityShortfallNamesMaterial(t *testing.T) {
	f := newFixture(t)

	// 20 frames need 40 steel; 70 available passes, so ask for 40 frames.
	res := f.run(t, decision(domain.RoleProduction, domain.ActionReleaseProduction,
		map[string]any{"product_id": "frame", "quantity": 40.0}))

	assert.Equal(t, domain.FinalRejected, res.FinalDecision)
	assert.Equal(t, LayerIntegrity, res.RejectedBy)
	require.Len(t, res.Integrity.Errors, 1)
	assert.Contains(t, res.Integrity.Errors[0], "material steel")
	assert.Contains(t, res.Integrity.Errors[0], "need 80, available 70")
	assert.Nil(t, res.HumanGate)
}

func TestRun_IntegrityPassesWithinStock(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, decision(domain.RoleProduction, domain.ActionReleaseProduction,
		map[string]any{"product_id": "frame", "quantity": 20.0}))

	assert.Equal(t, domain.FinalApproved, res.FinalDecision)
	assert.True(t, res.Integrity.IsValid)
	assert.False(t, res.Integrity.Skipped)
}

func TestRun_CriticalSeverityCreatesOneApproval(t *testing.T) {
	f := newFixture(t)
	d := decision(domain.RolePurchase, domain.ActionApproveOrder, map[string]any{"material_id": "steel", "quantity": 10.0})
	d.Severity = domain.SeverityCritical

	first := f.run(t, d)
	second := f.run(t, d)

	assert.Equal(t, domain.FinalPendingApproval, first.FinalDecision)
	assert.Equal(t, domain.FinalPendingApproval, second.FinalDecision)
	assert.NotEmpty(t, first.ApprovalID)
	assert.Equal(t, first.ApprovalID, second.ApprovalID)
	assert.Equal(t, 1, f.approvals.created)
}

func TestRun_HumanGateStoreFailureRejects(t *testing.T) {
	f := newFixture(t)
	f.approvals.err = errors.New("disk full")
	d := decision(domain.RoleSales, "discount", nil)
	d.Severity = domain.SeverityHigh

	res := f.run(t, d)

	assert.Equal(t, domain.FinalRejected, res.FinalDecision)
	assert.Equal(t, LayerHumanGate, res.RejectedBy)
}

func TestRun_PriceSettingIgnoresSignOffFlag(t *testing.T) {
	f := newFixture(t)
	d := decision(domain.RoleSales, domain.ActionSetPrice, map[string]any{"price": 12.5})
	d.RequiresHumanApproval = true

	res := f.run(t, d)

	assert.Equal(t, domain.FinalApproved, res.FinalDecision)
	assert.Zero(t, f.approvals.created)
	assert.Contains(t, res.Warnings, "set_price is exempt from human sign-off")
}

func TestRun_SignOffFlagEscalates(t *testing.T) {
	f := newFixture(t)
	d := decision(domain.RoleWarehouse, domain.ActionMoveStock, nil)
	d.RequiresHumanApproval = true

	res := f.run(t, d)

	assert.Equal(t, domain.FinalPendingApproval, res.FinalDecision)
	assert.Equal(t, 1, f.approvals.created)
}

func TestRun_CancelledContextRejects(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := decision(domain.RolePlanning, "adjust_schedule", nil)
	res := f.protocol.Run(ctx, Input{Decision: d, Target: f.stubs[domain.RolePlanning]})

	assert.Equal(t, domain.FinalRejected, res.FinalDecision)
	assert.Nil(t, res.SelfValidation)
	require.NotEmpty(t, res.Errors)
	assert.True(t, strings.HasPrefix(res.Errors[0], "protocol interrupted"))
}

func TestReconcile_OracleRejectionContinuesToIntegrity(t *testing.T) {
	f := newFixture(t)
	f.stubs[domain.RoleProduction].ValidateErr = rateLimited()
	d := decision(domain.RoleProduction, domain.ActionReleaseProduction, map[string]any{"product_id": "frame", "quantity": 20.0})
	in := Input{Decision: d, Target: f.stubs[domain.RoleProduction]}

	res := f.protocol.Run(context.Background(), in)
	require.Equal(t, domain.FinalRejected, res.FinalDecision)
	require.True(t, res.SelfValidation.OracleUnavailable)

	changed := f.protocol.Reconcile(context.Background(), in, res)

	assert.True(t, changed)
	assert.Equal(t, domain.FinalApproved, res.FinalDecision)
	assert.Empty(t, res.RejectedBy)
	assert.Empty(t, res.Errors)
	assert.True(t, res.CrossValidation.Skipped)
	assert.True(t, res.Consensus.Skipped)
	assert.True(t, res.Integrity.IsValid)
	assert.False(t, res.Integrity.Skipped)
	assert.Zero(t, f.stubs[domain.RoleWarehouse].VoteCalls())
}

func TestReconcile_StillEscalatesCriticalDecision(t *testing.T) {
	f := newFixture(t)
	f.stubs[domain.RoleSales].ValidateErr = rateLimited()
	d := decision(domain.RoleSales, "discount", nil)
	d.Severity = domain.SeverityCritical
	in := Input{Decision: d, Target: f.stubs[domain.RoleSales]}

	res := f.protocol.Run(context.Background(), in)
	require.True(t, f.protocol.Reconcile(context.Background(), in, res))

	assert.Equal(t, domain.FinalPendingApproval, res.FinalDecision)
	assert.Equal(t, 1, f.approvals.created)
}

func TestReconcile_LeavesIntegrityRejection(t *testing.T) {
	f := newFixture(t)
	f.stubs[domain.RoleWarehouse].ValidateErr = rateLimited()
	d := decision(domain.RoleProduction, domain.ActionReleaseProduction, map[string]any{"product_id": "frame", "quantity": 40.0})
	in := Input{Decision: d, Target: f.stubs[domain.RoleProduction]}

	res := f.protocol.Run(context.Background(), in)
	require.True(t, res.OracleUnavailable)
	require.Equal(t, LayerIntegrity, res.RejectedBy)

	assert.False(t, f.protocol.Reconcile(context.Background(), in, res))
	assert.Equal(t, domain.FinalRejected, res.FinalDecision)
}

func TestReconcile_LeavesRealValidationFailure(t *testing.T) {
	f := newFixture(t)
	f.stubs[domain.RolePlanning].Validation = &domain.ValidationResult{IsValid: false, Issues: []string{"bad"}}
	in := Input{Decision: decision(domain.RolePlanning, "adjust_schedule", nil), Target: f.stubs[domain.RolePlanning]}

	res := f.protocol.Run(context.Background(), in)

	assert.False(t, f.protocol.Reconcile(context.Background(), in, res))
	assert.Equal(t, domain.FinalRejected, res.FinalDecision)
}

func TestRun_UsesInjectedClockForApprovalExpiry(t *testing.T) {
	f := newFixture(t)
	fixed := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	f.protocol.now = func() time.Time { return fixed }
	d := decision(domain.RoleQuality, "hold_batch", nil)
	d.Severity = domain.SeverityHigh

	f.run(t, d)

	for _, a := range f.approvals.pending {
		assert.Equal(t, fixed.Add(24*time.Hour), a.ExpiryAt, fmt.Sprintf("approval %s", a.DecisionID))
	}
	assert.Len(t, f.approvals.pending, 1)
}
