// Package protocol runs the five-layer verification pipeline every agent
// decision passes before it is approved.
//
// Layers run strictly in order:
//
//	self_validation -> cross_validation -> consensus -> integrity -> human_gate
//
// A failing layer rejects the decision and halts the pipeline. The human
// gate halts it with pending_approval instead. A decision that clears every
// layer is approved.
package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ironmill-erp/decision-engine/internal/agent"
	"github.com/ironmill-erp/decision-engine/internal/consensus"
	"github.com/ironmill-erp/decision-engine/internal/domain"
	"github.com/ironmill-erp/decision-engine/internal/logger"
	"github.com/ironmill-erp/decision-engine/internal/telemetry"
)

// Layer names.
const (
	LayerSelfValidation  = "self_validation"
	LayerCrossValidation = "cross_validation"
	LayerConsensus       = "consensus"
	LayerIntegrity       = "integrity"
	LayerHumanGate       = "human_gate"
)

const defaultMaxBOMDepth = 16

// Registry resolves the agents the protocol consults.
type Registry interface {
	Get(role domain.Role) (agent.Agent, error)
	Agents() []agent.Agent
}

// Degradation reports whether oracle-dependent layers must be skipped.
type Degradation interface {
	Degraded() (reason string, degraded bool)
}

// ApprovalStore creates human approval requests.
type ApprovalStore interface {
	CreateOrReusePending(ctx context.Context, req domain.HumanApprovalRequest) (*domain.HumanApprovalRequest, bool, error)
}

// Config tunes the protocol.
type Config struct {
	Consensus   consensus.Options
	ApprovalTTL time.Duration
	MaxBOMDepth int
	MaxParallel int
}

// Options holds the protocol's collaborators.
type Options struct {
	Agents      Registry
	Consensus   *consensus.Engine
	Inventory   agent.Inventory
	Approvals   ApprovalStore
	Degradation Degradation
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
	Config      Config
}

// Protocol is the five-layer decision pipeline.
type Protocol struct {
	agents      Registry
	consensus   *consensus.Engine
	inventory   agent.Inventory
	approvals   ApprovalStore
	degradation Degradation
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	cfg         Config
	now         func() time.Time // for testing
}

// New creates a Protocol.
func New(opts Options) *Protocol {
	cfg := opts.Config
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = 24 * time.Hour
	}
	if cfg.MaxBOMDepth <= 0 {
		cfg.MaxBOMDepth = defaultMaxBOMDepth
	}
	if cfg.Consensus == (consensus.Options{}) {
		cfg.Consensus = consensus.DefaultOptions()
	}
	l := logger.OrDefault(opts.Logger)
	eng := opts.Consensus
	if eng == nil {
		eng = consensus.NewEngine(consensus.DefaultTolerance(), cfg.MaxParallel, l)
	}
	return &Protocol{
		agents:      opts.Agents,
		consensus:   eng,
		inventory:   opts.Inventory,
		approvals:   opts.Approvals,
		degradation: opts.Degradation,
		metrics:     opts.Metrics,
		logger:      l,
		cfg:         cfg,
		now:         time.Now,
	}
}

// Input is one decision under review.
type Input struct {
	Decision domain.AgentDecision
	// Target is the agent that proposed the decision.
	Target agent.Agent
}

type stage struct {
	name string
	// oracle marks layers whose verdict depends on the decision oracle.
	oracle bool
	run    func(ctx context.Context, in Input, res *domain.ProtocolResult) *domain.LayerResult
	assign func(res *domain.ProtocolResult, lr *domain.LayerResult)
}

func (p *Protocol) stages() []stage {
	return []stage{
		{LayerSelfValidation, true, p.selfValidation, func(r *domain.ProtocolResult, lr *domain.LayerResult) { r.SelfValidation = lr }},
		{LayerCrossValidation, true, p.crossValidation, func(r *domain.ProtocolResult, lr *domain.LayerResult) { r.CrossValidation = lr }},
		{LayerConsensus, true, p.consensusLayer, func(r *domain.ProtocolResult, lr *domain.LayerResult) { r.Consensus = lr }},
		{LayerIntegrity, false, p.integrity, func(r *domain.ProtocolResult, lr *domain.LayerResult) { r.Integrity = lr }},
		{LayerHumanGate, false, p.humanGate, func(r *domain.ProtocolResult, lr *domain.LayerResult) { r.HumanGate = lr }},
	}
}

// Run executes the pipeline against in and returns the aggregated result.
// Failures are reported as data; Run never returns an error.
func (p *Protocol) Run(ctx context.Context, in Input) *domain.ProtocolResult {
	res := &domain.ProtocolResult{}
	p.runFrom(ctx, in, res, 0)
	return res
}

// Reconcile approves a run that an oracle-dependent layer rejected while
// the decision oracle was unavailable. The rejection becomes a warning, the
// remaining oracle-dependent layers are marked skipped, and the integrity
// check and human gate still run. It reports whether it changed res.
func (p *Protocol) Reconcile(ctx context.Context, in Input, res *domain.ProtocolResult) bool {
	if res.FinalDecision != domain.FinalRejected {
		return false
	}
	stages := p.stages()
	idx := -1
	for i, st := range stages {
		if st.name == res.RejectedBy && st.oracle {
			idx = i
		}
	}
	if idx < 0 {
		return false
	}
	rejected := layerOf(res, res.RejectedBy)
	if rejected == nil || !rejected.OracleUnavailable {
		return false
	}

	for _, e := range res.Errors {
		res.Warnings = append(res.Warnings, "overridden: "+e)
	}
	res.Errors = nil
	res.Warnings = append(res.Warnings, fmt.Sprintf(
		"decision oracle unavailable; %s rejection overridden to keep the decision flowing", res.RejectedBy))
	res.FinalDecision = ""
	res.RejectedBy = ""

	next := idx + 1
	for next < len(stages) && stages[next].oracle {
		lr := &domain.LayerResult{
			Layer:    stages[next].name,
			IsValid:  true,
			Skipped:  true,
			Warnings: []string{"skipped: decision oracle unavailable"},
		}
		stages[next].assign(res, lr)
		next++
	}

	p.runFrom(ctx, in, res, next)
	p.logger.WarnContext(ctx, "oracle rejection overridden",
		"conversation_id", logger.ConversationID(ctx), "final", res.FinalDecision)
	return true
}

func (p *Protocol) runFrom(ctx context.Context, in Input, res *domain.ProtocolResult, from int) {
	stages := p.stages()
	for _, st := range stages[from:] {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("protocol interrupted before %s: %v", st.name, err))
			res.FinalDecision = domain.FinalRejected
			return
		}
		if !p.step(ctx, st, in, res) {
			break
		}
	}
	if res.FinalDecision == "" {
		res.FinalDecision = domain.FinalApproved
	}
	p.logger.InfoContext(ctx, "protocol finished",
		"conversation_id", logger.ConversationID(ctx),
		"agent", in.Decision.Agent, "action", in.Decision.Action,
		"final", res.FinalDecision, "rejected_by", res.RejectedBy)
}

// step runs one layer and reports whether the pipeline continues.
func (p *Protocol) step(ctx context.Context, st stage, in Input, res *domain.ProtocolResult) bool {
	lctx, span := telemetry.StartLayerSpan(ctx, st.name)
	start := p.now()
	lr := st.run(lctx, in, res)
	p.metrics.Layer(ctx, st.name, p.now().Sub(start))
	telemetry.EndLayerSpan(span, lr.IsValid, lr.Skipped, lr.Errors)

	lr.Layer = st.name
	st.assign(res, lr)
	res.Errors = append(res.Errors, lr.Errors...)
	res.Warnings = append(res.Warnings, lr.Warnings...)
	if lr.OracleUnavailable {
		res.OracleUnavailable = true
	}

	p.logger.DebugContext(ctx, "protocol layer",
		"layer", st.name, "valid", lr.IsValid, "skipped", lr.Skipped, "errors", len(lr.Errors))

	if !lr.IsValid {
		res.FinalDecision = domain.FinalRejected
		res.RejectedBy = st.name
		return false
	}
	return res.FinalDecision != domain.FinalPendingApproval
}

func (p *Protocol) degraded() (string, bool) {
	if p.degradation == nil {
		return "", false
	}
	return p.degradation.Degraded()
}

func layerOf(res *domain.ProtocolResult, name string) *domain.LayerResult {
	switch name {
	case LayerSelfValidation:
		return res.SelfValidation
	case LayerCrossValidation:
		return res.CrossValidation
	case LayerConsensus:
		return res.Consensus
	case LayerIntegrity:
		return res.Integrity
	case LayerHumanGate:
		return res.HumanGate
	}
	return nil
}
