// Package domain defines the core types for the decision engine.
package domain

import "time"

// Role identifies an agent by its business responsibility.
type Role string

const (
	RolePlanning   Role = "planning"
	RoleWarehouse  Role = "warehouse"
	RoleProduction Role = "production"
	RolePurchase   Role = "purchase"
	RoleSales      Role = "sales"
	RoleQuality    Role = "quality"
)

// RoleOrchestrator is the sender role used when the orchestrator itself
// addresses an agent over the event bus. No agent is registered under it.
const RoleOrchestrator Role = "orchestrator"

// AllRoles lists every role the engine ships an agent for.
var AllRoles = []Role{RolePlanning, RoleWarehouse, RoleProduction, RolePurchase, RoleSales, RoleQuality}

// AgentName returns the canonical agent name for a role, e.g. "production-agent".
func (r Role) AgentName() string {
	return string(r) + "-agent"
}

// RequestType classifies what a caller asks of an agent.
type RequestType string

const (
	RequestTypeRequest    RequestType = "request"
	RequestTypeQuery      RequestType = "query"
	RequestTypeAnalysis   RequestType = "analysis"
	RequestTypeValidation RequestType = "validation"
)

// Valid reports whether t is one of the known request types.
func (t RequestType) Valid() bool {
	switch t {
	case RequestTypeRequest, RequestTypeQuery, RequestTypeAnalysis, RequestTypeValidation:
		return true
	}
	return false
}

// Severity ranks the business impact of a request or decision.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// MaxSeverity returns the higher of a and b. Unknown values rank lowest.
func MaxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// RequiresEscalation reports whether decisions of this severity need a human.
func (s Severity) RequiresEscalation() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// ConversationStatus is the lifecycle state of a Conversation.
type ConversationStatus string

const (
	ConversationPending    ConversationStatus = "pending"
	ConversationInProgress ConversationStatus = "in_progress"
	ConversationCompleted  ConversationStatus = "completed"
	ConversationFailed     ConversationStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s ConversationStatus) Terminal() bool {
	return s == ConversationCompleted || s == ConversationFailed
}

// Decision is an agent's answer to a request.
type Decision string

const (
	DecisionApprove     Decision = "approve"
	DecisionReject      Decision = "reject"
	DecisionConditional Decision = "conditional"
	DecisionPending     Decision = "pending"
)

// VoteKind is the consensus-specific opinion of an agent.
type VoteKind string

const (
	VoteApprove     VoteKind = "approve"
	VoteReject      VoteKind = "reject"
	VoteConditional VoteKind = "conditional"
)

// FinalDecision is the terminal outcome of one protocol run.
type FinalDecision string

const (
	FinalApproved        FinalDecision = "approved"
	FinalRejected        FinalDecision = "rejected"
	FinalPendingApproval FinalDecision = "pending_approval"
)

// ApprovalStatus is the state of a HumanApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Actions with policy attached to them.
const (
	ActionApproveOrder          = "approve_order"
	ActionReleaseProduction     = "release_production"
	ActionValidateProductionLog = "validate_production_log"
	ActionMoveStock             = "move_stock"
	ActionSetPrice              = "set_price"
	ActionUpdatePrice           = "update_price"
)

// CommitsResources reports whether decisions with this action reserve stock
// and must pass the integrity check.
func CommitsResources(action string) bool {
	return action == ActionApproveOrder || action == ActionReleaseProduction
}

// IsProductionLog reports whether the action belongs to the production-log
// validation class, where consensus disagreement is only a warning.
func IsProductionLog(action string) bool {
	return action == ActionValidateProductionLog
}

// IsPriceSetting reports whether the action sets prices.
func IsPriceSetting(action string) bool {
	return action == ActionSetPrice || action == ActionUpdatePrice
}

// AgentRequest is the caller-supplied request routed to an agent.
type AgentRequest struct {
	ID       string         `json:"id"`
	Prompt   string         `json:"prompt"`
	Type     RequestType    `json:"type"`
	Context  map[string]any `json:"context,omitempty"`
	Urgency  Severity       `json:"urgency,omitempty"`
	Severity Severity       `json:"severity,omitempty"`
	// From is the sender role when the request travels over the event bus.
	From Role `json:"from,omitempty"`
}

// AgentResponse is an agent's answer to a request.
type AgentResponse struct {
	Agent           Role           `json:"agent"`
	Decision        Decision       `json:"decision"`
	Action          string         `json:"action,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
	Reasoning       string         `json:"reasoning"`
	Confidence      float64        `json:"confidence"`
	Issues          []string       `json:"issues,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	// Severity and RequiresHumanApproval let an agent raise the stakes of
	// its own proposal above what the caller asked for.
	Severity              Severity `json:"severity,omitempty"`
	RequiresHumanApproval bool     `json:"requires_human_approval,omitempty"`
	// OracleUnavailable is set when the answer was produced on the
	// degradation path because the decision oracle could not be reached.
	OracleUnavailable bool `json:"oracle_unavailable,omitempty"`
}

// AgentDecision is the normalized proposal reviewed by the protocol.
type AgentDecision struct {
	Agent                 Role           `json:"agent"`
	Action                string         `json:"action"`
	Data                  map[string]any `json:"data,omitempty"`
	Reasoning             string         `json:"reasoning"`
	Confidence            float64        `json:"confidence"`
	Severity              Severity       `json:"severity"`
	RequiresHumanApproval bool           `json:"requires_human_approval,omitempty"`
}

// Vote is an agent's opinion of an AgentDecision.
type Vote struct {
	Agent      Role     `json:"agent"`
	Vote       VoteKind `json:"vote"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	Conditions []string `json:"conditions,omitempty"`
}

// ValidationResult is the outcome of an agent checking a payload against
// the ground truth it owns.
type ValidationResult struct {
	IsValid         bool     `json:"is_valid"`
	Issues          []string `json:"issues,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Confidence      float64  `json:"confidence"`
}

// ConsensusResult aggregates votes into one verdict.
type ConsensusResult struct {
	IsConsensus       bool            `json:"is_consensus"`
	ApprovalRate      float64         `json:"approval_rate"`
	EffectiveApproval float64         `json:"effective_approval"`
	TotalVotes        int             `json:"total_votes"`
	ApproveVotes      int             `json:"approve_votes"`
	RejectVotes       int             `json:"reject_votes"`
	ConditionalVotes  int             `json:"conditional_votes"`
	Conditions        []string        `json:"conditions,omitempty"`
	Opinions          []Vote          `json:"opinions,omitempty"`
	VoteErrors        map[Role]string `json:"vote_errors,omitempty"`
	Warnings          []string        `json:"warnings,omitempty"`
	OracleUnavailable bool            `json:"oracle_unavailable,omitempty"`
}

// LayerResult is the output of one protocol layer.
type LayerResult struct {
	Layer    string   `json:"layer"`
	IsValid  bool     `json:"is_valid"`
	Skipped  bool     `json:"skipped,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	// Consensus is set by the consensus layer only.
	Consensus *ConsensusResult `json:"consensus,omitempty"`
	// OracleUnavailable marks that at least one failure in this layer was
	// caused by the decision oracle being rate-limited or unauthorized.
	OracleUnavailable bool `json:"oracle_unavailable,omitempty"`
}

// ProtocolResult is the aggregated outcome of the five-layer protocol.
type ProtocolResult struct {
	SelfValidation  *LayerResult  `json:"self_validation,omitempty"`
	CrossValidation *LayerResult  `json:"cross_validation,omitempty"`
	Consensus       *LayerResult  `json:"consensus,omitempty"`
	Integrity       *LayerResult  `json:"integrity,omitempty"`
	HumanGate       *LayerResult  `json:"human_gate,omitempty"`
	FinalDecision   FinalDecision `json:"final_decision"`
	Errors          []string      `json:"errors,omitempty"`
	Warnings        []string      `json:"warnings,omitempty"`
	// ApprovalID references the HumanApprovalRequest when FinalDecision is
	// pending_approval.
	ApprovalID string `json:"approval_id,omitempty"`
	// RejectedBy names the layer that produced a rejection.
	RejectedBy        string `json:"rejected_by,omitempty"`
	OracleUnavailable bool   `json:"oracle_unavailable,omitempty"`
}

// Conversation is one tracked end-to-end run for a single business request.
type Conversation struct {
	ID            string             `json:"id"`
	Role          Role               `json:"role"`
	Prompt        string             `json:"prompt"`
	Type          RequestType        `json:"type"`
	Context       map[string]any     `json:"context,omitempty"`
	Urgency       Severity           `json:"urgency,omitempty"`
	Severity      Severity           `json:"severity,omitempty"`
	Status        ConversationStatus `json:"status"`
	Responses     []AgentResponse    `json:"responses,omitempty"`
	Result        *ProtocolResult    `json:"result,omitempty"`
	FinalDecision FinalDecision      `json:"final_decision,omitempty"`
	StartedAt     time.Time          `json:"started_at"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
}

// Outcome is what startConversation returns to its caller.
type Outcome struct {
	FinalDecision  FinalDecision   `json:"final_decision"`
	ProtocolResult *ProtocolResult `json:"protocol_result"`
	Conversation   *Conversation   `json:"conversation"`
	// Cached is true when the outcome was replayed from a finished run.
	Cached bool `json:"cached,omitempty"`
}

// HumanApprovalRequest is an escalation created by the human gate.
type HumanApprovalRequest struct {
	DecisionID string         `json:"decision_id"`
	Agent      Role           `json:"agent"`
	Action     string         `json:"action"`
	Data       map[string]any `json:"data,omitempty"`
	Reasoning  string         `json:"reasoning"`
	Severity   Severity       `json:"severity"`
	Status     ApprovalStatus `json:"status"`
	ExpiryAt   time.Time      `json:"expiry_at"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedBy string         `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// BOMLine is one component of a product's bill of materials.
type BOMLine struct {
	ProductID  string  `json:"product_id"`
	MaterialID string  `json:"material_id"`
	QtyPerUnit float64 `json:"qty_per_unit"`
}

// StockLevel is the on-hand and reserved quantity of a material.
type StockLevel struct {
	MaterialID string  `json:"material_id"`
	Name       string  `json:"name"`
	OnHand     float64 `json:"on_hand"`
	Reserved   float64 `json:"reserved"`
}

// Available returns on-hand minus reserved stock.
func (s StockLevel) Available() float64 {
	return s.OnHand - s.Reserved
}

// AuditRecord logs decision and compliance events.
type AuditRecord struct {
	ID             string
	ConversationID string
	Category       string
	Actor          string
	Action         string
	RequestJSON    string
	DecisionJSON   string
	Severity       string
	CreatedAt      int64
}

// AgentEventKind classifies event bus traffic.
type AgentEventKind string

const (
	EventMessage  AgentEventKind = "message"
	EventResponse AgentEventKind = "response"
	EventError    AgentEventKind = "error"
)

// AgentEvent is an observability record emitted by the event bus.
type AgentEvent struct {
	ID          string         `json:"id"`
	Kind        AgentEventKind `json:"kind"`
	From        Role           `json:"from"`
	To          Role           `json:"to"`
	RequestID   string         `json:"request_id"`
	PayloadJSON string         `json:"payload"`
	CreatedAt   int64          `json:"created_at"`
}
