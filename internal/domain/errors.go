package domain

import "fmt"

// EngineError is the unified error type for the engine.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Is matches any EngineError carrying the same code, so wrapped and
// re-messaged errors still satisfy errors.Is against the sentinels below.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// ---- Conversation / Orchestrator errors (-32010 to -32039) ----

var (
	ErrInvalidRequest         = &EngineError{Code: -32010, Message: "invalid conversation request"}
	ErrAgentNotFound          = &EngineError{Code: -32011, Message: "agent not found"}
	ErrConversationInProgress = &EngineError{Code: -32012, Message: "conversation already in progress"}
	ErrConversationNotFound   = &EngineError{Code: -32013, Message: "conversation not found"}
	ErrInvalidTransition      = &EngineError{Code: -32014, Message: "invalid conversation status transition"}
	ErrOptimisticLock         = &EngineError{Code: -32015, Message: "optimistic lock conflict: conversation was modified concurrently"}
)

// AgentNotFound returns ErrAgentNotFound naming the missing role.
func AgentNotFound(role Role) *EngineError {
	return NewEngineError(ErrAgentNotFound.Code, fmt.Sprintf("Agent not found: %s", role))
}

// InProgressError returns ErrConversationInProgress naming the id.
func InProgressError(id string) *EngineError {
	return NewEngineError(ErrConversationInProgress.Code, fmt.Sprintf("conversation %s is already in progress", id))
}

// ---- Agent / Oracle / Breaker errors (-32070 to -32099) ----

var (
	ErrCircuitOpen        = &EngineError{Code: -32070, Message: "circuit breaker is open"}
	ErrOracleInvalidReply = &EngineError{Code: -32071, Message: "decision oracle returned an invalid reply"}
	ErrOracleDisabled     = &EngineError{Code: -32072, Message: "decision oracle integration is disabled"}
	ErrAgentAlreadyExists = &EngineError{Code: -32073, Message: "agent already registered"}
	ErrVoteInvalid        = &EngineError{Code: -32074, Message: "vote validation failed"}
)

// ---- Guard errors (-32100 to -32129) ----

var (
	ErrRateLimitExceeded = &EngineError{Code: -32103, Message: "rate limit exceeded"}
)

// ---- Store / Config errors (-32130 to -32159) ----

var (
	ErrStoreInit       = &EngineError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery      = &EngineError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite      = &EngineError{Code: -32132, Message: "store write failed"}
	ErrSchemaMigration = &EngineError{Code: -32133, Message: "schema migration failed"}
	ErrConfigInvalid   = &EngineError{Code: -32136, Message: "invalid configuration"}
	ErrMaterialUnknown = &EngineError{Code: -32137, Message: "material not found"}
)

// ---- Approval errors (-32160 to -32189) ----

var (
	ErrApprovalNotFound   = &EngineError{Code: -32160, Message: "approval request not found"}
	ErrApprovalNotPending = &EngineError{Code: -32161, Message: "approval request is not pending"}
	ErrApprovalBadStatus  = &EngineError{Code: -32162, Message: "approval status must be approved or rejected"}
)
