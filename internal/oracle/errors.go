package oracle

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ironmill-erp/decision-engine/internal/domain"
)

// Kind classifies why an oracle call failed.
type Kind int

const (
	KindOther Kind = iota
	KindRateLimited
	KindUnauthorized
)

// String returns the lower-case kind name.
func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindUnauthorized:
		return "unauthorized"
	}
	return "other"
}

// Error is the tagged failure of an oracle call. Callers branch on Kind
// instead of inspecting message text.
type Error struct {
	Kind       Kind
	Status     int
	Code       string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("oracle %s", e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Unavailable reports whether the failure means the oracle refuses service
// for a while, as opposed to an ordinary error.
func (e *Error) Unavailable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindUnauthorized
}

// AsUnavailable extracts an unavailability-tagged *Error from err.
func AsUnavailable(err error) (*Error, bool) {
	var oe *Error
	if errors.As(err, &oe) && oe.Unavailable() {
		return oe, true
	}
	return nil, false
}

// IsUnavailable reports whether err carries an unavailability tag.
func IsUnavailable(err error) bool {
	_, ok := AsUnavailable(err)
	return ok
}

// InvalidReplyError lists the schema violations of an oracle reply.
type InvalidReplyError struct {
	Violations []string
}

func (e *InvalidReplyError) Error() string {
	return fmt.Sprintf("%s: %s", domain.ErrOracleInvalidReply.Message, strings.Join(e.Violations, "; "))
}

// Is lets errors.Is match domain.ErrOracleInvalidReply.
func (e *InvalidReplyError) Is(target error) bool {
	return errors.Is(domain.ErrOracleInvalidReply, target)
}
