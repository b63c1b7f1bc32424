package pricing

import (
	"fmt"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

var (
	// ErrInvalidCartState is matched by every *InvalidCartStateError.
	ErrInvalidCartState = errors.New("invalid cart state")
	// ErrConcurrentLimitExceeded is matched by every *LimitExceededError.
	ErrConcurrentLimitExceeded = errors.New("rule usage limit exceeded")
	// ErrPersistence is matched by every *PersistenceError.
	ErrPersistence = errors.New("pricing persistence failure")
	// ErrDuplicateApplication is returned by a UsageStore when the
	// idempotency key of a batch was already recorded.
	ErrDuplicateApplication = errors.New("rule application already recorded")
	// ErrRuleNotFound is returned when a referenced rule does not exist.
	ErrRuleNotFound = errors.New("pricing rule not found")
	// ErrCartNotFound is returned when a stored cart does not exist.
	ErrCartNotFound = errors.New("cart not found")
)

// InvalidCartStateError reports a cart that cannot be priced.
type InvalidCartStateError struct {
	Reason string
	// Line is the offending line index, meaningful only for line-level reasons.
	Line int
	// Err is an optional underlying cause, e.g. a catalog lookup miss.
	Err error
}

func (e *InvalidCartStateError) Error() string {
	return "invalid cart state: " + e.Reason
}

func (e *InvalidCartStateError) Is(target error) bool {
	return target == ErrInvalidCartState
}

func (e *InvalidCartStateError) Unwrap() error {
	return e.Err
}

// RuleConflictError describes a malformed rule that contributed zero
// discount. It is reported as a warning, never returned as a failure.
type RuleConflictError struct {
	RuleID uuid.UUID
	Reason string
}

func (e *RuleConflictError) Error() string {
	return fmt.Sprintf("rule %s: %s", e.RuleID, e.Reason)
}

// LimitKind names the ceiling a recording ran into.
type LimitKind string

const (
	LimitGlobal  LimitKind = "global"
	LimitPerUser LimitKind = "per_user"
	// LimitInactive reports a rule deactivated after selection.
	LimitInactive LimitKind = "inactive"
)

// LimitExceededError is returned by the recorder when a conditional
// increment fails because the ceiling was reached after selection.
type LimitExceededError struct {
	RuleID uuid.UUID
	Limit  LimitKind
}

func (e *LimitExceededError) Error() string {
	if e.Limit == LimitInactive {
		return fmt.Sprintf("rule %s: deactivated before usage was recorded", e.RuleID)
	}
	return fmt.Sprintf("rule %s: %s usage limit exceeded", e.RuleID, e.Limit)
}

func (e *LimitExceededError) Is(target error) bool {
	return target == ErrConcurrentLimitExceeded
}

// PersistenceError wraps a storage failure during recording. The batch it
// belongs to was rolled back.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}
