package entitlements

import (
	"errors"
	"fmt"
	"time"
)

// Base errors. Match with errors.Is.
var (
	ErrUnavailable   = errors.New("entitlement store unavailable")
	ErrInvalidUserID = errors.New("invalid user id")
	ErrInvalidPlan   = errors.New("unrecognized plan")
	ErrInvalidStatus = errors.New("unrecognized subscription status")
	ErrInvalidTokens = errors.New("invalid token count")
	ErrQuotaExceeded = errors.New("token quota exceeded")
)

// ErrorKind categorizes engine failures.
type ErrorKind string

const (
	KindInitialization ErrorKind = "initialization"
	KindValidation     ErrorKind = "validation"
	KindTransientRead  ErrorKind = "transient_read"
	KindTransientWrite ErrorKind = "transient_write"
)

// Error is the structured error returned by engine operations.
type Error struct {
	Kind      ErrorKind
	Op        string // operation that failed, e.g. "add_usage"
	UserID    string
	Err       error
	Timestamp time.Time
}

func (e *Error) Error() string {
	if e.UserID != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.UserID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if target == ErrUnavailable && e.Kind == KindInitialization {
		return true
	}
	return errors.Is(e.Err, target)
}

func newError(kind ErrorKind, op, userID string, err error) *Error {
	return &Error{
		Kind:      kind,
		Op:        op,
		UserID:    userID,
		Err:       err,
		Timestamp: time.Now(),
	}
}

func kindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsUnavailable reports whether the store could not be reached at all.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrUnavailable)
}

// IsValidation reports whether err was caused by bad input.
func IsValidation(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindValidation
}

// IsTransient reports whether err is a read or write failure worth retrying later.
func IsTransient(err error) bool {
	kind, ok := kindOf(err)
	return ok && (kind == KindTransientRead || kind == KindTransientWrite)
}

// QuotaExceededError is the user-facing refusal for a blocked AI call.
type QuotaExceededError struct {
	Plan      PlanID
	Limit     int64
	Current   int64
	Requested int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("monthly token limit reached: %s allows %d tokens per month (used %d, requested %d)",
		e.Plan.DisplayName(), e.Limit, e.Current, e.Requested)
}

// Is implements errors.Is interface
func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}
