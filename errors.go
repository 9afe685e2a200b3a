package abac

import (
	"errors"
	"fmt"
)

var (
	// ErrPolicyNotFound is returned by stores when no document has the policy ID.
	ErrPolicyNotFound = errors.New("policy not found")
	// ErrSystemPolicy is returned when an operation would delete or bypass a
	// core policy.
	ErrSystemPolicy = errors.New("system policy conflict")
	// ErrMalformedCondition marks a condition tree that cannot be evaluated.
	ErrMalformedCondition = errors.New("malformed condition")
)

// ValidationError is returned synchronously by write operations; nothing is
// persisted when it is returned.
type ValidationError struct {
	PolicyID string
	Field    string
	Message  string
}

func (e *ValidationError) Error() string {
	if e.PolicyID == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("policy %s: invalid %s: %s", e.PolicyID, e.Field, e.Message)
}

func newValidationError(policyID, field, format string, args ...any) *ValidationError {
	return &ValidationError{PolicyID: policyID, Field: field, Message: fmt.Sprintf(format, args...)}
}

// StoreUnavailableError wraps a store failure that happened while refreshing
// the policy cache.
type StoreUnavailableError struct {
	Scope    Scope
	TenantID string
	Err      error
}

func (e *StoreUnavailableError) Error() string {
	if e.TenantID == "" {
		return fmt.Sprintf("policy store unavailable (scope=%s): %v", e.Scope, e.Err)
	}
	return fmt.Sprintf("policy store unavailable (scope=%s tenant=%s): %v", e.Scope, e.TenantID, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
