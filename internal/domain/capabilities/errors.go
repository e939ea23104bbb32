package capabilities

import (
	"errors"
	"fmt"
)

// ErrorCode classifies why an authorization was denied. The codes are
// distinguishable so telemetry and audit can separate policy gaps
// (no_matching_rule), bad arguments (constraint_violation), and exhausted
// budgets (quota_exceeded).
type ErrorCode string

const (
	// CodeNoMatchingRule means no capability pattern matched the method.
	CodeNoMatchingRule ErrorCode = "no_matching_rule"
	// CodeConstraintViolation means the matched rule's predicates failed.
	CodeConstraintViolation ErrorCode = "constraint_violation"
	// CodeQuotaExceeded means the matched rule's call budget is exhausted.
	CodeQuotaExceeded ErrorCode = "quota_exceeded"
)

// CapabilityError is a denied authorization. It carries the offending
// pattern, parameter, and attempted value for auditability. A denial is an
// ordinary failed-call outcome for the guest, never a crash.
type CapabilityError struct {
	Code      ErrorCode
	Method    string
	Pattern   string // matched rule pattern; empty when no rule matched
	Parameter string // offending parameter for constraint violations
	Predicate string // human-readable predicate, e.g. "amount <= 1000"
	Value     any    // attempted argument value for constraint violations
}

// Error implements the error interface.
func (e *CapabilityError) Error() string {
	switch e.Code {
	case CodeNoMatchingRule:
		return fmt.Sprintf("method %q not permitted: no capability rule matches", e.Method)
	case CodeConstraintViolation:
		return fmt.Sprintf("method %q denied by rule %q: constraint %q failed for parameter %q (got %v)",
			e.Method, e.Pattern, e.Predicate, e.Parameter, e.Value)
	case CodeQuotaExceeded:
		return fmt.Sprintf("method %q denied by rule %q: call quota exceeded", e.Method, e.Pattern)
	default:
		return fmt.Sprintf("method %q denied: %s", e.Method, e.Code)
	}
}

// DenialCode extracts the denial code from an error chain. The second return
// is false when err is not a capability denial.
func DenialCode(err error) (ErrorCode, bool) {
	var capErr *CapabilityError
	if errors.As(err, &capErr) {
		return capErr.Code, true
	}
	return "", false
}
