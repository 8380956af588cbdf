package runtime

import (
	"fmt"
	"strings"
	"time"
)

// Code classifies every failure the engine can surface.
type Code string

const (
	// CodeNotFound: no module registered under the target id. Not
	// retryable without a registration change.
	CodeNotFound Code = "NOT_FOUND"

	// CodeValidation: input or output violated a contract. Requires
	// caller-side correction, never a retry.
	CodeValidation Code = "VALIDATION_ERROR"

	// CodeAuthorizationDenied: the active policy denied the call.
	CodeAuthorizationDenied Code = "AUTHORIZATION_DENIED"

	// CodeCallChainViolation: depth, cycle or repeat guard tripped.
	CodeCallChainViolation Code = "CALL_CHAIN_VIOLATION"

	// CodeExecution: the target's own failure. Retryable only when the
	// target is marked idempotent.
	CodeExecution Code = "EXECUTION_ERROR"

	// CodeTimeout: the call exceeded its deadline. Details record
	// whether termination was cooperative or forced. Retryable only
	// when the target is marked idempotent.
	CodeTimeout Code = "TIMEOUT_ERROR"

	// CodeConfiguration: fatal configuration problem, never retried.
	CodeConfiguration Code = "CONFIGURATION_ERROR"

	// CodeInternal: engine invariant violation.
	CodeInternal Code = "INTERNAL_ERROR"
)

// Envelope is the normalized form every failure leaves the engine in.
// Nested-call failures that are already envelopes get the outer target
// appended to their chain instead of being wrapped again.
type Envelope struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	TraceID   string         `json:"trace_id"`
	Target    string         `json:"target"`
	Chain     []string       `json:"chain,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`

	cause error
}

func (e *Envelope) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Target != "" {
		fmt.Fprintf(&b, " (target %s", e.Target)
		if e.TraceID != "" {
			fmt.Fprintf(&b, ", trace %s", e.TraceID)
		}
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap exposes the original cause for errors.Is / errors.As.
func (e *Envelope) Unwrap() error {
	return e.cause
}

// appendTarget records that the envelope crossed one more call frame.
func (e *Envelope) appendTarget(target string) {
	e.Chain = append(e.Chain, target)
}

// ViolationKind names which chain guard rejected a call.
type ViolationKind string

const (
	ViolationDepth  ViolationKind = "depth"
	ViolationCycle  ViolationKind = "cycle"
	ViolationRepeat ViolationKind = "repeat"
)

// ChainViolation is the narrow error the call-chain guard raises.
type ChainViolation struct {
	Kind   ViolationKind
	Target string
	Chain  []string
	Limit  int
}

func (e *ChainViolation) Error() string {
	switch e.Kind {
	case ViolationDepth:
		return fmt.Sprintf("call chain depth limit %d exceeded by call to %s", e.Limit, e.Target)
	case ViolationCycle:
		return fmt.Sprintf("call to %s would cycle through chain %v", e.Target, e.Chain)
	default:
		return fmt.Sprintf("call to %s would occur %d times in one chain (limit %d)", e.Target, e.Limit+1, e.Limit)
	}
}

// DeniedError is the narrow error an ACL deny raises before
// normalization.
type DeniedError struct {
	Caller string
	Target string
	Rule   string // matched rule name, empty when the default applied
}

func (e *DeniedError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("call %s -> %s denied by default effect", e.Caller, e.Target)
	}
	return fmt.Sprintf("call %s -> %s denied by rule %q", e.Caller, e.Target, e.Rule)
}

// TimeoutFailure records a call that outlived its deadline.
type TimeoutFailure struct {
	Target  string
	Timeout time.Duration
	Mode    string // "cooperative" or "forced"
}

func (e *TimeoutFailure) Error() string {
	return fmt.Sprintf("call to %s timed out after %s (%s termination)", e.Target, e.Timeout, e.Mode)
}

// panicFailure wraps a recovered handler panic.
type panicFailure struct {
	value any
}

func (e *panicFailure) Error() string {
	return fmt.Sprintf("handler panic: %v", e.value)
}
