package lifecycle

import (
	"errors"
	"fmt"
)

// Kind groups errors by how the caller should react to them.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindPolicyDenied       Kind = "policy_denied"
	KindNotFound           Kind = "not_found"
	KindStateConflict      Kind = "state_conflict"
	KindResourceExhaustion Kind = "resource_exhaustion"
)

// Error is returned for every rejected operation. Two errors match under errors.Is when
// their codes match, so callers compare against the exported sentinels.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrValidation           = &Error{Kind: KindValidation, Code: "validation_failed", Message: "validation failed"}
	ErrPlanNotFound         = &Error{Kind: KindNotFound, Code: "plan_not_found", Message: "plan not found"}
	ErrPrincipalNotFound    = &Error{Kind: KindNotFound, Code: "principal_not_found", Message: "principal not found"}
	ErrFreeTrialAlreadyUsed = &Error{Kind: KindPolicyDenied, Code: "free_trial_already_used", Message: "free plan already used"}
	ErrSubscriptionRequired = &Error{Kind: KindPolicyDenied, Code: "subscription_required", Message: "active subscription required"}
	ErrQuotaExceeded        = &Error{Kind: KindPolicyDenied, Code: "quota_exceeded", Message: "server limit reached for your plan"}
	ErrNotFound             = &Error{Kind: KindNotFound, Code: "not_found", Message: "server not found"}
	ErrExpired              = &Error{Kind: KindStateConflict, Code: "expired", Message: "server has expired"}
	ErrAlreadyRunning       = &Error{Kind: KindStateConflict, Code: "already_running", Message: "server is already running"}
	ErrAlreadyStopped       = &Error{Kind: KindStateConflict, Code: "already_stopped", Message: "server is already stopped"}
	ErrPlayerLimitExceeded  = &Error{Kind: KindStateConflict, Code: "player_limit_exceeded", Message: "max players exceeds the plan limit"}
	ErrPortRangeExhausted   = &Error{Kind: KindResourceExhaustion, Code: "port_range_exhausted", Message: "no free port available"}
)

func newError(base *Error, cause error, format string, args ...any) *Error {
	return &Error{Kind: base.Kind, Code: base.Code, Message: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf reports the kind of a lifecycle error, or "" for infrastructure failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf reports the code of a lifecycle error, or "" for infrastructure failures.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
