package workflow

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the Engine and its collaborators.
var (
	// ErrNotFound means the request ID references no stored record.
	ErrNotFound = errors.New("approval request not found")

	// ErrNotAuthorized means the actor is neither the assigned approver
	// of the current step nor an active delegate for them. Never
	// retried by the Engine.
	ErrNotAuthorized = errors.New("actor is not the assigned approver or an active delegate")

	// ErrVersionConflict is returned by Store.Save when the expected
	// version no longer matches the stored one. The Engine translates
	// it into a StaleStateError carrying the request context.
	ErrVersionConflict = errors.New("version conflict")
)

// InvalidChainError reports a template that cannot produce a runnable
// chain: zero steps, a malformed step definition, or an unresolvable
// first role. Fatal to that creation attempt.
type InvalidChainError struct {
	TemplateID string
	Reason     string
}

func (e *InvalidChainError) Error() string {
	return fmt.Sprintf("invalid chain template %s: %s", e.TemplateID, e.Reason)
}

// StaleStateError reports an optimistic-concurrency loss or a decision
// arriving after the record already moved on. The caller may re-fetch
// and retry if the decision is still meaningful; the Engine never
// retries on its own.
type StaleStateError struct {
	RequestID       string
	ExpectedVersion int64
	Reason          string
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("approval request %s is stale (loaded version %d): %s",
		e.RequestID, e.ExpectedVersion, e.Reason)
}

// AmbiguousDelegationError reports overlapping active delegation rules
// for one approver. A configuration fault to be fixed upstream; the
// resolver refuses to guess.
type AmbiguousDelegationError struct {
	ApproverID string
	RuleIDs    []string
}

func (e *AmbiguousDelegationError) Error() string {
	return fmt.Sprintf("approver %s has %d overlapping active delegation rules %v",
		e.ApproverID, len(e.RuleIDs), e.RuleIDs)
}
