package batch

import "context"

// Class classifies one intent's result after dispatch.
type Class int

const (
	// ClassSuccess means the call applied the mutation.
	ClassSuccess Class = iota

	// ClassConflict means the target was already in the desired state.
	// Callers treat it as success.
	ClassConflict

	// ClassRemoteError is a transient server failure. The engine never
	// retries it; the caller decides.
	ClassRemoteError

	// ClassQuotaExceeded means the service refused the call over quota.
	ClassQuotaExceeded

	// ClassAuthExpired means the call failed even after the single
	// re-authentication retry.
	ClassAuthExpired

	// ClassAborted means the call was never attempted because an
	// earlier call in the same per-target sequence failed.
	ClassAborted
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassConflict:
		return "conflict"
	case ClassRemoteError:
		return "remote_error"
	case ClassQuotaExceeded:
		return "quota_exceeded"
	case ClassAuthExpired:
		return "auth_expired"
	case ClassAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Outcome is one intent's per-result entry. A flush reports one Outcome
// per constituent intent so callers can tell exactly which targets were
// applied when a sequence fails midway.
type Outcome struct {
	Intent Intent
	Class  Class
	Err    error
}

// OK reports whether the intent's desired state holds remotely.
func (o Outcome) OK() bool {
	return o.Class == ClassSuccess || o.Class == ClassConflict
}

// Executor runs a reduced call set against the remote API and reports
// one outcome per intent.
type Executor interface {
	Execute(ctx context.Context, plan *Plan) []Outcome
}
