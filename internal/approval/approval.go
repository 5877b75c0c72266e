// Package approval manages the human-in-the-loop boundary: it suspends
// triaged incidents behind a single-use token, applies the reviewer's
// decision, and expires requests that outlive their window.
package approval

import (
	"context"
	"errors"
	"time"

	"github.com/linnemanlabs/warden/internal/incident"
)

// Resolution errors, surfaced to the approval caller. None of them mutate
// incident state.
var (
	// ErrTokenInvalid means no live approval is bound to the token. Unknown
	// tokens and tokens invalidated by cancellation both land here.
	ErrTokenInvalid = errors.New("approval: token invalid")

	// ErrTokenUsed means a reviewer already consumed the token.
	ErrTokenUsed = errors.New("approval: token already used")

	// ErrNotAwaitingApproval means the incident left AWAITING_APPROVAL
	// without a reviewer decision, typically by expiry.
	ErrNotAwaitingApproval = errors.New("approval: incident not awaiting approval")

	// ErrInvalidDecision means the decision is not APPROVED or REJECTED.
	ErrInvalidDecision = errors.New("approval: invalid decision")
)

// Notification carries everything a reviewer needs to decide.
type Notification struct {
	IncidentID string
	AlertID    string
	Severity   incident.Severity
	Score      int
	Summary    string
	Token      string
	ExpiresAt  *time.Time
}

// Notifier delivers the decision request to a human channel. Delivery
// failure never fails the incident's transition.
type Notifier interface {
	ApprovalRequested(ctx context.Context, n Notification) error
}

// Summarizer produces the human-readable summary for a notification. The
// gate falls back to a deterministic template when it fails.
type Summarizer interface {
	Summarize(ctx context.Context, inc *incident.Incident) (string, error)
}

// Resumer drives an approved incident through remediation. The orchestrator
// registers itself via Gate.SetResumer during wiring.
type Resumer func(ctx context.Context, incidentID string)

// Hooks are optional gate callbacks, used to feed metrics. A nil field is
// skipped.
type Hooks struct {
	// OnTransition fires after a gate-written transition is durably stored.
	OnTransition func(from, to incident.State)

	// OnDecision fires once per persisted decision, including sweeper
	// expiries.
	OnDecision func(decision incident.Decision)

	// OnNotifyFailure fires when a notification could not be delivered.
	OnNotifyFailure func()
}
