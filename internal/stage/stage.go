// Package stage defines the uniform contract for incident processing
// stages and the invoker that drives them with timeout and retry policy.
package stage

import (
	"context"
	"errors"
	"sort"

	"github.com/linnemanlabs/warden/internal/incident"
)

// Canonical stage names used by the orchestrator's pipeline.
const (
	Enrich    = "enrich"
	Triage    = "triage"
	Remediate = "remediate"
)

// ErrTransient marks a handler error as retryable. Handlers wrap it
// (fmt.Errorf("...: %w", stage.ErrTransient)) to request a retry; any other
// error is treated as permanent. Attempt timeouts classify transient.
var ErrTransient = errors.New("transient stage failure")

// Outcome classifies one stage invocation.
type Outcome string

const (
	OutcomeSuccess   Outcome = "SUCCESS"
	OutcomeTransient Outcome = "TRANSIENT_FAILURE"
	OutcomePermanent Outcome = "PERMANENT_FAILURE"
)

// Request is the input to one stage invocation. Incident is a snapshot the
// handler may mutate and return; the stored record is untouched until the
// orchestrator persists the result. IdempotencyKey is stable across retries
// of the same invocation so handlers can deduplicate side effects.
type Request struct {
	Incident       *incident.Incident
	IdempotencyKey string
}

// Result is the output of one stage invocation. Incident carries the updated
// snapshot on success (nil on failure); Message is a human-readable line
// persisted to the audit trail.
type Result struct {
	Incident *incident.Incident
	Outcome  Outcome
	Message  string
}

// Handler is a processing stage. Implementations must be safe for concurrent
// use; one handler instance serves every incident.
type Handler interface {
	Name() string
	Execute(ctx context.Context, req Request) (Result, error)
}

// Registry holds the available stage handlers, keyed by name. The
// orchestrator resolves stages by name, never by type.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates an empty stage registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler to the registry, keyed by its Name.
func (r *Registry) Register(h Handler) {
	r.handlers[h.Name()] = h
}

// Get retrieves a handler by name.
func (r *Registry) Get(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered stage names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
