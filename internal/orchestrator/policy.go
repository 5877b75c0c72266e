package orchestrator

import "github.com/linnemanlabs/warden/internal/incident"

// RoutePolicy decides the path an incident takes after triage. It must
// return StateAutoRemediating or StateAwaitingApproval; the engine evaluates
// it exactly once per incident and records the decision in the audit trail
// before any remediation runs.
type RoutePolicy func(sev incident.Severity) incident.State

// DefaultPolicy sends LOW and MEDIUM incidents straight to remediation and
// gates HIGH and CRITICAL behind human approval. A severity it does not
// recognize is gated too.
func DefaultPolicy(sev incident.Severity) incident.State {
	switch sev {
	case incident.SeverityLow, incident.SeverityMedium:
		return incident.StateAutoRemediating
	default:
		return incident.StateAwaitingApproval
	}
}
