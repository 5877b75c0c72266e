package incident

import (
	"encoding/json"
	"fmt"
	"time"
)

// State tracks where an incident is in its lifecycle.
type State string

const (
	// StateNew means the record exists but no stage has started.
	StateNew State = "NEW"

	// StateEnriching means the enrich stage is running (or retrying).
	StateEnriching State = "ENRICHING"

	// StateTriaging means the triage stage is running (or retrying).
	StateTriaging State = "TRIAGING"

	// StateTriaged means severity and score are set, routing is pending.
	StateTriaged State = "TRIAGED"

	// StateAutoRemediating means remediation runs without human review.
	StateAutoRemediating State = "AUTO_REMEDIATING"

	// StateAwaitingApproval means execution is suspended on a human decision.
	StateAwaitingApproval State = "AWAITING_APPROVAL"

	// StateRemediating means approved remediation is running (or retrying).
	StateRemediating State = "REMEDIATING"

	// StateCompleted means remediation finished successfully.
	StateCompleted State = "COMPLETED"

	// StateFailed means a stage failed permanently or exhausted retries.
	StateFailed State = "FAILED"

	// StateRejected means the human reviewer declined remediation.
	StateRejected State = "REJECTED"

	// StateExpired means the approval wait exceeded its configured expiry.
	StateExpired State = "EXPIRED"

	// StateCancelled means an operator withdrew the incident while it
	// waited for approval.
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether s permits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRejected, StateExpired, StateCancelled:
		return true
	}
	return false
}

// transitions lists the permitted successor states. A state listing itself
// allows the stage-retry self-loop. StateFailed is reachable from every
// non-terminal state.
var transitions = map[State][]State{
	StateNew:              {StateEnriching},
	StateEnriching:        {StateEnriching, StateTriaging},
	StateTriaging:         {StateTriaging, StateTriaged},
	StateTriaged:          {StateAutoRemediating, StateAwaitingApproval},
	StateAutoRemediating:  {StateAutoRemediating, StateCompleted},
	StateAwaitingApproval: {StateRemediating, StateRejected, StateExpired, StateCancelled},
	StateRemediating:      {StateRemediating, StateCompleted},
}

// ValidTransition reports whether from advances to to legally.
func ValidTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Severity is the triage classification of an incident.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Decision is the outcome of the human approval step.
type Decision string

const (
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
	DecisionExpired  Decision = "EXPIRED"
)

// Finding is the enrichment verdict for a single indicator.
type Finding struct {
	Indicator  string   `json:"indicator"`
	Verdict    string   `json:"verdict"`
	Confidence float64  `json:"confidence"`
	Category   string   `json:"category"`
	Sources    []string `json:"sources,omitempty"`
}

// RemediationResult records what the remediate stage did.
type RemediationResult struct {
	Action     string    `json:"action"`
	Target     string    `json:"target"`
	Success    bool      `json:"success"`
	Message    string    `json:"message,omitempty"`
	Steps      []string  `json:"steps,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

// AuditEntry is one transition event. The trail is append-only; entries are
// never mutated or removed.
type AuditEntry struct {
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	From      State     `json:"from_state"`
	To        State     `json:"to_state"`
	Actor     string    `json:"actor"`
	Detail    string    `json:"detail,omitempty"`
}

// Audit actors: the subsystem that performed a transition.
const (
	ActorIngest       = "ingest"
	ActorOrchestrator = "orchestrator"
	ActorInvoker      = "invoker"
	ActorApprovalGate = "approval-gate"
	ActorOperator     = "operator"
	ActorSweeper      = "sweeper"
)

// Incident is the unit of work: one security alert's full lifecycle through
// the orchestration engine.
type Incident struct {
	ID                string             `json:"incident_id"`
	AlertID           string             `json:"alert_id"`
	RawAlert          json.RawMessage    `json:"raw_alert"`
	Enrichment        map[string]Finding `json:"enrichment_data,omitempty"`
	Severity          Severity           `json:"severity,omitempty"`
	Score             int                `json:"score,omitempty"`
	Status            State              `json:"status"`
	ApprovalToken     string             `json:"-"`
	ApprovalExpiresAt *time.Time         `json:"approval_expires_at,omitempty"`
	Decision          Decision           `json:"decision,omitempty"`
	Remediation       *RemediationResult `json:"remediation,omitempty"`
	AuditTrail        []AuditEntry       `json:"audit_trail"`
	Version           int64              `json:"version"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// Clone returns a deep copy. Stages and callers receive clones so the stored
// record is only ever mutated through the store.
func (inc *Incident) Clone() *Incident {
	if inc == nil {
		return nil
	}
	cp := *inc
	if inc.RawAlert != nil {
		cp.RawAlert = append(json.RawMessage(nil), inc.RawAlert...)
	}
	if inc.Enrichment != nil {
		cp.Enrichment = make(map[string]Finding, len(inc.Enrichment))
		for k, f := range inc.Enrichment {
			f.Sources = append([]string(nil), f.Sources...)
			cp.Enrichment[k] = f
		}
	}
	if inc.ApprovalExpiresAt != nil {
		t := *inc.ApprovalExpiresAt
		cp.ApprovalExpiresAt = &t
	}
	if inc.Remediation != nil {
		r := *inc.Remediation
		r.Steps = append([]string(nil), inc.Remediation.Steps...)
		cp.Remediation = &r
	}
	if inc.AuditTrail != nil {
		cp.AuditTrail = append([]AuditEntry(nil), inc.AuditTrail...)
	}
	return &cp
}

// Transition validates the hop, appends exactly one audit entry, and advances
// Status. Validation happens before anything is recorded; an invalid hop
// leaves the incident untouched.
func (inc *Incident) Transition(to State, actor, detail string) error {
	if !ValidTransition(inc.Status, to) {
		return fmt.Errorf("invalid transition %s to %s", inc.Status, to)
	}
	now := time.Now().UTC()
	inc.AuditTrail = append(inc.AuditTrail, AuditEntry{
		Seq:       len(inc.AuditTrail) + 1,
		Timestamp: now,
		From:      inc.Status,
		To:        to,
		Actor:     actor,
		Detail:    detail,
	})
	inc.Status = to
	inc.UpdatedAt = now
	return nil
}

// ReplayStatus reconstructs the status an incident ended in from its audit
// trail alone. An empty trail replays to StateNew.
func ReplayStatus(trail []AuditEntry) State {
	if len(trail) == 0 {
		return StateNew
	}
	return trail[len(trail)-1].To
}
