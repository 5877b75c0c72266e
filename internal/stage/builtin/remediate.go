package builtin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/stage"
)

// Remediator executes the containment action for an incident: quarantine
// the source IP, block the malicious domain, or isolate the named host, in
// that precedence. Execution is simulated; each action records what a real
// executor would have done.
//
// Results are memoized by idempotency key, so a retried or replayed
// invocation returns the recorded outcome instead of acting twice.
type Remediator struct {
	mu       sync.Mutex
	executed map[string]*incident.RemediationResult
}

// NewRemediator creates the simulated remediation executor.
func NewRemediator() *Remediator {
	return &Remediator{executed: make(map[string]*incident.RemediationResult)}
}

// Name returns the canonical remediate stage name.
func (r *Remediator) Name() string { return stage.Remediate }

// Execute picks the action from the alert, runs it once per idempotency
// key, and attaches the result to the incident snapshot.
func (r *Remediator) Execute(_ context.Context, req stage.Request) (stage.Result, error) {
	a, err := decodeAlert(req.Incident)
	if err != nil {
		return stage.Result{}, err
	}

	r.mu.Lock()
	res, replay := r.executed[req.IdempotencyKey]
	if !replay {
		res, err = execute(a)
		if err != nil {
			r.mu.Unlock()
			return stage.Result{}, err
		}
		r.executed[req.IdempotencyKey] = res
	}
	r.mu.Unlock()

	cp := *res
	cp.Steps = append([]string(nil), res.Steps...)
	inc := req.Incident
	inc.Remediation = &cp

	return stage.Result{Incident: inc, Outcome: stage.OutcomeSuccess, Message: res.Message}, nil
}

// execute simulates the containment action. No remediation target in the
// alert is a permanent failure: retrying cannot make one appear.
func execute(a *alert.Alert) (*incident.RemediationResult, error) {
	now := time.Now().UTC()
	switch {
	case a.SourceIP != "":
		return &incident.RemediationResult{
			Action:  "quarantine",
			Target:  a.SourceIP,
			Success: true,
			Message: fmt.Sprintf("quarantined IP %s", a.SourceIP),
			Steps: []string{
				"Navigated to firewall console",
				fmt.Sprintf("Added %s to blocklist", a.SourceIP),
				"Saved configuration",
				"Verified IP is blocked",
			},
			ExecutedAt: now,
		}, nil
	case a.Indicators["domain"] != "":
		domain := a.Indicators["domain"]
		return &incident.RemediationResult{
			Action:     "block_domain",
			Target:     domain,
			Success:    true,
			Message:    fmt.Sprintf("blocked domain %s", domain),
			ExecutedAt: now,
		}, nil
	case a.Indicators["hostname"] != "":
		hostname := a.Indicators["hostname"]
		return &incident.RemediationResult{
			Action:     "isolate",
			Target:     hostname,
			Success:    true,
			Message:    fmt.Sprintf("isolated endpoint %s", hostname),
			ExecutedAt: now,
		}, nil
	default:
		return nil, errors.New("no remediation target in alert")
	}
}
