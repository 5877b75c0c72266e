package approval

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/warden/internal/incident"
)

const (
	tokenBytes = 24

	// casAttempts bounds the re-read loop on version conflicts. Each retry
	// re-evaluates the taxonomy against fresh state, so losing a race yields
	// the right error, not a spin.
	casAttempts = 5

	summaryTimeout = 15 * time.Second
)

// Gate owns the gated remediation path. Request suspends an incident behind
// a minted token, Resolve applies the reviewer's decision exactly once, and
// the sweeper expires requests that outlive the configured TTL.
type Gate struct {
	store      incident.Store
	notifier   Notifier
	summarizer Summarizer
	ttl        time.Duration
	logger     log.Logger
	hooks      Hooks
	resumer    Resumer
}

// New creates the approval gate. notifier and summarizer may be nil (no
// notifications, template summaries); ttl 0 means requests never expire.
func New(store incident.Store, notifier Notifier, summarizer Summarizer, ttl time.Duration, logger log.Logger, hooks Hooks) *Gate {
	if store == nil {
		panic(xerrors.New("incident store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Gate{
		store:      store,
		notifier:   notifier,
		summarizer: summarizer,
		ttl:        ttl,
		logger:     logger,
		hooks:      hooks,
	}
}

// SetResumer registers the callback that drives an approved incident through
// remediation. Must be called before the gate serves traffic.
func (g *Gate) SetResumer(r Resumer) { g.resumer = r }

// Request suspends a triaged incident for human review: it mints the
// single-use token, stamps the expiry when a TTL is configured, and persists
// the AWAITING_APPROVAL transition. The notification goes out only after the
// write lands, so every delivered token is resolvable.
func (g *Gate) Request(ctx context.Context, inc *incident.Incident) (string, error) {
	token, err := mintToken()
	if err != nil {
		return "", err
	}

	cur := inc.Clone()
	for attempt := 0; ; attempt++ {
		cur.ApprovalToken = token
		if g.ttl > 0 {
			exp := time.Now().UTC().Add(g.ttl)
			cur.ApprovalExpiresAt = &exp
		}
		detail := fmt.Sprintf("routing: severity %s requires approval", cur.Severity)
		if err := cur.Transition(incident.StateAwaitingApproval, incident.ActorOrchestrator, detail); err != nil {
			return "", err
		}

		stored, err := g.store.Update(ctx, cur)
		if errors.Is(err, incident.ErrVersionConflict) && attempt < casAttempts {
			if cur, err = g.reload(ctx, inc.ID); err != nil {
				return "", err
			}
			continue
		}
		if err != nil {
			return "", fmt.Errorf("persist approval request: %w", err)
		}

		g.recordTransition(ctx, stored)
		g.notifyAsync(ctx, stored)
		return token, nil
	}
}

// Resolve applies a reviewer decision to the incident bound to token. The
// first caller wins via version CAS; a losing racer re-reads and receives
// the taxonomy error for the new state. APPROVED hands the incident to the
// registered resumer; REJECTED is terminal and remediation is never invoked.
func (g *Gate) Resolve(ctx context.Context, token string, decision incident.Decision) (*incident.Incident, error) {
	if decision != incident.DecisionApproved && decision != incident.DecisionRejected {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		cur, ok, err := g.store.GetByToken(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("load incident by token: %w", err)
		}
		if !ok {
			return nil, ErrTokenInvalid
		}
		if cur.Decision == incident.DecisionApproved || cur.Decision == incident.DecisionRejected {
			return nil, ErrTokenUsed
		}
		if cur.Status != incident.StateAwaitingApproval {
			return nil, ErrNotAwaitingApproval
		}

		cur.Decision = decision
		to := incident.StateRemediating
		detail := "decision APPROVED"
		if decision == incident.DecisionRejected {
			to = incident.StateRejected
			detail = "decision REJECTED; remediation not invoked"
		}
		if err := cur.Transition(to, incident.ActorApprovalGate, detail); err != nil {
			return nil, err
		}

		stored, err := g.store.Update(ctx, cur)
		if errors.Is(err, incident.ErrVersionConflict) || errors.Is(err, incident.ErrTerminal) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("persist decision: %w", err)
		}

		g.recordTransition(ctx, stored)
		if g.hooks.OnDecision != nil {
			g.hooks.OnDecision(decision)
		}
		if decision == incident.DecisionApproved && g.resumer != nil {
			go g.resumer(context.WithoutCancel(ctx), stored.ID)
		}
		return stored, nil
	}
	return nil, errors.New("resolve token: too many concurrent updates")
}

// Cancel withdraws an incident while it waits for approval. The token is
// cleared from the record, so a late Resolve gets ErrTokenInvalid. Every
// other live state has an active stage invocation, so cancellation is only
// available here.
func (g *Gate) Cancel(ctx context.Context, id string) (*incident.Incident, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		cur, ok, err := g.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load incident %s: %w", id, err)
		}
		if !ok {
			return nil, incident.ErrNotFound
		}
		if cur.Status != incident.StateAwaitingApproval {
			return nil, ErrNotAwaitingApproval
		}

		cur.ApprovalToken = ""
		if err := cur.Transition(incident.StateCancelled, incident.ActorOperator, "cancelled while awaiting approval"); err != nil {
			return nil, err
		}

		stored, err := g.store.Update(ctx, cur)
		if errors.Is(err, incident.ErrVersionConflict) || errors.Is(err, incident.ErrTerminal) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("persist cancellation: %w", err)
		}

		g.recordTransition(ctx, stored)
		return stored, nil
	}
	return nil, fmt.Errorf("cancel incident %s: too many concurrent updates", id)
}

// Sweep expires every approval past its deadline. A record that loses its
// CAS (a reviewer decided first) is skipped; the next sweep re-evaluates
// anything still overdue. The token stays on the record, so a late Resolve
// gets ErrNotAwaitingApproval rather than ErrTokenInvalid.
func (g *Gate) Sweep(ctx context.Context) (int, error) {
	overdue, err := g.store.ExpiredApprovals(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("list overdue approvals: %w", err)
	}

	swept := 0
	for _, cur := range overdue {
		cur.Decision = incident.DecisionExpired
		if err := cur.Transition(incident.StateExpired, incident.ActorSweeper, "approval window expired"); err != nil {
			continue
		}

		stored, err := g.store.Update(ctx, cur)
		if errors.Is(err, incident.ErrVersionConflict) || errors.Is(err, incident.ErrTerminal) {
			continue
		}
		if err != nil {
			return swept, fmt.Errorf("expire incident %s: %w", cur.ID, err)
		}

		swept++
		g.recordTransition(ctx, stored)
		if g.hooks.OnDecision != nil {
			g.hooks.OnDecision(incident.DecisionExpired)
		}
	}
	return swept, nil
}

// StartSweeper runs Sweep on the interval until ctx is cancelled.
func (g *Gate) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n, err := g.Sweep(ctx)
				if err != nil {
					g.logger.Error(ctx, err, "approval sweep failed")
					continue
				}
				if n > 0 {
					g.logger.Info(ctx, "expired overdue approvals", "count", n)
				}
			}
		}
	}()
}

// notifyAsync delivers the decision request without holding the pipeline.
// The detached context survives the caller's cancellation.
func (g *Gate) notifyAsync(ctx context.Context, inc *incident.Incident) {
	if g.notifier == nil {
		return
	}
	go g.notify(context.WithoutCancel(ctx), inc)
}

func (g *Gate) notify(ctx context.Context, inc *incident.Incident) {
	n := Notification{
		IncidentID: inc.ID,
		AlertID:    inc.AlertID,
		Severity:   inc.Severity,
		Score:      inc.Score,
		Summary:    g.summary(ctx, inc),
		Token:      inc.ApprovalToken,
		ExpiresAt:  inc.ApprovalExpiresAt,
	}
	if err := g.notifier.ApprovalRequested(ctx, n); err != nil {
		g.logger.Error(ctx, err, "approval notification failed", "incident_id", inc.ID)
		if g.hooks.OnNotifyFailure != nil {
			g.hooks.OnNotifyFailure()
		}
	}
}

func (g *Gate) summary(ctx context.Context, inc *incident.Incident) string {
	if g.summarizer == nil {
		return templateSummary(inc)
	}
	sctx, cancel := context.WithTimeout(ctx, summaryTimeout)
	defer cancel()
	s, err := g.summarizer.Summarize(sctx, inc)
	if err != nil {
		g.logger.Warn(ctx, "summary generation failed, using template",
			"incident_id", inc.ID, "error", err)
		return templateSummary(inc)
	}
	return s
}

// templateSummary is the deterministic fallback summary.
func templateSummary(inc *incident.Incident) string {
	return fmt.Sprintf("Incident %s (alert %s) triaged %s with score %d/10 across %d indicators; remediation requires approval.",
		inc.ID, inc.AlertID, inc.Severity, inc.Score, len(inc.Enrichment))
}

func (g *Gate) recordTransition(ctx context.Context, inc *incident.Incident) {
	e := inc.AuditTrail[len(inc.AuditTrail)-1]
	g.logger.Info(ctx, "incident transition",
		"incident_id", inc.ID,
		"from", string(e.From),
		"to", string(e.To),
		"detail", e.Detail,
	)
	if g.hooks.OnTransition != nil {
		g.hooks.OnTransition(e.From, e.To)
	}
}

func (g *Gate) reload(ctx context.Context, id string) (*incident.Incident, error) {
	cur, ok, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reload incident %s: %w", id, err)
	}
	if !ok {
		return nil, incident.ErrNotFound
	}
	return cur, nil
}

func mintToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mint approval token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
