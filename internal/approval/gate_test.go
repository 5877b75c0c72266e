package approval

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/incident/memstore"
)

// capturingNotifier records notifications, or fails every delivery when err
// is set.
type capturingNotifier struct {
	mu    sync.Mutex
	notes []Notification
	err   error
}

func (n *capturingNotifier) ApprovalRequested(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.notes = append(n.notes, note)
	return nil
}

func (n *capturingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notes)
}

func (n *capturingNotifier) last() Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.notes[len(n.notes)-1]
}

type stubSummarizer struct {
	text string
	err  error
}

func (s *stubSummarizer) Summarize(context.Context, *incident.Incident) (string, error) {
	return s.text, s.err
}

// hookRecorder collects gate hook invocations under a lock.
type hookRecorder struct {
	mu          sync.Mutex
	transitions []string
	decisions   []incident.Decision
	notifyFails int
}

func (h *hookRecorder) hooks() Hooks {
	return Hooks{
		OnTransition: func(from, to incident.State) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.transitions = append(h.transitions, string(from)+">"+string(to))
		},
		OnDecision: func(d incident.Decision) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.decisions = append(h.decisions, d)
		},
		OnNotifyFailure: func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.notifyFails++
		},
	}
}

func (h *hookRecorder) failures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.notifyFails
}

// triagedIncident creates and stores a record ready for a routing decision.
func triagedIncident(t *testing.T, s *memstore.Store, sev incident.Severity) *incident.Incident {
	t.Helper()
	id := ulid.Make().String()
	inc := &incident.Incident{
		ID:        id,
		AlertID:   "alert-" + id,
		RawAlert:  []byte(`{"alert_id":"SEC-2025-001","type":"MALWARE_DETECTED"}`),
		Severity:  sev,
		Score:     8,
		Status:    incident.StateNew,
		Version:   1,
		CreatedAt: time.Now().UTC(),
	}
	hops := []struct {
		to     incident.State
		actor  string
		detail string
	}{
		{incident.StateEnriching, incident.ActorIngest, "incident created"},
		{incident.StateTriaging, incident.ActorOrchestrator, "enrichment complete"},
		{incident.StateTriaged, incident.ActorOrchestrator, "severity assigned"},
	}
	for _, h := range hops {
		if err := inc.Transition(h.to, h.actor, h.detail); err != nil {
			t.Fatalf("Transition(%s): %v", h.to, err)
		}
	}
	if err := s.Create(context.Background(), inc); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return inc
}

// awaitingIncident drives a record through Request and returns the stored
// suspended record plus its token.
func awaitingIncident(t *testing.T, s *memstore.Store, g *Gate) (*incident.Incident, string) {
	t.Helper()
	inc := triagedIncident(t, s, incident.SeverityHigh)
	token, err := g.Request(context.Background(), inc)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	cur, ok, err := s.Get(context.Background(), inc.ID)
	if err != nil || !ok {
		t.Fatalf("Get after Request: ok=%v err=%v", ok, err)
	}
	return cur, token
}

// awaitingWithExpiry stores a suspended record with a fixed token and expiry,
// bypassing Request.
func awaitingWithExpiry(t *testing.T, s *memstore.Store, token string, exp *time.Time) *incident.Incident {
	t.Helper()
	inc := &incident.Incident{
		ID:       ulid.Make().String(),
		AlertID:  "alert-" + ulid.Make().String(),
		RawAlert: []byte(`{}`),
		Severity: incident.SeverityHigh,
		Score:    8,
		Status:   incident.StateNew,
		Version:  1,
	}
	hops := []incident.State{
		incident.StateEnriching, incident.StateTriaging,
		incident.StateTriaged, incident.StateAwaitingApproval,
	}
	for _, to := range hops {
		if err := inc.Transition(to, incident.ActorOrchestrator, ""); err != nil {
			t.Fatalf("Transition(%s): %v", to, err)
		}
	}
	inc.ApprovalToken = token
	inc.ApprovalExpiresAt = exp
	if err := s.Create(context.Background(), inc); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return inc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s: not observed within deadline", what)
}

func TestRequest_SuspendsAndNotifies(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	notifier := &capturingNotifier{}
	g := New(store, notifier, nil, 0, log.Nop(), Hooks{})
	inc := triagedIncident(t, store, incident.SeverityHigh)

	token, err := g.Request(context.Background(), inc)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if len(token) != 2*tokenBytes {
		t.Errorf("token length = %d, want %d", len(token), 2*tokenBytes)
	}
	if _, err := hex.DecodeString(token); err != nil {
		t.Errorf("token is not hex: %v", err)
	}

	cur, ok, err := store.Get(context.Background(), inc.ID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if cur.Status != incident.StateAwaitingApproval {
		t.Errorf("Status = %s, want AWAITING_APPROVAL", cur.Status)
	}
	if cur.ApprovalToken != token {
		t.Errorf("stored token = %q, want the minted one", cur.ApprovalToken)
	}
	if cur.ApprovalExpiresAt != nil {
		t.Error("ApprovalExpiresAt set without a TTL")
	}
	last := cur.AuditTrail[len(cur.AuditTrail)-1]
	if last.From != incident.StateTriaged || last.To != incident.StateAwaitingApproval {
		t.Errorf("last entry %s to %s, want TRIAGED to AWAITING_APPROVAL", last.From, last.To)
	}
	if last.Actor != incident.ActorOrchestrator {
		t.Errorf("Actor = %q, want %q", last.Actor, incident.ActorOrchestrator)
	}

	waitFor(t, "notification", func() bool { return notifier.count() == 1 })
	note := notifier.last()
	if note.IncidentID != inc.ID || note.AlertID != inc.AlertID {
		t.Errorf("notification identifies %s/%s, want %s/%s",
			note.IncidentID, note.AlertID, inc.ID, inc.AlertID)
	}
	if note.Severity != incident.SeverityHigh || note.Score != 8 {
		t.Errorf("notification severity/score = %s/%d", note.Severity, note.Score)
	}
	if note.Token != token {
		t.Errorf("notification token = %q, want the minted one", note.Token)
	}
	if !strings.Contains(note.Summary, inc.ID) {
		t.Errorf("template summary %q does not name the incident", note.Summary)
	}
}

func TestRequest_StampsExpiryWhenTTLConfigured(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	g := New(store, nil, nil, time.Hour, log.Nop(), Hooks{})
	inc := triagedIncident(t, store, incident.SeverityCritical)

	if _, err := g.Request(context.Background(), inc); err != nil {
		t.Fatalf("Request: %v", err)
	}

	cur, _, err := store.Get(context.Background(), inc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cur.ApprovalExpiresAt == nil {
		t.Fatal("ApprovalExpiresAt not set")
	}
	until := time.Until(*cur.ApprovalExpiresAt)
	if until < 59*time.Minute || until > 61*time.Minute {
		t.Errorf("expiry in %s, want about an hour", until)
	}
}

func TestRequest_NotifierFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	rec := &hookRecorder{}
	notifier := &capturingNotifier{err: errors.New("webhook down")}
	g := New(store, notifier, nil, 0, log.Nop(), rec.hooks())
	inc := triagedIncident(t, store, incident.SeverityHigh)

	token, err := g.Request(context.Background(), inc)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if token == "" {
		t.Fatal("no token returned")
	}

	cur, _, err := store.Get(context.Background(), inc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cur.Status != incident.StateAwaitingApproval {
		t.Errorf("Status = %s, want AWAITING_APPROVAL despite notify failure", cur.Status)
	}
	waitFor(t, "notify failure hook", func() bool { return rec.failures() == 1 })
}

func TestRequest_SummarizerFeedsNotification(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	notifier := &capturingNotifier{}
	g := New(store, notifier, &stubSummarizer{text: "analyst summary"}, 0, log.Nop(), Hooks{})
	inc := triagedIncident(t, store, incident.SeverityHigh)

	if _, err := g.Request(context.Background(), inc); err != nil {
		t.Fatalf("Request: %v", err)
	}
	waitFor(t, "notification", func() bool { return notifier.count() == 1 })
	if got := notifier.last().Summary; got != "analyst summary" {
		t.Errorf("Summary = %q, want the summarizer output", got)
	}
}

func TestRequest_SummarizerFailureFallsBackToTemplate(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	notifier := &capturingNotifier{}
	g := New(store, notifier, &stubSummarizer{err: errors.New("model unavailable")}, 0, log.Nop(), Hooks{})
	inc := triagedIncident(t, store, incident.SeverityHigh)

	if _, err := g.Request(context.Background(), inc); err != nil {
		t.Fatalf("Request: %v", err)
	}
	waitFor(t, "notification", func() bool { return notifier.count() == 1 })
	if got := notifier.last().Summary; !strings.Contains(got, inc.ID) {
		t.Errorf("Summary = %q, want the template fallback", got)
	}
}

func TestResolve_ApprovedResumes(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	rec := &hookRecorder{}
	g := New(store, nil, nil, 0, log.Nop(), rec.hooks())
	resumed := make(chan string, 1)
	g.SetResumer(func(_ context.Context, id string) { resumed <- id })

	cur, token := awaitingIncident(t, store, g)

	got, err := g.Resolve(context.Background(), token, incident.DecisionApproved)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Status != incident.StateRemediating {
		t.Errorf("Status = %s, want REMEDIATING", got.Status)
	}
	if got.Decision != incident.DecisionApproved {
		t.Errorf("Decision = %s, want APPROVED", got.Decision)
	}
	last := got.AuditTrail[len(got.AuditTrail)-1]
	if last.Actor != incident.ActorApprovalGate {
		t.Errorf("Actor = %q, want %q", last.Actor, incident.ActorApprovalGate)
	}

	select {
	case id := <-resumed:
		if id != cur.ID {
			t.Errorf("resumed incident %s, want %s", id, cur.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("resumer not invoked")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.decisions) != 1 || rec.decisions[0] != incident.DecisionApproved {
		t.Errorf("decision hooks = %v, want [APPROVED]", rec.decisions)
	}
}

func TestResolve_RejectedIsTerminalWithoutResume(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	g := New(store, nil, nil, 0, log.Nop(), Hooks{})
	var resumes atomic.Int32
	g.SetResumer(func(context.Context, string) { resumes.Add(1) })

	_, token := awaitingIncident(t, store, g)

	got, err := g.Resolve(context.Background(), token, incident.DecisionRejected)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Status != incident.StateRejected {
		t.Errorf("Status = %s, want REJECTED", got.Status)
	}
	if got.Decision != incident.DecisionRejected {
		t.Errorf("Decision = %s, want REJECTED", got.Decision)
	}

	time.Sleep(50 * time.Millisecond)
	if n := resumes.Load(); n != 0 {
		t.Errorf("resumer invoked %d times on rejection", n)
	}
}

func TestResolve_UnknownToken(t *testing.T) {
	t.Parallel()

	g := New(memstore.New(), nil, nil, 0, log.Nop(), Hooks{})
	_, err := g.Resolve(context.Background(), "no-such-token", incident.DecisionApproved)
	if !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestResolve_InvalidDecision(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	g := New(store, nil, nil, 0, log.Nop(), Hooks{})
	_, token := awaitingIncident(t, store, g)

	_, err := g.Resolve(context.Background(), token, incident.Decision("MAYBE"))
	if !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("err = %v, want ErrInvalidDecision", err)
	}
}

func TestResolve_SecondCallReturnsTokenUsed(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	g := New(store, nil, nil, 0, log.Nop(), Hooks{})
	cur, token := awaitingIncident(t, store, g)

	if _, err := g.Resolve(context.Background(), token, incident.DecisionApproved); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	before, _, err := store.Get(context.Background(), cur.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	_, err = g.Resolve(context.Background(), token, incident.DecisionRejected)
	if !errors.Is(err, ErrTokenUsed) {
		t.Fatalf("second Resolve err = %v, want ErrTokenUsed", err)
	}

	after, _, err := store.Get(context.Background(), cur.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.Version != before.Version || len(after.AuditTrail) != len(before.AuditTrail) {
		t.Error("rejected repeat resolve mutated the record")
	}
	if after.Decision != incident.DecisionApproved {
		t.Errorf("Decision = %s, want the first caller's APPROVED", after.Decision)
	}
}

func TestResolve_ConcurrentFirstWins(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	g := New(store, nil, nil, 0, log.Nop(), Hooks{})
	cur, token := awaitingIncident(t, store, g)

	const racers = 8
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		used      atomic.Int32
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Resolve(context.Background(), token, incident.DecisionApproved)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrTokenUsed):
				used.Add(1)
			default:
				t.Errorf("unexpected resolve error: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := successes.Load(); n != 1 {
		t.Errorf("successes = %d, want exactly 1", n)
	}
	if n := used.Load(); n != racers-1 {
		t.Errorf("ErrTokenUsed count = %d, want %d", n, racers-1)
	}

	final, _, err := store.Get(context.Background(), cur.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != incident.StateRemediating || final.Decision != incident.DecisionApproved {
		t.Errorf("final state %s/%s, want REMEDIATING/APPROVED", final.Status, final.Decision)
	}
	if len(final.AuditTrail) != len(cur.AuditTrail)+1 {
		t.Errorf("trail grew by %d entries, want 1", len(final.AuditTrail)-len(cur.AuditTrail))
	}
}

func TestCancel_InvalidatesToken(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	g := New(store, nil, nil, 0, log.Nop(), Hooks{})
	cur, token := awaitingIncident(t, store, g)

	got, err := g.Cancel(context.Background(), cur.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != incident.StateCancelled {
		t.Errorf("Status = %s, want CANCELLED", got.Status)
	}
	if got.ApprovalToken != "" {
		t.Errorf("ApprovalToken = %q, want cleared", got.ApprovalToken)
	}
	last := got.AuditTrail[len(got.AuditTrail)-1]
	if last.Actor != incident.ActorOperator {
		t.Errorf("Actor = %q, want %q", last.Actor, incident.ActorOperator)
	}

	_, err = g.Resolve(context.Background(), token, incident.DecisionApproved)
	if !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("late Resolve err = %v, want ErrTokenInvalid", err)
	}
}

func TestCancel_OnlyWhileAwaitingApproval(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	g := New(store, nil, nil, 0, log.Nop(), Hooks{})
	inc := triagedIncident(t, store, incident.SeverityLow)

	_, err := g.Cancel(context.Background(), inc.ID)
	if !errors.Is(err, ErrNotAwaitingApproval) {
		t.Errorf("Cancel(TRIAGED) err = %v, want ErrNotAwaitingApproval", err)
	}

	_, err = g.Cancel(context.Background(), "missing")
	if !errors.Is(err, incident.ErrNotFound) {
		t.Errorf("Cancel(missing) err = %v, want ErrNotFound", err)
	}
}

func TestSweep_ExpiresOverdueOnly(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	rec := &hookRecorder{}
	g := New(store, nil, nil, 0, log.Nop(), rec.hooks())

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)
	overdueA := awaitingWithExpiry(t, store, "tok-a", &past)
	overdueB := awaitingWithExpiry(t, store, "tok-b", &past)
	pending := awaitingWithExpiry(t, store, "tok-c", &future)

	n, err := g.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("swept = %d, want 2", n)
	}

	for _, id := range []string{overdueA.ID, overdueB.ID} {
		cur, _, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if cur.Status != incident.StateExpired || cur.Decision != incident.DecisionExpired {
			t.Errorf("incident %s = %s/%s, want EXPIRED/EXPIRED", id, cur.Status, cur.Decision)
		}
		if cur.ApprovalToken == "" {
			t.Errorf("incident %s token cleared by sweep", id)
		}
		last := cur.AuditTrail[len(cur.AuditTrail)-1]
		if last.Actor != incident.ActorSweeper {
			t.Errorf("Actor = %q, want %q", last.Actor, incident.ActorSweeper)
		}
	}

	cur, _, err := store.Get(context.Background(), pending.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cur.Status != incident.StateAwaitingApproval || cur.Decision != "" {
		t.Errorf("pending incident = %s/%s, want untouched", cur.Status, cur.Decision)
	}

	_, err = g.Resolve(context.Background(), "tok-a", incident.DecisionApproved)
	if !errors.Is(err, ErrNotAwaitingApproval) {
		t.Errorf("Resolve after expiry err = %v, want ErrNotAwaitingApproval", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.decisions) != 2 {
		t.Fatalf("decision hooks = %v, want two EXPIRED", rec.decisions)
	}
	for _, d := range rec.decisions {
		if d != incident.DecisionExpired {
			t.Errorf("decision hook = %s, want EXPIRED", d)
		}
	}
}

func TestStartSweeper_ExpiresInBackground(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	g := New(store, nil, nil, 0, log.Nop(), Hooks{})

	past := time.Now().UTC().Add(-time.Second)
	inc := awaitingWithExpiry(t, store, "tok-bg", &past)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.StartSweeper(ctx, 10*time.Millisecond)

	waitFor(t, "background expiry", func() bool {
		cur, _, err := store.Get(context.Background(), inc.ID)
		return err == nil && cur.Status == incident.StateExpired
	})
}

func TestMintToken_UniqueHex(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		tok, err := mintToken()
		if err != nil {
			t.Fatalf("mintToken: %v", err)
		}
		if len(tok) != 2*tokenBytes {
			t.Fatalf("token length = %d, want %d", len(tok), 2*tokenBytes)
		}
		if _, err := hex.DecodeString(tok); err != nil {
			t.Fatalf("token is not hex: %v", err)
		}
		if _, dup := seen[tok]; dup {
			t.Fatal("duplicate token minted")
		}
		seen[tok] = struct{}{}
	}
}
