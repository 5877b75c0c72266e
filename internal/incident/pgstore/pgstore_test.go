package pgstore_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/incident/pgstore"
	"github.com/linnemanlabs/warden/internal/postgres"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("WARDEN_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("WARDEN_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// newIncident builds a fresh record with unique incident and alert IDs so
// tests can run repeatedly against a persistent database.
func newIncident(t *testing.T) *incident.Incident {
	t.Helper()
	id := ulid.Make().String()
	now := time.Now().Truncate(time.Microsecond).UTC()
	inc := &incident.Incident{
		ID:        id,
		AlertID:   "it-alert-" + id,
		RawAlert:  []byte(`{"alert_id":"it-alert-` + id + `","type":"MALWARE_DETECTED"}`),
		Status:    incident.StateNew,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := inc.Transition(incident.StateEnriching, "ingest", "incident created"); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	return inc
}

func TestCreateAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	inc := newIncident(t)
	inc.Enrichment = map[string]incident.Finding{
		"10.0.0.50": {
			Indicator:  "10.0.0.50",
			Verdict:    "malicious",
			Confidence: 0.92,
			Category:   "malware_host",
			Sources:    []string{"Mock Threat Intel DB"},
		},
	}

	if err := s.Create(ctx, inc); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, ok, err := s.Get(ctx, inc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get returned ok=false, want true")
	}

	assertEqual(t, "ID", inc.ID, got.ID)
	assertEqual(t, "AlertID", inc.AlertID, got.AlertID)
	assertEqual(t, "Status", string(incident.StateEnriching), string(got.Status))
	assertEqual(t, "Version", int64(1), got.Version)
	assertEqual(t, "RawAlert", string(inc.RawAlert), string(got.RawAlert))

	f, ok := got.Enrichment["10.0.0.50"]
	if !ok {
		t.Fatal("enrichment finding missing after round-trip")
	}
	assertEqual(t, "Finding.Verdict", "malicious", f.Verdict)
	assertEqual(t, "Finding.Confidence", 0.92, f.Confidence)

	if len(got.AuditTrail) != 1 {
		t.Fatalf("AuditTrail length = %d, want 1", len(got.AuditTrail))
	}
	e := got.AuditTrail[0]
	assertEqual(t, "entry.Seq", 1, e.Seq)
	assertEqual(t, "entry.From", string(incident.StateNew), string(e.From))
	assertEqual(t, "entry.To", string(incident.StateEnriching), string(e.To))
	assertEqual(t, "entry.Actor", "ingest", e.Actor)
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "nonexistent-id")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("Get returned ok=true for nonexistent ID")
	}
}

func TestCreate_DuplicateAlertID(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	first := newIncident(t)
	if err := s.Create(ctx, first); err != nil {
		t.Fatalf("Create first: %v", err)
	}

	second := newIncident(t)
	second.AlertID = first.AlertID
	err := s.Create(ctx, second)
	if !errors.Is(err, incident.ErrDuplicateAlert) {
		t.Errorf("Create duplicate = %v, want ErrDuplicateAlert", err)
	}
}

func TestGetByAlertID(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	inc := newIncident(t)
	if err := s.Create(ctx, inc); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, ok, err := s.GetByAlertID(ctx, inc.AlertID)
	if err != nil {
		t.Fatalf("GetByAlertID: %v", err)
	}
	if !ok {
		t.Fatal("GetByAlertID returned ok=false")
	}
	assertEqual(t, "ID", inc.ID, got.ID)

	_, ok, err = s.GetByAlertID(ctx, "nonexistent-alert")
	if err != nil {
		t.Fatalf("GetByAlertID missing: %v", err)
	}
	if ok {
		t.Error("GetByAlertID returned ok=true for nonexistent alert")
	}
}

func TestUpdate_VersionCASAndAuditAppend(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	inc := newIncident(t)
	if err := s.Create(ctx, inc); err != nil {
		t.Fatalf("Create: %v", err)
	}

	read, _, err := s.Get(ctx, inc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := read.Transition(incident.StateTriaging, "orchestrator", "enrichment complete"); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	updated, err := s.Update(ctx, read)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	assertEqual(t, "Version", int64(2), updated.Version)

	// A stale copy (version 1) must not apply.
	stale := inc.Clone()
	stale.Severity = incident.SeverityLow
	_, err = s.Update(ctx, stale)
	if !errors.Is(err, incident.ErrVersionConflict) {
		t.Errorf("stale Update = %v, want ErrVersionConflict", err)
	}

	got, _, err := s.Get(ctx, inc.ID)
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	assertEqual(t, "Status", string(incident.StateTriaging), string(got.Status))
	assertEqual(t, "Version", int64(2), got.Version)
	if len(got.AuditTrail) != 2 {
		t.Fatalf("AuditTrail length = %d, want 2", len(got.AuditTrail))
	}
	assertEqual(t, "entry[1].Seq", 2, got.AuditTrail[1].Seq)
	assertEqual(t, "entry[1].To", string(incident.StateTriaging), string(got.AuditTrail[1].To))
}

func TestUpdate_TerminalRecordRejectsWrites(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	inc := newIncident(t)
	if err := s.Create(ctx, inc); err != nil {
		t.Fatalf("Create: %v", err)
	}

	read, _, _ := s.Get(ctx, inc.ID)
	if err := read.Transition(incident.StateFailed, "orchestrator", "enrich failed permanently"); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if _, err := s.Update(ctx, read); err != nil {
		t.Fatalf("Update to terminal: %v", err)
	}

	again, _, _ := s.Get(ctx, inc.ID)
	again.Score = 5
	_, err := s.Update(ctx, again)
	if !errors.Is(err, incident.ErrTerminal) {
		t.Errorf("Update terminal = %v, want ErrTerminal", err)
	}
}

func TestUpdate_Missing(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	inc := newIncident(t)
	_, err := s.Update(ctx, inc)
	if !errors.Is(err, incident.ErrNotFound) {
		t.Errorf("Update missing = %v, want ErrNotFound", err)
	}
}

func TestGetByToken(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	inc := newIncident(t)
	if err := s.Create(ctx, inc); err != nil {
		t.Fatalf("Create: %v", err)
	}

	token := "it-token-" + inc.ID
	read, _, _ := s.Get(ctx, inc.ID)
	read.ApprovalToken = token
	if _, err := s.Update(ctx, read); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, ok, err := s.GetByToken(ctx, token)
	if err != nil {
		t.Fatalf("GetByToken: %v", err)
	}
	if !ok {
		t.Fatal("GetByToken returned ok=false")
	}
	assertEqual(t, "ID", inc.ID, got.ID)

	// Clearing the token makes it unresolvable.
	got.ApprovalToken = ""
	if _, err := s.Update(ctx, got); err != nil {
		t.Fatalf("Update clear token: %v", err)
	}
	_, ok, err = s.GetByToken(ctx, token)
	if err != nil {
		t.Fatalf("GetByToken after clear: %v", err)
	}
	if ok {
		t.Error("GetByToken found record after token was cleared")
	}
}

func TestExpiredApprovals(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond).UTC()

	expired := newIncident(t)
	expired.Status = incident.StateAwaitingApproval
	past := now.Add(-time.Minute)
	expired.ApprovalExpiresAt = &past
	if err := s.Create(ctx, expired); err != nil {
		t.Fatalf("Create expired: %v", err)
	}

	pending := newIncident(t)
	pending.Status = incident.StateAwaitingApproval
	future := now.Add(time.Hour)
	pending.ApprovalExpiresAt = &future
	if err := s.Create(ctx, pending); err != nil {
		t.Fatalf("Create pending: %v", err)
	}

	got, err := s.ExpiredApprovals(ctx, now)
	if err != nil {
		t.Fatalf("ExpiredApprovals: %v", err)
	}

	found := map[string]bool{}
	for _, inc := range got {
		found[inc.ID] = true
		if len(inc.AuditTrail) == 0 {
			t.Errorf("expired incident %s returned without audit trail", inc.ID)
		}
	}
	if !found[expired.ID] {
		t.Errorf("ExpiredApprovals missing %s", expired.ID)
	}
	if found[pending.ID] {
		t.Errorf("ExpiredApprovals included not-yet-expired %s", pending.ID)
	}
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("%s: got %v, want %v", field, got, want)
	}
}
