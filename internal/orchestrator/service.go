package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/approval"
	"github.com/linnemanlabs/warden/internal/incident"
)

// Service is the front door for incident work: it validates and deduplicates
// inbound alerts, creates the incident record, and kicks off the pipeline.
// Reads and approval operations pass through to the store and gate.
type Service struct {
	store  incident.Store
	engine *Engine
	gate   *approval.Gate
	logger log.Logger
}

// IngestResult reports what ingestion did with an alert.
type IngestResult struct {
	ID        string `json:"incident_id"`
	Duplicate bool   `json:"duplicate"`
}

// NewService creates the orchestration service.
func NewService(store incident.Store, engine *Engine, gate *approval.Gate, logger log.Logger) *Service {
	if store == nil {
		panic(xerrors.New("incident store is required"))
	}
	if engine == nil {
		panic(xerrors.New("engine is required"))
	}
	if gate == nil {
		panic(xerrors.New("approval gate is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{store: store, engine: engine, gate: gate, logger: logger}
}

// Ingest validates the alert payload, creates the incident record, and
// starts the pipeline in the background. A malformed payload returns a
// validation error and leaves no record behind. An alert already seen
// returns the existing incident with Duplicate set; the running pipeline is
// not disturbed.
func (s *Service) Ingest(ctx context.Context, payload []byte) (*IngestResult, error) {
	a, err := alert.Parse(payload)
	if err != nil {
		s.engine.ingestResult("invalid")
		s.logger.Warn(ctx, "alert rejected", "error", err.Error())
		return nil, err
	}

	if existing, ok, err := s.store.GetByAlertID(ctx, a.AlertID); err != nil {
		return nil, err
	} else if ok {
		s.engine.ingestResult("duplicate")
		s.logger.Info(ctx, "duplicate alert", "alert_id", a.AlertID, "incident_id", existing.ID)
		return &IngestResult{ID: existing.ID, Duplicate: true}, nil
	}

	now := time.Now().UTC()
	inc := &incident.Incident{
		ID:        ulid.Make().String(),
		AlertID:   a.AlertID,
		RawAlert:  append(json.RawMessage(nil), payload...),
		Status:    incident.StateNew,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := inc.Transition(incident.StateEnriching, incident.ActorIngest, "incident created"); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, inc); err != nil {
		if errors.Is(err, incident.ErrDuplicateAlert) {
			// Lost the race with a concurrent ingest of the same alert.
			if existing, ok, gerr := s.store.GetByAlertID(ctx, a.AlertID); gerr == nil && ok {
				s.engine.ingestResult("duplicate")
				return &IngestResult{ID: existing.ID, Duplicate: true}, nil
			}
		}
		return nil, err
	}

	s.engine.ingestResult("accepted")
	s.engine.recordTransition(ctx, inc)
	s.logger.Info(ctx, "incident accepted", "incident_id", inc.ID, "alert_id", inc.AlertID)

	// The pipeline outlives the ingest request.
	go s.engine.Run(context.WithoutCancel(ctx), inc.ID)

	return &IngestResult{ID: inc.ID}, nil
}

// Get returns the incident by ID.
func (s *Service) Get(ctx context.Context, id string) (*incident.Incident, error) {
	inc, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, incident.ErrNotFound
	}
	return inc, nil
}

// Audit returns the incident's audit trail.
func (s *Service) Audit(ctx context.Context, id string) ([]incident.AuditEntry, error) {
	inc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return inc.AuditTrail, nil
}

// Cancel withdraws an incident waiting for approval.
func (s *Service) Cancel(ctx context.Context, id string) (*incident.Incident, error) {
	return s.gate.Cancel(ctx, id)
}

// Resolve applies a reviewer decision to the incident bound to token.
func (s *Service) Resolve(ctx context.Context, token string, decision incident.Decision) (*incident.Incident, error) {
	return s.gate.Resolve(ctx, token, decision)
}

// ingestResult feeds the ingest-outcome hook, shared with the service.
func (e *Engine) ingestResult(result string) {
	if e.hooks.OnIngest != nil {
		e.hooks.OnIngest(result)
	}
}
