// Package incidentapi exposes the incident lifecycle over HTTP: alert
// ingestion, incident reads, approval decisions, and cancellation.
package incidentapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/orchestrator"
)

// IncidentService defines the business operations incidentapi needs.
type IncidentService interface {
	Ingest(ctx context.Context, payload []byte) (*orchestrator.IngestResult, error)
	Get(ctx context.Context, id string) (*incident.Incident, error)
	Audit(ctx context.Context, id string) ([]incident.AuditEntry, error)
	Cancel(ctx context.Context, id string) (*incident.Incident, error)
	Resolve(ctx context.Context, token string, decision incident.Decision) (*incident.Incident, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    IncidentService
}

// New creates a new API handler.
func New(logger log.Logger, svc IncidentService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("incident service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/alerts", a.handleIngestAlert)
		r.Get("/incidents/{id}", a.handleGetIncident)
		r.Get("/incidents/{id}/audit", a.handleGetAudit)
		r.Post("/incidents/{id}/cancel", a.handleCancelIncident)
		r.Post("/approvals/{token}", a.handleResolveApproval)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorJSON(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
