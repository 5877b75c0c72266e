package incidentapi

import (
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/warden/internal/approval"
	"github.com/linnemanlabs/warden/internal/incident"
)

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("warden.incident.id", id))

	inc, err := a.svc.Get(r.Context(), id)
	if errors.Is(err, incident.ErrNotFound) {
		errorJSON(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get incident", "id", id)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}

	span.SetAttributes(attribute.String("warden.incident.status", string(inc.Status)))
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("warden.incident.id", id))

	trail, err := a.svc.Audit(r.Context(), id)
	if errors.Is(err, incident.ErrNotFound) {
		errorJSON(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get audit trail", "id", id)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"incident_id": id,
		"audit_trail": trail,
	})
}

func (a *API) handleCancelIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("warden.incident.id", id))

	inc, err := a.svc.Cancel(r.Context(), id)
	if errors.Is(err, incident.ErrNotFound) {
		errorJSON(w, http.StatusNotFound, "not found")
		return
	}
	if errors.Is(err, approval.ErrNotAwaitingApproval) {
		errorJSON(w, http.StatusConflict, "incident not awaiting approval")
		return
	}
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to cancel incident", "id", id)
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}

	span.SetAttributes(attribute.String("warden.incident.status", string(inc.Status)))
	writeJSON(w, http.StatusOK, inc)
}
