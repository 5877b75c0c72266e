package incidentapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/warden/internal/approval"
	"github.com/linnemanlabs/warden/internal/incident"
)

type decisionRequest struct {
	Decision string `json:"decision"`
}

// handleResolveApproval applies a reviewer decision. The token authenticates
// the caller, so it never lands in span attributes or logs.
func (a *API) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid payload")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("warden.approval.decision", req.Decision))

	inc, err := a.svc.Resolve(r.Context(), token, incident.Decision(req.Decision))
	switch {
	case errors.Is(err, approval.ErrInvalidDecision):
		errorJSON(w, http.StatusBadRequest, "decision must be APPROVED or REJECTED")
		return
	case errors.Is(err, approval.ErrTokenInvalid):
		errorJSON(w, http.StatusNotFound, "token invalid")
		return
	case errors.Is(err, approval.ErrTokenUsed):
		errorJSON(w, http.StatusConflict, "token already used")
		return
	case errors.Is(err, approval.ErrNotAwaitingApproval):
		errorJSON(w, http.StatusConflict, "incident not awaiting approval")
		return
	case err != nil:
		a.logger.Error(r.Context(), err, "failed to resolve approval")
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}

	span.SetAttributes(attribute.String("warden.incident.status", string(inc.Status)))
	writeJSON(w, http.StatusOK, inc)
}
