package incidentapi

import (
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/alert"
)

// maxAlertBytes caps the webhook body. Real alerts are a few KB; anything
// larger is a misdirected payload.
const maxAlertBytes = 1 << 20

func (a *API) handleIngestAlert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAlertBytes))
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "unreadable payload")
		return
	}

	res, err := a.svc.Ingest(r.Context(), body)
	if err != nil {
		if alert.IsValidation(err) {
			errorJSON(w, http.StatusBadRequest, err.Error())
			return
		}
		a.logger.Error(r.Context(), err, "alert ingestion failed")
		errorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("warden.incident.id", res.ID),
		attribute.Bool("warden.ingest.duplicate", res.Duplicate),
	)

	// A duplicate returns the existing incident rather than starting a
	// second pipeline.
	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}
