// Package pgstore provides a PostgreSQL implementation of incident.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/warden/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// uniqueViolation is the Postgres error code for unique-constraint breaks.
const uniqueViolation = "23505"

// Store persists incident records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store. The pool comes from
// postgres.NewPool so queries carry tracing and logging.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const incidentColumns = `id, alert_id, raw_alert, enrichment, severity, score, status,
	approval_token, approval_expires_at, decision, remediation, version, created_at, updated_at`

// Create inserts a new incident row plus its initial audit entries.
func (s *Store) Create(ctx context.Context, inc *incident.Incident) error {
	ctx, span := tracer.Start(ctx, "pgstore.Create", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := s.insertIncident(ctx, tx, inc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := s.insertAuditEntries(ctx, tx, inc.ID, inc.AuditTrail); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get retrieves an incident by ID, including its audit trail.
func (s *Store) Get(ctx context.Context, id string) (*incident.Incident, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	return s.getOne(ctx, span, query, id)
}

// GetByAlertID retrieves the incident created for an alert ID, for ingest
// deduplication.
func (s *Store) GetByAlertID(ctx context.Context, alertID string) (*incident.Incident, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetByAlertID", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE alert_id = $1`
	return s.getOne(ctx, span, query, alertID)
}

// GetByToken retrieves the incident bound to an outstanding approval token.
func (s *Store) GetByToken(ctx context.Context, token string) (*incident.Incident, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetByToken", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE approval_token = $1`
	return s.getOne(ctx, span, query, token)
}

// Update applies inc if the stored version still matches inc.Version,
// persists it with the version incremented, appends any new audit entries,
// and returns the stored result.
func (s *Store) Update(ctx context.Context, inc *incident.Incident) (*incident.Incident, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Update", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	updated, err := s.updateIncident(ctx, tx, inc)
	if err != nil {
		// CAS misses and terminal-write rejections are expected outcomes,
		// not span errors.
		if !errors.Is(err, incident.ErrVersionConflict) && !errors.Is(err, incident.ErrTerminal) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("commit: %w", err)
	}
	return updated, nil
}

// ExpiredApprovals returns every record still awaiting approval whose expiry
// is at or before now.
func (s *Store) ExpiredApprovals(ctx context.Context, now time.Time) ([]*incident.Incident, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ExpiredApprovals", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents
		WHERE status = $1 AND approval_expires_at IS NOT NULL AND approval_expires_at <= $2`
	rows, err := s.pool.Query(ctx, query, string(incident.StateAwaitingApproval), now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query expired approvals: %w", err)
	}
	defer rows.Close()

	var out []*incident.Incident
	for rows.Next() {
		inc, err := scanIncidentRow(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate expired approvals: %w", err)
	}

	for _, inc := range out {
		if err := s.loadAuditTrail(ctx, inc); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) getOne(ctx context.Context, span trace.Span, query string, arg any) (*incident.Incident, bool, error) {
	inc, err := scanIncidentRow(s.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}

	if err := s.loadAuditTrail(ctx, inc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	return inc, true, nil
}

func (s *Store) insertIncident(ctx context.Context, tx pgx.Tx, inc *incident.Incident) error {
	enrichment, remediation, err := marshalJSONFields(inc)
	if err != nil {
		return err
	}

	query := `INSERT INTO incidents (
		id, alert_id, raw_alert, enrichment, severity, score, status,
		approval_token, approval_expires_at, decision, remediation, version, created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

	_, err = tx.Exec(ctx, query,
		inc.ID, inc.AlertID, string(inc.RawAlert), enrichment, string(inc.Severity), inc.Score,
		string(inc.Status), nullableString(inc.ApprovalToken), inc.ApprovalExpiresAt,
		string(inc.Decision), remediation, inc.Version, inc.CreatedAt, inc.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return incident.ErrDuplicateAlert
		}
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

func (s *Store) updateIncident(ctx context.Context, tx pgx.Tx, inc *incident.Incident) (*incident.Incident, error) {
	var (
		curStatus  string
		curVersion int64
	)
	err := tx.QueryRow(ctx,
		`SELECT status, version FROM incidents WHERE id = $1 FOR UPDATE`, inc.ID,
	).Scan(&curStatus, &curVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, incident.ErrNotFound
		}
		return nil, fmt.Errorf("lock incident: %w", err)
	}
	if incident.State(curStatus).Terminal() {
		return nil, incident.ErrTerminal
	}
	if curVersion != inc.Version {
		return nil, incident.ErrVersionConflict
	}

	enrichment, remediation, err := marshalJSONFields(inc)
	if err != nil {
		return nil, err
	}

	query := `UPDATE incidents SET
		enrichment          = $2,
		severity            = $3,
		score               = $4,
		status              = $5,
		approval_token      = $6,
		approval_expires_at = $7,
		decision            = $8,
		remediation         = $9,
		version             = $10,
		updated_at          = $11
	WHERE id = $1`

	updated := inc.Clone()
	updated.Version = curVersion + 1

	_, err = tx.Exec(ctx, query,
		inc.ID, enrichment, string(inc.Severity), inc.Score, string(inc.Status),
		nullableString(inc.ApprovalToken), inc.ApprovalExpiresAt, string(inc.Decision),
		remediation, updated.Version, inc.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update incident: %w", err)
	}

	// Persist only the audit entries past the last stored seq.
	var lastSeq int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM audit_entries WHERE incident_id = $1`, inc.ID,
	).Scan(&lastSeq); err != nil {
		return nil, fmt.Errorf("last audit seq: %w", err)
	}
	var fresh []incident.AuditEntry
	for _, e := range inc.AuditTrail {
		if e.Seq > lastSeq {
			fresh = append(fresh, e)
		}
	}
	if err := s.insertAuditEntries(ctx, tx, inc.ID, fresh); err != nil {
		return nil, err
	}

	return updated, nil
}

func (s *Store) insertAuditEntries(ctx context.Context, tx pgx.Tx, incidentID string, entries []incident.AuditEntry) error {
	for _, e := range entries {
		_, err := tx.Exec(ctx,
			`INSERT INTO audit_entries (incident_id, seq, ts, from_state, to_state, actor, detail)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			incidentID, e.Seq, e.Timestamp, string(e.From), string(e.To), e.Actor, e.Detail,
		)
		if err != nil {
			return fmt.Errorf("insert audit entry seq %d: %w", e.Seq, err)
		}
	}
	return nil
}

// loadAuditTrail reads the audit entries onto an incident, ordered by seq.
func (s *Store) loadAuditTrail(ctx context.Context, inc *incident.Incident) error {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, ts, from_state, to_state, actor, detail
		 FROM audit_entries WHERE incident_id = $1 ORDER BY seq`,
		inc.ID,
	)
	if err != nil {
		return fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var trail []incident.AuditEntry
	for rows.Next() {
		var (
			e        incident.AuditEntry
			from, to string
		)
		if err := rows.Scan(&e.Seq, &e.Timestamp, &from, &to, &e.Actor, &e.Detail); err != nil {
			return fmt.Errorf("scan audit entry: %w", err)
		}
		e.From = incident.State(from)
		e.To = incident.State(to)
		trail = append(trail, e)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate audit entries: %w", err)
	}

	inc.AuditTrail = trail
	return nil
}

// scanIncidentRow scans a single row into an Incident (without the audit
// trail). Callers translate pgx.ErrNoRows themselves.
func scanIncidentRow(row pgx.Row) (*incident.Incident, error) {
	var (
		inc         incident.Incident
		rawAlert    string
		enrichment  []byte
		severity    string
		status      string
		token       *string
		decision    string
		remediation []byte
	)

	err := row.Scan(
		&inc.ID, &inc.AlertID, &rawAlert, &enrichment, &severity, &inc.Score, &status,
		&token, &inc.ApprovalExpiresAt, &decision, &remediation, &inc.Version,
		&inc.CreatedAt, &inc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	inc.RawAlert = []byte(rawAlert)
	inc.Severity = incident.Severity(severity)
	inc.Status = incident.State(status)
	inc.Decision = incident.Decision(decision)
	if token != nil {
		inc.ApprovalToken = *token
	}
	if enrichment != nil {
		if err := json.Unmarshal(enrichment, &inc.Enrichment); err != nil {
			return nil, fmt.Errorf("unmarshal enrichment: %w", err)
		}
	}
	if remediation != nil {
		if err := json.Unmarshal(remediation, &inc.Remediation); err != nil {
			return nil, fmt.Errorf("unmarshal remediation: %w", err)
		}
	}
	return &inc, nil
}

func marshalJSONFields(inc *incident.Incident) (enrichment, remediation []byte, err error) {
	if inc.Enrichment != nil {
		enrichment, err = json.Marshal(inc.Enrichment)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal enrichment: %w", err)
		}
	}
	if inc.Remediation != nil {
		remediation, err = json.Marshal(inc.Remediation)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal remediation: %w", err)
		}
	}
	return enrichment, remediation, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
