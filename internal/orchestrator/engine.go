// Package orchestrator drives incidents through the processing pipeline. The
// engine resolves the next stage from the incident's persisted state, invokes
// it through the retry-aware invoker, records every transition on the audit
// trail, and routes triaged incidents either to automatic remediation or to
// the approval gate. Because the next step is always derived from stored
// state, a pipeline interrupted anywhere resumes from its last recorded
// transition.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/warden/internal/approval"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/postgres"
	"github.com/linnemanlabs/warden/internal/stage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/orchestrator")

// casAttempts bounds the re-read loop when a persisted write loses a version
// race. Mutations re-run against the fresh copy, so a hop that is no longer
// legal after the re-read fails validation instead of clobbering the record.
const casAttempts = 5

// EngineHooks are optional observability callbacks. Nil fields are skipped.
type EngineHooks struct {
	OnIngest        func(result string)
	OnTransition    func(from, to incident.State)
	OnStageAttempt  func(stage, outcome string)
	OnStageDuration func(stage string, d time.Duration)
	OnPipelineStart func()
	OnPipelineEnd   func(status incident.State)
}

// Engine executes incident pipelines. One engine serves every incident;
// per-incident state lives in the store, never on the engine.
type Engine struct {
	store    incident.Store
	registry *stage.Registry
	invoker  *stage.Invoker
	gate     *approval.Gate
	policy   RoutePolicy
	logger   log.Logger
	hooks    EngineHooks
}

// NewEngine builds the engine and registers it as the gate's resumer, so an
// approved incident re-enters Run in REMEDIATING. policy defaults to
// DefaultPolicy and logger to a no-op when nil.
func NewEngine(store incident.Store, registry *stage.Registry, invoker *stage.Invoker, gate *approval.Gate, policy RoutePolicy, logger log.Logger, hooks EngineHooks) *Engine {
	if store == nil {
		panic(xerrors.New("incident store is required"))
	}
	if registry == nil {
		panic(xerrors.New("stage registry is required"))
	}
	if invoker == nil {
		panic(xerrors.New("stage invoker is required"))
	}
	if gate == nil {
		panic(xerrors.New("approval gate is required"))
	}
	if policy == nil {
		policy = DefaultPolicy
	}
	if logger == nil {
		logger = log.Nop()
	}
	e := &Engine{
		store:    store,
		registry: registry,
		invoker:  invoker,
		gate:     gate,
		policy:   policy,
		logger:   logger,
		hooks:    hooks,
	}
	gate.SetResumer(e.Run)
	return e
}

// Run drives the incident from its current persisted state until it reaches
// a terminal state or suspends for approval. Both entry points share it: a
// fresh incident enters in ENRICHING, an approved one re-enters in
// REMEDIATING.
func (e *Engine) Run(ctx context.Context, id string) {
	ctx = postgres.NewStatsContext(ctx)
	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("warden.incident.id", id),
	))
	defer span.End()

	if e.hooks.OnPipelineStart != nil {
		e.hooks.OnPipelineStart()
	}
	start := time.Now()
	L := e.logger.With("incident_id", id)

	cur, ok, err := e.store.Get(ctx, id)
	if err == nil && !ok {
		err = incident.ErrNotFound
	}
	if err != nil {
		L.Error(ctx, err, "pipeline aborted: incident not loadable")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if e.hooks.OnPipelineEnd != nil {
			e.hooks.OnPipelineEnd(incident.State("UNKNOWN"))
		}
		return
	}

	L.Info(ctx, "pipeline started", "alert_id", cur.AlertID, "status", string(cur.Status))

	for err == nil && !cur.Status.Terminal() && cur.Status != incident.StateAwaitingApproval {
		switch cur.Status {
		case incident.StateEnriching:
			cur, err = e.executeStage(ctx, cur, stage.Enrich, incident.StateTriaging)
		case incident.StateTriaging:
			cur, err = e.executeStage(ctx, cur, stage.Triage, incident.StateTriaged)
		case incident.StateTriaged:
			cur, err = e.route(ctx, cur)
		case incident.StateAutoRemediating, incident.StateRemediating:
			cur, err = e.executeStage(ctx, cur, stage.Remediate, incident.StateCompleted)
		default:
			cur, err = e.fail(ctx, cur, fmt.Sprintf("no pipeline step for state %s", cur.Status))
		}
	}

	status := cur.Status
	span.SetAttributes(attribute.String("warden.incident.status", string(status)))

	kv := []any{
		"status", string(status),
		"duration_s", time.Since(start).Seconds(),
		"audit_entries", len(cur.AuditTrail),
	}
	if s, ok := postgres.StatsFromContext(ctx); ok {
		queries, total, dbErrs := s.Snapshot()
		kv = append(kv, "db_queries", queries, "db_time_s", total.Seconds(), "db_errors", dbErrs)
	}

	switch {
	case err != nil:
		// Persistence gave out mid-pipeline. The record keeps its last
		// stored state; a later Run resumes from there.
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Error(ctx, err, "pipeline halted before a terminal state", kv...)
	case status == incident.StateAwaitingApproval:
		L.Info(ctx, "pipeline suspended for approval", kv...)
	default:
		L.Info(ctx, "pipeline finished", kv...)
	}

	if e.hooks.OnPipelineEnd != nil {
		e.hooks.OnPipelineEnd(status)
	}
}

// executeStage runs one logical stage invocation and persists its outcome:
// the success transition to next, a FAILED transition on permanent failure
// or retry exhaustion, and a self-loop entry for every failed attempt that
// gets a retry. The returned error is reserved for persistence failures.
func (e *Engine) executeStage(ctx context.Context, cur *incident.Incident, name string, next incident.State) (*incident.Incident, error) {
	handler, ok := e.registry.Get(name)
	if !ok {
		return e.fail(ctx, cur, fmt.Sprintf("no handler registered for stage %s", name))
	}

	ctx, span := tracer.Start(ctx, "stage.execute", trace.WithAttributes(
		attribute.String("warden.stage.name", name),
		attribute.String("warden.incident.id", cur.ID),
	))
	defer span.End()

	L := e.logger.With("incident_id", cur.ID, "stage", name)

	// The key is derived from the trail length at entry: retries of this
	// invocation share it, a later re-invocation of the same stage gets a
	// fresh one.
	req := stage.Request{
		Incident:       cur.Clone(),
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", cur.ID, name, len(cur.AuditTrail)),
	}

	attempts := 0
	obs := func(attempt int, res stage.Result, attemptErr error, final bool) {
		attempts = attempt
		if e.hooks.OnStageAttempt != nil {
			e.hooks.OnStageAttempt(name, attemptLabel(res.Outcome))
		}
		if attemptErr == nil || final {
			return
		}

		// A retry is coming; put this attempt on the trail now so the
		// audit history shows every attempt, not just the last outcome.
		L.Warn(ctx, "stage attempt failed, retrying",
			"attempt", attempt,
			"max_attempts", e.invoker.MaxAttempts(),
			"error", attemptErr.Error(),
		)
		detail := fmt.Sprintf("%s attempt %d/%d failed: %s", name, attempt, e.invoker.MaxAttempts(), res.Message)
		updated, uerr := e.apply(ctx, cur, func(in *incident.Incident) error {
			return in.Transition(in.Status, incident.ActorInvoker, detail)
		})
		if uerr != nil {
			L.Error(ctx, uerr, "recording retry attempt failed", "attempt", attempt)
			return
		}
		cur = updated
	}

	invokeStart := time.Now()
	res, err := e.invoker.Invoke(ctx, handler, req, obs)
	if e.hooks.OnStageDuration != nil {
		e.hooks.OnStageDuration(name, time.Since(invokeStart))
	}
	span.SetAttributes(
		attribute.String("warden.stage.outcome", string(res.Outcome)),
		attribute.Int("warden.stage.attempts", attempts),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		detail := fmt.Sprintf("%s failed permanently: %s", name, res.Message)
		if res.Outcome == stage.OutcomeTransient {
			detail = fmt.Sprintf("%s failed after %d attempts: %s", name, attempts, res.Message)
		}
		return e.fail(ctx, cur, detail)
	}
	if res.Incident == nil {
		detail := fmt.Sprintf("%s returned no incident snapshot", name)
		span.SetStatus(codes.Error, detail)
		return e.fail(ctx, cur, detail)
	}

	L.Info(ctx, "stage completed", "attempts", attempts, "message", res.Message)

	return e.apply(ctx, cur, func(in *incident.Incident) error {
		in.Enrichment = res.Incident.Enrichment
		in.Severity = res.Incident.Severity
		in.Score = res.Incident.Score
		in.Remediation = res.Incident.Remediation
		return in.Transition(next, incident.ActorOrchestrator, res.Message)
	})
}

// route applies the severity policy to a triaged incident. The gated path
// hands the record to the approval gate, which owns the AWAITING_APPROVAL
// write; the engine re-reads and lets the loop observe the suspension.
func (e *Engine) route(ctx context.Context, cur *incident.Incident) (*incident.Incident, error) {
	if e.policy(cur.Severity) == incident.StateAwaitingApproval {
		if _, err := e.gate.Request(ctx, cur); err != nil {
			return cur, fmt.Errorf("approval request: %w", err)
		}
		fresh, ok, err := e.store.Get(ctx, cur.ID)
		if err != nil {
			return cur, err
		}
		if !ok {
			return cur, incident.ErrNotFound
		}
		return fresh, nil
	}

	detail := fmt.Sprintf("routing: severity %s auto-remediates", cur.Severity)
	return e.apply(ctx, cur, func(in *incident.Incident) error {
		return in.Transition(incident.StateAutoRemediating, incident.ActorOrchestrator, detail)
	})
}

// fail records a FAILED transition carrying the failure detail.
func (e *Engine) fail(ctx context.Context, cur *incident.Incident, detail string) (*incident.Incident, error) {
	e.logger.Warn(ctx, "incident failed", "incident_id", cur.ID, "detail", detail)
	return e.apply(ctx, cur, func(in *incident.Incident) error {
		return in.Transition(incident.StateFailed, incident.ActorOrchestrator, detail)
	})
}

// apply runs mutate against a copy of cur and persists it, re-reading and
// re-running the mutation when a concurrent writer bumped the version first.
func (e *Engine) apply(ctx context.Context, cur *incident.Incident, mutate func(*incident.Incident) error) (*incident.Incident, error) {
	for attempt := 0; ; attempt++ {
		in := cur.Clone()
		if err := mutate(in); err != nil {
			return cur, err
		}

		stored, err := e.store.Update(ctx, in)
		if err == nil {
			e.recordTransition(ctx, stored)
			return stored, nil
		}
		if !errors.Is(err, incident.ErrVersionConflict) || attempt >= casAttempts {
			return cur, err
		}

		fresh, ok, gerr := e.store.Get(ctx, cur.ID)
		if gerr != nil {
			return cur, gerr
		}
		if !ok {
			return cur, incident.ErrNotFound
		}
		cur = fresh
	}
}

func (e *Engine) recordTransition(ctx context.Context, inc *incident.Incident) {
	last := inc.AuditTrail[len(inc.AuditTrail)-1]
	e.logger.Info(ctx, "incident transition",
		"incident_id", inc.ID,
		"from", string(last.From),
		"to", string(last.To),
		"actor", last.Actor,
		"detail", last.Detail,
	)
	if e.hooks.OnTransition != nil {
		e.hooks.OnTransition(last.From, last.To)
	}
}

// attemptLabel maps a stage outcome to its metrics label.
func attemptLabel(o stage.Outcome) string {
	switch o {
	case stage.OutcomeSuccess:
		return "success"
	case stage.OutcomeTransient:
		return "transient"
	default:
		return "permanent"
	}
}
