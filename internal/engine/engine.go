package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"workgate/internal/config"
	"workgate/internal/domain"
	"workgate/internal/events"
	"workgate/internal/gates"
	"workgate/internal/metrics"
	"workgate/internal/pipeline"
	"workgate/internal/repo"
	"workgate/internal/rules"
	"workgate/internal/statemachine"
)

// Outcome classifies a transition attempt. Every attempt maps to exactly one.
type Outcome string

const (
	OutcomeOK                 Outcome = "OK"
	OutcomeRejectedValidation Outcome = "REJECTED_VALIDATION"
	OutcomeIllegalTransition  Outcome = "ILLEGAL_TRANSITION"
	OutcomeNotFound           Outcome = "NOT_FOUND"
	OutcomeInternal           Outcome = "INTERNAL"
)

// maxCommitAttempts bounds retries when the compare-and-swap loses to a
// concurrent transition on the same entity.
const maxCommitAttempts = 3

// Result is the full answer to a transition request. Validation carries the
// pipeline findings; on OK it holds only advisory warnings.
type Result struct {
	Outcome    Outcome                 `json:"outcome" enum:"OK,REJECTED_VALIDATION,ILLEGAL_TRANSITION,NOT_FOUND,INTERNAL"`
	Entity     domain.Entity           `json:"entity,omitempty"`
	Validation domain.ValidationResult `json:"validation"`
	Message    string                  `json:"message,omitempty"`
	// AuditDegraded means the state change committed but its audit event could
	// not be enqueued before the publish timeout.
	AuditDegraded bool `json:"audit_degraded,omitempty"`
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Bus      *events.Bus
	Config   *config.Config
	Rules    *rules.Engine
	Pipeline *pipeline.Pipeline
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, bus *events.Bus, logger *slog.Logger) Engine {
	if logger == nil {
		logger = slog.Default()
	}
	r := repo.Repo{DB: db}
	ruleEngine := rules.New(r, cfg.RuleCacheTTL())
	pipe := pipeline.New(pipeline.NewDependencyValidator(r), ruleEngine, gates.New(r))
	pipe.GateAdvisory = cfg.Engine.GateEnforcement == "advisory"
	return Engine{
		DB:       db,
		Repo:     r,
		Bus:      bus,
		Config:   cfg,
		Rules:    ruleEngine,
		Pipeline: pipe,
		Logger:   logger,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Transition validates and commits a status or phase change. Expected
// failures are reported through Result.Outcome; the error return is reserved
// for malformed requests and infrastructure faults.
func (e Engine) Transition(ctx context.Context, req domain.TransitionRequest) (Result, error) {
	return e.transition(ctx, req, false)
}

// ValidateOnly runs the full pipeline against current state without
// committing anything and without emitting events.
func (e Engine) ValidateOnly(ctx context.Context, req domain.TransitionRequest) (Result, error) {
	return e.transition(ctx, req, true)
}

func (e Engine) transition(ctx context.Context, req domain.TransitionRequest, dryRun bool) (Result, error) {
	if (req.TargetStatus == nil) == (req.TargetPhase == nil) {
		return Result{}, errors.New("exactly one of target_status or target_phase must be set")
	}
	if req.EntityID == "" {
		return Result{}, errors.New("entity_id is required")
	}

	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		entity, err := e.Repo.GetEntity(ctx, req.EntityID)
		if errors.Is(err, repo.ErrNotFound) {
			return e.finish("unknown", dryRun, Result{
				Outcome: OutcomeNotFound,
				Message: fmt.Sprintf("entity %s not found", req.EntityID),
			}), nil
		}
		if err != nil {
			return e.internal(entity, dryRun, fmt.Errorf("load entity %s: %w", req.EntityID, err))
		}
		children, err := e.Repo.ListChildren(ctx, entity.ID)
		if err != nil {
			return e.internal(entity, dryRun, fmt.Errorf("list children of %s: %w", entity.ID, err))
		}

		res, err := e.Pipeline.Run(ctx, entity, children, req)
		var illegal *statemachine.IllegalTransitionError
		if errors.As(err, &illegal) {
			result := Result{Outcome: OutcomeIllegalTransition, Entity: entity, Message: illegal.Error()}
			if !dryRun {
				result.AuditDegraded = e.auditRejected(entity, req, illegal.Error(), nil)
			}
			return e.finish(string(entity.Type), dryRun, result), nil
		}
		if err != nil {
			return e.internal(entity, dryRun, err)
		}
		if !res.Valid {
			result := Result{Outcome: OutcomeRejectedValidation, Entity: entity, Validation: res}
			if !dryRun {
				result.AuditDegraded = e.auditRejected(entity, req, "", res.Blocking())
			}
			return e.finish(string(entity.Type), dryRun, result), nil
		}
		if dryRun {
			return Result{Outcome: OutcomeOK, Entity: entity, Validation: res}, nil
		}

		now := e.now().UTC().Format(time.RFC3339)
		updated := entity
		if req.TargetStatus != nil {
			updated.Status = *req.TargetStatus
			if updated.Status == domain.StatusDone {
				updated.CompletedAt = &now
			}
		}
		if req.TargetPhase != nil {
			p := *req.TargetPhase
			updated.Phase = &p
		}
		updated.UpdatedAt = now

		err = e.commitState(ctx, updated, entity.Status, entity.Phase)
		if errors.Is(err, repo.ErrStale) {
			// lost the CAS to a concurrent transition, re-validate from fresh state
			continue
		}
		if err != nil {
			return e.internal(entity, dryRun, fmt.Errorf("commit transition for %s: %w", entity.ID, err))
		}

		result := Result{Outcome: OutcomeOK, Entity: updated, Validation: res}
		eventType, err := transitionEventType(entity, req)
		if err != nil {
			e.Logger.Error("transition committed without audit mapping", "entity_id", entity.ID, "err", err)
			return e.finish(string(entity.Type), dryRun, result), nil
		}
		result.AuditDegraded = e.publish(events.Event{
			Type:       eventType,
			ProjectID:  entity.ProjectID,
			EntityKind: string(entity.Type),
			EntityID:   entity.ID,
			ActorID:    req.ActorID,
			SessionRef: req.SessionRef,
			TS:         now,
			Payload:    transitionPayload(entity, updated, req, res),
		})
		return e.finish(string(entity.Type), dryRun, result), nil
	}
	return e.finish("unknown", dryRun, Result{
		Outcome: OutcomeInternal,
		Message: fmt.Sprintf("entity %s kept changing concurrently, gave up after %d attempts", req.EntityID, maxCommitAttempts),
	}), nil
}

func (e Engine) commitState(ctx context.Context, updated domain.Entity, prevStatus domain.Status, prevPhase *domain.Phase) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateEntityState(ctx, tx, updated, prevStatus, prevPhase); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) finish(entityType string, dryRun bool, result Result) Result {
	if !dryRun {
		metrics.TransitionsTotal.WithLabelValues(entityType, string(result.Outcome)).Inc()
	}
	return result
}

func (e Engine) internal(entity domain.Entity, dryRun bool, err error) (Result, error) {
	entityType := "unknown"
	if entity.Type != "" {
		entityType = string(entity.Type)
	}
	e.Logger.Error("transition failed", "entity_id", entity.ID, "err", err)
	return e.finish(entityType, dryRun, Result{Outcome: OutcomeInternal, Entity: entity, Message: err.Error()}), err
}

// auditRejected records a blocked outcome when the project opted in.
func (e Engine) auditRejected(entity domain.Entity, req domain.TransitionRequest, reason string, blocking []domain.Violation) bool {
	if e.Config == nil || !e.Config.Engine.AuditRejected {
		return false
	}
	payload := events.EventPayload{"target": targetLabel(req)}
	if reason != "" {
		payload["reason"] = reason
	}
	if len(blocking) > 0 {
		payload["violations"] = blocking
	}
	return e.publish(events.Event{
		Type:       events.TypeTransitionRejected(entity.Type),
		ProjectID:  entity.ProjectID,
		EntityKind: string(entity.Type),
		EntityID:   entity.ID,
		ActorID:    req.ActorID,
		SessionRef: req.SessionRef,
		TS:         e.now().UTC().Format(time.RFC3339),
		Payload:    payload,
	})
}

// publish enqueues onto the audit bus. The state change has already
// committed, so enqueue failures degrade the audit trail but never the
// transition; the caller surfaces them as a warning.
func (e Engine) publish(ev events.Event) (degraded bool) {
	if e.Bus == nil {
		return false
	}
	err := e.Bus.Publish(ev)
	switch {
	case err == nil:
		return false
	case errors.Is(err, events.ErrAuditDegraded):
		return true
	case errors.Is(err, events.ErrBusClosed):
		e.Logger.Warn("audit event after bus shutdown", "type", ev.Type, "entity_id", ev.EntityID)
		return true
	default:
		e.Logger.Error("audit publish failed", "type", ev.Type, "entity_id", ev.EntityID, "err", err)
		return true
	}
}

func transitionEventType(before domain.Entity, req domain.TransitionRequest) (string, error) {
	if req.TargetStatus != nil {
		return events.TypeForStatus(before.Type, before.Status, *req.TargetStatus)
	}
	return events.TypeForPhase(before.Type, *req.TargetPhase)
}

func transitionPayload(before, after domain.Entity, req domain.TransitionRequest, res domain.ValidationResult) events.EventPayload {
	payload := events.EventPayload{}
	if req.TargetStatus != nil {
		payload["from_status"] = string(before.Status)
		payload["to_status"] = string(after.Status)
	}
	if req.TargetPhase != nil {
		payload["from_phase"] = phaseLabel(before.Phase)
		payload["to_phase"] = string(*req.TargetPhase)
	}
	if req.Reason != "" {
		payload["reason"] = req.Reason
	}
	if warnings := res.Warnings(); len(warnings) > 0 {
		payload["warnings"] = warnings
	}
	return payload
}

func targetLabel(req domain.TransitionRequest) string {
	if req.TargetStatus != nil {
		return "status:" + string(*req.TargetStatus)
	}
	return "phase:" + string(*req.TargetPhase)
}

func phaseLabel(p *domain.Phase) string {
	if p == nil {
		return ""
	}
	return string(*p)
}

// --- project and entity lifecycle ---

// ProjectCreateOptions are parameters for initializing a project entity.
type ProjectCreateOptions struct {
	ID          string
	Title       string
	Description string
	ActorID     string
	SessionRef  string
}

// InitProject creates the project entity, stores its config and seeds the
// phase gate table from it. Migrations must already have run.
func (e Engine) InitProject(ctx context.Context, opts ProjectCreateOptions) (domain.Entity, error) {
	if opts.ID == "" {
		return domain.Entity{}, errors.New("project id is required")
	}
	if opts.Title == "" {
		opts.Title = opts.ID
	}
	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Entity{
		ID:          opts.ID,
		ProjectID:   opts.ID,
		Type:        domain.EntityProject,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      domain.StatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	cfg := e.Config
	if cfg == nil || cfg.Project.ID != opts.ID {
		cfg = config.Default(opts.ID)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entity{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEntity(ctx, tx, p); err != nil {
		return domain.Entity{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, cfg); err != nil {
		return domain.Entity{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Repo.ReplacePhaseRequirements(ctx, tx, cfg.PhaseGates); err != nil {
		return domain.Entity{}, fmt.Errorf("seed phase gates: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Entity{}, err
	}
	e.publish(events.Event{
		Type:       events.TypeCreated(domain.EntityProject),
		ProjectID:  p.ID,
		EntityKind: string(domain.EntityProject),
		EntityID:   p.ID,
		ActorID:    opts.ActorID,
		SessionRef: opts.SessionRef,
		TS:         now,
		Payload:    events.EventPayload{"title": p.Title, "status": string(p.Status)},
	})
	return p, nil
}

// EntityCreateOptions are parameters for creating a work item or task.
type EntityCreateOptions struct {
	ID          string
	ProjectID   string
	ParentID    string
	Type        domain.EntityType
	Kind        string
	Title       string
	Description string
	Metadata    map[string]string
	DependsOn   []string
	ActorID     string
	SessionRef  string
}

// CreateEntity inserts a work item or task in draft status with its initial
// dependency edges. Projects are created through InitProject.
func (e Engine) CreateEntity(ctx context.Context, opts EntityCreateOptions) (domain.Entity, error) {
	switch opts.Type {
	case domain.EntityWorkItem, domain.EntityTask:
	case domain.EntityProject:
		return domain.Entity{}, errors.New("projects are created with project init")
	default:
		return domain.Entity{}, fmt.Errorf("unknown entity type %q", opts.Type)
	}
	if opts.Title == "" {
		return domain.Entity{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Entity{}, errors.New("project is required")
	}
	project, err := e.Repo.GetEntity(ctx, opts.ProjectID)
	if err != nil {
		return domain.Entity{}, fmt.Errorf("project %s: %w", opts.ProjectID, err)
	}
	if project.Type != domain.EntityProject {
		return domain.Entity{}, fmt.Errorf("%s is not a project", opts.ProjectID)
	}
	if opts.ParentID != "" {
		parent, err := e.Repo.GetEntity(ctx, opts.ParentID)
		if err != nil {
			return domain.Entity{}, fmt.Errorf("parent %s: %w", opts.ParentID, err)
		}
		if parent.ProjectID != opts.ProjectID {
			return domain.Entity{}, errors.New("parent in different project")
		}
		if err := e.ensureNoParentCycle(ctx, opts.ParentID, opts.ID); err != nil {
			return domain.Entity{}, err
		}
	}
	for _, dep := range opts.DependsOn {
		target, err := e.Repo.GetEntity(ctx, dep)
		if err != nil {
			return domain.Entity{}, fmt.Errorf("dependency %s: %w", dep, err)
		}
		if target.ProjectID != opts.ProjectID {
			return domain.Entity{}, fmt.Errorf("dependency %s not in project %s", dep, opts.ProjectID)
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.ProjectID+"|"+opts.Title+"|"+now)).String()
	}
	entity := domain.Entity{
		ID:          id,
		ProjectID:   opts.ProjectID,
		ParentID:    optionalString(opts.ParentID),
		Type:        opts.Type,
		Kind:        opts.Kind,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      domain.StatusDraft,
		Metadata:    opts.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entity{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEntity(ctx, tx, entity); err != nil {
		return domain.Entity{}, err
	}
	if len(opts.DependsOn) > 0 {
		if err := e.Repo.AddDependencies(ctx, tx, entity.ID, opts.DependsOn); err != nil {
			return domain.Entity{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Entity{}, err
	}
	entity.Dependencies = opts.DependsOn
	e.publish(events.Event{
		Type:       events.TypeCreated(entity.Type),
		ProjectID:  entity.ProjectID,
		EntityKind: string(entity.Type),
		EntityID:   entity.ID,
		ActorID:    opts.ActorID,
		SessionRef: opts.SessionRef,
		TS:         now,
		Payload:    events.EventPayload{"title": entity.Title, "status": string(entity.Status)},
	})
	return entity, nil
}

func (e Engine) ensureNoParentCycle(ctx context.Context, parentID, childID string) error {
	cur := parentID
	for cur != "" {
		ent, err := e.Repo.GetEntity(ctx, cur)
		if err != nil {
			return err
		}
		if ent.ParentID == nil {
			return nil
		}
		if *ent.ParentID == childID {
			return errors.New("entity hierarchy cycle detected")
		}
		cur = *ent.ParentID
	}
	return nil
}

// AddDependencies wires new hard predecessors, refusing edges that would
// close a cycle in the dependency graph.
func (e Engine) AddDependencies(ctx context.Context, entityID string, deps []string) (domain.Entity, error) {
	entity, err := e.Repo.GetEntity(ctx, entityID)
	if err != nil {
		return domain.Entity{}, err
	}
	for _, dep := range deps {
		target, err := e.Repo.GetEntity(ctx, dep)
		if err != nil {
			return domain.Entity{}, fmt.Errorf("dependency %s: %w", dep, err)
		}
		if target.ProjectID != entity.ProjectID {
			return domain.Entity{}, fmt.Errorf("dependency %s not in project %s", dep, entity.ProjectID)
		}
		if err := e.ensureNoDependencyCycle(ctx, entityID, dep); err != nil {
			return domain.Entity{}, err
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entity{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.AddDependencies(ctx, tx, entityID, deps); err != nil {
		return domain.Entity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Entity{}, err
	}
	return e.Repo.GetEntity(ctx, entityID)
}

func (e Engine) RemoveDependencies(ctx context.Context, entityID string, deps []string) (domain.Entity, error) {
	if _, err := e.Repo.GetEntity(ctx, entityID); err != nil {
		return domain.Entity{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entity{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.RemoveDependencies(ctx, tx, entityID, deps); err != nil {
		return domain.Entity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Entity{}, err
	}
	return e.Repo.GetEntity(ctx, entityID)
}

// ensureNoDependencyCycle walks the dependency graph from newDep looking for
// a path back to entityID.
func (e Engine) ensureNoDependencyCycle(ctx context.Context, entityID, newDep string) error {
	if newDep == entityID {
		return fmt.Errorf("entity %s cannot depend on itself", entityID)
	}
	seen := map[string]bool{}
	stack := []string{newDep}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		deps, err := e.Repo.ListDependencies(ctx, cur)
		if err != nil {
			return err
		}
		for _, dep := range deps {
			if dep == entityID {
				return fmt.Errorf("dependency cycle: %s already depends on %s", newDep, entityID)
			}
			stack = append(stack, dep)
		}
	}
	return nil
}

// OpenBlocker records an impediment against an entity. Moving the entity to
// blocked status is a separate, audited transition.
func (e Engine) OpenBlocker(ctx context.Context, entityID, summary string) (domain.Blocker, error) {
	if summary == "" {
		return domain.Blocker{}, errors.New("summary is required")
	}
	if _, err := e.Repo.GetEntity(ctx, entityID); err != nil {
		return domain.Blocker{}, err
	}
	b := domain.Blocker{
		ID:        uuid.New().String(),
		EntityID:  entityID,
		Summary:   summary,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Blocker{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertBlocker(ctx, tx, b); err != nil {
		return domain.Blocker{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Blocker{}, err
	}
	return b, nil
}

func (e Engine) ResolveBlocker(ctx context.Context, id string) (domain.Blocker, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Blocker{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.ResolveBlocker(ctx, tx, id, e.now().UTC().Format(time.RFC3339)); err != nil {
		return domain.Blocker{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Blocker{}, err
	}
	return e.Repo.GetBlocker(ctx, id)
}

// SetMetadata updates description and metadata keys; an empty value deletes
// the key.
func (e Engine) SetMetadata(ctx context.Context, entityID string, description *string, metadata map[string]string) (domain.Entity, error) {
	if err := e.Repo.UpdateEntityMetadata(ctx, entityID, description, metadata); err != nil {
		return domain.Entity{}, err
	}
	return e.Repo.GetEntity(ctx, entityID)
}

// --- rule administration ---

// PutRule creates or updates a rule and drops the project's cached rule set.
func (e Engine) PutRule(ctx context.Context, rule domain.Rule) (domain.Rule, error) {
	saved, err := e.Repo.UpsertRule(ctx, rule)
	if err != nil {
		return domain.Rule{}, err
	}
	e.Rules.Invalidate(saved.ProjectID)
	return saved, nil
}

func (e Engine) SetRuleEnabled(ctx context.Context, id string, enabled bool) (domain.Rule, error) {
	rule, err := e.Repo.GetRule(ctx, id)
	if err != nil {
		return domain.Rule{}, err
	}
	if err := e.Repo.SetRuleEnabled(ctx, id, enabled); err != nil {
		return domain.Rule{}, err
	}
	e.Rules.Invalidate(rule.ProjectID)
	return e.Repo.GetRule(ctx, id)
}

func (e Engine) DeleteRule(ctx context.Context, id string) error {
	rule, err := e.Repo.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteRule(ctx, id); err != nil {
		return err
	}
	e.Rules.Invalidate(rule.ProjectID)
	return nil
}

// ImportConfig replaces the stored project config and re-seeds the phase
// gate table from it. Callers rebuild the engine to apply new engine or bus
// settings.
func (e Engine) ImportConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, projectID, cfg); err != nil {
		return err
	}
	if err := e.Repo.ReplacePhaseRequirements(ctx, tx, cfg.PhaseGates); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Rules.Invalidate(projectID)
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
