package engine_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"workgate/internal/config"
	"workgate/internal/db"
	"workgate/internal/domain"
	"workgate/internal/engine"
	"workgate/internal/events"
	"workgate/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Bus    *events.Bus
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	return newTestEnvWithConfig(t, config.Default("proj-1"))
}

func newTestEnvWithConfig(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	bus := events.NewBus(events.Writer{DB: conn}, events.BusOptions{})
	bus.Start()
	eng := engine.New(conn, cfg, bus, nil)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, engine.ProjectCreateOptions{ID: "proj-1", Title: "test", ActorID: "tester"}); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Bus: bus, Ctx: ctx}
}

// drain shuts the bus down so every published event is on disk before the
// test asserts on the events table.
func (env testEnv) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.Bus.Shutdown(ctx); err != nil {
		t.Fatalf("drain bus: %v", err)
	}
}

func (env testEnv) createWorkItem(t *testing.T, opts engine.EntityCreateOptions) domain.Entity {
	t.Helper()
	if opts.ProjectID == "" {
		opts.ProjectID = "proj-1"
	}
	if opts.Type == "" {
		opts.Type = domain.EntityWorkItem
	}
	opts.ActorID = "tester"
	e, err := env.Engine.CreateEntity(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create entity: %v", err)
	}
	return e
}

func (env testEnv) mustTransition(t *testing.T, entityID string, target domain.Status) domain.Entity {
	t.Helper()
	res, err := env.Engine.Transition(env.Ctx, domain.TransitionRequest{EntityID: entityID, TargetStatus: &target, ActorID: "tester"})
	if err != nil {
		t.Fatalf("transition %s -> %s: %v", entityID, target, err)
	}
	if res.Outcome != engine.OutcomeOK {
		t.Fatalf("transition %s -> %s: outcome %s %+v", entityID, target, res.Outcome, res.Validation.Violations)
	}
	return res.Entity
}

func (env testEnv) eventTypes(t *testing.T, entityID string) []string {
	t.Helper()
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=? ORDER BY id`, entityID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var types []string
	for rows.Next() {
		var typ string
		if err := rows.Scan(&typ); err != nil {
			t.Fatalf("scan: %v", err)
		}
		types = append(types, typ)
	}
	return types
}

func TestStatusPathEmitsSpecificEvents(t *testing.T) {
	env := newTestEnv(t)
	wi := env.createWorkItem(t, engine.EntityCreateOptions{Title: "Checkout flow"})
	env.mustTransition(t, wi.ID, domain.StatusReady)
	got := env.mustTransition(t, wi.ID, domain.StatusActive)
	if got.Status != domain.StatusActive {
		t.Fatalf("expected active, got %s", got.Status)
	}

	env.drain(t)
	types := env.eventTypes(t, wi.ID)
	want := []string{"work_item_created", "work_item_ready", "work_item_started"}
	if len(types) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestResumeFromBlockedEmitsResumed(t *testing.T) {
	env := newTestEnv(t)
	wi := env.createWorkItem(t, engine.EntityCreateOptions{Title: "Resumable"})
	env.mustTransition(t, wi.ID, domain.StatusReady)
	env.mustTransition(t, wi.ID, domain.StatusActive)
	env.mustTransition(t, wi.ID, domain.StatusBlocked)
	env.mustTransition(t, wi.ID, domain.StatusActive)

	env.drain(t)
	types := env.eventTypes(t, wi.ID)
	last := types[len(types)-1]
	if last != "work_item_resumed" {
		t.Fatalf("expected work_item_resumed, got %s", last)
	}
}

func TestRuleRejectionShowsActualVsRequired(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.PutRule(env.Ctx, domain.Rule{
		ID:        "r-desc",
		ProjectID: "proj-1",
		Pattern: domain.Pattern{
			Kind:      domain.PatternThreshold,
			Field:     "description.length",
			Operator:  "gte",
			Threshold: 50,
		},
		Enforcement: domain.EnforceBlock,
		Enabled:     true,
	})
	if err != nil {
		t.Fatalf("put rule: %v", err)
	}
	wi := env.createWorkItem(t, engine.EntityCreateOptions{Title: "Underdocumented", Description: "short"})

	target := domain.StatusReady
	res, err := env.Engine.Transition(env.Ctx, domain.TransitionRequest{EntityID: wi.ID, TargetStatus: &target, ActorID: "tester"})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if res.Outcome != engine.OutcomeRejectedValidation {
		t.Fatalf("expected REJECTED_VALIDATION, got %s", res.Outcome)
	}
	if len(res.Validation.Blocking()) != 1 {
		t.Fatalf("expected one blocking violation, got %+v", res.Validation.Violations)
	}
	msg := res.Validation.Violations[0].Message
	if !strings.Contains(msg, "description.length is 5") || !strings.Contains(msg, "requires gte 50") {
		t.Fatalf("violation must state actual vs required, got %q", msg)
	}

	stored, err := env.Engine.Repo.GetEntity(env.Ctx, wi.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.StatusDraft {
		t.Fatalf("rejected transition must not persist, status is %s", stored.Status)
	}
}

func TestPhaseGateRejectsMissingChildKind(t *testing.T) {
	env := newTestEnv(t)
	wi := env.createWorkItem(t, engine.EntityCreateOptions{
		Title:       "Gated",
		Description: strings.Repeat("a thorough description ", 4),
	})
	env.createWorkItem(t, engine.EntityCreateOptions{Title: "design", Type: domain.EntityTask, Kind: "design", ParentID: wi.ID})
	env.createWorkItem(t, engine.EntityCreateOptions{Title: "impl", Type: domain.EntityTask, Kind: "implementation", ParentID: wi.ID})

	target := domain.PhaseReview
	res, err := env.Engine.Transition(env.Ctx, domain.TransitionRequest{EntityID: wi.ID, TargetPhase: &target, ActorID: "tester"})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if res.Outcome != engine.OutcomeRejectedValidation {
		t.Fatalf("expected REJECTED_VALIDATION, got %s", res.Outcome)
	}
	found := false
	for _, v := range res.Validation.Blocking() {
		if strings.Contains(v.Message, `kind "testing"`) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected missing testing kind, got %+v", res.Validation.Violations)
	}

	stored, err := env.Engine.Repo.GetEntity(env.Ctx, wi.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Phase != nil {
		t.Fatalf("rejected phase transition must not persist, phase is %s", *stored.Phase)
	}
}

func TestAdvisoryGateDowngradesToWarning(t *testing.T) {
	cfg := config.Default("proj-1")
	cfg.Engine.GateEnforcement = "advisory"
	env := newTestEnvWithConfig(t, cfg)
	wi := env.createWorkItem(t, engine.EntityCreateOptions{Title: "Advisory", Description: "short"})

	target := domain.PhaseReview
	res, err := env.Engine.Transition(env.Ctx, domain.TransitionRequest{EntityID: wi.ID, TargetPhase: &target, ActorID: "tester"})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if res.Outcome != engine.OutcomeOK {
		t.Fatalf("expected OK under advisory gates, got %s %+v", res.Outcome, res.Validation.Violations)
	}
	if len(res.Validation.Warnings()) == 0 {
		t.Fatalf("expected gate findings as warnings")
	}
	stored, err := env.Engine.Repo.GetEntity(env.Ctx, wi.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Phase == nil || *stored.Phase != domain.PhaseReview {
		t.Fatalf("advisory transition should have committed")
	}
}

func TestDependencyBlocksStartAndNamesDependency(t *testing.T) {
	env := newTestEnv(t)
	dep := env.createWorkItem(t, engine.EntityCreateOptions{Title: "prerequisite"})
	main := env.createWorkItem(t, engine.EntityCreateOptions{Title: "dependent", DependsOn: []string{dep.ID}})
	env.mustTransition(t, main.ID, domain.StatusReady)

	target := domain.StatusActive
	res, err := env.Engine.Transition(env.Ctx, domain.TransitionRequest{EntityID: main.ID, TargetStatus: &target, ActorID: "tester"})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if res.Outcome != engine.OutcomeRejectedValidation {
		t.Fatalf("expected REJECTED_VALIDATION, got %s", res.Outcome)
	}
	msg := res.Validation.Violations[0].Message
	if !strings.Contains(msg, dep.ID) || !strings.Contains(msg, "must be done") {
		t.Fatalf("violation must name the unmet dependency, got %q", msg)
	}
	stored, _ := env.Engine.Repo.GetEntity(env.Ctx, main.ID)
	if stored.Status != domain.StatusReady {
		t.Fatalf("rejected transition must not persist, status is %s", stored.Status)
	}

	// complete the dependency, then the start succeeds
	env.mustTransition(t, dep.ID, domain.StatusReady)
	env.mustTransition(t, dep.ID, domain.StatusActive)
	env.mustTransition(t, dep.ID, domain.StatusReview)
	env.mustTransition(t, dep.ID, domain.StatusDone)
	env.mustTransition(t, main.ID, domain.StatusActive)
}

func TestOpenBlockerForbidsCompletion(t *testing.T) {
	env := newTestEnv(t)
	wi := env.createWorkItem(t, engine.EntityCreateOptions{Title: "Blocked work"})
	env.mustTransition(t, wi.ID, domain.StatusReady)
	env.mustTransition(t, wi.ID, domain.StatusActive)
	env.mustTransition(t, wi.ID, domain.StatusReview)

	b, err := env.Engine.OpenBlocker(env.Ctx, wi.ID, "waiting on vendor fix")
	if err != nil {
		t.Fatalf("open blocker: %v", err)
	}
	target := domain.StatusDone
	res, err := env.Engine.Transition(env.Ctx, domain.TransitionRequest{EntityID: wi.ID, TargetStatus: &target, ActorID: "tester"})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if res.Outcome != engine.OutcomeRejectedValidation {
		t.Fatalf("expected REJECTED_VALIDATION, got %s", res.Outcome)
	}
	if !strings.Contains(res.Validation.Violations[0].Message, b.ID) {
		t.Fatalf("violation must name the blocker, got %q", res.Validation.Violations[0].Message)
	}

	if _, err := env.Engine.ResolveBlocker(env.Ctx, b.ID); err != nil {
		t.Fatalf("resolve blocker: %v", err)
	}
	env.mustTransition(t, wi.ID, domain.StatusDone)
}

func TestIllegalTransitionOutcome(t *testing.T) {
	env := newTestEnv(t)
	wi := env.createWorkItem(t, engine.EntityCreateOptions{Title: "Shortcut"})
	target := domain.StatusDone
	res, err := env.Engine.Transition(env.Ctx, domain.TransitionRequest{EntityID: wi.ID, TargetStatus: &target, ActorID: "tester"})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if res.Outcome != engine.OutcomeIllegalTransition {
		t.Fatalf("expected ILLEGAL_TRANSITION, got %s", res.Outcome)
	}
	if !strings.Contains(res.Message, "draft -> done") {
		t.Fatalf("expected edge in message, got %q", res.Message)
	}
}

func TestNotFoundOutcome(t *testing.T) {
	env := newTestEnv(t)
	target := domain.StatusReady
	res, err := env.Engine.Transition(env.Ctx, domain.TransitionRequest{EntityID: "missing", TargetStatus: &target, ActorID: "tester"})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if res.Outcome != engine.OutcomeNotFound {
		t.Fatalf("expected NOT_FOUND, got %s", res.Outcome)
	}
}

func TestMalformedRequestErrors(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Transition(env.Ctx, domain.TransitionRequest{EntityID: "wi-1"}); err == nil {
		t.Fatalf("expected error for request with no target")
	}
	status := domain.StatusReady
	phase := domain.PhasePlan
	if _, err := env.Engine.Transition(env.Ctx, domain.TransitionRequest{EntityID: "wi-1", TargetStatus: &status, TargetPhase: &phase}); err == nil {
		t.Fatalf("expected error for request with both targets")
	}
}

func TestValidateOnlyIsIdempotentAndSilent(t *testing.T) {
	env := newTestEnv(t)
	wi := env.createWorkItem(t, engine.EntityCreateOptions{Title: "Dry run"})
	target := domain.StatusReady
	req := domain.TransitionRequest{EntityID: wi.ID, TargetStatus: &target, ActorID: "tester"}

	first, err := env.Engine.ValidateOnly(env.Ctx, req)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	second, err := env.Engine.ValidateOnly(env.Ctx, req)
	if err != nil {
		t.Fatalf("validate again: %v", err)
	}
	if first.Outcome != engine.OutcomeOK || second.Outcome != first.Outcome {
		t.Fatalf("expected identical OK outcomes, got %s then %s", first.Outcome, second.Outcome)
	}

	stored, _ := env.Engine.Repo.GetEntity(env.Ctx, wi.ID)
	if stored.Status != domain.StatusDraft {
		t.Fatalf("dry run must not mutate, status is %s", stored.Status)
	}
	env.drain(t)
	types := env.eventTypes(t, wi.ID)
	if len(types) != 1 || types[0] != "work_item_created" {
		t.Fatalf("dry run must not emit events, got %v", types)
	}
}

func TestAuditRejectedOptIn(t *testing.T) {
	cfg := config.Default("proj-1")
	cfg.Engine.AuditRejected = true
	env := newTestEnvWithConfig(t, cfg)
	wi := env.createWorkItem(t, engine.EntityCreateOptions{Title: "Audited rejection"})

	target := domain.StatusDone
	res, err := env.Engine.Transition(env.Ctx, domain.TransitionRequest{EntityID: wi.ID, TargetStatus: &target, ActorID: "tester"})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if res.Outcome != engine.OutcomeIllegalTransition {
		t.Fatalf("expected ILLEGAL_TRANSITION, got %s", res.Outcome)
	}

	env.drain(t)
	types := env.eventTypes(t, wi.ID)
	found := false
	for _, typ := range types {
		if typ == "work_item_transition_rejected" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected work_item_transition_rejected event, got %v", types)
	}
}

func TestDependencyCycleRefused(t *testing.T) {
	env := newTestEnv(t)
	a := env.createWorkItem(t, engine.EntityCreateOptions{Title: "a"})
	b := env.createWorkItem(t, engine.EntityCreateOptions{Title: "b", DependsOn: []string{a.ID}})
	if _, err := env.Engine.AddDependencies(env.Ctx, a.ID, []string{b.ID}); err == nil {
		t.Fatalf("expected dependency cycle error")
	}
	if _, err := env.Engine.AddDependencies(env.Ctx, a.ID, []string{a.ID}); err == nil {
		t.Fatalf("expected self-dependency error")
	}
}

func TestProjectHasNoReviewStage(t *testing.T) {
	env := newTestEnv(t)
	env.mustTransition(t, "proj-1", domain.StatusReady)
	env.mustTransition(t, "proj-1", domain.StatusActive)
	target := domain.StatusReview
	res, err := env.Engine.Transition(env.Ctx, domain.TransitionRequest{EntityID: "proj-1", TargetStatus: &target, ActorID: "tester"})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if res.Outcome != engine.OutcomeIllegalTransition {
		t.Fatalf("projects must skip review, got %s", res.Outcome)
	}
	env.mustTransition(t, "proj-1", domain.StatusDone)
}
