package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workgate/internal/domain"
	"workgate/internal/repo"
	"workgate/internal/rules"
	"workgate/internal/statemachine"
)

type fakeDepStore struct {
	deps     []repo.DependencyState
	blockers []domain.Blocker
}

func (s *fakeDepStore) ListDependencyStates(ctx context.Context, entityID string) ([]repo.DependencyState, error) {
	return s.deps, nil
}

func (s *fakeDepStore) ListOpenBlockers(ctx context.Context, entityID string) ([]domain.Blocker, error) {
	return s.blockers, nil
}

type fakeRules struct {
	result domain.ValidationResult
	calls  int
}

func (f *fakeRules) Evaluate(ctx context.Context, projectID string, entity domain.Entity, children []domain.Entity, tr rules.Transition) (domain.ValidationResult, error) {
	f.calls++
	return f.result, nil
}

type fakeGates struct {
	result domain.ValidationResult
	calls  int
}

func (f *fakeGates) Validate(ctx context.Context, entity domain.Entity, children []domain.Entity, target domain.Phase) (domain.ValidationResult, error) {
	f.calls++
	return f.result, nil
}

func newPipeline(depStore *fakeDepStore, ruleEval *fakeRules, gateVal *fakeGates) *Pipeline {
	if depStore == nil {
		depStore = &fakeDepStore{}
	}
	if ruleEval == nil {
		ruleEval = &fakeRules{result: domain.NewValidationResult()}
	}
	if gateVal == nil {
		gateVal = &fakeGates{result: domain.NewValidationResult()}
	}
	return New(NewDependencyValidator(depStore), ruleEval, gateVal)
}

func activeEntity() domain.Entity {
	phase := domain.PhaseImplementation
	return domain.Entity{
		ID:        "wi-1",
		ProjectID: "proj-1",
		Type:      domain.EntityWorkItem,
		Status:    domain.StatusActive,
		Phase:     &phase,
	}
}

func statusReq(target domain.Status) domain.TransitionRequest {
	return domain.TransitionRequest{EntityID: "wi-1", TargetStatus: &target}
}

func phaseReq(target domain.Phase) domain.TransitionRequest {
	return domain.TransitionRequest{EntityID: "wi-1", TargetPhase: &target}
}

func TestRunRejectsIllegalEdgeAsError(t *testing.T) {
	ruleEval := &fakeRules{result: domain.NewValidationResult()}
	p := newPipeline(nil, ruleEval, nil)

	_, err := p.Run(context.Background(), activeEntity(), nil, statusReq(domain.StatusDraft))
	require.Error(t, err)
	var illegal *statemachine.IllegalTransitionError
	require.True(t, errors.As(err, &illegal))
	assert.Equal(t, "active", illegal.From)
	assert.Equal(t, "draft", illegal.To)
	assert.Zero(t, ruleEval.calls, "later stages must not run after an illegal edge")
}

func TestRunGuardBlocksEarlyCompletion(t *testing.T) {
	ruleEval := &fakeRules{result: domain.NewValidationResult()}
	p := newPipeline(nil, ruleEval, nil)
	entity := activeEntity()
	plan := domain.PhasePlan
	entity.Status = domain.StatusReview
	entity.Phase = &plan

	res, err := p.Run(context.Background(), entity, nil, statusReq(domain.StatusDone))
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, AlignmentValidatorName, res.Violations[0].Source)
	assert.Zero(t, ruleEval.calls)
}

func TestRunDependencyBlockShortCircuitsRules(t *testing.T) {
	depStore := &fakeDepStore{deps: []repo.DependencyState{{ID: "wi-0", Status: domain.StatusActive}}}
	ruleEval := &fakeRules{result: domain.NewValidationResult()}
	p := newPipeline(depStore, ruleEval, nil)
	entity := activeEntity()
	entity.Status = domain.StatusReady

	res, err := p.Run(context.Background(), entity, nil, statusReq(domain.StatusActive))
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, DependencyValidatorName, res.Violations[0].Source)
	assert.Contains(t, res.Violations[0].Message, "dependency wi-0 is active")
	assert.Zero(t, ruleEval.calls)
}

func TestRunOpenBlockerForbidsResume(t *testing.T) {
	depStore := &fakeDepStore{blockers: []domain.Blocker{{ID: "b-1", Summary: "waiting on vendor"}}}
	p := newPipeline(depStore, nil, nil)
	entity := activeEntity()
	entity.Status = domain.StatusBlocked

	res, err := p.Run(context.Background(), entity, nil, statusReq(domain.StatusActive))
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Violations[0].Message, "open blocker b-1")
}

func TestRunMergesWarningsAcrossStages(t *testing.T) {
	ruleWarnings := domain.NewValidationResult()
	ruleWarnings.Add(domain.Violation{Source: "r-limit", Enforcement: domain.EnforceLimit, Message: "effort above plan"})
	gateWarnings := domain.NewValidationResult()
	gateWarnings.Add(domain.Violation{Source: "phase_gate", Enforcement: domain.EnforceGuide, Message: "consider a rollback note"})
	p := newPipeline(nil, &fakeRules{result: ruleWarnings}, &fakeGates{result: gateWarnings})

	res, err := p.Run(context.Background(), activeEntity(), nil, phaseReq(domain.PhaseReview))
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Len(t, res.Warnings(), 2)
}

func TestRunGatesOnlyConsultedOnPhaseChange(t *testing.T) {
	gateVal := &fakeGates{result: domain.NewValidationResult()}
	p := newPipeline(nil, nil, gateVal)

	_, err := p.Run(context.Background(), activeEntity(), nil, statusReq(domain.StatusReview))
	require.NoError(t, err)
	assert.Zero(t, gateVal.calls)

	_, err = p.Run(context.Background(), activeEntity(), nil, phaseReq(domain.PhaseReview))
	require.NoError(t, err)
	assert.Equal(t, 1, gateVal.calls)
}

func TestRunAdvisoryGateDowngradesBlocks(t *testing.T) {
	gateBlock := domain.NewValidationResult()
	gateBlock.Add(domain.Violation{Source: "phase_gate", Enforcement: domain.EnforceBlock, Message: "missing testing child"})
	gateVal := &fakeGates{result: gateBlock}
	p := newPipeline(nil, nil, gateVal)
	p.GateAdvisory = true

	res, err := p.Run(context.Background(), activeEntity(), nil, phaseReq(domain.PhaseReview))
	require.NoError(t, err)
	assert.True(t, res.Valid)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, domain.EnforceLimit, res.Violations[0].Enforcement)
	assert.Equal(t, 1, gateVal.calls, "advisory mode still consults the gate")

	p.GateAdvisory = false
	res, err = p.Run(context.Background(), activeEntity(), nil, phaseReq(domain.PhaseReview))
	require.NoError(t, err)
	assert.False(t, res.Valid)
}
