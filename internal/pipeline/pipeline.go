// Package pipeline runs every transition request through a fixed chain of
// validators: state legality, status/phase alignment, dependencies, project
// rules, then phase gates. The first block-level finding stops the chain;
// advisory findings from earlier stages are carried along.
package pipeline

import (
	"context"
	"fmt"

	"workgate/internal/domain"
	"workgate/internal/rules"
	"workgate/internal/statemachine"
)

// RuleEvaluator is the project rule engine stage.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, projectID string, entity domain.Entity, children []domain.Entity, tr rules.Transition) (domain.ValidationResult, error)
}

// GateValidator is the phase gate stage, consulted only when the request
// moves the entity's phase.
type GateValidator interface {
	Validate(ctx context.Context, entity domain.Entity, children []domain.Entity, target domain.Phase) (domain.ValidationResult, error)
}

type Pipeline struct {
	Deps  *DependencyValidator
	Rules RuleEvaluator
	Gates GateValidator
	Guard AlignmentGuard

	// GateAdvisory downgrades gate blocks to limit-level warnings. The gate
	// stage still runs and reports; only the severity changes.
	GateAdvisory bool
}

func New(deps *DependencyValidator, ruleEval RuleEvaluator, gateVal GateValidator) *Pipeline {
	return &Pipeline{
		Deps:  deps,
		Rules: ruleEval,
		Gates: gateVal,
		Guard: DefaultAlignmentGuard,
	}
}

// Run evaluates the request against the loaded entity and its direct
// children. An illegal edge is returned as a *statemachine.IllegalTransitionError
// so callers can distinguish it from a policy rejection; every other failure
// is reported through the result.
func (p *Pipeline) Run(ctx context.Context, entity domain.Entity, children []domain.Entity, req domain.TransitionRequest) (domain.ValidationResult, error) {
	result := domain.NewValidationResult()

	if req.TargetStatus != nil {
		if err := statemachine.CheckStatus(entity.Type, entity.Status, *req.TargetStatus); err != nil {
			return result, err
		}
	}
	if req.TargetPhase != nil {
		if err := statemachine.CheckPhase(entity.Type, entity.Phase, *req.TargetPhase); err != nil {
			return result, err
		}
	}

	if p.Guard != nil {
		if v := p.Guard(entity, req); v != nil {
			result.Add(*v)
			if !result.Valid {
				return result, nil
			}
		}
	}

	depRes, err := p.Deps.Validate(ctx, entity, req)
	if err != nil {
		return result, fmt.Errorf("dependency validation: %w", err)
	}
	result.Merge(depRes)
	if !result.Valid {
		return result, nil
	}

	ruleRes, err := p.Rules.Evaluate(ctx, entity.ProjectID, entity, children, rules.Transition{
		TargetStatus: req.TargetStatus,
		TargetPhase:  req.TargetPhase,
	})
	if err != nil {
		return result, fmt.Errorf("rule evaluation: %w", err)
	}
	result.Merge(ruleRes)
	if !result.Valid {
		return result, nil
	}

	if req.PhaseChange() {
		gateRes, err := p.Gates.Validate(ctx, entity, children, *req.TargetPhase)
		if err != nil {
			return result, fmt.Errorf("phase gate validation: %w", err)
		}
		if p.GateAdvisory {
			gateRes = downgradeBlocks(gateRes)
		}
		result.Merge(gateRes)
	}
	return result, nil
}

func downgradeBlocks(res domain.ValidationResult) domain.ValidationResult {
	out := domain.NewValidationResult()
	for _, v := range res.Violations {
		if v.Enforcement == domain.EnforceBlock {
			v.Enforcement = domain.EnforceLimit
		}
		out.Add(v)
	}
	return out
}
