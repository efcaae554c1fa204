package pipeline

import (
	"context"
	"fmt"

	"workgate/internal/domain"
	"workgate/internal/repo"
)

// DependencyValidatorName is the source recorded on dependency violations.
const DependencyValidatorName = "dependencies"

// DependencyStore is the read-only view of the dependency graph. Cycle
// prevention happens at creation time and is not re-validated here.
type DependencyStore interface {
	ListDependencyStates(ctx context.Context, entityID string) ([]repo.DependencyState, error)
	ListOpenBlockers(ctx context.Context, entityID string) ([]domain.Blocker, error)
}

type DependencyValidator struct {
	store DependencyStore
}

func NewDependencyValidator(store DependencyStore) *DependencyValidator {
	return &DependencyValidator{store: store}
}

var statusRank = map[domain.Status]int{
	domain.StatusDraft:  0,
	domain.StatusReady:  1,
	domain.StatusActive: 2,
	domain.StatusReview: 3,
	domain.StatusDone:   4,
}

// Validate checks the entity's hard predecessors and open blockers against
// the requested move. Dependencies must be done before the entity starts
// (status active or beyond, or a phase at implementation or later); open
// blockers forbid completing and forbid resuming out of blocked.
func (v *DependencyValidator) Validate(ctx context.Context, entity domain.Entity, req domain.TransitionRequest) (domain.ValidationResult, error) {
	result := domain.NewValidationResult()

	needsDeps := false
	if req.TargetStatus != nil {
		if rank, ok := statusRank[*req.TargetStatus]; ok && rank >= statusRank[domain.StatusActive] {
			needsDeps = true
		}
	}
	if req.TargetPhase != nil && domain.PhaseIndex(*req.TargetPhase) >= domain.PhaseIndex(domain.PhaseImplementation) {
		needsDeps = true
	}
	if needsDeps {
		deps, err := v.store.ListDependencyStates(ctx, entity.ID)
		if err != nil {
			return result, fmt.Errorf("list dependencies for %s: %w", entity.ID, err)
		}
		for _, dep := range deps {
			if dep.Status == domain.StatusDone {
				continue
			}
			result.Add(domain.Violation{
				Source:      DependencyValidatorName,
				Enforcement: domain.EnforceBlock,
				Message:     fmt.Sprintf("dependency %s is %s, must be done", dep.ID, dep.Status),
				Hint:        fmt.Sprintf("complete %s first", dep.ID),
			})
		}
	}

	checkBlockers := false
	if req.TargetStatus != nil {
		switch {
		case *req.TargetStatus == domain.StatusDone:
			checkBlockers = true
		case entity.Status == domain.StatusBlocked && *req.TargetStatus == domain.StatusActive:
			checkBlockers = true
		}
	}
	if checkBlockers {
		blockers, err := v.store.ListOpenBlockers(ctx, entity.ID)
		if err != nil {
			return result, fmt.Errorf("list blockers for %s: %w", entity.ID, err)
		}
		for _, b := range blockers {
			result.Add(domain.Violation{
				Source:      DependencyValidatorName,
				Enforcement: domain.EnforceBlock,
				Message:     fmt.Sprintf("open blocker %s: %s", b.ID, b.Summary),
				Hint:        fmt.Sprintf("resolve blocker %s", b.ID),
			})
		}
	}
	return result, nil
}
