package pipeline

import (
	"fmt"

	"workgate/internal/domain"
)

// AlignmentValidatorName is the source recorded on alignment violations.
const AlignmentValidatorName = "alignment"

// AlignmentGuard vets status/phase combinations. The two fields are not
// hard-coupled in the schema; this named stage holds the business coupling
// so it stays pluggable and testable. A nil return means no objection.
type AlignmentGuard func(entity domain.Entity, req domain.TransitionRequest) *domain.Violation

// DefaultAlignmentGuard rejects completing work that is still in an early
// phase and any phase movement on an entity whose status is terminal.
func DefaultAlignmentGuard(entity domain.Entity, req domain.TransitionRequest) *domain.Violation {
	if req.TargetStatus != nil && req.TargetStatus.Terminal() && *req.TargetStatus != domain.StatusCancelled {
		if entity.Phase != nil && domain.PhaseIndex(*entity.Phase) < domain.PhaseIndex(domain.PhaseImplementation) {
			return &domain.Violation{
				Source:      AlignmentValidatorName,
				Enforcement: domain.EnforceBlock,
				Message:     fmt.Sprintf("status %s conflicts with phase %s", *req.TargetStatus, *entity.Phase),
				Hint:        "advance the phase to implementation or later before completing",
			}
		}
	}
	if req.TargetPhase != nil && entity.Status.Terminal() {
		return &domain.Violation{
			Source:      AlignmentValidatorName,
			Enforcement: domain.EnforceBlock,
			Message:     fmt.Sprintf("cannot change phase of %s entity", entity.Status),
		}
	}
	return nil
}
