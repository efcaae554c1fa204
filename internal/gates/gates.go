// Package gates checks phase-specific completion requirements before an
// entity may advance into a target phase.
package gates

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"workgate/internal/domain"
	"workgate/internal/repo"
)

// ValidatorName is the source recorded on gate violations.
const ValidatorName = "phase_gate"

// Store resolves the read-only requirement for (entity type, target phase).
type Store interface {
	GetPhaseRequirement(ctx context.Context, entityType domain.EntityType, phase domain.Phase) (domain.PhaseRequirement, error)
}

type Validator struct {
	store Store
}

func New(store Store) *Validator {
	return &Validator{store: store}
}

// Validate reports every unmet requirement for entering the target phase in
// one batched result, so a caller can fix everything in a single pass. An
// entity type/phase pair with no configured requirement passes.
func (v *Validator) Validate(ctx context.Context, entity domain.Entity, children []domain.Entity, target domain.Phase) (domain.ValidationResult, error) {
	result := domain.NewValidationResult()
	req, err := v.store.GetPhaseRequirement(ctx, entity.Type, target)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return result, nil
		}
		return result, fmt.Errorf("load phase requirement %s/%s: %w", entity.Type, target, err)
	}

	present := make(map[string]bool, len(children))
	for _, child := range children {
		if child.Kind != "" && child.Status != domain.StatusCancelled {
			present[child.Kind] = true
		}
	}
	for _, kind := range req.RequiredKinds {
		if present[kind] {
			continue
		}
		result.Add(domain.Violation{
			Source:      ValidatorName,
			Enforcement: domain.EnforceBlock,
			Message:     fmt.Sprintf("phase %s requires at least one child of kind %q", target, kind),
			Hint:        fmt.Sprintf("create a %s child under %s", kind, entity.ID),
		})
	}

	for _, field := range req.RequiredFields {
		value := fieldValue(entity, field.Field)
		trimmed := strings.TrimSpace(value)
		minLen := field.MinLength
		if minLen <= 0 {
			minLen = 1
		}
		if len(trimmed) >= minLen {
			continue
		}
		result.Add(domain.Violation{
			Source:      ValidatorName,
			Enforcement: domain.EnforceBlock,
			Message:     fmt.Sprintf("phase %s requires field %q with at least %d characters, has %d", target, field.Field, minLen, len(trimmed)),
			Hint:        fmt.Sprintf("set %s on %s", field.Field, entity.ID),
		})
	}
	return result, nil
}

func fieldValue(entity domain.Entity, field string) string {
	switch field {
	case "description":
		return entity.Description
	case "title":
		return entity.Title
	}
	return entity.Metadata[field]
}
