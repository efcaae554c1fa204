package gates

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workgate/internal/domain"
	"workgate/internal/repo"
)

type fakeStore struct {
	reqs map[string]domain.PhaseRequirement
}

func (s *fakeStore) GetPhaseRequirement(ctx context.Context, entityType domain.EntityType, phase domain.Phase) (domain.PhaseRequirement, error) {
	req, ok := s.reqs[string(entityType)+"/"+string(phase)]
	if !ok {
		return domain.PhaseRequirement{}, repo.ErrNotFound
	}
	return req, nil
}

func reviewGateStore() *fakeStore {
	return &fakeStore{reqs: map[string]domain.PhaseRequirement{
		"work_item/review": {
			EntityType:    domain.EntityWorkItem,
			Phase:         domain.PhaseReview,
			RequiredKinds: []string{"design", "testing"},
			RequiredFields: []domain.FieldRequirement{
				{Field: "description", MinLength: 50},
				{Field: "runbook"},
			},
		},
	}}
}

func TestValidateBatchesEveryMissingRequirement(t *testing.T) {
	v := New(reviewGateStore())
	entity := domain.Entity{ID: "wi-1", Type: domain.EntityWorkItem, Description: "too short"}
	children := []domain.Entity{{ID: "t-1", Kind: "design", Status: domain.StatusDone}}

	res, err := v.Validate(context.Background(), entity, children, domain.PhaseReview)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.Len(t, res.Violations, 3)

	messages := make([]string, 0, len(res.Violations))
	for _, violation := range res.Violations {
		assert.Equal(t, ValidatorName, violation.Source)
		assert.Equal(t, domain.EnforceBlock, violation.Enforcement)
		messages = append(messages, violation.Message)
	}
	assert.Contains(t, messages[0], `kind "testing"`)
	assert.Contains(t, messages[1], `field "description"`)
	assert.Contains(t, messages[1], "has 9")
	assert.Contains(t, messages[2], `field "runbook"`)
}

func TestValidatePassesWhenRequirementsMet(t *testing.T) {
	v := New(reviewGateStore())
	entity := domain.Entity{
		ID:          "wi-1",
		Type:        domain.EntityWorkItem,
		Description: "a description that is comfortably longer than fifty characters in total",
		Metadata:    map[string]string{"runbook": "ops/runbook.md"},
	}
	children := []domain.Entity{
		{ID: "t-1", Kind: "design", Status: domain.StatusDone},
		{ID: "t-2", Kind: "testing", Status: domain.StatusActive},
	}
	res, err := v.Validate(context.Background(), entity, children, domain.PhaseReview)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Violations)
}

func TestCancelledChildrenDoNotSatisfyKinds(t *testing.T) {
	store := &fakeStore{reqs: map[string]domain.PhaseRequirement{
		"work_item/review": {
			EntityType:    domain.EntityWorkItem,
			Phase:         domain.PhaseReview,
			RequiredKinds: []string{"testing"},
		},
	}}
	v := New(store)
	entity := domain.Entity{ID: "wi-1", Type: domain.EntityWorkItem}
	children := []domain.Entity{{ID: "t-1", Kind: "testing", Status: domain.StatusCancelled}}
	res, err := v.Validate(context.Background(), entity, children, domain.PhaseReview)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Violations[0].Message, `kind "testing"`)
}

func TestNoRequirementConfiguredPasses(t *testing.T) {
	v := New(&fakeStore{reqs: map[string]domain.PhaseRequirement{}})
	entity := domain.Entity{ID: "wi-1", Type: domain.EntityWorkItem}
	res, err := v.Validate(context.Background(), entity, nil, domain.PhaseOperations)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}
