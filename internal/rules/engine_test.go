package rules

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workgate/internal/domain"
)

type fakeStore struct {
	rules []domain.Rule
	calls atomic.Int32
}

func (s *fakeStore) ListEnabledRules(ctx context.Context, projectID string) ([]domain.Rule, error) {
	s.calls.Add(1)
	var out []domain.Rule
	for _, r := range s.rules {
		if r.Enabled && r.ProjectID == projectID {
			out = append(out, r)
		}
	}
	return out, nil
}

func blockRule(id string, p domain.Pattern) domain.Rule {
	return domain.Rule{ID: id, ProjectID: "proj-1", Pattern: p, Enforcement: domain.EnforceBlock, Enabled: true, Version: 1}
}

func testEntity() domain.Entity {
	return domain.Entity{
		ID:          "wi-1",
		ProjectID:   "proj-1",
		Type:        domain.EntityWorkItem,
		Title:       "Checkout flow",
		Description: "short text",
		Status:      domain.StatusActive,
		Metadata:    map[string]string{"effort": "80", "risk": "high"},
	}
}

func TestThresholdViolationShowsActualVsRequired(t *testing.T) {
	store := &fakeStore{rules: []domain.Rule{
		blockRule("r-desc", domain.Pattern{Kind: domain.PatternThreshold, Field: "description.length", Operator: "gte", Threshold: 50}),
	}}
	eng := New(store, 0)
	res, err := eng.Evaluate(context.Background(), "proj-1", testEntity(), nil, Transition{})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.Len(t, res.Violations, 1)
	v := res.Violations[0]
	assert.Equal(t, "r-desc", v.Source)
	assert.Contains(t, v.Message, "description.length is 10")
	assert.Contains(t, v.Message, "requires gte 50")
}

func TestThresholdAgainstMetadata(t *testing.T) {
	store := &fakeStore{rules: []domain.Rule{
		blockRule("r-effort", domain.Pattern{Kind: domain.PatternThreshold, Field: "effort", Operator: "lte", Threshold: 40}),
	}}
	eng := New(store, 0)
	res, err := eng.Evaluate(context.Background(), "proj-1", testEntity(), nil, Transition{})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Violations[0].Message, "effort is 80")

	entity := testEntity()
	entity.Metadata["effort"] = "12"
	res, err = eng.Evaluate(context.Background(), "proj-1", entity, nil, Transition{})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Violations)
}

func TestPresenceMinLength(t *testing.T) {
	store := &fakeStore{rules: []domain.Rule{
		blockRule("r-runbook", domain.Pattern{Kind: domain.PatternPresence, Field: "runbook", MinLength: 10}),
	}}
	eng := New(store, 0)
	res, err := eng.Evaluate(context.Background(), "proj-1", testEntity(), nil, Transition{})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Violations[0].Message, "runbook is empty")

	entity := testEntity()
	entity.Metadata["runbook"] = "short"
	res, err = eng.Evaluate(context.Background(), "proj-1", entity, nil, Transition{})
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	assert.Contains(t, res.Violations[0].Message, "length 5")
	assert.Contains(t, res.Violations[0].Message, "at least 10")
}

func TestCoverageReportsAllMissingKinds(t *testing.T) {
	store := &fakeStore{rules: []domain.Rule{
		blockRule("r-cov", domain.Pattern{Kind: domain.PatternCoverage, Values: []string{"design", "implementation", "testing"}}),
	}}
	eng := New(store, 0)
	children := []domain.Entity{
		{ID: "t-1", Kind: "implementation", Status: domain.StatusActive},
		{ID: "t-2", Kind: "testing", Status: domain.StatusCancelled}, // cancelled children do not count
	}
	res, err := eng.Evaluate(context.Background(), "proj-1", testEntity(), children, Transition{})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Violations[0].Message, "design, testing")
}

func TestEnumMembership(t *testing.T) {
	store := &fakeStore{rules: []domain.Rule{
		blockRule("r-risk", domain.Pattern{Kind: domain.PatternEnumMembership, Field: "risk", Values: []string{"low", "medium"}}),
	}}
	eng := New(store, 0)
	res, err := eng.Evaluate(context.Background(), "proj-1", testEntity(), nil, Transition{})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Violations[0].Message, `value "high"`)
}

func TestDisabledRulesNeverContribute(t *testing.T) {
	rule := blockRule("r-desc", domain.Pattern{Kind: domain.PatternThreshold, Field: "description.length", Operator: "gte", Threshold: 50})
	rule.Enabled = false
	store := &fakeStore{rules: []domain.Rule{rule}}
	eng := New(store, 0)
	res, err := eng.Evaluate(context.Background(), "proj-1", testEntity(), nil, Transition{})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Violations)
}

func TestAdvisoryLevelsDoNotBlock(t *testing.T) {
	limit := blockRule("r-a-limit", domain.Pattern{Kind: domain.PatternPresence, Field: "runbook"})
	limit.Enforcement = domain.EnforceLimit
	guide := blockRule("r-b-guide", domain.Pattern{Kind: domain.PatternPresence, Field: "owner"})
	guide.Enforcement = domain.EnforceGuide
	store := &fakeStore{rules: []domain.Rule{limit, guide}}
	eng := New(store, 0)
	res, err := eng.Evaluate(context.Background(), "proj-1", testEntity(), nil, Transition{})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	require.Len(t, res.Violations, 2)
	assert.Equal(t, "r-a-limit", res.Violations[0].Source)
	assert.Equal(t, "r-b-guide", res.Violations[1].Source)
	assert.Len(t, res.Warnings(), 2)
	assert.Empty(t, res.Blocking())
}

func TestCustomCheck(t *testing.T) {
	rule := blockRule("r-custom", domain.Pattern{Kind: domain.PatternCustom, Check: "no-done-in-plan"})
	store := &fakeStore{rules: []domain.Rule{rule}}
	eng := New(store, 0)
	eng.RegisterCheck("no-done-in-plan", func(entity domain.Entity, tr Transition) (bool, string) {
		if tr.TargetStatus != nil && *tr.TargetStatus == domain.StatusDone && entity.Phase != nil && *entity.Phase == domain.PhasePlan {
			return false, "cannot complete while still in plan phase"
		}
		return true, ""
	})
	plan := domain.PhasePlan
	done := domain.StatusDone
	entity := testEntity()
	entity.Phase = &plan
	res, err := eng.Evaluate(context.Background(), "proj-1", entity, nil, Transition{TargetStatus: &done})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Violations[0].Message, "plan phase")
}

func TestUnknownCustomCheckErrors(t *testing.T) {
	store := &fakeStore{rules: []domain.Rule{
		blockRule("r-custom", domain.Pattern{Kind: domain.PatternCustom, Check: "nope"}),
	}}
	eng := New(store, 0)
	_, err := eng.Evaluate(context.Background(), "proj-1", testEntity(), nil, Transition{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown custom check")
}

func TestCacheTTLAndInvalidation(t *testing.T) {
	store := &fakeStore{rules: []domain.Rule{
		blockRule("r-desc", domain.Pattern{Kind: domain.PatternThreshold, Field: "description.length", Operator: "gte", Threshold: 50}),
	}}
	eng := New(store, time.Minute)
	current := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	eng.now = func() time.Time { return current }

	ctx := context.Background()
	_, err := eng.Evaluate(ctx, "proj-1", testEntity(), nil, Transition{})
	require.NoError(t, err)
	_, err = eng.Evaluate(ctx, "proj-1", testEntity(), nil, Transition{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), store.calls.Load())

	eng.Invalidate("proj-1")
	_, err = eng.Evaluate(ctx, "proj-1", testEntity(), nil, Transition{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), store.calls.Load())

	current = current.Add(2 * time.Minute)
	_, err = eng.Evaluate(ctx, "proj-1", testEntity(), nil, Transition{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), store.calls.Load())
}

func TestNoCacheReloadsEveryEvaluation(t *testing.T) {
	store := &fakeStore{}
	eng := New(store, 0)
	ctx := context.Background()
	_, err := eng.Evaluate(ctx, "proj-1", testEntity(), nil, Transition{})
	require.NoError(t, err)
	_, err = eng.Evaluate(ctx, "proj-1", testEntity(), nil, Transition{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), store.calls.Load())
}
