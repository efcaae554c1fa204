// Package statemachine encodes the legal status and phase transitions per
// entity type. It is a pure predicate layer: no I/O, no retries.
package statemachine

import (
	"fmt"
	"sort"

	"workgate/internal/domain"
)

// IllegalTransitionError names the disallowed edge.
type IllegalTransitionError struct {
	EntityType domain.EntityType
	Field      string
	From       string
	To         string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("no %s edge %s -> %s for %s", e.Field, e.From, e.To, e.EntityType)
}

// workEdges is the status graph for work items and tasks:
// draft -> ready -> active -> review -> done -> archived, with blocked as a
// parking state reachable from draft/active/review and cancellation from any
// non-terminal status.
var workEdges = map[domain.Status]map[domain.Status]struct{}{
	domain.StatusDraft:     {domain.StatusReady: {}, domain.StatusBlocked: {}, domain.StatusCancelled: {}},
	domain.StatusReady:     {domain.StatusActive: {}, domain.StatusCancelled: {}},
	domain.StatusActive:    {domain.StatusReview: {}, domain.StatusBlocked: {}, domain.StatusCancelled: {}},
	domain.StatusReview:    {domain.StatusDone: {}, domain.StatusBlocked: {}, domain.StatusCancelled: {}},
	domain.StatusBlocked:   {domain.StatusActive: {}, domain.StatusCancelled: {}},
	domain.StatusDone:      {domain.StatusArchived: {}},
	domain.StatusCancelled: {},
	domain.StatusArchived:  {},
}

// projectEdges omits the review stage; projects close out directly from active.
var projectEdges = map[domain.Status]map[domain.Status]struct{}{
	domain.StatusDraft:     {domain.StatusReady: {}, domain.StatusBlocked: {}, domain.StatusCancelled: {}},
	domain.StatusReady:     {domain.StatusActive: {}, domain.StatusCancelled: {}},
	domain.StatusActive:    {domain.StatusDone: {}, domain.StatusBlocked: {}, domain.StatusCancelled: {}},
	domain.StatusBlocked:   {domain.StatusActive: {}, domain.StatusCancelled: {}},
	domain.StatusDone:      {domain.StatusArchived: {}},
	domain.StatusCancelled: {},
	domain.StatusArchived:  {},
}

func edgesFor(t domain.EntityType) map[domain.Status]map[domain.Status]struct{} {
	if t == domain.EntityProject {
		return projectEdges
	}
	return workEdges
}

// CanTransition reports whether the status graph for t contains the edge
// from -> to. Unknown statuses have no edges.
func CanTransition(t domain.EntityType, from, to domain.Status) bool {
	targets, ok := edgesFor(t)[from]
	if !ok {
		return false
	}
	_, ok = targets[to]
	return ok
}

// CheckStatus returns an IllegalTransitionError when the edge is absent.
func CheckStatus(t domain.EntityType, from, to domain.Status) error {
	if !CanTransition(t, from, to) {
		return &IllegalTransitionError{EntityType: t, Field: "status", From: string(from), To: string(to)}
	}
	return nil
}

// CheckPhase validates a phase move. Phases advance forward only; skipping
// intermediate phases is allowed. A nil current phase means the entity has
// not entered the lifecycle yet and may enter at any phase.
func CheckPhase(t domain.EntityType, from *domain.Phase, to domain.Phase) error {
	toIdx := domain.PhaseIndex(to)
	if toIdx < 0 {
		return &IllegalTransitionError{EntityType: t, Field: "phase", From: phaseLabel(from), To: string(to)}
	}
	if from == nil {
		return nil
	}
	fromIdx := domain.PhaseIndex(*from)
	if fromIdx < 0 || toIdx <= fromIdx {
		return &IllegalTransitionError{EntityType: t, Field: "phase", From: phaseLabel(from), To: string(to)}
	}
	return nil
}

// Targets returns the legal target statuses from the given status, sorted
// for stable output.
func Targets(t domain.EntityType, from domain.Status) []domain.Status {
	var out []domain.Status
	for to := range edgesFor(t)[from] {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func phaseLabel(p *domain.Phase) string {
	if p == nil {
		return "none"
	}
	return string(*p)
}
