package events

import (
	"fmt"

	"workgate/internal/domain"
)

// The audit taxonomy is a closed enumeration: every type the producer can
// emit appears verbatim in the events table CHECK constraint. There is no
// generic fallback type; an unmapped transition is a programming error.

const (
	suffixCreated  = "created"
	suffixReady    = "ready"
	suffixStarted  = "started"
	suffixResumed  = "resumed"
	suffixInReview = "in_review"
	suffixDone     = "completed"
	suffixBlocked  = "blocked"
	suffixCancel   = "cancelled"
	suffixArchived = "archived"
	suffixRejected = "transition_rejected"
)

// TypeForStatus maps a committed status transition to its event type.
// Entering active is split by origin: ready -> active is a start, while
// blocked -> active is a resume.
func TypeForStatus(t domain.EntityType, from, to domain.Status) (string, error) {
	var suffix string
	switch to {
	case domain.StatusReady:
		suffix = suffixReady
	case domain.StatusActive:
		if from == domain.StatusBlocked {
			suffix = suffixResumed
		} else {
			suffix = suffixStarted
		}
	case domain.StatusReview:
		suffix = suffixInReview
	case domain.StatusDone:
		suffix = suffixDone
	case domain.StatusBlocked:
		suffix = suffixBlocked
	case domain.StatusCancelled:
		suffix = suffixCancel
	case domain.StatusArchived:
		suffix = suffixArchived
	default:
		return "", fmt.Errorf("no event type for %s status transition %s -> %s", t, from, to)
	}
	return string(t) + "_" + suffix, nil
}

// TypeForPhase maps a committed phase advancement to its event type.
func TypeForPhase(t domain.EntityType, phase domain.Phase) (string, error) {
	if domain.PhaseIndex(phase) < 0 {
		return "", fmt.Errorf("no event type for %s phase %s", t, phase)
	}
	return fmt.Sprintf("%s_phase_%s", t, phase), nil
}

// TypeCreated is the event type for entity creation.
func TypeCreated(t domain.EntityType) string {
	return string(t) + "_" + suffixCreated
}

// TypeTransitionRejected is the audit type for a blocked pipeline outcome.
func TypeTransitionRejected(t domain.EntityType) string {
	return string(t) + "_" + suffixRejected
}

// AllTypes enumerates the full producer taxonomy. The audit schema's accepted
// set must be a superset of this list; events_test.go verifies it by inserting
// every member.
func AllTypes() []string {
	var out []string
	for _, t := range []domain.EntityType{domain.EntityWorkItem, domain.EntityTask, domain.EntityProject} {
		suffixes := []string{suffixCreated, suffixReady, suffixStarted, suffixResumed, suffixDone, suffixBlocked, suffixCancel, suffixArchived}
		if t != domain.EntityProject {
			// projects have no review stage
			suffixes = append(suffixes, suffixInReview)
		}
		for _, s := range suffixes {
			out = append(out, string(t)+"_"+s)
		}
		for _, p := range domain.Phases {
			out = append(out, fmt.Sprintf("%s_phase_%s", t, p))
		}
		out = append(out, TypeTransitionRejected(t))
	}
	return out
}
