package events_test

import (
	"testing"

	"workgate/internal/domain"
	"workgate/internal/events"
)

func TestTypeForStatusSplitsStartAndResume(t *testing.T) {
	typ, err := events.TypeForStatus(domain.EntityWorkItem, domain.StatusReady, domain.StatusActive)
	if err != nil || typ != "work_item_started" {
		t.Fatalf("ready -> active: got %q, %v", typ, err)
	}
	typ, err = events.TypeForStatus(domain.EntityWorkItem, domain.StatusBlocked, domain.StatusActive)
	if err != nil || typ != "work_item_resumed" {
		t.Fatalf("blocked -> active: got %q, %v", typ, err)
	}
}

func TestTypeForPhaseRejectsUnknownPhase(t *testing.T) {
	if _, err := events.TypeForPhase(domain.EntityTask, domain.Phase("sideways")); err == nil {
		t.Fatalf("expected error for unknown phase")
	}
	typ, err := events.TypeForPhase(domain.EntityTask, domain.PhaseReview)
	if err != nil || typ != "task_phase_review" {
		t.Fatalf("got %q, %v", typ, err)
	}
}

func TestProjectsHaveNoReviewEvent(t *testing.T) {
	for _, typ := range events.AllTypes() {
		if typ == "project_in_review" {
			t.Fatalf("projects must not carry a review event type")
		}
	}
}
