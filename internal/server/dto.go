package server

import (
	"errors"

	"workgate/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

type CreateEntityRequest struct {
	ID          string            `json:"id,omitempty"`
	ParentID    string            `json:"parent_id,omitempty"`
	Type        string            `json:"type" enum:"work_item,task"`
	Kind        string            `json:"kind,omitempty"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
}

// TransitionBody carries exactly one of target_status or target_phase.
type TransitionBody struct {
	TargetStatus string `json:"target_status,omitempty" enum:"draft,ready,active,review,done,blocked,cancelled,archived,"`
	TargetPhase  string `json:"target_phase,omitempty" enum:"discovery,plan,implementation,review,operations,evolution,"`
	Reason       string `json:"reason,omitempty"`
	SessionRef   string `json:"session_ref,omitempty"`
}

func (b TransitionBody) toRequest(entityID, actorID string) (domain.TransitionRequest, error) {
	if (b.TargetStatus == "") == (b.TargetPhase == "") {
		return domain.TransitionRequest{}, errors.New("exactly one of target_status or target_phase must be set")
	}
	req := domain.TransitionRequest{
		EntityID:   entityID,
		Reason:     b.Reason,
		ActorID:    actorID,
		SessionRef: b.SessionRef,
	}
	if b.TargetStatus != "" {
		s := domain.Status(b.TargetStatus)
		req.TargetStatus = &s
	}
	if b.TargetPhase != "" {
		p := domain.Phase(b.TargetPhase)
		req.TargetPhase = &p
	}
	return req, nil
}

type MetadataPatchRequest struct {
	Description *string           `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type DependencyPatchRequest struct {
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

type OpenBlockerRequest struct {
	Summary string `json:"summary"`
}

type RuleUpsertRequest struct {
	Category    string                  `json:"category,omitempty"`
	Pattern     domain.Pattern          `json:"pattern"`
	Enforcement domain.EnforcementLevel `json:"enforcement_level" enum:"block,limit,guide"`
	Enabled     *bool                   `json:"enabled,omitempty"`
	Hint        string                  `json:"hint,omitempty"`
}

type RuleToggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// Response payloads

type TargetsResponse struct {
	EntityID string          `json:"entity_id"`
	Status   domain.Status   `json:"status"`
	Targets  []domain.Status `json:"targets"`
}
