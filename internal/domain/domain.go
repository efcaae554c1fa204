package domain

type EntityType string

const (
	EntityWorkItem EntityType = "work_item"
	EntityTask     EntityType = "task"
	EntityProject  EntityType = "project"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusReady     Status = "ready"
	StatusActive    Status = "active"
	StatusReview    Status = "review"
	StatusDone      Status = "done"
	StatusBlocked   Status = "blocked"
	StatusCancelled Status = "cancelled"
	StatusArchived  Status = "archived"
)

type Phase string

const (
	PhaseDiscovery      Phase = "discovery"
	PhasePlan           Phase = "plan"
	PhaseImplementation Phase = "implementation"
	PhaseReview         Phase = "review"
	PhaseOperations     Phase = "operations"
	PhaseEvolution      Phase = "evolution"
)

// Phases lists the lifecycle phases in order.
var Phases = []Phase{PhaseDiscovery, PhasePlan, PhaseImplementation, PhaseReview, PhaseOperations, PhaseEvolution}

// PhaseIndex returns the position of p in the ordered lifecycle, or -1.
func PhaseIndex(p Phase) int {
	for i, candidate := range Phases {
		if candidate == p {
			return i
		}
	}
	return -1
}

// Terminal reports whether s admits no further work.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled || s == StatusArchived
}

type Entity struct {
	ID           string            `json:"id"`
	ProjectID    string            `json:"project_id"`
	ParentID     *string           `json:"parent_id,omitempty"`
	Type         EntityType        `json:"type"`
	Kind         string            `json:"kind,omitempty"`
	Title        string            `json:"title"`
	Description  string            `json:"description,omitempty"`
	Status       Status            `json:"status" enum:"draft,ready,active,review,done,blocked,cancelled,archived"`
	Phase        *Phase            `json:"phase,omitempty" enum:"discovery,plan,implementation,review,operations,evolution"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	CreatedAt    string            `json:"created_at" format:"date-time"`
	UpdatedAt    string            `json:"updated_at" format:"date-time"`
	CompletedAt  *string           `json:"completed_at,omitempty" format:"date-time"`
}

type Blocker struct {
	ID         string  `json:"id"`
	EntityID   string  `json:"entity_id"`
	Summary    string  `json:"summary"`
	Resolved   bool    `json:"resolved"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	ResolvedAt *string `json:"resolved_at,omitempty" format:"date-time"`
}

type EnforcementLevel string

const (
	EnforceBlock EnforcementLevel = "block"
	EnforceLimit EnforcementLevel = "limit"
	EnforceGuide EnforcementLevel = "guide"
)

type PatternKind string

const (
	PatternThreshold      PatternKind = "threshold"
	PatternPresence       PatternKind = "presence"
	PatternCoverage       PatternKind = "coverage"
	PatternEnumMembership PatternKind = "enum_membership"
	PatternCustom         PatternKind = "custom"
)

// Pattern is a tagged rule condition. Kind selects which of the remaining
// fields are meaningful: threshold uses Field/Operator/Threshold, presence
// uses Field/MinLength, coverage uses Values (required child kinds),
// enum_membership uses Field/Values, custom uses Check.
type Pattern struct {
	Kind      PatternKind `json:"kind" yaml:"kind" enum:"threshold,presence,coverage,enum_membership,custom"`
	Field     string      `json:"field,omitempty" yaml:"field,omitempty"`
	Operator  string      `json:"operator,omitempty" yaml:"operator,omitempty" enum:"gt,gte,lt,lte,eq,neq"`
	Threshold float64     `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	MinLength int         `json:"min_length,omitempty" yaml:"min_length,omitempty"`
	Values    []string    `json:"values,omitempty" yaml:"values,omitempty"`
	Check     string      `json:"check,omitempty" yaml:"check,omitempty"`
}

type Rule struct {
	ID          string           `json:"id" yaml:"id"`
	ProjectID   string           `json:"project_id" yaml:"project_id"`
	Category    string           `json:"category,omitempty" yaml:"category,omitempty"`
	Pattern     Pattern          `json:"pattern" yaml:"pattern"`
	Enforcement EnforcementLevel `json:"enforcement_level" yaml:"enforcement_level" enum:"block,limit,guide"`
	Enabled     bool             `json:"enabled" yaml:"enabled"`
	Version     int              `json:"version" yaml:"version"`
	Hint        string           `json:"hint,omitempty" yaml:"hint,omitempty"`
	CreatedAt   string           `json:"created_at,omitempty" yaml:"-" format:"date-time"`
	UpdatedAt   string           `json:"updated_at,omitempty" yaml:"-" format:"date-time"`
}

// TransitionRequest is built per call and never persisted. Exactly one of
// TargetStatus or TargetPhase is set.
type TransitionRequest struct {
	EntityID     string  `json:"entity_id"`
	TargetStatus *Status `json:"target_status,omitempty"`
	TargetPhase  *Phase  `json:"target_phase,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	ActorID      string  `json:"actor_id"`
	SessionRef   string  `json:"session_ref,omitempty"`
}

// PhaseChange reports whether the request advances the phase field.
func (r TransitionRequest) PhaseChange() bool { return r.TargetPhase != nil }

type FieldRequirement struct {
	Field     string `json:"field" yaml:"field"`
	MinLength int    `json:"min_length,omitempty" yaml:"min_length,omitempty"`
}

// PhaseRequirement is read-only reference data consulted before an entity of
// Type may enter Phase.
type PhaseRequirement struct {
	EntityType     EntityType         `json:"entity_type" yaml:"entity_type"`
	Phase          Phase              `json:"phase" yaml:"phase"`
	RequiredKinds  []string           `json:"required_kinds,omitempty" yaml:"required_kinds,omitempty"`
	RequiredFields []FieldRequirement `json:"required_fields,omitempty" yaml:"required_fields,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	SessionRef string `json:"session_ref,omitempty"`
	Payload    string `json:"payload_json"`
}
