package store

import "time"

// Change request lifecycle statuses. Transitions are driven exclusively by the
// approval engine; a request past draft is never edited in place.
const (
	StatusDraft            = "draft"
	StatusSubmitted        = "submitted"
	StatusInReview         = "in_review"
	StatusApproved         = "approved"
	StatusRejected         = "rejected"
	StatusChangesRequested = "changes_requested"
)

const (
	ChangeAdd    = "ADD"
	ChangeModify = "MODIFY"
	ChangeDelete = "DELETE"
)

const (
	ChainSequential = "SEQUENTIAL"
	ChainParallel   = "PARALLEL"
)

type ChangeRequest struct {
	ID              string
	OntologyID      string
	OntologyArea    string
	RequesterID     string
	ChangeType      string
	TargetElementID string
	ProposedChanges map[string]any
	BaseState       map[string]any
	Description     string
	Status          string
	ChainID         string
	ImpactReport    *ImpactReport
	Version         int
	AppliedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type ApprovalChain struct {
	ID           string
	Name         string
	OntologyArea string
	ApprovalType string
	Levels       []ApprovalLevel
	CreatedAt    time.Time
}

type ApprovalLevel struct {
	Level         int
	Approvers     []string
	DeadlineHours int
	MinApprovals  int
}

// LevelProgress tracks one activated approval level of an in-review request.
// DeadlineAt is checked lazily; nothing fires when it passes.
type LevelProgress struct {
	RequestID   string
	Level       int
	ActivatedAt time.Time
	DeadlineAt  time.Time
	SatisfiedAt *time.Time
	Approvals   int
}

type ApprovalAction struct {
	ID         string
	RequestID  string
	Level      int
	ApproverID string
	Action     string
	Reason     string
	CreatedAt  time.Time
}

type ImpactReport struct {
	AffectedEntities           int              `json:"affectedEntities"`
	AffectedRelations          int              `json:"affectedRelations"`
	AffectedProjects           []string         `json:"affectedProjects"`
	BreakingChanges            []BreakingChange `json:"breakingChanges"`
	Recommendations            []string         `json:"recommendations"`
	MigrationComplexity        string           `json:"migrationComplexity"`
	EstimatedMigrationHours    int              `json:"estimatedMigrationHours"`
	RequiresHighImpactApproval bool             `json:"requiresHighImpactApproval"`
	GeneratedAt                time.Time        `json:"generatedAt"`
}

type BreakingChange struct {
	ElementID     string `json:"elementId"`
	Reason        string `json:"reason"`
	AffectedCount int    `json:"affectedCount"`
}

// Element is the engine's read model of one ontology artifact, mirrored from
// the annotation platform. ElementType is entity_type, relation_type or
// validation_rule.
type Element struct {
	ID          string
	OntologyID  string
	ElementType string
	Name        string
	ProjectID   string
	Fields      map[string]any
	UpdatedAt   time.Time
}

// ElementReference records that Source references Target through Field.
type ElementReference struct {
	SourceID string
	TargetID string
	Field    string
}

type AuditEvent struct {
	ID         int64
	EventType  string
	ActorID    string
	OntologyID string
	RequestID  string
	Payload    map[string]any
	CreatedAt  time.Time
}
