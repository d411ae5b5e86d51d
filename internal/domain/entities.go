// Package domain holds the core entities, error taxonomy and ports of the
// simon memory service. It stays free of infrastructure imports so adapters
// and usecases can depend on it without cycles.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnavailable     = errors.New("unavailable")
	ErrInternal        = errors.New("internal error")
)

// Context is an alias so domain signatures read uniformly; adapters pass
// context.Context straight through.
type Context = context.Context

// Session is one recorded assistant session, keyed by the external
// session id issued by the coding assistant.
type Session struct {
	ID             uuid.UUID
	SessionID      string // external, unique
	TranscriptPath string
	WorkspacePath  string
	Title          string
	Summary        string
	StartedAt      *time.Time
	LastActivityAt *time.Time
	ProjectID      *uuid.UUID
	TurnCount      int
	IsProcessed    bool
	CreatedAt      time.Time
}

// Turn is one user message plus the contiguous assistant response.
// (SessionID, TurnNumber) is unique; ContentHash is a 64-hex digest used
// for idempotent re-ingestion.
type Turn struct {
	ID               uuid.UUID
	SessionID        uuid.UUID
	TurnNumber       int
	UserMessage      string
	AssistantSummary string
	Title            string
	ContentHash      string
	ModelName        string
	ToolNames        []string
	StartedAt        *time.Time
	EndedAt          *time.Time
}

// TurnContent carries the heavy columns split away from Turn so hot-path
// queries stay narrow.
type TurnContent struct {
	TurnID            uuid.UUID
	RawJSONL          string
	AssistantText     string
	FilesTouched      []string
	CommandsRun       []string
	ErrorsEncountered []string
	ToolCallCount     int
	ContentSize       int
}

// Entity types linked to turns.
const (
	EntityProject = "project"
	EntityPerson  = "person"
)

// TurnEntity links a free-text mention in a turn to a project or person row.
type TurnEntity struct {
	ID         uuid.UUID
	TurnID     uuid.UUID
	EntityType string
	EntityID   *uuid.UUID
	EntityName string
	Confidence float64
}

// Artifact types stored per turn.
const (
	ArtifactFile    = "file"
	ArtifactCommand = "command"
	ArtifactError   = "error"
)

// TurnArtifact is one extracted file, command or error from a turn.
type TurnArtifact struct {
	ID           uuid.UUID
	TurnID       uuid.UUID
	ArtifactType string
	Value        string
	Metadata     map[string]string
}

// Project tiers and statuses.
const (
	TierFleeting   = "fleeting"
	TierSimple     = "simple"
	TierComplex    = "complex"
	TierLifeThread = "life_thread"

	ProjectActive    = "active"
	ProjectPaused    = "paused"
	ProjectCompleted = "completed"
	ProjectAbandoned = "abandoned"
)

// Project is a long-lived thread of work identified by a unique slug.
type Project struct {
	ID           uuid.UUID
	Name         string
	Slug         string
	Tier         string
	Status       string
	MentionCount int
	LastActivity *time.Time
	UserPinned   bool
	UserPriority string // critical|high|normal|low or empty
	UserDeadline *time.Time
}

// Person is a known collaborator.
type Person struct {
	ID           uuid.UUID
	Name         string
	Email        string
	Relationship string
	Organization string
}

// Task statuses and priorities.
const (
	TaskBacklog    = "backlog"
	TaskInProgress = "in_progress"
	TaskWaiting    = "waiting"
	TaskDone       = "done"

	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// Task is a unit of work, optionally attached to a project and assignee.
type Task struct {
	ID         uuid.UUID
	ProjectID  *uuid.UUID
	AssignedTo *uuid.UUID
	Title      string
	Status     string
	Priority   string
	DueDate    *time.Time
	UserPinned bool
}

// Commitment directions and statuses.
const (
	DirectionFromMe = "from_me"
	DirectionToMe   = "to_me"

	CommitmentOpen      = "open"
	CommitmentFulfilled = "fulfilled"
	CommitmentBroken    = "broken"
	CommitmentCancelled = "cancelled"
)

// Commitment is a promise made to or by the user.
type Commitment struct {
	ID          uuid.UUID
	PersonID    *uuid.UUID
	ProjectID   *uuid.UUID
	PersonName  string
	Direction   string
	Description string
	Deadline    *time.Time
	Status      string
}

// Sprint boosts the priority of one project for a bounded window.
type Sprint struct {
	ID            uuid.UUID
	ProjectID     uuid.UUID
	Name          string
	PriorityBoost float64 // >= 1.0
	StartsAt      time.Time
	EndsAt        time.Time
	IsActive      bool
}

// Effective reports whether the sprint boost applies at the given instant.
func (s Sprint) Effective(now time.Time) bool {
	return s.IsActive && !now.Before(s.StartsAt) && !now.After(s.EndsAt)
}

// Skill sources and scopes.
const (
	SkillSourceAuto     = "auto"
	SkillSourceManual   = "manual"
	SkillSourceRegistry = "registry"

	ScopePersonal = "personal"
	ScopeProject  = "project"
)

// Skill is the registry row for an installed SKILL.md document.
// (Name, Scope) is unique among active skills.
type Skill struct {
	ID              uuid.UUID
	Name            string
	Description     string
	Source          string
	SourceSessionID string
	InstalledPath   string
	Scope           string
	QualityScore    *float64
	ContentHash     string
	Triggers        []string
	IsActive        bool
	CreatedAt       time.Time
}
