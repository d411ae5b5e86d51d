package domain

import (
	"time"

	"github.com/google/uuid"
)

// Job statuses.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobRetry      JobStatus = "retry"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
)

// Job kinds dispatched by the worker.
const (
	JobSessionProcess  = "session_process"
	JobTurnSummary     = "turn_summary"
	JobEntityExtract   = "entity_extract"
	JobArtifactExtract = "artifact_extract"
	JobSessionSummary  = "session_summary"
	JobSkillExtract    = "skill_extract"
)

// Enqueue priorities, lower runs first.
const (
	PrioritySessionProcess  = 1
	PriorityTurnSummary     = 5
	PriorityEntityExtract   = 7
	PriorityArtifactExtract = 7
	PrioritySessionSummary  = 10
	PrioritySkillExtract    = 20
)

// DefaultMaxAttempts before a job is parked as failed.
const DefaultMaxAttempts = 10

// Job is one durable queue row. Payload is opaque JSON; domain ids it
// references live inside the payload, never as foreign keys.
type Job struct {
	ID          uuid.UUID
	Kind        string
	DedupeKey   string // empty means no dedupe
	Payload     []byte
	Status      JobStatus
	Priority    int
	Attempts    int
	MaxAttempts int
	LockedUntil *time.Time
	ErrorMsg    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Terminal reports whether the job can never transition again.
func (j Job) Terminal() bool { return j.Status == JobDone || j.Status == JobFailed }

// EnqueueRequest captures everything Enqueue needs for one job.
type EnqueueRequest struct {
	Kind        string
	Payload     []byte
	Priority    int
	DedupeKey   string
	MaxAttempts int
	// Delay postpones first claim eligibility; used for backpressure on
	// low-priority kinds when the queue is deep.
	Delay time.Duration
}

// Payloads carried by jobs. Per-turn jobs use dedupe key "<kind>:<turn_id>".

// SessionJobPayload drives session_process, session_summary and
// skill_extract.
type SessionJobPayload struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path,omitempty"`
	WorkspacePath  string `json:"workspace_path,omitempty"`
}

// TurnJobPayload drives turn_summary, entity_extract and artifact_extract.
type TurnJobPayload struct {
	TurnID uuid.UUID `json:"turn_id"`
}
