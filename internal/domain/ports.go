package domain

import (
	"time"

	"github.com/google/uuid"
)

// TurnWithContent pairs a turn with its heavy columns for ingestion and
// cold-path aggregation.
type TurnWithContent struct {
	Turn    Turn
	Content TurnContent
}

// ConversationHit is one candidate turn from the conversations branch,
// with the join columns the scorer needs.
type ConversationHit struct {
	Turn         Turn
	EntityNames  []string
	FilesTouched []string
	SessionID    string
	ProjectID    *uuid.UUID
}

// ErrorHit is one candidate error artifact from the errors branch.
type ErrorHit struct {
	Artifact    TurnArtifact
	OccurredAt  *time.Time
	EntityNames []string
	Files       []string
	ProjectID   *uuid.UUID
}

// SessionRepository persists sessions, turns and their satellites.
// Writes touching one aggregate root run in a single transaction.
type SessionRepository interface {
	// UpsertSession creates or refreshes the row keyed by the external
	// session id and returns it with its internal id populated.
	UpsertSession(ctx Context, s Session) (Session, error)
	GetSessionByExternalID(ctx Context, externalID string) (Session, error)
	// ExistingTurnHashes returns content_hash -> turn id for a session.
	ExistingTurnHashes(ctx Context, sessionID uuid.UUID) (map[string]uuid.UUID, error)
	// RecordTurns inserts new turns with their content and updates the
	// session activity columns, all in one transaction. It returns the
	// ids of the turns actually inserted; a content-hash collision skips
	// the turn, so callers must not assume every input id exists.
	RecordTurns(ctx Context, sessionID uuid.UUID, turns []TurnWithContent) ([]uuid.UUID, error)
	LinkSessionToProject(ctx Context, sessionID uuid.UUID, projectID uuid.UUID) error
	UpdateSessionSummary(ctx Context, sessionID uuid.UUID, title, summary string) error

	GetTurn(ctx Context, turnID uuid.UUID) (Turn, error)
	GetTurnContent(ctx Context, turnID uuid.UUID) (TurnContent, error)
	ListTurns(ctx Context, sessionID uuid.UUID) ([]Turn, error)
	ListTurnsWithContent(ctx Context, sessionID uuid.UUID) ([]TurnWithContent, error)
	ListUnsummarizedTurns(ctx Context, sessionID uuid.UUID) ([]Turn, error)
	SetTurnSummary(ctx Context, turnID uuid.UUID, title, summary string) error
	// ReplaceTurnEntities swaps the linked entities of a turn atomically
	// so re-running the handler is a no-op in effect. The bool reports
	// whether the turn already had entity rows, letting callers skip
	// additive side effects on a re-run.
	ReplaceTurnEntities(ctx Context, turnID uuid.UUID, entities []TurnEntity) (bool, error)
	// ReplaceTurnArtifacts swaps the artifacts of a turn and refreshes
	// the summary arrays on its content row in one transaction.
	ReplaceTurnArtifacts(ctx Context, turnID uuid.UUID, artifacts []TurnArtifact, content TurnContent) error

	// Retrieval branches. Both are bounded by since and limit and return
	// the join columns needed for scoring, newest first.
	RecentTurnsByEntities(ctx Context, names, paths []string, since time.Time, limit int) ([]ConversationHit, error)
	RecentErrorArtifacts(ctx Context, names, paths []string, since time.Time, limit int) ([]ErrorHit, error)
}

// DirectoryRepository reads the project/person/task/commitment/sprint
// directory the classifier and retriever match against.
type DirectoryRepository interface {
	ListActiveProjects(ctx Context) ([]Project, error)
	ListPeople(ctx Context) ([]Person, error)
	ProjectBySlug(ctx Context, slug string) (Project, error)
	// SelectedProject resolves the focus project for a workspace: the
	// project of the most recently active sessions under that path.
	SelectedProject(ctx Context, workspacePath string) (Project, error)
	IncrementProjectMentions(ctx Context, projectID uuid.UUID, n int) error

	OpenTasks(ctx Context, projectIDs, personIDs []uuid.UUID, limit int) ([]Task, error)
	OpenCommitments(ctx Context, projectIDs, personIDs []uuid.UUID, limit int) ([]Commitment, error)
	EffectiveSprints(ctx Context, now time.Time) ([]Sprint, error)
}

// SkillRepository is the installed-skill registry.
type SkillRepository interface {
	// UpsertSkill inserts or refreshes by (name, scope). A collision with
	// an active row carrying the same content hash is a successful no-op;
	// the bool reports whether anything was written.
	UpsertSkill(ctx Context, s Skill) (bool, error)
	ActiveSkills(ctx Context) ([]Skill, error)
	CountAutoSkillsSince(ctx Context, since time.Time) (int, error)
	HasActiveContentHash(ctx Context, hash string) (bool, error)
	Deactivate(ctx Context, name, scope string) error
}

// Queue is the durable priority job queue.
type Queue interface {
	// Enqueue returns the job id and whether a new row was created; a
	// dedupe collision returns the existing id with created=false.
	Enqueue(ctx Context, req EnqueueRequest) (uuid.UUID, bool, error)
	// Claim atomically leases the next runnable job for workerID.
	// Returns ErrNotFound when the queue has nothing claimable.
	Claim(ctx Context, workerID string, lease time.Duration) (Job, error)
	Complete(ctx Context, jobID uuid.UUID) error
	// Fail re-queues with backoff while attempts remain, then parks the
	// job as failed. FailPermanent parks it immediately; retrying a
	// programmer error cannot succeed.
	Fail(ctx Context, jobID uuid.UUID, errMsg string) error
	FailPermanent(ctx Context, jobID uuid.UUID, errMsg string) error
	// ReapExpired reverts processing jobs whose lease lapsed to retry.
	ReapExpired(ctx Context) (int, error)
	Stats(ctx Context) (map[JobStatus]int, error)
	// Depth counts queued+retry rows; used for backpressure.
	Depth(ctx Context) (int, error)
}

// SkillRequest is the input to model-backed skill synthesis.
type SkillRequest struct {
	Description    string
	WorkspacePath  string
	SessionSummary string
	TurnTitles     []string
	FilesTouched   []string
	CommandsRun    []string
	ToolsUsed      []string
}

// SkillDoc is a synthesized SKILL document before installation.
type SkillDoc struct {
	Name        string
	Description string
	Triggers    []string
	Body        string // numbered procedure, markdown
}

// AIClient is the single capability interface over the optional
// large-model service. Every call site defines a degraded fallback.
type AIClient interface {
	SummarizeTurn(ctx Context, userMessage, assistantText string) (title, summary string, err error)
	SynthesizeSkill(ctx Context, req SkillRequest) (SkillDoc, error)
}

// SkillStore writes SKILL.md documents to their installed location.
type SkillStore interface {
	Install(name, scope, content string) (path string, err error)
	Uninstall(name, scope string) error
	Read(name, scope string) (string, error)
}

// ProjectState is the per-workspace explicit project selection.
type ProjectState interface {
	ActiveProject(workspace string) (slug string, ok bool)
	SetActiveProject(slug, workspace string) error
	ClearActiveProject(workspace string) error
}
