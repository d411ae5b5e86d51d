package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/simonhq/simon/internal/adapter/observability"
	"github.com/simonhq/simon/internal/artifact"
	"github.com/simonhq/simon/internal/domain"
	"github.com/simonhq/simon/internal/transcript"
)

// Recorder ingests one session transcript: parse, dedupe by content
// hash, persist, then enqueue the follow-up jobs. Re-running against
// the same transcript writes nothing and enqueues only jobs the dedupe
// keys have not seen.
type Recorder struct {
	Sessions domain.SessionRepository
	Queue    domain.Queue
	// Directory, when set, lets a fresh session link itself to the
	// project whose slug matches the workspace directory name.
	Directory domain.DirectoryRepository
	// QueueSoftCap and BackpressureDelay postpone low-priority kinds when
	// the backlog is deep. Zero disables backpressure.
	QueueSoftCap      int
	BackpressureDelay time.Duration
}

// NewRecorder constructs a Recorder.
func NewRecorder(s domain.SessionRepository, q domain.Queue) Recorder {
	return Recorder{Sessions: s, Queue: q}
}

// RecordResult summarizes one ingestion run.
type RecordResult struct {
	Session       domain.Session
	ParsedTurns   int
	NewTurns      int
	Malformed     int
	EnqueuedJobs  int
	SkippedByHash int
}

// Record ingests the transcript at transcriptPath for the external
// session id. Safe to re-run.
func (r Recorder) Record(ctx domain.Context, sessionID, transcriptPath, workspacePath string) (RecordResult, error) {
	tracer := otel.Tracer("usecase.record")
	ctx, span := tracer.Start(ctx, "record")
	defer span.End()

	res, err := transcript.ParseFile(transcriptPath)
	if err != nil {
		return RecordResult{}, fmt.Errorf("op=record.parse path=%s: %w", transcriptPath, err)
	}
	if res.Malformed > 0 {
		slog.Warn("transcript lines skipped", slog.String("session_id", sessionID), slog.Int("malformed", res.Malformed))
	}

	sess := domain.Session{
		SessionID:      sessionID,
		TranscriptPath: transcriptPath,
		WorkspacePath:  workspacePath,
	}
	if len(res.Turns) > 0 {
		sess.StartedAt = res.Turns[0].StartedAt
		sess.LastActivityAt = res.Turns[len(res.Turns)-1].EndedAt
	}
	sess, err = r.Sessions.UpsertSession(ctx, sess)
	if err != nil {
		return RecordResult{}, err
	}
	r.linkByWorkspace(ctx, &sess, workspacePath)

	existing, err := r.Sessions.ExistingTurnHashes(ctx, sess.ID)
	if err != nil {
		return RecordResult{}, err
	}

	out := RecordResult{Session: sess, ParsedTurns: len(res.Turns), Malformed: res.Malformed}
	ext := artifact.Extractor{}

	var fresh []domain.TurnWithContent
	seen := map[string]bool{}
	nextNumber := len(existing)
	for _, t := range res.Turns {
		if _, ok := existing[t.ContentHash]; ok || seen[t.ContentHash] {
			out.SkippedByHash++
			continue
		}
		seen[t.ContentHash] = true
		ex := ext.Extract(t.RawJSONL)
		id := uuid.New()
		fresh = append(fresh, domain.TurnWithContent{
			Turn: domain.Turn{
				ID:          id,
				SessionID:   sess.ID,
				TurnNumber:  nextNumber,
				UserMessage: t.UserMessage,
				ContentHash: t.ContentHash,
				ModelName:   t.ModelName,
				ToolNames:   t.ToolNames,
				StartedAt:   t.StartedAt,
				EndedAt:     t.EndedAt,
			},
			Content: domain.TurnContent{
				TurnID:            id,
				RawJSONL:          t.RawJSONL,
				AssistantText:     t.AssistantText,
				FilesTouched:      ex.FilesTouched,
				CommandsRun:       ex.CommandsRun,
				ErrorsEncountered: ex.ErrorsEncountered,
				ToolCallCount:     ex.ToolCallCount,
			},
		})
		nextNumber++
	}

	// Follow-ups reference only turns the store confirmed: a concurrent
	// ingest of the same transcript may have won the hash race.
	var insertedIDs []uuid.UUID
	if len(fresh) > 0 {
		insertedIDs, err = r.Sessions.RecordTurns(ctx, sess.ID, fresh)
		if err != nil {
			return out, err
		}
		out.NewTurns = len(insertedIDs)
		out.SkippedByHash += len(fresh) - len(insertedIDs)
	}

	enq, err := r.enqueueFollowups(ctx, sess, insertedIDs)
	out.EnqueuedJobs = enq
	return out, err
}

// linkByWorkspace sets the session's project when the workspace
// directory name matches a project slug. Entity-based linking done by
// the Linker later takes precedence; this only seeds unlinked sessions.
func (r Recorder) linkByWorkspace(ctx domain.Context, sess *domain.Session, workspacePath string) {
	if r.Directory == nil || sess.ProjectID != nil || workspacePath == "" {
		return
	}
	slug := strings.ToLower(filepath.Base(workspacePath))
	p, err := r.Directory.ProjectBySlug(ctx, slug)
	if err != nil {
		return
	}
	if err := r.Sessions.LinkSessionToProject(ctx, sess.ID, p.ID); err == nil {
		sess.ProjectID = &p.ID
	}
}

// enqueueFollowups schedules the cold-path jobs in priority order.
// Per-turn jobs dedupe on "<kind>:<turn_id>".
func (r Recorder) enqueueFollowups(ctx domain.Context, sess domain.Session, turnIDs []uuid.UUID) (int, error) {
	enqueued := 0
	depth := 0
	if r.QueueSoftCap > 0 {
		depth, _ = r.Queue.Depth(ctx)
	}

	sessPayload, _ := json.Marshal(domain.SessionJobPayload{
		SessionID:      sess.SessionID,
		TranscriptPath: sess.TranscriptPath,
		WorkspacePath:  sess.WorkspacePath,
	})

	perTurn := []struct {
		kind     string
		priority int
	}{
		{domain.JobTurnSummary, domain.PriorityTurnSummary},
		{domain.JobEntityExtract, domain.PriorityEntityExtract},
		{domain.JobArtifactExtract, domain.PriorityArtifactExtract},
	}
	for _, spec := range perTurn {
		for _, id := range turnIDs {
			payload, _ := json.Marshal(domain.TurnJobPayload{TurnID: id})
			_, created, err := r.Queue.Enqueue(ctx, domain.EnqueueRequest{
				Kind:      spec.kind,
				Payload:   payload,
				Priority:  spec.priority,
				DedupeKey: fmt.Sprintf("%s:%s", spec.kind, id),
			})
			if err != nil {
				return enqueued, err
			}
			if created {
				enqueued++
				observability.JobsEnqueuedTotal.WithLabelValues(spec.kind).Inc()
			}
		}
	}

	// Low-priority kinds absorb backpressure when the backlog is deep.
	var delay time.Duration
	if r.QueueSoftCap > 0 && depth > r.QueueSoftCap {
		delay = r.BackpressureDelay
		slog.Info("queue above soft cap, delaying low-priority jobs",
			slog.Int("depth", depth), slog.Int("cap", r.QueueSoftCap))
	}
	sessionKinds := []struct {
		kind     string
		priority int
	}{
		{domain.JobSessionSummary, domain.PrioritySessionSummary},
		{domain.JobSkillExtract, domain.PrioritySkillExtract},
	}
	for _, spec := range sessionKinds {
		_, created, err := r.Queue.Enqueue(ctx, domain.EnqueueRequest{
			Kind:      spec.kind,
			Payload:   sessPayload,
			Priority:  spec.priority,
			DedupeKey: fmt.Sprintf("%s:%s", spec.kind, sess.SessionID),
			Delay:     delay,
		})
		if err != nil {
			return enqueued, err
		}
		if created {
			enqueued++
			observability.JobsEnqueuedTotal.WithLabelValues(spec.kind).Inc()
		}
	}
	return enqueued, nil
}

// EnqueueSessionProcess schedules ingestion of a finished session. The
// dedupe key includes the transcript size so a grown transcript is
// re-processed while a byte-identical stop event is a no-op.
func (r Recorder) EnqueueSessionProcess(ctx domain.Context, sessionID, transcriptPath, workspacePath string) (uuid.UUID, bool, error) {
	var size int64
	if fi, err := os.Stat(transcriptPath); err == nil {
		size = fi.Size()
	}
	payload, _ := json.Marshal(domain.SessionJobPayload{
		SessionID:      sessionID,
		TranscriptPath: transcriptPath,
		WorkspacePath:  workspacePath,
	})
	id, created, err := r.Queue.Enqueue(ctx, domain.EnqueueRequest{
		Kind:      domain.JobSessionProcess,
		Payload:   payload,
		Priority:  domain.PrioritySessionProcess,
		DedupeKey: fmt.Sprintf("%s:%s:%d", domain.JobSessionProcess, sessionID, size),
	})
	if created {
		observability.JobsEnqueuedTotal.WithLabelValues(domain.JobSessionProcess).Inc()
	}
	return id, created, err
}
