package usecase

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonhq/simon/internal/domain"
)

const threeTurnTranscript = `{"type":"user","timestamp":"2026-08-01T10:00:00Z","message":{"role":"user","content":[{"type":"text","text":"add a login endpoint"}]}}
{"type":"assistant","timestamp":"2026-08-01T10:01:00Z","message":{"role":"assistant","model":"m1","content":[{"type":"text","text":"added it"},{"type":"tool_use","name":"Write","input":{"file_path":"/src/login.py"}}]}}
{"type":"user","timestamp":"2026-08-01T10:02:00Z","message":{"role":"user","content":[{"type":"text","text":"now wire the router"}]}}
{"type":"assistant","timestamp":"2026-08-01T10:03:00Z","message":{"role":"assistant","content":[{"type":"text","text":"wired"},{"type":"tool_use","name":"Edit","input":{"file_path":"/src/app.py"}}]}}
{"type":"user","timestamp":"2026-08-01T10:04:00Z","message":{"role":"user","content":[{"type":"text","text":"run the tests"}]}}
{"type":"assistant","timestamp":"2026-08-01T10:05:00Z","message":{"role":"assistant","content":[{"type":"tool_use","name":"Bash","input":{"command":"pytest"}}]}}
{"type":"user","timestamp":"2026-08-01T10:05:30Z","message":{"role":"user","content":[{"type":"tool_result","is_error":true,"content":"Traceback (most recent call last):\nAttributeError"}]}}`

func writeTranscript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRecord_IngestsSessionAndEnqueuesFollowups(t *testing.T) {
	t.Parallel()
	sessions := newStubSessions()
	queue := newStubQueue()
	rec := NewRecorder(sessions, queue)
	path := writeTranscript(t, threeTurnTranscript)

	res, err := rec.Record(context.Background(), "sess-1", path, "/ws")
	require.NoError(t, err)
	// The trailing tool_result record folds into the third turn.
	assert.Equal(t, 3, res.ParsedTurns)
	assert.Equal(t, 3, res.NewTurns)
	assert.Equal(t, 0, res.SkippedByHash)
	// 3 per-turn kinds x 3 turns + session_summary + skill_extract.
	assert.Equal(t, 11, res.EnqueuedJobs)

	sess, err := sessions.GetSessionByExternalID(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 3, sess.TurnCount)
}

func TestRecord_ReRunIsNoOp(t *testing.T) {
	t.Parallel()
	sessions := newStubSessions()
	queue := newStubQueue()
	rec := NewRecorder(sessions, queue)
	path := writeTranscript(t, threeTurnTranscript)

	_, err := rec.Record(context.Background(), "sess-1", path, "/ws")
	require.NoError(t, err)
	first, err := queue.Stats(context.Background())
	require.NoError(t, err)

	res, err := rec.Record(context.Background(), "sess-1", path, "/ws")
	require.NoError(t, err)
	assert.Equal(t, 0, res.NewTurns)
	assert.Equal(t, 3, res.SkippedByHash)
	assert.Equal(t, 0, res.EnqueuedJobs)

	second, err := queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRecord_AppendedTurnsOnlyAddNewRows(t *testing.T) {
	t.Parallel()
	sessions := newStubSessions()
	queue := newStubQueue()
	rec := NewRecorder(sessions, queue)

	base := strings.Join(strings.Split(threeTurnTranscript, "\n")[:4], "\n")
	path := writeTranscript(t, base)
	res, err := rec.Record(context.Background(), "sess-1", path, "/ws")
	require.NoError(t, err)
	require.Equal(t, 2, res.NewTurns)

	require.NoError(t, os.WriteFile(path, []byte(threeTurnTranscript), 0o644))
	res, err = rec.Record(context.Background(), "sess-1", path, "/ws")
	require.NoError(t, err)
	assert.Equal(t, 2, res.SkippedByHash)
	assert.Equal(t, 2, res.NewTurns)
}

func TestRecord_DuplicateContentTurnsEnqueueOnlyStoredTurns(t *testing.T) {
	t.Parallel()
	sessions := newStubSessions()
	queue := newStubQueue()
	rec := NewRecorder(sessions, queue)

	// Two turns with identical content share a hash; only one row lands.
	pair := strings.Join(strings.Split(threeTurnTranscript, "\n")[:2], "\n")
	path := writeTranscript(t, pair+"\n"+pair)

	res, err := rec.Record(context.Background(), "sess-1", path, "/ws")
	require.NoError(t, err)
	assert.Equal(t, 2, res.ParsedTurns)
	assert.Equal(t, 1, res.NewTurns)
	assert.Equal(t, 1, res.SkippedByHash)
	// 3 per-turn kinds x 1 stored turn + session_summary + skill_extract.
	assert.Equal(t, 5, res.EnqueuedJobs)

	// Every per-turn job must reference a turn that exists; a job for
	// the dropped duplicate would park as failed on first claim.
	queue.mu.Lock()
	defer queue.mu.Unlock()
	for _, j := range queue.jobs {
		switch j.Kind {
		case domain.JobTurnSummary, domain.JobEntityExtract, domain.JobArtifactExtract:
			var p domain.TurnJobPayload
			require.NoError(t, json.Unmarshal(j.Payload, &p))
			_, ok := sessions.turns[p.TurnID]
			assert.True(t, ok, "job %s references missing turn %s", j.Kind, p.TurnID)
		}
	}
}

func TestRecord_ExtractsContent(t *testing.T) {
	t.Parallel()
	sessions := newStubSessions()
	rec := NewRecorder(sessions, newStubQueue())
	path := writeTranscript(t, threeTurnTranscript)

	res, err := rec.Record(context.Background(), "sess-1", path, "/ws")
	require.NoError(t, err)

	turns, err := sessions.ListTurnsWithContent(context.Background(), res.Session.ID)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, []string{"/src/login.py"}, turns[0].Content.FilesTouched)
	assert.Equal(t, []string{"pytest"}, turns[2].Content.CommandsRun)
	require.Len(t, turns[2].Content.ErrorsEncountered, 1)
	assert.Contains(t, turns[2].Content.ErrorsEncountered[0], "Traceback")
	assert.Len(t, turns[0].Turn.ContentHash, 64)
}

func TestRecord_LinksSessionByWorkspaceDirectory(t *testing.T) {
	t.Parallel()
	sessions := newStubSessions()
	projectID := uuid.New()
	rec := NewRecorder(sessions, newStubQueue())
	rec.Directory = &stubDirectory{projects: []domain.Project{
		{ID: projectID, Name: "simon", Slug: "simon", Status: domain.ProjectActive},
	}}
	path := writeTranscript(t, threeTurnTranscript)

	_, err := rec.Record(context.Background(), "sess-1", path, "/home/dev/simon")
	require.NoError(t, err)

	sess, err := sessions.GetSessionByExternalID(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotNil(t, sess.ProjectID)
	assert.Equal(t, projectID, *sess.ProjectID)

	// A workspace without a matching slug leaves the session unlinked.
	_, err = rec.Record(context.Background(), "sess-2", path, "/home/dev/scratch")
	require.NoError(t, err)
	other, err := sessions.GetSessionByExternalID(context.Background(), "sess-2")
	require.NoError(t, err)
	assert.Nil(t, other.ProjectID)
}

func TestRecord_BackpressureDelaysLowPriorityKinds(t *testing.T) {
	t.Parallel()
	sessions := newStubSessions()
	queue := newStubQueue()
	for i := 0; i < 5; i++ {
		_, _, err := queue.Enqueue(context.Background(), domain.EnqueueRequest{Kind: "filler", Priority: 5})
		require.NoError(t, err)
	}
	rec := NewRecorder(sessions, queue)
	rec.QueueSoftCap = 3
	rec.BackpressureDelay = 300 * 1e9 // 5 minutes in nanoseconds

	path := writeTranscript(t, threeTurnTranscript)
	_, err := rec.Record(context.Background(), "sess-1", path, "/ws")
	require.NoError(t, err)

	queue.mu.Lock()
	defer queue.mu.Unlock()
	for _, j := range queue.jobs {
		switch j.Kind {
		case domain.JobSessionSummary, domain.JobSkillExtract:
			assert.NotNil(t, j.LockedUntil, "kind %s should be delayed", j.Kind)
		case domain.JobTurnSummary:
			assert.Nil(t, j.LockedUntil)
		}
	}
}

func TestEnqueueSessionProcess_DedupesBySize(t *testing.T) {
	t.Parallel()
	queue := newStubQueue()
	rec := NewRecorder(newStubSessions(), queue)
	path := writeTranscript(t, threeTurnTranscript)

	_, created, err := rec.EnqueueSessionProcess(context.Background(), "sess-1", path, "/ws")
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = rec.EnqueueSessionProcess(context.Background(), "sess-1", path, "/ws")
	require.NoError(t, err)
	assert.False(t, created)

	// A grown transcript carries a new dedupe key and is re-enqueued.
	require.NoError(t, os.WriteFile(path, []byte(threeTurnTranscript+"\nmore"), 0o644))
	_, created, err = rec.EnqueueSessionProcess(context.Background(), "sess-1", path, "/ws")
	require.NoError(t, err)
	assert.True(t, created)
}
