package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonhq/simon/internal/domain"
)

func seedSummaryTurn(t *testing.T, sessions *stubSessions, external, user, assistant string) uuid.UUID {
	t.Helper()
	sess := seedSession(t, sessions, external, []domain.TurnWithContent{{
		Turn:    domain.Turn{UserMessage: user},
		Content: domain.TurnContent{AssistantText: assistant},
	}})
	turns, err := sessions.ListTurns(context.Background(), sess.ID)
	require.NoError(t, err)
	return turns[0].ID
}

func TestSummarizeTurn_ShortTextSkipsModel(t *testing.T) {
	t.Parallel()
	sessions := newStubSessions()
	ai := &stubAI{}
	s := NewSummarizer(sessions, ai)
	turnID := seedSummaryTurn(t, sessions, "sess-1", "rename the helper", "done, renamed it")

	require.NoError(t, s.SummarizeTurn(context.Background(), turnID))
	assert.Zero(t, ai.calls)

	turn, err := sessions.GetTurn(context.Background(), turnID)
	require.NoError(t, err)
	assert.Equal(t, "rename the helper", turn.Title)
	assert.Equal(t, "done, renamed it", turn.AssistantSummary)
}

func TestSummarizeTurn_UsesModelForLongText(t *testing.T) {
	t.Parallel()
	sessions := newStubSessions()
	ai := &stubAI{}
	s := NewSummarizer(sessions, ai)
	long := strings.Repeat("a detailed explanation. ", 20)
	turnID := seedSummaryTurn(t, sessions, "sess-1", "explain the auth flow", long)

	require.NoError(t, s.SummarizeTurn(context.Background(), turnID))
	assert.Equal(t, 1, ai.calls)

	turn, err := sessions.GetTurn(context.Background(), turnID)
	require.NoError(t, err)
	assert.Equal(t, "title: explain the auth flow", turn.Title)
	assert.Equal(t, "summary of explain the auth flow", turn.AssistantSummary)
}

func TestSummarizeTurn_ModelFailureFallsBackToTruncation(t *testing.T) {
	t.Parallel()
	sessions := newStubSessions()
	ai := &stubAI{summarizeErr: errors.New("model down")}
	s := NewSummarizer(sessions, ai)
	long := strings.Repeat("x", 500)
	turnID := seedSummaryTurn(t, sessions, "sess-1", "do the thing", long)

	require.NoError(t, s.SummarizeTurn(context.Background(), turnID))

	turn, err := sessions.GetTurn(context.Background(), turnID)
	require.NoError(t, err)
	assert.Equal(t, "do the thing", turn.Title)
	assert.Equal(t, strings.Repeat("x", 200)+"...", turn.AssistantSummary)
}

func TestSummarizeTurn_NilModelTruncates(t *testing.T) {
	t.Parallel()
	sessions := newStubSessions()
	s := NewSummarizer(sessions, nil)
	turnID := seedSummaryTurn(t, sessions, "sess-1", "do the thing", "line one\nline two")

	require.NoError(t, s.SummarizeTurn(context.Background(), turnID))

	turn, err := sessions.GetTurn(context.Background(), turnID)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", turn.AssistantSummary)
}

func TestSummarizeSession_AggregatesTurnSummaries(t *testing.T) {
	t.Parallel()
	sessions := newStubSessions()
	sess := seedSession(t, sessions, "sess-1", []domain.TurnWithContent{
		{Turn: domain.Turn{UserMessage: "add a login endpoint"}},
		{Turn: domain.Turn{UserMessage: "now wire the router"}},
	})
	turns, err := sessions.ListTurns(context.Background(), sess.ID)
	require.NoError(t, err)
	require.NoError(t, sessions.SetTurnSummary(context.Background(), turns[0].ID, "login endpoint", "added POST /login"))
	require.NoError(t, sessions.SetTurnSummary(context.Background(), turns[1].ID, "router", "registered the route"))

	s := NewSummarizer(sessions, &stubAI{})
	require.NoError(t, s.SummarizeSession(context.Background(), "sess-1"))

	got, err := sessions.GetSessionByExternalID(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "login endpoint", got.Title)
	assert.Equal(t, "- added POST /login\n- registered the route", got.Summary)
	assert.True(t, got.IsProcessed)
}

func TestSummarizeSession_NoTurnsIsInvalid(t *testing.T) {
	t.Parallel()
	sessions := newStubSessions()
	_, err := sessions.UpsertSession(context.Background(), domain.Session{SessionID: "sess-empty"})
	require.NoError(t, err)

	s := NewSummarizer(sessions, &stubAI{})
	err = s.SummarizeSession(context.Background(), "sess-empty")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.False(t, Retryable(err))
}

func TestExtractTurnArtifacts(t *testing.T) {
	t.Parallel()
	sessions := newStubSessions()
	raw := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","name":"Write","input":{"file_path":"/src/a.py"}},{"type":"tool_use","name":"Bash","input":{"command":"pytest -q"}}]}}`
	sess := seedSession(t, sessions, "sess-1", []domain.TurnWithContent{{
		Turn:    domain.Turn{ToolNames: []string{"Write", "Bash"}},
		Content: domain.TurnContent{RawJSONL: raw},
	}})
	turns, err := sessions.ListTurns(context.Background(), sess.ID)
	require.NoError(t, err)

	s := NewSummarizer(sessions, &stubAI{})
	require.NoError(t, s.ExtractTurnArtifacts(context.Background(), turns[0].ID))

	content, err := sessions.GetTurnContent(context.Background(), turns[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"/src/a.py"}, content.FilesTouched)
	assert.Equal(t, []string{"pytest"}, content.CommandsRun)
	assert.Equal(t, 2, content.ToolCallCount)

	arts := sessions.arts[turns[0].ID]
	require.Len(t, arts, 2)
	for _, a := range arts {
		assert.Equal(t, turns[0].ID, a.TurnID)
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want bool
	}{
		{domain.ErrUnavailable, true},
		{fmt.Errorf("op=x: %w", domain.ErrUnavailable), true},
		{domain.ErrNotFound, false},
		{domain.ErrInvalidArgument, false},
		{domain.ErrConflict, false},
		{errors.New("something else"), true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Retryable(tc.err), "err=%v", tc.err)
	}
}
