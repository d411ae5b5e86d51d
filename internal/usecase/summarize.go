package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/simonhq/simon/internal/artifact"
	"github.com/simonhq/simon/internal/domain"
)

// Summarizer produces turn and session summaries. The model service is
// optional: on failure the turn summary degrades to truncation and the
// session summary is assembled from whatever turn summaries exist.
type Summarizer struct {
	Sessions domain.SessionRepository
	AI       domain.AIClient
	// MaxChars bounds the truncation fallback, default 200.
	MaxChars int
}

// NewSummarizer constructs a Summarizer.
func NewSummarizer(s domain.SessionRepository, ai domain.AIClient) Summarizer {
	return Summarizer{Sessions: s, AI: ai, MaxChars: 200}
}

// SummarizeTurn writes title and assistant_summary for one turn. Short
// exchanges skip the model entirely; a model failure falls back to
// truncation instead of failing the job.
func (s Summarizer) SummarizeTurn(ctx domain.Context, turnID uuid.UUID) error {
	turn, err := s.Sessions.GetTurn(ctx, turnID)
	if err != nil {
		return err
	}
	content, err := s.Sessions.GetTurnContent(ctx, turnID)
	if err != nil {
		return err
	}

	maxChars := s.MaxChars
	if maxChars <= 0 {
		maxChars = 200
	}

	title, summary := "", ""
	if len(content.AssistantText) <= maxChars && !strings.Contains(content.AssistantText, "\n") {
		// Nothing to compress.
		title = firstLine(turn.UserMessage, 80)
		summary = strings.TrimSpace(content.AssistantText)
	} else if s.AI != nil {
		title, summary, err = s.AI.SummarizeTurn(ctx, turn.UserMessage, content.AssistantText)
		if err != nil {
			slog.Warn("turn summary model call failed, truncating",
				slog.String("turn_id", turnID.String()), slog.Any("error", err))
			title, summary = "", ""
		}
	}
	if summary == "" {
		title = firstLine(turn.UserMessage, 80)
		summary = truncateChars(content.AssistantText, maxChars)
	}
	if title == "" {
		title = firstLine(turn.UserMessage, 80)
	}
	return s.Sessions.SetTurnSummary(ctx, turnID, title, summary)
}

// SummarizeSession aggregates the turn summaries of a session into its
// title and summary fields and marks it processed.
func (s Summarizer) SummarizeSession(ctx domain.Context, externalSessionID string) error {
	sess, err := s.Sessions.GetSessionByExternalID(ctx, externalSessionID)
	if err != nil {
		return err
	}
	turns, err := s.Sessions.ListTurns(ctx, sess.ID)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		return fmt.Errorf("op=summarize.session session_id=%s: %w: no turns", externalSessionID, domain.ErrInvalidArgument)
	}

	title := turns[0].Title
	if title == "" {
		title = firstLine(turns[0].UserMessage, 80)
	}

	var lines []string
	for _, t := range turns {
		line := t.AssistantSummary
		if line == "" {
			line = firstLine(t.UserMessage, 120)
		}
		if line != "" {
			lines = append(lines, "- "+line)
		}
	}
	summary := strings.Join(lines, "\n")
	return s.Sessions.UpdateSessionSummary(ctx, sess.ID, title, summary)
}

// ExtractTurnArtifacts re-runs extraction over a turn's raw record and
// replaces its artifact rows. Idempotent: identical input converges to
// identical rows.
func (s Summarizer) ExtractTurnArtifacts(ctx domain.Context, turnID uuid.UUID) error {
	content, err := s.Sessions.GetTurnContent(ctx, turnID)
	if err != nil {
		return err
	}
	ex := artifact.Extractor{}.Extract(content.RawJSONL)
	for i := range ex.Artifacts {
		ex.Artifacts[i].TurnID = turnID
	}
	content.FilesTouched = ex.FilesTouched
	content.CommandsRun = ex.CommandsRun
	content.ErrorsEncountered = ex.ErrorsEncountered
	content.ToolCallCount = ex.ToolCallCount
	return s.Sessions.ReplaceTurnArtifacts(ctx, turnID, ex.Artifacts, content)
}

// Retryable reports whether a handler error should re-enter the queue
// rather than park the job. Infrastructure and model availability
// problems retry; invariant breaches and missing rows do not.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, domain.ErrUnavailable):
		return true
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrConflict):
		return false
	}
	return true
}

func truncateChars(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "..."
}
