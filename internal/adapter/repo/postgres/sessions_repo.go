package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/simonhq/simon/internal/domain"
)

// SessionRepo persists sessions, turns and their satellite rows.
type SessionRepo struct {
	Pool PgxPool
}

func NewSessionRepo(p PgxPool) *SessionRepo { return &SessionRepo{Pool: p} }

const sessionColumns = `id, session_id, COALESCE(transcript_path,''), COALESCE(workspace_path,''),
	COALESCE(title,''), COALESCE(summary,''), started_at, last_activity_at, project_id,
	turn_count, is_processed, created_at`

const turnColumns = `id, session_id, turn_number, COALESCE(user_message,''),
	COALESCE(assistant_summary,''), COALESCE(title,''), content_hash,
	COALESCE(model_name,''), tool_names, started_at, ended_at`

// UpsertSession creates or refreshes the row keyed by the external
// session id and returns it with the internal id populated.
func (r *SessionRepo) UpsertSession(ctx domain.Context, s domain.Session) (domain.Session, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Upsert")
	defer span.End()

	if s.SessionID == "" {
		return domain.Session{}, fmt.Errorf("op=session.upsert: %w: session_id required", domain.ErrInvalidArgument)
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	q := `INSERT INTO agent_sessions
		(id, session_id, transcript_path, workspace_path, started_at, last_activity_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (session_id) DO UPDATE SET
			transcript_path = EXCLUDED.transcript_path,
			workspace_path  = COALESCE(NULLIF(EXCLUDED.workspace_path,''), agent_sessions.workspace_path),
			last_activity_at = GREATEST(agent_sessions.last_activity_at, EXCLUDED.last_activity_at)
		RETURNING ` + sessionColumns
	row := r.Pool.QueryRow(ctx, q, s.ID, s.SessionID, s.TranscriptPath, s.WorkspacePath, s.StartedAt, s.LastActivityAt)
	out, err := scanSession(row)
	if err != nil {
		return domain.Session{}, fmt.Errorf("op=session.upsert: %w", err)
	}
	return out, nil
}

func (r *SessionRepo) GetSessionByExternalID(ctx domain.Context, externalID string) (domain.Session, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM agent_sessions WHERE session_id=$1`, externalID)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Session{}, fmt.Errorf("op=session.get session_id=%s: %w", externalID, domain.ErrNotFound)
		}
		return domain.Session{}, fmt.Errorf("op=session.get: %w", err)
	}
	return s, nil
}

// ExistingTurnHashes returns content_hash -> turn id for a session, used
// to skip already ingested turns.
func (r *SessionRepo) ExistingTurnHashes(ctx domain.Context, sessionID uuid.UUID) (map[string]uuid.UUID, error) {
	rows, err := r.Pool.Query(ctx, `SELECT content_hash, id FROM agent_turns WHERE session_id=$1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("op=session.turn_hashes: %w", err)
	}
	defer rows.Close()
	out := map[string]uuid.UUID{}
	for rows.Next() {
		var h string
		var id uuid.UUID
		if err := rows.Scan(&h, &id); err != nil {
			return nil, fmt.Errorf("op=session.turn_hashes: %w", err)
		}
		out[h] = id
	}
	return out, rows.Err()
}

// RecordTurns inserts new turns with their content rows and bumps the
// session activity columns, all in one transaction. The returned ids
// are the turns that actually landed; a content-hash collision skips
// the turn entirely.
func (r *SessionRepo) RecordTurns(ctx domain.Context, sessionID uuid.UUID, turns []domain.TurnWithContent) ([]uuid.UUID, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.RecordTurns")
	defer span.End()

	if len(turns) == 0 {
		return nil, nil
	}
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=session.record_turns: %w", err)
	}
	defer tx.Rollback(ctx)

	var inserted []uuid.UUID
	var lastActivity *time.Time
	for _, tc := range turns {
		t := tc.Turn
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		tag, err := tx.Exec(ctx, `INSERT INTO agent_turns
			(id, session_id, turn_number, user_message, content_hash, model_name, tool_names, started_at, ended_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (session_id, content_hash) DO NOTHING`,
			t.ID, sessionID, t.TurnNumber, t.UserMessage, t.ContentHash, t.ModelName, t.ToolNames, t.StartedAt, t.EndedAt)
		if err != nil {
			return nil, fmt.Errorf("op=session.record_turns turn=%d: %w", t.TurnNumber, err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		c := tc.Content
		_, err = tx.Exec(ctx, `INSERT INTO agent_turn_content
			(turn_id, raw_jsonl, assistant_text, files_touched, commands_run, errors_encountered, tool_call_count, content_size)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			t.ID, c.RawJSONL, c.AssistantText, c.FilesTouched, c.CommandsRun, c.ErrorsEncountered, c.ToolCallCount, len(c.RawJSONL))
		if err != nil {
			return nil, fmt.Errorf("op=session.record_turns content turn=%d: %w", t.TurnNumber, err)
		}
		inserted = append(inserted, t.ID)
		if t.EndedAt != nil && (lastActivity == nil || t.EndedAt.After(*lastActivity)) {
			lastActivity = t.EndedAt
		}
	}

	if len(inserted) > 0 {
		_, err = tx.Exec(ctx, `UPDATE agent_sessions SET
			turn_count = turn_count + $2,
			last_activity_at = GREATEST(COALESCE(last_activity_at, 'epoch'::timestamptz), COALESCE($3, now()))
			WHERE id=$1`, sessionID, len(inserted), lastActivity)
		if err != nil {
			return nil, fmt.Errorf("op=session.record_turns bump: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=session.record_turns commit: %w", err)
	}
	return inserted, nil
}

func (r *SessionRepo) LinkSessionToProject(ctx domain.Context, sessionID, projectID uuid.UUID) error {
	tag, err := r.Pool.Exec(ctx, `UPDATE agent_sessions SET project_id=$2 WHERE id=$1`, sessionID, projectID)
	if err != nil {
		return fmt.Errorf("op=session.link_project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=session.link_project id=%s: %w", sessionID, domain.ErrNotFound)
	}
	return nil
}

func (r *SessionRepo) UpdateSessionSummary(ctx domain.Context, sessionID uuid.UUID, title, summary string) error {
	tag, err := r.Pool.Exec(ctx, `UPDATE agent_sessions SET title=$2, summary=$3, is_processed=true WHERE id=$1`,
		sessionID, title, summary)
	if err != nil {
		return fmt.Errorf("op=session.update_summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=session.update_summary id=%s: %w", sessionID, domain.ErrNotFound)
	}
	return nil
}

func (r *SessionRepo) GetTurn(ctx domain.Context, turnID uuid.UUID) (domain.Turn, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+turnColumns+` FROM agent_turns WHERE id=$1`, turnID)
	t, err := scanTurn(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Turn{}, fmt.Errorf("op=turn.get id=%s: %w", turnID, domain.ErrNotFound)
		}
		return domain.Turn{}, fmt.Errorf("op=turn.get: %w", err)
	}
	return t, nil
}

func (r *SessionRepo) GetTurnContent(ctx domain.Context, turnID uuid.UUID) (domain.TurnContent, error) {
	var c domain.TurnContent
	row := r.Pool.QueryRow(ctx, `SELECT turn_id, raw_jsonl, COALESCE(assistant_text,''),
		files_touched, commands_run, errors_encountered, tool_call_count, content_size
		FROM agent_turn_content WHERE turn_id=$1`, turnID)
	err := row.Scan(&c.TurnID, &c.RawJSONL, &c.AssistantText, &c.FilesTouched,
		&c.CommandsRun, &c.ErrorsEncountered, &c.ToolCallCount, &c.ContentSize)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TurnContent{}, fmt.Errorf("op=turn.content id=%s: %w", turnID, domain.ErrNotFound)
		}
		return domain.TurnContent{}, fmt.Errorf("op=turn.content: %w", err)
	}
	return c, nil
}

func (r *SessionRepo) ListTurns(ctx domain.Context, sessionID uuid.UUID) ([]domain.Turn, error) {
	return r.listTurns(ctx, `SELECT `+turnColumns+` FROM agent_turns WHERE session_id=$1 ORDER BY turn_number`, sessionID)
}

func (r *SessionRepo) ListUnsummarizedTurns(ctx domain.Context, sessionID uuid.UUID) ([]domain.Turn, error) {
	return r.listTurns(ctx, `SELECT `+turnColumns+` FROM agent_turns
		WHERE session_id=$1 AND COALESCE(assistant_summary,'')='' ORDER BY turn_number`, sessionID)
}

func (r *SessionRepo) listTurns(ctx domain.Context, q string, sessionID uuid.UUID) ([]domain.Turn, error) {
	rows, err := r.Pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("op=turn.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("op=turn.list: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *SessionRepo) ListTurnsWithContent(ctx domain.Context, sessionID uuid.UUID) ([]domain.TurnWithContent, error) {
	rows, err := r.Pool.Query(ctx, `SELECT `+turnColumns+`, c.raw_jsonl, COALESCE(c.assistant_text,''),
		c.files_touched, c.commands_run, c.errors_encountered, c.tool_call_count, c.content_size
		FROM agent_turns JOIN agent_turn_content c ON c.turn_id = agent_turns.id
		WHERE session_id=$1 ORDER BY turn_number`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("op=turn.list_content: %w", err)
	}
	defer rows.Close()
	var out []domain.TurnWithContent
	for rows.Next() {
		var tc domain.TurnWithContent
		t := &tc.Turn
		c := &tc.Content
		err := rows.Scan(&t.ID, &t.SessionID, &t.TurnNumber, &t.UserMessage, &t.AssistantSummary,
			&t.Title, &t.ContentHash, &t.ModelName, &t.ToolNames, &t.StartedAt, &t.EndedAt,
			&c.RawJSONL, &c.AssistantText, &c.FilesTouched, &c.CommandsRun,
			&c.ErrorsEncountered, &c.ToolCallCount, &c.ContentSize)
		if err != nil {
			return nil, fmt.Errorf("op=turn.list_content: %w", err)
		}
		c.TurnID = t.ID
		out = append(out, tc)
	}
	return out, rows.Err()
}

func (r *SessionRepo) SetTurnSummary(ctx domain.Context, turnID uuid.UUID, title, summary string) error {
	tag, err := r.Pool.Exec(ctx, `UPDATE agent_turns SET title=$2, assistant_summary=$3 WHERE id=$1`,
		turnID, title, summary)
	if err != nil {
		return fmt.Errorf("op=turn.set_summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=turn.set_summary id=%s: %w", turnID, domain.ErrNotFound)
	}
	return nil
}

// ReplaceTurnEntities swaps the linked entities of a turn atomically so
// re-running the extraction handler converges to the same rows. The
// bool reports whether rows existed before the swap.
func (r *SessionRepo) ReplaceTurnEntities(ctx domain.Context, turnID uuid.UUID, entities []domain.TurnEntity) (bool, error) {
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("op=turn.replace_entities: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM agent_turn_entities WHERE turn_id=$1`, turnID)
	if err != nil {
		return false, fmt.Errorf("op=turn.replace_entities: %w", err)
	}
	prior := tag.RowsAffected() > 0
	for _, e := range entities {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		_, err := tx.Exec(ctx, `INSERT INTO agent_turn_entities
			(id, turn_id, entity_type, entity_id, entity_name, confidence)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			e.ID, turnID, e.EntityType, e.EntityID, e.EntityName, e.Confidence)
		if err != nil {
			return false, fmt.Errorf("op=turn.replace_entities: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("op=turn.replace_entities commit: %w", err)
	}
	return prior, nil
}

// ReplaceTurnArtifacts swaps the artifacts of a turn and refreshes the
// summary arrays on its content row in one transaction.
func (r *SessionRepo) ReplaceTurnArtifacts(ctx domain.Context, turnID uuid.UUID, artifacts []domain.TurnArtifact, content domain.TurnContent) error {
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=turn.replace_artifacts: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM agent_turn_artifacts WHERE turn_id=$1`, turnID); err != nil {
		return fmt.Errorf("op=turn.replace_artifacts: %w", err)
	}
	for _, a := range artifacts {
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		_, err := tx.Exec(ctx, `INSERT INTO agent_turn_artifacts
			(id, turn_id, artifact_type, value, metadata)
			VALUES ($1,$2,$3,$4,$5)`,
			a.ID, turnID, a.ArtifactType, a.Value, a.Metadata)
		if err != nil {
			return fmt.Errorf("op=turn.replace_artifacts: %w", err)
		}
	}
	_, err = tx.Exec(ctx, `UPDATE agent_turn_content SET
		files_touched=$2, commands_run=$3, errors_encountered=$4, tool_call_count=$5
		WHERE turn_id=$1`,
		turnID, content.FilesTouched, content.CommandsRun, content.ErrorsEncountered, content.ToolCallCount)
	if err != nil {
		return fmt.Errorf("op=turn.replace_artifacts content: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=turn.replace_artifacts commit: %w", err)
	}
	return nil
}

// RecentTurnsByEntities returns candidate turns mentioning any of the
// given entity names or touching any of the given paths, newest first.
func (r *SessionRepo) RecentTurnsByEntities(ctx domain.Context, names, paths []string, since time.Time, limit int) ([]domain.ConversationHit, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.RecentTurnsByEntities")
	defer span.End()

	if limit <= 0 {
		limit = 20
	}
	q := `SELECT t.id, t.session_id, t.turn_number, COALESCE(t.user_message,''),
			COALESCE(t.assistant_summary,''), COALESCE(t.title,''), t.content_hash,
			COALESCE(t.model_name,''), t.tool_names, t.started_at, t.ended_at,
			COALESCE(array_agg(DISTINCT e.entity_name) FILTER (WHERE e.entity_name IS NOT NULL), '{}'),
			COALESCE(c.files_touched, '{}'),
			s.session_id, s.project_id
		FROM agent_turns t
		JOIN agent_sessions s ON s.id = t.session_id
		LEFT JOIN agent_turn_content c ON c.turn_id = t.id
		LEFT JOIN agent_turn_entities e ON e.turn_id = t.id
		WHERE t.ended_at >= $3
		GROUP BY t.id, c.files_touched, s.session_id, s.project_id
		HAVING bool_or(e.entity_name = ANY($1::text[]))
		    OR COALESCE(c.files_touched, '{}') && $2::text[]
		ORDER BY t.ended_at DESC
		LIMIT $4`
	rows, err := r.Pool.Query(ctx, q, names, paths, since, limit)
	if err != nil {
		return nil, fmt.Errorf("op=turn.recent_by_entities: %w", err)
	}
	defer rows.Close()
	var out []domain.ConversationHit
	for rows.Next() {
		var h domain.ConversationHit
		t := &h.Turn
		err := rows.Scan(&t.ID, &t.SessionID, &t.TurnNumber, &t.UserMessage, &t.AssistantSummary,
			&t.Title, &t.ContentHash, &t.ModelName, &t.ToolNames, &t.StartedAt, &t.EndedAt,
			&h.EntityNames, &h.FilesTouched, &h.SessionID, &h.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("op=turn.recent_by_entities: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// RecentErrorArtifacts returns error artifacts from recent turns that
// share entities or files with the current prompt, newest first.
func (r *SessionRepo) RecentErrorArtifacts(ctx domain.Context, names, paths []string, since time.Time, limit int) ([]domain.ErrorHit, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.RecentErrorArtifacts")
	defer span.End()

	if limit <= 0 {
		limit = 10
	}
	q := `SELECT a.id, a.turn_id, a.artifact_type, a.value, a.metadata,
			t.ended_at,
			COALESCE(array_agg(DISTINCT e.entity_name) FILTER (WHERE e.entity_name IS NOT NULL), '{}'),
			COALESCE(c.files_touched, '{}'),
			s.project_id
		FROM agent_turn_artifacts a
		JOIN agent_turns t ON t.id = a.turn_id
		JOIN agent_sessions s ON s.id = t.session_id
		LEFT JOIN agent_turn_content c ON c.turn_id = t.id
		LEFT JOIN agent_turn_entities e ON e.turn_id = t.id
		WHERE a.artifact_type = 'error' AND t.ended_at >= $3
		GROUP BY a.id, t.ended_at, c.files_touched, s.project_id
		HAVING bool_or(e.entity_name = ANY($1::text[]))
		    OR COALESCE(c.files_touched, '{}') && $2::text[]
		ORDER BY t.ended_at DESC
		LIMIT $4`
	rows, err := r.Pool.Query(ctx, q, names, paths, since, limit)
	if err != nil {
		return nil, fmt.Errorf("op=turn.recent_errors: %w", err)
	}
	defer rows.Close()
	var out []domain.ErrorHit
	for rows.Next() {
		var h domain.ErrorHit
		a := &h.Artifact
		err := rows.Scan(&a.ID, &a.TurnID, &a.ArtifactType, &a.Value, &a.Metadata,
			&h.OccurredAt, &h.EntityNames, &h.Files, &h.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("op=turn.recent_errors: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (domain.Session, error) {
	var s domain.Session
	err := row.Scan(&s.ID, &s.SessionID, &s.TranscriptPath, &s.WorkspacePath, &s.Title, &s.Summary,
		&s.StartedAt, &s.LastActivityAt, &s.ProjectID, &s.TurnCount, &s.IsProcessed, &s.CreatedAt)
	return s, err
}

func scanTurn(row pgx.Row) (domain.Turn, error) {
	var t domain.Turn
	err := row.Scan(&t.ID, &t.SessionID, &t.TurnNumber, &t.UserMessage, &t.AssistantSummary,
		&t.Title, &t.ContentHash, &t.ModelName, &t.ToolNames, &t.StartedAt, &t.EndedAt)
	return t, err
}
