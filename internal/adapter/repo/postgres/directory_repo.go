package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/simonhq/simon/internal/domain"
)

// DirectoryRepo reads the project, person, task, commitment and sprint
// directory. These queries run on the hot path, so every one is a
// single indexed statement.
type DirectoryRepo struct {
	Pool PgxPool
}

func NewDirectoryRepo(p PgxPool) *DirectoryRepo { return &DirectoryRepo{Pool: p} }

const projectColumns = `id, name, slug, tier, status, mention_count, last_activity,
	user_pinned, COALESCE(user_priority,''), user_deadline`

func (r *DirectoryRepo) ListActiveProjects(ctx domain.Context) ([]domain.Project, error) {
	rows, err := r.Pool.Query(ctx, `SELECT `+projectColumns+` FROM projects
		WHERE status='active' ORDER BY mention_count DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("op=project.list_active: %w", err)
	}
	defer rows.Close()
	var out []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("op=project.list_active: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *DirectoryRepo) ListPeople(ctx domain.Context) ([]domain.Person, error) {
	rows, err := r.Pool.Query(ctx, `SELECT id, name, COALESCE(email,''),
		COALESCE(relationship,''), COALESCE(organization,'') FROM people ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("op=person.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Person
	for rows.Next() {
		var p domain.Person
		if err := rows.Scan(&p.ID, &p.Name, &p.Email, &p.Relationship, &p.Organization); err != nil {
			return nil, fmt.Errorf("op=person.list: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *DirectoryRepo) ProjectBySlug(ctx domain.Context, slug string) (domain.Project, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE slug=$1`, slug)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Project{}, fmt.Errorf("op=project.by_slug slug=%s: %w", slug, domain.ErrNotFound)
		}
		return domain.Project{}, fmt.Errorf("op=project.by_slug: %w", err)
	}
	return p, nil
}

// SelectedProject resolves the focus project for a workspace: the
// project most of the recently active sessions under that path link to.
func (r *DirectoryRepo) SelectedProject(ctx domain.Context, workspacePath string) (domain.Project, error) {
	q := `SELECT ` + projectColumns + ` FROM projects WHERE id = (
		SELECT project_id FROM agent_sessions
		WHERE workspace_path = $1 AND project_id IS NOT NULL
		GROUP BY project_id
		ORDER BY count(*) DESC, max(last_activity_at) DESC
		LIMIT 1
	)`
	row := r.Pool.QueryRow(ctx, q, workspacePath)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Project{}, fmt.Errorf("op=project.selected workspace=%s: %w", workspacePath, domain.ErrNotFound)
		}
		return domain.Project{}, fmt.Errorf("op=project.selected: %w", err)
	}
	return p, nil
}

func (r *DirectoryRepo) IncrementProjectMentions(ctx domain.Context, projectID uuid.UUID, n int) error {
	if n <= 0 {
		return nil
	}
	q := `UPDATE projects SET mention_count = mention_count + $2, last_activity = now() WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, projectID, n)
	if err != nil {
		return fmt.Errorf("op=project.bump_mentions: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=project.bump_mentions id=%s: %w", projectID, domain.ErrNotFound)
	}
	return nil
}

func (r *DirectoryRepo) OpenTasks(ctx domain.Context, projectIDs, personIDs []uuid.UUID, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT id, project_id, assigned_to, title, status, priority, due_date, user_pinned
		FROM tasks
		WHERE status IN ('backlog','in_progress','waiting')
		  AND (project_id = ANY($1::uuid[]) OR assigned_to = ANY($2::uuid[]) OR user_pinned)
		ORDER BY user_pinned DESC,
			CASE priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3 END,
			due_date NULLS LAST
		LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, projectIDs, personIDs, limit)
	if err != nil {
		return nil, fmt.Errorf("op=task.open: %w", err)
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		var t domain.Task
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.AssignedTo, &t.Title, &t.Status, &t.Priority, &t.DueDate, &t.UserPinned); err != nil {
			return nil, fmt.Errorf("op=task.open: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *DirectoryRepo) OpenCommitments(ctx domain.Context, projectIDs, personIDs []uuid.UUID, limit int) ([]domain.Commitment, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT c.id, c.person_id, c.project_id, COALESCE(p.name,''), c.direction,
			c.description, c.deadline, c.status
		FROM commitments c
		LEFT JOIN people p ON p.id = c.person_id
		WHERE c.status = 'open'
		  AND (c.project_id = ANY($1::uuid[]) OR c.person_id = ANY($2::uuid[]))
		ORDER BY c.deadline NULLS LAST
		LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, projectIDs, personIDs, limit)
	if err != nil {
		return nil, fmt.Errorf("op=commitment.open: %w", err)
	}
	defer rows.Close()
	var out []domain.Commitment
	for rows.Next() {
		var c domain.Commitment
		if err := rows.Scan(&c.ID, &c.PersonID, &c.ProjectID, &c.PersonName, &c.Direction, &c.Description, &c.Deadline, &c.Status); err != nil {
			return nil, fmt.Errorf("op=commitment.open: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *DirectoryRepo) EffectiveSprints(ctx domain.Context, now time.Time) ([]domain.Sprint, error) {
	q := `SELECT id, project_id, name, priority_boost, starts_at, ends_at, is_active
		FROM sprints
		WHERE is_active AND starts_at <= $1 AND ends_at >= $1`
	rows, err := r.Pool.Query(ctx, q, now)
	if err != nil {
		return nil, fmt.Errorf("op=sprint.effective: %w", err)
	}
	defer rows.Close()
	var out []domain.Sprint
	for rows.Next() {
		var s domain.Sprint
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.Name, &s.PriorityBoost, &s.StartsAt, &s.EndsAt, &s.IsActive); err != nil {
			return nil, fmt.Errorf("op=sprint.effective: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanProject(row pgx.Row) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.Name, &p.Slug, &p.Tier, &p.Status, &p.MentionCount,
		&p.LastActivity, &p.UserPinned, &p.UserPriority, &p.UserDeadline)
	return p, err
}
