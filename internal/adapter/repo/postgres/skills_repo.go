package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/simonhq/simon/internal/domain"
)

// SkillRepo is the installed-skill registry.
type SkillRepo struct {
	Pool PgxPool
}

func NewSkillRepo(p PgxPool) *SkillRepo { return &SkillRepo{Pool: p} }

const skillColumns = `id, name, COALESCE(description,''), source, COALESCE(source_session_id,''),
	COALESCE(installed_path,''), scope, quality_score, COALESCE(content_hash,''),
	triggers, is_active, created_at`

// UpsertSkill inserts or refreshes by (name, scope). A collision with an
// active row carrying the same content hash is a successful no-op; the
// bool reports whether anything was written.
func (r *SkillRepo) UpsertSkill(ctx domain.Context, s domain.Skill) (bool, error) {
	if s.Name == "" || s.Scope == "" {
		return false, fmt.Errorf("op=skill.upsert: %w: name and scope required", domain.ErrInvalidArgument)
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	q := `INSERT INTO generated_skills
		(id, name, description, source, source_session_id, installed_path, scope,
		 quality_score, content_hash, triggers, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,true)
		ON CONFLICT (name, scope) WHERE is_active DO UPDATE SET
			description = EXCLUDED.description,
			source = EXCLUDED.source,
			source_session_id = EXCLUDED.source_session_id,
			installed_path = EXCLUDED.installed_path,
			quality_score = EXCLUDED.quality_score,
			content_hash = EXCLUDED.content_hash,
			triggers = EXCLUDED.triggers
		WHERE generated_skills.content_hash IS DISTINCT FROM EXCLUDED.content_hash
		`
	tag, err := r.Pool.Exec(ctx, q, s.ID, s.Name, s.Description, s.Source, s.SourceSessionID,
		s.InstalledPath, s.Scope, s.QualityScore, s.ContentHash, s.Triggers)
	if err != nil {
		return false, fmt.Errorf("op=skill.upsert name=%s: %w", s.Name, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *SkillRepo) ActiveSkills(ctx domain.Context) ([]domain.Skill, error) {
	rows, err := r.Pool.Query(ctx, `SELECT `+skillColumns+` FROM generated_skills
		WHERE is_active ORDER BY name, scope`)
	if err != nil {
		return nil, fmt.Errorf("op=skill.active: %w", err)
	}
	defer rows.Close()
	var out []domain.Skill
	for rows.Next() {
		var s domain.Skill
		err := rows.Scan(&s.ID, &s.Name, &s.Description, &s.Source, &s.SourceSessionID,
			&s.InstalledPath, &s.Scope, &s.QualityScore, &s.ContentHash,
			&s.Triggers, &s.IsActive, &s.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("op=skill.active: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountAutoSkillsSince counts auto-generated skills created after the
// cutoff; the generator uses it to enforce the daily cap.
func (r *SkillRepo) CountAutoSkillsSince(ctx domain.Context, since time.Time) (int, error) {
	var n int
	row := r.Pool.QueryRow(ctx, `SELECT count(*) FROM generated_skills
		WHERE source='auto' AND created_at >= $1`, since)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("op=skill.count_auto: %w", err)
	}
	return n, nil
}

func (r *SkillRepo) HasActiveContentHash(ctx domain.Context, hash string) (bool, error) {
	var exists bool
	row := r.Pool.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM generated_skills WHERE is_active AND content_hash=$1)`, hash)
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("op=skill.has_hash: %w", err)
	}
	return exists, nil
}

func (r *SkillRepo) Deactivate(ctx domain.Context, name, scope string) error {
	tag, err := r.Pool.Exec(ctx, `UPDATE generated_skills SET is_active=false
		WHERE name=$1 AND scope=$2 AND is_active`, name, scope)
	if err != nil {
		return fmt.Errorf("op=skill.deactivate name=%s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=skill.deactivate name=%s scope=%s: %w", name, scope, domain.ErrNotFound)
	}
	return nil
}

// GetActiveSkill fetches one active skill row by (name, scope).
func (r *SkillRepo) GetActiveSkill(ctx domain.Context, name, scope string) (domain.Skill, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+skillColumns+` FROM generated_skills
		WHERE name=$1 AND scope=$2 AND is_active`, name, scope)
	var s domain.Skill
	err := row.Scan(&s.ID, &s.Name, &s.Description, &s.Source, &s.SourceSessionID,
		&s.InstalledPath, &s.Scope, &s.QualityScore, &s.ContentHash,
		&s.Triggers, &s.IsActive, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Skill{}, fmt.Errorf("op=skill.get name=%s scope=%s: %w", name, scope, domain.ErrNotFound)
		}
		return domain.Skill{}, fmt.Errorf("op=skill.get: %w", err)
	}
	return s, nil
}
