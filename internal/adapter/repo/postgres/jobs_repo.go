package postgres

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/simonhq/simon/internal/domain"
)

// JobRepo is the durable priority queue on the jobs table. Claims use
// FOR UPDATE SKIP LOCKED so concurrent claimers never contend on the
// same row.
type JobRepo struct {
	Pool PgxPool
	// BackoffBase and BackoffCeiling bound the retry schedule:
	// min(base * 2^attempts, ceiling) with +/-20% jitter.
	BackoffBase    time.Duration
	BackoffCeiling time.Duration
}

// NewJobRepo constructs a JobRepo with the given pool and retry bounds.
func NewJobRepo(p PgxPool, base, ceiling time.Duration) *JobRepo {
	if base <= 0 {
		base = 30 * time.Second
	}
	if ceiling <= 0 {
		ceiling = time.Hour
	}
	return &JobRepo{Pool: p, BackoffBase: base, BackoffCeiling: ceiling}
}

const jobColumns = `id, kind, COALESCE(dedupe_key,''), payload, status, priority,
	attempts, max_attempts, locked_until, COALESCE(error_message,''), created_at, updated_at`

// Enqueue inserts a job. A dedupe_key collision with a non-terminal row
// is a successful no-op returning the existing id.
func (r *JobRepo) Enqueue(ctx domain.Context, req domain.EnqueueRequest) (uuid.UUID, bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Enqueue")
	defer span.End()

	if req.Kind == "" {
		return uuid.Nil, false, fmt.Errorf("op=job.enqueue: %w: kind required", domain.ErrInvalidArgument)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	id := uuid.New()
	var lockedUntil *time.Time
	if req.Delay > 0 {
		t := time.Now().UTC().Add(req.Delay)
		lockedUntil = &t
	}

	if req.DedupeKey == "" {
		q := `INSERT INTO jobs (id, kind, payload, status, priority, max_attempts, locked_until)
			VALUES ($1,$2,$3,'queued',$4,$5,$6)`
		if _, err := r.Pool.Exec(ctx, q, id, req.Kind, req.Payload, req.Priority, maxAttempts, lockedUntil); err != nil {
			return uuid.Nil, false, fmt.Errorf("op=job.enqueue: %w", err)
		}
		return id, true, nil
	}

	// Terminal rows do not block a re-enqueue of the same key: the key
	// constraint only applies while the prior job can still run.
	q := `INSERT INTO jobs (id, kind, dedupe_key, payload, status, priority, max_attempts, locked_until)
		VALUES ($1,$2,$3,$4,'queued',$5,$6,$7)
		ON CONFLICT (dedupe_key) DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q, id, req.Kind, req.DedupeKey, req.Payload, req.Priority, maxAttempts, lockedUntil)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("op=job.enqueue: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return id, true, nil
	}

	var existingID uuid.UUID
	var status domain.JobStatus
	row := r.Pool.QueryRow(ctx, `SELECT id, status FROM jobs WHERE dedupe_key=$1`, req.DedupeKey)
	if err := row.Scan(&existingID, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Row vanished between insert and lookup; retry once.
			return r.Enqueue(ctx, req)
		}
		return uuid.Nil, false, fmt.Errorf("op=job.enqueue: %w", err)
	}
	if status == domain.JobDone || status == domain.JobFailed {
		// Free the key from the terminal row, then insert fresh.
		if _, err := r.Pool.Exec(ctx, `UPDATE jobs SET dedupe_key=NULL WHERE id=$1 AND status IN ('done','failed')`, existingID); err != nil {
			return uuid.Nil, false, fmt.Errorf("op=job.enqueue: %w", err)
		}
		return r.Enqueue(ctx, req)
	}
	return existingID, false, nil
}

// Claim atomically leases the next runnable job: oldest by
// (priority, created_at) among queued/retry rows whose lock has lapsed.
func (r *JobRepo) Claim(ctx domain.Context, workerID string, lease time.Duration) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Claim")
	defer span.End()

	q := `UPDATE jobs
		SET status='processing',
		    locked_until = now() + $2::interval,
		    locked_by = $1,
		    attempts = attempts + 1,
		    updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status IN ('queued','retry')
			  AND (locked_until IS NULL OR locked_until < now())
			ORDER BY priority ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns
	row := r.Pool.QueryRow(ctx, q, workerID, lease)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.claim: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.claim: %w", err)
	}
	return j, nil
}

// Complete marks a processing job done. Terminal rows never transition
// again, so the guard is part of the statement.
func (r *JobRepo) Complete(ctx domain.Context, jobID uuid.UUID) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Complete")
	defer span.End()

	q := `UPDATE jobs SET status='done', locked_until=NULL, updated_at=now()
		WHERE id=$1 AND status NOT IN ('done','failed')`
	tag, err := r.Pool.Exec(ctx, q, jobID)
	if err != nil {
		return fmt.Errorf("op=job.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.complete id=%s: %w", jobID, domain.ErrNotFound)
	}
	return nil
}

// Fail records an error. Below max_attempts the job re-enters the queue
// as retry after an exponential, jittered backoff; at the cap it parks
// as failed and stays queryable for operator inspection.
func (r *JobRepo) Fail(ctx domain.Context, jobID uuid.UUID, errMsg string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Fail")
	defer span.End()

	var attempts, maxAttempts int
	row := r.Pool.QueryRow(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id=$1 AND status NOT IN ('done','failed')`, jobID)
	if err := row.Scan(&attempts, &maxAttempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=job.fail id=%s: %w", jobID, domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.fail: %w", err)
	}

	if attempts < maxAttempts {
		delay := r.backoff(attempts)
		q := `UPDATE jobs SET status='retry', error_message=$2,
			locked_until = now() + $3::interval, updated_at=now()
			WHERE id=$1`
		if _, err := r.Pool.Exec(ctx, q, jobID, errMsg, delay); err != nil {
			return fmt.Errorf("op=job.fail: %w", err)
		}
		return nil
	}
	q := `UPDATE jobs SET status='failed', error_message=$2, locked_until=NULL, updated_at=now() WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, jobID, errMsg); err != nil {
		return fmt.Errorf("op=job.fail: %w", err)
	}
	return nil
}

// FailPermanent parks the job as failed regardless of attempts left.
func (r *JobRepo) FailPermanent(ctx domain.Context, jobID uuid.UUID, errMsg string) error {
	q := `UPDATE jobs SET status='failed', error_message=$2, locked_until=NULL, updated_at=now()
		WHERE id=$1 AND status NOT IN ('done','failed')`
	tag, err := r.Pool.Exec(ctx, q, jobID, errMsg)
	if err != nil {
		return fmt.Errorf("op=job.fail_permanent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.fail_permanent id=%s: %w", jobID, domain.ErrNotFound)
	}
	return nil
}

// ReapExpired reverts processing jobs whose lease lapsed back to retry.
func (r *JobRepo) ReapExpired(ctx domain.Context) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ReapExpired")
	defer span.End()

	q := `UPDATE jobs SET status='retry', locked_until=NULL, locked_by=NULL, updated_at=now()
		WHERE status='processing' AND locked_until < now()`
	tag, err := r.Pool.Exec(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("op=job.reap: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Stats returns job counts grouped by status.
func (r *JobRepo) Stats(ctx domain.Context) (map[domain.JobStatus]int, error) {
	rows, err := r.Pool.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("op=job.stats: %w", err)
	}
	defer rows.Close()
	out := map[domain.JobStatus]int{}
	for rows.Next() {
		var s domain.JobStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("op=job.stats: %w", err)
		}
		out[s] = n
	}
	return out, rows.Err()
}

// Depth counts runnable backlog for backpressure decisions.
func (r *JobRepo) Depth(ctx domain.Context) (int, error) {
	var n int
	row := r.Pool.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE status IN ('queued','retry')`)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("op=job.depth: %w", err)
	}
	return n, nil
}

// PruneTerminal deletes done/failed rows older than the cutoff.
func (r *JobRepo) PruneTerminal(ctx domain.Context, olderThan time.Duration) (int, error) {
	q := `DELETE FROM jobs WHERE status IN ('done','failed') AND updated_at < now() - $1::interval`
	tag, err := r.Pool.Exec(ctx, q, olderThan)
	if err != nil {
		return 0, fmt.Errorf("op=job.prune: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *JobRepo) backoff(attempts int) time.Duration {
	d := r.BackoffBase
	for i := 0; i < attempts && d < r.BackoffCeiling; i++ {
		d *= 2
	}
	if d > r.BackoffCeiling {
		d = r.BackoffCeiling
	}
	// +/-20% jitter keeps retry storms from synchronizing.
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.Kind, &j.DedupeKey, &j.Payload, &j.Status, &j.Priority,
		&j.Attempts, &j.MaxAttempts, &j.LockedUntil, &j.ErrorMsg, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}
