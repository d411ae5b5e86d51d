// Package worker runs the cold path: parallel claimers over the
// durable job queue, a lease reaper, and the dispatch table mapping job
// kinds to handlers.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/simonhq/simon/internal/adapter/observability"
	"github.com/simonhq/simon/internal/domain"
	"github.com/simonhq/simon/internal/usecase"
)

// Handler processes one claimed job. A nil return completes the job; a
// non-retryable error parks it as failed regardless of attempts left.
type Handler func(ctx context.Context, job domain.Job) error

// Worker claims and dispatches jobs until its context is cancelled.
// In-flight jobs are finished before Run returns.
type Worker struct {
	Queue domain.Queue

	// Pruner, when set, deletes terminal job rows past JobRetention on a
	// slow cadence alongside the lease reaper.
	Pruner interface {
		PruneTerminal(ctx context.Context, olderThan time.Duration) (int, error)
	}
	JobRetention time.Duration

	Recorder   usecase.Recorder
	Summarizer usecase.Summarizer
	Linker     usecase.Linker
	Skills     *usecase.SkillEngine

	// Parallelism is the claimer count, default 2.
	Parallelism int
	// Lease is the exclusive hold per claim, default 60s.
	Lease time.Duration
	// PollInterval is the base idle sleep, default 500ms; idle sleeps
	// back off up to MaxIdleSleep (default 5s).
	PollInterval time.Duration
	MaxIdleSleep time.Duration

	handlers map[string]Handler
}

// New wires the dispatch table for the six job kinds.
func New(q domain.Queue, rec usecase.Recorder, sum usecase.Summarizer, link usecase.Linker, skills *usecase.SkillEngine) *Worker {
	w := &Worker{
		Queue:        q,
		Recorder:     rec,
		Summarizer:   sum,
		Linker:       link,
		Skills:       skills,
		Parallelism:  2,
		Lease:        60 * time.Second,
		PollInterval: 500 * time.Millisecond,
		MaxIdleSleep: 5 * time.Second,
	}
	w.handlers = map[string]Handler{
		domain.JobSessionProcess:  w.handleSessionProcess,
		domain.JobTurnSummary:     w.handleTurnSummary,
		domain.JobEntityExtract:   w.handleEntityExtract,
		domain.JobArtifactExtract: w.handleArtifactExtract,
		domain.JobSessionSummary:  w.handleSessionSummary,
		domain.JobSkillExtract:    w.handleSkillExtract,
	}
	return w
}

// Run blocks until ctx is cancelled and every claimer has drained its
// in-flight job.
func (w *Worker) Run(ctx context.Context) error {
	parallelism := w.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.reapLoop(ctx)
	}()

	for i := 0; i < parallelism; i++ {
		workerID := ulid.Make().String()
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.claimLoop(ctx, workerID)
		}()
	}
	wg.Wait()
	slog.Info("worker stopped")
	return nil
}

// reapLoop periodically returns expired leases to the queue and
// exports the backlog depth.
func (w *Worker) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	prune := time.NewTicker(time.Hour)
	defer prune.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := w.Queue.ReapExpired(ctx); err == nil && n > 0 {
				slog.Warn("reaped expired job leases", slog.Int("count", n))
			}
			if depth, err := w.Queue.Depth(ctx); err == nil {
				observability.QueueDepth.Set(float64(depth))
			}
		case <-prune.C:
			if w.Pruner == nil {
				continue
			}
			retention := w.JobRetention
			if retention <= 0 {
				retention = 7 * 24 * time.Hour
			}
			if n, err := w.Pruner.PruneTerminal(ctx, retention); err == nil && n > 0 {
				slog.Info("pruned terminal jobs", slog.Int("count", n))
			}
		}
	}
}

func (w *Worker) claimLoop(ctx context.Context, workerID string) {
	idle := w.PollInterval
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.Queue.Claim(ctx, workerID, w.Lease)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) && ctx.Err() == nil {
				slog.Error("claim failed", slog.String("worker_id", workerID), slog.Any("error", err))
			}
			// Jittered idle backoff, capped.
			sleep := idle + time.Duration(rand.Int63n(int64(w.PollInterval)))
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
			if idle *= 2; idle > w.MaxIdleSleep {
				idle = w.MaxIdleSleep
			}
			continue
		}
		idle = w.PollInterval

		// The in-flight job runs under the lease, not the loop context,
		// so shutdown lets it finish.
		jobCtx, cancel := context.WithTimeout(context.Background(), w.Lease)
		w.dispatch(jobCtx, job)
		cancel()
	}
}

func (w *Worker) dispatch(ctx context.Context, job domain.Job) {
	log := slog.With(
		slog.String("job_id", job.ID.String()),
		slog.String("kind", job.Kind),
		slog.Int("attempt", job.Attempts))

	handler, ok := w.handlers[job.Kind]
	if !ok {
		log.Error("unknown job kind")
		_ = w.Queue.FailPermanent(ctx, job.ID, fmt.Sprintf("unknown kind %q", job.Kind))
		observability.JobsFailedTotal.WithLabelValues(job.Kind).Inc()
		return
	}

	start := time.Now()
	err := handler(ctx, job)
	observability.JobDuration.WithLabelValues(job.Kind).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		if cerr := w.Queue.Complete(ctx, job.ID); cerr != nil {
			log.Error("complete failed", slog.Any("error", cerr))
			return
		}
		observability.JobsCompletedTotal.WithLabelValues(job.Kind).Inc()
		log.Debug("job done", slog.Duration("took", time.Since(start)))
	case !usecase.Retryable(err):
		// Park immediately: retrying an invariant breach cannot succeed.
		log.Error("job failed permanently", slog.Any("error", err))
		_ = w.Queue.FailPermanent(ctx, job.ID, err.Error())
		observability.JobsFailedTotal.WithLabelValues(job.Kind).Inc()
	default:
		log.Warn("job failed, will retry", slog.Any("error", err))
		_ = w.Queue.Fail(ctx, job.ID, err.Error())
		observability.JobsFailedTotal.WithLabelValues(job.Kind).Inc()
	}
}

func (w *Worker) handleSessionProcess(ctx context.Context, job domain.Job) error {
	var p domain.SessionJobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("op=worker.session_process payload: %w: %v", domain.ErrInvalidArgument, err)
	}
	res, err := w.Recorder.Record(ctx, p.SessionID, p.TranscriptPath, p.WorkspacePath)
	if err != nil {
		return err
	}
	slog.Info("session recorded",
		slog.String("session_id", p.SessionID),
		slog.Int("new_turns", res.NewTurns),
		slog.Int("skipped", res.SkippedByHash),
		slog.Int("enqueued", res.EnqueuedJobs))
	return nil
}

func (w *Worker) handleTurnSummary(ctx context.Context, job domain.Job) error {
	p, err := turnPayload(job)
	if err != nil {
		return err
	}
	return w.Summarizer.SummarizeTurn(ctx, p.TurnID)
}

func (w *Worker) handleEntityExtract(ctx context.Context, job domain.Job) error {
	p, err := turnPayload(job)
	if err != nil {
		return err
	}
	return w.Linker.LinkTurn(ctx, p.TurnID)
}

func (w *Worker) handleArtifactExtract(ctx context.Context, job domain.Job) error {
	p, err := turnPayload(job)
	if err != nil {
		return err
	}
	return w.Summarizer.ExtractTurnArtifacts(ctx, p.TurnID)
}

func (w *Worker) handleSessionSummary(ctx context.Context, job domain.Job) error {
	var p domain.SessionJobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("op=worker.session_summary payload: %w: %v", domain.ErrInvalidArgument, err)
	}
	return w.Summarizer.SummarizeSession(ctx, p.SessionID)
}

func (w *Worker) handleSkillExtract(ctx context.Context, job domain.Job) error {
	var p domain.SessionJobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("op=worker.skill_extract payload: %w: %v", domain.ErrInvalidArgument, err)
	}
	return w.Skills.GenerateFromSession(ctx, p.SessionID, p.WorkspacePath)
}

func turnPayload(job domain.Job) (domain.TurnJobPayload, error) {
	var p domain.TurnJobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return p, fmt.Errorf("op=worker.turn_payload: %w: %v", domain.ErrInvalidArgument, err)
	}
	return p, nil
}
