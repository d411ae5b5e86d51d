// Package main provides the worker entry point. The worker drains the
// durable job queue: session ingestion, turn summarization, entity and
// artifact extraction, session summaries and skill generation.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/simonhq/simon/internal/adapter/ai"
	"github.com/simonhq/simon/internal/adapter/observability"
	"github.com/simonhq/simon/internal/adapter/projstate"
	"github.com/simonhq/simon/internal/adapter/repo/postgres"
	"github.com/simonhq/simon/internal/adapter/skillfs"
	"github.com/simonhq/simon/internal/config"
	"github.com/simonhq/simon/internal/domain"
	"github.com/simonhq/simon/internal/usecase"
	"github.com/simonhq/simon/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "config file path (default ~/.config/simon/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	if cfg.Worker.MetricsAddr != "" {
		srv := observability.MetricsServer(cfg.Worker.MetricsAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", slog.Any("error", err))
			}
		}()
		defer srv.Close()
	}

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker",
		slog.String("env", cfg.General.Env),
		slog.Int("parallelism", cfg.Worker.Parallelism))

	pool, err := postgres.NewPool(context.Background(), cfg.General.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	sessions := postgres.NewSessionRepo(pool)
	directory := postgres.NewDirectoryRepo(pool)
	skillRepo := postgres.NewSkillRepo(pool)
	queue := postgres.NewJobRepo(pool, cfg.Worker.BackoffBase, cfg.Worker.BackoffCeiling)

	var aiClient domain.AIClient
	if cfg.Model.APIKey != "" {
		aiClient = ai.NewClient(cfg.Model.BaseURL, cfg.Model.APIKey, cfg.Model.Name,
			cfg.Model.Timeout, cfg.Model.MaxAttempts)
	} else {
		slog.Warn("no model api key configured; summaries degrade to truncation")
	}

	recorder := usecase.NewRecorder(sessions, queue)
	recorder.Directory = directory
	recorder.QueueSoftCap = cfg.Worker.QueueSoftCap
	recorder.BackpressureDelay = cfg.Worker.BackpressureDelay

	summarizer := usecase.NewSummarizer(sessions, aiClient)
	summarizer.MaxChars = cfg.Skills.SummaryMaxChars

	classifier := usecase.NewClassifier(directory, projstate.NewFile(""))
	linker := usecase.NewLinker(sessions, directory, classifier)

	store := skillfs.NewStore(cfg.Skills.PersonalDir, cfg.Skills.ProjectDir)
	skills := usecase.NewSkillEngine(sessions, skillRepo, store, aiClient)
	skills.AutoGenerate = cfg.Skills.AutoGenerate && aiClient != nil
	skills.MinQualityScore = cfg.Skills.MinQualityScore
	skills.DefaultScope = cfg.Skills.DefaultScope
	skills.MaxAutoPerDay = cfg.Skills.MaxAutoPerDay
	skills.ConfirmationTokens = cfg.Skills.ConfirmationTokens

	w := worker.New(queue, recorder, summarizer, linker, skills)
	w.Pruner = queue
	w.JobRetention = cfg.Worker.JobRetention
	w.Parallelism = cfg.Worker.Parallelism
	w.Lease = cfg.Worker.Lease
	w.PollInterval = cfg.Worker.PollInterval
	w.MaxIdleSleep = cfg.Worker.MaxIdleSleep

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil {
		slog.Error("worker error", slog.Any("error", err))
		os.Exit(1)
	}
}
