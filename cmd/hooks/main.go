// Package main provides the hook binary invoked by the coding
// assistant. Two hook surfaces: "prompt" builds the injected context
// block, "stop" enqueues ingestion of the finished session. Both are
// silent on failure and always exit 0 for hook invocations so the
// assistant is never blocked.
//
// A few operator subcommands ride along: "stats" prints queue counts,
// "skills" lists installed skills (or prints one by name), and
// "use-project" pins the workspace's focus project.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/simonhq/simon/internal/adapter/projstate"
	"github.com/simonhq/simon/internal/adapter/repo/postgres"
	"github.com/simonhq/simon/internal/adapter/skillfs"
	"github.com/simonhq/simon/internal/config"
	"github.com/simonhq/simon/internal/domain"
	"github.com/simonhq/simon/internal/usecase"
)

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	// Hooks log to stderr only; stdout is the wire.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	switch flag.Arg(0) {
	case "prompt":
		runPrompt()
	case "stop":
		runStop()
	case "stats":
		os.Exit(runStats())
	case "skills":
		os.Exit(runSkills(flag.Args()[1:]))
	case "use-project":
		os.Exit(runUseProject(flag.Args()[1:]))
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: hooks <prompt|stop|stats|skills|use-project> [args]`)
}

type promptInput struct {
	SessionID     string `json:"session_id"`
	WorkspacePath string `json:"workspace_path"`
	Prompt        string `json:"prompt"`
}

type promptOutput struct {
	Context string `json:"context"`
}

type stopInput struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	WorkspacePath  string `json:"workspace_path"`
}

// runPrompt reads the hook payload from stdin and writes the context
// block. Any failure emits an empty context and exits 0.
func runPrompt() {
	emit := func(s string) {
		_ = json.NewEncoder(os.Stdout).Encode(promptOutput{Context: s})
	}

	cfg, err := config.Load("")
	if err != nil {
		emit("")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Context.HookTimeout)
	defer cancel()

	var in promptInput
	if err := json.NewDecoder(io.LimitReader(os.Stdin, 1<<20)).Decode(&in); err != nil || in.Prompt == "" {
		emit("")
		return
	}

	pool, err := postgres.NewPool(ctx, cfg.General.DBURL)
	if err != nil {
		emit("")
		return
	}
	defer pool.Close()

	directory := postgres.NewDirectoryRepo(pool)
	classifier := usecase.NewClassifier(directory, projstate.NewFile(""))
	classifier.CacheTTL = 0 // single-shot process, no point caching

	retriever := usecase.NewRetriever(postgres.NewSessionRepo(pool), directory, postgres.NewSkillRepo(pool))
	retriever.Timeout = cfg.Context.RetrieveTimeout
	retriever.ConversationDays = cfg.Context.ConversationDays
	retriever.ErrorHours = cfg.Context.ErrorHours

	svc := usecase.NewContextService(classifier, retriever, usecase.NewFormatter(cfg.Context.MaxContextTokens))
	emit(svc.BuildContext(ctx, in.Prompt, in.WorkspacePath))
}

// runStop enqueues a session_process job for the finished session.
// Failure is silent; the transcript is still on disk and the next stop
// event retries.
func runStop() {
	cfg, err := config.Load("")
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Context.HookTimeout)
	defer cancel()

	var in stopInput
	if err := json.NewDecoder(io.LimitReader(os.Stdin, 1<<20)).Decode(&in); err != nil {
		return
	}
	if in.SessionID == "" || in.TranscriptPath == "" {
		return
	}

	pool, err := postgres.NewPool(ctx, cfg.General.DBURL)
	if err != nil {
		return
	}
	defer pool.Close()

	queue := postgres.NewJobRepo(pool, cfg.Worker.BackoffBase, cfg.Worker.BackoffCeiling)
	recorder := usecase.NewRecorder(postgres.NewSessionRepo(pool), queue)
	if _, _, err := recorder.EnqueueSessionProcess(ctx, in.SessionID, in.TranscriptPath, in.WorkspacePath); err != nil {
		slog.Warn("stop hook enqueue failed", slog.Any("error", err))
	}
}

func runStats() int {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.General.DBURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "database unreachable:", err)
		return 1
	}
	defer pool.Close()

	queue := postgres.NewJobRepo(pool, cfg.Worker.BackoffBase, cfg.Worker.BackoffCeiling)
	stats, err := queue.Stats(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "stats:", err)
		return 1
	}
	for _, status := range []string{"queued", "processing", "retry", "done", "failed"} {
		fmt.Printf("%-12s %d\n", status, stats[domain.JobStatus(status)])
	}
	return 0
}

// runSkills lists installed skills, or prints one skill's document when
// a name is given.
func runSkills(args []string) int {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.General.DBURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "database unreachable:", err)
		return 1
	}
	defer pool.Close()

	store := skillfs.NewStore(cfg.Skills.PersonalDir, cfg.Skills.ProjectDir)
	repo := postgres.NewSkillRepo(pool)

	if len(args) > 0 {
		name := args[0]
		for _, scope := range []string{domain.ScopePersonal, domain.ScopeProject} {
			s, err := repo.GetActiveSkill(ctx, name, scope)
			if err != nil {
				continue
			}
			content, err := store.Read(s.Name, s.Scope)
			if err != nil {
				fmt.Fprintln(os.Stderr, "read skill:", err)
				return 1
			}
			fmt.Print(content)
			return 0
		}
		fmt.Fprintf(os.Stderr, "skill %q not installed\n", name)
		return 1
	}

	engine := usecase.NewSkillEngine(postgres.NewSessionRepo(pool), repo, store, nil)
	skills, err := engine.ListInstalled(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list skills:", err)
		return 1
	}
	for _, s := range skills {
		fmt.Printf("%-30s %-8s %-8s %s\n", s.Name, s.Scope, s.Source, s.Description)
	}
	return 0
}

func runUseProject(args []string) int {
	fs := flag.NewFlagSet("use-project", flag.ExitOnError)
	clearSel := fs.Bool("clear", false, "clear the selection instead of setting it")
	_ = fs.Parse(args)

	workspace, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, "cwd:", err)
		return 1
	}
	state := projstate.NewFile("")
	if *clearSel {
		if err := state.ClearActiveProject(workspace); err != nil {
			fmt.Fprintln(os.Stderr, "clear project:", err)
			return 1
		}
		return 0
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: hooks use-project [-clear] <slug>")
		return 2
	}
	if err := state.SetActiveProject(fs.Arg(0), workspace); err != nil {
		fmt.Fprintln(os.Stderr, "set project:", err)
		return 1
	}
	return 0
}
