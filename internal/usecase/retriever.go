package usecase

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/simonhq/simon/internal/adapter/observability"
	"github.com/simonhq/simon/internal/domain"
)

// Retriever fans out to the store in parallel and returns scored
// candidate context items. Branches share one deadline; a branch still
// running at the deadline is cancelled and contributes nothing. A
// branch error never fails the call, the result is simply smaller.
type Retriever struct {
	Sessions  domain.SessionRepository
	Directory domain.DirectoryRepository
	Skills    domain.SkillRepository

	Timeout          time.Duration // wall-clock budget, default 1.5s
	ConversationDays int           // lookback for the conversations branch
	ErrorHours       int           // lookback for the errors branch
}

// NewRetriever constructs a Retriever with the documented defaults.
func NewRetriever(s domain.SessionRepository, d domain.DirectoryRepository, sk domain.SkillRepository) *Retriever {
	return &Retriever{
		Sessions: s, Directory: d, Skills: sk,
		Timeout:          1500 * time.Millisecond,
		ConversationDays: 14,
		ErrorHours:       72,
	}
}

const (
	convLimit  = 20
	taskLimit  = 15
	errLimit   = 10
	perBranch  = 5 // max accepted per kind before packing
	recencyTau = 48.0
)

// Retrieve runs every branch concurrently and returns the merged,
// sprint-boosted item list. The slice is unsorted; ranking belongs to
// the Formatter.
func (r *Retriever) Retrieve(ctx domain.Context, sig domain.Signal, workspacePath string) ([]domain.ContextItem, error) {
	tracer := otel.Tracer("usecase.retrieve")
	ctx, span := tracer.Start(ctx, "retrieve")
	defer span.End()

	start := time.Now()
	defer func() {
		observability.RetrieveDuration.Observe(time.Since(start).Seconds())
	}()

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	now := time.Now().UTC()
	names, paths := signalTerms(sig)
	projectIDs, personIDs := signalIDs(sig)

	var mu sync.Mutex
	var items []domain.ContextItem
	add := func(batch []domain.ContextItem) {
		mu.Lock()
		items = append(items, batch...)
		mu.Unlock()
	}

	// Branch errors are swallowed: a failed or cancelled branch yields a
	// subset, never a failure of the whole retrieval.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if len(names) == 0 && len(paths) == 0 {
			return nil
		}
		since := now.AddDate(0, 0, -r.ConversationDays)
		hits, err := r.Sessions.RecentTurnsByEntities(gctx, names, paths, since, convLimit)
		if err != nil {
			return nil
		}
		add(scoreConversations(hits, sig, now))
		return nil
	})

	g.Go(func() error {
		if len(projectIDs) == 0 && len(personIDs) == 0 {
			return nil
		}
		tasks, err := r.Directory.OpenTasks(gctx, projectIDs, personIDs, taskLimit)
		if err != nil {
			return nil
		}
		add(scoreTasks(tasks, now))
		return nil
	})

	g.Go(func() error {
		if len(projectIDs) == 0 && len(personIDs) == 0 {
			return nil
		}
		cs, err := r.Directory.OpenCommitments(gctx, projectIDs, personIDs, taskLimit)
		if err != nil {
			return nil
		}
		add(scoreCommitments(cs, now))
		return nil
	})

	g.Go(func() error {
		skills, err := r.Skills.ActiveSkills(gctx)
		if err != nil {
			return nil
		}
		add(scoreSkills(skills, sig))
		return nil
	})

	g.Go(func() error {
		if len(names) == 0 && len(paths) == 0 {
			return nil
		}
		since := now.Add(-time.Duration(r.ErrorHours) * time.Hour)
		hits, err := r.Sessions.RecentErrorArtifacts(gctx, names, paths, since, errLimit)
		if err != nil {
			return nil
		}
		add(scoreErrors(hits, now))
		return nil
	})

	g.Go(func() error {
		item, ok := r.focusItem(gctx, sig, workspacePath)
		if ok {
			add([]domain.ContextItem{item})
		}
		return nil
	})

	_ = g.Wait()

	items = capPerKind(items, perBranch)
	r.applySprintBoost(ctx, items, now)
	return items, nil
}

// focusItem resolves the single Focus item: an explicit Signal match
// first, then the workspace's selected project.
func (r *Retriever) focusItem(ctx domain.Context, sig domain.Signal, workspacePath string) (domain.ContextItem, bool) {
	var p domain.Project
	var err error
	switch {
	case len(sig.Projects) > 0:
		p, err = r.Directory.ProjectBySlug(ctx, sig.Projects[0].Slug)
	case workspacePath != "":
		p, err = r.Directory.SelectedProject(ctx, workspacePath)
	default:
		return domain.ContextItem{}, false
	}
	if err != nil {
		return domain.ContextItem{}, false
	}
	qual := p.Tier
	if p.UserPriority != "" {
		qual = p.UserPriority + " priority"
	}
	pid := p.ID
	return domain.ContextItem{
		Kind:      domain.KindFocus,
		RefID:     p.Slug,
		Title:     p.Name,
		Qualifier: qual,
		Score:     1.0,
		Recency:   p.LastActivity,
		ProjectID: &pid,
	}, true
}

func (r *Retriever) applySprintBoost(ctx domain.Context, items []domain.ContextItem, now time.Time) {
	sprints, err := r.Directory.EffectiveSprints(ctx, now)
	if err != nil || len(sprints) == 0 {
		return
	}
	boost := map[uuid.UUID]float64{}
	for _, s := range sprints {
		if s.Effective(now) && s.PriorityBoost > boost[s.ProjectID] {
			boost[s.ProjectID] = s.PriorityBoost
		}
	}
	for i := range items {
		if items[i].ProjectID == nil {
			continue
		}
		if k, ok := boost[*items[i].ProjectID]; ok {
			items[i].Score *= k
		}
	}
}

func scoreConversations(hits []domain.ConversationHit, sig domain.Signal, now time.Time) []domain.ContextItem {
	sigNames := lowerSet(matchNames(sig))
	sigPaths := lowerSet(sig.Paths)
	var out []domain.ContextItem
	for _, h := range hits {
		entityOverlap := overlapFraction(lowerSet(h.EntityNames), sigNames)
		pathOverlap := overlapFraction(lowerSet(h.FilesTouched), sigPaths)
		recency := 0.0
		if h.Turn.EndedAt != nil {
			age := now.Sub(*h.Turn.EndedAt).Hours()
			recency = math.Exp(-age / recencyTau)
		}
		score := 0.5*entityOverlap + 0.3*recency + 0.2*pathOverlap
		title := h.Turn.Title
		if title == "" {
			title = firstLine(h.Turn.UserMessage, 80)
		}
		out = append(out, domain.ContextItem{
			Kind:      domain.KindConversation,
			RefID:     h.Turn.ID.String(),
			Title:     title,
			Body:      h.Turn.AssistantSummary,
			Score:     score,
			Recency:   h.Turn.EndedAt,
			ProjectID: h.ProjectID,
		})
	}
	return out
}

func scoreTasks(tasks []domain.Task, now time.Time) []domain.ContextItem {
	weights := map[string]float64{
		domain.PriorityUrgent: 1.0,
		domain.PriorityHigh:   0.75,
		domain.PriorityNormal: 0.5,
		domain.PriorityLow:    0.25,
	}
	var out []domain.ContextItem
	for _, t := range tasks {
		score := weights[t.Priority]
		if t.UserPinned {
			score += 0.2
		}
		var qual string
		if t.DueDate != nil {
			days := t.DueDate.Sub(now).Hours() / 24
			score += math.Max(0, (7-days)/7) * 0.3
			qual = fmt.Sprintf("due %s", t.DueDate.Format("Jan 2"))
		}
		// Max raw score is 1.0 + 0.2 + 0.3.
		score /= 1.5
		if qual == "" {
			qual = t.Priority
		}
		out = append(out, domain.ContextItem{
			Kind:      domain.KindTask,
			RefID:     t.ID.String(),
			Title:     t.Title,
			Qualifier: qual,
			Score:     score,
			ProjectID: t.ProjectID,
		})
	}
	return out
}

func scoreCommitments(cs []domain.Commitment, now time.Time) []domain.ContextItem {
	var out []domain.ContextItem
	for _, c := range cs {
		score := 0.4
		if c.Direction == domain.DirectionToMe {
			score += 0.2
		}
		var qual string
		if c.Deadline != nil {
			days := c.Deadline.Sub(now).Hours() / 24
			score += math.Max(0, (7-days)/7) * 0.4
			qual = fmt.Sprintf("deadline %s", c.Deadline.Format("Jan 2"))
		}
		if score > 1.0 {
			score = 1.0
		}
		if qual == "" && c.PersonName != "" {
			qual = c.PersonName
		}
		out = append(out, domain.ContextItem{
			Kind:      domain.KindCommitment,
			RefID:     c.ID.String(),
			Title:     c.Description,
			Qualifier: qual,
			Score:     score,
			ProjectID: c.ProjectID,
		})
	}
	return out
}

func scoreSkills(skills []domain.Skill, sig domain.Signal) []domain.ContextItem {
	query := lowerSet(sig.Keywords)
	for _, m := range sig.Projects {
		query[strings.ToLower(m.Slug)] = true
	}
	if len(query) == 0 {
		return nil
	}
	var out []domain.ContextItem
	for _, s := range skills {
		tokens := map[string]bool{}
		for _, w := range wordRe.FindAllString(strings.ToLower(s.Name+" "+s.Description), -1) {
			tokens[w] = true
		}
		for _, t := range s.Triggers {
			tokens[strings.ToLower(t)] = true
		}
		score := jaccard(tokens, query)
		if score == 0 {
			continue
		}
		out = append(out, domain.ContextItem{
			Kind:      domain.KindSkill,
			RefID:     s.Name,
			Title:     s.Name,
			Body:      s.Description,
			Qualifier: s.Scope,
			Score:     score,
		})
	}
	return out
}

func scoreErrors(hits []domain.ErrorHit, now time.Time) []domain.ContextItem {
	var out []domain.ContextItem
	for _, h := range hits {
		recency := 0.0
		if h.OccurredAt != nil {
			age := now.Sub(*h.OccurredAt).Hours()
			recency = math.Exp(-age / recencyTau)
		}
		score := 0.3 + 0.5*recency
		var qual string
		if len(h.Files) > 0 {
			qual = h.Files[0]
		}
		out = append(out, domain.ContextItem{
			Kind:      domain.KindError,
			RefID:     h.Artifact.ID.String(),
			Title:     firstLine(h.Artifact.Value, 120),
			Qualifier: qual,
			Score:     score,
			Recency:   h.OccurredAt,
			ProjectID: h.ProjectID,
		})
	}
	return out
}

// capPerKind keeps at most n highest-scored items of each kind.
func capPerKind(items []domain.ContextItem, n int) []domain.ContextItem {
	byKind := map[domain.ItemKind][]domain.ContextItem{}
	for _, it := range items {
		byKind[it.Kind] = append(byKind[it.Kind], it)
	}
	var out []domain.ContextItem
	for _, group := range byKind {
		sortByScore(group)
		if len(group) > n {
			group = group[:n]
		}
		out = append(out, group...)
	}
	return out
}

func signalTerms(sig domain.Signal) (names, paths []string) {
	names = matchNames(sig)
	return names, sig.Paths
}

func matchNames(sig domain.Signal) []string {
	var out []string
	for _, m := range sig.Projects {
		out = append(out, m.Slug, m.Name)
	}
	for _, m := range sig.People {
		out = append(out, m.Name)
	}
	return out
}

func signalIDs(sig domain.Signal) (projectIDs, personIDs []uuid.UUID) {
	for _, m := range sig.Projects {
		if m.ID != uuid.Nil {
			projectIDs = append(projectIDs, m.ID)
		}
	}
	for _, m := range sig.People {
		if m.ID != uuid.Nil {
			personIDs = append(personIDs, m.ID)
		}
	}
	return projectIDs, personIDs
}

func lowerSet(xs []string) map[string]bool {
	out := map[string]bool{}
	for _, x := range xs {
		x = strings.ToLower(strings.TrimSpace(x))
		if x != "" {
			out[x] = true
		}
	}
	return out
}

func overlapFraction(have, want map[string]bool) float64 {
	if len(want) == 0 {
		return 0
	}
	n := 0
	for k := range want {
		if have[k] {
			n++
		}
	}
	return float64(n) / float64(len(want))
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func firstLine(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}
