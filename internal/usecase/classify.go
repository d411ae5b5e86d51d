// Package usecase holds the application services of the memory
// pipeline: classification and retrieval on the hot path, recording,
// linking, summarization and skill extraction on the cold path.
package usecase

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/simonhq/simon/internal/artifact"
	"github.com/simonhq/simon/internal/domain"
)

// Classifier turns a raw prompt into a Signal by whole-word matching
// against the known project and person directory. Strictly lexical, no
// model call, and the directory is fetched at most once per TTL.
type Classifier struct {
	Directory domain.DirectoryRepository
	State     domain.ProjectState
	// CacheTTL bounds staleness of the compiled directory patterns.
	CacheTTL time.Duration

	mu       sync.Mutex
	cache    *directoryCache
	cachedAt time.Time
}

type directoryCache struct {
	projects []compiledEntity
	people   []compiledEntity
}

type compiledEntity struct {
	match domain.EntityMatch
	re    *regexp.Regexp
}

// NewClassifier constructs a Classifier with a 60 second pattern cache.
func NewClassifier(dir domain.DirectoryRepository, state domain.ProjectState) *Classifier {
	return &Classifier{Directory: dir, State: state, CacheTTL: 60 * time.Second}
}

var (
	codeFenceRe = regexp.MustCompile("(?s)```")
	wordRe      = regexp.MustCompile(`[a-z0-9_-]+`)
)

var questionLeads = map[string]bool{
	"what": true, "why": true, "how": true, "where": true, "when": true,
	"who": true, "which": true, "can": true, "could": true, "should": true,
	"is": true, "are": true, "does": true, "do": true,
}

var imperativeLeads = map[string]bool{
	"fix": true, "add": true, "write": true, "implement": true, "create": true,
	"delete": true, "remove": true, "refactor": true, "update": true, "run": true,
	"build": true, "test": true, "deploy": true, "install": true, "make": true,
	"change": true, "rename": true, "move": true, "revert": true, "merge": true,
}

var continuationLeads = map[string]bool{
	"continue": true, "keep": true, "again": true, "resume": true,
	"next": true, "more": true, "proceed": true,
}

// stopwords excluded from keyword extraction.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"with": true, "is": true, "are": true, "was": true, "it": true, "this": true,
	"that": true, "my": true, "me": true, "i": true, "you": true, "please": true,
	"be": true, "as": true, "by": true, "from": true, "not": true, "do": true,
}

// Classify matches the prompt against the directory and returns the
// Signal. An explicit workspace project selection joins Projects with
// confidence 1.0.
func (c *Classifier) Classify(ctx domain.Context, prompt, workspacePath string) (domain.Signal, error) {
	tracer := otel.Tracer("usecase.classify")
	ctx, span := tracer.Start(ctx, "classify")
	defer span.End()

	dir, err := c.directory(ctx)
	if err != nil {
		return domain.Signal{}, err
	}

	lower := strings.ToLower(prompt)
	sig := domain.Signal{
		HasCodeFence: codeFenceRe.MatchString(prompt),
		Intent:       classifyIntent(lower),
		Paths:        artifact.ExtractPathsFromText(prompt),
		Keywords:     extractKeywords(lower),
	}

	for _, ce := range dir.projects {
		if n := len(ce.re.FindAllStringIndex(lower, -1)); n > 0 {
			m := ce.match
			m.Confidence = min(1.0, 0.5+0.25*float64(n))
			sig.Projects = append(sig.Projects, m)
		}
	}
	for _, ce := range dir.people {
		if n := len(ce.re.FindAllStringIndex(lower, -1)); n > 0 {
			m := ce.match
			m.Confidence = min(1.0, 0.5+0.25*float64(n))
			sig.People = append(sig.People, m)
		}
	}

	if c.State != nil {
		if slug, ok := c.State.ActiveProject(workspacePath); ok {
			sig.ExplicitProject = slug
			if !hasProject(sig.Projects, slug) {
				if p, err := c.Directory.ProjectBySlug(ctx, slug); err == nil {
					sig.Projects = append(sig.Projects, domain.EntityMatch{
						ID: p.ID, Slug: p.Slug, Name: p.Name, Confidence: 1.0,
					})
				}
			}
		}
	}
	return sig, nil
}

func (c *Classifier) directory(ctx domain.Context) (*directoryCache, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache != nil && time.Since(c.cachedAt) < c.CacheTTL {
		return c.cache, nil
	}
	projects, err := c.Directory.ListActiveProjects(ctx)
	if err != nil {
		return nil, err
	}
	people, err := c.Directory.ListPeople(ctx)
	if err != nil {
		return nil, err
	}
	dc := &directoryCache{}
	for _, p := range projects {
		terms := []string{p.Slug}
		if !strings.EqualFold(p.Slug, p.Name) {
			terms = append(terms, p.Name)
		}
		if re := compileTerms(terms); re != nil {
			dc.projects = append(dc.projects, compiledEntity{
				match: domain.EntityMatch{ID: p.ID, Slug: p.Slug, Name: p.Name},
				re:    re,
			})
		}
	}
	for _, p := range people {
		terms := []string{p.Name}
		// First name alone only when long enough to avoid noise.
		if first, _, ok := strings.Cut(p.Name, " "); ok && len(first) >= 3 {
			terms = append(terms, first)
		}
		if re := compileTerms(terms); re != nil {
			dc.people = append(dc.people, compiledEntity{
				match: domain.EntityMatch{ID: p.ID, Slug: p.Name, Name: p.Name},
				re:    re,
			})
		}
	}
	c.cache = dc
	c.cachedAt = time.Now()
	return dc, nil
}

// compileTerms builds a single whole-word alternation over the terms.
func compileTerms(terms []string) *regexp.Regexp {
	var quoted []string
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if len(t) < 2 {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(t))
	}
	if len(quoted) == 0 {
		return nil
	}
	// Zero-width boundaries: adjacent repeats must each count, so the
	// pattern cannot consume the separating character.
	re, err := regexp.Compile(`\b(?:` + strings.Join(quoted, "|") + `)\b`)
	if err != nil {
		return nil
	}
	return re
}

func classifyIntent(lower string) domain.Intent {
	trimmed := strings.TrimSpace(lower)
	if trimmed == "" {
		return domain.IntentUnknown
	}
	if strings.Contains(trimmed, "?") {
		return domain.IntentQuestion
	}
	fields := strings.Fields(trimmed)
	lead := strings.Trim(fields[0], ".,!:;")
	switch {
	case continuationLeads[lead]:
		return domain.IntentContinuation
	case questionLeads[lead]:
		return domain.IntentQuestion
	case imperativeLeads[lead]:
		return domain.IntentCommand
	}
	return domain.IntentUnknown
}

func extractKeywords(lower string) []string {
	var out []string
	seen := map[string]bool{}
	for _, w := range wordRe.FindAllString(lower, -1) {
		if len(w) < 3 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) == 20 {
			break
		}
	}
	return out
}

func hasProject(matches []domain.EntityMatch, slug string) bool {
	for _, m := range matches {
		if m.Slug == slug {
			return true
		}
	}
	return false
}
