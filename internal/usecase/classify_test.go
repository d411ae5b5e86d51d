package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonhq/simon/internal/domain"
)

func testDirectory() *stubDirectory {
	return &stubDirectory{
		projects: []domain.Project{
			{ID: uuid.New(), Name: "simon", Slug: "simon", Status: domain.ProjectActive},
			{ID: uuid.New(), Name: "Auth Service", Slug: "auth", Status: domain.ProjectActive},
		},
		people: []domain.Person{
			{ID: uuid.New(), Name: "Maria Santos"},
			{ID: uuid.New(), Name: "Bo Li"},
		},
	}
}

func TestClassify_ProjectAndIntent(t *testing.T) {
	t.Parallel()
	c := NewClassifier(testDirectory(), &stubState{})

	sig, err := c.Classify(context.Background(), "continue simon refactor", "/ws")
	require.NoError(t, err)
	require.Len(t, sig.Projects, 1)
	assert.Equal(t, "simon", sig.Projects[0].Slug)
	assert.Equal(t, domain.IntentContinuation, sig.Intent)
	assert.False(t, sig.Empty())
}

func TestClassify_PersonFullAndFirstName(t *testing.T) {
	t.Parallel()
	c := NewClassifier(testDirectory(), &stubState{})

	sig, err := c.Classify(context.Background(), "ask maria about the deploy", "")
	require.NoError(t, err)
	require.Len(t, sig.People, 1)
	assert.Equal(t, "Maria Santos", sig.People[0].Name)

	// "bo" is below the first-name length floor; the full name still matches.
	sig, err = c.Classify(context.Background(), "bo said it works", "")
	require.NoError(t, err)
	assert.Empty(t, sig.People)

	sig, err = c.Classify(context.Background(), "bo li said it works", "")
	require.NoError(t, err)
	assert.Len(t, sig.People, 1)
}

func TestClassify_WholeWordOnly(t *testing.T) {
	t.Parallel()
	c := NewClassifier(testDirectory(), &stubState{})

	// "authentication" must not match the "auth" slug.
	sig, err := c.Classify(context.Background(), "improve authentication docs", "")
	require.NoError(t, err)
	assert.Empty(t, sig.Projects)
}

func TestClassify_AdjacentMentionsEachCount(t *testing.T) {
	t.Parallel()
	c := NewClassifier(testDirectory(), &stubState{})

	// Back-to-back repeats share a separator; both must count.
	sig, err := c.Classify(context.Background(), "simon simon", "")
	require.NoError(t, err)
	require.Len(t, sig.Projects, 1)
	assert.Equal(t, 1.0, sig.Projects[0].Confidence)
}

func TestClassify_PathsAndCodeFence(t *testing.T) {
	t.Parallel()
	c := NewClassifier(testDirectory(), &stubState{})

	sig, err := c.Classify(context.Background(), "fix the auth bug in /src/login.py\n```py\nx=1\n```", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"/src/login.py"}, sig.Paths)
	assert.True(t, sig.HasCodeFence)
	assert.Equal(t, domain.IntentCommand, sig.Intent)
}

func TestClassify_IntentHeuristics(t *testing.T) {
	t.Parallel()
	c := NewClassifier(testDirectory(), &stubState{})
	cases := map[string]domain.Intent{
		"why does this fail?":   domain.IntentQuestion,
		"how do I run tests":    domain.IntentQuestion,
		"fix the bug":           domain.IntentCommand,
		"keep going":            domain.IntentContinuation,
		"hmm interesting stuff": domain.IntentUnknown,
	}
	for prompt, want := range cases {
		sig, err := c.Classify(context.Background(), prompt, "")
		require.NoError(t, err)
		assert.Equal(t, want, sig.Intent, "prompt=%q", prompt)
	}
}

func TestClassify_ExplicitProjectSelection(t *testing.T) {
	t.Parallel()
	state := &stubState{}
	require.NoError(t, state.SetActiveProject("auth", "/ws"))
	c := NewClassifier(testDirectory(), state)

	sig, err := c.Classify(context.Background(), "what next", "/ws")
	require.NoError(t, err)
	assert.Equal(t, "auth", sig.ExplicitProject)
	require.Len(t, sig.Projects, 1)
	assert.Equal(t, 1.0, sig.Projects[0].Confidence)
}

func TestClassify_DirectoryCacheTTL(t *testing.T) {
	t.Parallel()
	dir := testDirectory()
	c := NewClassifier(dir, &stubState{})
	c.CacheTTL = time.Hour

	_, err := c.Classify(context.Background(), "simon", "")
	require.NoError(t, err)

	// A project added after the first call is invisible until the TTL
	// lapses.
	dir.projects = append(dir.projects, domain.Project{ID: uuid.New(), Name: "newproj", Slug: "newproj"})
	sig, err := c.Classify(context.Background(), "newproj", "")
	require.NoError(t, err)
	assert.Empty(t, sig.Projects)

	c.cachedAt = time.Now().Add(-2 * time.Hour)
	sig, err = c.Classify(context.Background(), "newproj", "")
	require.NoError(t, err)
	assert.Len(t, sig.Projects, 1)
}
