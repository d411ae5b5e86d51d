package transcript

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func line(typ, text string, extra string) string {
	b := `{"type":"` + typ + `","timestamp":"2026-08-01T10:00:00Z",` + extra +
		`"message":{"role":"` + typ + `","content":[{"type":"text","text":"` + text + `"}]}}`
	return b
}

func TestParse_TurnBoundaries(t *testing.T) {
	t.Parallel()
	input := strings.Join([]string{
		line("user", "fix the login bug", ""),
		line("assistant", "looking at it", ""),
		`{"type":"assistant","timestamp":"2026-08-01T10:01:00Z","message":{"role":"assistant","model":"m1","content":[{"type":"tool_use","name":"Read","input":{}}]}}`,
		line("assistant", "found it", ""),
		line("user", "thanks, also add a test", ""),
	}, "\n")

	res := Parse(strings.NewReader(input))
	require.Len(t, res.Turns, 2)
	assert.Equal(t, 0, res.Malformed)

	first := res.Turns[0]
	assert.Equal(t, 0, first.TurnNumber)
	assert.Equal(t, "fix the login bug", first.UserMessage)
	assert.Equal(t, "looking at it\nfound it", first.AssistantText)
	assert.Equal(t, []string{"Read"}, first.ToolNames)
	assert.Equal(t, "m1", first.ModelName)
	assert.Len(t, first.ContentHash, 64)

	// Trailing user message without a reply still becomes a turn.
	second := res.Turns[1]
	assert.Equal(t, 1, second.TurnNumber)
	assert.Empty(t, second.AssistantText)
}

func TestParse_SkipsMalformedAndMeta(t *testing.T) {
	t.Parallel()
	input := strings.Join([]string{
		"not json at all",
		line("meta", "ignored", ""),
		line("user", "hello", `"isSidechain":true,`),
		line("user", "real prompt", ""),
		line("assistant", "real answer", ""),
	}, "\n")

	res := Parse(strings.NewReader(input))
	assert.Equal(t, 1, res.Malformed)
	require.Len(t, res.Turns, 1)
	assert.Equal(t, "real prompt", res.Turns[0].UserMessage)
}

func TestParse_SkipsCommandEcho(t *testing.T) {
	t.Parallel()
	input := strings.Join([]string{
		line("user", "<command-name>clear</command-name>", ""),
		line("user", "actual question", ""),
	}, "\n")
	res := Parse(strings.NewReader(input))
	require.Len(t, res.Turns, 1)
	assert.Equal(t, "actual question", res.Turns[0].UserMessage)
}

func TestParse_ToolResultUserRecordStaysInTurn(t *testing.T) {
	t.Parallel()
	input := strings.Join([]string{
		line("user", "run the tests", ""),
		`{"type":"assistant","timestamp":"2026-08-01T10:01:00Z","message":{"role":"assistant","content":[{"type":"tool_use","name":"Bash","input":{"command":"pytest"}}]}}`,
		`{"type":"user","timestamp":"2026-08-01T10:02:00Z","message":{"role":"user","content":[{"type":"tool_result","is_error":true,"content":"Traceback"}]}}`,
		line("assistant", "one test fails", ""),
		line("user", "fix it", ""),
	}, "\n")

	res := Parse(strings.NewReader(input))
	require.Len(t, res.Turns, 2)

	first := res.Turns[0]
	assert.Equal(t, "run the tests", first.UserMessage)
	assert.Equal(t, "one test fails", first.AssistantText)
	assert.Contains(t, first.RawJSONL, "tool_result")
	assert.Equal(t, "fix it", res.Turns[1].UserMessage)
}

func TestParse_AssistantBeforeUserIgnored(t *testing.T) {
	t.Parallel()
	input := strings.Join([]string{
		line("assistant", "orphan", ""),
		line("user", "prompt", ""),
	}, "\n")
	res := Parse(strings.NewReader(input))
	require.Len(t, res.Turns, 1)
	assert.Empty(t, res.Turns[0].AssistantText)
}

func TestContentHash_Deterministic(t *testing.T) {
	t.Parallel()
	a := ContentHash("u", "a", []string{"Read", "Bash"})
	b := ContentHash("u", "a", []string{"Read", "Bash"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	// Tool order, and the field boundaries, are part of the digest.
	assert.NotEqual(t, a, ContentHash("u", "a", []string{"Bash", "Read"}))
	assert.NotEqual(t, ContentHash("ab", "c", nil), ContentHash("a", "bc", nil))
}
