package ai

import (
	"fmt"
	"strings"

	"github.com/simonhq/simon/internal/domain"
)

// Stub is a deterministic model client for development and tests. It
// never fails and derives its output from the input alone.
type Stub struct{}

// SummarizeTurn truncates instead of summarizing.
func (Stub) SummarizeTurn(_ domain.Context, userMessage, assistantText string) (string, string, error) {
	title := firstWords(userMessage, 8)
	summary := firstWords(assistantText, 30)
	if summary == "" {
		summary = title
	}
	return title, summary, nil
}

// SynthesizeSkill builds a minimal document from the request fields.
func (Stub) SynthesizeSkill(_ domain.Context, req domain.SkillRequest) (domain.SkillDoc, error) {
	name := strings.ToLower(strings.ReplaceAll(firstWords(req.Description, 5), " ", "-"))
	if name == "" {
		name = "session-procedure"
	}
	var b strings.Builder
	for i, t := range req.TurnTitles {
		fmt.Fprintf(&b, "%d. %s\n", i+1, t)
	}
	if b.Len() == 0 {
		b.WriteString("1. " + req.Description + "\n")
	}
	return domain.SkillDoc{
		Name:        name,
		Description: req.Description,
		Triggers:    req.ToolsUsed,
		Body:        b.String(),
	}, nil
}

func firstWords(s string, n int) string {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}
