package usecase

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/simonhq/simon/internal/adapter/observability"
	"github.com/simonhq/simon/internal/domain"
)

// Formatter packs scored context items into the injected markdown block
// under a token budget. Deterministic: identical input yields
// byte-identical output.
type Formatter struct {
	Budget int // token budget, default 1500
}

// NewFormatter constructs a Formatter with the given budget.
func NewFormatter(budget int) Formatter {
	if budget <= 0 {
		budget = 1500
	}
	return Formatter{Budget: budget}
}

// Output order of kind groups is fixed.
var kindOrder = []domain.ItemKind{
	domain.KindFocus,
	domain.KindConversation,
	domain.KindTask,
	domain.KindCommitment,
	domain.KindSkill,
	domain.KindError,
}

var kindTags = map[domain.ItemKind]string{
	domain.KindFocus:        "Focus",
	domain.KindConversation: "Conv",
	domain.KindTask:         "Task",
	domain.KindCommitment:   "Commitment",
	domain.KindSkill:        "Skill",
	domain.KindError:        "Error",
}

// Format renders the packed block, or the empty string when no item
// fits the budget. Items are accepted greedily by descending score; an
// item that does not fit is skipped, smaller lower-ranked items may
// still be accepted.
func (f Formatter) Format(items []domain.ContextItem, now time.Time) string {
	if len(items) == 0 {
		return ""
	}
	ranked := make([]domain.ContextItem, len(items))
	copy(ranked, items)
	sortByScore(ranked)

	budget := f.Budget
	if budget <= 0 {
		budget = 1500
	}

	used := 0
	packed := 0
	accepted := map[domain.ItemKind][]domain.ContextItem{}
	for _, it := range ranked {
		line := renderItem(it, now)
		cost := estimateTokens(line)
		if used+cost > budget {
			continue
		}
		used += cost
		packed++
		accepted[it.Kind] = append(accepted[it.Kind], it)
	}
	observability.ContextItemsPacked.Observe(float64(packed))
	if used == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Focus Context\n")
	for _, kind := range kindOrder {
		group := accepted[kind]
		if len(group) == 0 {
			continue
		}
		b.WriteString("\n")
		for _, it := range group {
			b.WriteString(renderItem(it, now))
		}
	}
	return b.String()
}

// estimateTokens is deliberately conservative: ceil(chars/4).
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// sortByScore orders by descending score, stable.
func sortByScore(items []domain.ContextItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Score > items[j].Score
	})
}

func renderItem(it domain.ContextItem, now time.Time) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(kindTags[it.Kind])
	b.WriteString("] ")
	b.WriteString(it.Title)
	if it.Qualifier != "" {
		b.WriteString(" - ")
		b.WriteString(it.Qualifier)
	}
	if it.Recency != nil {
		b.WriteString(" (")
		b.WriteString(relativeAge(now.Sub(*it.Recency)))
		b.WriteString(")")
	}
	b.WriteString("\n")
	if it.Body != "" {
		b.WriteString("  ")
		b.WriteString(firstLine(it.Body, 200))
		b.WriteString("\n")
	}
	return b.String()
}

// relativeAge renders a coarse human age: "just now", "3h ago", "2d ago".
func relativeAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
