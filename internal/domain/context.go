package domain

import (
	"time"

	"github.com/google/uuid"
)

// Intent is the coarse classification of a prompt.
type Intent string

const (
	IntentQuestion     Intent = "question"
	IntentCommand      Intent = "command"
	IntentContinuation Intent = "continuation"
	IntentUnknown      Intent = "unknown"
)

// EntityMatch is one classified project or person mention.
type EntityMatch struct {
	ID         uuid.UUID
	Slug       string // project slug, or person name for people
	Name       string
	Confidence float64
}

// Signal is the output of lexical prompt classification. It is the sole
// input the Retriever acts on besides the workspace path.
type Signal struct {
	Projects     []EntityMatch
	People       []EntityMatch
	Paths        []string
	Keywords     []string
	HasCodeFence bool
	Intent       Intent
	// ExplicitProject is the user-selected project for the workspace, if
	// any; it participates in Projects with confidence 1.0.
	ExplicitProject string
}

// Empty reports whether classification produced nothing to retrieve on.
func (s Signal) Empty() bool {
	return len(s.Projects) == 0 && len(s.People) == 0 && len(s.Paths) == 0 &&
		len(s.Keywords) == 0 && s.Intent == IntentUnknown
}

// ContextItem kinds, in fixed output order.
type ItemKind string

const (
	KindFocus        ItemKind = "focus"
	KindConversation ItemKind = "conversation"
	KindTask         ItemKind = "task"
	KindCommitment   ItemKind = "commitment"
	KindSkill        ItemKind = "skill"
	KindError        ItemKind = "error"
)

// ContextItem is a scored candidate piece of context. It is a tagged
// variant: ranking and rendering dispatch on Kind, not on subtype.
type ContextItem struct {
	Kind      ItemKind
	RefID     string
	Title     string
	Body      string
	Qualifier string // rendered after the dash separator, optional
	Score     float64
	Recency   *time.Time
	ProjectID *uuid.UUID // set when the item belongs to a project (for sprint boost)
}
