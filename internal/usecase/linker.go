package usecase

import (
	"strings"

	"github.com/google/uuid"

	"github.com/simonhq/simon/internal/domain"
)

// Linker matches free-text mentions in a turn to project and person
// rows and maintains the session-to-project association derived from
// those mentions. It shares the compiled directory patterns with the
// Classifier.
type Linker struct {
	Sessions   domain.SessionRepository
	Directory  domain.DirectoryRepository
	Classifier *Classifier
}

// NewLinker constructs a Linker reusing the classifier's pattern cache.
func NewLinker(s domain.SessionRepository, d domain.DirectoryRepository, c *Classifier) Linker {
	return Linker{Sessions: s, Directory: d, Classifier: c}
}

// LinkTurn scans the turn's user and assistant text for directory
// mentions and replaces the turn's entity rows. When exactly one
// project dominates the mentions it also links the session to it and
// bumps its mention count.
func (l Linker) LinkTurn(ctx domain.Context, turnID uuid.UUID) error {
	turn, err := l.Sessions.GetTurn(ctx, turnID)
	if err != nil {
		return err
	}
	content, err := l.Sessions.GetTurnContent(ctx, turnID)
	if err != nil {
		return err
	}

	dir, err := l.Classifier.directory(ctx)
	if err != nil {
		return err
	}
	text := strings.ToLower(turn.UserMessage + "\n" + content.AssistantText)

	var entities []domain.TurnEntity
	projectMentions := map[uuid.UUID]int{}
	for _, ce := range dir.projects {
		n := len(ce.re.FindAllStringIndex(text, -1))
		if n == 0 {
			continue
		}
		id := ce.match.ID
		projectMentions[id] += n
		entities = append(entities, domain.TurnEntity{
			TurnID:     turnID,
			EntityType: domain.EntityProject,
			EntityID:   &id,
			EntityName: ce.match.Slug,
			Confidence: min(1.0, 0.5+0.25*float64(n)),
		})
	}
	for _, ce := range dir.people {
		n := len(ce.re.FindAllStringIndex(text, -1))
		if n == 0 {
			continue
		}
		id := ce.match.ID
		entities = append(entities, domain.TurnEntity{
			TurnID:     turnID,
			EntityType: domain.EntityPerson,
			EntityID:   &id,
			EntityName: ce.match.Name,
			Confidence: min(1.0, 0.5+0.25*float64(n)),
		})
	}

	prior, err := l.Sessions.ReplaceTurnEntities(ctx, turnID, entities)
	if err != nil {
		return err
	}

	if top, n, ok := dominantProject(projectMentions); ok {
		if err := l.Sessions.LinkSessionToProject(ctx, turn.SessionID, top); err != nil {
			return err
		}
		// The counter is additive, so only the first pass over a turn may
		// bump it; a re-run after a lost lease must not double-count.
		if !prior {
			if err := l.Directory.IncrementProjectMentions(ctx, top, n); err != nil {
				return err
			}
		}
	}
	return nil
}

// dominantProject returns the single most-mentioned project, if any
// project was mentioned at all. Ties go to neither.
func dominantProject(mentions map[uuid.UUID]int) (uuid.UUID, int, bool) {
	var top uuid.UUID
	best, tie := 0, false
	for id, n := range mentions {
		switch {
		case n > best:
			top, best, tie = id, n, false
		case n == best && best > 0:
			tie = true
		}
	}
	if best == 0 || tie {
		return uuid.Nil, 0, false
	}
	return top, best, true
}
