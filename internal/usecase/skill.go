package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/simonhq/simon/internal/domain"
)

// SkillEngine scores completed sessions and turns the good ones into
// installed SKILL documents. Generation needs the model service; when
// it is unavailable auto-generation is deferred with a retryable error
// while manual creation surfaces the failure to the caller.
type SkillEngine struct {
	Sessions domain.SessionRepository
	Skills   domain.SkillRepository
	Store    domain.SkillStore
	AI       domain.AIClient

	AutoGenerate       bool
	MinQualityScore    float64 // gate, default 0.6
	DefaultScope       string
	MaxAutoPerDay      int
	ConfirmationTokens []string
}

// NewSkillEngine constructs a SkillEngine with the documented defaults.
func NewSkillEngine(s domain.SessionRepository, r domain.SkillRepository, st domain.SkillStore, ai domain.AIClient) *SkillEngine {
	return &SkillEngine{
		Sessions: s, Skills: r, Store: st, AI: ai,
		AutoGenerate:    true,
		MinQualityScore: 0.6,
		DefaultScope:    domain.ScopePersonal,
		MaxAutoPerDay:   3,
		ConfirmationTokens: []string{
			"works", "working", "thanks", "thank you",
			"perfect", "great", "lgtm", "done",
		},
	}
}

var skillNameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// QualityScore rates a completed session in [0,1].
//
// Signals and weights: turn count log-scaled (0.25), fraction of turns
// with tool calls (0.20), successful multi-step edits (0.20), tool
// diversity (0.15), explicit confirmation in the final turn (0.20).
func (e *SkillEngine) QualityScore(turns []domain.TurnWithContent) float64 {
	if len(turns) == 0 {
		return 0
	}
	// log2(1+n)/4 saturates around 15 turns.
	turnScore := min(1.0, math.Log2(1+float64(len(turns)))/4)

	withTools := 0
	toolKinds := map[string]bool{}
	editTurns := 0
	for _, t := range turns {
		if t.Content.ToolCallCount > 0 {
			withTools++
		}
		for _, name := range t.Turn.ToolNames {
			toolKinds[name] = true
		}
		if len(t.Content.FilesTouched) > 0 {
			editTurns++
		}
	}
	toolFraction := float64(withTools) / float64(len(turns))

	last := turns[len(turns)-1]
	multiStep := 0.0
	if editTurns >= 2 && len(last.Content.ErrorsEncountered) == 0 {
		multiStep = 1.0
	}
	diversity := min(1.0, float64(len(toolKinds))/5)

	confirmed := 0.0
	if e.hasConfirmation(last.Turn.UserMessage) {
		confirmed = 1.0
	}

	return 0.25*turnScore + 0.20*toolFraction + 0.20*multiStep + 0.15*diversity + 0.20*confirmed
}

func (e *SkillEngine) hasConfirmation(text string) bool {
	lower := strings.ToLower(text)
	for _, tok := range e.ConfirmationTokens {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}

// GenerateFromSession is the skill_extract handler: score the session,
// and when it clears the gate, the daily cap and duplicate suppression,
// synthesize and install a SKILL document with source=auto.
func (e *SkillEngine) GenerateFromSession(ctx domain.Context, externalSessionID, workspacePath string) error {
	if !e.AutoGenerate {
		return nil
	}
	sess, err := e.Sessions.GetSessionByExternalID(ctx, externalSessionID)
	if err != nil {
		return err
	}
	turns, err := e.Sessions.ListTurnsWithContent(ctx, sess.ID)
	if err != nil {
		return err
	}

	score := e.QualityScore(turns)
	if score < e.MinQualityScore {
		slog.Debug("session below skill quality gate",
			slog.String("session_id", externalSessionID), slog.Float64("score", score))
		return nil
	}

	if e.MaxAutoPerDay > 0 {
		n, err := e.Skills.CountAutoSkillsSince(ctx, time.Now().UTC().Add(-24*time.Hour))
		if err != nil {
			return err
		}
		if n >= e.MaxAutoPerDay {
			slog.Info("daily auto-skill cap reached", slog.Int("cap", e.MaxAutoPerDay))
			return nil
		}
	}

	doc, err := e.AI.SynthesizeSkill(ctx, buildSkillRequest(sess, turns, workspacePath))
	if err != nil {
		return fmt.Errorf("op=skill.generate session_id=%s: %w: %v", externalSessionID, domain.ErrUnavailable, err)
	}

	qs := score
	return e.install(ctx, doc, domain.Skill{
		Source:          domain.SkillSourceAuto,
		SourceSessionID: externalSessionID,
		Scope:           e.DefaultScope,
		QualityScore:    &qs,
	})
}

// CreateManual synthesizes a skill straight from a description. Model
// failure is surfaced, not deferred.
func (e *SkillEngine) CreateManual(ctx domain.Context, description, scope string) (domain.Skill, error) {
	if scope == "" {
		scope = e.DefaultScope
	}
	doc, err := e.AI.SynthesizeSkill(ctx, domain.SkillRequest{Description: description})
	if err != nil {
		return domain.Skill{}, fmt.Errorf("op=skill.manual: %w", err)
	}
	skill := domain.Skill{Source: domain.SkillSourceManual, Scope: scope}
	if err := e.install(ctx, doc, skill); err != nil {
		return domain.Skill{}, err
	}
	skill.Name = doc.Name
	return skill, nil
}

// InstallFromRegistry records a pre-built document under source=registry.
func (e *SkillEngine) InstallFromRegistry(ctx domain.Context, doc domain.SkillDoc, scope string) error {
	if scope == "" {
		scope = e.DefaultScope
	}
	return e.install(ctx, doc, domain.Skill{Source: domain.SkillSourceRegistry, Scope: scope})
}

// Uninstall deactivates the registry row and removes the document.
func (e *SkillEngine) Uninstall(ctx domain.Context, name, scope string) error {
	if err := e.Skills.Deactivate(ctx, name, scope); err != nil {
		return err
	}
	return e.Store.Uninstall(name, scope)
}

// ListInstalled returns the active skill registry rows.
func (e *SkillEngine) ListInstalled(ctx domain.Context) ([]domain.Skill, error) {
	return e.Skills.ActiveSkills(ctx)
}

// install validates, renders, dedupes by content hash, writes the
// document and upserts the registry row.
func (e *SkillEngine) install(ctx domain.Context, doc domain.SkillDoc, skill domain.Skill) error {
	doc.Name = Slugify(doc.Name)
	if err := ValidateSkillDoc(doc); err != nil {
		return err
	}
	content, err := RenderSkillDoc(doc)
	if err != nil {
		return err
	}
	hash := contentHashHex(content)

	// A byte-identical active skill anywhere suppresses the duplicate.
	if dup, err := e.Skills.HasActiveContentHash(ctx, hash); err != nil {
		return err
	} else if dup {
		slog.Debug("skill already installed with identical content", slog.String("name", doc.Name))
		return nil
	}

	path, err := e.Store.Install(doc.Name, skill.Scope, content)
	if err != nil {
		return err
	}

	skill.Name = doc.Name
	skill.Description = doc.Description
	skill.InstalledPath = path
	skill.ContentHash = hash
	skill.Triggers = doc.Triggers
	skill.IsActive = true
	_, err = e.Skills.UpsertSkill(ctx, skill)
	return err
}

// ValidateSkillDoc enforces the document invariants before install.
func ValidateSkillDoc(doc domain.SkillDoc) error {
	if !skillNameRe.MatchString(doc.Name) || len(doc.Name) > 64 {
		return fmt.Errorf("op=skill.validate: %w: bad name %q", domain.ErrInvalidArgument, doc.Name)
	}
	if strings.TrimSpace(doc.Description) == "" {
		return fmt.Errorf("op=skill.validate: %w: empty description", domain.ErrInvalidArgument)
	}
	if strings.TrimSpace(doc.Body) == "" {
		return fmt.Errorf("op=skill.validate: %w: empty body", domain.ErrInvalidArgument)
	}
	return nil
}

type skillFrontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Triggers    []string `yaml:"triggers,omitempty"`
}

// RenderSkillDoc emits the SKILL.md text: YAML frontmatter followed by
// the numbered procedure.
func RenderSkillDoc(doc domain.SkillDoc) (string, error) {
	fm, err := yaml.Marshal(skillFrontmatter{
		Name:        doc.Name,
		Description: strings.TrimSpace(doc.Description),
		Triggers:    doc.Triggers,
	})
	if err != nil {
		return "", fmt.Errorf("op=skill.render: %w", err)
	}
	var b strings.Builder
	b.WriteString("---\n")
	b.Write(fm)
	b.WriteString("---\n\n")
	b.WriteString(strings.TrimSpace(doc.Body))
	b.WriteString("\n")
	return b.String(), nil
}

var nonSlugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify collapses arbitrary text into a skill name slug.
func Slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonSlugRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 64 {
		s = strings.Trim(s[:64], "-")
	}
	return s
}

func buildSkillRequest(sess domain.Session, turns []domain.TurnWithContent, workspacePath string) domain.SkillRequest {
	req := domain.SkillRequest{
		Description:    sess.Title,
		WorkspacePath:  workspacePath,
		SessionSummary: sess.Summary,
	}
	seenFile := map[string]bool{}
	seenCmd := map[string]bool{}
	seenTool := map[string]bool{}
	for _, t := range turns {
		if t.Turn.Title != "" {
			req.TurnTitles = append(req.TurnTitles, t.Turn.Title)
		}
		for _, f := range t.Content.FilesTouched {
			if !seenFile[f] {
				seenFile[f] = true
				req.FilesTouched = append(req.FilesTouched, f)
			}
		}
		for _, c := range t.Content.CommandsRun {
			if !seenCmd[c] {
				seenCmd[c] = true
				req.CommandsRun = append(req.CommandsRun, c)
			}
		}
		for _, n := range t.Turn.ToolNames {
			if !seenTool[n] {
				seenTool[n] = true
				req.ToolsUsed = append(req.ToolsUsed, n)
			}
		}
	}
	return req
}

func contentHashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
