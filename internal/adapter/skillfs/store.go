// Package skillfs stores SKILL.md documents on disk under
// <base>/<scope-dir>/skills/<name>/SKILL.md, with the base directory
// configured per scope.
package skillfs

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/simonhq/simon/internal/domain"
)

const skillFile = "SKILL.md"

var nameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// Store implements the SkillStore port on the local filesystem.
type Store struct {
	// PersonalDir is the base for scope=personal, typically ~/.claude.
	PersonalDir string
	// ProjectDir is the base for scope=project, typically .claude under
	// the workspace.
	ProjectDir string
}

// NewStore constructs a Store with the two scope bases.
func NewStore(personalDir, projectDir string) Store {
	return Store{PersonalDir: personalDir, ProjectDir: projectDir}
}

// Install writes the document atomically and returns its final path.
func (s Store) Install(name, scope, content string) (string, error) {
	dir, err := s.skillDir(name, scope)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("op=skillfs.install name=%s: %w", name, err)
	}
	path := filepath.Join(dir, skillFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("op=skillfs.install name=%s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("op=skillfs.install name=%s: %w", name, err)
	}
	return path, nil
}

// Uninstall removes the skill directory. Missing is a no-op.
func (s Store) Uninstall(name, scope string) error {
	dir, err := s.skillDir(name, scope)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("op=skillfs.uninstall name=%s: %w", name, err)
	}
	return nil
}

// Read returns the installed document text.
func (s Store) Read(name, scope string) (string, error) {
	dir, err := s.skillDir(name, scope)
	if err != nil {
		return "", err
	}
	raw, err := os.ReadFile(filepath.Join(dir, skillFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("op=skillfs.read name=%s: %w", name, domain.ErrNotFound)
		}
		return "", fmt.Errorf("op=skillfs.read name=%s: %w", name, err)
	}
	return string(raw), nil
}

func (s Store) skillDir(name, scope string) (string, error) {
	if !nameRe.MatchString(name) || len(name) > 64 {
		return "", fmt.Errorf("op=skillfs: %w: bad skill name %q", domain.ErrInvalidArgument, name)
	}
	var base string
	switch scope {
	case domain.ScopePersonal:
		base = s.PersonalDir
	case domain.ScopeProject:
		base = s.ProjectDir
	default:
		return "", fmt.Errorf("op=skillfs: %w: bad scope %q", domain.ErrInvalidArgument, scope)
	}
	if base == "" {
		return "", fmt.Errorf("op=skillfs: %w: no base directory for scope %q", domain.ErrInvalidArgument, scope)
	}
	return filepath.Join(base, "skills", name), nil
}

// Frontmatter is the parsed YAML header of an installed document.
type Frontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Triggers    []string `yaml:"triggers"`
}

// ParseFrontmatter splits an installed document into its header and body.
func ParseFrontmatter(content string) (Frontmatter, string, error) {
	var fm Frontmatter
	rest, ok := strings.CutPrefix(content, "---\n")
	if !ok {
		return fm, "", fmt.Errorf("op=skillfs.frontmatter: %w: missing header", domain.ErrInvalidArgument)
	}
	header, body, ok := strings.Cut(rest, "\n---\n")
	if !ok {
		return fm, "", fmt.Errorf("op=skillfs.frontmatter: %w: unterminated header", domain.ErrInvalidArgument)
	}
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return fm, "", fmt.Errorf("op=skillfs.frontmatter: %w", err)
	}
	return fm, strings.TrimSpace(body), nil
}
