// Package projstate keeps the explicit per-workspace project selection
// in a small JSON file. Writes are atomic so a crashed writer never
// leaves a torn file behind.
package projstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// File implements the ProjectState port on a single JSON state file.
type File struct {
	// Path of the state file, default ~/.config/simon/state.json.
	Path string

	mu sync.Mutex
}

// NewFile constructs a File store at path, or the default when empty.
func NewFile(path string) *File {
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".config", "simon", "state.json")
	}
	return &File{Path: path}
}

type stateDoc struct {
	// Workspace path -> selection.
	Selections map[string]selection `json:"selections"`
}

type selection struct {
	Project    string    `json:"project"`
	SelectedAt time.Time `json:"selected_at"`
}

// ActiveProject returns the selected project slug for the workspace.
func (f *File) ActiveProject(workspace string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return "", false
	}
	sel, ok := doc.Selections[workspace]
	if !ok || sel.Project == "" {
		return "", false
	}
	return sel.Project, true
}

// SetActiveProject records slug as the selection for the workspace.
func (f *File) SetActiveProject(slug, workspace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return err
	}
	if doc.Selections == nil {
		doc.Selections = map[string]selection{}
	}
	doc.Selections[workspace] = selection{Project: slug, SelectedAt: time.Now().UTC()}
	return f.save(doc)
}

// ClearActiveProject drops the selection for the workspace.
func (f *File) ClearActiveProject(workspace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := doc.Selections[workspace]; !ok {
		return nil
	}
	delete(doc.Selections, workspace)
	return f.save(doc)
}

func (f *File) load() (stateDoc, error) {
	var doc stateDoc
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return doc, fmt.Errorf("op=projstate.load path=%s: %w", f.Path, err)
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		// A corrupt state file is replaced, never fatal.
		return stateDoc{}, nil
	}
	return doc, nil
}

func (f *File) save(doc stateDoc) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("op=projstate.save: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return fmt.Errorf("op=projstate.save: %w", err)
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("op=projstate.save: %w", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("op=projstate.save: %w", err)
	}
	return nil
}
