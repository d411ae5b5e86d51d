// Package artifact extracts files, commands and errors from the raw
// tool traffic of a recorded turn. Extraction is deterministic given
// identical input and never calls out of process.
package artifact

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/simonhq/simon/internal/domain"
)

// Extraction is everything pulled out of one turn.
type Extraction struct {
	Artifacts         []domain.TurnArtifact
	FilesTouched      []string
	CommandsRun       []string
	ErrorsEncountered []string
	ToolCallCount     int
}

// Extractor walks tool invocations in raw turn JSONL.
type Extractor struct {
	// FullCommands keeps whole shell command strings; when false only
	// the first argv token is recorded.
	FullCommands bool
}

var errSignature = regexp.MustCompile(`(?m)(Traceback|panic:|error:|Error:|FAILED|fatal:)`)

// Tool name to file operation. Anything else with a path argument is
// still recorded as a generic file touch.
var fileTools = map[string]string{
	"Read":         "read",
	"Glob":         "read",
	"Grep":         "read",
	"Write":        "write",
	"Edit":         "edit",
	"NotebookEdit": "edit",
}

const maxValueLen = 500

type rawBlockLine struct {
	Message struct {
		Content []json.RawMessage `json:"content"`
	} `json:"message"`
}

type toolUseBlock struct {
	Type  string          `json:"type"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type toolResultBlock struct {
	Type    string          `json:"type"`
	IsError bool            `json:"is_error"`
	Content json.RawMessage `json:"content"`
}

type toolInput struct {
	FilePath     string `json:"file_path"`
	NotebookPath string `json:"notebook_path"`
	Path         string `json:"path"`
	Pattern      string `json:"pattern"`
	Command      string `json:"command"`
}

// Extract walks every tool invocation in the turn's raw JSONL and
// returns the collapsed artifact set.
func (e Extractor) Extract(rawJSONL string) Extraction {
	var out Extraction
	seenFile := map[string]bool{}
	seenCmd := map[string]bool{}
	seenErr := map[string]bool{}

	addFile := func(path, op, tool string) {
		if path == "" {
			return
		}
		if !seenFile[path] {
			seenFile[path] = true
			out.FilesTouched = append(out.FilesTouched, path)
			out.Artifacts = append(out.Artifacts, domain.TurnArtifact{
				ArtifactType: domain.ArtifactFile,
				Value:        path,
				Metadata:     map[string]string{"op": op, "tool": tool},
			})
		}
	}
	addErr := func(msg string) {
		msg = strings.TrimSpace(msg)
		if msg == "" {
			return
		}
		msg = truncate(msg, maxValueLen)
		if !seenErr[msg] {
			seenErr[msg] = true
			out.ErrorsEncountered = append(out.ErrorsEncountered, msg)
			out.Artifacts = append(out.Artifacts, domain.TurnArtifact{
				ArtifactType: domain.ArtifactError,
				Value:        msg,
				Metadata:     map[string]string{},
			})
		}
	}

	for _, line := range strings.Split(rawJSONL, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var rec rawBlockLine
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		for _, raw := range rec.Message.Content {
			var probe struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(raw, &probe); err != nil {
				continue
			}
			switch probe.Type {
			case "tool_use":
				var tu toolUseBlock
				if err := json.Unmarshal(raw, &tu); err != nil {
					continue
				}
				out.ToolCallCount++
				var in toolInput
				_ = json.Unmarshal(tu.Input, &in)

				if op, ok := fileTools[tu.Name]; ok {
					path := in.FilePath
					if path == "" {
						path = in.NotebookPath
					}
					if path == "" {
						path = in.Path
					}
					addFile(path, op, tu.Name)
					continue
				}
				if in.Command != "" {
					cmd := strings.TrimSpace(in.Command)
					if !e.FullCommands {
						cmd = firstToken(cmd)
					}
					cmd = truncate(cmd, maxValueLen)
					if !seenCmd[cmd] {
						seenCmd[cmd] = true
						out.CommandsRun = append(out.CommandsRun, cmd)
						out.Artifacts = append(out.Artifacts, domain.TurnArtifact{
							ArtifactType: domain.ArtifactCommand,
							Value:        cmd,
							Metadata:     map[string]string{"tool": tu.Name},
						})
					}
				}
			case "tool_result":
				var tr toolResultBlock
				if err := json.Unmarshal(raw, &tr); err != nil {
					continue
				}
				text := resultText(tr.Content)
				if tr.IsError {
					addErr(text)
				} else if m := errSignature.FindString(text); m != "" {
					// Successful results can still carry failure text,
					// e.g. a test run that printed a traceback.
					addErr(firstMatchingLine(text))
				}
			}
		}
	}
	return out
}

// ExtractPathsFromText finds file paths mentioned in free text, used by
// the classifier on raw prompts.
func ExtractPathsFromText(text string) []string {
	if text == "" {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	for _, re := range pathPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			p := strings.TrimSpace(m[1])
			if len(p) > 3 && !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

var pathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:^|[^\w])(/[\w./-]+\.\w+)`),
	regexp.MustCompile(`(?:^|[^\w/])((?:src|tests|lib|app|pkg|cmd|internal)/[\w./-]+\.\w+)`),
}

func resultText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func firstMatchingLine(text string) string {
	for _, ln := range strings.Split(text, "\n") {
		if errSignature.MatchString(ln) {
			return strings.TrimSpace(ln)
		}
	}
	return truncate(strings.TrimSpace(text), maxValueLen)
}

func firstToken(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return cmd
	}
	return fields[0]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
