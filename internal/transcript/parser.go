// Package transcript parses line-delimited assistant transcript files
// into ordered turns. The parser is pure: it performs no I/O beyond
// reading the stream it is handed, and a malformed line is counted and
// skipped, never fatal.
package transcript

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"
)

// Record types recognized on the wire. Unknown types are ignored.
const (
	recUser      = "user"
	recAssistant = "assistant"
	recMeta      = "meta"
)

// Turn is one user message with the contiguous assistant response.
// A trailing user message without a reply is emitted with empty
// assistant content.
type Turn struct {
	TurnNumber    int
	UserMessage   string
	AssistantText string
	ToolNames     []string
	ModelName     string
	StartedAt     *time.Time
	EndedAt       *time.Time
	RawJSONL      string
	ContentHash   string
}

// Result is the parse outcome: ordered turns plus a malformed-line count.
type Result struct {
	Turns     []Turn
	Malformed int
}

type rawLine struct {
	Type        string          `json:"type"`
	Timestamp   string          `json:"timestamp"`
	IsSidechain bool            `json:"isSidechain"`
	IsMeta      bool            `json:"isMeta"`
	Message     json.RawMessage `json:"message"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Name string `json:"name"`
}

// ParseFile reads and parses the transcript at path.
func ParseFile(path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()
	return Parse(f), nil
}

// Parse consumes a line-delimited transcript stream. A new user record is
// always a turn boundary; tool results interleaved after assistant text
// stay in the current turn.
func Parse(r io.Reader) Result {
	var res Result

	sc := bufio.NewScanner(r)
	// Transcript lines with inlined tool output routinely exceed the
	// default token size.
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)

	var cur *Turn
	flush := func() {
		if cur == nil {
			return
		}
		cur.TurnNumber = len(res.Turns)
		cur.ContentHash = ContentHash(cur.UserMessage, cur.AssistantText, cur.ToolNames)
		res.Turns = append(res.Turns, *cur)
		cur = nil
	}

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var rec rawLine
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			res.Malformed++
			continue
		}
		if rec.Type != recUser && rec.Type != recAssistant {
			continue // meta, tool_use, tool_result and unknown tags
		}
		if rec.IsSidechain || rec.IsMeta {
			continue
		}

		var msg rawMessage
		if err := json.Unmarshal(rec.Message, &msg); err != nil {
			res.Malformed++
			continue
		}
		text := extractText(msg.Content)
		if strings.HasPrefix(strings.TrimSpace(text), "<command-name>") ||
			strings.HasPrefix(strings.TrimSpace(text), "<local-command") {
			continue
		}
		ts := parseTimestamp(rec.Timestamp)

		switch rec.Type {
		case recUser:
			// A user record carrying only tool results is the transport
			// echo of a tool call, not a new turn.
			if cur != nil && hasToolResult(msg.Content) {
				cur.RawJSONL += "\n" + line
				if ts != nil {
					cur.EndedAt = ts
				}
				continue
			}
			flush()
			cur = &Turn{
				UserMessage: text,
				StartedAt:   ts,
				EndedAt:     ts,
				RawJSONL:    line,
			}
		case recAssistant:
			if cur == nil {
				continue // assistant content before any user message
			}
			if text != "" {
				if cur.AssistantText != "" {
					cur.AssistantText += "\n"
				}
				cur.AssistantText += text
			}
			for _, name := range extractToolNames(msg.Content) {
				if !contains(cur.ToolNames, name) {
					cur.ToolNames = append(cur.ToolNames, name)
				}
			}
			if msg.Model != "" && cur.ModelName == "" {
				cur.ModelName = msg.Model
			}
			if ts != nil {
				cur.EndedAt = ts
			}
			cur.RawJSONL += "\n" + line
		}
	}
	flush()

	return res
}

// ContentHash is the deterministic 64-hex digest over a turn's user
// text, assistant text and ordered tool names. Identical inputs hash
// identically across runs, which is what makes re-ingestion a no-op.
func ContentHash(userMessage, assistantText string, toolNames []string) string {
	h := sha256.New()
	h.Write([]byte(userMessage))
	h.Write([]byte{0})
	h.Write([]byte(assistantText))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(toolNames, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

func extractText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func hasToolResult(content json.RawMessage) bool {
	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return false
	}
	for _, b := range blocks {
		if b.Type == "tool_result" {
			return true
		}
	}
	return false
}

func extractToolNames(content json.RawMessage) []string {
	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return nil
	}
	var names []string
	for _, b := range blocks {
		if b.Type == "tool_use" && b.Name != "" {
			names = append(names, b.Name)
		}
	}
	return names
}

func parseTimestamp(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
