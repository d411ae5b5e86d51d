// Package ai implements the model-service port against the Anthropic
// messages API. The service is an optional collaborator: callers treat
// every error as a signal to fall back, and this package never retries
// past its attempt budget.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkoukk/tiktoken-go"

	"github.com/simonhq/simon/internal/domain"
)

const (
	messagesPath     = "/v1/messages"
	apiVersion       = "2023-06-01"
	maxPromptTokens  = 4000
	maxOutputTokens  = 1024
	defaultModelName = "claude-haiku-4-5-20251001"
)

// Client calls the Anthropic messages API. Zero value is not usable;
// construct with NewClient.
type Client struct {
	httpc       *http.Client
	baseURL     string
	apiKey      string
	model       string
	maxAttempts int
	enc         *tiktoken.Tiktoken
}

// NewClient constructs a Client. The token encoder is best effort; when
// the encoding tables cannot be loaded, truncation degrades to a
// character heuristic.
func NewClient(baseURL, apiKey, model string, timeout time.Duration, maxAttempts int) *Client {
	if model == "" {
		model = defaultModelName
	}
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		enc = nil
	}
	return &Client{
		httpc:       &http.Client{Timeout: timeout},
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		model:       model,
		maxAttempts: maxAttempts,
		enc:         enc,
	}
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// SummarizeTurn asks the model for a short title and summary of one
// exchange, returned as JSON.
func (c *Client) SummarizeTurn(ctx domain.Context, userMessage, assistantText string) (string, string, error) {
	system := `Summarize one exchange between a developer and a coding assistant.
Respond with JSON only: {"title": "<at most 10 words>", "summary": "<one or two sentences>"}`
	prompt := fmt.Sprintf("User:\n%s\n\nAssistant:\n%s",
		c.truncate(userMessage, maxPromptTokens/2),
		c.truncate(assistantText, maxPromptTokens/2))

	raw, err := c.complete(ctx, system, prompt)
	if err != nil {
		return "", "", err
	}
	var out struct {
		Title   string `json:"title"`
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &out); err != nil {
		return "", "", fmt.Errorf("op=ai.summarize_turn decode: %w", err)
	}
	if out.Summary == "" {
		return "", "", fmt.Errorf("op=ai.summarize_turn: empty summary")
	}
	return out.Title, out.Summary, nil
}

// SynthesizeSkill asks the model for a complete skill document.
func (c *Client) SynthesizeSkill(ctx domain.Context, req domain.SkillRequest) (domain.SkillDoc, error) {
	system := `You turn a completed coding session into a reusable skill document.
Respond with JSON only:
{"name": "<kebab-case slug>", "description": "<one line>", "triggers": ["<keyword>", ...],
 "body": "<numbered markdown procedure>"}`

	var b strings.Builder
	if req.Description != "" {
		fmt.Fprintf(&b, "Goal: %s\n", req.Description)
	}
	if req.SessionSummary != "" {
		fmt.Fprintf(&b, "Session summary:\n%s\n", req.SessionSummary)
	}
	if len(req.TurnTitles) > 0 {
		fmt.Fprintf(&b, "Steps taken:\n- %s\n", strings.Join(req.TurnTitles, "\n- "))
	}
	if len(req.FilesTouched) > 0 {
		fmt.Fprintf(&b, "Files: %s\n", strings.Join(req.FilesTouched, ", "))
	}
	if len(req.CommandsRun) > 0 {
		fmt.Fprintf(&b, "Commands: %s\n", strings.Join(req.CommandsRun, ", "))
	}
	if len(req.ToolsUsed) > 0 {
		fmt.Fprintf(&b, "Tools: %s\n", strings.Join(req.ToolsUsed, ", "))
	}

	raw, err := c.complete(ctx, system, c.truncate(b.String(), maxPromptTokens))
	if err != nil {
		return domain.SkillDoc{}, err
	}
	var doc domain.SkillDoc
	if err := json.Unmarshal([]byte(extractJSON(raw)), &doc); err != nil {
		return domain.SkillDoc{}, fmt.Errorf("op=ai.synthesize_skill decode: %w", err)
	}
	if doc.Name == "" || doc.Body == "" {
		return domain.SkillDoc{}, fmt.Errorf("op=ai.synthesize_skill: incomplete document")
	}
	return doc, nil
}

// complete performs one messages call with bounded exponential retries
// on transient failures (connection errors, 429, 5xx).
func (c *Client) complete(ctx context.Context, system, prompt string) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("op=ai.complete: %w: no api key configured", domain.ErrUnavailable)
	}
	body, err := json.Marshal(messagesRequest{
		Model:     c.model,
		MaxTokens: maxOutputTokens,
		System:    system,
		Messages:  []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}

	var text string
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+messagesPath, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", c.apiKey)
		req.Header.Set("anthropic-version", apiVersion)

		resp, err := c.httpc.Do(req)
		if err != nil {
			return err // transient, retry
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("op=ai.complete status=%d: %w", resp.StatusCode, domain.ErrUnavailable)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("op=ai.complete status=%d body=%s", resp.StatusCode, firstBytes(raw, 200)))
		}
		var mr messagesResponse
		if err := json.Unmarshal(raw, &mr); err != nil {
			return backoff.Permanent(fmt.Errorf("op=ai.complete decode: %w", err))
		}
		if mr.Error != nil {
			return backoff.Permanent(fmt.Errorf("op=ai.complete api error: %s", mr.Error.Message))
		}
		var parts []string
		for _, blk := range mr.Content {
			if blk.Type == "text" {
				parts = append(parts, blk.Text)
			}
		}
		text = strings.TrimSpace(strings.Join(parts, "\n"))
		if text == "" {
			return backoff.Permanent(fmt.Errorf("op=ai.complete: empty response"))
		}
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxAttempts-1)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return "", err
	}
	return text, nil
}

// truncate bounds the text to roughly maxTokens, by encoder when
// available, otherwise by the chars/4 heuristic.
func (c *Client) truncate(s string, maxTokens int) string {
	if c.enc != nil {
		ids := c.enc.Encode(s, nil, nil)
		if len(ids) <= maxTokens {
			return s
		}
		return c.enc.Decode(ids[:maxTokens])
	}
	maxChars := maxTokens * 4
	if len(s) <= maxChars {
		return s
	}
	return s[:maxChars]
}

// extractJSON pulls the first JSON object out of a possibly fenced
// model response.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

func firstBytes(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
