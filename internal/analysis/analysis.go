// Package analysis turns a buffered conversation into a structured summary
// with a chat completion model.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/botrelay/internal/config"
	"github.com/comigor/botrelay/internal/llm"
	"github.com/comigor/botrelay/internal/logger"
	"github.com/comigor/botrelay/internal/metrics"
	"github.com/comigor/botrelay/internal/session"
)

var (
	// ErrEmptyConversation means there is nothing buffered to analyze.
	ErrEmptyConversation = errors.New("no conversation data to analyze")
	// ErrUnparseable means the model answered without a usable JSON object.
	ErrUnparseable = errors.New("model response is not a JSON object")
)

const defaultSystemPrompt = "You analyze meeting transcripts and answer with a single JSON object and nothing else."

const promptTemplate = `Analyze this meeting conversation and create a structured representation.
Focus on:
1. Key topics discussed
2. Decisions made
3. Action items
4. Relationships between speakers and topics
5. Timeline of important points

Conversation:
%s

Return a JSON response with this structure:
{
  "topics": [{"name": "topic_name", "importance": 0.8, "description": "brief description"}],
  "decisions": [{"title": "decision_title", "description": "details", "timestamp": "when discussed"}],
  "action_items": [{"task": "action description", "assignee": "person", "priority": "high/medium/low"}],
  "speakers": [{"name": "speaker_name", "role": "inferred role", "engagement": 0.7}],
  "relationships": [{"from": "speaker1", "to": "speaker2", "type": "collaboration/discussion", "strength": 0.8}],
  "timeline": [{"event": "description", "timestamp": "time", "importance": 0.6}]
}`

// Result is one analysis run.
type Result struct {
	SessionID string         `json:"bot_id"`
	Model     string         `json:"model"`
	Fragments int            `json:"fragments"`
	CreatedAt time.Time      `json:"created_at"`
	Data      map[string]any `json:"analysis"`
}

// Analyzer sends conversations to the configured model.
type Analyzer struct {
	client       llm.Client
	model        string
	systemPrompt string
	now          func() time.Time
}

// New creates an Analyzer.
func New(client llm.Client, cfg config.LLMConfig) *Analyzer {
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	return &Analyzer{client: client, model: cfg.Model, systemPrompt: prompt, now: time.Now}
}

// Analyze renders fragments as "[speaker]: text" lines and asks the model
// for a structured summary.
func (a *Analyzer) Analyze(ctx context.Context, sessionID string, fragments []session.Fragment) (*Result, error) {
	if len(fragments) == 0 {
		metrics.AnalysisRuns.WithLabelValues("empty").Inc()
		return nil, ErrEmptyConversation
	}

	req := openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: a.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(promptTemplate, session.FormatConversation(fragments))},
		},
	}

	logger.L.InfoContext(ctx, "analysis requested", "session", sessionID, "fragments", len(fragments), "model", a.model)
	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		metrics.AnalysisRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		metrics.AnalysisRuns.WithLabelValues("error").Inc()
		return nil, errors.New("chat completion returned no choices")
	}

	data, err := ExtractJSON(resp.Choices[0].Message.Content)
	if err != nil {
		metrics.AnalysisRuns.WithLabelValues("unparseable").Inc()
		logger.L.WarnContext(ctx, "analysis response unparseable", "session", sessionID, "error", err)
		return nil, err
	}

	metrics.AnalysisRuns.WithLabelValues("ok").Inc()
	return &Result{
		SessionID: sessionID,
		Model:     a.model,
		Fragments: len(fragments),
		CreatedAt: a.now().UTC(),
		Data:      data,
	}, nil
}

// ExtractJSON pulls a JSON object out of a model answer. It accepts a
// ```json fenced block, a bare fenced block, or the outermost braces of
// free text.
func ExtractJSON(text string) (map[string]any, error) {
	body := strings.TrimSpace(text)
	if start := strings.Index(body, "```"); start >= 0 {
		rest := body[start+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		body = strings.TrimSpace(rest)
	}
	if !strings.HasPrefix(body, "{") {
		first, last := strings.Index(body, "{"), strings.LastIndex(body, "}")
		if first < 0 || last < first {
			return nil, ErrUnparseable
		}
		body = body[first : last+1]
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	return out, nil
}
