// internal/prompt/engine.go
package prompt

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/tedboudros/ClawQuant/internal/types"
	"github.com/tedboudros/ClawQuant/pkg/llm"
)

// Data fills the system prompt template.
type Data struct {
	Time      string
	Model     string
	Tools     []string
	Memory    string
	Portfolio string
	Simulated bool
}

// Engine assembles token-budgeted prompts for the LLM.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
	tmpl      *template.Template
}

// New creates a prompt engine with the specified token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4").
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
func New(model string, maxTokens, reserve int) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	tmpl, err := template.New("system").Parse(DefaultPrompt)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	return &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
		tmpl:      tmpl,
	}, nil
}

// WithTemplate replaces the system prompt template.
func (e *Engine) WithTemplate(text string) error {
	tmpl, err := template.New("system").Parse(text)
	if err != nil {
		return fmt.Errorf("parse prompt template: %w", err)
	}
	e.tmpl = tmpl
	return nil
}

// Count returns the token count for a string.
func (e *Engine) Count(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// Build assembles the system prompt, as many recent events as fit in the
// budget (newest kept first, emitted oldest first) and the task prompt.
func (e *Engine) Build(data Data, recent []types.Event, task string) ([]llm.Message, error) {
	var sys bytes.Buffer
	if err := e.tmpl.Execute(&sys, data); err != nil {
		return nil, fmt.Errorf("render system prompt: %w", err)
	}
	system := sys.String()

	remaining := e.maxTokens - e.reserve - e.Count(system) - e.Count(task)
	if remaining < 0 {
		return nil, fmt.Errorf("prompt exceeds budget by %d tokens", -remaining)
	}
	// 70% for events, the rest is safety margin
	eventBudget := int(float64(remaining) * 0.7)

	var lines []string
	used := 0
	for i := len(recent) - 1; i >= 0; i-- {
		line := describeEvent(recent[i])
		if line == "" {
			continue
		}
		n := e.Count(line)
		if used+n > eventBudget {
			break
		}
		lines = append(lines, line)
		used += n
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: system}}
	if len(lines) > 0 {
		var sb strings.Builder
		sb.WriteString("Recent events:\n")
		for i := len(lines) - 1; i >= 0; i-- {
			sb.WriteString(lines[i])
			sb.WriteByte('\n')
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: sb.String()})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: task})
	return messages, nil
}

func describeEvent(ev types.Event) string {
	switch ev.Type {
	case types.EventSignalVerdict:
		var rec types.VerdictRecord
		if ev.Decode(&rec) != nil {
			return ""
		}
		s := rec.Signal
		return fmt.Sprintf("- %s verdict %s: %s %s %s at %s %v",
			ev.Timestamp.Format(time.RFC3339), rec.Verdict.Status, s.ProposedAction, s.Size, s.Instrument, rec.Price, rec.Verdict.TriggeredRules)
	case types.EventSignalConfirmed, types.EventSignalDeclined:
		var d types.Decision
		if ev.Decode(&d) != nil {
			return ""
		}
		return fmt.Sprintf("- %s %s %s by %s", ev.Timestamp.Format(time.RFC3339), ev.Type, d.SignalID, d.DecidedBy)
	case types.EventNewsBriefing, types.EventMemoryDivergence, types.EventAgentPaused:
		return fmt.Sprintf("- %s %s: %s", ev.Timestamp.Format(time.RFC3339), ev.Type, truncate(string(ev.Payload), 600))
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
