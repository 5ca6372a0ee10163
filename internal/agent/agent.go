// Package agent runs the AI side of ClawQuant: a model reads market data
// and proposes signals through tools. Agents never touch ledgers directly.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tedboudros/ClawQuant/internal/marketdata"
	"github.com/tedboudros/ClawQuant/internal/portfolio"
	"github.com/tedboudros/ClawQuant/internal/prompt"
	"github.com/tedboudros/ClawQuant/internal/state"
	"github.com/tedboudros/ClawQuant/internal/types"
	"github.com/tedboudros/ClawQuant/pkg/llm"
)

// ErrMaxRounds is returned when a run uses up its tool rounds without the
// model finishing.
var ErrMaxRounds = errors.New("max tool rounds exceeded")

// Input is one invocation of an agent.
type Input struct {
	TaskID types.TaskID
	Prompt string
}

// Outcome summarises one invocation.
type Outcome struct {
	Reply     string `json:"reply"`
	Rounds    int    `json:"rounds"`
	ToolCalls int    `json:"tool_calls"`
}

// Agent is the AI collaborator for one model.
type Agent interface {
	Model() string
	Run(ctx context.Context, in Input) (Outcome, error)
}

// Publisher is the subset of the event bus agents need.
type Publisher interface {
	PublishPayload(ctx context.Context, eventType, source string, payload any) (types.Event, error)
}

// PortfolioSource exposes the ledgers the agent reports on.
type PortfolioSource interface {
	Pair(model string) *portfolio.Pair
}

// Paused is the payload of agent.paused.
type Paused struct {
	Model  string       `json:"model"`
	TaskID types.TaskID `json:"task_id,omitempty"`
	Rounds int          `json:"rounds"`
	Reason string       `json:"reason"`
}

const (
	maxToolResultChars = 4000
	recentEventLimit   = 50
)

type Option func(*LLM)

// WithAudit feeds recent audit events into the prompt.
func WithAudit(a types.AuditLog) Option {
	return func(l *LLM) { l.audit = a }
}

// WithMemory feeds stored facts into the prompt.
func WithMemory(m *state.MemoryStore) Option {
	return func(l *LLM) { l.memory = m }
}

// WithBooks feeds the model's human ledger into the prompt.
func WithBooks(b PortfolioSource) Option {
	return func(l *LLM) { l.books = b }
}

// WithPublisher announces paused runs on the bus.
func WithPublisher(p Publisher) Option {
	return func(l *LLM) { l.bus = p }
}

// LLM is an agent backed by a chat model with tool calling.
type LLM struct {
	model     string
	provider  llm.Provider
	engine    *prompt.Engine
	tools     *Registry
	data      *marketdata.Accessor
	maxRounds int

	audit  types.AuditLog
	memory *state.MemoryStore
	books  PortfolioSource
	bus    Publisher
}

// NewLLM creates an LLM agent for model.
func NewLLM(model string, provider llm.Provider, engine *prompt.Engine, tools *Registry, data *marketdata.Accessor, maxRounds int, opts ...Option) *LLM {
	if maxRounds <= 0 {
		maxRounds = 8
	}
	l := &LLM{
		model:     model,
		provider:  provider,
		engine:    engine,
		tools:     tools,
		data:      data,
		maxRounds: maxRounds,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *LLM) Model() string { return l.model }

// Run executes the tool loop: each round calls the model, executes any
// tool calls it makes and feeds the results back, until the model answers
// with text or the round limit is reached.
func (l *LLM) Run(ctx context.Context, in Input) (Outcome, error) {
	messages, err := l.buildPrompt(ctx, in)
	if err != nil {
		return Outcome{}, fmt.Errorf("build prompt: %w", err)
	}
	tools := l.tools.AsLLMTools()

	var out Outcome
	for round := 0; round < l.maxRounds; round++ {
		out.Rounds = round + 1

		resp, err := l.provider.Complete(ctx, messages, tools)
		if err != nil {
			return out, fmt.Errorf("LLM call: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			out.Reply = resp.Content
			return out, nil
		}

		messages = append(messages, llm.AssistantTurn(resp))
		for _, tc := range resp.ToolCalls {
			out.ToolCalls++
			result := l.tools.call(ctx, tc)
			slog.Debug("tool call", "model", l.model, "tool", tc.Function.Name, "result_len", len(result))
			if len(result) > maxToolResultChars {
				result = result[:maxToolResultChars] + "\n[truncated]"
			}
			messages = append(messages, llm.ToolResult(tc, result))
		}
	}

	slog.Warn("agent paused", "model", l.model, "task_id", string(in.TaskID), "rounds", l.maxRounds)
	if l.bus != nil {
		paused := Paused{
			Model:  l.model,
			TaskID: in.TaskID,
			Rounds: l.maxRounds,
			Reason: fmt.Sprintf("max tool rounds (%d) exceeded", l.maxRounds),
		}
		if _, err := l.bus.PublishPayload(ctx, types.EventAgentPaused, "agent:"+l.model, paused); err != nil {
			slog.Error("failed to publish agent pause", "model", l.model, "error", err)
		}
	}
	return out, fmt.Errorf("%w (%d)", ErrMaxRounds, l.maxRounds)
}

func (l *LLM) buildPrompt(ctx context.Context, in Input) ([]llm.Message, error) {
	data := prompt.Data{
		Time:      l.data.Now().Format(time.RFC3339),
		Model:     l.model,
		Tools:     l.tools.Names(),
		Simulated: l.data.Simulated(),
	}

	if l.memory != nil {
		facts, err := l.memory.List()
		if err != nil {
			return nil, err
		}
		if len(facts) > 0 {
			data.Memory = "- " + strings.Join(facts, "\n- ")
		}
	}

	if l.books != nil {
		snap := l.books.Pair(l.model).Human.Snapshot()
		prices, err := l.data.Prices(ctx, snap.Instruments())
		if err != nil {
			return nil, err
		}
		data.Portfolio = describePortfolio(snap.WithPrices(prices))
	}

	var recent []types.Event
	if l.audit != nil {
		tail, err := l.audit.Tail(ctx, recentEventLimit)
		if err != nil {
			return nil, err
		}
		for _, ev := range tail {
			recent = append(recent, *ev)
		}
	}

	return l.engine.Build(data, recent, in.Prompt)
}

func describePortfolio(s portfolio.Snapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Cash %s, equity %s.", s.Cash.StringFixed(2), s.Equity().StringFixed(2))
	instruments := s.Instruments()
	if len(instruments) == 0 {
		sb.WriteString(" No open positions.")
		return sb.String()
	}
	for _, inst := range instruments {
		pos := s.Positions[inst]
		fmt.Fprintf(&sb, "\n- %s: %s @ avg %s, value %s", inst, pos.Quantity, pos.AvgCost.StringFixed(2), s.MarketValue(inst).StringFixed(2))
	}
	return sb.String()
}
