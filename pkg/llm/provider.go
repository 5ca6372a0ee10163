package llm

import (
	"context"
	"errors"
	"sync"
)

// Provider is a chat completion backend. Agents hold only this interface.
type Provider interface {
	Complete(ctx context.Context, messages []Message, tools []Tool) (*Response, error)
}

// Config is what every OpenAI-compatible backend needs to be reached.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}

// ProviderFunc adapts a function into a Provider.
type ProviderFunc func(ctx context.Context, messages []Message, tools []Tool) (*Response, error)

func (f ProviderFunc) Complete(ctx context.Context, messages []Message, tools []Tool) (*Response, error) {
	return f(ctx, messages, tools)
}

// ErrScriptExhausted is returned by a Script asked for more turns than it holds.
var ErrScriptExhausted = errors.New("llm: script has no more responses")

// Script is a Provider that replays canned responses in order and records
// the conversation it was shown on each turn.
type Script struct {
	mu        sync.Mutex
	responses []*Response
	calls     [][]Message
}

func NewScript(responses ...*Response) *Script {
	return &Script{responses: responses}
}

func (s *Script) Complete(ctx context.Context, messages []Message, _ []Tool) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	turn := len(s.calls)
	s.calls = append(s.calls, append([]Message(nil), messages...))
	if turn >= len(s.responses) {
		return nil, ErrScriptExhausted
	}
	return s.responses[turn], nil
}

// Calls returns the messages sent on each turn so far.
func (s *Script) Calls() [][]Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Message(nil), s.calls...)
}
