package agent

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tedboudros/ClawQuant/internal/marketdata"
	"github.com/tedboudros/ClawQuant/internal/pipeline"
	"github.com/tedboudros/ClawQuant/internal/prompt"
	"github.com/tedboudros/ClawQuant/internal/search"
	"github.com/tedboudros/ClawQuant/internal/state"
	"github.com/tedboudros/ClawQuant/internal/types"
	"github.com/tedboudros/ClawQuant/pkg/llm"
)

var day1 = time.Date(2024, 1, 1, 16, 0, 0, 0, time.UTC)

type fakeProposer struct {
	mu      sync.Mutex
	signals []types.Signal
	err     error
}

func (f *fakeProposer) Propose(_ context.Context, source string, sig types.Signal) (types.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return types.Signal{}, f.err
	}
	sig.ID = types.SignalID("sig-" + sig.Instrument)
	sig.Instrument = strings.ToUpper(sig.Instrument)
	f.signals = append(f.signals, sig)
	return sig, nil
}

type fakeSearcher struct {
	got search.Query
}

func (f *fakeSearcher) Search(_ context.Context, q search.Query) ([]search.Result, error) {
	f.got = q
	return []search.Result{{Title: "XYZ rallies", URL: "https://news.example/xyz"}}, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []string
}

func (f *fakePublisher) PublishPayload(_ context.Context, eventType, source string, payload any) (types.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
	return types.NewEvent(eventType, source, payload)
}

func price(asset string, at time.Time, p string) marketdata.Record {
	return marketdata.Record{Asset: asset, Kind: marketdata.KindPrice, Timestamp: at, AvailableAt: at, Price: decimal.RequireFromString(p)}
}

func simAccessor(t *testing.T) (*marketdata.Accessor, *marketdata.TimeContext) {
	t.Helper()
	store := marketdata.NewMemoryStore(
		price("XYZ", day1.Add(-24*time.Hour), "9.50"),
		price("XYZ", day1, "10.00"),
		price("XYZ", day1.Add(24*time.Hour), "11.00"),
		marketdata.Record{Asset: "XYZ", Kind: marketdata.KindNews, Timestamp: day1.Add(-time.Hour), AvailableAt: day1.Add(-time.Hour), Headline: "XYZ wins contract"},
	)
	tc := marketdata.NewTimeContext(day1)
	return marketdata.NewAccessor(store, tc), tc
}

func TestNormalizeArgs(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{`"{\"a\":1}"`, `{"a":1}`},
		{``, `{}`},
		{`""`, `{}`},
	}
	for _, tt := range tests {
		if got := string(normalizeArgs(json.RawMessage(tt.in))); got != tt.want {
			t.Errorf("normalizeArgs(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestNewToolsRegistersAvailableTools(t *testing.T) {
	data, _ := simAccessor(t)
	dir := t.TempDir()

	minimal := NewTools(ToolDeps{Model: "m", Proposer: &fakeProposer{}, Data: data})
	if got := strings.Join(minimal.Names(), ","); got != "market_data,propose_signal" {
		t.Errorf("unexpected tools %s", got)
	}

	full := NewTools(ToolDeps{
		Model:    "m",
		Proposer: &fakeProposer{},
		Data:     data,
		Search:   &fakeSearcher{},
		Reader:   search.NewReader(),
		Tasks:    state.NewTaskStore(filepath.Join(dir, "tasks")),
		Memory:   state.NewMemoryStore(filepath.Join(dir, "memory.md")),
	})
	names := strings.Join(full.Names(), ",")
	if names != "market_data,memory,propose_signal,schedule_task,web_search" {
		t.Errorf("unexpected tools %s", names)
	}
	if len(full.AsLLMTools()) != 5 {
		t.Errorf("expected 5 llm tools")
	}

	live := NewTools(ToolDeps{Model: "m", Proposer: &fakeProposer{}, Data: marketdata.NewAccessor(marketdata.NewMemoryStore(), marketdata.NewLiveTimeContext(types.SystemClock{})), Reader: search.NewReader()})
	if _, ok := live.Get("read_url"); !ok {
		t.Error("expected read_url on live time")
	}
}

func TestProposeTool(t *testing.T) {
	data, _ := simAccessor(t)
	proposer := &fakeProposer{}
	tools := NewTools(ToolDeps{Model: "gpt", Proposer: proposer, Data: data})

	out, err := tools.Execute(context.Background(), "propose_signal",
		json.RawMessage(`{"instrument":"xyz","action":"BUY","size":"5","rationale":"momentum"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "sig-xyz") {
		t.Errorf("unexpected result %q", out)
	}
	if len(proposer.signals) != 1 {
		t.Fatalf("expected 1 proposal, got %d", len(proposer.signals))
	}
	sig := proposer.signals[0]
	if sig.Model != "gpt" || sig.AssetClass != "equity" || sig.ProposedAction != types.ActionBuy || !sig.Size.Equal(decimal.NewFromInt(5)) {
		t.Errorf("unexpected signal %+v", sig)
	}

	proposer.err = types.NewValidationError("signal", "size must be positive")
	if _, err := tools.Execute(context.Background(), "propose_signal", json.RawMessage(`{"instrument":"x","action":"buy","size":0}`)); !errors.Is(err, types.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestMarketDataToolHonoursCutoff(t *testing.T) {
	data, tc := simAccessor(t)
	tools := NewTools(ToolDeps{Model: "m", Proposer: &fakeProposer{}, Data: data})

	out, err := tools.Execute(context.Background(), "market_data", json.RawMessage(`{"asset":"xyz","days":5,"include_news":true}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "latest price 10.00") {
		t.Errorf("expected latest price 10.00, got %q", out)
	}
	if strings.Contains(out, "11.00") {
		t.Errorf("future price leaked: %q", out)
	}
	if !strings.Contains(out, "XYZ wins contract") {
		t.Errorf("expected headline, got %q", out)
	}

	if err := tc.Advance(day1.Add(24 * time.Hour)); err != nil {
		t.Fatal(err)
	}
	out, err = tools.Execute(context.Background(), "market_data", json.RawMessage(`{"asset":"XYZ"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "latest price 11.00") {
		t.Errorf("expected 11.00 after advancing, got %q", out)
	}

	out, err = tools.Execute(context.Background(), "market_data", json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if out != "Available assets: XYZ" {
		t.Errorf("unexpected asset list %q", out)
	}
}

func TestWebSearchToolClampsAsOfInSimulation(t *testing.T) {
	data, _ := simAccessor(t)
	searcher := &fakeSearcher{}
	tools := NewTools(ToolDeps{Model: "m", Proposer: &fakeProposer{}, Data: data, Search: searcher})

	if _, err := tools.Execute(context.Background(), "web_search", json.RawMessage(`{"query":"xyz","as_of":"2030-01-01T00:00:00Z"}`)); err != nil {
		t.Fatal(err)
	}
	if searcher.got.AsOf == nil || !searcher.got.AsOf.Equal(day1) {
		t.Errorf("expected as_of clamped to %s, got %v", day1, searcher.got.AsOf)
	}

	if _, err := tools.Execute(context.Background(), "web_search", json.RawMessage(`{"query":"xyz","as_of":"2023-06-01T00:00:00Z"}`)); err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC); !searcher.got.AsOf.Equal(want) {
		t.Errorf("expected earlier as_of kept, got %v", searcher.got.AsOf)
	}

	if _, err := tools.Execute(context.Background(), "web_search", json.RawMessage(`{"query":"xyz","as_of":"yesterday"}`)); err == nil {
		t.Error("expected error for malformed as_of")
	}
}

func TestScheduleTool(t *testing.T) {
	data, _ := simAccessor(t)
	store := state.NewTaskStore(t.TempDir())
	tools := NewTools(ToolDeps{Model: "gpt", Proposer: &fakeProposer{}, Data: data, Tasks: store})

	out, err := tools.Execute(context.Background(), "schedule_task", json.RawMessage(`{"schedule":"every 24h","prompt":"check XYZ","name":"xyz-watch"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "2024-01-01T16:00:00Z") {
		t.Errorf("expected first run at simulated now, got %q", out)
	}

	tasks, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	task := tasks[0]
	if task.CreatedBy != "ai" || task.HandlerName != "ai.prompt" || task.Name != "xyz-watch" {
		t.Errorf("unexpected task %+v", task)
	}
	var payload PromptPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Prompt != "check XYZ" || payload.Model != "gpt" {
		t.Errorf("unexpected payload %+v", payload)
	}

	if _, err := tools.Execute(context.Background(), "schedule_task", json.RawMessage(`{"schedule":"whenever","prompt":"x"}`)); !errors.Is(err, types.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestMemoryTool(t *testing.T) {
	data, _ := simAccessor(t)
	tools := NewTools(ToolDeps{Model: "m", Proposer: &fakeProposer{}, Data: data, Memory: state.NewMemoryStore(filepath.Join(t.TempDir(), "memory.md"))})
	ctx := context.Background()

	steps := []struct {
		args, want string
	}{
		{`{"action":"list"}`, "Memory is empty."},
		{`{"action":"save","content":"human skips crypto"}`, "Saved to memory."},
		{`{"action":"save","content":"human skips crypto"}`, "Already remembered."},
		{`{"action":"list"}`, "- human skips crypto"},
		{`{"action":"delete","content":"human skips crypto"}`, "Deleted from memory."},
		{`{"action":"delete","content":"human skips crypto"}`, "No matching memory found."},
	}
	for _, s := range steps {
		got, err := tools.Execute(ctx, "memory", json.RawMessage(s.args))
		if err != nil {
			t.Fatalf("%s: %v", s.args, err)
		}
		if got != s.want {
			t.Errorf("%s: got %q, want %q", s.args, got, s.want)
		}
	}
	if _, err := tools.Execute(ctx, "memory", json.RawMessage(`{"action":"forget"}`)); err == nil {
		t.Error("expected error for unknown action")
	}
}

func newEngine(t *testing.T) *prompt.Engine {
	t.Helper()
	e, err := prompt.New("gpt-4", 128000, 4096)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestLLMRunToolLoop(t *testing.T) {
	data, _ := simAccessor(t)
	proposer := &fakeProposer{}
	tools := NewTools(ToolDeps{Model: "gpt", Proposer: proposer, Data: data})
	books := pipeline.NewBooks(decimal.NewFromInt(1000))
	memory := state.NewMemoryStore(filepath.Join(t.TempDir(), "memory.md"))
	if _, err := memory.Save("XYZ: ai holds 3, human holds 0"); err != nil {
		t.Fatal(err)
	}

	provider := llm.NewScript(
		&llm.Response{ToolCalls: []llm.ToolCall{{
			ID: "call_1", Type: "function",
			Function: llm.FunctionCall{Name: "market_data", Arguments: json.RawMessage(`"{\"asset\":\"XYZ\"}"`)},
		}}},
		&llm.Response{ToolCalls: []llm.ToolCall{{
			ID: "call_2", Type: "function",
			Function: llm.FunctionCall{Name: "propose_signal", Arguments: json.RawMessage(`{"instrument":"XYZ","action":"buy","size":3,"rationale":"breakout"}`)},
		}}},
		&llm.Response{Content: "Proposed one buy."},
	)

	a := NewLLM("gpt", provider, newEngine(t), tools, data, 5, WithBooks(books), WithMemory(memory))
	out, err := a.Run(context.Background(), Input{Prompt: "Review XYZ"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Reply != "Proposed one buy." || out.Rounds != 3 || out.ToolCalls != 2 {
		t.Errorf("unexpected outcome %+v", out)
	}
	if len(proposer.signals) != 1 || proposer.signals[0].Instrument != "XYZ" {
		t.Fatalf("expected one XYZ proposal, got %+v", proposer.signals)
	}

	first := provider.Calls()[0]
	if !strings.Contains(first[0].Content, "ai holds 3") || !strings.Contains(first[0].Content, "Cash 1000.00") {
		t.Errorf("expected memory and portfolio in system prompt:\n%s", first[0].Content)
	}
	last := provider.Calls()[2]
	var sawToolResult bool
	for _, m := range last {
		if m.Role == llm.RoleTool && strings.Contains(m.Content, "latest price 10.00") {
			sawToolResult = true
			if m.Tools[0].ID != "call_1" {
				t.Errorf("tool result answers %s, want call_1", m.Tools[0].ID)
			}
		}
	}
	if !sawToolResult {
		t.Error("expected market data result fed back to the model")
	}
}

func TestLLMRunUnknownToolIsReported(t *testing.T) {
	data, _ := simAccessor(t)
	provider := llm.NewScript(
		&llm.Response{ToolCalls: []llm.ToolCall{{ID: "c1", Function: llm.FunctionCall{Name: "place_order", Arguments: json.RawMessage(`{}`)}}}},
		&llm.Response{Content: "ok"},
	)
	a := NewLLM("gpt", provider, newEngine(t), NewTools(ToolDeps{Model: "gpt", Proposer: &fakeProposer{}, Data: data}), data, 5)

	if _, err := a.Run(context.Background(), Input{Prompt: "go"}); err != nil {
		t.Fatal(err)
	}
	msgs := provider.Calls()[1]
	if got := msgs[len(msgs)-1].Content; !strings.Contains(got, `unknown tool "place_order"`) {
		t.Errorf("expected unknown tool error, got %q", got)
	}
}

func TestLLMRunPausesAfterMaxRounds(t *testing.T) {
	data, _ := simAccessor(t)
	loop := &llm.Response{ToolCalls: []llm.ToolCall{{ID: "c", Function: llm.FunctionCall{Name: "market_data", Arguments: json.RawMessage(`{}`)}}}}
	provider := llm.NewScript(loop, loop, loop, loop)
	pub := &fakePublisher{}

	a := NewLLM("gpt", provider, newEngine(t), NewTools(ToolDeps{Model: "gpt", Proposer: &fakeProposer{}, Data: data}), data, 3, WithPublisher(pub))
	out, err := a.Run(context.Background(), Input{TaskID: "t1", Prompt: "go"})
	if !errors.Is(err, ErrMaxRounds) {
		t.Fatalf("expected ErrMaxRounds, got %v", err)
	}
	if out.Rounds != 3 || len(provider.Calls()) != 3 {
		t.Errorf("expected 3 rounds, got %d (%d calls)", out.Rounds, len(provider.Calls()))
	}
	if len(pub.events) != 1 || pub.events[0] != types.EventAgentPaused {
		t.Errorf("expected agent.paused, got %v", pub.events)
	}
}

func TestScriptedProposesPlanOnItsDay(t *testing.T) {
	data, tc := simAccessor(t)
	proposer := &fakeProposer{}
	tools := NewTools(ToolDeps{Model: "plan", Proposer: proposer, Data: data})
	s := NewScripted("plan", tools, data, []PlannedSignal{
		{Day: "2024-01-01", Instrument: "XYZ", AssetClass: "equity", Action: types.ActionBuy, Size: decimal.NewFromInt(2)},
		{Day: "2024-01-02", Instrument: "XYZ", AssetClass: "equity", Action: types.ActionSell, Size: decimal.NewFromInt(2)},
	})

	out, err := s.Run(context.Background(), Input{})
	if err != nil {
		t.Fatal(err)
	}
	if out.ToolCalls != 1 || len(proposer.signals) != 1 || proposer.signals[0].ProposedAction != types.ActionBuy {
		t.Fatalf("expected the day one buy, got %+v", proposer.signals)
	}

	// A second run on the same day proposes nothing new.
	if _, err := s.Run(context.Background(), Input{}); err != nil {
		t.Fatal(err)
	}
	if len(proposer.signals) != 1 {
		t.Errorf("expected no repeat proposals, got %d", len(proposer.signals))
	}

	if err := tc.Advance(day1.Add(24 * time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Run(context.Background(), Input{}); err != nil {
		t.Fatal(err)
	}
	if len(proposer.signals) != 2 || proposer.signals[1].ProposedAction != types.ActionSell {
		t.Errorf("expected the day two sell, got %+v", proposer.signals)
	}
}
