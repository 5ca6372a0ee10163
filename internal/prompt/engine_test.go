package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tedboudros/ClawQuant/internal/types"
)

func verdictEvent(t *testing.T, instrument string, at time.Time) types.Event {
	t.Helper()
	ev, err := types.NewEvent(types.EventSignalVerdict, "risk", types.VerdictRecord{
		Signal: types.Signal{ID: "s1", Instrument: instrument, ProposedAction: types.ActionBuy, Size: decimal.NewFromInt(5)},
		Verdict: types.Verdict{Status: types.VerdictApproved, TriggeredRules: []string{}},
		Price:   decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatal(err)
	}
	ev.Timestamp = at
	return ev
}

func TestNewEngine(t *testing.T) {
	e, err := New("gpt-4", 128000, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil {
		t.Fatal("expected non-nil engine")
	}
}

func TestBuildBasic(t *testing.T) {
	e, err := New("gpt-4", 128000, 4096)
	if err != nil {
		t.Fatal(err)
	}

	at := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	data := Data{Time: at.Format(time.RFC3339), Model: "gpt-4", Tools: []string{"market_data", "propose_signal"}, Simulated: true, Memory: "- XYZ: ai holds 3, human holds 1"}
	events := []types.Event{
		verdictEvent(t, "AAA", at.Add(-2*time.Hour)),
		{Type: types.EventTaskCompleted, Payload: []byte(`{}`)},
		verdictEvent(t, "BBB", at.Add(-time.Hour)),
	}

	messages, err := e.Build(data, events, "Review the market open.")
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected system, events and task messages, got %d", len(messages))
	}
	if messages[0].Role != "system" {
		t.Errorf("expected system message first, got %q", messages[0].Role)
	}
	for _, want := range []string{"2024-01-02T00:00:00Z", "historical simulation", "market_data, propose_signal", "ai holds 3"} {
		if !strings.Contains(messages[0].Content, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}

	recent := messages[1].Content
	if strings.Index(recent, "AAA") > strings.Index(recent, "BBB") {
		t.Errorf("expected events oldest first:\n%s", recent)
	}
	if strings.Contains(recent, "task.completed") {
		t.Error("expected task events to be left out")
	}
	if messages[2].Content != "Review the market open." {
		t.Errorf("expected task prompt last, got %q", messages[2].Content)
	}
}

func TestBuildKeepsNewestEventsWithinBudget(t *testing.T) {
	e, err := New("gpt-4", 128000, 4096)
	if err != nil {
		t.Fatal(err)
	}
	system := e.Count(DefaultPrompt)
	// Leave room for only a handful of event lines.
	e.maxTokens = system + e.reserve + 200

	at := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	var events []types.Event
	for i := 0; i < 50; i++ {
		events = append(events, verdictEvent(t, "OLD", at.Add(time.Duration(i)*time.Minute)))
	}
	events = append(events, verdictEvent(t, "NEWEST", at.Add(time.Hour)))

	messages, err := e.Build(Data{Time: "now"}, events, "go")
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	if !strings.Contains(messages[1].Content, "NEWEST") {
		t.Error("expected newest event to be kept")
	}
	if strings.Count(messages[1].Content, "OLD") >= 50 {
		t.Error("expected older events to be dropped")
	}
}

func TestBuildOverBudget(t *testing.T) {
	e, err := New("gpt-4", 100, 50)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Build(Data{}, nil, "task"); err == nil {
		t.Error("expected error when the system prompt alone exceeds the budget")
	}
}

func TestWithTemplate(t *testing.T) {
	e, err := New("gpt-4", 8000, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.WithTemplate("Model {{.Model}} at {{.Time}}"); err != nil {
		t.Fatal(err)
	}
	messages, err := e.Build(Data{Model: "m", Time: "t"}, nil, "x")
	if err != nil {
		t.Fatal(err)
	}
	if messages[0].Content != "Model m at t" {
		t.Errorf("unexpected system prompt %q", messages[0].Content)
	}
	if err := e.WithTemplate("{{.Broken"); err == nil {
		t.Error("expected parse error")
	}
}
