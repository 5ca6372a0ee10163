package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tedboudros/ClawQuant/internal/marketdata"
	"github.com/tedboudros/ClawQuant/internal/search"
	"github.com/tedboudros/ClawQuant/internal/state"
	"github.com/tedboudros/ClawQuant/internal/types"
)

// Proposer submits signals for risk evaluation.
type Proposer interface {
	Propose(ctx context.Context, source string, sig types.Signal) (types.Signal, error)
}

// ToolDeps are the collaborators the agent tools act on. Optional ones
// left nil leave their tool out.
type ToolDeps struct {
	Model    string
	Proposer Proposer
	Data     *marketdata.Accessor
	Search   search.Searcher
	Reader   *search.Reader
	Tasks    *state.TaskStore
	Memory   *state.MemoryStore
}

// NewTools builds the tool registry for one model. read_url is only
// offered on live time since fetched pages cannot be held to a cutoff.
func NewTools(d ToolDeps) *Registry {
	r := NewRegistry()
	r.Register(&proposeTool{model: d.Model, proposer: d.Proposer})
	r.Register(&marketDataTool{data: d.Data})
	if d.Search != nil {
		r.Register(&webSearchTool{searcher: d.Search, data: d.Data})
	}
	if d.Reader != nil && !d.Data.Simulated() {
		r.Register(&readURLTool{reader: d.Reader})
	}
	if d.Tasks != nil {
		r.Register(&scheduleTool{model: d.Model, tasks: d.Tasks, data: d.Data})
	}
	if d.Memory != nil {
		r.Register(&memoryTool{memory: d.Memory})
	}
	return r
}

type proposeTool struct {
	model    string
	proposer Proposer
}

func (t *proposeTool) Name() string { return "propose_signal" }
func (t *proposeTool) Description() string {
	return "Propose a trade. It is checked against the risk rules and, if allowed, sent to the human for a decision"
}
func (t *proposeTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"instrument": {"type": "string", "description": "Ticker or symbol, e.g. AAPL"},
			"asset_class": {"type": "string", "description": "equity, etf, crypto, fx... (default: equity)"},
			"action": {"type": "string", "enum": ["buy", "sell", "hold"]},
			"size": {"type": "number", "description": "Quantity in units of the instrument"},
			"limit_price": {"type": "number", "description": "Optional limit price"},
			"rationale": {"type": "string", "description": "Why this trade, in one or two sentences"},
			"risk_flags": {"type": "array", "items": {"type": "string"}, "description": "Concerns worth surfacing to the human"}
		},
		"required": ["instrument", "action", "size", "rationale"]
	}`)
}

type proposeArgs struct {
	Instrument string           `json:"instrument"`
	AssetClass string           `json:"asset_class,omitempty"`
	Action     types.Action     `json:"action"`
	Size       decimal.Decimal  `json:"size"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	Rationale  string           `json:"rationale,omitempty"`
	RiskFlags  []string         `json:"risk_flags,omitempty"`
}

func (t *proposeTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p proposeArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if p.AssetClass == "" {
		p.AssetClass = "equity"
	}
	sig, err := t.proposer.Propose(ctx, "agent:"+t.model, types.Signal{
		Model:          t.model,
		Instrument:     p.Instrument,
		AssetClass:     p.AssetClass,
		ProposedAction: types.Action(strings.ToLower(string(p.Action))),
		Size:           p.Size,
		LimitPrice:     p.LimitPrice,
		RationaleRef:   strings.TrimSpace(p.Rationale),
		RiskFlags:      p.RiskFlags,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Proposed %s %s %s as signal %s. The risk verdict is sent to the human separately.",
		sig.ProposedAction, sig.Size, sig.Instrument, sig.ID), nil
}

type marketDataTool struct {
	data *marketdata.Accessor
}

func (t *marketDataTool) Name() string { return "market_data" }
func (t *marketDataTool) Description() string {
	return "Get the latest price, recent price history and news for an asset. Without an asset, lists known assets"
}
func (t *marketDataTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"asset": {"type": "string", "description": "Ticker or symbol"},
			"days": {"type": "integer", "description": "Days of history (default: 10, max: 365)"},
			"include_news": {"type": "boolean", "description": "Include headlines from the same window"}
		}
	}`)
}

func (t *marketDataTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Asset       string `json:"asset"`
		Days        int    `json:"days"`
		IncludeNews bool   `json:"include_news"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}

	if p.Asset == "" {
		assets, err := t.data.Assets(ctx)
		if err != nil {
			return "", err
		}
		if len(assets) == 0 {
			return "No assets available.", nil
		}
		return "Available assets: " + strings.Join(assets, ", "), nil
	}

	asset := strings.ToUpper(p.Asset)
	switch {
	case p.Days <= 0:
		p.Days = 10
	case p.Days > 365:
		p.Days = 365
	}
	now := t.data.Now()
	since := now.AddDate(0, 0, -p.Days)

	latest, err := t.data.LatestPrice(ctx, asset)
	if err != nil {
		return "", err
	}
	history, err := t.data.PriceHistory(ctx, asset, marketdata.Range{Start: since, End: now})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s latest price %s at %s\n", asset, latest.Price.StringFixed(2), latest.Timestamp.Format(time.RFC3339))
	if len(history) > 0 {
		fmt.Fprintf(&sb, "History (%d days):\n", p.Days)
		for _, rec := range history {
			fmt.Fprintf(&sb, "  %s %s\n", rec.Timestamp.Format("2006-01-02"), rec.Price.StringFixed(2))
		}
	}
	if p.IncludeNews {
		news, err := t.data.News(ctx, asset, since)
		if err != nil {
			return "", err
		}
		if len(news) == 0 {
			sb.WriteString("No news in this window.\n")
		}
		for _, rec := range news {
			fmt.Fprintf(&sb, "- %s %s", rec.Timestamp.Format("2006-01-02"), rec.Headline)
			if rec.URL != "" {
				fmt.Fprintf(&sb, " (%s)", rec.URL)
			}
			sb.WriteByte('\n')
		}
	}
	return sb.String(), nil
}

type webSearchTool struct {
	searcher search.Searcher
	data     *marketdata.Accessor
}

func (t *webSearchTool) Name() string { return "web_search" }
func (t *webSearchTool) Description() string {
	return "Search the web for recent information. Supports an optional as_of cutoff"
}
func (t *webSearchTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Search query text"},
			"limit": {"type": "integer", "description": "Maximum results to return (default: 5, max: 10)"},
			"as_of": {"type": "string", "description": "Optional RFC 3339 cutoff. Restricts results to pages published on or before it"}
		},
		"required": ["query"]
	}`)
}

func (t *webSearchTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
		AsOf  string `json:"as_of"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}

	var asOf *time.Time
	if p.AsOf != "" {
		ts, err := time.Parse(time.RFC3339, p.AsOf)
		if err != nil {
			return "", fmt.Errorf("as_of: %w", err)
		}
		ts = ts.UTC()
		asOf = &ts
	}
	// Simulated time never sees past its cutoff, whatever the model asks.
	if t.data.Simulated() {
		cutoff := t.data.Cutoff()
		if asOf == nil || asOf.After(cutoff) {
			asOf = &cutoff
		}
	}

	results, err := t.searcher.Search(ctx, search.Query{Text: p.Query, Limit: p.Limit, AsOf: asOf})
	if err != nil {
		return "", err
	}
	return search.Format(p.Query, results, asOf), nil
}

type readURLTool struct {
	reader *search.Reader
}

func (t *readURLTool) Name() string        { return "read_url" }
func (t *readURLTool) Description() string { return "Fetch a URL and return its content as markdown" }
func (t *readURLTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "The URL to fetch"}
		},
		"required": ["url"]
	}`)
}

func (t *readURLTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	return t.reader.Read(ctx, p.URL)
}

type scheduleTool struct {
	model string
	tasks *state.TaskStore
	data  *marketdata.Accessor
}

func (t *scheduleTool) Name() string { return "schedule_task" }
func (t *scheduleTool) Description() string {
	return "Schedule a follow-up prompt for yourself, once or on a recurring schedule"
}
func (t *scheduleTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"schedule": {"type": "string", "description": "\"every 4h\", \"at 2024-01-02T14:30:00Z\" or a cron expression"},
			"prompt": {"type": "string", "description": "What to do when the task runs"},
			"name": {"type": "string", "description": "Short label"}
		},
		"required": ["schedule", "prompt"]
	}`)
}

func (t *scheduleTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Schedule string `json:"schedule"`
		Prompt   string `json:"prompt"`
		Name     string `json:"name"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return "", fmt.Errorf("prompt is required")
	}
	payload, err := json.Marshal(PromptPayload{Prompt: p.Prompt, Model: t.model})
	if err != nil {
		return "", err
	}
	task, err := state.NewTask("ai.prompt", p.Schedule, payload, "ai", t.data.Now())
	if err != nil {
		return "", err
	}
	task.Name = p.Name
	if err := t.tasks.Create(task); err != nil {
		return "", err
	}
	return fmt.Sprintf("Scheduled task %s, first run at %s.", task.ID, task.NextRunAt.Format(time.RFC3339)), nil
}

// PromptPayload is the payload of an ai.prompt task.
type PromptPayload struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
}

type memoryTool struct {
	memory *state.MemoryStore
}

func (t *memoryTool) Name() string { return "memory" }
func (t *memoryTool) Description() string {
	return "Save, delete or list durable facts that are shown to you on every run"
}
func (t *memoryTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["save", "delete", "list"]},
			"content": {"type": "string", "description": "The exact fact to save or delete"}
		},
		"required": ["action"]
	}`)
}

func (t *memoryTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Action  string `json:"action"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	switch p.Action {
	case "save":
		added, err := t.memory.Save(p.Content)
		if err != nil {
			return "", err
		}
		if !added {
			return "Already remembered.", nil
		}
		return "Saved to memory.", nil
	case "delete":
		removed, err := t.memory.Delete(p.Content)
		if err != nil {
			return "", err
		}
		if !removed {
			return "No matching memory found.", nil
		}
		return "Deleted from memory.", nil
	case "list":
		facts, err := t.memory.List()
		if err != nil {
			return "", err
		}
		if len(facts) == 0 {
			return "Memory is empty.", nil
		}
		return "- " + strings.Join(facts, "\n- "), nil
	}
	return "", fmt.Errorf("unknown action %q", p.Action)
}
