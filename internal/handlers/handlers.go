// Package handlers holds the built-in task handlers the scheduler runs.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tedboudros/ClawQuant/internal/agent"
	"github.com/tedboudros/ClawQuant/internal/marketdata"
	"github.com/tedboudros/ClawQuant/internal/pipeline"
	"github.com/tedboudros/ClawQuant/internal/portfolio"
	"github.com/tedboudros/ClawQuant/internal/scheduler"
	"github.com/tedboudros/ClawQuant/internal/state"
	"github.com/tedboudros/ClawQuant/internal/types"
)

// Handler names.
const (
	AIPrompt              = "ai.prompt"
	NewsBriefing          = "news.briefing"
	NotificationsSend     = "notifications.send"
	NotificationsDispatch = "notifications.dispatch"
	PortfolioCompare      = "portfolio.compare"
	WebSearch             = "web.search"
)

// Publisher is the subset of the event bus handlers need.
type Publisher interface {
	PublishPayload(ctx context.Context, eventType, source string, payload any) (types.Event, error)
}

// Notifier sends notifications exactly once per key.
type Notifier interface {
	Notify(ctx context.Context, n types.Notification) (types.NotificationKey, int, error)
	Flush(ctx context.Context) (int, error)
}

// Deps are the collaborators of the built-in handlers. A handler whose
// dependencies are missing is not registered.
type Deps struct {
	Bus      Publisher
	Agents   []agent.Agent
	Data     *marketdata.Accessor
	Notifier Notifier
	Books    *pipeline.Books
	Memory   *state.MemoryStore
}

// RegisterBuiltins registers every built-in handler whose dependencies are
// present.
func RegisterBuiltins(reg *scheduler.Registry, d Deps) error {
	var hs []scheduler.Handler
	if len(d.Agents) > 0 {
		hs = append(hs, scheduler.HandlerFunc(AIPrompt, aiPrompt(d.Agents)))
	}
	if d.Data != nil && d.Bus != nil {
		hs = append(hs, scheduler.HandlerFunc(NewsBriefing, newsBriefing(d)))
	}
	if d.Notifier != nil {
		hs = append(hs,
			scheduler.HandlerFunc(NotificationsSend, notificationsSend(d.Notifier)),
			scheduler.HandlerFunc(NotificationsDispatch, notificationsDispatch(d.Notifier)),
		)
	}
	if d.Books != nil && d.Data != nil {
		hs = append(hs, scheduler.HandlerFunc(PortfolioCompare, portfolioCompare(d)))
	}
	hs = append(hs, scheduler.HandlerFunc(WebSearch, webSearch))

	for _, h := range hs {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

func decodePayload(task *state.Task, v any) error {
	if len(task.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(task.Payload, v); err != nil {
		return types.NewValidationError("task payload", err.Error())
	}
	return nil
}

// aiPrompt runs the prompt through the agent named in the payload, or
// through every agent when no model is named.
func aiPrompt(agents []agent.Agent) func(context.Context, *state.Task) (scheduler.Result, error) {
	return func(ctx context.Context, task *state.Task) (scheduler.Result, error) {
		var p agent.PromptPayload
		if err := decodePayload(task, &p); err != nil {
			return scheduler.Result{}, err
		}
		if strings.TrimSpace(p.Prompt) == "" {
			p.Prompt = "Review the market and the portfolio. Propose signals only when you have a clear reason."
		}

		var selected []agent.Agent
		for _, a := range agents {
			if p.Model == "" || a.Model() == p.Model {
				selected = append(selected, a)
			}
		}
		if len(selected) == 0 {
			return scheduler.Failed("no agent for model %q", p.Model), nil
		}

		var replies []string
		var errs []error
		for _, a := range selected {
			out, err := a.Run(ctx, agent.Input{TaskID: task.ID, Prompt: p.Prompt})
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", a.Model(), err))
				continue
			}
			replies = append(replies, fmt.Sprintf("%s: %s", a.Model(), truncate(out.Reply, 200)))
		}
		if len(errs) > 0 {
			return scheduler.Result{}, errors.Join(errs...)
		}
		return scheduler.Success("%s", strings.Join(replies, "; ")), nil
	}
}

// BriefingPayload is the payload of a news.briefing task.
type BriefingPayload struct {
	Assets   []string `json:"assets,omitempty"`
	Lookback string   `json:"lookback,omitempty"`
	Channel  string   `json:"channel,omitempty"`
}

// BriefingItem is one headline in a briefing.
type BriefingItem struct {
	Asset     string    `json:"asset"`
	Headline  string    `json:"headline"`
	URL       string    `json:"url,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Briefing is the payload of news.briefing events.
type Briefing struct {
	Since       time.Time      `json:"since"`
	GeneratedAt time.Time      `json:"generated_at"`
	Items       []BriefingItem `json:"items"`
}

func newsBriefing(d Deps) func(context.Context, *state.Task) (scheduler.Result, error) {
	return func(ctx context.Context, task *state.Task) (scheduler.Result, error) {
		var p BriefingPayload
		if err := decodePayload(task, &p); err != nil {
			return scheduler.Result{}, err
		}
		lookback := 24 * time.Hour
		if p.Lookback != "" {
			d, err := time.ParseDuration(p.Lookback)
			if err != nil || d <= 0 {
				return scheduler.Result{}, types.NewValidationError("task payload", fmt.Sprintf("lookback %q", p.Lookback))
			}
			lookback = d
		}

		assets := p.Assets
		if len(assets) == 0 {
			listed, err := d.Data.Assets(ctx)
			if err != nil {
				return scheduler.Result{}, err
			}
			assets = listed
		}

		now := d.Data.Now()
		b := Briefing{Since: now.Add(-lookback), GeneratedAt: now, Items: []BriefingItem{}}
		for _, asset := range assets {
			asset = strings.ToUpper(asset)
			news, err := d.Data.News(ctx, asset, b.Since)
			if err != nil {
				return scheduler.Result{}, err
			}
			for _, rec := range news {
				b.Items = append(b.Items, BriefingItem{Asset: asset, Headline: rec.Headline, URL: rec.URL, Timestamp: rec.Timestamp})
			}
		}
		if len(b.Items) == 0 {
			return scheduler.NoAction("no news since %s", b.Since.Format(time.RFC3339)), nil
		}
		sort.SliceStable(b.Items, func(i, j int) bool { return b.Items[i].Timestamp.Before(b.Items[j].Timestamp) })

		if _, err := d.Bus.PublishPayload(ctx, types.EventNewsBriefing, NewsBriefing, b); err != nil {
			return scheduler.Result{}, err
		}
		if d.Notifier != nil {
			n := types.Notification{
				Key:     types.NotificationKey(fmt.Sprintf("briefing-%s-%d", task.ID, now.Unix())),
				Channel: p.Channel,
				Title:   "News briefing",
				Text:    formatBriefing(b),
			}
			if _, _, err := d.Notifier.Notify(ctx, n); err != nil {
				return scheduler.Result{}, err
			}
		}
		return scheduler.Success("%d headline(s) across %d asset(s)", len(b.Items), len(assets)), nil
	}
}

func formatBriefing(b Briefing) string {
	var sb strings.Builder
	for _, it := range b.Items {
		fmt.Fprintf(&sb, "• %s %s: %s", it.Timestamp.Format("Jan 2 15:04"), it.Asset, it.Headline)
		if it.URL != "" {
			fmt.Fprintf(&sb, " %s", it.URL)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// SendPayload is the payload of a notifications.send task.
type SendPayload struct {
	Message   string `json:"message"`
	ChannelID string `json:"channel_id,omitempty"`
	Output    string `json:"output,omitempty"`
}

func notificationsSend(n Notifier) func(context.Context, *state.Task) (scheduler.Result, error) {
	return func(ctx context.Context, task *state.Task) (scheduler.Result, error) {
		var p SendPayload
		if err := decodePayload(task, &p); err != nil {
			return scheduler.Result{}, err
		}
		if strings.TrimSpace(p.Message) == "" {
			return scheduler.Failed("notifications.send requires a message"), nil
		}
		// One notification per scheduled slot, so a rerun of the same slot
		// is deduplicated by the outbox.
		_, routed, err := n.Notify(ctx, types.Notification{
			Key:     types.NotificationKey(fmt.Sprintf("task-%s-%d", task.ID, task.NextRunAt.Unix())),
			Channel: p.ChannelID,
			Output:  p.Output,
			Text:    p.Message,
		})
		if err != nil {
			return scheduler.Result{}, err
		}
		if routed == 0 {
			return scheduler.Failed("no output accepted the notification"), nil
		}
		return scheduler.Success("sent to %d output(s)", routed), nil
	}
}

func notificationsDispatch(n Notifier) func(context.Context, *state.Task) (scheduler.Result, error) {
	return func(ctx context.Context, _ *state.Task) (scheduler.Result, error) {
		flushed, err := n.Flush(ctx)
		if err != nil {
			return scheduler.Result{}, err
		}
		if flushed == 0 {
			return scheduler.NoAction("outbox empty"), nil
		}
		return scheduler.Success("published %d pending notification(s)", flushed), nil
	}
}

// ComparePayload optionally narrows portfolio.compare to one model.
type ComparePayload struct {
	Model string `json:"model,omitempty"`
}

// ModelComparison is the payload of memory.divergence.
type ModelComparison struct {
	Model string `json:"model"`
	portfolio.Comparison
}

func portfolioCompare(d Deps) func(context.Context, *state.Task) (scheduler.Result, error) {
	return func(ctx context.Context, task *state.Task) (scheduler.Result, error) {
		var p ComparePayload
		if err := decodePayload(task, &p); err != nil {
			return scheduler.Result{}, err
		}
		models := d.Books.Models()
		if p.Model != "" {
			models = []string{p.Model}
		}

		diverged := 0
		for _, model := range models {
			pair := d.Books.Pair(model)
			ai, human := pair.AI.Snapshot(), pair.Human.Snapshot()
			prices, err := d.Data.Prices(ctx, append(ai.Instruments(), human.Instruments()...))
			if err != nil {
				return scheduler.Result{}, err
			}
			cmp := portfolio.Compare(ai.WithPrices(prices), human.WithPrices(prices))
			if len(cmp.Divergences) == 0 {
				continue
			}
			diverged++

			if d.Memory != nil {
				for _, div := range cmp.Divergences {
					if _, err := d.Memory.Save(fmt.Sprintf("%s %s", model, div)); err != nil {
						return scheduler.Result{}, err
					}
				}
			}
			if d.Bus != nil {
				if _, err := d.Bus.PublishPayload(ctx, types.EventMemoryDivergence, PortfolioCompare, ModelComparison{Model: model, Comparison: cmp}); err != nil {
					return scheduler.Result{}, err
				}
			}
			slog.Info("ledgers diverged", "model", model, "instruments", len(cmp.Divergences), "cash_delta", cmp.CashDelta.String())
		}
		if diverged == 0 {
			return scheduler.NoAction("ledgers agree for %d model(s)", len(models)), nil
		}
		return scheduler.Success("%d model(s) diverged", diverged), nil
	}
}

func webSearch(_ context.Context, _ *state.Task) (scheduler.Result, error) {
	return scheduler.NoAction("web.search is a tool; agents call web_search directly"), nil
}

// truncate keeps at most n bytes of s, backing off so a multi-byte rune is
// never split.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
