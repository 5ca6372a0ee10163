// Package pipeline wires signal flow on the bus: risk gating of proposed
// signals, AI paper trading of verdicts, and human confirmation into the
// human ledger. The simulator builds the same Pipeline inside its sandbox.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tedboudros/ClawQuant/internal/bus"
	"github.com/tedboudros/ClawQuant/internal/marketdata"
	"github.com/tedboudros/ClawQuant/internal/metrics"
	"github.com/tedboudros/ClawQuant/internal/portfolio"
	"github.com/tedboudros/ClawQuant/internal/risk"
	"github.com/tedboudros/ClawQuant/internal/types"
	"github.com/tedboudros/ClawQuant/internal/validate"
)

// ConfirmPolicy decides which verdicts are confirmed without a human.
type ConfirmPolicy string

const (
	ConfirmNone              ConfirmPolicy = "none"
	ConfirmApproved          ConfirmPolicy = "approved"
	ConfirmApprovedOrFlagged ConfirmPolicy = "approved_or_flagged"
)

// ParseConfirmPolicy accepts the policy names; empty means none.
func ParseConfirmPolicy(s string) (ConfirmPolicy, error) {
	switch p := ConfirmPolicy(s); p {
	case "":
		return ConfirmNone, nil
	case ConfirmNone, ConfirmApproved, ConfirmApprovedOrFlagged:
		return p, nil
	}
	return "", types.NewValidationError("confirm policy", fmt.Sprintf("unknown policy %q", s))
}

func (p ConfirmPolicy) confirms(status types.VerdictStatus) bool {
	switch p {
	case ConfirmApproved:
		return status == types.VerdictApproved
	case ConfirmApprovedOrFlagged:
		return status == types.VerdictApproved || status == types.VerdictFlagged
	}
	return false
}

// Notifier sends a notification exactly once per key.
type Notifier interface {
	Notify(ctx context.Context, n types.Notification) (types.NotificationKey, int, error)
}

type Option func(*Pipeline)

func WithPolicy(p ConfirmPolicy) Option {
	return func(pl *Pipeline) { pl.policy = p }
}

func WithNotifier(n Notifier) Option {
	return func(pl *Pipeline) { pl.notifier = n }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(pl *Pipeline) { pl.metrics = m }
}

func WithClock(c types.Clock) Option {
	return func(pl *Pipeline) { pl.clock = c }
}

// ErrAlreadyDecided is returned when a signal has been confirmed or
// declined before.
var ErrAlreadyDecided = errors.New("signal already decided")

// Pipeline owns the signal subscribers for one bus.
type Pipeline struct {
	bus      *bus.Bus
	engine   *risk.Engine
	data     *marketdata.Accessor
	books    *Books
	notifier Notifier
	metrics  *metrics.Recorder
	clock    types.Clock
	policy   ConfirmPolicy

	mu       sync.Mutex
	verdicts map[types.SignalID]types.VerdictRecord
	pending  map[types.SignalID]bool
	decided  map[types.SignalID]bool
	trades   []portfolio.Entry
	subs     []*bus.Subscription
}

// New builds a pipeline. data supplies reference prices for risk
// evaluation and fills.
func New(b *bus.Bus, engine *risk.Engine, data *marketdata.Accessor, books *Books, opts ...Option) *Pipeline {
	p := &Pipeline{
		bus:      b,
		engine:   engine,
		data:     data,
		books:    books,
		clock:    types.SystemClock{},
		policy:   ConfirmNone,
		verdicts: make(map[types.SignalID]types.VerdictRecord),
		pending:  make(map[types.SignalID]bool),
		decided:  make(map[types.SignalID]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start subscribes the risk gate and both ledger writers.
func (p *Pipeline) Start() error {
	routes := []struct {
		pattern, name string
		h             bus.Handler
	}{
		{types.EventSignalProposed, "risk.gate", p.handleProposed},
		{types.EventSignalVerdict, "ledger.ai", p.handleVerdict},
		{types.EventSignalConfirmed, "ledger.human", p.handleConfirmed},
	}
	for _, r := range routes {
		sub, err := p.bus.Subscribe(r.pattern, r.name, r.h)
		if err != nil {
			p.Stop()
			return fmt.Errorf("subscribe %s: %w", r.name, err)
		}
		p.subs = append(p.subs, sub)
	}
	return nil
}

// Restore rebuilds verdict and decision state from previously audited
// events so that pending signals survive a restart and decided signals are
// never evaluated again. Call it before Start. It returns the number of
// signals still awaiting a decision.
func (p *Pipeline) Restore(history []*types.Event) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ev := range history {
		switch ev.Type {
		case types.EventSignalVerdict:
			var rec types.VerdictRecord
			if err := ev.Decode(&rec); err != nil {
				return 0, fmt.Errorf("restore verdict seq %d: %w", ev.Seq, err)
			}
			id := rec.Signal.ID
			if _, seen := p.verdicts[id]; seen {
				continue
			}
			p.verdicts[id] = rec
			if rec.Verdict.Status != types.VerdictRejected && !p.decided[id] {
				p.pending[id] = true
			}
		case types.EventSignalConfirmed, types.EventSignalDeclined:
			var d types.Decision
			if err := ev.Decode(&d); err != nil {
				return 0, fmt.Errorf("restore decision seq %d: %w", ev.Seq, err)
			}
			delete(p.pending, d.SignalID)
			p.decided[d.SignalID] = true
		}
	}
	return len(p.pending), nil
}

// Stop unsubscribes every pipeline subscriber.
func (p *Pipeline) Stop() {
	for _, s := range p.subs {
		s.Unsubscribe()
	}
	p.subs = nil
}

// Books returns the ledger pairs the pipeline writes to.
func (p *Pipeline) Books() *Books {
	return p.books
}

// Propose publishes a signal.proposed event for sig, assigning an ID and
// proposal time when missing.
func (p *Pipeline) Propose(ctx context.Context, source string, sig types.Signal) (types.Signal, error) {
	if sig.ID == "" {
		sig.ID = types.NewSignalID()
	}
	if sig.ProposedAt.IsZero() {
		sig.ProposedAt = p.clock.Now()
	}
	sig.Instrument = strings.ToUpper(sig.Instrument)
	if err := checkSignal(sig); err != nil {
		return types.Signal{}, err
	}
	if _, err := p.bus.PublishPayload(ctx, types.EventSignalProposed, source, sig); err != nil {
		return types.Signal{}, err
	}
	return sig, nil
}

func checkSignal(sig types.Signal) error {
	if err := validate.Struct("signal", sig); err != nil {
		return err
	}
	if sig.ProposedAction != types.ActionHold && !sig.Size.IsPositive() {
		return types.NewValidationError("signal", "size must be positive")
	}
	return nil
}

func (p *Pipeline) handleProposed(ctx context.Context, ev types.Event) error {
	var sig types.Signal
	if err := ev.Decode(&sig); err != nil {
		return fmt.Errorf("decode signal: %w", err)
	}
	if err := checkSignal(sig); err != nil {
		return err
	}

	p.mu.Lock()
	_, seen := p.verdicts[sig.ID]
	p.mu.Unlock()
	if seen {
		slog.Warn("ignoring re-proposed signal", "signal_id", string(sig.ID))
		return nil
	}

	price, snap, err := p.evaluationInputs(ctx, sig)
	if err != nil {
		return err
	}
	verdict := p.engine.Evaluate(sig, snap)
	p.metrics.Verdict(string(verdict.Status))

	rec := types.VerdictRecord{
		Signal:      sig,
		Verdict:     verdict,
		Price:       price,
		EvaluatedAt: p.clock.Now(),
	}

	p.mu.Lock()
	p.verdicts[sig.ID] = rec
	if verdict.Status != types.VerdictRejected {
		p.pending[sig.ID] = true
	}
	p.mu.Unlock()

	slog.Info("signal evaluated",
		"signal_id", string(sig.ID), "model", sig.Model, "instrument", sig.Instrument,
		"action", string(sig.ProposedAction), "status", string(verdict.Status), "rules", verdict.TriggeredRules)

	if _, err := p.bus.PublishPayload(ctx, types.EventSignalVerdict, "risk", rec); err != nil {
		return err
	}
	if verdict.Status == types.VerdictRejected {
		return nil
	}

	if p.notifier != nil {
		if _, _, err := p.notifier.Notify(ctx, verdictNotification(rec)); err != nil {
			slog.Error("failed to notify verdict", "signal_id", string(sig.ID), "error", err)
		}
	}
	if p.policy.confirms(verdict.Status) {
		return p.Confirm(ctx, sig.ID, "policy:"+string(p.policy), "")
	}
	return nil
}

// evaluationInputs returns the reference price of the signal and the
// human ledger snapshot priced at the current cutoff.
func (p *Pipeline) evaluationInputs(ctx context.Context, sig types.Signal) (decimal.Decimal, portfolio.Snapshot, error) {
	snap := p.books.Pair(sig.Model).Human.Snapshot()

	instruments := append(snap.Instruments(), sig.Instrument)
	prices := map[string]decimal.Decimal{}
	if p.data != nil {
		var err error
		prices, err = p.data.Prices(ctx, instruments)
		if err != nil {
			return decimal.Zero, portfolio.Snapshot{}, fmt.Errorf("price %s: %w", sig.Instrument, err)
		}
	}
	snap = snap.WithPrices(prices)

	price := prices[sig.Instrument]
	if sig.LimitPrice != nil {
		price = *sig.LimitPrice
	}
	return price, snap, nil
}

func verdictNotification(rec types.VerdictRecord) types.Notification {
	s := rec.Signal
	text := fmt.Sprintf("%s %s %s at %s (model %s)", strings.ToUpper(string(s.ProposedAction)), s.Size, s.Instrument, rec.Price, s.Model)
	if len(rec.Verdict.TriggeredRules) > 0 {
		text += "\nFlags: " + strings.Join(rec.Verdict.Reasons, "; ")
	}
	return types.Notification{
		Key:      types.NotificationKey("signal-" + string(s.ID)),
		Title:    fmt.Sprintf("Signal %s: %s", rec.Verdict.Status, s.Instrument),
		Text:     text,
		SignalID: s.ID,
	}
}

// handleVerdict books approved and flagged signals in the AI ledger.
func (p *Pipeline) handleVerdict(ctx context.Context, ev types.Event) error {
	var rec types.VerdictRecord
	if err := ev.Decode(&rec); err != nil {
		return fmt.Errorf("decode verdict: %w", err)
	}
	if rec.Verdict.Status == types.VerdictRejected {
		return nil
	}
	_, err := p.book(ctx, rec, portfolio.VariantAI, rec.EvaluatedAt)
	return err
}

// handleConfirmed books a confirmed signal in the human ledger.
func (p *Pipeline) handleConfirmed(ctx context.Context, ev types.Event) error {
	var d types.Decision
	if err := ev.Decode(&d); err != nil {
		return fmt.Errorf("decode decision: %w", err)
	}
	p.mu.Lock()
	rec, ok := p.verdicts[d.SignalID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("confirmed signal %s: %w", d.SignalID, types.ErrNotFound)
	}

	entry, err := p.book(ctx, rec, portfolio.VariantHuman, d.DecidedAt)
	if err != nil || entry == nil {
		return err
	}
	p.mu.Lock()
	p.trades = append(p.trades, *entry)
	p.mu.Unlock()
	return nil
}

func (p *Pipeline) book(ctx context.Context, rec types.VerdictRecord, v portfolio.Variant, at time.Time) (*portfolio.Entry, error) {
	s := rec.Signal
	if s.ProposedAction == types.ActionHold {
		return nil, nil
	}
	ledger, _ := p.books.Pair(s.Model).Ledger(v)
	entry, err := ledger.Apply(portfolio.Trade{
		SignalID:   s.ID,
		Model:      s.Model,
		Instrument: s.Instrument,
		AssetClass: s.AssetClass,
		Action:     s.ProposedAction,
		Quantity:   s.Size,
		Price:      rec.Price,
		At:         at,
	})
	if err != nil {
		slog.Warn("trade not booked", "variant", string(v), "signal_id", string(s.ID), "error", err)
		return nil, nil
	}
	if err := p.books.Save(s.Model, v, p.clock.Now()); err != nil {
		slog.Error("failed to save ledger", "variant", string(v), "model", s.Model, "error", err)
	}

	update := map[string]any{"model": s.Model, "variant": v, "entry": entry}
	if _, err := p.bus.PublishPayload(ctx, types.EventPortfolioUpdated, "ledger."+string(v), update); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Confirm records a human (or policy) confirmation of a pending signal.
func (p *Pipeline) Confirm(ctx context.Context, id types.SignalID, decidedBy, note string) error {
	return p.decide(ctx, id, decidedBy, note, types.EventSignalConfirmed)
}

// Decline records that a pending signal will not be acted on.
func (p *Pipeline) Decline(ctx context.Context, id types.SignalID, decidedBy, note string) error {
	return p.decide(ctx, id, decidedBy, note, types.EventSignalDeclined)
}

func (p *Pipeline) decide(ctx context.Context, id types.SignalID, decidedBy, note, eventType string) error {
	p.mu.Lock()
	if p.decided[id] {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyDecided, id)
	}
	if !p.pending[id] {
		p.mu.Unlock()
		return fmt.Errorf("pending signal %s: %w", id, types.ErrNotFound)
	}
	delete(p.pending, id)
	p.decided[id] = true
	p.mu.Unlock()

	d := types.Decision{SignalID: id, DecidedBy: decidedBy, Note: note, DecidedAt: p.clock.Now()}
	if _, err := p.bus.PublishPayload(ctx, eventType, "decision", d); err != nil {
		return err
	}
	slog.Info("signal decided", "signal_id", string(id), "event", eventType, "by", decidedBy)
	return nil
}

// Pending returns signals awaiting a decision, oldest first.
func (p *Pipeline) Pending() []types.VerdictRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]types.VerdictRecord, 0, len(p.pending))
	for id := range p.pending {
		out = append(out, p.verdicts[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EvaluatedAt.Equal(out[j].EvaluatedAt) {
			return out[i].Signal.ID < out[j].Signal.ID
		}
		return out[i].EvaluatedAt.Before(out[j].EvaluatedAt)
	})
	return out
}

// Verdict returns the recorded verdict for a signal.
func (p *Pipeline) Verdict(id types.SignalID) (types.VerdictRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.verdicts[id]
	return rec, ok
}

// Trades returns human-ledger fills in booking order.
func (p *Pipeline) Trades() []portfolio.Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]portfolio.Entry, len(p.trades))
	copy(out, p.trades)
	return out
}
