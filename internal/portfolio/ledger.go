// Package portfolio tracks the two ledgers kept per model: the AI-intent
// ledger, which paper-trades every signal that clears risk, and the
// human-actual ledger, which only changes on a confirmed human decision.
package portfolio

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tedboudros/ClawQuant/internal/types"
)

type Variant string

const (
	VariantAI    Variant = "ai"
	VariantHuman Variant = "human"
)

var (
	ErrInvalidTrade         = errors.New("invalid trade")
	ErrInsufficientCash     = errors.New("insufficient cash")
	ErrInsufficientQuantity = errors.New("insufficient quantity")
)

// Position is a holding in one instrument. AvgCost is the average price
// paid per unit.
type Position struct {
	Instrument string          `json:"instrument"`
	AssetClass string          `json:"asset_class"`
	Quantity   decimal.Decimal `json:"quantity"`
	AvgCost    decimal.Decimal `json:"avg_cost"`
}

// Trade is a fill applied to a ledger.
type Trade struct {
	SignalID   types.SignalID  `json:"signal_id"`
	Model      string          `json:"model,omitempty"`
	Instrument string          `json:"instrument"`
	AssetClass string          `json:"asset_class"`
	Action     types.Action    `json:"action"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	At         time.Time       `json:"at"`
}

// Entry is one line of a ledger's append-only history.
type Entry struct {
	Seq int `json:"seq"`
	Trade
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	CashAfter   decimal.Decimal `json:"cash_after"`
}

// Ledger is a cash balance, a set of positions and the trade history that
// produced them. It is safe for concurrent use.
type Ledger struct {
	mu          sync.RWMutex
	variant     Variant
	initialCash decimal.Decimal
	cash        decimal.Decimal
	positions   map[string]Position
	history     []Entry
}

// NewLedger creates an empty ledger funded with initialCash.
func NewLedger(variant Variant, initialCash decimal.Decimal) *Ledger {
	return &Ledger{
		variant:     variant,
		initialCash: initialCash,
		cash:        initialCash,
		positions:   make(map[string]Position),
	}
}

func (l *Ledger) Variant() Variant { return l.variant }

// Apply books a buy or sell. Buys require enough cash and sells require
// enough quantity; the ledger never goes short or negative.
func (l *Ledger) Apply(tr Trade) (Entry, error) {
	if tr.Action != types.ActionBuy && tr.Action != types.ActionSell {
		return Entry{}, fmt.Errorf("%w: action %q has no ledger effect", ErrInvalidTrade, tr.Action)
	}
	if !tr.Quantity.IsPositive() || !tr.Price.IsPositive() {
		return Entry{}, fmt.Errorf("%w: quantity and price must be positive", ErrInvalidTrade)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos := l.positions[tr.Instrument]
	if pos.Instrument == "" {
		pos = Position{Instrument: tr.Instrument, AssetClass: tr.AssetClass}
	}

	entry := Entry{Seq: len(l.history) + 1, Trade: tr}
	notional := tr.Quantity.Mul(tr.Price)

	switch tr.Action {
	case types.ActionBuy:
		if notional.GreaterThan(l.cash) {
			return Entry{}, fmt.Errorf("%w: need %s, have %s", ErrInsufficientCash, notional, l.cash)
		}
		newQty := pos.Quantity.Add(tr.Quantity)
		pos.AvgCost = pos.Quantity.Mul(pos.AvgCost).Add(notional).Div(newQty)
		pos.Quantity = newQty
		l.cash = l.cash.Sub(notional)
		l.positions[tr.Instrument] = pos

	case types.ActionSell:
		if tr.Quantity.GreaterThan(pos.Quantity) {
			return Entry{}, fmt.Errorf("%w: selling %s %s, holding %s", ErrInsufficientQuantity, tr.Quantity, tr.Instrument, pos.Quantity)
		}
		entry.RealizedPnL = tr.Price.Sub(pos.AvgCost).Mul(tr.Quantity)
		pos.Quantity = pos.Quantity.Sub(tr.Quantity)
		l.cash = l.cash.Add(notional)
		if pos.Quantity.IsZero() {
			delete(l.positions, tr.Instrument)
		} else {
			l.positions[tr.Instrument] = pos
		}
	}

	entry.CashAfter = l.cash
	l.history = append(l.history, entry)
	return entry, nil
}

// Snapshot returns a deep copy of the current state without prices.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	positions := make(map[string]Position, len(l.positions))
	for k, v := range l.positions {
		positions[k] = v
	}
	return Snapshot{
		Variant:     l.variant,
		InitialCash: l.initialCash,
		Cash:        l.cash,
		Positions:   positions,
		TradeCount:  len(l.history),
	}
}

// History returns a copy of the trade history, oldest first.
func (l *Ledger) History() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, len(l.history))
	copy(out, l.history)
	return out
}

// Snapshot is an immutable view of a ledger, optionally annotated with
// reference prices for valuation.
type Snapshot struct {
	Variant     Variant                    `json:"variant"`
	InitialCash decimal.Decimal            `json:"initial_cash"`
	Cash        decimal.Decimal            `json:"cash"`
	Positions   map[string]Position        `json:"positions"`
	Prices      map[string]decimal.Decimal `json:"prices,omitempty"`
	TradeCount  int                        `json:"trade_count"`
}

// WithPrices returns a copy of s carrying the given reference prices.
func (s Snapshot) WithPrices(prices map[string]decimal.Decimal) Snapshot {
	cp := make(map[string]decimal.Decimal, len(s.Prices)+len(prices))
	for k, v := range s.Prices {
		cp[k] = v
	}
	for k, v := range prices {
		cp[k] = v
	}
	s.Prices = cp
	return s
}

// Price returns the reference price for instrument, if known.
func (s Snapshot) Price(instrument string) (decimal.Decimal, bool) {
	p, ok := s.Prices[instrument]
	return p, ok
}

// Quantity returns the held quantity of instrument (zero if none).
func (s Snapshot) Quantity(instrument string) decimal.Decimal {
	return s.Positions[instrument].Quantity
}

// MarketValue values a position at its reference price, falling back to
// average cost when no price is known.
func (s Snapshot) MarketValue(instrument string) decimal.Decimal {
	pos, ok := s.Positions[instrument]
	if !ok {
		return decimal.Zero
	}
	if p, ok := s.Prices[instrument]; ok {
		return pos.Quantity.Mul(p)
	}
	return pos.Quantity.Mul(pos.AvgCost)
}

// Equity is cash plus the market value of every position.
func (s Snapshot) Equity() decimal.Decimal {
	total := s.Cash
	for instrument := range s.Positions {
		total = total.Add(s.MarketValue(instrument))
	}
	return total
}

// OpenPositions returns the number of instruments held.
func (s Snapshot) OpenPositions() int {
	return len(s.Positions)
}

// Instruments returns held instruments in sorted order.
func (s Snapshot) Instruments() []string {
	out := make([]string, 0, len(s.Positions))
	for k := range s.Positions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Pair is the AI-intent and human-actual ledger kept for one model.
type Pair struct {
	AI    *Ledger
	Human *Ledger
}

// NewPair funds both ledgers with the same initial cash. They share no
// mutable state.
func NewPair(initialCash decimal.Decimal) *Pair {
	return &Pair{
		AI:    NewLedger(VariantAI, initialCash),
		Human: NewLedger(VariantHuman, initialCash),
	}
}

// Ledger returns the ledger for variant.
func (p *Pair) Ledger(v Variant) (*Ledger, bool) {
	switch v {
	case VariantAI:
		return p.AI, true
	case VariantHuman:
		return p.Human, true
	}
	return nil, false
}
