package risk

import (
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tedboudros/ClawQuant/internal/portfolio"
	"github.com/tedboudros/ClawQuant/internal/types"
)

func init() {
	RegisterKind("max_position_value", newMaxPositionValue)
	RegisterKind("max_portfolio_pct", newMaxPortfolioPct)
	RegisterKind("min_cash_reserve", newMinCashReserve)
	RegisterKind("max_open_positions", newMaxOpenPositions)
	RegisterKind("max_order_size", newMaxOrderSize)
	RegisterKind("blocked_instruments", newBlockedInstruments)
	RegisterKind("allowed_actions", newAllowedActions)
	RegisterKind("no_short_selling", newNoShortSelling)
	RegisterKind("require_rationale", newRequireRationale)
	RegisterKind("max_risk_flags", newMaxRiskFlags)
}

// referencePrice prefers the signal's limit price over the snapshot's
// reference price.
func referencePrice(sig types.Signal, snap portfolio.Snapshot) (decimal.Decimal, bool) {
	if sig.LimitPrice != nil {
		return *sig.LimitPrice, true
	}
	return snap.Price(sig.Instrument)
}

// quantityAfter is the held quantity once the signal is applied.
func quantityAfter(sig types.Signal, snap portfolio.Snapshot) decimal.Decimal {
	held := snap.Quantity(sig.Instrument)
	switch sig.ProposedAction {
	case types.ActionBuy:
		return held.Add(sig.Size)
	case types.ActionSell:
		return held.Sub(sig.Size)
	}
	return held
}

type maxPositionValue struct {
	base
	limit decimal.Decimal
}

func newMaxPositionValue(def Definition) (Rule, error) {
	limit, err := decimalParam(def, "limit")
	if err != nil {
		return nil, err
	}
	return maxPositionValue{base{def}, limit}, nil
}

func (r maxPositionValue) Check(sig types.Signal, snap portfolio.Snapshot) (bool, string) {
	if sig.ProposedAction != types.ActionBuy {
		return false, ""
	}
	price, ok := referencePrice(sig, snap)
	if !ok {
		return true, fmt.Sprintf("no reference price for %s", sig.Instrument)
	}
	value := quantityAfter(sig, snap).Mul(price)
	if value.GreaterThan(r.limit) {
		return true, fmt.Sprintf("position value %s exceeds limit %s", value.StringFixed(2), r.limit)
	}
	return false, ""
}

type maxPortfolioPct struct {
	base
	limitPct decimal.Decimal
}

func newMaxPortfolioPct(def Definition) (Rule, error) {
	pct, err := decimalParam(def, "limit_pct")
	if err != nil {
		return nil, err
	}
	if pct.LessThanOrEqual(decimal.Zero) || pct.GreaterThan(decimal.NewFromInt(100)) {
		return nil, fmt.Errorf("parameter %q must be in (0, 100]", "limit_pct")
	}
	return maxPortfolioPct{base{def}, pct}, nil
}

func (r maxPortfolioPct) Check(sig types.Signal, snap portfolio.Snapshot) (bool, string) {
	if sig.ProposedAction != types.ActionBuy {
		return false, ""
	}
	price, ok := referencePrice(sig, snap)
	if !ok {
		return true, fmt.Sprintf("no reference price for %s", sig.Instrument)
	}
	equity := snap.Equity()
	if !equity.IsPositive() {
		return true, "portfolio has no equity"
	}
	pct := quantityAfter(sig, snap).Mul(price).Div(equity).Mul(decimal.NewFromInt(100))
	if pct.GreaterThan(r.limitPct) {
		return true, fmt.Sprintf("position would be %s%% of equity, limit %s%%", pct.StringFixed(1), r.limitPct)
	}
	return false, ""
}

type minCashReserve struct {
	base
	amount decimal.Decimal
}

func newMinCashReserve(def Definition) (Rule, error) {
	amount, err := decimalParam(def, "amount")
	if err != nil {
		return nil, err
	}
	return minCashReserve{base{def}, amount}, nil
}

func (r minCashReserve) Check(sig types.Signal, snap portfolio.Snapshot) (bool, string) {
	if sig.ProposedAction != types.ActionBuy {
		return false, ""
	}
	price, ok := referencePrice(sig, snap)
	if !ok {
		return true, fmt.Sprintf("no reference price for %s", sig.Instrument)
	}
	remaining := snap.Cash.Sub(sig.Size.Mul(price))
	if remaining.LessThan(r.amount) {
		return true, fmt.Sprintf("cash after order %s below reserve %s", remaining.StringFixed(2), r.amount)
	}
	return false, ""
}

type maxOpenPositions struct {
	base
	count int
}

func newMaxOpenPositions(def Definition) (Rule, error) {
	n, err := intParam(def, "count")
	if err != nil {
		return nil, err
	}
	return maxOpenPositions{base{def}, n}, nil
}

func (r maxOpenPositions) Check(sig types.Signal, snap portfolio.Snapshot) (bool, string) {
	if sig.ProposedAction != types.ActionBuy || snap.Quantity(sig.Instrument).IsPositive() {
		return false, ""
	}
	if snap.OpenPositions()+1 > r.count {
		return true, fmt.Sprintf("would open position %d, limit %d", snap.OpenPositions()+1, r.count)
	}
	return false, ""
}

type maxOrderSize struct {
	base
	limit decimal.Decimal
}

func newMaxOrderSize(def Definition) (Rule, error) {
	limit, err := decimalParam(def, "max")
	if err != nil {
		return nil, err
	}
	return maxOrderSize{base{def}, limit}, nil
}

func (r maxOrderSize) Check(sig types.Signal, _ portfolio.Snapshot) (bool, string) {
	if sig.Size.GreaterThan(r.limit) {
		return true, fmt.Sprintf("order size %s exceeds %s", sig.Size, r.limit)
	}
	return false, ""
}

type blockedInstruments struct {
	base
	instruments []string
}

func newBlockedInstruments(def Definition) (Rule, error) {
	list, err := stringsParam(def, "instruments")
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i] = strings.ToUpper(list[i])
	}
	return blockedInstruments{base{def}, list}, nil
}

func (r blockedInstruments) Check(sig types.Signal, _ portfolio.Snapshot) (bool, string) {
	if sig.ProposedAction == types.ActionHold {
		return false, ""
	}
	if slices.Contains(r.instruments, strings.ToUpper(sig.Instrument)) {
		return true, fmt.Sprintf("%s is blocked", sig.Instrument)
	}
	return false, ""
}

type allowedActions struct {
	base
	actions []string
}

func newAllowedActions(def Definition) (Rule, error) {
	list, err := stringsParam(def, "actions")
	if err != nil {
		return nil, err
	}
	for _, a := range list {
		switch types.Action(a) {
		case types.ActionBuy, types.ActionSell, types.ActionHold:
		default:
			return nil, fmt.Errorf("unknown action %q", a)
		}
	}
	return allowedActions{base{def}, list}, nil
}

func (r allowedActions) Check(sig types.Signal, _ portfolio.Snapshot) (bool, string) {
	if !slices.Contains(r.actions, string(sig.ProposedAction)) {
		return true, fmt.Sprintf("action %s not allowed", sig.ProposedAction)
	}
	return false, ""
}

type noShortSelling struct{ base }

func newNoShortSelling(def Definition) (Rule, error) {
	return noShortSelling{base{def}}, nil
}

func (r noShortSelling) Check(sig types.Signal, snap portfolio.Snapshot) (bool, string) {
	if sig.ProposedAction != types.ActionSell {
		return false, ""
	}
	if quantityAfter(sig, snap).IsNegative() {
		return true, fmt.Sprintf("sell %s exceeds held %s", sig.Size, snap.Quantity(sig.Instrument))
	}
	return false, ""
}

type requireRationale struct{ base }

func newRequireRationale(def Definition) (Rule, error) {
	return requireRationale{base{def}}, nil
}

func (r requireRationale) Check(sig types.Signal, _ portfolio.Snapshot) (bool, string) {
	if strings.TrimSpace(sig.RationaleRef) == "" {
		return true, "signal has no rationale"
	}
	return false, ""
}

type maxRiskFlags struct {
	base
	count int
}

func newMaxRiskFlags(def Definition) (Rule, error) {
	n, err := intParam(def, "count")
	if err != nil {
		return nil, err
	}
	return maxRiskFlags{base{def}, n}, nil
}

func (r maxRiskFlags) Check(sig types.Signal, _ portfolio.Snapshot) (bool, string) {
	if len(sig.RiskFlags) > r.count {
		return true, fmt.Sprintf("%d risk flags, limit %d", len(sig.RiskFlags), r.count)
	}
	return false, ""
}
