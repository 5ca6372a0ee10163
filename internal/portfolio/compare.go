package portfolio

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Divergence is an instrument where the AI-intent and human-actual
// ledgers hold different quantities.
type Divergence struct {
	Instrument    string          `json:"instrument"`
	AIQuantity    decimal.Decimal `json:"ai_quantity"`
	HumanQuantity decimal.Decimal `json:"human_quantity"`
	Delta         decimal.Decimal `json:"delta"`
}

func (d Divergence) String() string {
	return fmt.Sprintf("%s: ai holds %s, human holds %s", d.Instrument, d.AIQuantity, d.HumanQuantity)
}

// Comparison summarises how far the human ledger has drifted from what
// the AI proposed.
type Comparison struct {
	AIEquity    decimal.Decimal `json:"ai_equity"`
	HumanEquity decimal.Decimal `json:"human_equity"`
	CashDelta   decimal.Decimal `json:"cash_delta"`
	Divergences []Divergence    `json:"divergences"`
}

// Compare diffs two snapshots. Prices from either snapshot are used for
// valuation of both.
func Compare(ai, human Snapshot) Comparison {
	prices := make(map[string]decimal.Decimal)
	for k, v := range human.Prices {
		prices[k] = v
	}
	for k, v := range ai.Prices {
		prices[k] = v
	}
	ai = ai.WithPrices(prices)
	human = human.WithPrices(prices)

	seen := make(map[string]bool)
	for k := range ai.Positions {
		seen[k] = true
	}
	for k := range human.Positions {
		seen[k] = true
	}
	instruments := make([]string, 0, len(seen))
	for k := range seen {
		instruments = append(instruments, k)
	}
	sort.Strings(instruments)

	cmp := Comparison{
		AIEquity:    ai.Equity(),
		HumanEquity: human.Equity(),
		CashDelta:   ai.Cash.Sub(human.Cash),
		Divergences: []Divergence{},
	}
	for _, instrument := range instruments {
		aq, hq := ai.Quantity(instrument), human.Quantity(instrument)
		if aq.Equal(hq) {
			continue
		}
		cmp.Divergences = append(cmp.Divergences, Divergence{
			Instrument:    instrument,
			AIQuantity:    aq,
			HumanQuantity: hq,
			Delta:         aq.Sub(hq),
		})
	}
	return cmp
}
