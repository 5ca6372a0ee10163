package sim

import (
	"math"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/tedboudros/ClawQuant/internal/portfolio"
	"github.com/tedboudros/ClawQuant/internal/types"
)

// tradingDaysPerYear annualizes the per-tick Sharpe ratio.
const tradingDaysPerYear = 252

// PerformanceMetrics summarise one equity curve. Ratios are fractions
// (0.05 is 5%). A nil field could not be computed from the data seen.
type PerformanceMetrics struct {
	CumulativeReturn *float64        `json:"cumulative_return"`
	MaxDrawdown      *float64        `json:"max_drawdown"`
	TradeCount       int             `json:"trade_count"`
	WinRate          *float64        `json:"win_rate"`
	SharpeRatio      *float64        `json:"sharpe_ratio"`
	FinalEquity      decimal.Decimal `json:"final_equity"`
}

// ModelMetrics is the per-model breakdown: the human ledger fills only
// confirmed trades while the AI ledger fills everything not rejected.
type ModelMetrics struct {
	Model string             `json:"model"`
	Human PerformanceMetrics `json:"human"`
	AI    PerformanceMetrics `json:"ai"`
}

// curve is the equity recorded for one ledger, one point per tick after
// the initial cash.
type curve []decimal.Decimal

func ptr(v float64) *float64 { return &v }

// computeMetrics derives metrics from an equity curve and ledger history.
func computeMetrics(eq curve, history []portfolio.Entry) PerformanceMetrics {
	m := PerformanceMetrics{TradeCount: len(history)}
	if len(eq) == 0 {
		return m
	}
	m.FinalEquity = eq[len(eq)-1]

	values := make([]float64, len(eq))
	for i, v := range eq {
		values[i] = v.InexactFloat64()
	}

	if values[0] > 0 {
		m.CumulativeReturn = ptr(values[len(values)-1]/values[0] - 1)
	}
	m.MaxDrawdown = ptr(maxDrawdown(values))

	if len(values) > 2 {
		returns := make([]float64, 0, len(values)-1)
		for i := 1; i < len(values); i++ {
			if values[i-1] == 0 {
				continue
			}
			returns = append(returns, values[i]/values[i-1]-1)
		}
		if len(returns) > 1 {
			mean, std := stat.MeanStdDev(returns, nil)
			if std > 0 && !math.IsNaN(std) {
				m.SharpeRatio = ptr(mean / std * math.Sqrt(tradingDaysPerYear))
			}
		}
	}

	closed, wins := 0, 0
	for _, e := range history {
		if e.Action != types.ActionSell {
			continue
		}
		closed++
		if e.RealizedPnL.IsPositive() {
			wins++
		}
	}
	if closed > 0 {
		m.WinRate = ptr(float64(wins) / float64(closed))
	}
	return m
}

// sumCurves adds equity curves point by point, so several models' books
// read as one portfolio. Shorter curves contribute only where they have
// points.
func sumCurves(curves ...curve) curve {
	var out curve
	for _, c := range curves {
		for i, v := range c {
			if i == len(out) {
				out = append(out, decimal.Zero)
			}
			out[i] = out[i].Add(v)
		}
	}
	return out
}

// maxDrawdown returns the largest peak-to-trough fall as a fraction of the
// peak.
func maxDrawdown(values []float64) float64 {
	peak, worst := math.Inf(-1), 0.0
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}
