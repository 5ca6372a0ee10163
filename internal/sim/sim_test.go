package sim

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tedboudros/ClawQuant/internal/agent"
	"github.com/tedboudros/ClawQuant/internal/marketdata"
	"github.com/tedboudros/ClawQuant/internal/portfolio"
	"github.com/tedboudros/ClawQuant/internal/prompt"
	"github.com/tedboudros/ClawQuant/internal/types"
	"github.com/tedboudros/ClawQuant/pkg/llm"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func scriptedConfig(dataset string) Config {
	return Config{
		Name:    "buy-then-sell",
		Start:   day0,
		End:     day0.AddDate(0, 0, 4),
		Assets:  []string{"xyz"},
		Dataset: dataset,
		Seed:    7,
		Models: []ModelConfig{{
			Name: "scripted-a",
			Plan: []agent.PlannedSignal{
				{Day: "2024-01-01", Instrument: "XYZ", Action: types.ActionBuy, Size: d("10"), Rationale: "momentum entry"},
				{Day: "2024-01-03", Instrument: "XYZ", Action: types.ActionSell, Size: d("10"), Rationale: "take profit"},
			},
		}},
	}
}

func prices(asset string, days ...int) []marketdata.Record {
	recs := make([]marketdata.Record, 0, len(days))
	for _, n := range days {
		ts := day0.AddDate(0, 0, n)
		recs = append(recs, marketdata.Record{
			Asset:       asset,
			Kind:        marketdata.KindPrice,
			Timestamp:   ts,
			AvailableAt: ts,
			Price:       decimal.NewFromInt(int64(100 + n)),
		})
	}
	return recs
}

func newTestSimulator(t *testing.T, opts ...Option) *Simulator {
	t.Helper()
	opts = append([]Option{WithClock(types.NewFixedClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)))}, opts...)
	return New(filepath.Join(t.TempDir(), "simulations"), opts...)
}

func TestSimulator_ScriptedBuyThenSell(t *testing.T) {
	s := newTestSimulator(t)

	run, err := s.Run(context.Background(), scriptedConfig(DatasetSynthetic))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, StateCompleted, run.State)
	assert.Equal(t, 5, run.Ticks)
	require.Len(t, run.Trades, 2)
	assert.Equal(t, types.ActionBuy, run.Trades[0].Action)
	assert.Equal(t, types.ActionSell, run.Trades[1].Action)
	assert.Equal(t, 2, run.Metrics.TradeCount)
	require.NotNil(t, run.Metrics.CumulativeReturn)
	require.NotNil(t, run.Metrics.WinRate)
	require.NotNil(t, run.EndedAt)

	require.Len(t, run.Models, 1)
	assert.Equal(t, "scripted-a", run.Models[0].Model)
	assert.Equal(t, 2, run.Models[0].AI.TradeCount)

	// The record on disk matches what Run returned.
	stored, err := s.Store().Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.Status, stored.Status)
	assert.Len(t, stored.Trades, 2)

	// The sandbox kept its own audit log.
	info, err := os.Stat(filepath.Join(s.Store().Dir(run.ID), "audit.jsonl"))
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestSimulator_IsDeterministicForASeed(t *testing.T) {
	s := newTestSimulator(t)

	first, err := s.Run(context.Background(), scriptedConfig(DatasetSynthetic))
	require.NoError(t, err)
	second, err := s.Run(context.Background(), scriptedConfig(DatasetSynthetic))
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.True(t, first.Metrics.FinalEquity.Equal(second.Metrics.FinalEquity),
		"final equity %s vs %s", first.Metrics.FinalEquity, second.Metrics.FinalEquity)
}

func TestSimulator_DataGapMidRunFails(t *testing.T) {
	src := marketdata.NewMemoryStore(prices("XYZ", 0, 1, 3, 4)...)
	s := newTestSimulator(t, WithSource(src))

	run, err := s.Run(context.Background(), scriptedConfig(""))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrDataGap)

	require.NotNil(t, run)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Contains(t, run.Error, "XYZ")
	assert.Equal(t, 2, run.Ticks, "ticks before the gap still count")
	assert.Len(t, run.Trades, 1, "the day-one buy was booked before the gap")
	require.NotNil(t, run.Metrics.CumulativeReturn)

	stored, err := s.Store().Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
}

func TestSimulator_MissingAssetFailsBeforeRunning(t *testing.T) {
	src := marketdata.NewMemoryStore(prices("XYZ", 0, 1, 2, 3, 4)...)
	s := newTestSimulator(t, WithSource(src))

	cfg := scriptedConfig("")
	cfg.Assets = []string{"XYZ", "ABC"}
	run, err := s.Run(context.Background(), cfg)
	require.Error(t, err)

	var gap *types.DataGapError
	require.ErrorAs(t, err, &gap)
	assert.Equal(t, "ABC", gap.Asset)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Zero(t, run.Ticks)
	assert.Empty(t, run.Trades)
}

func TestSimulator_JSONDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.json")
	data := `[` +
		`{"asset":"XYZ","kind":"price","timestamp":"2024-01-01T00:00:00Z","available_at":"2024-01-01T00:00:00Z","price":"100"},` +
		`{"asset":"XYZ","kind":"price","timestamp":"2024-01-02T00:00:00Z","available_at":"2024-01-02T00:00:00Z","price":"101"},` +
		`{"asset":"XYZ","kind":"price","timestamp":"2024-01-03T00:00:00Z","available_at":"2024-01-03T00:00:00Z","price":"105"},` +
		`{"asset":"XYZ","kind":"price","timestamp":"2024-01-04T00:00:00Z","available_at":"2024-01-04T00:00:00Z","price":"104"},` +
		`{"asset":"XYZ","kind":"price","timestamp":"2024-01-05T00:00:00Z","available_at":"2024-01-05T00:00:00Z","price":"106"}` +
		`]`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	s := newTestSimulator(t)
	run, err := s.Run(context.Background(), scriptedConfig(path))
	require.NoError(t, err)
	require.Len(t, run.Trades, 2)

	// Bought at 100, sold at 105.
	assert.True(t, run.Trades[1].RealizedPnL.Equal(d("50")), "realized %s", run.Trades[1].RealizedPnL)
	require.NotNil(t, run.Metrics.WinRate)
	assert.InDelta(t, 1.0, *run.Metrics.WinRate, 1e-9)
	assert.True(t, run.Metrics.FinalEquity.Equal(d("100050")), "final equity %s", run.Metrics.FinalEquity)
}

func TestSimulator_LLMModelNeedsProvider(t *testing.T) {
	s := newTestSimulator(t)

	cfg := scriptedConfig(DatasetSynthetic)
	cfg.Models = []ModelConfig{{Name: "gpt", Kind: KindLLM}}
	run, err := s.Run(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.Equal(t, StatusFailed, run.Status)
}

func TestSimulator_LLMModelTradesThroughTools(t *testing.T) {
	hold := &llm.Response{Content: "Holding."}
	script := llm.NewScript(
		&llm.Response{ToolCalls: []llm.ToolCall{{
			ID: "call_1", Type: "function",
			Function: llm.FunctionCall{Name: "propose_signal", Arguments: json.RawMessage(`{"instrument":"XYZ","action":"buy","size":5,"rationale":"opening position"}`)},
		}}},
		&llm.Response{Content: "Bought XYZ."},
		hold, hold, hold, hold,
	)
	engine, err := prompt.New("gpt-4", 128000, 4096)
	require.NoError(t, err)
	s := newTestSimulator(t, WithLLM(func(string) (llm.Provider, error) { return script, nil }, engine))

	cfg := scriptedConfig(DatasetSynthetic)
	cfg.Models = []ModelConfig{{Name: "gpt", Kind: KindLLM, Prompt: "Trade XYZ."}}
	run, err := s.Run(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, run.Status)
	assert.Len(t, run.Trades, 1)
	assert.Len(t, script.Calls(), 6, "one turn per tick plus the tool follow-up")
}

func TestSimulator_RunMetricsCoverEveryModel(t *testing.T) {
	s := newTestSimulator(t)

	cfg := scriptedConfig(DatasetSynthetic)
	cfg.Models = append(cfg.Models, ModelConfig{
		Name: "scripted-b",
		Plan: []agent.PlannedSignal{
			{Day: "2024-01-02", Instrument: "XYZ", Action: types.ActionBuy, Size: d("4"), Rationale: "late entry"},
		},
	})
	run, err := s.Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, run.Status)

	require.Len(t, run.Trades, 3)
	assert.Equal(t, len(run.Trades), run.Metrics.TradeCount)
	require.Len(t, run.Models, 2)
	assert.Equal(t, 2, run.Models[0].Human.TradeCount)
	assert.Equal(t, 1, run.Models[1].Human.TradeCount)

	want := run.Models[0].Human.FinalEquity.Add(run.Models[1].Human.FinalEquity)
	assert.True(t, run.Metrics.FinalEquity.Equal(want), "final equity %s, want %s", run.Metrics.FinalEquity, want)
}

func TestSimulator_StartRunsInBackground(t *testing.T) {
	s := newTestSimulator(t)

	id, err := s.Start(context.Background(), scriptedConfig(DatasetSynthetic))
	require.NoError(t, err)
	s.Wait()

	run, err := s.Store().Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Len(t, run.Trades, 2)
}

func TestConfig_Normalize(t *testing.T) {
	cfg := scriptedConfig(DatasetSynthetic)
	require.NoError(t, cfg.Normalize())
	assert.Equal(t, []string{"XYZ"}, cfg.Assets)
	assert.Equal(t, "approved", cfg.ConfirmPolicy)
	assert.Equal(t, "24h", cfg.TickEvery)
	assert.Equal(t, 8, cfg.MaxToolRounds)
	assert.Equal(t, KindScripted, cfg.Models[0].Kind)
	assert.True(t, cfg.InitialCash.Equal(d("100000")))

	step, err := cfg.Step()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, step)
}

func TestConfig_NormalizeRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"end before start", func(c *Config) { c.End = c.Start.Add(-time.Hour) }},
		{"no assets", func(c *Config) { c.Assets = nil }},
		{"no models", func(c *Config) { c.Models = nil }},
		{"duplicate models", func(c *Config) { c.Models = append(c.Models, c.Models[0]) }},
		{"negative cash", func(c *Config) { c.InitialCash = d("-1") }},
		{"bad policy", func(c *Config) { c.ConfirmPolicy = "sometimes" }},
		{"bad tick", func(c *Config) { c.TickEvery = "often" }},
		{"bad plan day", func(c *Config) { c.Models[0].Plan[0].Day = "Jan 1" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := scriptedConfig(DatasetSynthetic)
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Normalize(), types.ErrValidation)
		})
	}
}

func TestRun_Transitions(t *testing.T) {
	r := newRun(types.NewRunID(), Config{}, day0)
	assert.Equal(t, StatusPending, r.Status)

	require.Error(t, r.transition(StateRunning, day0), "cannot skip data loading")
	require.NoError(t, r.transition(StateDataLoaded, day0))
	require.NoError(t, r.transition(StateRunning, day0))
	assert.Equal(t, StatusRunning, r.Status)
	require.NoError(t, r.transition(StateCompleted, day0.Add(time.Hour)))
	require.NotNil(t, r.EndedAt)
	assert.Error(t, r.transition(StateFailed, day0), "terminal states are final")
}

func TestRunStore_ListNewestFirst(t *testing.T) {
	store := NewRunStore(t.TempDir())

	older := newRun(types.NewRunID(), Config{Name: "older"}, day0)
	newer := newRun(types.NewRunID(), Config{Name: "newer"}, day0.Add(time.Hour))
	require.NoError(t, store.Save(older))
	require.NoError(t, store.Save(newer))

	runs, err := store.List()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, newer.ID, runs[0].ID)
	assert.Equal(t, older.ID, runs[1].ID)

	_, err = store.Get("missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestComputeMetrics(t *testing.T) {
	eq := curve{d("1000"), d("1100"), d("990"), d("1210")}
	history := []portfolio.Entry{
		{Trade: portfolio.Trade{Action: types.ActionBuy}},
		{Trade: portfolio.Trade{Action: types.ActionSell}, RealizedPnL: d("40")},
		{Trade: portfolio.Trade{Action: types.ActionSell}, RealizedPnL: d("-10")},
	}

	m := computeMetrics(eq, history)
	assert.Equal(t, 3, m.TradeCount)
	require.NotNil(t, m.CumulativeReturn)
	assert.InDelta(t, 0.21, *m.CumulativeReturn, 1e-9)
	require.NotNil(t, m.MaxDrawdown)
	assert.InDelta(t, 0.1, *m.MaxDrawdown, 1e-9)
	require.NotNil(t, m.WinRate)
	assert.InDelta(t, 0.5, *m.WinRate, 1e-9)
	assert.NotNil(t, m.SharpeRatio)
	assert.True(t, m.FinalEquity.Equal(d("1210")))
}

func TestSumCurves(t *testing.T) {
	got := sumCurves(curve{d("100"), d("110"), d("120")}, curve{d("50"), d("45")})
	require.Len(t, got, 3)
	assert.True(t, got[0].Equal(d("150")))
	assert.True(t, got[1].Equal(d("155")))
	assert.True(t, got[2].Equal(d("120")))
	assert.Nil(t, sumCurves())
}

func TestComputeMetrics_Empty(t *testing.T) {
	m := computeMetrics(nil, nil)
	assert.Nil(t, m.CumulativeReturn)
	assert.Nil(t, m.SharpeRatio)
	assert.Nil(t, m.WinRate)
	assert.Zero(t, m.TradeCount)
}
