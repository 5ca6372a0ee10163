package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/tedboudros/ClawQuant/internal/config"
	"github.com/tedboudros/ClawQuant/internal/marketdata"
	"github.com/tedboudros/ClawQuant/internal/metrics"
	"github.com/tedboudros/ClawQuant/internal/prompt"
	"github.com/tedboudros/ClawQuant/internal/risk"
	"github.com/tedboudros/ClawQuant/internal/search"
	"github.com/tedboudros/ClawQuant/internal/sim"
	"github.com/tedboudros/ClawQuant/pkg/llm"
	"github.com/tedboudros/ClawQuant/pkg/llm/openai"
)

// newProvider returns the chat backend for model.
func newProvider(cfg *config.Config, model string) (llm.Provider, error) {
	if cfg.LLM.Provider != "openai" {
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.LLM.Provider)
	}
	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("no API key for model %s (set %s)", model, config.EnvOpenAIKey)
	}
	return openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	}), nil
}

func newPromptEngine(cfg *config.Config) (*prompt.Engine, error) {
	engine, err := prompt.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		return nil, fmt.Errorf("create prompt engine: %w", err)
	}
	return engine, nil
}

func newSearcher(cfg *config.Config) search.Searcher {
	if cfg.Brave.APIKey == "" {
		return nil
	}
	return search.NewBrave(cfg.Brave.APIKey, cfg.Brave.PerMinute)
}

// openMarketData opens the configured SQLite store. The caller closes it.
func openMarketData(ctx context.Context, cfg *config.Config) (*marketdata.SQLiteStore, error) {
	return marketdata.OpenSQLite(ctx, marketDataPath(cfg))
}

func marketDataPath(cfg *config.Config) string {
	if path := cfg.MarketDataPath(); path != "" {
		return path
	}
	return filepath.Join(cfg.DataDir, "marketdata.db")
}

// newSimulator builds a simulator sharing the daemon's rules, dataset and
// LLM settings.
func newSimulator(cfg *config.Config, defs []risk.Definition, src marketdata.Source, rec *metrics.Recorder) (*sim.Simulator, error) {
	opts := []sim.Option{
		sim.WithRules(defs),
		sim.WithMetrics(rec),
	}
	if src != nil {
		opts = append(opts, sim.WithSource(src))
	}
	if s := newSearcher(cfg); s != nil {
		opts = append(opts, sim.WithSearch(s))
	}
	if cfg.LLM.APIKey != "" {
		engine, err := newPromptEngine(cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sim.WithLLM(func(model string) (llm.Provider, error) {
			return newProvider(cfg, model)
		}, engine))
	}
	return sim.New(filepath.Join(cfg.DataDir, "simulations"), opts...), nil
}
