// Package sim replays historical data through a sandboxed copy of the live
// machinery: bus, audit log, task store, scheduler, risk engine, pipeline
// and ledgers. All data reads go through a marketdata.Accessor bound to the
// run's TimeContext, so nothing later than the current tick is visible.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/tedboudros/ClawQuant/internal/agent"
	"github.com/tedboudros/ClawQuant/internal/bus"
	"github.com/tedboudros/ClawQuant/internal/handlers"
	"github.com/tedboudros/ClawQuant/internal/marketdata"
	"github.com/tedboudros/ClawQuant/internal/metrics"
	"github.com/tedboudros/ClawQuant/internal/output"
	"github.com/tedboudros/ClawQuant/internal/pipeline"
	"github.com/tedboudros/ClawQuant/internal/portfolio"
	"github.com/tedboudros/ClawQuant/internal/prompt"
	"github.com/tedboudros/ClawQuant/internal/risk"
	"github.com/tedboudros/ClawQuant/internal/scheduler"
	"github.com/tedboudros/ClawQuant/internal/search"
	"github.com/tedboudros/ClawQuant/internal/state"
	"github.com/tedboudros/ClawQuant/internal/types"
	"github.com/tedboudros/ClawQuant/pkg/llm"
)

// TickHandler is the handler name of the synthetic tick task.
const TickHandler = "sim.tick"

// ProviderFactory returns the LLM backing a model of kind llm.
type ProviderFactory func(model string) (llm.Provider, error)

type Option func(*Simulator)

// WithSource sets the dataset used when a config names none.
func WithSource(src marketdata.Source) Option {
	return func(s *Simulator) { s.source = src }
}

// WithRules sets the risk rules used when a config carries none.
func WithRules(defs []risk.Definition) Option {
	return func(s *Simulator) { s.rules = defs }
}

// WithLLM enables models of kind llm.
func WithLLM(providers ProviderFactory, engine *prompt.Engine) Option {
	return func(s *Simulator) {
		s.providers = providers
		s.engine = engine
	}
}

// WithSearch gives agents the web_search tool, held to the run's cutoff.
func WithSearch(searcher search.Searcher) Option {
	return func(s *Simulator) { s.searcher = searcher }
}

// WithMetrics counts finished runs on the live recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Simulator) { s.metrics = m }
}

// WithClock sets the wall clock used for run start and end stamps.
func WithClock(c types.Clock) Option {
	return func(s *Simulator) { s.clock = c }
}

// Simulator starts runs and keeps their records.
type Simulator struct {
	store     *RunStore
	source    marketdata.Source
	rules     []risk.Definition
	providers ProviderFactory
	engine    *prompt.Engine
	searcher  search.Searcher
	metrics   *metrics.Recorder
	clock     types.Clock

	wg sync.WaitGroup
}

// New creates a simulator keeping sandboxes and run records under root.
func New(root string, opts ...Option) *Simulator {
	s := &Simulator{
		store: NewRunStore(root),
		rules: risk.DefaultDefinitions(),
		clock: types.SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the run record store.
func (s *Simulator) Store() *RunStore {
	return s.store
}

// Start validates cfg, records a pending run and executes it in the
// background. The returned id can be polled through Store.
func (s *Simulator) Start(ctx context.Context, cfg Config) (types.RunID, error) {
	if err := cfg.Normalize(); err != nil {
		return "", err
	}
	run := newRun(types.NewRunID(), cfg, s.clock.Now())
	if err := s.store.Save(run); err != nil {
		return "", err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.execute(context.WithoutCancel(ctx), run); err != nil {
			slog.Warn("simulation failed", "run_id", string(run.ID), "error", err)
		}
	}()
	return run.ID, nil
}

// Wait blocks until every run started with Start has finished.
func (s *Simulator) Wait() {
	s.wg.Wait()
}

// Run executes a simulation to completion. A run that fails after it was
// created is returned alongside the error, with whatever metrics were
// computed before the failure.
func (s *Simulator) Run(ctx context.Context, cfg Config) (*Run, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	run := newRun(types.NewRunID(), cfg, s.clock.Now())
	if err := s.store.Save(run); err != nil {
		return nil, err
	}
	return s.execute(ctx, run)
}

func (s *Simulator) execute(ctx context.Context, run *Run) (*Run, error) {
	log := slog.With("run_id", string(run.ID))
	log.Info("simulation starting", "start", run.Config.Start, "end", run.Config.End, "models", len(run.Config.Models))

	sb, err := s.newSandbox(run)
	if err == nil {
		defer sb.close()
		err = sb.load(ctx, s.clock.Now())
	}
	if err == nil {
		err = sb.runTicks(ctx, s.clock)
	}

	if sb != nil {
		sb.collect()
	}
	now := s.clock.Now()
	if err != nil {
		run.Error = err.Error()
		if terr := run.transition(StateFailed, now); terr != nil {
			log.Error("invalid run transition", "error", terr)
		}
	} else if terr := run.transition(StateCompleted, now); terr != nil {
		err = terr
	}
	s.metrics.SimulationRun(run.Status)

	if serr := s.store.Save(run); serr != nil {
		log.Error("failed to save simulation run", "error", serr)
		if err == nil {
			err = serr
		}
	}
	log.Info("simulation finished", "status", run.Status, "ticks", run.Ticks, "trades", len(run.Trades))
	return run, err
}

// sandbox is the isolated machinery of one run.
type sandbox struct {
	run    *Run
	dir    string
	log    *slog.Logger
	step   time.Duration
	source marketdata.Source
	closer func() error

	tc       *marketdata.TimeContext
	data     *marketdata.Accessor
	audit    *state.AuditLog
	bus      *bus.Bus
	tasks    *state.TaskStore
	sched    *scheduler.Scheduler
	pipeline *pipeline.Pipeline
	recorder *output.Recorder
	agents   []agent.Agent

	fatalMu sync.Mutex
	fatal   error

	// equity curves per model, human then AI
	human map[string]curve
	ai    map[string]curve
}

func (s *Simulator) newSandbox(run *Run) (*sandbox, error) {
	cfg := run.Config
	step, err := cfg.Step()
	if err != nil {
		return nil, err
	}
	sb := &sandbox{
		run:   run,
		dir:   s.store.Dir(run.ID),
		log:   slog.With("run_id", string(run.ID)),
		step:  step,
		tc:    marketdata.NewTimeContext(cfg.Start),
		human: make(map[string]curve),
		ai:    make(map[string]curve),
	}

	sb.source, sb.closer, err = s.openDataset(cfg)
	if err != nil {
		return nil, err
	}
	sb.data = marketdata.NewAccessor(sb.source, sb.tc)

	sb.audit, err = state.OpenAuditLog(filepath.Join(sb.dir, "audit.jsonl"))
	if err != nil {
		sb.closeSource()
		return nil, err
	}

	rec := metrics.New(prometheus.NewRegistry())
	sb.bus = bus.New(sb.audit,
		bus.WithClock(sb.tc),
		bus.WithMetrics(rec),
		bus.WithFatalHandler(sb.setFatal),
	)

	sb.recorder = output.NewRecorder("sandbox")
	outputs := output.NewRegistry()
	if err := outputs.Register(sb.recorder); err != nil {
		sb.close()
		return nil, err
	}
	if _, err := output.NewDispatcher(outputs, rec).Attach(sb.bus); err != nil {
		sb.close()
		return nil, err
	}
	notifier := output.NewNotifier(state.NewOutbox(filepath.Join(sb.dir, "outbox")), sb.bus, outputs, sb.tc)

	defs := cfg.Rules
	if len(defs) == 0 {
		defs = s.rules
	}
	engine, err := risk.NewEngineFromDefinitions(defs)
	if err != nil {
		sb.close()
		return nil, err
	}

	policy, err := pipeline.ParseConfirmPolicy(cfg.ConfirmPolicy)
	if err != nil {
		sb.close()
		return nil, err
	}
	books := pipeline.NewBooks(cfg.InitialCash)
	sb.pipeline = pipeline.New(sb.bus, engine, sb.data, books,
		pipeline.WithPolicy(policy),
		pipeline.WithNotifier(notifier),
		pipeline.WithMetrics(rec),
		pipeline.WithClock(sb.tc),
	)
	if err := sb.pipeline.Start(); err != nil {
		sb.close()
		return nil, err
	}

	sb.tasks = state.NewTaskStore(filepath.Join(sb.dir, "tasks"))
	memory := state.NewMemoryStore(filepath.Join(sb.dir, "memory.md"))

	for _, mc := range cfg.Models {
		books.Pair(mc.Name)
		tools := agent.NewTools(agent.ToolDeps{
			Model:    mc.Name,
			Proposer: sb.pipeline,
			Data:     sb.data,
			Search:   s.searcher,
			Tasks:    sb.tasks,
			Memory:   memory,
		})
		switch mc.Kind {
		case KindLLM:
			if s.providers == nil || s.engine == nil {
				sb.close()
				return nil, types.NewValidationError("simulation config", fmt.Sprintf("model %s: no LLM provider configured", mc.Name))
			}
			provider, err := s.providers(mc.Name)
			if err != nil {
				sb.close()
				return nil, fmt.Errorf("model %s: %w", mc.Name, err)
			}
			sb.agents = append(sb.agents, agent.NewLLM(mc.Name, provider, s.engine, tools, sb.data, cfg.MaxToolRounds,
				agent.WithAudit(sb.audit),
				agent.WithMemory(memory),
				agent.WithBooks(books),
				agent.WithPublisher(sb.bus),
			))
		default:
			sb.agents = append(sb.agents, agent.NewScripted(mc.Name, tools, sb.data, mc.Plan))
		}
	}

	registry := scheduler.NewRegistry()
	if err := handlers.RegisterBuiltins(registry, handlers.Deps{
		Bus:      sb.bus,
		Agents:   sb.agents,
		Data:     sb.data,
		Notifier: notifier,
		Books:    books,
		Memory:   memory,
	}); err != nil {
		sb.close()
		return nil, err
	}
	if err := registry.Register(scheduler.HandlerFunc(TickHandler, sb.tick)); err != nil {
		sb.close()
		return nil, err
	}
	sb.sched = scheduler.New(sb.tasks, registry, scheduler.Config{MaxConcurrent: int64(len(cfg.Models) + 2)},
		scheduler.WithClock(sb.tc),
		scheduler.WithPublisher(sb.bus),
		scheduler.WithMetrics(rec),
	)
	return sb, nil
}

// openDataset resolves the config's dataset: synthetic, a JSON file, a
// SQLite database, or the simulator's default source.
func (s *Simulator) openDataset(cfg Config) (marketdata.Source, func() error, error) {
	switch ds := cfg.Dataset; {
	case ds == DatasetSynthetic:
		days := int(cfg.End.Sub(cfg.Start)/(24*time.Hour)) + 1
		return marketdata.NewMemoryStore(marketdata.Synthetic(cfg.Assets, cfg.Start, days, cfg.Seed)...), nil, nil
	case strings.HasSuffix(ds, ".json"):
		recs, err := marketdata.LoadJSON(ds)
		if err != nil {
			return nil, nil, err
		}
		return marketdata.NewMemoryStore(recs...), nil, nil
	case strings.HasSuffix(ds, ".db"), strings.HasSuffix(ds, ".sqlite"):
		if _, err := os.Stat(ds); err != nil {
			return nil, nil, fmt.Errorf("dataset %s: %w", ds, err)
		}
		store, err := marketdata.OpenSQLite(context.Background(), ds)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case ds == "":
		if s.source == nil {
			return nil, nil, types.NewValidationError("simulation config", "no dataset configured")
		}
		return s.source, nil, nil
	}
	return nil, nil, types.NewValidationError("simulation config", fmt.Sprintf("unsupported dataset %q", cfg.Dataset))
}

func (sb *sandbox) setFatal(err error) {
	sb.fatalMu.Lock()
	if sb.fatal == nil {
		sb.fatal = err
	}
	sb.fatalMu.Unlock()
	sb.log.Error("sandbox audit log failed", "error", err)
}

func (sb *sandbox) fatalErr() error {
	sb.fatalMu.Lock()
	defer sb.fatalMu.Unlock()
	return sb.fatal
}

// load checks that every asset has price data in the run's range, then
// creates the tick task anchored at Start.
func (sb *sandbox) load(ctx context.Context, now time.Time) error {
	cfg := sb.run.Config
	for _, asset := range cfg.Assets {
		// Coverage is checked against the whole range before any tick,
		// outside the sandbox's time-bounded accessor.
		recs, err := sb.source.RecordsAvailableAt(ctx, asset, marketdata.Range{Start: cfg.Start, End: cfg.End}, cfg.End)
		if err != nil {
			return fmt.Errorf("load %s: %w", asset, err)
		}
		hasPrice := false
		for _, r := range recs {
			if r.Kind == marketdata.KindPrice {
				hasPrice = true
				break
			}
		}
		if !hasPrice {
			return &types.DataGapError{Asset: asset, From: cfg.Start, To: cfg.End}
		}
	}

	task, err := state.NewTask(TickHandler, "every "+cfg.TickEvery, nil, "system", cfg.Start)
	if err != nil {
		return err
	}
	task.Name = "simulation tick"
	if err := sb.tasks.Create(task); err != nil {
		return err
	}
	return sb.run.transition(StateDataLoaded, now)
}

// runTicks advances the TimeContext tick by tick, letting the sandbox scheduler
// run whatever is due at each simulated instant.
func (sb *sandbox) runTicks(ctx context.Context, clock types.Clock) error {
	cfg := sb.run.Config
	if err := sb.run.transition(StateRunning, clock.Now()); err != nil {
		return err
	}
	sb.record()

	prev := cfg.Start.Add(-sb.step)
	for t := cfg.Start; !t.After(cfg.End); t = t.Add(sb.step) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if cfg.WeekdaysOnly && (t.Weekday() == time.Saturday || t.Weekday() == time.Sunday) {
			continue
		}
		if err := sb.tc.Advance(t); err != nil {
			return err
		}
		if err := sb.checkCoverage(ctx, prev, t); err != nil {
			return err
		}
		prev = t

		if _, err := sb.sched.Tick(ctx, t); err != nil {
			return err
		}
		sb.sched.Wait()
		if err := sb.bus.Flush(ctx); err != nil {
			return err
		}
		if err := sb.fatalErr(); err != nil {
			return err
		}

		sb.run.Ticks++
		sb.record()
	}
	return nil
}

// checkCoverage fails the tick when an asset has no price in (prev, t].
func (sb *sandbox) checkCoverage(ctx context.Context, prev, t time.Time) error {
	from := prev.Add(time.Nanosecond)
	for _, asset := range sb.run.Config.Assets {
		recs, err := sb.data.PriceHistory(ctx, asset, marketdata.Range{Start: from, End: t})
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return &types.DataGapError{Asset: asset, From: from, To: t}
		}
	}
	return nil
}

// tick is the sim.tick handler: it announces the tick and runs every
// model concurrently.
func (sb *sandbox) tick(ctx context.Context, task *state.Task) (scheduler.Result, error) {
	now := sb.tc.Now()
	if _, err := sb.bus.PublishPayload(ctx, types.EventSimTick, "simulator", map[string]any{
		"run_id": sb.run.ID,
		"time":   now,
	}); err != nil {
		return scheduler.Result{}, err
	}

	prompts := make(map[string]string, len(sb.run.Config.Models))
	for _, mc := range sb.run.Config.Models {
		prompts[mc.Name] = mc.Prompt
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range sb.agents {
		g.Go(func() error {
			p := prompts[a.Model()]
			if p == "" {
				p = "A new trading day has started. Review the market and your portfolio and propose signals if warranted."
			}
			if _, err := a.Run(gctx, agent.Input{TaskID: task.ID, Prompt: p}); err != nil {
				return fmt.Errorf("%s: %w", a.Model(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return scheduler.Result{}, err
	}
	return scheduler.Success("tick %s for %d model(s)", now.Format(time.RFC3339), len(sb.agents)), nil
}

// record appends each model's current equity to its curves.
func (sb *sandbox) record() {
	ctx := context.Background()
	for _, mc := range sb.run.Config.Models {
		pair := sb.pipeline.Books().Pair(mc.Name)
		sb.human[mc.Name] = append(sb.human[mc.Name], sb.equity(ctx, pair.Human))
		sb.ai[mc.Name] = append(sb.ai[mc.Name], sb.equity(ctx, pair.AI))
	}
}

func (sb *sandbox) equity(ctx context.Context, l *portfolio.Ledger) decimal.Decimal {
	snap := l.Snapshot()
	prices, err := sb.data.Prices(ctx, snap.Instruments())
	if err != nil {
		sb.log.Warn("pricing ledger failed", "variant", string(l.Variant()), "error", err)
	}
	return snap.WithPrices(prices).Equity()
}

// collect computes metrics and trades from whatever the run got through.
func (sb *sandbox) collect() {
	if sb.pipeline == nil {
		return
	}
	books := sb.pipeline.Books()
	sb.run.Models = make([]ModelMetrics, 0, len(sb.run.Config.Models))
	var curves []curve
	var fills []portfolio.Entry
	for _, mc := range sb.run.Config.Models {
		pair := books.Pair(mc.Name)
		human := pair.Human.History()
		sb.run.Models = append(sb.run.Models, ModelMetrics{
			Model: mc.Name,
			Human: computeMetrics(sb.human[mc.Name], human),
			AI:    computeMetrics(sb.ai[mc.Name], pair.AI.History()),
		})
		curves = append(curves, sb.human[mc.Name])
		fills = append(fills, human...)
	}
	// Run-level metrics cover every model's human book taken together.
	sb.run.Metrics = computeMetrics(sumCurves(curves...), fills)
	sb.run.Trades = sb.pipeline.Trades()
	if sb.run.Trades == nil {
		sb.run.Trades = []portfolio.Entry{}
	}
}

func (sb *sandbox) closeSource() {
	if sb.closer != nil {
		if err := sb.closer(); err != nil {
			sb.log.Warn("closing dataset failed", "error", err)
		}
		sb.closer = nil
	}
}

func (sb *sandbox) close() {
	if sb.sched != nil {
		sb.sched.Stop()
	}
	if sb.pipeline != nil {
		sb.pipeline.Stop()
	}
	if sb.bus != nil {
		sb.bus.Close()
	}
	if sb.audit != nil {
		if err := sb.audit.Close(); err != nil {
			sb.log.Warn("closing audit log failed", "error", err)
		}
	}
	sb.closeSource()
}
