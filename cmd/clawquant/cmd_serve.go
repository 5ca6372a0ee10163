package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tedboudros/ClawQuant/internal/agent"
	"github.com/tedboudros/ClawQuant/internal/api"
	"github.com/tedboudros/ClawQuant/internal/bus"
	"github.com/tedboudros/ClawQuant/internal/config"
	"github.com/tedboudros/ClawQuant/internal/handlers"
	"github.com/tedboudros/ClawQuant/internal/marketdata"
	"github.com/tedboudros/ClawQuant/internal/metrics"
	"github.com/tedboudros/ClawQuant/internal/output"
	"github.com/tedboudros/ClawQuant/internal/output/telegram"
	"github.com/tedboudros/ClawQuant/internal/pipeline"
	"github.com/tedboudros/ClawQuant/internal/risk"
	"github.com/tedboudros/ClawQuant/internal/scheduler"
	"github.com/tedboudros/ClawQuant/internal/search"
	"github.com/tedboudros/ClawQuant/internal/state"
	"github.com/tedboudros/ClawQuant/internal/types"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the clawquant daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

const pidFile = "clawquant.pid"

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFile)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// daemon is the set of live components started by serve.
type daemon struct {
	audit    *state.AuditLog
	bus      *bus.Bus
	data     *marketdata.SQLiteStore
	pipeline *pipeline.Pipeline
	sched    *scheduler.Scheduler
	telegram *telegram.Adapter
	api      *api.Server
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := startDaemon(ctx, cfg, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	if err != nil {
		return err
	}
	defer d.shutdown()

	slog.Info("clawquant started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"models", cfg.ModelNames(),
		"confirm_policy", cfg.ConfirmPolicy,
		"llm_provider", cfg.LLM.Provider,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Components hold the audit log and PID file; release them first.
			cancel()
			d.shutdown()
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				return err
			}
		}
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}

// startDaemon wires and starts every live component. Metrics are
// registered with reg and served from gatherer.
func startDaemon(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, gatherer prometheus.Gatherer) (_ *daemon, err error) {
	d := &daemon{}
	defer func() {
		if err != nil {
			d.shutdown()
		}
	}()

	cash, err := cfg.Cash()
	if err != nil {
		return nil, err
	}
	poll, err := cfg.Poll()
	if err != nil {
		return nil, err
	}
	timeout, err := cfg.Timeout()
	if err != nil {
		return nil, err
	}
	policy, err := pipeline.ParseConfirmPolicy(cfg.ConfirmPolicy)
	if err != nil {
		return nil, err
	}

	rec := metrics.New(reg)
	clock := types.SystemClock{}

	d.audit, err = state.OpenAuditLog(filepath.Join(cfg.DataDir, "audit.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	d.bus = bus.New(d.audit, bus.WithClock(clock), bus.WithMetrics(rec))

	d.data, err = openMarketData(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open market data: %w", err)
	}
	accessor := marketdata.NewAccessor(d.data, marketdata.NewLiveTimeContext(clock))

	defs, err := risk.LoadOrInit(cfg.RulesPath())
	if err != nil {
		return nil, err
	}
	engine, err := risk.NewEngineFromDefinitions(defs)
	if err != nil {
		return nil, err
	}
	hard, soft := engine.Rules()
	slog.Info("risk rules loaded", "path", cfg.RulesPath(), "hard", hard, "soft", soft)

	models := cfg.ModelNames()
	books, err := pipeline.OpenBooks(filepath.Join(cfg.DataDir, "portfolios"), cash, models...)
	if err != nil {
		return nil, err
	}

	outputs := output.NewRegistry()
	if err := outputs.Register(output.Log{}); err != nil {
		return nil, err
	}
	notifier := output.NewNotifier(state.NewOutbox(filepath.Join(cfg.DataDir, "outbox")), d.bus, outputs, clock)

	d.pipeline = pipeline.New(d.bus, engine, accessor, books,
		pipeline.WithPolicy(policy),
		pipeline.WithNotifier(notifier),
		pipeline.WithMetrics(rec),
		pipeline.WithClock(clock),
	)

	if cfg.Telegram.Token != "" {
		d.telegram, err = telegram.New(cfg.Telegram.Token, cfg.Telegram.ChatID, d.pipeline)
		if err != nil {
			return nil, fmt.Errorf("create telegram adapter: %w", err)
		}
		if err := outputs.Register(d.telegram); err != nil {
			return nil, err
		}
	} else {
		slog.Warn("telegram output disabled (no token)")
	}

	if _, err := output.NewDispatcher(outputs, rec).Attach(d.bus); err != nil {
		return nil, err
	}
	history, err := d.audit.Tail(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("read audit history: %w", err)
	}
	awaiting, err := d.pipeline.Restore(history)
	if err != nil {
		return nil, err
	}
	slog.Info("signal state restored", "events", len(history), "awaiting_decision", awaiting)
	if err := d.pipeline.Start(); err != nil {
		return nil, err
	}

	tasks := state.NewTaskStore(filepath.Join(cfg.DataDir, "tasks"))
	memory := state.NewMemoryStore(filepath.Join(cfg.DataDir, "memory.md"))
	searcher := newSearcher(cfg)

	var agents []agent.Agent
	if cfg.LLM.APIKey != "" {
		promptEngine, err := newPromptEngine(cfg)
		if err != nil {
			return nil, err
		}
		for _, model := range models {
			provider, err := newProvider(cfg, model)
			if err != nil {
				return nil, err
			}
			tools := agent.NewTools(agent.ToolDeps{
				Model:    model,
				Proposer: d.pipeline,
				Data:     accessor,
				Search:   searcher,
				Reader:   search.NewReader(),
				Tasks:    tasks,
				Memory:   memory,
			})
			agents = append(agents, agent.NewLLM(model, provider, promptEngine, tools, accessor, cfg.MaxToolRounds,
				agent.WithAudit(d.audit),
				agent.WithMemory(memory),
				agent.WithBooks(books),
				agent.WithPublisher(d.bus),
			))
		}
	} else {
		slog.Warn("ai.prompt disabled (no LLM API key)", "env", config.EnvOpenAIKey)
	}

	handlerReg := scheduler.NewRegistry()
	if err := handlers.RegisterBuiltins(handlerReg, handlers.Deps{
		Bus:      d.bus,
		Agents:   agents,
		Data:     accessor,
		Notifier: notifier,
		Books:    books,
		Memory:   memory,
	}); err != nil {
		return nil, err
	}

	d.sched = scheduler.New(tasks, handlerReg, scheduler.Config{
		PollInterval:   poll,
		HandlerTimeout: timeout,
		MaxConcurrent:  int64(cfg.MaxConcurrent),
	},
		scheduler.WithClock(clock),
		scheduler.WithPublisher(d.bus),
		scheduler.WithMetrics(rec),
	)
	d.sched.Start(ctx)

	simulator, err := newSimulator(cfg, defs, d.data, rec)
	if err != nil {
		return nil, err
	}

	if d.telegram != nil {
		go d.telegram.Start(ctx)
		slog.Info("telegram adapter started")
	}

	d.api = api.NewServer(api.Deps{
		Bus:       d.bus,
		Audit:     d.audit,
		Tasks:     tasks,
		Handlers:  handlerReg,
		Scheduler: d.sched,
		Pipeline:  d.pipeline,
		Data:      accessor,
		Sim:       simulator,
		Metrics:   promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		Clock:     clock,
	})
	if cfg.HTTP.Enabled {
		go func() {
			if err := d.api.ListenAndServe(ctx, cfg.HTTP.Listen); err != nil {
				slog.Error("http server error", "error", err)
			}
		}()
	}

	return d, nil
}

// shutdown stops components in reverse dependency order. Safe to call twice.
func (d *daemon) shutdown() {
	if d.sched != nil {
		d.sched.Stop()
		d.sched = nil
	}
	if d.bus != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.bus.Flush(flushCtx); err != nil {
			slog.Warn("bus flush incomplete", "error", err)
		}
		cancel()
	}
	if d.pipeline != nil {
		d.pipeline.Stop()
		d.pipeline = nil
	}
	if d.bus != nil {
		d.bus.Close()
		d.bus = nil
	}
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			slog.Error("close audit log", "error", err)
		}
		d.audit = nil
	}
	if d.data != nil {
		d.data.Close()
		d.data = nil
	}
}
