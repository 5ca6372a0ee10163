package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tedboudros/ClawQuant/internal/risk"
	"github.com/tedboudros/ClawQuant/internal/sim"
	"github.com/tedboudros/ClawQuant/internal/types"
)

func init() {
	rootCmd.AddCommand(simCmd)
	simCmd.AddCommand(simRunCmd, simShowCmd, simListCmd)

	simRunCmd.Flags().String("dataset", "", `override the dataset ("synthetic", a .json file or a SQLite database)`)
	simRunCmd.Flags().Uint64("seed", 0, "override the synthetic dataset seed")
	simRunCmd.Flags().Bool("json", false, "print the full run record as JSON")
	simShowCmd.Flags().Bool("json", false, "print the full run record as JSON")
}

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Run and inspect backtesting simulations",
}

// loadSimConfig reads a simulation config from YAML, or JSON when the file
// ends in .json.
func loadSimConfig(path string) (sim.Config, error) {
	var cfg sim.Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read simulation config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse simulation config %s: %w", path, err)
	}
	return cfg, nil
}

var simRunCmd = &cobra.Command{
	Use:   "run <config.yaml>",
	Short: "Run a simulation to completion and print its metrics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		simCfg, err := loadSimConfig(args[0])
		if err != nil {
			return err
		}
		if ds, _ := cmd.Flags().GetString("dataset"); ds != "" {
			simCfg.Dataset = ds
		}
		if cmd.Flags().Changed("seed") {
			simCfg.Seed, _ = cmd.Flags().GetUint64("seed")
		}

		defs, err := risk.LoadOrInit(cfg.RulesPath())
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var simulator *sim.Simulator
		if simCfg.Dataset == "" {
			src, err := openMarketData(ctx, cfg)
			if err != nil {
				return fmt.Errorf("open market data: %w", err)
			}
			defer src.Close()
			simulator, err = newSimulator(cfg, defs, src, nil)
			if err != nil {
				return err
			}
		} else {
			simulator, err = newSimulator(cfg, defs, nil, nil)
			if err != nil {
				return err
			}
		}

		run, err := simulator.Run(ctx, simCfg)
		if run == nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		if perr := printRun(run, asJSON); perr != nil {
			return perr
		}
		return err
	},
}

var simShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a stored simulation run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		run, err := sim.NewRunStore(filepath.Join(cfg.DataDir, "simulations")).Get(types.RunID(args[0]))
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		return printRun(run, asJSON)
	},
}

var simListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored simulation runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		runs, err := sim.NewRunStore(filepath.Join(cfg.DataDir, "simulations")).List()
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No simulations recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSTARTED\tTICKS\tRETURN\tTRADES")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%d\n",
				r.ID,
				r.Config.Name,
				r.Status,
				r.StartedAt.Format(time.RFC3339),
				r.Ticks,
				pct(r.Metrics.CumulativeReturn),
				r.Metrics.TradeCount,
			)
		}
		return w.Flush()
	},
}

func printRun(run *sim.Run, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	}

	fmt.Printf("Simulation %s: %s (%d ticks)\n", run.ID, run.Status, run.Ticks)
	if run.Error != "" {
		fmt.Printf("Error: %s\n", run.Error)
	}
	if len(run.Models) == 0 {
		return nil
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tLEDGER\tRETURN\tMAX DRAWDOWN\tTRADES\tWIN RATE\tSHARPE\tFINAL EQUITY")
	for _, m := range run.Models {
		for _, row := range []struct {
			ledger  string
			metrics sim.PerformanceMetrics
		}{{"human", m.Human}, {"ai", m.AI}} {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				m.Model,
				row.ledger,
				pct(row.metrics.CumulativeReturn),
				pct(row.metrics.MaxDrawdown),
				row.metrics.TradeCount,
				pct(row.metrics.WinRate),
				ratio(row.metrics.SharpeRatio),
				row.metrics.FinalEquity.StringFixed(2),
			)
		}
	}
	return w.Flush()
}

func pct(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f%%", *v*100)
}

func ratio(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}
