package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/tedboudros/ClawQuant/internal/portfolio"
	"github.com/tedboudros/ClawQuant/internal/risk"
	"github.com/tedboudros/ClawQuant/internal/types"
)

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesCheckCmd, rulesKindsCmd, rulesTestCmd)

	rulesTestCmd.Flags().String("instrument", "", "instrument to trade (required)")
	rulesTestCmd.Flags().String("action", "buy", "buy, sell or hold")
	rulesTestCmd.Flags().String("size", "1", "quantity")
	rulesTestCmd.Flags().String("price", "", "reference price (required)")
	rulesTestCmd.Flags().String("rationale", "", "rationale reference")
	_ = rulesTestCmd.MarkFlagRequired("instrument")
	_ = rulesTestCmd.MarkFlagRequired("price")
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect the risk rules",
}

// loadRules reads the rules file named by args, or the configured one,
// creating the default rule set there when missing.
func loadRules(args []string) (string, []risk.Definition, error) {
	if len(args) > 0 {
		defs, err := risk.LoadRules(args[0])
		return args[0], defs, err
	}
	cfg := loadConfig()
	defs, err := risk.LoadOrInit(cfg.RulesPath())
	return cfg.RulesPath(), defs, err
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check [rules.yaml]",
	Short: "Validate a rules file and list its rules",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, defs, err := loadRules(args)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tSEVERITY\tSCOPE\tPARAMETERS")
		for _, d := range defs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				d.ID, d.KindName(), d.Severity, strings.Join(d.Scope, ","), formatParams(d.Parameters))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\n%s: %d rules OK\n", path, len(defs))
		return nil
	},
}

var rulesKindsCmd = &cobra.Command{
	Use:   "kinds",
	Short: "List the rule kinds the engine understands",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, k := range risk.Kinds() {
			fmt.Println(k)
		}
		return nil
	},
}

var rulesTestCmd = &cobra.Command{
	Use:   "test [rules.yaml]",
	Short: "Evaluate a hypothetical signal against an empty portfolio",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, defs, err := loadRules(args)
		if err != nil {
			return err
		}
		engine, err := risk.NewEngineFromDefinitions(defs)
		if err != nil {
			return err
		}

		instrument, _ := cmd.Flags().GetString("instrument")
		action, _ := cmd.Flags().GetString("action")
		rawSize, _ := cmd.Flags().GetString("size")
		rawPrice, _ := cmd.Flags().GetString("price")
		rationale, _ := cmd.Flags().GetString("rationale")

		size, err := decimal.NewFromString(rawSize)
		if err != nil {
			return fmt.Errorf("invalid --size: %w", err)
		}
		price, err := decimal.NewFromString(rawPrice)
		if err != nil {
			return fmt.Errorf("invalid --price: %w", err)
		}
		cash, err := loadConfig().Cash()
		if err != nil {
			return err
		}

		snap := portfolio.NewLedger(portfolio.VariantHuman, cash).Snapshot().
			WithPrices(map[string]decimal.Decimal{instrument: price})
		sig := types.Signal{
			ID:             types.NewSignalID(),
			Instrument:     instrument,
			AssetClass:     "equity",
			ProposedAction: types.Action(action),
			Size:           size,
			LimitPrice:     &price,
			RationaleRef:   rationale,
			ProposedAt:     time.Now().UTC(),
		}

		v := engine.Evaluate(sig, snap)
		fmt.Printf("Verdict: %s\n", v.Status)
		for i, id := range v.TriggeredRules {
			reason := ""
			if i < len(v.Reasons) {
				reason = v.Reasons[i]
			}
			fmt.Printf("  %s: %s\n", id, reason)
		}
		return nil
	},
}

func formatParams(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, " ")
}
