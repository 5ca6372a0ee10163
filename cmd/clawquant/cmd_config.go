package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tedboudros/ClawQuant/internal/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd, configPathsCmd)

	configListCmd.Flags().Bool("show-secrets", false, "print API keys and tokens unmasked")
	configListCmd.Flags().Bool("json", false, "print the values as a JSON object")
	configGetCmd.Flags().Bool("show-secrets", false, "print the value unmasked")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and change settings",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every setting as key = value",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		show, _ := cmd.Flags().GetBool("show-secrets")
		asJSON, _ := cmd.Flags().GetBool("json")

		values, err := config.ListValues(loadConfig(), !show)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(values)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, k := range config.SortedKeys(values) {
			fmt.Fprintf(w, "%s\t%v\n", k, values[k])
		}
		return w.Flush()
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one setting, e.g. llm.model or telegram.chat_id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		val, err := config.GetValue(cfgPath, key)
		if err != nil {
			return err
		}
		if show, _ := cmd.Flags().GetBool("show-secrets"); !show && config.IsSecretKey(key) {
			val = config.MaskSecrets(map[string]any{key: val})[key]
		}
		fmt.Fprintln(os.Stdout, val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one setting; JSON values (numbers, lists) are decoded",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetValue(cfgPath, key, value); err != nil {
			return err
		}
		if _, err := config.Load(cfgPath); err != nil {
			return fmt.Errorf("%s saved but the config no longer loads: %w", key, err)
		}

		if config.IsSecretKey(key) {
			value = "***"
			fmt.Fprintf(os.Stderr, "Note: secrets are better kept in %s (see 'clawquant setup').\n",
				filepath.Join(loadConfig().DataDir, ".env"))
		}
		fmt.Fprintf(os.Stdout, "%s = %s\n", key, value)
		if isRunning() {
			fmt.Fprintln(os.Stdout, "Run 'clawquant restart' to apply it to the running daemon.")
		}
		return nil
	},
}

var configPathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "Show where configuration and data live",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "config\t%s\n", cfgPath)
		fmt.Fprintf(w, "data\t%s\n", cfg.DataDir)
		fmt.Fprintf(w, "secrets\t%s\n", filepath.Join(cfg.DataDir, ".env"))
		fmt.Fprintf(w, "rules\t%s\n", cfg.RulesPath())
		fmt.Fprintf(w, "market data\t%s\n", marketDataPath(cfg))
		fmt.Fprintf(w, "audit log\t%s\n", filepath.Join(cfg.DataDir, "audit.jsonl"))
		return w.Flush()
	},
}
