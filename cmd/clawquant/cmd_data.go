package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tedboudros/ClawQuant/internal/marketdata"
)

func init() {
	rootCmd.AddCommand(dataCmd)
	dataCmd.AddCommand(dataImportCmd, dataSynthCmd, dataAssetsCmd)

	dataSynthCmd.Flags().StringSlice("assets", nil, "assets to generate (required)")
	dataSynthCmd.Flags().String("start", "", "first day, YYYY-MM-DD (required)")
	dataSynthCmd.Flags().Int("days", 30, "number of daily closes per asset")
	dataSynthCmd.Flags().Uint64("seed", 1, "random walk seed")
	_ = dataSynthCmd.MarkFlagRequired("assets")
	_ = dataSynthCmd.MarkFlagRequired("start")
}

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "Manage the market data store",
}

var dataImportCmd = &cobra.Command{
	Use:   "import <records.json>",
	Short: "Import a JSON array of price and news records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recs, err := marketdata.LoadJSON(args[0])
		if err != nil {
			return err
		}
		return insertRecords(cmd, recs)
	},
}

var dataSynthCmd = &cobra.Command{
	Use:   "synth",
	Short: "Generate seeded random-walk daily closes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		assets, _ := cmd.Flags().GetStringSlice("assets")
		rawStart, _ := cmd.Flags().GetString("start")
		days, _ := cmd.Flags().GetInt("days")
		seed, _ := cmd.Flags().GetUint64("seed")

		start, err := time.Parse(time.DateOnly, rawStart)
		if err != nil {
			return fmt.Errorf("invalid --start: %w", err)
		}
		if days < 1 {
			return fmt.Errorf("--days must be at least 1")
		}
		return insertRecords(cmd, marketdata.Synthetic(assets, start, days, seed))
	},
}

var dataAssetsCmd = &cobra.Command{
	Use:   "assets",
	Short: "List the assets in the market data store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openMarketData(cmd.Context(), loadConfig())
		if err != nil {
			return err
		}
		defer store.Close()

		assets, err := store.Assets(cmd.Context())
		if err != nil {
			return err
		}
		for _, a := range assets {
			fmt.Println(a)
		}
		return nil
	},
}

func insertRecords(cmd *cobra.Command, recs []marketdata.Record) error {
	store, err := openMarketData(cmd.Context(), loadConfig())
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Insert(cmd.Context(), recs...); err != nil {
		return err
	}
	fmt.Printf("Imported %d records into %s.\n", len(recs), store.Path())
	return nil
}
