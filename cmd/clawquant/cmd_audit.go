package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tedboudros/ClawQuant/internal/bus"
	"github.com/tedboudros/ClawQuant/internal/state"
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditTailCmd)

	auditTailCmd.Flags().IntP("lines", "n", 20, "number of events to show (0 for all)")
	auditTailCmd.Flags().String("type", "", "only show events matching this pattern, e.g. signal.*")
	auditTailCmd.Flags().Bool("json", false, "print events as JSON lines")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the event audit log",
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the most recent events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		n, _ := cmd.Flags().GetInt("lines")
		pattern, _ := cmd.Flags().GetString("type")
		asJSON, _ := cmd.Flags().GetBool("json")

		auditLog, err := state.OpenAuditLog(filepath.Join(cfg.DataDir, "audit.jsonl"))
		if err != nil {
			return err
		}
		defer auditLog.Close()

		limit := n
		if pattern != "" {
			limit = 0
		}
		events, err := auditLog.Tail(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if pattern != "" {
			kept := events[:0]
			for _, ev := range events {
				if bus.Match(pattern, ev.Type) {
					kept = append(kept, ev)
				}
			}
			events = kept
			if n > 0 && len(events) > n {
				events = events[len(events)-n:]
			}
		}

		enc := json.NewEncoder(os.Stdout)
		for _, ev := range events {
			if asJSON {
				if err := enc.Encode(ev); err != nil {
					return err
				}
				continue
			}
			fmt.Printf("%6d  %s  %-22s %-12s %s\n",
				ev.Seq, ev.Timestamp.Format(time.RFC3339), ev.Type, ev.Source, ev.Payload)
		}
		return nil
	},
}
