package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tedboudros/ClawQuant/internal/agent"
	"github.com/tedboudros/ClawQuant/internal/handlers"
	"github.com/tedboudros/ClawQuant/internal/state"
	"github.com/tedboudros/ClawQuant/internal/types"
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskRemoveCmd, taskEnableCmd, taskDisableCmd)

	taskAddCmd.Flags().String("name", "", "task name")
	taskAddCmd.Flags().String("handler", handlers.AIPrompt, "handler to invoke")
	taskAddCmd.Flags().String("schedule", "", `schedule: "every 1h", "at 2024-03-01T09:00:00Z" or a cron expression (required)`)
	taskAddCmd.Flags().String("payload", "", "handler payload as JSON")
	taskAddCmd.Flags().String("prompt", "", "prompt text (shorthand payload for ai.prompt)")
	_ = taskAddCmd.MarkFlagRequired("schedule")
}

func taskStore() *state.TaskStore {
	cfg := loadConfig()
	return state.NewTaskStore(filepath.Join(cfg.DataDir, "tasks"))
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage scheduled tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new task",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		handler, _ := cmd.Flags().GetString("handler")
		sched, _ := cmd.Flags().GetString("schedule")
		rawPayload, _ := cmd.Flags().GetString("payload")
		prompt, _ := cmd.Flags().GetString("prompt")

		var payload json.RawMessage
		switch {
		case rawPayload != "":
			if !json.Valid([]byte(rawPayload)) {
				return fmt.Errorf("--payload is not valid JSON")
			}
			payload = json.RawMessage(rawPayload)
		case prompt != "":
			data, err := json.Marshal(agent.PromptPayload{Prompt: prompt})
			if err != nil {
				return err
			}
			payload = data
		}

		task, err := state.NewTask(handler, sched, payload, "human", time.Now())
		if err != nil {
			return err
		}
		task.Name = name
		if err := taskStore().Create(task); err != nil {
			return fmt.Errorf("add task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %s added (next run %s).\n", task.ID, task.NextRunAt.Format(time.RFC3339))
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := taskStore()
		tasks, err := store.List()
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}

		if len(tasks) == 0 {
			fmt.Println("No tasks configured.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tHANDLER\tSCHEDULE\tENABLED\tNEXT RUN\tLAST STATUS\tBY")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\t%s\t%s\n",
				t.ID,
				t.Name,
				t.HandlerName,
				t.Schedule,
				t.Enabled,
				t.NextRunAt.Format(time.RFC3339),
				t.LastStatus,
				t.CreatedBy,
			)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		for _, path := range store.Quarantined() {
			fmt.Fprintf(os.Stderr, "warning: unreadable task record %s\n", path)
		}
		return nil
	},
}

var taskRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := taskStore().Remove(types.TaskID(args[0])); err != nil {
			return fmt.Errorf("remove task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %s removed.\n", args[0])
		return nil
	},
}

var taskEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := taskStore().SetEnabled(types.TaskID(args[0]), true); err != nil {
			return fmt.Errorf("enable task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %s enabled.\n", args[0])
		return nil
	},
}

var taskDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := taskStore().SetEnabled(types.TaskID(args[0]), false); err != nil {
			return fmt.Errorf("disable task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %s disabled.\n", args[0])
		return nil
	},
}
