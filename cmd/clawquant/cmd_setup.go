package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tedboudros/ClawQuant/internal/config"
	"github.com/tedboudros/ClawQuant/internal/pipeline"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("ClawQuant Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println("API keys and tokens are stored in", cfg.DataDir+"/.env")
		fmt.Println()

		cfg.LLM.BaseURL = ask(scanner, "LLM base URL", cfg.LLM.BaseURL)
		apiKey := askSecret(scanner, "LLM API key", cfg.LLM.APIKey)
		cfg.LLM.Model = ask(scanner, "LLM model name", cfg.LLM.Model)

		maxTokensStr := ask(scanner, "Max output tokens", strconv.Itoa(cfg.LLM.MaxTokens))
		if n, err := strconv.Atoi(maxTokensStr); err == nil {
			cfg.LLM.MaxTokens = n
		}

		models := ask(scanner, "Models to run side by side (comma separated)", strings.Join(cfg.ModelNames(), ","))
		cfg.Models = splitList(models)

		for {
			policy := ask(scanner, "Auto-confirm policy (none, approved, approved_or_flagged)", cfg.ConfirmPolicy)
			if _, err := pipeline.ParseConfirmPolicy(policy); err != nil {
				fmt.Println(" ", err)
				continue
			}
			cfg.ConfirmPolicy = policy
			break
		}

		cfg.InitialCash = ask(scanner, "Initial cash per ledger", cfg.InitialCash)
		if _, err := cfg.Cash(); err != nil {
			return err
		}

		telegramToken := askSecret(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)
		if telegramToken != "" {
			chat := ask(scanner, "Telegram chat ID", strconv.FormatInt(cfg.Telegram.ChatID, 10))
			if n, err := strconv.ParseInt(chat, 10, 64); err == nil {
				cfg.Telegram.ChatID = n
			}
		}

		braveKey := askSecret(scanner, "Brave API key (optional)", cfg.Brave.APIKey)

		if err := config.WriteSecrets(cfg.DataDir, map[string]string{
			config.EnvOpenAIKey:     apiKey,
			config.EnvTelegramToken: telegramToken,
			config.EnvBraveKey:      braveKey,
		}); err != nil {
			return fmt.Errorf("save secrets: %w", err)
		}

		cfg.LLM.APIKey = ""
		cfg.Telegram.Token = ""
		cfg.Brave.APIKey = ""
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// ask displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func ask(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

// askSecret is ask without echoing the current value back.
func askSecret(scanner *bufio.Scanner, label, current string) string {
	if current != "" {
		fmt.Printf("%s [keep current]: ", label)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return current
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
