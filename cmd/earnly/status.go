package main

import (
	"context"
	"fmt"
	"time"

	earnly "github.com/Earnly-App/Earnly/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, the stored identity, and live account info including the reward balance.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		}

		client := getClient()
		creds := client.Credentials()

		fmt.Println()
		fmt.Println("Auth:")
		if creds == nil || creds.Token == "" {
			fmt.Println("  Token:       (not signed in)")
			return nil
		}
		fmt.Printf("  Token:       %s\n", maskToken(creds.Token))
		if creds.User != nil {
			fmt.Printf("  Username:    %s\n", creds.User.Username)
			fmt.Printf("  User ID:     %s\n", creds.User.ID)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")

		result, err := client.Account().Me(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", err)
			return nil
		}
		if !result.OK {
			fmt.Printf("  %v\n", apiError(result))
			return nil
		}
		var me earnly.User
		if err := result.Decode(&me); err == nil && me.Username != "" {
			fmt.Printf("  Username:    %s\n", me.Username)
			if me.DisplayName != "" {
				fmt.Printf("  Display:     %s\n", me.DisplayName)
			}
		}

		result, err = client.Payments().Balance(ctx)
		if err != nil {
			fmt.Printf("  Error fetching balance: %v\n", err)
			return nil
		}
		if !result.OK {
			fmt.Printf("  %v\n", apiError(result))
			return nil
		}
		var balance earnly.Balance
		if err := result.Decode(&balance); err != nil {
			fmt.Printf("  Error decoding balance: %v\n", err)
			return nil
		}
		fmt.Printf("  Available:   %s\n", formatCents(balance.AvailableCents, balance.Currency))
		fmt.Printf("  Pending:     %s\n", formatCents(balance.PendingCents, balance.Currency))
		return nil
	},
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "..."
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func formatCents(cents int, currency string) string {
	if currency == "" {
		currency = "USD"
	}
	return fmt.Sprintf("%.2f %s", float64(cents)/100, currency)
}
