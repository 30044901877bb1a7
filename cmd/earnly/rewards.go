package main

import (
	"context"
	"fmt"
	"time"

	earnly "github.com/Earnly-App/Earnly/sdk/golang"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// surveys
	surveysJSON bool

	// videos
	videosLimit int
	videosJSON  bool

	// questions
	questionsLimit int
	questionsJSON  bool

	// payments
	paymentsLimit int
	paymentsJSON  bool

	// notifications
	notificationsLimit int
	notificationsJSON  bool
)

// ============================================================================
// surveys
// ============================================================================

var surveysCmd = &cobra.Command{
	Use:   "surveys",
	Short: "List available surveys",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		requireAuth(client)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Surveys().List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		if surveysJSON {
			fmt.Println(string(result.Data))
			return nil
		}

		var surveys []earnly.Survey
		if err := result.Decode(&surveys); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		if len(surveys) == 0 {
			fmt.Println("No surveys available.")
			return nil
		}

		for _, s := range surveys {
			progress := ""
			if s.Progress > 0 {
				progress = fmt.Sprintf(" (%.0f%% done)", s.Progress*100)
			}
			fmt.Printf("  %s: %s - %s, ~%d min%s\n",
				s.ID, s.Title, formatCents(s.RewardCents, ""), s.DurationMins, progress)
		}
		return nil
	},
}

// ============================================================================
// videos
// ============================================================================

var videosCmd = &cobra.Command{
	Use:   "videos",
	Short: "List reward videos",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		requireAuth(client)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Videos().List(ctx, videosLimit, 0)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		if videosJSON {
			fmt.Println(string(result.Data))
			return nil
		}

		var videos []earnly.Video
		if err := result.Decode(&videos); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		if len(videos) == 0 {
			fmt.Println("No videos found.")
			return nil
		}

		for _, v := range videos {
			fmt.Printf("  %s: %s (%d likes, %d views)\n", v.ID, v.Title, v.Likes, v.Views)
		}
		return nil
	},
}

// ============================================================================
// questions
// ============================================================================

var questionsCmd = &cobra.Command{
	Use:   "questions",
	Short: "List community questions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		requireAuth(client)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Questions().List(ctx, questionsLimit, 0)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		if questionsJSON {
			fmt.Println(string(result.Data))
			return nil
		}

		var questions []earnly.Question
		if err := result.Decode(&questions); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		if len(questions) == 0 {
			fmt.Println("No questions found.")
			return nil
		}

		for _, q := range questions {
			fmt.Printf("  %s: %s (%d responses, %d votes)\n", q.ID, q.Text, q.Responses, q.Votes)
		}
		return nil
	},
}

// ============================================================================
// balance
// ============================================================================

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show reward balance",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		requireAuth(client)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		result, err := client.Payments().Balance(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		var balance earnly.Balance
		if err := result.Decode(&balance); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		fmt.Printf("Available: %s\n", formatCents(balance.AvailableCents, balance.Currency))
		fmt.Printf("Pending:   %s\n", formatCents(balance.PendingCents, balance.Currency))
		return nil
	},
}

// ============================================================================
// payments
// ============================================================================

var paymentsCmd = &cobra.Command{
	Use:   "payments",
	Short: "List payout history",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		requireAuth(client)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Payments().History(ctx, paymentsLimit, 0)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		if paymentsJSON {
			fmt.Println(string(result.Data))
			return nil
		}

		var payments []earnly.Payment
		if err := result.Decode(&payments); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		if len(payments) == 0 {
			fmt.Println("No payments found.")
			return nil
		}

		for _, p := range payments {
			fmt.Printf("  [%s] %s %s via %s - %s\n",
				p.CreatedAt, p.ID, formatCents(p.AmountCents, p.Currency), p.Method, p.Status)
		}
		return nil
	},
}

// ============================================================================
// notifications
// ============================================================================

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		requireAuth(client)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Notifications().List(ctx, notificationsLimit, 0)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		if notificationsJSON {
			fmt.Println(string(result.Data))
			return nil
		}

		var notifications []earnly.Notification
		if err := result.Decode(&notifications); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		if len(notifications) == 0 {
			fmt.Println("No notifications.")
			return nil
		}

		for _, n := range notifications {
			marker := " "
			if !n.Read {
				marker = "*"
			}
			fmt.Printf("%s [%s] %s: %s\n", marker, n.CreatedAt, n.Type, n.Title)
		}
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	surveysCmd.Flags().BoolVar(&surveysJSON, "json", false, "Output raw JSON")

	videosCmd.Flags().IntVarP(&videosLimit, "limit", "n", 0, "Maximum number of videos to return")
	videosCmd.Flags().BoolVar(&videosJSON, "json", false, "Output raw JSON")

	questionsCmd.Flags().IntVarP(&questionsLimit, "limit", "n", 0, "Maximum number of questions to return")
	questionsCmd.Flags().BoolVar(&questionsJSON, "json", false, "Output raw JSON")

	paymentsCmd.Flags().IntVarP(&paymentsLimit, "limit", "n", 0, "Maximum number of payments to return")
	paymentsCmd.Flags().BoolVar(&paymentsJSON, "json", false, "Output raw JSON")

	notificationsCmd.Flags().IntVarP(&notificationsLimit, "limit", "n", 0, "Maximum number of notifications to return")
	notificationsCmd.Flags().BoolVar(&notificationsJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(surveysCmd)
	rootCmd.AddCommand(videosCmd)
	rootCmd.AddCommand(questionsCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(paymentsCmd)
	rootCmd.AddCommand(notificationsCmd)
}
