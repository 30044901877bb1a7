package main

import (
	"context"
	"fmt"
	"os"
	"time"

	earnly "github.com/Earnly-App/Earnly/sdk/golang"
	"github.com/spf13/cobra"
)

var loginPassword string

func init() {
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Account password (prompted via EARNLY_PASSWORD if unset)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in and store credentials in ~/.earnly/credentials.toml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]
		password := loginPassword
		if password == "" {
			password = os.Getenv("EARNLY_PASSWORD")
		}
		if password == "" {
			return fmt.Errorf("no password given: use --password or set EARNLY_PASSWORD")
		}

		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Account().Login(ctx, &earnly.LoginOptions{
			Email:    email,
			Password: password,
		})
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		creds := client.Credentials()
		if creds == nil || creds.Token == "" {
			return fmt.Errorf("login succeeded but no token was returned")
		}
		if creds.User != nil {
			fmt.Printf("Signed in as %s\n", creds.User.Username)
		} else {
			fmt.Println("Signed in.")
		}
		return nil
	},
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store an existing access token",
	Long:  "Initialize the Earnly CLI with a pre-issued access token instead of an email login.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := credentialsPath()
		if err != nil {
			return err
		}
		store := earnly.NewFileCredentials(path)
		if err := store.Save(&earnly.Credentials{Token: args[0]}); err != nil {
			return fmt.Errorf("failed to save credentials: %w", err)
		}
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := credentialsPath()
		if err != nil {
			return err
		}
		if err := earnly.NewFileCredentials(path).Clear(); err != nil {
			return fmt.Errorf("failed to clear credentials: %w", err)
		}
		fmt.Println("Signed out.")
		return nil
	},
}

// apiError formats an API error for display.
func apiError(result *earnly.APIResult) error {
	if result.Error != nil {
		return fmt.Errorf("API error: %s: %s", result.Error.Code, result.Error.Message)
	}
	return fmt.Errorf("API returned an error (no details)")
}
