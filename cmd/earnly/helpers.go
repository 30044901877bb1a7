package main

import (
	"fmt"
	"os"

	earnly "github.com/Earnly-App/Earnly/sdk/golang"
	"github.com/joeshaw/envdecode"
)

// envOverrides are environment variables that take precedence over the
// config file, mainly for CI and staging use.
type envOverrides struct {
	BaseURL string `env:"EARNLY_BASE_URL"`
	Token   string `env:"EARNLY_TOKEN"`
}

func loadEnvOverrides() envOverrides {
	var env envOverrides
	// Decode errors only mean no overrides are set.
	_ = envdecode.Decode(&env)
	return env
}

// clientOptions translates config and environment into SDK options.
func clientOptions(cfg *Config) []earnly.ClientOption {
	env := loadEnvOverrides()

	var opts []earnly.ClientOption
	switch {
	case env.BaseURL != "":
		opts = append(opts, earnly.WithBaseURL(env.BaseURL))
	case cfg.Default.BaseURL != "":
		opts = append(opts, earnly.WithBaseURL(cfg.Default.BaseURL))
	case cfg.Default.Environment != "" && cfg.Default.Environment != "production":
		opts = append(opts, earnly.WithEnvironment(earnly.Environment(cfg.Default.Environment)))
	}
	return opts
}

// getClient creates an Earnly client backed by the file credential store, so
// token rotations performed during a command persist for the next one. An
// EARNLY_TOKEN override is session-scoped: it stays in an in-memory store and
// never touches the credentials file.
func getClient() *earnly.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	opts := clientOptions(cfg)

	env := loadEnvOverrides()
	if env.Token != "" {
		return earnly.NewClient(env.Token, opts...)
	}

	credsPath, err := credentialsPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to locate credentials: %v\n", err)
		os.Exit(1)
	}
	opts = append(opts, earnly.WithCredentialStore(earnly.NewFileCredentials(credsPath)))
	return earnly.NewClient("", opts...)
}

// requireAuth exits unless credentials are present.
func requireAuth(client *earnly.Client) {
	if creds := client.Credentials(); creds == nil || creds.Token == "" {
		fmt.Fprintln(os.Stderr, "Not signed in. Run 'earnly login <email>' or 'earnly init <token>' first.")
		os.Exit(1)
	}
}
