package main

import (
	"path/filepath"
	"testing"

	earnly "github.com/Earnly-App/Earnly/sdk/golang"
)

func writeTestCredentials(t *testing.T, home string) *earnly.FileCredentials {
	t.Helper()
	store := earnly.NewFileCredentials(filepath.Join(home, ".earnly", "credentials.toml"))
	err := store.Save(&earnly.Credentials{Token: "file-tok", RefreshToken: "file-ref"})
	if err != nil {
		t.Fatalf("cannot seed credentials: %v", err)
	}
	return store
}

func TestEnvTokenDoesNotTouchStoredCredentials(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("EARNLY_TOKEN", "env-tok")
	store := writeTestCredentials(t, home)

	client := getClient()

	creds := client.Credentials()
	if creds == nil || creds.Token != "env-tok" {
		t.Fatalf("expected env token in use, got %+v", creds)
	}

	onDisk, err := store.Load()
	if err != nil {
		t.Fatalf("cannot reload credentials: %v", err)
	}
	if onDisk == nil || onDisk.Token != "file-tok" || onDisk.RefreshToken != "file-ref" {
		t.Fatalf("env token clobbered the credentials file: %+v", onDisk)
	}
}

func TestGetClientUsesStoredCredentials(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("EARNLY_TOKEN", "")
	writeTestCredentials(t, home)

	client := getClient()

	creds := client.Credentials()
	if creds == nil || creds.Token != "file-tok" || creds.RefreshToken != "file-ref" {
		t.Fatalf("expected file-backed credentials, got %+v", creds)
	}
}
