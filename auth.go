package earnly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
)

// ============================================================================
// Credential Store
// ============================================================================

// CredentialStore is the persisted auth state consumed by the request layer
// and the realtime client. Implementations must be safe for concurrent use.
type CredentialStore interface {
	// Load returns the current credentials, or nil when none are stored.
	Load() (*Credentials, error)
	// Save replaces the stored credentials.
	Save(creds *Credentials) error
	// Clear removes the stored credentials, forcing re-authentication.
	Clear() error
}

// MemoryCredentials is an in-memory CredentialStore.
type MemoryCredentials struct {
	mu    sync.Mutex
	creds *Credentials
}

// NewMemoryCredentials creates an in-memory store, optionally seeded.
func NewMemoryCredentials(creds *Credentials) *MemoryCredentials {
	return &MemoryCredentials{creds: cloneCredentials(creds)}
}

func (m *MemoryCredentials) Load() (*Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneCredentials(m.creds), nil
}

func (m *MemoryCredentials) Save(creds *Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = cloneCredentials(creds)
	return nil
}

func (m *MemoryCredentials) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = nil
	return nil
}

func cloneCredentials(creds *Credentials) *Credentials {
	if creds == nil {
		return nil
	}
	out := *creds
	if creds.User != nil {
		u := *creds.User
		out.User = &u
	}
	return &out
}

// FileCredentials is a CredentialStore persisted as a TOML file, used by the
// CLI so tokens survive between invocations.
type FileCredentials struct {
	mu   sync.Mutex
	path string
}

// NewFileCredentials creates a file-backed store at the given path. The
// parent directory is created on first Save.
func NewFileCredentials(path string) *FileCredentials {
	return &FileCredentials{path: path}
}

func (f *FileCredentials) Load() (*Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot read credentials: %w", err)
	}
	var creds Credentials
	if err := toml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("cannot parse credentials: %w", err)
	}
	if creds.Token == "" && creds.RefreshToken == "" {
		return nil, nil
	}
	return &creds, nil
}

func (f *FileCredentials) Save(creds *Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("cannot create credentials directory: %w", err)
	}
	data, err := toml.Marshal(creds)
	if err != nil {
		return fmt.Errorf("cannot marshal credentials: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write credentials: %w", err)
	}
	return nil
}

func (f *FileCredentials) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove credentials: %w", err)
	}
	return nil
}

// ============================================================================
// Token Refresh Coalescer
// ============================================================================

// TokenRefresher rotates credentials against the token-refresh endpoint,
// coalescing concurrent callers onto a single in-flight request. It is shared
// by the REST layer (401 retry) and the realtime client (stream auth), so at
// most one refresh request exists at any instant across both.
//
// Refresh fails closed: any failure clears the credential store and yields
// nil, never leaving partial or stale credentials persisted.
type TokenRefresher struct {
	baseURL string
	store   CredentialStore
	httpc   *http.Client
	logger  *slog.Logger

	mu       sync.Mutex
	inflight *refreshCall
}

type refreshCall struct {
	done  chan struct{}
	creds *Credentials
}

// NewTokenRefresher creates a refresher against baseURL's refresh endpoint.
func NewTokenRefresher(baseURL string, store CredentialStore, httpc *http.Client, logger *slog.Logger) *TokenRefresher {
	if httpc == nil {
		httpc = http.DefaultClient
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &TokenRefresher{baseURL: baseURL, store: store, httpc: httpc, logger: logger}
}

// Refresh returns fresh credentials, or nil when re-authentication is
// required. Callers arriving while a refresh is in flight wait for and share
// that refresh's outcome rather than starting another request.
func (r *TokenRefresher) Refresh(ctx context.Context) *Credentials {
	r.mu.Lock()
	if call := r.inflight; call != nil {
		r.mu.Unlock()
		select {
		case <-call.done:
			return cloneCredentials(call.creds)
		case <-ctx.Done():
			return nil
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	r.inflight = call
	r.mu.Unlock()

	call.creds = r.refresh(ctx)

	// Clear the shared slot before waking waiters so a caller arriving after
	// settlement starts a new refresh instead of adopting a stale result.
	r.mu.Lock()
	r.inflight = nil
	r.mu.Unlock()
	close(call.done)

	return cloneCredentials(call.creds)
}

func (r *TokenRefresher) refresh(ctx context.Context) *Credentials {
	current, err := r.store.Load()
	if err != nil {
		r.logger.Error("cannot load credentials for refresh", "error", err)
		return nil
	}
	if current == nil || current.RefreshToken == "" {
		// No refresh token at all: wipe whatever is there and force re-auth.
		_ = r.store.Clear()
		return nil
	}

	body, err := json.Marshal(map[string]string{"refreshToken": current.RefreshToken})
	if err != nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/auth/refresh", bytes.NewReader(body))
	if err != nil {
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpc.Do(req)
	if err != nil {
		r.logger.Warn("token refresh request failed", "error", err)
		_ = r.store.Clear()
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.logger.Warn("token refresh rejected", "status", resp.StatusCode)
		_ = r.store.Clear()
		return nil
	}

	var pair struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil || pair.Token == "" {
		r.logger.Warn("token refresh returned malformed response", "error", err)
		_ = r.store.Clear()
		return nil
	}

	next := &Credentials{
		Token:        pair.Token,
		RefreshToken: pair.RefreshToken,
		User:         current.User, // identity carries forward unchanged
	}
	if err := r.store.Save(next); err != nil {
		r.logger.Error("cannot persist refreshed credentials", "error", err)
		_ = r.store.Clear()
		return nil
	}
	return next
}
