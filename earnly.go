// Package earnly provides the official Go SDK for the Earnly rewards
// platform API.
//
// Covers account/auth, surveys, videos, questions, payments and
// notifications, plus the realtime event stream.
//
// Example:
//
//	client := earnly.NewClient("eat-...")
//
//	// REST
//	surveys, _ := client.Surveys().List(ctx)
//
//	// Realtime (SSE)
//	rt := client.Realtime(nil)
//	defer rt.Destroy()
//	unsub := rt.On("payment.status", func(data any) { ... })
//	defer unsub()
//	rt.Connect(ctx)
package earnly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
	Staging    Environment = "staging"
)

var environments = map[Environment]string{
	Production: "https://api.earnly.app",
	Staging:    "https://staging.api.earnly.app",
}

const (
	DefaultBaseURL = "https://api.earnly.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the Earnly API client. Credentials live in a CredentialStore so
// the REST layer, the token refresher and the realtime client all observe
// the same rotation.
type Client struct {
	baseURL    string
	store      CredentialStore
	httpClient *http.Client
	logger     *slog.Logger
	cache      *MemoryCache
	refresher  *TokenRefresher
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithCredentialStore replaces the default in-memory store, e.g. with a
// file-backed store so tokens survive process restarts.
func WithCredentialStore(store CredentialStore) ClientOption {
	return func(c *Client) { c.store = store }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithCache attaches a local query cache. GET list/detail responses are
// served from and written to it; realtime events invalidate it (BindCache).
func WithCache(cache *MemoryCache) ClientOption {
	return func(c *Client) { c.cache = cache }
}

// NewClient creates a new Earnly client. token is optional; pass "" when
// credentials will be loaded from a store or obtained via Account.Login.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = discardLogger()
	}
	if c.store == nil {
		var seed *Credentials
		if token != "" {
			seed = &Credentials{Token: token}
		}
		c.store = NewMemoryCredentials(seed)
	} else if token != "" {
		_ = c.store.Save(&Credentials{Token: token})
	}

	c.refresher = NewTokenRefresher(c.baseURL, c.store, c.httpClient, c.logger)
	return c
}

// Credentials returns the currently stored credentials, or nil.
func (c *Client) Credentials() *Credentials {
	creds, err := c.store.Load()
	if err != nil {
		c.logger.Error("cannot load credentials", "error", err)
		return nil
	}
	return creds
}

// Refresher exposes the shared token refresh coalescer.
func (c *Client) Refresher() *TokenRefresher {
	return c.refresher
}

// Realtime creates a realtime client bound to this client's base URL,
// credential store and refresher.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	if cfg.Logger == nil {
		cfg.Logger = c.logger
	}
	return NewRealtime(c.baseURL, c.store, c.refresher, &cfg)
}

// ============================================================================
// Internal request helper
// ============================================================================

// doRequest issues an authenticated request. On a 401 it performs one
// coalesced token refresh and retries once with the rotated token; a second
// 401 (or a failed refresh) is returned to the caller as-is.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	data, status, err := c.do(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		if creds := c.refresher.Refresh(ctx); creds != nil && creds.Token != "" {
			data, _, err = c.do(ctx, method, path, body, query)
			return data, err
		}
	}
	return data, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if creds, _ := c.store.Load(); creds != nil && creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// doResult issues a request and decodes the standard response envelope.
func (c *Client) doResult(ctx context.Context, method, path string, body interface{}, query map[string]string) (*APIResult, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[APIResult](data)
}

// getCached serves a GET through the attached cache when one is configured.
// Cache keys are prefix-structured so realtime invalidation can drop whole
// families of entries (see BindCache).
func (c *Client) getCached(ctx context.Context, keyPrefix, path string, query map[string]string) (*APIResult, error) {
	if c.cache == nil {
		return c.doResult(ctx, http.MethodGet, path, nil, query)
	}
	key := cacheKey(keyPrefix, path, query)
	if raw, ok := c.cache.Get(key); ok {
		return decodeJSON[APIResult](raw)
	}
	data, err := c.doRequest(ctx, http.MethodGet, path, nil, query)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[APIResult](data)
	if err != nil {
		return nil, err
	}
	if result.OK {
		c.cache.Put(key, json.RawMessage(data))
	}
	return result, nil
}

func paginationQuery(limit, offset int) map[string]string {
	q := map[string]string{}
	if limit > 0 {
		q["limit"] = fmt.Sprintf("%d", limit)
	}
	if offset > 0 {
		q["offset"] = fmt.Sprintf("%d", offset)
	}
	if len(q) == 0 {
		return nil
	}
	return q
}

// ============================================================================
// Sub-Clients
// ============================================================================

func (c *Client) Account() *AccountClient             { return &AccountClient{c: c} }
func (c *Client) Surveys() *SurveysClient             { return &SurveysClient{c: c} }
func (c *Client) Videos() *VideosClient               { return &VideosClient{c: c} }
func (c *Client) Questions() *QuestionsClient         { return &QuestionsClient{c: c} }
func (c *Client) Payments() *PaymentsClient           { return &PaymentsClient{c: c} }
func (c *Client) Notifications() *NotificationsClient { return &NotificationsClient{c: c} }

// AccountClient handles authentication and identity.
type AccountClient struct{ c *Client }

// Login exchanges email/password for a token pair and persists it in the
// credential store.
func (a *AccountClient) Login(ctx context.Context, opts *LoginOptions) (*APIResult, error) {
	result, err := a.c.doResult(ctx, http.MethodPost, "/api/auth/login", opts, nil)
	if err != nil {
		return nil, err
	}
	if result.OK {
		var data LoginData
		if err := result.Decode(&data); err == nil && data.Token != "" {
			_ = a.c.store.Save(&Credentials{
				Token:        data.Token,
				RefreshToken: data.RefreshToken,
				User:         data.User,
			})
		}
	}
	return result, nil
}

// Logout clears the persisted credentials.
func (a *AccountClient) Logout() error {
	return a.c.store.Clear()
}

func (a *AccountClient) Me(ctx context.Context) (*APIResult, error) {
	return a.c.doResult(ctx, http.MethodGet, "/api/me", nil, nil)
}

// SurveysClient handles the survey catalog.
type SurveysClient struct{ c *Client }

func (s *SurveysClient) List(ctx context.Context) (*APIResult, error) {
	return s.c.getCached(ctx, "surveys", "/api/surveys", nil)
}

func (s *SurveysClient) Get(ctx context.Context, surveyID string) (*APIResult, error) {
	return s.c.getCached(ctx, "surveys", "/api/surveys/"+surveyID, nil)
}

func (s *SurveysClient) Start(ctx context.Context, surveyID string) (*APIResult, error) {
	return s.c.doResult(ctx, http.MethodPost, "/api/surveys/"+surveyID+"/start", nil, nil)
}

// VideosClient handles the video catalog and engagement.
type VideosClient struct{ c *Client }

func (v *VideosClient) List(ctx context.Context, limit, offset int) (*APIResult, error) {
	return v.c.getCached(ctx, "videos", "/api/videos", paginationQuery(limit, offset))
}

func (v *VideosClient) Get(ctx context.Context, videoID string) (*APIResult, error) {
	return v.c.getCached(ctx, "videos", "/api/videos/"+videoID, nil)
}

func (v *VideosClient) Like(ctx context.Context, videoID string) (*APIResult, error) {
	return v.c.doResult(ctx, http.MethodPost, "/api/videos/"+videoID+"/like", nil, nil)
}

// QuestionsClient handles community questions.
type QuestionsClient struct{ c *Client }

func (q *QuestionsClient) List(ctx context.Context, limit, offset int) (*APIResult, error) {
	return q.c.getCached(ctx, "questions", "/api/questions", paginationQuery(limit, offset))
}

func (q *QuestionsClient) Answer(ctx context.Context, questionID string, opts *AnswerOptions) (*APIResult, error) {
	return q.c.doResult(ctx, http.MethodPost, "/api/questions/"+questionID+"/answers", opts, nil)
}

func (q *QuestionsClient) Vote(ctx context.Context, questionID string) (*APIResult, error) {
	return q.c.doResult(ctx, http.MethodPost, "/api/questions/"+questionID+"/vote", nil, nil)
}

// PaymentsClient handles balance and payouts.
type PaymentsClient struct{ c *Client }

func (p *PaymentsClient) Balance(ctx context.Context) (*APIResult, error) {
	return p.c.getCached(ctx, "balance", "/api/payments/balance", nil)
}

func (p *PaymentsClient) History(ctx context.Context, limit, offset int) (*APIResult, error) {
	return p.c.getCached(ctx, "payments", "/api/payments", paginationQuery(limit, offset))
}

func (p *PaymentsClient) RequestPayout(ctx context.Context, opts *PayoutOptions) (*APIResult, error) {
	return p.c.doResult(ctx, http.MethodPost, "/api/payments/payout", opts, nil)
}

func (p *PaymentsClient) Status(ctx context.Context, paymentID string) (*APIResult, error) {
	return p.c.doResult(ctx, http.MethodGet, "/api/payments/"+paymentID, nil, nil)
}

// NotificationsClient handles the notification feed.
type NotificationsClient struct{ c *Client }

func (n *NotificationsClient) List(ctx context.Context, limit, offset int) (*APIResult, error) {
	return n.c.getCached(ctx, "notifications", "/api/notifications", paginationQuery(limit, offset))
}

func (n *NotificationsClient) MarkRead(ctx context.Context, notificationID string) (*APIResult, error) {
	return n.c.doResult(ctx, http.MethodPost, "/api/notifications/"+notificationID+"/read", nil, nil)
}

// ============================================================================
// Helpers
// ============================================================================

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
