package earnly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Connection Status
// ============================================================================

// ConnectionStatus is the realtime connection state. Exactly one value holds
// at any time; transitions are reported synchronously to status observers.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
	StatusBackgrounded ConnectionStatus = "backgrounded"
	StatusUnavailable  ConnectionStatus = "unavailable"
)

// StreamEvent is a single event delivered by the realtime stream. Data holds
// the decoded JSON payload, or the raw string when the payload is not JSON.
type StreamEvent struct {
	ID   string
	Type string
	Data any
}

// reconnectEventType is a server control signal; it is consumed by the
// client and never delivered to subscribers.
const reconnectEventType = "reconnect"

// EventHandler receives the payload of a single delivered event.
type EventHandler func(data any)

// WildcardHandler receives every delivered event regardless of type.
type WildcardHandler func(ev StreamEvent)

// StatusHandler observes connection status transitions.
type StatusHandler func(status ConnectionStatus)

// ============================================================================
// Notifier interfaces
// ============================================================================

// LifecycleNotifier reports application foreground/background transitions.
// Subscribe returns a function that detaches the listener.
type LifecycleNotifier interface {
	Subscribe(fn func(active bool)) (unsubscribe func())
}

// ConnectivityNotifier reports network reachability transitions.
type ConnectivityNotifier interface {
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	// ReconnectBaseDelay is the backoff base (default 3s).
	ReconnectBaseDelay time.Duration
	// ReconnectMaxDelay caps the backoff (default 60s).
	ReconnectMaxDelay time.Duration
	// ReconnectJitter is the symmetric jitter factor (default 0.3).
	ReconnectJitter float64
	// MaxReconnectAttempts bounds automatic retries (default 15).
	MaxReconnectAttempts int
	// BatchWindow is how long delivered events are buffered for
	// deduplication before fan-out (default 500ms).
	BatchWindow time.Duration
	// HTTPClient must not carry a request timeout; the stream is long-lived.
	HTTPClient *http.Client
	// Logger receives lifecycle diagnostics and handler panics. Defaults to
	// a logger that discards everything.
	Logger *slog.Logger
	// Lifecycle and Connectivity, when set, drive the app-active and online
	// signals. Destroy detaches both.
	Lifecycle    LifecycleNotifier
	Connectivity ConnectivityNotifier
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 3 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 60 * time.Second
	}
	if c.ReconnectJitter == 0 {
		c.ReconnectJitter = 0.3
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 15
	}
	if c.BatchWindow == 0 {
		c.BatchWindow = 500 * time.Millisecond
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      float64
	maxAttempts int
	attempt     int
}

func (r *reconnector) exhausted() bool {
	return r.attempt >= r.maxAttempts
}

// nextDelay computes the backoff for the current attempt and advances the
// attempt counter: min(base * 2^attempt, cap), plus symmetric jitter of up
// to ±jitter of that value, floored at zero.
func (r *reconnector) nextDelay() time.Duration {
	backoff := math.Min(float64(r.baseDelay)*math.Pow(2, float64(r.attempt)), float64(r.maxDelay))
	backoff += backoff * r.jitter * (2*rand.Float64() - 1)
	if backoff < 0 {
		backoff = 0
	}
	r.attempt++
	return time.Duration(backoff)
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Realtime Client
// ============================================================================

// Sentinel failures on the connect path.
var (
	errEndpointGone = errors.New("event stream endpoint not found")
	errAuthRequired = errors.New("event stream authentication required")
)

type pendingEvent struct {
	id  string
	typ string
	raw string
}

// RealtimeClient maintains a long-lived SSE connection to the Earnly event
// stream: it authenticates, parses, batches and deduplicates events, fans
// them out to subscribers, and reconnects with jittered exponential backoff.
//
// The public lifecycle surface (Connect, Disconnect, Destroy, On, OnStatus)
// never returns errors; all failure is communicated through status
// transitions.
type RealtimeClient struct {
	baseURL   string
	store     CredentialStore
	refresher *TokenRefresher
	httpc     *http.Client
	logger    *slog.Logger
	window    time.Duration

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu               sync.Mutex
	status           ConnectionStatus
	lastEventID      string
	intentionalClose bool
	destroyed        bool
	cancelStream     context.CancelFunc
	recon            reconnector
	reconnectTimer   *time.Timer
	appActive        bool
	online           bool

	nextSubID      int
	handlers       map[string]map[int]EventHandler
	anyHandlers    map[int]WildcardHandler
	statusHandlers map[int]StatusHandler

	pending    []pendingEvent
	flushTimer *time.Timer

	detachers []func()
}

// NewRealtime creates a realtime client. The credential store supplies the
// bearer token; the refresher (optional) lets the client recover from an
// expired token without duplicating an in-flight refresh elsewhere.
func NewRealtime(baseURL string, store CredentialStore, refresher *TokenRefresher, config *RealtimeConfig) *RealtimeClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	ctx, cancel := context.WithCancel(context.Background())
	rt := &RealtimeClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		store:      store,
		refresher:  refresher,
		httpc:      cfg.HTTPClient,
		logger:     cfg.Logger,
		window:     cfg.BatchWindow,
		rootCtx:    ctx,
		rootCancel: cancel,
		status:     StatusDisconnected,
		recon: reconnector{
			baseDelay:   cfg.ReconnectBaseDelay,
			maxDelay:    cfg.ReconnectMaxDelay,
			jitter:      cfg.ReconnectJitter,
			maxAttempts: cfg.MaxReconnectAttempts,
		},
		appActive:      true,
		online:         true,
		handlers:       make(map[string]map[int]EventHandler),
		anyHandlers:    make(map[int]WildcardHandler),
		statusHandlers: make(map[int]StatusHandler),
	}

	if cfg.Lifecycle != nil {
		rt.detachers = append(rt.detachers, cfg.Lifecycle.Subscribe(rt.SetAppActive))
	}
	if cfg.Connectivity != nil {
		rt.detachers = append(rt.detachers, cfg.Connectivity.Subscribe(rt.SetOnline))
	}
	return rt
}

// Status returns the current connection status.
func (rt *RealtimeClient) Status() ConnectionStatus {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.status
}

// ============================================================================
// Subscriptions
// ============================================================================

// On registers a handler for events of the given type and returns a function
// that removes exactly that handler.
func (rt *RealtimeClient) On(eventType string, handler EventHandler) (unsubscribe func()) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	id := rt.nextSubID
	rt.nextSubID++
	set := rt.handlers[eventType]
	if set == nil {
		set = make(map[int]EventHandler)
		rt.handlers[eventType] = set
	}
	set[id] = handler
	return func() {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		if set, ok := rt.handlers[eventType]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(rt.handlers, eventType)
			}
		}
	}
}

// OnAny registers a catch-all handler invoked for every delivered event.
func (rt *RealtimeClient) OnAny(handler WildcardHandler) (unsubscribe func()) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	id := rt.nextSubID
	rt.nextSubID++
	rt.anyHandlers[id] = handler
	return func() {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		delete(rt.anyHandlers, id)
	}
}

// OnStatus registers a status observer, invoked synchronously on every
// status transition.
func (rt *RealtimeClient) OnStatus(handler StatusHandler) (unsubscribe func()) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	id := rt.nextSubID
	rt.nextSubID++
	rt.statusHandlers[id] = handler
	return func() {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		delete(rt.statusHandlers, id)
	}
}

// setStatus records a transition and notifies observers synchronously.
// Setting the current value again is a no-op.
func (rt *RealtimeClient) setStatus(status ConnectionStatus) {
	rt.mu.Lock()
	if rt.status == status {
		rt.mu.Unlock()
		return
	}
	rt.status = status
	observers := make([]StatusHandler, 0, len(rt.statusHandlers))
	for _, h := range rt.statusHandlers {
		observers = append(observers, h)
	}
	rt.mu.Unlock()

	for _, h := range observers {
		h := h
		rt.safeInvoke("status", func() { h(status) })
	}
}

// ============================================================================
// Lifecycle sentinel
// ============================================================================

// SetAppActive reports an application foreground/background transition.
// Backgrounding tears the stream down entirely rather than pausing it, so no
// authenticated long-lived connection is held while events cannot be
// processed.
func (rt *RealtimeClient) SetAppActive(active bool) {
	rt.mu.Lock()
	prev := rt.appActive
	rt.appActive = active
	rt.mu.Unlock()
	if prev == active {
		return
	}
	if active {
		rt.Connect(rt.rootCtx)
	} else {
		rt.teardown(StatusBackgrounded)
	}
}

// SetOnline reports a network reachability transition. Regaining
// connectivity resets the backoff attempt counter before reconnecting.
func (rt *RealtimeClient) SetOnline(online bool) {
	rt.mu.Lock()
	prev := rt.online
	rt.online = online
	// Only a genuine offline-to-online transition earns a fresh attempt
	// budget; a notifier re-reporting "online" mid-backoff must not.
	if online && prev != online {
		rt.recon.reset()
	}
	rt.mu.Unlock()
	if prev == online {
		return
	}
	if online {
		rt.Connect(rt.rootCtx)
	} else {
		rt.teardown(StatusUnavailable)
	}
}

// ============================================================================
// Connect / Disconnect / Destroy
// ============================================================================

// Connect opens the event stream. It is idempotent: a call while already
// connecting or connected, or while the app is backgrounded or offline, is a
// no-op. A valid bearer token must be present in the credential store;
// without one the status settles to disconnected and no request is made.
// The connection attempt itself runs asynchronously; failures surface as
// status transitions, never as returned errors.
func (rt *RealtimeClient) Connect(ctx context.Context) {
	rt.mu.Lock()
	if rt.destroyed || rt.status == StatusConnecting || rt.status == StatusConnected {
		rt.mu.Unlock()
		return
	}
	if !rt.appActive || !rt.online {
		rt.mu.Unlock()
		return
	}
	rt.mu.Unlock()

	creds, err := rt.store.Load()
	if err != nil {
		rt.logger.Error("cannot load credentials", "error", err)
	}
	if creds == nil || creds.Token == "" {
		rt.setStatus(StatusDisconnected)
		return
	}

	rt.mu.Lock()
	// Re-check: a competing Connect may have won while the store was read.
	if rt.destroyed || rt.status == StatusConnecting || rt.status == StatusConnected {
		rt.mu.Unlock()
		return
	}
	rt.intentionalClose = false
	streamCtx, cancel := context.WithCancel(ctx)
	rt.cancelStream = cancel
	rt.status = StatusConnecting
	observers := make([]StatusHandler, 0, len(rt.statusHandlers))
	for _, h := range rt.statusHandlers {
		observers = append(observers, h)
	}
	rt.mu.Unlock()

	for _, h := range observers {
		h := h
		rt.safeInvoke("status", func() { h(StatusConnecting) })
	}
	go rt.openStream(streamCtx, creds.Token)
}

// Disconnect cancels any pending reconnect, flushes (not drops) batched
// events, aborts the active stream and settles the status to disconnected.
// Idempotent.
func (rt *RealtimeClient) Disconnect() {
	rt.teardown(StatusDisconnected)
}

// Destroy fully tears the client down: disconnects, clears every
// subscription and detaches lifecycle/connectivity listeners. The client
// must not be used afterwards.
func (rt *RealtimeClient) Destroy() {
	rt.teardown(StatusDisconnected)

	rt.mu.Lock()
	rt.destroyed = true
	rt.handlers = make(map[string]map[int]EventHandler)
	rt.anyHandlers = make(map[int]WildcardHandler)
	rt.statusHandlers = make(map[int]StatusHandler)
	detachers := rt.detachers
	rt.detachers = nil
	rt.mu.Unlock()

	for _, detach := range detachers {
		detach()
	}
	rt.rootCancel()
}

// teardown is the shared shutdown path; final is the status the client
// settles to (disconnected, backgrounded or unavailable).
func (rt *RealtimeClient) teardown(final ConnectionStatus) {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.reconnectTimer != nil {
		rt.reconnectTimer.Stop()
		rt.reconnectTimer = nil
	}
	cancel := rt.cancelStream
	rt.cancelStream = nil
	batch, flushTimer := rt.takeBatchLocked()
	rt.mu.Unlock()

	if flushTimer != nil {
		flushTimer.Stop()
	}
	rt.deliver(batch) // pending events are flushed, never dropped

	if cancel != nil {
		cancel()
	}
	rt.setStatus(final)
}

// ============================================================================
// Stream lifecycle
// ============================================================================

func (rt *RealtimeClient) openStream(ctx context.Context, token string) {
	resp, err := rt.dial(ctx, token)
	if err != nil {
		rt.handleStreamFailure(ctx, err)
		return
	}
	if ctx.Err() != nil {
		resp.Body.Close()
		return
	}

	rt.mu.Lock()
	rt.recon.reset()
	rt.mu.Unlock()
	rt.setStatus(StatusConnected)
	rt.logger.Debug("event stream connected")

	rt.readStream(ctx, resp.Body)
}

// endpointCandidates returns the stream URLs to try, tolerating an API base
// that may or may not already carry the /api suffix.
func (rt *RealtimeClient) endpointCandidates() []string {
	return []string{
		rt.baseURL + "/api/events/stream",
		rt.baseURL + "/events/stream",
	}
}

// dial issues the streaming GET, falling back to the secondary endpoint
// shape on 404 and retrying once through the shared refresher on 401.
func (rt *RealtimeClient) dial(ctx context.Context, token string) (*http.Response, error) {
	candidates := rt.endpointCandidates()
	authRetried := false

	for i := 0; i < len(candidates); {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, candidates[i], nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
		rt.mu.Lock()
		lastID := rt.lastEventID
		rt.mu.Unlock()
		if lastID != "" {
			req.Header.Set("Last-Event-ID", lastID)
		}

		resp, err := rt.httpc.Do(req)
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return resp, nil

		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			i++
			if i == len(candidates) {
				return nil, errEndpointGone
			}

		case resp.StatusCode == http.StatusUnauthorized && !authRetried && rt.refresher != nil:
			resp.Body.Close()
			creds := rt.refresher.Refresh(ctx)
			if creds == nil || creds.Token == "" {
				return nil, errAuthRequired
			}
			token = creds.Token
			authRetried = true

		default:
			code := resp.StatusCode
			resp.Body.Close()
			return nil, fmt.Errorf("event stream returned HTTP %d", code)
		}
	}
	return nil, errEndpointGone
}

func (rt *RealtimeClient) readStream(ctx context.Context, body io.ReadCloser) {
	defer body.Close()

	var dec eventStreamDecoder
	buf := make([]byte, 4096)
	var readErr error
	for {
		n, err := body.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n], rt.enqueueEvent)
		}
		if err != nil {
			readErr = err
			break
		}
	}

	rt.mu.Lock()
	intentional := rt.intentionalClose
	wasConnected := rt.status == StatusConnected
	rt.mu.Unlock()

	if intentional || ctx.Err() != nil {
		return
	}
	if !errors.Is(readErr, io.EOF) {
		rt.logger.Debug("event stream read failed", "error", readErr)
	}
	if wasConnected {
		// The server closed (or dropped) an established stream: retry
		// immediately rather than through backoff.
		rt.setStatus(StatusDisconnected)
		rt.scheduleReconnect(0)
	}
}

func (rt *RealtimeClient) handleStreamFailure(ctx context.Context, err error) {
	rt.mu.Lock()
	intentional := rt.intentionalClose
	rt.mu.Unlock()
	if intentional || ctx.Err() != nil || errors.Is(err, context.Canceled) {
		// Caller-initiated cancellation is not an error.
		return
	}

	switch {
	case errors.Is(err, errEndpointGone):
		// Both endpoint candidates 404ed: the backend route is missing, so
		// retrying would hot-loop forever. Give up quietly.
		rt.logger.Error("event stream endpoint not found; realtime disabled")
		rt.setStatus(StatusDisconnected)

	case errors.Is(err, errAuthRequired):
		rt.logger.Warn("event stream credentials rejected; re-authentication required")
		rt.setStatus(StatusDisconnected)

	default:
		rt.logger.Debug("event stream connection failed", "error", err)
		rt.setStatus(StatusError)
		rt.scheduleReconnect(-1)
	}
}

// scheduleReconnect arms the (single) reconnect timer. override >= 0 forces
// that exact delay without consuming an attempt; override < 0 uses the
// backoff policy. No timer is armed while backgrounded or offline; the
// sentinel re-invokes Connect when conditions change.
func (rt *RealtimeClient) scheduleReconnect(override time.Duration) {
	rt.mu.Lock()
	if rt.destroyed || !rt.appActive || !rt.online {
		rt.mu.Unlock()
		return
	}
	if override < 0 && rt.recon.exhausted() {
		rt.mu.Unlock()
		rt.logger.Warn("reconnect attempts exhausted", "attempts", rt.recon.maxAttempts)
		rt.setStatus(StatusError)
		return
	}
	delay := override
	if override < 0 {
		delay = rt.recon.nextDelay()
	}
	if rt.reconnectTimer != nil {
		rt.reconnectTimer.Stop()
	}
	rt.reconnectTimer = time.AfterFunc(delay, func() {
		rt.mu.Lock()
		rt.reconnectTimer = nil
		rt.mu.Unlock()
		rt.Connect(rt.rootCtx)
	})
	rt.mu.Unlock()
}

// ============================================================================
// Batching and dispatch
// ============================================================================

// enqueueEvent is the parser's sink: it tracks the resumption id, filters
// control signals and buffers the event for the next batch flush.
func (rt *RealtimeClient) enqueueEvent(ev rawEvent) {
	rt.mu.Lock()
	// Events racing a teardown (parsed after Disconnect flushed the batch
	// but before the read loop unwinds) are dropped, not re-buffered.
	if rt.intentionalClose || rt.destroyed {
		rt.mu.Unlock()
		return
	}
	if ev.id != "" {
		rt.lastEventID = ev.id
	}
	if ev.typ == reconnectEventType {
		rt.mu.Unlock()
		rt.logger.Debug("server requested reconnect")
		return
	}
	rt.pending = append(rt.pending, pendingEvent{id: ev.id, typ: ev.typ, raw: ev.data})
	if rt.flushTimer == nil {
		rt.flushTimer = time.AfterFunc(rt.window, rt.flushBatch)
	}
	rt.mu.Unlock()
}

func (rt *RealtimeClient) takeBatchLocked() ([]pendingEvent, *time.Timer) {
	batch := rt.pending
	rt.pending = nil
	timer := rt.flushTimer
	rt.flushTimer = nil
	return batch, timer
}

func (rt *RealtimeClient) flushBatch() {
	rt.mu.Lock()
	batch, _ := rt.takeBatchLocked()
	rt.mu.Unlock()
	rt.deliver(batch)
}

// deliver deduplicates the batch by (type, payload) and fans each surviving
// event out to its exact-type handlers and to every catch-all handler. Each
// handler invocation is panic-isolated so one failing subscriber cannot
// block the rest.
func (rt *RealtimeClient) deliver(batch []pendingEvent) {
	if len(batch) == 0 {
		return
	}
	seen := make(map[string]struct{}, len(batch))
	for _, ev := range batch {
		key := ev.typ + "\x00" + ev.raw
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		data := decodePayload(ev.raw)

		rt.mu.Lock()
		exact := make([]EventHandler, 0, len(rt.handlers[ev.typ]))
		for _, h := range rt.handlers[ev.typ] {
			exact = append(exact, h)
		}
		catchAll := make([]WildcardHandler, 0, len(rt.anyHandlers))
		for _, h := range rt.anyHandlers {
			catchAll = append(catchAll, h)
		}
		rt.mu.Unlock()

		for _, h := range exact {
			h := h
			rt.safeInvoke(ev.typ, func() { h(data) })
		}
		for _, h := range catchAll {
			h := h
			rt.safeInvoke(ev.typ, func() { h(StreamEvent{ID: ev.id, Type: ev.typ, Data: data}) })
		}
	}
}

// decodePayload attempts JSON decoding and falls back to the raw string.
// Malformed payloads are not an error.
func decodePayload(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func (rt *RealtimeClient) safeInvoke(eventType string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error("event handler panicked", "event", eventType, "panic", r)
		}
	}()
	fn()
}
