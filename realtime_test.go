package earnly

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ── Test helpers ────────────────────────────────────────────

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func writeEvent(w http.ResponseWriter, id, typ, data string) {
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	if typ != "" {
		fmt.Fprintf(w, "event: %s\n", typ)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	w.(http.Flusher).Flush()
}

func beginStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	w.(http.Flusher).Flush()
}

// fakeNotifier satisfies both LifecycleNotifier and ConnectivityNotifier.
type fakeNotifier struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(bool)
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{fns: make(map[int]func(bool))}
}

func (f *fakeNotifier) Subscribe(fn func(bool)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.fns[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.fns, id)
	}
}

func (f *fakeNotifier) set(v bool) {
	f.mu.Lock()
	fns := make([]func(bool), 0, len(f.fns))
	for _, fn := range f.fns {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (f *fakeNotifier) listeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fns)
}

// statusRecorder collects status transitions in order.
type statusRecorder struct {
	mu       sync.Mutex
	statuses []ConnectionStatus
}

func (s *statusRecorder) record(status ConnectionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
}

func (s *statusRecorder) has(status ConnectionStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, got := range s.statuses {
		if got == status {
			return true
		}
	}
	return false
}

func testConfig(server *httptest.Server) *RealtimeConfig {
	return &RealtimeConfig{
		ReconnectBaseDelay: time.Millisecond,
		ReconnectMaxDelay:  5 * time.Millisecond,
		BatchWindow:        20 * time.Millisecond,
		HTTPClient:         server.Client(),
	}
}

func tokenStore() CredentialStore {
	return NewMemoryCredentials(&Credentials{Token: "tok-1", RefreshToken: "ref-1"})
}

// ── Reconnector ─────────────────────────────────────────────

func TestReconnectorBackoffGrowthAndBounds(t *testing.T) {
	r := reconnector{
		baseDelay:   3 * time.Second,
		maxDelay:    60 * time.Second,
		jitter:      0.3,
		maxAttempts: 15,
	}

	for i := 0; i < 15; i++ {
		if r.exhausted() {
			t.Fatalf("exhausted after %d attempts", i)
		}
		expected := float64(3*time.Second) * float64(int(1)<<i)
		if ceiling := float64(60 * time.Second); expected > ceiling {
			expected = ceiling
		}
		d := float64(r.nextDelay())
		if d < expected*0.7-1 || d > expected*1.3+1 {
			t.Fatalf("attempt %d: delay %v outside jitter bounds of %v", i, time.Duration(d), time.Duration(expected))
		}
	}
	if !r.exhausted() {
		t.Fatal("expected exhaustion after max attempts")
	}

	r.reset()
	if r.exhausted() {
		t.Fatal("reset did not clear the attempt counter")
	}
}

// ── Connection lifecycle ────────────────────────────────────

func TestConnectWithoutTokenMakesNoRequest(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
	}))
	defer server.Close()

	rt := NewRealtime(server.URL, NewMemoryCredentials(nil), nil, testConfig(server))
	defer rt.Destroy()

	rt.Connect(context.Background())

	time.Sleep(50 * time.Millisecond)
	if got := rt.Status(); got != StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", got)
	}
	if n := atomic.LoadInt32(&requests); n != 0 {
		t.Fatalf("expected no requests without a token, got %d", n)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	var connections int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&connections, 1)
		beginStream(w)
		<-r.Context().Done()
	}))
	defer server.Close()

	rt := NewRealtime(server.URL, tokenStore(), nil, testConfig(server))
	defer rt.Destroy()

	rt.Connect(context.Background())
	rt.Connect(context.Background())
	rt.Connect(context.Background())

	waitFor(t, "connected status", func() bool { return rt.Status() == StatusConnected })
	rt.Connect(context.Background())

	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&connections); n != 1 {
		t.Fatalf("expected a single stream connection, got %d", n)
	}
}

func TestConnectSendsStreamHeaders(t *testing.T) {
	headerc := make(chan http.Header, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headerc <- r.Header.Clone()
		beginStream(w)
		<-r.Context().Done()
	}))
	defer server.Close()

	rt := NewRealtime(server.URL, tokenStore(), nil, testConfig(server))
	defer rt.Destroy()
	rt.Connect(context.Background())

	h := <-headerc
	if got := h.Get("Authorization"); got != "Bearer tok-1" {
		t.Fatalf("unexpected Authorization header %q", got)
	}
	if got := h.Get("Accept"); got != "text/event-stream" {
		t.Fatalf("unexpected Accept header %q", got)
	}
	if got := h.Get("Cache-Control"); got != "no-cache" {
		t.Fatalf("unexpected Cache-Control header %q", got)
	}
	if got := h.Get("Last-Event-ID"); got != "" {
		t.Fatalf("fresh connection must not carry Last-Event-ID, got %q", got)
	}
}

func TestEndpointFallbackOn404(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/events/stream", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/events/stream", func(w http.ResponseWriter, r *http.Request) {
		beginStream(w)
		<-r.Context().Done()
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	rt := NewRealtime(server.URL, tokenStore(), nil, testConfig(server))
	defer rt.Destroy()
	rt.Connect(context.Background())

	waitFor(t, "connected via fallback endpoint", func() bool { return rt.Status() == StatusConnected })
}

func TestBothEndpoints404GivesUpQuietly(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	rt := NewRealtime(server.URL, tokenStore(), nil, testConfig(server))
	defer rt.Destroy()
	rt.Connect(context.Background())

	waitFor(t, "disconnected status", func() bool { return rt.Status() == StatusDisconnected })
	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&requests); n != 2 {
		t.Fatalf("expected one request per endpoint and no retries, got %d", n)
	}
}

func TestStream401RefreshesOnceAndRetries(t *testing.T) {
	var refreshes int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/events/stream", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		beginStream(w)
		<-r.Context().Done()
	})
	mux.HandleFunc("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshes, 1)
		json.NewEncoder(w).Encode(map[string]string{"token": "tok-2", "refreshToken": "ref-2"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	store := tokenStore()
	refresher := NewTokenRefresher(server.URL, store, server.Client(), nil)
	rt := NewRealtime(server.URL, store, refresher, testConfig(server))
	defer rt.Destroy()
	rt.Connect(context.Background())

	waitFor(t, "connected after refresh", func() bool { return rt.Status() == StatusConnected })
	if n := atomic.LoadInt32(&refreshes); n != 1 {
		t.Fatalf("expected 1 refresh, got %d", n)
	}
}

func TestCleanCloseReconnectsImmediately(t *testing.T) {
	var connections int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&connections, 1)
		beginStream(w)
		if n == 1 {
			writeEvent(w, "1", "message", "hello")
			return // server closes the first stream cleanly
		}
		<-r.Context().Done()
	}))
	defer server.Close()

	cfg := testConfig(server)
	// With the backoff path taken, no retry could fire inside this test.
	cfg.ReconnectBaseDelay = time.Hour
	cfg.ReconnectMaxDelay = time.Hour

	rt := NewRealtime(server.URL, tokenStore(), nil, cfg)
	defer rt.Destroy()
	rt.Connect(context.Background())

	waitFor(t, "immediate reconnect", func() bool {
		return atomic.LoadInt32(&connections) == 2 && rt.Status() == StatusConnected
	})
}

func TestLastEventIDSentOnReconnect(t *testing.T) {
	var connections int32
	headerc := make(chan string, 2)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&connections, 1)
		headerc <- r.Header.Get("Last-Event-ID")
		beginStream(w)
		if n == 1 {
			writeEvent(w, "42", "message", "first")
			return
		}
		<-r.Context().Done()
	}))
	defer server.Close()

	rt := NewRealtime(server.URL, tokenStore(), nil, testConfig(server))
	defer rt.Destroy()
	rt.Connect(context.Background())

	if first := <-headerc; first != "" {
		t.Fatalf("first connection carried Last-Event-ID %q", first)
	}
	if second := <-headerc; second != "42" {
		t.Fatalf("expected Last-Event-ID 42 on reconnect, got %q", second)
	}
}

func TestMaxReconnectAttemptsSettlesOnError(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testConfig(server)
	cfg.MaxReconnectAttempts = 2

	rt := NewRealtime(server.URL, tokenStore(), nil, cfg)
	defer rt.Destroy()
	rt.Connect(context.Background())

	// Initial attempt plus two retries, then the policy gives up.
	waitFor(t, "retry exhaustion", func() bool { return atomic.LoadInt32(&requests) == 3 })
	waitFor(t, "error status", func() bool { return rt.Status() == StatusError })
	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&requests); n != 3 {
		t.Fatalf("expected 3 requests total, got %d", n)
	}
}

func TestDisconnectStopsReconnecting(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testConfig(server)
	cfg.ReconnectBaseDelay = 150 * time.Millisecond
	cfg.ReconnectMaxDelay = 150 * time.Millisecond

	rt := NewRealtime(server.URL, tokenStore(), nil, cfg)
	defer rt.Destroy()
	rt.Connect(context.Background())

	waitFor(t, "first failed attempt", func() bool { return atomic.LoadInt32(&requests) >= 1 })
	rt.Disconnect()
	if rt.Status() != StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", rt.Status())
	}

	settled := atomic.LoadInt32(&requests)
	time.Sleep(400 * time.Millisecond)
	if n := atomic.LoadInt32(&requests); n != settled {
		t.Fatalf("reconnect timer survived Disconnect: %d -> %d requests", settled, n)
	}
}

// ── Lifecycle sentinel ──────────────────────────────────────

func TestBackgroundingTearsDownAndForegroundReconnects(t *testing.T) {
	var connections int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&connections, 1)
		beginStream(w)
		<-r.Context().Done()
	}))
	defer server.Close()

	lifecycle := newFakeNotifier()
	cfg := testConfig(server)
	cfg.Lifecycle = lifecycle

	rt := NewRealtime(server.URL, tokenStore(), nil, cfg)
	defer rt.Destroy()

	rec := &statusRecorder{}
	rt.OnStatus(rec.record)

	rt.Connect(context.Background())
	waitFor(t, "initial connection", func() bool { return rt.Status() == StatusConnected })

	lifecycle.set(false)
	if rt.Status() != StatusBackgrounded {
		t.Fatalf("expected backgrounded, got %s", rt.Status())
	}

	// No reconnect attempts while backgrounded.
	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&connections); n != 1 {
		t.Fatalf("expected no connections while backgrounded, got %d", n)
	}

	lifecycle.set(true)
	waitFor(t, "foreground reconnect", func() bool {
		return atomic.LoadInt32(&connections) == 2 && rt.Status() == StatusConnected
	})
	if !rec.has(StatusBackgrounded) {
		t.Fatal("backgrounded transition was not observed")
	}
}

func TestOfflineSuppressesReconnectAndRegainResumes(t *testing.T) {
	var connections int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&connections, 1)
		beginStream(w)
		<-r.Context().Done()
	}))
	defer server.Close()

	connectivity := newFakeNotifier()
	cfg := testConfig(server)
	cfg.Connectivity = connectivity

	rt := NewRealtime(server.URL, tokenStore(), nil, cfg)
	defer rt.Destroy()

	rt.Connect(context.Background())
	waitFor(t, "initial connection", func() bool { return rt.Status() == StatusConnected })

	connectivity.set(false)
	if rt.Status() != StatusUnavailable {
		t.Fatalf("expected unavailable, got %s", rt.Status())
	}
	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&connections); n != 1 {
		t.Fatalf("expected no reconnects while offline, got %d", n)
	}

	connectivity.set(true)
	waitFor(t, "reconnect after regaining connectivity", func() bool {
		return atomic.LoadInt32(&connections) == 2 && rt.Status() == StatusConnected
	})
}

func TestDestroyDetachesNotifiers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		beginStream(w)
		<-r.Context().Done()
	}))
	defer server.Close()

	lifecycle := newFakeNotifier()
	connectivity := newFakeNotifier()
	cfg := testConfig(server)
	cfg.Lifecycle = lifecycle
	cfg.Connectivity = connectivity

	rt := NewRealtime(server.URL, tokenStore(), nil, cfg)
	if lifecycle.listeners() != 1 || connectivity.listeners() != 1 {
		t.Fatal("expected notifier subscriptions on construction")
	}

	rt.Destroy()
	if lifecycle.listeners() != 0 || connectivity.listeners() != 0 {
		t.Fatal("Destroy left notifier subscriptions attached")
	}

	// A destroyed client refuses to reconnect.
	rt.Connect(context.Background())
	time.Sleep(20 * time.Millisecond)
	if rt.Status() != StatusDisconnected {
		t.Fatalf("destroyed client changed status to %s", rt.Status())
	}
}

// ── Event delivery ──────────────────────────────────────────

func TestEventsAreBatchedAndDeduplicated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		beginStream(w)
		for i := 0; i < 5; i++ {
			writeEvent(w, "", "video.like", `{"videoId":"v1","likes":5}`)
		}
		writeEvent(w, "", "video.like", `{"videoId":"v1","likes":6}`)
		<-r.Context().Done()
	}))
	defer server.Close()

	cfg := testConfig(server)
	// A wide window keeps the burst inside a single batch.
	cfg.BatchWindow = 100 * time.Millisecond

	rt := NewRealtime(server.URL, tokenStore(), nil, cfg)
	defer rt.Destroy()

	var mu sync.Mutex
	var payloads []any
	rt.On("video.like", func(data any) {
		mu.Lock()
		defer mu.Unlock()
		payloads = append(payloads, data)
	})

	rt.Connect(context.Background())

	waitFor(t, "deduplicated delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(payloads) == 2
	})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(payloads) != 2 {
		t.Fatalf("expected 2 deliveries after dedup, got %d", len(payloads))
	}
	first, ok := payloads[0].(map[string]any)
	if !ok || first["likes"] != float64(5) {
		t.Fatalf("unexpected first payload %+v", payloads[0])
	}
}

func TestReconnectControlEventIsSuppressed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		beginStream(w)
		writeEvent(w, "", "reconnect", `{}`)
		writeEvent(w, "", "payment.status", `{"paymentId":"p1","status":"settled"}`)
		<-r.Context().Done()
	}))
	defer server.Close()

	rt := NewRealtime(server.URL, tokenStore(), nil, testConfig(server))
	defer rt.Destroy()

	var mu sync.Mutex
	var reconnects, payments int
	var wildcard []string
	rt.On("reconnect", func(any) {
		mu.Lock()
		reconnects++
		mu.Unlock()
	})
	rt.On("payment.status", func(any) {
		mu.Lock()
		payments++
		mu.Unlock()
	})
	rt.OnAny(func(ev StreamEvent) {
		mu.Lock()
		wildcard = append(wildcard, ev.Type)
		mu.Unlock()
	})

	rt.Connect(context.Background())

	waitFor(t, "payment delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return payments == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if reconnects != 0 {
		t.Fatalf("reconnect control event reached a subscriber %d times", reconnects)
	}
	for _, typ := range wildcard {
		if typ == "reconnect" {
			t.Fatal("reconnect control event reached the wildcard handler")
		}
	}
}

func TestHandlerPanicDoesNotBlockOthers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		beginStream(w)
		writeEvent(w, "", "survey.progress", `{"surveyId":"s1","progress":0.5}`)
		<-r.Context().Done()
	}))
	defer server.Close()

	rt := NewRealtime(server.URL, tokenStore(), nil, testConfig(server))
	defer rt.Destroy()

	var mu sync.Mutex
	var survived, wildcard bool
	rt.On("survey.progress", func(any) {
		panic("subscriber bug")
	})
	rt.On("survey.progress", func(any) {
		mu.Lock()
		survived = true
		mu.Unlock()
	})
	rt.OnAny(func(StreamEvent) {
		mu.Lock()
		wildcard = true
		mu.Unlock()
	})

	rt.Connect(context.Background())

	waitFor(t, "delivery past the panicking handler", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return survived && wildcard
	})
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		beginStream(w)
		writeEvent(w, "", "question.vote", `{"questionId":"q1"}`)
		<-r.Context().Done()
	}))
	defer server.Close()

	rt := NewRealtime(server.URL, tokenStore(), nil, testConfig(server))
	defer rt.Destroy()

	var mu sync.Mutex
	var removed, kept int
	unsub := rt.On("question.vote", func(any) {
		mu.Lock()
		removed++
		mu.Unlock()
	})
	rt.On("question.vote", func(any) {
		mu.Lock()
		kept++
		mu.Unlock()
	})
	unsub()
	unsub() // removing twice is harmless

	rt.Connect(context.Background())

	waitFor(t, "delivery to the remaining handler", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return kept == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if removed != 0 {
		t.Fatalf("unsubscribed handler was invoked %d times", removed)
	}
}

func TestDisconnectFlushesPendingBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		beginStream(w)
		writeEvent(w, "", "notification.new", `{"notificationId":"n1"}`)
		<-r.Context().Done()
	}))
	defer server.Close()

	cfg := testConfig(server)
	// The window never elapses on its own; only teardown can deliver.
	cfg.BatchWindow = time.Hour

	rt := NewRealtime(server.URL, tokenStore(), nil, cfg)
	defer rt.Destroy()

	var mu sync.Mutex
	var delivered int
	rt.On("notification.new", func(any) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	rt.Connect(context.Background())
	waitFor(t, "connected status", func() bool { return rt.Status() == StatusConnected })
	// Give the event time to arrive in the pending buffer.
	time.Sleep(50 * time.Millisecond)

	rt.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	if delivered != 1 {
		t.Fatalf("expected pending event flushed on disconnect, got %d deliveries", delivered)
	}
}

func TestRawStringPayloadDelivery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		beginStream(w)
		writeEvent(w, "", "message", "plain text, not JSON")
		<-r.Context().Done()
	}))
	defer server.Close()

	rt := NewRealtime(server.URL, tokenStore(), nil, testConfig(server))
	defer rt.Destroy()

	var mu sync.Mutex
	var got any
	rt.On("message", func(data any) {
		mu.Lock()
		got = data
		mu.Unlock()
	})

	rt.Connect(context.Background())

	waitFor(t, "raw payload delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		s, ok := got.(string)
		return ok && s == "plain text, not JSON"
	})
}

func TestDecodeEventDataTypedAccess(t *testing.T) {
	data := decodePayload(`{"videoId":"v1","likes":7}`)
	payload, err := DecodeEventData[VideoEventPayload](data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if payload.VideoID != "v1" || payload.Likes != 7 {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestRedundantOnlineSignalKeepsBackoffBudget(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testConfig(server)
	cfg.MaxReconnectAttempts = 2

	rt := NewRealtime(server.URL, tokenStore(), nil, cfg)
	defer rt.Destroy()
	rt.Connect(context.Background())

	// A notifier re-reporting "online" while already online must not hand
	// the reconnector a fresh attempt budget.
	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		rt.SetOnline(true)
		time.Sleep(2 * time.Millisecond)
	}

	if got := rt.Status(); got != StatusError {
		t.Fatalf("expected error after exhausting attempts, got %s", got)
	}
	if n := atomic.LoadInt32(&requests); n != 3 {
		t.Fatalf("expected 3 requests (initial + 2 retries), got %d", n)
	}
}

func TestEventParsedAfterDisconnectIsDropped(t *testing.T) {
	cfg := &RealtimeConfig{BatchWindow: 20 * time.Millisecond}
	rt := NewRealtime("http://127.0.0.1:0", tokenStore(), nil, cfg)
	defer rt.Destroy()

	var mu sync.Mutex
	var delivered int
	rt.On("notification.new", func(any) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	rt.Disconnect()
	// Simulates a stream chunk parsed between the teardown flush and the
	// read loop unwinding.
	rt.enqueueEvent(rawEvent{typ: "notification.new", data: `{"notificationId":"n1"}`})

	rt.mu.Lock()
	pending, timer := len(rt.pending), rt.flushTimer
	rt.mu.Unlock()
	if pending != 0 || timer != nil {
		t.Fatalf("event buffered after disconnect: %d pending, timer %v", pending, timer)
	}

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if delivered != 0 {
		t.Fatalf("event delivered after disconnect: %d deliveries", delivered)
	}
}

func TestEventIDDeliveredToWildcard(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		beginStream(w)
		writeEvent(w, "42", "payment.status", `{"paymentId":"p1","status":"settled"}`)
		<-r.Context().Done()
	}))
	defer server.Close()

	rt := NewRealtime(server.URL, tokenStore(), nil, testConfig(server))
	defer rt.Destroy()

	var mu sync.Mutex
	var got *StreamEvent
	rt.OnAny(func(ev StreamEvent) {
		mu.Lock()
		got = &ev
		mu.Unlock()
	})

	rt.Connect(context.Background())

	waitFor(t, "wildcard delivery with event id", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil && got.ID == "42" && got.Type == "payment.status"
	})
}
