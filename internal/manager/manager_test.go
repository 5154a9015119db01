package manager

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/connsentry/connsentry/internal/channel"
	"github.com/connsentry/connsentry/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.NewLoggerWithOutput("manager-test", logging.LevelError, io.Discard)
}

// harness provides a controllable remote service: a health endpoint that
// can be failed and a push endpoint whose connections can be dropped
type harness struct {
	healthOK atomic.Bool
	wsAccept atomic.Bool
	probes   int64

	httpSrv *httptest.Server
	wsSrv   *httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{}
	h.healthOK.Store(true)
	h.wsAccept.Store(true)

	h.httpSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&h.probes, 1)
		if !h.healthOK.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"healthy"}`))
	}))
	t.Cleanup(h.httpSrv.Close)

	upgrader := websocket.Upgrader{}
	h.wsSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.wsAccept.Load() {
			http.Error(w, "refused", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.conns = append(h.conns, conn)
		h.mu.Unlock()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(h.wsSrv.Close)

	return h
}

func (h *harness) probeCount() int64 {
	return atomic.LoadInt64(&h.probes)
}

// dropConns severs every open push connection server-side
func (h *harness) dropConns() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		c.Close()
	}
	h.conns = nil
}

// send writes a frame on the most recent push connection
func (h *harness) send(t *testing.T, frame string) {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.conns) == 0 {
		t.Fatal("no open push connection to send on")
	}
	conn := h.conns[len(h.conns)-1]
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("send failed: %v", err)
	}
}

func (h *harness) config() Config {
	return Config{
		HealthURL:            h.httpSrv.URL,
		ChannelURL:           "ws" + strings.TrimPrefix(h.wsSrv.URL, "http"),
		ConnectedInterval:    time.Hour,
		DisconnectedInterval: time.Hour,
		BackoffBase:          50 * time.Millisecond,
		BackoffCap:           2 * time.Second,
		ProbeTimeout:         2 * time.Second,
		ChannelBackoffBase:   50 * time.Millisecond,
		ChannelBackoffCap:    500 * time.Millisecond,
		KeepAliveInterval:    time.Hour,
	}
}

// recorder captures every published snapshot in order
type recorder struct {
	mu    sync.Mutex
	snaps []Status
}

func (r *recorder) listener(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) all() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.snaps))
	copy(out, r.snaps)
	return out
}

// waitFor polls until a recorded snapshot satisfies pred
func (r *recorder) waitFor(t *testing.T, timeout time.Duration, what string, pred func(Status) bool) Status {
	t.Helper()
	return r.waitForFrom(t, 0, timeout, what, pred)
}

// waitForFrom polls until a snapshot recorded at or after index from satisfies pred
func (r *recorder) waitForFrom(t *testing.T, from int, timeout time.Duration, what string, pred func(Status) bool) Status {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snaps := r.all()
		for i := from; i < len(snaps); i++ {
			if pred(snaps[i]) {
				return snaps[i]
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; snapshots: %+v", what, r.all())
	return Status{}
}

// TestStartConnects verifies start drives probe then channel into connected
func TestStartConnects(t *testing.T) {
	h := newHarness(t)
	m := New(h.config(), testLogger(), nil)
	rec := &recorder{}
	m.OnStatusChange(rec.listener)
	defer m.Stop()

	m.Start()

	s := rec.waitFor(t, 3*time.Second, "connected", func(s Status) bool {
		return s.State == StateConnected
	})
	if !s.HTTPHealthy || !s.ChannelConnected {
		t.Errorf("Connected snapshot should have both channels healthy: %+v", s)
	}
	if s.ReconnectAttempt != 0 {
		t.Errorf("Expected reconnectAttempt 0, got %d", s.ReconnectAttempt)
	}
	if s.Error != "" {
		t.Errorf("Expected empty error, got %q", s.Error)
	}
	if s.LastSuccess.IsZero() {
		t.Error("Expected lastSuccess to be set")
	}
	if !m.IsConnected() {
		t.Error("IsConnected should report true")
	}
}

// TestStartIdempotent verifies concurrent starts yield one attempt sequence
func TestStartIdempotent(t *testing.T) {
	h := newHarness(t)
	m := New(h.config(), testLogger(), nil)
	rec := &recorder{}
	m.OnStatusChange(rec.listener)
	defer m.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Start()
		}()
	}
	wg.Wait()

	rec.waitFor(t, 3*time.Second, "connected", func(s Status) bool {
		return s.State == StateConnected
	})

	// Allow any duplicate attempt to surface before counting
	time.Sleep(200 * time.Millisecond)
	if got := h.probeCount(); got != 1 {
		t.Errorf("Expected exactly 1 probe from concurrent starts, got %d", got)
	}
}

// TestBackoffDelays verifies consecutive failures schedule doubling delays
func TestBackoffDelays(t *testing.T) {
	h := newHarness(t)
	h.healthOK.Store(false)
	m := New(h.config(), testLogger(), nil)
	rec := &recorder{}
	m.OnStatusChange(rec.listener)
	defer m.Stop()

	m.Start()

	rec.waitFor(t, 5*time.Second, "third failure", func(s Status) bool {
		return s.State == StateDisconnected && s.ReconnectAttempt >= 3
	})

	var delays []int64
	for _, s := range rec.all() {
		if s.State == StateDisconnected && len(delays) < 3 {
			delays = append(delays, s.NextReconnectMs)
		}
	}
	if len(delays) != 3 {
		t.Fatalf("Expected 3 disconnected snapshots, got %d", len(delays))
	}

	base := int64(50)
	for i, d := range delays {
		want := base << i // 50, 100, 200
		lo := int64(float64(want) * 0.8)
		hi := int64(float64(want) * 1.2)
		if d < lo || d > hi {
			t.Errorf("Delay %d = %dms, want within [%d, %d]", i, d, lo, hi)
		}
	}
}

// TestStopSilencesTimers verifies no transition or probe after stop
func TestStopSilencesTimers(t *testing.T) {
	h := newHarness(t)
	cfg := h.config()
	cfg.ConnectedInterval = 100 * time.Millisecond
	m := New(cfg, testLogger(), nil)
	rec := &recorder{}
	m.OnStatusChange(rec.listener)

	m.Start()
	rec.waitFor(t, 3*time.Second, "connected", func(s Status) bool {
		return s.State == StateConnected
	})

	m.Stop()
	m.Stop() // idempotent

	if m.IsConnected() {
		t.Error("IsConnected should report false after Stop")
	}

	// Wait for the final disconnected snapshot to reach the listener
	rec.waitFor(t, 2*time.Second, "final disconnected", func(s Status) bool {
		return s.State == StateDisconnected
	})

	probesAtStop := h.probeCount()
	snapsAtStop := len(rec.all())

	// Well past the 100ms periodic deadline
	time.Sleep(500 * time.Millisecond)

	if got := h.probeCount(); got != probesAtStop {
		t.Errorf("Stale timer issued probes after Stop: %d -> %d", probesAtStop, got)
	}
	if got := len(rec.all()); got != snapsAtStop {
		t.Errorf("Transitions published after Stop: %d -> %d", snapsAtStop, got)
	}
}

// TestPauseBlocksProbes verifies no probe between pause and resume
func TestPauseBlocksProbes(t *testing.T) {
	h := newHarness(t)
	cfg := h.config()
	cfg.ConnectedInterval = 100 * time.Millisecond
	m := New(cfg, testLogger(), nil)
	rec := &recorder{}
	m.OnStatusChange(rec.listener)
	defer m.Stop()

	m.Start()
	rec.waitFor(t, 3*time.Second, "connected", func(s Status) bool {
		return s.State == StateConnected
	})

	m.PauseHealthChecks()
	probesAtPause := h.probeCount()

	// Well past several periodic deadlines
	time.Sleep(500 * time.Millisecond)
	if got := h.probeCount(); got != probesAtPause {
		t.Errorf("Probes issued while paused: %d -> %d", probesAtPause, got)
	}

	m.ResumeHealthChecks()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.probeCount() > probesAtPause {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Resume did not trigger an immediate probe")
}

// TestPauseAbortsInflightProbe verifies an aborted probe publishes nothing
func TestPauseAbortsInflightProbe(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	blocking := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer blocking.Close()
	defer close(release)

	h := newHarness(t)
	cfg := h.config()
	cfg.HealthURL = blocking.URL
	cfg.ProbeTimeout = 10 * time.Second
	m := New(cfg, testLogger(), nil)
	rec := &recorder{}
	m.OnStatusChange(rec.listener)
	defer m.Stop()

	m.Start()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("Probe never reached the health endpoint")
	}

	m.PauseHealthChecks()
	time.Sleep(300 * time.Millisecond)

	for _, s := range rec.all() {
		if s.State == StateDisconnected || s.Error != "" {
			t.Errorf("Aborted probe produced a failure snapshot: %+v", s)
		}
	}
}

// TestReconnectResetsStreak verifies manual reconnect restarts the backoff track
func TestReconnectResetsStreak(t *testing.T) {
	h := newHarness(t)
	h.healthOK.Store(false)
	m := New(h.config(), testLogger(), nil)
	rec := &recorder{}
	m.OnStatusChange(rec.listener)
	defer m.Stop()

	m.Start()
	rec.waitFor(t, 5*time.Second, "streak >= 2", func(s Status) bool {
		return s.State == StateDisconnected && s.ReconnectAttempt >= 2
	})

	before := len(rec.all())
	m.Reconnect()

	s := rec.waitForFrom(t, before, 3*time.Second, "post-reconnect failure", func(s Status) bool {
		return s.State == StateDisconnected && s.ReconnectAttempt == 1
	})
	if s.NextReconnectMs < 40 || s.NextReconnectMs > 60 {
		t.Errorf("Post-reconnect delay %dms should restart at the base (50ms ±20%%)", s.NextReconnectMs)
	}

	// The attempt triggered by Reconnect starts from a zeroed streak
	found := false
	for _, s := range rec.all()[before:] {
		if s.State == StateReconnecting && s.ReconnectAttempt == 0 {
			found = true
			break
		}
	}
	if !found {
		t.Error("Reconnect should publish a reconnecting snapshot with attempt 0")
	}
}

// TestChannelLossDegrades verifies channel death degrades without probing
func TestChannelLossDegrades(t *testing.T) {
	h := newHarness(t)
	m := New(h.config(), testLogger(), nil)
	rec := &recorder{}
	m.OnStatusChange(rec.listener)
	defer m.Stop()

	m.Start()
	rec.waitFor(t, 3*time.Second, "connected", func(s Status) bool {
		return s.State == StateConnected
	})

	probesBefore := h.probeCount()
	dropIdx := len(rec.all())
	h.dropConns()

	s := rec.waitForFrom(t, dropIdx, 2*time.Second, "degraded", func(s Status) bool {
		return s.State == StateDegraded
	})
	if !s.HTTPHealthy || s.ChannelConnected {
		t.Errorf("Degraded snapshot should be probe-healthy with channel closed: %+v", s)
	}

	// Channel-only track recovers without a fresh probe
	rec.waitForFrom(t, dropIdx, 2*time.Second, "reconnected", func(s Status) bool {
		return s.State == StateConnected
	})
	if got := h.probeCount(); got != probesBefore {
		t.Errorf("Channel-only recovery issued HTTP probes: %d -> %d", probesBefore, got)
	}
}

// TestNoDuplicateConsecutiveSnapshots verifies transition shape dedup
func TestNoDuplicateConsecutiveSnapshots(t *testing.T) {
	h := newHarness(t)
	m := New(h.config(), testLogger(), nil)
	rec := &recorder{}
	m.OnStatusChange(rec.listener)

	m.Start()
	rec.waitFor(t, 3*time.Second, "connected", func(s Status) bool {
		return s.State == StateConnected
	})
	h.dropConns()
	rec.waitFor(t, 2*time.Second, "degraded", func(s Status) bool {
		return s.State == StateDegraded
	})
	m.Stop()

	snaps := rec.all()
	for i := 1; i < len(snaps); i++ {
		if snaps[i].sameShape(snaps[i-1]) {
			t.Errorf("Consecutive snapshots %d and %d share shape: %+v", i-1, i, snaps[i])
		}
	}
}

// TestListenerPanicIsolated verifies a panicking listener never blocks others
func TestListenerPanicIsolated(t *testing.T) {
	h := newHarness(t)
	m := New(h.config(), testLogger(), nil)
	rec := &recorder{}
	m.OnStatusChange(func(Status) { panic("bad listener") })
	m.OnStatusChange(rec.listener)
	defer m.Stop()

	m.Start()
	rec.waitFor(t, 3*time.Second, "connected despite panic", func(s Status) bool {
		return s.State == StateConnected
	})

	if !m.IsConnected() {
		t.Error("Manager state corrupted by panicking listener")
	}
}

// TestMessageFanout verifies delivery and unsubscribe for push messages
func TestMessageFanout(t *testing.T) {
	h := newHarness(t)
	m := New(h.config(), testLogger(), nil)
	rec := &recorder{}
	m.OnStatusChange(rec.listener)
	defer m.Stop()

	got1 := make(chan channel.Message, 8)
	got2 := make(chan channel.Message, 8)
	unsub1 := m.OnMessage(func(msg channel.Message) { got1 <- msg })
	m.OnMessage(func(msg channel.Message) { got2 <- msg })

	m.Start()
	rec.waitFor(t, 3*time.Second, "connected", func(s Status) bool {
		return s.State == StateConnected
	})

	h.send(t, `{"type":"log","job_id":"j1","payload":{"msg":"hi"}}`)

	for name, ch := range map[string]chan channel.Message{"first": got1, "second": got2} {
		select {
		case msg := <-ch:
			if msg.Type != "log" || msg.JobID != "j1" {
				t.Errorf("%s listener got unexpected message: %+v", name, msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s listener never received the message", name)
		}
	}

	unsub1()
	h.send(t, `{"type":"progress","payload":{}}`)

	select {
	case msg := <-got2:
		if msg.Type != "progress" {
			t.Errorf("Expected progress frame, got %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Remaining listener never received the second message")
	}
	select {
	case msg := <-got1:
		t.Errorf("Unsubscribed listener received %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestResumeWhileDisconnected verifies resume restarts the full attempt track
func TestResumeWhileDisconnected(t *testing.T) {
	h := newHarness(t)
	h.healthOK.Store(false)
	m := New(h.config(), testLogger(), nil)
	rec := &recorder{}
	m.OnStatusChange(rec.listener)
	defer m.Stop()

	m.Start()
	rec.waitFor(t, 3*time.Second, "disconnected", func(s Status) bool {
		return s.State == StateDisconnected
	})

	m.PauseHealthChecks()
	h.healthOK.Store(true)
	m.ResumeHealthChecks()

	rec.waitFor(t, 3*time.Second, "connected after resume", func(s Status) bool {
		return s.State == StateConnected
	})
}

// TestDegradedProbeFailureDemotes verifies a failed check while degraded disconnects
func TestDegradedProbeFailureDemotes(t *testing.T) {
	h := newHarness(t)
	h.wsAccept.Store(false)
	cfg := h.config()
	cfg.DisconnectedInterval = 100 * time.Millisecond
	cfg.ChannelBackoffBase = time.Hour // keep the channel track quiet
	m := New(cfg, testLogger(), nil)
	rec := &recorder{}
	m.OnStatusChange(rec.listener)
	defer m.Stop()

	m.Start()
	s := rec.waitFor(t, 3*time.Second, "degraded", func(s Status) bool {
		return s.State == StateDegraded
	})
	if s.Error != "channel-handshake-failure" {
		t.Errorf("Expected channel-handshake-failure classification, got %q", s.Error)
	}

	h.healthOK.Store(false)
	rec.waitFor(t, 3*time.Second, "demoted", func(s Status) bool {
		return s.State == StateDisconnected
	})
}

// TestListenerReentrantCalls verifies listeners may call back into the manager
func TestListenerReentrantCalls(t *testing.T) {
	h := newHarness(t)
	h.healthOK.Store(false)
	m := New(h.config(), testLogger(), nil)
	rec := &recorder{}
	m.OnStatusChange(rec.listener)
	defer m.Stop()

	var once sync.Once
	m.OnStatusChange(func(s Status) {
		if s.State == StateDisconnected {
			once.Do(func() {
				h.healthOK.Store(true)
				m.Reconnect()
			})
		}
	})

	m.Start()
	rec.waitFor(t, 3*time.Second, "connected via reconnect from listener", func(s Status) bool {
		return s.State == StateConnected
	})
	if !m.IsConnected() {
		t.Error("Reconnect issued from a listener left the manager unhealthy")
	}
}

// TestPausedProbeResultDiscarded verifies a probe completing after pause publishes nothing
func TestPausedProbeResultDiscarded(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	blocking := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer blocking.Close()

	h := newHarness(t)
	cfg := h.config()
	cfg.HealthURL = blocking.URL
	cfg.ProbeTimeout = 10 * time.Second
	m := New(cfg, testLogger(), nil)
	rec := &recorder{}
	m.OnStatusChange(rec.listener)
	defer m.Stop()

	m.Start()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("Probe never reached the health endpoint")
	}

	// Flip paused directly, leaving the in-flight probe un-aborted: the
	// pause landed before the probe registered its cancel hook
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()

	close(release)
	time.Sleep(300 * time.Millisecond)

	for _, s := range rec.all() {
		if s.State == StateDisconnected {
			t.Errorf("Probe completing while paused published a demotion: %+v", s)
		}
	}
}

// TestStaleChannelDialDiscarded verifies a dial finishing after demotion cannot force connected
func TestStaleChannelDialDiscarded(t *testing.T) {
	h := newHarness(t)
	h.wsAccept.Store(false)
	cfg := h.config()
	cfg.BackoffBase = time.Hour        // keep the full track quiet after demotion
	cfg.ChannelBackoffBase = time.Hour // keep the channel timer quiet
	cfg.DisconnectedInterval = time.Hour
	m := New(cfg, testLogger(), nil)
	rec := &recorder{}
	m.OnStatusChange(rec.listener)
	defer m.Stop()

	m.Start()
	rec.waitFor(t, 3*time.Second, "degraded", func(s Status) bool {
		return s.State == StateDegraded
	})

	// Demote via a failing check, then let a channel dial land afterwards
	h.healthOK.Store(false)
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	m.healthCheck(gen)
	rec.waitFor(t, 2*time.Second, "demoted", func(s Status) bool {
		return s.State == StateDisconnected
	})

	h.wsAccept.Store(true)
	m.channelRetry(gen)

	if s := m.GetStatus(); s.State == StateConnected {
		t.Errorf("Channel dial landing after demotion promoted to connected: %+v", s)
	}
}
