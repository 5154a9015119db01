package manager

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/connsentry/connsentry/internal/backoff"
	"github.com/connsentry/connsentry/internal/channel"
	"github.com/connsentry/connsentry/internal/logging"
	"github.com/connsentry/connsentry/internal/metrics"
	"github.com/connsentry/connsentry/internal/probe"
)

// classChannelHandshake is the display classification for a failed
// push-channel handshake
const classChannelHandshake = "channel-handshake-failure"

// Config holds the supervisor's timing constants and endpoints
type Config struct {
	// HealthURL is the liveness endpoint
	HealthURL string

	// ChannelURL is the push-channel endpoint
	ChannelURL string

	// ConnectedInterval is the periodic check cadence while connected
	ConnectedInterval time.Duration

	// DisconnectedInterval is the cadence while degraded
	DisconnectedInterval time.Duration

	// BackoffBase and BackoffCap bound the full-attempt retry track
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// ProbeTimeout bounds each liveness check and the channel handshake
	ProbeTimeout time.Duration

	// ChannelBackoffBase and ChannelBackoffCap bound the faster
	// channel-only retry track
	ChannelBackoffBase time.Duration
	ChannelBackoffCap  time.Duration

	// KeepAliveInterval is the push-channel ping period
	KeepAliveInterval time.Duration
}

// withDefaults fills unset fields
func (c Config) withDefaults() Config {
	if c.ConnectedInterval <= 0 {
		c.ConnectedInterval = 30 * time.Second
	}
	if c.DisconnectedInterval <= 0 {
		c.DisconnectedInterval = 5 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = backoff.DefaultBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = backoff.DefaultCap
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.ChannelBackoffBase <= 0 {
		c.ChannelBackoffBase = 1 * time.Second
	}
	if c.ChannelBackoffCap <= 0 {
		c.ChannelBackoffCap = 15 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	return c
}

// Manager reconciles the liveness probe and the push channel into one
// debounced connectivity status. It owns every timer and the channel
// handle; subscribers only ever see immutable snapshots.
type Manager struct {
	cfg       Config
	logger    *logging.Logger
	collector *metrics.Collector // optional
	prober    *probe.Prober
	full      *backoff.Calculator
	chanOnly  *backoff.Calculator

	mu                sync.Mutex
	running           bool
	paused            bool
	attemptInProgress bool
	pendingAttempt    bool
	streak            int // full-attempt failure streak
	chanStreak        int // channel-only failure streak
	ch                *channel.Channel
	gen               uint64 // bumped by stop/reconnect; stale timers check it
	attemptCancel     context.CancelFunc

	healthTimer    *time.Timer
	reconnectTimer *time.Timer
	channelTimer   *time.Timer

	status atomic.Pointer[Status]

	subsMu     sync.Mutex
	nextSubID  uint64
	statusSubs map[uint64]func(Status)
	msgSubs    map[uint64]func(channel.Message)

	// status dispatch runs off mu so listeners may call back into the
	// manager; the single drainer preserves publish order
	dispatchMu    sync.Mutex
	dispatchQueue []Status
	dispatching   bool
}

// New creates a stopped manager. The collector may be nil.
func New(cfg Config, logger *logging.Logger, collector *metrics.Collector) *Manager {
	cfg = cfg.withDefaults()

	m := &Manager{
		cfg:        cfg,
		logger:     logger,
		collector:  collector,
		prober:     probe.New(cfg.HealthURL, cfg.ProbeTimeout, logger),
		full:       backoff.New(cfg.BackoffBase, cfg.BackoffCap),
		chanOnly:   backoff.New(cfg.ChannelBackoffBase, cfg.ChannelBackoffCap),
		statusSubs: make(map[uint64]func(Status)),
		msgSubs:    make(map[uint64]func(channel.Message)),
	}
	m.status.Store(&Status{State: StateDisconnected})
	return m
}

// Start begins the attempt sequence. No-op if already running.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.paused = false
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.logger.Info("supervisor_started",
		"health_url", m.cfg.HealthURL,
		"channel_url", m.cfg.ChannelURL)
	go m.runAttempt(gen, false)
}

// Stop cancels every timer, aborts any in-flight probe and closes the
// channel without scheduling a reconnect. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.paused = false
	m.pendingAttempt = false
	m.gen++
	m.stopTimersLocked()
	if m.attemptCancel != nil {
		m.attemptCancel()
	}
	ch := m.ch
	m.ch = nil

	cur := m.snapshotLocked()
	cur.State = StateDisconnected
	cur.HTTPHealthy = false
	cur.ChannelConnected = false
	cur.NextReconnectMs = 0
	m.publishLocked(cur)
	m.mu.Unlock()

	m.prober.Abort()
	if ch != nil {
		ch.Close()
	}
	m.logger.Info("supervisor_stopped")
}

// Reconnect resets the failure streak, drops any scheduled or in-flight
// work and immediately starts a fresh attempt. Concurrent calls collapse
// into one attempt. No-op when stopped.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.gen++
	gen := m.gen
	m.streak = 0
	m.chanStreak = 0
	m.stopTimersLocked()
	if m.attemptCancel != nil {
		m.attemptCancel()
	}
	ch := m.ch
	m.ch = nil
	m.mu.Unlock()

	m.prober.Abort()
	if ch != nil {
		ch.Close()
	}
	m.logger.Info("manual_reconnect")
	go m.runAttempt(gen, true)
}

// PauseHealthChecks suspends probing without tearing down the channel.
// Any in-flight probe is aborted. Idempotent.
func (m *Manager) PauseHealthChecks() {
	m.mu.Lock()
	if !m.running || m.paused {
		m.mu.Unlock()
		return
	}
	m.paused = true
	stopTimer(&m.healthTimer)
	stopTimer(&m.reconnectTimer)
	m.mu.Unlock()

	m.prober.Abort()
	m.logger.Info("health_checks_paused")
}

// ResumeHealthChecks triggers an immediate probe and restores the
// periodic timer. Idempotent.
func (m *Manager) ResumeHealthChecks() {
	m.mu.Lock()
	if !m.running || !m.paused {
		m.mu.Unlock()
		return
	}
	m.paused = false
	gen := m.gen
	state := m.snapshotLocked().State
	m.mu.Unlock()

	m.logger.Info("health_checks_resumed")
	if state == StateConnected || state == StateDegraded {
		go m.healthCheck(gen)
	} else {
		go m.runAttempt(gen, false)
	}
}

// GetStatus returns the current snapshot
func (m *Manager) GetStatus() Status {
	return *m.status.Load()
}

// IsConnected reports whether both channels are healthy
func (m *Manager) IsConnected() bool {
	return m.GetStatus().State == StateConnected
}

// OnStatusChange registers a listener for status transitions and returns
// its unsubscribe function. Listeners run on a dispatch goroutine in
// transition order and may call back into the manager; a panicking
// listener is logged and skipped.
func (m *Manager) OnStatusChange(listener func(Status)) func() {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.statusSubs[id] = listener
	return func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		delete(m.statusSubs, id)
	}
}

// OnMessage registers a listener for inbound push messages and returns
// its unsubscribe function. Delivery is best-effort at-most-once to the
// listeners registered at dispatch time.
func (m *Manager) OnMessage(listener func(channel.Message)) func() {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.msgSubs[id] = listener
	return func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		delete(m.msgSubs, id)
	}
}

// runAttempt executes one full attempt sequence: probe, then channel
// handshake if needed. Overlapping requests are dropped unless queued
// (manual reconnect), in which case the active attempt's unwind starts
// the next one.
func (m *Manager) runAttempt(gen uint64, queued bool) {
	m.mu.Lock()
	if !m.running || gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.attemptInProgress {
		if queued {
			m.pendingAttempt = true
		}
		m.mu.Unlock()
		return
	}
	m.attemptInProgress = true
	ctx, cancel := context.WithCancel(context.Background())
	m.attemptCancel = cancel

	cur := m.snapshotLocked()
	cur.State = StateReconnecting
	cur.ReconnectAttempt = m.streak
	cur.NextReconnectMs = 0
	m.publishLocked(cur)
	m.mu.Unlock()

	res, err := m.prober.Probe(ctx)

	m.mu.Lock()
	m.recordProbe(res, err)
	if !m.running || gen != m.gen || m.paused || err != nil {
		// superseded, paused or aborted: no transition
		m.finishAttemptLocked()
		m.mu.Unlock()
		cancel()
		return
	}

	now := time.Now()
	if !res.OK {
		m.streak++
		delay := m.full.Delay(m.streak - 1)
		cur = m.snapshotLocked()
		cur.State = StateDisconnected
		cur.HTTPHealthy = false
		cur.ChannelConnected = m.ch != nil
		cur.LastCheck = now
		cur.Error = string(res.Class)
		cur.ReconnectAttempt = m.streak
		cur.NextReconnectMs = delay.Milliseconds()
		m.publishLocked(cur)
		m.scheduleReconnectLocked(gen, delay)
		m.finishAttemptLocked()
		m.mu.Unlock()
		cancel()
		return
	}

	cur = m.snapshotLocked()
	cur.LastCheck = now
	cur.LastSuccess = now
	cur.LatencyMs = res.Latency.Milliseconds()
	m.publishLocked(cur)

	if m.ch != nil {
		// reachability restored with the channel still open
		m.becomeConnectedLocked(gen)
		m.finishAttemptLocked()
		m.mu.Unlock()
		cancel()
		return
	}
	m.mu.Unlock()

	ch, dialErr := m.openChannel(ctx, gen)

	m.mu.Lock()
	if !m.running || gen != m.gen {
		if dialErr == nil {
			ch.Close()
		}
		m.finishAttemptLocked()
		m.mu.Unlock()
		cancel()
		return
	}
	if dialErr != nil {
		if ctx.Err() == nil {
			m.logger.Warn("channel_handshake_failed", "error", dialErr.Error())
			m.chanStreak++
			delay := m.chanOnly.Delay(m.chanStreak - 1)
			cur = m.snapshotLocked()
			cur.State = StateDegraded
			cur.HTTPHealthy = true
			cur.ChannelConnected = false
			cur.Error = classChannelHandshake
			cur.ReconnectAttempt = m.streak
			cur.NextReconnectMs = 0
			m.publishLocked(cur)
			m.scheduleChannelRetryLocked(gen, delay)
			m.scheduleHealthLocked(gen)
		}
		m.finishAttemptLocked()
		m.mu.Unlock()
		cancel()
		return
	}

	m.ch = ch
	m.chanStreak = 0
	m.becomeConnectedLocked(gen)
	m.finishAttemptLocked()
	m.mu.Unlock()
	cancel()
}

// healthCheck runs one periodic probe while connected or degraded
func (m *Manager) healthCheck(gen uint64) {
	m.mu.Lock()
	if !m.running || gen != m.gen || m.paused || m.attemptInProgress {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	res, err := m.prober.Probe(context.Background())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordProbe(res, err)
	if !m.running || gen != m.gen || m.paused || err != nil {
		// aborted, paused or superseded checks produce no status update
		return
	}

	now := time.Now()
	if res.OK {
		cur := m.snapshotLocked()
		cur.LastCheck = now
		cur.LastSuccess = now
		cur.LatencyMs = res.Latency.Milliseconds()
		m.publishLocked(cur)
		m.scheduleHealthLocked(gen)
		return
	}

	// demote and enter the full-attempt backoff track
	m.streak++
	delay := m.full.Delay(m.streak - 1)
	stopTimer(&m.channelTimer)
	cur := m.snapshotLocked()
	cur.State = StateDisconnected
	cur.HTTPHealthy = false
	cur.ChannelConnected = m.ch != nil
	cur.LastCheck = now
	cur.Error = string(res.Class)
	cur.ReconnectAttempt = m.streak
	cur.NextReconnectMs = delay.Milliseconds()
	m.publishLocked(cur)
	m.scheduleReconnectLocked(gen, delay)
}

// channelRetry re-dials the push channel on the channel-only track.
// Reachability was already proven, so no probe is issued.
func (m *Manager) channelRetry(gen uint64) {
	m.mu.Lock()
	if !m.running || gen != m.gen || m.ch != nil || m.attemptInProgress {
		m.mu.Unlock()
		return
	}
	m.attemptInProgress = true
	ctx, cancel := context.WithCancel(context.Background())
	m.attemptCancel = cancel
	m.mu.Unlock()

	ch, err := m.openChannel(ctx, gen)

	m.mu.Lock()
	// A periodic probe may have demoted the state while the dial was
	// outstanding; its verdict wins over the stale dial
	if !m.running || gen != m.gen || m.snapshotLocked().State != StateDegraded {
		if err == nil {
			ch.Close()
		}
		m.finishAttemptLocked()
		m.mu.Unlock()
		cancel()
		return
	}
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("channel_reconnect_failed",
				"error", err.Error(),
				"channel_attempt", m.chanStreak+1)
			m.chanStreak++
			delay := m.chanOnly.Delay(m.chanStreak - 1)
			cur := m.snapshotLocked()
			cur.Error = classChannelHandshake
			m.publishLocked(cur)
			m.scheduleChannelRetryLocked(gen, delay)
		}
		m.finishAttemptLocked()
		m.mu.Unlock()
		cancel()
		return
	}

	m.ch = ch
	m.chanStreak = 0
	m.becomeConnectedLocked(gen)
	m.finishAttemptLocked()
	m.mu.Unlock()
	cancel()
}

// openChannel dials the push endpoint with the handshake bounded by ctx
func (m *Manager) openChannel(ctx context.Context, gen uint64) (*channel.Channel, error) {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	var dropped prometheus.Counter
	if m.collector != nil {
		dropped = m.collector.ChannelDroppedFramesTotal
	}
	return channel.Dial(dctx, m.cfg.ChannelURL, channel.Options{
		KeepAliveInterval: m.cfg.KeepAliveInterval,
		OnMessage:         m.handleMessage,
		OnClose: func(err error) {
			m.handleChannelLost(gen, err)
		},
		DroppedFrames: dropped,
	}, m.logger)
}

// handleChannelLost reacts to an already-open channel dying on its own
func (m *Manager) handleChannelLost(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || gen != m.gen {
		return
	}
	m.ch = nil

	cur := m.snapshotLocked()
	cur.ChannelConnected = false
	if cur.HTTPHealthy {
		// reachability is intact: degrade and retry the channel alone
		cur.State = StateDegraded
		if err != nil {
			cur.Error = err.Error()
		} else {
			cur.Error = "channel closed"
		}
		m.chanStreak = 0
		m.publishLocked(cur)
		m.scheduleChannelRetryLocked(gen, m.chanOnly.Delay(0))
		m.scheduleHealthLocked(gen)
		return
	}
	m.publishLocked(cur)
}

// handleMessage fans an inbound frame out to message subscribers
func (m *Manager) handleMessage(msg channel.Message) {
	if m.collector != nil {
		m.collector.ChannelMessagesTotal.Inc()
	}

	m.subsMu.Lock()
	listeners := make([]func(channel.Message), 0, len(m.msgSubs))
	for _, id := range sortedKeys(m.msgSubs) {
		listeners = append(listeners, m.msgSubs[id])
	}
	m.subsMu.Unlock()

	for _, fn := range listeners {
		m.safeInvoke(func() { fn(msg) })
	}
}

// becomeConnectedLocked applies a full success: both channels healthy
func (m *Manager) becomeConnectedLocked(gen uint64) {
	m.streak = 0
	stopTimer(&m.reconnectTimer)
	stopTimer(&m.channelTimer)

	cur := m.snapshotLocked()
	cur.State = StateConnected
	cur.HTTPHealthy = true
	cur.ChannelConnected = true
	cur.Error = ""
	cur.ReconnectAttempt = 0
	cur.NextReconnectMs = 0
	m.publishLocked(cur)
	m.scheduleHealthLocked(gen)
}

// finishAttemptLocked releases the attempt guard and starts a queued
// follow-up attempt, if a manual reconnect arrived meanwhile
func (m *Manager) finishAttemptLocked() {
	m.attemptInProgress = false
	m.attemptCancel = nil
	if m.pendingAttempt && m.running {
		m.pendingAttempt = false
		gen := m.gen
		go m.runAttempt(gen, false)
	}
}

// scheduleHealthLocked arms the periodic check timer for the current state
func (m *Manager) scheduleHealthLocked(gen uint64) {
	if m.paused {
		return
	}
	interval := m.cfg.DisconnectedInterval
	if m.snapshotLocked().State == StateConnected {
		interval = m.cfg.ConnectedInterval
	}
	stopTimer(&m.healthTimer)
	m.healthTimer = time.AfterFunc(interval, func() {
		m.healthCheck(gen)
	})
}

// scheduleReconnectLocked arms the full-attempt timer
func (m *Manager) scheduleReconnectLocked(gen uint64, delay time.Duration) {
	if m.paused {
		return
	}
	m.logger.Info("reconnect_scheduled",
		"delay_ms", delay.Milliseconds(),
		"attempt", m.streak)
	stopTimer(&m.reconnectTimer)
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.runAttempt(gen, false)
	})
}

// scheduleChannelRetryLocked arms the channel-only timer
func (m *Manager) scheduleChannelRetryLocked(gen uint64, delay time.Duration) {
	m.logger.Info("channel_retry_scheduled", "delay_ms", delay.Milliseconds())
	stopTimer(&m.channelTimer)
	m.channelTimer = time.AfterFunc(delay, func() {
		m.channelRetry(gen)
	})
}

// snapshotLocked returns a mutable copy of the current snapshot
func (m *Manager) snapshotLocked() Status {
	return *m.status.Load()
}

// publishLocked stores the snapshot and, when the transition shape
// changed, notifies status subscribers in order
func (m *Manager) publishLocked(next Status) {
	prev := *m.status.Load()
	m.status.Store(&next)

	if prev.sameShape(next) {
		return
	}

	m.logger.Info("state_transition",
		"old_state", prev.State,
		"new_state", next.State,
		"http_healthy", next.HTTPHealthy,
		"channel_connected", next.ChannelConnected,
		"attempt", next.ReconnectAttempt)

	if m.collector != nil {
		m.collector.ConnectionState.Set(float64(next.State))
		m.collector.TransitionsTotal.WithLabelValues(next.State.String()).Inc()
		m.collector.ReconnectAttempts.Set(float64(next.ReconnectAttempt))
	}

	m.dispatchMu.Lock()
	m.dispatchQueue = append(m.dispatchQueue, next)
	if !m.dispatching {
		m.dispatching = true
		go m.dispatchStatus()
	}
	m.dispatchMu.Unlock()
}

// dispatchStatus drains queued snapshots to status subscribers. Exactly
// one drainer runs at a time, so listeners observe transitions in publish
// order without the state mutex held.
func (m *Manager) dispatchStatus() {
	for {
		m.dispatchMu.Lock()
		if len(m.dispatchQueue) == 0 {
			m.dispatching = false
			m.dispatchMu.Unlock()
			return
		}
		next := m.dispatchQueue[0]
		m.dispatchQueue = m.dispatchQueue[1:]
		m.dispatchMu.Unlock()

		m.subsMu.Lock()
		listeners := make([]func(Status), 0, len(m.statusSubs))
		for _, id := range sortedKeys(m.statusSubs) {
			listeners = append(listeners, m.statusSubs[id])
		}
		m.subsMu.Unlock()

		for _, fn := range listeners {
			fn := fn
			m.safeInvoke(func() { fn(next) })
		}
	}
}

// recordProbe updates probe metrics
func (m *Manager) recordProbe(res probe.Result, err error) {
	if m.collector == nil {
		return
	}
	switch {
	case err != nil:
		m.collector.ProbesTotal.WithLabelValues("aborted").Inc()
	case res.OK:
		m.collector.ProbesTotal.WithLabelValues("success").Inc()
		m.collector.ProbeDuration.Observe(res.Latency.Seconds())
	default:
		m.collector.ProbesTotal.WithLabelValues("failure").Inc()
		m.collector.ProbeDuration.Observe(res.Latency.Seconds())
	}
}

// safeInvoke isolates a subscriber panic from manager state and from the
// remaining subscribers
func (m *Manager) safeInvoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("listener_panic", "panic", r)
		}
	}()
	fn()
}

// stopTimersLocked cancels every live timer
func (m *Manager) stopTimersLocked() {
	stopTimer(&m.healthTimer)
	stopTimer(&m.reconnectTimer)
	stopTimer(&m.channelTimer)
}

// stopTimer cancels a timer and clears the handle
func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// sortedKeys returns subscriber ids in registration order
func sortedKeys[V any](subs map[uint64]V) []uint64 {
	keys := make([]uint64, 0, len(subs))
	for id := range subs {
		keys = append(keys, id)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
