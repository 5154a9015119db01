package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/connsentry/connsentry/internal/logging"
)

const (
	// keepAliveToken is the textual keep-alive frame sent to the server
	keepAliveToken = "ping"

	// keepAliveAck is the server's matching acknowledgement; it is
	// consumed here and never forwarded as a message
	keepAliveAck = "pong"

	// writeTimeout bounds each keep-alive write
	writeTimeout = 10 * time.Second
)

// Message is the inbound frame envelope. Payload is forwarded raw; the
// channel never interprets Type.
type Message struct {
	Type      string          `json:"type"`
	JobID     string          `json:"job_id,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Options configures a channel at dial time
type Options struct {
	// KeepAliveInterval is the period between keep-alive pings
	KeepAliveInterval time.Duration

	// OnMessage receives each parsed inbound frame
	OnMessage func(Message)

	// OnClose is invoked exactly once when the transport closes on its
	// own (clean or error). It is not invoked after an explicit Close.
	// All retry decisions belong to the caller.
	OnClose func(err error)

	// DroppedFrames, when non-nil, counts malformed frames that were
	// dropped
	DroppedFrames prometheus.Counter
}

// Channel is a persistent push connection. It reads frames, answers with
// periodic keep-alives, and reports its own death; it never reconnects.
type Channel struct {
	conn      *websocket.Conn
	logger    *logging.Logger
	keepAlive time.Duration
	onMessage func(Message)
	onClose   func(err error)
	dropped   prometheus.Counter

	closeOnce sync.Once
	done      chan struct{}
	explicit  atomic.Bool
}

// Dial establishes the push connection. The handshake is bounded by ctx;
// on success the read and keep-alive loops are already running.
func Dial(ctx context.Context, url string, opts Options, logger *logging.Logger) (*Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("channel handshake: %w", err)
	}

	keepAlive := opts.KeepAliveInterval
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}

	c := &Channel{
		conn:      conn,
		logger:    logger,
		keepAlive: keepAlive,
		onMessage: opts.OnMessage,
		onClose:   opts.OnClose,
		dropped:   opts.DroppedFrames,
		done:      make(chan struct{}),
	}

	go c.readLoop()
	go c.keepAliveLoop()

	logger.Debug("channel_open", "url", url)
	return c, nil
}

// Close tears the connection down without invoking OnClose. Idempotent.
func (c *Channel) Close() {
	c.explicit.Store(true)
	c.finish(nil)
}

// Done is closed when the channel has fully shut down
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// readLoop consumes inbound frames until the transport dies
func (c *Channel) readLoop() {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if string(data) == keepAliveAck {
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed frames never escalate to a connectivity fault
			c.logger.Warn("malformed_frame_dropped",
				"error", err.Error(),
				"bytes", len(data))
			if c.dropped != nil {
				c.dropped.Inc()
			}
			continue
		}

		if c.onMessage != nil {
			c.onMessage(msg)
		}
	}
}

// keepAliveLoop pings the server on a fixed interval. A failed write
// closes the transport, which surfaces through the read loop.
func (c *Channel) keepAliveLoop() {
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(keepAliveToken)); err != nil {
				c.logger.Warn("keepalive_write_failed", "error", err.Error())
				c.conn.Close()
				return
			}
		}
	}
}

// finish shuts the channel down exactly once and reports unexpected
// closure to the owner
func (c *Channel) finish(err error) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()

		if c.explicit.Load() {
			c.logger.Debug("channel_closed")
			return
		}

		if err != nil {
			c.logger.Warn("channel_lost", "error", err.Error())
		}
		if c.onClose != nil {
			c.onClose(err)
		}
	})
}
