// Package transport owns the duplex websocket connection to one host:
// framing, a bounded send queue while disconnected, and reconnection with
// bounded exponential backoff.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/hostlink/internal/domain"
	"github.com/coder/websocket"
)

const (
	// DefaultQueueSize bounds frames buffered while disconnected; overflow
	// drops the oldest frame.
	DefaultQueueSize = 1000

	// DefaultMaxReconnectAttempts bounds the reconnect budget after a drop.
	DefaultMaxReconnectAttempts = 5

	DefaultDialTimeout        = 10 * time.Second
	DefaultReconnectBaseDelay = 500 * time.Millisecond
	DefaultReconnectMaxDelay  = 15 * time.Second
)

var errChannelClosed = errors.New("transport: channel closed")

// Config holds transport tuning for one channel.
type Config struct {
	URL                  string
	QueueSize            int
	MaxReconnectAttempts int
	DialTimeout          time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	Logger               *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Channel is a duplex connection to one host. It is exclusively owned by one
// session controller and never shared across sessions.
//
// Event sinks must be assigned before Connect and are invoked from the
// channel's internal goroutines:
//
//	OnMessage      every decoded inbound frame, in arrival order
//	OnDisconnect   connection drop; permanent=true once the reconnect budget
//	               is exhausted
//	OnReconnect    successful silent recovery after a drop
//	OnError        undecodable inbound data
//	OnBackpressure a queued frame dropped to make room for a newer one
type Channel struct {
	cfg Config
	log *slog.Logger

	OnMessage      func(domain.Frame)
	OnDisconnect   func(permanent bool)
	OnReconnect    func()
	OnError        func(error)
	OnBackpressure func(domain.Frame)

	mu           sync.Mutex
	conn         *websocket.Conn
	queue        []domain.Frame
	reconnecting bool
	closed       bool
	readCancel   context.CancelFunc
}

// NewChannel creates a channel for the given host URL. No I/O happens until
// Connect.
func NewChannel(cfg Config) *Channel {
	cfg.applyDefaults()
	return &Channel{
		cfg: cfg,
		log: cfg.Logger.With("host", cfg.URL),
	}
}

// Connect dials the host, bounded by the configured dial timeout. Failure is
// a ConnectionError; the channel stays usable for a later attempt.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &domain.ConnectionError{Op: "dial", Err: errChannelClosed}
	}
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		return err
	}
	c.flush()
	return nil
}

// Connected reports whether a live socket is attached.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes a frame, or queues it while disconnected. The queue is
// bounded: overflow drops the oldest frame and reports it through
// OnBackpressure.
func (c *Channel) Send(ctx context.Context, frame domain.Frame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &domain.ConnectionError{Op: "send", Err: errChannelClosed}
	}

	conn := c.conn
	if conn == nil {
		dropped, hadDrop := c.enqueueLocked(frame)
		c.mu.Unlock()
		if hadDrop && c.OnBackpressure != nil {
			c.OnBackpressure(dropped)
		}
		return nil
	}
	c.mu.Unlock()

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		// The read loop observes the same failure and drives reconnection;
		// keep the frame so it is replayed after recovery.
		c.mu.Lock()
		dropped, hadDrop := c.enqueueLocked(frame)
		c.mu.Unlock()
		if hadDrop && c.OnBackpressure != nil {
			c.OnBackpressure(dropped)
		}
		c.log.Debug("Write failed, frame queued for replay", "type", frame.Type, "error", err)
		return nil
	}
	return nil
}

// Close tears the connection down and stops reconnection. Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	cancel := c.readCancel
	c.queue = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "session ended"); err != nil {
			c.log.Debug("Failed to close websocket", "error", err)
		}
	}
}

// enqueueLocked appends to the bounded queue, returning the dropped frame if
// the oldest entry had to make room. Caller holds c.mu.
func (c *Channel) enqueueLocked(frame domain.Frame) (domain.Frame, bool) {
	if len(c.queue) >= c.cfg.QueueSize {
		dropped := c.queue[0]
		c.queue = append(c.queue[1:], frame)
		return dropped, true
	}
	c.queue = append(c.queue, frame)
	return domain.Frame{}, false
}

func (c *Channel) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return &domain.ConnectionError{Op: "dial", Err: err}
	}
	// Frames can exceed the library's 32 KiB default once image attachments
	// are in play.
	conn.SetReadLimit(16 << 20)

	readCtx, readCancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		readCancel()
		_ = conn.Close(websocket.StatusNormalClosure, "channel closed")
		return &domain.ConnectionError{Op: "dial", Err: errChannelClosed}
	}
	c.conn = conn
	c.readCancel = readCancel
	c.mu.Unlock()

	go c.readLoop(readCtx, conn)
	return nil
}

// flush replays queued frames after a (re)connect, preserving send order.
func (c *Channel) flush() {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	c.log.Info("Flushing queued frames", "count", len(pending))
	for _, frame := range pending {
		if err := c.Send(context.Background(), frame); err != nil {
			c.log.Warn("Failed to flush queued frame", "type", frame.Type, "error", err)
			return
		}
	}
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				c.log.Debug("WebSocket closed by host", "status", websocket.CloseStatus(err))
			}
			c.handleDrop(conn)
			return
		}

		frame, err := domain.DecodeFrame(data)
		if err != nil {
			if c.OnError != nil {
				c.OnError(err)
			}
			continue
		}
		if c.OnMessage != nil {
			c.OnMessage(frame)
		}
	}
}

// handleDrop transitions to disconnected and starts the reconnect loop,
// serialized behind a single in-flight flag so concurrent drops cannot
// create duplicate sockets.
func (c *Channel) handleDrop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.readCancel = nil
	alreadyReconnecting := c.reconnecting
	c.reconnecting = true
	c.mu.Unlock()

	if alreadyReconnecting {
		return
	}
	if c.OnDisconnect != nil {
		c.OnDisconnect(false)
	}
	go c.reconnectLoop()
}

func (c *Channel) reconnectLoop() {
	b := newBackoff(c.cfg.MaxReconnectAttempts, c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay)
	for {
		delay, ok := b.next()
		if !ok {
			c.mu.Lock()
			c.reconnecting = false
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.log.Warn("Reconnect budget exhausted", "attempts", c.cfg.MaxReconnectAttempts)
				if c.OnDisconnect != nil {
					c.OnDisconnect(true)
				}
			}
			return
		}

		time.Sleep(delay)

		c.mu.Lock()
		if c.closed {
			c.reconnecting = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if err := c.dial(context.Background()); err != nil {
			c.log.Warn("Reconnect attempt failed", "attempt", b.attempt, "error", err)
			continue
		}

		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
		c.log.Info("Reconnected", "attempt", b.attempt)
		if c.OnReconnect != nil {
			c.OnReconnect()
		}
		c.flush()
		return
	}
}
