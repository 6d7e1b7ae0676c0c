// Package transport owns the persistent websocket channel to the relay
// server: connect, read pump, send, and the reconnect/backoff state
// machine.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dispatch-voice-relay/internal/logging"
	"github.com/dispatch-voice-relay/internal/metrics"
)

// ErrUnavailable is returned by Send when the channel is not connected.
// Frames are never buffered here; durability is the pending store's job.
var ErrUnavailable = errors.New("transport: channel not connected")

// State is the transport channel lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	// Failed is terminal until an explicit external reset such as the
	// host application regaining foreground visibility.
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn is the subset of *websocket.Conn the channel uses. Tests substitute
// scripted connections.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a Conn to the relay. The production implementation wraps
// websocket.Dialer; tests provide fakes.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Conn, error)
}

type wsDialer struct{ d *websocket.Dialer }

func (w wsDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	c, _, err := w.d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewWebsocketDialer returns the production Dialer.
func NewWebsocketDialer(handshakeTimeout time.Duration) Dialer {
	return wsDialer{d: &websocket.Dialer{HandshakeTimeout: handshakeTimeout}}
}

// Options configures a Channel.
type Options struct {
	URL string
	// Base is the initial reconnect delay, doubled per failed attempt.
	Base time.Duration
	// Cap bounds the reconnect delay.
	Cap time.Duration
	// MaxAttempts is the automatic reconnect budget.
	MaxAttempts int
	// OnFrame receives every raw inbound frame. Called from the read
	// pump goroutine; must not block for long.
	OnFrame func(raw []byte)
	// OnState, if set, observes every state transition.
	OnState func(State)

	Dialer  Dialer
	Metrics *metrics.Metrics
}

// Channel is the Transport Channel Manager. One instance per logical
// channel; audio and text channels own independent instances.
type Channel struct {
	opts Options

	mu        sync.Mutex
	state     State
	attempts  int
	nextDelay time.Duration
	timer     *time.Timer
	conn      Conn
	gen       uint64
	closed    bool

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewChannel creates a Channel in the disconnected state. Call Connect to
// open it.
func NewChannel(opts Options) (*Channel, error) {
	if opts.URL == "" {
		return nil, errors.New("transport: url is required")
	}
	if opts.Base <= 0 || opts.Cap < opts.Base || opts.MaxAttempts <= 0 {
		return nil, fmt.Errorf("transport: bad backoff options base=%v cap=%v max=%d", opts.Base, opts.Cap, opts.MaxAttempts)
	}
	if opts.Dialer == nil {
		opts.Dialer = NewWebsocketDialer(10 * time.Second)
	}
	return &Channel{opts: opts, state: Disconnected, nextDelay: opts.Base}, nil
}

// State returns the current channel state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the current reconnect attempt count.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Channel) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	logging.Debugw("transport: state change", logging.ChannelFields(c.opts.URL, s.String())...)
	if c.opts.OnState != nil {
		// Callback without the lock to avoid deadlocks on re-entry.
		cb := c.opts.OnState
		go cb(s)
	}
}

// Connect opens the channel. It is a no-op if a connection attempt is
// already in flight or the channel is connected; duplicate sockets are a
// real defect class this guards against.
func (c *Channel) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state == Connecting || c.state == Connected {
		return
	}
	c.startConnectLocked()
}

// startConnectLocked cancels any pending reconnect timer and dials.
func (c *Channel) startConnectLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.setStateLocked(Connecting)
	c.gen++
	gen := c.gen
	logging.Infow("transport: connecting", "url", c.opts.URL, "attempt", c.attempts+1)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		conn, err := c.opts.Dialer.DialContext(ctx, c.opts.URL)

		c.mu.Lock()
		if c.closed || gen != c.gen {
			c.mu.Unlock()
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			logging.Warnw("transport: dial failed", "url", c.opts.URL, "err", err)
			c.scheduleReconnectLocked()
			c.mu.Unlock()
			return
		}
		c.conn = conn
		c.attempts = 0
		c.nextDelay = c.opts.Base
		c.setStateLocked(Connected)
		c.mu.Unlock()

		if c.opts.Metrics != nil {
			c.opts.Metrics.ChannelConnects.Inc()
		}
		logging.Infow("transport: connected", "url", c.opts.URL)

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.readPump(conn, gen)
		}()
	}()
}

// readPump delivers inbound frames until the connection errors, then hands
// control back to the reconnect machinery.
func (c *Channel) readPump(conn Conn, gen uint64) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		if c.opts.Metrics != nil {
			c.opts.Metrics.FramesReceived.Inc()
		}
		if c.opts.OnFrame != nil {
			c.opts.OnFrame(raw)
		}
	}
}

// handleClose reacts to a connection loss. A stale generation means a
// newer connection already replaced this one; do nothing.
func (c *Channel) handleClose(gen uint64, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen {
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	logging.Warnw("transport: connection closed", "url", c.opts.URL, "err", cause)
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the single reconnect timer. A close event
// arriving while a timer is already pending never spawns a second timer.
func (c *Channel) scheduleReconnectLocked() {
	if c.timer != nil {
		return
	}
	if c.attempts >= c.opts.MaxAttempts {
		logging.Errorw("transport: reconnect budget exhausted", "url", c.opts.URL, "attempts", c.attempts)
		c.setStateLocked(Failed)
		return
	}
	c.attempts++
	delay := c.opts.Base << (c.attempts - 1)
	if delay > c.opts.Cap || delay <= 0 {
		delay = c.opts.Cap
	}
	c.nextDelay = delay
	c.setStateLocked(Reconnecting)
	if c.opts.Metrics != nil {
		c.opts.Metrics.ReconnectAttempts.Inc()
	}
	logging.Infow("transport: scheduling reconnect", "url", c.opts.URL, "attempt", c.attempts, "max", c.opts.MaxAttempts, "delay", delay)
	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.timer = nil
		if c.closed || c.state != Reconnecting {
			return
		}
		c.startConnectLocked()
	})
}

// ForegroundReset forces an immediate reconnect attempt with a fresh
// attempt budget, bypassing backoff. Invoked when the host application
// regains foreground visibility; also clears the Failed state.
func (c *Channel) ForegroundReset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state == Connected {
		return
	}
	c.attempts = 0
	c.nextDelay = c.opts.Base
	logging.Infow("transport: foreground reset, reconnecting now", "url", c.opts.URL)
	c.startConnectLocked()
}

// Send marshals frame and writes it to the channel. Returns ErrUnavailable
// when the channel is not connected; the frame is dropped, not buffered.
func (c *Channel) Send(frame interface{}) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == Connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrUnavailable
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("transport: marshal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("transport: write frame: %w", err)
	}
	if c.opts.Metrics != nil {
		c.opts.Metrics.FramesSent.Inc()
	}
	return nil
}

// Close tears the channel down. No reconnects happen afterwards.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	c.gen++
	c.setStateLocked(Disconnected)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
	return nil
}
