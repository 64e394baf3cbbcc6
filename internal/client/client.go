// Package client implements the risk event delivery link: a persistent
// outbound TCP connection that streams newline-delimited JSON messages to
// a monitoring server, with automatic reconnection and periodic heartbeats.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/setevik/bdslink/internal/wire"
)

// ErrNotConnected is returned by send operations while the link is down.
// The reconnect supervisor keeps retrying; callers may simply try again.
var ErrNotConnected = errors.New("link not connected")

// State is the connection state of the client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Default configuration values.
const (
	DefaultHost              = "localhost"
	DefaultPort              = 5200
	DefaultReconnectInterval = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	defaultConnectTimeout    = 5 * time.Second
	defaultWriteTimeout      = 2 * time.Second
	defaultMinSendInterval   = time.Second
)

// Config holds the client settings, fixed at construction. Zero fields
// take their defaults.
type Config struct {
	Host              string
	Port              int
	ReconnectInterval time.Duration
	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	// MinSendInterval suppresses repeat events carrying the same risk
	// level inside the interval. Zero keeps the default; negative
	// disables suppression.
	MinSendInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.MinSendInterval == 0 {
		c.MinSendInterval = defaultMinSendInterval
	}
	return c
}

func (c Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	for _, r := range c.Host {
		if r == ':' || r == '/' || r == ' ' {
			return fmt.Errorf("malformed host %q", c.Host)
		}
	}
	if c.ReconnectInterval < 0 || c.HeartbeatInterval < 0 {
		return fmt.Errorf("intervals must be positive")
	}
	return nil
}

// Client maintains a best-effort persistent connection to the monitoring
// server. All socket writes are serialized through a single mutex so
// heartbeats, status messages and events never interleave on the wire.
type Client struct {
	cfg  Config
	addr string

	state atomic.Int32

	mu         sync.Mutex // guards conn, running, cancel and every write
	conn       net.Conn
	running    bool
	cancel     context.CancelFunc
	lastResult wire.RiskLevel
	haveLast   bool
	lastSendAt time.Time

	sent     atomic.Uint64
	failed   atomic.Uint64
	connects atomic.Uint64

	wg sync.WaitGroup
}

// New creates a client for the given configuration. Malformed host or
// port is a construction-time error; no retry can fix it.
func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	return &Client{
		cfg:  cfg,
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
	}, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Addr returns the configured remote endpoint.
func (c *Client) Addr() string {
	return c.addr
}

// Start attempts an initial connection and launches the reconnect
// supervisor and heartbeat loop. A failed initial attempt is not an
// error; the supervisor retries every ReconnectInterval indefinitely.
// Start is a no-op if the client is already running.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		slog.Warn("initial connect failed, will retry",
			"addr", c.addr, "retry_in", c.cfg.ReconnectInterval, "error", err)
	}

	c.wg.Add(2)
	go c.reconnectLoop(ctx)
	go c.heartbeatLoop(ctx)

	slog.Info("risk event client started",
		"addr", c.addr,
		"reconnect_interval", c.cfg.ReconnectInterval,
		"heartbeat_interval", c.cfg.HeartbeatInterval,
	)
}

// Stop cancels the background loops, sends a best-effort disconnected
// status, and closes the socket. Idempotent.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.cancel != nil {
		// Cancel under the lock so an in-flight dial cannot install a
		// socket after we close up.
		c.cancel()
		c.cancel = nil
	}
	c.running = false

	if c.conn != nil {
		// Best effort goodbye; the socket is closing either way.
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		_ = wire.Encode(c.conn, wire.NewConnection(wire.StatusDisconnected))
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state.Store(int32(StateDisconnected))
	c.mu.Unlock()

	c.wg.Wait()
}

// Connect makes a single connection attempt. On success the client
// transitions to CONNECTED and emits a connection status message.
func (c *Client) Connect() error {
	return c.connect(context.Background())
}

func (c *Client) connect(ctx context.Context) error {
	if c.State() == StateConnected {
		return nil
	}
	c.state.Store(int32(StateConnecting))

	d := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("connecting to %s: %w", c.addr, err)
	}

	c.mu.Lock()
	if ctx.Err() != nil {
		// Stopped while dialing; do not install the socket.
		conn.Close()
		c.state.Store(int32(StateDisconnected))
		c.mu.Unlock()
		return ctx.Err()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.state.Store(int32(StateConnected))
	c.connects.Add(1)
	err = c.writeLocked(wire.NewConnection(wire.StatusConnected))
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("announcing connection: %w", err)
	}
	slog.Info("connected to monitoring server", "addr", c.addr)
	return nil
}

// SendRiskEvent builds an event message stamped with the current wall
// clock and transmits it. A nil return means the event was delivered to
// the transport (or suppressed as a duplicate within MinSendInterval).
// Transport failures move the client to DISCONNECTED and are returned as
// ordinary errors; the reconnect supervisor handles recovery.
func (c *Client) SendRiskEvent(name string, level wire.RiskLevel, distance, relativeSpeed, ttc, riskScore float64) error {
	ev := wire.NewEvent(name, level, distance, relativeSpeed, ttc, riskScore)
	if err := ev.Validate(); err != nil {
		slog.Warn("rejecting unserializable event", "event", name, "error", err)
		return fmt.Errorf("invalid event: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.haveLast && level == c.lastResult && c.cfg.MinSendInterval > 0 &&
		time.Since(c.lastSendAt) < c.cfg.MinSendInterval {
		slog.Debug("suppressing duplicate risk level", "level", level)
		return nil
	}

	if err := c.writeLocked(ev); err != nil {
		return err
	}
	c.lastResult = level
	c.haveLast = true
	c.lastSendAt = time.Now()
	return nil
}

// writeLocked serializes v onto the socket. Callers must hold mu. A write
// failure closes the socket and transitions to DISCONNECTED; recovery is
// left to the reconnect supervisor.
func (c *Client) writeLocked(v any) error {
	if c.conn == nil {
		c.failed.Add(1)
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := wire.Encode(c.conn, v); err != nil {
		slog.Warn("link write failed, dropping connection", "addr", c.addr, "error", err)
		c.conn.Close()
		c.conn = nil
		c.state.Store(int32(StateDisconnected))
		c.failed.Add(1)
		return err
	}
	c.sent.Add(1)
	return nil
}

// reconnectLoop retries the connection every ReconnectInterval while the
// link is down. There is no retry cap: a monitoring-link outage must
// never stall the risk computation that feeds this client.
func (c *Client) reconnectLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.ReconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() == StateConnected {
				continue
			}
			slog.Info("reconnecting", "addr", c.addr)
			if err := c.connect(ctx); err != nil {
				slog.Warn("reconnect failed", "addr", c.addr,
					"retry_in", c.cfg.ReconnectInterval, "error", err)
			}
		}
	}
}

// heartbeatLoop emits a liveness message every HeartbeatInterval while
// connected. A failed heartbeat is an ordinary write failure: it drops
// the connection and the supervisor takes over.
func (c *Client) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateConnected {
				continue
			}
			c.mu.Lock()
			err := c.writeLocked(wire.NewHeartbeat())
			c.mu.Unlock()
			if err != nil {
				slog.Warn("heartbeat failed", "error", err)
			} else {
				slog.Debug("heartbeat sent")
			}
		}
	}
}

// Status is a point-in-time snapshot of the client.
type Status struct {
	State      State
	Addr       string
	Running    bool
	LastResult string
	LastSendAt time.Time
	Sent       uint64
	Failed     uint64
	Connects   uint64
}

// Status returns a snapshot of the link state and send counters.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:      c.State(),
		Addr:       c.addr,
		Running:    c.running,
		LastSendAt: c.lastSendAt,
		Sent:       c.sent.Load(),
		Failed:     c.failed.Load(),
		Connects:   c.connects.Load(),
	}
	if c.haveLast {
		st.LastResult = c.lastResult.String()
	}
	return st
}
