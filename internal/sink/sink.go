// Package sink implements the receiving side of the risk event link: a
// TCP server that accepts client connections, parses newline-delimited
// JSON messages, logs them, and optionally persists them. It exists for
// integration testing and development against the real wire protocol.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/setevik/bdslink/internal/store"
	"github.com/setevik/bdslink/internal/wire"
)

// Handler receives every successfully parsed message along with the
// remote address it arrived from.
type Handler func(env *wire.Envelope, remote net.Addr)

// Server accepts risk link connections and consumes their messages.
// Multiple concurrent clients are supported; each connection is read on
// its own goroutine until the client disconnects.
type Server struct {
	addr    string
	db      *store.DB
	handler Handler

	mu     sync.Mutex
	ln     net.Listener
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithStore persists every received message to the given store.
func WithStore(db *store.DB) Option {
	return func(s *Server) { s.db = db }
}

// WithHandler registers a callback invoked for every parsed message.
func WithHandler(h Handler) Option {
	return func(s *Server) { s.handler = h }
}

// New creates a sink server that will listen on addr (host:port).
func New(addr string, opts ...Option) *Server {
	s := &Server{addr: addr}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the listener and begins accepting connections in the
// background. The returned error covers bind failures only; per-connection
// errors are logged and do not stop the server.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}

	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.ln = ln
	s.cancel = cancel
	s.mu.Unlock()

	slog.Info("sink listening", "addr", ln.Addr())

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)
	return nil
}

// Addr returns the bound listener address, useful when listening on
// port 0. Returns nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listener and every open connection, then waits for the
// handlers to finish. Idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.ln != nil {
		s.ln.Close()
		s.ln = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()

	// Close the listener when the context ends so Accept unblocks.
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("accept failed", "error", err)
			continue
		}

		slog.Info("client connected", "remote", conn.RemoteAddr())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn reads newline-framed messages until the client disconnects
// or the server shuts down.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	remote := conn.RemoteAddr()

	sc := wire.NewScanner(conn)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		env, err := wire.ParseLine(line)
		if err != nil {
			slog.Warn("dropping malformed message", "remote", remote, "error", err)
			continue
		}

		s.logMessage(env, remote)

		if s.db != nil {
			if err := s.db.Insert(env, remote.String()); err != nil {
				slog.Error("failed to store message", "error", err)
			}
		}
		if s.handler != nil {
			s.handler(env, remote)
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Warn("connection read failed", "remote", remote, "error", err)
	}

	slog.Info("client disconnected", "remote", remote)
}

func (s *Server) logMessage(env *wire.Envelope, remote net.Addr) {
	ts := env.Time().Format("15:04:05.000")

	switch env.Type {
	case wire.TypeEvent:
		attrs := []any{
			"time", ts,
			"remote", remote,
			"event", env.Name,
			"result", env.Result,
			"distance_m", env.Distance,
			"relative_speed_ms", env.RelativeSpeed,
			"risk_score", env.RiskScore,
		}
		if env.TTC != nil {
			attrs = append(attrs, "ttc_s", *env.TTC)
		}
		slog.Info("risk event", attrs...)
	case wire.TypeHeartbeat:
		slog.Info("heartbeat", "time", ts, "remote", remote, "status", env.Status)
	case wire.TypeConnection:
		slog.Info("connection status", "time", ts, "remote", remote, "status", env.Status)
	default:
		slog.Warn("unknown message type", "time", ts, "remote", remote, "type", env.Type)
	}
}
