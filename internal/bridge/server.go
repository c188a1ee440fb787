// Package bridge accepts telephony connections and hands each one to a
// per-call session.
//
// The wire protocol is message-framed PCM over plain TCP: the switch dials
// in, identifies the channel in its first message, and from then on the
// connection carries interleaved audio both ways until either side hangs up.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/javierd009/agente-portero-sub000/internal/observe"
	"github.com/javierd009/agente-portero-sub000/internal/session"
	"github.com/javierd009/agente-portero-sub000/pkg/audiosocket"
	"github.com/javierd009/agente-portero-sub000/pkg/realtime"
)

const defaultHandshakeTimeout = 5 * time.Second

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's base logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics overrides the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHandshakeTimeout bounds how long a new connection may take to send its
// identifying message.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) { s.handshakeTimeout = d }
}

// WithCallOptions forwards options to every call the server creates, such as
// the tool dispatcher and the CDR store.
func WithCallOptions(opts ...session.Option) Option {
	return func(s *Server) { s.callOpts = opts }
}

// Server listens for telephony connections and runs one [session.Call] per
// accepted socket.
type Server struct {
	addr    string
	client  realtime.Client
	callCfg session.Config

	callOpts         []session.Option
	handshakeTimeout time.Duration
	log              *slog.Logger
	metrics          *observe.Metrics

	registry *Registry

	mu       sync.Mutex
	ln       net.Listener
	wg       sync.WaitGroup
	shutdown atomic.Bool
}

// NewServer creates a server that will listen on addr and open one realtime
// session per call through client. callCfg is copied into every call.
func NewServer(addr string, client realtime.Client, callCfg session.Config, opts ...Option) *Server {
	s := &Server{
		addr:             addr,
		client:           client,
		callCfg:          callCfg,
		handshakeTimeout: defaultHandshakeTimeout,
		log:              slog.Default(),
		metrics:          observe.DefaultMetrics(),
		registry:         NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry exposes the live-call registry, e.g. for readiness checks.
func (s *Server) Registry() *Registry { return s.registry }

// SetSessionConfig replaces the realtime session settings used for new calls.
// Calls already in flight keep the settings they started with.
func (s *Server) SetSessionConfig(cfg realtime.SessionConfig) {
	s.mu.Lock()
	s.callCfg.Session = cfg
	s.mu.Unlock()
}

// Listen binds the TCP listener. It must be called before Serve; splitting
// the two lets callers learn the bound address when listening on port 0.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bridge: listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the listener's address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled or Shutdown is called,
// then waits for all live calls to finish. Calls observe the same ctx, so
// cancelling it hangs up every call.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.ln
		s.mu.Unlock()
	}

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.log.Info("telephony bridge listening", "addr", ln.Addr())

	var serveErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.shutdown.Load() || errors.Is(err, net.ErrClosed) {
				break
			}
			serveErr = fmt.Errorf("bridge: accept: %w", err)
			break
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			// Frames are small and latency-critical; never batch them.
			_ = tcp.SetNoDelay(true)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}

	s.wg.Wait()
	return serveErr
}

// Shutdown stops accepting connections and waits for live calls to drain,
// bounded by ctx. The calls themselves end when the ctx passed to Serve is
// cancelled; Shutdown only closes the listener and waits.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdown.Swap(true) {
		return nil
	}
	s.mu.Lock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bridge: shutdown: %w", ctx.Err())
	}
}

// handle performs the identification handshake and runs the call. It owns
// conn and always closes it.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	channelID, err := s.handshake(conn)
	if err != nil {
		s.metrics.ProtocolErrors.Add(ctx, 1)
		s.log.Warn("handshake failed", "remote", conn.RemoteAddr(), "err", err)
		return
	}

	s.mu.Lock()
	cfg := s.callCfg
	s.mu.Unlock()

	call := session.New(channelID, conn, s.client, cfg, s.callOpts...)
	if err := s.registry.Add(call); err != nil {
		s.rejectConn(conn, "duplicate channel id")
		s.log.Warn("rejected connection", "remote", conn.RemoteAddr(),
			"channel_id", channelID, "err", err)
		return
	}
	defer s.registry.Remove(channelID)

	if err := call.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("call failed", "channel_id", channelID, "err", err)
	}
}

// handshake reads the identifying message that must open every connection.
func (s *Server) handshake(conn net.Conn) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout)); err != nil {
		return "", fmt.Errorf("set handshake deadline: %w", err)
	}

	msg, err := audiosocket.NextMessage(conn)
	if err != nil {
		s.rejectConn(conn, "expected channel id")
		return "", fmt.Errorf("read id message: %w", err)
	}
	if msg.Kind() != audiosocket.KindID {
		s.rejectConn(conn, "expected channel id")
		return "", fmt.Errorf("first message is %v, want id", msg.Kind())
	}
	id, err := audiosocket.DecodeID(msg)
	if err != nil {
		s.rejectConn(conn, "malformed channel id")
		return "", fmt.Errorf("decode channel id: %w", err)
	}

	// The call manages its own read deadlines from here.
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return "", fmt.Errorf("clear handshake deadline: %w", err)
	}
	return id, nil
}

// rejectConn makes a best-effort attempt to tell the peer why it is being
// dropped before the deferred close.
func (s *Server) rejectConn(conn net.Conn, diag string) {
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = conn.Write(audiosocket.ErrorMessage([]byte(diag)))
}
