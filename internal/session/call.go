// Package session runs the per-call bridge between one telephony connection
// and one realtime conversation session.
//
// Every accepted connection gets its own [Call]. The call owns four
// goroutines for its lifetime: the telephony reader (socket frames in), the
// realtime audio forwarder (model speech out), the event watcher (VAD and
// error events), and the playback scheduler pacing frames back onto the
// socket. The first goroutine to fail or finish tears down all of them.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/javierd009/agente-portero-sub000/internal/cdr"
	"github.com/javierd009/agente-portero-sub000/internal/observe"
	"github.com/javierd009/agente-portero-sub000/internal/tools"
	"github.com/javierd009/agente-portero-sub000/pkg/audio"
	"github.com/javierd009/agente-portero-sub000/pkg/audio/playback"
	"github.com/javierd009/agente-portero-sub000/pkg/audiosocket"
	"github.com/javierd009/agente-portero-sub000/pkg/realtime"
)

// State describes where a call is in its lifecycle. Transitions are strictly
// forward: Connecting, Active, Terminating, Closed.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateTerminating
	StateClosed
)

// String returns a short name for logging.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Disconnect reasons recorded in call detail records and metrics.
const (
	ReasonHangup     = "hangup"
	ReasonInactivity = "inactivity"
	ReasonDisconnect = "disconnect"
	ReasonShutdown   = "shutdown"
	ReasonError      = "error"
)

// Sentinel results of the telephony read loop. They mark the clean ways a
// call can end, as opposed to real errors.
var (
	errHangup       = errors.New("session: peer hangup")
	errInactivity   = errors.New("session: inactivity timeout")
	errDisconnected = errors.New("session: peer disconnected")
)

// Config carries the per-call audio and timing parameters plus the realtime
// session configuration forwarded to the backend.
type Config struct {
	// TelephonyRate is the sample rate of the socket leg in Hz.
	TelephonyRate int

	// RealtimeRate is the sample rate of the realtime backend in Hz.
	RealtimeRate int

	// FrameDuration is the wall-clock length of one telephony frame.
	FrameDuration time.Duration

	// GateThreshold is the RMS amplitude below which inbound frames are
	// replaced with silence. Zero disables the gate.
	GateThreshold float64

	// PrebufferFrames is the queue depth required before playback of an
	// assistant turn starts.
	PrebufferFrames int

	// MaxQueueFrames bounds the playback queue; the oldest frame is dropped
	// on overflow.
	MaxQueueFrames int

	// MaxSilenceFrames is how many missing frames the scheduler papers over
	// with silence before declaring the turn finished.
	MaxSilenceFrames int

	// InactivityTimeout ends the call when the telephony peer sends nothing
	// for this long.
	InactivityTimeout time.Duration

	// Session is passed to the realtime backend when the session opens.
	Session realtime.SessionConfig
}

func (c *Config) applyDefaults() {
	if c.TelephonyRate <= 0 {
		c.TelephonyRate = 8000
	}
	if c.RealtimeRate <= 0 {
		c.RealtimeRate = 24000
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
	if c.PrebufferFrames <= 0 {
		c.PrebufferFrames = 10
	}
	if c.MaxQueueFrames <= 0 {
		c.MaxQueueFrames = playback.DefaultMaxFrames
	}
	if c.MaxSilenceFrames <= 0 {
		c.MaxSilenceFrames = 40
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 30 * time.Second
	}
}

// Option configures optional Call collaborators.
type Option func(*Call)

// WithDispatcher wires a tool dispatcher into the call. Its definitions are
// offered to the model and its Invoke handles the model's tool calls.
func WithDispatcher(d tools.Dispatcher) Option {
	return func(c *Call) { c.dispatcher = d }
}

// WithCDR sets the call-detail-record store.
func WithCDR(store *cdr.Store) Option {
	return func(c *Call) { c.records = store }
}

// WithMetrics overrides the metrics instance, mainly for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Call) { c.metrics = m }
}

// WithLogger sets the base logger. Call-scoped attributes are added on top.
func WithLogger(log *slog.Logger) Option {
	return func(c *Call) { c.log = log }
}

// Call bridges one telephony connection to one realtime session.
type Call struct {
	channelID string
	conn      net.Conn
	client    realtime.Client
	cfg       Config

	dispatcher tools.Dispatcher
	records    *cdr.Store
	metrics    *observe.Metrics
	log        *slog.Logger

	queue *playback.Queue
	sched *playback.Scheduler
	gate  *audio.NoiseGate

	// writeMu serialises all writes to conn: audio frames from the
	// scheduler and the final hangup frame during teardown.
	writeMu sync.Mutex

	state    atomic.Int32
	framesIn atomic.Uint64

	// barge is bumped on every barge-in so the audio forwarder knows to
	// throw away its reframing remainder from the cancelled response.
	barge atomic.Uint64
}

// New creates a call for an already-identified telephony connection. The
// caller must have consumed the identifying message; channelID is its
// decoded value. Run does the rest.
func New(channelID string, conn net.Conn, client realtime.Client, cfg Config, opts ...Option) *Call {
	cfg.applyDefaults()

	c := &Call{
		channelID: channelID,
		conn:      conn,
		client:    client,
		cfg:       cfg,
		metrics:   observe.DefaultMetrics(),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("channel_id", channelID)

	c.queue = playback.NewQueue(cfg.MaxQueueFrames)
	c.sched = playback.NewScheduler(playback.Config{
		FrameBytes:       audio.FrameBytes(cfg.TelephonyRate, cfg.FrameDuration),
		FrameDuration:    cfg.FrameDuration,
		PrebufferFrames:  cfg.PrebufferFrames,
		MaxSilenceFrames: cfg.MaxSilenceFrames,
	}, c.queue, c.writeAudio)
	c.gate = audio.NewNoiseGate(cfg.GateThreshold)
	return c
}

// ChannelID returns the switch-assigned channel identifier.
func (c *Call) ChannelID() string { return c.channelID }

// State returns the call's current lifecycle state.
func (c *Call) State() State { return State(c.state.Load()) }

// FramesIn returns how many audio frames the telephony peer has sent.
func (c *Call) FramesIn() uint64 { return c.framesIn.Load() }

// FramesOut returns how many audio frames have been written to the peer.
func (c *Call) FramesOut() uint64 { return c.sched.FramesSent() }

func (c *Call) setState(s State) {
	c.state.Store(int32(s))
}

// Run drives the call until the peer hangs up, the inactivity timeout fires,
// either leg fails, or ctx is cancelled. It blocks for the call's lifetime
// and always leaves the call in StateClosed with the connection's realtime
// session closed. Clean endings (hangup, inactivity, peer disconnect) return
// nil; everything else returns the terminating error.
//
// Run does not close conn; the accept loop owns the socket.
func (c *Call) Run(ctx context.Context) error {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "call.run",
		trace.WithAttributes(attribute.String("call.channel_id", c.channelID)))
	defer span.End()

	c.setState(StateConnecting)
	c.log.Info("call starting", "remote", remoteAddr(c.conn))

	c.metrics.ActiveCalls.Add(ctx, 1)
	defer c.metrics.ActiveCalls.Add(context.WithoutCancel(ctx), -1)

	if err := c.records.Begin(ctx, c.channelID, remoteAddr(c.conn), start); err != nil {
		c.log.Warn("cdr begin failed", "err", err)
	}

	sessCfg := c.cfg.Session
	if c.dispatcher != nil {
		sessCfg.Tools = append(sessCfg.Tools, c.dispatcher.Definitions()...)
	}

	connectStart := time.Now()
	sess, err := c.client.Connect(ctx, sessCfg)
	if err != nil {
		err = fmt.Errorf("session %s: connect realtime: %w", c.channelID, err)
		c.finish(ctx, start, ReasonError)
		return err
	}
	c.metrics.RealtimeConnectDuration.Record(ctx, time.Since(connectStart).Seconds())

	if c.dispatcher != nil {
		sess.OnToolCall(c.toolHandler(ctx))
	}

	c.setState(StateActive)
	c.log.Info("call active")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readTelephony(gctx, sess) })
	g.Go(func() error { return c.forwardRealtimeAudio(gctx, sess) })
	g.Go(func() error { return c.watchEvents(gctx, sess) })
	g.Go(func() error { return c.runScheduler(gctx) })

	err = g.Wait()
	c.setState(StateTerminating)
	reason := reasonFor(err)

	// The peer is still listening unless it ended the call itself, so tell
	// it we are done.
	if reason != ReasonHangup && reason != ReasonDisconnect {
		c.sendHangup()
	}
	if cerr := sess.Close(); cerr != nil {
		c.log.Warn("realtime session close failed", "err", cerr)
	}

	c.finish(ctx, start, reason)

	switch {
	case err == nil, errors.Is(err, errHangup), errors.Is(err, errInactivity), errors.Is(err, errDisconnected):
		return nil
	default:
		return err
	}
}

// finish records end-of-call metrics and the call detail record, then moves
// the call to StateClosed. It uses a detached context so that teardown still
// reports when the server is shutting down.
func (c *Call) finish(ctx context.Context, start time.Time, reason string) {
	base := context.WithoutCancel(ctx)
	duration := time.Since(start)

	c.metrics.RecordCallEnd(base, reason, duration.Seconds())
	if dropped := c.queue.Dropped(); dropped > 0 {
		c.metrics.QueueDrops.Add(base, int64(dropped))
	}
	if gated := c.gate.Gated(); gated > 0 {
		c.metrics.GatedFrames.Add(base, int64(gated))
	}

	finishCtx, cancel := context.WithTimeout(base, 5*time.Second)
	defer cancel()
	if err := c.records.Finish(finishCtx, c.channelID, reason,
		c.framesIn.Load(), c.sched.FramesSent(), c.queue.Dropped(), time.Now()); err != nil {
		c.log.Warn("cdr finish failed", "err", err)
	}

	c.setState(StateClosed)
	c.log.Info("call ended", "reason", reason, "duration", duration,
		"frames_in", c.framesIn.Load(), "frames_out", c.sched.FramesSent(),
		"frames_dropped", c.queue.Dropped())
}

// readTelephony consumes socket frames until hangup, timeout, or error.
// Inbound audio is gated, upsampled, and sent to the realtime session.
func (c *Call) readTelephony(ctx context.Context, sess realtime.SessionHandle) error {
	up := audio.NewResampler(c.cfg.TelephonyRate, c.cfg.RealtimeRate)

	// Unblock the pending read immediately when a sibling goroutine fails,
	// instead of waiting out the inactivity deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.InactivityTimeout)); err != nil {
			return fmt.Errorf("session %s: set read deadline: %w", c.channelID, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msg, err := audiosocket.NextMessage(c.conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var nerr net.Error
			switch {
			case errors.As(err, &nerr) && nerr.Timeout():
				return errInactivity
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
				return errDisconnected
			case errors.Is(err, audiosocket.ErrProtocol):
				c.metrics.ProtocolErrors.Add(ctx, 1)
				return fmt.Errorf("session %s: read frame: %w", c.channelID, err)
			default:
				return fmt.Errorf("session %s: read frame: %w", c.channelID, err)
			}
		}

		switch msg.Kind() {
		case audiosocket.KindHangup:
			return errHangup

		case audiosocket.KindAudio:
			c.framesIn.Add(1)
			c.metrics.FramesIn.Add(ctx, 1)
			pcm := c.gate.Apply(msg.Payload())
			if err := sess.SendAudio(up.Resample(pcm)); err != nil {
				return fmt.Errorf("session %s: send audio: %w", c.channelID, err)
			}

		case audiosocket.KindError:
			c.metrics.ProtocolErrors.Add(ctx, 1)
			c.log.Warn("error frame from telephony peer", "payload", fmt.Sprintf("%x", msg.Payload()))

		case audiosocket.KindID:
			// The identifying message was consumed during the handshake; a
			// second one is a peer bug but not worth killing the call over.
			c.log.Warn("unexpected id frame mid-call")
		}
	}
}

// forwardRealtimeAudio drains the session's audio channel, downsamples each
// chunk to the telephony rate, reframes it, and queues it for playback.
// Chunk boundaries from the backend rarely align with frame boundaries, so a
// remainder carries over between chunks.
func (c *Call) forwardRealtimeAudio(ctx context.Context, sess realtime.SessionHandle) error {
	down := audio.NewResampler(c.cfg.RealtimeRate, c.cfg.TelephonyRate)
	frameBytes := audio.FrameBytes(c.cfg.TelephonyRate, c.cfg.FrameDuration)

	var pending []byte
	lastBarge := c.barge.Load()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case chunk, ok := <-sess.Audio():
			if !ok {
				if err := sess.Err(); err != nil {
					return fmt.Errorf("session %s: realtime session failed: %w", c.channelID, err)
				}
				return fmt.Errorf("session %s: realtime session closed", c.channelID)
			}
			// After a barge-in the remainder belongs to the cancelled
			// response; this chunk opens the next one.
			if gen := c.barge.Load(); gen != lastBarge {
				lastBarge = gen
				pending = pending[:0]
			}
			pending = append(pending, down.Resample(chunk)...)
			for len(pending) >= frameBytes {
				frame := make([]byte, frameBytes)
				copy(frame, pending)
				pending = pending[frameBytes:]
				c.queue.Push(frame)
			}
		}
	}
}

// watchEvents reacts to VAD and error events from the realtime session. A
// speech-start is a barge-in: the backend response is cancelled and every
// stage of the playback pipeline (session buffer, reframing remainder,
// queue) is flushed so the caller talks over silence, not a stale reply.
// A server-reported error event ends the call.
func (c *Call) watchEvents(ctx context.Context, sess realtime.SessionHandle) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-sess.Events():
			if !ok {
				return nil
			}
			switch evt.Type {
			case realtime.SpeechStarted:
				if err := sess.Interrupt(); err != nil {
					c.log.Warn("response cancel failed", "err", err)
				}
				c.barge.Add(1)
				c.sched.Interrupt()
				c.metrics.BargeIns.Add(ctx, 1)
				c.log.Debug("caller speech started, playback flushed")
			case realtime.SpeechStopped:
				c.log.Debug("caller speech stopped")
			case realtime.SessionError:
				return fmt.Errorf("session %s: realtime error event: %w", c.channelID, evt.Err)
			}
		}
	}
}

func (c *Call) runScheduler(ctx context.Context) error {
	err := c.sched.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("session %s: playback: %w", c.channelID, err)
	}
	return err
}

// toolHandler adapts the dispatcher to the session's tool-call callback,
// recording per-tool metrics.
func (c *Call) toolHandler(ctx context.Context) realtime.ToolCallHandler {
	return func(name, args string) (string, error) {
		start := time.Now()
		callCtx, span := observe.StartSpan(ctx, "tool.invoke",
			trace.WithAttributes(attribute.String("tool.name", name)))
		out, err := c.dispatcher.Invoke(callCtx, name, args)
		span.End()

		status := "ok"
		if err != nil {
			status = "error"
		}
		c.metrics.RecordToolCall(ctx, name, status, time.Since(start).Seconds())

		if err != nil {
			c.log.Warn("tool call failed", "tool", name, "err", err)
			return "", err
		}
		c.log.Info("tool call completed", "tool", name, "duration", time.Since(start))
		return out, nil
	}
}

// writeAudio is the scheduler's output: one paced frame onto the socket.
func (c *Call) writeAudio(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := c.conn.Write(audiosocket.AudioMessage(frame)); err != nil {
		return fmt.Errorf("session %s: write audio: %w", c.channelID, err)
	}
	c.metrics.FramesOut.Add(context.Background(), 1)
	return nil
}

// sendHangup makes a best-effort attempt to notify the peer that the call is
// over. Errors are ignored: the connection may already be gone.
func (c *Call) sendHangup() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = c.conn.Write(audiosocket.HangupMessage())
}

func reasonFor(err error) string {
	switch {
	case err == nil, errors.Is(err, errHangup):
		return ReasonHangup
	case errors.Is(err, errInactivity):
		return ReasonInactivity
	case errors.Is(err, errDisconnected):
		return ReasonDisconnect
	case errors.Is(err, context.Canceled):
		return ReasonShutdown
	default:
		return ReasonError
	}
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
