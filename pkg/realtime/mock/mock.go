// Package mock provides test doubles for the realtime package interfaces.
//
// Use Client to verify Connect calls and feed controlled sessions. Use
// Session to drive the bidirectional audio/event streams and inspect which
// methods the call orchestrator invoked.
//
// Example:
//
//	sess := &mock.Session{
//	    AudioCh:  make(chan []byte, 8),
//	    EventsCh: make(chan realtime.Event, 4),
//	}
//	c := &mock.Client{Session: sess}
//	handle, _ := c.Connect(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/javierd009/agente-portero-sub000/pkg/realtime"
)

// ConnectCall records a single invocation of Client.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg realtime.SessionConfig
}

// Client is a mock implementation of realtime.Client.
type Client struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect
	// returns a new default Session with buffered channels.
	Session realtime.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (c *Client) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ConnectCalls = append(c.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if c.ConnectErr != nil {
		return nil, c.ConnectErr
	}
	if c.Session != nil {
		return c.Session, nil
	}
	return NewSession(), nil
}

// Calls returns a copy of the recorded Connect calls. Thread-safe.
func (c *Client) Calls() []ConnectCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ConnectCall, len(c.ConnectCalls))
	copy(out, c.ConnectCalls)
	return out
}

// Ensure Client implements realtime.Client at compile time.
var _ realtime.Client = (*Client)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes that were passed to SendAudio.
	Chunk []byte
}

// Session is a mock implementation of realtime.SessionHandle. Callers should
// pre-populate AudioCh and EventsCh, then close them to signal
// end-of-session.
type Session struct {
	mu sync.Mutex

	// AudioCh is returned by Audio. Feed model audio by sending on it.
	AudioCh chan []byte

	// EventsCh is returned by Events. Feed VAD events by sending on it.
	EventsCh chan realtime.Event

	// SendAudioErr, if non-nil, is returned from SendAudio.
	SendAudioErr error

	// ErrVal is returned by Err.
	ErrVal error

	// SendAudioCalls records every SendAudio invocation in order.
	SendAudioCalls []SendAudioCall

	// ToolHandler is the handler registered via OnToolCall.
	ToolHandler realtime.ToolCallHandler

	// InterruptErr, if non-nil, is returned from Interrupt.
	InterruptErr error

	// InterruptCallCount is the number of times Interrupt was called.
	InterruptCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	closeOnce sync.Once
}

// NewSession returns a Session with buffered audio and event channels.
func NewSession() *Session {
	return &Session{
		AudioCh:  make(chan []byte, 64),
		EventsCh: make(chan realtime.Event, 16),
	}
}

// SendAudio records a copy of the chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	return s.SendAudioErr
}

// Audio returns AudioCh.
func (s *Session) Audio() <-chan []byte { return s.AudioCh }

// Events returns EventsCh.
func (s *Session) Events() <-chan realtime.Event { return s.EventsCh }

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// OnToolCall stores the handler for later inspection or invocation via
// InvokeTool.
func (s *Session) OnToolCall(handler realtime.ToolCallHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ToolHandler = handler
}

// InvokeTool calls the registered tool handler as the backend would.
// Returns the handler's result, or ("", nil) when no handler is set.
func (s *Session) InvokeTool(name, args string) (string, error) {
	s.mu.Lock()
	handler := s.ToolHandler
	s.mu.Unlock()
	if handler == nil {
		return "", nil
	}
	return handler(name, args)
}

// Interrupt records the call and discards anything buffered on AudioCh, the
// way the real backend stops streaming a cancelled response. Returns
// InterruptErr.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	s.InterruptCallCount++
	err := s.InterruptErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	for {
		select {
		case _, ok := <-s.AudioCh:
			if !ok {
				return nil
			}
		default:
			return nil
		}
	}
}

// InterruptCount returns how many times Interrupt was called. Thread-safe.
func (s *Session) InterruptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.InterruptCallCount
}

// SentAudio returns a copy of all recorded SendAudio calls. Thread-safe.
func (s *Session) SentAudio() []SendAudioCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SendAudioCall, len(s.SendAudioCalls))
	copy(out, s.SendAudioCalls)
	return out
}

// Close increments CloseCallCount and closes both channels exactly once.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	s.mu.Unlock()
	s.closeOnce.Do(func() {
		close(s.AudioCh)
		close(s.EventsCh)
	})
	return nil
}

// Ensure Session implements realtime.SessionHandle at compile time.
var _ realtime.SessionHandle = (*Session)(nil)
