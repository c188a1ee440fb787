// Package realtime defines the Client interface for speech-to-speech
// conversation backends.
//
// A realtime backend is a voice AI service that accepts a continuous stream
// of raw audio and returns synthesised audio in a single stateful session,
// with server-side voice activity detection deciding when a turn starts and
// ends. The central abstraction is SessionHandle: a bidirectional,
// multiplexed channel carrying audio, VAD events, and tool calls.
//
// All implementations must be safe for concurrent use.
package realtime

import "context"

// EventType classifies the out-of-band events a session emits alongside
// audio.
type EventType int

const (
	// SpeechStarted means the backend's VAD detected the caller speaking.
	// On an active assistant turn this is the barge-in signal: the consumer
	// should flush any buffered playback immediately.
	SpeechStarted EventType = iota

	// SpeechStopped means the backend's VAD detected the end of caller
	// speech and will begin generating a response.
	SpeechStopped

	// SessionError carries a server-reported error event. The connection is
	// still open when it is emitted, but consumers treat it as fatal: the
	// bridge ends the call rather than continue a broken conversation.
	SessionError
)

// String returns a short name for logging.
func (t EventType) String() string {
	switch t {
	case SpeechStarted:
		return "speech_started"
	case SpeechStopped:
		return "speech_stopped"
	case SessionError:
		return "session_error"
	default:
		return "unknown"
	}
}

// Event is one out-of-band session event. Err is set only for SessionError.
type Event struct {
	Type EventType
	Err  error
}

// ToolDefinition describes one function the model may invoke during the
// session. Parameters is a JSON Schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCallHandler is invoked by the session whenever the model requests a
// tool call. It receives the tool name and a JSON-encoded arguments string
// and returns either a JSON result string (injected back into the session
// as tool output) or an error.
//
// The handler may be called from the session's internal receive goroutine —
// implementors must not call blocking session methods from within the
// handler to avoid deadlocks.
type ToolCallHandler func(name string, args string) (string, error)

// SessionConfig is the initial configuration for a new realtime session.
type SessionConfig struct {
	// Voice selects the synthesised voice. Empty uses the backend default.
	Voice string

	// Instructions is the system-level prompt defining the assistant's
	// persona and behavioural constraints.
	Instructions string

	// Tools is the set of tool definitions offered to the model for the
	// whole session.
	Tools []ToolDefinition

	// VADThreshold tunes the server-side voice activity detector. Higher
	// values require louder speech to trigger a turn; the useful range for
	// telephony audio is roughly 0.5 to 0.9.
	VADThreshold float64

	// PrefixPaddingMs is the amount of audio, in milliseconds, included
	// before detected speech onset.
	PrefixPaddingMs int

	// SilenceDurationMs is how long the caller must stay silent, in
	// milliseconds, before the backend considers the turn finished.
	SilenceDurationMs int
}

// SessionHandle represents an open realtime session. It is an interface so
// that test code can supply mock implementations without a live backend.
//
// The session is the hot path of a live call — every method must return
// quickly. Audio I/O is channel-based so neither direction can stall the
// caller's frame loop. All methods must be safe for concurrent use.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers a raw PCM16 chunk to the backend. The chunk must be
	// at the sample rate negotiated when the session was opened. Returns an
	// error if the session is closed or the write fails.
	SendAudio(chunk []byte) error

	// Audio returns a read-only channel emitting raw PCM16 byte slices as
	// the model synthesises its response. The channel is closed when the
	// session ends; call [SessionHandle.Err] afterwards to learn whether it
	// ended cleanly. Consumers must drain this channel promptly.
	Audio() <-chan []byte

	// Events returns a read-only channel emitting VAD and error events.
	// It is closed together with the Audio channel.
	Events() <-chan Event

	// Err returns the error that caused the session to terminate, or nil if
	// it ended cleanly. Valid after the Audio channel has closed.
	Err() error

	// Interrupt cancels the in-progress assistant response on the backend
	// and discards any synthesised audio already buffered on the Audio
	// channel. Called on barge-in: after Interrupt returns, no audio from
	// the cancelled response is delivered.
	Interrupt() error

	// OnToolCall registers the handler invoked when the model requests a
	// tool call. Only one handler can be active; calling OnToolCall again
	// replaces it, and nil clears it.
	OnToolCall(handler ToolCallHandler)

	// Close terminates the session, releases all resources, and closes the
	// Audio and Events channels. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Client is the abstraction over any realtime backend. Implementations must
// be safe for concurrent use: the bridge opens one session per live call.
type Client interface {
	// Connect establishes a new session with the given configuration. The
	// returned SessionHandle is ready to accept audio immediately. The
	// caller owns the handle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
