// Package tools routes the model's function calls to backend tool servers.
//
// The central type is [Dispatcher], the boundary the call orchestrator talks
// to: it exposes the tool catalogue offered to the model and executes calls
// by name. The concrete implementation speaks the Model Context Protocol via
// the official Go SDK and is wrapped in a trip breaker so a dead backend
// fails calls fast instead of stalling live conversation turns.
package tools

import (
	"context"

	"github.com/javierd009/agente-portero-sub000/pkg/realtime"
)

// Transport selects the connection mechanism for a tool server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP
	// protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes how to connect to a single tool server.
type ServerConfig struct {
	// Name is the unique, human-readable identifier for this server. Used in
	// log messages and errors.
	Name string

	// Transport specifies the connection mechanism.
	Transport Transport

	// Command is the executable path and optional arguments used when
	// Transport is "stdio". Ignored otherwise.
	Command string

	// URL is the endpoint address used when Transport is "streamable-http".
	// Ignored otherwise.
	URL string

	// Env holds additional environment variables injected into the server
	// process when Transport is "stdio". May be nil.
	Env map[string]string
}

// Dispatcher executes tool calls on behalf of a realtime session.
//
// Implementations must be safe for concurrent use: every live call shares
// one dispatcher, and tool calls arrive on each session's receive goroutine.
type Dispatcher interface {
	// Definitions returns the tool catalogue to offer the model when a
	// session is opened.
	Definitions() []realtime.ToolDefinition

	// Invoke calls the named tool with JSON-encoded args and returns its
	// textual output. args must be a valid JSON object string; "{}" is valid
	// for parameter-less tools. Application-level tool failures are returned
	// as errors so the caller can report them back to the model.
	Invoke(ctx context.Context, name string, args string) (string, error)

	// Close shuts down all server connections. After Close returns the
	// Dispatcher must not be used again.
	Close() error
}
