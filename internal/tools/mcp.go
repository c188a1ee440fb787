package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/javierd009/agente-portero-sub000/pkg/realtime"
)

// Compile-time check: MCPDispatcher must implement Dispatcher.
var _ Dispatcher = (*MCPDispatcher)(nil)

// toolEntry binds a discovered tool to the server that serves it.
type toolEntry struct {
	def        realtime.ToolDefinition
	serverName string
}

// serverConn holds a live session with an external tool server.
type serverConn struct {
	session *mcpsdk.ClientSession
}

// MCPDispatcher is a Dispatcher backed by one or more MCP servers.
//
// It connects via stdio or streamable-HTTP transports using the official MCP
// Go SDK, keeps a concurrent-safe in-memory tool registry, and guards every
// call with a per-server trip breaker.
//
// The zero value is NOT usable; create instances with [NewMCPDispatcher].
type MCPDispatcher struct {
	mu       sync.RWMutex
	tools    map[string]toolEntry  // key: tool name
	servers  map[string]serverConn // key: server name
	breakers map[string]*Breaker   // key: server name

	// client is reused across all server connections. The official SDK
	// allows a single Client to manage multiple sessions concurrently.
	client *mcpsdk.Client

	callTimeout time.Duration
}

// defaultCallTimeout bounds a single tool call. A turn that waits longer
// than this for a tool has already lost the caller.
const defaultCallTimeout = 10 * time.Second

// NewMCPDispatcher creates an empty dispatcher. Connect servers with
// [MCPDispatcher.RegisterServer].
func NewMCPDispatcher() *MCPDispatcher {
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "portero-tools", Version: "1.0.0"},
		nil,
	)
	return &MCPDispatcher{
		tools:       make(map[string]toolEntry),
		servers:     make(map[string]serverConn),
		breakers:    make(map[string]*Breaker),
		client:      client,
		callTimeout: defaultCallTimeout,
	}
}

// RegisterServer connects to the tool server described by cfg and imports
// its tool catalogue. If a server with the same Name is already registered,
// the old connection is closed and replaced.
//
// For [TransportStdio]: cfg.Command is split on spaces into executable +
// args; cfg.Env is passed as additional environment variables.
//
// For [TransportStreamableHTTP]: cfg.URL is the endpoint address.
func (d *MCPDispatcher) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("tools: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("tools: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport

	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("tools: stdio server %q requires a non-empty Command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("tools: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := d.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: failed to connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tools: failed to list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if old, ok := d.servers[cfg.Name]; ok {
		_ = old.session.Close()
		for name, t := range d.tools {
			if t.serverName == cfg.Name {
				delete(d.tools, name)
			}
		}
	}

	d.servers[cfg.Name] = serverConn{session: session}
	d.breakers[cfg.Name] = NewBreaker(cfg.Name, 0, 0)

	for _, t := range discovered {
		d.tools[t.Name] = toolEntry{
			def: realtime.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaToMap(t.InputSchema),
			},
			serverName: cfg.Name,
		}
	}

	return nil
}

// Definitions returns the tool catalogue, sorted by name for a stable
// session.update payload.
func (d *MCPDispatcher) Definitions() []realtime.ToolDefinition {
	d.mu.RLock()
	defs := make([]realtime.ToolDefinition, 0, len(d.tools))
	for _, e := range d.tools {
		defs = append(defs, e.def)
	}
	d.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Invoke calls the named tool and returns its concatenated text output.
// Transport failures, application-level tool errors, and an open breaker are
// all reported as errors.
func (d *MCPDispatcher) Invoke(ctx context.Context, name string, args string) (string, error) {
	d.mu.RLock()
	entry, ok := d.tools[name]
	var (
		conn    serverConn
		breaker *Breaker
	)
	if ok {
		conn = d.servers[entry.serverName]
		breaker = d.breakers[entry.serverName]
	}
	d.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("tools: tool %q not found", name)
	}

	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return "", fmt.Errorf("tools: invalid args JSON for tool %q: %w", name, err)
		}
	}

	var output string
	err := breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
		defer cancel()

		result, err := conn.session.CallTool(callCtx, &mcpsdk.CallToolParams{
			Name:      name,
			Arguments: argsMap,
		})
		if err != nil {
			return fmt.Errorf("tools: call to tool %q failed: %w", name, err)
		}

		var sb strings.Builder
		for _, c := range result.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if result.IsError {
			return fmt.Errorf("tools: tool %q reported an error: %s", name, sb.String())
		}
		output = sb.String()
		return nil
	})
	return output, err
}

// Close shuts down all server connections.
func (d *MCPDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for name, conn := range d.servers {
		if err := conn.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tools: closing server %q: %w", name, err)
		}
		delete(d.servers, name)
	}
	clear(d.tools)
	clear(d.breakers)
	return firstErr
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand separates a command string into executable and arguments.
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
