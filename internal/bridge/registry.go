package bridge

import (
	"errors"
	"sync"

	"github.com/javierd009/agente-portero-sub000/internal/session"
)

// ErrDuplicateChannel is returned by [Registry.Add] when a live call already
// claims the channel identifier.
var ErrDuplicateChannel = errors.New("bridge: channel id already active")

// Registry tracks the live calls by channel identifier. All methods are safe
// for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	calls map[string]*session.Call
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]*session.Call)}
}

// Add registers a call under its channel identifier. Channel identifiers
// must be unique among live calls; a second registration fails with
// [ErrDuplicateChannel] and leaves the existing call untouched.
func (r *Registry) Add(c *session.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.calls[c.ChannelID()]; exists {
		return ErrDuplicateChannel
	}
	r.calls[c.ChannelID()] = c
	return nil
}

// Remove drops the call registered under channelID, if any.
func (r *Registry) Remove(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, channelID)
}

// Get returns the live call for channelID.
func (r *Registry) Get(channelID string) (*session.Call, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.calls[channelID]
	return c, ok
}

// Len returns the number of live calls.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Calls returns a snapshot of the live calls.
func (r *Registry) Calls() []*session.Call {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Call, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c)
	}
	return out
}
