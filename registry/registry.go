// Package registry maps command type names to their handlers.
//
// The registry is populated once at startup and frozen before the dispatcher
// starts; after Freeze it is read-only and safe for concurrent lookup without
// locking. The bridge treats handlers as opaque collaborators — it dispatches
// by name and relays whatever the handler returns.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handler produces a result (or error) from an opaque parameter payload.
// Handlers run on the dispatcher's single drain worker and are expected to be
// synchronous and fast; long-running work must return immediately and expose
// a separate poll-based status command.
type Handler interface {
	Handle(ctx context.Context, params json.RawMessage) (any, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, params json.RawMessage) (any, error) {
	return f(ctx, params)
}

// Registry holds the command type → Handler mapping.
// Not safe for concurrent Register; call Freeze before sharing.
type Registry struct {
	handlers map[string]Handler
	frozen   bool
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a command type to its handler. Registering a duplicate name
// or registering after Freeze is a programming error and returns one.
func (r *Registry) Register(name string, h Handler) error {
	if r.frozen {
		return fmt.Errorf("registry: register %q after freeze", name)
	}
	if name == "" {
		return fmt.Errorf("registry: empty command type")
	}
	if h == nil {
		return fmt.Errorf("registry: nil handler for %q", name)
	}
	if _, dup := r.handlers[name]; dup {
		return fmt.Errorf("registry: duplicate handler for %q", name)
	}
	r.handlers[name] = h
	return nil
}

// RegisterFunc is Register for a bare function.
func (r *Registry) RegisterFunc(name string, f HandlerFunc) error {
	return r.Register(name, f)
}

// Freeze marks the registry immutable. Idempotent.
func (r *Registry) Freeze() {
	r.frozen = true
}

// Get looks up the handler for a command type.
func (r *Registry) Get(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Types returns the registered command type names, for diagnostics.
func (r *Registry) Types() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
