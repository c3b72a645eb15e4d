package handlers

import (
	"context"
	"encoding/json"
	"time"

	"hostbridge/registry"
	"hostbridge/server"
)

// StatsProvider is the slice of the Dispatcher the status command reads.
type StatsProvider interface {
	Stats() server.Stats
}

// Status reports dispatcher uptime and counters. This is the "return
// immediately, poll for progress" pattern long-running handlers rely on:
// they kick work off, return, and clients poll a status command.
func Status(p StatsProvider) registry.HandlerFunc {
	return func(_ context.Context, _ json.RawMessage) (any, error) {
		stats := p.Stats()
		return map[string]any{
			"uptime_seconds":    time.Since(stats.StartedAt).Seconds(),
			"commands_executed": stats.Executed,
			"commands_failed":   stats.Failed,
			"active_sessions":   stats.Sessions,
			"queue_length":      stats.QueueLen,
		}, nil
	}
}

// RegisterBuiltins wires the built-in commands into a registry. Call before
// the dispatcher starts (and freezes the registry).
func RegisterBuiltins(reg *registry.Registry, d *server.Dispatcher) error {
	if err := reg.RegisterFunc("ping", Ping); err != nil {
		return err
	}
	return reg.Register("status", Status(d))
}
