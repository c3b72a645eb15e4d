// Package handlers ships the bridge's built-in commands. Domain-specific
// tool handlers are registered by the embedding application alongside these.
package handlers

import (
	"context"
	"encoding/json"
	"time"
)

// Ping answers the framed "ping" command (distinct from the raw unframed
// liveness probe, which the session layer answers without a handler).
// Result: {"message":"pong","echo":<params.message if present>,"timestamp":...}.
func Ping(_ context.Context, params json.RawMessage) (any, error) {
	result := map[string]any{
		"message":   "pong",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if len(params) > 0 {
		var p struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(params, &p); err == nil && p.Message != "" {
			result["echo"] = p.Message
		}
	}
	return result, nil
}
