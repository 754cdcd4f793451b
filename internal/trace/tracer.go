// Package trace taps the message edges for debugging and metrics. The tracer
// is a zerolog sink controlled by environment-derived settings; Prometheus
// collectors are independent and live in Metrics.
package trace

import (
	"strings"

	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/pkg/unified"
	"github.com/rs/zerolog"
)

// Edge names a message boundary.
type Edge string

const (
	EdgeConsumer Edge = "consumer"
	EdgeBackend  Edge = "backend"
)

// Level selects how much of each message is logged.
type Level string

const (
	LevelSummary Level = "summary"
	LevelFull    Level = "full"
)

// Config mirrors the BEAMCODE_TRACE* settings.
type Config struct {
	// Filter is "consumer", "backend", "all" or "" (disabled).
	Filter string
	Level  Level
	// AllowSensitive disables content redaction.
	AllowSensitive bool
}

// sensitiveKeys are metadata fields stripped unless AllowSensitive is set.
var sensitiveKeys = []string{"input", "content", "delta", "command", "prompt"}

type Tracer struct {
	consumer bool
	backend  bool
	level    Level
	allow    bool
	log      zerolog.Logger
}

func New(cfg Config) *Tracer {
	t := &Tracer{
		level: cfg.Level,
		allow: cfg.AllowSensitive,
		log:   logging.With("trace"),
	}
	if t.level == "" {
		t.level = LevelSummary
	}
	switch strings.ToLower(cfg.Filter) {
	case "all":
		t.consumer, t.backend = true, true
	case "consumer":
		t.consumer = true
	case "backend":
		t.backend = true
	}
	return t
}

// Enabled reports whether the tracer observes the given edge.
func (t *Tracer) Enabled(edge Edge) bool {
	if t == nil {
		return false
	}
	switch edge {
	case EdgeConsumer:
		return t.consumer
	case EdgeBackend:
		return t.backend
	}
	return false
}

// Observe logs one message crossing an edge. direction is "in" or "out"
// relative to the core.
func (t *Tracer) Observe(edge Edge, direction, sessionID string, msg unified.Message) {
	if !t.Enabled(edge) {
		return
	}
	ev := t.log.Debug().
		Str("trace", string(edge)).
		Str("direction", direction).
		Str("session_id", sessionID).
		Str("type", string(msg.Type)).
		Str("msg_id", msg.ID)

	if t.level == LevelFull {
		ev = ev.Interface("metadata", t.redact(msg.Metadata)).
			Int("content_blocks", len(msg.Content))
	}
	ev.Msg("message")
}

func (t *Tracer) redact(metadata map[string]any) map[string]any {
	if t.allow || metadata == nil {
		return metadata
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	for _, key := range sensitiveKeys {
		if _, ok := out[key]; ok {
			out[key] = "[redacted]"
		}
	}
	return out
}
