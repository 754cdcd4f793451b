// Package domain holds the event types flowing over the in-process bus.
// Events are owned messages: producers build a value, the bus copies it to
// each subscriber channel, nobody holds listener pointers.
package domain

import (
	"time"

	"github.com/beamcode/beamcode/pkg/unified"
)

type EventType string

const (
	// Process supervisor events.
	EventProcessSpawned      EventType = "process:spawned"
	EventProcessStdout       EventType = "process:stdout"
	EventProcessStderr       EventType = "process:stderr"
	EventProcessExited       EventType = "process:exited"
	EventProcessResumeFailed EventType = "process:resume_failed"

	// Backend lifecycle events.
	EventBackendConnected      EventType = "backend:connected"
	EventBackendDisconnected   EventType = "backend:disconnected"
	EventBackendRelaunchNeeded EventType = "backend:relaunch_needed"
	EventBackendError          EventType = "backend:error"

	// CLI-facing notifications mirrored to consumers.
	EventCLIConnected    EventType = "cli:connected"
	EventCLIDisconnected EventType = "cli:disconnected"

	// Consumer attach lifecycle.
	EventConsumerConnected    EventType = "consumer:connected"
	EventConsumerDisconnected EventType = "consumer:disconnected"

	// Permission mediation.
	EventPermissionResolved EventType = "permission:resolved"

	// MessageInbound is a command, not a domain event: the coordinator's
	// relay must never forward it onto the bus.
	EventMessageInbound EventType = "message:inbound"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	SessionID string
	Data      any
}

func New(t EventType, sessionID string, data any) Event {
	return Event{Type: t, Timestamp: time.Now(), SessionID: sessionID, Data: data}
}

// ProcessExit is the payload of EventProcessExited. CircuitBreaker is
// populated only when the session's breaker is not closed.
type ProcessExit struct {
	ExitCode       int
	Uptime         time.Duration
	CircuitBreaker any
}

// ProcessLine is the payload of EventProcessStdout / EventProcessStderr.
type ProcessLine struct {
	Line string
}

// ProcessSpawn is the payload of EventProcessSpawned.
type ProcessSpawn struct {
	PID     int
	Command string
	Resume  string
}

// BackendError is the payload of EventBackendError.
type BackendError struct {
	Message string
	Code    unified.ErrorCode
}

// PermissionResolution is the payload of EventPermissionResolved.
type PermissionResolution struct {
	RequestID string
	Behavior  unified.PermissionBehavior
}

// ConsumerInfo is the payload of consumer attach/detach events.
type ConsumerInfo struct {
	ConnectionID string
	Role         string
}
