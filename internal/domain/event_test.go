package domain

import (
	"testing"
	"time"

	"github.com/beamcode/beamcode/pkg/unified"
)

func TestNewStampsTimestamp(t *testing.T) {
	before := time.Now()
	e := New(EventProcessSpawned, "session-123", ProcessSpawn{PID: 42, Command: "claude"})
	after := time.Now()

	if e.Type != EventProcessSpawned {
		t.Errorf("Type = %v, want %v", e.Type, EventProcessSpawned)
	}
	if e.SessionID != "session-123" {
		t.Errorf("SessionID = %q, want %q", e.SessionID, "session-123")
	}
	if e.Timestamp.Before(before) || e.Timestamp.After(after) {
		t.Error("timestamp out of expected range")
	}
}

func TestPayloadTypes(t *testing.T) {
	tests := []struct {
		name      string
		eventType EventType
		data      any
	}{
		{"process exit", EventProcessExited, ProcessExit{ExitCode: 7, Uptime: time.Second}},
		{"process line", EventProcessStderr, ProcessLine{Line: "boot"}},
		{"process spawn", EventProcessSpawned, ProcessSpawn{PID: 1234, Command: "claude", Resume: "vendor-1"}},
		{"backend error", EventBackendError, BackendError{Message: "dial failed", Code: unified.ErrExecutionError}},
		{"permission resolved", EventPermissionResolved, PermissionResolution{RequestID: "req-1", Behavior: unified.BehaviorAllow}},
		{"consumer attach", EventConsumerConnected, ConsumerInfo{ConnectionID: "conn-1", Role: "participant"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(tt.eventType, "s1", tt.data)
			if e.Data == nil {
				t.Fatal("payload dropped")
			}
		})
	}
}

func TestProcessExitPayloadRoundTrip(t *testing.T) {
	e := New(EventProcessExited, "s1", ProcessExit{ExitCode: 3, Uptime: 250 * time.Millisecond})

	data, ok := e.Data.(ProcessExit)
	if !ok {
		t.Fatalf("Data is %T, want ProcessExit", e.Data)
	}
	if data.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", data.ExitCode)
	}
	if data.Uptime != 250*time.Millisecond {
		t.Errorf("Uptime = %v, want 250ms", data.Uptime)
	}
}

func TestBackendErrorPayloadRoundTrip(t *testing.T) {
	e := New(EventBackendError, "s1", BackendError{Message: "connection refused", Code: unified.ErrAPIError})

	data, ok := e.Data.(BackendError)
	if !ok {
		t.Fatalf("Data is %T, want BackendError", e.Data)
	}
	if data.Message != "connection refused" {
		t.Errorf("Message = %q", data.Message)
	}
	if data.Code != unified.ErrAPIError {
		t.Errorf("Code = %q, want %q", data.Code, unified.ErrAPIError)
	}
}
