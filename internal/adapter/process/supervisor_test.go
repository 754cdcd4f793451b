package process

import (
	"sync"
	"testing"
	"time"

	"github.com/beamcode/beamcode/internal/domain"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *eventRecorder) emit(e domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) byType(t domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func TestValidateBinary(t *testing.T) {
	valid := []string{"claude", "codex-cli", "node.exe", "/usr/local/bin/claude", "/opt/tools/a_b.c"}
	for _, cmd := range valid {
		if err := ValidateBinary(cmd); err != nil {
			t.Errorf("ValidateBinary(%q) = %v, want nil", cmd, err)
		}
	}

	invalid := []string{"", "claude; rm -rf /", "../escape", "./relative", "a b", "bin/claude", "$(evil)", "cl`aude"}
	for _, cmd := range invalid {
		if err := ValidateBinary(cmd); err == nil {
			t.Errorf("ValidateBinary(%q) = nil, want error", cmd)
		}
	}
}

func TestSpawn_InvalidBinaryNeverExecs(t *testing.T) {
	rec := &eventRecorder{}
	s := NewSupervisor(DefaultConfig(), rec.emit)

	_, err := s.Spawn("s1", Spec{Command: "not valid; whoami"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if _, ok := s.Get("s1"); ok {
		t.Error("no handle should be registered for a rejected spawn")
	}
	if got := rec.byType(domain.EventProcessSpawned); len(got) != 0 {
		t.Errorf("expected no spawn events, got %d", len(got))
	}
}

func TestSpawn_BeforeSpawnHookAborts(t *testing.T) {
	cfg := DefaultConfig()
	hookCalls := 0
	cfg.BeforeSpawn = func(sessionID string, spec *Spec) error {
		hookCalls++
		return errTestAbort
	}
	s := NewSupervisor(cfg, nil)

	_, err := s.Spawn("s1", Spec{Command: "true"})
	if err == nil {
		t.Fatal("hook error should abort spawn")
	}
	if hookCalls != 1 {
		t.Errorf("hook should run once, ran %d times", hookCalls)
	}
}

var errTestAbort = &hookError{}

type hookError struct{}

func (*hookError) Error() string { return "aborted for test" }

func TestSpawn_ExitMonitoring(t *testing.T) {
	rec := &eventRecorder{}
	cfg := DefaultConfig()
	cfg.CrashThreshold = time.Millisecond // a quick clean exit should count as success
	s := NewSupervisor(cfg, rec.emit)

	h, err := s.Spawn("s1", Spec{Command: "sh", Args: []string{"-c", "exit 7"}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	select {
	case status := <-h.Exited:
		if status.Code != 7 {
			t.Errorf("exit code = %d, want 7", status.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit")
	}

	// monitorExit emits after delivering the status; give it a beat.
	deadline := time.After(2 * time.Second)
	for {
		if len(rec.byType(domain.EventProcessExited)) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no process:exited event")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if _, ok := s.Get("s1"); ok {
		t.Error("handle should be dropped after exit")
	}
}

func TestSpawn_FastCrashFeedsBreaker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CrashThreshold = 10 * time.Second
	cfg.Breaker.FailureThreshold = 2
	s := NewSupervisor(cfg, nil)

	for i := 0; i < 2; i++ {
		h, err := s.Spawn("s1", Spec{Command: "sh", Args: []string{"-c", "exit 1"}})
		if err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
		select {
		case <-h.Exited:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for exit")
		}
		// Let monitorExit record the failure.
		waitFor(t, func() bool { _, ok := s.Get("s1"); return !ok })
	}

	waitFor(t, func() bool { return !s.Breaker("s1").CanExecute() })
}

func TestKill_Escalation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KillGracePeriod = 200 * time.Millisecond
	s := NewSupervisor(cfg, nil)

	// Ignore SIGTERM so the grace period elapses and SIGKILL fires.
	h, err := s.Spawn("s1", Spec{Command: "sh", Args: []string{"-c", "trap '' TERM; sleep 60"}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	// Give the shell a moment to install the trap.
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = s.Kill("s1")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("kill escalation did not terminate the process")
	}
	if _, ok := s.Get(h.SessionID); ok {
		t.Error("handle should be gone after kill")
	}
}

func TestKillAll_Concurrent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KillGracePeriod = time.Second
	s := NewSupervisor(cfg, nil)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.Spawn(id, Spec{Command: "sleep", Args: []string{"60"}}); err != nil {
			t.Fatalf("spawn %s: %v", id, err)
		}
	}

	start := time.Now()
	s.KillAll()
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("KillAll took %v, expected concurrent fan-out", elapsed)
	}
}

func TestIsAlive(t *testing.T) {
	if IsAlive(-1) || IsAlive(0) {
		t.Error("non-positive pids are never alive")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
