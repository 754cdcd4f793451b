// Package process supervises backend child processes: spawn with pipes,
// line-scan output into events, escalate SIGTERM to SIGKILL on stop, and
// feed the per-session circuit breaker from exit observations.
package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/beamcode/beamcode/internal/adapter/circuit"
	"github.com/beamcode/beamcode/internal/domain"
	"github.com/beamcode/beamcode/internal/logging"
)

var (
	ErrInvalidBinary  = errors.New("invalid binary path")
	ErrAlreadyRunning = errors.New("process already running for session")
	ErrNotRunning     = errors.New("no process for session")
	ErrSpawnAborted   = errors.New("spawn aborted by hook")
)

// Binary names must be a bare basename or an absolute path; nothing that
// could smuggle shell metacharacters. No shell is ever invoked.
var (
	basenameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	absPathRe  = regexp.MustCompile(`^/[A-Za-z0-9_./-]+$`)
)

// envDenyList is stripped from every child environment, along with the
// nesting guard the Claude CLI sets to refuse running inside itself.
var envDenyList = []string{"LD_PRELOAD", "DYLD_INSERT_LIBRARIES", "NODE_OPTIONS", "CLAUDECODE"}

// Spec describes one spawn.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
	Resume  string // backend conversation id passed via --resume, recorded for resume-failure detection

	// RawStdout leaves stdout unscanned and exposes the pipe on the handle,
	// for adapters that speak a framed protocol over stdio.
	RawStdout bool
}

// ExitStatus is delivered exactly once on Handle.Exited.
type ExitStatus struct {
	Code   int
	Uptime time.Duration
}

// Handle is a live child process. Exited resolves exactly once.
type Handle struct {
	SessionID string
	PID       int
	Exited    <-chan ExitStatus

	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser // only set for RawStdout spawns
	startedAt time.Time
	resume    string

	mu     sync.Mutex
	killed bool
}

// Stdin exposes the child's stdin pipe for stdio-protocol adapters.
func (h *Handle) Stdin() io.WriteCloser { return h.stdin }

// Stdout exposes the raw stdout pipe; nil unless the spec asked for it.
func (h *Handle) Stdout() io.ReadCloser { return h.stdout }

// Signal delivers sig to the child. Errors from an already-dead process are
// ignored.
func (h *Handle) Signal(sig syscall.Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd != nil && h.cmd.Process != nil {
		_ = h.cmd.Process.Signal(sig)
	}
}

// Emitter receives supervisor events. It must not block.
type Emitter func(domain.Event)

// Config tunes the supervisor.
type Config struct {
	KillGracePeriod        time.Duration // SIGTERM -> SIGKILL escalation window
	CrashThreshold         time.Duration // exits faster than this count as breaker failures
	ResumeFailureThreshold time.Duration // --resume launches dying faster than this invalidate the resume id
	Breaker                circuit.Config
	BeforeSpawn            func(sessionID string, spec *Spec) error // optional interceptor
}

func DefaultConfig() Config {
	return Config{
		KillGracePeriod:        5 * time.Second,
		CrashThreshold:         5 * time.Second,
		ResumeFailureThreshold: 5 * time.Second,
		Breaker:                circuit.DefaultConfig(),
	}
}

// Supervisor owns all backend child processes, keyed by session id.
type Supervisor struct {
	cfg  Config
	emit Emitter
	log  zerolog.Logger

	mu       sync.Mutex
	procs    map[string]*Handle
	breakers map[string]*circuit.Breaker
}

func NewSupervisor(cfg Config, emit Emitter) *Supervisor {
	if emit == nil {
		emit = func(domain.Event) {}
	}
	return &Supervisor{
		cfg:      cfg,
		emit:     emit,
		log:      logging.With("process"),
		procs:    make(map[string]*Handle),
		breakers: make(map[string]*circuit.Breaker),
	}
}

// Breaker returns the session's circuit breaker, creating it on first use.
func (s *Supervisor) Breaker(sessionID string) *circuit.Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breakerLocked(sessionID)
}

func (s *Supervisor) breakerLocked(sessionID string) *circuit.Breaker {
	b, ok := s.breakers[sessionID]
	if !ok {
		b = circuit.NewBreaker(s.cfg.Breaker)
		s.breakers[sessionID] = b
	}
	return b
}

// Get returns the live handle for a session, if any.
func (s *Supervisor) Get(sessionID string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.procs[sessionID]
	return h, ok
}

// Spawn validates and launches spec for the session. Exactly one process per
// session; a second Spawn without an intervening exit fails.
func (s *Supervisor) Spawn(sessionID string, spec Spec) (*Handle, error) {
	if err := ValidateBinary(spec.Command); err != nil {
		return nil, err
	}

	if s.cfg.BeforeSpawn != nil {
		if err := s.cfg.BeforeSpawn(sessionID, &spec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSpawnAborted, err)
		}
	}

	s.mu.Lock()
	if _, exists := s.procs[sessionID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, sessionID)
	}
	s.mu.Unlock()

	cmd := exec.Command(spec.Command, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	cmd.Env = buildEnv(spec.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}

	exited := make(chan ExitStatus, 1)
	h := &Handle{
		SessionID: sessionID,
		PID:       cmd.Process.Pid,
		Exited:    exited,
		cmd:       cmd,
		stdin:     stdin,
		startedAt: time.Now(),
		resume:    spec.Resume,
	}
	if spec.RawStdout {
		h.stdout = stdout
	}

	s.mu.Lock()
	s.procs[sessionID] = h
	s.mu.Unlock()

	s.emit(domain.New(domain.EventProcessSpawned, sessionID, domain.ProcessSpawn{
		PID:     h.PID,
		Command: spec.Command,
		Resume:  spec.Resume,
	}))
	s.log.Info().Str("session_id", sessionID).Int("pid", h.PID).Str("command", spec.Command).Msg("process spawned")

	if !spec.RawStdout {
		go s.pipeLines(sessionID, domain.EventProcessStdout, stdout)
	}
	go s.pipeLines(sessionID, domain.EventProcessStderr, stderr)
	go s.monitorExit(sessionID, h, exited)

	return h, nil
}

// Kill escalates: SIGTERM, wait KillGracePeriod, then SIGKILL.
func (s *Supervisor) Kill(sessionID string) error {
	s.mu.Lock()
	h, ok := s.procs[sessionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, sessionID)
	}
	s.killHandle(h)
	return nil
}

// KillAll fans the kill escalation out over every live process concurrently.
func (s *Supervisor) KillAll() {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.procs))
	for _, h := range s.procs {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			s.killHandle(h)
		}(h)
	}
	wg.Wait()
}

func (s *Supervisor) killHandle(h *Handle) {
	h.mu.Lock()
	if h.killed {
		h.mu.Unlock()
		return
	}
	h.killed = true
	h.mu.Unlock()

	if h.stdin != nil {
		_ = h.stdin.Close()
	}
	h.Signal(syscall.SIGTERM)

	select {
	case <-h.Exited:
	case <-time.After(s.cfg.KillGracePeriod):
		h.Signal(syscall.SIGKILL)
		<-h.Exited
	}
}

// IsAlive probes pid with signal 0. Used during startup restore.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// ValidateBinary enforces the basename-or-absolute rule before any exec.
func ValidateBinary(command string) error {
	if basenameRe.MatchString(command) || absPathRe.MatchString(command) {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidBinary, command)
}

func buildEnv(extra map[string]string) []string {
	deny := make(map[string]struct{}, len(envDenyList))
	for _, k := range envDenyList {
		deny[k] = struct{}{}
	}

	env := make([]string, 0, len(os.Environ())+len(extra))
	for _, kv := range os.Environ() {
		key, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, denied := deny[key]; denied {
			continue
		}
		if _, overridden := extra[key]; overridden {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range extra {
		if _, denied := deny[k]; denied {
			continue
		}
		env = append(env, k+"="+v)
	}
	return env
}

// pipeLines scans a pipe and emits non-empty lines as events. A send that
// would block is dropped; tracing must never backpressure the child.
func (s *Supervisor) pipeLines(sessionID string, t domain.EventType, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 256*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		s.emit(domain.New(t, sessionID, domain.ProcessLine{Line: line}))
	}
}

func (s *Supervisor) monitorExit(sessionID string, h *Handle, exited chan<- ExitStatus) {
	err := h.cmd.Wait()
	uptime := time.Since(h.startedAt)

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	status := ExitStatus{Code: code, Uptime: uptime}
	exited <- status
	close(exited)

	s.mu.Lock()
	delete(s.procs, sessionID)
	breaker := s.breakerLocked(sessionID)
	s.mu.Unlock()

	crashed := uptime < s.cfg.CrashThreshold
	if crashed {
		breaker.RecordFailure()
	} else {
		breaker.RecordSuccess()
	}

	payload := domain.ProcessExit{ExitCode: code, Uptime: uptime}
	if breaker.State() != circuit.StateClosed {
		payload.CircuitBreaker = breaker.Snapshot()
	}

	// Resume failure: a fast exit of a --resume launch means the vendor
	// conversation is gone; the launcher clears the id on this event.
	if h.resume != "" && uptime < s.cfg.ResumeFailureThreshold {
		s.emit(domain.New(domain.EventProcessResumeFailed, sessionID, domain.ProcessSpawn{
			PID:    h.PID,
			Resume: h.resume,
		}))
	}

	s.log.Info().
		Str("session_id", sessionID).
		Int("exit_code", code).
		Dur("uptime", uptime).
		Bool("crashed", crashed).
		Msg("process exited")
	s.emit(domain.New(domain.EventProcessExited, sessionID, payload))
}
