// Package launcher spawns and respawns the inverted-connection Claude CLI.
// The CLI is handed a --sdk-url pointing back at the daemon's /ws/cli
// endpoint; once it dials in, the connector (the backend lifecycle manager)
// completes the adapter handshake.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/adapter/process"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/internal/registry"
	"github.com/beamcode/beamcode/internal/session"
)

var ErrBreakerOpen = errors.New("launch blocked: circuit breaker open")

// Connector completes the backend connection after the CLI process is up.
// Implemented by the broker lifecycle manager; abstracted so the launcher is
// testable without a full coordinator.
type Connector interface {
	ConnectBackend(ctx context.Context, sess *session.Session, opts adapter.ConnectOptions) error
}

// Config tunes the launcher.
type Config struct {
	Binary              string // CLI binary, validated by the supervisor
	Host                string // daemon listen host, for the dial-back URL
	Port                int
	RelaunchGracePeriod time.Duration // SIGTERM -> SIGKILL window on relaunch
}

// Launcher owns the spawn/relaunch/kill surface for inverted-connection
// sessions. Everything process-shaped goes through the supervisor so exits,
// resume failures and breaker bookkeeping stay in one place.
type Launcher struct {
	cfg        Config
	supervisor *process.Supervisor
	registry   *registry.Registry
	connector  Connector
	log        zerolog.Logger
}

func New(cfg Config, sup *process.Supervisor, reg *registry.Registry) *Launcher {
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	if cfg.RelaunchGracePeriod <= 0 {
		cfg.RelaunchGracePeriod = 3 * time.Second
	}
	return &Launcher{
		cfg:        cfg,
		supervisor: sup,
		registry:   reg,
		log:        logging.With("launcher"),
	}
}

// SetConnector wires the backend lifecycle manager. Must be called before
// Launch.
func (l *Launcher) SetConnector(c Connector) {
	l.connector = c
}

// Launch spawns the CLI for a new session and waits (asynchronously) for it
// to dial back.
func (l *Launcher) Launch(sess *session.Session) error {
	return l.spawn(sess)
}

// Relaunch stops the old process, if one is still running, and spawns a new
// one. The new process resumes the vendor conversation when a backend session
// id is recorded; a fast exit of such a launch invalidates the id via the
// supervisor's resume-failure event.
func (l *Launcher) Relaunch(id string) error {
	sess, ok := l.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrSessionNotFound, id)
	}
	l.stopOld(id)
	return l.spawn(sess)
}

// Kill tears the process down with the supervisor's escalation. Nothing
// running is not an error.
func (l *Launcher) Kill(id string) error {
	if err := l.supervisor.Kill(id); err != nil && !errors.Is(err, process.ErrNotRunning) {
		return err
	}
	l.registry.SetStatus(id, registry.StatusExited)
	return nil
}

func (l *Launcher) spawn(sess *session.Session) error {
	if !l.supervisor.Breaker(sess.ID).CanExecute() {
		return fmt.Errorf("%w: %s", ErrBreakerOpen, sess.ID)
	}

	resume := sess.BackendSessionID()
	handle, err := l.supervisor.Spawn(sess.ID, process.Spec{
		Command: l.cfg.Binary,
		Args:    l.buildArgs(sess, resume),
		Dir:     sess.Cwd,
		Resume:  resume,
	})
	if err != nil {
		// Never reached exec; account for it the same way as a dead backend.
		l.registry.SetExitCode(sess.ID, -1)
		l.registry.SetStatus(sess.ID, registry.StatusExited)
		return err
	}

	sess.ClearExitCode()
	l.registry.SetPID(sess.ID, handle.PID)
	l.registry.SetStatus(sess.ID, registry.StatusStarting)
	l.log.Info().
		Str("session_id", sess.ID).
		Int("pid", handle.PID).
		Bool("resume", resume != "").
		Msg("cli launched")

	go l.awaitConnect(sess)
	return nil
}

// awaitConnect runs the adapter handshake, which blocks until the CLI dials
// back or the initialize window expires. A handshake failure with the process
// still running is a zombie; kill it so the exit event drives recovery.
func (l *Launcher) awaitConnect(sess *session.Session) {
	if l.connector == nil {
		l.log.Error().Str("session_id", sess.ID).Msg("no connector wired")
		return
	}
	err := l.connector.ConnectBackend(context.Background(), sess, adapter.ConnectOptions{
		SessionID:      sess.ID,
		Cwd:            sess.Cwd,
		Model:          sess.Model,
		PermissionMode: sess.PermissionMode,
		Resume:         sess.BackendSessionID(),
	})
	if err != nil {
		l.log.Error().Err(err).Str("session_id", sess.ID).Msg("cli never connected")
		if killErr := l.supervisor.Kill(sess.ID); killErr != nil && !errors.Is(killErr, process.ErrNotRunning) {
			l.log.Warn().Err(killErr).Str("session_id", sess.ID).Msg("failed to kill unconnected cli")
		}
		l.registry.SetStatus(sess.ID, registry.StatusExited)
		return
	}
	l.registry.MarkConnected(sess.ID)
}

// stopOld terminates a still-running process before a relaunch: SIGTERM,
// wait the grace period, then SIGKILL.
func (l *Launcher) stopOld(id string) {
	handle, ok := l.supervisor.Get(id)
	if !ok {
		return
	}
	handle.Signal(syscall.SIGTERM)
	select {
	case <-handle.Exited:
	case <-time.After(l.cfg.RelaunchGracePeriod):
		l.log.Warn().Str("session_id", id).Msg("old process ignored SIGTERM, escalating")
		handle.Signal(syscall.SIGKILL)
		select {
		case <-handle.Exited:
		case <-time.After(2 * time.Second):
		}
	}
}

func (l *Launcher) buildArgs(sess *session.Session, resume string) []string {
	args := []string{
		"--sdk-url", l.sdkURL(sess.ID),
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if sess.Model != "" {
		args = append(args, "--model", sess.Model)
	}
	if sess.PermissionMode != "" {
		args = append(args, "--permission-mode", sess.PermissionMode)
	}
	if resume != "" {
		args = append(args, "--resume", resume)
	}
	return args
}

// sdkURL builds the dial-back URL. Wildcard listen hosts become loopback;
// the CLI runs on the same machine as the daemon.
func (l *Launcher) sdkURL(sessionID string) string {
	host := l.cfg.Host
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s/ws/cli/%s", net.JoinHostPort(host, strconv.Itoa(l.cfg.Port)), sessionID)
}
