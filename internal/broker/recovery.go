package broker

import (
	"context"
	"sync"
	"time"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/config"
	"github.com/beamcode/beamcode/internal/domain"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/internal/registry"
	"github.com/rs/zerolog"
)

// Recovery decides whether a dead backend gets relaunched or reconnected.
// Attempts are deduplicated per session within the relaunch dedup window so
// a burst of exit events produces at most one relaunch.
type Recovery struct {
	coord *Coordinator
	dedup time.Duration

	mu          sync.Mutex
	relaunching map[string]bool

	log zerolog.Logger
}

func NewRecovery(coord *Coordinator, limits config.Limits) *Recovery {
	dedup := limits.RelaunchDedup
	if dedup <= 0 {
		dedup = 5 * time.Second
	}
	return &Recovery{
		coord:       coord,
		dedup:       dedup,
		relaunching: make(map[string]bool),
		log:         logging.With("recovery"),
	}
}

// Consider reacts to a process:exited or backend:relaunch_needed event.
func (r *Recovery) Consider(ev domain.Event) {
	sess, ok := r.coord.registry.Get(ev.SessionID)
	if !ok || sess.Archived() {
		return
	}

	if sess.PID() != 0 {
		// Inverted-connection: the launcher respawns the CLI.
		if r.coord.registry.Status(sess.ID) == registry.StatusStarting {
			return // still connecting
		}
		if !r.begin(sess.ID) {
			return
		}
		if r.coord.launcher == nil {
			r.log.Error().Str("session_id", sess.ID).Msg("no launcher configured for relaunch")
			return
		}
		r.log.Info().Str("session_id", sess.ID).Msg("relaunching backend process")
		if r.coord.metrics != nil {
			r.coord.metrics.BackendRestarts.WithLabelValues("relaunch").Inc()
		}
		if err := r.coord.launcher.Relaunch(sess.ID); err != nil {
			r.log.Error().Err(err).Str("session_id", sess.ID).Msg("relaunch failed")
		}
		return
	}

	// Direct-connect: reconnect through the lifecycle manager.
	if r.coord.life.IsBackendConnected(sess.ID) {
		return
	}
	if !r.begin(sess.ID) {
		return
	}
	r.log.Info().Str("session_id", sess.ID).Msg("reconnecting backend")
	if r.coord.metrics != nil {
		r.coord.metrics.BackendRestarts.WithLabelValues("reconnect").Inc()
	}
	err := r.coord.life.ConnectBackend(context.Background(), sess, adapter.ConnectOptions{
		SessionID:      sess.ID,
		Cwd:            sess.Cwd,
		Model:          sess.Model,
		PermissionMode: sess.PermissionMode,
		Resume:         sess.BackendSessionID(),
	})
	if err != nil {
		// Logged, not re-queued; the next exit event tries again after the
		// dedup window.
		r.log.Error().Err(err).Str("session_id", sess.ID).Msg("reconnect failed")
		return
	}
	r.coord.registry.MarkConnected(sess.ID)
}

// begin marks the session as relaunching; returns false when an attempt is
// already in flight. The mark clears after the dedup window.
func (r *Recovery) begin(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.relaunching[id] {
		return false
	}
	r.relaunching[id] = true
	time.AfterFunc(r.dedup, func() {
		r.mu.Lock()
		delete(r.relaunching, id)
		r.mu.Unlock()
	})
	return true
}
