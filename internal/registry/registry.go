// Package registry tracks live sessions in memory and mirrors their launcher
// bookkeeping to storage with a debounce, so a daemon restart can tell which
// backends are still running and re-adopt or relaunch them.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/beamcode/beamcode/internal/adapter/process"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/internal/storage"
	"github.com/rs/zerolog"
)

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
	ErrTooManySessions = errors.New("session limit reached")
)

// Status values mirrored into launcher records.
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusExited   = "exited"
)

const persistDebounce = 500 * time.Millisecond

// Registry owns the session map. Mutations are persisted to the launcher
// bucket through a debounced writer; Flush forces the write on shutdown.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	status   map[string]string

	maxSessions int
	store       *storage.Store

	persistMu    sync.Mutex
	persistTimer *time.Timer
	dirty        map[string]struct{}

	log zerolog.Logger
}

func New(store *storage.Store, maxSessions int) *Registry {
	return &Registry{
		sessions:    make(map[string]*session.Session),
		status:      make(map[string]string),
		maxSessions: maxSessions,
		store:       store,
		dirty:       make(map[string]struct{}),
		log:         logging.With("registry"),
	}
}

// Register adds a new session, enforcing the configured ceiling. Archived
// sessions do not count against it.
func (r *Registry) Register(s *session.Session) error {
	r.mu.Lock()
	if _, ok := r.sessions[s.ID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionExists, s.ID)
	}
	if r.maxSessions > 0 {
		active := 0
		for _, existing := range r.sessions {
			if !existing.Archived() {
				active++
			}
		}
		if active >= r.maxSessions {
			r.mu.Unlock()
			return fmt.Errorf("%w: %d", ErrTooManySessions, r.maxSessions)
		}
	}
	r.sessions[s.ID] = s
	r.status[s.ID] = StatusStarting
	r.mu.Unlock()

	r.markDirty(s.ID)
	return nil
}

// Get returns the session by id.
func (r *Registry) Get(id string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns all sessions sorted by creation time, newest first.
func (r *Registry) List() []*session.Session {
	r.mu.RLock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Starting returns sessions still waiting for their backend to come up.
func (r *Registry) Starting() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*session.Session
	for id, s := range r.sessions {
		if r.status[id] == StatusStarting {
			out = append(out, s)
		}
	}
	return out
}

// Status reports the launcher status for a session.
func (r *Registry) Status(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status[id]
}

// SetStatus transitions the launcher status and schedules persistence.
func (r *Registry) SetStatus(id, status string) {
	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok {
		r.mu.Unlock()
		return
	}
	r.status[id] = status
	r.mu.Unlock()
	r.markDirty(id)
}

// MarkConnected flips the session to running once its backend handshake
// completes.
func (r *Registry) MarkConnected(id string) {
	r.SetStatus(id, StatusRunning)
}

// SetBackendSessionID records the vendor-side session id used for --resume.
func (r *Registry) SetBackendSessionID(id, backendID string) {
	s, ok := r.Get(id)
	if !ok {
		return
	}
	s.SetBackendSessionID(backendID)
	r.markDirty(id)
}

// SetExitCode records the backend exit status mirrored into the launcher
// record. -1 marks an abnormal end (dead PID on restore, rejected spawn).
func (r *Registry) SetExitCode(id string, code int) {
	s, ok := r.Get(id)
	if !ok {
		return
	}
	s.SetExitCode(code)
	r.markDirty(id)
}

// SetPID records the spawned CLI process id.
func (r *Registry) SetPID(id string, pid int) {
	s, ok := r.Get(id)
	if !ok {
		return
	}
	s.SetPID(pid)
	r.markDirty(id)
}

// SetArchived toggles the archive flag.
func (r *Registry) SetArchived(id string, archived bool) error {
	s, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.SetArchived(archived)
	r.markDirty(id)
	return nil
}

// SetName renames the session.
func (r *Registry) SetName(id, name string) error {
	s, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.SetName(name)
	r.markDirty(id)
	return nil
}

// Remove drops the session from the registry and deletes its launcher record.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(r.sessions, id)
	delete(r.status, id)
	r.mu.Unlock()

	r.persistMu.Lock()
	delete(r.dirty, id)
	r.persistMu.Unlock()

	if r.store != nil {
		if err := r.store.DeleteLauncher(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return nil
}

// RestoreFromStorage rebuilds the registry from launcher records. A record
// whose PID still answers a signal-0 probe comes back as starting (the
// lifecycle manager decides whether to adopt or relaunch); a dead PID comes
// back as exited with the PID cleared and exit code -1.
func (r *Registry) RestoreFromStorage() error {
	if r.store == nil {
		return nil
	}
	recs, err := r.store.ListLaunchers()
	if err != nil {
		var listErr *storage.ListError
		if !errors.As(err, &listErr) {
			return err
		}
		r.log.Warn().Int("failed", len(listErr.Errors)).Msg("skipping corrupt launcher records")
	}

	for _, rec := range recs {
		s := session.New(rec.ID, rec.AdapterName, rec.Cwd)
		s.Model = rec.Model
		s.PermissionMode = rec.PermissionMode
		if !rec.CreatedAt.IsZero() {
			s.CreatedAt = rec.CreatedAt
		}
		s.SetBackendSessionID(rec.BackendSessionID)
		if rec.ExitCode != nil {
			s.SetExitCode(*rec.ExitCode)
		}

		status := StatusExited
		switch {
		case rec.Status == StatusExited:
			// Already accounted for; keep the persisted exit code.
		case rec.PID > 0 && process.IsAlive(rec.PID):
			s.SetPID(rec.PID)
			status = StatusStarting
		default:
			s.SetExitCode(-1)
		}

		r.mu.Lock()
		r.sessions[rec.ID] = s
		r.status[rec.ID] = status
		r.mu.Unlock()

		r.log.Info().
			Str("session_id", rec.ID).
			Str("status", status).
			Int("pid", rec.PID).
			Msg("restored session")
	}
	return nil
}

// PruneExited removes sessions whose backend is gone and which hold no
// pending work.
func (r *Registry) PruneExited() []string {
	r.mu.Lock()
	var pruned []string
	for id, s := range r.sessions {
		if r.status[id] != StatusExited {
			continue
		}
		if s.PendingCount() > 0 || len(s.PendingPermissions()) > 0 {
			continue
		}
		delete(r.sessions, id)
		delete(r.status, id)
		pruned = append(pruned, id)
	}
	r.mu.Unlock()

	for _, id := range pruned {
		if r.store != nil {
			_ = r.store.DeleteLauncher(id)
		}
	}
	return pruned
}

// markDirty schedules a debounced persistence pass for the session.
func (r *Registry) markDirty(id string) {
	if r.store == nil {
		return
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	r.dirty[id] = struct{}{}
	if r.persistTimer == nil {
		r.persistTimer = time.AfterFunc(persistDebounce, r.flushDirty)
	}
}

func (r *Registry) flushDirty() {
	r.persistMu.Lock()
	ids := make([]string, 0, len(r.dirty))
	for id := range r.dirty {
		ids = append(ids, id)
	}
	r.dirty = make(map[string]struct{})
	r.persistTimer = nil
	r.persistMu.Unlock()

	for _, id := range ids {
		if err := r.persist(id); err != nil {
			r.log.Error().Err(err).Str("session_id", id).Msg("failed to persist launcher record")
		}
	}
}

// Flush forces any debounced writes out immediately. Called on shutdown.
func (r *Registry) Flush() {
	r.persistMu.Lock()
	if r.persistTimer != nil {
		r.persistTimer.Stop()
		r.persistTimer = nil
	}
	r.persistMu.Unlock()
	r.flushDirty()
}

func (r *Registry) persist(id string) error {
	s, ok := r.Get(id)
	if !ok {
		return nil // removed while dirty
	}
	rec := &storage.LauncherRecord{
		ID:               s.ID,
		AdapterName:      s.AdapterName,
		Cwd:              s.Cwd,
		Model:            s.Model,
		PermissionMode:   s.PermissionMode,
		PID:              s.PID(),
		ExitCode:         s.ExitCode(),
		BackendSessionID: s.BackendSessionID(),
		Status:           r.Status(id),
		CreatedAt:        s.CreatedAt,
	}
	return r.store.SaveLauncher(rec)
}
