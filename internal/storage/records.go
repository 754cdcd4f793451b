package storage

import (
	"encoding/json"
	"time"

	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/pkg/unified"
)

// SessionRecord is the replayable per-session payload: the derived state
// snapshot plus everything a reattaching consumer needs to catch up.
type SessionRecord struct {
	ID                 string                     `json:"id"`
	Name               string                     `json:"name,omitempty"`
	Archived           bool                       `json:"archived"`
	State              *session.State             `json:"state,omitempty"`
	MessageHistory     []unified.Message          `json:"messageHistory"`
	PendingMessages    []json.RawMessage          `json:"pendingMessages,omitempty"`
	PendingPermissions map[string]unified.Message `json:"pendingPermissions,omitempty"`
	UpdatedAt          time.Time                  `json:"updated_at"`
}

// LauncherRecord is the process-side bookkeeping for a session: enough to
// decide on daemon restart whether a backend still runs and how to relaunch
// it if not.
type LauncherRecord struct {
	ID               string    `json:"id"`
	AdapterName      string    `json:"adapter"`
	Cwd              string    `json:"cwd"`
	Model            string    `json:"model,omitempty"`
	PermissionMode   string    `json:"permission_mode,omitempty"`
	PID              int       `json:"pid,omitempty"`
	ExitCode         *int      `json:"exit_code,omitempty"`
	BackendSessionID string    `json:"backend_session_id,omitempty"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (s *Store) SaveSession(rec *SessionRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	return s.save(bucketSessions, rec.ID, rec)
}

func (s *Store) LoadSession(id string) (*SessionRecord, error) {
	var rec SessionRecord
	if err := s.load(bucketSessions, id, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) DeleteSession(id string) error {
	return s.delete(bucketSessions, id)
}

// ListSessions loads every session record, skipping corrupt files and
// reporting them through an aggregated *ListError.
func (s *Store) ListSessions() ([]*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, err := s.listIDs(bucketSessions)
	if err != nil {
		return nil, err
	}

	recs := make([]*SessionRecord, 0, len(ids))
	var errs []error
	for _, id := range ids {
		var rec SessionRecord
		if err := s.loadUnlocked(bucketSessions, id, &rec); err != nil {
			errs = append(errs, wrapRecordErr(id, err))
			continue
		}
		recs = append(recs, &rec)
	}
	if len(errs) > 0 {
		return recs, &ListError{Errors: errs}
	}
	return recs, nil
}

func (s *Store) SaveLauncher(rec *LauncherRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	return s.save(bucketLauncher, rec.ID, rec)
}

func (s *Store) LoadLauncher(id string) (*LauncherRecord, error) {
	var rec LauncherRecord
	if err := s.load(bucketLauncher, id, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) DeleteLauncher(id string) error {
	return s.delete(bucketLauncher, id)
}

func (s *Store) ListLaunchers() ([]*LauncherRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, err := s.listIDs(bucketLauncher)
	if err != nil {
		return nil, err
	}

	recs := make([]*LauncherRecord, 0, len(ids))
	var errs []error
	for _, id := range ids {
		var rec LauncherRecord
		if err := s.loadUnlocked(bucketLauncher, id, &rec); err != nil {
			errs = append(errs, wrapRecordErr(id, err))
			continue
		}
		recs = append(recs, &rec)
	}
	if len(errs) > 0 {
		return recs, &ListError{Errors: errs}
	}
	return recs, nil
}

func wrapRecordErr(id string, err error) error {
	return &recordError{id: id, err: err}
}

type recordError struct {
	id  string
	err error
}

func (e *recordError) Error() string { return "record " + e.id + ": " + e.err.Error() }
func (e *recordError) Unwrap() error { return e.err }
