// Package storage persists session data as JSON files under the daemon's
// base directory. Two buckets: sessions/ holds the replayable session record
// (derived state, message history, queues) and launcher/ holds the process
// bookkeeping needed to re-adopt sessions after a daemon restart.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrWrite             = errors.New("failed to write record")
	ErrInvalidSessionID  = errors.New("invalid session id")
	ErrFileTooLarge      = errors.New("record file too large")
	ErrSymlinkNotAllowed = errors.New("symlinks not allowed for record files")
)

const maxRecordFileSize = 10 * 1024 * 1024 // 10MB

const (
	bucketSessions = "sessions"
	bucketLauncher = "launcher"
)

var sessionIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func validateSessionID(id string) error {
	if !sessionIDRegex.MatchString(id) {
		return fmt.Errorf("%w: %s", ErrInvalidSessionID, id)
	}
	return nil
}

// Store is a JSON-file store with atomic writes. Safe for concurrent use.
type Store struct {
	baseDir string
	mu      sync.RWMutex
}

func New(baseDir string) (*Store, error) {
	for _, bucket := range []string{bucketSessions, bucketLauncher} {
		dir := filepath.Join(baseDir, bucket)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", bucket, err)
		}
		if info, err := os.Stat(dir); err == nil && info.Mode().Perm()&0o077 != 0 {
			_ = os.Chmod(dir, 0o700)
		}
	}
	return &Store{baseDir: baseDir}, nil
}

func DefaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".beamcode"
	}
	return filepath.Join(home, ".beamcode")
}

func (s *Store) recordPath(bucket, id string) string {
	return filepath.Join(s.baseDir, bucket, id+".json")
}

// save marshals v and installs it atomically: temp file, fsync, rename,
// directory fsync. A crash mid-write leaves either the old record or the new
// one, never a torn file.
func (s *Store) save(bucket, id string, v any) error {
	if err := validateSessionID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	dir := filepath.Join(s.baseDir, bucket)
	f, err := os.CreateTemp(dir, id+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	tmpName := f.Name()
	_ = os.Chmod(tmpName, 0o600)

	defer func() {
		if f != nil {
			f.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := f.Close(); err != nil {
		f = nil
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	f = nil

	if err := os.Rename(tmpName, s.recordPath(bucket, id)); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}

	df, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	defer df.Close()
	if err := df.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

func (s *Store) load(bucket, id string, v any) error {
	if err := validateSessionID(id); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadUnlocked(bucket, id, v)
}

func (s *Store) loadUnlocked(bucket, id string, v any) error {
	path := s.recordPath(bucket, id)

	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: %s", ErrSymlinkNotAllowed, id)
	}
	if info.Size() > maxRecordFileSize {
		return fmt.Errorf("%w: %s (%d bytes)", ErrFileTooLarge, id, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Store) delete(bucket, id string) error {
	if err := validateSessionID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.recordPath(bucket, id))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete record file: %w", err)
	}
	return nil
}

// ListError aggregates per-record load failures; callers still get the
// records that loaded cleanly.
type ListError struct {
	Errors []error
}

func (e *ListError) Error() string {
	return fmt.Sprintf("failed to load %d records", len(e.Errors))
}

// listIDs walks the bucket and returns valid record ids, skipping files whose
// names do not parse as session ids.
func (s *Store) listIDs(bucket string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, bucket))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s directory: %w", bucket, err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		id := entry.Name()[:len(entry.Name())-5]
		if validateSessionID(id) != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
