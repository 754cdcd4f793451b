package storage

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/pkg/unified"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSessionRecordRoundTrip(t *testing.T) {
	s := newTestStore(t)

	state := session.NewState("sess-1")
	state.Model = "claude-opus-4-6"
	state.TotalCostUSD = 0.25

	rec := &SessionRecord{
		ID:    "sess-1",
		Name:  "refactor run",
		State: state,
		MessageHistory: []unified.Message{
			unified.NewUserText("hello"),
			unified.NewAssistantText("hi", nil),
		},
		PendingPermissions: map[string]unified.Message{
			"r1": unified.NewPermissionRequest("r1", "Bash", "tu1", map[string]any{"command": "ls"}),
		},
	}
	if err := s.SaveSession(rec); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	got, err := s.LoadSession("sess-1")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if got.Name != "refactor run" || got.State.Model != "claude-opus-4-6" {
		t.Errorf("loaded = %+v", got)
	}
	if len(got.MessageHistory) != 2 {
		t.Errorf("history len = %d", len(got.MessageHistory))
	}
	if _, ok := got.PendingPermissions["r1"]; !ok {
		t.Error("pending permission lost in round trip")
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be stamped on save")
	}
}

func TestLauncherRecordRoundTrip(t *testing.T) {
	s := newTestStore(t)

	rec := &LauncherRecord{
		ID:               "sess-1",
		AdapterName:      "claude",
		Cwd:              "/work",
		PID:              4242,
		BackendSessionID: "vendor-9",
		Status:           "running",
	}
	if err := s.SaveLauncher(rec); err != nil {
		t.Fatalf("SaveLauncher: %v", err)
	}

	got, err := s.LoadLauncher("sess-1")
	if err != nil {
		t.Fatalf("LoadLauncher: %v", err)
	}
	if got.PID != 4242 || got.BackendSessionID != "vendor-9" || got.AdapterName != "claude" {
		t.Errorf("loaded = %+v", got)
	}
}

func TestLoadMissingRecord(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.LoadSession("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteSession("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("delete err = %v, want ErrNotFound", err)
	}
}

func TestInvalidSessionIDs(t *testing.T) {
	s := newTestStore(t)

	bad := []string{
		"",
		"../escape",
		"has space",
		"slash/inside",
		"dot.json",
		strings.Repeat("a", 65),
	}
	for _, id := range bad {
		if err := s.SaveSession(&SessionRecord{ID: id}); !errors.Is(err, ErrInvalidSessionID) {
			t.Errorf("Save(%q) err = %v, want ErrInvalidSessionID", id, err)
		}
		if _, err := s.LoadSession(id); !errors.Is(err, ErrInvalidSessionID) {
			t.Errorf("Load(%q) err = %v, want ErrInvalidSessionID", id, err)
		}
	}
}

func TestSymlinkRejected(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}

	target := filepath.Join(dir, "outside.json")
	if err := os.WriteFile(target, []byte(`{"id":"evil"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "sessions", "evil.json")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}

	if _, err := s.LoadSession("evil"); !errors.Is(err, ErrSymlinkNotAllowed) {
		t.Errorf("err = %v, want ErrSymlinkNotAllowed", err)
	}
}

func TestListSkipsCorruptRecords(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.SaveSession(&SessionRecord{ID: "good-1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSession(&SessionRecord{ID: "good-2"}); err != nil {
		t.Fatal(err)
	}
	corrupt := filepath.Join(dir, "sessions", "bad-1.json")
	if err := os.WriteFile(corrupt, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	recs, err := s.ListSessions()
	if len(recs) != 2 {
		t.Fatalf("got %d records, want the 2 good ones", len(recs))
	}
	var listErr *ListError
	if !errors.As(err, &listErr) || len(listErr.Errors) != 1 {
		t.Errorf("err = %v, want aggregated ListError with 1 failure", err)
	}
}

func TestListIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"notes.txt", "weird name.json", ".hidden.json"} {
		if err := os.WriteFile(filepath.Join(dir, "sessions", name), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := s.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("got %d records from foreign files", len(recs))
	}
}

func TestSaveOverwritesAtomically(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveSession(&SessionRecord{ID: "sess-1", Name: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSession(&SessionRecord{ID: "sess-1", Name: "second"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadSession("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "second" {
		t.Errorf("name = %q", got.Name)
	}

	// No temp droppings left behind.
	entries, err := os.ReadDir(filepath.Join(s.baseDir, "sessions"))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}
