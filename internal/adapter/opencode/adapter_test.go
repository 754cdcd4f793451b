package opencode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/pkg/unified"
)

// fakeServer mimics the opencode HTTP surface: /event SSE firehose, session
// creation, prompts, permission replies.
type fakeServer struct {
	*httptest.Server

	events chan string

	mu    sync.Mutex
	posts []postRecord
}

type postRecord struct {
	Path string
	Body map[string]any
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{events: make(chan string, 32)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /event", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		flusher.Flush()
		for {
			select {
			case ev := <-f.events:
				fmt.Fprintf(w, "data: %s\n\n", ev)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "oc-1"})
	})
	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.posts = append(f.posts, postRecord{Path: r.URL.Path, Body: body})
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeServer) lastPost(t *testing.T, path string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for i := len(f.posts) - 1; i >= 0; i-- {
			if f.posts[i].Path == path {
				body := f.posts[i].Body
				f.mu.Unlock()
				return body
			}
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no POST to %s", path)
	return nil
}

func startSession(t *testing.T) (*Session, *fakeServer) {
	t.Helper()
	srv := newFakeServer(t)
	s, err := connectSession(context.Background(), adapter.ConnectOptions{
		SessionID: "s1",
		Cwd:       "/work",
		Model:     "claude-sonnet-4",
	}, srv.URL, 2*time.Second, logging.With("test"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	init := recvMessage(t, s)
	if init.Type != unified.TypeSessionInit {
		t.Fatalf("first message = %s", init.Type)
	}
	if got := init.MetaString("session_id"); got != "oc-1" {
		t.Fatalf("session_id = %q", got)
	}
	return s, srv
}

func recvMessage(t *testing.T, s *Session) unified.Message {
	t.Helper()
	select {
	case msg, ok := <-s.Messages():
		if !ok {
			t.Fatal("messages channel closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return unified.Message{}
	}
}

func TestPromptPostsMessage(t *testing.T) {
	s, srv := startSession(t)

	if err := s.Send(unified.NewUserText("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	body := srv.lastPost(t, "/session/oc-1/message")
	parts, _ := body["parts"].([]any)
	if len(parts) != 1 {
		t.Fatalf("parts = %v", parts)
	}
	part, _ := parts[0].(map[string]any)
	if part["text"] != "hello" {
		t.Errorf("text = %v", part["text"])
	}
}

func TestTextPartBecomesDelta(t *testing.T) {
	s, srv := startSession(t)

	srv.events <- `{"type":"message.part.updated","properties":{"part":{"sessionID":"oc-1","type":"text","text":"Hel"}}}`
	msg := recvMessage(t, s)
	if msg.Type != unified.TypeStreamEvent || msg.MetaString("delta") != "Hel" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestForeignSessionEventsFiltered(t *testing.T) {
	s, srv := startSession(t)

	srv.events <- `{"type":"message.part.updated","properties":{"part":{"sessionID":"other","type":"text","text":"nope"}}}`
	srv.events <- `{"type":"session.idle","properties":{"sessionID":"oc-1"}}`

	// Only the idle result for our session comes through.
	msg := recvMessage(t, s)
	if msg.Type != unified.TypeResult {
		t.Fatalf("type = %s, want result", msg.Type)
	}
}

func TestIdleBecomesResult(t *testing.T) {
	s, srv := startSession(t)

	srv.events <- `{"type":"session.idle","properties":{"sessionID":"oc-1"}}`
	msg := recvMessage(t, s)
	if msg.Type != unified.TypeResult || msg.MetaBool("is_error") {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestPermissionRoundTrip(t *testing.T) {
	s, srv := startSession(t)

	srv.events <- `{"type":"permission.updated","properties":{"id":"perm-1","sessionID":"oc-1","type":"bash","callID":"call-1","title":"Run ls","metadata":{"command":"ls"}}}`
	msg := recvMessage(t, s)
	if msg.Type != unified.TypePermissionRequest {
		t.Fatalf("type = %s", msg.Type)
	}
	if msg.RequestID() != "perm-1" {
		t.Errorf("request_id = %q", msg.RequestID())
	}
	if got := msg.MetaString("tool_name"); got != "bash" {
		t.Errorf("tool_name = %q", got)
	}

	resp := unified.New(unified.TypePermissionResponse, unified.RoleUser)
	resp.Metadata = map[string]any{"request_id": "perm-1", "behavior": "always"}
	if err := s.Send(resp); err != nil {
		t.Fatalf("send: %v", err)
	}
	body := srv.lastPost(t, "/session/oc-1/permissions/perm-1")
	if body["response"] != "always" {
		t.Errorf("response = %v", body["response"])
	}
}

func TestDenyMapsToReject(t *testing.T) {
	s, srv := startSession(t)

	resp := unified.New(unified.TypePermissionResponse, unified.RoleUser)
	resp.Metadata = map[string]any{"request_id": "perm-2", "behavior": "deny"}
	if err := s.Send(resp); err != nil {
		t.Fatalf("send: %v", err)
	}
	body := srv.lastPost(t, "/session/oc-1/permissions/perm-2")
	if body["response"] != "reject" {
		t.Errorf("response = %v", body["response"])
	}
}

func TestInterruptPostsAbort(t *testing.T) {
	s, srv := startSession(t)

	if err := s.Send(unified.New(unified.TypeInterrupt, unified.RoleUser)); err != nil {
		t.Fatalf("send: %v", err)
	}
	srv.lastPost(t, "/session/oc-1/abort")
}

func TestStreamEndClosesChannel(t *testing.T) {
	srv := newFakeServer(t)
	s, err := connectSession(context.Background(), adapter.ConnectOptions{SessionID: "s1"},
		srv.URL, 2*time.Second, logging.With("test"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	recvMessage(t, s) // session_init

	srv.CloseClientConnections()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.Messages():
			if !ok {
				if s.Err() == nil {
					t.Error("Err() should be set after stream loss")
				}
				return
			}
		case <-deadline:
			t.Fatal("channel never closed")
		}
	}
}
