package gemini

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/pkg/unified"
)

// sseServer answers message/stream with a scripted event sequence.
func sseServer(t *testing.T, events []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == agentCardPath {
			_ = json.NewEncoder(w).Encode(agentCard{Name: "gemini-a2a", Version: "0.1"})
			return
		}
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Method != "message/stream" {
			http.Error(w, "unknown method", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprintf(w, "data: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":%s}\n\n", ev)
			flusher.Flush()
		}
	}))
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

func TestTurnStreamsToResult(t *testing.T) {
	srv := sseServer(t, []string{
		`{"kind":"task","id":"task-1","contextId":"ctx-1"}`,
		`{"kind":"artifact-update","artifact":{"artifactId":"a1","parts":[{"kind":"text","text":"Hel"}]}}`,
		`{"kind":"artifact-update","artifact":{"artifactId":"a1","parts":[{"kind":"text","text":"lo"}]}}`,
		`{"kind":"status-update","taskId":"task-1","final":true,"status":{"state":"completed","message":{"role":"agent","parts":[{"kind":"text","text":"Hello"}]}}}`,
	})
	defer srv.Close()

	s := newSession("s1", srv.URL, logging.With("test"))
	defer s.Close()

	if err := s.Send(unified.NewUserText("hi")); err != nil {
		t.Fatalf("send: %v", err)
	}

	msg := recvMessage(t, s)
	if msg.Type != unified.TypeStatusChange || msg.MetaString("status") != "running" {
		t.Fatalf("first = %+v", msg)
	}

	msg = recvMessage(t, s)
	if msg.Type != unified.TypeStreamEvent || msg.MetaString("delta") != "Hel" {
		t.Fatalf("delta = %+v", msg)
	}
	msg = recvMessage(t, s)
	if msg.MetaString("delta") != "lo" {
		t.Fatalf("delta = %+v", msg)
	}

	msg = recvMessage(t, s)
	if msg.Type != unified.TypeAssistant {
		t.Fatalf("type = %s, want assistant", msg.Type)
	}
	if len(msg.Content) != 1 || msg.Content[0].Text != "Hello" {
		t.Errorf("content = %+v", msg.Content)
	}

	msg = recvMessage(t, s)
	if msg.Type != unified.TypeResult || msg.MetaBool("is_error") {
		t.Fatalf("result = %+v", msg)
	}

	// The task id sticks for the next turn.
	s.mu.Lock()
	taskID := s.taskID
	s.mu.Unlock()
	if taskID != "task-1" {
		t.Errorf("taskID = %q", taskID)
	}
}

func TestFailedTaskNormalizes(t *testing.T) {
	srv := sseServer(t, []string{
		`{"kind":"status-update","taskId":"task-1","final":true,"status":{"state":"failed","message":{"role":"agent","parts":[{"kind":"text","text":"quota exceeded"}]}}}`,
	})
	defer srv.Close()

	s := newSession("s1", srv.URL, logging.With("test"))
	defer s.Close()

	if err := s.Send(unified.NewUserText("hi")); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg := recvMessage(t, s)
	if msg.Type != unified.TypeResult || !msg.MetaBool("is_error") {
		t.Fatalf("result = %+v", msg)
	}
	if got := msg.MetaString("error_code"); got != string(unified.ErrExecutionError) {
		t.Errorf("error_code = %q", got)
	}
	if got := msg.MetaString("error_message"); got != "quota exceeded" {
		t.Errorf("error_message = %q", got)
	}
}

func TestRPCErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":1,\"error\":{\"code\":-32000,\"message\":\"model unavailable\"}}\n\n")
	}))
	defer srv.Close()

	s := newSession("s1", srv.URL, logging.With("test"))
	defer s.Close()

	if err := s.Send(unified.NewUserText("hi")); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg := recvMessage(t, s)
	if msg.Type != unified.TypeError {
		t.Fatalf("type = %s", msg.Type)
	}
	if got := msg.MetaString("error_message"); got != "model unavailable" {
		t.Errorf("error_message = %q", got)
	}
}

func TestInterruptCancelsTurn(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	s := newSession("s1", srv.URL, logging.With("test"))
	defer s.Close()

	if err := s.Send(unified.NewUserText("hi")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never started")
	}

	if err := s.Send(unified.New(unified.TypeInterrupt, unified.RoleUser)); err != nil {
		t.Fatalf("interrupt: %v", err)
	}

	msg := recvMessage(t, s)
	if msg.Type != unified.TypeResult {
		t.Fatalf("type = %s", msg.Type)
	}
	if got := msg.MetaString("error_code"); got != string(unified.ErrAborted) {
		t.Errorf("error_code = %q", got)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	srv := sseServer(t, nil)
	defer srv.Close()

	s := newSession("s1", srv.URL, logging.With("test"))
	_ = s.Close()
	if err := s.Send(unified.NewUserText("late")); err == nil {
		t.Fatal("expected error after close")
	}
}
