package acp

import (
	"context"
	"testing"
	"time"

	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/pkg/unified"
)

func newTestSession() *Session {
	return &Session{
		sessionID: "s1",
		messages:  make(chan unified.Message, 16),
		quit:      make(chan struct{}),
		pending:   make(map[string]chan unified.Message),
		log:       logging.With("test"),
	}
}

func TestPickOptionByKind(t *testing.T) {
	opts := []permOption{
		{OptionID: "o1", Kind: "allow_once"},
		{OptionID: "o2", Kind: "allow_always"},
		{OptionID: "o3", Kind: "reject_once"},
	}
	cases := []struct {
		behavior unified.PermissionBehavior
		want     int
	}{
		{unified.BehaviorAllow, 0},
		{unified.BehaviorAlways, 1},
		{unified.BehaviorDeny, 2},
	}
	for _, tc := range cases {
		if got := pickOption(opts, tc.behavior); got != tc.want {
			t.Errorf("pickOption(%s) = %d, want %d", tc.behavior, got, tc.want)
		}
	}
}

func TestPickOptionFallbackWithoutKinds(t *testing.T) {
	opts := []permOption{{OptionID: "yes"}, {OptionID: "no"}}
	if got := pickOption(opts, unified.BehaviorAllow); got != 0 {
		t.Errorf("allow fallback = %d", got)
	}
	if got := pickOption(opts, unified.BehaviorDeny); got != 1 {
		t.Errorf("deny fallback = %d", got)
	}
	if got := pickOption(nil, unified.BehaviorAllow); got != -1 {
		t.Errorf("empty = %d", got)
	}
}

func TestToolCallMeta(t *testing.T) {
	id, title := toolCallMeta(map[string]any{"toolCallId": "tc-1", "title": "Run tests"})
	if id != "tc-1" || title != "Run tests" {
		t.Errorf("got (%q, %q)", id, title)
	}
}

func TestAwaitPermissionRoundTrip(t *testing.T) {
	s := newTestSession()
	t.Cleanup(func() { _ = s.Close() })

	req := unified.NewPermissionRequest("acp-1", "bash", "tc-1", map[string]any{})

	type outcome struct {
		resp unified.Message
		ok   bool
	}
	got := make(chan outcome, 1)
	go func() {
		resp, ok := s.awaitPermission(context.Background(), req)
		got <- outcome{resp, ok}
	}()

	// The request surfaces on the message channel first.
	select {
	case msg := <-s.Messages():
		if msg.Type != unified.TypePermissionRequest || msg.RequestID() != "acp-1" {
			t.Fatalf("surfaced = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never surfaced")
	}

	resp := unified.New(unified.TypePermissionResponse, unified.RoleUser)
	resp.Metadata = map[string]any{"request_id": "acp-1", "behavior": "allow"}
	if err := s.Send(resp); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case out := <-got:
		if !out.ok {
			t.Fatal("awaitPermission reported cancellation")
		}
		if out.resp.MetaString("behavior") != "allow" {
			t.Errorf("behavior = %q", out.resp.MetaString("behavior"))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("awaitPermission never returned")
	}
}

func TestAwaitPermissionCancelledByContext(t *testing.T) {
	s := newTestSession()
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	req := unified.NewPermissionRequest("acp-2", "bash", "", map[string]any{})

	done := make(chan bool, 1)
	go func() {
		_, ok := s.awaitPermission(ctx, req)
		done <- ok
	}()

	<-s.Messages()
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("awaitPermission never returned")
	}

	// The pending slot was withdrawn; a late answer has nothing to match.
	resp := unified.New(unified.TypePermissionResponse, unified.RoleUser)
	resp.Metadata = map[string]any{"request_id": "acp-2", "behavior": "allow"}
	if err := s.Send(resp); err == nil {
		t.Error("late answer should fail")
	}
}

func TestCloseDrainsPendingPermissions(t *testing.T) {
	s := newTestSession()

	req := unified.NewPermissionRequest("acp-3", "bash", "", map[string]any{})
	done := make(chan bool, 1)
	go func() {
		_, ok := s.awaitPermission(context.Background(), req)
		done <- ok
	}()

	<-s.Messages()
	_ = s.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected cancellation on close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("awaitPermission never returned")
	}
}
