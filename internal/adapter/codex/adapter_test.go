package codex

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/pkg/unified"
)

// fakeConn scripts the app-server side of the socket. Responses to our rpc
// calls are produced by the respond hook; pushed frames arrive as reads.
type fakeConn struct {
	inbound chan []byte
	written chan []byte
	closed  chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 32),
		written: make(chan []byte, 32),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-f.inbound:
		if !ok {
			return 0, nil, errors.New("connection reset")
		}
		return 1, data, nil
	case <-f.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case f.written <- data:
		return nil
	case <-f.closed:
		return errors.New("connection closed")
	}
}

func (f *fakeConn) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeConn) push(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.inbound <- data
}

func (f *fakeConn) pushRaw(raw string) { f.inbound <- []byte(raw) }

func (f *fakeConn) nextWrite(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-f.written:
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal write: %v", err)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write")
		return nil
	}
}

// serveHandshake answers initialize and newConversation/resumeConversation
// so a test session comes up.
func (f *fakeConn) serveHandshake(t *testing.T, conversationID string) {
	t.Helper()
	go func() {
		for {
			select {
			case data := <-f.written:
				var frame rpcFrame
				if json.Unmarshal(data, &frame) != nil || frame.ID == nil {
					continue
				}
				switch frame.Method {
				case "initialize":
					f.inbound <- mustMarshal(rpcResponse{JSONRPC: "2.0", ID: *frame.ID, Result: map[string]any{}})
				case "newConversation", "resumeConversation":
					f.inbound <- mustMarshal(rpcResponse{JSONRPC: "2.0", ID: *frame.ID, Result: newConversationResult{
						ConversationID: conversationID,
						Model:          "gpt-5-codex",
					}})
					return
				}
			case <-f.closed:
				return
			}
		}
	}()
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
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

func startSession(t *testing.T) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	conn.serveHandshake(t, "conv-1")
	s := newSession("s1", conn, 2*time.Second, logging.With("test"))
	if err := s.handshake(context.Background(), adapter.ConnectOptions{
		SessionID: "s1",
		Cwd:       "/work",
		Model:     "gpt-5-codex",
	}); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	// First emitted message is the synthetic session_init.
	init := recvMessage(t, s)
	if init.Type != unified.TypeSessionInit {
		t.Fatalf("first message = %s, want session_init", init.Type)
	}
	if got := init.MetaString("session_id"); got != "conv-1" {
		t.Fatalf("session_id = %q", got)
	}
	return s, conn
}

func TestHandshakeOpensConversation(t *testing.T) {
	startSession(t)
}

func TestUserMessageBecomesUserTurn(t *testing.T) {
	s, conn := startSession(t)

	if err := s.Send(unified.NewUserText("fix the bug")); err != nil {
		t.Fatalf("send: %v", err)
	}
	w := conn.nextWrite(t)
	if w["method"] != "sendUserTurn" {
		t.Fatalf("method = %v", w["method"])
	}
	params, _ := w["params"].(map[string]any)
	if params["conversationId"] != "conv-1" {
		t.Errorf("conversationId = %v", params["conversationId"])
	}
	items, _ := params["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("items = %v", items)
	}
	item, _ := items[0].(map[string]any)
	if item["text"] != "fix the bug" {
		t.Errorf("text = %v", item["text"])
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	s, conn := startSession(t)

	conn.pushRaw(`{"jsonrpc":"2.0","id":77,"method":"execCommandApproval","params":{"conversationId":"conv-1","callId":"call-3","command":["rm","-rf","build"],"cwd":"/work"}}`)

	msg := recvMessage(t, s)
	if msg.Type != unified.TypePermissionRequest {
		t.Fatalf("type = %s", msg.Type)
	}
	if msg.RequestID() != "codex-77" {
		t.Errorf("request_id = %q", msg.RequestID())
	}
	if got := msg.MetaString("tool_name"); got != "exec_command" {
		t.Errorf("tool_name = %q", got)
	}
	if got := msg.MetaString("tool_use_id"); got != "call-3" {
		t.Errorf("tool_use_id = %q", got)
	}

	resp := unified.New(unified.TypePermissionResponse, unified.RoleUser)
	resp.Metadata = map[string]any{"request_id": "codex-77", "behavior": "allow"}
	if err := s.Send(resp); err != nil {
		t.Fatalf("send: %v", err)
	}
	w := conn.nextWrite(t)
	if w["id"] != float64(77) {
		t.Errorf("rpc id = %v", w["id"])
	}
	result, _ := w["result"].(map[string]any)
	if result["decision"] != "approved" {
		t.Errorf("decision = %v", result["decision"])
	}

	// A second reply to the same request has nothing to answer.
	if err := s.Send(resp); err == nil {
		t.Error("duplicate approval reply should fail")
	}
}

func TestAlwaysMapsToApprovedForSession(t *testing.T) {
	s, conn := startSession(t)

	conn.pushRaw(`{"jsonrpc":"2.0","id":5,"method":"applyPatchApproval","params":{"conversationId":"conv-1","itemId":"item-1","fileChanges":{"main.go":{}}}}`)

	msg := recvMessage(t, s)
	if got := msg.MetaString("tool_name"); got != "apply_patch" {
		t.Errorf("tool_name = %q", got)
	}

	resp := unified.New(unified.TypePermissionResponse, unified.RoleUser)
	resp.Metadata = map[string]any{"request_id": "codex-5", "behavior": "always"}
	if err := s.Send(resp); err != nil {
		t.Fatalf("send: %v", err)
	}
	w := conn.nextWrite(t)
	result, _ := w["result"].(map[string]any)
	if result["decision"] != "approved_for_session" {
		t.Errorf("decision = %v", result["decision"])
	}
}

func TestEventTranslation(t *testing.T) {
	s, conn := startSession(t)

	conn.pushRaw(`{"jsonrpc":"2.0","method":"codex/event","params":{"conversationId":"conv-1","msg":{"type":"agent_message_delta","delta":"Hel"}}}`)
	msg := recvMessage(t, s)
	if msg.Type != unified.TypeStreamEvent || msg.MetaString("delta") != "Hel" {
		t.Fatalf("delta event = %+v", msg)
	}

	conn.pushRaw(`{"jsonrpc":"2.0","method":"codex/event","params":{"conversationId":"conv-1","msg":{"type":"agent_message","message":"Hello"}}}`)
	msg = recvMessage(t, s)
	if msg.Type != unified.TypeAssistant {
		t.Fatalf("type = %s", msg.Type)
	}
	if len(msg.Content) != 1 || msg.Content[0].Text != "Hello" {
		t.Errorf("content = %+v", msg.Content)
	}

	conn.pushRaw(`{"jsonrpc":"2.0","method":"codex/event","params":{"conversationId":"conv-1","msg":{"type":"task_complete","last_agent_message":"Hello"}}}`)
	msg = recvMessage(t, s)
	if msg.Type != unified.TypeResult || msg.MetaBool("is_error") {
		t.Fatalf("result = %+v", msg)
	}
}

func TestTurnAbortedNormalizes(t *testing.T) {
	s, conn := startSession(t)

	conn.pushRaw(`{"jsonrpc":"2.0","method":"codex/event","params":{"conversationId":"conv-1","msg":{"type":"turn_aborted","reason":"interrupted"}}}`)
	msg := recvMessage(t, s)
	if msg.Type != unified.TypeResult {
		t.Fatalf("type = %s", msg.Type)
	}
	if got := msg.MetaString("error_code"); got != string(unified.ErrAborted) {
		t.Errorf("error_code = %q", got)
	}
}

func TestInterruptSendsRPC(t *testing.T) {
	s, conn := startSession(t)

	if err := s.Send(unified.New(unified.TypeInterrupt, unified.RoleUser)); err != nil {
		t.Fatalf("send: %v", err)
	}
	w := conn.nextWrite(t)
	if w["method"] != "interruptConversation" {
		t.Errorf("method = %v", w["method"])
	}
}

func TestUnknownServerRequestRefused(t *testing.T) {
	s, conn := startSession(t)
	_ = s

	conn.pushRaw(`{"jsonrpc":"2.0","id":9,"method":"loginChatGpt","params":{}}`)
	w := conn.nextWrite(t)
	if w["error"] == nil {
		t.Fatalf("expected error response, got %v", w)
	}
}

func TestConnectionLossClosesChannel(t *testing.T) {
	s, conn := startSession(t)

	close(conn.inbound)
	select {
	case _, ok := <-s.Messages():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel never closed")
	}
	if s.Err() == nil {
		t.Error("Err() should be set")
	}
}

func TestCloseReleasesBlockedEmit(t *testing.T) {
	s, conn := startSession(t)

	// Overfill the undrained messages buffer so the read loop parks in emit.
	for i := 0; i < 70; i++ {
		conn.pushRaw(`{"jsonrpc":"2.0","method":"codex/event","params":{"conversationId":"conv-1","msg":{"type":"agent_message_delta","delta":"x"}}}`)
	}
	time.Sleep(50 * time.Millisecond)

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The read loop must unblock and close the channel.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.Messages():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("read loop never exited after close")
		}
	}
}
