// Package codex drives the Codex app-server over a local WebSocket speaking
// JSON-RPC 2.0. The adapter spawns the server child on an ephemeral port,
// dials with retry, performs the initialize handshake, and opens (or resumes)
// one conversation per session.
package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/adapter/process"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/pkg/unified"
)

const Name = "codex"

// Conn is the socket surface the session uses; gorilla satisfies it and
// tests swap in a scripted fake.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer establishes the app-server socket; injectable for tests.
type Dialer func(ctx context.Context, url string) (Conn, error)

type Config struct {
	Binary      string        // app-server executable, default "codex"
	DialRetry   time.Duration // max elapsed time spent retrying the first dial
	CallTimeout time.Duration // per-RPC deadline
}

func DefaultConfig() Config {
	return Config{
		Binary:      "codex",
		DialRetry:   10 * time.Second,
		CallTimeout: 30 * time.Second,
	}
}

type Adapter struct {
	cfg        Config
	supervisor *process.Supervisor
	dial       Dialer
	log        zerolog.Logger
}

func New(cfg Config, supervisor *process.Supervisor) *Adapter {
	if cfg.Binary == "" {
		cfg.Binary = "codex"
	}
	return &Adapter{
		cfg:        cfg,
		supervisor: supervisor,
		dial:       gorillaDial,
		log:        logging.With("adapter.codex"),
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Streaming:   true,
		Permissions: true,
	}
}

func gorillaDial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.Session, error) {
	port, err := reservePort()
	if err != nil {
		return nil, fmt.Errorf("reserve port: %w", err)
	}

	args := []string{"app-server", "--port", strconv.Itoa(port)}
	if _, err := a.supervisor.Spawn(opts.SessionID, process.Spec{
		Command: a.cfg.Binary,
		Args:    args,
		Dir:     opts.Cwd,
		Env:     opts.Env,
	}); err != nil {
		return nil, fmt.Errorf("spawn app-server: %w", err)
	}

	conn, err := a.dialRetry(ctx, fmt.Sprintf("ws://127.0.0.1:%d", port))
	if err != nil {
		_ = a.supervisor.Kill(opts.SessionID)
		return nil, fmt.Errorf("dial app-server: %w", err)
	}

	s := newSession(opts.SessionID, conn, a.cfg.CallTimeout, a.log)
	if err := s.handshake(ctx, opts); err != nil {
		_ = s.Close()
		_ = a.supervisor.Kill(opts.SessionID)
		return nil, err
	}
	return s, nil
}

// dialRetry keeps attempting the dial until the server binds its port or the
// retry budget (and ctx) runs out.
func (a *Adapter) dialRetry(ctx context.Context, url string) (Conn, error) {
	return backoff.Retry(ctx, func() (Conn, error) {
		return a.dial(ctx, url)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(a.cfg.DialRetry))
}

func reservePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port, nil
}

// pendingApproval remembers how a permission_request arrived so the reply
// can use the matching wire shape.
type pendingApproval struct {
	rpcID  int64
	method string
}

type Session struct {
	sessionID   string
	conn        Conn
	callTimeout time.Duration
	messages    chan unified.Message
	quit        chan struct{}
	log         zerolog.Logger

	nextID int64

	mu             sync.Mutex
	closed         bool
	err            error
	conversationID string
	pending        map[int64]chan rpcFrame       // our calls awaiting responses
	approvals      map[string]pendingApproval    // permission request_id -> server rpc
	passthrough    func(unified.Message) bool
}

func newSession(sessionID string, conn Conn, callTimeout time.Duration, log zerolog.Logger) *Session {
	s := &Session{
		sessionID:   sessionID,
		conn:        conn,
		callTimeout: callTimeout,
		messages:    make(chan unified.Message, 64),
		quit:        make(chan struct{}),
		log:         log.With().Str("session_id", sessionID).Logger(),
		pending:     make(map[int64]chan rpcFrame),
		approvals:   make(map[string]pendingApproval),
	}
	go s.readLoop()
	return s
}

// handshake runs initialize/initialized then opens or resumes the
// conversation. A session_init envelope is emitted so the reducer sees the
// model and conversation id the same way it does for CLI backends.
func (s *Session) handshake(ctx context.Context, opts adapter.ConnectOptions) error {
	if _, err := s.call(ctx, "initialize", initializeParams{
		ClientInfo: clientInfo{Name: "beamcode", Title: "BeamCode", Version: "1.0"},
	}); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := s.notify("initialized", nil); err != nil {
		return fmt.Errorf("initialized: %w", err)
	}

	var result newConversationResult
	var raw json.RawMessage
	var err error
	if opts.Resume != "" {
		raw, err = s.call(ctx, "resumeConversation", resumeConversationParams{
			ConversationID: opts.Resume,
			Cwd:            opts.Cwd,
		})
	} else {
		raw, err = s.call(ctx, "newConversation", newConversationParams{
			Model:          opts.Model,
			Cwd:            opts.Cwd,
			ApprovalPolicy: approvalPolicy(opts.PermissionMode),
		})
	}
	if err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("conversation result: %w", err)
	}

	s.mu.Lock()
	s.conversationID = result.ConversationID
	s.mu.Unlock()

	s.emit(unified.NewWithMetadata(unified.TypeSessionInit, unified.RoleSystem, map[string]any{
		"session_id":     result.ConversationID,
		"model":          result.Model,
		"cwd":            opts.Cwd,
		"permissionMode": opts.PermissionMode,
	}))
	return nil
}

func approvalPolicy(permissionMode string) string {
	switch permissionMode {
	case "bypassPermissions", "acceptEdits":
		return "never"
	default:
		return "untrusted"
	}
}

func (s *Session) Messages() <-chan unified.Message { return s.messages }

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, ch := range s.pending {
		close(ch)
	}
	s.pending = make(map[int64]chan rpcFrame)
	s.mu.Unlock()
	close(s.quit)
	return s.conn.Close()
}

func (s *Session) SetPassthroughHandler(fn func(unified.Message) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passthrough = fn
}

func (s *Session) Send(msg unified.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return adapter.ErrSessionClosed
	}
	convID := s.conversationID
	s.mu.Unlock()

	switch msg.Type {
	case unified.TypeUserMessage:
		text := ""
		if len(msg.Content) > 0 {
			text = msg.Content[0].Text
		}
		return s.callAsync("sendUserTurn", sendUserTurnParams{
			ConversationID: convID,
			Items:          []inputItem{{Type: "text", Text: text}},
		})

	case unified.TypePermissionResponse:
		return s.answerApproval(msg)

	case unified.TypeInterrupt:
		return s.callAsync("interruptConversation", interruptParams{ConversationID: convID})

	default:
		return nil
	}
}

func (s *Session) answerApproval(msg unified.Message) error {
	requestID := msg.RequestID()
	s.mu.Lock()
	pa, ok := s.approvals[requestID]
	if ok {
		delete(s.approvals, requestID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending approval %q", requestID)
	}

	decision := decisionDenied
	switch unified.PermissionBehavior(msg.MetaString("behavior")) {
	case unified.BehaviorAllow:
		decision = decisionApproved
	case unified.BehaviorAlways:
		decision = decisionApprovedForSession
	}
	return s.writeJSON(rpcResponse{
		JSONRPC: "2.0",
		ID:      pa.rpcID,
		Result:  map[string]any{"decision": decision},
	})
}

// call issues a request and waits for the matching response.
func (s *Session) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := atomic.AddInt64(&s.nextID, 1)
	ch := make(chan rpcFrame, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, adapter.ErrSessionClosed
	}
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.writeJSON(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(s.callTimeout)
	defer timer.Stop()
	select {
	case frame, ok := <-ch:
		if !ok {
			return nil, adapter.ErrSessionClosed
		}
		if frame.Error != nil {
			return nil, fmt.Errorf("%s: rpc error %d: %s", method, frame.Error.Code, frame.Error.Message)
		}
		return frame.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%s: rpc timeout", method)
	}
}

// callAsync fires a request without waiting; the response is discarded in
// the read loop. Turn-level outcomes arrive as events, not response values.
func (s *Session) callAsync(method string, params any) error {
	id := atomic.AddInt64(&s.nextID, 1)
	return s.writeJSON(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
}

func (s *Session) notify(method string, params any) error {
	return s.writeJSON(rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
}

func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) emit(msg unified.Message) {
	s.mu.Lock()
	fn := s.passthrough
	s.mu.Unlock()
	if fn != nil && fn(msg) {
		return
	}
	// A consumer that stopped draining must not wedge the read loop; Close
	// releases any emit parked here.
	select {
	case s.messages <- msg:
	case <-s.quit:
	}
}

func (s *Session) readLoop() {
	defer close(s.messages)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			if !s.closed {
				s.err = err
			}
			for _, ch := range s.pending {
				close(ch)
			}
			s.pending = make(map[int64]chan rpcFrame)
			s.mu.Unlock()
			return
		}
		var frame rpcFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.log.Debug().Err(err).Msg("unparseable rpc frame")
			continue
		}
		switch {
		case frame.isResponse():
			s.resolveCall(frame)
		case frame.isRequest():
			s.handleServerRequest(frame)
		default:
			s.handleNotification(frame)
		}
	}
}

func (s *Session) resolveCall(frame rpcFrame) {
	s.mu.Lock()
	ch, ok := s.pending[*frame.ID]
	if ok {
		delete(s.pending, *frame.ID)
	}
	s.mu.Unlock()
	if ok {
		ch <- frame
	}
}

// handleServerRequest turns an approval ask into a permission_request and
// remembers the rpc id for the reply.
func (s *Session) handleServerRequest(frame rpcFrame) {
	if !isApprovalMethod(frame.Method) {
		// Unknown server request: refuse politely so the server unblocks.
		_ = s.writeJSON(rpcResponse{
			JSONRPC: "2.0",
			ID:      *frame.ID,
			Error:   rpcError{Code: -32601, Message: "method not supported"},
		})
		return
	}

	var params approvalRequestParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		s.log.Debug().Err(err).Str("method", frame.Method).Msg("bad approval params")
		return
	}

	requestID := fmt.Sprintf("codex-%d", *frame.ID)
	s.mu.Lock()
	s.approvals[requestID] = pendingApproval{rpcID: *frame.ID, method: frame.Method}
	s.mu.Unlock()

	toolName := "exec_command"
	input := map[string]any{}
	if params.Command != nil {
		input["command"] = params.Command
	}
	if params.Cwd != "" {
		input["cwd"] = params.Cwd
	}
	if params.Reason != "" {
		input["reason"] = params.Reason
	}
	if frame.Method == methodApplyPatchApproval {
		toolName = "apply_patch"
		if params.FileChanges != nil {
			input["fileChanges"] = params.FileChanges
		}
	}

	toolUseID := params.CallID
	if toolUseID == "" {
		toolUseID = params.ItemID
	}
	s.emit(unified.NewPermissionRequest(requestID, toolName, toolUseID, input))
}

func (s *Session) handleNotification(frame rpcFrame) {
	var env eventEnvelope
	if err := json.Unmarshal(frame.Params, &env); err != nil || len(env.Msg) == 0 {
		return
	}
	var msg eventMsg
	if err := json.Unmarshal(env.Msg, &msg); err != nil {
		return
	}

	switch msg.Type {
	case "agent_message_delta", "agent_reasoning_delta":
		if msg.Delta != "" {
			s.emit(unified.NewStreamDelta(msg.Delta))
		}

	case "agent_message":
		s.emit(unified.NewAssistantText(msg.Message, nil))

	case "task_started":
		s.emit(unified.NewWithMetadata(unified.TypeStatusChange, unified.RoleSystem, map[string]any{
			"status": "running",
		}))

	case "task_complete":
		s.emit(unified.NewWithMetadata(unified.TypeResult, unified.RoleSystem, map[string]any{
			"status":   "success",
			"is_error": false,
			"result":   msg.LastAgentMessage,
		}))

	case "turn_aborted":
		s.emit(unified.NewWithMetadata(unified.TypeResult, unified.RoleSystem, map[string]any{
			"status":     "turn_aborted",
			"is_error":   true,
			"error_code": string(unified.ErrAborted),
		}))

	case "token_count":
		if msg.Info == nil || msg.Info.TotalTokenUsage == nil {
			return
		}
		s.emit(unified.NewWithMetadata(unified.TypeResult, unified.RoleSystem, map[string]any{
			"status":   "token_count",
			"is_error": false,
			"modelUsage": map[string]any{
				"codex": map[string]any{
					"inputTokens":   msg.Info.TotalTokenUsage.InputTokens,
					"outputTokens":  msg.Info.TotalTokenUsage.OutputTokens,
					"contextWindow": msg.Info.ModelContext,
				},
			},
		}))

	case "exec_command_begin":
		s.emit(unified.NewWithMetadata(unified.TypeToolProgress, unified.RoleTool, map[string]any{
			"tool_name":   "exec_command",
			"tool_use_id": msg.CallID,
			"command":     msg.Command,
		}))

	case "error", "stream_error":
		text := msg.ErrMessage
		if text == "" {
			text = msg.Message
		}
		s.emit(unified.NewError(unified.ErrAPIError, text))

	default:
		out := unified.New(unified.TypeStreamEvent, unified.RoleAssistant)
		var raw map[string]any
		_ = json.Unmarshal(env.Msg, &raw)
		out.Metadata = map[string]any{"event": raw, "event_type": msg.Type}
		s.emit(out)
	}
}
