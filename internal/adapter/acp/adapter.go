// Package acp connects to agents speaking the Agent Client Protocol over
// child stdio. The SDK owns the JSON-RPC plumbing; this adapter implements
// the client callbacks and translates session updates into the unified
// envelope.
package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/adapter/process"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/pkg/unified"
)

const Name = "acp"

type Config struct {
	Binary string   // agent executable
	Args   []string // extra args before the protocol takes over
}

type Adapter struct {
	cfg        Config
	supervisor *process.Supervisor
	log        zerolog.Logger
}

func New(cfg Config, supervisor *process.Supervisor) *Adapter {
	return &Adapter{cfg: cfg, supervisor: supervisor, log: logging.With("adapter.acp")}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{Streaming: true, Permissions: true}
}

func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.Session, error) {
	if a.cfg.Binary == "" {
		return nil, fmt.Errorf("acp agent binary not configured")
	}

	handle, err := a.supervisor.Spawn(opts.SessionID, process.Spec{
		Command:   a.cfg.Binary,
		Args:      a.cfg.Args,
		Dir:       opts.Cwd,
		Env:       opts.Env,
		RawStdout: true,
	})
	if err != nil {
		return nil, fmt.Errorf("spawn acp agent: %w", err)
	}

	s := &Session{
		sessionID: opts.SessionID,
		cwd:       opts.Cwd,
		messages:  make(chan unified.Message, 64),
		quit:      make(chan struct{}),
		pending:   make(map[string]chan unified.Message),
		log:       a.log.With().Str("session_id", opts.SessionID).Logger(),
	}
	s.conn = acpsdk.NewClientSideConnection(&clientAdapter{s: s}, handle.Stdin(), handle.Stdout())

	if err := s.handshake(ctx, opts); err != nil {
		_ = a.supervisor.Kill(opts.SessionID)
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

type Session struct {
	sessionID string
	cwd       string
	conn      *acpsdk.ClientSideConnection
	messages  chan unified.Message
	quit      chan struct{}
	log       zerolog.Logger

	mu           sync.Mutex
	closed       bool
	err          error
	acpSessionID string
	turnCancel   context.CancelFunc
	pending      map[string]chan unified.Message // permission request_id -> reply
	passthrough  func(unified.Message) bool
}

func (s *Session) handshake(ctx context.Context, opts adapter.ConnectOptions) error {
	if _, err := s.conn.Initialize(ctx, acpsdk.InitializeRequest{
		ProtocolVersion: acpsdk.ProtocolVersionNumber,
		ClientCapabilities: acpsdk.ClientCapabilities{
			Fs: acpsdk.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
		},
	}); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	cwd := opts.Cwd
	if cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			cwd = wd
		}
	}
	resp, err := s.conn.NewSession(ctx, acpsdk.NewSessionRequest{Cwd: cwd})
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}

	s.mu.Lock()
	s.acpSessionID = string(resp.SessionId)
	s.mu.Unlock()

	s.emit(unified.NewWithMetadata(unified.TypeSessionInit, unified.RoleSystem, map[string]any{
		"session_id":     string(resp.SessionId),
		"model":          opts.Model,
		"cwd":            cwd,
		"permissionMode": opts.PermissionMode,
	}))
	return nil
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
	cancel := s.turnCancel
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.mu.Unlock()

	close(s.quit)
	if cancel != nil {
		cancel()
	}
	close(s.messages)
	return nil
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
	acpID := s.acpSessionID
	s.mu.Unlock()

	switch msg.Type {
	case unified.TypeUserMessage:
		text := ""
		if len(msg.Content) > 0 {
			text = msg.Content[0].Text
		}
		go s.runTurn(acpID, text)
		return nil

	case unified.TypePermissionResponse:
		s.mu.Lock()
		ch, ok := s.pending[msg.RequestID()]
		if ok {
			delete(s.pending, msg.RequestID())
		}
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("no pending permission %q", msg.RequestID())
		}
		ch <- msg
		return nil

	case unified.TypeInterrupt:
		s.mu.Lock()
		cancel := s.turnCancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil

	default:
		return nil
	}
}

// runTurn issues a blocking Prompt call; streaming arrives via SessionUpdate
// callbacks while this waits for the stop reason.
func (s *Session) runTurn(acpID, text string) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.turnCancel != nil {
		s.turnCancel()
	}
	s.turnCancel = cancel
	s.mu.Unlock()
	defer cancel()

	resp, err := s.conn.Prompt(ctx, acpsdk.PromptRequest{
		SessionId: acpsdk.SessionId(acpID),
		Prompt:    []acpsdk.ContentBlock{acpsdk.TextBlock(text)},
	})
	if err != nil {
		if ctx.Err() != nil {
			s.emit(unified.NewWithMetadata(unified.TypeResult, unified.RoleSystem, map[string]any{
				"status":     "aborted",
				"is_error":   true,
				"error_code": string(unified.ErrAborted),
			}))
			return
		}
		s.emit(unified.NewWithMetadata(unified.TypeResult, unified.RoleSystem, map[string]any{
			"status":        "error",
			"is_error":      true,
			"error_code":    string(unified.ErrExecutionError),
			"error_message": err.Error(),
		}))
		return
	}

	stop := string(resp.StopReason)
	meta := map[string]any{
		"status":      "success",
		"is_error":    false,
		"stop_reason": stop,
	}
	if strings.EqualFold(stop, "cancelled") {
		meta["status"] = "aborted"
		meta["is_error"] = true
		meta["error_code"] = string(unified.ErrAborted)
	}
	s.emit(unified.NewWithMetadata(unified.TypeResult, unified.RoleSystem, meta))
}

func (s *Session) emit(msg unified.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	fn := s.passthrough
	s.mu.Unlock()
	if fn != nil && fn(msg) {
		return
	}
	select {
	case s.messages <- msg:
	case <-s.quit:
	}
}

// awaitPermission parks a request until the consumer answers or the turn is
// torn down.
func (s *Session) awaitPermission(ctx context.Context, req unified.Message) (unified.Message, bool) {
	ch := make(chan unified.Message, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return unified.Message{}, false
	}
	s.pending[req.RequestID()] = ch
	s.mu.Unlock()

	s.emit(req)

	select {
	case resp, ok := <-ch:
		return resp, ok
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, req.RequestID())
		s.mu.Unlock()
		return unified.Message{}, false
	}
}

// clientAdapter implements the SDK's client callbacks.
type clientAdapter struct {
	s *Session
}

var _ acpsdk.Client = (*clientAdapter)(nil)

func (c *clientAdapter) ReadTextFile(ctx context.Context, req acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	path, err := c.resolvePath(req.Path)
	if err != nil {
		return acpsdk.ReadTextFileResponse{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return acpsdk.ReadTextFileResponse{}, err
	}
	content := string(data)
	if req.Line != nil || req.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if req.Line != nil && *req.Line > 0 {
			start = min(*req.Line-1, len(lines))
		}
		end := len(lines)
		if req.Limit != nil && *req.Limit > 0 && start+*req.Limit < end {
			end = start + *req.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return acpsdk.ReadTextFileResponse{Content: content}, nil
}

func (c *clientAdapter) WriteTextFile(ctx context.Context, req acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	path, err := c.resolvePath(req.Path)
	if err != nil {
		return acpsdk.WriteTextFileResponse{}, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acpsdk.WriteTextFileResponse{}, err
		}
	}
	if err := os.WriteFile(path, []byte(req.Content), 0o644); err != nil {
		return acpsdk.WriteTextFileResponse{}, err
	}
	return acpsdk.WriteTextFileResponse{}, nil
}

func (c *clientAdapter) resolvePath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}
	if c.s.cwd == "" {
		return "", fmt.Errorf("path must be absolute: %s", path)
	}
	return filepath.Join(c.s.cwd, path), nil
}

// permOption mirrors the protocol's permission option shape; decoding via
// JSON keeps this independent of SDK struct details.
type permOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// RequestPermission surfaces the agent's ask as a permission_request and
// blocks until the mediator forwards the consumer's answer.
func (c *clientAdapter) RequestPermission(ctx context.Context, req acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	cancelled := acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.RequestPermissionOutcome{Cancelled: &acpsdk.RequestPermissionOutcomeCancelled{}},
	}
	if len(req.Options) == 0 {
		return cancelled, nil
	}

	opts := decodeOptions(req.Options)
	toolUseID, title := toolCallMeta(req.ToolCall)

	requestID := "acp-" + uuid.NewString()
	input := map[string]any{"title": title}
	if raw, err := json.Marshal(req.Options); err == nil {
		var anyOpts []any
		if json.Unmarshal(raw, &anyOpts) == nil {
			input["options"] = anyOpts
		}
	}

	resp, ok := c.s.awaitPermission(ctx, unified.NewPermissionRequest(requestID, title, toolUseID, input))
	if !ok {
		return cancelled, nil
	}

	idx := pickOption(opts, unified.PermissionBehavior(resp.MetaString("behavior")))
	if explicit := resp.MetaString("option_id"); explicit != "" {
		for i, o := range opts {
			if o.OptionID == explicit {
				idx = i
			}
		}
	}
	if idx < 0 || idx >= len(req.Options) {
		return cancelled, nil
	}
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.RequestPermissionOutcome{
			Selected: &acpsdk.RequestPermissionOutcomeSelected{OptionId: req.Options[idx].OptionId},
		},
	}, nil
}

func decodeOptions(options any) []permOption {
	raw, err := json.Marshal(options)
	if err != nil {
		return nil
	}
	var opts []permOption
	if err := json.Unmarshal(raw, &opts); err != nil {
		return nil
	}
	return opts
}

// pickOption maps the unified behavior onto an index in the agent's option
// list by kind, falling back to list position when kinds are absent.
func pickOption(opts []permOption, behavior unified.PermissionBehavior) int {
	if len(opts) == 0 {
		return -1
	}
	wantPrefix := "reject"
	switch behavior {
	case unified.BehaviorAllow, unified.BehaviorAlways:
		wantPrefix = "allow"
	}
	if behavior == unified.BehaviorAlways {
		for i, o := range opts {
			if o.Kind == "allow_always" {
				return i
			}
		}
	}
	for i, o := range opts {
		if strings.HasPrefix(o.Kind, wantPrefix) {
			return i
		}
	}
	if wantPrefix == "allow" {
		return 0
	}
	return len(opts) - 1
}

// toolCallMeta pulls the id and title out of any tool-call shaped value via
// its JSON encoding, staying independent of SDK struct details.
func toolCallMeta(toolCall any) (id, title string) {
	raw, err := json.Marshal(toolCall)
	if err != nil {
		return "", ""
	}
	var m struct {
		ToolCallID string `json:"toolCallId"`
		Title      string `json:"title"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", ""
	}
	return m.ToolCallID, m.Title
}

// SessionUpdate translates streaming notifications.
func (c *clientAdapter) SessionUpdate(ctx context.Context, notif acpsdk.SessionNotification) error {
	update := notif.Update
	switch {
	case update.AgentMessageChunk != nil:
		if text := blockText(update.AgentMessageChunk.Content); text != "" {
			c.s.emit(unified.NewStreamDelta(text))
		}

	case update.AgentThoughtChunk != nil:
		if text := blockText(update.AgentThoughtChunk.Content); text != "" {
			out := unified.New(unified.TypeStreamEvent, unified.RoleAssistant)
			out.Metadata = map[string]any{"thought": text, "event_type": "agent_thought"}
			c.s.emit(out)
		}

	case update.ToolCall != nil:
		toolUseID, title := toolCallMeta(update.ToolCall)
		c.s.emit(unified.NewWithMetadata(unified.TypeToolProgress, unified.RoleTool, map[string]any{
			"tool_name":   title,
			"tool_use_id": toolUseID,
			"status":      fmt.Sprint(update.ToolCall.Status),
		}))

	case update.ToolCallUpdate != nil:
		toolUseID, _ := toolCallMeta(update.ToolCallUpdate)
		c.s.emit(unified.NewWithMetadata(unified.TypeToolProgress, unified.RoleTool, map[string]any{
			"tool_use_id": toolUseID,
			"status":      fmt.Sprint(update.ToolCallUpdate.Status),
		}))

	case update.Plan != nil:
		out := unified.New(unified.TypeStreamEvent, unified.RoleAssistant)
		out.Metadata = map[string]any{"plan": update.Plan, "event_type": "plan"}
		c.s.emit(out)

	case update.AvailableCommandsUpdate != nil:
		c.s.emit(unified.NewWithMetadata(unified.TypeControlResponse, unified.RoleSystem, map[string]any{
			"response": map[string]any{"commands": update.AvailableCommandsUpdate},
		}))
	}
	return nil
}

func blockText(block acpsdk.ContentBlock) string {
	if block.Text != nil {
		return block.Text.Text
	}
	return ""
}

// Terminal support is not advertised in the handshake; the callbacks exist
// to satisfy the client interface.

var errTerminalUnsupported = fmt.Errorf("terminal not supported")

func (c *clientAdapter) CreateTerminal(ctx context.Context, req acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, errTerminalUnsupported
}

func (c *clientAdapter) TerminalOutput(ctx context.Context, req acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, errTerminalUnsupported
}

func (c *clientAdapter) WaitForTerminalExit(ctx context.Context, req acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, errTerminalUnsupported
}

func (c *clientAdapter) KillTerminalCommand(ctx context.Context, req acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, errTerminalUnsupported
}

func (c *clientAdapter) ReleaseTerminal(ctx context.Context, req acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, errTerminalUnsupported
}
