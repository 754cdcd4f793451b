// Package claude adapts the Claude CLI's --sdk-url WebSocket protocol to the
// unified envelope. The connection is inverted: the daemon spawns the CLI
// with a callback URL and the CLI dials into /ws/cli/<sessionId>; the socket
// registry pairs that inbound connection with the waiting Connect call.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/pkg/unified"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const Name = "claude"

type Adapter struct {
	sockets *SocketRegistry
	log     zerolog.Logger
}

func New(sockets *SocketRegistry) *Adapter {
	return &Adapter{sockets: sockets, log: logging.With("adapter.claude")}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Streaming:     true,
		Permissions:   true,
		SlashCommands: true,
		Availability:  true,
		Teams:         true,
		Inverted:      true,
	}
}

// Connect waits for the CLI to dial back. The launcher has already spawned
// the process; ctx carries the initialize window.
func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.Session, error) {
	wait := a.sockets.Expect(opts.SessionID)
	select {
	case sock := <-wait:
		return newSession(opts.SessionID, sock, a.log), nil
	case <-ctx.Done():
		a.sockets.Cancel(opts.SessionID)
		return nil, fmt.Errorf("claude cli did not connect: %w", ctx.Err())
	}
}

// Session translates CLI frames to and from unified messages for one socket
// lifetime.
type Session struct {
	sessionID string
	sock      Socket
	messages  chan unified.Message
	quit      chan struct{}

	mu              sync.Mutex
	closed          bool
	err             error
	claudeSessionID string
	passthrough     func(unified.Message) bool

	log zerolog.Logger
}

func newSession(sessionID string, sock Socket, log zerolog.Logger) *Session {
	s := &Session{
		sessionID: sessionID,
		sock:      sock,
		messages:  make(chan unified.Message, 64),
		quit:      make(chan struct{}),
		log:       log.With().Str("session_id", sessionID).Logger(),
	}
	go s.readLoop()
	return s
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
	s.mu.Unlock()
	close(s.quit)
	return s.sock.Close()
}

// SetPassthroughHandler installs the echo filter consulted before a message
// reaches the channel.
func (s *Session) SetPassthroughHandler(fn func(unified.Message) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passthrough = fn
}

// Send encodes a unified message onto the CLI socket.
func (s *Session) Send(msg unified.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return adapter.ErrSessionClosed
	}
	vendorID := s.claudeSessionID
	s.mu.Unlock()

	switch msg.Type {
	case unified.TypeUserMessage:
		text := ""
		if len(msg.Content) > 0 {
			text = msg.Content[0].Text
		}
		return sendJSON(s.sock, newUserMessage(text, vendorID))

	case unified.TypePermissionResponse:
		return s.sendPermissionResponse(msg)

	case unified.TypeInterrupt:
		return sendJSON(s.sock, controlRequest{
			Type:      "control_request",
			RequestID: uuid.NewString(),
			Request:   map[string]any{"subtype": "interrupt"},
		})

	case unified.TypeControlRequest:
		req := map[string]any{}
		for k, v := range msg.Metadata {
			req[k] = v
		}
		return sendJSON(s.sock, controlRequest{
			Type:      "control_request",
			RequestID: uuid.NewString(),
			Request:   req,
		})

	default:
		// session_init and friends are inbound-only; quietly ignore.
		return nil
	}
}

// SendRaw forwards a pre-encoded frame, used to flush messages queued while
// the CLI was down.
func (s *Session) SendRaw(data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return adapter.ErrSessionClosed
	}
	s.mu.Unlock()

	// Raw frames are consumer-shaped; re-encode user messages for the CLI.
	var msg unified.Message
	if err := json.Unmarshal(data, &msg); err == nil && msg.Type == unified.TypeUserMessage {
		return s.Send(msg)
	}
	return s.sock.WriteMessage(data)
}

// ExecuteSlash forwards a slash command as a user turn; the CLI interprets
// it natively.
func (s *Session) ExecuteSlash(ctx context.Context, command, args string) error {
	text := command
	if args != "" {
		text += " " + args
	}
	return s.Send(unified.NewUserText(text))
}

func (s *Session) sendPermissionResponse(msg unified.Message) error {
	requestID := msg.RequestID()
	behavior := unified.PermissionBehavior(msg.MetaString("behavior"))
	switch behavior {
	case unified.BehaviorAllow, unified.BehaviorAlways:
		// The CLI has no persistent-allow wire form; always collapses.
		input, _ := msg.Metadata["updatedInput"].(map[string]any)
		if input == nil {
			input, _ = msg.Metadata["input"].(map[string]any)
		}
		return sendJSON(s.sock, allowResponse(requestID, input))
	default:
		reason := msg.MetaString("message")
		if reason == "" {
			reason = "denied"
		}
		return sendJSON(s.sock, denyResponse(requestID, reason))
	}
}

func (s *Session) readLoop() {
	defer close(s.messages)
	for {
		data, err := s.sock.ReadMessage()
		if err != nil {
			s.mu.Lock()
			if !s.closed {
				s.err = err
			}
			s.mu.Unlock()
			return
		}
		if len(data) == 0 {
			continue
		}
		s.dispatch(data)
	}
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

func (s *Session) dispatch(data []byte) {
	rm, err := unmarshalRaw(data)
	if err != nil {
		s.log.Debug().Err(err).Msg("unparseable cli frame")
		return
	}

	switch rm.Type {
	case "system":
		s.handleSystem(rm)
	case "assistant":
		s.handleAssistant(rm)
	case "user":
		s.handleUserEcho(rm)
	case "stream_event":
		s.handleStreamEvent(rm)
	case "result":
		s.handleResult(rm)
	case "control_request":
		s.handleControlRequest(rm)
	case "control_response":
		s.handleControlResponse(rm)
	case "tool_progress":
		s.handleToolProgress(rm)
	case "tool_use_summary":
		s.handleToolUseSummary(rm)
	case "auth_status":
		s.handleAuthStatus(rm)
	case "keep_alive":
		// heartbeat, no-op
	default:
		s.log.Debug().Str("type", rm.Type).Msg("unknown cli frame type")
	}
}

func (s *Session) handleSystem(rm rawMessage) {
	switch rm.Subtype {
	case "init":
		var msg systemInitMessage
		if err := json.Unmarshal(rm.Raw, &msg); err != nil {
			s.log.Debug().Err(err).Msg("bad system/init")
			return
		}
		s.mu.Lock()
		s.claudeSessionID = msg.SessionID
		s.mu.Unlock()

		servers := make([]any, len(msg.MCPServers))
		for i, srv := range msg.MCPServers {
			servers[i] = map[string]any{"name": srv.Name, "status": srv.Status}
		}
		s.emit(unified.NewWithMetadata(unified.TypeSessionInit, unified.RoleSystem, map[string]any{
			"session_id":          msg.SessionID,
			"model":               msg.Model,
			"cwd":                 msg.CWD,
			"permissionMode":      msg.PermissionMode,
			"claude_code_version": msg.ClaudeCodeVersion,
			"tools":               msg.Tools,
			"mcp_servers":         servers,
			"agents":              anySlice(msg.Agents),
			"slash_commands":      msg.SlashCommands,
			"skills":              msg.Skills,
		}))

	case "status":
		var msg systemStatusMessage
		if err := json.Unmarshal(rm.Raw, &msg); err != nil {
			return
		}
		status := ""
		if msg.Status != nil {
			status = *msg.Status
		}
		s.emit(unified.NewWithMetadata(unified.TypeStatusChange, unified.RoleSystem, map[string]any{
			"status": status,
		}))

	default:
		// compact_boundary, task_notification and the rest flow through as
		// status changes with the subtype preserved.
		s.emit(unified.NewWithMetadata(unified.TypeStatusChange, unified.RoleSystem, map[string]any{
			"status":  rm.Subtype,
			"subtype": rm.Subtype,
		}))
	}
}

func (s *Session) handleAssistant(rm rawMessage) {
	var msg assistantMessage
	if err := json.Unmarshal(rm.Raw, &msg); err != nil {
		s.log.Debug().Err(err).Msg("bad assistant frame")
		return
	}

	var inner struct {
		ID         string           `json:"id"`
		Model      string           `json:"model"`
		StopReason *string          `json:"stop_reason"`
		Content    []json.RawMessage `json:"content"`
		Usage      map[string]any   `json:"usage"`
	}
	_ = json.Unmarshal(msg.Message, &inner)

	out := unified.New(unified.TypeAssistant, unified.RoleAssistant)
	out.Content = decodeBlocks(inner.Content)
	metadata := map[string]any{}
	if inner.Model != "" {
		metadata["model"] = inner.Model
	}
	if inner.ID != "" {
		metadata["message_id"] = inner.ID
	}
	if inner.StopReason != nil {
		metadata["stop_reason"] = *inner.StopReason
	}
	if len(inner.Usage) > 0 {
		metadata["usage"] = inner.Usage
	}
	if msg.Error != "" {
		metadata["error"] = msg.Error
	}
	if len(metadata) > 0 {
		out.Metadata = metadata
	}
	s.emit(out)
}

// handleUserEcho surfaces tool_result carriers and prompt echoes. The
// lifecycle's passthrough filter swallows echoes of forwarded slash commands.
func (s *Session) handleUserEcho(rm rawMessage) {
	var msg struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(rm.Raw, &msg); err != nil {
		return
	}
	var inner struct {
		Content json.RawMessage `json:"content"`
	}
	_ = json.Unmarshal(msg.Message, &inner)

	out := unified.New(unified.TypeUserMessage, unified.RoleUser)
	// Content is either a plain string or a block list.
	var text string
	if err := json.Unmarshal(inner.Content, &text); err == nil {
		out.Content = []unified.ContentBlock{unified.TextBlock(text)}
	} else {
		var blocks []json.RawMessage
		if err := json.Unmarshal(inner.Content, &blocks); err == nil {
			out.Content = decodeBlocks(blocks)
		}
	}
	s.emit(out)
}

func (s *Session) handleStreamEvent(rm rawMessage) {
	var se streamEventMessage
	if err := json.Unmarshal(rm.Raw, &se); err != nil || len(se.Event) == 0 {
		return
	}
	var event map[string]any
	if err := json.Unmarshal(se.Event, &event); err != nil {
		return
	}

	eventType, _ := event["type"].(string)
	if eventType == "content_block_delta" {
		if delta, ok := event["delta"].(map[string]any); ok {
			if text, ok := delta["text"].(string); ok && text != "" {
				s.emit(unified.NewStreamDelta(text))
				return
			}
		}
	}

	out := unified.New(unified.TypeStreamEvent, unified.RoleAssistant)
	out.Metadata = map[string]any{"event": event, "event_type": eventType}
	s.emit(out)
}

func (s *Session) handleResult(rm rawMessage) {
	var msg resultMessage
	if err := json.Unmarshal(rm.Raw, &msg); err != nil {
		s.log.Debug().Err(err).Msg("bad result frame")
		return
	}

	metadata := map[string]any{
		"status":          msg.Subtype,
		"is_error":        msg.IsError,
		"duration_ms":     msg.DurationMS,
		"duration_api_ms": msg.DurationAPIMS,
		"num_turns":       msg.NumTurns,
		"total_cost_usd":  msg.TotalCostUSD,
	}
	if msg.IsError {
		metadata["error_code"] = string(unified.NormalizeErrorCode(msg.Subtype))
		if len(msg.Errors) > 0 {
			metadata["error_message"] = strings.Join(msg.Errors, "; ")
		}
	}
	if msg.Result != "" {
		metadata["result"] = msg.Result
	}
	if msg.StopReason != nil {
		metadata["stop_reason"] = *msg.StopReason
	}
	if len(msg.ModelUsage) > 0 {
		usage := make(map[string]any, len(msg.ModelUsage))
		for model, u := range msg.ModelUsage {
			usage[model] = u
		}
		metadata["modelUsage"] = usage
	}
	s.emit(unified.NewWithMetadata(unified.TypeResult, unified.RoleSystem, metadata))
}

func (s *Session) handleControlRequest(rm rawMessage) {
	var req struct {
		RequestID string          `json:"request_id"`
		Request   json.RawMessage `json:"request"`
	}
	if err := json.Unmarshal(rm.Raw, &req); err != nil {
		return
	}
	var inner struct {
		Subtype string `json:"subtype"`
	}
	if err := json.Unmarshal(req.Request, &inner); err != nil {
		return
	}

	if inner.Subtype != "can_use_tool" {
		// Unknown control subtype: acknowledge so the CLI does not stall.
		_ = sendJSON(s.sock, controlResponse{
			Type: "control_response",
			Response: controlResponsePayload{
				Subtype:   "success",
				RequestID: req.RequestID,
			},
		})
		return
	}

	var toolReq canUseToolRequest
	if err := json.Unmarshal(req.Request, &toolReq); err != nil {
		_ = sendJSON(s.sock, controlResponse{
			Type: "control_response",
			Response: controlResponsePayload{
				Subtype:   "error",
				RequestID: req.RequestID,
				Error:     "failed to parse can_use_tool request",
			},
		})
		return
	}
	s.emit(unified.NewPermissionRequest(req.RequestID, toolReq.ToolName, toolReq.ToolUseID, toolReq.Input))
}

func (s *Session) handleControlResponse(rm rawMessage) {
	var msg struct {
		Response map[string]any `json:"response"`
	}
	if err := json.Unmarshal(rm.Raw, &msg); err != nil {
		return
	}
	s.emit(unified.NewWithMetadata(unified.TypeControlResponse, unified.RoleSystem, map[string]any{
		"response": msg.Response,
	}))
}

func (s *Session) handleToolProgress(rm rawMessage) {
	var msg toolProgressMessage
	if err := json.Unmarshal(rm.Raw, &msg); err != nil {
		return
	}
	s.emit(unified.NewWithMetadata(unified.TypeToolProgress, unified.RoleTool, map[string]any{
		"tool_name":            msg.ToolName,
		"tool_use_id":          msg.ToolUseID,
		"elapsed_time_seconds": msg.ElapsedTimeSeconds,
	}))
}

func (s *Session) handleToolUseSummary(rm rawMessage) {
	var msg struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(rm.Raw, &msg); err != nil {
		return
	}
	s.emit(unified.NewWithMetadata(unified.TypeToolUseSummary, unified.RoleTool, map[string]any{
		"summary": msg.Summary,
	}))
}

func (s *Session) handleAuthStatus(rm rawMessage) {
	var msg struct {
		IsAuthenticating bool     `json:"isAuthenticating"`
		Output           []string `json:"output"`
		Error            string   `json:"error,omitempty"`
	}
	if err := json.Unmarshal(rm.Raw, &msg); err != nil {
		return
	}
	s.emit(unified.NewWithMetadata(unified.TypeAuthStatus, unified.RoleSystem, map[string]any{
		"is_authenticating": msg.IsAuthenticating,
		"output":            msg.Output,
		"error":             msg.Error,
	}))
}

// decodeBlocks converts vendor content blocks to unified ones, keeping the
// block types the envelope understands and flattening the rest to text.
func decodeBlocks(raw []json.RawMessage) []unified.ContentBlock {
	blocks := make([]unified.ContentBlock, 0, len(raw))
	for _, rb := range raw {
		var block unified.ContentBlock
		if err := json.Unmarshal(rb, &block); err != nil {
			continue
		}
		switch block.Type {
		case unified.BlockText, unified.BlockToolUse, unified.BlockToolResult, unified.BlockRefusal:
			blocks = append(blocks, block)
		default:
			blocks = append(blocks, unified.ContentBlock{Type: unified.BlockText, Text: string(rb)})
		}
	}
	return blocks
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
