// Package unified defines the message envelope that every backend protocol is
// translated into and out of. Adapters, the broker, and browser consumers all
// speak this one format; the JSON encoding here is the consumer wire format.
package unified

import (
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	TypeSessionInit         MessageType = "session_init"
	TypeStatusChange        MessageType = "status_change"
	TypeResult              MessageType = "result"
	TypeAssistant           MessageType = "assistant"
	TypeUserMessage         MessageType = "user_message"
	TypeStreamEvent         MessageType = "stream_event"
	TypeToolProgress        MessageType = "tool_progress"
	TypeToolUseSummary      MessageType = "tool_use_summary"
	TypePermissionRequest   MessageType = "permission_request"
	TypePermissionResponse  MessageType = "permission_response"
	TypePermissionCancelled MessageType = "permission_cancelled"
	TypeInterrupt           MessageType = "interrupt"
	TypeControlRequest      MessageType = "control_request"
	TypeControlResponse     MessageType = "control_response"
	TypeAuthStatus          MessageType = "auth_status"
	TypeSlashCommandResult  MessageType = "slash_command_result"
	TypeSlashCommandError   MessageType = "slash_command_error"
	TypeCLIConnected        MessageType = "cli_connected"
	TypeCLIDisconnected     MessageType = "cli_disconnected"
	TypeError               MessageType = "error"

	// Consumer-only inbound types. Never emitted by a backend; accepted on the
	// consumer socket and consumed by the coordinator's dispatch table.
	TypeSetPermissionMode MessageType = "set_permission_mode"
	TypeSlashCommand      MessageType = "slash_command"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Content block variants, discriminated by Type.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockRefusal    = "refusal"
)

type ContentBlock struct {
	Type string `json:"type"`

	// BlockText / BlockRefusal
	Text string `json:"text,omitempty"`

	// BlockToolUse
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// BlockToolResult
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

func ToolResultBlock(toolUseID string, content any, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message is the unified envelope. Messages are immutable once created; the
// ID is server-assigned and stable across history replay.
type Message struct {
	ID        string         `json:"id"`
	Type      MessageType    `json:"type"`
	Role      Role           `json:"role,omitempty"`
	Content   []ContentBlock `json:"content,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New creates an empty envelope of the given type with a fresh ID.
func New(t MessageType, role Role) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      t,
		Role:      role,
		Timestamp: time.Now().UTC(),
	}
}

func NewWithMetadata(t MessageType, role Role, metadata map[string]any) Message {
	m := New(t, role)
	m.Metadata = metadata
	return m
}

// NewAssistantText wraps a complete assistant text turn.
func NewAssistantText(text string, metadata map[string]any) Message {
	m := New(TypeAssistant, RoleAssistant)
	m.Content = []ContentBlock{TextBlock(text)}
	m.Metadata = metadata
	return m
}

// NewUserText wraps a plain user prompt.
func NewUserText(text string) Message {
	m := New(TypeUserMessage, RoleUser)
	m.Content = []ContentBlock{TextBlock(text)}
	return m
}

// NewStreamDelta carries an incremental text delta in metadata so consumers
// can render token-by-token without reassembling content blocks.
func NewStreamDelta(delta string) Message {
	m := New(TypeStreamEvent, RoleAssistant)
	m.Metadata = map[string]any{"delta": delta}
	return m
}

// NewError builds a synthetic error envelope with a normalized code.
func NewError(code ErrorCode, message string) Message {
	m := New(TypeError, RoleSystem)
	m.Metadata = map[string]any{
		"error_code":    string(code),
		"error_message": message,
	}
	return m
}

// NewPermissionRequest surfaces a backend tool-approval ask.
func NewPermissionRequest(requestID, toolName, toolUseID string, input map[string]any) Message {
	m := New(TypePermissionRequest, RoleSystem)
	m.Metadata = map[string]any{
		"request_id":  requestID,
		"tool_name":   toolName,
		"tool_use_id": toolUseID,
		"input":       input,
	}
	return m
}

func NewPermissionCancelled(requestID string) Message {
	m := New(TypePermissionCancelled, RoleSystem)
	m.Metadata = map[string]any{"request_id": requestID}
	return m
}

// RequestID extracts the permission correlation id, if present.
func (m Message) RequestID() string {
	return m.MetaString("request_id")
}

// MetaString reads a string metadata field, returning "" when absent or not
// a string.
func (m Message) MetaString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	s, _ := m.Metadata[key].(string)
	return s
}

// MetaBool reads a bool metadata field.
func (m Message) MetaBool(key string) bool {
	if m.Metadata == nil {
		return false
	}
	b, _ := m.Metadata[key].(bool)
	return b
}

// PermissionBehavior is the consumer's decision on a permission_request.
type PermissionBehavior string

const (
	BehaviorAllow  PermissionBehavior = "allow"
	BehaviorDeny   PermissionBehavior = "deny"
	BehaviorAlways PermissionBehavior = "always"
)

// ErrorCode is the normalized failure vocabulary carried on result terminals
// and error envelopes.
type ErrorCode string

const (
	ErrRateLimit      ErrorCode = "rate_limit"
	ErrOutputLength   ErrorCode = "output_length"
	ErrAborted        ErrorCode = "aborted"
	ErrExecutionError ErrorCode = "execution_error"
	ErrAPIError       ErrorCode = "api_error"
	ErrUnknown        ErrorCode = "unknown"
)

// NormalizeErrorCode maps vendor-specific failure strings onto the closed
// code set. Unrecognized inputs collapse to ErrUnknown.
func NormalizeErrorCode(vendor string) ErrorCode {
	switch vendor {
	case "rate_limit", "rate_limit_error", "error_rate_limit", "overloaded_error", "429":
		return ErrRateLimit
	case "output_length", "max_tokens", "error_max_turns", "max_output_tokens", "length":
		return ErrOutputLength
	case "aborted", "abort", "cancelled", "canceled", "interrupted", "turn_aborted":
		return ErrAborted
	case "execution_error", "error_during_execution", "tool_error":
		return ErrExecutionError
	case "api_error", "error", "invalid_request_error", "authentication_error", "billing_error":
		return ErrAPIError
	default:
		return ErrUnknown
	}
}
