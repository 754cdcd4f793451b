package claude

import "encoding/json"

// Wire types for the Claude CLI --sdk-url WebSocket protocol. The CLI speaks
// NDJSON over a single socket it dials into the daemon.

// rawMessage is an incoming frame with its type pre-parsed so dispatch avoids
// double-decoding.
type rawMessage struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

func unmarshalRaw(data []byte) (rawMessage, error) {
	var rm rawMessage
	if err := json.Unmarshal(data, &rm); err != nil {
		return rm, err
	}
	rm.Raw = data
	return rm, nil
}

// ── daemon → CLI ─────────────────────────────────────────────────────────

type userMessage struct {
	Type            string         `json:"type"` // "user"
	Message         userMsgContent `json:"message"`
	ParentToolUseID *string        `json:"parent_tool_use_id"`
	SessionID       string         `json:"session_id"`
}

type userMsgContent struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}

func newUserMessage(content, sessionID string) userMessage {
	return userMessage{
		Type:      "user",
		Message:   userMsgContent{Role: "user", Content: content},
		SessionID: sessionID,
	}
}

type controlRequest struct {
	Type      string         `json:"type"` // "control_request"
	RequestID string         `json:"request_id"`
	Request   map[string]any `json:"request"` // discriminated by "subtype"
}

type controlResponse struct {
	Type     string                 `json:"type"` // "control_response"
	Response controlResponsePayload `json:"response"`
}

type controlResponsePayload struct {
	Subtype   string         `json:"subtype"` // "success" | "error"
	RequestID string         `json:"request_id"`
	Response  map[string]any `json:"response,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// allowResponse permits the tool with (optionally modified) input.
func allowResponse(requestID string, updatedInput map[string]any) controlResponse {
	return controlResponse{
		Type: "control_response",
		Response: controlResponsePayload{
			Subtype:   "success",
			RequestID: requestID,
			Response: map[string]any{
				"behavior":     "allow",
				"updatedInput": updatedInput,
			},
		},
	}
}

func denyResponse(requestID, reason string) controlResponse {
	return controlResponse{
		Type: "control_response",
		Response: controlResponsePayload{
			Subtype:   "success",
			RequestID: requestID,
			Response: map[string]any{
				"behavior": "deny",
				"message":  reason,
			},
		},
	}
}

// ── CLI → daemon ─────────────────────────────────────────────────────────

// systemInitMessage is the first frame the CLI sends after connecting.
type systemInitMessage struct {
	Type              string          `json:"type"`    // "system"
	Subtype           string          `json:"subtype"` // "init"
	SessionID         string          `json:"session_id"`
	CWD               string          `json:"cwd"`
	Model             string          `json:"model"`
	ClaudeCodeVersion string          `json:"claude_code_version"`
	PermissionMode    string          `json:"permissionMode"`
	APIKeySource      string          `json:"apiKeySource"`
	Tools             []string        `json:"tools"`
	MCPServers        []mcpServerInfo `json:"mcp_servers"`
	Agents            []string        `json:"agents"`
	SlashCommands     []string        `json:"slash_commands"`
	Skills            []string        `json:"skills"`
}

type mcpServerInfo struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

type assistantMessage struct {
	Type            string          `json:"type"` // "assistant"
	Message         json.RawMessage `json:"message"`
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	Error           string          `json:"error,omitempty"`
	UUID            string          `json:"uuid"`
	SessionID       string          `json:"session_id"`
}

type streamEventMessage struct {
	Type            string          `json:"type"`  // "stream_event"
	Event           json.RawMessage `json:"event"` // inner streaming event
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	UUID            string          `json:"uuid"`
	SessionID       string          `json:"session_id"`
}

type resultMessage struct {
	Type          string                    `json:"type"`    // "result"
	Subtype       string                    `json:"subtype"` // "success" | "error_*"
	IsError       bool                      `json:"is_error"`
	Result        string                    `json:"result,omitempty"`
	Errors        []string                  `json:"errors,omitempty"`
	DurationMS    float64                   `json:"duration_ms"`
	DurationAPIMS float64                   `json:"duration_api_ms"`
	NumTurns      int                       `json:"num_turns"`
	TotalCostUSD  float64                   `json:"total_cost_usd"`
	StopReason    *string                   `json:"stop_reason"`
	ModelUsage    map[string]map[string]any `json:"modelUsage,omitempty"`
	UUID          string                    `json:"uuid"`
	SessionID     string                    `json:"session_id"`
}

type systemStatusMessage struct {
	Type      string  `json:"type"`    // "system"
	Subtype   string  `json:"subtype"` // "status"
	Status    *string `json:"status"`  // "compacting" | null
	SessionID string  `json:"session_id"`
}

type toolProgressMessage struct {
	Type               string  `json:"type"` // "tool_progress"
	ToolUseID          string  `json:"tool_use_id"`
	ToolName           string  `json:"tool_name"`
	ElapsedTimeSeconds float64 `json:"elapsed_time_seconds"`
	SessionID          string  `json:"session_id"`
}

// canUseToolRequest is the control_request payload for subtype "can_use_tool".
type canUseToolRequest struct {
	Subtype     string         `json:"subtype"` // "can_use_tool"
	ToolName    string         `json:"tool_name"`
	Input       map[string]any `json:"input"`
	ToolUseID   string         `json:"tool_use_id"`
	Description string         `json:"description,omitempty"`
}
