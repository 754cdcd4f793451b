package codex

import "encoding/json"

// JSON-RPC 2.0 framing for the Codex app-server socket. The server sends
// three frame shapes: responses to our calls, its own requests (approvals),
// and event notifications.

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   any    `json:"error,omitempty"`
}

// rpcFrame is the inbound superset; discriminate on ID/Method presence.
type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (f rpcFrame) isResponse() bool { return f.ID != nil && f.Method == "" }
func (f rpcFrame) isRequest() bool  { return f.ID != nil && f.Method != "" }

// Approval methods the server calls on us; every one surfaces as a
// permission_request and is answered with a reviewDecision result.
const (
	methodExecCommandApproval = "execCommandApproval"
	methodApplyPatchApproval  = "applyPatchApproval"
	methodItemCommandApproval = "item/commandExecution/requestApproval"
)

func isApprovalMethod(method string) bool {
	switch method {
	case methodExecCommandApproval, methodApplyPatchApproval, methodItemCommandApproval:
		return true
	}
	return false
}

// initializeParams is the handshake payload.
type initializeParams struct {
	ClientInfo clientInfo `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title"`
	Version string `json:"version"`
}

type newConversationParams struct {
	Model          string `json:"model,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
}

type newConversationResult struct {
	ConversationID string `json:"conversationId"`
	Model          string `json:"model"`
	RolloutPath    string `json:"rolloutPath,omitempty"`
}

type resumeConversationParams struct {
	ConversationID string `json:"conversationId"`
	Cwd            string `json:"cwd,omitempty"`
}

type sendUserTurnParams struct {
	ConversationID string      `json:"conversationId"`
	Items          []inputItem `json:"items"`
}

type inputItem struct {
	Type string `json:"type"` // "text"
	Text string `json:"text,omitempty"`
}

type interruptParams struct {
	ConversationID string `json:"conversationId"`
}

// eventEnvelope is the params of a codex/event notification; Msg carries the
// vendor event discriminated by its own "type".
type eventEnvelope struct {
	ConversationID string          `json:"conversationId"`
	Msg            json.RawMessage `json:"msg"`
}

type eventMsg struct {
	Type string `json:"type"`

	// agent_message / agent_message_delta / agent_reasoning
	Message string `json:"message,omitempty"`
	Delta   string `json:"delta,omitempty"`

	// task_complete / turn_aborted
	LastAgentMessage string `json:"last_agent_message,omitempty"`
	Reason           string `json:"reason,omitempty"`

	// token_count
	Info *tokenCountInfo `json:"info,omitempty"`

	// exec_command_begin / exec_command_end
	CallID   string   `json:"call_id,omitempty"`
	Command  []string `json:"command,omitempty"`
	ExitCode *int     `json:"exit_code,omitempty"`

	// error / stream_error
	ErrMessage string `json:"error,omitempty"`
}

type tokenCountInfo struct {
	TotalTokenUsage *tokenUsage `json:"total_token_usage,omitempty"`
	LastTokenUsage  *tokenUsage `json:"last_token_usage,omitempty"`
	ModelContext    int         `json:"model_context_window,omitempty"`
}

type tokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// approvalRequestParams is the params of the server's approval requests.
type approvalRequestParams struct {
	ConversationID string         `json:"conversationId"`
	CallID         string         `json:"callId,omitempty"`
	ItemID         string         `json:"itemId,omitempty"`
	Command        any            `json:"command,omitempty"`
	Cwd            string         `json:"cwd,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	FileChanges    map[string]any `json:"fileChanges,omitempty"`
}

// reviewDecision values accepted in approval responses.
const (
	decisionApproved           = "approved"
	decisionApprovedForSession = "approved_for_session"
	decisionDenied             = "denied"
)
