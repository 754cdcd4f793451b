package gemini

import "encoding/json"

// A2A JSON-RPC shapes. Requests go over POST /; streaming replies come back
// as a text/event-stream where each data: line is a JSON-RPC response whose
// result is a task, status-update, or artifact-update event.

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type messageSendParams struct {
	Message a2aMessage `json:"message"`
}

type a2aMessage struct {
	Role      string    `json:"role"` // "user"
	Parts     []a2aPart `json:"parts"`
	MessageID string    `json:"messageId"`
	TaskID    string    `json:"taskId,omitempty"`
	ContextID string    `json:"contextId,omitempty"`
}

type a2aPart struct {
	Kind string `json:"kind"` // "text"
	Text string `json:"text,omitempty"`
}

// streamEvent is the result payload of one SSE frame, discriminated by Kind.
type streamEvent struct {
	Kind string `json:"kind"` // "task" | "status-update" | "artifact-update" | "message"

	// task
	ID        string `json:"id,omitempty"`
	ContextID string `json:"contextId,omitempty"`

	// status-update
	TaskID string     `json:"taskId,omitempty"`
	Status *a2aStatus `json:"status,omitempty"`
	Final  bool       `json:"final,omitempty"`

	// artifact-update
	Artifact *a2aArtifact `json:"artifact,omitempty"`

	// message
	Role  string    `json:"role,omitempty"`
	Parts []a2aPart `json:"parts,omitempty"`
}

type a2aStatus struct {
	State   string      `json:"state"` // submitted|working|completed|failed|canceled|input-required
	Message *a2aMessage `json:"message,omitempty"`
}

type a2aArtifact struct {
	ArtifactID string    `json:"artifactId"`
	Name       string    `json:"name,omitempty"`
	Parts      []a2aPart `json:"parts"`
}

// agentCard is the discovery document served at the well-known path; fetching
// it doubles as the readiness probe.
type agentCard struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
	URL         string `json:"url,omitempty"`
}

func textOfParts(parts []a2aPart) string {
	out := ""
	for _, p := range parts {
		if p.Kind == "text" {
			out += p.Text
		}
	}
	return out
}
