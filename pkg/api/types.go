// Package api holds the HTTP DTOs the daemon exposes. Wire-level session
// messages live in pkg/unified; these types cover only the REST surface.
package api

import "time"

// SessionInfo is the launcher-visible session record returned by the
// sessions endpoints.
type SessionInfo struct {
	ID               string    `json:"id"`
	AdapterName      string    `json:"adapterName"`
	Cwd              string    `json:"cwd"`
	Model            string    `json:"model,omitempty"`
	PermissionMode   string    `json:"permissionMode,omitempty"`
	Name             string    `json:"name,omitempty"`
	Archived         bool      `json:"archived"`
	Status           string    `json:"status"`
	PID              int       `json:"pid,omitempty"`
	ExitCode         *int      `json:"exitCode,omitempty"`
	BackendSessionID string    `json:"backendSessionId,omitempty"`
	CLIConnected     bool      `json:"cliConnected"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActivity     time.Time `json:"lastActivity"`
}

type SessionListResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

type CreateSessionRequest struct {
	Cwd            string `json:"cwd"`
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
	AdapterName    string `json:"adapterName,omitempty"`
}

type RenameSessionRequest struct {
	Name string `json:"name"`
}

type ArchiveSessionRequest struct {
	Archived bool `json:"archived"`
}

// CapabilitySet mirrors the adapter capability flags for API consumers.
type CapabilitySet struct {
	Streaming     bool `json:"streaming"`
	Permissions   bool `json:"permissions"`
	SlashCommands bool `json:"slashCommands"`
	Availability  bool `json:"availability"`
	Teams         bool `json:"teams"`
	Inverted      bool `json:"inverted"`
}

type AdapterInfo struct {
	Name         string        `json:"name"`
	Capabilities CapabilitySet `json:"capabilities"`
}

type AdapterListResponse struct {
	Adapters []AdapterInfo `json:"adapters"`
}

type HealthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	Sessions      int     `json:"sessions"`
	UptimeSeconds float64 `json:"uptime"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
