// Package session holds the session entity and the pure reducer that derives
// a per-session state snapshot from the unified message stream.
package session

// State is the derived snapshot rebuilt by the reducer on each inbound
// message. Treat instances as immutable: the reducer returns either the
// identical pointer (no change) or a fresh clone.
type State struct {
	SessionID          string         `json:"session_id,omitempty"`
	Model              string         `json:"model,omitempty"`
	Cwd                string         `json:"cwd,omitempty"`
	Tools              []string       `json:"tools,omitempty"`
	PermissionMode     string         `json:"permissionMode,omitempty"`
	CLIVersion         string         `json:"claude_code_version,omitempty"`
	MCPServers         []any          `json:"mcp_servers,omitempty"`
	Agents             []any          `json:"agents,omitempty"`
	SlashCommands      []string       `json:"slash_commands,omitempty"`
	Skills             []string       `json:"skills,omitempty"`
	TotalCostUSD       float64        `json:"total_cost_usd"`
	NumTurns           int            `json:"num_turns"`
	ContextUsedPercent float64        `json:"context_used_percent"`
	IsCompacting       bool           `json:"is_compacting"`
	TotalLinesAdded    int            `json:"total_lines_added"`
	TotalLinesRemoved  int            `json:"total_lines_removed"`
	LastDurationMS     float64        `json:"last_duration_ms,omitempty"`
	LastDurationAPIMS  float64        `json:"last_duration_api_ms,omitempty"`
	LastModelUsage     map[string]any `json:"last_model_usage,omitempty"`
	Team               *Team          `json:"team,omitempty"`
}

// Team is the optional sub-entity maintained by team-tool correlation.
type Team struct {
	Name    string       `json:"name"`
	Members []TeamMember `json:"members"`
	Tasks   []TeamTask   `json:"tasks"`
}

type TeamMember struct {
	Name    string `json:"name"`
	AgentID string `json:"agent_id,omitempty"`
}

type TeamTask struct {
	ID          string `json:"id"`
	Subject     string `json:"subject,omitempty"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
	Owner       string `json:"owner,omitempty"`
}

// NewState returns an empty snapshot for a session.
func NewState(sessionID string) *State {
	return &State{SessionID: sessionID}
}

// clone produces a shallow copy with fresh slice headers, deep enough that
// mutating the copy never touches the original's fields.
func (s *State) clone() *State {
	out := *s
	out.Tools = append([]string(nil), s.Tools...)
	out.MCPServers = append([]any(nil), s.MCPServers...)
	out.Agents = append([]any(nil), s.Agents...)
	out.SlashCommands = append([]string(nil), s.SlashCommands...)
	out.Skills = append([]string(nil), s.Skills...)
	if s.Team != nil {
		team := Team{
			Name:    s.Team.Name,
			Members: append([]TeamMember(nil), s.Team.Members...),
			Tasks:   append([]TeamTask(nil), s.Team.Tasks...),
		}
		out.Team = &team
	}
	return &out
}
