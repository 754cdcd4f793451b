package session

import (
	"strings"
	"time"

	"github.com/beamcode/beamcode/pkg/unified"
)

// teamTools is the closed set of tool names carrying conversation-team
// semantics. "Task" qualifies only when its input names both a team and an
// agent (see isTeamToolUse).
var teamTools = map[string]struct{}{
	"TeamCreate":  {},
	"TeamDelete":  {},
	"TaskCreate":  {},
	"TaskUpdate":  {},
	"TaskList":    {},
	"TaskGet":     {},
	"SendMessage": {},
}

const correlationTTL = 30 * time.Second

type pendingToolUse struct {
	block    unified.ContentBlock
	buffered time.Time
}

// Correlator buffers team tool_use blocks by id and pairs them with their
// later tool_results, applying team mutations to the derived state. It runs
// as a pre-stage in front of the reducer on the session's owning goroutine,
// so it needs no locking.
type Correlator struct {
	pending map[string]pendingToolUse
	now     func() time.Time // test hook
}

func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]pendingToolUse), now: time.Now}
}

// Observe inspects msg and returns the (possibly updated) state. Optimistic
// mutations apply immediately on tool_use for TeamCreate, Task-as-spawn and
// TaskCreate so the UI stays responsive while the tool runs; the rest wait
// for the paired tool_result.
func (c *Correlator) Observe(state *State, msg unified.Message) *State {
	switch msg.Type {
	case unified.TypeAssistant:
		return c.observeToolUses(state, msg)
	case unified.TypeUserMessage, unified.TypeToolProgress:
		return c.observeToolResults(state, msg)
	default:
		return state
	}
}

func (c *Correlator) observeToolUses(state *State, msg unified.Message) *State {
	now := c.now()
	for _, block := range msg.Content {
		if block.Type != unified.BlockToolUse || !isTeamToolUse(block) {
			continue
		}
		if block.ID != "" {
			c.pending[block.ID] = pendingToolUse{block: block, buffered: now}
		}
		state = applyOptimistic(state, block)
	}
	return state
}

func (c *Correlator) observeToolResults(state *State, msg unified.Message) *State {
	for _, block := range msg.Content {
		if block.Type != unified.BlockToolResult || block.ToolUseID == "" {
			continue
		}
		entry, ok := c.pending[block.ToolUseID]
		if !ok {
			continue
		}
		delete(c.pending, block.ToolUseID)
		if block.IsError {
			state = applyFailure(state, entry.block)
			continue
		}
		state = applyCompletion(state, entry.block, block)
	}
	return state
}

// Flush expires buffered tool_uses older than the correlation TTL. Called
// periodically by the session owner.
func (c *Correlator) Flush() {
	cutoff := c.now().Add(-correlationTTL)
	for id, entry := range c.pending {
		if entry.buffered.Before(cutoff) {
			delete(c.pending, id)
		}
	}
}

// PendingCount reports how many tool_uses await their results.
func (c *Correlator) PendingCount() int { return len(c.pending) }

func isTeamToolUse(block unified.ContentBlock) bool {
	if _, ok := teamTools[block.Name]; ok {
		return true
	}
	if block.Name != "Task" {
		return false
	}
	team, _ := block.Input["team_name"].(string)
	name, _ := block.Input["name"].(string)
	return team != "" && name != ""
}

func applyOptimistic(state *State, block unified.ContentBlock) *State {
	switch block.Name {
	case "TeamCreate":
		name, _ := block.Input["team_name"].(string)
		if name == "" {
			name, _ = block.Input["name"].(string)
		}
		next := state.clone()
		next.Team = &Team{Name: name}
		return next

	case "Task": // team-scoped agent spawn
		name, _ := block.Input["name"].(string)
		next := withTeam(state)
		next.Team.Members = append(next.Team.Members, TeamMember{
			Name:    name,
			AgentID: "tu-" + block.ID,
		})
		return next

	case "TaskCreate":
		subject, _ := block.Input["subject"].(string)
		desc, _ := block.Input["description"].(string)
		next := withTeam(state)
		next.Team.Tasks = append(next.Team.Tasks, TeamTask{
			ID:          "tu-" + block.ID,
			Subject:     subject,
			Description: desc,
			Status:      "pending",
		})
		return next
	}
	return state
}

func applyCompletion(state *State, use unified.ContentBlock, result unified.ContentBlock) *State {
	switch use.Name {
	case "TeamDelete":
		if state.Team == nil {
			return state
		}
		next := state.clone()
		next.Team = nil
		return next

	case "TaskCreate":
		// Replace the synthetic id once the real one is known.
		realID := resultTaskID(result)
		if realID == "" || state.Team == nil {
			return state
		}
		next := state.clone()
		for i := range next.Team.Tasks {
			if next.Team.Tasks[i].ID == "tu-"+use.ID {
				next.Team.Tasks[i].ID = realID
			}
		}
		return next

	case "TaskUpdate":
		if state.Team == nil {
			return state
		}
		taskID, _ := use.Input["task_id"].(string)
		if taskID == "" {
			return state
		}
		next := state.clone()
		for i := range next.Team.Tasks {
			if next.Team.Tasks[i].ID != taskID {
				continue
			}
			if v, ok := use.Input["status"].(string); ok && v != "" {
				next.Team.Tasks[i].Status = v
			}
			if v, ok := use.Input["subject"].(string); ok && v != "" {
				next.Team.Tasks[i].Subject = v
			}
			if v, ok := use.Input["owner"].(string); ok && v != "" {
				next.Team.Tasks[i].Owner = v
			}
		}
		return next
	}
	// TaskList, TaskGet, SendMessage and completed spawns carry no state.
	return state
}

// applyFailure rolls back optimistic mutations whose tool_result errored.
func applyFailure(state *State, use unified.ContentBlock) *State {
	switch use.Name {
	case "TeamCreate":
		if state.Team == nil {
			return state
		}
		next := state.clone()
		next.Team = nil
		return next

	case "Task":
		if state.Team == nil {
			return state
		}
		next := state.clone()
		kept := next.Team.Members[:0]
		for _, m := range next.Team.Members {
			if m.AgentID != "tu-"+use.ID {
				kept = append(kept, m)
			}
		}
		next.Team.Members = kept
		return next

	case "TaskCreate":
		if state.Team == nil {
			return state
		}
		next := state.clone()
		kept := next.Team.Tasks[:0]
		for _, t := range next.Team.Tasks {
			if t.ID != "tu-"+use.ID {
				kept = append(kept, t)
			}
		}
		next.Team.Tasks = kept
		return next
	}
	return state
}

func withTeam(state *State) *State {
	next := state.clone()
	if next.Team == nil {
		next.Team = &Team{}
	}
	return next
}

// resultTaskID digs the created task id out of a tool_result payload, which
// arrives either as a plain string ("Created task 12: ...") or a structured
// map.
func resultTaskID(result unified.ContentBlock) string {
	switch content := result.Content.(type) {
	case map[string]any:
		if id, ok := content["task_id"].(string); ok {
			return id
		}
		if id, ok := content["id"].(string); ok {
			return id
		}
	case string:
		const marker = "task "
		idx := strings.Index(strings.ToLower(content), marker)
		if idx < 0 {
			return ""
		}
		rest := content[idx+len(marker):]
		end := strings.IndexFunc(rest, func(r rune) bool {
			return !(r >= '0' && r <= '9') && !(r >= 'a' && r <= 'z') && !(r >= 'A' && r <= 'Z') && r != '-' && r != '_'
		})
		if end < 0 {
			end = len(rest)
		}
		return rest[:end]
	}
	return ""
}
