package session

import (
	"math"

	"github.com/beamcode/beamcode/pkg/unified"
)

// Reduce folds one inbound unified message into the derived state. Pure and
// side-effect free: when the message changes nothing the identical pointer
// comes back; otherwise a new instance carrying the merge.
//
// control_response is deliberately not handled here. Capability payloads
// (supported models, commands) travel a side-channel owned by the lifecycle
// manager; the reducer stays a function of the message stream alone.
func Reduce(state *State, msg unified.Message) *State {
	switch msg.Type {
	case unified.TypeSessionInit:
		return reduceSessionInit(state, msg)
	case unified.TypeStatusChange:
		return reduceStatusChange(state, msg)
	case unified.TypeResult:
		return reduceResult(state, msg)
	default:
		return state
	}
}

// reduceSessionInit merges the init metadata onto state, preserving every
// field the metadata does not mention.
func reduceSessionInit(state *State, msg unified.Message) *State {
	if msg.Metadata == nil {
		return state
	}
	next := state.clone()
	changed := false

	if v := msg.MetaString("session_id"); v != "" && v != next.SessionID {
		next.SessionID = v
		changed = true
	}
	if v := msg.MetaString("model"); v != "" && v != next.Model {
		next.Model = v
		changed = true
	}
	if v := msg.MetaString("cwd"); v != "" && v != next.Cwd {
		next.Cwd = v
		changed = true
	}
	if v := msg.MetaString("permissionMode"); v != "" && v != next.PermissionMode {
		next.PermissionMode = v
		changed = true
	}
	if v := msg.MetaString("claude_code_version"); v != "" && v != next.CLIVersion {
		next.CLIVersion = v
		changed = true
	}
	if v, ok := metaStrings(msg, "tools"); ok {
		next.Tools = v
		changed = true
	}
	if v, ok := metaAnys(msg, "mcp_servers"); ok {
		next.MCPServers = v
		changed = true
	}
	if v, ok := metaAnys(msg, "agents"); ok {
		next.Agents = v
		changed = true
	}
	if v, ok := metaStrings(msg, "slash_commands"); ok {
		next.SlashCommands = v
		changed = true
	}
	if v, ok := metaStrings(msg, "skills"); ok {
		next.Skills = v
		changed = true
	}

	if !changed {
		return state
	}
	return next
}

func reduceStatusChange(state *State, msg unified.Message) *State {
	compacting := msg.MetaString("status") == "compacting"
	mode := msg.MetaString("permissionMode")

	if compacting == state.IsCompacting && (mode == "" || mode == state.PermissionMode) {
		return state
	}
	next := state.clone()
	next.IsCompacting = compacting
	if mode != "" {
		next.PermissionMode = mode
	}
	return next
}

func reduceResult(state *State, msg unified.Message) *State {
	if msg.Metadata == nil {
		return state
	}
	next := state.clone()
	changed := false

	if v, ok := metaFloat(msg, "total_cost_usd"); ok && v != next.TotalCostUSD {
		next.TotalCostUSD = v
		changed = true
	}
	if v, ok := metaFloat(msg, "num_turns"); ok && int(v) != next.NumTurns {
		next.NumTurns = int(v)
		changed = true
	}
	if v, ok := metaFloat(msg, "total_lines_added"); ok && int(v) != next.TotalLinesAdded {
		next.TotalLinesAdded = int(v)
		changed = true
	}
	if v, ok := metaFloat(msg, "total_lines_removed"); ok && int(v) != next.TotalLinesRemoved {
		next.TotalLinesRemoved = int(v)
		changed = true
	}
	if v, ok := metaFloat(msg, "duration_ms"); ok && v != next.LastDurationMS {
		next.LastDurationMS = v
		changed = true
	}
	if v, ok := metaFloat(msg, "duration_api_ms"); ok && v != next.LastDurationAPIMS {
		next.LastDurationAPIMS = v
		changed = true
	}
	if usage, ok := msg.Metadata["modelUsage"].(map[string]any); ok && len(usage) > 0 {
		next.LastModelUsage = usage
		if pct, ok := contextUsedPercent(usage); ok {
			next.ContextUsedPercent = pct
		}
		changed = true
	}

	if !changed {
		return state
	}
	return next
}

// contextUsedPercent computes (input + output) / contextWindow * 100 from
// the first model entry carrying a positive context window. Rounded to two
// decimals so repeated runs agree.
func contextUsedPercent(usage map[string]any) (float64, bool) {
	for _, v := range usage {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		window, _ := toFloat(m["contextWindow"])
		if window <= 0 {
			continue
		}
		input, _ := toFloat(m["inputTokens"])
		output, _ := toFloat(m["outputTokens"])
		pct := (input + output) / window * 100
		return math.Round(pct*100) / 100, true
	}
	return 0, false
}

func metaFloat(msg unified.Message, key string) (float64, bool) {
	v, ok := msg.Metadata[key]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func metaStrings(msg unified.Message, key string) ([]string, bool) {
	raw, ok := msg.Metadata[key]
	if !ok {
		return nil, false
	}
	switch vs := raw.(type) {
	case []string:
		return append([]string(nil), vs...), true
	case []any:
		out := make([]string, 0, len(vs))
		for _, v := range vs {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	default:
		return nil, false
	}
}

func metaAnys(msg unified.Message, key string) ([]any, bool) {
	raw, ok := msg.Metadata[key]
	if !ok {
		return nil, false
	}
	vs, ok := raw.([]any)
	if !ok {
		return nil, false
	}
	return append([]any(nil), vs...), true
}
