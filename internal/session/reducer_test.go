package session

import (
	"testing"

	"github.com/beamcode/beamcode/pkg/unified"
)

func TestReduce_SessionInitMergePreservesUnmentioned(t *testing.T) {
	start := NewState("s1")
	start.TotalCostUSD = 0.5
	start.NumTurns = 3

	msg := unified.NewWithMetadata(unified.TypeSessionInit, unified.RoleSystem, map[string]any{
		"model": "claude-opus-4-6",
	})

	next := Reduce(start, msg)
	if next == start {
		t.Fatal("expected a new state instance")
	}
	if next.Model != "claude-opus-4-6" {
		t.Errorf("model = %q", next.Model)
	}
	if next.TotalCostUSD != 0.5 || next.NumTurns != 3 {
		t.Error("unmentioned fields must survive the merge")
	}
	if start.Model != "" {
		t.Error("original state must not be mutated")
	}
}

func TestReduce_SessionInitFullMerge(t *testing.T) {
	msg := unified.NewWithMetadata(unified.TypeSessionInit, unified.RoleSystem, map[string]any{
		"session_id":          "vendor-1",
		"model":               "claude-opus-4-6",
		"cwd":                 "/work",
		"permissionMode":      "default",
		"claude_code_version": "2.1.0",
		"tools":               []any{"Bash", "Edit"},
		"slash_commands":      []any{"/help", "/compact"},
		"skills":              []any{"review"},
		"mcp_servers":         []any{map[string]any{"name": "fs", "status": "connected"}},
	})

	next := Reduce(NewState("s1"), msg)
	if next.SessionID != "vendor-1" || next.Cwd != "/work" || next.CLIVersion != "2.1.0" {
		t.Errorf("merge incomplete: %+v", next)
	}
	if len(next.Tools) != 2 || next.Tools[0] != "Bash" {
		t.Errorf("tools = %v", next.Tools)
	}
	if len(next.SlashCommands) != 2 || len(next.Skills) != 1 || len(next.MCPServers) != 1 {
		t.Error("list fields not merged")
	}
}

func TestReduce_NoChangeReturnsIdenticalState(t *testing.T) {
	state := NewState("s1")

	cases := []unified.Message{
		unified.New(unified.TypeAssistant, unified.RoleAssistant),
		unified.New(unified.TypeStreamEvent, unified.RoleAssistant),
		unified.New(unified.TypeControlResponse, unified.RoleSystem),
		unified.NewWithMetadata(unified.TypeStatusChange, unified.RoleSystem, map[string]any{"status": "idle"}),
		unified.New(unified.TypeSessionInit, unified.RoleSystem),
	}
	for _, msg := range cases {
		if got := Reduce(state, msg); got != state {
			t.Errorf("%s: expected identical state back", msg.Type)
		}
	}
}

func TestReduce_StatusChangeCompacting(t *testing.T) {
	state := NewState("s1")

	next := Reduce(state, unified.NewWithMetadata(unified.TypeStatusChange, unified.RoleSystem, map[string]any{
		"status": "compacting",
	}))
	if next == state || !next.IsCompacting {
		t.Fatal("compacting status should flip is_compacting on a new state")
	}

	done := Reduce(next, unified.NewWithMetadata(unified.TypeStatusChange, unified.RoleSystem, map[string]any{
		"status": "idle",
	}))
	if done.IsCompacting {
		t.Error("non-compacting status should clear the flag")
	}
}

func TestReduce_StatusChangePermissionMode(t *testing.T) {
	state := NewState("s1")
	next := Reduce(state, unified.NewWithMetadata(unified.TypeStatusChange, unified.RoleSystem, map[string]any{
		"status":         "idle",
		"permissionMode": "acceptEdits",
	}))
	if next.PermissionMode != "acceptEdits" {
		t.Errorf("permissionMode = %q", next.PermissionMode)
	}
}

func TestReduce_ResultContextPercent(t *testing.T) {
	msg := unified.NewWithMetadata(unified.TypeResult, unified.RoleSystem, map[string]any{
		"modelUsage": map[string]any{
			"m1": map[string]any{
				"inputTokens":   float64(50000),
				"outputTokens":  float64(10000),
				"contextWindow": float64(200000),
				"costUSD":       0.05,
			},
		},
	})

	next := Reduce(NewState("s1"), msg)
	if next.ContextUsedPercent != 30 {
		t.Errorf("context_used_percent = %v, want 30", next.ContextUsedPercent)
	}
	if next.LastModelUsage == nil {
		t.Error("modelUsage should be retained")
	}
}

func TestReduce_ResultMergesTotals(t *testing.T) {
	msg := unified.NewWithMetadata(unified.TypeResult, unified.RoleSystem, map[string]any{
		"total_cost_usd":      1.25,
		"num_turns":           float64(7),
		"total_lines_added":   float64(40),
		"total_lines_removed": float64(12),
		"duration_ms":         float64(5400),
		"duration_api_ms":     float64(4800),
	})

	next := Reduce(NewState("s1"), msg)
	if next.TotalCostUSD != 1.25 || next.NumTurns != 7 {
		t.Errorf("totals not merged: %+v", next)
	}
	if next.TotalLinesAdded != 40 || next.TotalLinesRemoved != 12 {
		t.Error("line counts not merged")
	}
	if next.LastDurationMS != 5400 || next.LastDurationAPIMS != 4800 {
		t.Error("durations not merged")
	}
}

func TestReduce_ResultZeroContextWindowIgnored(t *testing.T) {
	msg := unified.NewWithMetadata(unified.TypeResult, unified.RoleSystem, map[string]any{
		"modelUsage": map[string]any{
			"m1": map[string]any{"inputTokens": float64(100), "outputTokens": float64(10), "contextWindow": float64(0)},
		},
	})
	next := Reduce(NewState("s1"), msg)
	if next.ContextUsedPercent != 0 {
		t.Errorf("zero context window must not produce a percentage, got %v", next.ContextUsedPercent)
	}
}

func TestReduce_ControlResponseNeverMutates(t *testing.T) {
	state := NewState("s1")
	msg := unified.NewWithMetadata(unified.TypeControlResponse, unified.RoleSystem, map[string]any{
		"response": map[string]any{"commands": []any{"/model"}, "models": []any{"claude-opus-4-6"}},
	})
	if got := Reduce(state, msg); got != state {
		t.Error("control_response is handled by the side-channel, not the reducer")
	}
}
