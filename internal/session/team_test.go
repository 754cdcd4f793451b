package session

import (
	"testing"
	"time"

	"github.com/beamcode/beamcode/pkg/unified"
)

func newTestCorrelator() (*Correlator, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewCorrelator()
	c.now = func() time.Time { return now }
	return c, &now
}

func assistantToolUse(id, name string, input map[string]any) unified.Message {
	msg := unified.New(unified.TypeAssistant, unified.RoleAssistant)
	msg.Content = []unified.ContentBlock{{
		Type:  unified.BlockToolUse,
		ID:    id,
		Name:  name,
		Input: input,
	}}
	return msg
}

func toolResult(toolUseID string, content any, isError bool) unified.Message {
	msg := unified.New(unified.TypeUserMessage, unified.RoleUser)
	msg.Content = []unified.ContentBlock{{
		Type:      unified.BlockToolResult,
		ToolUseID: toolUseID,
		Content:   content,
		IsError:   isError,
	}}
	return msg
}

func TestCorrelator_TeamCreateOptimistic(t *testing.T) {
	c, _ := newTestCorrelator()
	state := NewState("s1")

	next := c.Observe(state, assistantToolUse("t1", "TeamCreate", map[string]any{"team_name": "reviewers"}))
	if next == state {
		t.Fatal("expected a mutated state")
	}
	if next.Team == nil || next.Team.Name != "reviewers" {
		t.Fatalf("team = %+v", next.Team)
	}
	if c.PendingCount() != 1 {
		t.Errorf("pending = %d", c.PendingCount())
	}
}

func TestCorrelator_TeamCreateRollbackOnError(t *testing.T) {
	c, _ := newTestCorrelator()
	state := c.Observe(NewState("s1"), assistantToolUse("t1", "TeamCreate", map[string]any{"team_name": "reviewers"}))

	state = c.Observe(state, toolResult("t1", "permission denied", true))
	if state.Team != nil {
		t.Error("errored TeamCreate should roll the team back")
	}
	if c.PendingCount() != 0 {
		t.Error("pairing should consume the buffered tool_use")
	}
}

func TestCorrelator_TaskSpawnSyntheticAgentID(t *testing.T) {
	c, _ := newTestCorrelator()
	state := c.Observe(NewState("s1"), assistantToolUse("t1", "TeamCreate", map[string]any{"team_name": "reviewers"}))

	state = c.Observe(state, assistantToolUse("t2", "Task", map[string]any{
		"team_name": "reviewers",
		"name":      "linter",
	}))
	if len(state.Team.Members) != 1 {
		t.Fatalf("members = %+v", state.Team.Members)
	}
	if got := state.Team.Members[0].AgentID; got != "tu-t2" {
		t.Errorf("agent id = %q, want tu-t2", got)
	}
}

func TestCorrelator_PlainTaskIgnored(t *testing.T) {
	c, _ := newTestCorrelator()
	state := NewState("s1")

	// Task without both team_name and name inputs is an ordinary subagent.
	next := c.Observe(state, assistantToolUse("t1", "Task", map[string]any{"prompt": "do things"}))
	if next != state {
		t.Error("non-team Task must not touch state")
	}
	if c.PendingCount() != 0 {
		t.Error("non-team Task must not be buffered")
	}
}

func TestCorrelator_TaskCreateReplacesSyntheticID(t *testing.T) {
	c, _ := newTestCorrelator()
	state := c.Observe(NewState("s1"), assistantToolUse("t1", "TeamCreate", map[string]any{"team_name": "reviewers"}))
	state = c.Observe(state, assistantToolUse("t2", "TaskCreate", map[string]any{"subject": "fix flaky test"}))

	if len(state.Team.Tasks) != 1 || state.Team.Tasks[0].ID != "tu-t2" {
		t.Fatalf("tasks = %+v", state.Team.Tasks)
	}
	if state.Team.Tasks[0].Status != "pending" {
		t.Errorf("status = %q", state.Team.Tasks[0].Status)
	}

	state = c.Observe(state, toolResult("t2", map[string]any{"task_id": "42"}, false))
	if state.Team.Tasks[0].ID != "42" {
		t.Errorf("id = %q, want real id 42", state.Team.Tasks[0].ID)
	}
}

func TestCorrelator_TaskCreateStringResultID(t *testing.T) {
	c, _ := newTestCorrelator()
	state := c.Observe(NewState("s1"), assistantToolUse("t1", "TeamCreate", map[string]any{"team_name": "r"}))
	state = c.Observe(state, assistantToolUse("t2", "TaskCreate", map[string]any{"subject": "s"}))

	state = c.Observe(state, toolResult("t2", "Created task 7: s", false))
	if state.Team.Tasks[0].ID != "7" {
		t.Errorf("id = %q, want 7", state.Team.Tasks[0].ID)
	}
}

func TestCorrelator_TaskUpdateOnCompletion(t *testing.T) {
	c, _ := newTestCorrelator()
	state := c.Observe(NewState("s1"), assistantToolUse("t1", "TeamCreate", map[string]any{"team_name": "r"}))
	state = c.Observe(state, assistantToolUse("t2", "TaskCreate", map[string]any{"subject": "s"}))
	state = c.Observe(state, toolResult("t2", map[string]any{"task_id": "42"}, false))

	state = c.Observe(state, assistantToolUse("t3", "TaskUpdate", map[string]any{
		"task_id": "42",
		"status":  "in_progress",
		"owner":   "linter",
	}))
	// TaskUpdate is not optimistic; it applies on completion.
	if state.Team.Tasks[0].Status != "pending" {
		t.Fatal("TaskUpdate must wait for its result")
	}

	state = c.Observe(state, toolResult("t3", "ok", false))
	task := state.Team.Tasks[0]
	if task.Status != "in_progress" || task.Owner != "linter" {
		t.Errorf("task = %+v", task)
	}
}

func TestCorrelator_TeamDeleteOnCompletion(t *testing.T) {
	c, _ := newTestCorrelator()
	state := c.Observe(NewState("s1"), assistantToolUse("t1", "TeamCreate", map[string]any{"team_name": "r"}))
	state = c.Observe(state, assistantToolUse("t2", "TeamDelete", map[string]any{"team_name": "r"}))
	if state.Team == nil {
		t.Fatal("TeamDelete must not apply optimistically")
	}

	state = c.Observe(state, toolResult("t2", "ok", false))
	if state.Team != nil {
		t.Error("completed TeamDelete should clear the team")
	}
}

func TestCorrelator_FlushExpiresStaleEntries(t *testing.T) {
	c, now := newTestCorrelator()
	state := c.Observe(NewState("s1"), assistantToolUse("t1", "SendMessage", map[string]any{"to": "linter"}))

	*now = now.Add(correlationTTL + time.Second)
	c.Flush()
	if c.PendingCount() != 0 {
		t.Fatal("stale tool_use should expire")
	}

	// A late result for the expired id is ignored.
	next := c.Observe(state, toolResult("t1", "ok", false))
	if next != state {
		t.Error("orphan tool_result must be a no-op")
	}
}

func TestCorrelator_TaskSpawnRollback(t *testing.T) {
	c, _ := newTestCorrelator()
	state := c.Observe(NewState("s1"), assistantToolUse("t1", "TeamCreate", map[string]any{"team_name": "r"}))
	state = c.Observe(state, assistantToolUse("t2", "Task", map[string]any{"team_name": "r", "name": "linter"}))

	state = c.Observe(state, toolResult("t2", "spawn failed", true))
	if len(state.Team.Members) != 0 {
		t.Errorf("failed spawn should remove the member, got %+v", state.Team.Members)
	}
}
