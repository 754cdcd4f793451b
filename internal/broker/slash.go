package broker

import (
	"fmt"
	"strings"

	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/pkg/unified"
)

// SlashEmulator answers the small built-in command set for adapters without
// a native slash executor.
type SlashEmulator struct{}

func NewSlashEmulator() *SlashEmulator { return &SlashEmulator{} }

// Execute runs a built-in command. The second return is false for commands
// the emulator does not know.
func (e *SlashEmulator) Execute(sess *session.Session, command string) (unified.Message, bool) {
	switch strings.TrimPrefix(command, "/") {
	case "help":
		return e.help(sess), true
	case "status":
		return e.status(sess), true
	default:
		return unified.Message{}, false
	}
}

func (e *SlashEmulator) help(sess *session.Session) unified.Message {
	commands := []string{"/help", "/status"}
	commands = append(commands, sess.SupportedCommands()...)
	return unified.NewWithMetadata(unified.TypeSlashCommandResult, unified.RoleSystem, map[string]any{
		"command": "/help",
		"result":  "Available commands: " + strings.Join(commands, ", "),
	})
}

func (e *SlashEmulator) status(sess *session.Session) unified.Message {
	st := sess.State()
	lines := []string{
		fmt.Sprintf("session: %s", sess.ID),
		fmt.Sprintf("adapter: %s", sess.AdapterName),
		fmt.Sprintf("cli connected: %v", sess.CLIConnected()),
	}
	if st.Model != "" {
		lines = append(lines, fmt.Sprintf("model: %s", st.Model))
	}
	lines = append(lines,
		fmt.Sprintf("cost: $%.4f", st.TotalCostUSD),
		fmt.Sprintf("turns: %d", st.NumTurns),
	)
	if st.ContextUsedPercent > 0 {
		lines = append(lines, fmt.Sprintf("context used: %.1f%%", st.ContextUsedPercent))
	}
	return unified.NewWithMetadata(unified.TypeSlashCommandResult, unified.RoleSystem, map[string]any{
		"command": "/status",
		"result":  strings.Join(lines, "\n"),
	})
}
