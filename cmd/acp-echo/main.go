// acp-echo is a stub ACP agent for exercising the broker without a real
// model behind it. Point the acp adapter at this binary and every prompt
// streams back word by word as agent message chunks, so spawn, handshake,
// streaming updates and the final result all run end to end for free.
//
// A prompt starting with "fail:" makes the turn return an error, which is
// handy for driving the broker's error-result path from a live agent.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	acp "github.com/coder/acp-go-sdk"
)

type stubAgent struct {
	conn *acp.AgentSideConnection
}

var _ acp.Agent = (*stubAgent)(nil)

func (a *stubAgent) Initialize(_ context.Context, _ acp.InitializeRequest) (acp.InitializeResponse, error) {
	return acp.InitializeResponse{
		ProtocolVersion:   acp.ProtocolVersionNumber,
		AgentCapabilities: acp.AgentCapabilities{LoadSession: false},
	}, nil
}

func (a *stubAgent) Authenticate(_ context.Context, _ acp.AuthenticateRequest) (acp.AuthenticateResponse, error) {
	return acp.AuthenticateResponse{}, nil
}

func (a *stubAgent) NewSession(_ context.Context, _ acp.NewSessionRequest) (acp.NewSessionResponse, error) {
	return acp.NewSessionResponse{SessionId: "stub"}, nil
}

func (a *stubAgent) SetSessionMode(_ context.Context, _ acp.SetSessionModeRequest) (acp.SetSessionModeResponse, error) {
	return acp.SetSessionModeResponse{}, nil
}

func (a *stubAgent) Cancel(_ context.Context, _ acp.CancelNotification) error {
	return nil
}

func (a *stubAgent) Prompt(ctx context.Context, req acp.PromptRequest) (acp.PromptResponse, error) {
	text := promptText(req.Prompt)

	if rest, ok := strings.CutPrefix(text, "fail:"); ok {
		return acp.PromptResponse{}, errors.New(strings.TrimSpace(rest))
	}

	// One chunk per word keeps the consumer-side delta aggregation honest.
	words := strings.Fields("echo: " + text)
	for i, word := range words {
		if i > 0 {
			word = " " + word
		}
		if err := a.conn.SessionUpdate(ctx, acp.SessionNotification{
			SessionId: req.SessionId,
			Update:    acp.UpdateAgentMessageText(word),
		}); err != nil {
			return acp.PromptResponse{}, err
		}
	}
	return acp.PromptResponse{StopReason: acp.StopReasonEndTurn}, nil
}

func promptText(blocks []acp.ContentBlock) string {
	var b strings.Builder
	for _, block := range blocks {
		if block.Text != nil {
			b.WriteString(block.Text.Text)
		}
	}
	if b.Len() == 0 {
		return "(empty prompt)"
	}
	return b.String()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ag := &stubAgent{}
	conn := acp.NewAgentSideConnection(ag, os.Stdout, os.Stdin)
	ag.conn = conn

	select {
	case <-ctx.Done():
	case <-conn.Done():
	}
}
