// Package adk is the API-native Gemini adapter: an in-process ADK agent
// instead of a vendor CLI. MCP servers from the connect options become ADK
// toolsets over stdio command transports.
package adk

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"google.golang.org/adk/agent"
	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/model"
	"google.golang.org/adk/model/gemini"
	"google.golang.org/adk/runner"
	adksession "google.golang.org/adk/session"
	"google.golang.org/adk/tool"
	"google.golang.org/adk/tool/mcptoolset"
	"google.golang.org/genai"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/pkg/unified"
)

const Name = "adk"

const (
	defaultModel = "gemini-2.5-flash"
	appName      = "beamcode"
	userID       = "beamcode-user"
)

// MCPServerSpec configures one stdio MCP server exposed to the agent as a
// toolset. Passed through ConnectOptions.Extra["mcp_servers"].
type MCPServerSpec struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

type Adapter struct {
	log zerolog.Logger
}

func New() *Adapter {
	return &Adapter{log: logging.With("adapter.adk")}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{Streaming: true}
}

func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.Session, error) {
	apiKey := opts.Env["GOOGLE_API_KEY"]
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("GOOGLE_API_KEY not set")
	}

	modelName := opts.Model
	if modelName == "" {
		modelName = defaultModel
	}

	rootCtx, cancel := context.WithCancel(context.Background())

	llm, err := gemini.NewModel(rootCtx, modelName, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create model: %w", err)
	}

	toolsets, err := buildToolsets(opts)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Session{
		sessionID: opts.SessionID,
		model:     modelName,
		messages:  make(chan unified.Message, 64),
		quit:      make(chan struct{}),
		rootCtx:   rootCtx,
		rootStop:  cancel,
		log:       a.log.With().Str("session_id", opts.SessionID).Logger(),
	}

	ag, err := llmagent.New(llmagent.Config{
		Name:        "beamcode-" + opts.SessionID,
		Model:       llm,
		Description: "BeamCode managed agent",
		Toolsets:    toolsets,
		AfterModelCallbacks: []llmagent.AfterModelCallback{
			s.afterModelCallback,
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create agent: %w", err)
	}

	svc := adksession.InMemoryService()
	r, err := runner.New(runner.Config{
		AppName:        appName,
		Agent:          ag,
		SessionService: svc,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create runner: %w", err)
	}

	created, err := svc.Create(rootCtx, &adksession.CreateRequest{
		AppName: appName,
		UserID:  userID,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create adk session: %w", err)
	}

	s.runner = r
	s.adkSessID = created.Session.ID()

	s.emit(unified.NewWithMetadata(unified.TypeSessionInit, unified.RoleSystem, map[string]any{
		"session_id": s.adkSessID,
		"model":      modelName,
		"cwd":        opts.Cwd,
	}))
	return s, nil
}

func buildToolsets(opts adapter.ConnectOptions) ([]tool.Toolset, error) {
	specs := mcpSpecs(opts)
	var toolsets []tool.Toolset
	for _, spec := range specs {
		cmd := exec.Command(spec.Command, spec.Args...)
		if opts.Cwd != "" {
			cmd.Dir = opts.Cwd
		}
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		ts, err := mcptoolset.New(mcptoolset.Config{
			Transport: &mcp.CommandTransport{Command: cmd},
		})
		if err != nil {
			return nil, fmt.Errorf("mcp toolset %s: %w", spec.Name, err)
		}
		toolsets = append(toolsets, ts)
	}
	return toolsets, nil
}

func mcpSpecs(opts adapter.ConnectOptions) []MCPServerSpec {
	raw, ok := opts.Extra["mcp_servers"]
	if !ok {
		return nil
	}
	if specs, ok := raw.([]MCPServerSpec); ok {
		return specs
	}
	// Config files decode to []any of maps.
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	var specs []MCPServerSpec
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		spec := MCPServerSpec{}
		spec.Name, _ = m["name"].(string)
		spec.Command, _ = m["command"].(string)
		if args, ok := m["args"].([]any); ok {
			for _, a := range args {
				if sa, ok := a.(string); ok {
					spec.Args = append(spec.Args, sa)
				}
			}
		}
		if spec.Command != "" {
			specs = append(specs, spec)
		}
	}
	return specs
}

type Session struct {
	sessionID string
	model     string
	runner    *runner.Runner
	adkSessID string
	messages  chan unified.Message
	quit      chan struct{}
	rootCtx   context.Context
	rootStop  context.CancelFunc
	log       zerolog.Logger

	mu          sync.Mutex
	closed      bool
	err         error
	turnCancel  context.CancelFunc
	turnDone    chan struct{}
	passthrough func(unified.Message) bool
}

func (s *Session) Messages() <-chan unified.Message { return s.messages }

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.turnCancel
	done := s.turnDone
	s.mu.Unlock()

	close(s.quit)
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	s.rootStop()
	close(s.messages)
	return nil
}

func (s *Session) SetPassthroughHandler(fn func(unified.Message) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passthrough = fn
}

func (s *Session) Send(msg unified.Message) error {
	switch msg.Type {
	case unified.TypeUserMessage:
		text := ""
		if len(msg.Content) > 0 {
			text = msg.Content[0].Text
		}
		return s.startTurn(text)

	case unified.TypeInterrupt:
		s.mu.Lock()
		cancel := s.turnCancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil

	default:
		return nil
	}
}

func (s *Session) startTurn(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return adapter.ErrSessionClosed
	}
	if s.turnCancel != nil {
		s.turnCancel()
	}
	ctx, cancel := context.WithCancel(s.rootCtx)
	done := make(chan struct{})
	s.turnCancel = cancel
	s.turnDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		s.runTurn(ctx, text)
	}()
	return nil
}

func (s *Session) runTurn(ctx context.Context, text string) {
	userMsg := genai.NewContentFromText(text, "user")

	for event, err := range s.runner.Run(ctx, userID, s.adkSessID, userMsg, agent.RunConfig{
		StreamingMode: agent.StreamingModeSSE,
	}) {
		if err != nil {
			if ctx.Err() != nil {
				s.emit(unified.NewWithMetadata(unified.TypeResult, unified.RoleSystem, map[string]any{
					"status":     "aborted",
					"is_error":   true,
					"error_code": string(unified.ErrAborted),
				}))
				return
			}
			s.emit(unified.NewWithMetadata(unified.TypeResult, unified.RoleSystem, map[string]any{
				"status":        "error",
				"is_error":      true,
				"error_code":    string(unified.ErrAPIError),
				"error_message": err.Error(),
			}))
			return
		}
		if event == nil {
			continue
		}
		s.processEvent(event)
	}

	s.emit(unified.NewWithMetadata(unified.TypeResult, unified.RoleSystem, map[string]any{
		"status":   "success",
		"is_error": false,
	}))
}

func (s *Session) processEvent(event *adksession.Event) {
	if event.Content == nil {
		return
	}
	for _, part := range event.Content.Parts {
		if part.Text == "" {
			continue
		}
		if event.Partial {
			s.emit(unified.NewStreamDelta(part.Text))
		} else {
			s.emit(unified.NewAssistantText(part.Text, map[string]any{"model": s.model}))
		}
	}
}

// afterModelCallback taps usage metadata off each model response so results
// can carry modelUsage the same way CLI backends do.
func (s *Session) afterModelCallback(ctx agent.CallbackContext, resp *model.LLMResponse, err error) (*model.LLMResponse, error) {
	if err != nil || resp == nil || resp.UsageMetadata == nil {
		return resp, err
	}
	s.emit(unified.NewWithMetadata(unified.TypeResult, unified.RoleSystem, map[string]any{
		"status":   "token_count",
		"is_error": false,
		"modelUsage": map[string]any{
			s.model: map[string]any{
				"inputTokens":  int64(resp.UsageMetadata.PromptTokenCount),
				"outputTokens": int64(resp.UsageMetadata.CandidatesTokenCount),
			},
		},
	}))
	return resp, err
}

func (s *Session) emit(msg unified.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	fn := s.passthrough
	s.mu.Unlock()
	if fn != nil && fn(msg) {
		return
	}
	select {
	case s.messages <- msg:
	case <-s.quit:
	}
}
