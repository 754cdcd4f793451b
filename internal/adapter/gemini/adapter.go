// Package gemini drives a Gemini CLI A2A server child over HTTP. Prompts go
// out as JSON-RPC message/stream calls; the SSE reply stream carries task
// status and artifact updates that map onto the unified envelope.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/adapter/process"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/pkg/unified"
)

const Name = "gemini"

const agentCardPath = "/.well-known/agent-card.json"

type Config struct {
	Binary     string        // default "gemini"
	ReadyRetry time.Duration // budget for the agent-card readiness probe
}

func DefaultConfig() Config {
	return Config{Binary: "gemini", ReadyRetry: 15 * time.Second}
}

type Adapter struct {
	cfg        Config
	supervisor *process.Supervisor
	log        zerolog.Logger
}

func New(cfg Config, supervisor *process.Supervisor) *Adapter {
	if cfg.Binary == "" {
		cfg.Binary = "gemini"
	}
	return &Adapter{cfg: cfg, supervisor: supervisor, log: logging.With("adapter.gemini")}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{Streaming: true}
}

func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.Session, error) {
	port, err := reservePort()
	if err != nil {
		return nil, fmt.Errorf("reserve port: %w", err)
	}

	args := []string{"--experimental-a2a-server", "--port", strconv.Itoa(port)}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if _, err := a.supervisor.Spawn(opts.SessionID, process.Spec{
		Command: a.cfg.Binary,
		Args:    args,
		Dir:     opts.Cwd,
		Env:     opts.Env,
	}); err != nil {
		return nil, fmt.Errorf("spawn a2a server: %w", err)
	}

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	card, err := awaitReady(ctx, baseURL, a.cfg.ReadyRetry)
	if err != nil {
		_ = a.supervisor.Kill(opts.SessionID)
		return nil, fmt.Errorf("a2a server not ready: %w", err)
	}

	s := newSession(opts.SessionID, baseURL, a.log)
	s.emit(unified.NewWithMetadata(unified.TypeSessionInit, unified.RoleSystem, map[string]any{
		"session_id":     opts.SessionID,
		"model":          opts.Model,
		"cwd":            opts.Cwd,
		"permissionMode": opts.PermissionMode,
		"agent_name":     card.Name,
		"agent_version":  card.Version,
	}))
	return s, nil
}

// awaitReady polls the agent card until the child binds its port.
func awaitReady(ctx context.Context, baseURL string, budget time.Duration) (agentCard, error) {
	return backoff.Retry(ctx, func() (agentCard, error) {
		var card agentCard
		resp, err := http.Get(baseURL + agentCardPath)
		if err != nil {
			return card, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return card, fmt.Errorf("agent card: status %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
			return card, err
		}
		return card, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(budget))
}

func reservePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port, nil
}

type Session struct {
	sessionID string
	baseURL   string
	client    *http.Client
	messages  chan unified.Message
	quit      chan struct{}
	log       zerolog.Logger

	nextID int64

	mu          sync.Mutex
	closed      bool
	err         error
	taskID      string
	contextID   string
	turnCancel  context.CancelFunc
	turnDone    chan struct{}
	passthrough func(unified.Message) bool
}

func newSession(sessionID, baseURL string, log zerolog.Logger) *Session {
	return &Session{
		sessionID: sessionID,
		baseURL:   baseURL,
		client:    &http.Client{},
		messages:  make(chan unified.Message, 64),
		quit:      make(chan struct{}),
		log:       log.With().Str("session_id", sessionID).Logger(),
	}
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

	// Unblock any emit stuck on a full channel, cancel the in-flight turn,
	// and only then close the channel: no send can still be in flight.
	close(s.quit)
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
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

// startTurn issues message/stream and consumes the SSE reply in a goroutine.
// One turn at a time; a new prompt cancels the previous stream first.
func (s *Session) startTurn(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return adapter.ErrSessionClosed
	}
	if s.turnCancel != nil {
		s.turnCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.turnCancel = cancel
	s.turnDone = done
	taskID := s.taskID
	contextID := s.contextID
	s.mu.Unlock()

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      atomic.AddInt64(&s.nextID, 1),
		Method:  "message/stream",
		Params: messageSendParams{Message: a2aMessage{
			Role:      "user",
			Parts:     []a2aPart{{Kind: "text", Text: text}},
			MessageID: uuid.NewString(),
			TaskID:    taskID,
			ContextID: contextID,
		}},
	}
	body, err := json.Marshal(req)
	if err != nil {
		cancel()
		close(done)
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/", bytes.NewReader(body))
	if err != nil {
		cancel()
		close(done)
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		cancel()
		close(done)
		return fmt.Errorf("message/stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		close(done)
		return fmt.Errorf("message/stream: status %d", resp.StatusCode)
	}

	go func() {
		defer close(done)
		defer resp.Body.Close()
		s.consumeSSE(ctx, resp.Body)
	}()
	return nil
}

// consumeSSE reads data: lines off the stream and translates each event.
func (s *Session) consumeSSE(ctx context.Context, body io.Reader) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			s.emit(unified.NewWithMetadata(unified.TypeResult, unified.RoleSystem, map[string]any{
				"status":     "aborted",
				"is_error":   true,
				"error_code": string(unified.ErrAborted),
			}))
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal([]byte(payload), &resp); err != nil {
			s.log.Debug().Err(err).Msg("bad sse payload")
			continue
		}
		if resp.Error != nil {
			s.emit(unified.NewError(unified.ErrAPIError, resp.Error.Message))
			continue
		}
		s.handleEvent(resp.Result)
	}
	if ctx.Err() != nil {
		s.emit(unified.NewWithMetadata(unified.TypeResult, unified.RoleSystem, map[string]any{
			"status":     "aborted",
			"is_error":   true,
			"error_code": string(unified.ErrAborted),
		}))
		return
	}
	if err := scanner.Err(); err != nil {
		s.mu.Lock()
		if !s.closed && s.err == nil {
			s.err = err
		}
		s.mu.Unlock()
	}
}

func (s *Session) handleEvent(raw json.RawMessage) {
	var ev streamEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return
	}

	switch ev.Kind {
	case "task":
		s.mu.Lock()
		s.taskID = ev.ID
		s.contextID = ev.ContextID
		s.mu.Unlock()
		s.emit(unified.NewWithMetadata(unified.TypeStatusChange, unified.RoleSystem, map[string]any{
			"status": "running",
		}))

	case "status-update":
		s.handleStatusUpdate(ev)

	case "artifact-update":
		if ev.Artifact == nil {
			return
		}
		if text := textOfParts(ev.Artifact.Parts); text != "" {
			s.emit(unified.NewStreamDelta(text))
		}

	case "message":
		if text := textOfParts(ev.Parts); text != "" {
			s.emit(unified.NewAssistantText(text, nil))
		}
	}
}

func (s *Session) handleStatusUpdate(ev streamEvent) {
	if ev.Status == nil {
		return
	}
	switch ev.Status.State {
	case "completed":
		text := ""
		if ev.Status.Message != nil {
			text = textOfParts(ev.Status.Message.Parts)
		}
		if text != "" {
			s.emit(unified.NewAssistantText(text, nil))
		}
		s.emit(unified.NewWithMetadata(unified.TypeResult, unified.RoleSystem, map[string]any{
			"status":   "success",
			"is_error": false,
			"result":   text,
		}))

	case "failed":
		text := "task failed"
		if ev.Status.Message != nil {
			if t := textOfParts(ev.Status.Message.Parts); t != "" {
				text = t
			}
		}
		s.emit(unified.NewWithMetadata(unified.TypeResult, unified.RoleSystem, map[string]any{
			"status":        "failed",
			"is_error":      true,
			"error_code":    string(unified.ErrExecutionError),
			"error_message": text,
		}))

	case "canceled":
		s.emit(unified.NewWithMetadata(unified.TypeResult, unified.RoleSystem, map[string]any{
			"status":     "canceled",
			"is_error":   true,
			"error_code": string(unified.ErrAborted),
		}))

	default:
		s.emit(unified.NewWithMetadata(unified.TypeStatusChange, unified.RoleSystem, map[string]any{
			"status": ev.Status.State,
		}))
	}
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
