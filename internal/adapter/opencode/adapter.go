// Package opencode drives an opencode server child over its HTTP API. One
// SSE subscription on GET /event carries everything the server emits;
// prompts and permission replies are plain POSTs.
package opencode

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
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/adapter/process"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/pkg/unified"
)

const Name = "opencode"

type Config struct {
	Binary     string        // default "opencode"
	ReadyRetry time.Duration // budget for the event-stream subscribe
}

func DefaultConfig() Config {
	return Config{Binary: "opencode", ReadyRetry: 15 * time.Second}
}

type Adapter struct {
	cfg        Config
	supervisor *process.Supervisor
	log        zerolog.Logger
}

func New(cfg Config, supervisor *process.Supervisor) *Adapter {
	if cfg.Binary == "" {
		cfg.Binary = "opencode"
	}
	return &Adapter{cfg: cfg, supervisor: supervisor, log: logging.With("adapter.opencode")}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{Streaming: true, Permissions: true}
}

func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.Session, error) {
	port, err := reservePort()
	if err != nil {
		return nil, fmt.Errorf("reserve port: %w", err)
	}

	if _, err := a.supervisor.Spawn(opts.SessionID, process.Spec{
		Command: a.cfg.Binary,
		Args:    []string{"serve", "--port", strconv.Itoa(port), "--hostname", "127.0.0.1"},
		Dir:     opts.Cwd,
		Env:     opts.Env,
	}); err != nil {
		return nil, fmt.Errorf("spawn opencode: %w", err)
	}

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	s, err := connectSession(ctx, opts, baseURL, a.cfg.ReadyRetry, a.log)
	if err != nil {
		_ = a.supervisor.Kill(opts.SessionID)
		return nil, err
	}
	return s, nil
}

// connectSession subscribes the event firehose (retrying while the child
// boots), opens or resumes the vendor session, and emits session_init.
func connectSession(ctx context.Context, opts adapter.ConnectOptions, baseURL string, readyRetry time.Duration, log zerolog.Logger) (*Session, error) {
	streamCtx, streamCancel := context.WithCancel(context.Background())

	body, err := backoff.Retry(ctx, func() (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, baseURL+"/event", nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("event stream: status %d", resp.StatusCode)
		}
		return resp.Body, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(readyRetry))
	if err != nil {
		streamCancel()
		return nil, fmt.Errorf("subscribe events: %w", err)
	}

	s := &Session{
		sessionID:    opts.SessionID,
		baseURL:      baseURL,
		client:       &http.Client{Timeout: 30 * time.Second},
		messages:     make(chan unified.Message, 64),
		quit:         make(chan struct{}),
		streamCancel: streamCancel,
		streamDone:   make(chan struct{}),
		log:          log.With().Str("session_id", opts.SessionID).Logger(),
	}

	vendorID := opts.Resume
	if vendorID == "" {
		vendorID, err = s.createVendorSession(ctx)
		if err != nil {
			streamCancel()
			body.Close()
			return nil, err
		}
	}
	s.vendorID = vendorID

	s.emit(unified.NewWithMetadata(unified.TypeSessionInit, unified.RoleSystem, map[string]any{
		"session_id":     vendorID,
		"model":          opts.Model,
		"cwd":            opts.Cwd,
		"permissionMode": opts.PermissionMode,
	}))
	go s.consumeEvents(body)
	return s, nil
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
	vendorID  string
	baseURL   string
	client    *http.Client
	messages  chan unified.Message
	quit      chan struct{}
	log       zerolog.Logger

	streamCancel context.CancelFunc
	streamDone   chan struct{}

	mu          sync.Mutex
	closed      bool
	err         error
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
	s.mu.Unlock()

	close(s.quit)
	s.streamCancel()
	<-s.streamDone
	close(s.messages)
	return nil
}

func (s *Session) SetPassthroughHandler(fn func(unified.Message) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passthrough = fn
}

func (s *Session) Send(msg unified.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return adapter.ErrSessionClosed
	}
	s.mu.Unlock()

	switch msg.Type {
	case unified.TypeUserMessage:
		text := ""
		if len(msg.Content) > 0 {
			text = msg.Content[0].Text
		}
		return s.postJSON(fmt.Sprintf("/session/%s/message", s.vendorID), map[string]any{
			"parts": []map[string]any{{"type": "text", "text": text}},
		})

	case unified.TypePermissionResponse:
		return s.answerPermission(msg)

	case unified.TypeInterrupt:
		return s.postJSON(fmt.Sprintf("/session/%s/abort", s.vendorID), map[string]any{})

	default:
		return nil
	}
}

func (s *Session) answerPermission(msg unified.Message) error {
	response := "reject"
	switch unified.PermissionBehavior(msg.MetaString("behavior")) {
	case unified.BehaviorAllow:
		response = "once"
	case unified.BehaviorAlways:
		response = "always"
	}
	path := fmt.Sprintf("/session/%s/permissions/%s", s.vendorID, msg.RequestID())
	return s.postJSON(path, map[string]any{"response": response})
}

func (s *Session) createVendorSession(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/session", strings.NewReader("{}"))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create session: status %d", resp.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("create session: empty id")
	}
	return out.ID, nil
}

func (s *Session) postJSON(path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := s.client.Post(s.baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: status %d", path, resp.StatusCode)
	}
	return nil
}

// serverEvent is one /event frame; Properties is decoded per event type.
type serverEvent struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

func (s *Session) consumeEvents(body io.ReadCloser) {
	defer close(s.streamDone)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var ev serverEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			s.log.Debug().Err(err).Msg("bad event payload")
			continue
		}
		s.handleEvent(ev)
	}

	s.mu.Lock()
	if !s.closed {
		if err := scanner.Err(); err != nil {
			s.err = err
		} else {
			s.err = fmt.Errorf("event stream ended")
		}
		s.closed = true
		s.mu.Unlock()
		close(s.messages)
		return
	}
	s.mu.Unlock()
}

func (s *Session) handleEvent(ev serverEvent) {
	switch ev.Type {
	case "message.part.updated":
		var props struct {
			Part struct {
				SessionID string `json:"sessionID"`
				MessageID string `json:"messageID"`
				Type      string `json:"type"`
				Text      string `json:"text"`
				Tool      string `json:"tool"`
				CallID    string `json:"callID"`
			} `json:"part"`
		}
		if json.Unmarshal(ev.Properties, &props) != nil || !s.mine(props.Part.SessionID) {
			return
		}
		switch props.Part.Type {
		case "text":
			if props.Part.Text != "" {
				s.emit(unified.NewStreamDelta(props.Part.Text))
			}
		case "tool":
			s.emit(unified.NewWithMetadata(unified.TypeToolProgress, unified.RoleTool, map[string]any{
				"tool_name":   props.Part.Tool,
				"tool_use_id": props.Part.CallID,
			}))
		}

	case "message.updated":
		var props struct {
			Info struct {
				SessionID string `json:"sessionID"`
				Role      string `json:"role"`
				Time      struct {
					Completed float64 `json:"completed"`
				} `json:"time"`
			} `json:"info"`
		}
		if json.Unmarshal(ev.Properties, &props) != nil || !s.mine(props.Info.SessionID) {
			return
		}
		if props.Info.Role == "assistant" && props.Info.Time.Completed > 0 {
			out := unified.New(unified.TypeAssistant, unified.RoleAssistant)
			s.emit(out)
		}

	case "session.idle":
		var props struct {
			SessionID string `json:"sessionID"`
		}
		if json.Unmarshal(ev.Properties, &props) != nil || !s.mine(props.SessionID) {
			return
		}
		s.emit(unified.NewWithMetadata(unified.TypeResult, unified.RoleSystem, map[string]any{
			"status":   "success",
			"is_error": false,
		}))

	case "session.error":
		var props struct {
			SessionID string         `json:"sessionID"`
			Error     map[string]any `json:"error"`
		}
		if json.Unmarshal(ev.Properties, &props) != nil {
			return
		}
		text := "session error"
		if name, ok := props.Error["name"].(string); ok && name != "" {
			text = name
		}
		s.emit(unified.NewError(unified.ErrExecutionError, text))

	case "permission.updated":
		var props struct {
			ID        string         `json:"id"`
			SessionID string         `json:"sessionID"`
			Type      string         `json:"type"`
			Title     string         `json:"title"`
			CallID    string         `json:"callID"`
			Metadata  map[string]any `json:"metadata"`
		}
		if json.Unmarshal(ev.Properties, &props) != nil || !s.mine(props.SessionID) {
			return
		}
		input := props.Metadata
		if input == nil {
			input = map[string]any{}
		}
		if props.Title != "" {
			input["title"] = props.Title
		}
		s.emit(unified.NewPermissionRequest(props.ID, props.Type, props.CallID, input))
	}
}

// mine filters the shared firehose down to this session's vendor id.
func (s *Session) mine(sessionID string) bool {
	return sessionID == "" || sessionID == s.vendorID
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
