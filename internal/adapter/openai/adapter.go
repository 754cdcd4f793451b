// Package openai is an API-native adapter: no child process, each user turn
// becomes a streamed Responses API request. Interrupt cancels the in-flight
// stream context.
package openai

import (
	"context"
	"fmt"
	"os"
	"sync"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"
	"github.com/rs/zerolog"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/pkg/unified"
)

const Name = "openai"

const defaultModel = "gpt-5"

type Adapter struct {
	log zerolog.Logger
}

func New() *Adapter {
	return &Adapter{log: logging.With("adapter.openai")}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{Streaming: true}
}

func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.Session, error) {
	apiKey := opts.Env["OPENAI_API_KEY"]
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	model := opts.Model
	if model == "" {
		model = defaultModel
	}

	s := &Session{
		sessionID: opts.SessionID,
		client:    openaisdk.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		messages:  make(chan unified.Message, 64),
		quit:      make(chan struct{}),
		log:       a.log.With().Str("session_id", opts.SessionID).Logger(),
	}
	s.emit(unified.NewWithMetadata(unified.TypeSessionInit, unified.RoleSystem, map[string]any{
		"session_id": opts.SessionID,
		"model":      model,
		"cwd":        opts.Cwd,
	}))
	return s, nil
}

type Session struct {
	sessionID string
	client    openaisdk.Client
	model     string
	messages  chan unified.Message
	quit      chan struct{}
	log       zerolog.Logger

	mu          sync.Mutex
	closed      bool
	err         error
	prevID      string // previous response id chains turns into a conversation
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
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.turnCancel = cancel
	s.turnDone = done
	prevID := s.prevID
	s.mu.Unlock()

	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(s.model),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: responses.ResponseInputParam{
				{OfMessage: &responses.EasyInputMessageParam{
					Role:    "user",
					Content: responses.EasyInputMessageContentUnionParam{OfString: param.NewOpt(text)},
				}},
			},
		},
	}
	if prevID != "" {
		params.PreviousResponseID = param.NewOpt(prevID)
	}

	stream := s.client.Responses.NewStreaming(ctx, params)
	go func() {
		defer close(done)
		s.consumeStream(ctx, stream)
	}()
	return nil
}

func (s *Session) consumeStream(ctx context.Context, stream *ssestream.Stream[responses.ResponseStreamEventUnion]) {
	for stream.Next() {
		data := stream.Current()
		switch ev := data.AsAny().(type) {
		case responses.ResponseTextDeltaEvent:
			if ev.Delta != "" {
				s.emit(unified.NewStreamDelta(ev.Delta))
			}

		case responses.ResponseTextDoneEvent:
			s.emit(unified.NewAssistantText(ev.Text, map[string]any{"model": s.model}))

		case responses.ResponseCompletedEvent:
			s.mu.Lock()
			s.prevID = ev.Response.ID
			s.mu.Unlock()
			s.emit(unified.NewWithMetadata(unified.TypeResult, unified.RoleSystem, map[string]any{
				"status":   "success",
				"is_error": false,
				"modelUsage": map[string]any{
					s.model: map[string]any{
						"inputTokens":  ev.Response.Usage.InputTokens,
						"outputTokens": ev.Response.Usage.OutputTokens,
					},
				},
			}))
		}
	}

	if err := stream.Err(); err != nil {
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
