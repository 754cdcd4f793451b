package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/config"
	"github.com/beamcode/beamcode/internal/domain"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/internal/ratelimit"
	"github.com/beamcode/beamcode/internal/registry"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/internal/storage"
	"github.com/beamcode/beamcode/internal/trace"
	"github.com/beamcode/beamcode/pkg/unified"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNoBackend      = errors.New("no backend connected")
	ErrInvalidFrame   = errors.New("invalid consumer frame")
	ErrSessionUnknown = errors.New("session unknown")
)

// Launcher spawns and relaunches inverted-connection CLIs. Implemented by
// internal/launcher; abstracted here so the broker is testable with fakes.
type Launcher interface {
	Launch(sess *session.Session) error
	Relaunch(id string) error
	Kill(id string) error
}

// CreateOptions parameterizes session creation.
type CreateOptions struct {
	Cwd            string
	Model          string
	PermissionMode string
	AdapterName    string
}

// Coordinator is the top-level orchestrator wiring registry, lifecycle,
// broadcaster set, mediator, recovery and launcher together.
type Coordinator struct {
	cfg      config.Limits
	adapters *adapter.Registry
	registry *registry.Registry
	store    *storage.Store
	bus      *Bus
	mediator *Mediator
	life     *Lifecycle
	recovery *Recovery
	launcher Launcher
	slash    *SlashEmulator

	mu           sync.RWMutex
	broadcasters map[string]*Broadcaster

	persistMu    sync.Mutex
	persistTimer *time.Timer
	dirty        map[string]struct{}

	relay     *Subscriber
	relayDone chan struct{}
	flushStop chan struct{}

	defaultAdapter string

	tracer  *trace.Tracer
	metrics *trace.Metrics
	log     zerolog.Logger
}

type CoordinatorOptions struct {
	Limits         config.Limits
	Adapters       *adapter.Registry
	Registry       *registry.Registry
	Store          *storage.Store
	Launcher       Launcher
	DefaultAdapter string
	Tracer         *trace.Tracer
	Metrics        *trace.Metrics
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	bus := NewBus(256)
	mediator := NewMediator(bus, opts.Metrics)
	life := NewLifecycle(opts.Adapters, bus, mediator, opts.Limits.InitializeTimeout)
	life.SetObservers(opts.Tracer, opts.Metrics)

	c := &Coordinator{
		cfg:            opts.Limits,
		adapters:       opts.Adapters,
		registry:       opts.Registry,
		store:          opts.Store,
		bus:            bus,
		mediator:       mediator,
		life:           life,
		launcher:       opts.Launcher,
		slash:          NewSlashEmulator(),
		broadcasters:   make(map[string]*Broadcaster),
		dirty:          make(map[string]struct{}),
		defaultAdapter: opts.DefaultAdapter,
		tracer:         opts.Tracer,
		metrics:        opts.Metrics,
		log:            logging.With("coordinator"),
	}
	c.recovery = NewRecovery(c, opts.Limits)
	life.SetRouter(c.routeUnifiedMessage, c.BroadcasterFor)
	return c
}

// Bus exposes the domain event bus for API/daemon wiring.
func (c *Coordinator) Bus() *Bus { return c.bus }

// Lifecycle exposes the backend lifecycle manager.
func (c *Coordinator) Lifecycle() *Lifecycle { return c.life }

// Start begins relaying launcher/supervisor events into recovery.
func (c *Coordinator) Start() {
	c.relay = c.bus.Subscribe("coordinator-relay-"+uuid.NewString(), "")
	c.relayDone = make(chan struct{})
	c.flushStop = make(chan struct{})
	go c.relayLoop()
	go c.correlatorFlushLoop()
}

// Stop shuts everything down: backends disconnected, consumers closed with
// 1001, pending writes flushed.
func (c *Coordinator) Stop() {
	if c.relay != nil {
		c.bus.Unsubscribe(c.relay.ID)
		<-c.relayDone
	}
	if c.flushStop != nil {
		close(c.flushStop)
	}
	c.life.DisconnectAll()

	c.mu.Lock()
	bcs := c.broadcasters
	c.broadcasters = make(map[string]*Broadcaster)
	c.mu.Unlock()
	for _, bc := range bcs {
		bc.DetachAll(CloseGoingAway, "daemon shutting down")
	}

	c.flushDirty()
	c.registry.Flush()
}

// HandleEvent receives launcher and supervisor events. It is the emitter
// handed to those components; everything except the message:inbound command
// is forwarded onto the bus.
func (c *Coordinator) HandleEvent(ev domain.Event) {
	if ev.Type == domain.EventMessageInbound {
		if msg, ok := ev.Data.(unified.Message); ok {
			if sess, ok := c.registry.Get(ev.SessionID); ok {
				c.routeUnifiedMessage(sess, msg)
			}
		}
		return
	}
	c.bus.Publish(ev)
}

// CreateSession registers a new session and brings up its backend. Inverted
// adapters go through the launcher; direct-connect adapters connect
// immediately, with registry rollback on failure.
func (c *Coordinator) CreateSession(ctx context.Context, opts CreateOptions) (*session.Session, error) {
	name := opts.AdapterName
	if name == "" {
		name = c.defaultAdapter
	}
	ad, err := c.adapters.Get(name)
	if err != nil {
		return nil, err
	}

	sess := session.New(uuid.NewString(), name, opts.Cwd)
	sess.Model = opts.Model
	sess.PermissionMode = opts.PermissionMode
	sess.SetHistoryCap(c.cfg.HistoryCap)

	if err := c.registry.Register(sess); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.Sessions.Inc()
	}

	if ad.Capabilities().Inverted {
		if c.launcher == nil {
			c.rollback(sess.ID)
			return nil, fmt.Errorf("adapter %s needs a launcher", name)
		}
		if err := c.launcher.Launch(sess); err != nil {
			c.rollback(sess.ID)
			return nil, fmt.Errorf("launch %s: %w", name, err)
		}
		return sess, nil
	}

	err = c.life.ConnectBackend(ctx, sess, adapter.ConnectOptions{
		SessionID:      sess.ID,
		Cwd:            opts.Cwd,
		Model:          opts.Model,
		PermissionMode: opts.PermissionMode,
	})
	if err != nil {
		c.rollback(sess.ID)
		return nil, err
	}
	c.registry.MarkConnected(sess.ID)
	return sess, nil
}

func (c *Coordinator) rollback(id string) {
	_ = c.registry.Remove(id)
	if c.metrics != nil {
		c.metrics.Sessions.Dec()
	}
}

// DeleteSession tears the session down completely: process killed, backend
// disconnected, consumers closed with 1000, registry and storage cleaned.
func (c *Coordinator) DeleteSession(id string) error {
	sess, ok := c.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionUnknown, id)
	}

	if sess.PID() != 0 && c.launcher != nil {
		if err := c.launcher.Kill(id); err != nil {
			c.log.Warn().Err(err).Str("session_id", id).Msg("failed to kill backend process")
		}
	}
	c.life.DisconnectBackend(sess)

	c.mu.Lock()
	bc := c.broadcasters[id]
	delete(c.broadcasters, id)
	c.mu.Unlock()
	if bc != nil {
		bc.DetachAll(CloseNormal, "session deleted")
	}

	if err := c.registry.Remove(id); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.Sessions.Dec()
	}
	if c.store != nil {
		if err := c.store.DeleteSession(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			c.log.Warn().Err(err).Str("session_id", id).Msg("failed to delete persisted session")
		}
	}

	c.persistMu.Lock()
	delete(c.dirty, id)
	c.persistMu.Unlock()
	return nil
}

// GetSession looks up a live session.
func (c *Coordinator) GetSession(id string) (*session.Session, bool) {
	return c.registry.Get(id)
}

// ListSessions returns all live sessions, newest first.
func (c *Coordinator) ListSessions() []*session.Session {
	return c.registry.List()
}

// SupportedModels reports the capability side-channel for a session.
func (c *Coordinator) SupportedModels(id string) []string {
	sess, ok := c.registry.Get(id)
	if !ok {
		return nil
	}
	return sess.SupportedModels()
}

// SupportedCommands reports the slash commands the backend advertises.
func (c *Coordinator) SupportedCommands(id string) []string {
	sess, ok := c.registry.Get(id)
	if !ok {
		return nil
	}
	return sess.SupportedCommands()
}

// AttachConsumer binds a transport to the session and replays the attach
// sequence. The returned consumer is used for inbound routing.
func (c *Coordinator) AttachConsumer(sessionID string, trans Transport, role Role) (*Consumer, error) {
	sess, ok := c.registry.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionUnknown, sessionID)
	}

	limiter := ratelimit.NewBucket(
		c.cfg.RateCapacity,
		c.cfg.RateRefillInterval,
		c.cfg.RateTokensPerInterval,
	)
	consumer := NewConsumer(uuid.NewString(), role, trans, limiter)
	c.BroadcasterFor(sessionID).Attach(consumer, sess)
	return consumer, nil
}

// DetachConsumer removes the consumer from the session's broadcaster.
func (c *Coordinator) DetachConsumer(sessionID, connectionID string) {
	c.mu.RLock()
	bc := c.broadcasters[sessionID]
	c.mu.RUnlock()
	if bc != nil {
		bc.Detach(connectionID)
	}
}

// BroadcasterFor returns (creating on demand) the session's broadcaster.
func (c *Coordinator) BroadcasterFor(sessionID string) *Broadcaster {
	c.mu.Lock()
	defer c.mu.Unlock()
	bc, ok := c.broadcasters[sessionID]
	if !ok {
		bc = NewBroadcaster(sessionID, c.bus, BroadcasterOptions{
			HighWater: c.cfg.ConsumerHighWater,
			ReplayCap: c.cfg.ReplayCap,
			Tracer:    c.tracer,
			Metrics:   c.metrics,
		})
		c.broadcasters[sessionID] = bc
	}
	return bc
}

// RouteInboundConsumerFrame parses, validates and dispatches one consumer
// frame. Violations produce a synthetic error back to the sender; the frame
// is dropped.
func (c *Coordinator) RouteInboundConsumerFrame(consumer *Consumer, sess *session.Session, frame []byte) {
	bc := c.BroadcasterFor(sess.ID)

	if c.cfg.MaxInboundFrameBytes > 0 && int64(len(frame)) > c.cfg.MaxInboundFrameBytes {
		_ = consumer.trans.Close(CloseTooLarge, "frame too large")
		bc.Detach(consumer.ID)
		return
	}

	if !consumer.Allow() {
		bc.SendTo(consumer, unified.NewError(unified.ErrRateLimit, "rate limit exceeded"))
		return
	}

	var msg unified.Message
	if err := json.Unmarshal(frame, &msg); err != nil || msg.Type == "" {
		bc.SendTo(consumer, unified.NewError(unified.ErrUnknown, "invalid message frame"))
		return
	}

	if c.tracer != nil {
		c.tracer.Observe(trace.EdgeConsumer, "in", sess.ID, msg)
	}
	if c.metrics != nil {
		c.metrics.MessagesTotal.WithLabelValues("in", string(msg.Type)).Inc()
	}

	if mutating(msg.Type) && !consumer.Participant() {
		bc.SendTo(consumer, unified.NewError(unified.ErrUnknown,
			fmt.Sprintf("Observers cannot send %s messages", msg.Type)))
		return
	}

	switch msg.Type {
	case unified.TypeUserMessage:
		c.handleUserMessage(sess, bc, msg, frame)

	case unified.TypePermissionResponse:
		c.mediator.HandleResponse(sess, c.life, msg)

	case unified.TypeInterrupt:
		if err := c.life.SendToBackend(sess, msg); err != nil {
			bc.SendTo(consumer, unified.NewError(unified.ErrAborted, "interrupt failed: no backend"))
		}

	case unified.TypeSetPermissionMode:
		c.handleSetPermissionMode(sess, bc, msg)

	case unified.TypeSlashCommand:
		c.handleSlashCommand(sess, bc, consumer, msg, frame)

	default:
		bc.SendTo(consumer, unified.NewError(unified.ErrUnknown,
			fmt.Sprintf("unsupported message type %q", msg.Type)))
	}
}

// mutating lists the consumer frame types that touch shared state and are
// therefore participant-only.
func mutating(t unified.MessageType) bool {
	switch t {
	case unified.TypeUserMessage, unified.TypePermissionResponse, unified.TypeInterrupt,
		unified.TypeSetPermissionMode, unified.TypeSlashCommand:
		return true
	}
	return false
}

func (c *Coordinator) handleUserMessage(sess *session.Session, bc *Broadcaster, msg unified.Message, frame []byte) {
	sess.AppendHistory(msg)
	c.markDirty(sess.ID)
	bc.Broadcast(msg)

	if err := c.life.SendToBackend(sess, msg); err != nil {
		// No backend: queue the raw frame for replay on reconnect.
		sess.QueuePending(frame)
		c.markDirty(sess.ID)
		c.log.Debug().
			Str("session_id", sess.ID).
			Int("pending", sess.PendingCount()).
			Msg("backend down, queued user message")
	}
}

func (c *Coordinator) handleSetPermissionMode(sess *session.Session, bc *Broadcaster, msg unified.Message) {
	mode := msg.MetaString("mode")
	if mode == "" {
		mode = msg.MetaString("permissionMode")
	}

	ctl := unified.NewWithMetadata(unified.TypeControlRequest, unified.RoleSystem, map[string]any{
		"subtype": "set_permission_mode",
		"mode":    mode,
	})
	if err := c.life.SendToBackend(sess, ctl); err == nil {
		return
	}

	// Backend down or unsupported: apply locally so the UI still reflects
	// the choice.
	st := sess.Apply(unified.NewWithMetadata(unified.TypeStatusChange, unified.RoleSystem, map[string]any{
		"status":         "idle",
		"permissionMode": mode,
	}))
	statusMsg := unified.NewWithMetadata(unified.TypeStatusChange, unified.RoleSystem, map[string]any{
		"status":         "idle",
		"permissionMode": st.PermissionMode,
	})
	bc.Broadcast(statusMsg)
}

func (c *Coordinator) handleSlashCommand(sess *session.Session, bc *Broadcaster, consumer *Consumer, msg unified.Message, frame []byte) {
	command := strings.TrimSpace(msg.MetaString("command"))
	args := msg.MetaString("args")

	if se, ok := c.life.SlashExecutor(sess.ID); ok {
		c.life.MarkPassthrough(sess.ID, command)
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.InitializeTimeout)
		defer cancel()
		if err := se.ExecuteSlash(ctx, command, args); err != nil {
			bc.SendTo(consumer, slashError(command, err.Error()))
		}
		return
	}

	reply, ok := c.slash.Execute(sess, command)
	if !ok {
		bc.SendTo(consumer, slashError(command, "unknown command"))
		return
	}
	sess.AppendHistory(reply)
	c.markDirty(sess.ID)
	bc.Broadcast(reply)
}

// routeUnifiedMessage is the backend → core path: reduce, persist, special
// handling per type, then fan out.
func (c *Coordinator) routeUnifiedMessage(sess *session.Session, msg unified.Message) {
	bc := c.BroadcasterFor(sess.ID)

	switch msg.Type {
	case unified.TypeSessionInit:
		sess.Apply(msg)
		if vendor := msg.MetaString("session_id"); vendor != "" {
			c.registry.SetBackendSessionID(sess.ID, vendor)
		}
		c.registry.MarkConnected(sess.ID)
		sess.AppendHistory(msg)
		c.markDirty(sess.ID)
		bc.Broadcast(msg)

	case unified.TypeControlResponse:
		// Capability side-channel; never touches the reducer.
		c.applyCapabilities(sess, msg)
		bc.Broadcast(msg)

	case unified.TypePermissionRequest:
		sess.AppendHistory(msg)
		c.markDirty(sess.ID)
		c.mediator.HandleRequest(sess, bc, msg)

	case unified.TypeStreamEvent:
		// Ephemeral: not persisted, just fanned out.
		sess.Apply(msg)
		bc.Broadcast(msg)

	default:
		sess.Apply(msg)
		sess.AppendHistory(msg)
		c.markDirty(sess.ID)
		bc.Broadcast(msg)
	}
}

func (c *Coordinator) applyCapabilities(sess *session.Session, msg unified.Message) {
	resp, ok := msg.Metadata["response"].(map[string]any)
	if !ok {
		return
	}
	sess.SetCapabilities(stringsOf(resp["models"]), stringsOf(resp["commands"]))
}

func stringsOf(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		switch s := item.(type) {
		case string:
			out = append(out, s)
		case map[string]any:
			if name, ok := s["name"].(string); ok {
				out = append(out, name)
			}
		}
	}
	return out
}

func slashError(command, detail string) unified.Message {
	return unified.NewWithMetadata(unified.TypeSlashCommandError, unified.RoleSystem, map[string]any{
		"command": command,
		"error":   detail,
	})
}

// relayLoop feeds bus events into the recovery service.
func (c *Coordinator) relayLoop() {
	defer close(c.relayDone)
	for ev := range c.relay.Events {
		switch ev.Type {
		case domain.EventProcessExited, domain.EventBackendRelaunchNeeded:
			if exit, ok := ev.Data.(domain.ProcessExit); ok {
				c.registry.SetExitCode(ev.SessionID, exit.ExitCode)
			}
			c.recovery.Consider(ev)
		case domain.EventProcessResumeFailed:
			c.handleResumeFailed(ev.SessionID)
		case domain.EventProcessSpawned:
			if spawn, ok := ev.Data.(domain.ProcessSpawn); ok {
				c.registry.SetPID(ev.SessionID, spawn.PID)
			}
		}
	}
}

// handleResumeFailed clears the stale vendor conversation id so the next
// relaunch starts a fresh conversation.
func (c *Coordinator) handleResumeFailed(sessionID string) {
	c.registry.SetBackendSessionID(sessionID, "")
	c.log.Warn().Str("session_id", sessionID).Msg("resume failed, cleared backend session id")
}

// correlatorFlushLoop expires stale team-tool correlation entries.
func (c *Coordinator) correlatorFlushLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.flushStop:
			return
		case <-ticker.C:
			for _, sess := range c.registry.List() {
				sess.FlushCorrelator()
			}
		}
	}
}

// markDirty schedules a debounced session-record write.
func (c *Coordinator) markDirty(id string) {
	if c.store == nil {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	c.dirty[id] = struct{}{}
	if c.persistTimer == nil {
		c.persistTimer = time.AfterFunc(500*time.Millisecond, c.flushDirty)
	}
}

func (c *Coordinator) flushDirty() {
	c.persistMu.Lock()
	ids := make([]string, 0, len(c.dirty))
	for id := range c.dirty {
		ids = append(ids, id)
	}
	c.dirty = make(map[string]struct{})
	if c.persistTimer != nil {
		c.persistTimer.Stop()
		c.persistTimer = nil
	}
	c.persistMu.Unlock()

	for _, id := range ids {
		sess, ok := c.registry.Get(id)
		if !ok {
			continue
		}
		rec := &storage.SessionRecord{
			ID:                 sess.ID,
			Name:               sess.Name(),
			Archived:           sess.Archived(),
			State:              sess.State(),
			MessageHistory:     sess.History(),
			PendingMessages:    rawFrames(sess.PendingFrames()),
			PendingPermissions: sess.PendingPermissions(),
		}
		if err := c.store.SaveSession(rec); err != nil {
			c.log.Error().Err(err).Str("session_id", id).Msg("failed to persist session record")
		}
	}
}

func rawFrames(frames [][]byte) []json.RawMessage {
	if len(frames) == 0 {
		return nil
	}
	out := make([]json.RawMessage, len(frames))
	for i, f := range frames {
		out[i] = json.RawMessage(f)
	}
	return out
}
