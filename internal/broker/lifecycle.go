package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/domain"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/internal/trace"
	"github.com/beamcode/beamcode/pkg/unified"
	"github.com/rs/zerolog"
)

// backendConn is one live adapter session plus the abort machinery for its
// consumer loop.
type backendConn struct {
	asess   adapter.Session
	cancel  context.CancelFunc
	done    chan struct{}
	aborted bool // guarded by Lifecycle.mu

	// Slash commands forwarded raw to the backend whose echo should not be
	// broadcast back to consumers.
	passthroughMu sync.Mutex
	passthrough   map[string]struct{}
}

func (c *backendConn) addPassthrough(command string) {
	c.passthroughMu.Lock()
	defer c.passthroughMu.Unlock()
	c.passthrough[command] = struct{}{}
}

// consumeEcho reports whether msg is the echo of a pending passthrough slash
// command, consuming the entry when it is.
func (c *backendConn) consumeEcho(msg unified.Message) bool {
	if msg.Type != unified.TypeUserMessage || len(msg.Content) == 0 {
		return false
	}
	text := strings.TrimSpace(msg.Content[0].Text)
	if !strings.HasPrefix(text, "/") {
		return false
	}
	c.passthroughMu.Lock()
	defer c.passthroughMu.Unlock()
	if _, ok := c.passthrough[text]; ok {
		delete(c.passthrough, text)
		return true
	}
	return false
}

// Lifecycle connects and disconnects backend adapter sessions and owns their
// consumer loops.
type Lifecycle struct {
	adapters *adapter.Registry
	bus      *Bus
	mediator *Mediator

	initializeTimeout time.Duration

	// Set by the coordinator before any connect.
	route          func(sess *session.Session, msg unified.Message)
	getBroadcaster func(sessionID string) *Broadcaster

	mu    sync.Mutex
	conns map[string]*backendConn

	tracer  *trace.Tracer
	metrics *trace.Metrics
	log     zerolog.Logger
}

func NewLifecycle(adapters *adapter.Registry, bus *Bus, mediator *Mediator, initializeTimeout time.Duration) *Lifecycle {
	if initializeTimeout <= 0 {
		initializeTimeout = 20 * time.Second
	}
	return &Lifecycle{
		adapters:          adapters,
		bus:               bus,
		mediator:          mediator,
		initializeTimeout: initializeTimeout,
		conns:             make(map[string]*backendConn),
		log:               logging.With("lifecycle"),
	}
}

// SetRouter wires the coordinator's message router and broadcaster lookup.
// Must be called before ConnectBackend.
func (l *Lifecycle) SetRouter(route func(*session.Session, unified.Message), getBroadcaster func(string) *Broadcaster) {
	l.route = route
	l.getBroadcaster = getBroadcaster
}

func (l *Lifecycle) SetObservers(tracer *trace.Tracer, metrics *trace.Metrics) {
	l.tracer = tracer
	l.metrics = metrics
}

// ConnectBackend establishes the adapter session for sess, replacing any
// existing one, and starts the consumer loop.
func (l *Lifecycle) ConnectBackend(ctx context.Context, sess *session.Session, opts adapter.ConnectOptions) error {
	ad, err := l.adapters.Get(sess.AdapterName)
	if err != nil {
		return err
	}

	// Tear down a previous connection first.
	l.abortConn(sess, true)

	connectCtx, cancelConnect := context.WithTimeout(ctx, l.initializeTimeout)
	defer cancelConnect()

	asess, err := ad.Connect(connectCtx, opts)
	if err != nil {
		return fmt.Errorf("adapter %s connect: %w", sess.AdapterName, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	conn := &backendConn{
		asess:       asess,
		cancel:      cancel,
		done:        make(chan struct{}),
		passthrough: make(map[string]struct{}),
	}
	if ps, ok := asess.(adapter.PassthroughSetter); ok {
		ps.SetPassthroughHandler(conn.consumeEcho)
	}

	l.mu.Lock()
	l.conns[sess.ID] = conn
	l.mu.Unlock()

	go l.consume(loopCtx, sess, conn)

	l.flushPending(sess, asess)

	sess.SetCLIConnected(true)
	l.bus.Publish(domain.New(domain.EventBackendConnected, sess.ID, nil))
	l.bus.Publish(domain.New(domain.EventCLIConnected, sess.ID, nil))
	if bc := l.broadcaster(sess.ID); bc != nil {
		bc.Broadcast(unified.New(unified.TypeCLIConnected, unified.RoleSystem))
	}
	return nil
}

// DisconnectBackend aborts the consumer loop and closes the adapter session.
// Pending permission requests are cancelled.
func (l *Lifecycle) DisconnectBackend(sess *session.Session) {
	if !l.abortConn(sess, true) {
		return
	}
	l.afterDisconnect(sess)
}

// SendToBackend forwards msg to the active adapter session.
func (l *Lifecycle) SendToBackend(sess *session.Session, msg unified.Message) error {
	l.mu.Lock()
	conn := l.conns[sess.ID]
	l.mu.Unlock()
	if conn == nil {
		return adapter.ErrSessionClosed
	}

	if l.tracer != nil {
		l.tracer.Observe(trace.EdgeBackend, "out", sess.ID, msg)
	}
	if err := conn.asess.Send(msg); err != nil {
		l.bus.Publish(domain.New(domain.EventBackendError, sess.ID, domain.BackendError{
			Message: err.Error(),
			Code:    unified.ErrExecutionError,
		}))
		return err
	}
	return nil
}

// IsBackendConnected reports whether a live adapter session exists for id.
func (l *Lifecycle) IsBackendConnected(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns[id] != nil
}

// SlashExecutor returns the adapter-level slash executor for id, if the
// active session supports one.
func (l *Lifecycle) SlashExecutor(id string) (adapter.SlashExecutor, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	conn := l.conns[id]
	if conn == nil {
		return nil, false
	}
	se, ok := conn.asess.(adapter.SlashExecutor)
	return se, ok
}

// MarkPassthrough registers a slash command whose backend echo should be
// suppressed.
func (l *Lifecycle) MarkPassthrough(id, command string) {
	l.mu.Lock()
	conn := l.conns[id]
	l.mu.Unlock()
	if conn != nil {
		conn.addPassthrough(command)
	}
}

// DisconnectAll tears down every backend on shutdown without the
// per-session consumer notifications; the coordinator closes consumers
// itself.
func (l *Lifecycle) DisconnectAll() {
	l.mu.Lock()
	conns := l.conns
	l.conns = make(map[string]*backendConn)
	for _, conn := range conns {
		conn.aborted = true
	}
	l.mu.Unlock()

	for _, conn := range conns {
		conn.cancel()
		_ = conn.asess.Close()
	}
	for _, conn := range conns {
		select {
		case <-conn.done:
		case <-time.After(2 * time.Second):
		}
	}
}

// consume drives the adapter's inbound stream until it ends or the abort
// context fires. A stream that ends without abort is a clean disconnect:
// consumers are notified, pending permissions cancelled and recovery asked
// to consider a relaunch.
func (l *Lifecycle) consume(ctx context.Context, sess *session.Session, conn *backendConn) {
	defer close(conn.done)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-conn.asess.Messages():
			if !ok {
				l.handleStreamEnd(sess, conn)
				return
			}
			sess.Touch()
			if l.tracer != nil {
				l.tracer.Observe(trace.EdgeBackend, "in", sess.ID, msg)
			}
			if l.metrics != nil {
				l.metrics.MessagesTotal.WithLabelValues("in", string(msg.Type)).Inc()
			}
			if conn.consumeEcho(msg) {
				continue
			}
			l.route(sess, msg)
		}
	}
}

func (l *Lifecycle) handleStreamEnd(sess *session.Session, conn *backendConn) {
	l.mu.Lock()
	aborted := conn.aborted
	if l.conns[sess.ID] == conn {
		delete(l.conns, sess.ID)
	}
	l.mu.Unlock()

	if aborted {
		return
	}

	if err := conn.asess.Err(); err != nil {
		l.log.Error().Err(err).Str("session_id", sess.ID).Msg("backend stream error")
		l.bus.Publish(domain.New(domain.EventBackendError, sess.ID, domain.BackendError{
			Message: err.Error(),
			Code:    unified.NormalizeErrorCode(err.Error()),
		}))
	}
	_ = conn.asess.Close()
	l.afterDisconnect(sess)
	l.bus.Publish(domain.New(domain.EventBackendRelaunchNeeded, sess.ID, nil))
}

// afterDisconnect performs the consumer-visible part of a disconnect.
func (l *Lifecycle) afterDisconnect(sess *session.Session) {
	sess.SetCLIConnected(false)

	bc := l.broadcaster(sess.ID)
	if bc != nil {
		l.mediator.CancelAll(sess, bc)
		bc.Broadcast(unified.New(unified.TypeCLIDisconnected, unified.RoleSystem))
	} else {
		sess.DrainPermissions()
	}

	l.bus.Publish(domain.New(domain.EventBackendDisconnected, sess.ID, nil))
	l.bus.Publish(domain.New(domain.EventCLIDisconnected, sess.ID, nil))
}

// abortConn cancels and closes the current connection for sess, waiting for
// the consumer loop to drain. Returns false when no connection existed.
func (l *Lifecycle) abortConn(sess *session.Session, wait bool) bool {
	l.mu.Lock()
	conn := l.conns[sess.ID]
	if conn == nil {
		l.mu.Unlock()
		return false
	}
	conn.aborted = true
	delete(l.conns, sess.ID)
	l.mu.Unlock()

	conn.cancel()
	_ = conn.asess.Close()
	if wait {
		select {
		case <-conn.done:
		case <-time.After(5 * time.Second):
			l.log.Warn().Str("session_id", sess.ID).Msg("consumer loop did not drain in time")
		}
	}
	return true
}

// flushPending replays frames queued while the backend was down. Raw replay
// needs the adapter's SendRaw; adapters without it drop the frames with a
// warning (direct-connect adapters rarely queue).
func (l *Lifecycle) flushPending(sess *session.Session, asess adapter.Session) {
	frames := sess.DrainPending()
	if len(frames) == 0 {
		return
	}
	raw, ok := asess.(adapter.RawSender)
	if !ok {
		l.log.Warn().
			Str("session_id", sess.ID).
			Int("dropped", len(frames)).
			Msg("adapter cannot replay raw frames, dropping queued messages")
		return
	}
	for _, frame := range frames {
		if err := raw.SendRaw(frame); err != nil {
			l.log.Error().Err(err).Str("session_id", sess.ID).Msg("failed to flush pending frame")
			return
		}
	}
}

func (l *Lifecycle) broadcaster(sessionID string) *Broadcaster {
	if l.getBroadcaster == nil {
		return nil
	}
	return l.getBroadcaster(sessionID)
}
