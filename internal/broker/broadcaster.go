package broker

import (
	"encoding/json"
	"sync"

	"github.com/beamcode/beamcode/internal/domain"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/internal/trace"
	"github.com/beamcode/beamcode/pkg/unified"
	"github.com/rs/zerolog"
)

// Broadcaster fans unified messages out to the consumers attached to one
// session. Frames are serialized once per broadcast; a consumer whose
// transport buffer exceeds the high-water mark is closed with 1009 and
// detached.
type Broadcaster struct {
	sessionID string

	mu        sync.RWMutex
	consumers map[string]*Consumer

	highWater int
	replayCap int

	bus     *Bus
	tracer  *trace.Tracer
	metrics *trace.Metrics
	log     zerolog.Logger
}

type BroadcasterOptions struct {
	HighWater int
	ReplayCap int
	Tracer    *trace.Tracer
	Metrics   *trace.Metrics
}

func NewBroadcaster(sessionID string, bus *Bus, opts BroadcasterOptions) *Broadcaster {
	if opts.HighWater <= 0 {
		opts.HighWater = defaultHighWater
	}
	if opts.ReplayCap <= 0 {
		opts.ReplayCap = defaultReplayCap
	}
	return &Broadcaster{
		sessionID: sessionID,
		consumers: make(map[string]*Consumer),
		highWater: opts.HighWater,
		replayCap: opts.ReplayCap,
		bus:       bus,
		tracer:    opts.Tracer,
		metrics:   opts.Metrics,
		log:       logging.With("broadcaster"),
	}
}

// Attach adds the consumer and delivers the attach sequence: session_init
// with the current derived state, cli_connected when the backend CLI is
// attached, then a bounded history replay. Only after that does the consumer
// see live traffic.
func (b *Broadcaster) Attach(c *Consumer, sess *session.Session) {
	b.mu.Lock()
	b.consumers[c.ID] = c
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.Consumers.Inc()
	}

	init := unified.New(unified.TypeSessionInit, unified.RoleSystem)
	init.Metadata = map[string]any{"state": sess.State()}
	b.sendTo(c, init)

	if sess.CLIConnected() {
		b.sendTo(c, unified.New(unified.TypeCLIConnected, unified.RoleSystem))
	}
	for _, msg := range sess.HistoryTail(b.replayCap) {
		b.sendTo(c, msg)
	}

	if b.bus != nil {
		b.bus.Publish(domain.New(domain.EventConsumerConnected, b.sessionID, domain.ConsumerInfo{
			ConnectionID: c.ID,
			Role:         string(c.Role),
		}))
	}
}

// Detach removes the consumer without closing its transport; callers close
// when they own the socket.
func (b *Broadcaster) Detach(connectionID string) {
	b.mu.Lock()
	c, ok := b.consumers[connectionID]
	if ok {
		delete(b.consumers, connectionID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	if b.metrics != nil {
		b.metrics.Consumers.Dec()
	}
	if b.bus != nil {
		b.bus.Publish(domain.New(domain.EventConsumerDisconnected, b.sessionID, domain.ConsumerInfo{
			ConnectionID: c.ID,
			Role:         string(c.Role),
		}))
	}
}

// DetachAll closes every consumer with the given code and empties the set.
func (b *Broadcaster) DetachAll(code int, reason string) {
	b.mu.Lock()
	consumers := b.consumers
	b.consumers = make(map[string]*Consumer)
	b.mu.Unlock()

	for _, c := range consumers {
		_ = c.trans.Close(code, reason)
		if b.metrics != nil {
			b.metrics.Consumers.Dec()
		}
	}
}

// Broadcast sends msg to every attached consumer.
func (b *Broadcaster) Broadcast(msg unified.Message) {
	b.fanOut(msg, false)
}

// BroadcastToParticipants sends msg only to participant-role consumers.
func (b *Broadcaster) BroadcastToParticipants(msg unified.Message) {
	b.fanOut(msg, true)
}

// SendTo delivers msg to a single consumer.
func (b *Broadcaster) SendTo(c *Consumer, msg unified.Message) {
	b.sendTo(c, msg)
}

// Get looks up an attached consumer by connection id.
func (b *Broadcaster) Get(connectionID string) (*Consumer, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.consumers[connectionID]
	return c, ok
}

// Count reports attached consumers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.consumers)
}

func (b *Broadcaster) fanOut(msg unified.Message, participantsOnly bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error().Err(err).Str("type", string(msg.Type)).Msg("failed to serialize broadcast")
		return
	}

	b.mu.RLock()
	targets := make([]*Consumer, 0, len(b.consumers))
	for _, c := range b.consumers {
		if participantsOnly && !c.Participant() {
			continue
		}
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	if b.tracer != nil && len(targets) > 0 {
		b.tracer.Observe(trace.EdgeConsumer, "out", b.sessionID, msg)
	}
	if b.metrics != nil && len(targets) > 0 {
		b.metrics.MessagesTotal.WithLabelValues("out", string(msg.Type)).Inc()
	}

	for _, c := range targets {
		b.deliver(c, data)
	}
}

func (b *Broadcaster) sendTo(c *Consumer, msg unified.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error().Err(err).Str("type", string(msg.Type)).Msg("failed to serialize message")
		return
	}
	b.deliver(c, data)
}

// deliver enforces the backpressure policy before handing the frame to the
// transport.
func (b *Broadcaster) deliver(c *Consumer, data []byte) {
	if c.trans.BufferedAmount() > b.highWater {
		b.log.Warn().
			Str("session_id", b.sessionID).
			Str("connection_id", c.ID).
			Int("buffered", c.trans.BufferedAmount()).
			Msg("consumer over high-water mark, closing")
		_ = c.trans.Close(CloseTooLarge, "consumer too slow")
		b.Detach(c.ID)
		return
	}
	if err := c.trans.Send(data); err != nil {
		b.log.Debug().Err(err).Str("connection_id", c.ID).Msg("consumer send failed")
		b.Detach(c.ID)
	}
}
