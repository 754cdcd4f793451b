package broker

import (
	"github.com/beamcode/beamcode/internal/ratelimit"
)

// Role controls what an attached consumer may do. Observers see everything
// but cannot mutate shared state.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleObserver    Role = "observer"
)

// Close codes used on consumer transports.
const (
	CloseNormal      = 1000
	CloseGoingAway   = 1001
	CloseTooLarge    = 1009
	CloseUnknownCLI  = 4000
	defaultHighWater = 4 * 1024 * 1024
	defaultReplayCap = 100
)

// Transport abstracts the consumer-side WebSocket so the broadcaster can be
// tested with fakes. BufferedAmount reports bytes accepted but not yet
// flushed to the peer.
type Transport interface {
	Send(data []byte) error
	Close(code int, reason string) error
	BufferedAmount() int
}

// Consumer is one attached client connection.
type Consumer struct {
	ID      string
	Role    Role
	trans   Transport
	limiter *ratelimit.Bucket
}

func NewConsumer(id string, role Role, trans Transport, limiter *ratelimit.Bucket) *Consumer {
	return &Consumer{ID: id, Role: role, trans: trans, limiter: limiter}
}

// Allow consults the rate limiter for one inbound frame. A nil limiter
// means unlimited.
func (c *Consumer) Allow() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.TryConsume(1)
}

func (c *Consumer) Participant() bool { return c.Role == RoleParticipant }
