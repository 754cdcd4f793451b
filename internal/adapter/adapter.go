// Package adapter defines the backend adapter contract: one implementation
// per vendor CLI, each translating its native wire protocol to and from the
// unified message envelope.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/beamcode/beamcode/pkg/unified"
)

var (
	ErrUnknownAdapter = errors.New("unknown adapter")
	ErrSessionClosed  = errors.New("adapter session closed")
)

// Capabilities describes what a backend can do; the coordinator consults
// this to decide how to route consumer frames.
type Capabilities struct {
	Streaming     bool `json:"streaming"`
	Permissions   bool `json:"permissions"`
	SlashCommands bool `json:"slashCommands"`
	Availability  bool `json:"availability"`
	Teams         bool `json:"teams"`

	// Inverted marks adapters whose CLI dials back into the daemon; the
	// coordinator goes through the launcher instead of connecting directly.
	Inverted bool `json:"inverted"`
}

// ConnectOptions parameterizes a single backend connection attempt.
type ConnectOptions struct {
	SessionID      string
	Cwd            string
	Model          string
	PermissionMode string
	Resume         string // vendor conversation id to resume, if any
	Env            map[string]string
	Extra          map[string]any
}

// Adapter is the polymorphic entry point for one backend kind. Connect must
// respect ctx for its initialize window; on timeout it cleans up any partial
// progress (child launched, handshake pending) before returning.
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	Connect(ctx context.Context, opts ConnectOptions) (Session, error)
}

// Session is one live backend connection. Messages yields inbound unified
// messages until disconnect, at which point the channel closes and Err
// reports the terminal error (nil for a clean close). A Session is not
// restartable; reconnecting means calling Adapter.Connect again.
type Session interface {
	Messages() <-chan unified.Message
	Send(msg unified.Message) error
	Close() error // idempotent
	Err() error
}

// RawSender is implemented by sessions that can forward pre-encoded frames
// queued while the backend was disconnected. Direct-connect adapters rarely
// implement it.
type RawSender interface {
	SendRaw(data []byte) error
}

// PassthroughSetter installs a hook that sees each inbound message before
// normal routing; returning true swallows the message. Used to short-circuit
// echoes of pending passthrough slash commands.
type PassthroughSetter interface {
	SetPassthroughHandler(fn func(unified.Message) bool)
}

// SlashExecutor is implemented by sessions whose backend understands slash
// commands natively.
type SlashExecutor interface {
	ExecuteSlash(ctx context.Context, command string, args string) error
}

// Registry holds the adapter set. Immutable after construction; build it at
// startup and never mutate.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Name()] = a
	}
	return &Registry{adapters: m}
}

func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAdapter, name)
	}
	return a, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
