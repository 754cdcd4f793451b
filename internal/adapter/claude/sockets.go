package claude

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is the minimal connection surface the adapter needs, so tests can
// drive a session without a real WebSocket.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// SocketRegistry pairs a connecting CLI with the adapter waiting for it.
// Connect registers an expectation keyed by session id; the inbound WS
// handler offers the upgraded socket once the CLI dials back.
type SocketRegistry struct {
	mu      sync.Mutex
	waiting map[string]chan Socket
}

func NewSocketRegistry() *SocketRegistry {
	return &SocketRegistry{waiting: make(map[string]chan Socket)}
}

// Expect registers interest in a session's socket. The returned channel
// yields exactly one socket when the CLI connects.
func (r *SocketRegistry) Expect(sessionID string) <-chan Socket {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Socket, 1)
	r.waiting[sessionID] = ch
	return ch
}

// Cancel withdraws an expectation (connect timed out or was aborted).
func (r *SocketRegistry) Cancel(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waiting, sessionID)
}

// Offer hands an inbound CLI socket to the waiting adapter. Returns false
// when no adapter expects this session id; the caller closes with 4000.
func (r *SocketRegistry) Offer(sessionID string, sock Socket) bool {
	r.mu.Lock()
	ch, ok := r.waiting[sessionID]
	if ok {
		delete(r.waiting, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- sock
	return true
}

// wsSocket adapts a gorilla connection to the Socket interface with
// mutex-guarded writes.
type wsSocket struct {
	c      *websocket.Conn
	mu     sync.Mutex
	closed bool
}

// NewWSSocket wraps an upgraded CLI connection.
func NewWSSocket(c *websocket.Conn) Socket {
	c.SetReadLimit(4 * 1024 * 1024)
	c.SetPongHandler(func(string) error {
		_ = c.SetReadDeadline(time.Now().Add(30 * time.Second))
		return nil
	})
	return &wsSocket{c: c}
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.c.ReadMessage()
	return data, err
}

func (s *wsSocket) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("cli socket closed")
	}
	return s.c.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.c.Close()
}

// sendJSON marshals v and writes it as one frame.
func sendJSON(sock Socket, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cli marshal: %w", err)
	}
	return sock.WriteMessage(data)
}
