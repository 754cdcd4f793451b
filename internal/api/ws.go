package api

import (
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/beamcode/beamcode/internal/adapter/claude"
	"github.com/beamcode/beamcode/internal/broker"
)

const consumerReadLimit = 256 * 1024

var errTransportClosed = errors.New("consumer transport closed")

// upgrader is shared by both WS endpoints. The daemon binds to loopback by
// default and the tunnel fronts remote access, so origin checks stay off.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// AuthRequest describes one attaching consumer for role assignment.
type AuthRequest struct {
	SessionID  string
	Header     http.Header
	Query      url.Values
	RemoteAddr string
}

// RoleAuthenticator assigns the consumer role at attach time.
type RoleAuthenticator func(AuthRequest) broker.Role

// DefaultAuthenticator grants participant unless the client asks to observe.
func DefaultAuthenticator(req AuthRequest) broker.Role {
	if req.Query.Get("role") == string(broker.RoleObserver) {
		return broker.RoleObserver
	}
	return broker.RoleParticipant
}

// wsTransport adapts a gorilla connection to the broker's Transport. Writes
// go through a queue drained by a single writer goroutine; BufferedAmount
// reports bytes accepted but not yet flushed, feeding the broadcaster's
// high-water disconnect.
type wsTransport struct {
	conn     *websocket.Conn
	out      chan []byte
	buffered atomic.Int64
	done     chan struct{}
	once     sync.Once
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	t := &wsTransport{
		conn: conn,
		out:  make(chan []byte, 256),
		done: make(chan struct{}),
	}
	go t.writeLoop()
	return t
}

func (t *wsTransport) Send(data []byte) error {
	select {
	case <-t.done:
		return errTransportClosed
	default:
	}
	t.buffered.Add(int64(len(data)))
	select {
	case t.out <- data:
		return nil
	case <-t.done:
		t.buffered.Add(-int64(len(data)))
		return errTransportClosed
	}
}

func (t *wsTransport) writeLoop() {
	for {
		select {
		case <-t.done:
			return
		case data := <-t.out:
			err := t.conn.WriteMessage(websocket.TextMessage, data)
			t.buffered.Add(-int64(len(data)))
			if err != nil {
				_ = t.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (t *wsTransport) Close(code int, reason string) error {
	t.once.Do(func() {
		close(t.done)
		deadline := time.Now().Add(time.Second)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		_ = t.conn.Close()
	})
	return nil
}

func (t *wsTransport) BufferedAmount() int {
	return int(t.buffered.Load())
}

// consumerWS upgrades and attaches one consumer, then pumps inbound frames
// into the coordinator until the peer goes away.
func (s *Server) consumerWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.coord.GetSession(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "missing or invalid token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(consumerReadLimit)

	role := s.auth(AuthRequest{
		SessionID:  id,
		Header:     r.Header,
		Query:      r.URL.Query(),
		RemoteAddr: r.RemoteAddr,
	})

	trans := newWSTransport(conn)
	consumer, err := s.coord.AttachConsumer(id, trans, role)
	if err != nil {
		_ = trans.Close(broker.CloseNormal, "attach failed")
		return
	}
	defer s.coord.DetachConsumer(id, consumer.ID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.coord.RouteInboundConsumerFrame(consumer, sess, data)
	}
}

// cliWS receives the dial-back from an inverted-connection CLI and hands the
// socket to the adapter expecting it. Unknown sessions close with 4000.
func (s *Server) cliWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if _, ok := s.coord.GetSession(id); !ok || s.sockets == nil {
		closeWS(conn, broker.CloseUnknownCLI, "unknown session")
		return
	}

	sock := claude.NewWSSocket(conn)
	if !s.sockets.Offer(id, sock) {
		s.log.Warn().Str("session_id", id).Msg("cli connected but no adapter is waiting")
		closeWS(conn, broker.CloseUnknownCLI, "no adapter waiting")
		return
	}
	s.log.Info().Str("session_id", id).Msg("cli socket paired")
}

func closeWS(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}
