package broker

import (
	"github.com/beamcode/beamcode/internal/domain"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/internal/trace"
	"github.com/beamcode/beamcode/pkg/unified"
	"github.com/rs/zerolog"
)

// BackendSender forwards a message to a session's active backend.
type BackendSender interface {
	SendToBackend(sess *session.Session, msg unified.Message) error
}

// Mediator correlates backend permission requests with consumer responses.
// Requests live in the session's pending map until answered or cancelled.
type Mediator struct {
	bus     *Bus
	metrics *trace.Metrics
	log     zerolog.Logger
}

func NewMediator(bus *Bus, metrics *trace.Metrics) *Mediator {
	return &Mediator{bus: bus, metrics: metrics, log: logging.With("permissions")}
}

// HandleRequest records an inbound backend permission_request and broadcasts
// it to participants. The caller has already appended it to history, so
// late-joining consumers replay it.
func (m *Mediator) HandleRequest(sess *session.Session, bc *Broadcaster, msg unified.Message) {
	requestID := msg.RequestID()
	if requestID == "" {
		m.log.Warn().Str("session_id", sess.ID).Msg("permission_request without request_id dropped")
		return
	}
	sess.AddPermission(requestID, msg)
	bc.BroadcastToParticipants(msg)
}

// HandleResponse resolves a consumer permission_response: forward exactly one
// reply to the backend and drop the pending entry. A response for an unknown
// request id is dropped with a debug log.
func (m *Mediator) HandleResponse(sess *session.Session, sender BackendSender, msg unified.Message) {
	requestID := msg.RequestID()
	if _, ok := sess.TakePermission(requestID); !ok {
		m.log.Debug().
			Str("session_id", sess.ID).
			Str("request_id", requestID).
			Msg("permission_response for unknown request dropped")
		return
	}

	behavior := unified.PermissionBehavior(msg.MetaString("behavior"))
	if err := sender.SendToBackend(sess, msg); err != nil {
		m.log.Error().Err(err).
			Str("session_id", sess.ID).
			Str("request_id", requestID).
			Msg("failed to forward permission response")
		return
	}

	if m.metrics != nil {
		m.metrics.PermissionRequests.WithLabelValues(string(behavior)).Inc()
	}
	if m.bus != nil {
		m.bus.Publish(domain.New(domain.EventPermissionResolved, sess.ID, domain.PermissionResolution{
			RequestID: requestID,
			Behavior:  behavior,
		}))
	}
}

// CancelAll emits permission_cancelled for every pending request and empties
// the map. Called when the backend disconnects.
func (m *Mediator) CancelAll(sess *session.Session, bc *Broadcaster) {
	for _, requestID := range sess.DrainPermissions() {
		bc.BroadcastToParticipants(unified.NewPermissionCancelled(requestID))
		if m.metrics != nil {
			m.metrics.PermissionRequests.WithLabelValues("cancelled").Inc()
		}
	}
}
