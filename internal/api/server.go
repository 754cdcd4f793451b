// Package api exposes the daemon's HTTP surface: the thin REST facade, the
// consumer WebSocket, and the inverted-connection CLI WebSocket.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/adapter/claude"
	"github.com/beamcode/beamcode/internal/broker"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/internal/registry"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/internal/trace"
	apitypes "github.com/beamcode/beamcode/pkg/api"
)

const (
	maxBodyBytes = 1 << 20 // request bodies on mutating routes
	maxNameLen   = 100
)

// Options wires the server's collaborators.
type Options struct {
	Coordinator   *broker.Coordinator
	Registry      *registry.Registry
	Adapters      *adapter.Registry
	Sockets       *claude.SocketRegistry // nil when the claude adapter is not registered
	Metrics       *trace.Metrics
	Token         string // empty disables auth
	Version       string
	Authenticator RoleAuthenticator
}

// Server holds the HTTP handlers. Build once, mount via Handler.
type Server struct {
	coord    *broker.Coordinator
	registry *registry.Registry
	adapters *adapter.Registry
	sockets  *claude.SocketRegistry
	metrics  *trace.Metrics
	token    string
	version  string
	auth     RoleAuthenticator
	started  time.Time
	log      zerolog.Logger
}

func NewServer(opts Options) *Server {
	auth := opts.Authenticator
	if auth == nil {
		auth = DefaultAuthenticator
	}
	return &Server{
		coord:    opts.Coordinator,
		registry: opts.Registry,
		adapters: opts.Adapters,
		sockets:  opts.Sockets,
		metrics:  opts.Metrics,
		token:    opts.Token,
		version:  opts.Version,
		auth:     auth,
		started:  time.Now(),
		log:      logging.With("api"),
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/adapters", s.listAdapters)
		r.Get("/sessions", s.listSessions)
		r.Post("/sessions", s.createSession)
		r.Get("/sessions/{id}", s.getSession)
		r.Delete("/sessions/{id}", s.deleteSession)
		r.Put("/sessions/{id}/rename", s.renameSession)
		r.Put("/sessions/{id}/archive", s.archiveSession)
		r.Get("/sessions/{id}/state", s.sessionState)
	})

	r.Get("/ws/consumer/{id}", s.consumerWS)
	r.Get("/ws/cli/{id}", s.cliWS)
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apitypes.HealthResponse{
		Status:        "ok",
		Version:       s.version,
		Sessions:      len(s.coord.ListSessions()),
		UptimeSeconds: time.Since(s.started).Seconds(),
	})
}

func (s *Server) listAdapters(w http.ResponseWriter, r *http.Request) {
	out := apitypes.AdapterListResponse{Adapters: []apitypes.AdapterInfo{}}
	for _, name := range s.adapters.Names() {
		ad, err := s.adapters.Get(name)
		if err != nil {
			continue
		}
		caps := ad.Capabilities()
		out.Adapters = append(out.Adapters, apitypes.AdapterInfo{
			Name: name,
			Capabilities: apitypes.CapabilitySet{
				Streaming:     caps.Streaming,
				Permissions:   caps.Permissions,
				SlashCommands: caps.SlashCommands,
				Availability:  caps.Availability,
				Teams:         caps.Teams,
				Inverted:      caps.Inverted,
			},
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.coord.ListSessions()
	out := apitypes.SessionListResponse{Sessions: make([]apitypes.SessionInfo, 0, len(sessions))}
	for _, sess := range sessions {
		out.Sessions = append(out.Sessions, s.sessionInfo(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req apitypes.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	info, err := os.Stat(req.Cwd)
	if err != nil || !info.IsDir() {
		writeError(w, http.StatusBadRequest, "cwd must be an existing directory")
		return
	}

	sess, err := s.coord.CreateSession(r.Context(), broker.CreateOptions{
		Cwd:            req.Cwd,
		Model:          req.Model,
		PermissionMode: req.PermissionMode,
		AdapterName:    req.AdapterName,
	})
	if err != nil {
		switch {
		case errors.Is(err, adapter.ErrUnknownAdapter):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, registry.ErrTooManySessions):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, s.sessionInfo(sess))
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.coord.GetSession(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, s.sessionInfo(sess))
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	err := s.coord.DeleteSession(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, broker.ErrSessionUnknown) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) renameSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req apitypes.RenameSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "name must not be empty")
		return
	}
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}

	if err := s.registry.SetName(id, name); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sess, _ := s.coord.GetSession(id)
	writeJSON(w, http.StatusOK, s.sessionInfo(sess))
}

func (s *Server) archiveSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req apitypes.ArchiveSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.registry.SetArchived(id, req.Archived); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sess, _ := s.coord.GetSession(id)
	writeJSON(w, http.StatusOK, s.sessionInfo(sess))
}

func (s *Server) sessionState(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.coord.GetSession(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess.State())
}

func (s *Server) sessionInfo(sess *session.Session) apitypes.SessionInfo {
	return apitypes.SessionInfo{
		ID:               sess.ID,
		AdapterName:      sess.AdapterName,
		Cwd:              sess.Cwd,
		Model:            sess.Model,
		PermissionMode:   sess.PermissionMode,
		Name:             sess.Name(),
		Archived:         sess.Archived(),
		Status:           s.registry.Status(sess.ID),
		PID:              sess.PID(),
		ExitCode:         sess.ExitCode(),
		BackendSessionID: sess.BackendSessionID(),
		CLIConnected:     sess.CLIConnected(),
		CreatedAt:        sess.CreatedAt,
		LastActivity:     sess.LastActivity(),
	}
}

// requireAuth enforces the bearer token on /api routes. Query tokens are
// accepted too so browser clients can share the WebSocket credential.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if bearer, ok := strings.CutPrefix(auth, "Bearer "); ok && bearer == s.token {
			return true
		}
	}
	return r.URL.Query().Get("token") == s.token
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apitypes.ErrorResponse{Error: msg})
}
