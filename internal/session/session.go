package session

import (
	"sync"
	"time"

	"github.com/beamcode/beamcode/pkg/unified"
)

const (
	// DefaultHistoryCap bounds messageHistory; trimming drops from the head
	// in blocks so appends stay O(1) amortized.
	DefaultHistoryCap = 10000
	historyTrimBlock  = 1000
)

// Session is the central entity: identity plus the mutable per-session data
// the coordinator owns. All mutation goes through methods; the internal
// mutex keeps concurrent readers (HTTP snapshots) safe while the owning
// goroutine drives writes.
type Session struct {
	ID             string
	AdapterName    string
	Cwd            string
	Model          string
	PermissionMode string
	CreatedAt      time.Time

	mu               sync.RWMutex
	name             string
	archived         bool
	pid              int
	exitCode         *int
	backendSessionID string
	cliConnected     bool

	historyCap         int
	history            []unified.Message
	pendingMessages    [][]byte
	pendingPermissions map[string]unified.Message

	state      *State
	correlator *Correlator

	// Capability side-channel, fed by control_response handling outside
	// the reducer.
	supportedModels   []string
	supportedCommands []string

	lastActivity time.Time
}

func New(id, adapterName, cwd string) *Session {
	return &Session{
		ID:                 id,
		AdapterName:        adapterName,
		Cwd:                cwd,
		CreatedAt:          time.Now().UTC(),
		historyCap:         DefaultHistoryCap,
		pendingPermissions: make(map[string]unified.Message),
		state:              NewState(id),
		correlator:         NewCorrelator(),
		lastActivity:       time.Now(),
	}
}

// SetHistoryCap overrides the history bound; must stay >= the replay cap.
func (s *Session) SetHistoryCap(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.historyCap = n
	}
}

// Apply runs the team correlator pre-stage and the reducer over msg,
// storing the resulting snapshot. Returns the new state.
func (s *Session) Apply(msg unified.Message) *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.correlator.Observe(s.state, msg)
	st = Reduce(st, msg)
	s.state = st
	return st
}

// FlushCorrelator expires stale team tool_use buffers.
func (s *Session) FlushCorrelator() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.correlator.Flush()
}

// State returns the current derived snapshot.
func (s *Session) State() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// RestoreState installs a persisted snapshot on startup.
func (s *Session) RestoreState(st *State) {
	if st == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// AppendHistory records msg and bumps lastActivity. Trimming drops whole
// blocks from the head once the cap is exceeded.
func (s *Session) AppendHistory(msg unified.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msg)
	if len(s.history) > s.historyCap {
		drop := historyTrimBlock
		if over := len(s.history) - s.historyCap; over > drop {
			drop = over
		}
		s.history = append([]unified.Message(nil), s.history[drop:]...)
	}
	s.lastActivity = time.Now()
}

// HistoryTail returns up to n most recent messages, oldest first. n <= 0
// returns the full bounded history.
func (s *Session) HistoryTail(n int) []unified.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.history) {
		n = len(s.history)
	}
	out := make([]unified.Message, n)
	copy(out, s.history[len(s.history)-n:])
	return out
}

// History returns a copy of the full bounded history.
func (s *Session) History() []unified.Message {
	return s.HistoryTail(0)
}

// RestoreHistory installs persisted history on startup.
func (s *Session) RestoreHistory(msgs []unified.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(msgs) > s.historyCap {
		msgs = msgs[len(msgs)-s.historyCap:]
	}
	s.history = append([]unified.Message(nil), msgs...)
}

// QueuePending buffers a raw outbound frame while the backend is down.
func (s *Session) QueuePending(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingMessages = append(s.pendingMessages, frame)
}

// DrainPending removes and returns all queued frames.
func (s *Session) DrainPending() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pendingMessages
	s.pendingMessages = nil
	return out
}

// PendingFrames returns a copy of the queued frames without draining them.
func (s *Session) PendingFrames() [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][]byte, len(s.pendingMessages))
	copy(out, s.pendingMessages)
	return out
}

// PendingCount reports queued outbound frames.
func (s *Session) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pendingMessages)
}

// RestorePending installs persisted queued frames on startup.
func (s *Session) RestorePending(frames [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingMessages = append([][]byte(nil), frames...)
}

// AddPermission records an in-flight permission request keyed by request id.
func (s *Session) AddPermission(requestID string, msg unified.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingPermissions[requestID] = msg
}

// TakePermission removes and returns the pending request, if present.
func (s *Session) TakePermission(requestID string) (unified.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.pendingPermissions[requestID]
	if ok {
		delete(s.pendingPermissions, requestID)
	}
	return msg, ok
}

// DrainPermissions empties the pending map, returning the request ids.
func (s *Session) DrainPermissions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pendingPermissions))
	for id := range s.pendingPermissions {
		ids = append(ids, id)
	}
	s.pendingPermissions = make(map[string]unified.Message)
	return ids
}

// PendingPermissions returns a copy of the in-flight requests.
func (s *Session) PendingPermissions() map[string]unified.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]unified.Message, len(s.pendingPermissions))
	for id, msg := range s.pendingPermissions {
		out[id] = msg
	}
	return out
}

// RestorePermissions installs persisted pending requests on startup.
func (s *Session) RestorePermissions(reqs map[string]unified.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, msg := range reqs {
		s.pendingPermissions[id] = msg
	}
}

// Touch bumps lastActivity.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity reports when the session last saw a message in either
// direction.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

func (s *Session) SetName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

func (s *Session) SetArchived(archived bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archived = archived
}

func (s *Session) Archived() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.archived
}

func (s *Session) SetPID(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pid = pid
}

// PID is nonzero only for inverted-connection adapters.
func (s *Session) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pid
}

// SetExitCode records how the backend process ended. -1 marks an abnormal
// end: a dead PID found on restore, or a spawn that never reached exec.
func (s *Session) SetExitCode(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := code
	s.exitCode = &c
}

// ClearExitCode resets the exit status when a new backend comes up.
func (s *Session) ClearExitCode() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitCode = nil
}

// ExitCode returns nil while no backend has exited.
func (s *Session) ExitCode() *int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.exitCode == nil {
		return nil
	}
	c := *s.exitCode
	return &c
}

func (s *Session) SetBackendSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backendSessionID = id
}

func (s *Session) BackendSessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backendSessionID
}

func (s *Session) SetCLIConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cliConnected = connected
}

func (s *Session) CLIConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cliConnected
}

// SetCapabilities records the control_response side-channel payload.
func (s *Session) SetCapabilities(models, commands []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if models != nil {
		s.supportedModels = append([]string(nil), models...)
	}
	if commands != nil {
		s.supportedCommands = append([]string(nil), commands...)
	}
}

func (s *Session) SupportedModels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.supportedModels...)
}

func (s *Session) SupportedCommands() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.supportedCommands...)
}
