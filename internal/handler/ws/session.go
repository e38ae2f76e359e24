package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentmesh/agent-hub/internal/domain/registry"
)

const writeWait = 10 * time.Second

// session is one accepted websocket. It starts anonymous; the register
// frame binds it to an agent instance and attaches the hub connector.
type session struct {
	id   uuid.UUID
	sock *websocket.Conn
	log  *slog.Logger

	// writeMu serializes all socket writes: the read loop replies and the
	// write pump share the connection.
	writeMu sync.Mutex

	mu         sync.RWMutex
	agentID    string
	instanceID string
	conn       registry.Connector
	subs       map[string]struct{}

	lastBeat  atomic.Int64
	closeOnce sync.Once
}

func newSession(sock *websocket.Conn, log *slog.Logger) *session {
	s := &session{
		id:   uuid.New(),
		sock: sock,
		subs: make(map[string]struct{}),
	}
	s.log = log.With("session_id", s.id.String())
	s.touchBeat()
	return s
}

func (s *session) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.writeRaw(b)
}

func (s *session) writeRaw(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.sock.SetWriteDeadline(time.Now().Add(writeWait))
	return s.sock.WriteMessage(websocket.TextMessage, b)
}

func (s *session) writeError(msg string) {
	if err := s.writeJSON(errorFrame{Type: "error", Message: msg}); err != nil {
		s.log.Debug("error frame not written", "err", err)
	}
}

// bind attaches the registered identity. Returns false when the session
// already carries one; a socket registers at most once.
func (s *session) bind(agentID, instanceID string, conn registry.Connector) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return false
	}
	s.agentID = agentID
	s.instanceID = instanceID
	s.conn = conn
	return true
}

func (s *session) identity() (agentID, instanceID string, conn registry.Connector) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentID, s.instanceID, s.conn
}

func (s *session) registered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil
}

func (s *session) subscribe(agents []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range agents {
		if a != "" {
			s.subs[a] = struct{}{}
		}
	}
	return s.subscribedLocked()
}

func (s *session) unsubscribe(agentID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, agentID)
	return s.subscribedLocked()
}

func (s *session) subscribedLocked() []string {
	out := make([]string, 0, len(s.subs))
	for a := range s.subs {
		out = append(out, a)
	}
	return out
}

func (s *session) subscriptions() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]struct{}, len(s.subs))
	for a := range s.subs {
		cp[a] = struct{}{}
	}
	return cp
}

func (s *session) touchBeat() {
	s.lastBeat.Store(time.Now().UnixNano())
}

func (s *session) beatAge() time.Duration {
	return time.Since(time.Unix(0, s.lastBeat.Load()))
}

// close sends the final connection.closed frame (best effort) and tears
// the socket down. Idempotent.
func (s *session) close(reason, code string) {
	s.closeOnce.Do(func() {
		if reason != "" {
			_ = s.writeJSON(closedFrame{Type: "connection.closed", Reason: reason, Code: code})
		}
		s.sock.Close()
	})
}
