package dispatch

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/campus-rides/internal/observability"
)

const writeWait = 5 * time.Second

// WSSession is one connected socket. Writes are serialized because a
// gorilla connection supports a single concurrent writer.
type WSSession struct {
	UserID string

	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

// Ping keeps intermediaries from dropping an idle socket.
func (s *WSSession) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// WSRegistry holds the live sessions of every user. A user may have several
// sockets open, one per device or tab.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[*WSSession]struct{}
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]map[*WSSession]struct{})}
}

func (r *WSRegistry) Add(userID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{UserID: userID, conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[userID]
	if !ok {
		set = make(map[*WSSession]struct{})
		r.sessions[userID] = set
	}
	set[s] = struct{}{}
	observability.WSSessions.Inc()
	return s
}

func (r *WSRegistry) Remove(s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[s.UserID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	observability.WSSessions.Dec()
	if len(set) == 0 {
		delete(r.sessions, s.UserID)
	}
}

func (r *WSRegistry) Connected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[userID]) > 0
}
