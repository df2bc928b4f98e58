package hub

import (
	"crypto/rand"
	"errors"
	"time"

	"github.com/mr-tron/base58"
)

// ErrAlreadyBound is returned when a register arrives on a session that
// already carries an agent binding. The binding is set exactly once so
// an identity cannot be hijacked mid-session.
var ErrAlreadyBound = errors.New("session already bound to an agent")

// Session is one live connection's bookkeeping. AgentID is empty until
// a register is processed and immutable afterwards.
type Session struct {
	ID          string
	AgentID     string
	ConnectedAt time.Time

	client *Client
}

// newID returns a fresh random identifier, base58-encoded.
func newID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic("hub: crypto/rand unavailable: " + err.Error())
	}
	return base58.Encode(buf[:])
}

// sessionRegistry maps session ids to live sessions for one room.
type sessionRegistry struct {
	sessions map[string]*Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*Session)}
}

// accept creates and stores a session for the connection. Always succeeds.
func (r *sessionRegistry) accept(client *Client) *Session {
	s := &Session{
		ID:          newID(),
		ConnectedAt: time.Now(),
		client:      client,
	}
	r.sessions[s.ID] = s
	return s
}

// bind sets the session's agent binding exactly once.
func (r *sessionRegistry) bind(s *Session, agentID string) error {
	if s.AgentID != "" {
		return ErrAlreadyBound
	}
	s.AgentID = agentID
	return nil
}

// remove deletes the session and reports whether it was present.
// Idempotent: disconnect and error paths may race.
func (r *sessionRegistry) remove(s *Session) bool {
	if _, ok := r.sessions[s.ID]; !ok {
		return false
	}
	delete(r.sessions, s.ID)
	return true
}

func (r *sessionRegistry) has(s *Session) bool {
	_, ok := r.sessions[s.ID]
	return ok
}

func (r *sessionRegistry) len() int {
	return len(r.sessions)
}
