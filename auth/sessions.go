package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wusul/settlement-engine/ledger"
)

// DefaultSessionTTL is how long a login stays valid.
const DefaultSessionTTL = 7 * 24 * time.Hour

type Session struct {
	Token     string           `json:"token"`
	AccountID ledger.AccountID `json:"account_id"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// Sessions is an in-memory token table. Sessions do not survive a restart.
type Sessions struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]Session
	now      func() time.Time
}

func NewSessions(ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{
		ttl:      ttl,
		sessions: make(map[string]Session),
		now:      time.Now,
	}
}

func (s *Sessions) Create(id ledger.AccountID) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := Session{
		Token:     uuid.NewString(),
		AccountID: id,
		ExpiresAt: s.now().Add(s.ttl),
	}
	s.sessions[sess.Token] = sess
	return sess
}

// Lookup returns the account of a live session. Expired sessions are removed.
func (s *Sessions) Lookup(token string) (ledger.AccountID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return "", ErrNoSession
	}
	if s.now().After(sess.ExpiresAt) {
		delete(s.sessions, token)
		return "", ErrSessionExpired
	}
	return sess.AccountID, nil
}

func (s *Sessions) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
}

// Sweep drops expired sessions and returns how many were removed.
func (s *Sessions) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for token, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, token)
			n++
		}
	}
	return n
}
