package credential

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// DefaultSessionTTL is how long an idle session is kept.
const DefaultSessionTTL = 24 * time.Hour

// Session is the server-side state behind one browser session cookie.
type Session struct {
	ID string
	// OAuthState is the anti-forgery value of an authorization in progress.
	OAuthState string
	Token      *oauth2.Token
	LastSeen   time.Time
}

// SessionStore keeps sessions in memory.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
}

// NewSessionStore creates an empty store. A non-positive ttl uses DefaultSessionTTL.
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

// RandomString returns n random bytes, hex encoded.
func RandomString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Create starts a new session.
func (s *SessionStore) Create() (*Session, error) {
	id, err := RandomString(16)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	sess := &Session{ID: id, LastSeen: s.now()}
	s.sessions[id] = sess
	return sess, nil
}

// Get returns a copy of the session with the given id.
func (s *SessionStore) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.lookupLocked(id)
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// SetOAuthState records the state parameter of a pending authorization.
func (s *SessionStore) SetOAuthState(id, state string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.lookupLocked(id)
	if ok {
		sess.OAuthState = state
	}
	return ok
}

// SetToken stores the token obtained for the session and clears the pending state.
func (s *SessionStore) SetToken(id string, tok *oauth2.Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.lookupLocked(id)
	if ok {
		sess.Token = tok
		sess.OAuthState = ""
	}
	return ok
}

// Provider returns the credential provider bound to a session. The token is
// looked up on every call, so a later login is picked up.
func (s *SessionStore) Provider(id string) Provider {
	return FromTokenSource(sessionTokenSource{store: s, id: id})
}

var errNoSessionToken = errors.New("session has no token")

// sessionTokenSource serves the token stored in one session.
type sessionTokenSource struct {
	store *SessionStore
	id    string
}

func (ts sessionTokenSource) Token() (*oauth2.Token, error) {
	sess, ok := ts.store.Get(ts.id)
	if !ok || sess.Token == nil {
		return nil, errNoSessionToken
	}
	return sess.Token, nil
}

// Len returns the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	return len(s.sessions)
}

func (s *SessionStore) lookupLocked(id string) (*Session, bool) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	now := s.now()
	if now.Sub(sess.LastSeen) > s.ttl {
		delete(s.sessions, id)
		return nil, false
	}
	sess.LastSeen = now
	return sess, true
}

func (s *SessionStore) expireLocked() {
	now := s.now()
	for id, sess := range s.sessions {
		if now.Sub(sess.LastSeen) > s.ttl {
			delete(s.sessions, id)
		}
	}
}
