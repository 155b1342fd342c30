package interview

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrStoreClosed = errors.New("session store is closed")

const (
	defaultDedupWindow = 24 * time.Hour
	pruneThreshold     = 1024
)

type sessionKey struct {
	tenant string
	phone  string
}

type phoneLock struct {
	ch   chan struct{}
	refs int
}

// SessionStore owns live sessions, the per-phone locks that serialize their
// events and the window of handled message ids.
type SessionStore struct {
	dedupWindow time.Duration
	now         func() time.Time

	mu       sync.Mutex
	open     bool
	sessions map[sessionKey]*Session
	locks    map[sessionKey]*phoneLock
	handled  map[string]time.Time
}

func NewSessionStore(dedupWindow time.Duration) *SessionStore {
	if dedupWindow <= 0 {
		dedupWindow = defaultDedupWindow
	}
	return &SessionStore{
		dedupWindow: dedupWindow,
		now:         time.Now,
	}
}

// Open starts an empty store. Reopening discards previous sessions.
func (s *SessionStore) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = make(map[sessionKey]*Session)
	s.locks = make(map[sessionKey]*phoneLock)
	s.handled = make(map[string]time.Time)
	s.open = true
	return nil
}

// Close drops every session. Locks already held stay valid until released.
func (s *SessionStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.open = false
	s.sessions = nil
	s.handled = nil
	return nil
}

// Lock serializes work on one conversation. The returned func releases it.
func (s *SessionStore) Lock(ctx context.Context, tenantID, phone string) (func(), error) {
	key := sessionKey{tenant: tenantID, phone: phone}

	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	l, ok := s.locks[key]
	if !ok {
		l = &phoneLock{ch: make(chan struct{}, 1)}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		s.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			s.release(key, l)
		})
	}, nil
}

func (s *SessionStore) release(key sessionKey, l *phoneLock) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l.refs--
	if l.refs == 0 && s.locks[key] == l {
		delete(s.locks, key)
	}
}

// get returns the live session; callers hold the conversation lock.
func (s *SessionStore) get(tenantID, phone string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionKey{tenant: tenantID, phone: phone}]
}

func (s *SessionStore) put(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ErrStoreClosed
	}
	s.sessions[sessionKey{tenant: sess.TenantID, phone: sess.CandidatePhone}] = sess
	return nil
}

func (s *SessionStore) delete(tenantID, phone string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey{tenant: tenantID, phone: phone}
	if _, ok := s.sessions[key]; !ok {
		return false
	}
	delete(s.sessions, key)
	return true
}

// Snapshot returns a copy of the session, safe to inspect without the lock.
func (s *SessionStore) Snapshot(tenantID, phone string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionKey{tenant: tenantID, phone: phone}]
	if !ok {
		return Session{}, false
	}
	return sess.clone(), true
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Handled reports whether the message id was already processed for the tenant.
func (s *SessionStore) Handled(tenantID, messageID string) bool {
	if messageID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.handled[tenantID+"/"+messageID]
	return ok && s.now().Sub(at) < s.dedupWindow
}

func (s *SessionStore) MarkHandled(tenantID, messageID string) {
	if messageID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return
	}
	now := s.now()
	if len(s.handled) >= pruneThreshold {
		for id, at := range s.handled {
			if now.Sub(at) >= s.dedupWindow {
				delete(s.handled, id)
			}
		}
	}
	s.handled[tenantID+"/"+messageID] = now
}
