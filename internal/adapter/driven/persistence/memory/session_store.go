package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/yaront1111/mandarin-sub007/internal/core/domain"
)

// SessionStore keeps call sessions in memory. Active sessions are indexed by
// participant pair; terminal sessions linger for a retention window and are
// then evicted.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[domain.CallID]*domain.CallSession
	pairs    map[domain.PairKey]domain.CallID
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[domain.CallID]*domain.CallSession),
		pairs:    make(map[domain.PairKey]domain.CallID),
	}
}

func (s *SessionStore) Create(sess *domain.CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("%w: call id %s already in use", domain.ErrInvalidArgument, sess.ID)
	}
	pair := sess.Pair()
	if existing, ok := s.pairs[pair]; ok {
		return fmt.Errorf("%w: %s", domain.ErrCallAlreadyActive, existing)
	}
	s.sessions[sess.ID] = sess
	s.pairs[pair] = sess.ID
	return nil
}

func (s *SessionStore) Get(id domain.CallID) (*domain.CallSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Release must be called with the session locked.
func (s *SessionStore) Release(sess *domain.CallSession, retention time.Duration) {
	s.mu.Lock()
	pair := sess.Pair()
	if s.pairs[pair] == sess.ID {
		delete(s.pairs, pair)
	}
	s.mu.Unlock()

	id := sess.ID
	sess.ArmTimer(domain.TimerEviction, retention, func() { s.Delete(id) })
}

func (s *SessionStore) Delete(id domain.CallID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	pair := sess.Pair()
	if s.pairs[pair] == id {
		delete(s.pairs, pair)
	}
	delete(s.sessions, id)
}

func (s *SessionStore) Active() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pairs)
}

func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *SessionStore) Range(fn func(*domain.CallSession) bool) {
	s.mu.RLock()
	list := make([]*domain.CallSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	s.mu.RUnlock()

	for _, sess := range list {
		if !fn(sess) {
			return
		}
	}
}
