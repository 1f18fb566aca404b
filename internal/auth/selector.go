package auth

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultSessionTTL is how long a session binding survives without traffic.
const DefaultSessionTTL = 60 * time.Second

const sessionPruneInterval = 30 * time.Second

type sessionBinding struct {
	accountID string
	lastSeen  time.Time
}

// Selector routes requests to accounts. Requests carrying a session key
// stick to their bound account while it stays selectable and the session
// stays warm; everything else falls through to least-recently-used
// selection on the store.
type Selector struct {
	store *Store
	ttl   time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionBinding

	now func() time.Time
}

// NewSelector wraps the store with session affinity. ttl <= 0 uses
// DefaultSessionTTL.
func NewSelector(store *Store, ttl time.Duration) *Selector {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Selector{
		store:    store,
		ttl:      ttl,
		sessions: make(map[string]*sessionBinding),
		now:      time.Now,
	}
}

// Pick chooses an account for the request. A warm session binding to a
// still-selectable account wins; otherwise the least loaded account is
// chosen and the session re-binds to it. The returned account has already
// been marked in flight; callers must pair Pick with Store.Release.
func (s *Selector) Pick(sessionID string, excluded map[string]bool) (*Account, error) {
	now := s.now()

	if sessionID != "" {
		if id, ok := s.boundAccount(sessionID, now); ok && !excluded[id] {
			acc, err := s.store.SelectByID(id, excluded)
			if err == nil {
				s.touch(sessionID, acc.ID, now)
				return acc, nil
			}
			// Bound account went away or turned non-selectable; fall
			// through and re-bind below.
			log.WithFields(log.Fields{"session": sessionID, "account": id}).
				Debug("Session binding no longer selectable, re-binding")
		}
	}

	acc, err := s.store.Select(excluded)
	if err != nil {
		return nil, err
	}
	if sessionID != "" {
		s.touch(sessionID, acc.ID, now)
	}
	return acc, nil
}

func (s *Selector) boundAccount(sessionID string, now time.Time) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.sessions[sessionID]
	if !ok {
		return "", false
	}
	if now.Sub(b.lastSeen) > s.ttl {
		delete(s.sessions, sessionID)
		return "", false
	}
	return b.accountID, true
}

// touch binds the session to the account and restarts its idle clock.
func (s *Selector) touch(sessionID, accountID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.sessions[sessionID]; ok {
		b.accountID = accountID
		b.lastSeen = now
		return
	}
	s.sessions[sessionID] = &sessionBinding{accountID: accountID, lastSeen: now}
}

// SessionCount reports the number of live bindings.
func (s *Selector) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Run prunes idle sessions until ctx is done.
func (s *Selector) Run(ctx context.Context) {
	ticker := time.NewTicker(sessionPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.prune(s.now())
		}
	}
}

func (s *Selector) prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, b := range s.sessions {
		if now.Sub(b.lastSeen) > s.ttl {
			delete(s.sessions, id)
		}
	}
}
