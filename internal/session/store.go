package session

import (
	"log"
	"sync"
	"time"
)

// Store is the process-local session map. GetOrCreate is atomic, so a
// retried call-answered webhook gets the existing session back instead of
// racing a second one into existence.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session

	ttl    time.Duration
	logger *log.Logger

	// OnEvict, if set, is called (outside the store lock) for every session
	// removed by the TTL sweeper. Used to release call-registry slots.
	OnEvict func(callID string)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewStore creates a session store. ttl bounds how long an abandoned
// session survives without activity before the sweeper reclaims it.
func NewStore(ttl time.Duration, logger *log.Logger) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Store{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// GetOrCreate returns the session for callID, creating it atomically if
// none exists. The second return value reports whether it was created.
func (st *Store) GetOrCreate(callID, customerPhone string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.sessions[callID]; ok {
		return s, false
	}

	now := time.Now().UTC()
	s := &Session{
		CallID:         callID,
		CustomerPhone:  customerPhone,
		Extracted:      make(map[string]string),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	st.sessions[callID] = s
	return s, true
}

// Get returns the session for callID, or nil if none exists.
func (st *Store) Get(callID string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sessions[callID]
}

// Remove deletes the session for callID. Called after a successful
// dispatch so memory stays bounded by the number of live calls.
func (st *Store) Remove(callID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, callID)
}

// Len returns the number of tracked sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Start launches the TTL sweeper.
func (st *Store) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	st.wg.Add(1)
	go st.run(interval)
}

// Stop shuts the sweeper down and waits for it to finish.
func (st *Store) Stop() {
	close(st.stopCh)
	st.wg.Wait()
}

func (st *Store) run(interval time.Duration) {
	defer st.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			st.sweep()
		case <-st.stopCh:
			return
		}
	}
}

// sweep evicts sessions idle past the TTL. Sessions whose outcome was
// claimed for dispatch are left alone: the dispatcher removes them and
// releases their call slot when the job finishes, and evicting such a
// session here would release the slot a second time.
func (st *Store) sweep() {
	cutoff := time.Now().UTC().Add(-st.ttl)

	st.mu.Lock()
	var evicted []string
	for id, s := range st.sessions {
		s.Lock()
		idle := s.LastActivityAt.Before(cutoff)
		claimed := s.Dispatched
		s.Unlock()
		if idle && !claimed {
			delete(st.sessions, id)
			evicted = append(evicted, id)
		}
	}
	st.mu.Unlock()

	for _, id := range evicted {
		if st.logger != nil {
			st.logger.Printf("session: evicted abandoned session %s (idle > %v)", id, st.ttl)
		}
		if st.OnEvict != nil {
			st.OnEvict(id)
		}
	}
}
