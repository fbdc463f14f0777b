package telephony

import (
	"context"
	"sort"
	"sync"
)

// SessionTracker indexes live bridge sessions by session id. It is used for
// the status endpoint and for draining on shutdown, never for routing.
type SessionTracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
}

type trackedSession struct {
	session *BridgeSession
	once    sync.Once
}

func NewSessionTracker() *SessionTracker {
	return &SessionTracker{
		sessions: make(map[string]*trackedSession),
	}
}

// Register adds s and returns a func that removes it. The returned func is
// safe to call more than once.
func (t *SessionTracker) Register(s *BridgeSession) (unregister func()) {
	entry := &trackedSession{session: s}

	t.mu.Lock()
	old := t.sessions[s.ID]
	t.sessions[s.ID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(s.ID, old)
	}

	return func() { t.unregister(s.ID, entry) }
}

func (t *SessionTracker) unregister(id string, entry *trackedSession) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions[id] == entry {
			delete(t.sessions, id)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

// Get returns the live session with id, or nil.
func (t *SessionTracker) Get(id string) *BridgeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry := t.sessions[id]; entry != nil {
		return entry.session
	}
	return nil
}

func (t *SessionTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Snapshot returns the status of every live session, oldest first.
func (t *SessionTracker) Snapshot() []SessionStatus {
	sessions := t.list()
	out := make([]SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CloseAll tears down every live session with reason.
func (t *SessionTracker) CloseAll(reason TeardownReason) int {
	sessions := t.list()
	for _, s := range sessions {
		s.Close(reason)
	}
	return len(sessions)
}

// Wait blocks until every registered session has unregistered or ctx is
// done. It reports whether all sessions finished.
func (t *SessionTracker) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *SessionTracker) list() []*BridgeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*BridgeSession, 0, len(t.sessions))
	for _, entry := range t.sessions {
		out = append(out, entry.session)
	}
	return out
}
