package session

import "sync"

// lanes serializes run-lifecycle work per session. Run numbers stay contiguous
// and the single-active-run invariant holds because every mutation of a
// session's run set happens under that session's lane.
type lanes struct {
	mu      sync.Mutex
	entries map[string]*laneEntry
}

type laneEntry struct {
	mu   sync.Mutex
	refs int
}

func newLanes() *lanes {
	return &lanes{entries: make(map[string]*laneEntry)}
}

// lock acquires the lane for a session and returns its release func.
func (l *lanes) lock(sessionID string) func() {
	l.mu.Lock()
	entry, ok := l.entries[sessionID]
	if !ok {
		entry = &laneEntry{}
		l.entries[sessionID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, sessionID)
		}
		l.mu.Unlock()
	}
}
