package transport

import (
	"sync"

	"github.com/hxrts/aura/interfaces"
)

// ReplayCache rejects duplicate frames per session. Each session keeps a
// sliding window of recently observed frame tags; a tag seen twice inside
// the window is a replay. Windows are bounded, so an attacker replaying
// very old frames is bounded by the session deadline, not the cache.
type ReplayCache struct {
	mu       sync.Mutex
	window   int
	sessions map[interfaces.SessionID]*tagWindow
}

type tagWindow struct {
	seen  map[interfaces.Hash]struct{}
	order []interfaces.Hash
	next  int
}

// NewReplayCache creates a cache holding up to window tags per session.
func NewReplayCache(window int) *ReplayCache {
	if window < 1 {
		window = 1
	}
	return &ReplayCache{
		window:   window,
		sessions: make(map[interfaces.SessionID]*tagWindow),
	}
}

// Observe records a frame tag and reports whether it is fresh. False
// means the frame is a replay and must be dropped.
func (c *ReplayCache) Observe(session interfaces.SessionID, tag interfaces.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.sessions[session]
	if !ok {
		w = &tagWindow{
			seen:  make(map[interfaces.Hash]struct{}, c.window),
			order: make([]interfaces.Hash, c.window),
		}
		c.sessions[session] = w
	}
	if _, dup := w.seen[tag]; dup {
		return false
	}

	evicted := w.order[w.next]
	if _, ok := w.seen[evicted]; ok {
		delete(w.seen, evicted)
	}
	w.order[w.next] = tag
	w.next = (w.next + 1) % len(w.order)
	w.seen[tag] = struct{}{}
	return true
}

// Drop discards a session's window once the session ends.
func (c *ReplayCache) Drop(session interfaces.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, session)
}
