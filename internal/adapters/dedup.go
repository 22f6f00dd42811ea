package adapters

import (
	"sync"
	"time"
)

// dedupWindow suppresses duplicate inbound events keyed by
// (session id, origin message id) within a short window.
type dedupWindow struct {
	mu     sync.Mutex
	window time.Duration
	seenAt map[string]time.Time
	now    func() time.Time
}

func newDedupWindow(window time.Duration) *dedupWindow {
	return &dedupWindow{
		window: window,
		seenAt: make(map[string]time.Time),
		now:    time.Now,
	}
}

// seen records the key and reports whether it was already observed within
// the window. Expired entries are pruned opportunistically.
func (d *dedupWindow) seen(sessionID, messageID string) bool {
	key := sessionID + "\x00" + messageID
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for k, at := range d.seenAt {
		if now.Sub(at) > d.window {
			delete(d.seenAt, k)
		}
	}

	if at, ok := d.seenAt[key]; ok && now.Sub(at) <= d.window {
		return true
	}
	d.seenAt[key] = now
	return false
}
