package channel

import "sync"

// ThreadTracker remembers, per conversation, the message token replies
// should be attached to. Anchors live in memory only and are lost on
// restart; replies then go to the channel top level.
type ThreadTracker struct {
	mu      sync.RWMutex
	anchors map[string]string
}

func NewThreadTracker() *ThreadTracker {
	return &ThreadTracker{anchors: make(map[string]string)}
}

// Record sets the anchor for jid, replacing any previous one.
func (t *ThreadTracker) Record(jid, anchor string) {
	if anchor == "" {
		return
	}
	t.mu.Lock()
	t.anchors[jid] = anchor
	t.mu.Unlock()
}

// Current returns the anchor for jid, if one has been recorded.
func (t *ThreadTracker) Current(jid string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	anchor, ok := t.anchors[jid]
	return anchor, ok
}

func (t *ThreadTracker) Forget(jid string) {
	t.mu.Lock()
	delete(t.anchors, jid)
	t.mu.Unlock()
}

// SelectAnchor picks the anchor for a plain message event. A message is a
// thread reply when it carries a thread token different from its own; the
// thread root is the anchor then. Otherwise the message starts a new thread.
func SelectAnchor(ts, threadTS string) (anchor string, inThread bool) {
	if threadTS != "" && threadTS != ts {
		return threadTS, true
	}
	return ts, false
}
