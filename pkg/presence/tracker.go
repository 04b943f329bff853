// Package presence keeps the set of peers observed online since the
// signaling channel last connected. No snapshot is ever requested.
package presence

import (
	"sort"
	"sync"

	"chatlink/pkg/log"
	"chatlink/pkg/metrics"
)

type Change struct {
	UserID string
	Online bool
}

type Tracker struct {
	mu     sync.RWMutex
	online map[string]struct{}

	subsMx sync.Mutex
	subs   map[int]chan Change
	nextID int
}

func NewTracker() *Tracker {
	return &Tracker{
		online: make(map[string]struct{}),
		subs:   make(map[int]chan Change),
	}
}

func (t *Tracker) SetOnline(userID string) {
	if userID == "" {
		return
	}

	t.mu.Lock()
	_, known := t.online[userID]
	t.online[userID] = struct{}{}
	n := len(t.online)
	t.mu.Unlock()

	if known {
		return
	}

	metrics.PresenceOnline.Set(float64(n))
	log.Component("presence").Debugf("%s online", userID)
	t.publish(Change{UserID: userID, Online: true})
}

func (t *Tracker) SetOffline(userID string) {
	t.mu.Lock()
	_, known := t.online[userID]
	delete(t.online, userID)
	n := len(t.online)
	t.mu.Unlock()

	if !known {
		return
	}

	metrics.PresenceOnline.Set(float64(n))
	log.Component("presence").Debugf("%s offline", userID)
	t.publish(Change{UserID: userID, Online: false})
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.online[userID]

	return ok
}

// Online returns the online peers, sorted.
func (t *Tracker) Online() []string {
	t.mu.RLock()

	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}

	t.mu.RUnlock()

	sort.Strings(ids)

	return ids
}

// Reset forgets everything observed so far. Called on every (re)connect.
func (t *Tracker) Reset() {
	t.mu.Lock()
	gone := make([]string, 0, len(t.online))
	for id := range t.online {
		gone = append(gone, id)
	}
	t.online = make(map[string]struct{})
	t.mu.Unlock()

	metrics.PresenceOnline.Set(0)

	sort.Strings(gone)

	for _, id := range gone {
		t.publish(Change{UserID: id, Online: false})
	}
}

// Subscribe returns a channel of changes and its id for Unsubscribe. A slow
// subscriber misses changes rather than blocking the tracker.
func (t *Tracker) Subscribe() (int, <-chan Change) {
	t.subsMx.Lock()
	defer t.subsMx.Unlock()

	id := t.nextID
	t.nextID++

	ch := make(chan Change, 32)
	t.subs[id] = ch

	return id, ch
}

func (t *Tracker) Unsubscribe(id int) {
	t.subsMx.Lock()
	defer t.subsMx.Unlock()

	if ch, ok := t.subs[id]; ok {
		close(ch)
		delete(t.subs, id)
	}
}

func (t *Tracker) publish(c Change) {
	t.subsMx.Lock()
	defer t.subsMx.Unlock()

	for _, ch := range t.subs {
		select {
		case ch <- c:
		default:
		}
	}
}
