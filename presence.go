package chatsync

import (
	"log/slog"
	"sort"
	"sync"
)

// PresenceTracker keeps the process-wide online map and fans friend events
// out to observers. Entries are never evicted on disconnect; a fresh snapshot
// after reconnect replaces them.
//
// Every observer has its own queue. Events are enqueued under the tracker
// lock, in arrival order, and drained with no lock held, so an observer may
// call back into the session (subscribe, open a conversation) from inside its
// callback.
type PresenceTracker struct {
	logger *slog.Logger

	mu        sync.Mutex
	online    map[int64]bool
	observers map[uint64]*presenceObserver
	nextID    uint64
}

type presenceObserver struct {
	fn func(FriendEvent)

	mu       sync.Mutex
	queue    []FriendEvent
	draining bool
	closed   bool
}

func newPresenceTracker(logger *slog.Logger) *PresenceTracker {
	return &PresenceTracker{
		logger:    logger.With("component", "presence"),
		online:    make(map[int64]bool),
		observers: make(map[uint64]*presenceObserver),
	}
}

// Subscribe registers fn for every friend event. fn first receives a
// synthetic PRESENCE_SNAPSHOT of the current state, normally before Subscribe
// returns; no later event reaches fn ahead of it.
func (p *PresenceTracker) Subscribe(fn func(FriendEvent)) func() {
	obs := &presenceObserver{fn: fn}

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.observers[id] = obs
	obs.enqueue(FriendEvent{Type: EventPresenceSnapshot, Users: p.entriesLocked()})
	p.mu.Unlock()

	p.drain(obs)

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.observers, id)
			p.mu.Unlock()
			obs.close()
		})
	}
}

// Status reports whether userID is known to be online.
func (p *PresenceTracker) Status(userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

// Snapshot returns every known entry ordered by user id.
func (p *PresenceTracker) Snapshot() []PresenceEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entriesLocked()
}

func (p *PresenceTracker) entriesLocked() []PresenceEntry {
	entries := make([]PresenceEntry, 0, len(p.online))
	for id, online := range p.online {
		entries = append(entries, PresenceEntry{UserID: id, Online: online})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries
}

// handle applies ev to the presence map and forwards it to every observer.
func (p *PresenceTracker) handle(ev FriendEvent) {
	p.mu.Lock()
	switch ev.Type {
	case EventPresenceSnapshot:
		p.online = make(map[int64]bool, len(ev.Users))
		for _, u := range ev.Users {
			p.online[u.UserID] = u.Online
		}
	case EventPresenceUpdate:
		p.online[ev.UserID] = ev.Online
	case EventFriendRemoved:
		// A removed friend is no longer someone whose presence we track.
		if ev.RemovedFriend != nil && ev.RemovedFriend.ID != 0 {
			delete(p.online, ev.RemovedFriend.ID)
		}
	}
	ids := make([]uint64, 0, len(p.observers))
	for id := range p.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	targets := make([]*presenceObserver, 0, len(ids))
	for _, id := range ids {
		obs := p.observers[id]
		obs.enqueue(ev)
		targets = append(targets, obs)
	}
	p.mu.Unlock()

	p.logger.Debug("friend event", "type", ev.Type, "observers", len(targets))
	for _, obs := range targets {
		p.drain(obs)
	}
}

// drain delivers obs's queued events until the queue is empty. A drain that
// is already running, possibly further up this goroutine's stack, keeps the
// job and picks up whatever was queued meanwhile.
func (p *PresenceTracker) drain(obs *presenceObserver) {
	obs.mu.Lock()
	if obs.draining {
		obs.mu.Unlock()
		return
	}
	obs.draining = true
	for len(obs.queue) > 0 && !obs.closed {
		ev := obs.queue[0]
		obs.queue = obs.queue[1:]
		obs.mu.Unlock()

		p.call(obs.fn, ev)

		obs.mu.Lock()
	}
	obs.draining = false
	obs.mu.Unlock()
}

func (p *PresenceTracker) call(fn func(FriendEvent), ev FriendEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("friend event observer panicked", "type", ev.Type, "panic", r)
		}
	}()
	fn(ev)
}

func (p *PresenceTracker) clear() {
	p.mu.Lock()
	observers := p.observers
	p.online = make(map[int64]bool)
	p.observers = make(map[uint64]*presenceObserver)
	p.mu.Unlock()

	for _, obs := range observers {
		obs.close()
	}
}

func (o *presenceObserver) enqueue(ev FriendEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.queue = append(o.queue, ev)
	}
}

func (o *presenceObserver) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.queue = nil
}
