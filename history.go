package chatsync

import (
	"context"
	"sort"
	"sync"
)

// HistorySource serves conversation history. *Client implements it.
type HistorySource interface {
	LatestMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error)
	PagedMessages(ctx context.Context, conversationID int64, page, size int) (*Page[Message], error)
}

// Timeline is the merged in-memory message sequence of one conversation:
// ascending by (CreatedAt, ID), no two entries with the same confirmed ID, and
// at most one entry per correlation token.
type Timeline struct {
	source         HistorySource
	conversationID int64
	pageSize       int
	metrics        *Metrics

	mu       sync.Mutex
	messages []Message
	ids      map[int64]struct{}
	nextPage int
	hasMore  bool
	loading  bool
	closed   bool
	onChange func()
}

// NewTimeline creates an empty timeline. pageSize <= 0 selects DefaultPageSize.
func NewTimeline(source HistorySource, conversationID int64, pageSize int) *Timeline {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	t := &Timeline{
		source:         source,
		conversationID: conversationID,
		pageSize:       pageSize,
		ids:            make(map[int64]struct{}),
	}
	if c, ok := source.(*Client); ok {
		t.metrics = c.metrics
	} else {
		t.metrics = NewMetrics(nil)
	}
	return t
}

// OnChange sets a callback run, outside the timeline's lock, after every
// change to the message list.
func (t *Timeline) OnChange(fn func()) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// LoadLatest fetches the newest page and merges it in. Page 0 counts as
// consumed, so the next LoadOlder asks for page 1. Returns the fetched
// messages ascending.
func (t *Timeline) LoadLatest(ctx context.Context) ([]Message, error) {
	msgs, err := t.source.LatestMessages(ctx, t.conversationID, t.pageSize)
	if err != nil {
		return nil, err
	}
	t.metrics.RecordPage("latest")
	sortMessages(msgs)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrConversationClosed
	}
	t.mergeLocked(msgs, false)
	t.nextPage = 1
	t.hasMore = len(msgs) >= t.pageSize
	fn := t.onChange
	t.mu.Unlock()

	notify(fn)
	return msgs, nil
}

// LoadOlder fetches the next older page, reverses it to ascending order and
// prepends whatever is not already held. A call made while another is in
// flight, or after the last page, does nothing and returns nil, nil.
func (t *Timeline) LoadOlder(ctx context.Context) ([]Message, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrConversationClosed
	}
	if t.loading || !t.hasMore {
		t.mu.Unlock()
		return nil, nil
	}
	t.loading = true
	page := t.nextPage
	t.mu.Unlock()

	p, err := t.source.PagedMessages(ctx, t.conversationID, page, t.pageSize)

	t.mu.Lock()
	t.loading = false
	if t.closed {
		t.mu.Unlock()
		return nil, ErrConversationClosed
	}
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.metrics.RecordPage("older")

	older := make([]Message, len(p.Content))
	for i, m := range p.Content {
		older[len(p.Content)-1-i] = m
	}
	t.mergeLocked(older, false)
	t.nextPage = page + 1
	if p.Last || len(p.Content) < t.pageSize {
		t.hasMore = false
	}
	fn := t.onChange
	t.mu.Unlock()

	notify(fn)
	return older, nil
}

// Append merges one live message. It reports whether the list changed.
//
// A live copy without a correlation token confirms the oldest unconfirmed
// entry with the same sender and content, since the server may drop the token.
func (t *Timeline) Append(m Message) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	changed := t.mergeLocked([]Message{m}, true) > 0
	fn := t.onChange
	t.mu.Unlock()

	if changed {
		notify(fn)
	}
	return changed
}

// AddProvisional inserts a local echo keyed by its correlation token.
func (t *Timeline) AddProvisional(m Message) {
	m.ID = 0
	m.Status = StatusProvisional

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.messages = append(t.messages, m)
	sortMessages(t.messages)
	fn := t.onChange
	t.mu.Unlock()

	notify(fn)
}

// RemoveProvisional drops the local echo with clientID if it was not
// confirmed yet.
func (t *Timeline) RemoveProvisional(clientID string) bool {
	t.mu.Lock()
	idx := t.pendingIndexLocked(clientID)
	if idx < 0 {
		t.mu.Unlock()
		return false
	}
	t.messages = append(t.messages[:idx], t.messages[idx+1:]...)
	fn := t.onChange
	t.mu.Unlock()

	notify(fn)
	return true
}

// FailProvisional marks the local echo with clientID as not sent. The entry
// stays in the list; a server copy arriving later still confirms it.
func (t *Timeline) FailProvisional(clientID string) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	idx := t.pendingIndexLocked(clientID)
	if idx < 0 || t.messages[idx].Status != StatusProvisional {
		t.mu.Unlock()
		return false
	}
	t.messages[idx].Status = StatusFailed
	fn := t.onChange
	t.mu.Unlock()

	notify(fn)
	return true
}

// Messages returns a copy of the merged list.
func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// HasMore reports whether older pages may remain.
func (t *Timeline) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore
}

// Loading reports whether a LoadOlder call is in flight.
func (t *Timeline) Loading() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loading
}

// Close makes every later result, including in-flight ones, be discarded.
func (t *Timeline) Close() {
	t.mu.Lock()
	t.closed = true
	t.onChange = nil
	t.mu.Unlock()
}

// mergeLocked folds msgs into the list and returns how many entries were
// added or confirmed. With matchUntagged, a message without a correlation
// token may confirm an unconfirmed entry by sender and content.
func (t *Timeline) mergeLocked(msgs []Message, matchUntagged bool) int {
	changed := 0
	for _, m := range msgs {
		if m.ID == 0 {
			continue
		}
		if _, ok := t.ids[m.ID]; ok {
			continue
		}
		m.Status = StatusConfirmed
		t.ids[m.ID] = struct{}{}

		idx := t.pendingIndexLocked(m.ClientID)
		if idx < 0 && m.ClientID == "" && matchUntagged {
			idx = t.pendingMatchLocked(m.SenderID, m.Content)
		}
		if idx >= 0 {
			if m.ClientID == "" {
				m.ClientID = t.messages[idx].ClientID
			}
			t.messages[idx] = m
		} else {
			t.messages = append(t.messages, m)
		}
		changed++
	}
	if changed > 0 {
		sortMessages(t.messages)
	}
	return changed
}

// pendingIndexLocked finds the unconfirmed entry, provisional or failed,
// carrying clientID.
func (t *Timeline) pendingIndexLocked(clientID string) int {
	if clientID == "" {
		return -1
	}
	for i := range t.messages {
		if t.messages[i].ID == 0 && t.messages[i].ClientID == clientID {
			return i
		}
	}
	return -1
}

// pendingMatchLocked finds the oldest unconfirmed entry from senderID with
// exactly content.
func (t *Timeline) pendingMatchLocked(senderID int64, content string) int {
	for i := range t.messages {
		m := &t.messages[i]
		if m.ID == 0 && m.SenderID == senderID && m.Content == content {
			return i
		}
	}
	return -1
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if !a.CreatedAt.Equal(b.CreatedAt.Time) {
			return a.CreatedAt.Before(b.CreatedAt.Time)
		}
		// Unconfirmed entries (ID 0) sort after confirmed ones at the same instant.
		if a.ID == 0 || b.ID == 0 {
			return b.ID == 0 && a.ID != 0
		}
		return a.ID < b.ID
	})
}

func notify(fn func()) {
	if fn != nil {
		fn()
	}
}
