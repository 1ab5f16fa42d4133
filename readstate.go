package chatsync

import (
	"context"
	"sync"
	"time"
)

// ReadStateSource serves and records read markers. *Client implements it.
type ReadStateSource interface {
	ReadState(ctx context.Context, conversationID int64) (*ReadState, error)
	MarkRead(ctx context.Context, conversationID int64) error
}

// ReadTracker holds the read markers of one conversation. Both markers only
// ever move forward.
type ReadTracker struct {
	source   ReadStateSource
	identity ConversationIdentity
	now      func() time.Time

	mu               sync.Mutex
	myLastReadAt     Timestamp
	friendLastReadAt Timestamp
	closed           bool
	onChange         func()
}

// NewReadTracker creates a tracker for the resolved conversation.
func NewReadTracker(source ReadStateSource, identity ConversationIdentity) *ReadTracker {
	return &ReadTracker{
		source:   source,
		identity: identity,
		now:      time.Now,
	}
}

// OnChange sets a callback run after either marker advanced.
func (r *ReadTracker) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Load fetches the server's markers and merges them in.
func (r *ReadTracker) Load(ctx context.Context) (ReadState, error) {
	rs, err := r.source.ReadState(ctx, r.identity.ConversationID)
	if err != nil {
		return ReadState{}, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ReadState{}, ErrConversationClosed
	}
	changed := advance(&r.myLastReadAt, rs.MyLastReadAt)
	changed = advance(&r.friendLastReadAt, rs.FriendLastReadAt) || changed
	state := r.stateLocked()
	fn := r.onChange
	r.mu.Unlock()

	if changed {
		notify(fn)
	}
	return state, nil
}

// MarkRead reports the conversation read to the server and, once the server
// accepted it, advances my marker to the moment of the call. A failed report
// leaves the marker where it was. Calling it when already up to date is
// harmless.
func (r *ReadTracker) MarkRead(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrConversationClosed
	}
	readAt := Timestamp{r.now()}
	r.mu.Unlock()

	if err := r.source.MarkRead(ctx, r.identity.ConversationID); err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	changed := advance(&r.myLastReadAt, readAt)
	fn := r.onChange
	r.mu.Unlock()

	if changed {
		notify(fn)
	}
	return nil
}

// ApplyReadEvent applies a live read receipt. Receipts from anyone other than
// the conversation's peer are ignored.
func (r *ReadTracker) ApplyReadEvent(ev *ReadEvent) bool {
	if ev == nil || ev.ReaderUserID != r.identity.FriendUserID {
		return false
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	changed := advance(&r.friendLastReadAt, ev.LastReadAt)
	fn := r.onChange
	r.mu.Unlock()

	if changed {
		notify(fn)
	}
	return changed
}

// State returns the current markers.
func (r *ReadTracker) State() ReadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

func (r *ReadTracker) stateLocked() ReadState {
	return ReadState{
		MyLastReadAt:     r.myLastReadAt,
		FriendLastReadAt: r.friendLastReadAt,
		MyUserID:         r.identity.MyUserID,
		FriendUserID:     r.identity.FriendUserID,
	}
}

// SeenMessageID returns the newest of my messages in msgs the peer has read.
func (r *ReadTracker) SeenMessageID(msgs []Message) (int64, bool) {
	r.mu.Lock()
	friendLastReadAt := r.friendLastReadAt
	r.mu.Unlock()
	return SeenMessageID(msgs, r.identity.MyUserID, friendLastReadAt)
}

// Close discards every later result.
func (r *ReadTracker) Close() {
	r.mu.Lock()
	r.closed = true
	r.onChange = nil
	r.mu.Unlock()
}

// SeenMessageID scans ascending msgs for the newest confirmed message sent by
// myUserID at or before friendLastReadAt. Unconfirmed entries, pending or
// failed, never count.
func SeenMessageID(msgs []Message, myUserID int64, friendLastReadAt Timestamp) (int64, bool) {
	if friendLastReadAt.IsZero() {
		return 0, false
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.ID == 0 || m.SenderID != myUserID {
			continue
		}
		if !m.CreatedAt.After(friendLastReadAt.Time) {
			return m.ID, true
		}
	}
	return 0, false
}

func advance(marker *Timestamp, candidate Timestamp) bool {
	if candidate.IsZero() || !candidate.After(marker.Time) {
		return false
	}
	*marker = candidate
	return true
}
