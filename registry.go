package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
)

// Destinations on the realtime connection.
const (
	DestinationFriends          = "/user/queue/friends"
	DestinationChatSend         = "/app/chat/send"
	DestinationPresenceSnapshot = "/app/friends/snapshot"

	conversationDestinationPrefix = "/user/queue/messages/"
)

// ConversationDestination is the per-user topic carrying a conversation's
// messages and read receipts.
func ConversationDestination(conversationID int64) string {
	return conversationDestinationPrefix + strconv.FormatInt(conversationID, 10)
}

// ============================================================================
// Conversation Events
// ============================================================================

// ConversationEvent is one decoded frame from a conversation topic: either a
// *MessageEvent or a *ReadEvent.
type ConversationEvent interface {
	conversationEvent()
}

// MessageEvent carries a chat message.
type MessageEvent struct {
	Message Message
}

// ReadEvent reports that a participant read the conversation up to LastReadAt.
type ReadEvent struct {
	Type         string    `json:"type"`
	ReaderUserID int64     `json:"readerUserId"`
	LastReadAt   Timestamp `json:"lastReadAt"`
}

func (*MessageEvent) conversationEvent() {}
func (*ReadEvent) conversationEvent()    {}

const eventTypeRead = "READ"

// DecodeConversationEvent discriminates a conversation frame body by its
// type tag. Bodies without a tag are chat messages.
func DecodeConversationEvent(body []byte) (ConversationEvent, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("decode conversation frame: %w", err)
	}

	if probe.Type == eventTypeRead {
		var ev ReadEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, fmt.Errorf("decode read event: %w", err)
		}
		if ev.ReaderUserID == 0 {
			return nil, errors.New("read event without reader")
		}
		return &ev, nil
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if msg.ID == 0 {
		return nil, fmt.Errorf("message frame without id (type %q)", probe.Type)
	}
	msg.Status = StatusConfirmed
	return &MessageEvent{Message: msg}, nil
}

// ============================================================================
// Registry
// ============================================================================

type registration struct {
	destination string
	deliver     func(json.RawMessage)

	// subID is the subscription id on the connection identified by epoch.
	// Empty while not attached.
	subID string
	epoch uint64
}

// Registry maps destinations to their single live handler and re-attaches
// every registration whenever the connection is re-established.
type Registry struct {
	conn    *Connection
	logger  *slog.Logger
	metrics *Metrics

	mu     sync.Mutex
	byDest map[string]*registration
	bySub  map[string]*registration
	nextID uint64
}

func newRegistry(conn *Connection, logger *slog.Logger, metrics *Metrics) *Registry {
	return &Registry{
		conn:    conn,
		logger:  logger.With("component", "registry"),
		metrics: metrics,
		byDest:  make(map[string]*registration),
		bySub:   make(map[string]*registration),
	}
}

// SubscribeConversation registers handler for a conversation. A previous
// registration for the same conversation is torn down first. The returned
// function unsubscribes; it is safe to call more than once and after the
// connection died.
func (r *Registry) SubscribeConversation(conversationID int64, handler func(ConversationEvent)) func() {
	dest := ConversationDestination(conversationID)
	return r.register(dest, func(body json.RawMessage) {
		ev, err := DecodeConversationEvent(body)
		if err != nil {
			r.logger.Warn("dropping malformed conversation frame", "destination", dest, "error", err)
			r.metrics.RecordFrameDropped("malformed")
			return
		}
		handler(ev)
	})
}

func (r *Registry) subscribeFriends(handler func(FriendEvent)) func() {
	return r.register(DestinationFriends, func(body json.RawMessage) {
		var ev FriendEvent
		if err := json.Unmarshal(body, &ev); err != nil || ev.Type == "" {
			r.logger.Warn("dropping malformed friend frame", "error", err)
			r.metrics.RecordFrameDropped("malformed")
			return
		}
		handler(ev)
	})
}

func (r *Registry) register(dest string, deliver func(json.RawMessage)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev := r.byDest[dest]; prev != nil {
		r.detachLocked(prev)
	}
	reg := &registration{destination: dest, deliver: deliver}
	r.byDest[dest] = reg
	r.metrics.SetActiveSubscriptions(len(r.byDest))

	if epoch, ok := r.conn.current(); ok {
		r.attachLocked(reg, epoch)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.byDest[dest] != reg {
				return // already replaced
			}
			r.detachLocked(reg)
			delete(r.byDest, dest)
			r.metrics.SetActiveSubscriptions(len(r.byDest))
		})
	}
}

// Len returns the number of registered destinations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byDest)
}

// Registered reports whether a handler is registered for the conversation.
func (r *Registry) Registered(conversationID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byDest[ConversationDestination(conversationID)]
	return ok
}

func (r *Registry) attachLocked(reg *registration, epoch uint64) {
	r.nextID++
	id := "sub-" + strconv.FormatUint(r.nextID, 10)
	f := Frame{Command: CommandSubscribe, Destination: reg.destination, ID: id}
	if err := r.conn.write(context.Background(), epoch, f); err != nil {
		// Left unattached; the next replay picks it up.
		return
	}
	reg.subID = id
	reg.epoch = epoch
	r.bySub[id] = reg
}

func (r *Registry) detachLocked(reg *registration) {
	if reg.subID == "" {
		return
	}
	delete(r.bySub, reg.subID)
	if epoch, ok := r.conn.current(); ok && epoch == reg.epoch {
		_ = r.conn.write(context.Background(), epoch, Frame{Command: CommandUnsubscribe, ID: reg.subID})
	}
	reg.subID = ""
}

// replay attaches every registration that is not attached to connection epoch.
func (r *Registry) replay(epoch uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dests := make([]string, 0, len(r.byDest))
	for dest := range r.byDest {
		dests = append(dests, dest)
	}
	sort.Strings(dests)

	for _, dest := range dests {
		reg := r.byDest[dest]
		if reg.subID != "" && reg.epoch == epoch {
			continue
		}
		if reg.subID != "" {
			delete(r.bySub, reg.subID)
			reg.subID = ""
		}
		r.attachLocked(reg, epoch)
	}
	r.logger.Debug("registrations replayed", "count", len(dests))
}

// detachAll forgets every subscription id; the registrations stay.
func (r *Registry) detachAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, reg := range r.bySub {
		reg.subID = ""
		delete(r.bySub, id)
	}
}

// clear drops every registration without writing UNSUBSCRIBE frames; it runs
// after the connection was closed.
func (r *Registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.byDest {
		reg.subID = ""
	}
	r.byDest = make(map[string]*registration)
	r.bySub = make(map[string]*registration)
	r.metrics.SetActiveSubscriptions(0)
}

// dispatch routes an inbound MESSAGE frame to its registration's handler.
// Handler panics are recovered so one view cannot break the read loop.
func (r *Registry) dispatch(f Frame) {
	r.mu.Lock()
	reg := r.bySub[f.Subscription]
	if reg == nil && f.Subscription == "" {
		if candidate := r.byDest[f.Destination]; candidate != nil && candidate.subID != "" {
			reg = candidate
		}
	}
	r.mu.Unlock()

	if reg == nil {
		r.logger.Debug("dropping frame for unknown subscription",
			"subscription", f.Subscription, "destination", f.Destination)
		r.metrics.RecordFrameDropped("unknown_subscription")
		return
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("subscription handler panicked", "destination", reg.destination, "panic", p)
			r.metrics.RecordFrameDropped("handler_panic")
		}
	}()
	reg.deliver(f.Body)
}
