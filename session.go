package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Session
// ============================================================================

// Session is the per-identity owner of the realtime connection, the
// subscription registry, the presence map and the resolver cache. Any number
// of conversation views share one Session.
type Session struct {
	client   *Client
	identity string
	logger   *slog.Logger

	conn     *Connection
	registry *Registry
	presence *PresenceTracker
	resolver *Resolver

	mu                 sync.Mutex
	closed             bool
	unsubscribeFriends func()
}

// NewSession creates a dormant session for identity. Call Activate to connect.
func NewSession(client *Client, identity string) *Session {
	s := &Session{
		client:   client,
		identity: identity,
		logger:   client.logger.With("identity", identity),
	}
	s.presence = newPresenceTracker(s.logger)
	s.resolver = newResolver(client)
	s.conn = newConnection(client, connectionHooks{
		onConnected:    s.handleConnected,
		onDisconnected: s.handleDisconnected,
		onFrame:        s.handleFrame,
	})
	s.registry = newRegistry(s.conn, s.logger, client.metrics)
	s.unsubscribeFriends = s.registry.subscribeFriends(s.presence.handle)
	return s
}

func (s *Session) handleConnected(epoch uint64) {
	s.registry.replay(epoch)
	snapshot := Frame{Command: CommandSend, Destination: DestinationPresenceSnapshot, Body: json.RawMessage(`{}`)}
	if err := s.conn.write(context.Background(), epoch, snapshot); err != nil {
		s.logger.Warn("presence snapshot request failed", "error", err)
	}
}

func (s *Session) handleDisconnected() { s.registry.detachAll() }

func (s *Session) handleFrame(f Frame) { s.registry.dispatch(f) }

// Identity returns the identity the session belongs to.
func (s *Session) Identity() string { return s.identity }

// Client returns the REST client of the session.
func (s *Session) Client() *Client { return s.client }

// Activate connects, or does nothing if the session is already connected or
// connecting.
func (s *Session) Activate() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.conn.Activate()
}

// Teardown closes the connection and forgets every registration, the
// presence map and the resolver cache. The session cannot be reused.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.conn.Close()
	s.unsubscribeFriends()
	s.registry.clear()
	s.presence.clear()
	s.resolver.clear()
	s.logger.Info("session torn down")
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

// State returns the connection state.
func (s *Session) State() ConnectionState { return s.conn.State() }

// Connected reports whether the realtime connection is up.
func (s *Session) Connected() bool { return s.conn.Connected() }

// WaitConnected blocks until the connection is up and registrations are
// replayed on it.
func (s *Session) WaitConnected(ctx context.Context) error { return s.conn.WaitConnected(ctx) }

// Subscribe registers handler for the conversation's live frames, replacing
// any earlier handler for it. The returned function unsubscribes.
func (s *Session) Subscribe(conversationID int64, handler func(ConversationEvent)) func() {
	if s.checkOpen() != nil {
		return func() {}
	}
	return s.registry.SubscribeConversation(conversationID, handler)
}

// SubscribeFriendEvents registers fn for presence and relationship events.
// fn first receives a snapshot of the current presence map. fn may call back
// into the session, for example to open a conversation on FRIEND_REQUEST_ACCEPTED.
func (s *Session) SubscribeFriendEvents(fn func(FriendEvent)) func() {
	if s.checkOpen() != nil {
		return func() {}
	}
	return s.presence.Subscribe(fn)
}

// UserOnline reports the last known presence of userID.
func (s *Session) UserOnline(userID int64) bool { return s.presence.Status(userID) }

// Presence returns every known presence entry.
func (s *Session) Presence() []PresenceEntry { return s.presence.Snapshot() }

// Resolve returns the conversation with peer, from cache when possible.
func (s *Session) Resolve(ctx context.Context, peer string) (ConversationIdentity, error) {
	if err := s.checkOpen(); err != nil {
		return ConversationIdentity{}, err
	}
	return s.resolver.Resolve(ctx, s.identity, peer)
}

func (s *Session) LatestMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	return s.client.LatestMessages(ctx, conversationID, limit)
}

func (s *Session) PagedMessages(ctx context.Context, conversationID int64, page, size int) (*Page[Message], error) {
	return s.client.PagedMessages(ctx, conversationID, page, size)
}

func (s *Session) ReadState(ctx context.Context, conversationID int64) (*ReadState, error) {
	return s.client.ReadState(ctx, conversationID)
}

func (s *Session) MarkRead(ctx context.Context, conversationID int64) error {
	return s.client.MarkRead(ctx, conversationID)
}

// ============================================================================
// Conversation
// ============================================================================

// DefaultConfirmTimeout is how long a sent message stays provisional before
// it is marked failed.
const DefaultConfirmTimeout = 15 * time.Second

// ConversationOptions configures OpenConversation.
type ConversationOptions struct {
	PageSize int
	// ConfirmTimeout bounds the wait for the server copy of a sent message.
	// Zero means DefaultConfirmTimeout.
	ConfirmTimeout time.Duration
	// OnChange runs after messages, read markers or the removed flag changed.
	// It may run on the realtime read goroutine and must not block.
	OnChange func(*Conversation)
}

// Conversation is one open conversation view: merged history, live frames and
// read markers.
type Conversation struct {
	session  *Session
	peer     string
	identity ConversationIdentity
	timeline *Timeline
	read     *ReadTracker
	onChange func(*Conversation)
	logger   *slog.Logger

	confirmTimeout time.Duration

	mu                 sync.Mutex
	removed            bool
	unsubscribe        func()
	unsubscribeFriends func()
	closeOnce          sync.Once
}

// OpenConversation resolves peer, attaches the live subscription, then loads
// the read markers and the latest page concurrently. A read-state failure is
// only logged; a history failure closes the view and is returned. A severed
// relationship yields an error matching ErrPeerUnavailable.
func (s *Session) OpenConversation(ctx context.Context, peer string, opts *ConversationOptions) (*Conversation, error) {
	if opts == nil {
		opts = &ConversationOptions{}
	}
	confirmTimeout := opts.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = DefaultConfirmTimeout
	}
	id, err := s.Resolve(ctx, peer)
	if err != nil {
		return nil, err
	}

	c := &Conversation{
		session:  s,
		peer:     peer,
		identity: id,
		timeline: NewTimeline(s.client, id.ConversationID, opts.PageSize),
		read:     NewReadTracker(s.client, id),
		onChange: opts.OnChange,
		logger:   s.logger.With("conversation", id.ConversationID),

		confirmTimeout: confirmTimeout,
	}
	c.timeline.OnChange(c.changed)
	c.read.OnChange(c.changed)

	// Subscribe before fetching so no live frame falls between the two.
	c.unsubscribe = s.Subscribe(id.ConversationID, c.handleEvent)
	c.unsubscribeFriends = s.SubscribeFriendEvents(c.handleFriendEvent)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if _, err := c.read.Load(gctx); err != nil && !errors.Is(err, ErrConversationClosed) {
			c.logger.Warn("read state unavailable", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		_, err := c.timeline.LoadLatest(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conversation) handleEvent(ev ConversationEvent) {
	switch e := ev.(type) {
	case *MessageEvent:
		if e.Message.ConversationID != 0 && e.Message.ConversationID != c.identity.ConversationID {
			c.logger.Warn("dropping message for another conversation", "target", e.Message.ConversationID)
			return
		}
		c.timeline.Append(e.Message)
	case *ReadEvent:
		c.read.ApplyReadEvent(e)
	}
}

func (c *Conversation) handleFriendEvent(ev FriendEvent) {
	if ev.Type != EventFriendRemoved || ev.RemovedFriend == nil {
		return
	}
	f := ev.RemovedFriend
	if !strings.EqualFold(f.Email, c.peer) && (f.ID == 0 || f.ID != c.identity.FriendUserID) {
		return
	}
	c.mu.Lock()
	already := c.removed
	c.removed = true
	c.mu.Unlock()
	if !already {
		c.logger.Info("peer relationship ended")
		c.changed()
	}
}

func (c *Conversation) changed() {
	if c.onChange != nil {
		c.onChange(c)
	}
}

// Identity returns the resolved conversation identity.
func (c *Conversation) Identity() ConversationIdentity { return c.identity }

// Peer returns the peer identity the view was opened for.
func (c *Conversation) Peer() string { return c.peer }

// Removed reports whether the peer relationship ended while the view was open.
func (c *Conversation) Removed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removed
}

// Messages returns the merged message list, oldest first.
func (c *Conversation) Messages() []Message { return c.timeline.Messages() }

// HasMore reports whether older pages may remain.
func (c *Conversation) HasMore() bool { return c.timeline.HasMore() }

// LoadOlder fetches the next older page. Calls made while one is in flight
// are ignored.
func (c *Conversation) LoadOlder(ctx context.Context) ([]Message, error) {
	return c.timeline.LoadOlder(ctx)
}

// ReadState returns the current read markers.
func (c *Conversation) ReadState() ReadState { return c.read.State() }

// SeenMessageID returns the newest of my messages the peer has read,
// recomputed from the current list and marker.
func (c *Conversation) SeenMessageID() (int64, bool) {
	return c.read.SeenMessageID(c.timeline.Messages())
}

// MarkRead marks the conversation read up to now.
func (c *Conversation) MarkRead(ctx context.Context) error { return c.read.MarkRead(ctx) }

// Send publishes content and shows it as a provisional entry until the
// server's copy arrives. If publishing fails the entry is removed again; if
// the copy does not arrive within the confirm timeout the entry is marked
// failed. Once the peer relationship ended nothing is published and the
// error matches ErrPeerUnavailable.
func (c *Conversation) Send(ctx context.Context, content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyMessage
	}
	if c.Removed() {
		return Message{}, fmt.Errorf("%w: %s", ErrPeerUnavailable, c.peer)
	}
	pending := Message{
		ClientID:       newClientID(),
		ConversationID: c.identity.ConversationID,
		SenderID:       c.identity.MyUserID,
		Content:        content,
		CreatedAt:      Timestamp{time.Now().UTC()},
		Status:         StatusProvisional,
	}
	c.timeline.AddProvisional(pending)

	_, err := c.session.publishMessage(ctx, OutboundMessage{
		ConversationID: pending.ConversationID,
		SenderID:       pending.SenderID,
		Content:        pending.Content,
		ClientID:       pending.ClientID,
	})
	if err != nil {
		c.timeline.RemoveProvisional(pending.ClientID)
		return Message{}, err
	}

	time.AfterFunc(c.confirmTimeout, func() {
		if c.timeline.FailProvisional(pending.ClientID) {
			c.logger.Warn("message not confirmed in time", "client_id", pending.ClientID)
		}
	})
	return pending, nil
}

// Close detaches the view. Results of calls still in flight are discarded.
func (c *Conversation) Close() {
	c.closeOnce.Do(func() {
		c.timeline.Close()
		c.read.Close()
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		if c.unsubscribeFriends != nil {
			c.unsubscribeFriends()
		}
	})
}

// ============================================================================
// SessionManager
// ============================================================================

// SessionManager keeps at most one active Session per running client.
type SessionManager struct {
	mu      sync.Mutex
	current *Session
}

func NewSessionManager() *SessionManager {
	return &SessionManager{}
}

// Activate returns the active session for identity, creating and connecting
// it if needed. A session for another identity is torn down first. An empty
// identity tears down the active session and returns nil.
func (m *SessionManager) Activate(client *Client, identity string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && identity != "" && m.current.Identity() == identity {
		// Only fails once the session was torn down elsewhere; replace it then.
		if m.current.Activate() == nil {
			return m.current, nil
		}
	}
	if m.current != nil {
		m.current.Teardown()
		m.current = nil
	}
	if identity == "" {
		return nil, nil
	}

	s := NewSession(client, identity)
	if err := s.Activate(); err != nil {
		return nil, err
	}
	m.current = s
	return s, nil
}

// Current returns the active session or nil.
func (m *SessionManager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Clear tears down the active session.
func (m *SessionManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Teardown()
		m.current = nil
	}
}
