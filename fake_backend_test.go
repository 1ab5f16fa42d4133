package chatsync

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testToken = "test-token"

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBackend is an in-process chat backend: the REST endpoints plus a
// realtime broker speaking the JSON frame protocol.
type fakeBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu               sync.Mutex
	peers            map[string]ConversationIdentity
	messages         map[int64][]Message
	readStates       map[int64]*ReadState
	markReads        map[int64]int
	resolveCalls     int
	resolveDelay     time.Duration
	failReadState    bool
	nextID           int64
	presence         []PresenceEntry
	conns            map[*fakeConn]struct{}
	dials            int
	snapshotRequests int
	sent             []OutboundMessage
	echoClientID     bool
	// dropSends records outbound messages but never stores or echoes them.
	dropSends        bool
}

type fakeConn struct {
	ws   *websocket.Conn
	mu   sync.Mutex
	subs map[string]string // subscription id -> destination
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		t:            t,
		peers:        make(map[string]ConversationIdentity),
		messages:     make(map[int64][]Message),
		readStates:   make(map[int64]*ReadState),
		markReads:    make(map[int64]int),
		conns:        make(map[*fakeConn]struct{}),
		nextID:       1000,
		echoClientID: true,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations/direct/resolve", b.handleResolve)
	mux.HandleFunc("GET /api/conversations/{id}/messages/latest", b.handleLatest)
	mux.HandleFunc("GET /api/conversations/{id}/messages", b.handlePaged)
	mux.HandleFunc("GET /api/conversations/{id}/messages/read-state", b.handleReadState)
	mux.HandleFunc("POST /api/conversations/{id}/messages/read", b.handleMarkRead)
	mux.HandleFunc("/ws", b.handleWS)

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

// addPeer registers a conversation between me (userID 1) and peer.
func (b *fakeBackend) addPeer(peer string, conversationID, friendUserID int64) ConversationIdentity {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := ConversationIdentity{ConversationID: conversationID, MyUserID: 1, FriendUserID: friendUserID}
	b.peers[peer] = id
	b.readStates[conversationID] = &ReadState{MyUserID: 1, FriendUserID: friendUserID}
	return id
}

// seed stores n messages, one second apart, alternating senders.
func (b *fakeBackend) seed(id ConversationIdentity, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		sender := id.MyUserID
		if i%2 == 1 {
			sender = id.FriendUserID
		}
		b.nextID++
		b.messages[id.ConversationID] = append(b.messages[id.ConversationID], Message{
			ID:             b.nextID,
			ConversationID: id.ConversationID,
			SenderID:       sender,
			Content:        "message " + strconv.Itoa(i+1),
			CreatedAt:      Timestamp{testEpoch.Add(time.Duration(i) * time.Second)},
		})
	}
}

func (b *fakeBackend) client(t *testing.T, opts ...ClientOption) *Client {
	t.Helper()
	base := []ClientOption{
		WithBaseURL(b.srv.URL),
		WithLogger(discardLogger()),
		WithRealtimeConfig(RealtimeConfig{
			ReconnectBaseDelay: 10 * time.Millisecond,
			ReconnectMaxDelay:  50 * time.Millisecond,
			HeartbeatInterval:  time.Second,
		}),
	}
	return NewClient(testToken, append(base, opts...)...)
}

// session returns an activated, connected session for me@example.com.
func (b *fakeBackend) session(t *testing.T, opts ...ClientOption) *Session {
	t.Helper()
	s := NewSession(b.client(t, opts...), "me@example.com")
	require.NoError(t, s.Activate())
	t.Cleanup(s.Teardown)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitConnected(ctx))
	return s
}

func (b *fakeBackend) authorized(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		http.Error(w, `{"message":"unauthorized"}`, http.StatusUnauthorized)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id
}

// ============================================================================
// REST handlers
// ============================================================================

func (b *fakeBackend) handleResolve(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(w, r) {
		return
	}
	b.mu.Lock()
	b.resolveCalls++
	delay := b.resolveDelay
	id, ok := b.peers[r.URL.Query().Get("friendEmail")]
	b.mu.Unlock()

	time.Sleep(delay)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Friend not found"})
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (b *fakeBackend) handleLatest(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(w, r) {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	b.mu.Lock()
	all := b.messages[pathID(r)]
	start := len(all) - limit
	if start < 0 {
		start = 0
	}
	out := append([]Message{}, all[start:]...)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (b *fakeBackend) handlePaged(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(w, r) {
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))

	b.mu.Lock()
	all := append([]Message{}, b.messages[pathID(r)]...)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, pageOf(all, page, size))
}

// pageOf slices ascending msgs into the backend's newest-first pages.
func pageOf(asc []Message, page, size int) Page[Message] {
	desc := make([]Message, len(asc))
	for i, m := range asc {
		desc[len(asc)-1-i] = m
	}
	from, to := page*size, (page+1)*size
	if from > len(desc) {
		from = len(desc)
	}
	if to > len(desc) {
		to = len(desc)
	}
	totalPages := (len(desc) + size - 1) / size
	return Page[Message]{
		Content:       desc[from:to],
		TotalElements: int64(len(desc)),
		TotalPages:    totalPages,
		Number:        page,
		Size:          size,
		First:         page == 0,
		Last:          page >= totalPages-1,
	}
}

func (b *fakeBackend) handleReadState(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(w, r) {
		return
	}
	b.mu.Lock()
	fail := b.failReadState
	rs, ok := b.readStates[pathID(r)]
	var out ReadState
	if ok {
		out = *rs
	}
	b.mu.Unlock()

	if fail {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "boom"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Conversation not found"})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (b *fakeBackend) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(w, r) {
		return
	}
	id := pathID(r)
	b.mu.Lock()
	b.markReads[id]++
	if rs, ok := b.readStates[id]; ok {
		rs.MyLastReadAt = Timestamp{time.Now().UTC()}
	}
	b.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// ============================================================================
// Realtime broker
// ============================================================================

func (b *fakeBackend) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	fc := &fakeConn{ws: ws, subs: make(map[string]string)}

	b.mu.Lock()
	b.conns[fc] = struct{}{}
	b.dials++
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.conns, fc)
		b.mu.Unlock()
		ws.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	if err := wsjson.Write(ctx, ws, Frame{Command: CommandConnected, User: "me@example.com"}); err != nil {
		return
	}

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var f Frame
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		switch f.Command {
		case CommandSubscribe:
			fc.mu.Lock()
			fc.subs[f.ID] = f.Destination
			fc.mu.Unlock()
		case CommandUnsubscribe:
			fc.mu.Lock()
			delete(fc.subs, f.ID)
			fc.mu.Unlock()
		case CommandSend:
			b.handleSend(ctx, fc, f)
		}
	}
}

func (b *fakeBackend) handleSend(ctx context.Context, fc *fakeConn, f Frame) {
	switch f.Destination {
	case DestinationPresenceSnapshot:
		b.mu.Lock()
		b.snapshotRequests++
		users := append([]PresenceEntry{}, b.presence...)
		b.mu.Unlock()
		b.pushTo(ctx, fc, DestinationFriends, FriendEvent{Type: EventPresenceSnapshot, Users: users})

	case DestinationChatSend:
		var out OutboundMessage
		if json.Unmarshal(f.Body, &out) != nil {
			return
		}
		b.mu.Lock()
		b.sent = append(b.sent, out)
		if b.dropSends {
			b.mu.Unlock()
			return
		}
		b.nextID++
		msg := Message{
			ID:             b.nextID,
			ConversationID: out.ConversationID,
			SenderID:       out.SenderID,
			Content:        out.Content,
			CreatedAt:      Timestamp{time.Now().UTC()},
		}
		if b.echoClientID {
			msg.ClientID = out.ClientID
		}
		b.messages[out.ConversationID] = append(b.messages[out.ConversationID], msg)
		b.mu.Unlock()
		b.push(ConversationDestination(out.ConversationID), msg)
	}
}

func (b *fakeBackend) pushTo(ctx context.Context, fc *fakeConn, dest string, body any) {
	raw, err := json.Marshal(body)
	require.NoError(b.t, err)
	fc.mu.Lock()
	var ids []string
	for id, d := range fc.subs {
		if d == dest {
			ids = append(ids, id)
		}
	}
	fc.mu.Unlock()
	sort.Strings(ids)
	for _, id := range ids {
		_ = wsjson.Write(ctx, fc.ws, Frame{Command: CommandMessage, Destination: dest, Subscription: id, Body: raw})
	}
}

// push delivers body to every live subscription of dest.
func (b *fakeBackend) push(dest string, body any) {
	for _, fc := range b.liveConns() {
		b.pushTo(context.Background(), fc, dest, body)
	}
}

// pushRaw delivers an arbitrary body, valid JSON or not.
func (b *fakeBackend) pushRaw(dest, body string) {
	for _, fc := range b.liveConns() {
		fc.mu.Lock()
		var ids []string
		for id, d := range fc.subs {
			if d == dest {
				ids = append(ids, id)
			}
		}
		fc.mu.Unlock()
		for _, id := range ids {
			_ = fc.ws.Write(context.Background(), websocket.MessageText,
				[]byte(`{"command":"MESSAGE","destination":"`+dest+`","subscription":"`+id+`","body":`+body+`}`))
		}
	}
}

func (b *fakeBackend) liveConns() []*fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*fakeConn, 0, len(b.conns))
	for fc := range b.conns {
		out = append(out, fc)
	}
	return out
}

// subscriptions counts live subscriptions to dest across connections.
func (b *fakeBackend) subscriptions(dest string) int {
	n := 0
	for _, fc := range b.liveConns() {
		fc.mu.Lock()
		for _, d := range fc.subs {
			if d == dest {
				n++
			}
		}
		fc.mu.Unlock()
	}
	return n
}

// dropConnections closes every realtime connection from the server side.
func (b *fakeBackend) dropConnections() {
	for _, fc := range b.liveConns() {
		fc.ws.Close(websocket.StatusGoingAway, "server restart")
	}
}

func (b *fakeBackend) counters() (dials, snapshots, resolves int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials, b.snapshotRequests, b.resolveCalls
}
