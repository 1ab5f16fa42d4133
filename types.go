package chatsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotConnected is reported when an outbound frame cannot be written
	// because the realtime connection is down. The frame is dropped.
	ErrNotConnected = errors.New("chatsync: not connected")

	// ErrPeerUnavailable matches every resolution failure caused by the peer
	// relationship no longer existing (unknown user, removed friend).
	ErrPeerUnavailable = errors.New("chatsync: peer no longer available")

	ErrSessionClosed      = errors.New("chatsync: session closed")
	ErrConversationClosed = errors.New("chatsync: conversation closed")
	ErrEmptyMessage       = errors.New("chatsync: empty message")
)

// APIError is returned for any non-2xx REST response.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// ResolveError reports that a peer could not be resolved to a conversation.
type ResolveError struct {
	Peer string
	Err  error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve conversation with %q: %v", e.Peer, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrPeerUnavailable) hold for every ResolveError.
func (e *ResolveError) Is(target error) bool { return target == ErrPeerUnavailable }

// ============================================================================
// Timestamp
// ============================================================================

// Timestamp decodes both RFC 3339 values and the zone-less local date-times
// the chat backend emits. Zone-less values are taken as UTC.
type Timestamp struct {
	time.Time
}

var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses s using the accepted layouts.
func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return Timestamp{t}, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return Timestamp{t}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// ============================================================================
// Conversation & Message Types
// ============================================================================

// ConversationIdentity is the resolved direct conversation between two users.
type ConversationIdentity struct {
	ConversationID int64 `json:"conversationId"`
	MyUserID       int64 `json:"myUserId"`
	FriendUserID   int64 `json:"friendUserId"`
}

// MessageStatus is the delivery state of a locally held message.
type MessageStatus int

const (
	// StatusConfirmed messages carry a server-assigned ID.
	StatusConfirmed MessageStatus = iota
	// StatusProvisional messages are local echoes awaiting the server copy.
	StatusProvisional
	// StatusFailed messages are local echoes whose server copy did not arrive
	// in time. A late copy still confirms them.
	StatusFailed
)

func (s MessageStatus) String() string {
	switch s {
	case StatusProvisional:
		return "provisional"
	case StatusFailed:
		return "failed"
	default:
		return "confirmed"
	}
}

// Message is a chat message. ClientID is the correlation token the sender
// attached; the server echoes it back on the confirmed copy.
type Message struct {
	ID             int64         `json:"id"`
	ClientID       string        `json:"clientId,omitempty"`
	ConversationID int64         `json:"conversationId"`
	SenderID       int64         `json:"senderId"`
	Content        string        `json:"content"`
	CreatedAt      Timestamp     `json:"createdAt"`
	Status         MessageStatus `json:"-"`
}

// Provisional reports whether m is a local echo with no server ID yet.
func (m Message) Provisional() bool { return m.Status == StatusProvisional }

// Failed reports whether m is a local echo that was given up on.
func (m Message) Failed() bool { return m.Status == StatusFailed }

// Page is one slice of paged history as served by the backend. Content is
// ordered newest first.
type Page[T any] struct {
	Content       []T   `json:"content"`
	TotalElements int64 `json:"totalElements"`
	TotalPages    int   `json:"totalPages"`
	Number        int   `json:"number"`
	Size          int   `json:"size"`
	First         bool  `json:"first"`
	Last          bool  `json:"last"`
}

// ReadState is the read marker pair for one conversation.
type ReadState struct {
	MyLastReadAt     Timestamp `json:"myLastReadAt"`
	FriendLastReadAt Timestamp `json:"friendLastReadAt"`
	SeenMyMessageID  *int64    `json:"seenMyMessageId,omitempty"`
	MyUserID         int64     `json:"myUserId,omitempty"`
	FriendUserID     int64     `json:"friendUserId,omitempty"`
}

// ============================================================================
// Presence & Friend Event Types
// ============================================================================

// PresenceEntry is the online flag of one user.
type PresenceEntry struct {
	UserID int64 `json:"userId"`
	Online bool  `json:"online"`
}

// Friend event types carried on the per-user friends destination.
const (
	EventPresenceSnapshot      = "PRESENCE_SNAPSHOT"
	EventPresenceUpdate        = "PRESENCE_UPDATE"
	EventFriendRemoved         = "FRIEND_REMOVED"
	EventFriendRequestReceived = "FRIEND_REQUEST_RECEIVED"
	EventFriendRequestAccepted = "FRIEND_REQUEST_ACCEPTED"
	EventFriendRequestRejected = "FRIEND_REQUEST_REJECTED"
	EventFriendRequestCanceled = "FRIEND_REQUEST_CANCELED"
)

// FriendSummary describes the other party of a relationship event.
type FriendSummary struct {
	ID       int64  `json:"id,omitempty"`
	Email    string `json:"email"`
	Nickname string `json:"nickname,omitempty"`
}

// FriendEvent is one decoded frame from the friends destination.
type FriendEvent struct {
	Type string `json:"type"`

	// PRESENCE_SNAPSHOT
	Users []PresenceEntry `json:"users,omitempty"`

	// PRESENCE_UPDATE
	UserID int64 `json:"userId,omitempty"`
	Online bool  `json:"online,omitempty"`

	// FRIEND_REMOVED and FRIEND_REQUEST_*
	RemovedFriend *FriendSummary  `json:"removedFriend,omitempty"`
	Request       json.RawMessage `json:"request,omitempty"`
}
