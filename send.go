package chatsync

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"
)

// OutboundMessage is the payload published to DestinationChatSend. ClientID
// is echoed back by the server on the confirmed message.
type OutboundMessage struct {
	ConversationID int64  `json:"conversationId"`
	SenderID       int64  `json:"senderId"`
	Content        string `json:"content"`
	ClientID       string `json:"clientId,omitempty"`
}

// newClientID returns a fresh correlation token. ULIDs sort by creation time,
// which keeps tokens of one sender ordered.
func newClientID() string {
	return ulid.Make().String()
}

// Send resolves the conversation with peer and publishes content to it.
// Delivery is at most once: when the connection is down the message is
// dropped and ErrNotConnected returned. The sender sees the message through
// its conversation subscription, like the peer does. Send returns the
// message's correlation token.
func (s *Session) Send(ctx context.Context, peer, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyMessage
	}
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	if !s.conn.Connected() {
		s.logger.Warn("message not sent, not connected", "peer", peer)
		s.client.metrics.RecordPublishDropped("not_connected")
		return "", ErrNotConnected
	}

	id, err := s.Resolve(ctx, peer)
	if err != nil {
		return "", err
	}
	return s.SendToConversation(ctx, id, content)
}

// SendToConversation publishes content to an already resolved conversation.
func (s *Session) SendToConversation(ctx context.Context, id ConversationIdentity, content string) (string, error) {
	return s.publishMessage(ctx, OutboundMessage{
		ConversationID: id.ConversationID,
		SenderID:       id.MyUserID,
		Content:        content,
		ClientID:       newClientID(),
	})
}

func (s *Session) publishMessage(ctx context.Context, msg OutboundMessage) (string, error) {
	if strings.TrimSpace(msg.Content) == "" {
		return "", ErrEmptyMessage
	}
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	if err := s.conn.Publish(ctx, DestinationChatSend, msg); err != nil {
		return "", err
	}
	s.logger.Debug("message published", "conversation", msg.ConversationID, "client_id", msg.ClientID)
	return msg.ClientID, nil
}
