package gateway

import (
	"time"

	"github.com/glimpse/realtime/internal/conversation"
	"github.com/glimpse/realtime/internal/identity"
	"github.com/glimpse/realtime/internal/protocol"
)

// NewLiveChannel builds the live message channel: events route on the
// client-supplied conversationId and are forwarded to peers verbatim.
// Nothing verifies the caller is a participant of the conversation it
// names — routing trusts the client here, matching the product's current
// contract. The typing channel below derives its key server-side instead.
func NewLiveChannel(reg *conversation.Registry[protocol.LiveMessage]) *conversation.Channel[protocol.LiveMessage, protocol.LiveMessage] {
	return conversation.NewChannel("live", reg,
		func(_ identity.Identity, msg protocol.LiveMessage) (string, error) {
			if msg.ConversationID == "" {
				return "", protocol.ErrMissingConversation
			}
			return msg.ConversationID, nil
		},
		func(_ identity.Identity, msg protocol.LiveMessage) protocol.LiveMessage {
			return msg
		},
	)
}

// NewTypingChannel builds the typing indicator channel. The conversation
// key is the sorted pair of the authenticated sender and the counterpart
// named in the payload, so both sides land in the same conversation no
// matter who types first. The outbound event is reconstructed server-side:
// sender id and username come from the connection's identity and the
// timestamp is the server's, so a client cannot impersonate anyone.
func NewTypingChannel(reg *conversation.Registry[protocol.TypingEvent]) *conversation.Channel[protocol.TypingIndicator, protocol.TypingEvent] {
	return conversation.NewChannel("typing", reg,
		func(sender identity.Identity, ind protocol.TypingIndicator) (string, error) {
			if ind.UserID == "" {
				return "", protocol.ErrMissingCounterpart
			}
			return conversation.PairKey(sender.UserID, ind.UserID), nil
		},
		func(sender identity.Identity, ind protocol.TypingIndicator) protocol.TypingEvent {
			return protocol.TypingEvent{
				UserID:    sender.UserID,
				Username:  sender.Username,
				IsTyping:  ind.IsTyping,
				Timestamp: time.Now().UTC(),
			}
		},
	)
}
