// Package protocol defines the event payloads exchanged on the gateway's
// realtime channels. Field names follow the product's existing client
// contract (camelCase JSON). Each channel carries exactly one inbound shape,
// so frames decode directly into their payload struct with no envelope.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message content types accepted on the live message channel.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeVideo = "video"
	MessageTypeAudio = "audio"
)

// Error codes sent in ErrorFrame payloads.
const (
	CodeMissingConversation = "missing_conversation"
	CodeInvalidMessage      = "invalid_message"
	CodeRateLimited         = "rate_limited"
)

// LiveMessage is a chat message event on the live message channel. The
// gateway forwards it between participants verbatim; persistence and history
// belong to the messages service, which receives a copy via NATS.
type LiveMessage struct {
	ID             int64     `json:"id"`
	SenderID       string    `json:"senderId"`
	SenderUsername string    `json:"senderUsername"`
	SenderImageURL string    `json:"senderImageUrl,omitempty"`
	RecipientID    string    `json:"recipientId"`
	Content        string    `json:"content"`
	MessageType    string    `json:"messageType"` // text | image | video | audio
	MediaURL       string    `json:"mediaUrl,omitempty"`
	ReplyToID      int64     `json:"replyToId,omitempty"`
	ReplyToContent string    `json:"replyToContent,omitempty"`
	IsRead         bool      `json:"isRead"`
	CreatedAt      time.Time `json:"createdAt"`
	ConversationID string    `json:"conversationId"`
}

// TypingIndicator is the inbound payload on the typing channel. UserID names
// the counterpart the sender is typing to; everything else about the sender
// is taken from the authenticated connection, never from the payload.
type TypingIndicator struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// TypingEvent is the outbound payload on the typing channel, reconstructed
// server-side: UserID and Username identify the authenticated sender and the
// timestamp is the server's.
type TypingEvent struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	IsTyping  bool      `json:"isTyping"`
	Timestamp time.Time `json:"timestamp"`
}

// StreamReady is sent once after a successful upgrade, confirming the
// session id and the identity the server resolved for the connection.
type StreamReady struct {
	Type      string `json:"type"` // always "stream_ready"
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// ErrorFrame reports a rejected event back on the same stream. The
// triggering event is dropped; the connection and its conversation
// membership are unaffected.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodeLiveMessage parses and validates an inbound live message frame.
func DecodeLiveMessage(data []byte) (LiveMessage, error) {
	var msg LiveMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return LiveMessage{}, fmt.Errorf("protocol: decode live message: %w", err)
	}
	if err := ValidateLiveMessage(msg); err != nil {
		return LiveMessage{}, err
	}
	return msg, nil
}

// DecodeTypingIndicator parses and validates an inbound typing frame.
func DecodeTypingIndicator(data []byte) (TypingIndicator, error) {
	var ind TypingIndicator
	if err := json.Unmarshal(data, &ind); err != nil {
		return TypingIndicator{}, fmt.Errorf("protocol: decode typing indicator: %w", err)
	}
	if ind.UserID == "" {
		return TypingIndicator{}, ErrMissingCounterpart
	}
	return ind, nil
}

// Encode marshals an outbound payload to a websocket frame body.
func Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %T: %w", v, err)
	}
	return data, nil
}
