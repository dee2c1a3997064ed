package protocol

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	// MaxContentBytes caps the byte size of a message's content field.
	MaxContentBytes = 4096

	// MaxContentChars caps the character count of a message's content field.
	MaxContentChars = 2000
)

// Sentinel validation errors. ErrMissingConversation maps to the
// missing_conversation error code; everything else is invalid_message.
var (
	ErrMissingConversation = errors.New("protocol: missing conversationId")
	ErrMissingCounterpart  = errors.New("protocol: missing userId")
)

// ValidateLiveMessage checks that an inbound live message is routable and
// its content within limits. It deliberately does not verify that the
// authenticated sender is a participant of the supplied conversation id;
// routing trusts the client here, matching the product's current contract.
func ValidateLiveMessage(msg LiveMessage) error {
	if msg.ConversationID == "" {
		return ErrMissingConversation
	}

	switch msg.MessageType {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeAudio:
	default:
		return fmt.Errorf("protocol: unknown messageType %q", msg.MessageType)
	}

	if msg.MessageType == MessageTypeText && msg.Content == "" {
		return fmt.Errorf("protocol: text message has empty content")
	}
	if len(msg.Content) > MaxContentBytes {
		return fmt.Errorf("protocol: content exceeds %d byte limit", MaxContentBytes)
	}
	if utf8.RuneCountInString(msg.Content) > MaxContentChars {
		return fmt.Errorf("protocol: content exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(msg.Content) {
		return fmt.Errorf("protocol: content contains invalid UTF-8")
	}
	return nil
}
