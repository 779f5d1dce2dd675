package model

import (
	"time"
)

// MessageType is the kind of content a message carries.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypePhoto MessageType = "photo"
	MessageTypeVideo MessageType = "video"
)

// Valid reports whether t is one of the supported message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypePhoto, MessageTypeVideo:
		return true
	}
	return false
}

// IsMedia reports whether the message content is an object-store URL.
func (t MessageType) IsMedia() bool {
	return t == MessageTypePhoto || t == MessageTypeVideo
}

// DateLayout renders month name, day, year, 12-hour hour, minute and second.
// Identifiers built from it have one-second granularity.
const DateLayout = "January_02_2006_3_04_05"

// FormatDate renders t with DateLayout.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// MessageRecord is an immutable entry in a conversation's message log.
type MessageRecord struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Date      string      `json:"date"`
	IsRead    bool        `json:"is_read"`
	SenderKey UserKey     `json:"sender_email"`
	Name      string      `json:"name"`

	// SendID names the send that produced the record. Retries match on it, since ID repeats
	// for same-second sends between the same pair.
	SendID string `json:"send_id,omitempty"`

	// Sequence is assigned by the log on append (1-based, per conversation).
	Sequence uint64 `json:"sequence,omitempty"`
}

// MessageID builds the composite message identifier for a send at t.
func MessageID(counterparty, sender UserKey, t time.Time) string {
	return composeMessageID(counterparty, sender, FormatDate(t))
}

func composeMessageID(counterparty, sender UserKey, date string) string {
	return string(counterparty) + "_" + string(sender) + "_" + date
}

// AddressedTo reports whether key is the recipient of m. The sender key and date are known,
// so the recipient segment of the identifier is compared whole.
func (m *MessageRecord) AddressedTo(key UserKey) bool {
	return m.ID == composeMessageID(key, m.SenderKey, m.Date)
}

// ConversationID derives a conversation identifier from its first message.
func ConversationID(firstMessageID string) string {
	return "conversation_" + firstMessageID
}

// SendMessageRequest is the request to send a new message.
type SendMessageRequest struct {
	ToEmail string      `json:"to_email"`
	Type    MessageType `json:"type"`
	Content string      `json:"content"`
}

// SendMessageResponse is the response after sending a message.
type SendMessageResponse struct {
	Message         *MessageRecord `json:"message"`
	ConversationID  string         `json:"conversation_id"`
	NewConversation bool           `json:"new_conversation"`
	Partial         bool           `json:"partial,omitempty"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages     []MessageRecord `json:"messages"`
	LastSequence uint64          `json:"last_sequence"`
}
