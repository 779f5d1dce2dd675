package model

import (
	"time"
)

// EventType names a server-sent event.
type EventType string

const (
	EventTypeConnected     EventType = "connected"
	EventTypeConversations EventType = "conversations"
	EventTypeMessages      EventType = "messages"
	EventTypeHeartbeat     EventType = "heartbeat"
	EventTypeError         EventType = "error"
)

// ConversationsSnapshotEvent carries a full inbox snapshot.
type ConversationsSnapshotEvent struct {
	Conversations []ConversationSummary `json:"conversations"`
}

// MessagesSnapshotEvent carries a full message log snapshot.
type MessagesSnapshotEvent struct {
	ConversationID string          `json:"conversation_id"`
	Messages       []MessageRecord `json:"messages"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// UploadResponse is returned after forwarding a media upload.
type UploadResponse struct {
	URL string `json:"url"`
}
