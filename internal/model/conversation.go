// Package model defines data structures for the messaging service.
package model

// LatestMessage is the denormalized preview of the newest message in a conversation.
type LatestMessage struct {
	Date    string `json:"date"`
	Message string `json:"message"`
	IsRead  bool   `json:"is_read"`
}

// ConversationSummary is one inbox row. Every conversation has two of them, one under each
// participant's own key.
type ConversationSummary struct {
	ID            string        `json:"id"`
	OtherUserKey  UserKey       `json:"other_user_email"`
	Name          string        `json:"name"`
	LatestMessage LatestMessage `json:"latest_message"`

	// Position is the owner-local insertion ordinal. Listing is ordered by it and updates keep it.
	Position uint64 `json:"position"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
	Total         int                   `json:"total"`
}

// LookupConversationResponse is the response for a counterparty lookup.
type LookupConversationResponse struct {
	ConversationID string `json:"conversation_id"`
	Found          bool   `json:"found"`
}
