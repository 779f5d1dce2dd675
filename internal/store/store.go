// Package store defines the persistence contracts of the messaging service.
//
// Three collections back the service: the user directory keyed by UserKey, conversation
// summaries keyed by (owner, conversation id) with a (owner, counterparty) index, and
// per-conversation message logs keyed by (conversation id, sequence). Every mutation touches a
// single record; no operation reads a whole list to write it back.
package store

import (
	"context"
	"errors"

	"github.com/messenger-platform/messaging-service/internal/model"
)

var (
	// ErrNotFound is returned when a user, summary or message log is absent.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrWriteConflict is returned when an optimistic update lost every retry.
	ErrWriteConflict = errors.New("write conflict")
)

// Directory holds registered users.
type Directory interface {
	// CreateUser inserts rec, failing with ErrAlreadyExists when rec.Key is registered.
	CreateUser(ctx context.Context, rec model.UserRecord) error
	GetUser(ctx context.Context, key model.UserKey) (*model.UserRecord, error)
	// ListUsers returns a snapshot in registration order.
	ListUsers(ctx context.Context) ([]model.UserRecord, error)
}

// Conversations holds per-owner conversation summaries.
type Conversations interface {
	// ListConversations returns the owner's summaries ordered by position.
	ListConversations(ctx context.Context, owner model.UserKey) ([]model.ConversationSummary, error)
	// UpsertSummary inserts s or, when the owner already has s.ID, replaces its latest message.
	UpsertSummary(ctx context.Context, owner model.UserKey, s model.ConversationSummary) error
	// DeleteSummary removes the owner's summary for conversationID. It reports false when there
	// was nothing to remove.
	DeleteSummary(ctx context.Context, owner model.UserKey, conversationID string) (bool, error)
	// FindByCounterparty returns the conversation the owner has with counterparty.
	FindByCounterparty(ctx context.Context, owner, counterparty model.UserKey) (string, bool, error)
	// MarkRead flags the latest message of the owner's summary as read.
	MarkRead(ctx context.Context, owner model.UserKey, conversationID string) error
}

// MessageLog holds append-only message logs.
type MessageLog interface {
	// Append adds rec at the end of the log, creating the log on first use, and returns the
	// sequence assigned to it.
	Append(ctx context.Context, conversationID string, rec model.MessageRecord) (uint64, error)
	// List returns the log in append order or ErrNotFound when it was never created.
	List(ctx context.Context, conversationID string) ([]model.MessageRecord, error)
}

// Outbox holds sends whose fan-out has not completed.
type Outbox interface {
	SavePending(ctx context.Context, p model.PendingSend) error
	DeletePending(ctx context.Context, id string) error
	ListPending(ctx context.Context) ([]model.PendingSend, error)
}

// Store is a complete backend.
type Store interface {
	Directory
	Conversations
	MessageLog
	Outbox

	// Ping reports whether the backend is usable.
	Ping(ctx context.Context) error
	Close() error
}

// MergeSummary applies an upsert of incoming onto existing. Only the latest message changes on
// an existing entry.
func MergeSummary(existing *model.ConversationSummary, incoming model.ConversationSummary, nextPosition uint64) model.ConversationSummary {
	if existing == nil {
		incoming.Position = nextPosition
		return incoming
	}
	merged := *existing
	merged.LatestMessage = incoming.LatestMessage
	return merged
}

// FirstByPosition returns the id of the lowest-positioned summary with the given counterparty.
func FirstByPosition(summaries []model.ConversationSummary, counterparty model.UserKey) (string, bool) {
	var (
		best  *model.ConversationSummary
		found bool
	)
	for i := range summaries {
		s := &summaries[i]
		if s.OtherUserKey != counterparty {
			continue
		}
		if !found || s.Position < best.Position {
			best = s
			found = true
		}
	}
	if !found {
		return "", false
	}
	return best.ID, true
}
