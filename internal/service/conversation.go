package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/messenger-platform/messaging-service/internal/model"
	"github.com/messenger-platform/messaging-service/internal/notify"
	"github.com/messenger-platform/messaging-service/internal/store"
	"github.com/messenger-platform/messaging-service/pkg/logger"
)

// ConversationService handles inbox operations.
type ConversationService struct {
	conversations store.Conversations
	notifier      notify.Notifier
	logger        *logger.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(conversations store.Conversations, notifier notify.Notifier, log *logger.Logger) *ConversationService {
	return &ConversationService{
		conversations: conversations,
		notifier:      notifier,
		logger:        log,
	}
}

// List returns the owner's inbox in insertion order.
func (s *ConversationService) List(ctx context.Context, owner model.UserKey) ([]model.ConversationSummary, error) {
	list, err := s.conversations.ListConversations(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return list, nil
}

// Has reports whether the owner's inbox holds conversationID.
func (s *ConversationService) Has(ctx context.Context, owner model.UserKey, conversationID string) (bool, error) {
	list, err := s.List(ctx, owner)
	if err != nil {
		return false, err
	}
	for _, sum := range list {
		if sum.ID == conversationID {
			return true, nil
		}
	}
	return false, nil
}

// Lookup finds the conversation between owner and counterparty. The owner's own index is
// consulted first, then the counterparty's, so a conversation survives the owner deleting
// their copy.
func (s *ConversationService) Lookup(ctx context.Context, owner, counterparty model.UserKey) (string, bool, error) {
	id, ok, err := s.conversations.FindByCounterparty(ctx, owner, counterparty)
	if err != nil {
		return "", false, fmt.Errorf("failed to look up conversation: %w", err)
	}
	if ok {
		return id, true, nil
	}
	id, ok, err = s.conversations.FindByCounterparty(ctx, counterparty, owner)
	if err != nil {
		return "", false, fmt.Errorf("failed to look up conversation: %w", err)
	}
	return id, ok, nil
}

// Delete removes the owner's summary. The message log is kept.
func (s *ConversationService) Delete(ctx context.Context, owner model.UserKey, conversationID string) (bool, error) {
	removed, err := s.conversations.DeleteSummary(ctx, owner, conversationID)
	if err != nil {
		return false, fmt.Errorf("failed to delete conversation: %w", err)
	}
	if removed {
		s.logger.Info("conversation summary deleted",
			zap.String("user_key", string(owner)),
			zap.String("conversation_id", conversationID),
		)
		s.publish(ctx, notify.ConversationsTopic(owner))
	}
	return removed, nil
}

// MarkRead flags the owner's latest message preview as read.
func (s *ConversationService) MarkRead(ctx context.Context, owner model.UserKey, conversationID string) error {
	if err := s.conversations.MarkRead(ctx, owner, conversationID); err != nil {
		return fmt.Errorf("conversation %s: %w", conversationID, err)
	}
	s.publish(ctx, notify.ConversationsTopic(owner))
	return nil
}

func (s *ConversationService) publish(ctx context.Context, topic string) {
	if err := s.notifier.Publish(ctx, topic); err != nil {
		s.logger.Warn("failed to publish change", zap.String("topic", topic), zap.Error(err))
	}
}
