package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/messenger-platform/messaging-service/internal/model"
	"github.com/messenger-platform/messaging-service/internal/notify"
	"github.com/messenger-platform/messaging-service/pkg/logger"
	"github.com/messenger-platform/messaging-service/pkg/metrics"
)

// Gateway turns change signals into full snapshots for live subscribers.
type Gateway struct {
	conversations *ConversationService
	messages      *MessageService
	notifier      notify.Notifier
	logger        *logger.Logger
}

// NewGateway creates a new gateway.
func NewGateway(conversations *ConversationService, messages *MessageService, notifier notify.Notifier, log *logger.Logger) *Gateway {
	return &Gateway{
		conversations: conversations,
		messages:      messages,
		notifier:      notifier,
		logger:        log,
	}
}

// SubscribeConversations streams the owner's inbox. The current snapshot is sent first, then a
// fresh one after every change, until ctx is done. The channel is closed on exit.
func (g *Gateway) SubscribeConversations(ctx context.Context, owner model.UserKey) (<-chan []model.ConversationSummary, error) {
	sub, err := g.notifier.Subscribe(notify.ConversationsTopic(owner))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	read := func(ctx context.Context) ([]model.ConversationSummary, error) {
		return g.conversations.List(ctx, owner)
	}
	initial, err := read(ctx)
	if err != nil {
		sub.Close()
		return nil, err
	}
	return watch(ctx, g.logger.With(zap.String("user_key", string(owner))), "conversations", sub, initial, read), nil
}

// SubscribeMessages streams a conversation log. It fails with store.ErrNotFound when the log
// does not exist or the caller is not a participant.
func (g *Gateway) SubscribeMessages(ctx context.Context, caller model.UserKey, conversationID string) (<-chan []model.MessageRecord, error) {
	sub, err := g.notifier.Subscribe(notify.MessagesTopic(conversationID))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	read := func(ctx context.Context) ([]model.MessageRecord, error) {
		return g.messages.List(ctx, caller, conversationID)
	}
	initial, err := read(ctx)
	if err != nil {
		sub.Close()
		return nil, err
	}
	return watch(ctx, g.logger.With(zap.String("conversation_id", conversationID)), "messages", sub, initial, read), nil
}

// watch delivers initial and then re-reads after each signal. A snapshot that cannot be read
// is skipped; the next signal retries.
func watch[T any](ctx context.Context, log *logger.Logger, feed string, sub *notify.Subscription, initial T, read func(context.Context) (T, error)) <-chan T {
	out := make(chan T, 1)

	go func() {
		defer close(out)
		defer sub.Close()

		snapshot := initial
		for {
			select {
			case out <- snapshot:
				metrics.SnapshotsPushed.WithLabelValues(feed).Inc()
			case <-ctx.Done():
				return
			}

			for {
				select {
				case <-ctx.Done():
					return
				case <-sub.C:
				}
				next, err := read(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Warn("failed to read snapshot", zap.String("feed", feed), zap.Error(err))
					continue
				}
				snapshot = next
				break
			}
		}
	}()

	return out
}
