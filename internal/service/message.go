package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/messenger-platform/messaging-service/internal/identity"
	"github.com/messenger-platform/messaging-service/internal/model"
	"github.com/messenger-platform/messaging-service/internal/notify"
	"github.com/messenger-platform/messaging-service/internal/store"
	"github.com/messenger-platform/messaging-service/pkg/logger"
	"github.com/messenger-platform/messaging-service/pkg/metrics"
	"github.com/messenger-platform/messaging-service/pkg/tracing"
)

const maxContentLength = 8192

var tracer = tracing.Tracer("github.com/messenger-platform/messaging-service/internal/service")

// MessageService sends messages and serves message logs.
//
// A send touches three records: the sender's summary, the recipient's summary and the
// conversation log. The intent is written to the outbox before any of them, and each applied
// step is recorded on it, so a send that stops midway is finished later by Reconcile.
type MessageService struct {
	st            store.Store
	conversations *ConversationService
	notifier      notify.Notifier
	clock         clock.Clock
	logger        *logger.Logger

	// staleAfter is how old an untouched outbox entry must be before Reconcile takes it over
	// from the request that wrote it.
	staleAfter time.Duration
}

// NewMessageService creates a new message service.
func NewMessageService(st store.Store, conversations *ConversationService, notifier notify.Notifier, clk clock.Clock, staleAfter time.Duration, log *logger.Logger) *MessageService {
	return &MessageService{
		st:            st,
		conversations: conversations,
		notifier:      notifier,
		clock:         clk,
		staleAfter:    staleAfter,
		logger:        log,
	}
}

// SendResult describes an accepted message.
type SendResult struct {
	Message         model.MessageRecord
	ConversationID  string
	NewConversation bool
}

// Send delivers a message from the session user to req.ToEmail. When the fan-out stops after
// at least one step was applied, both the result and a *PartialFailureError are returned.
func (s *MessageService) Send(ctx context.Context, sess identity.Session, req *model.SendMessageRequest) (*SendResult, error) {
	ctx, span := tracer.Start(ctx, "MessageService.Send")
	defer span.End()

	if err := validateMessage(req); err != nil {
		return nil, err
	}
	recipientKey, err := identity.Normalize(req.ToEmail)
	if err != nil {
		return nil, err
	}
	if recipientKey == sess.Key {
		return nil, invalid("cannot send a message to yourself")
	}

	sender, err := s.st.GetUser(ctx, sess.Key)
	if err != nil {
		return nil, fmt.Errorf("sender %s: %w", sess.Key, err)
	}
	if !sess.Owns(sender) {
		return nil, fmt.Errorf("sender %s: %w", sess.Key, identity.ErrEmailMismatch)
	}
	recipient, err := s.st.GetUser(ctx, recipientKey)
	if err != nil {
		return nil, fmt.Errorf("recipient %s: %w", recipientKey, err)
	}

	now := s.clock.Now()
	pendingID := uuid.New().String()
	msg := model.MessageRecord{
		ID:        model.MessageID(recipientKey, sess.Key, now),
		Type:      req.Type,
		Content:   req.Content,
		Date:      model.FormatDate(now),
		IsRead:    false,
		SenderKey: sess.Key,
		Name:      sender.DisplayName,
		SendID:    pendingID,
	}

	convID, found, err := s.conversations.Lookup(ctx, sess.Key, recipientKey)
	if err != nil {
		return nil, err
	}
	if !found {
		convID = model.ConversationID(msg.ID)
	}

	pending := model.PendingSend{
		ID:              pendingID,
		ConversationID:  convID,
		NewConversation: !found,
		Sender:          sess.Key,
		SenderName:      sender.DisplayName,
		Recipient:       recipientKey,
		RecipientName:   recipient.DisplayName,
		Message:         msg,
		Steps:           planSteps(!found),
		CreatedAt:       now.UTC(),
	}
	span.SetAttributes(
		attribute.String("conversation.id", convID),
		attribute.Bool("conversation.new", !found),
		attribute.String("message.type", string(req.Type)),
	)

	// The writes outlive a disconnecting client so a send never stops between steps on its own.
	wctx := context.WithoutCancel(ctx)
	if err := s.st.SavePending(wctx, pending); err != nil {
		return nil, fmt.Errorf("failed to record send: %w", err)
	}

	result := &SendResult{ConversationID: convID, NewConversation: !found, Message: msg}
	stepErr := s.execute(wctx, &pending)
	result.Message = pending.Message

	if stepErr == nil {
		metrics.RecordSend(string(req.Type), !found)
		s.logger.Info("message sent",
			zap.String("conversation_id", convID),
			zap.String("message_id", msg.ID),
			zap.Bool("new_conversation", !found),
		)
		return result, nil
	}

	span.RecordError(stepErr.err)
	span.SetStatus(codes.Error, stepErr.err.Error())
	metrics.FanoutFailures.WithLabelValues(string(stepErr.step)).Inc()

	if len(pending.Completed) == 0 {
		if err := s.st.DeletePending(wctx, pending.ID); err != nil {
			s.logger.Warn("failed to clear unapplied send", zap.String("pending_id", pending.ID), zap.Error(err))
		}
		return nil, fmt.Errorf("failed to send message: %w", stepErr.err)
	}

	pending.Attempts++
	if err := s.st.SavePending(wctx, pending); err != nil {
		s.logger.Warn("failed to update pending send", zap.String("pending_id", pending.ID), zap.Error(err))
	}
	metrics.OutboxPending.Inc()

	partial := &PartialFailureError{
		PendingID:      pending.ID,
		ConversationID: convID,
		MessageID:      msg.ID,
		Completed:      append([]model.FanoutStep(nil), pending.Completed...),
		Failed:         stepErr.step,
		Err:            stepErr.err,
	}
	s.logger.Warn("message fan-out incomplete",
		zap.String("conversation_id", convID),
		zap.String("pending_id", pending.ID),
		zap.String("failed_step", string(stepErr.step)),
		zap.Error(stepErr.err),
	)
	return result, partial
}

// List returns the conversation log for a participant.
func (s *MessageService) List(ctx context.Context, caller model.UserKey, conversationID string) ([]model.MessageRecord, error) {
	msgs, err := s.st.List(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, err)
	}
	ok, err := s.participant(ctx, caller, conversationID, msgs)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, store.ErrNotFound)
	}
	return msgs, nil
}

// Reconcile resumes outbox entries that failed or were abandoned. It returns the number of
// entries completed.
func (s *MessageService) Reconcile(ctx context.Context) (int, error) {
	pending, err := s.st.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending sends: %w", err)
	}
	metrics.OutboxPending.Set(float64(len(pending)))

	now := s.clock.Now()
	completed := 0
	for i := range pending {
		p := &pending[i]
		if p.Attempts == 0 && now.Sub(p.CreatedAt) < s.staleAfter {
			continue
		}
		if ctx.Err() != nil {
			return completed, ctx.Err()
		}

		p.Attempts++
		if stepErr := s.execute(ctx, p); stepErr != nil {
			metrics.FanoutFailures.WithLabelValues(string(stepErr.step)).Inc()
			s.logger.Warn("reconcile attempt failed",
				zap.String("pending_id", p.ID),
				zap.String("conversation_id", p.ConversationID),
				zap.Int("attempts", p.Attempts),
				zap.Error(stepErr.err),
			)
			if err := s.st.SavePending(ctx, *p); err != nil {
				s.logger.Warn("failed to update pending send", zap.String("pending_id", p.ID), zap.Error(err))
			}
			continue
		}

		completed++
		metrics.OutboxReconciled.Inc()
		s.logger.Info("pending send reconciled",
			zap.String("pending_id", p.ID),
			zap.String("conversation_id", p.ConversationID),
		)
	}
	return completed, nil
}

type stepError struct {
	step model.FanoutStep
	err  error
}

// execute applies the remaining steps of p in order, recording progress on the outbox, and
// clears the entry once every step is applied.
func (s *MessageService) execute(ctx context.Context, p *model.PendingSend) *stepError {
	for _, step := range p.Remaining() {
		if err := s.apply(ctx, p, step); err != nil {
			return &stepError{step: step, err: err}
		}
		p.Completed = append(p.Completed, step)
		if len(p.Remaining()) == 0 {
			break
		}
		if err := s.st.SavePending(ctx, *p); err != nil {
			s.logger.Warn("failed to record fan-out progress",
				zap.String("pending_id", p.ID),
				zap.String("step", string(step)),
				zap.Error(err),
			)
		}
	}

	if err := s.st.DeletePending(ctx, p.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("failed to clear completed send", zap.String("pending_id", p.ID), zap.Error(err))
	}
	return nil
}

func (s *MessageService) apply(ctx context.Context, p *model.PendingSend, step model.FanoutStep) error {
	ctx, span := tracer.Start(ctx, "fanout."+string(step))
	defer span.End()

	preview := model.LatestMessage{Date: p.Message.Date, Message: p.Message.Content, IsRead: false}

	var err error
	switch step {
	case model.StepSenderSummary:
		err = s.st.UpsertSummary(ctx, p.Sender, model.ConversationSummary{
			ID:            p.ConversationID,
			OtherUserKey:  p.Recipient,
			Name:          p.RecipientName,
			LatestMessage: preview,
		})
		if err == nil {
			s.publish(ctx, notify.ConversationsTopic(p.Sender))
		}
	case model.StepRecipientSummary:
		err = s.st.UpsertSummary(ctx, p.Recipient, model.ConversationSummary{
			ID:            p.ConversationID,
			OtherUserKey:  p.Sender,
			Name:          p.SenderName,
			LatestMessage: preview,
		})
		if err == nil {
			s.publish(ctx, notify.ConversationsTopic(p.Recipient))
		}
	case model.StepAppendMessage:
		err = s.appendOnce(ctx, p)
		if err == nil {
			s.publish(ctx, notify.MessagesTopic(p.ConversationID))
		}
	default:
		err = fmt.Errorf("unknown fan-out step %q", step)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// appendOnce appends the pending message. A retried entry first checks the log, since an
// earlier attempt may have appended before its progress was recorded.
func (s *MessageService) appendOnce(ctx context.Context, p *model.PendingSend) error {
	if p.Attempts > 0 {
		msgs, err := s.st.List(ctx, p.ConversationID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		for _, m := range msgs {
			if sameSend(&m, &p.Message) {
				p.Message.Sequence = m.Sequence
				return nil
			}
		}
	}

	seq, err := s.st.Append(ctx, p.ConversationID, p.Message)
	if err != nil {
		return err
	}
	p.Message.Sequence = seq
	return nil
}

// sameSend reports whether logged is the record pending would append. Records written before
// SendID existed fall back to comparing every client-visible field.
func sameSend(logged, pending *model.MessageRecord) bool {
	if pending.SendID != "" {
		return logged.SendID == pending.SendID
	}
	return logged.ID == pending.ID &&
		logged.SenderKey == pending.SenderKey &&
		logged.Date == pending.Date &&
		logged.Type == pending.Type &&
		logged.Content == pending.Content
}

// participant reports whether caller may read the conversation: they sent or received a
// logged message, or hold a summary for it.
func (s *MessageService) participant(ctx context.Context, caller model.UserKey, conversationID string, msgs []model.MessageRecord) (bool, error) {
	for i := range msgs {
		if msgs[i].SenderKey == caller || msgs[i].AddressedTo(caller) {
			return true, nil
		}
	}
	return s.conversations.Has(ctx, caller, conversationID)
}

func (s *MessageService) publish(ctx context.Context, topic string) {
	if err := s.notifier.Publish(ctx, topic); err != nil {
		s.logger.Warn("failed to publish change", zap.String("topic", topic), zap.Error(err))
	}
}

// planSteps orders the writes of a send. A new conversation creates both summaries before the
// log; an existing one appends first so the previews never run ahead of the log.
func planSteps(newConversation bool) []model.FanoutStep {
	if newConversation {
		return []model.FanoutStep{model.StepSenderSummary, model.StepRecipientSummary, model.StepAppendMessage}
	}
	return []model.FanoutStep{model.StepAppendMessage, model.StepSenderSummary, model.StepRecipientSummary}
}

func validateMessage(req *model.SendMessageRequest) error {
	if req == nil {
		return invalid("request body is required")
	}
	if !req.Type.Valid() {
		return invalid("unsupported message type %q", req.Type)
	}
	if strings.TrimSpace(req.Content) == "" {
		return invalid("content is required")
	}
	if !utf8.ValidString(req.Content) {
		return invalid("content must be valid UTF-8")
	}
	if len(req.Content) > maxContentLength {
		return invalid("content exceeds maximum length of %d bytes", maxContentLength)
	}
	if req.Type.IsMedia() {
		u, err := url.Parse(req.Content)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return invalid("%s content must be an absolute URL", req.Type)
		}
	}
	return nil
}
