package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/messenger-platform/messaging-service/internal/model"
	"github.com/messenger-platform/messaging-service/internal/store"
	"github.com/messenger-platform/messaging-service/pkg/metrics"
)

// EnsureStream ensures the message log stream exists with proper configuration.
func EnsureStream(ctx context.Context, js jetstream.JetStream) (jetstream.Stream, error) {
	// Check if stream exists
	stream, err := js.Stream(ctx, StreamName)
	if err == nil {
		return stream, nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, fmt.Errorf("failed to look up stream: %w", err)
	}

	stream, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{MessageSubjectPrefix + ">"},
		Retention:   jetstream.LimitsPolicy,
		MaxBytes:    100 * 1024 * 1024 * 1024, // 100GB
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Append-only conversation message logs",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}
	return stream, nil
}

// Append publishes rec to the conversation subject. The publish expects the subject's last
// stream sequence to be unchanged since it was read, so concurrent appends retry instead of
// sharing a conversation sequence.
func (s *Store) Append(ctx context.Context, conversationID string, rec model.MessageRecord) (uint64, error) {
	subject := MessageSubject(conversationID)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var lastStreamSeq, lastSeq uint64
		last, err := s.stream.GetLastMsgForSubject(ctx, subject)
		switch {
		case err == nil:
			lastStreamSeq = last.Sequence
			lastSeq, _ = strconv.ParseUint(last.Header.Get(sequenceHeader), 10, 64)
		case errors.Is(err, jetstream.ErrMsgNotFound):
		default:
			return 0, fmt.Errorf("failed to read log tail: %w", err)
		}

		rec.Sequence = lastSeq + 1
		data, err := json.Marshal(rec)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal message: %w", err)
		}
		msg := nats.NewMsg(subject)
		msg.Data = data
		msg.Header.Set(sequenceHeader, strconv.FormatUint(rec.Sequence, 10))

		_, err = s.js.PublishMsg(ctx, msg, jetstream.WithExpectLastSequencePerSubject(lastStreamSeq))
		if err == nil {
			return rec.Sequence, nil
		}
		if !isConflict(err) {
			return 0, fmt.Errorf("failed to publish message: %w", err)
		}
		metrics.StoreConflicts.WithLabelValues(StreamName).Inc()
	}
	return 0, fmt.Errorf("append to %s: %w", conversationID, store.ErrWriteConflict)
}

// List replays the conversation subject with a short-lived consumer.
func (s *Store) List(ctx context.Context, conversationID string) ([]model.MessageRecord, error) {
	subject := MessageSubject(conversationID)

	last, err := s.stream.GetLastMsgForSubject(ctx, subject)
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read log tail: %w", err)
	}

	consumer, err := s.stream.CreateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject:     subject,
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	defer func() {
		name := consumer.CachedInfo().Name
		if err := s.stream.DeleteConsumer(context.WithoutCancel(ctx), name); err != nil {
			s.logger.Debug("failed to delete consumer", zap.String("consumer", name), zap.Error(err))
		}
	}()

	var messages []model.MessageRecord
	for {
		batch, err := consumer.Fetch(256, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch messages: %w", err)
		}

		received := 0
		for msg := range batch.Messages() {
			received++
			var rec model.MessageRecord
			if err := json.Unmarshal(msg.Data(), &rec); err != nil {
				s.logger.Warn("skipping undecodable message", zap.String("subject", subject), zap.Error(err))
				continue
			}
			messages = append(messages, rec)

			meta, err := msg.Metadata()
			if err == nil && meta.Sequence.Stream >= last.Sequence {
				return messages, nil
			}
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("batch error: %w", err)
		}
		if received == 0 {
			return messages, nil
		}
	}
}
