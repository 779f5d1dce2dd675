package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/messenger-platform/messaging-service/internal/model"
	"github.com/messenger-platform/messaging-service/internal/store"
	"github.com/messenger-platform/messaging-service/pkg/logger"
	"github.com/messenger-platform/messaging-service/pkg/metrics"
)

// Store implements store.Store on JetStream. Every mutation is a single optimistic write
// against the revision that was read.
type Store struct {
	client        *Client
	js            jetstream.JetStream
	stream        jetstream.Stream
	users         jetstream.KeyValue
	conversations jetstream.KeyValue
	peers         jetstream.KeyValue
	outbox        jetstream.KeyValue
	logger        *logger.Logger
}

var _ store.Store = (*Store)(nil)

// Open binds to the buckets and stream, creating any that are missing.
func Open(ctx context.Context, client *Client, log *logger.Logger) (*Store, error) {
	js := client.JetStream()
	s := &Store{client: client, js: js, logger: log}

	stream, err := EnsureStream(ctx, js)
	if err != nil {
		return nil, err
	}
	s.stream = stream

	buckets := []struct {
		name string
		kv   *jetstream.KeyValue
		desc string
	}{
		{BucketUsers, &s.users, "Registered users"},
		{BucketConversations, &s.conversations, "Per-owner conversation summaries"},
		{BucketPeers, &s.peers, "Owner and counterparty to conversation index"},
		{BucketOutbox, &s.outbox, "Sends with unfinished fan-out"},
	}
	for _, b := range buckets {
		kv, err := ensureBucket(ctx, js, b.name, b.desc)
		if err != nil {
			return nil, err
		}
		*b.kv = kv
	}

	log.Info("NATS store ready", zap.String("stream", StreamName))
	return s, nil
}

func ensureBucket(ctx context.Context, js jetstream.JetStream, name, desc string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to look up bucket %s: %w", name, err)
	}
	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: desc,
		History:     1,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", name, err)
	}
	return kv, nil
}

// Ping reports whether the connection is up.
func (s *Store) Ping(ctx context.Context) error {
	if !s.client.IsConnected() {
		return errors.New("NATS not connected")
	}
	return nil
}

// Close is a no-op; the client is closed by its owner.
func (s *Store) Close() error {
	return nil
}

// collect returns the current entries matching filter.
func collect(ctx context.Context, kv jetstream.KeyValue, filter string) ([]jetstream.KeyValueEntry, error) {
	w, err := kv.Watch(ctx, filter, jetstream.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", filter, err)
	}
	defer w.Stop()

	var entries []jetstream.KeyValueEntry
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case entry, ok := <-w.Updates():
			if !ok || entry == nil {
				return entries, nil
			}
			entries = append(entries, entry)
		}
	}
}

func (s *Store) conflict(collection string) {
	metrics.StoreConflicts.WithLabelValues(collection).Inc()
}

// CreateUser inserts rec.
func (s *Store) CreateUser(ctx context.Context, rec model.UserRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	if _, err := s.users.Create(ctx, userKey(rec.Key), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser returns the user stored under key.
func (s *Store) GetUser(ctx context.Context, key model.UserKey) (*model.UserRecord, error) {
	entry, err := s.users.Get(ctx, userKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	var rec model.UserRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &rec, nil
}

// ListUsers returns users in registration order. Users are never rewritten, so the entry
// revision is the creation order.
func (s *Store) ListUsers(ctx context.Context) ([]model.UserRecord, error) {
	entries, err := collect(ctx, s.users, ">")
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Revision() < entries[j].Revision() })

	users := make([]model.UserRecord, 0, len(entries))
	for _, e := range entries {
		var rec model.UserRecord
		if err := json.Unmarshal(e.Value(), &rec); err != nil {
			s.logger.Warn("skipping undecodable user", zap.String("key", e.Key()), zap.Error(err))
			continue
		}
		users = append(users, rec)
	}
	return users, nil
}

// ListConversations returns the owner's summaries ordered by position.
func (s *Store) ListConversations(ctx context.Context, owner model.UserKey) ([]model.ConversationSummary, error) {
	entries, err := collect(ctx, s.conversations, summaryFilter(owner))
	if err != nil {
		return nil, err
	}
	list := make([]model.ConversationSummary, 0, len(entries))
	for _, e := range entries {
		var sum model.ConversationSummary
		if err := json.Unmarshal(e.Value(), &sum); err != nil {
			s.logger.Warn("skipping undecodable summary", zap.String("key", e.Key()), zap.Error(err))
			continue
		}
		list = append(list, sum)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Position < list[j].Position })
	return list, nil
}

// UpsertSummary inserts or updates the owner's summary for sum.ID.
func (s *Store) UpsertSummary(ctx context.Context, owner model.UserKey, sum model.ConversationSummary) error {
	key := summaryKey(owner, sum.ID)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		entry, err := s.conversations.Get(ctx, key)
		if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("failed to get summary: %w", err)
		}

		if entry == nil || err != nil {
			pos, err := s.nextPosition(ctx, owner)
			if err != nil {
				return err
			}
			data, err := json.Marshal(store.MergeSummary(nil, sum, pos))
			if err != nil {
				return fmt.Errorf("failed to marshal summary: %w", err)
			}
			if _, err := s.conversations.Create(ctx, key, data); err != nil {
				if isConflict(err) {
					s.conflict(BucketConversations)
					continue
				}
				return fmt.Errorf("failed to create summary: %w", err)
			}
			return s.indexPeer(ctx, owner, sum.OtherUserKey, sum.ID)
		}

		var existing model.ConversationSummary
		if err := json.Unmarshal(entry.Value(), &existing); err != nil {
			return fmt.Errorf("failed to unmarshal summary: %w", err)
		}
		data, err := json.Marshal(store.MergeSummary(&existing, sum, 0))
		if err != nil {
			return fmt.Errorf("failed to marshal summary: %w", err)
		}
		if _, err := s.conversations.Update(ctx, key, data, entry.Revision()); err != nil {
			if isConflict(err) {
				s.conflict(BucketConversations)
				continue
			}
			return fmt.Errorf("failed to update summary: %w", err)
		}
		return nil
	}
	return store.ErrWriteConflict
}

// indexPeer records conversationID for the pair unless the pair is already indexed.
func (s *Store) indexPeer(ctx context.Context, owner, counterparty model.UserKey, conversationID string) error {
	_, err := s.peers.Create(ctx, peerKey(owner, counterparty), []byte(conversationID))
	if err != nil && !errors.Is(err, jetstream.ErrKeyExists) {
		return fmt.Errorf("failed to index conversation: %w", err)
	}
	return nil
}

func (s *Store) nextPosition(ctx context.Context, owner model.UserKey) (uint64, error) {
	key := positionKey(owner)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		entry, err := s.conversations.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			if _, err := s.conversations.Create(ctx, key, encodeCounter(1)); err != nil {
				if isConflict(err) {
					s.conflict(BucketConversations)
					continue
				}
				return 0, fmt.Errorf("failed to create position counter: %w", err)
			}
			return 1, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read position counter: %w", err)
		}

		next := decodeCounter(entry.Value()) + 1
		if _, err := s.conversations.Update(ctx, key, encodeCounter(next), entry.Revision()); err != nil {
			if isConflict(err) {
				s.conflict(BucketConversations)
				continue
			}
			return 0, fmt.Errorf("failed to advance position counter: %w", err)
		}
		return next, nil
	}
	return 0, store.ErrWriteConflict
}

// DeleteSummary removes the owner's summary and re-points the pair index when it referenced
// the removed conversation.
func (s *Store) DeleteSummary(ctx context.Context, owner model.UserKey, conversationID string) (bool, error) {
	key := summaryKey(owner, conversationID)

	var removed model.ConversationSummary
	deleted := false
	for attempt := 0; attempt < maxCASAttempts && !deleted; attempt++ {
		entry, err := s.conversations.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to get summary: %w", err)
		}
		if err := json.Unmarshal(entry.Value(), &removed); err != nil {
			return false, fmt.Errorf("failed to unmarshal summary: %w", err)
		}
		if err := s.conversations.Delete(ctx, key, jetstream.LastRevision(entry.Revision())); err != nil {
			if isConflict(err) {
				s.conflict(BucketConversations)
				continue
			}
			return false, fmt.Errorf("failed to delete summary: %w", err)
		}
		deleted = true
	}
	if !deleted {
		return false, store.ErrWriteConflict
	}

	if err := s.repointPeer(ctx, owner, removed.OtherUserKey, conversationID); err != nil {
		s.logger.Warn("failed to update conversation index",
			zap.String("user_key", string(owner)),
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}
	return true, nil
}

func (s *Store) repointPeer(ctx context.Context, owner, counterparty model.UserKey, removedID string) error {
	key := peerKey(owner, counterparty)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		entry, err := s.peers.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if string(entry.Value()) != removedID {
			return nil
		}

		remaining, err := s.ListConversations(ctx, owner)
		if err != nil {
			return err
		}
		if next, ok := store.FirstByPosition(remaining, counterparty); ok {
			_, err = s.peers.Update(ctx, key, []byte(next), entry.Revision())
		} else {
			err = s.peers.Delete(ctx, key, jetstream.LastRevision(entry.Revision()))
		}
		if isConflict(err) {
			s.conflict(BucketPeers)
			continue
		}
		return err
	}
	return store.ErrWriteConflict
}

// FindByCounterparty returns the indexed conversation for the pair.
func (s *Store) FindByCounterparty(ctx context.Context, owner, counterparty model.UserKey) (string, bool, error) {
	entry, err := s.peers.Get(ctx, peerKey(owner, counterparty))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up conversation: %w", err)
	}
	return string(entry.Value()), true, nil
}

// MarkRead flags the owner's latest message as read.
func (s *Store) MarkRead(ctx context.Context, owner model.UserKey, conversationID string) error {
	key := summaryKey(owner, conversationID)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		entry, err := s.conversations.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get summary: %w", err)
		}

		var sum model.ConversationSummary
		if err := json.Unmarshal(entry.Value(), &sum); err != nil {
			return fmt.Errorf("failed to unmarshal summary: %w", err)
		}
		if sum.LatestMessage.IsRead {
			return nil
		}
		sum.LatestMessage.IsRead = true
		data, err := json.Marshal(sum)
		if err != nil {
			return fmt.Errorf("failed to marshal summary: %w", err)
		}
		if _, err := s.conversations.Update(ctx, key, data, entry.Revision()); err != nil {
			if isConflict(err) {
				s.conflict(BucketConversations)
				continue
			}
			return fmt.Errorf("failed to update summary: %w", err)
		}
		return nil
	}
	return store.ErrWriteConflict
}

// SavePending stores or replaces an outbox entry.
func (s *Store) SavePending(ctx context.Context, p model.PendingSend) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pending send: %w", err)
	}
	if _, err := s.outbox.Put(ctx, encodeToken(p.ID), data); err != nil {
		return fmt.Errorf("failed to save pending send: %w", err)
	}
	return nil
}

// DeletePending removes an outbox entry.
func (s *Store) DeletePending(ctx context.Context, id string) error {
	if err := s.outbox.Delete(ctx, encodeToken(id)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete pending send: %w", err)
	}
	return nil
}

// ListPending returns outbox entries oldest first.
func (s *Store) ListPending(ctx context.Context) ([]model.PendingSend, error) {
	entries, err := collect(ctx, s.outbox, ">")
	if err != nil {
		return nil, err
	}
	out := make([]model.PendingSend, 0, len(entries))
	for _, e := range entries {
		var p model.PendingSend
		if err := json.Unmarshal(e.Value(), &p); err != nil {
			s.logger.Warn("skipping undecodable pending send", zap.String("key", e.Key()), zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
