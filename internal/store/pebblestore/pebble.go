// Package pebblestore provides a durable store backend on an embedded Pebble database.
package pebblestore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/im7mortal/kmutex"
	"go.uber.org/zap"

	"github.com/messenger-platform/messaging-service/internal/model"
	"github.com/messenger-platform/messaging-service/internal/store"
	"github.com/messenger-platform/messaging-service/pkg/logger"
)

// Store persists every collection in one Pebble keyspace. Read-modify-write sequences on a
// single inbox, log or the directory are serialized by a keyed mutex and committed as one batch.
type Store struct {
	db     *pebble.DB
	locks  *kmutex.Kmutex
	logger *logger.Logger
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database at path.
func Open(path string, log *logger.Logger) (*Store, error) {
	return open(path, &pebble.Options{}, log)
}

// OpenInMemory opens a database backed by an in-memory filesystem.
func OpenInMemory(log *logger.Logger) (*Store, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()}, log)
}

func open(path string, opts *pebble.Options, log *logger.Logger) (*Store, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %q: %w", path, err)
	}
	return &Store{
		db:     db,
		locks:  kmutex.New(),
		logger: log,
	}, nil
}

func (s *Store) lock(name string) func() {
	s.locks.Lock(name)
	return func() { s.locks.Unlock(name) }
}

func (s *Store) getJSON(key []byte, v any) error {
	data, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return store.ErrNotFound
		}
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) getString(key []byte) (string, error) {
	data, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", store.ErrNotFound
		}
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	defer closer.Close()
	return string(data), nil
}

func (s *Store) getCounter(key []byte) (uint64, error) {
	data, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read counter %s: %w", key, err)
	}
	defer closer.Close()
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt counter %s", key)
	}
	return binary.BigEndian.Uint64(data), nil
}

func encodeCounter(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func (s *Store) scan(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *Store) commit(b *pebble.Batch, op string) error {
	defer b.Close()
	if err := b.Commit(pebble.Sync); err != nil {
		s.logger.Error("pebble commit failed", zap.String("op", op), zap.Error(err))
		return fmt.Errorf("failed to commit %s: %w", op, err)
	}
	return nil
}

// CreateUser inserts a user record and its registration-order index entry.
func (s *Store) CreateUser(ctx context.Context, rec model.UserRecord) error {
	defer s.lock("users")()

	var existing model.UserRecord
	switch err := s.getJSON(fmtUser(rec.Key), &existing); {
	case err == nil:
		return store.ErrAlreadyExists
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	seq, err := s.getCounter([]byte(userSeqKey))
	if err != nil {
		return err
	}
	seq++

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	b := s.db.NewBatch()
	b.Set(fmtUser(rec.Key), data, nil)
	b.Set(fmtUserOrder(seq), []byte(rec.Key), nil)
	b.Set([]byte(userSeqKey), encodeCounter(seq), nil)
	return s.commit(b, "create user")
}

// GetUser returns a user record.
func (s *Store) GetUser(ctx context.Context, key model.UserKey) (*model.UserRecord, error) {
	var rec model.UserRecord
	if err := s.getJSON(fmtUser(key), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListUsers walks the registration-order index.
func (s *Store) ListUsers(ctx context.Context) ([]model.UserRecord, error) {
	var keys []model.UserKey
	err := s.scan([]byte(userOrderPrefix), func(_, value []byte) error {
		keys = append(keys, model.UserKey(value))
		return nil
	})
	if err != nil {
		return nil, err
	}

	users := make([]model.UserRecord, 0, len(keys))
	for _, key := range keys {
		rec, err := s.GetUser(ctx, key)
		if err != nil {
			return nil, err
		}
		users = append(users, *rec)
	}
	return users, nil
}

func (s *Store) listSummaries(owner model.UserKey) ([]model.ConversationSummary, error) {
	out := []model.ConversationSummary{}
	err := s.scan(fmtSummaryPrefix(owner), func(key, value []byte) error {
		var sum model.ConversationSummary
		if err := json.Unmarshal(value, &sum); err != nil {
			return fmt.Errorf("failed to decode %s: %w", key, err)
		}
		out = append(out, sum)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// ListConversations returns the owner's summaries by position.
func (s *Store) ListConversations(ctx context.Context, owner model.UserKey) ([]model.ConversationSummary, error) {
	return s.listSummaries(owner)
}

// UpsertSummary inserts or refreshes one summary record.
func (s *Store) UpsertSummary(ctx context.Context, owner model.UserKey, sum model.ConversationSummary) error {
	defer s.lock("inbox:" + string(owner))()

	var (
		existing model.ConversationSummary
		current  *model.ConversationSummary
	)
	switch err := s.getJSON(fmtSummary(owner, sum.ID), &existing); {
	case err == nil:
		current = &existing
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	b := s.db.NewBatch()
	var next uint64
	if current == nil {
		pos, err := s.getCounter(fmtPositionSeq(owner))
		if err != nil {
			b.Close()
			return err
		}
		next = pos + 1
		b.Set(fmtPositionSeq(owner), encodeCounter(next), nil)
	}

	merged := store.MergeSummary(current, sum, next)
	data, err := json.Marshal(merged)
	if err != nil {
		b.Close()
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	b.Set(fmtSummary(owner, merged.ID), data, nil)

	if _, err := s.getString(fmtPeer(owner, merged.OtherUserKey)); errors.Is(err, store.ErrNotFound) {
		b.Set(fmtPeer(owner, merged.OtherUserKey), []byte(merged.ID), nil)
	} else if err != nil {
		b.Close()
		return err
	}
	return s.commit(b, "upsert summary")
}

// DeleteSummary removes one summary and repairs the counterparty index.
func (s *Store) DeleteSummary(ctx context.Context, owner model.UserKey, conversationID string) (bool, error) {
	defer s.lock("inbox:" + string(owner))()

	var sum model.ConversationSummary
	if err := s.getJSON(fmtSummary(owner, conversationID), &sum); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	b := s.db.NewBatch()
	b.Delete(fmtSummary(owner, conversationID), nil)

	indexed, err := s.getString(fmtPeer(owner, sum.OtherUserKey))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		b.Close()
		return false, err
	}
	if indexed == conversationID {
		all, err := s.listSummaries(owner)
		if err != nil {
			b.Close()
			return false, err
		}
		rest := all[:0]
		for _, other := range all {
			if other.ID != conversationID {
				rest = append(rest, other)
			}
		}
		if id, ok := store.FirstByPosition(rest, sum.OtherUserKey); ok {
			b.Set(fmtPeer(owner, sum.OtherUserKey), []byte(id), nil)
		} else {
			b.Delete(fmtPeer(owner, sum.OtherUserKey), nil)
		}
	}

	if err := s.commit(b, "delete summary"); err != nil {
		return false, err
	}
	return true, nil
}

// FindByCounterparty reads the counterparty index.
func (s *Store) FindByCounterparty(ctx context.Context, owner, counterparty model.UserKey) (string, bool, error) {
	id, err := s.getString(fmtPeer(owner, counterparty))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return id, true, nil
}

// MarkRead flags the owner's latest message preview as read.
func (s *Store) MarkRead(ctx context.Context, owner model.UserKey, conversationID string) error {
	defer s.lock("inbox:" + string(owner))()

	var sum model.ConversationSummary
	if err := s.getJSON(fmtSummary(owner, conversationID), &sum); err != nil {
		return err
	}
	sum.LatestMessage.IsRead = true

	data, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	b := s.db.NewBatch()
	b.Set(fmtSummary(owner, conversationID), data, nil)
	return s.commit(b, "mark read")
}

// Append writes one record at the next sequence of the log.
func (s *Store) Append(ctx context.Context, conversationID string, rec model.MessageRecord) (uint64, error) {
	defer s.lock("log:" + conversationID)()

	seq, err := s.getCounter(fmtMessageSeq(conversationID))
	if err != nil {
		return 0, err
	}
	seq++
	rec.Sequence = seq

	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message: %w", err)
	}

	b := s.db.NewBatch()
	b.Set(fmtMessage(conversationID, seq), data, nil)
	b.Set(fmtMessageSeq(conversationID), encodeCounter(seq), nil)
	if err := s.commit(b, "append message"); err != nil {
		return 0, err
	}
	return seq, nil
}

// List returns a conversation log in sequence order.
func (s *Store) List(ctx context.Context, conversationID string) ([]model.MessageRecord, error) {
	var out []model.MessageRecord
	err := s.scan(fmtMessagePrefix(conversationID), func(key, value []byte) error {
		var rec model.MessageRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("failed to decode %s: %w", key, err)
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, store.ErrNotFound
	}
	return out, nil
}

// SavePending stores or replaces an outbox entry.
func (s *Store) SavePending(ctx context.Context, p model.PendingSend) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pending send: %w", err)
	}
	if err := s.db.Set(fmtPending(p.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save pending send: %w", err)
	}
	return nil
}

// DeletePending removes an outbox entry.
func (s *Store) DeletePending(ctx context.Context, id string) error {
	if err := s.db.Delete(fmtPending(id), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete pending send: %w", err)
	}
	return nil
}

// ListPending returns outbox entries oldest first.
func (s *Store) ListPending(ctx context.Context) ([]model.PendingSend, error) {
	var out []model.PendingSend
	err := s.scan([]byte(pendingPrefix), func(key, value []byte) error {
		var p model.PendingSend
		if err := json.Unmarshal(value, &p); err != nil {
			return fmt.Errorf("failed to decode %s: %w", key, err)
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Ping checks that the database is open and readable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("pebble not opened")
	}
	_, err := s.getCounter([]byte(userSeqKey))
	return err
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
