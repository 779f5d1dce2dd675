// Package memory provides an in-process store backend.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/messenger-platform/messaging-service/internal/model"
	"github.com/messenger-platform/messaging-service/internal/store"
)

type inbox struct {
	summaries map[string]*model.ConversationSummary
	peers     map[model.UserKey]string
	next      uint64
}

// Store keeps all collections in maps guarded by one mutex.
type Store struct {
	mu sync.RWMutex

	users     map[model.UserKey]model.UserRecord
	userOrder []model.UserKey
	inboxes   map[model.UserKey]*inbox
	logs      map[string][]model.MessageRecord
	pending   map[string]model.PendingSend
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		users:   make(map[model.UserKey]model.UserRecord),
		inboxes: make(map[model.UserKey]*inbox),
		logs:    make(map[string][]model.MessageRecord),
		pending: make(map[string]model.PendingSend),
	}
}

// CreateUser inserts a user record.
func (s *Store) CreateUser(ctx context.Context, rec model.UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[rec.Key]; ok {
		return store.ErrAlreadyExists
	}
	s.users[rec.Key] = rec
	s.userOrder = append(s.userOrder, rec.Key)
	return nil
}

// GetUser returns a user record.
func (s *Store) GetUser(ctx context.Context, key model.UserKey) (*model.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.users[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

// ListUsers returns every user in registration order.
func (s *Store) ListUsers(ctx context.Context) ([]model.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.UserRecord, 0, len(s.userOrder))
	for _, key := range s.userOrder {
		out = append(out, s.users[key])
	}
	return out, nil
}

// ListConversations returns the owner's summaries by position.
func (s *Store) ListConversations(ctx context.Context, owner model.UserKey) ([]model.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	box, ok := s.inboxes[owner]
	if !ok {
		return []model.ConversationSummary{}, nil
	}
	out := make([]model.ConversationSummary, 0, len(box.summaries))
	for _, sum := range box.summaries {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// UpsertSummary inserts or refreshes a summary.
func (s *Store) UpsertSummary(ctx context.Context, owner model.UserKey, sum model.ConversationSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	box, ok := s.inboxes[owner]
	if !ok {
		box = &inbox{
			summaries: make(map[string]*model.ConversationSummary),
			peers:     make(map[model.UserKey]string),
		}
		s.inboxes[owner] = box
	}

	existing := box.summaries[sum.ID]
	if existing == nil {
		box.next++
	}
	merged := store.MergeSummary(existing, sum, box.next)
	box.summaries[sum.ID] = &merged
	if _, ok := box.peers[merged.OtherUserKey]; !ok {
		box.peers[merged.OtherUserKey] = merged.ID
	}
	return nil
}

// DeleteSummary removes a summary. The message log is left alone.
func (s *Store) DeleteSummary(ctx context.Context, owner model.UserKey, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	box, ok := s.inboxes[owner]
	if !ok {
		return false, nil
	}
	sum, ok := box.summaries[conversationID]
	if !ok {
		return false, nil
	}
	delete(box.summaries, conversationID)

	if box.peers[sum.OtherUserKey] == conversationID {
		delete(box.peers, sum.OtherUserKey)
		rest := make([]model.ConversationSummary, 0, len(box.summaries))
		for _, other := range box.summaries {
			rest = append(rest, *other)
		}
		if id, ok := store.FirstByPosition(rest, sum.OtherUserKey); ok {
			box.peers[sum.OtherUserKey] = id
		}
	}
	return true, nil
}

// FindByCounterparty looks up the owner's conversation with counterparty.
func (s *Store) FindByCounterparty(ctx context.Context, owner, counterparty model.UserKey) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	box, ok := s.inboxes[owner]
	if !ok {
		return "", false, nil
	}
	id, ok := box.peers[counterparty]
	return id, ok, nil
}

// MarkRead flags the owner's latest message preview as read.
func (s *Store) MarkRead(ctx context.Context, owner model.UserKey, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	box, ok := s.inboxes[owner]
	if !ok {
		return store.ErrNotFound
	}
	sum, ok := box.summaries[conversationID]
	if !ok {
		return store.ErrNotFound
	}
	sum.LatestMessage.IsRead = true
	return nil
}

// Append adds a record to a conversation log.
func (s *Store) Append(ctx context.Context, conversationID string, rec model.MessageRecord) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[conversationID]
	rec.Sequence = uint64(len(log)) + 1
	s.logs[conversationID] = append(log, rec)
	return rec.Sequence, nil
}

// List returns a copy of a conversation log.
func (s *Store) List(ctx context.Context, conversationID string) ([]model.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.logs[conversationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]model.MessageRecord, len(log))
	copy(out, log)
	return out, nil
}

// SavePending stores or replaces an outbox entry.
func (s *Store) SavePending(ctx context.Context, p model.PendingSend) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.Steps = append([]model.FanoutStep(nil), p.Steps...)
	p.Completed = append([]model.FanoutStep(nil), p.Completed...)
	s.pending[p.ID] = p
	return nil
}

// DeletePending removes an outbox entry.
func (s *Store) DeletePending(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, id)
	return nil
}

// ListPending returns outbox entries oldest first.
func (s *Store) ListPending(ctx context.Context) ([]model.PendingSend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.PendingSend, 0, len(s.pending))
	for _, p := range s.pending {
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

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
