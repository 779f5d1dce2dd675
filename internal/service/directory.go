package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/messenger-platform/messaging-service/internal/identity"
	"github.com/messenger-platform/messaging-service/internal/model"
	"github.com/messenger-platform/messaging-service/internal/store"
	"github.com/messenger-platform/messaging-service/pkg/logger"
)

const maxNameLength = 128

// DirectoryService handles user registration and lookup.
type DirectoryService struct {
	users  store.Directory
	clock  clock.Clock
	logger *logger.Logger
}

// NewDirectoryService creates a new directory service.
func NewDirectoryService(users store.Directory, clk clock.Clock, log *logger.Logger) *DirectoryService {
	return &DirectoryService{
		users:  users,
		clock:  clk,
		logger: log,
	}
}

// Register creates the directory entry for rawEmail.
func (s *DirectoryService) Register(ctx context.Context, rawEmail, firstName, lastName string) (*model.UserRecord, error) {
	key, err := identity.Normalize(rawEmail)
	if err != nil {
		return nil, err
	}
	firstName = strings.TrimSpace(firstName)
	lastName = strings.TrimSpace(lastName)
	if err := validateName("first name", firstName); err != nil {
		return nil, err
	}
	if err := validateName("last name", lastName); err != nil {
		return nil, err
	}

	rec := model.UserRecord{
		Key:         key,
		DisplayName: firstName + " " + lastName,
		Email:       strings.TrimSpace(rawEmail),
		FirstName:   firstName,
		LastName:    lastName,
		CreatedAt:   s.clock.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, rec); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, fmt.Errorf("user %s: %w", key, err)
		}
		return nil, fmt.Errorf("failed to register user: %w", err)
	}

	s.logger.Info("user registered", zap.String("user_key", string(key)))
	return &rec, nil
}

// Exists reports whether rawEmail is registered. An email that only shares its key with a
// registered one is not. Already-normalized keys are matched by key.
func (s *DirectoryService) Exists(ctx context.Context, rawEmail string) (bool, error) {
	key, err := identity.Normalize(rawEmail)
	if err != nil {
		return false, err
	}
	rec, err := s.users.GetUser(ctx, key)
	switch {
	case err == nil:
		raw := strings.TrimSpace(rawEmail)
		return !strings.Contains(raw, "@") || rec.Email == raw, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("failed to look up user: %w", err)
	}
}

// Verify checks that the session's key, if registered, belongs to the session's email.
// Unregistered callers pass; they own no data yet.
func (s *DirectoryService) Verify(ctx context.Context, sess identity.Session) error {
	rec, err := s.users.GetUser(ctx, sess.Key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("failed to look up user: %w", err)
	case !sess.Owns(rec):
		s.logger.Warn("session email does not own its key", zap.String("user_key", string(sess.Key)))
		return fmt.Errorf("user %s: %w", sess.Key, identity.ErrEmailMismatch)
	}
	return nil
}

// Get returns the record for key.
func (s *DirectoryService) Get(ctx context.Context, key model.UserKey) (*model.UserRecord, error) {
	rec, err := s.users.GetUser(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", key, err)
	}
	return rec, nil
}

// ListAll returns a snapshot of the directory in registration order.
func (s *DirectoryService) ListAll(ctx context.Context) ([]model.UserRecord, error) {
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// Search returns users whose display name starts with term, ignoring case. The caller is
// never part of the result. The whole directory is read before filtering.
func (s *DirectoryService) Search(ctx context.Context, caller model.UserKey, term string) ([]model.UserRecord, error) {
	users, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	prefix := strings.ToLower(strings.TrimSpace(term))
	out := []model.UserRecord{}
	for _, u := range users {
		if u.Key == caller {
			continue
		}
		if strings.HasPrefix(strings.ToLower(u.DisplayName), prefix) {
			out = append(out, u)
		}
	}
	return out, nil
}

func validateName(field, value string) error {
	if value == "" {
		return invalid("%s is required", field)
	}
	if !utf8.ValidString(value) {
		return invalid("%s must be valid UTF-8", field)
	}
	if utf8.RuneCountInString(value) > maxNameLength {
		return invalid("%s exceeds maximum length", field)
	}
	return nil
}
