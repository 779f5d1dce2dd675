// Package media stores uploaded pictures and videos and hands back the URLs that photo and
// video messages carry.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/messenger-platform/messaging-service/internal/model"
	"github.com/messenger-platform/messaging-service/pkg/logger"
	"github.com/messenger-platform/messaging-service/pkg/metrics"
)

var (
	// ErrUnsupportedKind is returned for an unknown upload kind.
	ErrUnsupportedKind = errors.New("unsupported media kind")

	// ErrUnsupportedType is returned when the content type does not fit the kind.
	ErrUnsupportedType = errors.New("unsupported content type")

	// ErrTooLarge is returned for uploads above the size limit.
	ErrTooLarge = errors.New("upload too large")
)

// Kind selects where an upload is stored.
type Kind string

const (
	KindProfile Kind = "profile"
	KindPhoto   Kind = "photo"
	KindVideo   Kind = "video"
)

// ParseKind validates s as an upload kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindProfile, KindPhoto, KindVideo:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, s)
}

// Prefix is the object key prefix of the kind.
func (k Kind) Prefix() string {
	switch k {
	case KindProfile:
		return "images/"
	case KindPhoto:
		return "message_images/"
	case KindVideo:
		return "message_videos/"
	}
	return "misc/"
}

var extensions = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/gif":       ".gif",
	"image/heic":      ".heic",
	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
}

// ObjectStore persists uploaded objects.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, body io.Reader, size int64) (string, error)
}

// Service validates uploads and names their objects.
type Service struct {
	objects ObjectStore
	maxSize int64
	logger  *logger.Logger
}

// NewService creates a media service.
func NewService(objects ObjectStore, maxSize int64, log *logger.Logger) *Service {
	return &Service{objects: objects, maxSize: maxSize, logger: log}
}

// Upload stores body for owner and returns the object URL. Profile pictures have a fixed name
// per user, so a new upload replaces the old one.
func (s *Service) Upload(ctx context.Context, owner model.UserKey, kind Kind, contentType string, body io.Reader, size int64) (string, error) {
	contentType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	ext, ok := extensions[contentType]
	if !ok || !fits(kind, contentType) {
		s.record(kind, "rejected")
		return "", fmt.Errorf("%w: %s for %s", ErrUnsupportedType, contentType, kind)
	}
	if size <= 0 || size > s.maxSize {
		s.record(kind, "rejected")
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, size, s.maxSize)
	}

	var key string
	if kind == KindProfile {
		key = kind.Prefix() + string(owner) + "_profile_picture" + ext
	} else {
		key = kind.Prefix() + string(owner) + "_" + uuid.New().String() + ext
	}

	u, err := s.objects.Put(ctx, key, contentType, io.LimitReader(body, size), size)
	if err != nil {
		s.record(kind, "error")
		s.logger.Error("media upload failed", zap.String("key", key), zap.Error(err))
		return "", err
	}

	s.record(kind, "ok")
	s.logger.Info("media uploaded", zap.String("user_key", string(owner)), zap.String("key", key))
	return u, nil
}

func (s *Service) record(kind Kind, status string) {
	metrics.MediaUploads.WithLabelValues(string(kind), status).Inc()
}

func fits(kind Kind, contentType string) bool {
	if kind == KindVideo {
		return strings.HasPrefix(contentType, "video/")
	}
	return strings.HasPrefix(contentType, "image/")
}
