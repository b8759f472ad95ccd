package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// Service stores downloaded attachments and hands back their references.
type Service struct {
	provider StorageProvider
	logger   *slog.Logger
}

// NewService creates a media service with the given storage provider.
func NewService(log *slog.Logger, provider StorageProvider) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		provider: provider,
		logger:   log.With(slog.String("service", "media")),
	}
}

// Store persists a payload under a content-addressed key.
// Identical payloads for the same tenant map to the same key.
func (s *Service) Store(ctx context.Context, tenantID, messageID, kind string, payload Payload) (Asset, error) {
	if s.provider == nil {
		return Asset{}, ErrProviderUnavailable
	}
	if strings.TrimSpace(tenantID) == "" {
		return Asset{}, fmt.Errorf("tenant id is required")
	}
	if len(payload.Data) == 0 {
		return Asset{}, ErrEmptyPayload
	}
	sum := sha256.Sum256(payload.Data)
	contentHash := hex.EncodeToString(sum[:])
	if strings.TrimSpace(kind) == "" {
		kind = "file"
	}
	storageKey := path.Join(
		tenantID,
		kind,
		contentHash[:4],
		contentHash+extensionFromMime(payload.Mime),
	)
	if err := s.provider.Put(ctx, storageKey, bytes.NewReader(payload.Data)); err != nil {
		return Asset{}, fmt.Errorf("store media: %w", err)
	}
	s.logger.Debug("attachment stored",
		slog.String("tenant_id", tenantID),
		slog.String("message_id", messageID),
		slog.String("storage_key", storageKey),
		slog.Int("size", len(payload.Data)),
	)
	return Asset{
		TenantID:    tenantID,
		MessageID:   messageID,
		Kind:        kind,
		ContentHash: contentHash,
		Mime:        coalesce(payload.Mime, "application/octet-stream"),
		SizeBytes:   int64(len(payload.Data)),
		StorageKey:  storageKey,
		Filename:    payload.Filename,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Open returns a reader for a stored attachment reference.
func (s *Service) Open(ctx context.Context, storageKey string) (io.ReadCloser, error) {
	if s.provider == nil {
		return nil, ErrProviderUnavailable
	}
	return s.provider.Open(ctx, storageKey)
}

func extensionFromMime(mime string) string {
	base := strings.ToLower(strings.TrimSpace(mime))
	if idx := strings.IndexByte(base, ';'); idx >= 0 {
		base = strings.TrimSpace(base[:idx])
	}
	switch base {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/ogg", "audio/ogg; codecs=opus":
		return ".ogg"
	case "video/mp4":
		return ".mp4"
	case "application/pdf":
		return ".pdf"
	}
	if m := mimetype.Lookup(base); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return ".bin"
}

func coalesce(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
