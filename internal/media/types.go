package media

import (
	"context"
	"io"
	"time"
)

// Asset describes a stored attachment. Its StorageKey is the attachment
// reference carried by messages.
type Asset struct {
	TenantID    string    `json:"tenant_id"`
	MessageID   string    `json:"message_id"`
	Kind        string    `json:"kind"`
	ContentHash string    `json:"content_hash"`
	Mime        string    `json:"mime"`
	SizeBytes   int64     `json:"size_bytes"`
	StorageKey  string    `json:"storage_key"`
	Filename    string    `json:"filename,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// StorageProvider abstracts object storage operations.
type StorageProvider interface {
	// Put writes data to storage under the given key.
	Put(ctx context.Context, key string, reader io.Reader) error
	// Open returns a reader for the given storage key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the object at key.
	Delete(ctx context.Context, key string) error
}
