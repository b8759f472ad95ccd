// Package store persists session continuation state and archives
// ingested messages. Memory is used when Postgres is not configured.
package store

import (
	"context"
	"errors"
	"strings"
)

// ErrInvalidTenant is returned for tenant ids that cannot be used as a
// storage key or directory name.
var ErrInvalidTenant = errors.New("invalid tenant id")

// SessionStateStore saves opaque session continuation blobs.
type SessionStateStore interface {
	Save(ctx context.Context, tenantID string, blob []byte) error
	Load(ctx context.Context, tenantID string) ([]byte, bool, error)
	Delete(ctx context.Context, tenantID string) error
}

// ValidTenantID reports whether id is safe to use as a path element.
func ValidTenantID(id string) bool {
	if strings.TrimSpace(id) == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`+"\x00")
}
