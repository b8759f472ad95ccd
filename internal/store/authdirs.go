package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AuthDirs manages per-tenant authentication directories at
// <dataRoot>/tenants/<tenant_id>/auth.
type AuthDirs struct {
	dataRoot string
}

// NewAuthDirs creates an AuthDirs rooted at dataRoot.
func NewAuthDirs(dataRoot string) (*AuthDirs, error) {
	abs, err := filepath.Abs(dataRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve data root: %w", err)
	}
	return &AuthDirs{dataRoot: abs}, nil
}

// Path returns the tenant's auth directory, creating it if needed.
func (a *AuthDirs) Path(tenantID string) (string, error) {
	dir, err := a.dir(tenantID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create auth dir: %w", err)
	}
	return dir, nil
}

// Delete removes the tenant's auth directory so the next session starts
// unauthenticated. A missing directory is not an error.
func (a *AuthDirs) Delete(tenantID string) error {
	dir, err := a.dir(tenantID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove auth dir: %w", err)
	}
	return nil
}

func (a *AuthDirs) dir(tenantID string) (string, error) {
	if !ValidTenantID(tenantID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}
	dir := filepath.Join(a.dataRoot, "tenants", tenantID, "auth")
	if !strings.HasPrefix(dir, a.dataRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}
	return dir, nil
}
