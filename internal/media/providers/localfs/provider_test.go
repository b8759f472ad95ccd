package localfs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/memohai/groupwatch/internal/media"
)

func TestProvider_HostPath(t *testing.T) {
	t.Parallel()
	p := &Provider{dataRoot: "/srv/data"}

	tests := []struct {
		key     string
		want    string
		wantErr bool
	}{
		{key: "tenant-1/image/ab12/ab12cd.png", want: "/srv/data/tenants/tenant-1/media/image/ab12/ab12cd.png"},
		{key: "/absolute/path", wantErr: true},
		{key: "../escape", wantErr: true},
		{key: "nosubpath", wantErr: true},
		{key: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := p.hostPath(tt.key)
		if tt.wantErr {
			if err == nil {
				t.Errorf("hostPath(%q) expected error", tt.key)
			}
			continue
		}
		if err != nil {
			t.Errorf("hostPath(%q) unexpected error: %v", tt.key, err)
			continue
		}
		if got != tt.want {
			t.Errorf("hostPath(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestProvider_PutOpenDelete(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	p, err := New(tmpDir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	key := "tenant-1/image/ab/test.png"
	data := []byte("hello media content")

	if err := p.Put(context.Background(), key, bytes.NewReader(data)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	hostFile := filepath.Join(tmpDir, "tenants", "tenant-1", "media", "image", "ab", "test.png")
	if _, err := os.Stat(hostFile); err != nil {
		t.Fatalf("file not found on host: %v", err)
	}

	reader, err := p.Open(context.Background(), key)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	got, _ := io.ReadAll(reader)
	reader.Close()
	if !bytes.Equal(got, data) {
		t.Errorf("Open returned %q, want %q", got, data)
	}

	if err := p.Delete(context.Background(), key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(hostFile); !os.IsNotExist(err) {
		t.Fatalf("file should be deleted: %v", err)
	}
}

func TestProvider_PathTraversal(t *testing.T) {
	t.Parallel()
	p := &Provider{dataRoot: "/srv/data"}

	bad := []string{
		"../etc/passwd",
		"/absolute/key",
		"tenant-1/../../escape",
		"attacker/../victim/image/ab/secret.png",
		"attacker/image/../../victim/image/ab/secret.png",
		`attacker\..\victim\image\secret.png`,
	}
	for _, key := range bad {
		if _, err := p.hostPath(key); err == nil {
			t.Errorf("hostPath(%q) should reject traversal", key)
		}
	}
}

func TestProvider_TenantIsolation(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	p, err := New(tmpDir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := p.Put(context.Background(), "victim/image/ab/secret.png", bytes.NewReader([]byte("secret"))); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	_, err = p.Open(context.Background(), "attacker/../victim/image/ab/secret.png")
	if !errors.Is(err, media.ErrPathTraversal) {
		t.Fatalf("expected ErrPathTraversal, got %v", err)
	}
	_, err = p.Open(context.Background(), "attacker/image/ab/secret.png")
	if !errors.Is(err, media.ErrAssetNotFound) {
		t.Fatalf("expected ErrAssetNotFound, got %v", err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("stream reset") }

func TestProvider_PutFailureLeavesNoFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	p, err := New(tmpDir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	key := "tenant-1/video/ab/clip.mp4"
	if err := p.Put(context.Background(), key, io.MultiReader(bytes.NewReader([]byte("partial")), failingReader{})); err == nil {
		t.Fatal("expected Put to fail")
	}
	hostFile := filepath.Join(tmpDir, "tenants", "tenant-1", "media", "video", "ab", "clip.mp4")
	if _, err := os.Stat(hostFile); !os.IsNotExist(err) {
		t.Fatalf("partial file left behind: %v", err)
	}
}
