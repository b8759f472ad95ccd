package media_test

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/groupwatch/internal/media"
	"github.com/memohai/groupwatch/internal/media/providers/localfs"
)

func TestServiceStoreIsContentAddressed(t *testing.T) {
	t.Parallel()

	provider, err := localfs.New(t.TempDir())
	require.NoError(t, err)
	svc := media.NewService(nil, provider)
	ctx := context.Background()

	payload := media.Payload{Mime: "image/jpeg", Data: []byte("same bytes")}
	first, err := svc.Store(ctx, "tenant-1", "m1", "image", payload)
	require.NoError(t, err)
	second, err := svc.Store(ctx, "tenant-1", "m2", "image", payload)
	require.NoError(t, err)

	assert.Equal(t, first.StorageKey, second.StorageKey)
	assert.True(t, strings.HasPrefix(first.StorageKey, "tenant-1/image/"))
	assert.True(t, strings.HasSuffix(first.StorageKey, ".jpg"))

	reader, err := svc.Open(ctx, first.StorageKey)
	require.NoError(t, err)
	defer reader.Close()
	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "same bytes", string(got))
}

func TestServiceStoreRejectsEmpty(t *testing.T) {
	t.Parallel()

	provider, err := localfs.New(t.TempDir())
	require.NoError(t, err)
	svc := media.NewService(nil, provider)

	_, err = svc.Store(context.Background(), "tenant-1", "m1", "image", media.Payload{})
	assert.ErrorIs(t, err, media.ErrEmptyPayload)

	_, err = media.NewService(nil, nil).Store(context.Background(), "tenant-1", "m1", "image", media.Payload{Data: []byte("x")})
	assert.ErrorIs(t, err, media.ErrProviderUnavailable)
}
