package fsstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/tokensync/store"
)

func newTestSlot(t *testing.T) *Slot {
	t.Helper()
	slot, err := New(filepath.Join(t.TempDir(), "cache", "token_cache.tar.gz"))
	require.NoError(t, err)
	return slot
}

func TestNewCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "slot")

	slot, err := New(path)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Dir(slot.Path()))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestExistsEmptySlot(t *testing.T) {
	slot := newTestSlot(t)

	ok, err := slot.Exists(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDownloadEmptySlot(t *testing.T) {
	slot := newTestSlot(t)

	_, _, err := slot.Download(context.Background())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	slot := newTestSlot(t)
	ctx := context.Background()

	data := []byte("archive bytes")
	md := store.NewMetadata("abc123", time.Now())

	require.NoError(t, slot.Upload(ctx, data, md))

	ok, err := slot.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	got, gotMD, err := slot.Download(ctx)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "abc123", gotMD.Digest())

	_, ok = gotMD.UploadedAt()
	assert.True(t, ok)
}

func TestUploadReplacesPrior(t *testing.T) {
	slot := newTestSlot(t)
	ctx := context.Background()

	require.NoError(t, slot.Upload(ctx, []byte("first"), store.NewMetadata("d1", time.Now())))
	require.NoError(t, slot.Upload(ctx, []byte("second"), store.NewMetadata("d2", time.Now())))

	got, md, err := slot.Download(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
	assert.Equal(t, "d2", md.Digest())
}

func TestUploadLeavesNoTempFiles(t *testing.T) {
	slot := newTestSlot(t)
	ctx := context.Background()

	require.NoError(t, slot.Upload(ctx, []byte("archive"), nil))

	entries, err := os.ReadDir(filepath.Dir(slot.Path()))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".tmp-"), "temp file left behind: %s", e.Name())
	}
}

func TestDownloadCorruptEnvelope(t *testing.T) {
	slot := newTestSlot(t)

	require.NoError(t, os.WriteFile(slot.Path(), []byte("not json"), 0o600))

	_, _, err := slot.Download(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrNotFound)
}
