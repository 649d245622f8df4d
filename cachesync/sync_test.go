package cachesync

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/tokensync/store"
	"github.com/wolfeidau/tokensync/store/fsstore"
	"github.com/wolfeidau/tokensync/workspace"
)

func newTestSlot(t *testing.T) *fsstore.Slot {
	t.Helper()
	slot, err := fsstore.New(filepath.Join(t.TempDir(), "token_cache.tar.gz"))
	require.NoError(t, err)
	return slot
}

func newTestWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.CreateIn(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Destroy() })
	return ws
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	found := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		require.NoError(t, err)
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		require.NoError(t, err)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		found[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return found
}

// seedSlot seeds the slot with the given files via the Seeder.
func seedSlot(t *testing.T, slot *fsstore.Slot, files map[string]string) {
	t.Helper()
	dir := t.TempDir()
	writeTree(t, dir, files)
	require.NoError(t, NewSeeder(slot, nil).Seed(context.Background(), dir))
}

func TestRestoreFirstRun(t *testing.T) {
	slot := newTestSlot(t)
	ws := newTestWorkspace(t)

	sync := New(slot, ws)
	require.NoError(t, sync.Restore(context.Background()))

	assert.Equal(t, StateRestored, sync.State())
	assert.Empty(t, readTree(t, ws.Path()))
}

func TestSeedThenRestore(t *testing.T) {
	slot := newTestSlot(t)
	files := map[string]string{
		"oauth2_token.json": `{"access_token":"abc"}`,
		"oauth1_token.json": `{"oauth_token":"def"}`,
	}
	seedSlot(t, slot, files)

	ws := newTestWorkspace(t)
	sync := New(slot, ws)
	require.NoError(t, sync.Restore(context.Background()))

	assert.Equal(t, files, readTree(t, ws.Path()))
}

func TestPersistThenRestoreRoundTrip(t *testing.T) {
	slot := newTestSlot(t)
	ctx := context.Background()

	// First execution: restore empty, write tokens, persist.
	ws1 := newTestWorkspace(t)
	sync1 := New(slot, ws1)
	require.NoError(t, sync1.Restore(ctx))

	files := map[string]string{"token.json": `{"refresh_token":"r1"}`}
	writeTree(t, ws1.Path(), files)
	require.NoError(t, sync1.Persist(ctx))
	assert.Equal(t, StatePersisted, sync1.State())

	// Second execution sees exactly what the first wrote.
	ws2 := newTestWorkspace(t)
	sync2 := New(slot, ws2)
	require.NoError(t, sync2.Restore(ctx))
	assert.Equal(t, files, readTree(t, ws2.Path()))
}

func TestDiscardLeavesRemoteUnchanged(t *testing.T) {
	slot := newTestSlot(t)
	ctx := context.Background()

	original := map[string]string{"token.json": `{"refresh_token":"original"}`}
	seedSlot(t, slot, original)

	// Failed execution: restore, mutate, discard.
	ws := newTestWorkspace(t)
	sync := New(slot, ws)
	require.NoError(t, sync.Restore(ctx))
	writeTree(t, ws.Path(), map[string]string{"token.json": `{"refresh_token":"mutated"}`})
	require.NoError(t, sync.Discard())
	assert.Equal(t, StateDiscarded, sync.State())

	_, err := os.Stat(ws.Path())
	assert.True(t, os.IsNotExist(err), "workspace should be destroyed")

	// The remote cache still holds the pre-run content.
	ws2 := newTestWorkspace(t)
	sync2 := New(slot, ws2)
	require.NoError(t, sync2.Restore(ctx))
	assert.Equal(t, original, readTree(t, ws2.Path()))
}

func TestSequentialExecutionsLastWriterWins(t *testing.T) {
	slot := newTestSlot(t)
	ctx := context.Background()

	seedSlot(t, slot, map[string]string{"token.json": "v0"})

	for _, v := range []string{"v1", "v2"} {
		ws := newTestWorkspace(t)
		sync := New(slot, ws)
		require.NoError(t, sync.Restore(ctx))
		writeTree(t, ws.Path(), map[string]string{"token.json": v})
		require.NoError(t, sync.Persist(ctx))
	}

	ws := newTestWorkspace(t)
	sync := New(slot, ws)
	require.NoError(t, sync.Restore(ctx))
	assert.Equal(t, map[string]string{"token.json": "v2"}, readTree(t, ws.Path()))
}

func TestPersistRequiresRestore(t *testing.T) {
	sync := New(newTestSlot(t), newTestWorkspace(t))

	err := sync.Persist(context.Background())
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestPersistAtMostOnce(t *testing.T) {
	slot := newTestSlot(t)
	ws := newTestWorkspace(t)
	ctx := context.Background()

	sync := New(slot, ws)
	require.NoError(t, sync.Restore(ctx))
	writeTree(t, ws.Path(), map[string]string{"token.json": "{}"})
	require.NoError(t, sync.Persist(ctx))

	err := sync.Persist(ctx)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestPersistAfterDiscard(t *testing.T) {
	sync := New(newTestSlot(t), newTestWorkspace(t))
	require.NoError(t, sync.Restore(context.Background()))
	require.NoError(t, sync.Discard())

	err := sync.Persist(context.Background())
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestDiscardAfterPersist(t *testing.T) {
	slot := newTestSlot(t)
	ws := newTestWorkspace(t)
	ctx := context.Background()

	sync := New(slot, ws)
	require.NoError(t, sync.Restore(ctx))
	require.NoError(t, sync.Persist(ctx))

	err := sync.Discard()
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestDiscardIdempotent(t *testing.T) {
	sync := New(newTestSlot(t), newTestWorkspace(t))
	require.NoError(t, sync.Restore(context.Background()))

	require.NoError(t, sync.Discard())
	require.NoError(t, sync.Discard())
}

func TestRestoreTwice(t *testing.T) {
	sync := New(newTestSlot(t), newTestWorkspace(t))
	require.NoError(t, sync.Restore(context.Background()))

	err := sync.Restore(context.Background())
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestRestoreDigestMismatch(t *testing.T) {
	slot := newTestSlot(t)
	ctx := context.Background()

	seedSlot(t, slot, map[string]string{"token.json": "{}"})

	// Tamper: replace the archive but keep the old digest metadata.
	data, md, err := slot.Download(ctx)
	require.NoError(t, err)
	tampered := append([]byte("x"), data...)
	require.NoError(t, slot.Upload(ctx, tampered, md))

	sync := New(slot, newTestWorkspace(t))
	err = sync.Restore(ctx)
	require.ErrorIs(t, err, ErrDigestMismatch)
	assert.Equal(t, StateEmpty, sync.State())
}

// failingStore wraps a store and fails selected operations.
type failingStore struct {
	store.Store
	downloadErr error
	uploadErr   error
}

func (f *failingStore) Download(ctx context.Context) ([]byte, store.Metadata, error) {
	if f.downloadErr != nil {
		return nil, nil, f.downloadErr
	}
	return f.Store.Download(ctx)
}

func (f *failingStore) Upload(ctx context.Context, data []byte, md store.Metadata) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	return f.Store.Upload(ctx, data, md)
}

func TestRestorePropagatesTransientErrors(t *testing.T) {
	st := &failingStore{
		Store:       newTestSlot(t),
		downloadErr: store.Transient(errors.New("503 backend unavailable")),
	}

	sync := New(st, newTestWorkspace(t))
	err := sync.Restore(context.Background())
	require.Error(t, err)
	assert.True(t, store.IsTransient(err), "transient marker must survive wrapping")
	assert.Equal(t, StateEmpty, sync.State())
}

func TestPersistFailureLeavesRemoteIntact(t *testing.T) {
	slot := newTestSlot(t)
	ctx := context.Background()

	original := map[string]string{"token.json": "original"}
	seedSlot(t, slot, original)

	st := &failingStore{
		Store:     slot,
		uploadErr: store.Fatal(errors.New("403 forbidden")),
	}

	ws := newTestWorkspace(t)
	sync := New(st, ws)
	require.NoError(t, sync.Restore(ctx))
	writeTree(t, ws.Path(), map[string]string{"token.json": "mutated"})

	err := sync.Persist(ctx)
	require.Error(t, err)
	assert.True(t, store.IsFatal(err))
	assert.Equal(t, StateRestored, sync.State())

	// Remote state regressed nowhere.
	ws2 := newTestWorkspace(t)
	sync2 := New(slot, ws2)
	require.NoError(t, sync2.Restore(ctx))
	assert.Equal(t, original, readTree(t, ws2.Path()))
}

func TestPersistWarnsOnConcurrentOverwrite(t *testing.T) {
	slot := newTestSlot(t)
	ctx := context.Background()

	seedSlot(t, slot, map[string]string{"token.json": "v0"})

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	base := time.Now()
	clock := base
	ws := newTestWorkspace(t)
	sync := New(slot, ws,
		WithLogger(logger),
		WithClock(func() time.Time { return clock }),
	)
	require.NoError(t, sync.Restore(ctx))

	// An overlapping execution persists after our restore.
	otherWS := newTestWorkspace(t)
	other := New(slot, otherWS, WithClock(func() time.Time { return base.Add(time.Minute) }))
	require.NoError(t, other.Restore(ctx))
	writeTree(t, otherWS.Path(), map[string]string{"token.json": "other"})
	require.NoError(t, other.Persist(ctx))

	clock = base.Add(2 * time.Minute)
	writeTree(t, ws.Path(), map[string]string{"token.json": "ours"})
	require.NoError(t, sync.Persist(ctx))

	assert.Contains(t, logBuf.String(), "last writer wins")

	// Our write still wins.
	ws3 := newTestWorkspace(t)
	sync3 := New(slot, ws3)
	require.NoError(t, sync3.Restore(ctx))
	assert.Equal(t, map[string]string{"token.json": "ours"}, readTree(t, ws3.Path()))
}

func TestPersistWarnsOnEmptyWorkspaceOverExisting(t *testing.T) {
	slot := newTestSlot(t)
	ctx := context.Background()

	seedSlot(t, slot, map[string]string{"token.json": "v0"})

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	ws := newTestWorkspace(t)
	sync := New(slot, ws, WithLogger(logger))
	require.NoError(t, sync.Restore(ctx))

	// The job body wiped the workspace.
	require.NoError(t, os.RemoveAll(filepath.Join(ws.Path(), "token.json")))
	require.NoError(t, sync.Persist(ctx))

	assert.Contains(t, logBuf.String(), "empty workspace")
}

func TestSeedMissingDirectory(t *testing.T) {
	seeder := NewSeeder(newTestSlot(t), nil)

	err := seeder.Seed(context.Background(), filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestSeedOverwritesExisting(t *testing.T) {
	slot := newTestSlot(t)
	ctx := context.Background()

	seedSlot(t, slot, map[string]string{"token.json": "old"})
	seedSlot(t, slot, map[string]string{"token.json": "new"})

	ws := newTestWorkspace(t)
	sync := New(slot, ws)
	require.NoError(t, sync.Restore(ctx))
	assert.Equal(t, map[string]string{"token.json": "new"}, readTree(t, ws.Path()))
}

func TestFetch(t *testing.T) {
	slot := newTestSlot(t)
	files := map[string]string{"token.json": `{"access_token":"abc"}`}
	seedSlot(t, slot, files)

	dest := filepath.Join(t.TempDir(), "tokens")
	require.NoError(t, Fetch(context.Background(), slot, dest, nil))

	assert.Equal(t, files, readTree(t, dest))
}

func TestFetchNotFound(t *testing.T) {
	err := Fetch(context.Background(), newTestSlot(t), t.TempDir(), nil)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "empty", StateEmpty.String())
	assert.Equal(t, "restored", StateRestored.String())
	assert.Equal(t, "persisted", StatePersisted.String())
	assert.Equal(t, "discarded", StateDiscarded.String())
}
