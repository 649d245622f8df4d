package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateIn(t *testing.T) {
	parent := t.TempDir()

	ws, err := CreateIn(parent)
	require.NoError(t, err)

	info, err := os.Stat(ws.Path())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, parent, filepath.Dir(ws.Path()))

	entries, err := os.ReadDir(ws.Path())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreateInMissingParent(t *testing.T) {
	parent := filepath.Join(t.TempDir(), "does", "not", "exist")

	ws, err := CreateIn(parent)
	require.NoError(t, err)

	info, err := os.Stat(ws.Path())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestWorkspacesAreDisjoint(t *testing.T) {
	parent := t.TempDir()

	a, err := CreateIn(parent)
	require.NoError(t, err)
	b, err := CreateIn(parent)
	require.NoError(t, err)

	assert.NotEqual(t, a.Path(), b.Path())
}

func TestDestroy(t *testing.T) {
	ws, err := CreateIn(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(ws.Path(), "token.json"), []byte("{}"), 0o600))

	require.NoError(t, ws.Destroy())

	_, err = os.Stat(ws.Path())
	assert.True(t, os.IsNotExist(err))

	// Idempotent.
	require.NoError(t, ws.Destroy())
}
