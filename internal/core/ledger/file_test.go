package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFileStoreMissingLoadsEmpty(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "ledger.json"), nil)

	l, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, l)
}

func TestFileStoreCorruptLoadsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"providers": {"sxcu": [`), 0o644))

	l, err := NewFileStore(path, nil).Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, l)
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "ledger.json")
	store := NewFileStore(path, nil)
	store.Clock = func() time.Time { return epoch }

	l := New()
	l.Set(Key("sxcu", "file-upload"), Entry{Limit: 5, Remaining: 3, ResetAt: epoch.Add(time.Minute), WindowStart: epoch})
	require.NoError(t, store.Save(context.Background(), l))

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, l, loaded)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
}

func TestLoadPrunedDropsExpired(t *testing.T) {
	store := &MemoryStore{}
	l := New()
	l.Set(Key("sxcu", "file-upload"), Entry{Limit: 5, Remaining: 0, ResetAt: epoch})
	require.NoError(t, store.Save(context.Background(), l))

	loaded, err := LoadPruned(context.Background(), store, epoch.Add(time.Second))
	require.NoError(t, err)
	require.Empty(t, loaded)
}
