package docstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkful/docsync/pkg/docid"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()

	fsStore, err := OpenFS(t.TempDir())
	require.NoError(t, err)

	sqliteStore, err := OpenSQLite(filepath.Join(t.TempDir(), "docs.db"))
	require.NoError(t, err)

	stores := map[string]Store{
		"fs":     fsStore,
		"sqlite": sqliteStore,
		"memory": NewMemory(),
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			id := docid.Generate()

			_, found, err := s.Load(ctx, id)
			require.NoError(t, err)
			require.False(t, found)

			exists, err := s.Exists(ctx, id)
			require.NoError(t, err)
			require.False(t, exists)

			require.NoError(t, s.Save(ctx, id, []byte("v1")))
			require.NoError(t, s.Save(ctx, id, []byte("v2")))

			data, found, err := s.Load(ctx, id)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, []byte("v2"), data)

			exists, err = s.Exists(ctx, id)
			require.NoError(t, err)
			require.True(t, exists)

			other := docid.Generate()
			require.NoError(t, s.Save(ctx, other, []byte{}))

			ids, err := s.List(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []docid.ID{id, other}, ids)

			_, found, err = s.LoadRoot(ctx)
			require.NoError(t, err)
			require.False(t, found)

			require.NoError(t, s.SaveRoot(ctx, id))
			require.NoError(t, s.SaveRoot(ctx, other))
			root, found, err := s.LoadRoot(ctx)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, other, root)

			ids, err = s.List(ctx)
			require.NoError(t, err)
			assert.Len(t, ids, 2, "root slot must not be listed")
		})
	}
}

func TestConcurrentSavesOfSameID(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			id := docid.Generate()
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					assert.NoError(t, s.Save(ctx, id, []byte(fmt.Sprintf("value-%02d", i))))
				}(i)
			}
			wg.Wait()

			data, found, err := s.Load(ctx, id)
			require.NoError(t, err)
			require.True(t, found)
			assert.Len(t, data, len("value-00"))
		})
	}
}

func TestFSLayout(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := OpenFS(dir)
	require.NoError(t, err)

	id := docid.Generate()
	require.NoError(t, s.Save(ctx, id, []byte("payload")))

	name := id.String()
	data, err := os.ReadFile(filepath.Join(dir, "docs", name[:2], name))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	require.NoError(t, s.SaveRoot(ctx, id))
	raw, err := os.ReadFile(filepath.Join(dir, "root"))
	require.NoError(t, err)
	assert.Equal(t, name+"\n", string(raw))

	// leftover temp files and strays are ignored by List
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", name[:2], ".junk.tmp-1"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", name[:2], "README"), nil, 0o644))
	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []docid.ID{id}, ids)
}

func TestFSSyncsDirectoryAfterRename(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := OpenFS(dir)
	require.NoError(t, err)

	var synced []string
	var fail error
	orig := syncDir
	syncDir = func(d string) error {
		synced = append(synced, d)
		if fail != nil {
			return fail
		}
		return orig(d)
	}
	t.Cleanup(func() { syncDir = orig })

	id := docid.Generate()
	require.NoError(t, s.Save(ctx, id, []byte("payload")))
	require.NoError(t, s.SaveRoot(ctx, id))
	name := id.String()
	assert.Equal(t, []string{filepath.Join(dir, "docs", name[:2]), dir}, synced)

	fail = errors.New("io error")
	err = s.Save(ctx, id, []byte("again"))
	require.ErrorIs(t, err, ErrStorage)
	require.ErrorIs(t, err, fail)
}

func TestFSCorruptRoot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := OpenFS(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "root"), []byte("not an id"), 0o644))
	_, _, err = s.LoadRoot(ctx)
	require.ErrorIs(t, err, ErrStorage)
	require.ErrorIs(t, err, docid.ErrFormat)
}

func TestMemoryFailureInjection(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	id := docid.Generate()

	boom := errors.New("disk full")
	s.FailSaves(boom)
	err := s.Save(ctx, id, []byte("x"))
	require.ErrorIs(t, err, ErrStorage)
	require.ErrorIs(t, err, boom)

	var se *StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "save", se.Op)
	assert.Equal(t, id, se.ID)

	s.FailSaves(nil)
	require.NoError(t, s.Save(ctx, id, []byte("x")))

	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Save(ctx, id, []byte("y")), ErrClosed)
}
