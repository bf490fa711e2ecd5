package trace

import (
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageImplementations(t *testing.T) {
	t.Parallel()

	impls := map[string]func(t *testing.T) Storage{
		"mem": func(t *testing.T) Storage {
			return NewMemStorage()
		},
		"prefix": func(t *testing.T) Storage {
			return KeyPrefixStorage(NewMemStorage(), "run1")
		},
		"badger": func(t *testing.T) Storage {
			s, err := NewBadgerStorage(filepath.Join(t.TempDir(), "db"), 64)
			require.NoError(t, err)
			return s
		},
	}

	for name, create := range impls {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			t.Run("save_load", func(t *testing.T) {
				s := create(t)
				defer s.Close()

				require.NoError(t, s.SaveTrace("k1", []byte("blob1")))
				blob, ok, err := s.LoadTrace("k1")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, []byte("blob1"), blob)
			})

			t.Run("load_missing", func(t *testing.T) {
				s := create(t)
				defer s.Close()

				_, ok, err := s.LoadTrace("absent")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("delete", func(t *testing.T) {
				s := create(t)
				defer s.Close()

				require.NoError(t, s.SaveTrace("k1", []byte("blob")))
				require.NoError(t, s.DeleteTrace("k1"))
				_, ok, err := s.LoadTrace("k1")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("list_prefix", func(t *testing.T) {
				s := create(t)
				defer s.Close()

				require.NoError(t, s.SaveTrace("fn1;a", []byte("1")))
				require.NoError(t, s.SaveTrace("fn1;b", []byte("2")))
				require.NoError(t, s.SaveTrace("fn2;a", []byte("3")))

				keys, err := s.ListKeysPrefix("fn1;")
				require.NoError(t, err)
				sort.Strings(keys)
				assert.Equal(t, []string{"fn1;a", "fn1;b"}, keys)

				all, err := s.ListKeys()
				require.NoError(t, err)
				assert.Len(t, all, 3)
			})

			t.Run("clear", func(t *testing.T) {
				s := create(t)
				defer s.Close()

				require.NoError(t, s.SaveTrace("k1", []byte("1")))
				require.NoError(t, s.Clear())
				keys, err := s.ListKeys()
				require.NoError(t, err)
				assert.Empty(t, keys)
			})
		})
	}
}

func TestMemStorageBlobIsolation(t *testing.T) {
	t.Parallel()

	s := NewMemStorage()
	defer s.Close()

	blob := []byte("original")
	require.NoError(t, s.SaveTrace("k", blob))
	blob[0] = 'X'

	loaded, ok, err := s.LoadTrace("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("original"), loaded)

	loaded[0] = 'Y' // mutating a loaded copy must not alter the store
	again, _, err := s.LoadTrace("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}

func TestKeyPrefixStorageIsolation(t *testing.T) {
	t.Parallel()

	backing := NewMemStorage()
	defer backing.Close()
	a := KeyPrefixStorage(backing, "a")
	b := KeyPrefixStorage(backing, "b")

	require.NoError(t, a.SaveTrace("k", []byte("1")))
	require.NoError(t, b.SaveTrace("k", []byte("2")))

	blob, ok, err := a.LoadTrace("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), blob)

	keys, err := a.ListKeys()
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)

	// no prefix returns the storage unchanged
	assert.Equal(t, backing, KeyPrefixStorage(backing, ""))
}

func TestZstdCompressRoundTrip(t *testing.T) {
	t.Parallel()

	data := []byte(`{"data": [[3, {"a": 1}], [4, {"a": 1, "ret0": 2}]]}`)
	compressed := ZstdCompress(nil, data)
	decompressed, err := ZstdDecompress(nil, compressed)
	require.NoError(t, err)
	assert.Equal(t, data, decompressed)

	_, err = ZstdDecompress(nil, []byte("not zstd"))
	assert.Error(t, err)
}
