// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

package sketch

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(opts, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func storeModes(t *testing.T, run func(t *testing.T, s *Store)) {
	t.Run("direct", func(t *testing.T) {
		run(t, openTestStore(t, Options{Path: filepath.Join(t.TempDir(), "digests.db")}))
	})
	t.Run("cached", func(t *testing.T) {
		run(t, openTestStore(t, Options{Path: filepath.Join(t.TempDir(), "digests.db"), MemoryCache: true}))
	})
	t.Run("memory", func(t *testing.T) {
		run(t, openTestStore(t, Options{}))
	})
}

func TestStoreMergeAndRemove(t *testing.T) {
	storeModes(t, func(t *testing.T, s *Store) {
		key := []byte("cpu.load|host1")
		for i := 0; i < 100; i++ {
			require.NoError(t, s.MergeValue(key, float64(i), 1))
		}
		assert.Equal(t, 1, s.Size())

		d, err := s.Remove(key)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, 100, d.Count())
		assert.Equal(t, 0, s.Size())

		gone, err := s.Remove(key)
		require.NoError(t, err)
		assert.Nil(t, gone)
	})
}

func TestStoreMergeDigest(t *testing.T) {
	storeModes(t, func(t *testing.T, s *Store) {
		key := []byte("latency|api")
		d := NewDigest(DefaultCompression)
		for i := 0; i < 50; i++ {
			d.Add(float64(i), 2)
		}
		require.NoError(t, s.MergeDigest(key, d))
		require.NoError(t, s.MergeValue(key, 1000, 1))

		got, err := s.Remove(key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 101, got.Count())
	})
}

func TestStoreKeys(t *testing.T) {
	storeModes(t, func(t *testing.T, s *Store) {
		for i := 0; i < 10; i++ {
			require.NoError(t, s.MergeValue([]byte(fmt.Sprintf("key-%d", i)), 1, 1))
		}
		keys, err := s.Keys()
		require.NoError(t, err)
		assert.Len(t, keys, 10)
	})
}

func TestStoreConcurrentMerges(t *testing.T) {
	storeModes(t, func(t *testing.T, s *Store) {
		const workers = 8
		const perWorker = 200
		key := []byte("shared")

		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					_ = s.MergeValue(key, float64(i), 1)
				}
			}()
		}
		wg.Wait()

		d, err := s.Remove(key)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, workers*perWorker, d.Count())
	})
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	for _, cached := range []bool{false, true} {
		t.Run(fmt.Sprintf("cached=%v", cached), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "digests.db")

			s, err := Open(Options{Path: path, MemoryCache: cached}, zap.NewNop())
			require.NoError(t, err)
			require.NoError(t, s.MergeValue([]byte("survivor"), 42, 7))
			require.NoError(t, s.Close())

			s2 := openTestStore(t, Options{Path: path, MemoryCache: cached})
			assert.Equal(t, 1, s2.Size())
			d, err := s2.Remove([]byte("survivor"))
			require.NoError(t, err)
			require.NotNil(t, d)
			assert.Equal(t, 7, d.Count())
		})
	}
}

func TestStoreFlushAppliesDeletions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "digests.db")

	s, err := Open(Options{Path: path, MemoryCache: true}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.MergeValue([]byte("a"), 1, 1))
	require.NoError(t, s.MergeValue([]byte("b"), 2, 1))
	require.NoError(t, s.Flush())

	_, err = s.Remove([]byte("a"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2 := openTestStore(t, Options{Path: path, MemoryCache: true})
	assert.Equal(t, 1, s2.Size())
	keys, err := s2.Keys()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "b", string(keys[0]))
}

func TestStoreMemoryOnlyNeverPersists(t *testing.T) {
	s := openTestStore(t, Options{})
	require.NoError(t, s.MergeValue([]byte("ephemeral"), 1, 1))
	require.NoError(t, s.Flush())
	assert.Equal(t, 1, s.Size())
}
