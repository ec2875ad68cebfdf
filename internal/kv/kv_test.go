package kv

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tadoctl/tadod/internal/db"
)

func testDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func testBuckets(t *testing.T) map[string]Bucket {
	t.Helper()
	return map[string]Bucket{
		"memory": NewMemoryBucket("test"),
		"sqlite": NewSQLiteBucket(testDB(t).DB, "test"),
	}
}

func TestBucketStoreGetDelete(t *testing.T) {
	for name, b := range testBuckets(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Store("greeting", "hello", nil))

			got, err := b.Get("greeting")
			require.NoError(t, err)
			assert.Equal(t, "hello", got)

			exists, err := b.Exists("greeting")
			require.NoError(t, err)
			assert.True(t, exists)

			deleted, err := b.Delete("greeting")
			require.NoError(t, err)
			assert.True(t, deleted)

			got, err = b.Get("greeting")
			require.NoError(t, err)
			assert.Nil(t, got)

			deleted, err = b.Delete("greeting")
			require.NoError(t, err)
			assert.False(t, deleted)
		})
	}
}

func TestBucketTTLExpiry(t *testing.T) {
	for name, b := range testBuckets(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Store("ephemeral", 42.0, &StoreOptions{TTL: time.Second}))
			exists, err := b.Exists("ephemeral")
			require.NoError(t, err)
			assert.True(t, exists)

			// SQLite expiry has one-second resolution, so wait past it.
			time.Sleep(1100 * time.Millisecond)

			got, err := b.Get("ephemeral")
			require.NoError(t, err)
			assert.Nil(t, got)

			keys, err := b.Keys()
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestBucketKeysAndClear(t *testing.T) {
	for name, b := range testBuckets(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Store("a", 1.0, nil))
			require.NoError(t, b.Store("b", 2.0, nil))

			keys, err := b.Keys()
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"a", "b"}, keys)

			require.NoError(t, b.Clear())
			keys, err = b.Keys()
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestSQLiteBucketSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kv.db")

	first, err := db.Open(path)
	require.NoError(t, err)
	b := NewSQLiteBucket(first.DB, "state")
	require.NoError(t, b.Store("counter", 7.0, nil))
	require.NoError(t, first.Close())

	second, err := db.Open(path)
	require.NoError(t, err)
	defer second.Close()

	got, err := NewSQLiteBucket(second.DB, "state").Get("counter")
	require.NoError(t, err)
	assert.Equal(t, 7.0, got)
}

func TestManagerReusesBuckets(t *testing.T) {
	m := NewManager(testDB(t).DB)

	a := m.Bucket("state", true)
	b := m.Bucket("state", true)
	assert.Same(t, a, b)
	assert.True(t, a.IsPersistent())

	mem := m.Bucket("scratch", false)
	assert.False(t, mem.IsPersistent())

	require.NoError(t, a.Store("k", "v", nil))
	assert.True(t, m.Exists("state"))

	names, err := m.List()
	require.NoError(t, err)
	assert.Contains(t, names, "state")
	assert.Contains(t, names, "scratch")
}

func TestJSONHelpersRoundTripStructs(t *testing.T) {
	type snapshot struct {
		Limit      int       `json:"limit"`
		Remaining  int       `json:"remaining"`
		ObservedAt time.Time `json:"observed_at"`
	}

	for name, b := range testBuckets(t) {
		t.Run(name, func(t *testing.T) {
			in := snapshot{Limit: 5000, Remaining: 1234, ObservedAt: time.Now().UTC().Truncate(time.Second)}
			require.NoError(t, PutJSON(b, "quota_state", in))

			var out snapshot
			found, err := GetJSON(b, "quota_state", &out)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, in, out)

			var missing snapshot
			found, err = GetJSON(b, "absent", &missing)
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}
