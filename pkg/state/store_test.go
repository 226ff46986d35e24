package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name    string    `json:"name"`
	Count   int       `json:"count"`
	Created time.Time `json:"created"`
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)

	in := sample{Name: "cmdb", Count: 3, Created: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	require.NoError(t, store.Save("registry", in))

	var out sample
	require.NoError(t, store.LoadTyped("registry", &out))
	assert.Equal(t, in, out)
}

func TestLoadAbsentKey(t *testing.T) {
	store := newTestStore(t)

	_, ok := store.Load("missing")
	assert.False(t, ok)

	var out sample
	err := store.LoadTyped("missing", &out)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeyGrammar(t *testing.T) {
	store := newTestStore(t)

	valid := []string{"a", "A1", "agent-registry", "execution_history", "0key"}
	for _, key := range valid {
		assert.NoError(t, store.Save(key, 1), "key %q", key)
	}

	invalid := []string{"", ".hidden", "../escape", "a/b", "a.b", "-leading", "_leading", "has space"}
	for _, key := range invalid {
		assert.ErrorIs(t, store.Save(key, 1), ErrInvalidKey, "key %q", key)
	}
}

func TestCorruptedFileTreatedAsAbsent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "bad.json"), []byte("{not json"), 0o644))

	_, ok := store.Load("bad")
	assert.False(t, ok)
}

func TestCorruptedTypedValue(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("k", []int{1, 2, 3}))

	var out sample
	err := store.LoadTyped("k", &out)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestVersionMismatchStillReturnsData(t *testing.T) {
	store := newTestStore(t)
	doc := `{"_version": 99, "_saved_at": "2025-06-01T00:00:00Z", "_key": "k", "data": {"name":"x","count":1,"created":"2025-06-01T00:00:00Z"}}`
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "k.json"), []byte(doc), 0o644))

	var out sample
	require.NoError(t, store.LoadTyped("k", &out))
	assert.Equal(t, "x", out.Name)
}

func TestCrashMidWriteLeavesOldValue(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("k", sample{Name: "old"}))

	// Simulate a crash between temp write and rename: a stale temp file
	// with garbage content must not shadow the committed value.
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "k.json.tmp"), []byte("garbage"), 0o644))

	var out sample
	require.NoError(t, store.LoadTyped("k", &out))
	assert.Equal(t, "old", out.Name)

	keys, err := store.ListKeys()
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)
}

func TestDeleteAndExists(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("k", 1))
	assert.True(t, store.Exists("k"))

	require.NoError(t, store.Delete("k"))
	assert.False(t, store.Exists("k"))

	// Deleting again is a no-op.
	assert.NoError(t, store.Delete("k"))
}

func TestListKeysSorted(t *testing.T) {
	store := newTestStore(t)
	for _, key := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, store.Save(key, key))
	}

	keys, err := store.ListKeys()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, keys)
}
