package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseRegistry(t *testing.T) {
	r := NewBaseRegistry[int]()

	require.NoError(t, r.Register("a", 1))
	require.NoError(t, r.Register("b", 2))
	assert.Equal(t, 2, r.Count())

	v, ok := r.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	// Re-registering replaces.
	require.NoError(t, r.Register("a", 10))
	v, _ = r.Get("a")
	assert.Equal(t, 10, v)

	assert.Error(t, r.Register("", 0))
	assert.Error(t, r.Remove("ghost"))

	require.NoError(t, r.Remove("b"))
	_, ok = r.Get("b")
	assert.False(t, ok)

	r.Clear()
	assert.Equal(t, 0, r.Count())
}
