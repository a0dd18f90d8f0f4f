package bhmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAndTake(t *testing.T) {
	m := New[string, int](4)
	m.Insert("a", 1)
	m.Insert("b", 2)

	v, ok := m.Take("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = m.Take("a")
	assert.False(t, ok, "token must be single-use")

	assert.Equal(t, 1, m.Len())
}

func TestEvictsOldestOnOverflow(t *testing.T) {
	m := New[string, int](2)
	m.Insert("a", 1)
	m.Insert("b", 2)
	m.Insert("c", 3) // evicts "a"

	_, ok := m.Take("a")
	assert.False(t, ok)

	v, ok := m.Take("b")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	v, ok = m.Take("c")
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestReinsertMovesToBack(t *testing.T) {
	m := New[string, int](2)
	m.Insert("a", 1)
	m.Insert("b", 2)
	m.Insert("a", 10) // re-insert "a" should evict "b" next, not "a"
	m.Insert("c", 3)

	_, ok := m.Take("b")
	assert.False(t, ok, "b should have been evicted")

	v, ok := m.Take("a")
	require.True(t, ok)
	assert.Equal(t, 10, v)
}

func TestDefaultCapacity(t *testing.T) {
	m := New[string, int](0)
	assert.Equal(t, DefaultCapacity, m.capacity)
}
