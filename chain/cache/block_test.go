package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkBlock(number int64, fork string) *Block {
	return &Block{
		Hash:   fmt.Sprintf("0x%s%d", fork, number),
		Parent: fmt.Sprintf("0x%s%d", fork, number-1),
		Number: number,
	}
}

func TestBlockCacheInvariants(t *testing.T) {
	t.Run("empty cache", func(t *testing.T) {
		c := NewBlockCache(3)
		b, err := c.Head()
		assert.ErrorIs(t, err, ErrCacheEmpty)
		assert.Nil(t, b)

		b, err = c.Tail()
		assert.ErrorIs(t, err, ErrCacheEmpty)
		assert.Nil(t, b)

		oldTail, err := c.Add(mkBlock(1, "a"))
		assert.NoError(t, err)
		assert.Nil(t, oldTail)
		assert.Equal(t, 1, c.Len())
	})

	t.Run("reset empties cache", func(t *testing.T) {
		c := NewBlockCache(3)
		_, err := c.Add(mkBlock(1, "a"))
		require.NoError(t, err)

		c.Reset()
		assert.Equal(t, 0, c.Len())
		_, err = c.Head()
		assert.ErrorIs(t, err, ErrCacheEmpty)
		_, err = c.Tail()
		assert.ErrorIs(t, err, ErrCacheEmpty)
	})

	t.Run("head returns last added and tail first added", func(t *testing.T) {
		c := NewBlockCache(3)
		b1, b2 := mkBlock(1, "a"), mkBlock(2, "a")
		_, err := c.Add(b1)
		require.NoError(t, err)
		_, err = c.Add(b2)
		require.NoError(t, err)

		head, err := c.Head()
		require.NoError(t, err)
		assert.Same(t, b2, head)

		tail, err := c.Tail()
		require.NoError(t, err)
		assert.Same(t, b1, tail)
	})

	t.Run("add out of order", func(t *testing.T) {
		c := NewBlockCache(3)
		_, err := c.Add(mkBlock(2, "a"))
		require.NoError(t, err)
		_, err = c.Add(mkBlock(2, "b"))
		assert.ErrorIs(t, err, ErrAddOutOfOrder)
		_, err = c.Add(mkBlock(1, "a"))
		assert.ErrorIs(t, err, ErrAddOutOfOrder)
	})

	t.Run("buffer is a ring", func(t *testing.T) {
		c := NewBlockCache(3)
		var blocks []*Block
		for n := int64(1); n <= 3; n++ {
			b := mkBlock(n, "a")
			blocks = append(blocks, b)
			evicted, err := c.Add(b)
			require.NoError(t, err)
			assert.Nil(t, evicted)
		}

		evicted, err := c.Add(mkBlock(4, "a"))
		require.NoError(t, err)
		assert.Same(t, blocks[0], evicted)
		assert.Equal(t, 3, c.Len())
		tail, err := c.Tail()
		require.NoError(t, err)
		assert.EqualValues(t, 2, tail.Number)
		head, err := c.Head()
		require.NoError(t, err)
		assert.EqualValues(t, 4, head.Number)
	})

	t.Run("zero size cache passes blocks through", func(t *testing.T) {
		c := NewBlockCache(0)
		b := mkBlock(1, "a")
		evicted, err := c.Add(b)
		require.NoError(t, err)
		assert.Same(t, b, evicted)
		assert.Equal(t, 0, c.Len())
	})
}

func TestBlockCacheSetCurrent(t *testing.T) {
	c := NewBlockCache(4)
	for n := int64(1); n <= 4; n++ {
		_, err := c.Add(mkBlock(n, "a"))
		require.NoError(t, err)
	}

	fork := mkBlock(2, "b")
	require.NoError(t, c.SetCurrent(fork))
	head, err := c.Head()
	require.NoError(t, err)
	assert.Same(t, fork, head)
	assert.Equal(t, 2, c.Len())
	_, ok := c.Find("0xa1")
	assert.True(t, ok)

	// A block above the head is appended.
	next := mkBlock(5, "b")
	require.NoError(t, c.SetCurrent(next))
	head, err = c.Head()
	require.NoError(t, err)
	assert.Same(t, next, head)
	assert.Equal(t, 3, c.Len())

	empty := NewBlockCache(2)
	require.NoError(t, empty.SetCurrent(fork))
	assert.Equal(t, 1, empty.Len())
}

func TestBlockCacheRevertTo(t *testing.T) {
	c := NewBlockCache(5)
	for n := int64(1); n <= 5; n++ {
		_, err := c.Add(mkBlock(n, "a"))
		require.NoError(t, err)
	}

	_, ok := c.RevertTo("0xb3")
	assert.False(t, ok)
	assert.Equal(t, 5, c.Len())

	b, ok := c.RevertTo("0xa3")
	require.True(t, ok)
	assert.EqualValues(t, 3, b.Number)
	head, err := c.Head()
	require.NoError(t, err)
	assert.Same(t, b, head)
	assert.Equal(t, 3, c.Len())

	_, ok = c.Find("0xa4")
	assert.False(t, ok)
	_, ok = c.Find("0xa1")
	assert.True(t, ok)
}
