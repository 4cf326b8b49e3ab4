// Package cache holds the recent blocks of a chain so that reorgs can be detected and their common ancestor
// found without asking the chain client.
package cache

import (
	"errors"

	"github.com/adzialocha/graph-node/model/subgraphs"
)

var (
	ErrCacheEmpty    = errors.New("cache empty")
	ErrAddOutOfOrder = errors.New("added block number lower than or equal to current head")
)

// A Block is a block header as reported by a chain client.
type Block struct {
	Hash   string `json:"hash"`
	Parent string `json:"parent"`
	Number int64  `json:"number"`
}

// Ptr returns the pointer to this block.
func (b *Block) Ptr() subgraphs.BlockPtr {
	return subgraphs.BlockPtr{Hash: b.Hash, Number: b.Number}
}

// BlockCache is a ring buffer of the most recent blocks of one chain, ordered by number.
type BlockCache struct {
	buffer  []*Block
	idxHead int // position of the head block in the buffer
	len     int // number of blocks in the cache
}

func NewBlockCache(size int) *BlockCache {
	return &BlockCache{
		buffer: make([]*Block, size),
	}
}

// Head returns the block at the head of the cache.
func (c *BlockCache) Head() (*Block, error) {
	if c.len == 0 {
		return nil, ErrCacheEmpty
	}
	return c.buffer[c.idxHead], nil
}

// Tail returns the oldest block in the cache.
func (c *BlockCache) Tail() (*Block, error) {
	if c.len == 0 {
		return nil, ErrCacheEmpty
	}
	return c.buffer[c.tailIndex()], nil
}

// Add adds a block which becomes the new head of the cache. If the buffer is full, the evicted tail is
// returned.
func (c *BlockCache) Add(b *Block) (*Block, error) {
	if c.len == 0 {
		// A zero length cache passes the block straight back.
		if len(c.buffer) == 0 {
			return b, nil
		}

		c.buffer[c.idxHead] = b
		c.len++
		return nil, nil
	}

	if c.buffer[c.idxHead].Number >= b.Number {
		return nil, ErrAddOutOfOrder
	}

	c.idxHead = normalModulo(c.idxHead+1, len(c.buffer))
	old := c.buffer[c.idxHead]
	c.buffer[c.idxHead] = b
	if c.len < len(c.buffer) {
		c.len++
		return nil, nil
	}
	return old, nil
}

// SetCurrent drops every block at or above the number of b and adds b as the new head.
func (c *BlockCache) SetCurrent(b *Block) error {
	for c.len > 0 && c.buffer[c.idxHead].Number >= b.Number {
		c.buffer[c.idxHead] = nil
		c.idxHead = normalModulo(c.idxHead-1, len(c.buffer))
		c.len--
	}
	_, err := c.Add(b)
	return err
}

// Find returns the cached block with the given hash.
func (c *BlockCache) Find(hash string) (*Block, bool) {
	for i := 0; i < c.len; i++ {
		b := c.buffer[normalModulo(c.idxHead-i, len(c.buffer))]
		if b.Hash == hash {
			return b, true
		}
	}
	return nil, false
}

// RevertTo drops every block above the block with the given hash, which becomes the head. It reports whether
// the block was found; the cache is unchanged when it was not.
func (c *BlockCache) RevertTo(hash string) (*Block, bool) {
	b, ok := c.Find(hash)
	if !ok {
		return nil, false
	}
	for c.buffer[c.idxHead] != b {
		c.buffer[c.idxHead] = nil
		c.idxHead = normalModulo(c.idxHead-1, len(c.buffer))
		c.len--
	}
	return b, true
}

// Len returns the number of blocks in the cache. This never exceeds the size of the cache.
func (c *BlockCache) Len() int {
	return c.len
}

func (c *BlockCache) tailIndex() int {
	return normalModulo(c.idxHead-c.len+1, len(c.buffer))
}

// Reset removes all blocks from the cache.
func (c *BlockCache) Reset() {
	for i := range c.buffer {
		c.buffer[i] = nil
	}
	c.idxHead = 0
	c.len = 0
}

func normalModulo(n, m int) int {
	return ((n % m) + m) % m
}
