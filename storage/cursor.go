package storage

import (
	"context"

	"github.com/adzialocha/graph-node/model"
)

// DefaultPageSize is the number of rows a cursor fetches at a time.
var DefaultPageSize = 500

// pageFunc returns up to limit rows with ids strictly greater than after, in id order.
type pageFunc func(ctx context.Context, after string, limit int) ([]Row, error)

// A Cursor iterates lazily over the rows of a scan, fetching them a page at a time. A cursor is not safe for
// concurrent use.
type Cursor struct {
	fetch    pageFunc
	reset    func()
	pageSize int

	page  []Row
	pos   int
	after string
	last  bool
	row   Row
	err   error
}

func newCursor(fetch pageFunc, reset func()) *Cursor {
	return &Cursor{fetch: fetch, reset: reset, pageSize: DefaultPageSize, pos: -1}
}

// errCursor returns a cursor that yields no rows and reports err.
func errCursor(err error) *Cursor {
	return &Cursor{err: err, last: true, pos: -1}
}

// Next advances the cursor. It returns false when the scan is exhausted or an error occurred.
func (c *Cursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	c.pos++
	if c.pos < len(c.page) {
		c.row = c.page[c.pos]
		return true
	}
	if c.last {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}

	page, err := c.fetch(ctx, c.after, c.pageSize)
	if err != nil {
		c.err = err
		return false
	}
	c.page, c.pos = page, 0
	c.last = len(page) < c.pageSize
	if len(page) == 0 {
		return false
	}
	c.after = page[len(page)-1].ID
	c.row = page[0]
	return true
}

// ID returns the id of the current row.
func (c *Cursor) ID() string {
	return c.row.ID
}

// Decode decodes the current row into out.
func (c *Cursor) Decode(out model.Record) error {
	return decodeRow(c.row, out)
}

// Err returns the error that stopped the cursor, if any.
func (c *Cursor) Err() error {
	return c.err
}

// Reset rewinds the cursor so the scan restarts from the first row against the current state of the store.
func (c *Cursor) Reset() {
	if c.fetch == nil {
		return
	}
	c.page, c.pos, c.after, c.last, c.row, c.err = nil, -1, "", false, Row{}, nil
	if c.reset != nil {
		c.reset()
	}
}
