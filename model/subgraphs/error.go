package subgraphs

import (
	"math"
	"sort"
	"time"

	"github.com/adzialocha/graph-node/model"
)

// A SubgraphError is an error reported by the mapping engine while indexing a deployment. Error records are
// append-only; a copy of each non-fatal error is also kept on the deployment's bounded error list.
type SubgraphError struct {
	ID            string    `json:"id"`
	SubgraphID    string    `json:"subgraphId"`
	Message       string    `json:"message"`
	BlockNumber   *int64    `json:"blockNumber,omitempty"`
	BlockHash     *string   `json:"blockHash,omitempty"`
	Handler       *string   `json:"handler,omitempty"`
	Deterministic bool      `json:"deterministic"`
	CreatedAt     time.Time `json:"createdAt"`
}

var _ model.Record = (*SubgraphError)(nil)

func (e *SubgraphError) EntityType() string { return SubgraphErrorType }
func (e *SubgraphError) EntityID() string   { return e.ID }

// AtBlock sets the block context of the error.
func (e SubgraphError) AtBlock(b BlockPtr) SubgraphError {
	e.BlockNumber = ptr(b.Number)
	e.BlockHash = optional(b.Hash)
	return e
}

// InHandler sets the handler context of the error.
func (e SubgraphError) InHandler(handler string) SubgraphError {
	e.Handler = optional(handler)
	return e
}

// blockKey orders errors by block number. Errors without a block sort before all others.
func (e SubgraphError) blockKey() int64 {
	if e.BlockNumber == nil {
		return math.MinInt64
	}
	return *e.BlockNumber
}

// InsertError adds err to a list sorted by ascending block number and truncates the list to max entries,
// evicting the lowest block numbers. Errors at the same block keep their insertion order.
func InsertError(errs []SubgraphError, err SubgraphError, max int) []SubgraphError {
	key := err.blockKey()
	idx := sort.Search(len(errs), func(i int) bool {
		return errs[i].blockKey() > key
	})

	out := make([]SubgraphError, 0, len(errs)+1)
	out = append(out, errs[:idx]...)
	out = append(out, err)
	out = append(out, errs[idx:]...)

	if len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

// ErrorsUpTo returns the errors at or before the given block number. Errors without a block are kept.
func ErrorsUpTo(errs []SubgraphError, number int64) []SubgraphError {
	idx := sort.Search(len(errs), func(i int) bool {
		return errs[i].blockKey() > number
	})
	return append([]SubgraphError{}, errs[:idx]...)
}
