// Package follow turns a stream of blocks reported for a deployment into progress and reorg updates.
package follow

import (
	"context"
	"errors"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/adzialocha/graph-node/chain/cache"
	"github.com/adzialocha/graph-node/metrics"
	"github.com/adzialocha/graph-node/model/subgraphs"
)

var log = logging.Logger("registry/follow")

// ErrAncestorUnknown is returned when a block does not extend any cached block and is not above the cached
// head. The reorg is deeper than the cache and its ancestor has to be supplied through Revert.
var ErrAncestorUnknown = errors.New("common ancestor of reorg is not cached")

// Progress receives the updates derived from the block stream. It is implemented by deployment.Manager.
type Progress interface {
	RecordProgress(ctx context.Context, id string, block subgraphs.BlockPtr, entityDelta int64) error
	HandleReorg(ctx context.Context, id string, ancestor subgraphs.BlockPtr) error
}

type FollowerOpt func(f *Follower)

// WithConfidence sets the number of blocks cached per deployment, which bounds the depth of reorgs that can be
// resolved without help.
func WithConfidence(n int) FollowerOpt {
	return func(f *Follower) {
		f.confidence = n
	}
}

var FollowerDefaultConfidence = 64

// Follower keeps the recent blocks of each followed deployment.
type Follower struct {
	progress   Progress
	confidence int

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu    sync.Mutex
	cache *cache.BlockCache
}

func NewFollower(p Progress, opts ...FollowerOpt) *Follower {
	f := &Follower{
		progress:   p,
		confidence: FollowerDefaultConfidence,
		entries:    map[string]*entry{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Follower) entry(id string) *entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		e = &entry{cache: cache.NewBlockCache(f.confidence)}
		f.entries[id] = e
	}
	return e
}

// Apply processes the next block of a deployment. A block that does not extend the cached head but whose parent
// is cached is treated as a reorg back to that parent.
func (f *Follower) Apply(ctx context.Context, id string, b *cache.Block, entityDelta int64) error {
	e := f.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	head, err := e.cache.Head()
	switch {
	case errors.Is(err, cache.ErrCacheEmpty):
	case err != nil:
		return err
	case head.Hash == b.Hash:
		// Repeated block, only entity writes may have changed.
		return f.progress.RecordProgress(ctx, id, b.Ptr(), entityDelta)
	case head.Hash == b.Parent:
	default:
		ancestor, ok := e.cache.Find(b.Parent)
		switch {
		case ok:
			if err := f.progress.HandleReorg(ctx, id, ancestor.Ptr()); err != nil {
				return xerrors.Errorf("handle reorg: %w", err)
			}
			e.cache.RevertTo(ancestor.Hash)
			log.Infow("reorg", "deployment", id, "ancestor", ancestor.Number, "depth", head.Number-ancestor.Number)
		case b.Number > head.Number:
			// The client skipped blocks; what we cached no longer connects to the new head.
			log.Warnw("block does not extend cached chain", "deployment", id, "block", b.Number, "head", head.Number)
			e.cache.Reset()
		default:
			tail, err := e.cache.Tail()
			if err != nil {
				return err
			}
			return xerrors.Errorf("block %d (%s) of deployment %s, cached blocks %d to %d: %w", b.Number, b.Hash, id, tail.Number, head.Number, ErrAncestorUnknown)
		}
	}

	if err := f.progress.RecordProgress(ctx, id, b.Ptr(), entityDelta); err != nil {
		return err
	}
	if _, err := e.cache.Add(b); err != nil {
		// The store accepted the block, so the cache is out of step with it.
		log.Errorw("block cache add", "error", err, "deployment", id)
		e.cache.Reset()
		_, _ = e.cache.Add(b)
	}
	metrics.RecordCount(metrics.WithTagValue(ctx, metrics.Deployment, id), metrics.BlockCacheDepth, e.cache.Len())
	return nil
}

// Revert rolls a deployment back to an ancestor that may be older than the cached blocks.
func (f *Follower) Revert(ctx context.Context, id string, ancestor *cache.Block) error {
	e := f.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := f.progress.HandleReorg(ctx, id, ancestor.Ptr()); err != nil {
		return err
	}
	if _, ok := e.cache.RevertTo(ancestor.Hash); ok {
		return nil
	}
	// Cached blocks below the ancestor are kept only if the ancestor links to them.
	if _, linked := e.cache.Find(ancestor.Parent); !linked {
		e.cache.Reset()
	}
	if err := e.cache.SetCurrent(ancestor); err != nil {
		return xerrors.Errorf("revert block cache: %w", err)
	}
	return nil
}

// Forget drops the cached blocks of a deployment.
func (f *Follower) Forget(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, id)
}
