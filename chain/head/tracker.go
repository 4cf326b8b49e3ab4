// Package head tracks the chain head of each network the registry indexes.
package head

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"golang.org/x/xerrors"

	"github.com/adzialocha/graph-node/metrics"
	"github.com/adzialocha/graph-node/model"
	"github.com/adzialocha/graph-node/model/subgraphs"
	"github.com/adzialocha/graph-node/storage"
)

var log = logging.Logger("registry/head")

// Tracker records the head block reported by chain clients for each network.
type Tracker struct {
	store storage.Store
	clock clock.Clock
}

func NewTracker(store storage.Store, c clock.Clock) *Tracker {
	if c == nil {
		c = clock.New()
	}
	return &Tracker{store: store, clock: c}
}

// SetHead replaces the head of a network. Heads may move backwards when the chain reorganizes.
func (t *Tracker) SetHead(ctx context.Context, network string, head subgraphs.BlockPtr) error {
	if network == "" {
		return &model.InvariantViolationError{Field: "network", Reason: "network name is required"}
	}
	if head.Number < 0 {
		return &model.InvariantViolationError{Field: "headBlockNumber", Reason: "negative block number"}
	}

	n := &subgraphs.EthereumNetwork{
		ID:              network,
		HeadBlockHash:   head.Hash,
		HeadBlockNumber: head.Number,
		UpdatedAt:       t.clock.Now().UTC(),
	}
	if err := t.store.PersistBatch(ctx, n); err != nil {
		return xerrors.Errorf("persist head of %s: %w", network, err)
	}

	metrics.RecordValue(metrics.WithTagValue(ctx, metrics.Network, network), metrics.ChainHead, head.Number)
	log.Debugw("chain head", "network", network, "number", head.Number, "hash", head.Hash)
	return nil
}

// Head returns the last head reported for a network.
func (t *Tracker) Head(ctx context.Context, network string) (*subgraphs.EthereumNetwork, error) {
	return HeadFrom(ctx, t.store, network)
}

// HeadFrom reads the head of a network from r.
func HeadFrom(ctx context.Context, r storage.Reader, network string) (*subgraphs.EthereumNetwork, error) {
	var n subgraphs.EthereumNetwork
	if err := r.Get(ctx, subgraphs.EthereumNetworkType, network, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// Networks returns the heads of all known networks.
func (t *Tracker) Networks(ctx context.Context) ([]*subgraphs.EthereumNetwork, error) {
	return storage.ScanAll[subgraphs.EthereumNetwork](ctx, t.store, subgraphs.EthereumNetworkType, storage.All)
}
