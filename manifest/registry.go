package manifest

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/xerrors"

	"github.com/adzialocha/graph-node/metrics"
	"github.com/adzialocha/graph-node/model/subgraphs"
	"github.com/adzialocha/graph-node/storage"
)

var log = logging.Logger("registry/manifest")

// DefaultCacheSize is the number of decoded manifests kept by a Registry.
const DefaultCacheSize = 256

// Registry interns manifests into a store and reads them back. Manifests are immutable so decoded manifests are
// cached without invalidation.
type Registry struct {
	store  storage.Store
	policy storage.RetryPolicy
	cache  *lru.ARCCache
}

func NewRegistry(store storage.Store, cacheSize int, policy storage.RetryPolicy) (*Registry, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.NewARC(cacheSize)
	if err != nil {
		return nil, xerrors.Errorf("new arc: %w", err)
	}
	return &Registry{store: store, policy: policy, cache: cache}, nil
}

// Intern stores the tree of a manifest and returns its id. Nodes already present are not written again.
func (r *Registry) Intern(ctx context.Context, m *Manifest) (string, error) {
	ctx, span := otel.Tracer("").Start(ctx, "Registry.Intern")
	defer span.End()

	var id string
	err := storage.RunInTransaction(ctx, r.store, r.policy, func(ctx context.Context, tx storage.Txn) error {
		var err error
		id, err = Intern(ctx, tx, m)
		return err
	})
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("manifest", id))
	return id, nil
}

// Intern writes the nodes of a manifest missing from tx and returns the manifest id.
func Intern(ctx context.Context, tx storage.Txn, m *Manifest) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	id, nodes, err := Build(m)
	if err != nil {
		return "", err
	}

	created := 0
	for _, n := range nodes {
		probe, err := newNode(n.EntityType())
		if err != nil {
			return "", err
		}
		found, err := storage.Exists(ctx, tx, n.EntityType(), n.EntityID(), probe)
		if err != nil {
			return "", err
		}
		if found {
			continue
		}
		if err := tx.Create(ctx, n); err != nil {
			return "", err
		}
		created++
	}

	log.Debugw("interned manifest", "manifest", id, "nodes", len(nodes), "created", created)
	return id, nil
}

// Get returns the manifest with the given id. The returned manifest is shared and must not be modified.
func (r *Registry) Get(ctx context.Context, id string) (*Manifest, error) {
	return r.GetFrom(ctx, r.store, id)
}

// GetFrom is like Get but reads missing manifests from rd, which may be a snapshot or transaction.
func (r *Registry) GetFrom(ctx context.Context, rd storage.Reader, id string) (*Manifest, error) {
	if v, ok := r.cache.Get(id); ok {
		metrics.RecordInc(ctx, metrics.ManifestCacheHit)
		return v.(*Manifest), nil
	}
	metrics.RecordInc(ctx, metrics.ManifestCacheMiss)

	ctx, span := otel.Tracer("").Start(ctx, "Registry.Load", trace.WithAttributes(attribute.String("manifest", id)))
	defer span.End()

	m, err := load(ctx, rd, id)
	if err != nil {
		return nil, err
	}
	r.cache.Add(id, m)
	return m, nil
}

// Network returns the network of the manifest's first data source, reading only the nodes needed for it.
func Network(ctx context.Context, rd storage.Reader, id string) (*string, error) {
	var root subgraphs.SubgraphManifest
	if err := rd.Get(ctx, subgraphs.SubgraphManifestType, id, &root); err != nil {
		return nil, err
	}
	if len(root.DataSources) == 0 {
		return nil, nil
	}
	var ds subgraphs.EthereumContractDataSource
	if err := rd.Get(ctx, subgraphs.EthereumContractDataSourceType, root.DataSources[0], &ds); err != nil {
		return nil, err
	}
	return ds.Network, nil
}

// Network returns the network of a manifest, preferring the cache.
func (r *Registry) Network(ctx context.Context, rd storage.Reader, id string) (*string, error) {
	if v, ok := r.cache.Peek(id); ok {
		return v.(*Manifest).Network(), nil
	}
	return Network(ctx, rd, id)
}

func newNode(entityType string) (subgraphs.ManifestNode, error) {
	switch entityType {
	case subgraphs.SubgraphManifestType:
		return &subgraphs.SubgraphManifest{}, nil
	case subgraphs.EthereumContractDataSourceType:
		return &subgraphs.EthereumContractDataSource{}, nil
	case subgraphs.EthereumContractDataSourceTemplateType:
		return &subgraphs.EthereumContractDataSourceTemplate{}, nil
	case subgraphs.EthereumContractMappingType:
		return &subgraphs.EthereumContractMapping{}, nil
	case subgraphs.EthereumContractAbiType:
		return &subgraphs.EthereumContractAbi{}, nil
	case subgraphs.EthereumBlockHandlerEntityType:
		return &subgraphs.EthereumBlockHandlerEntity{}, nil
	case subgraphs.EthereumCallHandlerEntityType:
		return &subgraphs.EthereumCallHandlerEntity{}, nil
	case subgraphs.EthereumContractEventHandlerType:
		return &subgraphs.EthereumContractEventHandler{}, nil
	}
	return nil, xerrors.Errorf("unknown manifest node type %q", entityType)
}
