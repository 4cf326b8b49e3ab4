// Package registry opens every registry component on one store and ties their lifecycles together.
package registry

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"golang.org/x/xerrors"

	"github.com/adzialocha/graph-node/chain/follow"
	"github.com/adzialocha/graph-node/chain/head"
	"github.com/adzialocha/graph-node/config"
	"github.com/adzialocha/graph-node/deployment"
	"github.com/adzialocha/graph-node/detail"
	"github.com/adzialocha/graph-node/manifest"
	"github.com/adzialocha/graph-node/storage"
	"github.com/adzialocha/graph-node/versions"
)

var log = logging.Logger("registry")

type Option func(*options)

type options struct {
	clock clock.Clock
	halt  deployment.HaltNotifier
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithHaltNotifier sets the receiver of halt signals for failed deployments.
func WithHaltNotifier(n deployment.HaltNotifier) Option {
	return func(o *options) { o.halt = n }
}

// Registry is the subgraph deployment registry of one environment.
type Registry struct {
	Store       storage.Store
	Deployments *deployment.Manager
	Versions    *versions.Manager
	Manifests   *manifest.Registry
	Heads       *head.Tracker
	Details     *detail.Projector
	Follower    *follow.Follower

	switching string
}

// RetryPolicy returns the transaction retry policy configured for the registry.
func RetryPolicy(cfg config.RegistryConf) storage.RetryPolicy {
	p := storage.DefaultRetryPolicy
	if cfg.MaxTxnRetries > 0 {
		p.MaxRetries = cfg.MaxTxnRetries
	}
	if cfg.TxnRetryInterval > 0 {
		p.InitialInterval = time.Duration(cfg.TxnRetryInterval)
	}
	if cfg.TxnRetryMaxInterval > 0 {
		p.MaxInterval = time.Duration(cfg.TxnRetryMaxInterval)
	}
	return p
}

// New builds a registry on an open store. The registry takes ownership of the store and closes it on Close.
func New(store storage.Store, cfg config.RegistryConf, opts ...Option) (*Registry, error) {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	switching := cfg.VersionSwitching
	if switching == "" {
		switching = config.SwitchInstantly
	}
	if switching != config.SwitchInstantly && switching != config.SwitchOnSync {
		return nil, xerrors.Errorf("unknown version switching mode %q", switching)
	}

	policy := RetryPolicy(cfg)
	manifests, err := manifest.NewRegistry(store, cfg.ManifestCacheSize, policy)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		Store:     store,
		Versions:  versions.NewManager(store, versions.WithClock(o.clock), versions.WithRetryPolicy(policy)),
		Manifests: manifests,
		Heads:     head.NewTracker(store, o.clock),
		Details:   detail.NewProjector(store, manifests),
		switching: switching,
	}

	dopts := []deployment.Option{deployment.WithClock(o.clock), deployment.WithRetryPolicy(policy)}
	if o.halt != nil {
		dopts = append(dopts, deployment.WithHaltNotifier(o.halt))
	}
	if switching == config.SwitchOnSync {
		dopts = append(dopts, deployment.WithSyncedFunc(func(ctx context.Context, id string) error {
			_, err := r.Versions.PromoteSynced(ctx, id)
			return err
		}))
	}
	r.Deployments = deployment.NewManager(store, dopts...)

	blocks := cfg.BlockCacheSize
	if blocks <= 0 {
		blocks = follow.FollowerDefaultConfidence
	}
	r.Follower = follow.NewFollower(r.Deployments, follow.WithConfidence(blocks))
	return r, nil
}

// Open opens the store named in the configuration and builds a registry on it.
func Open(ctx context.Context, cfg *config.Conf, opts ...Option) (*Registry, error) {
	catalog, err := storage.NewCatalog(cfg.Storage)
	if err != nil {
		return nil, err
	}
	store, err := catalog.Open(ctx, cfg.Registry.Store)
	if err != nil {
		return nil, xerrors.Errorf("open store %s: %w", cfg.Registry.Store, err)
	}
	r, err := New(store, cfg.Registry, opts...)
	if err != nil {
		_ = store.Close(ctx)
		return nil, err
	}
	log.Infow("opened registry", "store", cfg.Registry.Store, "switching", r.switching)
	return r, nil
}

// Close releases the store.
func (r *Registry) Close(ctx context.Context) error {
	return r.Store.Close(ctx)
}

// Deploy deploys a manifest under a name and applies the version switching mode: instantly promoting the new
// version, or promoting it once its deployment is synced.
func (r *Registry) Deploy(ctx context.Context, name string, m *manifest.Manifest) (*versions.Deployed, error) {
	d, err := r.Versions.Deploy(ctx, name, m)
	if err != nil {
		return nil, err
	}

	switch r.switching {
	case config.SwitchInstantly:
		if err := r.Versions.Promote(ctx, d.SubgraphID, d.VersionID); err != nil {
			return nil, xerrors.Errorf("promote %s: %w", d.VersionID, err)
		}
	case config.SwitchOnSync:
		// A redeployed manifest may already be synced.
		if _, err := r.Versions.PromoteSynced(ctx, d.DeploymentID); err != nil {
			return nil, xerrors.Errorf("promote synced %s: %w", d.DeploymentID, err)
		}
	}
	return d, nil
}
