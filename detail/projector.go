// Package detail joins a deployment with the state around it into a read-only detail view.
package detail

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/adzialocha/graph-node/chain/head"
	"github.com/adzialocha/graph-node/manifest"
	"github.com/adzialocha/graph-node/model"
	"github.com/adzialocha/graph-node/model/subgraphs"
	"github.com/adzialocha/graph-node/storage"
)

// Projector computes SubgraphDeploymentDetail views. Every view is read from a single snapshot of the store so
// that it reflects one committed state of all its inputs.
type Projector struct {
	store     storage.Store
	manifests *manifest.Registry
}

// NewProjector returns a projector. manifests may be nil, in which case networks are always read from the store.
func NewProjector(store storage.Store, manifests *manifest.Registry) *Projector {
	return &Projector{store: store, manifests: manifests}
}

// Project returns the detail view of a deployment.
func (p *Projector) Project(ctx context.Context, deploymentID string) (_ *subgraphs.SubgraphDeploymentDetail, err error) {
	ctx, span := otel.Tracer("").Start(ctx, "Projector.Project", trace.WithAttributes(attribute.String("deployment", deploymentID)))
	defer span.End()

	snap, err := p.store.Snapshot(ctx)
	if err != nil {
		return nil, xerrors.Errorf("snapshot: %w", err)
	}
	defer func() {
		err = multierr.Append(err, snap.Release(ctx))
	}()

	return p.project(ctx, snap, deploymentID)
}

// ProjectAll returns the detail views of the given deployments from one snapshot.
func (p *Projector) ProjectAll(ctx context.Context, deploymentIDs []string) (_ []*subgraphs.SubgraphDeploymentDetail, err error) {
	snap, err := p.store.Snapshot(ctx)
	if err != nil {
		return nil, xerrors.Errorf("snapshot: %w", err)
	}
	defer func() {
		err = multierr.Append(err, snap.Release(ctx))
	}()

	out := make([]*subgraphs.SubgraphDeploymentDetail, 0, len(deploymentIDs))
	for _, id := range deploymentIDs {
		d, err := p.project(ctx, snap, id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (p *Projector) project(ctx context.Context, r storage.Reader, deploymentID string) (*subgraphs.SubgraphDeploymentDetail, error) {
	var d subgraphs.SubgraphDeployment
	if err := r.Get(ctx, subgraphs.SubgraphDeploymentType, deploymentID, &d); err != nil {
		return nil, err
	}
	detail := &subgraphs.SubgraphDeploymentDetail{Deployment: d}

	var a subgraphs.SubgraphDeploymentAssignment
	assigned, err := storage.Exists(ctx, r, subgraphs.SubgraphDeploymentAssignmentType, deploymentID, &a)
	if err != nil {
		return nil, err
	}
	if assigned {
		detail.NodeID = &a.NodeID
	}

	var network *string
	if p.manifests != nil {
		network, err = p.manifests.Network(ctx, r, d.Manifest)
	} else {
		network, err = manifest.Network(ctx, r, d.Manifest)
	}
	if err != nil {
		return nil, xerrors.Errorf("manifest of %s: %w", deploymentID, err)
	}
	detail.Network = network
	if network == nil {
		return detail, nil
	}

	n, err := head.HeadFrom(ctx, r, *network)
	if err == nil {
		detail.EthereumHeadBlockHash = &n.HeadBlockHash
		detail.EthereumHeadBlockNumber = &n.HeadBlockNumber
	} else if !model.IsNotFound(err) {
		return nil, err
	}
	return detail, nil
}
