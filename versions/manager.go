// Package versions manages subgraph names, the versions pointing them at deployments and the node assignments
// of deployments.
package versions

import (
	"context"
	"sort"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/adzialocha/graph-node/manifest"
	"github.com/adzialocha/graph-node/metrics"
	"github.com/adzialocha/graph-node/model"
	"github.com/adzialocha/graph-node/model/subgraphs"
	"github.com/adzialocha/graph-node/storage"
)

var log = logging.Logger("registry/versions")

type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithRetryPolicy(p storage.RetryPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

// Manager owns Subgraph, SubgraphVersion and SubgraphDeploymentAssignment records.
type Manager struct {
	store  storage.Store
	clock  clock.Clock
	policy storage.RetryPolicy
}

func NewManager(store storage.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		clock:  clock.New(),
		policy: storage.DefaultRetryPolicy,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// run executes fn in a retried transaction, recording a span and operation metrics.
func (m *Manager) run(ctx context.Context, op string, fn func(ctx context.Context, tx storage.Txn) error) (err error) {
	ctx, span := otel.Tracer("").Start(ctx, "Manager."+op)
	defer span.End()

	ctx = metrics.WithTagValue(ctx, metrics.Operation, op)
	stop := metrics.Timer(ctx, metrics.OperationDuration)
	defer stop()

	err = storage.RunInTransaction(ctx, m.store, m.policy, fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordInc(metrics.WithTagValue(ctx, metrics.Error, model.ErrorClass(err)), metrics.OperationFailure)
	}
	return err
}

// A Deployed describes the records touched by a deploy.
type Deployed struct {
	SubgraphID   string `json:"subgraphId"`
	VersionID    string `json:"versionId"`
	DeploymentID string `json:"deploymentId"`
	// NewDeployment is set when the deployment did not exist before.
	NewDeployment bool `json:"newDeployment"`
}

// Deploy interns a manifest, creates the subgraph with the given name unless it exists, creates the deployment
// of the manifest unless it exists and adds a new version pointing at it. The new version becomes the
// subgraph's pending version.
func (m *Manager) Deploy(ctx context.Context, name string, mf *manifest.Manifest) (*Deployed, error) {
	if name == "" {
		return nil, &model.InvariantViolationError{Field: "name", Reason: "subgraph name is required"}
	}

	if err := mf.Validate(); err != nil {
		return nil, err
	}
	deploymentID, _, err := manifest.Build(mf)
	if err != nil {
		return nil, err
	}

	var out Deployed
	err = m.run(ctx, "Deploy", func(ctx context.Context, tx storage.Txn) error {
		now := m.clock.Now().UTC()
		subgraphID := subgraphs.SubgraphID(name)
		// RemoveDeployment holds the deployment's partition while it checks for referencing versions.
		if err := lockPartitions(ctx, tx, subgraphID, deploymentID); err != nil {
			return err
		}

		if _, err := manifest.Intern(ctx, tx, mf); err != nil {
			return err
		}

		var d subgraphs.SubgraphDeployment
		found, err := storage.Exists(ctx, tx, subgraphs.SubgraphDeploymentType, deploymentID, &d)
		if err != nil {
			return err
		}
		if !found {
			if err := tx.Create(ctx, subgraphs.NewSubgraphDeployment(deploymentID, now)); err != nil {
				return err
			}
		}

		v := &subgraphs.SubgraphVersion{
			ID:         uuid.New().String(),
			Subgraph:   subgraphID,
			Deployment: deploymentID,
			CreatedAt:  now,
		}
		if err := tx.Create(ctx, v); err != nil {
			return err
		}

		var s subgraphs.Subgraph
		exists, err := storage.Exists(ctx, tx, subgraphs.SubgraphType, subgraphID, &s)
		if err != nil {
			return err
		}
		if !exists {
			s = subgraphs.Subgraph{ID: subgraphID, Name: name, CreatedAt: now}
		}
		s.PendingVersion = &v.ID
		if err := m.validate(ctx, tx, &s); err != nil {
			return err
		}
		if exists {
			err = tx.Put(ctx, &s)
		} else {
			err = tx.Create(ctx, &s)
		}
		if err != nil {
			return err
		}

		out = Deployed{SubgraphID: subgraphID, VersionID: v.ID, DeploymentID: deploymentID, NewDeployment: !found}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Infow("deployed subgraph", "name", name, "subgraph", out.SubgraphID, "version", out.VersionID, "deployment", out.DeploymentID)
	return &out, nil
}

// lockPartitions locks keys in sorted order so transactions locking overlapping sets cannot deadlock.
func lockPartitions(ctx context.Context, tx storage.Txn, keys ...string) error {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	for _, k := range sorted {
		if err := tx.LockPartition(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) validate(ctx context.Context, tx storage.Txn, s *subgraphs.Subgraph) error {
	versions, err := storage.ScanAll[subgraphs.SubgraphVersion](ctx, tx, subgraphs.SubgraphVersionType, storage.Where("subgraph", s.ID))
	if err != nil {
		return err
	}
	return s.Validate(versions)
}

// Promote makes a version the current version of its subgraph. A version that does not belong to the subgraph is
// reported as not found.
func (m *Manager) Promote(ctx context.Context, subgraphID, versionID string) error {
	err := m.run(ctx, "Promote", func(ctx context.Context, tx storage.Txn) error {
		if err := tx.LockPartition(ctx, subgraphID); err != nil {
			return err
		}
		return m.promote(ctx, tx, subgraphID, versionID)
	})
	if err != nil {
		return err
	}
	log.Infow("promoted version", "subgraph", subgraphID, "version", versionID)
	return nil
}

func (m *Manager) promote(ctx context.Context, tx storage.Txn, subgraphID, versionID string) error {
	var s subgraphs.Subgraph
	if err := tx.Get(ctx, subgraphs.SubgraphType, subgraphID, &s); err != nil {
		return err
	}
	var v subgraphs.SubgraphVersion
	if err := tx.Get(ctx, subgraphs.SubgraphVersionType, versionID, &v); err != nil {
		return err
	}
	if v.Subgraph != s.ID {
		return &model.NotFoundError{EntityType: subgraphs.SubgraphVersionType, ID: versionID}
	}

	s.CurrentVersion = &v.ID
	if s.PendingVersion != nil && *s.PendingVersion == v.ID {
		s.PendingVersion = nil
	}
	if err := m.validate(ctx, tx, &s); err != nil {
		return err
	}
	return tx.Put(ctx, &s)
}

// PromoteSynced promotes every pending version that points at the deployment once the deployment is synced. It
// returns the ids of the promoted versions.
func (m *Manager) PromoteSynced(ctx context.Context, deploymentID string) ([]string, error) {
	var promoted []string
	err := m.run(ctx, "PromoteSynced", func(ctx context.Context, tx storage.Txn) error {
		promoted = nil

		var d subgraphs.SubgraphDeployment
		if err := tx.Get(ctx, subgraphs.SubgraphDeploymentType, deploymentID, &d); err != nil {
			return err
		}
		if !d.Synced {
			return nil
		}

		versions, err := storage.ScanAll[subgraphs.SubgraphVersion](ctx, tx, subgraphs.SubgraphVersionType, storage.Where("deployment", deploymentID))
		if err != nil {
			return err
		}
		for _, v := range versions {
			var s subgraphs.Subgraph
			if err := tx.Get(ctx, subgraphs.SubgraphType, v.Subgraph, &s); err != nil {
				if model.IsNotFound(err) {
					continue
				}
				return err
			}
			if s.PendingVersion == nil || *s.PendingVersion != v.ID {
				continue
			}
			if err := m.promote(ctx, tx, s.ID, v.ID); err != nil {
				return err
			}
			promoted = append(promoted, v.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(promoted) > 0 {
		log.Infow("promoted synced versions", "deployment", deploymentID, "versions", promoted)
	}
	return promoted, nil
}

// Assign records the node indexing a deployment, replacing any previous assignment.
func (m *Manager) Assign(ctx context.Context, deploymentID, nodeID string, cost int64) error {
	if nodeID == "" {
		return &model.InvariantViolationError{Deployment: deploymentID, Field: "nodeId", Reason: "node id is required"}
	}
	if cost < 0 {
		return &model.InvariantViolationError{Deployment: deploymentID, Field: "cost", Reason: "cost must not be negative"}
	}

	err := m.run(ctx, "Assign", func(ctx context.Context, tx storage.Txn) error {
		var d subgraphs.SubgraphDeployment
		if err := tx.Get(ctx, subgraphs.SubgraphDeploymentType, deploymentID, &d); err != nil {
			return err
		}
		return tx.Put(ctx, &subgraphs.SubgraphDeploymentAssignment{ID: deploymentID, NodeID: nodeID, Cost: cost})
	})
	if err != nil {
		return err
	}
	log.Infow("assigned deployment", "deployment", deploymentID, "node", nodeID, "cost", cost)
	return nil
}

// Unassign removes the assignment of a deployment. Removing a missing assignment is not an error.
func (m *Manager) Unassign(ctx context.Context, deploymentID string) error {
	return m.run(ctx, "Unassign", func(ctx context.Context, tx storage.Txn) error {
		return tx.Delete(ctx, subgraphs.SubgraphDeploymentAssignmentType, deploymentID)
	})
}

// RemoveVersion deletes a version and clears the subgraph pointers referring to it.
func (m *Manager) RemoveVersion(ctx context.Context, versionID string) error {
	return m.run(ctx, "RemoveVersion", func(ctx context.Context, tx storage.Txn) error {
		var v subgraphs.SubgraphVersion
		if err := tx.Get(ctx, subgraphs.SubgraphVersionType, versionID, &v); err != nil {
			return err
		}
		if err := tx.LockPartition(ctx, v.Subgraph); err != nil {
			return err
		}

		var s subgraphs.Subgraph
		found, err := storage.Exists(ctx, tx, subgraphs.SubgraphType, v.Subgraph, &s)
		if err != nil {
			return err
		}
		if found {
			if s.CurrentVersion != nil && *s.CurrentVersion == versionID {
				s.CurrentVersion = nil
			}
			if s.PendingVersion != nil && *s.PendingVersion == versionID {
				s.PendingVersion = nil
			}
			if err := tx.Put(ctx, &s); err != nil {
				return err
			}
		}
		return tx.Delete(ctx, subgraphs.SubgraphVersionType, versionID)
	})
}

// RemoveSubgraph deletes a subgraph and all of its versions. Deployments are kept.
func (m *Manager) RemoveSubgraph(ctx context.Context, name string) error {
	subgraphID := subgraphs.SubgraphID(name)
	return m.run(ctx, "RemoveSubgraph", func(ctx context.Context, tx storage.Txn) error {
		if err := tx.LockPartition(ctx, subgraphID); err != nil {
			return err
		}
		var s subgraphs.Subgraph
		if err := tx.Get(ctx, subgraphs.SubgraphType, subgraphID, &s); err != nil {
			return err
		}
		versions, err := storage.ScanAll[subgraphs.SubgraphVersion](ctx, tx, subgraphs.SubgraphVersionType, storage.Where("subgraph", subgraphID))
		if err != nil {
			return err
		}
		for _, v := range versions {
			if err := tx.Delete(ctx, subgraphs.SubgraphVersionType, v.ID); err != nil {
				return err
			}
		}
		return tx.Delete(ctx, subgraphs.SubgraphType, subgraphID)
	})
}

// RemoveDeployment deletes a deployment that no version refers to, together with its assignment, dynamic data
// sources and error history. Deployments grafted onto it lose their graft base. The manifest tree is kept since
// it may be shared with other deployments.
func (m *Manager) RemoveDeployment(ctx context.Context, deploymentID string) error {
	return m.run(ctx, "RemoveDeployment", func(ctx context.Context, tx storage.Txn) error {
		if err := tx.LockPartition(ctx, deploymentID); err != nil {
			return err
		}
		var d subgraphs.SubgraphDeployment
		if err := tx.Get(ctx, subgraphs.SubgraphDeploymentType, deploymentID, &d); err != nil {
			return err
		}

		versions, err := storage.ScanAll[subgraphs.SubgraphVersion](ctx, tx, subgraphs.SubgraphVersionType, storage.Where("deployment", deploymentID))
		if err != nil {
			return err
		}
		if len(versions) > 0 {
			return &model.InvariantViolationError{Deployment: deploymentID, Field: "versions", Reason: "deployment is referenced by version " + versions[0].ID}
		}

		if err := tx.Delete(ctx, subgraphs.SubgraphDeploymentAssignmentType, deploymentID); err != nil {
			return err
		}
		cleanup := []struct {
			entityType string
			field      string
		}{
			{subgraphs.DynamicDataSourceType, "deployment"},
			{subgraphs.SubgraphErrorType, "subgraphId"},
		}
		for _, c := range cleanup {
			cur := tx.Scan(ctx, c.entityType, storage.Where(c.field, deploymentID))
			var ids []string
			for cur.Next(ctx) {
				ids = append(ids, cur.ID())
			}
			if err := cur.Err(); err != nil {
				return err
			}
			for _, id := range ids {
				if err := tx.Delete(ctx, c.entityType, id); err != nil {
					return err
				}
			}
		}

		grafted, err := storage.ScanAll[subgraphs.SubgraphDeployment](ctx, tx, subgraphs.SubgraphDeploymentType, storage.Where("graftBase", deploymentID))
		if err != nil {
			return err
		}
		for _, g := range grafted {
			// Re-read so the write is checked against concurrent progress on the grafted deployment.
			var cur subgraphs.SubgraphDeployment
			if err := tx.Get(ctx, subgraphs.SubgraphDeploymentType, g.ID, &cur); err != nil {
				return err
			}
			cur.GraftBase, cur.GraftBlockHash, cur.GraftBlockNumber = nil, nil, nil
			if err := tx.Put(ctx, &cur); err != nil {
				return err
			}
		}

		log.Infow("removed deployment", "deployment", deploymentID, "ungrafted", len(grafted))
		return tx.Delete(ctx, subgraphs.SubgraphDeploymentType, deploymentID)
	})
}

// Subgraph returns a subgraph by id.
func (m *Manager) Subgraph(ctx context.Context, subgraphID string) (*subgraphs.Subgraph, error) {
	var s subgraphs.Subgraph
	if err := m.store.Get(ctx, subgraphs.SubgraphType, subgraphID, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SubgraphByName returns a subgraph by name.
func (m *Manager) SubgraphByName(ctx context.Context, name string) (*subgraphs.Subgraph, error) {
	s, err := m.Subgraph(ctx, subgraphs.SubgraphID(name))
	if model.IsNotFound(err) {
		return nil, &model.NotFoundError{EntityType: subgraphs.SubgraphType, ID: name}
	}
	return s, err
}

// Subgraphs returns all subgraphs ordered by name.
func (m *Manager) Subgraphs(ctx context.Context) ([]*subgraphs.Subgraph, error) {
	out, err := storage.ScanAll[subgraphs.Subgraph](ctx, m.store, subgraphs.SubgraphType, storage.All)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Versions returns the versions of a subgraph, oldest first.
func (m *Manager) Versions(ctx context.Context, subgraphID string) ([]*subgraphs.SubgraphVersion, error) {
	out, err := storage.ScanAll[subgraphs.SubgraphVersion](ctx, m.store, subgraphs.SubgraphVersionType, storage.Where("subgraph", subgraphID))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Version returns a version by id.
func (m *Manager) Version(ctx context.Context, versionID string) (*subgraphs.SubgraphVersion, error) {
	var v subgraphs.SubgraphVersion
	if err := m.store.Get(ctx, subgraphs.SubgraphVersionType, versionID, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Assignment returns the assignment of a deployment.
func (m *Manager) Assignment(ctx context.Context, deploymentID string) (*subgraphs.SubgraphDeploymentAssignment, error) {
	var a subgraphs.SubgraphDeploymentAssignment
	if err := m.store.Get(ctx, subgraphs.SubgraphDeploymentAssignmentType, deploymentID, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// AssignmentsForNode returns the deployments assigned to a node.
func (m *Manager) AssignmentsForNode(ctx context.Context, nodeID string) ([]*subgraphs.SubgraphDeploymentAssignment, error) {
	return storage.ScanAll[subgraphs.SubgraphDeploymentAssignment](ctx, m.store, subgraphs.SubgraphDeploymentAssignmentType, storage.Where("nodeId", nodeID))
}
