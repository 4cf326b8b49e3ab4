// Package deployment implements the lifecycle of subgraph deployments: indexing progress, reorgs, errors, health
// and dynamic data sources. Every write to a deployment runs in an exclusive section for that deployment.
package deployment

import (
	"context"
	"sort"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/xerrors"

	"github.com/adzialocha/graph-node/metrics"
	"github.com/adzialocha/graph-node/model"
	"github.com/adzialocha/graph-node/model/subgraphs"
	"github.com/adzialocha/graph-node/storage"
)

var log = logging.Logger("registry/deployment")

// A HaltNotifier is told when a deployment fails so that indexing of it can stop.
type HaltNotifier interface {
	Halt(ctx context.Context, deployment string, cause subgraphs.SubgraphError)
}

// HaltFunc adapts a function to a HaltNotifier.
type HaltFunc func(ctx context.Context, deployment string, cause subgraphs.SubgraphError)

func (f HaltFunc) Halt(ctx context.Context, deployment string, cause subgraphs.SubgraphError) {
	f(ctx, deployment, cause)
}

// SyncedFunc is called after a deployment has been marked as synced for the first time.
type SyncedFunc func(ctx context.Context, deployment string) error

type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithRetryPolicy(p storage.RetryPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

func WithHaltNotifier(n HaltNotifier) Option {
	return func(m *Manager) { m.halt = n }
}

func WithSyncedFunc(fn SyncedFunc) Option {
	return func(m *Manager) { m.onSynced = fn }
}

// Manager owns SubgraphDeployment records.
type Manager struct {
	store    storage.Store
	clock    clock.Clock
	policy   storage.RetryPolicy
	halt     HaltNotifier
	onSynced SyncedFunc
	locks    *keyedMutex
}

func NewManager(store storage.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		clock:  clock.New(),
		policy: storage.DefaultRetryPolicy,
		locks:  newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type updateFunc func(ctx context.Context, tx storage.Txn, d *subgraphs.SubgraphDeployment) error

// update runs fn on the deployment inside a transaction that holds the deployment's partition lock, validates
// the result and writes it back.
func (m *Manager) update(ctx context.Context, op string, id string, fn updateFunc) error {
	return m.updateLocking(ctx, op, id, nil, fn)
}

// updateLocking is update that also holds the partition locks of the related deployments for the whole
// transaction.
func (m *Manager) updateLocking(ctx context.Context, op string, id string, related []string, fn updateFunc) (err error) {
	ctx, span := otel.Tracer("").Start(ctx, "Manager."+op, trace.WithAttributes(attribute.String("deployment", id)))
	defer span.End()

	ctx = metrics.WithTagValue(ctx, metrics.Operation, op)
	stop := metrics.Timer(ctx, metrics.OperationDuration)
	defer stop()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			metrics.RecordInc(metrics.WithTagValue(ctx, metrics.Error, model.ErrorClass(err)), metrics.OperationFailure)
		}
	}()

	unlock := m.locks.Lock(id)
	defer unlock()

	return storage.RunInTransaction(ctx, m.store, m.policy, func(ctx context.Context, tx storage.Txn) error {
		keys := append([]string{id}, related...)
		sort.Strings(keys)
		for _, k := range keys {
			if err := tx.LockPartition(ctx, k); err != nil {
				return err
			}
		}
		var d subgraphs.SubgraphDeployment
		if err := tx.Get(ctx, subgraphs.SubgraphDeploymentType, id, &d); err != nil {
			return err
		}
		if err := fn(ctx, tx, &d); err != nil {
			return err
		}
		if err := d.Validate(); err != nil {
			return err
		}
		return tx.Put(ctx, &d)
	})
}

func fatal(d *subgraphs.SubgraphDeployment) error {
	msg := "deployment has failed"
	if d.FatalError != nil {
		msg = d.FatalError.Message
	}
	return &model.FatalIndexingError{Deployment: d.ID, Message: msg}
}

// RecordProgress moves the latest block of a deployment forward and adjusts its entity count. Progress may stay
// at the latest block but never move back; use HandleReorg for that.
func (m *Manager) RecordProgress(ctx context.Context, id string, block subgraphs.BlockPtr, entityDelta int64) error {
	return m.update(ctx, "RecordProgress", id, func(ctx context.Context, tx storage.Txn, d *subgraphs.SubgraphDeployment) error {
		if d.Failed() {
			return fatal(d)
		}

		latest, hasLatest := d.Latest()
		if hasLatest && block.Number < latest.Number {
			return &model.StaleProgressError{Deployment: id, Field: "latestEthereumBlockNumber", Latest: latest.Number, Got: block.Number}
		}
		if d.EntityCount+entityDelta < 0 {
			return &model.InvariantViolationError{Deployment: id, Field: "entityCount", Reason: "entity count would become negative"}
		}

		if _, ok := d.Earliest(); !ok {
			d.SetEarliest(block)
		}
		if hasLatest && d.CurrentReorgDepth > 0 {
			d.CurrentReorgDepth -= block.Number - latest.Number
			if d.CurrentReorgDepth < 0 {
				d.CurrentReorgDepth = 0
			}
		}
		d.SetLatest(block)
		d.EntityCount += entityDelta

		metrics.RecordValue(metrics.WithTagValue(ctx, metrics.Deployment, id), metrics.LatestBlock, block.Number)
		return nil
	})
}

// HandleReorg rolls the latest block of a deployment back to the common ancestor of a reorg. Dynamic data
// sources created after the ancestor are removed, as are the non-fatal errors raised after it.
func (m *Manager) HandleReorg(ctx context.Context, id string, ancestor subgraphs.BlockPtr) error {
	var depth int64
	err := m.update(ctx, "HandleReorg", id, func(ctx context.Context, tx storage.Txn, d *subgraphs.SubgraphDeployment) error {
		if d.Failed() {
			return fatal(d)
		}

		latest, ok := d.Latest()
		if !ok {
			return &model.InvariantViolationError{Deployment: id, Field: "latestEthereumBlockNumber", Reason: "no progress to roll back"}
		}
		if ancestor.Number > latest.Number {
			return &model.InvariantViolationError{Deployment: id, Field: "latestEthereumBlockNumber", Reason: "reorg ancestor " + ancestor.String() + " is after latest block " + latest.String()}
		}
		if earliest, ok := d.Earliest(); ok && ancestor.Number < earliest.Number {
			return &model.InvariantViolationError{Deployment: id, Field: "earliestEthereumBlockNumber", Reason: "reorg ancestor " + ancestor.String() + " is before earliest block " + earliest.String()}
		}

		sources, err := storage.ScanAll[subgraphs.DynamicEthereumContractDataSource](ctx, tx, subgraphs.DynamicDataSourceType, storage.Where("deployment", id))
		if err != nil {
			return err
		}
		for _, ds := range sources {
			if ds.EthereumBlockNumber > ancestor.Number {
				if err := tx.Delete(ctx, subgraphs.DynamicDataSourceType, ds.ID); err != nil {
					return err
				}
			}
		}

		depth = latest.Number - ancestor.Number
		d.SetLatest(ancestor)
		d.ReorgCount++
		d.CurrentReorgDepth = depth
		if depth > d.MaxReorgDepth {
			d.MaxReorgDepth = depth
		}
		d.NonFatalErrors = subgraphs.ErrorsUpTo(d.NonFatalErrors, ancestor.Number)
		return nil
	})
	if err != nil {
		return err
	}

	ctx = metrics.WithTagValue(ctx, metrics.Deployment, id)
	metrics.RecordInc(ctx, metrics.Reorgs)
	metrics.RecordValue(ctx, metrics.ReorgDepth, depth)
	log.Infow("handled reorg", "deployment", id, "ancestor", ancestor.Number, "depth", depth)
	return nil
}

// RecordError records an indexing error. A fatal error fails the deployment, keeping the first fatal error as the
// cause, and halts it. Non-fatal errors mark a healthy deployment unhealthy.
func (m *Manager) RecordError(ctx context.Context, id string, e subgraphs.SubgraphError, isFatal bool) error {
	if e.ID == "" {
		eid, err := uuid.NewV7()
		if err != nil {
			return xerrors.Errorf("generate error id: %w", err)
		}
		e.ID = eid.String()
	}
	e.SubgraphID = id
	e.CreatedAt = m.clock.Now().UTC()

	halted := false
	err := m.update(ctx, "RecordError", id, func(ctx context.Context, tx storage.Txn, d *subgraphs.SubgraphDeployment) error {
		halted = false
		var existing subgraphs.SubgraphError
		dup, err := storage.Exists(ctx, tx, subgraphs.SubgraphErrorType, e.ID, &existing)
		if err != nil {
			return err
		}
		if dup {
			return &model.InvariantViolationError{Deployment: id, Field: "error", Reason: "error " + e.ID + " is already recorded"}
		}
		if err := tx.Create(ctx, &e); err != nil {
			return err
		}

		if isFatal {
			if d.FatalError == nil {
				cause := e
				d.FatalError = &cause
				d.Health = subgraphs.Failed
				halted = true
			}
			return nil
		}

		if d.Health == subgraphs.Healthy {
			d.Health = subgraphs.Unhealthy
		}
		d.NonFatalErrors = subgraphs.InsertError(d.NonFatalErrors, e, subgraphs.MaxNonFatalErrors)
		return nil
	})
	if err != nil {
		return err
	}

	class := "non_fatal"
	if isFatal {
		class = "fatal"
	}
	metrics.RecordInc(metrics.WithTagValue(metrics.WithTagValue(ctx, metrics.Deployment, id), metrics.Error, class), metrics.IndexingErrors)

	if halted {
		log.Errorw("deployment failed", "deployment", id, "error", e.Message)
		if m.halt != nil {
			m.halt.Halt(ctx, id, e)
		}
	} else {
		log.Warnw("indexing error", "deployment", id, "error", e.Message, "fatal", isFatal)
	}
	return nil
}

// MarkSynced records that a deployment has caught up with its chain.
func (m *Manager) MarkSynced(ctx context.Context, id string) error {
	transitioned := false
	err := m.update(ctx, "MarkSynced", id, func(ctx context.Context, tx storage.Txn, d *subgraphs.SubgraphDeployment) error {
		if d.Failed() {
			return &model.InvariantViolationError{Deployment: id, Field: "synced", Reason: "failed deployment cannot be marked synced"}
		}
		transitioned = !d.Synced
		d.Synced = true
		return nil
	})
	if err != nil {
		return err
	}

	if transitioned {
		log.Infow("deployment synced", "deployment", id)
		if m.onSynced != nil {
			if err := m.onSynced(ctx, id); err != nil {
				return xerrors.Errorf("synced hook: %w", err)
			}
		}
	}
	return nil
}

// RegisterDynamicSource adds a data source created by a mapping at a block. Sources must be registered in block
// order.
func (m *Manager) RegisterDynamicSource(ctx context.Context, id string, src subgraphs.DynamicSource, block subgraphs.BlockPtr) (string, error) {
	var sourceID string
	err := m.update(ctx, "RegisterDynamicSource", id, func(ctx context.Context, tx storage.Txn, d *subgraphs.SubgraphDeployment) error {
		if d.Failed() {
			return fatal(d)
		}

		sources, err := storage.ScanAll[subgraphs.DynamicEthereumContractDataSource](ctx, tx, subgraphs.DynamicDataSourceType, storage.Where("deployment", id))
		if err != nil {
			return err
		}

		seq := 0
		if n := len(sources); n > 0 {
			last := sources[n-1]
			if block.Number < last.EthereumBlockNumber {
				return &model.StaleProgressError{Deployment: id, Field: "ethereumBlockNumber", Latest: last.EthereumBlockNumber, Got: block.Number}
			}
			lastSeq, err := subgraphs.DynamicDataSourceSeq(last.ID)
			if err != nil {
				return err
			}
			seq = lastSeq + 1
		}

		ds := &subgraphs.DynamicEthereumContractDataSource{
			ID:                  subgraphs.DynamicDataSourceID(id, seq),
			Deployment:          id,
			DynamicSource:       src,
			EthereumBlockHash:   block.Hash,
			EthereumBlockNumber: block.Number,
			CreatedAt:           m.clock.Now().UTC(),
		}
		if ds.Templates == nil {
			ds.Templates = []string{}
		}
		sourceID = ds.ID
		return tx.Create(ctx, ds)
	})
	if err != nil {
		return "", err
	}
	return sourceID, nil
}

// ResetHealth clears the non-fatal errors of an unhealthy deployment and marks it healthy again. Failed
// deployments cannot be reset; they must be grafted or redeployed.
func (m *Manager) ResetHealth(ctx context.Context, id string) error {
	return m.update(ctx, "ResetHealth", id, func(ctx context.Context, tx storage.Txn, d *subgraphs.SubgraphDeployment) error {
		if d.Failed() {
			return &model.InvariantViolationError{Deployment: id, Field: "health", Reason: "failed deployment cannot be reset"}
		}
		d.Health = subgraphs.Healthy
		d.NonFatalErrors = []subgraphs.SubgraphError{}
		return nil
	})
}

// Graft makes a deployment continue from another deployment's state at a block. The grafted deployment takes the
// base's progress, entity count, errors and dynamic data sources up to that block and starts over as unsynced.
func (m *Manager) Graft(ctx context.Context, id string, base string, blockNumber int64) error {
	if id == base {
		return &model.InvariantViolationError{Deployment: id, Field: "graftBase", Reason: "deployment cannot be grafted onto itself"}
	}

	// The base's partition keeps RemoveDeployment from deleting it before the graft commits.
	return m.updateLocking(ctx, "Graft", id, []string{base}, func(ctx context.Context, tx storage.Txn, d *subgraphs.SubgraphDeployment) error {
		var b subgraphs.SubgraphDeployment
		if err := tx.Get(ctx, subgraphs.SubgraphDeploymentType, base, &b); err != nil {
			return err
		}
		if b.GraftBase != nil && *b.GraftBase == id {
			return &model.InvariantViolationError{Deployment: id, Field: "graftBase", Reason: "base " + base + " is grafted onto this deployment"}
		}
		latest, ok := b.Latest()
		if !ok || blockNumber > latest.Number {
			return &model.InvariantViolationError{Deployment: id, Field: "graftBlockNumber", Reason: "base " + base + " has not reached the graft block"}
		}
		earliest, _ := b.Earliest()
		if blockNumber < earliest.Number {
			return &model.InvariantViolationError{Deployment: id, Field: "graftBlockNumber", Reason: "graft block is before the earliest block of base " + base}
		}

		block := subgraphs.BlockPtr{Number: blockNumber}
		if blockNumber == latest.Number {
			block.Hash = latest.Hash
		}

		d.GraftBase = &base
		d.GraftBlockNumber = &block.Number
		d.GraftBlockHash = nil
		if block.Hash != "" {
			d.GraftBlockHash = &block.Hash
		}
		d.SetEarliest(earliest)
		d.SetLatest(block)
		d.EntityCount = b.EntityCount
		d.Synced = false
		d.FatalError = nil
		d.ReorgCount, d.CurrentReorgDepth, d.MaxReorgDepth = 0, 0, 0
		d.NonFatalErrors = subgraphs.ErrorsUpTo(b.NonFatalErrors, blockNumber)
		d.Health = subgraphs.Healthy
		if len(d.NonFatalErrors) > 0 {
			d.Health = subgraphs.Unhealthy
		}

		existing, err := storage.ScanAll[subgraphs.DynamicEthereumContractDataSource](ctx, tx, subgraphs.DynamicDataSourceType, storage.Where("deployment", id))
		if err != nil {
			return err
		}
		for _, ds := range existing {
			if err := tx.Delete(ctx, subgraphs.DynamicDataSourceType, ds.ID); err != nil {
				return err
			}
		}

		sources, err := storage.ScanAll[subgraphs.DynamicEthereumContractDataSource](ctx, tx, subgraphs.DynamicDataSourceType, storage.Where("deployment", base))
		if err != nil {
			return err
		}
		seq := 0
		for _, ds := range sources {
			if ds.EthereumBlockNumber > blockNumber {
				continue
			}
			cp := *ds
			cp.ID = subgraphs.DynamicDataSourceID(id, seq)
			cp.Deployment = id
			seq++
			if err := tx.Put(ctx, &cp); err != nil {
				return err
			}
		}

		log.Infow("grafted deployment", "deployment", id, "base", base, "block", blockNumber)
		return nil
	})
}

// Get returns a deployment.
func (m *Manager) Get(ctx context.Context, id string) (*subgraphs.SubgraphDeployment, error) {
	var d subgraphs.SubgraphDeployment
	if err := m.store.Get(ctx, subgraphs.SubgraphDeploymentType, id, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DynamicDataSources returns the dynamic data sources of a deployment in creation order.
func (m *Manager) DynamicDataSources(ctx context.Context, id string) ([]*subgraphs.DynamicEthereumContractDataSource, error) {
	snap, err := m.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	defer snap.Release(ctx) // nolint: errcheck

	var d subgraphs.SubgraphDeployment
	if err := snap.Get(ctx, subgraphs.SubgraphDeploymentType, id, &d); err != nil {
		return nil, err
	}
	return storage.ScanAll[subgraphs.DynamicEthereumContractDataSource](ctx, snap, subgraphs.DynamicDataSourceType, storage.Where("deployment", id))
}

// Errors returns every error recorded for a deployment in the order they were recorded, including errors no
// longer held on the deployment itself.
func (m *Manager) Errors(ctx context.Context, id string) ([]*subgraphs.SubgraphError, error) {
	errs, err := storage.ScanAll[subgraphs.SubgraphError](ctx, m.store, subgraphs.SubgraphErrorType, storage.Where("subgraphId", id))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(errs, func(i, j int) bool {
		if !errs[i].CreatedAt.Equal(errs[j].CreatedAt) {
			return errs[i].CreatedAt.Before(errs[j].CreatedAt)
		}
		return errs[i].ID < errs[j].ID
	})
	return errs, nil
}
