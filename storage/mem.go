package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ipfs/go-fs-lock"
	"golang.org/x/xerrors"

	"github.com/adzialocha/graph-node/metrics"
	"github.com/adzialocha/graph-node/model"
)

const (
	memLockName     = "registry.lock"
	memSnapshotName = "registry.json"
)

type memEntry struct {
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// memState is an immutable committed state. Commits never modify a state in place; they copy the tables they
// touch and publish a new state.
type memState struct {
	Seq    int64                          `json:"seq"`
	Tables map[string]map[string]memEntry `json:"tables"`
}

func (s *memState) lookup(k model.Key) (memEntry, bool) {
	e, ok := s.Tables[k.Type][k.ID]
	return e, ok
}

func (s *memState) version(k model.Key) int64 {
	return s.Tables[k.Type][k.ID].Version
}

func (s *memState) sortedIDs(entityType string) []string {
	tbl := s.Tables[entityType]
	ids := make([]string, 0, len(tbl))
	for id := range tbl {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var _ Store = (*MemStorage)(nil)

// MemStorage is an in-memory entity store. Readers never block: they load the latest committed state with a
// single atomic read. Commits are serialized and validated against the state current at commit time. When a
// directory is configured the committed state is written to a snapshot file in it after every commit and loaded
// again on open; the directory is locked for the lifetime of the store.
type MemStorage struct {
	state atomic.Pointer[memState]

	commitMu sync.Mutex
	dir      string
	unlock   func() error

	partitionsMu sync.Mutex
	partitions   map[string]*partitionLock
}

// NewMemStorage returns an empty in-memory store without persistence.
func NewMemStorage() *MemStorage {
	m := &MemStorage{partitions: map[string]*partitionLock{}}
	m.state.Store(&memState{Tables: map[string]map[string]memEntry{}})
	return m
}

// OpenMemStorage returns an in-memory store persisted to a snapshot file in dir.
func OpenMemStorage(dir string) (*MemStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Errorf("create store directory: %w", err)
	}
	closer, err := fslock.Lock(dir, memLockName)
	if err != nil {
		return nil, xerrors.Errorf("lock store directory: %w", err)
	}

	m := NewMemStorage()
	m.dir = dir
	m.unlock = closer.Close

	data, err := os.ReadFile(filepath.Join(dir, memSnapshotName))
	switch {
	case os.IsNotExist(err):
		return m, nil
	case err != nil:
		_ = closer.Close()
		return nil, xerrors.Errorf("read snapshot: %w", err)
	}

	st := &memState{}
	if err := json.Unmarshal(data, st); err != nil {
		_ = closer.Close()
		return nil, xerrors.Errorf("decode snapshot: %w", err)
	}
	if st.Tables == nil {
		st.Tables = map[string]map[string]memEntry{}
	}
	m.state.Store(st)
	log.Infow("loaded store snapshot", "dir", dir, "seq", st.Seq)
	return m, nil
}

func (m *MemStorage) Close(ctx context.Context) error {
	if m.unlock == nil {
		return nil
	}
	err := m.unlock()
	m.unlock = nil
	return err
}

func (m *MemStorage) Get(ctx context.Context, entityType, id string, out model.Record) error {
	return getFromState(m.state.Load(), entityType, id, out)
}

func (m *MemStorage) Scan(ctx context.Context, entityType string, filter Filter) *Cursor {
	return scanState(m.state.Load, entityType, filter, nil)
}

func (m *MemStorage) Snapshot(ctx context.Context) (Snapshot, error) {
	return &memSnapshot{state: m.state.Load()}, nil
}

func (m *MemStorage) Begin(ctx context.Context) (Txn, error) {
	return &memTxn{
		store:  m,
		base:   m.state.Load(),
		reads:  map[model.Key]int64{},
		writes: map[model.Key]memWrite{},
	}, nil
}

// PersistBatch writes all records in a single commit. Blind writes never conflict.
func (m *MemStorage) PersistBatch(ctx context.Context, rs ...model.Record) error {
	if len(rs) == 0 {
		return nil
	}
	tx, _ := m.Begin(ctx)
	for _, r := range rs {
		if err := tx.Put(ctx, r); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (m *MemStorage) commit(ctx context.Context, tx *memTxn) error {
	ctx = metrics.WithTagValue(ctx, metrics.Store, "memory")
	stop := metrics.Timer(ctx, metrics.PersistDuration)
	defer stop()

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	cur := m.state.Load()
	for k, v := range tx.reads {
		if cur.version(k) != v {
			return &model.ConflictError{EntityType: k.Type, ID: k.ID}
		}
	}
	for k, w := range tx.writes {
		if w.create && cur.version(k) != 0 {
			return &model.ConflictError{EntityType: k.Type, ID: k.ID}
		}
	}
	if len(tx.writes) == 0 {
		return nil
	}

	next := &memState{Seq: cur.Seq + 1, Tables: make(map[string]map[string]memEntry, len(cur.Tables))}
	for t, tbl := range cur.Tables {
		next.Tables[t] = tbl
	}
	copied := map[string]bool{}
	for k, w := range tx.writes {
		if !copied[k.Type] {
			tbl := make(map[string]memEntry, len(next.Tables[k.Type])+1)
			for id, e := range next.Tables[k.Type] {
				tbl[id] = e
			}
			next.Tables[k.Type] = tbl
			copied[k.Type] = true
		}
		if w.data == nil {
			delete(next.Tables[k.Type], k.ID)
			continue
		}
		next.Tables[k.Type][k.ID] = memEntry{Version: next.Seq, Data: w.data}
	}

	if m.dir != "" {
		if err := m.writeSnapshot(next); err != nil {
			return err
		}
	}
	m.state.Store(next)
	metrics.RecordCount(ctx, metrics.PersistModel, len(tx.writes))
	return nil
}

// writeSnapshot replaces the snapshot file atomically so a crash leaves the previous commit intact.
func (m *MemStorage) writeSnapshot(st *memState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return xerrors.Errorf("encode snapshot: %w", err)
	}
	tmp := filepath.Join(m.dir, memSnapshotName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return xerrors.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(m.dir, memSnapshotName)); err != nil {
		return xerrors.Errorf("replace snapshot: %w", err)
	}
	return nil
}

type partitionLock struct {
	mu   sync.Mutex
	refs int
}

func (m *MemStorage) lockPartition(ctx context.Context, key string) (func(), error) {
	m.partitionsMu.Lock()
	pl, ok := m.partitions[key]
	if !ok {
		pl = &partitionLock{}
		m.partitions[key] = pl
	}
	pl.refs++
	m.partitionsMu.Unlock()

	acquired := make(chan struct{})
	go func() {
		pl.mu.Lock()
		close(acquired)
	}()

	release := func() {
		pl.mu.Unlock()
		m.partitionsMu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(m.partitions, key)
		}
		m.partitionsMu.Unlock()
	}

	select {
	case <-acquired:
		return release, nil
	case <-ctx.Done():
		// The lock is released as soon as the pending acquisition completes.
		go func() {
			<-acquired
			release()
		}()
		return nil, ctx.Err()
	}
}

func getFromState(st *memState, entityType, id string, out model.Record) error {
	e, ok := st.lookup(model.Key{Type: entityType, ID: id})
	if !ok {
		return &model.NotFoundError{EntityType: entityType, ID: id}
	}
	return decodeRow(Row{EntityType: entityType, ID: id, Version: e.Version, Data: e.Data}, out)
}

// scanState scans the state returned by load, captured on the first page and again after each reset. overlay,
// if set, replaces or removes rows of the captured state.
func scanState(load func() *memState, entityType string, filter Filter, overlay map[string]memWrite) *Cursor {
	conds, err := filter.compile()
	if err != nil {
		return errCursor(err)
	}

	var ids []string
	var st *memState
	fetch := func(ctx context.Context, after string, limit int) ([]Row, error) {
		if st == nil {
			st = load()
			ids = mergeIDs(st.sortedIDs(entityType), overlay)
		}
		start := sort.SearchStrings(ids, after)
		if start < len(ids) && ids[start] == after {
			start++
		}

		var rows []Row
		for _, id := range ids[start:] {
			if len(rows) == limit {
				break
			}
			row := Row{EntityType: entityType, ID: id}
			if w, ok := overlay[id]; ok {
				if w.data == nil {
					continue
				}
				row.Data = w.data
			} else {
				e, _ := st.lookup(model.Key{Type: entityType, ID: id})
				row.Version, row.Data = e.Version, e.Data
			}
			ok, err := matches(conds, row.Data)
			if err != nil {
				return nil, err
			}
			if ok {
				rows = append(rows, row)
			}
		}
		return rows, nil
	}
	return newCursor(fetch, func() { st = nil })
}

func mergeIDs(ids []string, overlay map[string]memWrite) []string {
	if len(overlay) == 0 {
		return ids
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for id := range overlay {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

type memSnapshot struct {
	state *memState
}

func (s *memSnapshot) Get(ctx context.Context, entityType, id string, out model.Record) error {
	return getFromState(s.state, entityType, id, out)
}

func (s *memSnapshot) Scan(ctx context.Context, entityType string, filter Filter) *Cursor {
	return scanState(func() *memState { return s.state }, entityType, filter, nil)
}

func (s *memSnapshot) Release(ctx context.Context) error {
	return nil
}

// memWrite is a staged write. A nil data removes the record.
type memWrite struct {
	data   json.RawMessage
	create bool
}

type memTxn struct {
	store  *MemStorage
	base   *memState
	reads  map[model.Key]int64
	writes map[model.Key]memWrite
	locks  []func()
	locked map[string]bool
	done   bool
}

func (tx *memTxn) Get(ctx context.Context, entityType, id string, out model.Record) error {
	k := model.Key{Type: entityType, ID: id}
	if w, ok := tx.writes[k]; ok {
		if w.data == nil {
			return &model.NotFoundError{EntityType: entityType, ID: id}
		}
		return decodeRow(Row{EntityType: entityType, ID: id, Data: w.data}, out)
	}
	e, ok := tx.base.lookup(k)
	if _, seen := tx.reads[k]; !seen {
		tx.reads[k] = e.Version
	}
	if !ok {
		return &model.NotFoundError{EntityType: entityType, ID: id}
	}
	return decodeRow(Row{EntityType: entityType, ID: id, Version: e.Version, Data: e.Data}, out)
}

// Scan reads the transaction's snapshot with its own writes applied. Scanned rows are not added to the read set.
func (tx *memTxn) Scan(ctx context.Context, entityType string, filter Filter) *Cursor {
	overlay := map[string]memWrite{}
	for k, w := range tx.writes {
		if k.Type == entityType {
			overlay[k.ID] = w
		}
	}
	return scanState(func() *memState { return tx.base }, entityType, filter, overlay)
}

func (tx *memTxn) Create(ctx context.Context, r model.Record) error {
	k := model.KeyOf(r)
	if w, ok := tx.writes[k]; ok && w.data != nil {
		return &model.ConflictError{EntityType: k.Type, ID: k.ID}
	}
	if _, ok := tx.writes[k]; !ok {
		if _, exists := tx.base.lookup(k); exists {
			return &model.ConflictError{EntityType: k.Type, ID: k.ID}
		}
	}
	data, err := encodeRecord(r)
	if err != nil {
		return err
	}
	_, replacing := tx.writes[k]
	tx.writes[k] = memWrite{data: data, create: !replacing}
	return nil
}

func (tx *memTxn) Put(ctx context.Context, r model.Record) error {
	data, err := encodeRecord(r)
	if err != nil {
		return err
	}
	k := model.KeyOf(r)
	tx.writes[k] = memWrite{data: data, create: tx.writes[k].create}
	return nil
}

func (tx *memTxn) Delete(ctx context.Context, entityType, id string) error {
	k := model.Key{Type: entityType, ID: id}
	if tx.writes[k].create {
		delete(tx.writes, k)
		return nil
	}
	tx.writes[k] = memWrite{}
	return nil
}

func (tx *memTxn) LockPartition(ctx context.Context, key string) error {
	if tx.locked[key] {
		return nil
	}
	release, err := tx.store.lockPartition(ctx, key)
	if err != nil {
		return xerrors.Errorf("lock partition %s: %w", key, err)
	}
	if tx.locked == nil {
		tx.locked = map[string]bool{}
	}
	tx.locked[key] = true
	tx.locks = append(tx.locks, release)

	// Nothing has been observed yet, so read from the state the previous lock holder left behind.
	if len(tx.reads) == 0 && len(tx.writes) == 0 {
		tx.base = tx.store.state.Load()
	}
	return nil
}

func (tx *memTxn) Commit(ctx context.Context) error {
	if tx.done {
		return xerrors.New("transaction already closed")
	}
	defer tx.finish()
	return tx.store.commit(ctx, tx)
}

func (tx *memTxn) Rollback(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.finish()
	return nil
}

func (tx *memTxn) finish() {
	tx.done = true
	for i := len(tx.locks) - 1; i >= 0; i-- {
		tx.locks[i]()
	}
	tx.locks = nil
}
