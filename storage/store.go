package storage

import (
	"bytes"
	"context"
	"encoding/json"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/adzialocha/graph-node/model"
)

var log = logging.Logger("registry/storage")

// A Reader reads committed records.
type Reader interface {
	// Get decodes the record with the given type and id into out. It returns a *model.NotFoundError if there is
	// no such record.
	Get(ctx context.Context, entityType, id string, out model.Record) error

	// Scan returns a lazy cursor over all records of a type that match the filter, in id order.
	Scan(ctx context.Context, entityType string, filter Filter) *Cursor
}

// A Snapshot is a Reader over a single committed state of the store. It must be released when no longer needed.
type Snapshot interface {
	Reader
	Release(ctx context.Context) error
}

// A Txn is an optimistic transaction. Reads observe a snapshot plus the transaction's own writes. Commit fails with
// a *model.ConflictError if a record read by the transaction, or created by it, was committed by another
// transaction in the meantime. Writes to records the transaction has not read are last-writer-wins.
type Txn interface {
	Reader

	// Create stages a new record. It fails with a *model.ConflictError if the record already exists.
	Create(ctx context.Context, r model.Record) error
	// Put stages a record, replacing any existing record with the same key.
	Put(ctx context.Context, r model.Record) error
	// Delete stages the removal of a record. Deleting an absent record is not an error.
	Delete(ctx context.Context, entityType, id string) error
	// LockPartition serializes this transaction against other transactions locking the same key, for the
	// remainder of the transaction.
	LockPartition(ctx context.Context, key string) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// A Store is an entity store holding records keyed by type and id.
type Store interface {
	Reader

	// PersistBatch writes records atomically: either all of them are committed or none are.
	PersistBatch(ctx context.Context, rs ...model.Record) error
	// Snapshot opens a consistent read view of the latest committed state.
	Snapshot(ctx context.Context) (Snapshot, error)
	// Begin starts a transaction.
	Begin(ctx context.Context) (Txn, error)

	Close(ctx context.Context) error
}

// A Row is the stored form of a record.
type Row struct {
	EntityType string
	ID         string
	Version    int64
	Data       []byte
}

func encodeRecord(r model.Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, xerrors.Errorf("encode %s %q: %w", r.EntityType(), r.EntityID(), err)
	}
	return data, nil
}

func decodeRow(row Row, out model.Record) error {
	if err := json.Unmarshal(row.Data, out); err != nil {
		return xerrors.Errorf("decode %s %q: %w", row.EntityType, row.ID, err)
	}
	return nil
}

// A Condition matches records whose top-level attribute Field equals Value.
type Condition struct {
	Field string
	Value interface{}
}

// A Filter is a conjunction of conditions. The empty filter matches every record.
type Filter []Condition

// Where returns a filter matching records whose attribute field equals value. Values are compared by their JSON
// encoding, so value must have the same Go type as the attribute.
func Where(field string, value interface{}) Filter {
	return Filter{{Field: field, Value: value}}
}

// All matches every record.
var All Filter

// And adds a condition to the filter.
func (f Filter) And(field string, value interface{}) Filter {
	out := append(Filter{}, f...)
	return append(out, Condition{Field: field, Value: value})
}

type compiledCondition struct {
	field string
	value []byte
}

func (f Filter) compile() ([]compiledCondition, error) {
	out := make([]compiledCondition, 0, len(f))
	for _, c := range f {
		v, err := json.Marshal(c.Value)
		if err != nil {
			return nil, xerrors.Errorf("encode filter value for %s: %w", c.Field, err)
		}
		out = append(out, compiledCondition{field: c.Field, value: v})
	}
	return out, nil
}

func matches(conds []compiledCondition, data []byte) (bool, error) {
	if len(conds) == 0 {
		return true, nil
	}
	var attrs map[string]json.RawMessage
	if err := json.Unmarshal(data, &attrs); err != nil {
		return false, xerrors.Errorf("decode attributes: %w", err)
	}
	for _, c := range conds {
		raw, ok := attrs[c.field]
		if !ok {
			raw = json.RawMessage("null")
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return false, xerrors.Errorf("compact attribute %s: %w", c.field, err)
		}
		if !bytes.Equal(buf.Bytes(), c.value) {
			return false, nil
		}
	}
	return true, nil
}

// ScanAll collects every record of a type matching the filter.
func ScanAll[T any, PT interface {
	*T
	model.Record
}](ctx context.Context, r Reader, entityType string, filter Filter) ([]PT, error) {
	var out []PT
	cur := r.Scan(ctx, entityType, filter)
	for cur.Next(ctx) {
		rec := PT(new(T))
		if err := cur.Decode(rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, xerrors.Errorf("scan %s: %w", entityType, err)
	}
	return out, nil
}

// Exists reports whether a record exists.
func Exists(ctx context.Context, r Reader, entityType, id string, out model.Record) (bool, error) {
	err := r.Get(ctx, entityType, id, out)
	switch {
	case err == nil:
		return true, nil
	case model.IsNotFound(err):
		return false, nil
	default:
		return false, err
	}
}
