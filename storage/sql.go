package storage

import (
	"context"
	"strings"
	"time"

	"github.com/go-pg/pg/v10"
	"github.com/go-pg/pg/v10/orm"
	"go.opencensus.io/stats"
	"golang.org/x/xerrors"

	"github.com/adzialocha/graph-node/metrics"
	"github.com/adzialocha/graph-node/model"
)

var (
	ErrSchemaTooOld = xerrors.New("database schema is too old and requires migration")
	ErrSchemaTooNew = xerrors.New("database schema is too new for this version of the registry")
	ErrNameTooLong  = xerrors.New("name exceeds maximum length for postgres application names")
)

// MaxPostgresNameLength is the limit on the length of string identifier names in postgres
const MaxPostgresNameLength = 64

// timeNow is a hook for tests.
var timeNow = time.Now

var _ Store = (*Database)(nil)

// Database is an entity store backed by PostgreSQL. All records live in a single table keyed by entity type and
// id, with the record attributes held in a jsonb column.
type Database struct {
	db         *pg.DB
	opt        *pg.Options
	schemaName string
}

// NewDatabase configures a database from a connection url. It does not connect; call Connect before use.
func NewDatabase(ctx context.Context, url string, poolSize int, name string, schemaName string) (*Database, error) {
	if len(name) > MaxPostgresNameLength {
		return nil, ErrNameTooLong
	}

	opt, err := pg.ParseURL(url)
	if err != nil {
		return nil, xerrors.Errorf("parse database URL: %w", err)
	}
	opt.PoolSize = poolSize
	if opt.ApplicationName == "" {
		opt.ApplicationName = name
	}
	if schemaName == "" {
		schemaName = "public"
	}
	if schemaName != "public" {
		opt.OnConnect = func(ctx context.Context, conn *pg.Conn) error {
			_, err := conn.ExecContext(ctx, "SET search_path TO ?, public", pg.Ident(schemaName))
			return err
		}
	}

	return &Database{
		opt:        opt,
		schemaName: schemaName,
	}, nil
}

// Connect opens the connection pool and verifies the installed schema is supported.
func (d *Database) Connect(ctx context.Context) error {
	if d.db != nil {
		return nil
	}

	db, err := connect(ctx, d.opt)
	if err != nil {
		return xerrors.Errorf("connect: %w", err)
	}

	dbVersion, err := validateDatabaseSchemaVersion(ctx, db, d.schemaName)
	if err != nil {
		_ = db.Close()
		return err
	}
	log.Infow("connected to database", "schema", d.schemaName, "version", dbVersion.String())

	d.db = db
	return nil
}

func connect(ctx context.Context, opt *pg.Options) (*pg.DB, error) {
	db := pg.Connect(opt)
	db = db.WithContext(ctx)

	// Check if connection credentials are valid and PostgreSQL is up and running.
	if err := db.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("ping database: %w", err)
	}
	return db, nil
}

func (d *Database) IsConnected(ctx context.Context) bool {
	if d.db == nil {
		return false
	}
	return d.db.Ping(ctx) == nil
}

func (d *Database) Close(ctx context.Context) error {
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// AsORM returns the underlying go-pg database.
func (d *Database) AsORM() *pg.DB {
	return d.db
}

func (d *Database) SchemaName() string {
	return d.schemaName
}

func (d *Database) Get(ctx context.Context, entityType, id string, out model.Record) error {
	row, err := getRow(ctx, d.db, entityType, id, false)
	if err != nil {
		return err
	}
	return decodeRow(row, out)
}

// Scan pages through the table with separate queries. Use a Snapshot for a scan that must be consistent with
// other reads.
func (d *Database) Scan(ctx context.Context, entityType string, filter Filter) *Cursor {
	return scanRows(d.db, entityType, filter)
}

// PersistBatch upserts all records in a single transaction.
func (d *Database) PersistBatch(ctx context.Context, rs ...model.Record) error {
	if len(rs) == 0 {
		return nil
	}
	tx, err := d.Begin(ctx)
	if err != nil {
		return err
	}
	for _, r := range rs {
		if err := tx.Put(ctx, r); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
	}
	return tx.Commit(ctx)
}

// Snapshot opens a read only repeatable read transaction.
func (d *Database) Snapshot(ctx context.Context) (Snapshot, error) {
	tx, err := d.db.BeginContext(ctx)
	if err != nil {
		return nil, xerrors.Errorf("begin snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SET TRANSACTION ISOLATION LEVEL REPEATABLE READ READ ONLY`); err != nil {
		_ = tx.Rollback()
		return nil, xerrors.Errorf("set snapshot isolation: %w", err)
	}
	// The snapshot is taken by the first query of the transaction, not by BEGIN.
	if _, err := tx.ExecContext(ctx, `SELECT 1`); err != nil {
		_ = tx.Rollback()
		return nil, xerrors.Errorf("take snapshot: %w", err)
	}
	return &sqlSnapshot{tx: tx}, nil
}

func (d *Database) Begin(ctx context.Context) (Txn, error) {
	tx, err := d.db.BeginContext(ctx)
	if err != nil {
		return nil, xerrors.Errorf("begin: %w", err)
	}
	return &sqlTxn{
		tx:      tx,
		reads:   map[model.Key]int64{},
		written: map[model.Key]bool{},
		start:   time.Now(),
	}, nil
}

// entityRow is the scan target for rows of the entity table.
type entityRow struct {
	tableName struct{} `pg:"registry_entities"` // nolint: structcheck,unused

	EntityType string
	ID         string
	Version    int64
	Data       string
}

func (r *entityRow) row() Row {
	return Row{EntityType: r.EntityType, ID: r.ID, Version: r.Version, Data: []byte(r.Data)}
}

func getRow(ctx context.Context, db orm.DB, entityType, id string, forShare bool) (Row, error) {
	q := `SELECT entity_type, id, version, data::text AS data FROM registry_entities WHERE entity_type = ? AND id = ?`
	if forShare {
		q += ` FOR SHARE`
	}
	var er entityRow
	if _, err := db.QueryOneContext(ctx, &er, q, entityType, id); err != nil {
		if xerrors.Is(err, pg.ErrNoRows) {
			return Row{}, &model.NotFoundError{EntityType: entityType, ID: id}
		}
		return Row{}, xerrors.Errorf("get %s %q: %w", entityType, id, err)
	}
	return er.row(), nil
}

func scanRows(db orm.DB, entityType string, filter Filter) *Cursor {
	conds, err := filter.compile()
	if err != nil {
		return errCursor(err)
	}

	var where strings.Builder
	where.WriteString(`entity_type = ? AND id > ?`)
	for range conds {
		where.WriteString(` AND data -> ? = ?::jsonb`)
	}

	fetch := func(ctx context.Context, after string, limit int) ([]Row, error) {
		params := []interface{}{entityType, after}
		for _, c := range conds {
			params = append(params, c.field, string(c.value))
		}
		params = append(params, limit)

		var ers []entityRow
		q := `SELECT entity_type, id, version, data::text AS data FROM registry_entities WHERE ` + where.String() + ` ORDER BY id LIMIT ?`
		if _, err := db.QueryContext(ctx, &ers, q, params...); err != nil {
			return nil, xerrors.Errorf("scan %s: %w", entityType, err)
		}
		rows := make([]Row, len(ers))
		for i := range ers {
			rows[i] = ers[i].row()
		}
		return rows, nil
	}
	return newCursor(fetch, nil)
}

type sqlSnapshot struct {
	tx *pg.Tx
}

func (s *sqlSnapshot) Get(ctx context.Context, entityType, id string, out model.Record) error {
	row, err := getRow(ctx, s.tx, entityType, id, false)
	if err != nil {
		return err
	}
	return decodeRow(row, out)
}

func (s *sqlSnapshot) Scan(ctx context.Context, entityType string, filter Filter) *Cursor {
	return scanRows(s.tx, entityType, filter)
}

func (s *sqlSnapshot) Release(ctx context.Context) error {
	return s.tx.Close()
}

// sqlTxn applies writes to the database as they are staged, guarded by the versions it read. Keys that were only
// read are locked and re-checked at commit.
type sqlTxn struct {
	tx      *pg.Tx
	reads   map[model.Key]int64
	written map[model.Key]bool
	writes  int
	start   time.Time
}

func (t *sqlTxn) Get(ctx context.Context, entityType, id string, out model.Record) error {
	k := model.Key{Type: entityType, ID: id}
	row, err := getRow(ctx, t.tx, entityType, id, false)
	if err != nil {
		if model.IsNotFound(err) && !t.written[k] {
			if _, seen := t.reads[k]; !seen {
				t.reads[k] = 0
			}
		}
		return err
	}
	if !t.written[k] {
		if _, seen := t.reads[k]; !seen {
			t.reads[k] = row.Version
		}
	}
	return decodeRow(row, out)
}

func (t *sqlTxn) Scan(ctx context.Context, entityType string, filter Filter) *Cursor {
	return scanRows(t.tx, entityType, filter)
}

func (t *sqlTxn) Create(ctx context.Context, r model.Record) error {
	k := model.KeyOf(r)
	data, err := encodeRecord(r)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `INSERT INTO registry_entities (entity_type, id, version, data, updated_at)
		VALUES (?, ?, nextval('registry_entity_version'), ?::jsonb, ?)
		ON CONFLICT (entity_type, id) DO NOTHING`, k.Type, k.ID, string(data), timeNow())
	if err != nil {
		return t.wrap(k, err)
	}
	if res.RowsAffected() == 0 {
		return &model.ConflictError{EntityType: k.Type, ID: k.ID}
	}
	t.wrote(k)
	return nil
}

func (t *sqlTxn) Put(ctx context.Context, r model.Record) error {
	k := model.KeyOf(r)
	data, err := encodeRecord(r)
	if err != nil {
		return err
	}

	v, read := t.reads[k]
	switch {
	case read && v == 0:
		// The record was absent when read so it must still be absent.
		return t.Create(ctx, r)
	case read:
		res, err := t.tx.ExecContext(ctx, `UPDATE registry_entities
			SET version = nextval('registry_entity_version'), data = ?::jsonb, updated_at = ?
			WHERE entity_type = ? AND id = ? AND version = ?`, string(data), timeNow(), k.Type, k.ID, v)
		if err != nil {
			return t.wrap(k, err)
		}
		if res.RowsAffected() == 0 {
			return &model.ConflictError{EntityType: k.Type, ID: k.ID}
		}
	default:
		_, err := t.tx.ExecContext(ctx, `INSERT INTO registry_entities (entity_type, id, version, data, updated_at)
			VALUES (?, ?, nextval('registry_entity_version'), ?::jsonb, ?)
			ON CONFLICT (entity_type, id) DO UPDATE
			SET version = EXCLUDED.version, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
			k.Type, k.ID, string(data), timeNow())
		if err != nil {
			return t.wrap(k, err)
		}
	}
	t.wrote(k)
	return nil
}

func (t *sqlTxn) Delete(ctx context.Context, entityType, id string) error {
	k := model.Key{Type: entityType, ID: id}
	v, read := t.reads[k]
	if read && v > 0 {
		res, err := t.tx.ExecContext(ctx, `DELETE FROM registry_entities WHERE entity_type = ? AND id = ? AND version = ?`, k.Type, k.ID, v)
		if err != nil {
			return t.wrap(k, err)
		}
		if res.RowsAffected() == 0 {
			return &model.ConflictError{EntityType: k.Type, ID: k.ID}
		}
	} else {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM registry_entities WHERE entity_type = ? AND id = ?`, k.Type, k.ID); err != nil {
			return t.wrap(k, err)
		}
	}
	t.wrote(k)
	return nil
}

func (t *sqlTxn) LockPartition(ctx context.Context, key string) error {
	return PartitionLock(key).Lock(ctx, t.tx)
}

func (t *sqlTxn) Commit(ctx context.Context) error {
	for k, v := range t.reads {
		row, err := getRow(ctx, t.tx, k.Type, k.ID, true)
		var current int64
		switch {
		case err == nil:
			current = row.Version
		case model.IsNotFound(err):
		default:
			_ = t.tx.Rollback()
			return err
		}
		if current != v {
			_ = t.tx.Rollback()
			return &model.ConflictError{EntityType: k.Type, ID: k.ID}
		}
	}

	if err := t.tx.CommitContext(ctx); err != nil {
		return t.wrap(model.Key{}, err)
	}

	ctx = metrics.WithTagValue(ctx, metrics.Store, "postgresql")
	stats.Record(ctx, metrics.PersistDuration.M(metrics.SinceInMilliseconds(t.start)))
	metrics.RecordCount(ctx, metrics.PersistModel, t.writes)
	return nil
}

func (t *sqlTxn) Rollback(ctx context.Context) error {
	err := t.tx.RollbackContext(ctx)
	if xerrors.Is(err, pg.ErrTxDone) {
		return nil
	}
	return err
}

func (t *sqlTxn) wrote(k model.Key) {
	delete(t.reads, k)
	t.written[k] = true
	t.writes++
}

// wrap converts serialization failures, deadlocks and unique violations into conflicts.
func (t *sqlTxn) wrap(k model.Key, err error) error {
	var pgErr pg.Error
	if xerrors.As(err, &pgErr) {
		switch pgErr.Field('C') {
		case "40001", "40P01", "23505":
			return &model.ConflictError{EntityType: k.Type, ID: k.ID}
		}
	}
	if k.Type == "" {
		return xerrors.Errorf("commit: %w", err)
	}
	return xerrors.Errorf("write %s: %w", k, err)
}
