package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// RecorderCfg represents recorder configuration
type RecorderCfg struct {
	Purpose string
	Schema  string
}

// RecorderOption represents a recorder configuration option
type RecorderOption func(RecorderCfg) RecorderCfg

// WithPurpose overrides the table name suffix (defaults to "events")
func WithPurpose(purpose string) RecorderOption {
	return func(cfg RecorderCfg) RecorderCfg {
		cfg.Purpose = purpose

		return cfg
	}
}

// ForSnapshots switches the recorder to the snapshot table shape -
// composite (originator_id, originator_version) primary key and no
// auto-incrementing notification id
func ForSnapshots() RecorderOption {
	return func(cfg RecorderCfg) RecorderCfg {
		cfg.Purpose = "snapshots"

		return cfg
	}
}

// WithSchema namespaces the recorder's tables under the given schema
func WithSchema(schema string) RecorderOption {
	return func(cfg RecorderCfg) RecorderCfg {
		cfg.Schema = schema

		return cfg
	}
}

// AggregateRecorder appends versioned events (or snapshots) for single
// aggregate streams and reads ordered event ranges back.
type AggregateRecorder struct {
	ds     *Datastore
	table  string
	schema string

	// autoIncrementing streams get notification ids assigned on insert
	// and are table-locked on backends that support it
	autoIncrementing bool
}

// NewAggregateRecorder constructs an aggregate event recorder for the
// named application. The table is named <application>_<purpose>
// (optionally schema qualified).
func NewAggregateRecorder(ds *Datastore, application string, opts ...RecorderOption) (*AggregateRecorder, error) {
	if application == "" {
		return nil, fmt.Errorf("%w: application name must be provided", ErrProgramming)
	}

	cfg := RecorderCfg{Purpose: "events"}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	r := AggregateRecorder{
		ds:               ds,
		table:            strings.ToLower(application) + "_" + cfg.Purpose,
		schema:           cfg.Schema,
		autoIncrementing: cfg.Purpose != "snapshots",
	}

	shape := shapeStoredEvents

	if !r.autoIncrementing {
		shape = shapeSnapshots
	}

	if err := ds.registry.define(r.qualifiedTable(), shape); err != nil {
		return nil, err
	}

	return &r, nil
}

func (r *AggregateRecorder) qualifiedTable() string {
	if r.schema != "" {
		return r.schema + "." + r.table
	}

	return r.table
}

func (r *AggregateRecorder) quotedTable() string {
	if r.schema != "" {
		return pq.QuoteIdentifier(r.schema) + "." + pq.QuoteIdentifier(r.table)
	}

	return pq.QuoteIdentifier(r.table)
}

// CreateTable idempotently creates the recorder's table and, for event
// streams, the unique (originator_id, originator_version) index
func (r *AggregateRecorder) CreateTable(ctx context.Context) error {
	db := r.ds.db.WithContext(ctx)

	var model any = &storedEventRecord{}

	if !r.autoIncrementing {
		model = &snapshotRecord{}
	}

	if err := db.Table(r.qualifiedTable()).AutoMigrate(model); err != nil {
		return translateErr(err)
	}

	if !r.autoIncrementing {
		return nil
	}

	stmt := fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (originator_id, originator_version)",
		pq.QuoteIdentifier(r.table+"_aggregate_idx"),
		r.quotedTable(),
	)

	if err := db.Exec(stmt).Error; err != nil {
		return translateErr(err)
	}

	return nil
}

// InsertEvents atomically appends the given events. Empty input is a
// no-op. A duplicate (originator id, originator version) pair surfaces
// as ErrIntegrity and nothing from the batch persists.
//
// For event streams the assigned notification ids are returned in input
// order; for snapshot streams the result is always nil.
func (r *AggregateRecorder) InsertEvents(ctx context.Context, events []StoredEvent) ([]int64, error) {
	var ids []int64

	err := r.ds.InTransaction(ctx, true, func(_ context.Context, tx *Transaction) error {
		var err error

		ids, err = r.insertEvents(tx, events)

		return err
	})
	if err != nil {
		return nil, err
	}

	return ids, nil
}

func (r *AggregateRecorder) insertEvents(tx *Transaction, events []StoredEvent) ([]int64, error) {
	if len(events) == 0 {
		return nil, nil
	}

	db := tx.Session()

	if !r.autoIncrementing {
		records := make([]snapshotRecord, len(events))

		for i, evt := range events {
			records[i] = snapshotRecord{
				OriginatorID:      evt.OriginatorID,
				OriginatorVersion: evt.OriginatorVersion,
				Topic:             evt.Topic,
				State:             evt.State,
			}
		}

		if err := db.Table(r.qualifiedTable()).Create(&records).Error; err != nil {
			return nil, translateErr(err)
		}

		return nil, nil
	}

	if err := r.lockTable(db); err != nil {
		return nil, err
	}

	records := make([]storedEventRecord, len(events))

	for i, evt := range events {
		records[i] = storedEventRecord{
			OriginatorID:      evt.OriginatorID,
			OriginatorVersion: evt.OriginatorVersion,
			Topic:             evt.Topic,
			State:             evt.State,
		}
	}

	// Create executes the insert immediately within the transaction, so
	// the generated keys are visible here, before commit.
	if err := db.Table(r.qualifiedTable()).Create(&records).Error; err != nil {
		return nil, translateErr(err)
	}

	ids := make([]int64, len(records))

	for i := range records {
		ids[i] = records[i].ID
	}

	return ids, nil
}

// lockTable serializes concurrent inserters for the duration of the
// insert so that notification id order matches commit order. Backends
// without table locking rely on the datastore write lock instead.
func (r *AggregateRecorder) lockTable(db *gorm.DB) error {
	if !r.ds.caps.SupportsTableLock {
		return nil
	}

	if err := db.Exec("LOCK TABLE " + r.quotedTable() + " IN EXCLUSIVE MODE").Error; err != nil {
		return translateErr(err)
	}

	return nil
}

// SelectCfg represents event range query configuration
type SelectCfg struct {
	Gt         *int64
	Lte        *int64
	Limit      *int
	Descending bool
}

// SelectOption represents an event range query option
type SelectOption func(SelectCfg) SelectCfg

// WithGt filters for originator versions strictly greater than v
func WithGt(v int64) SelectOption {
	return func(cfg SelectCfg) SelectCfg {
		cfg.Gt = &v

		return cfg
	}
}

// WithLte filters for originator versions less than or equal to v
func WithLte(v int64) SelectOption {
	return func(cfg SelectCfg) SelectCfg {
		cfg.Lte = &v

		return cfg
	}
}

// WithLimit truncates the result to at most n events
func WithLimit(n int) SelectOption {
	return func(cfg SelectCfg) SelectCfg {
		cfg.Limit = &n

		return cfg
	}
}

// Descending orders the result by descending originator version
func Descending() SelectOption {
	return func(cfg SelectCfg) SelectCfg {
		cfg.Descending = true

		return cfg
	}
}

// SelectEvents reads the stored events of a single originator ordered
// by originator version (ascending unless Descending is given). An
// empty result is not an error. State payloads are byte-exact copies.
func (r *AggregateRecorder) SelectEvents(
	ctx context.Context,
	originatorID uuid.UUID,
	opts ...SelectOption) ([]StoredEvent, error) {

	var cfg SelectCfg

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	var out []StoredEvent

	err := r.ds.InTransaction(ctx, false, func(_ context.Context, tx *Transaction) error {
		q := tx.Session().
			Table(r.qualifiedTable()).
			Where("originator_id = ?", originatorID)

		if cfg.Gt != nil {
			q = q.Where("originator_version > ?", *cfg.Gt)
		}

		if cfg.Lte != nil {
			q = q.Where("originator_version <= ?", *cfg.Lte)
		}

		if cfg.Descending {
			q = q.Order("originator_version desc")
		} else {
			q = q.Order("originator_version asc")
		}

		if cfg.Limit != nil {
			q = q.Limit(*cfg.Limit)
		}

		var records []storedEventRecord

		if err := q.Find(&records).Error; err != nil {
			return err
		}

		out = make([]StoredEvent, len(records))

		for i, rec := range records {
			out[i] = StoredEvent{
				OriginatorID:      rec.OriginatorID,
				OriginatorVersion: rec.OriginatorVersion,
				Topic:             rec.Topic,
				State:             cloneBytes(rec.State),
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}
