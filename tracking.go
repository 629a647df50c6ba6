package sqlstore

import (
	"context"
	"fmt"
	"strings"
)

// TrackingRecorder records, per named consumer, the highest notification
// id durably processed. Each consumer owns a single mutable watermark
// row - it is updated in place, never appended to.
type TrackingRecorder struct {
	ds     *Datastore
	table  string
	schema string
}

// NewTrackingRecorder constructs a tracking recorder for the named
// application. The table is named <application>_tracking (optionally
// schema qualified).
func NewTrackingRecorder(ds *Datastore, application string, opts ...RecorderOption) (*TrackingRecorder, error) {
	if application == "" {
		return nil, fmt.Errorf("%w: application name must be provided", ErrProgramming)
	}

	var cfg RecorderCfg

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	r := TrackingRecorder{
		ds:     ds,
		table:  strings.ToLower(application) + "_tracking",
		schema: cfg.Schema,
	}

	if err := ds.registry.define(r.qualifiedTable(), shapeTracking); err != nil {
		return nil, err
	}

	return &r, nil
}

func (r *TrackingRecorder) qualifiedTable() string {
	if r.schema != "" {
		return r.schema + "." + r.table
	}

	return r.table
}

// CreateTable idempotently creates the tracking table
func (r *TrackingRecorder) CreateTable(ctx context.Context) error {
	db := r.ds.db.WithContext(ctx)

	if err := db.Table(r.qualifiedTable()).AutoMigrate(&trackingRecord{}); err != nil {
		return translateErr(err)
	}

	return nil
}

// MaxTrackingID returns the consumer's current watermark.
// ok is false when the consumer has no tracking record yet.
func (r *TrackingRecorder) MaxTrackingID(ctx context.Context, applicationName string) (id int64, ok bool, err error) {
	err = r.ds.InTransaction(ctx, false, func(_ context.Context, tx *Transaction) error {
		var records []trackingRecord

		q := tx.Session().
			Table(r.qualifiedTable()).
			Where("application_name = ?", applicationName).
			Limit(1)

		if err := q.Find(&records).Error; err != nil {
			return err
		}

		if len(records) > 0 {
			id = records[0].NotificationID
			ok = true
		}

		return nil
	})
	if err != nil {
		return 0, false, err
	}

	return id, ok, nil
}

// InsertTracking advances the consumer's watermark. A notification id
// already covered by the committed watermark (<=) is an integrity error
// - the duplicate / out-of-order processing guard.
func (r *TrackingRecorder) InsertTracking(ctx context.Context, tracking Tracking) error {
	return r.ds.InTransaction(ctx, true, func(_ context.Context, tx *Transaction) error {
		return r.insertTracking(tx, tracking)
	})
}

func (r *TrackingRecorder) insertTracking(tx *Transaction, tracking Tracking) error {
	db := tx.Session()

	// Advance in place; the guard in the predicate rejects stale ids.
	res := db.Table(r.qualifiedTable()).
		Where("application_name = ? AND notification_id < ?", tracking.ApplicationName, tracking.NotificationID).
		Update("notification_id", tracking.NotificationID)

	if res.Error != nil {
		return translateErr(res.Error)
	}

	if res.RowsAffected > 0 {
		return nil
	}

	var count int64

	if err := db.Table(r.qualifiedTable()).
		Where("application_name = ?", tracking.ApplicationName).
		Count(&count).Error; err != nil {
		return translateErr(err)
	}

	if count > 0 {
		return fmt.Errorf(
			"%w: notification id %d already covered for %q",
			ErrIntegrity, tracking.NotificationID, tracking.ApplicationName,
		)
	}

	record := trackingRecord{
		ApplicationName: tracking.ApplicationName,
		NotificationID:  tracking.NotificationID,
	}

	if err := db.Table(r.qualifiedTable()).Create(&record).Error; err != nil {
		return translateErr(err)
	}

	return nil
}
