package sqlstore

import (
	"context"
	"fmt"

	"github.com/lib/pq"
)

// ApplicationRecorder records application events, layering notification
// id capture and notify-on-commit over the aggregate recorder's insert.
type ApplicationRecorder struct {
	*AggregateRecorder
}

// NewApplicationRecorder constructs an application event recorder for
// the named application. Snapshot mode is not valid here - notification
// ids require the auto-incrementing table shape.
func NewApplicationRecorder(ds *Datastore, application string, opts ...RecorderOption) (*ApplicationRecorder, error) {
	base, err := NewAggregateRecorder(ds, application, opts...)
	if err != nil {
		return nil, err
	}

	if !base.autoIncrementing {
		return nil, fmt.Errorf(
			"%w: application recorder requires an auto-incrementing event stream, not snapshots",
			ErrProgramming,
		)
	}

	return &ApplicationRecorder{AggregateRecorder: base}, nil
}

// channel is the pub/sub channel signaled on commit, derived from the
// events table name
func (r *ApplicationRecorder) channel() string { return r.table }

// InsertEvents atomically appends the given events and returns their
// assigned notification ids, read back within the same transaction. On
// a listen/notify capable backend the commit additionally signals the
// stream's channel so blocked subscribers wake promptly.
func (r *ApplicationRecorder) InsertEvents(ctx context.Context, events []StoredEvent) ([]int64, error) {
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

func (r *ApplicationRecorder) insertEvents(tx *Transaction, events []StoredEvent) ([]int64, error) {
	ids, err := r.AggregateRecorder.insertEvents(tx, events)
	if err != nil {
		return nil, err
	}

	if len(ids) > 0 && r.ds.caps.SupportsListenNotify {
		// NOTIFY issued inside the transaction is delivered at commit
		// time, which is exactly when the new rows become visible.
		if err := tx.Session().Exec("NOTIFY " + pq.QuoteIdentifier(r.channel())).Error; err != nil {
			return nil, translateErr(err)
		}
	}

	return ids, nil
}

// MaxNotificationID returns the highest assigned notification id.
// ok is false when the stream is empty.
func (r *ApplicationRecorder) MaxNotificationID(ctx context.Context) (id int64, ok bool, err error) {
	err = r.ds.InTransaction(ctx, false, func(_ context.Context, tx *Transaction) error {
		var records []storedEventRecord

		q := tx.Session().
			Table(r.qualifiedTable()).
			Order("id desc").
			Limit(1)

		if err := q.Find(&records).Error; err != nil {
			return err
		}

		if len(records) > 0 {
			id = records[0].ID
			ok = true
		}

		return nil
	})
	if err != nil {
		return 0, false, err
	}

	return id, ok, nil
}

// NotificationCfg represents notification range query configuration
type NotificationCfg struct {
	Stop             *int64
	Topics           []string
	ExclusiveOfStart bool
}

// NotificationOption represents a notification range query option
type NotificationOption func(NotificationCfg) NotificationCfg

// WithStop filters for notification ids less than or equal to stop
func WithStop(stop int64) NotificationOption {
	return func(cfg NotificationCfg) NotificationCfg {
		cfg.Stop = &stop

		return cfg
	}
}

// WithTopics restricts the result to notifications whose topic is in
// the given allow-list
func WithTopics(topics ...string) NotificationOption {
	return func(cfg NotificationCfg) NotificationCfg {
		cfg.Topics = topics

		return cfg
	}
}

// ExclusiveOfStart excludes the start id itself from the result
func ExclusiveOfStart() NotificationOption {
	return func(cfg NotificationCfg) NotificationCfg {
		cfg.ExclusiveOfStart = true

		return cfg
	}
}

// SelectNotifications reads up to limit notifications with ids from
// start (inclusive unless ExclusiveOfStart is given), always ordered
// ascending by id so the scan stays on the primary key index.
func (r *ApplicationRecorder) SelectNotifications(
	ctx context.Context,
	start int64,
	limit int,
	opts ...NotificationOption) ([]Notification, error) {

	var cfg NotificationCfg

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	var out []Notification

	err := r.ds.InTransaction(ctx, false, func(_ context.Context, tx *Transaction) error {
		q := tx.Session().Table(r.qualifiedTable())

		if cfg.ExclusiveOfStart {
			q = q.Where("id > ?", start)
		} else {
			q = q.Where("id >= ?", start)
		}

		if cfg.Stop != nil {
			q = q.Where("id <= ?", *cfg.Stop)
		}

		if len(cfg.Topics) > 0 {
			q = q.Where("topic IN ?", cfg.Topics)
		}

		var records []storedEventRecord

		if err := q.Order("id asc").Limit(limit).Find(&records).Error; err != nil {
			return err
		}

		out = make([]Notification, len(records))

		for i, rec := range records {
			out[i] = Notification{
				ID:                rec.ID,
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
