package sqlstore

import "context"

// ProcessRecorder atomically appends application events and advances a
// consumer's tracking watermark in one transaction.
type ProcessRecorder struct {
	*ApplicationRecorder

	tracking *TrackingRecorder
}

// NewProcessRecorder constructs a process recorder for the named
// application, backed by <application>_events and <application>_tracking
func NewProcessRecorder(ds *Datastore, application string, opts ...RecorderOption) (*ProcessRecorder, error) {
	app, err := NewApplicationRecorder(ds, application, opts...)
	if err != nil {
		return nil, err
	}

	tracking, err := NewTrackingRecorder(ds, application, opts...)
	if err != nil {
		return nil, err
	}

	return &ProcessRecorder{
		ApplicationRecorder: app,
		tracking:            tracking,
	}, nil
}

// CreateTable idempotently creates the events and tracking tables
func (r *ProcessRecorder) CreateTable(ctx context.Context) error {
	if err := r.ApplicationRecorder.CreateTable(ctx); err != nil {
		return err
	}

	return r.tracking.CreateTable(ctx)
}

// MaxTrackingID returns the named consumer's current watermark
func (r *ProcessRecorder) MaxTrackingID(ctx context.Context, applicationName string) (int64, bool, error) {
	return r.tracking.MaxTrackingID(ctx, applicationName)
}

// InsertTracking advances the named consumer's watermark on its own
func (r *ProcessRecorder) InsertTracking(ctx context.Context, tracking Tracking) error {
	return r.tracking.InsertTracking(ctx, tracking)
}

// InsertCfg represents process insert configuration
type InsertCfg struct {
	Tracking *Tracking
}

// InsertOption represents a process insert option
type InsertOption func(InsertCfg) InsertCfg

// WithTracking advances the given consumer watermark in the same
// transaction as the event insert
func WithTracking(tracking Tracking) InsertOption {
	return func(cfg InsertCfg) InsertCfg {
		cfg.Tracking = &tracking

		return cfg
	}
}

// InsertEvents atomically appends the given events, advancing the
// tracking watermark in the same transaction when WithTracking is
// supplied - a stale watermark makes the whole transaction roll back, so
// a duplicate-tracking failure is never observed alongside committed
// events. Returns the assigned notification ids.
func (r *ProcessRecorder) InsertEvents(ctx context.Context, events []StoredEvent, opts ...InsertOption) ([]int64, error) {
	var cfg InsertCfg

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	var ids []int64

	err := r.ds.InTransaction(ctx, true, func(_ context.Context, tx *Transaction) error {
		if cfg.Tracking != nil {
			if err := r.tracking.insertTracking(tx, *cfg.Tracking); err != nil {
				return err
			}
		}

		var err error

		ids, err = r.ApplicationRecorder.insertEvents(tx, events)

		return err
	})
	if err != nil {
		return nil, err
	}

	return ids, nil
}
