package sqlstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aneshas/sqlstore"
	"github.com/stretchr/testify/assert"
)

type fakeSubscriber struct {
	notifications []sqlstore.Notification

	gotOpts []sqlstore.SubOpt
}

func (f *fakeSubscriber) Subscribe(_ context.Context, opts ...sqlstore.SubOpt) (*sqlstore.Subscription, error) {
	f.gotOpts = opts

	sub := sqlstore.Subscription{
		Err:           make(chan error, 1),
		Notifications: make(chan sqlstore.Notification, len(f.notifications)+1),
	}

	for _, n := range f.notifications {
		sub.Notifications <- n
	}

	sub.Err <- sqlstore.ErrSubscriptionClosedByClient

	return &sub, nil
}

type fakeTracker struct {
	watermark int64
	inserted  []sqlstore.Tracking

	wantErr error
}

func (f *fakeTracker) MaxTrackingID(_ context.Context, _ string) (int64, bool, error) {
	return f.watermark, f.watermark > 0, nil
}

func (f *fakeTracker) InsertTracking(_ context.Context, tracking sqlstore.Tracking) error {
	if f.wantErr != nil {
		return f.wantErr
	}

	f.inserted = append(f.inserted, tracking)

	return nil
}

func TestShouldProjectNotificationsAndAdvanceWatermark(t *testing.T) {
	sub := fakeSubscriber{
		notifications: []sqlstore.Notification{
			{ID: 11, Topic: "OrderPlaced"},
			{ID: 12, Topic: "OrderShipped"},
		},
	}
	tracker := fakeTracker{watermark: 10}

	var seen []int64

	p := sqlstore.NewProjector("orders", &sub, &tracker)

	p.Add(func(n sqlstore.Notification) error {
		seen = append(seen, n.ID)

		return nil
	})

	err := p.Run(context.Background())

	assert.NoError(t, err)
	assert.Equal(t, []int64{11, 12}, seen)
	assert.Equal(t, []sqlstore.Tracking{
		{ApplicationName: "orders", NotificationID: 11},
		{ApplicationName: "orders", NotificationID: 12},
	}, tracker.inserted)
}

func TestShouldStopProjectingOnProjectionError(t *testing.T) {
	sub := fakeSubscriber{
		notifications: []sqlstore.Notification{{ID: 1}, {ID: 2}},
	}
	tracker := fakeTracker{}

	boom := errors.New("boom")

	p := sqlstore.NewProjector("orders", &sub, &tracker)

	p.Add(func(sqlstore.Notification) error {
		return boom
	})

	err := p.Run(context.Background())

	assert.ErrorIs(t, err, boom)
	assert.Empty(t, tracker.inserted)
}

func TestShouldSurfaceTrackingFailure(t *testing.T) {
	sub := fakeSubscriber{
		notifications: []sqlstore.Notification{{ID: 1}},
	}
	tracker := fakeTracker{wantErr: sqlstore.ErrIntegrity}

	p := sqlstore.NewProjector("orders", &sub, &tracker)

	err := p.Run(context.Background())

	assert.ErrorIs(t, err, sqlstore.ErrIntegrity)
}
