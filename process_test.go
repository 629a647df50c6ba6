package sqlstore_test

import (
	"context"
	"testing"

	"github.com/aneshas/sqlstore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func newProcessRecorder(t *testing.T, ds *sqlstore.Datastore, application string) *sqlstore.ProcessRecorder {
	t.Helper()

	r, err := sqlstore.NewProcessRecorder(ds, application)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	if err := r.CreateTable(context.Background()); err != nil {
		t.Fatalf("error: %v", err)
	}

	return r
}

func TestShouldInsertEventsAndTrackingAtomically(t *testing.T) {
	ds := newFileStore(t)
	r := newProcessRecorder(t, ds, "billing")

	ctx := context.Background()
	id := uuid.New()

	ids, err := r.InsertEvents(
		ctx,
		someEvents(id, 1, 2),
		sqlstore.WithTracking(sqlstore.Tracking{ApplicationName: "orders", NotificationID: 42}),
	)

	assert.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)

	max, ok, err := r.MaxTrackingID(ctx, "orders")

	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), max)
}

func TestShouldRollBackEventsOnDuplicateTracking(t *testing.T) {
	ds := newFileStore(t)
	r := newProcessRecorder(t, ds, "billing")

	ctx := context.Background()

	_, err := r.InsertEvents(
		ctx,
		someEvents(uuid.New(), 1, 1),
		sqlstore.WithTracking(sqlstore.Tracking{ApplicationName: "orders", NotificationID: 42}),
	)

	assert.NoError(t, err)

	id := uuid.New()

	// Reprocessing notification 42 must not commit its events
	_, err = r.InsertEvents(
		ctx,
		someEvents(id, 1, 1),
		sqlstore.WithTracking(sqlstore.Tracking{ApplicationName: "orders", NotificationID: 42}),
	)

	assert.ErrorIs(t, err, sqlstore.ErrIntegrity)

	got, err := r.SelectEvents(ctx, id)

	assert.NoError(t, err)
	assert.Empty(t, got)

	max, ok, err := r.MaxTrackingID(ctx, "orders")

	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), max)
}

func TestShouldInsertEventsWithoutTracking(t *testing.T) {
	ds := newFileStore(t)
	r := newProcessRecorder(t, ds, "billing")

	ctx := context.Background()

	ids, err := r.InsertEvents(ctx, someEvents(uuid.New(), 1, 3))

	assert.NoError(t, err)
	assert.Len(t, ids, 3)

	_, ok, err := r.MaxTrackingID(ctx, "orders")

	assert.NoError(t, err)
	assert.False(t, ok)
}
