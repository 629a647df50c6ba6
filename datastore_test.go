package sqlstore_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/aneshas/sqlstore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func newFileStore(t *testing.T) *sqlstore.Datastore {
	t.Helper()

	ds, err := sqlstore.New(
		sqlstore.WithSQLiteDB(filepath.Join(t.TempDir(), "events.db")),
	)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	t.Cleanup(func() {
		_ = ds.Close()
	})

	return ds
}

func newMemStore(t *testing.T) *sqlstore.Datastore {
	t.Helper()

	ds, err := sqlstore.New(sqlstore.WithInMemoryDB())
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	t.Cleanup(func() {
		_ = ds.Close()
	})

	return ds
}

func newEventRecorder(t *testing.T, ds *sqlstore.Datastore, application string) *sqlstore.ApplicationRecorder {
	t.Helper()

	r, err := sqlstore.NewApplicationRecorder(ds, application)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	if err := r.CreateTable(context.Background()); err != nil {
		t.Fatalf("error: %v", err)
	}

	return r
}

func someEvents(id uuid.UUID, from, count int64) []sqlstore.StoredEvent {
	events := make([]sqlstore.StoredEvent, 0, count)

	for v := from; v < from+count; v++ {
		events = append(events, sqlstore.StoredEvent{
			OriginatorID:      id,
			OriginatorVersion: v,
			Topic:             "SomethingHappened",
			State:             []byte(fmt.Sprintf(`{"n":%d}`, v)),
		})
	}

	return events
}

func TestShouldRequireBackendConfiguration(t *testing.T) {
	_, err := sqlstore.New()

	assert.ErrorIs(t, err, sqlstore.ErrProgramming)
}

func TestShouldResolveSQLiteFileCapabilities(t *testing.T) {
	ds := newFileStore(t)

	caps := ds.Capabilities()

	assert.Equal(t, sqlstore.LockWrite, caps.LockPolicy)
	assert.False(t, caps.SupportsTableLock)
	assert.False(t, caps.SupportsListenNotify)
}

func TestShouldResolveInMemoryCapabilities(t *testing.T) {
	ds := newMemStore(t)

	caps := ds.Capabilities()

	assert.Equal(t, sqlstore.LockAccess, caps.LockPolicy)
	assert.False(t, caps.SupportsTableLock)
	assert.False(t, caps.SupportsListenNotify)
}

func TestShouldTreatMemoryPathAsInMemoryBackend(t *testing.T) {
	ds, err := sqlstore.New(sqlstore.WithSQLiteDB(":memory:"))
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	defer func() {
		_ = ds.Close()
	}()

	assert.Equal(t, sqlstore.LockAccess, ds.Capabilities().LockPolicy)
}

func TestShouldUpgradeSQLiteFileToWALMode(t *testing.T) {
	ds := newFileStore(t)
	r := newEventRecorder(t, ds, "wally")

	assert.False(t, ds.IsSQLiteWALMode())

	_, err := r.InsertEvents(context.Background(), someEvents(uuid.New(), 1, 1))

	assert.NoError(t, err)
	assert.True(t, ds.IsSQLiteWALMode())
}

func TestShouldNotUpgradeInMemoryDBToWALMode(t *testing.T) {
	ds := newMemStore(t)
	r := newEventRecorder(t, ds, "mem")

	_, err := r.InsertEvents(context.Background(), someEvents(uuid.New(), 1, 1))

	assert.NoError(t, err)
	assert.False(t, ds.IsSQLiteWALMode())
}
