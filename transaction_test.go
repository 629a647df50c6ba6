package sqlstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aneshas/sqlstore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestShouldRollBackEventsOnError(t *testing.T) {
	ds := newFileStore(t)
	r := newEventRecorder(t, ds, "bank")

	id := uuid.New()
	boom := errors.New("boom")

	ctx, tx, err := ds.Begin(context.Background(), true)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	_, err = r.InsertEvents(ctx, someEvents(id, 1, 3))

	assert.NoError(t, err)
	assert.ErrorIs(t, tx.End(boom), boom)

	got, err := r.SelectEvents(context.Background(), id)

	assert.NoError(t, err)
	assert.Empty(t, got)
}

func TestShouldRejectCommitIntentInsertInsideReadOnlyTransaction(t *testing.T) {
	ds := newFileStore(t)
	r := newEventRecorder(t, ds, "bank")

	id := uuid.New()

	err := ds.InTransaction(context.Background(), false, func(ctx context.Context, tx *sqlstore.Transaction) error {
		_, err := r.InsertEvents(ctx, someEvents(id, 1, 2))

		return err
	})

	// Nested commit intent inside a read-only transaction is misuse
	assert.ErrorIs(t, err, sqlstore.ErrProgramming)

	got, err := r.SelectEvents(context.Background(), id)

	assert.NoError(t, err)
	assert.Empty(t, got)
}

func TestShouldReuseOpenTransaction(t *testing.T) {
	ds := newFileStore(t)
	r := newEventRecorder(t, ds, "bank")

	id := uuid.New()

	err := ds.InTransaction(context.Background(), true, func(ctx context.Context, tx *sqlstore.Transaction) error {
		if _, err := r.InsertEvents(ctx, someEvents(id, 1, 2)); err != nil {
			return err
		}

		// Joins the same unit of work - a second physical transaction
		// against the file-backed store would deadlock on the write lock
		_, err := r.InsertEvents(ctx, someEvents(id, 3, 2))

		return err
	})

	assert.NoError(t, err)

	got, err := r.SelectEvents(context.Background(), id)

	assert.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestShouldCommitOnlyAtOutermostEnd(t *testing.T) {
	ds := newFileStore(t)
	r := newEventRecorder(t, ds, "bank")

	id := uuid.New()
	boom := errors.New("boom")

	err := ds.InTransaction(context.Background(), true, func(ctx context.Context, tx *sqlstore.Transaction) error {
		if _, err := r.InsertEvents(ctx, someEvents(id, 1, 2)); err != nil {
			return err
		}

		return boom
	})

	assert.ErrorIs(t, err, boom)

	got, err := r.SelectEvents(context.Background(), id)

	assert.NoError(t, err)
	assert.Empty(t, got)
}

func TestShouldRejectNestedCommitIntentInReadOnlyTransaction(t *testing.T) {
	ds := newFileStore(t)

	err := ds.InTransaction(context.Background(), false, func(ctx context.Context, _ *sqlstore.Transaction) error {
		_, _, err := ds.Begin(ctx, true)

		return err
	})

	assert.ErrorIs(t, err, sqlstore.ErrProgramming)
}

func TestShouldRejectEndingTransactionTwice(t *testing.T) {
	ds := newFileStore(t)

	_, tx, err := ds.Begin(context.Background(), true)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	assert.NoError(t, tx.End(nil))
	assert.ErrorIs(t, tx.End(nil), sqlstore.ErrProgramming)
}
