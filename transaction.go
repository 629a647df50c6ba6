package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"
)

type txCtxKey struct{}

// Transaction is a single unit of work against the backend, carrying the
// session handle, the commit intent declared at Begin time and any lock
// acquired on behalf of the backend's lock policy.
type Transaction struct {
	ds     *Datastore
	db     *gorm.DB
	commit bool
	lock   *sync.Mutex
	nested int
	done   bool
}

// Session exposes the underlying transactional session so callers can
// compose their own statements into the same unit of work
func (t *Transaction) Session() *gorm.DB { return t.db }

// Begin opens a transaction, or reuses the one already carried by ctx.
//
// The returned context carries the transaction - passing it to a nested
// Begin (directly or through any recorder operation) reuses the open
// transaction instead of starting a second physical one. A nested Begin
// requesting commit intent while the outer transaction was opened
// without it is a programming error, reported immediately.
//
// Depending on the backend's lock policy, Begin blocks until the access
// lock (every transaction) or the write lock (commit-intent transactions
// only) is acquired. The lock is released by End.
func (d *Datastore) Begin(ctx context.Context, commitIntent bool) (context.Context, *Transaction, error) {
	if tx, ok := ctx.Value(txCtxKey{}).(*Transaction); ok && !tx.done {
		if commitIntent && !tx.commit {
			return ctx, nil, fmt.Errorf(
				"%w: transaction already started without commit intent",
				ErrProgramming,
			)
		}

		tx.nested++

		return ctx, tx, nil
	}

	d.initSQLiteWALMode()

	var lock *sync.Mutex

	switch d.caps.LockPolicy {
	case LockAccess:
		d.accessMu.Lock()

		lock = &d.accessMu

	case LockWrite:
		if commitIntent {
			d.writeMu.Lock()

			lock = &d.writeMu
		}
	}

	db := d.db.WithContext(ctx).Begin()

	if db.Error != nil {
		if lock != nil {
			lock.Unlock()
		}

		return ctx, nil, translateErr(db.Error)
	}

	tx := &Transaction{
		ds:     d,
		db:     db,
		commit: commitIntent,
		lock:   lock,
	}

	return context.WithValue(ctx, txCtxKey{}, tx), tx, nil
}

// End closes the transaction opened by the matching Begin.
//
// With a nil cause the transaction commits if it was opened with commit
// intent and rolls back otherwise. With a non-nil cause the transaction
// always rolls back and the (translated) cause is returned - a rollback
// failure never masks it. Any lock held on behalf of the backend is
// released unconditionally, even if closing the session fails.
//
// A nested End only unwinds one reuse level; the outermost End performs
// the actual commit or rollback.
func (t *Transaction) End(cause error) error {
	if t.nested > 0 {
		t.nested--

		return translateErr(cause)
	}

	if t.done {
		return fmt.Errorf("%w: transaction already ended", ErrProgramming)
	}

	t.done = true

	defer func() {
		if t.lock != nil {
			t.lock.Unlock()
		}
	}()

	if cause != nil {
		t.db.Rollback()

		return translateErr(cause)
	}

	if !t.commit {
		if err := t.db.Rollback().Error; err != nil {
			// The access lock guarantees no interleaving on the single
			// shared connection, so a rollback-time operational failure
			// there is benign.
			terr := translateErr(err)

			if t.ds.caps.LockPolicy == LockAccess && errors.Is(terr, ErrOperational) {
				return nil
			}

			return terr
		}

		return nil
	}

	if err := t.db.Commit().Error; err != nil {
		return translateErr(err)
	}

	return nil
}

// InTransaction runs fn inside a transaction, committing on success when
// commitIntent is set and rolling back otherwise. The context passed to
// fn carries the transaction so recorder calls made with it join the
// same unit of work.
func (d *Datastore) InTransaction(
	ctx context.Context,
	commitIntent bool,
	fn func(ctx context.Context, tx *Transaction) error) error {

	ctx, tx, err := d.Begin(ctx, commitIntent)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.End(fmt.Errorf("%w: panic during transaction: %v", ErrPersistence, r))

			panic(r)
		}
	}()

	return tx.End(fn(ctx, tx))
}
