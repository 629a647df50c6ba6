package sqlstore

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
)

var (
	// ErrPersistence is the catch-all storage failure every other
	// error in the taxonomy wraps. errors.Is(err, ErrPersistence)
	// matches any error produced by this package's storage layer.
	ErrPersistence = errors.New("persistence error")

	// ErrInterface indicates a driver/connection protocol failure
	ErrInterface = fmt.Errorf("%w: interface error", ErrPersistence)

	// ErrData indicates malformed or out of range data was submitted
	ErrData = fmt.Errorf("%w: data error", ErrPersistence)

	// ErrOperational indicates a transient backend failure
	// (disk I/O, lost connection, resource exhaustion)
	ErrOperational = fmt.Errorf("%w: operational error", ErrPersistence)

	// ErrIntegrity indicates a uniqueness or ordering invariant was
	// violated (duplicate originator version, stale tracking id)
	ErrIntegrity = fmt.Errorf("%w: integrity error", ErrPersistence)

	// ErrInternal indicates a backend reported internal fault
	ErrInternal = fmt.Errorf("%w: internal error", ErrPersistence)

	// ErrProgramming indicates misuse of the store or the backend
	// (bad SQL, nested commit intent inside a read-only transaction,
	// conflicting table definition)
	ErrProgramming = fmt.Errorf("%w: programming error", ErrPersistence)

	// ErrNotSupported indicates the operation is not supported by the
	// configured backend (eg. Subscribe on sqlite)
	ErrNotSupported = fmt.Errorf("%w: not supported", ErrPersistence)

	// ErrSubscriptionClosedByClient is produced by sub.Err if the client
	// cancels the subscription using sub.Close()
	ErrSubscriptionClosedByClient = errors.New("subscription closed by client")
)

// translateErr maps backend specific failures to the package taxonomy.
// The original cause stays wrapped so callers can still reach the driver
// error with errors.As. Already translated errors pass through unchanged.
func translateErr(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrPersistence) {
		return err
	}

	var sqliteErr sqlite3.Error

	if errors.As(err, &sqliteErr) {
		return fmt.Errorf("%w: %w", sqliteKind(sqliteErr), err)
	}

	var pgErr *pgconn.PgError

	if errors.As(err, &pgErr) {
		return fmt.Errorf("%w: %w", postgresKind(pgErr), err)
	}

	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %w", ErrIntegrity, err)

	case errors.Is(err, gorm.ErrInvalidTransaction):
		return fmt.Errorf("%w: %w", ErrProgramming, err)

	case errors.Is(err, driver.ErrBadConn):
		return fmt.Errorf("%w: %w", ErrInterface, err)
	}

	return fmt.Errorf("%w: %w", ErrPersistence, err)
}

func sqliteKind(err sqlite3.Error) error {
	switch err.Code {
	case sqlite3.ErrConstraint:
		return ErrIntegrity

	case sqlite3.ErrBusy,
		sqlite3.ErrLocked,
		sqlite3.ErrIoErr,
		sqlite3.ErrFull,
		sqlite3.ErrCantOpen,
		sqlite3.ErrNomem,
		sqlite3.ErrReadonly:
		return ErrOperational

	case sqlite3.ErrCorrupt, sqlite3.ErrNotADB, sqlite3.ErrTooBig, sqlite3.ErrMismatch:
		return ErrData

	case sqlite3.ErrMisuse:
		return ErrProgramming

	case sqlite3.ErrInternal:
		return ErrInternal
	}

	return ErrPersistence
}

func postgresKind(err *pgconn.PgError) error {
	if len(err.Code) < 2 {
		return ErrPersistence
	}

	switch err.Code[:2] {
	case "23":
		return ErrIntegrity

	case "22":
		return ErrData

	case "08", "40", "53", "54", "55", "57", "58":
		return ErrOperational

	case "0A":
		return ErrNotSupported

	case "26", "2F", "42":
		return ErrProgramming

	case "XX":
		return ErrInternal
	}

	return ErrPersistence
}
