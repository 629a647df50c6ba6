// Package sqlstore provides a light-weight SQL backed recording layer
// for event-sourced applications. It durably persists immutable domain
// events and snapshots keyed by originator identity and version, assigns
// a strictly ordered global notification sequence to application events,
// and tracks per-consumer processing watermarks - with the concurrency
// discipline (lock policies, table locking, notification-id ordering)
// each backend needs in order to keep those guarantees.
//
// SQLite (file or in-memory) and Postgres are supported out of the box.
package sqlstore

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// LockPolicy is the mutual-exclusion discipline a backend needs in order
// to allow safe concurrent use of the store.
type LockPolicy int

const (
	// LockNone - fully concurrent backend; the backend's own isolation
	// and unique constraints are sufficient
	LockNone LockPolicy = iota

	// LockAccess - a single shared lock serializes every transaction,
	// read or write (single-connection in-memory sqlite)
	LockAccess

	// LockWrite - commit-intent transactions are serialized, read-only
	// transactions proceed unlocked (file-backed sqlite)
	LockWrite
)

// Capabilities describes what the configured backend supports. It is
// resolved once at construction time and consulted by the recorders
// instead of re-inspecting a dialect name at each call site.
type Capabilities struct {
	SupportsTableLock    bool
	SupportsListenNotify bool
	LockPolicy           LockPolicy
}

// Cfg represents datastore configuration
type Cfg struct {
	PostgresDSN    string
	SQLitePath     string
	InMemory       bool
	ConnectTimeout time.Duration

	Dialector    gorm.Dialector
	DB           *gorm.DB
	Capabilities Capabilities

	GormConfig *gorm.Config
	Logger     *slog.Logger
}

// Option represents a datastore configuration option
type Option func(Cfg) Cfg

// WithPostgresDB configures the datastore to use postgres as a backing
// storage (pgx driver)
func WithPostgresDB(dsn string) Option {
	return func(cfg Cfg) Cfg {
		cfg.PostgresDSN = dsn

		return cfg
	}
}

// WithSQLiteDB configures the datastore to use a file-backed sqlite
// database as a backing storage
func WithSQLiteDB(path string) Option {
	return func(cfg Cfg) Cfg {
		cfg.SQLitePath = path

		return cfg
	}
}

// WithInMemoryDB configures the datastore to use an in-memory sqlite
// database. The connection pool is capped at a single shared connection
// and every transaction is serialized by an access lock.
func WithInMemoryDB() Option {
	return func(cfg Cfg) Cfg {
		cfg.InMemory = true

		return cfg
	}
}

// WithConnectTimeout sets the backend connection timeout (postgres
// connect_timeout, sqlite busy timeout)
func WithConnectTimeout(d time.Duration) Option {
	return func(cfg Cfg) Cfg {
		cfg.ConnectTimeout = d

		return cfg
	}
}

// WithDialector configures the datastore with a caller supplied gorm
// dialector (custom connection factory) along with the capabilities the
// resulting backend provides
func WithDialector(dial gorm.Dialector, caps Capabilities) Option {
	return func(cfg Cfg) Cfg {
		cfg.Dialector = dial
		cfg.Capabilities = caps

		return cfg
	}
}

// WithDB configures the datastore to use an existing gorm session owned
// by the caller. The datastore will not manage the engine lifecycle.
func WithDB(db *gorm.DB, caps Capabilities) Option {
	return func(cfg Cfg) Cfg {
		cfg.DB = db
		cfg.Capabilities = caps

		return cfg
	}
}

// WithGormConfig overrides the gorm config used when opening the engine
func WithGormConfig(gcfg *gorm.Config) Option {
	return func(cfg Cfg) Cfg {
		cfg.GormConfig = gcfg

		return cfg
	}
}

// WithLogger sets the logger used for observability (wal upgrade
// outcome, subscription listener lifecycle)
func WithLogger(log *slog.Logger) Option {
	return func(cfg Cfg) Cfg {
		cfg.Logger = log

		return cfg
	}
}

// Datastore owns the database engine, the lock objects compensating for
// backend concurrency limitations, and the table shape registry shared
// by all recorders constructed against it.
type Datastore struct {
	db       *gorm.DB
	caps     Capabilities
	log      *slog.Logger
	registry *tableRegistry

	postgresDSN  string
	isSQLiteFile bool

	accessMu sync.Mutex
	writeMu  sync.Mutex

	walMu    sync.Mutex
	triedWAL bool
	walMode  bool
}

// New constructs a new datastore. Exactly one backend must be
// configured - postgres dsn, sqlite path, in-memory mode, a custom
// dialector or an existing gorm session.
func New(opts ...Option) (*Datastore, error) {
	var cfg Cfg

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ds := &Datastore{
		log:      cfg.Logger,
		registry: newTableRegistry(),
	}

	if cfg.DB != nil {
		ds.db = cfg.DB
		ds.caps = cfg.Capabilities

		return ds, nil
	}

	var (
		dial     gorm.Dialector
		inMemory bool
	)

	switch {
	case cfg.Dialector != nil:
		dial = cfg.Dialector
		ds.caps = cfg.Capabilities

	case cfg.PostgresDSN != "":
		dsn := cfg.PostgresDSN

		if cfg.ConnectTimeout > 0 {
			dsn = appendPostgresParam(dsn, "connect_timeout", fmt.Sprintf("%d", int(cfg.ConnectTimeout.Seconds())))
		}

		dial = postgres.Open(dsn)
		ds.postgresDSN = dsn
		ds.caps = Capabilities{
			SupportsTableLock:    true,
			SupportsListenNotify: true,
			LockPolicy:           LockNone,
		}

	case cfg.InMemory || isMemorySQLitePath(cfg.SQLitePath):
		dial = sqlite.Open("file::memory:?cache=shared")
		ds.caps = Capabilities{LockPolicy: LockAccess}
		inMemory = true

	case cfg.SQLitePath != "":
		path := cfg.SQLitePath

		if cfg.ConnectTimeout > 0 {
			sep := "?"

			if strings.Contains(path, "?") {
				sep = "&"
			}

			path = path + sep + fmt.Sprintf("_busy_timeout=%d", cfg.ConnectTimeout.Milliseconds())
		}

		dial = sqlite.Open(path)
		ds.isSQLiteFile = true
		ds.caps = Capabilities{LockPolicy: LockWrite}

	default:
		return nil, fmt.Errorf(
			"%w: either postgres dsn, sqlite path, in-memory mode or a custom dialector must be provided",
			ErrProgramming,
		)
	}

	gcfg := cfg.GormConfig
	if gcfg == nil {
		gcfg = &gorm.Config{}
	}

	db, err := gorm.Open(dial, gcfg)
	if err != nil {
		return nil, translateErr(err)
	}

	ds.db = db

	if inMemory {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, translateErr(err)
		}

		// The shared-cache in-memory database only exists for as long
		// as a single connection holds it open.
		sqlDB.SetMaxOpenConns(1)
	}

	return ds, nil
}

// Capabilities returns the backend capability descriptor resolved at
// construction time
func (d *Datastore) Capabilities() Capabilities { return d.caps }

// IsSQLiteWALMode reports whether the one-time durability upgrade to
// write-ahead logging succeeded on a file-backed sqlite database
func (d *Datastore) IsSQLiteWALMode() bool {
	d.walMu.Lock()

	defer d.walMu.Unlock()

	return d.walMode
}

// Close should be called as a part of cleanup process
// in order to close the underlying sql connection
func (d *Datastore) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

// initSQLiteWALMode attempts a one-time journal mode upgrade on a
// file-backed sqlite database. Failure is non-fatal - the store keeps
// running in the default journal mode.
func (d *Datastore) initSQLiteWALMode() {
	d.walMu.Lock()

	defer d.walMu.Unlock()

	if d.triedWAL {
		return
	}

	d.triedWAL = true

	if !d.isSQLiteFile {
		return
	}

	var mode string

	if err := d.db.Raw("PRAGMA journal_mode=WAL;").Scan(&mode).Error; err != nil {
		d.log.Warn("sqlite wal upgrade failed, continuing in default journal mode", "err", err)

		return
	}

	if strings.EqualFold(mode, "wal") {
		d.walMode = true

		return
	}

	d.log.Warn("sqlite wal upgrade not applied", "journal_mode", mode)
}

func isMemorySQLitePath(path string) bool {
	return strings.Contains(path, ":memory:") || strings.Contains(path, "mode=memory")
}

func appendPostgresParam(dsn, key, value string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sep := "?"

		if strings.Contains(dsn, "?") {
			sep = "&"
		}

		return dsn + sep + key + "=" + value
	}

	// key=value dsn style
	return dsn + " " + key + "=" + value
}
