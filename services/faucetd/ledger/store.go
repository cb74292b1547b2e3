package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// ErrPathRequired is returned when a sqlite ledger has neither DSN nor path.
	ErrPathRequired = errors.New("ledger: database path must be configured")
	// ErrAddressRequired is returned for blank addresses.
	ErrAddressRequired = errors.New("ledger: address required")
)

// Config selects the database backing the ledger.
type Config struct {
	Driver string
	DSN    string
	Path   string
	// MaxOpenConns applies to postgres only. SQLite is pinned to one connection.
	MaxOpenConns int
	// Logger receives gorm warnings and slow queries. Defaults to slog.Default.
	Logger *slog.Logger
}

// newGormLogger routes gorm output through slog. Missing rows are an
// expected outcome of Get and are not logged.
func newGormLogger(l *slog.Logger) logger.Interface {
	if l == nil {
		l = slog.Default()
	}
	l = l.With("component", "ledger")
	return logger.New(slog.NewLogLogger(l.Handler(), slog.LevelWarn), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// Store persists per-address eligibility state.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured database and applies migrations.
func Open(cfg Config) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
	}
	gormCfg := &gorm.Config{Logger: newGormLogger(cfg.Logger)}

	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		dsn := strings.TrimSpace(cfg.DSN)
		if dsn == "" {
			if dsn, err = FileDSN(cfg.Path); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	case DriverPostgres:
		dsn := strings.TrimSpace(cfg.DSN)
		if dsn == "" {
			return nil, fmt.Errorf("ledger: postgres dsn required")
		}
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	default:
		return nil, fmt.Errorf("ledger: unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("ledger: access pool: %w", err)
	}
	if driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	store, err := New(db)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger: database handle required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func normaliseAddress(address string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(address))
	if trimmed == "" {
		return "", ErrAddressRequired
	}
	return trimmed, nil
}

// Get returns the record for address. The boolean is false when no row exists.
func (s *Store) Get(ctx context.Context, address string) (ClaimRecord, bool, error) {
	key, err := normaliseAddress(address)
	if err != nil {
		return ClaimRecord{}, false, err
	}
	var record ClaimRecord
	err = s.db.WithContext(ctx).First(&record, "address = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ClaimRecord{Address: key}, false, nil
	}
	if err != nil {
		return ClaimRecord{}, false, fmt.Errorf("ledger: get %s: %w", key, err)
	}
	return record, true, nil
}

// Update runs fn against the locked record for address inside one database
// transaction. The row is created when absent. Events queued by the record's
// mutators are appended in the same transaction, and an error from fn rolls
// everything back.
func (s *Store) Update(ctx context.Context, address string, fn func(*ClaimRecord) error) (ClaimRecord, error) {
	key, err := normaliseAddress(address)
	if err != nil {
		return ClaimRecord{}, err
	}
	var record ClaimRecord
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := ClaimRecord{Address: key}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return fmt.Errorf("seed record: %w", err)
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&record, "address = ?", key).Error; err != nil {
			return fmt.Errorf("lock record: %w", err)
		}
		if err := fn(&record); err != nil {
			return err
		}
		record.Address = key
		if err := tx.Save(&record).Error; err != nil {
			return fmt.Errorf("save record: %w", err)
		}
		for i := range record.events {
			if err := tx.Create(&record.events[i]).Error; err != nil {
				return fmt.Errorf("append event: %w", err)
			}
		}
		return nil
	})
	record.events = nil
	if err != nil {
		return ClaimRecord{}, err
	}
	return record, nil
}

// FindByTransaction returns the record whose last transaction is txHash.
func (s *Store) FindByTransaction(ctx context.Context, txHash string) (ClaimRecord, bool, error) {
	key := strings.ToLower(strings.TrimSpace(txHash))
	if key == "" {
		return ClaimRecord{}, false, nil
	}
	var record ClaimRecord
	err := s.db.WithContext(ctx).First(&record, "last_transaction_id = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ClaimRecord{}, false, nil
	}
	if err != nil {
		return ClaimRecord{}, false, fmt.Errorf("ledger: find transaction: %w", err)
	}
	return record, true, nil
}

// PendingTransactions lists records whose last transaction is still marked
// submitted and was relayed at or before olderThan.
func (s *Store) PendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]ClaimRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []ClaimRecord
	err := s.db.WithContext(ctx).
		Where("last_transaction_status = ? AND last_confirmed_at <= ?", TxSubmitted, olderThan.Unix()).
		Order("last_confirmed_at ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: pending transactions: %w", err)
	}
	return records, nil
}

// Events returns the newest audit entries for address, newest first.
func (s *Store) Events(ctx context.Context, address string, limit int) ([]ClaimEvent, error) {
	key, err := normaliseAddress(address)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	var events []ClaimEvent
	err = s.db.WithContext(ctx).
		Where("address = ?", key).
		Order("id DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: events: %w", err)
	}
	return events, nil
}

// Stats summarises ledger contents for status endpoints.
type Stats struct {
	Addresses int64
	Pending   int64
}

// Stats counts tracked addresses and unconfirmed relays.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	db := s.db.WithContext(ctx)
	if err := db.Model(&ClaimRecord{}).Count(&stats.Addresses).Error; err != nil {
		return Stats{}, fmt.Errorf("ledger: count records: %w", err)
	}
	if err := db.Model(&ClaimRecord{}).Where("last_transaction_status = ?", TxSubmitted).Count(&stats.Pending).Error; err != nil {
		return Stats{}, fmt.Errorf("ledger: count pending: %w", err)
	}
	return stats, nil
}
