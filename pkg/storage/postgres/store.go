package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"huddle/pkg/models"
)

// Store implements storage.PartyStore and storage.RoundStore on Postgres.
// All aggregate mutations run inside a transaction that takes a row-level
// lock (SELECT ... FOR UPDATE) on the owning party or question, so the
// read-validate-write window of concurrent callers never interleaves.
type Store struct {
	db *gorm.DB
}

// NewStore opens the GORM connection and migrates the schema.
func NewStore(connString string) (*Store, error) {
	config := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	}

	db, err := gorm.Open(postgres.Open(connString), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	err = db.AutoMigrate(
		&models.Party{},
		&models.Participation{},
		&models.PartyWaitState{},
		&models.Round{},
		&models.Question{},
		&models.Vote{},
		&models.RoundState{},
	)
	if err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// isUniqueViolation reports whether err is a Postgres unique-index rejection.
// This is how a racing duplicate insert that slipped past a pre-check is
// detected and translated to a domain conflict.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isSerializationFailure reports whether err is a transient transaction
// conflict (serialization failure or deadlock) worth retrying once.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// withRetry runs fn and retries it exactly once if the failure was a
// serialization conflict. Anything else is surfaced as-is.
func withRetry(fn func() error) error {
	err := fn()
	if err != nil && isSerializationFailure(err) {
		return fn()
	}
	return err
}
