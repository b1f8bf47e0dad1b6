package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// purgeInterval is how often expired rows are deleted. The claim queries
// already treat expired rows as absent; the purge only bounds table growth.
const purgeInterval = time.Minute

// PostgresConfig holds connection settings for the Postgres-backed store.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DSN returns the pgx-compatible connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LoadPostgresConfigFromEnv loads Postgres configuration from environment
// variables with sensible defaults.
func LoadPostgresConfigFromEnv() (PostgresConfig, error) {
	port, err := strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		return PostgresConfig{}, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	maxOpen, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_OPEN_CONNS", "10"))
	maxIdle, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_IDLE_CONNS", "5"))

	return PostgresConfig{
		Host:            getEnvOrDefault("DB_HOST", "localhost"),
		Port:            port,
		User:            getEnvOrDefault("DB_USER", "relay"),
		Password:        os.Getenv("DB_PASSWORD"),
		Database:        getEnvOrDefault("DB_NAME", "relay"),
		SSLMode:         getEnvOrDefault("DB_SSLMODE", "disable"),
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// PostgresStore implements Store on PostgreSQL. Atomicity of nonce and SID
// claims comes from INSERT ... ON CONFLICT; expired rows are treated as
// absent and reclaimed in place.
type PostgresStore struct {
	db      *sql.DB
	stop    chan struct{}
	stopped chan struct{}
}

// NewPostgresStore opens the database, applies pending migrations and starts
// the expiry purge loop.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return newPostgresStore(ctx, db, cfg.Database)
}

// NewPostgresStoreFromDSN opens a store from a raw connection string with
// default pool settings. Used by integration tests.
func NewPostgresStoreFromDSN(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	return newPostgresStore(ctx, db, "relay")
}

func newPostgresStore(ctx context.Context, db *sql.DB, dbName string) (*PostgresStore, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, dbName); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	s := &PostgresStore{
		db:      db,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.purgeLoop()
	return s, nil
}

// runMigrations applies embedded SQL migrations with golang-migrate. The
// migration source is closed explicitly; m.Close() would also close the
// shared *sql.DB.
func runMigrations(db *sql.DB, dbName string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, dbName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

func (s *PostgresStore) RegisterPC(ctx context.Context, eventID, pcid string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relay_pcs (event_id, pcid) VALUES ($1, $2)
		 ON CONFLICT (event_id, pcid) DO NOTHING`,
		eventID, pcid)
	if err != nil {
		return fmt.Errorf("failed to register pc: %w", err)
	}
	return nil
}

func (s *PostgresStore) PCRegistered(ctx context.Context, eventID, pcid string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM relay_pcs WHERE event_id = $1 AND pcid = $2)`,
		eventID, pcid).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query registered pc: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) CreatePendingSID(ctx context.Context, eventID, sid, pcid string, ttl time.Duration) error {
	// An expired row may be reclaimed in place; a live row wins the conflict.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO relay_sids (event_id, sid, pcid, claimed, expires_at)
		 VALUES ($1, $2, $3, FALSE, now() + $4 * INTERVAL '1 second')
		 ON CONFLICT (event_id, sid) DO UPDATE
		 SET pcid = EXCLUDED.pcid, claimed = FALSE, expires_at = EXCLUDED.expires_at
		 WHERE relay_sids.expires_at <= now()`,
		eventID, sid, pcid, int(ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to create pending sid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrSIDExists
	}
	return nil
}

func (s *PostgresStore) GetPendingSID(ctx context.Context, eventID, sid string) (PendingSID, error) {
	var entry PendingSID
	err := s.db.QueryRowContext(ctx,
		`SELECT pcid, claimed, expires_at FROM relay_sids
		 WHERE event_id = $1 AND sid = $2 AND expires_at > now()`,
		eventID, sid).Scan(&entry.PCID, &entry.Claimed, &entry.ExpiresAt)
	if err == sql.ErrNoRows {
		return PendingSID{}, ErrNotFound
	}
	if err != nil {
		return PendingSID{}, fmt.Errorf("failed to query pending sid: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) ClaimSID(ctx context.Context, eventID, sid string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE relay_sids SET claimed = TRUE
		 WHERE event_id = $1 AND sid = $2 AND expires_at > now()`,
		eventID, sid)
	if err != nil {
		return fmt.Errorf("failed to claim sid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ClaimNonce(ctx context.Context, eventID, nonce string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO relay_nonces (event_id, nonce, expires_at)
		 VALUES ($1, $2, now() + $3 * INTERVAL '1 second')
		 ON CONFLICT (event_id, nonce) DO UPDATE
		 SET expires_at = EXCLUDED.expires_at
		 WHERE relay_nonces.expires_at <= now()`,
		eventID, nonce, int(ttl.Seconds()))
	if err != nil {
		return false, fmt.Errorf("failed to claim nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the purge loop and closes the database.
func (s *PostgresStore) Close() error {
	close(s.stop)
	<-s.stopped
	return s.db.Close()
}

func (s *PostgresStore) purgeLoop() {
	defer close(s.stopped)
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if _, err := s.db.ExecContext(ctx, `DELETE FROM relay_sids WHERE expires_at <= now()`); err != nil {
				slog.Warn("Failed to purge expired sids", "error", err)
			}
			if _, err := s.db.ExecContext(ctx, `DELETE FROM relay_nonces WHERE expires_at <= now()`); err != nil {
				slog.Warn("Failed to purge expired nonces", "error", err)
			}
			cancel()
		}
	}
}
