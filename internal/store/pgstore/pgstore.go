// Package pgstore is the Postgres KVStore adapter — selected when
// DATABASE=postgres (§6.1). Documents are kept in a single table as jsonb
// blobs keyed by (collection, id); Postgres plays the role of "any durable
// key/value store", not a relational model — no generated ORM sits above
// it (see DESIGN.md: the teacher's `ent` layer requires code generation
// this environment cannot run, so repositories talk to pgx directly,
// exactly as the teacher's own pkg/database wires the connection pool and
// migrations beneath ent).
package pgstore

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // register the pgx driver for database/sql

	"github.com/agentflow/runtime/internal/store"
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds Postgres connection configuration, mirroring the teacher's
// database.Config field set.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DSN renders cfg as a libpq connection string.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Store is a pgx-backed KVStore.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.KVStore = (*Store)(nil)

// New opens a connection pool, applies embedded migrations, and returns a
// ready-to-use Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := runMigrations(ctx, cfg); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{pool: pool}, nil
}

// NewFromPool wraps an existing pool (useful for tests against
// testcontainers).
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// runMigrations opens a plain database/sql connection over the pgx stdlib
// driver and hands it to golang-migrate, mirroring the teacher's own
// pkg/database/client.go: migrate gets its own short-lived *sql.DB rather
// than sharing the pgxpool used for document reads/writes.
func runMigrations(ctx context.Context, cfg Config) error {
	db, err := stdsql.Open("pgx", cfg.DSN())
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migration connection: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, cfg.Database, driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Close only the source driver; closing m would also close driver, which
	// would close db out from under the deferred db.Close() above.
	return sourceDriver.Close()
}

func (s *Store) Get(ctx context.Context, collection, id string) (json.RawMessage, bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&data)
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return json.RawMessage(data), true, nil
}

func (s *Store) List(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, data FROM documents WHERE collection = $1`, collection)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		out[id] = json.RawMessage(data)
	}
	return out, rows.Err()
}

func (s *Store) Apply(ctx context.Context, muts []store.Mutation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, m := range muts {
		if m.Data == nil {
			if _, err := tx.Exec(ctx,
				`DELETE FROM documents WHERE collection = $1 AND id = $2`,
				m.Collection, m.ID,
			); err != nil {
				return fmt.Errorf("delete %s/%s: %w", m.Collection, m.ID, err)
			}
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO documents (collection, id, data, updated_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (collection, id) DO UPDATE SET data = $3, updated_at = now()`,
			m.Collection, m.ID, []byte(m.Data),
		); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", m.Collection, m.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
