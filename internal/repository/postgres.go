// Package repository adapts the row-store contract (internal/rowstore)
// to a concrete TimescaleDB/PostgreSQL backend over pgx/v5: schema-qualified
// hypertable creation, best-effort chunk/compression configuration, and a
// circuit breaker around every round trip so a flapping database degrades
// the engine instead of cascading failures into every caller.
package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/sdtdb/sdt-shim/internal/rowstore"
	"github.com/sdtdb/sdt-shim/internal/sdt"
)

const metadataTableName = "dev_margin"

// identPattern constrains the table names handed to this store to safe
// Postgres identifiers before they are interpolated into DDL/DML; pgx
// placeholders cover values but not identifiers.
var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config holds the TimescaleDB-specific knobs for the two-column series
// tables this store manages: schema, chunk interval, and whether native
// compression should be layered on top of the dev_margin compression
// already applied before rows ever reach this store.
type Config struct {
	Schema             string
	ChunkInterval      time.Duration
	CompressionEnabled bool
}

func (c Config) withDefaults() Config {
	if c.Schema == "" {
		c.Schema = "public"
	}
	if c.ChunkInterval <= 0 {
		c.ChunkInterval = 24 * time.Hour
	}
	return c
}

// PostgresRowStore implements rowstore.Store against TimescaleDB/Postgres.
type PostgresRowStore struct {
	pool    *pgxpool.Pool
	config  Config
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// New constructs a PostgresRowStore over an existing pool.
func New(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *PostgresRowStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "PostgresRowStoreBreaker",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("row store circuit breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	return &PostgresRowStore{pool: pool, config: cfg, breaker: breaker, logger: logger}
}

func validateIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

func (s *PostgresRowStore) qualify(table string) string {
	return fmt.Sprintf(`"%s"."%s"`, s.config.Schema, table)
}

// CreateMetadataTableIfAbsent creates the dev_margin metadata table.
func (s *PostgresRowStore) CreateMetadataTableIfAbsent(ctx context.Context) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		_, execErr := s.pool.Exec(ctx, fmt.Sprintf(`
			CREATE SCHEMA IF NOT EXISTS "%s";
			CREATE TABLE IF NOT EXISTS "%s"."%s" (
				id SERIAL PRIMARY KEY,
				table_name TEXT UNIQUE NOT NULL,
				dev_margin DOUBLE PRECISION NOT NULL
			);
		`, s.config.Schema, s.config.Schema, metadataTableName))
		return nil, execErr
	})
	if err != nil {
		return fmt.Errorf("create metadata table: %w", err)
	}
	return nil
}

// RegisterDevMargin persists table's deviation margin.
func (s *PostgresRowStore) RegisterDevMargin(ctx context.Context, table string, margin float64) error {
	if err := validateIdent(table); err != nil {
		return err
	}
	_, err := s.breaker.Execute(func() (interface{}, error) {
		_, execErr := s.pool.Exec(ctx, fmt.Sprintf(`
			INSERT INTO "%s"."%s" (table_name, dev_margin)
			VALUES ($1, $2)
			ON CONFLICT (table_name) DO UPDATE SET dev_margin = EXCLUDED.dev_margin;
		`, s.config.Schema, metadataTableName), table, margin)
		return nil, execErr
	})
	if err != nil {
		return fmt.Errorf("register dev_margin for %q: %w", table, err)
	}
	return nil
}

// LoadDevMargin returns the previously registered margin for table.
func (s *PostgresRowStore) LoadDevMargin(ctx context.Context, table string) (float64, bool, error) {
	if err := validateIdent(table); err != nil {
		return 0, false, err
	}
	result, err := s.breaker.Execute(func() (interface{}, error) {
		var margin float64
		row := s.pool.QueryRow(ctx, fmt.Sprintf(`
			SELECT dev_margin FROM "%s"."%s" WHERE table_name = $1;
		`, s.config.Schema, metadataTableName), table)
		if scanErr := row.Scan(&margin); scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return nil, nil
			}
			return nil, scanErr
		}
		return margin, nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("load dev_margin for %q: %w", table, err)
	}
	if result == nil {
		return 0, false, nil
	}
	return result.(float64), true, nil
}

// EnsureTable creates the per-table hypertable, over a plain two-column
// (ts, value) shape, if it does not already exist.
func (s *PostgresRowStore) EnsureTable(ctx context.Context, table string) error {
	if err := validateIdent(table); err != nil {
		return err
	}
	_, err := s.breaker.Execute(func() (interface{}, error) {
		qualified := s.qualify(table)
		createSQL := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				ts TIMESTAMPTZ NOT NULL,
				value DOUBLE PRECISION NOT NULL
			);
		`, qualified)
		if _, execErr := s.pool.Exec(ctx, createSQL); execErr != nil {
			return nil, execErr
		}

		hypertableSQL := fmt.Sprintf(`
			SELECT create_hypertable('%s', 'ts', chunk_time_interval => INTERVAL '%d seconds', if_not_exists => TRUE);
		`, qualified, int64(s.config.ChunkInterval.Seconds()))
		// Best effort: this fails harmlessly if TimescaleDB is absent or the
		// table is already a hypertable.
		_, _ = s.pool.Exec(ctx, hypertableSQL)

		if s.config.CompressionEnabled {
			compressSQL := fmt.Sprintf(`SELECT add_compression_policy('%s', INTERVAL '7 days');`, qualified)
			_, _ = s.pool.Exec(ctx, compressSQL)
		}

		indexSQL := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s (ts);`, table, qualified)
		_, execErr := s.pool.Exec(ctx, indexSQL)
		return nil, execErr
	})
	if err != nil {
		return fmt.Errorf("ensure table %q: %w", table, err)
	}
	return nil
}

// Insert persists a single point.
func (s *PostgresRowStore) Insert(ctx context.Context, table string, point sdt.DataPoint) error {
	if err := validateIdent(table); err != nil {
		return err
	}
	_, err := s.breaker.Execute(func() (interface{}, error) {
		_, execErr := s.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (ts, value) VALUES ($1, $2);`, s.qualify(table)),
			point.Timestamp, point.Value)
		return nil, execErr
	})
	if err != nil {
		return fmt.Errorf("insert into %q: %w", table, err)
	}
	return nil
}

// Scan returns an ordered, lazy sequence of points in [start, end]. A
// zero start/end means "unbounded" on that side.
func (s *PostgresRowStore) Scan(ctx context.Context, table string, start, end time.Time) (rowstore.RowIterator, error) {
	if err := validateIdent(table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT ts, value FROM %s WHERE TRUE`, s.qualify(table))
	args := []interface{}{}
	if !start.IsZero() {
		args = append(args, start)
		query += fmt.Sprintf(` AND ts >= $%d`, len(args))
	}
	if !end.IsZero() {
		args = append(args, end)
		query += fmt.Sprintf(` AND ts <= $%d`, len(args))
	}
	query += ` ORDER BY ts ASC;`

	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.pool.Query(ctx, query, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("scan %q: %w", table, err)
	}
	return &pgxRowIterator{rows: result.(pgx.Rows)}, nil
}

// Closest returns the single row nearest t in the given direction.
func (s *PostgresRowStore) Closest(ctx context.Context, table string, t time.Time, direction rowstore.Direction) (sdt.DataPoint, bool, error) {
	if err := validateIdent(table); err != nil {
		return sdt.DataPoint{}, false, err
	}

	var query string
	if direction == rowstore.Before {
		query = fmt.Sprintf(`SELECT ts, value FROM %s WHERE ts <= $1 ORDER BY ts DESC LIMIT 1;`, s.qualify(table))
	} else {
		query = fmt.Sprintf(`SELECT ts, value FROM %s WHERE ts >= $1 ORDER BY ts ASC LIMIT 1;`, s.qualify(table))
	}

	result, err := s.breaker.Execute(func() (interface{}, error) {
		var ts time.Time
		var value float64
		row := s.pool.QueryRow(ctx, query, t)
		if scanErr := row.Scan(&ts, &value); scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return nil, nil
			}
			return nil, scanErr
		}
		return sdt.NewDataPoint(ts, value), nil
	})
	if err != nil {
		return sdt.DataPoint{}, false, fmt.Errorf("closest in %q: %w", table, err)
	}
	if result == nil {
		return sdt.DataPoint{}, false, nil
	}
	return result.(sdt.DataPoint), true, nil
}

// pgxRowIterator adapts pgx.Rows to rowstore.RowIterator.
type pgxRowIterator struct {
	rows pgx.Rows
}

func (it *pgxRowIterator) Next() (sdt.DataPoint, bool, error) {
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return sdt.DataPoint{}, false, err
		}
		return sdt.DataPoint{}, false, nil
	}
	var ts time.Time
	var value float64
	if err := it.rows.Scan(&ts, &value); err != nil {
		return sdt.DataPoint{}, false, err
	}
	return sdt.NewDataPoint(ts, value), true, nil
}

func (it *pgxRowIterator) Close() error {
	it.rows.Close()
	return nil
}
