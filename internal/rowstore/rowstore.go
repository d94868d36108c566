// Package rowstore defines the external row-store contract the core
// compression engine reads from and writes to. The core never talks to a
// database directly; it talks to this interface, so that the swinging-door
// engine stays testable without a live TimescaleDB instance.
package rowstore

import (
	"context"
	"time"

	"github.com/sdtdb/sdt-shim/internal/sdt"
)

// Direction selects which side of a timestamp Closest searches.
type Direction int

const (
	// Before finds the nearest row with timestamp <= t.
	Before Direction = iota
	// After finds the nearest row with timestamp >= t.
	After
)

// RowIterator is an ordered, strictly-increasing, cursor-backed sequence
// of persisted points. Implementations must support being abandoned
// mid-scan: Close drains and releases the underlying cursor.
type RowIterator interface {
	sdt.PointIterator
	Close() error
}

// Store is the row-store contract the engine is written against: ordered
// range scans, nearest-point reads, point writes, and dev_margin metadata
// persistence.
type Store interface {
	// CreateMetadataTableIfAbsent creates the dev_margin metadata table
	// if it does not already exist.
	CreateMetadataTableIfAbsent(ctx context.Context) error

	// RegisterDevMargin persists the deviation margin configured for a
	// table, so a Compressor can be re-hydrated after a restart.
	RegisterDevMargin(ctx context.Context, table string, margin float64) error

	// LoadDevMargin returns the previously registered margin for table,
	// or ok=false if none was registered.
	LoadDevMargin(ctx context.Context, table string) (margin float64, ok bool, err error)

	// EnsureTable creates the underlying two-column (timestamp, value)
	// table/hypertable for table if it does not already exist.
	EnsureTable(ctx context.Context, table string) error

	// Insert persists a single point.
	Insert(ctx context.Context, table string, point sdt.DataPoint) error

	// Scan returns an ordered, lazy sequence of points in [start, end].
	// Either bound may be the zero time.Time to mean "unbounded".
	Scan(ctx context.Context, table string, start, end time.Time) (RowIterator, error)

	// Closest returns the single row nearest to t in the given direction,
	// or ok=false if no such row exists.
	Closest(ctx context.Context, table string, t time.Time, direction Direction) (point sdt.DataPoint, ok bool, err error)
}
