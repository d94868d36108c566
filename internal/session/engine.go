// Package session owns the per-table Compressor map for the lifetime of a
// connection, exposing the core engine's on_insert/on_select_point/
// on_select_range/on_create operations to the SQL shim and the HTTP/MQTT
// adapters. It is the concurrency boundary the core assumes but does not
// itself provide: each table's Compressor is only ever touched while that
// table's own mutex is held, so callers touching distinct tables never
// block each other, while callers touching the same table are serialized.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sdtdb/sdt-shim/internal/rowstore"
	"github.com/sdtdb/sdt-shim/internal/sdt"
)

// tableState pairs a Compressor with the mutex that serializes access to
// it.
type tableState struct {
	mu         sync.Mutex
	compressor *sdt.Compressor
}

// Engine is the per-connection session: a table_name -> Compressor map
// plus the row store its points are written to and read from.
type Engine struct {
	store  rowstore.Store
	logger *zap.Logger
	tables sync.Map // string -> *tableState
}

// NewEngine constructs a session Engine bound to store.
func NewEngine(store rowstore.Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, logger: logger}
}

// Create registers a new table with the given deviation margin. It fails
// if the table is already registered in this session.
func (e *Engine) Create(ctx context.Context, table string, devMargin float64) error {
	if _, loaded := e.tables.Load(table); loaded {
		return fmt.Errorf("table %q is already registered", table)
	}

	compressor, err := sdt.NewCompressor(devMargin)
	if err != nil {
		return err
	}

	if err := e.store.EnsureTable(ctx, table); err != nil {
		return fmt.Errorf("ensure table %q: %w", table, err)
	}
	if err := e.store.RegisterDevMargin(ctx, table, devMargin); err != nil {
		return fmt.Errorf("register dev_margin for %q: %w", table, err)
	}

	state := &tableState{compressor: compressor}
	if _, loaded := e.tables.LoadOrStore(table, state); loaded {
		return fmt.Errorf("table %q is already registered", table)
	}

	e.logger.Info("table registered", zap.String("table", table), zap.Float64("dev_margin", devMargin))
	return nil
}

// Insert feeds a point through the table's Compressor and, if the
// Compressor says to persist, writes the emitted point through the row
// store.
func (e *Engine) Insert(ctx context.Context, table string, point sdt.DataPoint) (*sdt.DataPoint, error) {
	state, err := e.getOrHydrate(ctx, table)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	out, err := state.compressor.Accept(point)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	if err := e.store.Insert(ctx, table, *out); err != nil {
		return nil, fmt.Errorf("persist point for %q: %w", table, err)
	}
	return out, nil
}

// SelectPoint reconstructs the value at t, bracketing t with the nearest persisted points and falling back to the
// in-memory snapshot when only one side of the bracket is persisted.
func (e *Engine) SelectPoint(ctx context.Context, table string, t time.Time) (sdt.DataPoint, error) {
	state, err := e.getOrHydrate(ctx, table)
	if err != nil {
		return sdt.DataPoint{}, err
	}

	before, hasBefore, err := e.store.Closest(ctx, table, t, rowstore.Before)
	if err != nil {
		return sdt.DataPoint{}, fmt.Errorf("closest-before for %q: %w", table, err)
	}
	after, hasAfter, err := e.store.Closest(ctx, table, t, rowstore.After)
	if err != nil {
		return sdt.DataPoint{}, fmt.Errorf("closest-after for %q: %w", table, err)
	}

	if hasBefore && hasAfter && before.Timestamp.Equal(after.Timestamp) {
		return before, nil
	}

	anchors := make([]sdt.DataPoint, 0, 2)
	if hasBefore {
		anchors = append(anchors, before)
	}
	if hasAfter {
		anchors = append(anchors, after)
	}

	if len(anchors) < 2 {
		state.mu.Lock()
		snapshot, hasSnapshot := state.compressor.Buffer().Snapshot()
		state.mu.Unlock()
		if hasSnapshot {
			anchors = append(anchors, snapshot)
		}
	}

	return sdt.At(t, anchors...)
}

// SelectRange reconstructs points across [start, end] at the table's
// time_step stride. The returned iterator
// streams lazily; the underlying row-store cursor is released once the
// iterator is fully drained or closed.
func (e *Engine) SelectRange(ctx context.Context, table string, start, end *time.Time) (*sdt.RangeIterator, error) {
	state, err := e.getOrHydrate(ctx, table)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	step, hasStep := state.compressor.TimeStep()
	snapshot, hasSnapshot := state.compressor.Buffer().Snapshot()
	state.mu.Unlock()

	var stepPtr *time.Duration
	if hasStep {
		stepPtr = &step
	}
	var snapshotPtr *sdt.DataPoint
	if hasSnapshot {
		snapshotPtr = &snapshot
	}

	var scanStart, scanEnd time.Time
	if start != nil {
		scanStart = *start
	}
	if end != nil {
		scanEnd = *end
	}

	rows, err := e.store.Scan(ctx, table, scanStart, scanEnd)
	if err != nil {
		return nil, fmt.Errorf("scan %q: %w", table, err)
	}

	it, err := sdt.Range(ctx, sdt.RangeConfig{
		Start:    start,
		End:      end,
		Archived: rows,
		TimeStep: stepPtr,
		Snapshot: snapshotPtr,
	})
	if err != nil {
		_ = rows.Close()
		return nil, err
	}

	go func() {
		<-it.Done()
		if cerr := rows.Close(); cerr != nil {
			e.logger.Warn("row cursor close failed", zap.String("table", table), zap.Error(cerr))
		}
	}()

	return it, nil
}

// Flush emits the pending snapshot for table, if any, as the final point
// to persist. Without it a session shutdown would silently drop whatever
// is still buffered.
func (e *Engine) Flush(ctx context.Context, table string) (*sdt.DataPoint, error) {
	v, ok := e.tables.Load(table)
	if !ok {
		return nil, fmt.Errorf("table %q is not registered", table)
	}
	state := v.(*tableState)

	state.mu.Lock()
	defer state.mu.Unlock()

	point, err := state.compressor.Flush()
	if err != nil || point == nil {
		return point, err
	}
	if err := e.store.Insert(ctx, table, *point); err != nil {
		return nil, fmt.Errorf("persist flushed point for %q: %w", table, err)
	}
	return point, nil
}

// FlushAll flushes every table currently registered in this session,
// logging (but not failing on) individual flush errors so that shutdown
// always proceeds.
func (e *Engine) FlushAll(ctx context.Context) {
	e.tables.Range(func(key, _ interface{}) bool {
		table := key.(string)
		if _, err := e.Flush(ctx, table); err != nil {
			e.logger.Warn("flush failed during shutdown", zap.String("table", table), zap.Error(err))
		}
		return true
	})
}

// getOrHydrate returns the in-memory table state, lazily re-hydrating a
// Compressor from the row store's persisted dev_margin if this session
// has not yet touched the table (e.g. after a restart). Buffered,
// unarchived points are not recoverable across a restart; only the
// margin is persisted.
func (e *Engine) getOrHydrate(ctx context.Context, table string) (*tableState, error) {
	if v, ok := e.tables.Load(table); ok {
		return v.(*tableState), nil
	}

	margin, ok, err := e.store.LoadDevMargin(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("load dev_margin for %q: %w", table, err)
	}
	if !ok {
		return nil, fmt.Errorf("table %q is not registered", table)
	}

	compressor, err := sdt.NewCompressor(margin)
	if err != nil {
		return nil, err
	}
	state := &tableState{compressor: compressor}

	actual, _ := e.tables.LoadOrStore(table, state)
	return actual.(*tableState), nil
}
