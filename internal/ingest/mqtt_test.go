package ingest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdtdb/sdt-shim/internal/rowstore"
	"github.com/sdtdb/sdt-shim/internal/sdt"
	"github.com/sdtdb/sdt-shim/internal/session"
)

type fakeStore struct {
	mu      sync.Mutex
	rows    map[string][]sdt.DataPoint
	margins map[string]float64
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string][]sdt.DataPoint), margins: make(map[string]float64)}
}

func (f *fakeStore) CreateMetadataTableIfAbsent(ctx context.Context) error { return nil }

func (f *fakeStore) RegisterDevMargin(ctx context.Context, table string, margin float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.margins[table] = margin
	return nil
}

func (f *fakeStore) LoadDevMargin(ctx context.Context, table string) (float64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.margins[table]
	return m, ok, nil
}

func (f *fakeStore) EnsureTable(ctx context.Context, table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[table]; !ok {
		f.rows[table] = nil
	}
	return nil
}

func (f *fakeStore) Insert(ctx context.Context, table string, point sdt.DataPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[table] = append(f.rows[table], point)
	sort.Slice(f.rows[table], func(i, j int) bool { return f.rows[table][i].Timestamp.Before(f.rows[table][j].Timestamp) })
	return nil
}

type fakeRowIterator struct{ *sdt.SliceIterator }

func (fakeRowIterator) Close() error { return nil }

func (f *fakeStore) Scan(ctx context.Context, table string, start, end time.Time) (rowstore.RowIterator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeRowIterator{SliceIterator: sdt.NewSliceIterator(f.rows[table])}, nil
}

func (f *fakeStore) Closest(ctx context.Context, table string, t time.Time, direction rowstore.Direction) (sdt.DataPoint, bool, error) {
	return sdt.DataPoint{}, false, nil
}

func TestIngest_AcceptsValidPayload(t *testing.T) {
	store := newFakeStore()
	engine := session.NewEngine(store, nil)
	require.NoError(t, engine.Create(context.Background(), "temps", 0.5))

	sub := NewSubscriber(Config{Host: "localhost", Port: 1883}, engine, nil)

	payload, err := json.Marshal(Point{Table: "temps", Timestamp: "2024-01-01 00:00:00", Value: 1.5})
	require.NoError(t, err)

	outcome := sub.ingest(context.Background(), "sdt/ingest/temps", payload)
	assert.Equal(t, "accepted", outcome)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.rows["temps"], 1)
	assert.Equal(t, 1.5, store.rows["temps"][0].Value)
}

func TestIngest_RejectsMalformedJSON(t *testing.T) {
	store := newFakeStore()
	engine := session.NewEngine(store, nil)
	sub := NewSubscriber(Config{Host: "localhost", Port: 1883}, engine, nil)

	outcome := sub.ingest(context.Background(), "sdt/ingest/temps", []byte("not json"))
	assert.Equal(t, "decode_error", outcome)
}

func TestIngest_RejectsUnknownTable(t *testing.T) {
	store := newFakeStore()
	engine := session.NewEngine(store, nil)
	sub := NewSubscriber(Config{Host: "localhost", Port: 1883}, engine, nil)

	payload, err := json.Marshal(Point{Table: "unregistered", Timestamp: "2024-01-01 00:00:00", Value: 1})
	require.NoError(t, err)

	outcome := sub.ingest(context.Background(), "sdt/ingest/unregistered", payload)
	assert.Equal(t, "rejected", outcome)
}

func TestIngest_RejectsBadTimestamp(t *testing.T) {
	store := newFakeStore()
	engine := session.NewEngine(store, nil)
	require.NoError(t, engine.Create(context.Background(), "temps", 0.5))
	sub := NewSubscriber(Config{Host: "localhost", Port: 1883}, engine, nil)

	payload, err := json.Marshal(Point{Table: "temps", Timestamp: "not-a-timestamp", Value: 1})
	require.NoError(t, err)

	outcome := sub.ingest(context.Background(), "sdt/ingest/temps", payload)
	assert.Equal(t, "decode_error", outcome)
}
