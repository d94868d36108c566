package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdtdb/sdt-shim/internal/rowstore"
	"github.com/sdtdb/sdt-shim/internal/sdt"
	"github.com/sdtdb/sdt-shim/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeStoreHTTP is a minimal in-memory rowstore.Store for handler tests.
type fakeStoreHTTP struct {
	mu      sync.Mutex
	rows    map[string][]sdt.DataPoint
	margins map[string]float64
}

func newFakeStoreHTTP() *fakeStoreHTTP {
	return &fakeStoreHTTP{rows: make(map[string][]sdt.DataPoint), margins: make(map[string]float64)}
}

func (f *fakeStoreHTTP) CreateMetadataTableIfAbsent(ctx context.Context) error { return nil }

func (f *fakeStoreHTTP) RegisterDevMargin(ctx context.Context, table string, margin float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.margins[table] = margin
	return nil
}

func (f *fakeStoreHTTP) LoadDevMargin(ctx context.Context, table string) (float64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.margins[table]
	return m, ok, nil
}

func (f *fakeStoreHTTP) EnsureTable(ctx context.Context, table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[table]; !ok {
		f.rows[table] = nil
	}
	return nil
}

func (f *fakeStoreHTTP) Insert(ctx context.Context, table string, point sdt.DataPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[table] = append(f.rows[table], point)
	sort.Slice(f.rows[table], func(i, j int) bool { return f.rows[table][i].Timestamp.Before(f.rows[table][j].Timestamp) })
	return nil
}

type fakeIteratorHTTP struct {
	*sdt.SliceIterator
}

func (f *fakeIteratorHTTP) Close() error { return nil }

func (f *fakeStoreHTTP) Scan(ctx context.Context, table string, start, end time.Time) (rowstore.RowIterator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sdt.DataPoint
	for _, p := range f.rows[table] {
		if !start.IsZero() && p.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && p.Timestamp.After(end) {
			continue
		}
		out = append(out, p)
	}
	return &fakeIteratorHTTP{SliceIterator: sdt.NewSliceIterator(out)}, nil
}

func (f *fakeStoreHTTP) Closest(ctx context.Context, table string, t time.Time, direction rowstore.Direction) (sdt.DataPoint, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.rows[table]
	if direction == rowstore.Before {
		for i := len(rows) - 1; i >= 0; i-- {
			if !rows[i].Timestamp.After(t) {
				return rows[i], true, nil
			}
		}
		return sdt.DataPoint{}, false, nil
	}
	for _, p := range rows {
		if !p.Timestamp.Before(t) {
			return p, true, nil
		}
	}
	return sdt.DataPoint{}, false, nil
}

func TestHandleCreateTable(t *testing.T) {
	engine := session.NewEngine(newFakeStoreHTTP(), nil)
	h := NewPointHandler(engine, nil)

	router := gin.New()
	router.POST("/tables/:table", h.HandleCreateTable)

	body, _ := json.Marshal(map[string]float64{"dev_margin": 0.5})
	req := httptest.NewRequest(http.MethodPost, "/tables/temps", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
}

func TestHandleInsertAndSelectPoint(t *testing.T) {
	engine := session.NewEngine(newFakeStoreHTTP(), nil)
	h := NewPointHandler(engine, nil)

	router := gin.New()
	router.POST("/tables/:table", h.HandleCreateTable)
	router.POST("/tables/:table/points", h.HandleInsertPoint)
	router.GET("/tables/:table/points/:timestamp", h.HandleSelectPoint)

	post := func(path string, payload map[string]interface{}) *httptest.ResponseRecorder {
		body, _ := json.Marshal(payload)
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	require.Equal(t, http.StatusCreated, post("/tables/temps", map[string]interface{}{"dev_margin": 0.5}).Code)
	require.Equal(t, http.StatusOK, post("/tables/temps/points", map[string]interface{}{"timestamp": "2024-01-01 00:00:00", "value": 0}).Code)
	require.Equal(t, http.StatusOK, post("/tables/temps/points", map[string]interface{}{"timestamp": "2024-01-01 00:00:10", "value": 10}).Code)

	req := httptest.NewRequest(http.MethodGet, "/tables/temps/points/2024-01-01%2000:00:05", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.InDelta(t, 5, resp["value"], 1e-6)
}

func TestHandleInsertPointBadTimestamp(t *testing.T) {
	engine := session.NewEngine(newFakeStoreHTTP(), nil)
	h := NewPointHandler(engine, nil)

	router := gin.New()
	router.POST("/tables/:table", h.HandleCreateTable)
	router.POST("/tables/:table/points", h.HandleInsertPoint)

	body, _ := json.Marshal(map[string]interface{}{"dev_margin": 0.5})
	req := httptest.NewRequest(http.MethodPost, "/tables/temps", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	badBody, _ := json.Marshal(map[string]interface{}{"timestamp": "not-a-time", "value": 1})
	req2 := httptest.NewRequest(http.MethodPost, "/tables/temps/points", bytes.NewReader(badBody))
	req2.Header.Set("Content-Type", "application/json")
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req2)
	require.Equal(t, http.StatusBadRequest, w2.Code)
}
