// Package handlers exposes the compression engine over HTTP: gin for
// routing, zap for structured logging of failed requests, and a Prometheus
// counter per outcome. Core errors (internal/sdt.Error) are mapped to
// HTTP status codes at this boundary only — the underlying error value
// handed to the caller is never altered.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sdtdb/sdt-shim/internal/sdt"
	"github.com/sdtdb/sdt-shim/internal/session"
)

const wireTimestampLayout = "2006-01-02 15:04:05"

// PointHandler implements the table/point/range HTTP surface over a
// session Engine.
type PointHandler struct {
	engine   *session.Engine
	logger   *zap.Logger
	requests *prometheus.CounterVec
}

// NewPointHandler constructs a PointHandler bound to engine.
func NewPointHandler(engine *session.Engine, logger *zap.Logger) *PointHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdt_http_requests_total",
			Help: "Count of HTTP requests handled, by route and outcome.",
		},
		[]string{"route", "outcome"},
	)
	if err := prometheus.Register(requests); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			requests = already.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	return &PointHandler{engine: engine, logger: logger, requests: requests}
}

type createTableRequest struct {
	DevMargin float64 `json:"dev_margin" binding:"required"`
}

// HandleCreateTable implements POST /tables/:table.
func (h *PointHandler) HandleCreateTable(c *gin.Context) {
	table := c.Param("table")

	var req createTableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.requests.WithLabelValues("create_table", "bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "dev_margin is required"})
		return
	}

	if err := h.engine.Create(c.Request.Context(), table, req.DevMargin); err != nil {
		h.logger.Warn("create table failed", zap.String("table", table), zap.Error(err))
		status, body := mapError(err)
		h.requests.WithLabelValues("create_table", "error").Inc()
		c.JSON(status, body)
		return
	}

	h.requests.WithLabelValues("create_table", "ok").Inc()
	c.JSON(http.StatusCreated, gin.H{"table": table, "dev_margin": req.DevMargin})
}

type insertPointRequest struct {
	Timestamp string  `json:"timestamp" binding:"required"`
	Value     float64 `json:"value"`
}

// HandleInsertPoint implements POST /tables/:table/points.
func (h *PointHandler) HandleInsertPoint(c *gin.Context) {
	table := c.Param("table")

	var req insertPointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.requests.WithLabelValues("insert_point", "bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "timestamp and value are required"})
		return
	}

	ts, err := time.Parse(wireTimestampLayout, req.Timestamp)
	if err != nil {
		h.requests.WithLabelValues("insert_point", "bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "timestamp must be formatted as " + wireTimestampLayout})
		return
	}

	persisted, err := h.engine.Insert(c.Request.Context(), table, sdt.NewDataPoint(ts, req.Value))
	if err != nil {
		h.logger.Warn("insert failed", zap.String("table", table), zap.Error(err))
		status, body := mapError(err)
		h.requests.WithLabelValues("insert_point", "error").Inc()
		c.JSON(status, body)
		return
	}

	h.requests.WithLabelValues("insert_point", "ok").Inc()
	c.JSON(http.StatusOK, gin.H{"persisted": persisted != nil})
}

// HandleSelectPoint implements GET /tables/:table/points/:timestamp.
func (h *PointHandler) HandleSelectPoint(c *gin.Context) {
	table := c.Param("table")

	ts, err := time.Parse(wireTimestampLayout, c.Param("timestamp"))
	if err != nil {
		h.requests.WithLabelValues("select_point", "bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "timestamp must be formatted as " + wireTimestampLayout})
		return
	}

	point, err := h.engine.SelectPoint(c.Request.Context(), table, ts)
	if err != nil {
		h.logger.Warn("select point failed", zap.String("table", table), zap.Error(err))
		status, body := mapError(err)
		h.requests.WithLabelValues("select_point", "error").Inc()
		c.JSON(status, body)
		return
	}

	h.requests.WithLabelValues("select_point", "ok").Inc()
	c.JSON(http.StatusOK, gin.H{
		"timestamp": point.FormatTimestamp(),
		"value":     point.Value,
	})
}

// HandleSelectRange implements GET /tables/:table/range?start=&end=,
// materializing the lazy range interpolator into a single JSON array.
func (h *PointHandler) HandleSelectRange(c *gin.Context) {
	table := c.Param("table")

	start, end, err := parseRangeBounds(c)
	if err != nil {
		h.requests.WithLabelValues("select_range", "bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	it, err := h.engine.SelectRange(c.Request.Context(), table, start, end)
	if err != nil {
		h.logger.Warn("select range failed", zap.String("table", table), zap.Error(err))
		status, body := mapError(err)
		h.requests.WithLabelValues("select_range", "error").Inc()
		c.JSON(status, body)
		return
	}

	out := make([]gin.H, 0)
	for {
		p, ok, nextErr := it.Next()
		if nextErr != nil {
			h.logger.Warn("range iteration failed", zap.String("table", table), zap.Error(nextErr))
			h.requests.WithLabelValues("select_range", "error").Inc()
			status, body := mapError(nextErr)
			c.JSON(status, body)
			return
		}
		if !ok {
			break
		}
		out = append(out, gin.H{"timestamp": p.FormatTimestamp(), "value": p.Value})
	}

	h.requests.WithLabelValues("select_range", "ok").Inc()
	c.JSON(http.StatusOK, out)
}

func parseRangeBounds(c *gin.Context) (start, end *time.Time, err error) {
	if raw := c.Query("start"); raw != "" {
		t, parseErr := time.Parse(wireTimestampLayout, raw)
		if parseErr != nil {
			return nil, nil, errors.New("start must be formatted as " + wireTimestampLayout)
		}
		start = &t
	}
	if raw := c.Query("end"); raw != "" {
		t, parseErr := time.Parse(wireTimestampLayout, raw)
		if parseErr != nil {
			return nil, nil, errors.New("end must be formatted as " + wireTimestampLayout)
		}
		end = &t
	}
	return start, end, nil
}

// mapError projects a core sdt.Error onto an HTTP status. Errors outside
// the core taxonomy (transport/database failures) map to 500 without
// inspection.
func mapError(err error) (int, gin.H) {
	var sdtErr *sdt.Error
	if errors.As(err, &sdtErr) {
		switch sdtErr.Kind {
		case sdt.KindInvalidConfig, sdt.KindInvalidInput:
			return http.StatusBadRequest, gin.H{"error": sdtErr.Error()}
		case sdt.KindUnreconstructable, sdt.KindUnconfigured:
			return http.StatusConflict, gin.H{"error": sdtErr.Error()}
		case sdt.KindProtocolViolation:
			return http.StatusInternalServerError, gin.H{"error": sdtErr.Error()}
		}
	}
	return http.StatusInternalServerError, gin.H{"error": err.Error()}
}
