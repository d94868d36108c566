package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
)

// StreamHandler upgrades a range query to a WebSocket and streams the
// range interpolator's output frame-by-frame as it is produced, instead
// of materializing the whole range first. The connection lifecycle
// (upgrade, ping loop, graceful close on client disconnect) mirrors any
// long-lived streaming handler.
type StreamHandler struct {
	points   *PointHandler
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewStreamHandler constructs a StreamHandler sharing points' engine.
func NewStreamHandler(points *PointHandler, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{
		points: points,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// streamConn serializes writes to a WebSocket connection: the data loop
// and the keepalive ping goroutine must never write concurrently.
type streamConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *streamConn) writeJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return s.conn.WriteJSON(v)
}

func (s *streamConn) writeControl(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return s.conn.WriteMessage(messageType, data)
}

// HandleStream implements GET /tables/:table/stream?start=&end=.
func (h *StreamHandler) HandleStream(c *gin.Context) {
	table := c.Param("table")

	start, end, err := parseRangeBounds(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("table", table), zap.Error(err))
		return
	}
	defer raw.Close()
	conn := &streamConn{conn: raw}

	it, err := h.points.engine.SelectRange(c.Request.Context(), table, start, end)
	if err != nil {
		h.writeError(conn, err)
		return
	}

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-ticker.C:
				if pingErr := conn.writeControl(websocket.PingMessage, nil); pingErr != nil {
					return
				}
			case <-stop:
				return
			}
		}
	}()

	for {
		p, ok, nextErr := it.Next()
		if nextErr != nil {
			h.writeError(conn, nextErr)
			break
		}
		if !ok {
			break
		}

		frame := map[string]interface{}{"timestamp": p.FormatTimestamp(), "value": p.Value}
		if writeErr := conn.writeJSON(frame); writeErr != nil {
			h.logger.Info("stream client disconnected", zap.String("table", table), zap.Error(writeErr))
			it.Close()
			break
		}
	}

	_ = conn.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *StreamHandler) writeError(conn *streamConn, err error) {
	status, body := mapError(err)
	_ = conn.writeJSON(map[string]interface{}{"error": body["error"], "status": status})
}
