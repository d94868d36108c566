// Package ingest subscribes to per-table MQTT topics and feeds decoded
// points into a session engine: connect-with-retry, a default handler for
// unmatched topics, and Prometheus message counters per outcome.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sdtdb/sdt-shim/internal/sdt"
	"github.com/sdtdb/sdt-shim/internal/session"
)

// TopicFilter subscribes to one topic segment per table.
const TopicFilter = "sdt/ingest/+"

const qosLevel = 1

const maxRetryAttempts = 3

const retryBackoffInterval = 5 * time.Second

const wireTimestampLayout = "2006-01-02 15:04:05"

// Point is the wire envelope for an ingested point: one point per
// message, the table name carried in the body (not just the topic) so a
// single handler can validate it matches the topic's table segment.
type Point struct {
	Table     string  `json:"table"`
	Timestamp string  `json:"timestamp"`
	Value     float64 `json:"value"`
}

// Config holds the MQTT broker connection settings.
type Config struct {
	Host              string
	Port              int
	ClientIDPrefix    string
	Username          string
	Password          string
	TLSEnabled        bool
	KeepAlive         time.Duration
	ConnectionTimeout time.Duration
}

// Subscriber wraps a paho MQTT client wired to a session Engine.
type Subscriber struct {
	client   mqtt.Client
	engine   *session.Engine
	logger   *zap.Logger
	counters *prometheus.CounterVec
}

// NewSubscriber configures (but does not connect) an MQTT subscriber
// bound to engine.
func NewSubscriber(cfg Config, engine *session.Engine, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}

	counters := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdt_ingest_message_total",
			Help: "Count of MQTT ingest messages processed, by outcome.",
		},
		[]string{"outcome"},
	)
	if err := prometheus.Register(counters); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			counters = already.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.TLSEnabled {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port))
	clientID := cfg.ClientIDPrefix
	if clientID == "" {
		clientID = "sdt-shim"
	}
	// Broker-unique client ID: a stale session with the same ID would be
	// kicked by the broker on reconnect.
	opts.SetClientID(fmt.Sprintf("%s-%s", clientID, uuid.NewString()))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	}
	if cfg.ConnectionTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectionTimeout)
	}
	opts.SetAutoReconnect(false)

	sub := &Subscriber{engine: engine, logger: logger, counters: counters}

	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		logger.Warn("message on unhandled topic", zap.String("topic", msg.Topic()))
	})

	sub.client = mqtt.NewClient(opts)
	return sub
}

// Connect dials the broker with bounded retries and subscribes to the
// per-table ingest topic.
func (s *Subscriber) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= maxRetryAttempts; attempt++ {
		token := s.client.Connect()
		token.Wait()
		if token.Error() == nil {
			lastErr = nil
			break
		}
		lastErr = token.Error()
		s.logger.Warn("mqtt connect attempt failed", zap.Int("attempt", attempt), zap.Error(lastErr))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoffInterval * time.Duration(attempt)):
		}
	}
	if lastErr != nil {
		return fmt.Errorf("connect to mqtt broker after %d attempts: %w", maxRetryAttempts, lastErr)
	}

	subToken := s.client.Subscribe(TopicFilter, qosLevel, s.handleMessage)
	subToken.Wait()
	if subToken.Error() != nil {
		return fmt.Errorf("subscribe to %q: %w", TopicFilter, subToken.Error())
	}

	s.logger.Info("mqtt subscriber connected", zap.String("topic_filter", TopicFilter))
	return nil
}

// Disconnect cleanly tears down the MQTT connection.
func (s *Subscriber) Disconnect() {
	s.client.Unsubscribe(TopicFilter)
	s.client.Disconnect(1000)
	s.logger.Info("mqtt subscriber disconnected")
}

func (s *Subscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic recovered while handling ingest message", zap.Any("recover", r))
			s.counters.WithLabelValues("panic").Inc()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outcome := s.ingest(ctx, msg.Topic(), msg.Payload())
	s.counters.WithLabelValues(outcome).Inc()
}

// ingest decodes a wire envelope and feeds it through the engine,
// returning an outcome label for metrics. Split out from handleMessage
// so the decode-and-insert path is testable without a live broker.
func (s *Subscriber) ingest(ctx context.Context, topic string, payload []byte) string {
	var point Point
	if err := json.Unmarshal(payload, &point); err != nil {
		s.logger.Warn("malformed ingest payload", zap.String("topic", topic), zap.Error(err))
		return "decode_error"
	}
	if point.Table == "" {
		s.logger.Warn("ingest payload missing table", zap.String("topic", topic))
		return "decode_error"
	}
	if segment := topic[strings.LastIndex(topic, "/")+1:]; segment != point.Table {
		s.logger.Warn("ingest payload table does not match topic",
			zap.String("topic", topic), zap.String("table", point.Table))
		return "decode_error"
	}

	ts, err := time.Parse(wireTimestampLayout, point.Timestamp)
	if err != nil {
		s.logger.Warn("ingest payload has invalid timestamp",
			zap.String("table", point.Table), zap.String("timestamp", point.Timestamp), zap.Error(err))
		return "decode_error"
	}

	if _, err := s.engine.Insert(ctx, point.Table, sdt.NewDataPoint(ts, point.Value)); err != nil {
		s.logger.Warn("engine rejected ingested point",
			zap.String("table", point.Table), zap.Error(err))
		return "rejected"
	}

	return "accepted"
}
