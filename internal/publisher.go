package internal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmamaqp "github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	wmhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	wmkafka "github.com/ThreeDotsLabs/watermill-kafka/pkg/kafka"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/pkg/nats"
	wmsql "github.com/ThreeDotsLabs/watermill-sql/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	stan "github.com/nats-io/stan.go"
)

// Publisher delivers dispatch notifications to one or more brokers.
type Publisher interface {
	Publish(ctx context.Context, topic string, event Event) error
	Close() error
}

type watermillPublisher struct {
	publisher message.Publisher
	closeFn   func() error
}

// PublisherFactory builds a Watermill publisher for one driver. The returned
// close func, if any, runs after the publisher is closed.
type PublisherFactory func(cfg NotifyConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error)

var publisherFactories = map[string]PublisherFactory{
	"gochannel": buildGoChannelPublisher,
	"http":      buildHTTPPublisher,
	"kafka":     buildKafkaPublisher,
	"nats":      buildNATSPublisher,
	"amqp":      buildAMQPPublisher,
	"sql":       buildSQLPublisher,
}

// RegisterPublisherDriver makes a custom driver available by name.
func RegisterPublisherDriver(name string, factory PublisherFactory) {
	if name == "" || factory == nil {
		return
	}
	publisherFactories[strings.ToLower(name)] = factory
}

// NewPublisher builds a publisher for every configured driver. Drivers that
// fail to initialize are skipped; no configured drivers yields a no-op publisher.
func NewPublisher(cfg NotifyConfig, logger *slog.Logger) (Publisher, error) {
	if logger == nil {
		logger = NewLogger("notify")
	}
	wmLogger := NewWatermillLogger(logger)

	drivers := cfg.Drivers
	if len(drivers) == 0 && cfg.Driver != "" {
		drivers = []string{cfg.Driver}
	}
	if len(drivers) == 0 {
		return noopPublisher{}, nil
	}

	pubs := make(map[string]Publisher, len(drivers))
	order := make([]string, 0, len(drivers))
	for _, driver := range drivers {
		key := strings.ToLower(strings.TrimSpace(driver))
		pub, err := retryBuild(cfg.PublishRetry, func() (Publisher, error) {
			return newSinglePublisher(cfg, key, wmLogger)
		})
		if err != nil {
			logger.Error("publisher init failed, skipping driver", slog.String("driver", key), slog.Any("error", err))
			continue
		}
		pubs[key] = pub
		order = append(order, key)
	}
	if len(pubs) == 0 {
		return nil, errors.New("no publishers available")
	}
	return &publisherMux{publishers: pubs, order: order}, nil
}

func newSinglePublisher(cfg NotifyConfig, driver string, logger watermill.LoggerAdapter) (Publisher, error) {
	factory, ok := publisherFactories[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported notify driver: %s", driver)
	}
	pub, closeFn, err := factory(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", driver, err)
	}
	return &watermillPublisher{publisher: pub, closeFn: closeFn}, nil
}

func retryBuild(cfg PublishRetryConfig, build func() (Publisher, error)) (Publisher, error) {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(cfg.DelayMS) * time.Millisecond

	var lastErr error
	for i := 0; i < attempts; i++ {
		pub, err := build()
		if err == nil {
			return pub, nil
		}
		lastErr = err
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}
	return nil, lastErr
}

func (w *watermillPublisher) Publish(ctx context.Context, topic string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("provider", event.Provider)
	msg.Metadata.Set("event", event.Name)
	msg.Metadata.Set("outcome", event.Outcome)
	if event.RequestID != "" {
		msg.Metadata.Set("request_id", event.RequestID)
	}
	msg.SetContext(ctx)
	return w.publisher.Publish(topic, msg)
}

func (w *watermillPublisher) Close() error {
	if w.publisher == nil {
		return nil
	}
	err := w.publisher.Close()
	if w.closeFn != nil {
		return errors.Join(err, w.closeFn())
	}
	return err
}

type publisherMux struct {
	publishers map[string]Publisher
	order      []string
}

func (m *publisherMux) Publish(ctx context.Context, topic string, event Event) error {
	var err error
	for _, driver := range m.order {
		if publishErr := m.publishers[driver].Publish(ctx, topic, event); publishErr != nil {
			IncPublishError(driver)
			err = errors.Join(err, fmt.Errorf("%s: %w", driver, publishErr))
		}
	}
	return err
}

func (m *publisherMux) Close() error {
	var err error
	for _, pub := range m.publishers {
		err = errors.Join(err, pub.Close())
	}
	return err
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, Event) error { return nil }
func (noopPublisher) Close() error                                 { return nil }

func buildGoChannelPublisher(cfg NotifyConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	pub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            cfg.GoChannel.OutputChannelBuffer,
		Persistent:                     cfg.GoChannel.Persistent,
		BlockPublishUntilSubscriberAck: cfg.GoChannel.BlockPublishUntilSubscriberAck,
	}, logger)
	return pub, nil, nil
}

// buildHTTPPublisher posts each notification either to the topic itself,
// read as a URL, or to base_url joined with the topic.
func buildHTTPPublisher(cfg NotifyConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	switch strings.ToLower(cfg.HTTP.Mode) {
	case "topic_url":
	case "base_url":
		if cfg.HTTP.BaseURL == "" {
			return nil, nil, errors.New("base_url is required for base_url mode")
		}
	default:
		return nil, nil, fmt.Errorf("unsupported http mode: %s", cfg.HTTP.Mode)
	}
	marshal := func(topic string, msg *message.Message) (*http.Request, error) {
		target, err := httpTargetURL(cfg.HTTP, topic)
		if err != nil {
			return nil, err
		}
		return wmhttp.DefaultMarshalMessageFunc(target, msg)
	}
	pub, err := wmhttp.NewPublisher(wmhttp.PublisherConfig{MarshalMessageFunc: marshal}, logger)
	return pub, nil, err
}

func buildKafkaPublisher(cfg NotifyConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, nil, errors.New("brokers are required")
	}
	pub, err := wmkafka.NewPublisher(cfg.Kafka.Brokers, wmkafka.DefaultMarshaler{}, nil, logger)
	return pub, nil, err
}

// buildNATSPublisher connects to NATS Streaming; url is optional and
// defaults to the stan client's local server.
func buildNATSPublisher(cfg NotifyConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	if cfg.NATS.ClusterID == "" || cfg.NATS.ClientID == "" {
		return nil, nil, errors.New("cluster_id and client_id are required")
	}
	var stanOpts []stan.Option
	if cfg.NATS.URL != "" {
		stanOpts = append(stanOpts, stan.NatsURL(cfg.NATS.URL))
	}
	pub, err := wmnats.NewStreamingPublisher(wmnats.StreamingPublisherConfig{
		ClusterID:   cfg.NATS.ClusterID,
		ClientID:    cfg.NATS.ClientID,
		StanOptions: stanOpts,
		Marshaler:   wmnats.GobMarshaler{},
	}, logger)
	return pub, nil, err
}

func buildAMQPPublisher(cfg NotifyConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	if cfg.AMQP.URL == "" {
		return nil, nil, errors.New("url is required")
	}
	var amqpCfg wmamaqp.Config
	switch strings.ToLower(cfg.AMQP.Mode) {
	case "", "durable_queue":
		amqpCfg = wmamaqp.NewDurableQueueConfig(cfg.AMQP.URL)
	case "nondurable_queue":
		amqpCfg = wmamaqp.NewNonDurableQueueConfig(cfg.AMQP.URL)
	case "durable_pubsub":
		amqpCfg = wmamaqp.NewDurablePubSubConfig(cfg.AMQP.URL, nil)
	case "nondurable_pubsub":
		amqpCfg = wmamaqp.NewNonDurablePubSubConfig(cfg.AMQP.URL, nil)
	default:
		return nil, nil, fmt.Errorf("unsupported amqp mode: %s", cfg.AMQP.Mode)
	}
	pub, err := wmamaqp.NewPublisher(amqpCfg, logger)
	return pub, nil, err
}

// buildSQLPublisher writes notifications into a Watermill-managed table; the
// database handle is closed with the publisher.
func buildSQLPublisher(cfg NotifyConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	if cfg.SQL.Driver == "" || cfg.SQL.DSN == "" {
		return nil, nil, errors.New("driver and dsn are required")
	}
	var schema wmsql.SchemaAdapter
	switch strings.ToLower(cfg.SQL.Dialect) {
	case "postgres", "postgresql":
		schema = wmsql.DefaultPostgreSQLSchema{}
	case "mysql":
		schema = wmsql.DefaultMySQLSchema{}
	default:
		return nil, nil, fmt.Errorf("unsupported sql dialect: %s", cfg.SQL.Dialect)
	}
	db, err := sql.Open(cfg.SQL.Driver, cfg.SQL.DSN)
	if err != nil {
		return nil, nil, err
	}
	pub, err := wmsql.NewPublisher(db, wmsql.PublisherConfig{
		SchemaAdapter:        schema,
		AutoInitializeSchema: cfg.SQL.AutoInitializeSchema,
	}, logger)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return pub, db.Close, nil
}

func httpTargetURL(cfg HTTPConfig, topic string) (string, error) {
	switch strings.ToLower(cfg.Mode) {
	case "topic_url":
		if topic == "" {
			return "", fmt.Errorf("http topic url is empty")
		}
		return topic, nil
	case "base_url":
		if cfg.BaseURL == "" {
			return "", fmt.Errorf("http base_url is empty")
		}
		if topic == "" {
			return strings.TrimRight(cfg.BaseURL, "/"), nil
		}
		return strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(topic, "/"), nil
	default:
		return "", fmt.Errorf("unsupported http mode: %s", cfg.Mode)
	}
}

// watermillLogger routes Watermill's internal logging through slog.
type watermillLogger struct {
	logger *slog.Logger
}

func NewWatermillLogger(logger *slog.Logger) watermill.LoggerAdapter {
	return &watermillLogger{logger: logger}
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.logger.Error(msg, append(attrs(fields), slog.Any("error", err))...)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.logger.Info(msg, attrs(fields)...)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, attrs(fields)...)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, attrs(fields)...)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{logger: l.logger.With(attrs(fields)...)}
}

func attrs(fields watermill.LogFields) []any {
	out := make([]any, 0, len(fields))
	for key, value := range fields {
		out = append(out, slog.Any(key, value))
	}
	return out
}
