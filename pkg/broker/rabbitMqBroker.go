package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"

	"github.com/zoff-tech/bookfinder/pkg/config"
)

const defaultExchange = "bookfinder.events"

type RabbitMQBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, logger *slog.Logger) (MessageBroker, error)

var NewRabbitMqBroker RabbitMQBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, logger *slog.Logger) (MessageBroker, error) {
	if settings.PoolSize <= 0 {
		return nil, errors.New("poolSize must be greater than 0")
	}
	exchange := settings.Exchange
	if exchange == "" {
		exchange = defaultExchange
	}

	broker := &rabbitMqBroker{
		channelPool:     make(chan *pooledChannel, settings.PoolSize),
		settings:        settings,
		exchange:        exchange,
		logger:          logger,
		reconnectTicker: time.NewTicker(5 * time.Second),
		stopReconnect:   make(chan struct{}),
	}

	// Initialize the connection and channel pool
	if err := broker.connectAndInitialize(); err != nil {
		broker.reconnectTicker.Stop()
		return nil, err
	}

	go broker.recoverConnection()

	return broker, nil
}

// rabbitMqBroker publishes every topic to one durable topic exchange, using
// the topic as routing key.
type rabbitMqBroker struct {
	connection      amqpConnection
	channelPool     chan *pooledChannel
	mu              sync.Mutex
	settings        *config.BrokerSettings
	exchange        string
	logger          *slog.Logger
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}
	closed          bool
}

func (r *rabbitMqBroker) Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) error {
	ctx, span := startPublishSpan(ctx, "rabbitmq", r.exchange,
		semconv.MessagingRabbitmqRoutingKeyKey.String(topic),
	)
	defer span.End()

	amqpHeaders := make(amqp.Table)
	for k, v := range withTraceHeaders(ctx, headers) {
		amqpHeaders[k] = v
	}

	pooledChan, err := r.getChannel()
	if err != nil {
		return finishPublish(span, "rabbitmq", len(payload), err)
	}
	defer r.releaseChannel(pooledChan)

	err = pooledChan.channel.Publish(
		r.exchange, topic, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         payload,
			Headers:      amqpHeaders,
		},
	)
	if err != nil {
		err = fmt.Errorf("publish %s to %s: %w", topic, r.exchange, err)
	}
	return finishPublish(span, "rabbitmq", len(payload), err)
}

func (r *rabbitMqBroker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	close(r.stopReconnect)
	r.reconnectTicker.Stop()

	close(r.channelPool)
	for pooledChan := range r.channelPool {
		pooledChan.channel.Close()
	}

	if r.connection != nil {
		return r.connection.Close()
	}
	return nil
}
