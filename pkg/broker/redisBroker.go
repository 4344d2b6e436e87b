package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/zoff-tech/bookfinder/pkg/config"
)

const defaultChannelPrefix = "bookfinder:"

// Envelope is the frame pushed to Redis and websocket subscribers.
type Envelope struct {
	Topic   string            `json:"topic"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload json.RawMessage   `json:"payload"`
}

func encodeEnvelope(topic string, payload []byte, headers map[string]string) ([]byte, error) {
	body := json.RawMessage(payload)
	if !json.Valid(payload) {
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			return nil, err
		}
		body = quoted
	}
	return json.Marshal(Envelope{Topic: topic, Headers: headers, Payload: body})
}

type RedisBrokerCreator func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error)

// NewRedisBroker publishes on Redis channels named <prefix><topic>.
var NewRedisBroker RedisBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error) {
	opts, err := redis.ParseURL(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newRedisBroker(client, settings.ChannelPrefix), nil
}

type redisBroker struct {
	client redis.UniversalClient
	prefix string
}

func newRedisBroker(client redis.UniversalClient, prefix string) *redisBroker {
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	return &redisBroker{client: client, prefix: prefix}
}

func (r *redisBroker) channel(topic string) string {
	return r.prefix + topic
}

func (r *redisBroker) Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) error {
	ctx, span := startPublishSpan(ctx, "redis", r.channel(topic))
	defer span.End()

	frame, err := encodeEnvelope(topic, payload, withTraceHeaders(ctx, headers))
	if err != nil {
		return finishPublish(span, "redis", len(payload), fmt.Errorf("encode %s frame: %w", topic, err))
	}
	err = r.client.Publish(ctx, r.channel(topic), frame).Err()
	return finishPublish(span, "redis", len(payload), err)
}

func (r *redisBroker) Close() error {
	return r.client.Close()
}
