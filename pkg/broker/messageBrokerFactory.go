package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zoff-tech/bookfinder/pkg/config"
)

// NewBroker builds the push channel selected by cfg.Type.
func NewBroker(ctx context.Context, cfg *config.BrokerSettings, logger *slog.Logger) (MessageBroker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Type {
	case "websocket":
		return NewWebsocketBroker(ctx, cfg, logger)
	case "rabbitmq":
		return NewRabbitMqBroker(ctx, cfg, logger)
	case "gcp-pubsub":
		return NewPubSubClient(ctx, cfg)
	case "redis":
		return NewRedisBroker(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
