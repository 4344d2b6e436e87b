package config

// BrokerSettings holds configuration for the push channel that receives relayed
// outbox events and realtime search enrichments.
type BrokerSettings struct {
	Type          string `mapstructure:"type" validate:"required,oneof=websocket rabbitmq gcp-pubsub redis"`
	URL           string `mapstructure:"url" validate:"required_if=Type rabbitmq,required_if=Type redis"`
	Exchange      string `mapstructure:"exchange"`
	ProjectID     string `mapstructure:"project_id" validate:"required_if=Type gcp-pubsub"` // Optional for brokers like GCP Pub/Sub
	PoolSize      int    `mapstructure:"pool_size" validate:"gte=0"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}
