package config

import "time"

// SearchSettings tunes the search cascade.
type SearchSettings struct {
	OverFetchFactor int           `mapstructure:"over_fetch_factor" validate:"gte=1"`
	ProviderTimeout time.Duration `mapstructure:"provider_timeout" validate:"gt=0"`
	StoreTimeout    time.Duration `mapstructure:"store_timeout" validate:"gt=0"`
	Realtime        bool          `mapstructure:"realtime"`
	RealtimeTopic   string        `mapstructure:"realtime_topic"`
}

// ProviderSettings configures the two external catalog providers.
type ProviderSettings struct {
	GoogleBooks CatalogProvider `mapstructure:"google_books"`
	OpenLibrary CatalogProvider `mapstructure:"open_library"`
	UserAgent   string          `mapstructure:"user_agent"`
}

type CatalogProvider struct {
	BaseURL           string        `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey            string        `mapstructure:"api_key"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gte=0"`
	PageSize          int           `mapstructure:"page_size" validate:"gte=0"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
}

// CacheSettings points at the Redis instance used for provider responses and
// fallback pages. An empty URL disables caching.
type CacheSettings struct {
	RedisURL string        `mapstructure:"redis_url"`
	PageTTL  time.Duration `mapstructure:"page_ttl"`
}

// UpsertSettings sizes the persistence worker pool.
type UpsertSettings struct {
	Workers       int           `mapstructure:"workers" validate:"gte=1"`
	QueueSize     int           `mapstructure:"queue_size" validate:"gte=1"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gt=0"`
	InspectCovers bool          `mapstructure:"inspect_covers"`
}

// RelaySettings drives the outbox relay scheduler.
type RelaySettings struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize    int           `mapstructure:"batch_size" validate:"gte=1"`
}

// HTTPSettings configures the thin API surface.
type HTTPSettings struct {
	Addr string `mapstructure:"addr" validate:"required"`
}
