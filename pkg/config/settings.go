package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	configName = "bookfinder"
	envPrefix  = "BOOKFINDER"
)

type Settings struct {
	Database      DbSettings       `mapstructure:"database"`
	Archive       ArchiveSettings  `mapstructure:"archive"`
	Broker        BrokerSettings   `mapstructure:"broker"`
	Relay         RelaySettings    `mapstructure:"relay"`
	Search        SearchSettings   `mapstructure:"search"`
	Providers     ProviderSettings `mapstructure:"providers"`
	Cache         CacheSettings    `mapstructure:"cache"`
	Upsert        UpsertSettings   `mapstructure:"upsert"`
	HTTP          HTTPSettings     `mapstructure:"http"`
	Observability Observability    `mapstructure:"observability"`
	Log           LogSettings      `mapstructure:"log"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// envKeys have no default, so they are bound explicitly to be visible to Unmarshal.
var envKeys = []string{
	"database.dsn",
	"archive.uri",
	"archive.db_name",
	"broker.url",
	"broker.exchange",
	"broker.project_id",
	"providers.google_books.api_key",
	"cache.redis_url",
	"observability.tracing_url",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.type", "postgres")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.query_timeout", 2*time.Second)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.collection", "outbox_archive")
	v.SetDefault("archive.after", 7*24*time.Hour)
	v.SetDefault("archive.batch_size", 500)
	v.SetDefault("archive.interval", time.Hour)

	v.SetDefault("broker.type", "websocket")
	v.SetDefault("broker.pool_size", 5)
	v.SetDefault("broker.channel_prefix", "bookfinder:")

	v.SetDefault("relay.enabled", true)
	v.SetDefault("relay.poll_interval", 5*time.Second)
	v.SetDefault("relay.batch_size", 10)

	v.SetDefault("search.over_fetch_factor", 3)
	v.SetDefault("search.provider_timeout", 3*time.Second)
	v.SetDefault("search.store_timeout", 2*time.Second)
	v.SetDefault("search.realtime", true)
	v.SetDefault("search.realtime_topic", "search.realtime")

	v.SetDefault("providers.user_agent", "bookfinder/1.0")
	v.SetDefault("providers.google_books.base_url", "https://www.googleapis.com/books/v1")
	v.SetDefault("providers.google_books.requests_per_second", 5.0)
	v.SetDefault("providers.google_books.page_size", 40)
	v.SetDefault("providers.google_books.cache_ttl", 6*time.Hour)
	v.SetDefault("providers.open_library.base_url", "https://openlibrary.org")
	v.SetDefault("providers.open_library.requests_per_second", 2.0)
	v.SetDefault("providers.open_library.page_size", 50)
	v.SetDefault("providers.open_library.cache_ttl", 6*time.Hour)

	v.SetDefault("cache.page_ttl", 10*time.Minute)

	v.SetDefault("upsert.workers", 4)
	v.SetDefault("upsert.queue_size", 256)
	v.SetDefault("upsert.timeout", 10*time.Second)
	v.SetDefault("upsert.inspect_covers", false)

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("observability.service_name", "bookfinder")
	v.SetDefault("observability.metrics_path", "/metrics")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "human")
}

// LoadFromFile reads bookfinder.yaml from dir (or the working directory),
// merges bookfinder.<ENVIRONMENT>.yaml over it, applies BOOKFINDER_* env
// overrides and validates the result. Missing files are not an error.
func LoadFromFile(dir string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	v.SetConfigName(configName)
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")
	if err := mergeConfig(v, dir, configName+"."+env); err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("merge %s config: %w", env, err)
	}

	return load(v)
}

// Load builds settings from defaults and environment only.
func Load() (*Settings, error) {
	v := viper.New()
	setDefaults(v)
	return load(v)
}

func load(v *viper.Viper) (*Settings, error) {
	bindEnv(v)

	cfg := &Settings{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like BOOKFINDER_DATABASE_DSN
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
}

func mergeConfig(v *viper.Viper, dir, name string) error {
	v.SetConfigName(name)
	if dir != "" {
		v.AddConfigPath(dir)
	}
	return v.MergeInConfig()
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound)
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
