package config

type Observability struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	TracingURL  string `mapstructure:"tracing_url"`
	MetricsPath string `mapstructure:"metrics_path" validate:"omitempty,startswith=/"`
}

// LogSettings selects the slog handler used by every component.
type LogSettings struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=human text json"`
}
