package config

import "time"

// DbSettings describes the relational store that owns books, external id
// mappings and the events outbox.
type DbSettings struct {
	Type            string        `mapstructure:"type" validate:"required,eq=postgres"`
	DSN             string        `mapstructure:"dsn" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
}

// ArchiveSettings configures copying aged, sent outbox rows into MongoDB.
type ArchiveSettings struct {
	Enabled    bool          `mapstructure:"enabled"`
	URI        string        `mapstructure:"uri" validate:"required_if=Enabled true"`
	DBName     string        `mapstructure:"db_name" validate:"required_if=Enabled true"`
	Collection string        `mapstructure:"collection"`
	After      time.Duration `mapstructure:"after"`
	BatchSize  int           `mapstructure:"batch_size" validate:"gte=0"`
	Interval   time.Duration `mapstructure:"interval"`
}
