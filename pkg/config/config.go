// Package config loads the settings shared by the worker and server binaries.
package config

import "time"

// Config holds all application configuration.
type Config struct {
	Backend    string          `mapstructure:"backend" validate:"required,oneof=memory redis amqp temporal conductor"`
	Repository string          `mapstructure:"repository" validate:"required,oneof=memory redis postgres"`
	Routing    string          `mapstructure:"routing" validate:"required,oneof=UNIQUE GROUP NAME"`
	Redis      RedisConfig     `mapstructure:"redis"`
	AMQP       AMQPConfig      `mapstructure:"amqp"`
	Postgres   PostgresConfig  `mapstructure:"postgres"`
	Temporal   TemporalConfig  `mapstructure:"temporal"`
	Conductor  ConductorConfig `mapstructure:"conductor"`
	Worker     WorkerConfig    `mapstructure:"worker" validate:"required"`
	Server     ServerConfig    `mapstructure:"server" validate:"required"`
	Log        LogConfig       `mapstructure:"log"`
	Janitor    JanitorConfig   `mapstructure:"janitor"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`

	// Lease is how long a worker's deliveries stay owned after its last heartbeat.
	Lease time.Duration `mapstructure:"lease" validate:"gte=0"`
}

type AMQPConfig struct {
	URL      string `mapstructure:"url" validate:"omitempty,url"`
	Prefetch int    `mapstructure:"prefetch" validate:"gte=0"`
}

type PostgresConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

type TemporalConfig struct {
	HostPort  string `mapstructure:"host_port" validate:"omitempty,hostname_port"`
	Namespace string `mapstructure:"namespace"`
}

type ConductorConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
	// Definitions is a directory of YAML task and workflow definitions registered at start.
	Definitions string `mapstructure:"definitions"`
}

// WorkerConfig configures a worker pool. Group or TaskName select the routing key
// under the GROUP and NAME strategies.
type WorkerConfig struct {
	Parallelism      int           `mapstructure:"parallelism" validate:"required,gt=0"`
	PollTimeout      time.Duration `mapstructure:"poll_timeout" validate:"gt=0"`
	ProgressInterval time.Duration `mapstructure:"progress_interval" validate:"gte=0"`
	Group            string        `mapstructure:"group"`
	TaskName         string        `mapstructure:"task_name"`
	// RateLimit caps tasks per second and name on the redis backend. Zero disables it.
	RateLimit        int           `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst        int           `mapstructure:"rate_burst" validate:"gte=0"`
}

type ServerConfig struct {
	Addr        string `mapstructure:"addr" validate:"required"`
	APIKey      string `mapstructure:"api_key"`
	MetricsAddr string `mapstructure:"metrics_addr" validate:"required"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json console"`
}

// JanitorConfig schedules the periodic removal of finished tasks. An empty
// schedule disables it.
type JanitorConfig struct {
	Schedule string        `mapstructure:"schedule"`
	MaxAge   time.Duration `mapstructure:"max_age" validate:"gte=0"`
}
