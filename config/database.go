package config

import "time"

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"                    envDefault:"localhost"`
	Port     int    `env:"PORT"                    envDefault:"5432"`
	User     string `env:"USER"                    envDefault:"papervoice"`
	Password string `env:"PASSWORD"                envDefault:"papervoice"`
	Name     string `env:"NAME"                    envDefault:"papervoice"`
	SSLMode  string `env:"SSL_MODE"                envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// RedisConfig contains Redis configuration.
type RedisConfig struct {
	Addr     string `env:"ADDR"     envDefault:"localhost:6379"`
	Password string `env:"PASSWORD" envDefault:""`
	DB       int    `env:"DB"       envDefault:"0"`
}

// CacheConfig contains cache configuration (Redis-based).
type CacheConfig struct {
	// Enabled toggles the Redis-backed status cache. When disabled the
	// status read surface goes straight to Postgres.
	Enabled bool `env:"CACHE_ENABLED" envDefault:"true"`

	// StatusTTL is the TTL for cached job status responses.
	StatusTTL time.Duration `env:"CACHE_STATUS_TTL" envDefault:"2s"`
}
