package config

import "time"

// DatabaseConfig holds PostgreSQL connection and pool configuration,
// mirroring the teacher's database.Config shape.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// DefaultDatabaseConfig returns sane local-development defaults.
func DefaultDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "activity",
		Password:        "activity",
		Database:        "activity_core",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// RedisConfig holds connection settings for the Redis instance backing the
// Locking Service and Message Queue Adapter.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// DefaultRedisConfig returns sane local-development defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{Addr: "localhost:6379", DB: 0}
}

// PushConfig holds Push Delivery socket tunables.
type PushConfig struct {
	// AuthenticationTimeout bounds how long a socket may stay open without
	// sending a valid authentication frame.
	AuthenticationTimeout time.Duration `yaml:"authentication_timeout"`

	// WriteTimeout bounds how long a single frame write may block.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// SendRatePerSecond caps outbound frames per socket (token bucket).
	SendRatePerSecond float64 `yaml:"send_rate_per_second"`

	// SendBurst is the token bucket burst size for SendRatePerSecond.
	SendBurst int `yaml:"send_burst"`

	// ListenAddr is the address the push-delivery websocket upgrade
	// endpoint binds, e.g. ":8787".
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultPushConfig returns the built-in defaults.
func DefaultPushConfig() *PushConfig {
	return &PushConfig{
		AuthenticationTimeout: 10 * time.Second,
		WriteTimeout:          5 * time.Second,
		SendRatePerSecond:     50,
		SendBurst:             100,
		ListenAddr:            ":8787",
	}
}

// SigningConfig holds the HMAC key used to sign resource-scoped push tokens
// and outbound service-to-service requests (signing.key).
type SigningConfig struct {
	Key []byte `yaml:"-"`
}
