package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Relay     RelayConfig
	Directory DirectoryConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	// Required gates the /ws endpoint behind JWT validation. Token issuance
	// lives in the identity service; the relay only verifies.
	Required  bool
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	// MaxConns caps concurrently registered connections. Zero disables the cap.
	MaxConns int `mapstructure:"maxConns"`
}

type TransportConfig struct {
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	MaxMessageBytes int64         `mapstructure:"maxMessageBytes"`
	SendBuffer      int           `mapstructure:"sendBuffer"`
}

type RelayConfig struct {
	// IncludeSenderInGroupFanout mirrors the historical behavior where a
	// group message is delivered back to its sender as well.
	IncludeSenderInGroupFanout bool `mapstructure:"includeSenderInGroupFanout"`
	// CloseReplacedConnections closes the previous socket when an identity
	// logs in again on a new connection, instead of orphaning it.
	CloseReplacedConnections bool `mapstructure:"closeReplacedConnections"`
}

type DirectoryConfig struct {
	// Backend selects the membership store: "postgres", "redis" or "memory".
	Backend  string
	Postgres PostgresConfig
	Redis    RedisConfig
	Cache    CacheConfig
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string `mapstructure:"keyPrefix"`
}

type CacheConfig struct {
	Enabled    bool
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"maxEntries"`
}

type LogConfig struct {
	Level string
}
