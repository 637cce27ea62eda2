package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	WebRTC    WebRTCConfig
	AWS       AWSConfig
	Live      LiveConfig
	Transport TransportConfig
	Telemetry TelemetryConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string `env:"PORT" envDefault:"8080"`
	ReadTimeout        int    `env:"READ_TIMEOUT_SEC" envDefault:"30"`
	WriteTimeout       int    `env:"WRITE_TIMEOUT_SEC" envDefault:"30"`
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:3000,http://localhost:3001"` // comma-separated, or "*"
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	// Driver selects the session/order store: "postgres" or "memory" (single instance, no durability).
	Driver   string `env:"STORE_DRIVER" envDefault:"postgres"`
	URL      string `env:"DATABASE_URL"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
	DBName   string `env:"DB_NAME" envDefault:"livecommerce"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
	MaxConns int32  `env:"DB_MAX_CONNS" envDefault:"10"`
}

// RedisConfig holds Redis connection settings. Empty Addr disables cross-instance fan-out and replay jobs.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// JWTConfig holds JWT validation settings. Tokens are issued by the auth service.
type JWTConfig struct {
	Secret      string `env:"JWT_SECRET" envDefault:"change-me-in-production"`
	ExpireHours int    `env:"JWT_EXPIRE_HOURS" envDefault:"24"`
}

// WebRTCConfig holds STUN/TURN ICE server URLs for the publisher ingest probe.
type WebRTCConfig struct {
	ICEUrls []string `env:"WEBRTC_ICE_URLS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302"`
}

// AWSConfig holds AWS credentials and the replay bucket.
type AWSConfig struct {
	Region               string `env:"AWS_REGION" envDefault:"ap-south-1"`
	AccessKeyID          string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey      string `env:"AWS_SECRET_ACCESS_KEY"`
	ReplaysBucket        string `env:"AWS_S3_REPLAYS_BUCKET" envDefault:"live-commerce-replays"`
	PresignExpireMinutes int    `env:"AWS_PRESIGN_EXPIRE_MINUTES" envDefault:"15"`
}

// LiveConfig tunes the live session engine.
type LiveConfig struct {
	CommentWindow      int           `env:"LIVE_COMMENT_WINDOW" envDefault:"50"`
	PresenceTTL        time.Duration `env:"LIVE_PRESENCE_TTL" envDefault:"30s"`
	StartGrace         time.Duration `env:"LIVE_START_GRACE" envDefault:"2m"`
	TransportGrace     time.Duration `env:"LIVE_TRANSPORT_GRACE" envDefault:"45s"`
	WatchdogInterval   time.Duration `env:"LIVE_WATCHDOG_INTERVAL" envDefault:"10s"`
	CompactionInterval time.Duration `env:"LIVE_COMPACTION_INTERVAL" envDefault:"5s"`
	SubscriberBuffer   int           `env:"LIVE_SUBSCRIBER_BUFFER" envDefault:"64"`
}

// TransportConfig secures the media transport signal webhooks.
type TransportConfig struct {
	SignalSecret string `env:"TRANSPORT_SIGNAL_SECRET"`
}

// TelemetryConfig enables OTLP trace export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `env:"OTEL_EXPORTER_ENDPOINT"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"livecommerce"`
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// UsesMemory reports whether the in-process store was selected.
func (c DatabaseConfig) UsesMemory() bool {
	return strings.EqualFold(c.Driver, "memory")
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Live.CommentWindow <= 0 {
		return nil, fmt.Errorf("LIVE_COMMENT_WINDOW must be positive, got %d", cfg.Live.CommentWindow)
	}
	if cfg.Live.SubscriberBuffer <= 0 {
		return nil, fmt.Errorf("LIVE_SUBSCRIBER_BUFFER must be positive, got %d", cfg.Live.SubscriberBuffer)
	}
	return cfg, nil
}
