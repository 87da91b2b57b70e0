package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage drivers
const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	ServicePort int
	LogLevel    string
	Storage     StorageConfig
	RabbitMQ    RabbitMQConfig
	Redis       RedisConfig
	TCP         TCPConfig
	Notify      NotifyConfig
	Maintenance MaintenanceConfig
}

// StorageConfig holds persistence settings
type StorageConfig struct {
	Driver      string
	DatabaseURL string
}

// RabbitMQConfig holds RabbitMQ connection, notification and command queue settings
type RabbitMQConfig struct {
	URL               string
	NotifyExchange    string
	CommandExchange   string
	CommandQueue      string
	CommandRoutingKey string
	DLQQueue          string
	PrefetchCount     int
}

// RedisConfig holds the dashboard stream settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
}

// TCPConfig holds the device listener settings
type TCPConfig struct {
	ListenAddress      string
	Port               int
	MaxConnections     int
	BufferSize         int
	IdleTimeoutSeconds int
	PollIntervalMillis int
	HeartbeatEnabled   bool
	MaxMessageSize     int
	LogRawMessages     bool
	TrailingOKAck      bool
}

// NotifyConfig holds notification queue settings
type NotifyConfig struct {
	BufferSize int
}

// MaintenanceConfig holds background sweep and retention settings
type MaintenanceConfig struct {
	SweepIntervalSeconds      int
	StatusSyncIntervalSeconds int
	IntervalMinutes           int
	RetentionDays             int
}

// IdleTimeout returns the soft per-session idle timeout
func (c TCPConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// PollInterval returns the read-loop liveness poll granularity
func (c TCPConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "alarm-gateway"),
		ServicePort: getEnvAsInt("SERVICE_PORT", 8081),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Storage: StorageConfig{
			Driver:      strings.ToLower(getEnv("STORAGE_DRIVER", StorageDriverPostgres)),
			DatabaseURL: getEnv("DATABASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:               getEnv("RABBITMQ_URL", ""),
			NotifyExchange:    getEnv("RABBITMQ_NOTIFY_EXCHANGE", "alarm-gateway.events.exchange"),
			CommandExchange:   getEnv("RABBITMQ_COMMAND_EXCHANGE", "alarm-gateway.commands.exchange"),
			CommandQueue:      getEnv("RABBITMQ_COMMAND_QUEUE", "alarm-gateway.commands.queue"),
			CommandRoutingKey: getEnv("RABBITMQ_COMMAND_ROUTING_KEY", "gateway.command"),
			DLQQueue:          getEnv("RABBITMQ_DLQ_QUEUE", "alarm-gateway.commands.dlq"),
			PrefetchCount:     getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Stream:   getEnv("REDIS_STREAM", "alarm-gateway:events"),
		},
		TCP: TCPConfig{
			ListenAddress:      getEnv("TCP_LISTEN_ADDRESS", "0.0.0.0"),
			Port:               getEnvAsInt("TCP_PORT", 6060),
			MaxConnections:     getEnvAsInt("TCP_MAX_CONNECTIONS", 100),
			BufferSize:         getEnvAsInt("TCP_BUFFER_SIZE", 1024),
			IdleTimeoutSeconds: getEnvAsInt("TCP_IDLE_TIMEOUT_SECONDS", 300),
			PollIntervalMillis: getEnvAsInt("TCP_POLL_INTERVAL_MS", 1000),
			HeartbeatEnabled:   getEnvAsBool("TCP_HEARTBEAT_ENABLED", true),
			MaxMessageSize:     getEnvAsInt("TCP_MAX_MESSAGE_SIZE", 10240),
			LogRawMessages:     getEnvAsBool("TCP_LOG_RAW_MESSAGES", false),
			TrailingOKAck:      getEnvAsBool("TCP_TRAILING_OK_ACK", false),
		},
		Notify: NotifyConfig{
			BufferSize: getEnvAsInt("NOTIFY_BUFFER_SIZE", 1024),
		},
		Maintenance: MaintenanceConfig{
			SweepIntervalSeconds:      getEnvAsInt("SWEEP_INTERVAL_SECONDS", 30),
			StatusSyncIntervalSeconds: getEnvAsInt("STATUS_SYNC_INTERVAL_SECONDS", 300),
			IntervalMinutes:           getEnvAsInt("MAINTENANCE_INTERVAL_MINUTES", 30),
			RetentionDays:             getEnvAsInt("CONNECTION_EVENT_RETENTION_DAYS", 30),
		},
	}

	// Validate required fields
	switch cfg.Storage.Driver {
	case StorageDriverPostgres:
		if cfg.Storage.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
		}
	case StorageDriverMemory:
	default:
		return nil, fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", StorageDriverPostgres, StorageDriverMemory, cfg.Storage.Driver)
	}
	if cfg.TCP.Port < 0 || cfg.TCP.Port > 65535 {
		return nil, fmt.Errorf("TCP_PORT out of range: %d", cfg.TCP.Port)
	}
	if cfg.TCP.BufferSize <= 0 || cfg.TCP.MaxMessageSize <= 0 {
		return nil, fmt.Errorf("TCP_BUFFER_SIZE and TCP_MAX_MESSAGE_SIZE must be positive")
	}
	if cfg.TCP.IdleTimeoutSeconds <= 0 || cfg.TCP.PollIntervalMillis <= 0 {
		return nil, fmt.Errorf("TCP_IDLE_TIMEOUT_SECONDS and TCP_POLL_INTERVAL_MS must be positive")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
