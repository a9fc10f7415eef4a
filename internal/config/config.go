package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Upstream inference
	UpstreamAPIToken      string
	UpstreamRetryDelay    time.Duration
	UpstreamProxyTimeout  time.Duration // ticketing/order proxy calls
	UpstreamProxyRetries  int
	ClassificationTimeout time.Duration

	// Maintenance
	EventRetention   time.Duration // streaming events purge horizon
	SessionRetention time.Duration // conversation/streaming session purge horizon
	PurgeSpec        *PurgeConfig  `yaml:"purge"`

	// Server
	ServerShutdownTimeoutSeconds int

	// CORS
	CORSAllowedOrigins string

	// Logging
	LogLevel  string
	LogFormat string
}

// PurgeConfig holds cron schedules for the background maintenance jobs.
// Loaded from the YAML config file so deployments can tune cadence without
// a rebuild.
type PurgeConfig struct {
	EventsCron   string `yaml:"events_cron"`
	SessionsCron string `yaml:"sessions_cron"`
}

var AppConfig *Config

// LoadConfig loads configuration from the environment and an optional
// YAML config file. Environment variables take precedence for scalar
// settings; the file only carries structured defaults.
func LoadConfig() {
	// Load .env file if present (development convenience).
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, reading configuration from environment")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		DatabaseURL:       getEnvOrDefault("DATABASE_URL", ""),
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 5),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		UpstreamAPIToken:      getEnvOrDefault("UPSTREAM_API_TOKEN", ""),
		UpstreamRetryDelay:    getEnvAsDuration("UPSTREAM_RETRY_DELAY", time.Second),
		UpstreamProxyTimeout:  getEnvAsDuration("UPSTREAM_PROXY_TIMEOUT", 30*time.Second),
		UpstreamProxyRetries:  getEnvAsInt("UPSTREAM_PROXY_RETRIES", 2),
		ClassificationTimeout: getEnvAsDuration("CLASSIFICATION_TIMEOUT", 30*time.Second),

		EventRetention:   getEnvAsDuration("EVENT_RETENTION", time.Hour),
		SessionRetention: getEnvAsDuration("SESSION_RETENTION", 24*time.Hour),

		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 15),

		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*"),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", ""),
	}

	// Load structured settings from the configuration file, if present.
	configFilePath := getEnvOrDefault("CONFIG_FILE", "config.yaml")
	configFile, err := os.Open(configFilePath)
	if err == nil {
		defer configFile.Close()
		if err := LoadConfigFile(configFile, AppConfig); err != nil {
			log.Fatalf("Failed to load config file %s: %v", configFilePath, err)
		}
	}

	if AppConfig.PurgeSpec == nil {
		AppConfig.PurgeSpec = &PurgeConfig{}
	}
	if AppConfig.PurgeSpec.EventsCron == "" {
		AppConfig.PurgeSpec.EventsCron = "@every 5m"
	}
	if AppConfig.PurgeSpec.SessionsCron == "" {
		AppConfig.PurgeSpec.SessionsCron = "@every 1h"
	}

	if AppConfig.DatabaseURL == "" {
		log.Println("Warning: DATABASE_URL is not set")
	}
	if AppConfig.UpstreamAPIToken == "" {
		log.Println("Warning: UPSTREAM_API_TOKEN is not set; upstream calls will be unauthenticated")
	}
}

// LoadConfigFile decodes YAML configuration into config.
func LoadConfigFile(reader io.Reader, config *Config) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, config)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
