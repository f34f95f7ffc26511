/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ReconcilePolicy values accepted by RECONCILE_POLICY.
const (
	PolicyFirstWins   = "first_wins"
	PolicyWebhookWins = "webhook_wins"
)

// Config holds all the configuration variables for the reconciliation-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	BoltPath                 string `mapstructure:"BOLT_PATH"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisEventPrefix         string `mapstructure:"REDIS_EVENT_PREFIX"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	ReconciliationEventQueue string `mapstructure:"RECONCILIATION_EVENT_QUEUE"`
	GatewayAPIBaseURL        string `mapstructure:"GATEWAY_API_BASE_URL"`
	GatewayAPIKey            string `mapstructure:"GATEWAY_API_KEY"`
	GatewaySigningSecret     string `mapstructure:"GATEWAY_SIGNING_SECRET"`
	GatewayWebhookSecret     string `mapstructure:"GATEWAY_WEBHOOK_SECRET"`
	GatewayEnvironment       string `mapstructure:"GATEWAY_ENVIRONMENT"`
	InternalAPIKey           string `mapstructure:"INTERNAL_API_KEY"`
	AuthJWKSURL              string `mapstructure:"AUTH_JWKS_URL"`
	CreateMaxRetries         int    `mapstructure:"CREATE_MAX_RETRIES"`
	CreateBackoffBaseMs      int    `mapstructure:"CREATE_BACKOFF_BASE_MS"`
	CreateBackoffMaxMs       int    `mapstructure:"CREATE_BACKOFF_MAX_MS"`
	CreateJitterCeilingMs    int    `mapstructure:"CREATE_JITTER_CEILING_MS"`
	CreateTimeoutSeconds     int    `mapstructure:"CREATE_TIMEOUT_SECONDS"`
	PollGracePeriodSeconds   int    `mapstructure:"POLL_GRACE_PERIOD_SECONDS"`
	PollBackoffCapSeconds    int    `mapstructure:"POLL_BACKOFF_CAP_SECONDS"`
	PollMaxAttempts          int    `mapstructure:"POLL_MAX_ATTEMPTS"`
	PollTimeoutSeconds       int    `mapstructure:"POLL_TIMEOUT_SECONDS"`
	EventRetentionHours      int    `mapstructure:"EVENT_RETENTION_HOURS"`
	ReconcilePolicy          string `mapstructure:"RECONCILE_POLICY"`
}

// EventRetention returns the event store retention window as a Duration.
func (c Config) EventRetention() time.Duration {
	return time.Duration(c.EventRetentionHours) * time.Hour
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("RECONCILIATION_EVENT_QUEUE", "reconciliation_service.gateway_events")
	viper.SetDefault("REDIS_EVENT_PREFIX", "cleargate:events")
	viper.SetDefault("GATEWAY_ENVIRONMENT", "test")
	viper.SetDefault("CREATE_MAX_RETRIES", 4)
	viper.SetDefault("CREATE_BACKOFF_BASE_MS", 500)
	viper.SetDefault("CREATE_BACKOFF_MAX_MS", 10000)
	viper.SetDefault("CREATE_JITTER_CEILING_MS", 250)
	viper.SetDefault("CREATE_TIMEOUT_SECONDS", 15)
	viper.SetDefault("POLL_GRACE_PERIOD_SECONDS", 5)
	viper.SetDefault("POLL_BACKOFF_CAP_SECONDS", 30)
	viper.SetDefault("POLL_MAX_ATTEMPTS", 20)
	viper.SetDefault("POLL_TIMEOUT_SECONDS", 10)
	viper.SetDefault("EVENT_RETENTION_HOURS", 72)
	viper.SetDefault("RECONCILE_POLICY", PolicyFirstWins)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("BOLT_PATH")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "RECONCILIATION_REDIS_URL")
	_ = viper.BindEnv("REDIS_EVENT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("RECONCILIATION_EVENT_QUEUE")
	_ = viper.BindEnv("GATEWAY_API_BASE_URL")
	_ = viper.BindEnv("GATEWAY_API_KEY")
	_ = viper.BindEnv("GATEWAY_SIGNING_SECRET")
	_ = viper.BindEnv("GATEWAY_WEBHOOK_SECRET")
	_ = viper.BindEnv("GATEWAY_ENVIRONMENT")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "RECONCILIATION_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("CREATE_MAX_RETRIES")
	_ = viper.BindEnv("CREATE_BACKOFF_BASE_MS")
	_ = viper.BindEnv("CREATE_BACKOFF_MAX_MS")
	_ = viper.BindEnv("CREATE_JITTER_CEILING_MS")
	_ = viper.BindEnv("CREATE_TIMEOUT_SECONDS")
	_ = viper.BindEnv("POLL_GRACE_PERIOD_SECONDS")
	_ = viper.BindEnv("POLL_BACKOFF_CAP_SECONDS")
	_ = viper.BindEnv("POLL_MAX_ATTEMPTS")
	_ = viper.BindEnv("POLL_TIMEOUT_SECONDS")
	_ = viper.BindEnv("EVENT_RETENTION_HOURS")
	_ = viper.BindEnv("RECONCILE_POLICY")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("RECONCILIATION_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisEventPrefix = strings.TrimSpace(config.RedisEventPrefix)
	if config.RedisEventPrefix == "" {
		config.RedisEventPrefix = "cleargate:events"
	}

	// Webhook deliveries are signed with the same secret as outbound payloads
	// unless the gateway account is configured with a dedicated webhook secret.
	config.GatewaySigningSecret = strings.TrimSpace(config.GatewaySigningSecret)
	config.GatewayWebhookSecret = strings.TrimSpace(config.GatewayWebhookSecret)
	if config.GatewayWebhookSecret == "" {
		config.GatewayWebhookSecret = config.GatewaySigningSecret
	}

	if config.CreateMaxRetries < 0 {
		log.Printf("level=warn component=config msg=\"negative retry count configured; coercing to zero\" create_max_retries=%d", config.CreateMaxRetries)
		config.CreateMaxRetries = 0
	}
	if config.CreateBackoffBaseMs <= 0 {
		config.CreateBackoffBaseMs = 500
	}
	if config.CreateBackoffMaxMs < config.CreateBackoffBaseMs {
		log.Printf("level=warn component=config msg=\"backoff ceiling below base; raising to base\" backoff_max_ms=%d backoff_base_ms=%d", config.CreateBackoffMaxMs, config.CreateBackoffBaseMs)
		config.CreateBackoffMaxMs = config.CreateBackoffBaseMs
	}
	if config.CreateJitterCeilingMs < 0 {
		config.CreateJitterCeilingMs = 0
	}
	if config.PollMaxAttempts <= 0 {
		config.PollMaxAttempts = 20
	}
	if config.PollBackoffCapSeconds <= 0 {
		config.PollBackoffCapSeconds = 30
	}

	// Dedup history shorter than three days cannot absorb the gateway's
	// redelivery horizon.
	if config.EventRetentionHours < 72 {
		log.Printf("level=warn component=config msg=\"event retention below 72h; raising to minimum\" event_retention_hours=%d", config.EventRetentionHours)
		config.EventRetentionHours = 72
	}

	config.ReconcilePolicy = strings.ToLower(strings.TrimSpace(config.ReconcilePolicy))
	switch config.ReconcilePolicy {
	case PolicyFirstWins, PolicyWebhookWins:
	case "":
		config.ReconcilePolicy = PolicyFirstWins
	default:
		log.Printf("level=warn component=config msg=\"unknown reconcile policy; using first_wins\" reconcile_policy=%q", config.ReconcilePolicy)
		config.ReconcilePolicy = PolicyFirstWins
	}

	return
}
