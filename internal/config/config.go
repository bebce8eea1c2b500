/**
 * @description
 * This package handles the configuration management for the ledger-service. It uses
 * Viper to read settings from the environment and an optional .env file, then
 * coerces out-of-range values back to safe defaults with a warning.
 *
 * @dependencies
 * - github.com/spf13/viper: Configuration loading and environment binding.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultGroupCreateCost           = 100
	defaultGroupPinCost              = 50
	defaultPinLimit                  = 3
	defaultPinDurationHours          = 24
	defaultEntryRewardPoints         = 5
	defaultEntryRewardPool           = 1000
	defaultEntryRewardMaxPoints      = 50
	defaultColdStartWindowMinutes    = 1440
	defaultLowTrustMultiplier        = 0.5
	defaultFraudThrottleThreshold    = 3
	defaultFraudDenyThreshold        = 10
	defaultFraudThrottleMultiplier   = 0.5
	defaultFraudWindowMinutes        = 10
	defaultRewardCooldownMS          = 1000
	defaultOperationTimeoutMS        = 5000
	defaultProvisioningTimeoutMin    = 15
	defaultChargingStaleSeconds      = 120
	defaultProvisioningSweepSchedule = "@every 1m"
	defaultJournalPageSize           = 100
	defaultOutboxPollIntervalMS      = 1200
	defaultRedisKeyPrefix            = "hongbao:ledger"
)

// Config holds all the configuration variables for the ledger-service.
type Config struct {
	ServerPort             string `mapstructure:"SERVER_PORT"`
	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	LedgerStore            string `mapstructure:"LEDGER_STORE"`
	RedisURL               string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix         string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL            string `mapstructure:"RABBITMQ_URL"`
	EventsExchange         string `mapstructure:"EVENTS_EXCHANGE"`
	ProvisioningEventQueue string `mapstructure:"PROVISIONING_EVENT_QUEUE"`
	KafkaBrokers           string `mapstructure:"KAFKA_BROKERS"`
	KafkaOutcomeTopic      string `mapstructure:"KAFKA_OUTCOME_TOPIC"`
	ClerkJWKSURL           string `mapstructure:"CLERK_JWKS_URL"`
	InternalAPIKey         string `mapstructure:"INTERNAL_API_KEY"`

	GroupCreateCost         int64 `mapstructure:"GROUP_CREATE_COST"`
	GroupPinCost            int64 `mapstructure:"GROUP_PIN_COST"`
	PinLimit                int   `mapstructure:"PIN_LIMIT"`
	DefaultPinDurationHours int   `mapstructure:"DEFAULT_PIN_DURATION_HOURS"`

	EntryRewardDefaultPoints int64   `mapstructure:"ENTRY_REWARD_DEFAULT_POINTS"`
	EntryRewardDefaultPool   int64   `mapstructure:"ENTRY_REWARD_DEFAULT_POOL"`
	EntryRewardMaxPoints     int64   `mapstructure:"ENTRY_REWARD_MAX_POINTS"`
	ColdStartWindowMinutes   int     `mapstructure:"COLD_START_WINDOW_MINUTES"`
	LowTrustMultiplier       float64 `mapstructure:"LOW_TRUST_MULTIPLIER"`

	FraudThrottleThreshold  int     `mapstructure:"FRAUD_THROTTLE_THRESHOLD"`
	FraudDenyThreshold      int     `mapstructure:"FRAUD_DENY_THRESHOLD"`
	FraudThrottleMultiplier float64 `mapstructure:"FRAUD_THROTTLE_MULTIPLIER"`
	FraudWindowMinutes      int     `mapstructure:"FRAUD_WINDOW_MINUTES"`

	RewardCooldownMS           int    `mapstructure:"REWARD_COOLDOWN_MS"`
	OperationTimeoutMS         int    `mapstructure:"OPERATION_TIMEOUT_MS"`
	ProvisioningTimeoutMinutes int    `mapstructure:"PROVISIONING_TIMEOUT_MINUTES"`
	ChargingStaleSeconds       int    `mapstructure:"CHARGING_STALE_SECONDS"`
	ProvisioningSweepSchedule  string `mapstructure:"PROVISIONING_SWEEP_SCHEDULE"`
	JournalPageSize            int    `mapstructure:"JOURNAL_PAGE_SIZE"`
	OutboxPollIntervalMS       int    `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LEDGER_STORE", "postgres")
	viper.SetDefault("REDIS_KEY_PREFIX", defaultRedisKeyPrefix)
	viper.SetDefault("EVENTS_EXCHANGE", "ledger_events")
	viper.SetDefault("PROVISIONING_EVENT_QUEUE", "ledger_service.group_provisioning")
	viper.SetDefault("KAFKA_OUTCOME_TOPIC", "ledger.outcomes")
	viper.SetDefault("GROUP_CREATE_COST", defaultGroupCreateCost)
	viper.SetDefault("GROUP_PIN_COST", defaultGroupPinCost)
	viper.SetDefault("PIN_LIMIT", defaultPinLimit)
	viper.SetDefault("DEFAULT_PIN_DURATION_HOURS", defaultPinDurationHours)
	viper.SetDefault("ENTRY_REWARD_DEFAULT_POINTS", defaultEntryRewardPoints)
	viper.SetDefault("ENTRY_REWARD_DEFAULT_POOL", defaultEntryRewardPool)
	viper.SetDefault("ENTRY_REWARD_MAX_POINTS", defaultEntryRewardMaxPoints)
	viper.SetDefault("COLD_START_WINDOW_MINUTES", defaultColdStartWindowMinutes)
	viper.SetDefault("LOW_TRUST_MULTIPLIER", defaultLowTrustMultiplier)
	viper.SetDefault("FRAUD_THROTTLE_THRESHOLD", defaultFraudThrottleThreshold)
	viper.SetDefault("FRAUD_DENY_THRESHOLD", defaultFraudDenyThreshold)
	viper.SetDefault("FRAUD_THROTTLE_MULTIPLIER", defaultFraudThrottleMultiplier)
	viper.SetDefault("FRAUD_WINDOW_MINUTES", defaultFraudWindowMinutes)
	viper.SetDefault("REWARD_COOLDOWN_MS", defaultRewardCooldownMS)
	viper.SetDefault("OPERATION_TIMEOUT_MS", defaultOperationTimeoutMS)
	viper.SetDefault("PROVISIONING_TIMEOUT_MINUTES", defaultProvisioningTimeoutMin)
	viper.SetDefault("CHARGING_STALE_SECONDS", defaultChargingStaleSeconds)
	viper.SetDefault("PROVISIONING_SWEEP_SCHEDULE", defaultProvisioningSweepSchedule)
	viper.SetDefault("JOURNAL_PAGE_SIZE", defaultJournalPageSize)
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", defaultOutboxPollIntervalMS)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("LEDGER_STORE")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("PROVISIONING_EVENT_QUEUE")
	_ = viper.BindEnv("KAFKA_BROKERS")
	_ = viper.BindEnv("KAFKA_OUTCOME_TOPIC")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "LEDGER_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("GROUP_CREATE_COST")
	_ = viper.BindEnv("GROUP_PIN_COST")
	_ = viper.BindEnv("PIN_LIMIT")
	_ = viper.BindEnv("DEFAULT_PIN_DURATION_HOURS")
	_ = viper.BindEnv("ENTRY_REWARD_DEFAULT_POINTS")
	_ = viper.BindEnv("ENTRY_REWARD_DEFAULT_POOL")
	_ = viper.BindEnv("ENTRY_REWARD_MAX_POINTS")
	_ = viper.BindEnv("COLD_START_WINDOW_MINUTES")
	_ = viper.BindEnv("LOW_TRUST_MULTIPLIER")
	_ = viper.BindEnv("FRAUD_THROTTLE_THRESHOLD")
	_ = viper.BindEnv("FRAUD_DENY_THRESHOLD")
	_ = viper.BindEnv("FRAUD_THROTTLE_MULTIPLIER")
	_ = viper.BindEnv("FRAUD_WINDOW_MINUTES")
	_ = viper.BindEnv("REWARD_COOLDOWN_MS")
	_ = viper.BindEnv("OPERATION_TIMEOUT_MS")
	_ = viper.BindEnv("PROVISIONING_TIMEOUT_MINUTES")
	_ = viper.BindEnv("CHARGING_STALE_SECONDS")
	_ = viper.BindEnv("PROVISIONING_SWEEP_SCHEDULE")
	_ = viper.BindEnv("JOURNAL_PAGE_SIZE")
	_ = viper.BindEnv("OUTBOX_POLL_INTERVAL_MS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("LEDGER_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSpace(config.RedisKeyPrefix)
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = defaultRedisKeyPrefix
	}

	config.LedgerStore = strings.ToLower(strings.TrimSpace(config.LedgerStore))
	if config.LedgerStore != "postgres" && config.LedgerStore != "memory" {
		log.Printf("level=warn component=config msg=\"unknown LEDGER_STORE; using postgres\" value=%q", config.LedgerStore)
		config.LedgerStore = "postgres"
	}

	if config.GroupCreateCost < 0 {
		log.Printf("level=warn component=config msg=\"negative group create cost configured; coercing to zero\" cost=%d", config.GroupCreateCost)
		config.GroupCreateCost = 0
	}
	if config.GroupPinCost < 0 {
		log.Printf("level=warn component=config msg=\"negative group pin cost configured; coercing to zero\" cost=%d", config.GroupPinCost)
		config.GroupPinCost = 0
	}
	if config.PinLimit <= 0 {
		config.PinLimit = defaultPinLimit
	}
	if config.DefaultPinDurationHours <= 0 {
		config.DefaultPinDurationHours = defaultPinDurationHours
	}

	if config.EntryRewardMaxPoints <= 0 {
		config.EntryRewardMaxPoints = defaultEntryRewardMaxPoints
	}
	if config.EntryRewardDefaultPoints < 0 || config.EntryRewardDefaultPoints > config.EntryRewardMaxPoints {
		log.Printf("level=warn component=config msg=\"entry reward default out of range; using default\" points=%d max=%d", config.EntryRewardDefaultPoints, config.EntryRewardMaxPoints)
		config.EntryRewardDefaultPoints = min(defaultEntryRewardPoints, config.EntryRewardMaxPoints)
	}
	if config.EntryRewardDefaultPool < 0 {
		config.EntryRewardDefaultPool = defaultEntryRewardPool
	}
	if config.ColdStartWindowMinutes < 0 {
		config.ColdStartWindowMinutes = 0
	}
	config.LowTrustMultiplier = coerceMultiplier("LOW_TRUST_MULTIPLIER", config.LowTrustMultiplier, defaultLowTrustMultiplier)

	if config.FraudThrottleThreshold <= 0 {
		config.FraudThrottleThreshold = defaultFraudThrottleThreshold
	}
	if config.FraudDenyThreshold < config.FraudThrottleThreshold {
		log.Printf("level=warn component=config msg=\"fraud deny threshold below throttle threshold; raising it\" deny=%d throttle=%d", config.FraudDenyThreshold, config.FraudThrottleThreshold)
		config.FraudDenyThreshold = config.FraudThrottleThreshold
	}
	config.FraudThrottleMultiplier = coerceMultiplier("FRAUD_THROTTLE_MULTIPLIER", config.FraudThrottleMultiplier, defaultFraudThrottleMultiplier)
	if config.FraudWindowMinutes <= 0 {
		config.FraudWindowMinutes = defaultFraudWindowMinutes
	}

	if config.RewardCooldownMS < 0 {
		config.RewardCooldownMS = 0
	}
	if config.OperationTimeoutMS <= 0 {
		config.OperationTimeoutMS = defaultOperationTimeoutMS
	}
	if config.ProvisioningTimeoutMinutes <= 0 {
		config.ProvisioningTimeoutMinutes = defaultProvisioningTimeoutMin
	}
	if config.ChargingStaleSeconds <= 0 {
		config.ChargingStaleSeconds = defaultChargingStaleSeconds
	}
	config.ProvisioningSweepSchedule = strings.TrimSpace(config.ProvisioningSweepSchedule)
	if config.ProvisioningSweepSchedule == "" {
		config.ProvisioningSweepSchedule = defaultProvisioningSweepSchedule
	}
	if config.JournalPageSize <= 0 || config.JournalPageSize > 1000 {
		config.JournalPageSize = defaultJournalPageSize
	}
	if config.OutboxPollIntervalMS <= 0 {
		config.OutboxPollIntervalMS = defaultOutboxPollIntervalMS
	}

	return
}

// coerceMultiplier keeps reward multipliers inside (0, 1].
func coerceMultiplier(key string, value, fallback float64) float64 {
	if value <= 0 || value > 1 {
		log.Printf("level=warn component=config msg=\"multiplier out of range; using default\" key=%s value=%f default=%f", key, value, fallback)
		return fallback
	}
	return value
}

func (c Config) ColdStartWindow() time.Duration {
	return time.Duration(c.ColdStartWindowMinutes) * time.Minute
}

func (c Config) FraudWindow() time.Duration {
	return time.Duration(c.FraudWindowMinutes) * time.Minute
}

func (c Config) RewardCooldown() time.Duration {
	return time.Duration(c.RewardCooldownMS) * time.Millisecond
}

func (c Config) OperationTimeout() time.Duration {
	return time.Duration(c.OperationTimeoutMS) * time.Millisecond
}

func (c Config) ProvisioningTimeout() time.Duration {
	return time.Duration(c.ProvisioningTimeoutMinutes) * time.Minute
}

func (c Config) ChargingStaleAfter() time.Duration {
	return time.Duration(c.ChargingStaleSeconds) * time.Second
}

func (c Config) PinDuration() time.Duration {
	return time.Duration(c.DefaultPinDurationHours) * time.Hour
}

func (c Config) OutboxPollInterval() time.Duration {
	return time.Duration(c.OutboxPollIntervalMS) * time.Millisecond
}

// KafkaBrokerList splits KAFKA_BROKERS on commas. An empty list disables the exporter.
func (c Config) KafkaBrokerList() []string {
	var brokers []string
	for _, broker := range strings.Split(c.KafkaBrokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}
