package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{"PIN_LIMIT", "ENTRY_REWARD_DEFAULT_POINTS", "ENTRY_REWARD_DEFAULT_POOL", "FRAUD_THROTTLE_MULTIPLIER", "OPERATION_TIMEOUT_MS", "LEDGER_STORE"} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PinLimit != 3 {
		t.Fatalf("expected PinLimit 3, got %d", cfg.PinLimit)
	}
	if cfg.EntryRewardDefaultPoints != 5 || cfg.EntryRewardDefaultPool != 1000 {
		t.Fatalf("expected reward defaults 5/1000, got %d/%d", cfg.EntryRewardDefaultPoints, cfg.EntryRewardDefaultPool)
	}
	if cfg.FraudThrottleMultiplier != 0.5 {
		t.Fatalf("expected throttle multiplier 0.5, got %f", cfg.FraudThrottleMultiplier)
	}
	if cfg.OperationTimeout() != 5*time.Second {
		t.Fatalf("expected operation timeout 5s, got %s", cfg.OperationTimeout())
	}
	if cfg.LedgerStore != "postgres" {
		t.Fatalf("expected postgres store, got %q", cfg.LedgerStore)
	}
}

func TestLoadConfig_UsesLedgerServiceInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "LEDGER_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_CoercesInvalidValues(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "FRAUD_THROTTLE_MULTIPLIER", "1.5")
	setEnvWithCleanup(t, "LOW_TRUST_MULTIPLIER", "-1")
	setEnvWithCleanup(t, "FRAUD_THROTTLE_THRESHOLD", "6")
	setEnvWithCleanup(t, "FRAUD_DENY_THRESHOLD", "2")
	setEnvWithCleanup(t, "GROUP_CREATE_COST", "-10")
	setEnvWithCleanup(t, "ENTRY_REWARD_DEFAULT_POINTS", "500")
	setEnvWithCleanup(t, "LEDGER_STORE", "sqlite")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.FraudThrottleMultiplier != 0.5 {
		t.Fatalf("expected throttle multiplier reset to 0.5, got %f", cfg.FraudThrottleMultiplier)
	}
	if cfg.LowTrustMultiplier != 0.5 {
		t.Fatalf("expected low trust multiplier reset to 0.5, got %f", cfg.LowTrustMultiplier)
	}
	if cfg.FraudDenyThreshold != 6 {
		t.Fatalf("expected deny threshold raised to 6, got %d", cfg.FraudDenyThreshold)
	}
	if cfg.GroupCreateCost != 0 {
		t.Fatalf("expected create cost coerced to 0, got %d", cfg.GroupCreateCost)
	}
	if cfg.EntryRewardDefaultPoints != 5 {
		t.Fatalf("expected default points reset to 5, got %d", cfg.EntryRewardDefaultPoints)
	}
	if cfg.LedgerStore != "postgres" {
		t.Fatalf("expected unknown store to fall back to postgres, got %q", cfg.LedgerStore)
	}
}

func TestKafkaBrokerList(t *testing.T) {
	cfg := Config{KafkaBrokers: " kafka-1:9092, ,kafka-2:9092 "}
	brokers := cfg.KafkaBrokerList()
	if len(brokers) != 2 || brokers[0] != "kafka-1:9092" || brokers[1] != "kafka-2:9092" {
		t.Fatalf("expected two trimmed brokers, got %v", brokers)
	}
	if len(Config{}.KafkaBrokerList()) != 0 {
		t.Fatalf("expected empty broker list")
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
