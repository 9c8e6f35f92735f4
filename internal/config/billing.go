package config

import (
	"os"
	"strconv"
	"time"
)

type BillingConfig struct {
	DefaultReservationTTL time.Duration
	SweepInterval         time.Duration
	ReconcileInterval     time.Duration
	ReconcileTolerance    int64
	MaxConflictRetries    int
	LowBalanceThreshold   int64
	HistoryPageLimit      int
}

func LoadBillingConfig() *BillingConfig {
	return &BillingConfig{
		DefaultReservationTTL: getEnvAsDuration("RESERVATION_DEFAULT_TTL", 60*time.Second),
		SweepInterval:         getEnvAsDuration("RESERVATION_SWEEP_INTERVAL", 30*time.Second),
		ReconcileInterval:     getEnvAsDuration("RECONCILE_INTERVAL", 24*time.Hour),
		ReconcileTolerance:    getEnvAsInt64("RECONCILE_TOLERANCE", 100),
		MaxConflictRetries:    getEnvAsInt("BILLING_MAX_CONFLICT_RETRIES", 3),
		LowBalanceThreshold:   getEnvAsInt64("LOW_BALANCE_THRESHOLD", 5000),
		HistoryPageLimit:      getEnvAsInt("LEDGER_HISTORY_PAGE_LIMIT", 50),
	}
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.ParseInt(val, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
