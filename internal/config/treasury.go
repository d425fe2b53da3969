package config

import (
	"os"
	"strconv"
	"time"
)

type TreasuryConfig struct {
	ReserveAccountID    string
	PayerFundsAccountID string
	MinPayoutAmount     int64
	PayoutInterval      time.Duration
	ReconcileInterval   time.Duration
	WebhookSecret       string
	WebhookTimeout      time.Duration
	GatewayBaseURL      string
	GatewayAPIKey       string
	PayoutRailURL       string
	PlatformBIC         string
}

func LoadTreasuryConfig() *TreasuryConfig {
	return &TreasuryConfig{
		ReserveAccountID:    getEnv("TREASURY_RESERVE_ACCOUNT", "acct_platform_reserve"),
		PayerFundsAccountID: getEnv("TREASURY_PAYER_FUNDS_ACCOUNT", "acct_payer_funds"),
		MinPayoutAmount:     getEnvAsInt64("TREASURY_MIN_PAYOUT", 2500),
		PayoutInterval:      getEnvAsDuration("TREASURY_PAYOUT_INTERVAL", 15*time.Minute),
		ReconcileInterval:   getEnvAsDuration("TREASURY_RECONCILE_INTERVAL", 5*time.Minute),
		WebhookSecret:       getEnv("GATEWAY_WEBHOOK_SECRET", ""),
		WebhookTimeout:      getEnvAsDuration("GATEWAY_WEBHOOK_TIMEOUT", 25*time.Second),
		GatewayBaseURL:      getEnv("GATEWAY_BASE_URL", "https://api.gateway.example.com"),
		GatewayAPIKey:       getEnv("GATEWAY_API_KEY", ""),
		PayoutRailURL:       getEnv("PAYOUT_RAIL_URL", "https://rail.gateway.example.com/pacs008"),
		PlatformBIC:         getEnv("PLATFORM_BIC", "STAGEPAS"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
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
