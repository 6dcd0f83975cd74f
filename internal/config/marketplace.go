package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type MarketplaceConfig struct {
	PlatformFeePercent float64
	ProfitMarginPercent float64
	MinListingTotalUSD  decimal.Decimal
	PriceToleranceUSD   decimal.Decimal
	GBEpsilon           float64
	SettlementTTL       time.Duration
	PayoutQueueKey      string
	StoragePackagesMB   map[string]int64
}

func LoadMarketplaceConfig() *MarketplaceConfig {
	return &MarketplaceConfig{
		PlatformFeePercent:  getEnvAsFloat("MARKET_PLATFORM_FEE_PERCENT", 10),
		ProfitMarginPercent: getEnvAsFloat("MARKET_PROFIT_MARGIN_PERCENT", 20),
		MinListingTotalUSD:  getEnvAsDecimal("MARKET_MIN_TOTAL_USD", "0.50"),
		PriceToleranceUSD:   getEnvAsDecimal("MARKET_PRICE_TOLERANCE_USD", "0.01"),
		GBEpsilon:           getEnvAsFloat("MARKET_GB_EPSILON", 0.001),
		SettlementTTL:       getEnvAsDuration("MARKET_SETTLEMENT_TTL", 30*time.Minute),
		PayoutQueueKey:      getEnv("MARKET_PAYOUT_QUEUE_KEY", "payout_queue"),
		StoragePackagesMB: map[string]int64{
			"starter": 1 * 1024,
			"creator": 10 * 1024,
			"archive": 100 * 1024,
		},
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if floatVal, err := strconv.ParseFloat(val, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}

func getEnvAsDecimal(key, defaultVal string) decimal.Decimal {
	if val := os.Getenv(key); val != "" {
		if d, err := decimal.NewFromString(val); err == nil {
			return d
		}
	}
	d, _ := decimal.NewFromString(defaultVal)
	return d
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
