package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"options-breakout-bot-go/internal/models"
)

// Load reads the full bot configuration from environment variables.
// The caller is expected to have loaded a .env file first (see cmd/bot).
func Load() (*models.Config, error) {
	cfg := &models.Config{
		Symbol:             firstSymbol(getEnv("SYMBOLS", "SPY")),
		PositionUSD:        getFloat("POSITION_USD", 10000),
		Mode:               strings.ToUpper(getEnv("MODE", "DUMMY")),
		TakeProfitPct:      getFloat("TAKE_PROFIT_PCT", 0.10),
		StopLossPct:        getFloat("STOP_LOSS_PCT", 0.10),
		PartialSellPct:     getFloat("PARTIAL_SELL_PCT", 0.90),
		EodTime:            getEnv("EOD_TIME", "15:50"),
		Timezone:           getEnv("TIMEZONE", "US/Mountain"),
		LookbackBars:       getInt("LOOKBACK_BARS", 12),
		MinWarmupBars:      getInt("MIN_WARMUP_BARS", 3),
		BreakoutThreshold:  getFloat("BREAKOUT_THRESHOLD_PCT", 0.001),
		OTMThreshold:       getFloat("OTM_THRESHOLD", 1.0),
		StrikeStep:         getFloat("STRIKE_STEP", 1.0),
		ExpDaysAhead:       getInt("EXP_DAYS_AHEAD", 1),
		ContractMultiplier: getFloat("CONTRACT_MULTIPLIER", 100),

		SubmitTimeoutSec:     getInt("SUBMIT_TIMEOUT_SEC", 5),
		ReconcileIntervalSec: getInt("RECONCILE_INTERVAL_SEC", 2),
		EodMaxRetries:        getInt("EOD_MAX_RETRIES", 5),
		EodRetryBackoffMs:    getInt("EOD_RETRY_BACKOFF_MS", 500),

		BrokerHost:     getEnv("BROKER_HOST", "127.0.0.1"),
		BrokerPort:     getInt("BROKER_PORT", 7497),
		BrokerClientID: getInt("BROKER_CLIENT_ID", 1),

		BarIntervalSec: getInt("BAR_INTERVAL_SEC", 0),
		JournalPath:    getEnv("JOURNAL_PATH", ""),
		MetricsAddr:    getEnv("METRICS_ADDR", ""),

		Log: models.LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Output:     getEnv("LOG_OUTPUT", "console"),
			File:       getEnv("LOG_FILE", "strategy.log"),
			MaxSize:    getInt("LOG_MAX_SIZE", 10),
			MaxBackups: getInt("LOG_MAX_BACKUPS", 5),
			MaxAge:     getInt("LOG_MAX_AGE", 30),
			Compress:   getBool("LOG_COMPRESS", false),
		},
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *models.Config) error {
	if cfg.Symbol == "" {
		return fmt.Errorf("SYMBOLS must name at least one symbol")
	}
	if cfg.Mode != "DUMMY" && cfg.Mode != "LIVE" {
		return fmt.Errorf("MODE must be DUMMY or LIVE, got %q", cfg.Mode)
	}
	if cfg.PositionUSD <= 0 {
		return fmt.Errorf("POSITION_USD must be positive, got %v", cfg.PositionUSD)
	}
	for name, v := range map[string]float64{
		"TAKE_PROFIT_PCT":  cfg.TakeProfitPct,
		"STOP_LOSS_PCT":    cfg.StopLossPct,
		"PARTIAL_SELL_PCT": cfg.PartialSellPct,
	} {
		if v <= 0 || v >= 1 {
			return fmt.Errorf("%s must be in (0,1), got %v", name, v)
		}
	}
	if cfg.LookbackBars < 2 {
		return fmt.Errorf("LOOKBACK_BARS must be at least 2, got %d", cfg.LookbackBars)
	}
	if cfg.ContractMultiplier <= 0 {
		return fmt.Errorf("CONTRACT_MULTIPLIER must be positive, got %v", cfg.ContractMultiplier)
	}
	if _, err := time.Parse("15:04", cfg.EodTime); err != nil {
		return fmt.Errorf("EOD_TIME must be HH:MM: %w", err)
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("TIMEZONE %q is not a valid location: %w", cfg.Timezone, err)
	}
	return nil
}

// firstSymbol keeps env compatibility with a comma-separated SYMBOLS list but
// runs a single instrument per process.
func firstSymbol(s string) string {
	parts := strings.Split(s, ",")
	return strings.TrimSpace(parts[0])
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
