// Package config loads application configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/signalscan/models"
)

// Config holds all application configuration.
type Config struct {
	TwelveAPIKey      string
	PlanCreditsPerMin int
	RequestTimeout    int // seconds

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string

	TelegramToken  string
	TelegramChatID int64

	LogLevel string

	// Instruments is the scan whitelist, seeded into storage at startup.
	Instruments []models.Instrument
}

// defaultWhitelist covers the majors plus the two metals and two crypto
// pairs the scanner ships with.
var defaultWhitelist = []struct {
	symbol string
	class  models.AssetClass
}{
	{"EURUSD", models.AssetForex},
	{"GBPUSD", models.AssetForex},
	{"USDJPY", models.AssetForex},
	{"AUDUSD", models.AssetForex},
	{"XAUUSD", models.AssetMetal},
	{"XAGUSD", models.AssetMetal},
	{"BTCUSD", models.AssetCrypto},
	{"ETHUSD", models.AssetCrypto},
}

// Load initializes configuration from environment variables.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg(".env file not found, relying on actual environment variables")
	}

	cfg := &Config{
		TwelveAPIKey:      os.Getenv("TWELVE_API_KEY"),
		PlanCreditsPerMin: getEnvIntWithDefault("PLAN_CREDITS_PER_MIN", 8),
		RequestTimeout:    getEnvIntWithDefault("REQUEST_TIMEOUT", 30),

		DBHost:     getEnvWithDefault("DB_HOST", "localhost"),
		DBPort:     getEnvWithDefault("DB_PORT", "5432"),
		DBUser:     getEnvWithDefault("DB_USER", "postgres"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     getEnvWithDefault("DB_NAME", "signalscan"),
		DBSSLMode:  getEnvWithDefault("DB_SSLMODE", "disable"),

		SMTPHost:     getEnvWithDefault("SMTP_HOST", "localhost"),
		SMTPPort:     getEnvWithDefault("SMTP_PORT", "587"),
		SMTPUsername: os.Getenv("SMTP_USERNAME"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		LogLevel: getEnvWithDefault("LOG_LEVEL", "info"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID %q: %w", chatID, err)
		}
		cfg.TelegramChatID = id
	}

	instruments, err := loadWhitelist()
	if err != nil {
		return nil, err
	}
	cfg.Instruments = instruments

	return cfg, nil
}

// loadWhitelist builds the instrument whitelist from SCAN_SYMBOLS
// ("EURUSD:FOREX,BTCUSD:CRYPTO") or falls back to the built-in default.
func loadWhitelist() ([]models.Instrument, error) {
	raw := os.Getenv("SCAN_SYMBOLS")
	if raw == "" {
		out := make([]models.Instrument, 0, len(defaultWhitelist))
		for _, w := range defaultWhitelist {
			vendor, err := models.VendorSymbol(w.symbol, w.class)
			if err != nil {
				return nil, err
			}
			out = append(out, models.Instrument{
				Symbol:       w.symbol,
				AssetClass:   w.class,
				VendorSymbol: vendor,
				Enabled:      true,
			})
		}
		return out, nil
	}

	var out []models.Instrument
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		symbol := strings.ToUpper(parts[0])
		class := models.AssetForex
		if len(parts) == 2 {
			switch strings.ToUpper(parts[1]) {
			case string(models.AssetForex):
				class = models.AssetForex
			case string(models.AssetMetal):
				class = models.AssetMetal
			case string(models.AssetCrypto):
				class = models.AssetCrypto
			default:
				return nil, fmt.Errorf("unknown asset class %q in SCAN_SYMBOLS entry %q", parts[1], entry)
			}
		}
		vendor, err := models.VendorSymbol(symbol, class)
		if err != nil {
			return nil, fmt.Errorf("invalid SCAN_SYMBOLS entry %q: %w", entry, err)
		}
		out = append(out, models.Instrument{
			Symbol:       symbol,
			AssetClass:   class,
			VendorSymbol: vendor,
			Enabled:      true,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("SCAN_SYMBOLS set but contains no instruments")
	}
	return out, nil
}

// Helper functions for environment variable handling
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
