package main

import (
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	TokenSecret  []byte
	CookieSecret []byte

	TokenTTL time.Duration

	RewardAmount  int
	DailyCap      int
	DailyBaseline int
	Cooldown      time.Duration

	RefillInterval time.Duration
	RefillAmount   int

	RateLimit       int
	RateLimitWindow time.Duration

	ExportLimit       int
	ExportLimitWindow time.Duration

	Timezone *time.Location

	DevMode    bool
	SecureMode bool
}

func loadConfig() (*Config, error) {
	devMode := os.Getenv("DEV_MODE") == "true"
	env := strings.TrimSpace(os.Getenv("APP_ENV"))
	if env == "" {
		env = "local"
	}

	cfg := &Config{
		TokenTTL:          time.Duration(parseEnvInt("ACTION_TOKEN_TTL_MS", 600000)) * time.Millisecond,
		RewardAmount:      parseEnvInt("CREDIT_REWARD_AMOUNT", 5),
		DailyCap:          parseEnvInt("CREDIT_DAILY_CAP", 30),
		DailyBaseline:     parseEnvInt("CREDIT_DAILY_BASELINE", 5),
		Cooldown:          time.Duration(parseEnvInt("CREDIT_COOLDOWN_MS", 60000)) * time.Millisecond,
		RefillInterval:    time.Duration(parseEnvInt("CREDIT_REFILL_INTERVAL_MS", 600000)) * time.Millisecond,
		RefillAmount:      parseEnvInt("CREDIT_REFILL_AMOUNT", 1),
		RateLimit:         parseEnvInt("RATE_LIMIT", 10),
		RateLimitWindow:   time.Duration(parseEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
		ExportLimit:       parseEnvInt("EXPORT_RATE_LIMIT", 5),
		ExportLimitWindow: time.Duration(parseEnvInt("EXPORT_RATE_WINDOW_SECONDS", 60)) * time.Second,
		DevMode:           devMode,
		SecureMode:        env == "production",
	}

	tokenSecret := strings.TrimSpace(os.Getenv("TOKEN_SECRET"))
	cookieSecret := strings.TrimSpace(os.Getenv("COOKIE_SECRET"))
	if tokenSecret == "" || cookieSecret == "" {
		if !devMode {
			return nil, errors.New("TOKEN_SECRET and COOKIE_SECRET are required")
		}
		log.Println("⚠️  DEV MODE: using default secrets")
		if tokenSecret == "" {
			tokenSecret = "dev-token-secret"
		}
		if cookieSecret == "" {
			cookieSecret = "dev-cookie-secret"
		}
	}
	cfg.TokenSecret = []byte(tokenSecret)
	cfg.CookieSecret = []byte(cookieSecret)

	tzName := strings.TrimSpace(os.Getenv("SERVICE_TZ"))
	if tzName == "" {
		tzName = "UTC"
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, errors.New("invalid SERVICE_TZ: " + tzName)
	}
	cfg.Timezone = loc

	if cfg.DailyBaseline > cfg.DailyCap {
		cfg.DailyBaseline = cfg.DailyCap
	}

	return cfg, nil
}

func parseEnvInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
