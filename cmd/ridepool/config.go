package main

import (
	"errors"
	"os"
	"strconv"
	"time"
)

type appConfig struct {
	HTTPAddr      string
	PostgresDSN   string
	RedisAddr     string
	NATSURL       string
	JWTSecret     string
	LogLevel      string
	EventsSubject string

	MatchMaxDistanceKM float64
	MatchTimeWindow    time.Duration

	LockTTL      time.Duration
	LockAttempts int
	LockBackoff  time.Duration

	RateReadRPS      float64
	RateReadBurst    int
	RateWriteRPS     float64
	RateWriteBurst   int
	RateMatchRPS     float64
	RateMatchBurst   int
	RateBookingRPS   float64
	RateBookingBurst int

	IdempotencyTTL time.Duration

	OutboxPoll  time.Duration
	OutboxBatch int
	OutboxRetry int
}

func loadConfig() (appConfig, error) {
	cfg := appConfig{
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		PostgresDSN:   firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		NATSURL:       os.Getenv("NATS_URL"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		EventsSubject: getenv("EVENTS_SUBJECT", "ride.bookings"),

		MatchMaxDistanceKM: parseFloatEnv("MATCH_MAX_DISTANCE_KM", 7),
		MatchTimeWindow:    time.Duration(parseIntEnv("MATCH_TIME_WINDOW_MIN", 30)) * time.Minute,

		LockTTL:      parseDurationEnv("BOOKING_LOCK_TTL_MS", 5*time.Second),
		LockAttempts: parseIntEnv("BOOKING_LOCK_ATTEMPTS", 3),
		LockBackoff:  parseDurationEnv("BOOKING_LOCK_BACKOFF_MS", 50*time.Millisecond),

		RateReadRPS:      parseFloatEnv("RATE_READ_RPS", 20),
		RateReadBurst:    parseIntEnv("RATE_READ_BURST", 40),
		RateWriteRPS:     parseFloatEnv("RATE_WRITE_RPS", 5),
		RateWriteBurst:   parseIntEnv("RATE_WRITE_BURST", 10),
		RateMatchRPS:     parseFloatEnv("RATE_MATCH_RPS", 2),
		RateMatchBurst:   parseIntEnv("RATE_MATCH_BURST", 5),
		RateBookingRPS:   parseFloatEnv("RATE_BOOKING_RPS", 1),
		RateBookingBurst: parseIntEnv("RATE_BOOKING_BURST", 3),

		IdempotencyTTL: time.Duration(parseIntEnv("IDEMPOTENCY_TTL_MIN", 24*60)) * time.Minute,

		OutboxPoll:  parseDurationEnv("OUTBOX_POLL_MS", 200*time.Millisecond),
		OutboxBatch: parseIntEnv("OUTBOX_BATCH", 100),
		OutboxRetry: parseIntEnv("OUTBOX_RETRY_MAX", 3),
	}
	if cfg.JWTSecret == "" {
		return appConfig{}, errors.New("JWT_SECRET is required")
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

// parseDurationEnv reads plain integers as milliseconds and anything else as
// a Go duration string.
func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}
