package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application-level settings.
type Config struct {
	// Server
	ServerAddr string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Cache
	CacheTTL time.Duration // per-owner processed-result cache lifetime

	// Jobs
	JobLeaseTTL    time.Duration // lease timeout for claimed jobs
	JobWaitTimeout time.Duration // max time HTTP handler blocks waiting for result
	MaxJobPages    int           // upper bound on pages per processing job

	// PostgreSQL
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Credits
	GuestFreePages         int // free allocation for every new guest device
	SignupBonusPages       int // one-time registration bonus
	EarlyAdopterBonusPages int // one-time promotional bonus
	EarlyAdopterCap        int // system-wide cap on early-adopter accounts

	// Worker Authentication
	WorkerVerifyKey string // ED25519 public key (Base64 encoded) for verifying worker signatures

	// Admin Authentication
	AdminToken string // Bearer token for admin API access
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		ServerAddr:             envOr("SERVER_ADDR", ":8080"),
		RedisAddr:              envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword:          envOr("REDIS_PASSWORD", ""),
		RedisDB:                envIntOr("REDIS_DB", 0),
		CacheTTL:               envDurationOr("CACHE_TTL", 7*24*time.Hour),
		JobLeaseTTL:            envDurationOr("JOB_LEASE_TTL", 2*time.Minute),
		JobWaitTimeout:         envDurationOr("JOB_WAIT_TIMEOUT", 90*time.Second),
		MaxJobPages:            envIntOr("MAX_JOB_PAGES", 500),
		DBHost:                 envOr("DB_HOST", "localhost"),
		DBPort:                 envOr("DB_PORT", "5432"),
		DBUser:                 envOr("DB_USER", "postgres"),
		DBPassword:             envOr("DB_PASSWORD", "postgres"),
		DBName:                 envOr("DB_NAME", "sheaf"),
		DBSSLMode:              envOr("DB_SSLMODE", "disable"),
		GuestFreePages:         envIntOr("GUEST_FREE_PAGES", 2),
		SignupBonusPages:       envIntOr("SIGNUP_BONUS_PAGES", 2),
		EarlyAdopterBonusPages: envIntOr("EARLY_ADOPTER_BONUS_PAGES", 50),
		EarlyAdopterCap:        envIntOr("EARLY_ADOPTER_CAP", 30),
		WorkerVerifyKey:        envOr("WORKER_VERIFY_KEY", ""),
		AdminToken:             envOr("ADMIN_TOKEN", ""),
	}
}

// ─── helpers ───

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
