package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseDriver selects the plan store backend: sqlite or postgres.
	DatabaseDriver string
	DatabaseURL    string
	SQLitePath     string

	// RedisAddr, when set, switches the rate limiter to Redis.
	RedisAddr string

	// RenderDir roots the human-readable plan renderings.
	RenderDir string

	// ApprovalKey signs and verifies interactive approval tokens.
	ApprovalKey string

	// ApprovalPolicy is an optional CEL expression gating who may decide
	// which plans.
	ApprovalPolicy string

	AttemptTimeout   time.Duration
	WaitTimeout      time.Duration
	UnitTimeout      time.Duration
	ArchiveAfterDays int

	// DryRunDefault makes unattended cycle passes observe-only unless a
	// caller explicitly confirms execute mode.
	DryRunDefault bool

	OTLPEndpoint string
	OTelEnabled  bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	driver := os.Getenv("DATABASE_DRIVER")
	if driver == "" {
		driver = "sqlite"
	}

	sqlitePath := os.Getenv("SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "steward.db"
	}

	renderDir := os.Getenv("RENDER_DIR")
	if renderDir == "" {
		renderDir = "plans"
	}

	return &Config{
		Port:             port,
		LogLevel:         logLevel,
		DatabaseDriver:   driver,
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SQLitePath:       sqlitePath,
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RenderDir:        renderDir,
		ApprovalKey:      os.Getenv("APPROVAL_SIGNING_KEY"),
		ApprovalPolicy:   os.Getenv("APPROVAL_POLICY"),
		AttemptTimeout:   envDuration("ATTEMPT_TIMEOUT", 120*time.Second),
		WaitTimeout:      envDuration("WAIT_TIMEOUT", 30*time.Second),
		UnitTimeout:      envDuration("UNIT_TIMEOUT", 60*time.Second),
		ArchiveAfterDays: envInt("ARCHIVE_AFTER_DAYS", 30),
		DryRunDefault:    os.Getenv("DRY_RUN_DEFAULT") != "false",
		OTLPEndpoint:     os.Getenv("OTLP_ENDPOINT"),
		OTelEnabled:      os.Getenv("OTEL_ENABLED") == "true",
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
