// Package config loads the daemon configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration.
type Config struct {
	// DICOM listener
	ListenAddress   string
	AETitle         string
	MaxPDULength    uint32
	RequireCalledAE bool
	IdleTimeout     time.Duration
	ResponseTimeout time.Duration

	// TLS, empty cert path disables it
	TLSMode     string // strict, standard or permissive
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string

	// Print queue
	CallingAETitle string
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	HistorySize    int
	ProbeInterval  time.Duration

	// Admin HTTP API
	AdminAddress string

	// Job journal, empty DSN disables it
	DatabaseDSN string

	// Logging
	LogFile string
	Debug   bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddress:   GetEnv("LISTEN_ADDRESS", ":11112"),
		AETitle:         GetEnv("AE_TITLE", "PRINTNET"),
		MaxPDULength:    uint32(getEnvInt("MAX_PDU_LENGTH", 0)),
		RequireCalledAE: getEnvBool("REQUIRE_CALLED_AE", false),
		IdleTimeout:     getEnvSeconds("IDLE_TIMEOUT_SECONDS", 60),
		ResponseTimeout: getEnvSeconds("RESPONSE_TIMEOUT_SECONDS", 30),

		TLSMode:     GetEnv("TLS_MODE", "standard"),
		TLSCertFile: GetEnv("TLS_CERT_FILE", ""),
		TLSKeyFile:  GetEnv("TLS_KEY_FILE", ""),
		TLSCAFile:   GetEnv("TLS_CA_FILE", ""),

		CallingAETitle: GetEnv("CALLING_AE_TITLE", "PRINTNET"),
		MaxAttempts:    getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		BaseBackoff:    getEnvSeconds("RETRY_BASE_BACKOFF_SECONDS", 2),
		MaxBackoff:     getEnvSeconds("RETRY_MAX_BACKOFF_SECONDS", 300),
		HistorySize:    getEnvInt("JOB_HISTORY_SIZE", 256),
		ProbeInterval:  getEnvSeconds("PRINTER_PROBE_INTERVAL_SECONDS", 30),

		AdminAddress: GetEnv("ADMIN_ADDRESS", ":8080"),
		DatabaseDSN:  GetEnv("DATABASE_DSN", ""),

		LogFile: GetEnv("LOG_FILE", "printnet.log"),
		Debug:   getEnvBool("DEBUG", false),
	}
	return cfg, nil
}

// GetEnv retrieves an environment variable or returns a default value.
func GetEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(GetEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(GetEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}
