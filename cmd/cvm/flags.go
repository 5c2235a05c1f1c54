package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// CLIConfig holds command-line configuration shared by every subcommand
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	Debug           bool
	MetricsPort     int
	ShutdownTimeout time.Duration
	Metered         bool
}

func bindFlags(cmd *cobra.Command, cfg *CLIConfig) {
	flags := cmd.PersistentFlags()

	// Each flag falls back to its environment variable
	flags.StringSliceVarP(&cfg.ConfigPaths, "config", "c",
		getEnvList("CVM_CONFIG", []string{"configs/deployment.yaml"}),
		"Configuration files, later ones override earlier ones (env: CVM_CONFIG)")

	flags.StringVar(&cfg.LogLevel, "log-level",
		getEnv("CVM_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: CVM_LOG_LEVEL)")

	flags.StringVar(&cfg.LogFormat, "log-format",
		getEnv("CVM_LOG_FORMAT", "json"),
		"Log format: json, text (env: CVM_LOG_FORMAT)")

	flags.BoolVar(&cfg.Debug, "debug",
		getEnvBool("CVM_DEBUG", false),
		"Enable debug logging (env: CVM_DEBUG)")

	flags.IntVar(&cfg.MetricsPort, "metrics-port",
		getEnvInt("CVM_METRICS_PORT", -1),
		"Prometheus port, 0 to disable, -1 to use the configuration (env: CVM_METRICS_PORT)")

	flags.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("CVM_SHUTDOWN_TIMEOUT", 0),
		"Graceful shutdown timeout, 0 to use the configuration (env: CVM_SHUTDOWN_TIMEOUT)")

	flags.BoolVar(&cfg.Metered, "metered",
		getEnvBool("CVM_METERED", false),
		"Record per-port call metrics on every configured connection (env: CVM_METERED)")
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	for _, path := range cfg.ConfigPaths {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file not found: %s", path)
		}
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.MetricsPort < -1 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.MetricsPort)
	}

	if cfg.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}

	return nil
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return splitList(value)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// splitList splits a comma separated list, dropping empty items
func splitList(value string) []string {
	return strings.FieldsFunc(value, func(r rune) bool { return r == ',' })
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
