package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP Server
	Port     string
	LogLevel string

	// Data source
	DataBackend string
	DataDir     string
	LayoutFile  string

	// Database
	SQLiteDBPath      string
	SnapshotRetention int
	SnapshotMaxAge    time.Duration

	// AMQP
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Google Sheets
	GoogleSpreadsheetID      string
	GoogleServiceAccountJSON string
	GoogleServiceAccountFile string
	GooglePricingSheetName   string
	GoogleEwayBillsSheetName string

	// Dashboard
	CacheTTL       time.Duration
	SyncInterval   time.Duration
	MaxUploadBytes int64
	MaxDisplayRows int

	// Chat
	ChatProvider     string
	ChatAPIKey       string
	ChatModel        string
	ChatBaseURL      string
	ChatTimeout      time.Duration
	ChatSystemPrompt string
}

var (
	validBackends  = []string{"memory", "sheets", "sqlite"}
	validProviders = []string{"none", "openai", "gemini"}
	validLevels    = []string{"debug", "info", "warn", "error"}
)

func Load() *Config {
	spreadsheet := getEnv("GOOGLE_SPREADSHEET_ID", "")
	if spreadsheet == "" {
		spreadsheet = getEnv("GOOGLE_SPREADSHEET_URL", "")
	}
	credsFile := getEnv("GOOGLE_SERVICE_ACCOUNT_FILE", "")
	if credsFile == "" {
		credsFile = getEnv("GOOGLE_APPLICATION_CREDENTIALS", "")
	}

	cfg := &Config{
		Port:     getEnv("PORT", "8081"),
		LogLevel: strings.ToLower(getEnv("LOG_LEVEL", "info")),

		DataBackend: getEnv("DATA_BACKEND", "memory"),
		DataDir:     getEnv("DATA_DIR", "./data"),
		LayoutFile:  getEnv("LAYOUT_FILE", ""),

		SQLiteDBPath:      getEnv("SQLITE_DB_PATH", "./data/ratedash.db"),
		SnapshotRetention: getEnvInt("SNAPSHOT_RETENTION", 10),
		SnapshotMaxAge:    getEnvDuration("SNAPSHOT_MAX_AGE", time.Hour),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "ratedash"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "refresh_workbook"),

		GoogleSpreadsheetID:      spreadsheet,
		GoogleServiceAccountJSON: getEnv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),
		GoogleServiceAccountFile: credsFile,
		GooglePricingSheetName:   getEnv("PRICING_SHEET_NAME", ""),
		GoogleEwayBillsSheetName: getEnv("EWAY_SHEET_NAME", ""),

		CacheTTL:       getEnvDuration("CACHE_TTL", 5*time.Minute),
		SyncInterval:   getEnvDuration("SYNC_INTERVAL", 15*time.Minute),
		MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_BYTES", 10<<20)),
		MaxDisplayRows: getEnvInt("MAX_DISPLAY_ROWS", 500),

		ChatProvider:     strings.ToLower(getEnv("CHAT_PROVIDER", "none")),
		ChatAPIKey:       getEnv("CHAT_API_KEY", ""),
		ChatModel:        getEnv("CHAT_MODEL", ""),
		ChatBaseURL:      getEnv("CHAT_BASE_URL", "https://api.openai.com/v1"),
		ChatTimeout:      getEnvDuration("CHAT_TIMEOUT", 60*time.Second),
		ChatSystemPrompt: getEnv("CHAT_SYSTEM_PROMPT", ""),
	}

	return cfg
}

// Validate validates the configuration and returns an error listing every problem
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if !oneOf(c.LogLevel, validLevels) {
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be one of %v", c.LogLevel, validLevels))
	}

	if !oneOf(c.DataBackend, validBackends) {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	if c.LayoutFile != "" {
		if _, err := os.Stat(c.LayoutFile); err != nil {
			errors = append(errors, fmt.Sprintf("layout file not readable: %s", c.LayoutFile))
		}
	}

	// Validate SQLite configuration if backend is sqlite
	if c.DataBackend == "sqlite" {
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else {
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
		if c.SnapshotRetention < 1 {
			errors = append(errors, fmt.Sprintf("invalid snapshot retention %d: must be at least 1", c.SnapshotRetention))
		}
	}

	// Validate AMQP URL if provided
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if c.DataBackend == "sheets" {
		errors = append(errors, c.validateGoogle()...)
	}

	if c.CacheTTL < 0 {
		errors = append(errors, fmt.Sprintf("invalid cache TTL %v: must not be negative", c.CacheTTL))
	}
	if c.SyncInterval != 0 && c.SyncInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid sync interval %v: must be at least 1 second", c.SyncInterval))
	} else if c.SyncInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid sync interval %v: must be at most 24 hours", c.SyncInterval))
	}
	if c.MaxUploadBytes < 1024 {
		errors = append(errors, fmt.Sprintf("invalid max upload size %d: must be at least 1024 bytes", c.MaxUploadBytes))
	}
	if c.MaxDisplayRows < 1 {
		errors = append(errors, fmt.Sprintf("invalid max display rows %d: must be at least 1", c.MaxDisplayRows))
	}

	if !oneOf(c.ChatProvider, validProviders) {
		errors = append(errors, fmt.Sprintf("invalid chat provider '%s': must be one of %v", c.ChatProvider, validProviders))
	} else if c.ChatProvider != "none" && c.ChatAPIKey == "" {
		errors = append(errors, fmt.Sprintf("CHAT_API_KEY is required when CHAT_PROVIDER is '%s'", c.ChatProvider))
	}
	if c.ChatProvider == "openai" {
		if u, err := url.Parse(c.ChatBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errors = append(errors, fmt.Sprintf("invalid chat base URL '%s'", c.ChatBaseURL))
		}
	}
	if c.ChatTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("invalid chat timeout %v: must be positive", c.ChatTimeout))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// ValidateWorker checks what the refresh worker additionally needs: Google
// credentials and a database.
func (c *Config) ValidateWorker() error {
	var errors []string
	if err := c.Validate(); err != nil {
		errors = append(errors, strings.TrimPrefix(err.Error(), "configuration validation failed:\n- "))
	}
	if c.DataBackend != "sheets" {
		errors = append(errors, c.validateGoogle()...)
	}
	if c.SQLiteDBPath == "" {
		errors = append(errors, "SQLite database path is required for the worker")
	}
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

func (c *Config) validateGoogle() []string {
	var errors []string
	if c.GoogleSpreadsheetID == "" {
		errors = append(errors, "GOOGLE_SPREADSHEET_ID or GOOGLE_SPREADSHEET_URL is required to read Google Sheets")
	}
	hasJSON := c.GoogleServiceAccountJSON != ""
	hasFile := c.GoogleServiceAccountFile != ""
	if !hasJSON && !hasFile {
		errors = append(errors, "either GOOGLE_SERVICE_ACCOUNT_JSON or GOOGLE_SERVICE_ACCOUNT_FILE must be provided to read Google Sheets")
	}
	if !hasJSON && hasFile {
		if _, err := os.Stat(c.GoogleServiceAccountFile); os.IsNotExist(err) {
			errors = append(errors, fmt.Sprintf("Google service account file does not exist: %s", c.GoogleServiceAccountFile))
		}
	}
	return errors
}

func oneOf(v string, options []string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
