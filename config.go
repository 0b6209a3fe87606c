package stepifi

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents service configuration.
type Config struct {
	// Port the HTTP server listens on (default: 8080).
	Port int

	// UploadsDir holds pending input meshes, keyed by job id (default: ./data/uploads).
	UploadsDir string
	// ConvertedDir holds successful STEP outputs, keyed by job id (default: ./data/converted).
	ConvertedDir string
	// StoreDir is the BadgerDB directory for the job state store (default: ./data/jobs).
	StoreDir string

	// MaxConcurrent bounds the number of jobs processing at once (default: 2).
	MaxConcurrent int
	// QueueCapacity bounds the number of jobs waiting for a worker (default: 100).
	QueueCapacity int
	// MaxRetries is the number of automatic re-attempts after a failure (default: 2).
	// A job is attempted at most MaxRetries+1 times in total.
	MaxRetries int
	// RetryBackoff is the delay before a failed job re-enters the queue (default: 5s).
	RetryBackoff time.Duration

	// TTL is the lifetime of a job record and its artifacts (default: 24h).
	TTL time.Duration
	// CleanupInterval is the sweeper period (default: 15m).
	CleanupInterval time.Duration

	// ConvertTimeout is the wall-clock bound per engine invocation (default: 5m).
	ConvertTimeout time.Duration

	// Tolerance bounds and default for mesh-to-shape conversion.
	MinTolerance     float64 // default: 0.001
	MaxTolerance     float64 // default: 1.0
	DefaultTolerance float64 // default: 0.01

	// EngineCommand is the headless FreeCAD binary (default: freecadcmd).
	EngineCommand string
	// EngineScript is the conversion script passed to the engine
	// (default: ./scripts/convert.py).
	EngineScript string
}

// LoadConfig loads service configuration from environment variables.
// It reads the following environment variables, all optional:
//   - STEPIFI_PORT, STEPIFI_UPLOADS_DIR, STEPIFI_CONVERTED_DIR, STEPIFI_STORE_DIR
//   - STEPIFI_MAX_CONCURRENT, STEPIFI_QUEUE_CAPACITY
//   - STEPIFI_MAX_RETRIES, STEPIFI_RETRY_BACKOFF
//   - STEPIFI_TTL, STEPIFI_CLEANUP_INTERVAL, STEPIFI_CONVERT_TIMEOUT
//   - STEPIFI_MIN_TOLERANCE, STEPIFI_MAX_TOLERANCE, STEPIFI_DEFAULT_TOLERANCE
//   - STEPIFI_ENGINE_COMMAND, STEPIFI_ENGINE_SCRIPT
//
// Duration values use Go duration syntax (e.g. "24h", "15m", "90s").
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:             getEnvInt("STEPIFI_PORT", 8080),
		UploadsDir:       getEnvString("STEPIFI_UPLOADS_DIR", "./data/uploads"),
		ConvertedDir:     getEnvString("STEPIFI_CONVERTED_DIR", "./data/converted"),
		StoreDir:         getEnvString("STEPIFI_STORE_DIR", "./data/jobs"),
		MaxConcurrent:    getEnvInt("STEPIFI_MAX_CONCURRENT", 2),
		QueueCapacity:    getEnvInt("STEPIFI_QUEUE_CAPACITY", 100),
		MaxRetries:       getEnvInt("STEPIFI_MAX_RETRIES", 2),
		RetryBackoff:     getEnvDuration("STEPIFI_RETRY_BACKOFF", 5*time.Second),
		TTL:              getEnvDuration("STEPIFI_TTL", 24*time.Hour),
		CleanupInterval:  getEnvDuration("STEPIFI_CLEANUP_INTERVAL", 15*time.Minute),
		ConvertTimeout:   getEnvDuration("STEPIFI_CONVERT_TIMEOUT", 5*time.Minute),
		MinTolerance:     getEnvFloat("STEPIFI_MIN_TOLERANCE", 0.001),
		MaxTolerance:     getEnvFloat("STEPIFI_MAX_TOLERANCE", 1.0),
		DefaultTolerance: getEnvFloat("STEPIFI_DEFAULT_TOLERANCE", 0.01),
		EngineCommand:    getEnvString("STEPIFI_ENGINE_COMMAND", "freecadcmd"),
		EngineScript:     getEnvString("STEPIFI_ENGINE_SCRIPT", "./scripts/convert.py"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("STEPIFI_MAX_CONCURRENT must be >= 1, got %d", c.MaxConcurrent)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("STEPIFI_QUEUE_CAPACITY must be >= 1, got %d", c.QueueCapacity)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("STEPIFI_MAX_RETRIES must be >= 0, got %d", c.MaxRetries)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("STEPIFI_TTL must be > 0, got %v", c.TTL)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("STEPIFI_CLEANUP_INTERVAL must be > 0, got %v", c.CleanupInterval)
	}
	if c.ConvertTimeout <= 0 {
		return fmt.Errorf("STEPIFI_CONVERT_TIMEOUT must be > 0, got %v", c.ConvertTimeout)
	}
	if c.MinTolerance <= 0 || c.MaxTolerance <= c.MinTolerance {
		return fmt.Errorf("tolerance bounds must satisfy 0 < min < max, got [%g, %g]",
			c.MinTolerance, c.MaxTolerance)
	}
	if c.DefaultTolerance < c.MinTolerance || c.DefaultTolerance > c.MaxTolerance {
		return fmt.Errorf("STEPIFI_DEFAULT_TOLERANCE %g outside [%g, %g]",
			c.DefaultTolerance, c.MinTolerance, c.MaxTolerance)
	}
	if c.EngineCommand == "" {
		return fmt.Errorf("STEPIFI_ENGINE_COMMAND must not be empty")
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
