package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the driftwatch server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Backend  BackendConfig
	Probe    ProbeConfig
	Storage  StorageConfig
	Notify   NotifyConfig
}

type ServerConfig struct {
	Port           int
	Env            string
	LogLevel       string
	RateLimitRPM   int
	MaxUploadBytes int64

	// MaxExtractedBytes caps the decompressed size of an uploaded archive.
	MaxExtractedBytes int64
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// QueueConfig controls the inference work queue and its worker pool.
type QueueConfig struct {
	Name          string
	Concurrency   int
	Attempts      int
	Backoff       time.Duration
	KeepCompleted int
	KeepFailed    int
	RetentionAge  time.Duration
	PollInterval  time.Duration
}

// BackendConfig points at the external frame-comparison service.
type BackendConfig struct {
	URL     string
	Name    string
	Timeout time.Duration
}

type ProbeConfig struct {
	FFprobePath string
	Timeout     time.Duration
	TempDir     string
}

type StorageConfig struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

type NotifyConfig struct {
	AuthTimeout    time.Duration
	AllowedOrigins []string
	ConnRPS        float64
	ConnBurst      int
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:              envInt("DRIFTWATCH_PORT", 8080),
			Env:               envString("DRIFTWATCH_ENV", "development"),
			LogLevel:          envString("LOG_LEVEL", "info"),
			RateLimitRPM:      envInt("RATE_LIMIT_RPM", 60),
			MaxUploadBytes:    int64(envInt("MAX_UPLOAD_MB", 512)) << 20,
			MaxExtractedBytes: int64(envInt("MAX_EXTRACTED_MB", 2048)) << 20,
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Queue: QueueConfig{
			Name:          envString("QUEUE_NAME", "driftwatch:inference"),
			Concurrency:   envInt("QUEUE_CONCURRENCY", 2),
			Attempts:      envInt("QUEUE_ATTEMPTS", 3),
			Backoff:       envDuration("QUEUE_BACKOFF", 2*time.Second),
			KeepCompleted: envInt("QUEUE_KEEP_COMPLETED", 100),
			KeepFailed:    envInt("QUEUE_KEEP_FAILED", 500),
			RetentionAge:  envDuration("QUEUE_RETENTION_AGE", 24*time.Hour),
			PollInterval:  envDuration("QUEUE_POLL_INTERVAL", 500*time.Millisecond),
		},
		Backend: BackendConfig{
			URL:     os.Getenv("INFERENCE_BACKEND_URL"),
			Name:    envString("INFERENCE_BACKEND_NAME", "onprem"),
			Timeout: envDurationSecs("INFERENCE_TIMEOUT_SECS", 30*time.Minute),
		},
		Probe: ProbeConfig{
			FFprobePath: envString("FFPROBE_PATH", "ffprobe"),
			Timeout:     envDurationSecs("PROBE_TIMEOUT_SECS", 60*time.Second),
			TempDir:     envString("PROBE_TEMP_DIR", os.TempDir()),
		},
		Storage: StorageConfig{
			Bucket:    os.Getenv("S3_BUCKET"),
			Region:    envString("AWS_REGION", "us-east-1"),
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			PathStyle: envBool("S3_PATH_STYLE", false),
		},
		Notify: NotifyConfig{
			AuthTimeout:    envDuration("WS_AUTH_TIMEOUT", 10*time.Second),
			AllowedOrigins: envList("WS_ALLOWED_ORIGINS"),
			ConnRPS:        envFloat("WS_CONN_RPS", 5),
			ConnBurst:      envInt("WS_CONN_BURST", 10),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Backend.URL == "" {
		return fmt.Errorf("INFERENCE_BACKEND_URL is required")
	}
	if !strings.HasPrefix(c.Backend.URL, "http://") && !strings.HasPrefix(c.Backend.URL, "https://") {
		return fmt.Errorf("INFERENCE_BACKEND_URL must start with http:// or https://, got %q", c.Backend.URL)
	}

	if c.Storage.Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required")
	}

	if c.Server.RateLimitRPM < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM must be at least 1, got %d", c.Server.RateLimitRPM)
	}

	if c.Server.MaxExtractedBytes < c.Server.MaxUploadBytes {
		return fmt.Errorf("MAX_EXTRACTED_MB must be at least MAX_UPLOAD_MB")
	}

	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("QUEUE_CONCURRENCY must be at least 1, got %d", c.Queue.Concurrency)
	}
	if c.Queue.Attempts < 1 {
		return fmt.Errorf("QUEUE_ATTEMPTS must be at least 1, got %d", c.Queue.Attempts)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
