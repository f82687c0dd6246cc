package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
)

// Config holds all configuration for the gpufleet server and worker.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Marketplace MarketplaceConfig
	Scheduler   SchedulerConfig
	Queue       QueueConfig
	Storage     StorageConfig
	Tiers       Tiers
}

type ServerConfig struct {
	Port               int
	Env                string
	RateLimitPerMinute int
	ProgressInterval   time.Duration
	// WorkerMetricsPort serves /metrics from the queue worker process.
	WorkerMetricsPort  int
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

type MarketplaceConfig struct {
	Enabled  []string
	Timeout  time.Duration
	RetryMax int
	Vast     VastConfig
	Runpod   RunpodConfig
}

type VastConfig struct {
	BaseURL string
	APIKey  string
}

type RunpodConfig struct {
	BaseURL string
	APIKey  string
}

// SchedulerConfig tunes instance selection and the lifecycle monitor.
type SchedulerConfig struct {
	PollInterval     time.Duration
	BootTimeout      time.Duration
	DurationMargin   time.Duration
	SupportedCUDA    []string
	MaxPricePerHour  float64
	WorkerImage      string
	WorkerCUDA       string
	WorkerEnv        map[string]string
	WorkerPorts      []string
	WorkerOnStart    string
	CallbackBaseURL  string
	ProgressTTL      time.Duration
	// ProgressPassword authenticates against the Redis instance inside each worker.
	ProgressPassword string
	TerminateTimeout time.Duration
}

type QueueConfig struct {
	Concurrency int
	ConsumerID  string
	LeaseTTL    time.Duration
}

type StorageConfig struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	URLExpiry       time.Duration
}

var validMarketplaces = map[string]bool{
	"vast":   true,
	"runpod": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	workerEnv, workerPorts, err := parseDockerArgs(os.Getenv("WORKER_DOCKER_ARGS"))
	if err != nil {
		return nil, fmt.Errorf("WORKER_DOCKER_ARGS: %w", err)
	}

	tiers, err := LoadTiers(os.Getenv("TIERS_FILE"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("PORT", 8080),
			Env:                envString("APP_ENV", "development"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 120),
			ProgressInterval:   envDuration("PROGRESS_INTERVAL", 30*time.Second),
			WorkerMetricsPort:  envInt("WORKER_METRICS_PORT", 9091),
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
		Marketplace: MarketplaceConfig{
			Enabled:  envList("MARKETPLACES", []string{"vast", "runpod"}),
			Timeout:  envDurationSecs("MARKETPLACE_TIMEOUT_SECS", 30*time.Second),
			RetryMax: envInt("MARKETPLACE_RETRY_MAX", 2),
			Vast: VastConfig{
				BaseURL: envString("VAST_BASE_URL", "https://console.vast.ai"),
				APIKey:  os.Getenv("VAST_API_KEY"),
			},
			Runpod: RunpodConfig{
				BaseURL: envString("RUNPOD_BASE_URL", "https://api.runpod.io"),
				APIKey:  os.Getenv("RUNPOD_API_KEY"),
			},
		},
		Scheduler: SchedulerConfig{
			PollInterval:     envDuration("SCHEDULER_POLL_INTERVAL", 60*time.Second),
			BootTimeout:      envDuration("SCHEDULER_BOOT_TIMEOUT", 1200*time.Second),
			DurationMargin:   envDuration("SCHEDULER_DURATION_MARGIN", 3600*time.Second),
			SupportedCUDA:    envList("SCHEDULER_SUPPORTED_CUDA", []string{"12.0", "12.1", "12.2", "12.3", "12.4"}),
			MaxPricePerHour:  envFloat("SCHEDULER_MAX_PRICE_PER_HOUR", 0.7),
			WorkerImage:      envString("WORKER_IMAGE", "tnsrai/worker-pipeline:cuda-12.0"),
			WorkerCUDA:       envString("WORKER_CUDA", "12.0"),
			WorkerEnv:        workerEnv,
			WorkerPorts:      workerPorts,
			WorkerOnStart:    os.Getenv("WORKER_ONSTART"),
			CallbackBaseURL:  os.Getenv("CALLBACK_BASE_URL"),
			ProgressTTL:      envDuration("PROGRESS_TTL", 3*time.Minute),
			ProgressPassword: os.Getenv("WORKER_REDIS_PASSWORD"),
			TerminateTimeout: envDuration("TERMINATE_TIMEOUT", 30*time.Second),
		},
		Queue: QueueConfig{
			Concurrency: envInt("QUEUE_CONCURRENCY", 16),
			ConsumerID:  os.Getenv("WORKER_ID"),
			LeaseTTL:    envDuration("QUEUE_LEASE_TTL", 30*time.Second),
		},
		Storage: StorageConfig{
			Endpoint:        os.Getenv("STORAGE_ENDPOINT"),
			Region:          envString("STORAGE_REGION", "auto"),
			Bucket:          os.Getenv("STORAGE_BUCKET"),
			AccessKeyID:     os.Getenv("STORAGE_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("STORAGE_SECRET_ACCESS_KEY"),
			URLExpiry:       envDuration("STORAGE_URL_EXPIRY", 24*time.Hour),
		},
		Tiers: tiers,
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

	if len(c.Marketplace.Enabled) == 0 {
		return fmt.Errorf("MARKETPLACES must name at least one of vast, runpod")
	}
	for _, m := range c.Marketplace.Enabled {
		if !validMarketplaces[m] {
			return fmt.Errorf("MARKETPLACES must be a subset of vast, runpod; got %q", m)
		}
		if m == "vast" && c.Marketplace.Vast.APIKey == "" {
			return fmt.Errorf("VAST_API_KEY is required when vast is enabled")
		}
		if m == "runpod" && c.Marketplace.Runpod.APIKey == "" {
			return fmt.Errorf("RUNPOD_API_KEY is required when runpod is enabled")
		}
	}
	if c.Marketplace.Timeout <= 0 {
		return fmt.Errorf("MARKETPLACE_TIMEOUT_SECS must be positive")
	}

	if c.Scheduler.CallbackBaseURL == "" {
		return fmt.Errorf("CALLBACK_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Scheduler.CallbackBaseURL, "http://") && !strings.HasPrefix(c.Scheduler.CallbackBaseURL, "https://") {
		return fmt.Errorf("CALLBACK_BASE_URL must start with http:// or https://, got %q", c.Scheduler.CallbackBaseURL)
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("SCHEDULER_POLL_INTERVAL must be positive")
	}

	if c.Storage.Bucket == "" {
		return fmt.Errorf("STORAGE_BUCKET is required")
	}
	if c.Storage.AccessKeyID == "" || c.Storage.SecretAccessKey == "" {
		return fmt.Errorf("STORAGE_ACCESS_KEY_ID and STORAGE_SECRET_ACCESS_KEY are required")
	}
	if c.Storage.URLExpiry <= time.Minute {
		return fmt.Errorf("STORAGE_URL_EXPIRY must be longer than one minute")
	}

	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("QUEUE_CONCURRENCY must be positive")
	}
	if c.Queue.LeaseTTL < 3*time.Second {
		return fmt.Errorf("QUEUE_LEASE_TTL must be at least 3s")
	}

	return nil
}

// parseDockerArgs reads "-e KEY=VALUE -p 6379:6379/tcp" style worker arguments
// into an env map and a port list. Parsing stops at the first unknown flag.
func parseDockerArgs(args string) (map[string]string, []string, error) {
	env := map[string]string{}
	var ports []string
	if strings.TrimSpace(args) == "" {
		return env, ports, nil
	}

	words, err := shlex.Split(args)
	if err != nil {
		return nil, nil, err
	}

	for i := 0; i+1 < len(words); i += 2 {
		flag, val := words[i], words[i+1]
		switch flag {
		case "-e":
			k, v, ok := strings.Cut(val, "=")
			if !ok || k == "" {
				return nil, nil, fmt.Errorf("malformed env %q", val)
			}
			env[k] = v
		case "-p":
			ports = append(ports, val)
		default:
			return env, ports, nil
		}
	}
	return env, ports, nil
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

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
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
