package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the grading service.
type Config struct {
	AppName          string
	AppEnv           string
	AppPort          string
	AllowOrigins     string
	DatabaseURL      string
	RedisURL         string
	NATSURL          string
	ChannelBase      string
	JWTSecret        string
	JWTRefreshSecret string

	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string

	TaskPollInterval    time.Duration
	TaskPollMaxInterval time.Duration
	TaskMaxWait         time.Duration
	TaskCacheTTL        time.Duration
	ReviewCacheTTL      time.Duration
	ReconcileSchedule   string
	ReconcileTimeout    time.Duration

	WorkerEnabled     bool
	WorkerConcurrency int
	WorkerQueueSize   int
	JobTimeout        time.Duration

	DockerHost        string
	SandboxImage      string
	SandboxWorkspace  string
	ExecutionTimeout  time.Duration
	PolicyRunMemoryMB int
	PolicyRunNanoCPUs int64
	ImportMaxSizeMB   int
	ImportRateLimit   int
	ImportRateWindow  time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Grading API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.allow_origins", "*")
	v.SetDefault("channel.base", "gema:grading")
	v.SetDefault("cloudinary.folder", "gema/grading-exports")
	v.SetDefault("task.poll_interval", "500ms")
	v.SetDefault("task.poll_max_interval", "5s")
	v.SetDefault("task.max_wait", "30s")
	v.SetDefault("task.cache_ttl", "10m")
	v.SetDefault("review.cache_ttl", "2m")
	v.SetDefault("reconcile.schedule", "@every 15s")
	v.SetDefault("reconcile.timeout", "30s")
	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_size", 256)
	v.SetDefault("worker.job_timeout", "2m")
	v.SetDefault("sandbox.image", "node:20-alpine")
	v.SetDefault("sandbox.workspace", "")
	v.SetDefault("execution_timeout_ms", 5000)
	v.SetDefault("policy_run_memory_mb", 128)
	v.SetDefault("policy_run_nano_cpus", 500000000)
	v.SetDefault("import.max_size_mb", 5)
	v.SetDefault("import.rate_limit", 10)
	v.SetDefault("import.rate_window", "1m")

	durations := map[string]*time.Duration{}
	cfg := Config{}
	durations["task.poll_interval"] = &cfg.TaskPollInterval
	durations["task.poll_max_interval"] = &cfg.TaskPollMaxInterval
	durations["task.max_wait"] = &cfg.TaskMaxWait
	durations["task.cache_ttl"] = &cfg.TaskCacheTTL
	durations["review.cache_ttl"] = &cfg.ReviewCacheTTL
	durations["reconcile.timeout"] = &cfg.ReconcileTimeout
	durations["worker.job_timeout"] = &cfg.JobTimeout
	durations["import.rate_window"] = &cfg.ImportRateWindow
	for key, target := range durations {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		*target = parsed
	}

	timeoutMs := v.GetInt("execution_timeout_ms")
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}

	cfg.AppName = v.GetString("app.name")
	cfg.AppEnv = v.GetString("app.env")
	cfg.AppPort = v.GetString("app.port")
	cfg.AllowOrigins = v.GetString("app.allow_origins")
	cfg.DatabaseURL = v.GetString("database.url")
	cfg.RedisURL = v.GetString("redis.url")
	cfg.NATSURL = v.GetString("nats.url")
	cfg.ChannelBase = v.GetString("channel.base")
	cfg.JWTSecret = v.GetString("jwt.secret")
	cfg.JWTRefreshSecret = v.GetString("jwt.refresh_secret")
	cfg.CloudinaryCloudName = v.GetString("cloudinary.cloud_name")
	cfg.CloudinaryAPIKey = v.GetString("cloudinary.api_key")
	cfg.CloudinaryAPISecret = v.GetString("cloudinary.api_secret")
	cfg.CloudinaryUploadFolder = v.GetString("cloudinary.folder")
	cfg.ReconcileSchedule = v.GetString("reconcile.schedule")
	cfg.WorkerEnabled = v.GetBool("worker.enabled")
	cfg.WorkerConcurrency = v.GetInt("worker.concurrency")
	cfg.WorkerQueueSize = v.GetInt("worker.queue_size")
	cfg.DockerHost = v.GetString("docker_host")
	cfg.SandboxImage = v.GetString("sandbox.image")
	cfg.SandboxWorkspace = v.GetString("sandbox.workspace")
	cfg.ExecutionTimeout = time.Duration(timeoutMs) * time.Millisecond
	cfg.PolicyRunMemoryMB = v.GetInt("policy_run_memory_mb")
	cfg.PolicyRunNanoCPUs = v.GetInt64("policy_run_nano_cpus")
	cfg.ImportMaxSizeMB = v.GetInt("import.max_size_mb")
	cfg.ImportRateLimit = v.GetInt("import.rate_limit")

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}
	if cfg.TaskPollMaxInterval < cfg.TaskPollInterval {
		cfg.TaskPollMaxInterval = cfg.TaskPollInterval
	}
	if cfg.PolicyRunMemoryMB <= 0 {
		cfg.PolicyRunMemoryMB = 128
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 4
	}

	return cfg, nil
}
