package server

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/openjobspec/ojs-pacer/internal/scheduler"
	"github.com/openjobspec/ojs-pacer/internal/worker"
)

// Process roles. One binary runs any subset of the pipeline.
const (
	RoleAll       = "all"
	RoleAPI       = "api"
	RoleScheduler = "scheduler"
	RoleWorker    = "worker"
)

// State store and transport kinds.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNATS   = "nats"
)

// Config holds server configuration.
type Config struct {
	Port     string
	GRPCPort string
	Role     string
	LogLevel string

	Store       string
	Transport   string
	NatsURL     string
	RedisURL    string
	RedisPrefix string
	IndexPath   string

	MemoryCapacity int
	NotifierBuffer int
	AckWait        time.Duration
	WorkerID       string

	Scheduler scheduler.Config
	Worker    worker.Config

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Runs reports whether role is part of this process.
func (c Config) Runs(role string) bool {
	return c.Role == RoleAll || c.Role == role
}

// NewViper returns a viper instance reading PACER_* environment variables on
// top of the defaults. NATS_URL and REDIS_URL are honoured as well.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("PACER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("nats.url", "PACER_NATS_URL", "NATS_URL")
	_ = v.BindEnv("redis.url", "PACER_REDIS_URL", "REDIS_URL")
	SetDefaults(v)
	return v
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	sched := scheduler.DefaultConfig()
	work := worker.DefaultConfig()

	v.SetDefault("port", "8080")
	v.SetDefault("grpc_port", "9090")
	v.SetDefault("role", RoleAll)
	v.SetDefault("log_level", "info")

	v.SetDefault("store", BackendMemory)
	v.SetDefault("transport", BackendMemory)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.prefix", "pacer:")
	v.SetDefault("index.path", ":memory:")

	v.SetDefault("memory.capacity", 1<<16)
	v.SetDefault("notifier.buffer", 1024)

	v.SetDefault("scheduler.batch_size", sched.BatchSize)
	v.SetDefault("scheduler.tick_interval", sched.TickInterval)
	v.SetDefault("scheduler.max_per_tick", sched.MaxPerTick)
	v.SetDefault("scheduler.parallelism", sched.Parallelism)
	v.SetDefault("scheduler.max_publish_per_second", sched.MaxPublishPerSecond)
	v.SetDefault("recovery.schedule", sched.RecoverySchedule)
	v.SetDefault("recovery.stale_after", sched.StaleAfter)
	v.SetDefault("recovery.max_jitter", sched.MaxJitter)
	v.SetDefault("recovery.limit", sched.RecoveryLimit)

	v.SetDefault("worker.id", "")
	v.SetDefault("worker.prefetch", work.Prefetch)
	v.SetDefault("worker.max_retries", work.MaxRetries)
	v.SetDefault("worker.retry_delay", work.RetryDelay)
	v.SetDefault("worker.ack_wait", 60*time.Second)

	v.SetDefault("http.read_timeout", 30*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.idle_timeout", 120*time.Second)
	v.SetDefault("shutdown_timeout", 30*time.Second)
}

// LoadConfig reads the configuration from v and validates it.
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := Config{
		Port:     v.GetString("port"),
		GRPCPort: v.GetString("grpc_port"),
		Role:     strings.ToLower(v.GetString("role")),
		LogLevel: v.GetString("log_level"),

		Store:       strings.ToLower(v.GetString("store")),
		Transport:   strings.ToLower(v.GetString("transport")),
		NatsURL:     v.GetString("nats.url"),
		RedisURL:    v.GetString("redis.url"),
		RedisPrefix: v.GetString("redis.prefix"),
		IndexPath:   v.GetString("index.path"),

		MemoryCapacity: v.GetInt("memory.capacity"),
		NotifierBuffer: v.GetInt("notifier.buffer"),
		AckWait:        v.GetDuration("worker.ack_wait"),
		WorkerID:       v.GetString("worker.id"),

		Scheduler: scheduler.Config{
			BatchSize:           v.GetInt("scheduler.batch_size"),
			TickInterval:        v.GetDuration("scheduler.tick_interval"),
			MaxPerTick:          v.GetInt("scheduler.max_per_tick"),
			Parallelism:         v.GetInt("scheduler.parallelism"),
			MaxPublishPerSecond: v.GetFloat64("scheduler.max_publish_per_second"),
			RecoverySchedule:    v.GetString("recovery.schedule"),
			StaleAfter:          v.GetDuration("recovery.stale_after"),
			MaxJitter:           v.GetDuration("recovery.max_jitter"),
			RecoveryLimit:       v.GetInt("recovery.limit"),
		},
		Worker: worker.Config{
			Prefetch:   v.GetInt("worker.prefetch"),
			MaxRetries: v.GetInt("worker.max_retries"),
			RetryDelay: v.GetDuration("worker.retry_delay"),
		},

		ReadTimeout:     v.GetDuration("http.read_timeout"),
		WriteTimeout:    v.GetDuration("http.write_timeout"),
		IdleTimeout:     v.GetDuration("http.idle_timeout"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects unknown kinds and combinations that cannot span processes.
func (c Config) Validate() error {
	if !slices.Contains([]string{RoleAll, RoleAPI, RoleScheduler, RoleWorker}, c.Role) {
		return fmt.Errorf("invalid role %q: want all, api, scheduler or worker", c.Role)
	}
	if !slices.Contains([]string{BackendMemory, BackendRedis, BackendNATS}, c.Store) {
		return fmt.Errorf("invalid store %q: want memory, redis or nats", c.Store)
	}
	if !slices.Contains([]string{BackendMemory, BackendNATS}, c.Transport) {
		return fmt.Errorf("invalid transport %q: want memory or nats", c.Transport)
	}
	if c.Role != RoleAll && (c.Store == BackendMemory || c.Transport == BackendMemory) {
		return fmt.Errorf("role %q needs a shared store and transport; memory only works with role all", c.Role)
	}
	if c.Port == "" {
		return fmt.Errorf("port must not be empty")
	}
	return nil
}
