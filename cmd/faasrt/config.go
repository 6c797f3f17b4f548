package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"faasrt/internal/admin"
	"faasrt/internal/admission"
	"faasrt/internal/artifact"
	"faasrt/internal/common/cache"
	"faasrt/internal/common/db"
	"faasrt/internal/common/mq"
	"faasrt/internal/common/storage"
	"faasrt/internal/runtime/engine"
	"faasrt/internal/runtime/module"
	"faasrt/internal/runtime/sched"
	"faasrt/internal/runtime/worker"
	"faasrt/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultGRPCAddr        = "0.0.0.0:8091"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 15 * time.Second
	defaultEventTopic      = "faasrt.invocations"
	defaultStatusTTL       = 30 * time.Minute
	defaultRecentLen       = 100
)

// ServerConfig holds admin HTTP server settings.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	IdleTimeout    time.Duration `yaml:"idleTimeout"`
	AllowedOrigins []string      `yaml:"allowedOrigins"`
}

// GRPCConfig holds the health service settings.
type GRPCConfig struct {
	Addr    string `yaml:"addr"`
	Enabled bool   `yaml:"enabled"`
}

// RuntimeConfig holds worker and listener settings.
type RuntimeConfig struct {
	Workers        int           `yaml:"workers"`
	DeadlinePolicy string        `yaml:"deadlinePolicy"`
	Quantum        time.Duration `yaml:"quantum"`
	IdleWait       time.Duration `yaml:"idleWait"`
	AdmitBatch     int           `yaml:"admitBatch"`
	DrainTimeout   time.Duration `yaml:"drainTimeout"`
	ListenHost     string        `yaml:"listenHost"`
	Backlog        int           `yaml:"backlog"`
	EventBuffer    int           `yaml:"eventBuffer"`
	SinkTimeout    time.Duration `yaml:"sinkTimeout"`
	StopTimeout    time.Duration `yaml:"stopTimeout"`
}

// SchedulerConfig holds queue ordering settings.
type SchedulerConfig struct {
	RunQueuePolicy string `yaml:"runQueuePolicy"`
	RequestPolicy  string `yaml:"requestPolicy"`
	QueueCapacity  int    `yaml:"queueCapacity"`
}

// ModuleConfig is a module registered at startup.
type ModuleConfig struct {
	module.Spec `yaml:",inline"`
	SHA256      string `yaml:"sha256"`
}

// StorageConfig holds object storage settings.
type StorageConfig struct {
	Enabled bool                `yaml:"enabled"`
	MinIO   storage.MinIOConfig `yaml:"minio"`
}

// RedisConfig wraps the client settings with a switch and status cache sizing.
type RedisConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Client    cache.RedisConfig `yaml:"client"`
	StatusTTL time.Duration     `yaml:"statusTTL"`
	RecentLen int               `yaml:"recentLen"`
}

// MySQLConfig holds invocation history settings.
type MySQLConfig struct {
	Enabled      bool           `yaml:"enabled"`
	Database     db.MySQLConfig `yaml:"database"`
	EnsureSchema bool           `yaml:"ensureSchema"`
}

// KafkaConfig holds event publishing settings.
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"clientID"`
	Topic        string        `yaml:"topic"`
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	RequiredAcks int           `yaml:"requiredAcks"`
	Compression  string        `yaml:"compression"`
	Async        bool          `yaml:"async"`
}

// AdmissionConfig holds rate limit settings; it needs redis.
type AdmissionConfig struct {
	Enabled          bool `yaml:"enabled"`
	admission.Config `yaml:",inline"`
}

// SecurityConfig holds process lockdown settings.
type SecurityConfig struct {
	Lockdown     bool     `yaml:"lockdown"`
	DenySyscalls []string `yaml:"denySyscalls"`
}

// AppConfig holds faasrt config.
type AppConfig struct {
	Server    ServerConfig     `yaml:"server"`
	GRPC      GRPCConfig       `yaml:"grpc"`
	Logger    logger.Config    `yaml:"logger"`
	Runtime   RuntimeConfig    `yaml:"runtime"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Modules   []ModuleConfig   `yaml:"modules"`
	Storage   StorageConfig    `yaml:"storage"`
	Artifacts artifact.Config  `yaml:"artifacts"`
	Redis     RedisConfig      `yaml:"redis"`
	MySQL     MySQLConfig      `yaml:"mysql"`
	Kafka     KafkaConfig      `yaml:"kafka"`
	Admission AdmissionConfig  `yaml:"admission"`
	Auth      admin.AuthConfig `yaml:"auth"`
	Security  SecurityConfig   `yaml:"security"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *AppConfig) applyDefaults() error {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.GRPC.Addr == "" {
		cfg.GRPC.Addr = defaultGRPCAddr
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}

	if _, err := sched.ParsePolicy(cfg.Scheduler.RunQueuePolicy); err != nil {
		return fmt.Errorf("scheduler.runQueuePolicy: %w", err)
	}
	if cfg.Scheduler.RequestPolicy == "" {
		cfg.Scheduler.RequestPolicy = cfg.Scheduler.RunQueuePolicy
	}
	if _, err := sched.ParsePolicy(cfg.Scheduler.RequestPolicy); err != nil {
		return fmt.Errorf("scheduler.requestPolicy: %w", err)
	}
	switch worker.DeadlinePolicy(cfg.Runtime.DeadlinePolicy) {
	case "":
		cfg.Runtime.DeadlinePolicy = string(worker.DeadlineReport)
	case worker.DeadlineReport, worker.DeadlineAbort:
	default:
		return fmt.Errorf("runtime.deadlinePolicy must be report or abort, got %q", cfg.Runtime.DeadlinePolicy)
	}

	seen := make(map[string]bool, len(cfg.Modules))
	for _, m := range cfg.Modules {
		if m.Name == "" || m.Source == "" {
			return fmt.Errorf("modules: name and source are required")
		}
		if seen[m.Name] {
			return fmt.Errorf("modules: duplicate module %s", m.Name)
		}
		seen[m.Name] = true
	}

	if cfg.Artifacts.Bucket == "" {
		cfg.Artifacts.Bucket = cfg.Storage.MinIO.Bucket
	}
	if cfg.Redis.Enabled && cfg.Redis.Client.Addr == "" {
		return fmt.Errorf("redis.client.addr is required")
	}
	if cfg.Redis.StatusTTL == 0 {
		cfg.Redis.StatusTTL = defaultStatusTTL
	}
	if cfg.Redis.RecentLen == 0 {
		cfg.Redis.RecentLen = defaultRecentLen
	}
	if cfg.MySQL.Enabled && cfg.MySQL.Database.DSN == "" {
		return fmt.Errorf("mysql.database.dsn is required")
	}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers are required")
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = defaultEventTopic
	}
	if cfg.Admission.Enabled && !cfg.Redis.Enabled {
		return fmt.Errorf("admission requires redis")
	}
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = os.Getenv("FAASRT_JWT_SECRET")
	}
	if cfg.Auth.JWTIssuer == "" {
		cfg.Auth.JWTIssuer = "faasrt"
	}
	return nil
}

func (cfg *AppConfig) engineConfig() engine.Config {
	return engine.Config{
		Workers:        cfg.Runtime.Workers,
		RunQueuePolicy: sched.Policy(cfg.Scheduler.RunQueuePolicy),
		RequestPolicy:  sched.Policy(cfg.Scheduler.RequestPolicy),
		QueueCapacity:  cfg.Scheduler.QueueCapacity,
		DeadlinePolicy: worker.DeadlinePolicy(cfg.Runtime.DeadlinePolicy),
		Quantum:        cfg.Runtime.Quantum,
		IdleWait:       cfg.Runtime.IdleWait,
		AdmitBatch:     cfg.Runtime.AdmitBatch,
		DrainTimeout:   cfg.Runtime.DrainTimeout,
		ListenHost:     cfg.Runtime.ListenHost,
		Backlog:        cfg.Runtime.Backlog,
		EventBuffer:    cfg.Runtime.EventBuffer,
		SinkTimeout:    cfg.Runtime.SinkTimeout,
		StopTimeout:    cfg.Runtime.StopTimeout,
	}
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		Compression:  parseCompression(k.Compression),
		Async:        k.Async,
		DialTimeout:  k.DialTimeout,
		WriteTimeout: k.WriteTimeout,
	}
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}
