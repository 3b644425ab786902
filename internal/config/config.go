package config

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	// Backends
	StoreBackend  string // memory | fs | minio
	BrokerBackend string // memory | redis
	DataDir       string // fs store root

	// Redis connection (broker + event bus)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// MinIO connection
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool

	// Embedding
	EmbedProvider  string // ollama | openai | static
	OllamaHost     string
	EmbeddingModel string
	OpenAIToken    string
	Dimension      int
	BatchSize      int

	// Index
	IndexKind   string // flat | ivf
	IVFLists    int
	IVFProbes   int
	RecallFloor float64
	SampleSize  int
	SampleTopK  int

	// Pipeline timing
	BarrierTimeout  time.Duration
	AckTimeout      time.Duration
	RetryBase       time.Duration
	MaxRetries      int
	RebuildInterval time.Duration
	CleanupInterval time.Duration
	RetiredGrace    time.Duration
	PollInterval    time.Duration

	// Worker pools
	EmbeddingWorkers   int
	IndexingWorkers    int
	MaintenanceWorkers int

	// Capacity ceilings
	MaxVectors       int
	MaxSearchP95     time.Duration
	MaxSearchFrac    float64
	MonitorInterval  time.Duration

	// HTTP admin projection
	HTTPAddr string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables, then applies the
// optional YAML overlay named by INDEXFORGE_CONFIG_FILE on top.
func Load() (Config, error) {
	cfg := Config{
		StoreBackend:  getEnv("INDEXFORGE_STORE", "fs"),
		BrokerBackend: getEnv("INDEXFORGE_BROKER", "memory"),
		DataDir:       getEnv("INDEXFORGE_DATA_DIR", "./data"),

		RedisAddr:     getEnv("INDEXFORGE_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("INDEXFORGE_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("INDEXFORGE_REDIS_DB", 0),

		MinIOEndpoint:  getEnv("INDEXFORGE_MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey: getEnv("INDEXFORGE_MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey: getEnv("INDEXFORGE_MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucket:    getEnv("INDEXFORGE_MINIO_BUCKET", "indexforge"),
		MinIOUseSSL:    getEnv("INDEXFORGE_MINIO_USE_SSL", "false") == "true",

		EmbedProvider:  getEnv("INDEXFORGE_EMBED_PROVIDER", "ollama"),
		OllamaHost:     getEnv("OLLAMA_HOST", "http://localhost:11434"),
		EmbeddingModel: getEnv("INDEXFORGE_EMBEDDING_MODEL", "all-minilm:l6-v2"),
		OpenAIToken:    getEnv("OPENAI_API_KEY", ""),
		Dimension:      getEnvInt("INDEXFORGE_DIMENSION", 384),
		BatchSize:      getEnvInt("INDEXFORGE_BATCH_SIZE", 1000),

		IndexKind:   getEnv("INDEXFORGE_INDEX_KIND", "flat"),
		IVFLists:    getEnvInt("INDEXFORGE_IVF_LISTS", 64),
		IVFProbes:   getEnvInt("INDEXFORGE_IVF_PROBES", 8),
		RecallFloor: getEnvFloat("INDEXFORGE_RECALL_FLOOR", 0.95),
		SampleSize:  getEnvInt("INDEXFORGE_SAMPLE_SIZE", 100),
		SampleTopK:  getEnvInt("INDEXFORGE_SAMPLE_TOP_K", 10),

		BarrierTimeout:  getEnvDuration("INDEXFORGE_BARRIER_TIMEOUT", time.Hour),
		AckTimeout:      getEnvDuration("INDEXFORGE_ACK_TIMEOUT", 30*time.Second),
		RetryBase:       getEnvDuration("INDEXFORGE_RETRY_BASE", time.Minute),
		MaxRetries:      getEnvInt("INDEXFORGE_MAX_RETRIES", 3),
		RebuildInterval: getEnvDuration("INDEXFORGE_REBUILD_INTERVAL", time.Hour),
		CleanupInterval: getEnvDuration("INDEXFORGE_CLEANUP_INTERVAL", 24*time.Hour),
		RetiredGrace:    getEnvDuration("INDEXFORGE_RETIRED_GRACE", 24*time.Hour),
		PollInterval:    getEnvDuration("INDEXFORGE_POLL_INTERVAL", 30*time.Second),

		EmbeddingWorkers:   getEnvInt("INDEXFORGE_EMBEDDING_WORKERS", runtime.GOMAXPROCS(0)),
		IndexingWorkers:    getEnvInt("INDEXFORGE_INDEXING_WORKERS", 2),
		MaintenanceWorkers: getEnvInt("INDEXFORGE_MAINTENANCE_WORKERS", 1),

		MaxVectors:      getEnvInt("INDEXFORGE_MAX_VECTORS", 500_000),
		MaxSearchP95:    getEnvDuration("INDEXFORGE_MAX_SEARCH_P95", 100*time.Millisecond),
		MaxSearchFrac:   getEnvFloat("INDEXFORGE_MAX_SEARCH_FRACTION", 0.5),
		MonitorInterval: getEnvDuration("INDEXFORGE_MONITOR_INTERVAL", time.Minute),

		HTTPAddr: getEnv("INDEXFORGE_HTTP_ADDR", ":8080"),

		LogFile:  getEnv("INDEXFORGE_LOG_FILE", "/tmp/indexforge.log"),
		LogLevel: parseLogLevel(getEnv("INDEXFORGE_LOG_LEVEL", "INFO")),
	}

	if path := os.Getenv("INDEXFORGE_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.validate()
}

// fileOverlay is the YAML overlay schema. Only the tuning knobs that
// operators actually adjust per deployment are exposed here; connection
// settings stay in the environment.
type fileOverlay struct {
	BatchSize          *int     `yaml:"batch_size"`
	IndexKind          *string  `yaml:"index_kind"`
	IVFLists           *int     `yaml:"ivf_lists"`
	IVFProbes          *int     `yaml:"ivf_probes"`
	RecallFloor        *float64 `yaml:"recall_floor"`
	SampleSize         *int     `yaml:"sample_size"`
	SampleTopK         *int     `yaml:"sample_top_k"`
	BarrierTimeout     *string  `yaml:"barrier_timeout"`
	RebuildInterval    *string  `yaml:"rebuild_interval"`
	CleanupInterval    *string  `yaml:"cleanup_interval"`
	RetiredGrace       *string  `yaml:"retired_grace"`
	EmbeddingWorkers   *int     `yaml:"embedding_workers"`
	IndexingWorkers    *int     `yaml:"indexing_workers"`
	MaintenanceWorkers *int     `yaml:"maintenance_workers"`
	MaxVectors         *int     `yaml:"max_vectors"`
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setInt(&c.BatchSize, overlay.BatchSize)
	setInt(&c.IVFLists, overlay.IVFLists)
	setInt(&c.IVFProbes, overlay.IVFProbes)
	setInt(&c.SampleSize, overlay.SampleSize)
	setInt(&c.SampleTopK, overlay.SampleTopK)
	setInt(&c.EmbeddingWorkers, overlay.EmbeddingWorkers)
	setInt(&c.IndexingWorkers, overlay.IndexingWorkers)
	setInt(&c.MaintenanceWorkers, overlay.MaintenanceWorkers)
	setInt(&c.MaxVectors, overlay.MaxVectors)
	if overlay.IndexKind != nil {
		c.IndexKind = *overlay.IndexKind
	}
	if overlay.RecallFloor != nil {
		c.RecallFloor = *overlay.RecallFloor
	}

	setDuration := func(dst *time.Duration, src *string) error {
		if src == nil {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return fmt.Errorf("config file %s: %w", path, err)
		}
		*dst = d
		return nil
	}
	for _, pair := range []struct {
		dst *time.Duration
		src *string
	}{
		{&c.BarrierTimeout, overlay.BarrierTimeout},
		{&c.RebuildInterval, overlay.RebuildInterval},
		{&c.CleanupInterval, overlay.CleanupInterval},
		{&c.RetiredGrace, overlay.RetiredGrace},
	} {
		if err := setDuration(pair.dst, pair.src); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case "memory", "fs", "minio":
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	switch c.BrokerBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown broker backend %q", c.BrokerBackend)
	}
	switch c.IndexKind {
	case "flat", "ivf":
	default:
		return fmt.Errorf("unknown index kind %q", c.IndexKind)
	}
	if c.RecallFloor < 0 || c.RecallFloor > 1 {
		return fmt.Errorf("recall floor %v out of range [0,1]", c.RecallFloor)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
