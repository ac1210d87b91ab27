package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full service configuration shared by cmd/api and cmd/worker.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Qdrant        QdrantConfig        `mapstructure:"qdrant"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	Chunking      ChunkingConfig      `mapstructure:"chunking"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Query         QueryConfig         `mapstructure:"query"`
	Reaper        ReaperConfig        `mapstructure:"reaper"`
	Retention     RetentionConfig     `mapstructure:"retention"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Storage       StorageConfig       `mapstructure:"storage"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

// DatabaseConfig selects the relational store for jobs, sessions and metrics.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres or sqlite
	URL             string        `mapstructure:"url"`
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogLevel        string        `mapstructure:"log_level"`
}

// DSN returns the driver-specific connection string. An explicit URL wins.
func (c *DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	}
	return c.Path
}

type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Collection string `mapstructure:"collection"`
	APIKey     string `mapstructure:"api_key"`
	UseTLS     bool   `mapstructure:"use_tls"`
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	APIKey    string   `mapstructure:"api_key"`
	Index     string   `mapstructure:"index"`

	// RefreshOnWrite makes bulk writes visible to search immediately.
	RefreshOnWrite bool `mapstructure:"refresh_on_write"`
}

// RedisConfig configures the job queue. An empty Addr selects the
// in-process queue, which only works when api and worker share a process.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	StreamKey string        `mapstructure:"stream_key"`
	Group     string        `mapstructure:"group"`
	ClaimIdle time.Duration `mapstructure:"claim_idle"`
	BlockFor  time.Duration `mapstructure:"block_for"`
}

type EmbeddingConfig struct {
	Provider          string        `mapstructure:"provider"`
	Model             string        `mapstructure:"model"`
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Dimensions        int           `mapstructure:"dimensions"`
	BatchSize         int           `mapstructure:"batch_size"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RetryBase         time.Duration `mapstructure:"retry_base"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	QueryCacheSize    int           `mapstructure:"query_cache_size"`
}

type ChunkingConfig struct {
	MaxTokens     int `mapstructure:"max_tokens"`
	OverlapTokens int `mapstructure:"overlap_tokens"`
}

type WorkerConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	PromoteInterval time.Duration `mapstructure:"promote_interval"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

type QueryConfig struct {
	DefaultLimit        int           `mapstructure:"default_limit"`
	MaxLimit            int           `mapstructure:"max_limit"`
	CandidateMultiplier int           `mapstructure:"candidate_multiplier"`
	RRFConstant         float64       `mapstructure:"rrf_constant"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

type ReaperConfig struct {
	Schedule string        `mapstructure:"schedule"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type RetentionConfig struct {
	Schedule  string        `mapstructure:"schedule"`
	Window    time.Duration `mapstructure:"window"`
	BatchSize int           `mapstructure:"batch_size"`
}

// MetricsConfig sizes the asynchronous operation-metric writer.
type MetricsConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	FlushSize     int           `mapstructure:"flush_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// StorageConfig configures the S3-compatible dead-letter archive.
type StorageConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Prefix    string `mapstructure:"prefix"`
}

// Load reads configuration from file, .env and the environment.
// Parameters:
//   - configPath: explicit config file; empty searches ./configs and the
//     working directory, then CONFIG_PATH.
// Returns:
//   - *Config: validated configuration.
//   - error: non-nil if reading, decoding or validation fails.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	bindSecrets(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/webindex.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.collection", "pages")

	v.SetDefault("elasticsearch.addresses", []string{"http://localhost:9200"})
	v.SetDefault("elasticsearch.index", "pages")

	v.SetDefault("redis.stream_key", "webindex:jobs")
	v.SetDefault("redis.group", "indexers")
	v.SetDefault("redis.claim_idle", 10*time.Minute)
	v.SetDefault("redis.block_for", 2*time.Second)

	v.SetDefault("embedding.provider", "jina")
	v.SetDefault("embedding.model", "jina-embeddings-v3")
	v.SetDefault("embedding.base_url", "https://api.jina.ai/v1/embeddings")
	v.SetDefault("embedding.dimensions", 1024)
	v.SetDefault("embedding.batch_size", 32)
	v.SetDefault("embedding.timeout", 30*time.Second)
	v.SetDefault("embedding.max_attempts", 3)
	v.SetDefault("embedding.retry_base", 500*time.Millisecond)
	v.SetDefault("embedding.requests_per_second", 0)
	v.SetDefault("embedding.query_cache_size", 1000)

	v.SetDefault("chunking.max_tokens", 500)
	v.SetDefault("chunking.overlap_tokens", 50)

	v.SetDefault("worker.concurrency", 0)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.backoff_base", 2*time.Second)
	v.SetDefault("worker.backoff_max", 5*time.Minute)
	v.SetDefault("worker.promote_interval", time.Second)
	v.SetDefault("worker.write_timeout", 30*time.Second)

	v.SetDefault("query.default_limit", 10)
	v.SetDefault("query.max_limit", 100)
	v.SetDefault("query.candidate_multiplier", 3)
	v.SetDefault("query.rrf_constant", 60.0)
	v.SetDefault("query.timeout", 10*time.Second)

	v.SetDefault("reaper.schedule", "@every 5m")
	v.SetDefault("reaper.timeout", 15*time.Minute)

	v.SetDefault("retention.schedule", "@daily")
	v.SetDefault("retention.window", 90*24*time.Hour)
	v.SetDefault("retention.batch_size", 1000)

	v.SetDefault("metrics.buffer_size", 4096)
	v.SetDefault("metrics.flush_size", 128)
	v.SetDefault("metrics.flush_interval", time.Second)

	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.bucket", "webindex")
	v.SetDefault("storage.prefix", "dead-letter")
}

// bindSecrets maps conventional environment names onto config keys.
func bindSecrets(v *viper.Viper) {
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("database.password", "DATABASE_PASSWORD")
	_ = v.BindEnv("qdrant.host", "QDRANT_HOST")
	_ = v.BindEnv("qdrant.port", "QDRANT_PORT")
	_ = v.BindEnv("qdrant.api_key", "QDRANT_API_KEY")
	_ = v.BindEnv("elasticsearch.password", "ELASTICSEARCH_PASSWORD")
	_ = v.BindEnv("elasticsearch.api_key", "ELASTICSEARCH_API_KEY")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("embedding.api_key", "EMBEDDING_API_KEY", "JINA_API_KEY")
	_ = v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	_ = v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver)
	}
	if c.Chunking.MaxTokens <= 0 {
		return errors.New("chunking.max_tokens must be positive")
	}
	if c.Chunking.OverlapTokens < 0 || c.Chunking.OverlapTokens >= c.Chunking.MaxTokens {
		return errors.New("chunking.overlap_tokens must be in [0, max_tokens)")
	}
	if c.Embedding.Dimensions <= 0 {
		return errors.New("embedding.dimensions must be positive")
	}
	if c.Embedding.BatchSize <= 0 {
		return errors.New("embedding.batch_size must be positive")
	}
	if c.Worker.MaxAttempts <= 0 {
		return errors.New("worker.max_attempts must be positive")
	}
	if c.Query.CandidateMultiplier < 2 {
		return errors.New("query.candidate_multiplier must be at least 2")
	}
	if c.Query.RRFConstant <= 0 {
		return errors.New("query.rrf_constant must be positive")
	}
	if c.Reaper.Timeout <= 0 {
		return errors.New("reaper.timeout must be positive")
	}
	if c.Retention.Window <= 0 {
		return errors.New("retention.window must be positive")
	}
	return nil
}
