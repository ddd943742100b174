package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "SIRIUS"

type Config struct {
	Port  string `envconfig:"PORT" default:"8080"`
	Debug bool   `envconfig:"DEBUG" default:"false"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"10"`

	RedisURL        string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	IngestionStream string `envconfig:"INGESTION_STREAM" default:"sirius:ingestion"`
	ConsumerGroup   string `envconfig:"CONSUMER_GROUP" default:"ingestion-workers"`
	ConsumerName    string `envconfig:"CONSUMER_NAME"`
	LocalWorkers    int    `envconfig:"LOCAL_WORKERS" default:"2"`

	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretKey string `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"sirius-documents"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`

	ModelName          string        `envconfig:"MODEL_NAME" default:"Qwen/Qwen3-4B"`
	ModelPath          string        `envconfig:"MODEL_PATH"`
	ModelDevice        string        `envconfig:"MODEL_DEVICE" default:"auto"`
	ModelLoadIn8Bit    bool          `envconfig:"MODEL_LOAD_IN_8BIT" default:"false"`
	ModelLoadIn4Bit    bool          `envconfig:"MODEL_LOAD_IN_4BIT" default:"false"`
	ModelRetryInterval time.Duration `envconfig:"MODEL_RETRY_INTERVAL" default:"5m"`
	InferenceURL       string        `envconfig:"INFERENCE_URL" default:"http://localhost:8081"`
	InferenceAPIKey    string        `envconfig:"INFERENCE_API_KEY"`

	EmbeddingDimension int `envconfig:"EMBEDDING_DIMENSION" default:"2560"`
	EmbeddingMaxTokens int `envconfig:"EMBEDDING_MAX_TOKENS" default:"512"`
	EmbeddingBatchCap  int `envconfig:"EMBEDDING_BATCH_CAP" default:"32"`

	ChunkSize    int `envconfig:"CHUNK_SIZE" default:"500"`
	ChunkOverlap int `envconfig:"CHUNK_OVERLAP" default:"100"`

	TopK                    int           `envconfig:"TOP_K" default:"20"`
	ContextChunks           int           `envconfig:"CONTEXT_CHUNKS" default:"10"`
	HighConfidenceThreshold float64       `envconfig:"HIGH_CONFIDENCE_THRESHOLD" default:"0.90"`
	GenerationTimeout       time.Duration `envconfig:"GENERATION_TIMEOUT" default:"60s"`
	ClassificationChars     int           `envconfig:"CLASSIFICATION_CHARS" default:"2000"`

	DocumentCacheTTL time.Duration `envconfig:"DOCUMENT_CACHE_TTL" default:"168h"`

	SentryDSN              string  `envconfig:"SENTRY_DSN"`
	SentryTracesSampleRate float64 `envconfig:"SENTRY_TRACES_SAMPLE_RATE" default:"1.0"`
	Environment            string  `envconfig:"ENVIRONMENT" default:"development"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = defaultConsumerName()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.ModelLoadIn8Bit && c.ModelLoadIn4Bit {
		errs = append(errs, errors.New("MODEL_LOAD_IN_8BIT and MODEL_LOAD_IN_4BIT are mutually exclusive"))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize))
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		errs = append(errs, fmt.Errorf("CHUNK_OVERLAP must be in [0, CHUNK_SIZE), got %d", c.ChunkOverlap))
	}
	if c.HighConfidenceThreshold < 0 || c.HighConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("HIGH_CONFIDENCE_THRESHOLD must be in [0, 1], got %g", c.HighConfidenceThreshold))
	}
	if c.EmbeddingDimension <= 0 {
		errs = append(errs, fmt.Errorf("EMBEDDING_DIMENSION must be positive, got %d", c.EmbeddingDimension))
	}
	if c.LocalWorkers <= 0 {
		errs = append(errs, fmt.Errorf("LOCAL_WORKERS must be positive, got %d", c.LocalWorkers))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) HasS3() bool {
	return c.S3Endpoint != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

func (c *Config) HasSentry() bool {
	return c.SentryDSN != ""
}

// HasLocalModel reports whether weights are expected on local disk.
func (c *Config) HasLocalModel() bool {
	return c.ModelPath != ""
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "siriusd"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
