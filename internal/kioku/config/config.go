// Package config loads Kioku's settings: built-in defaults, then an
// optional YAML file, then KIOKU_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Kioku/common/crypto"
	"github.com/bdobrica/Kioku/common/environment"
	"github.com/bdobrica/Kioku/common/redact"
	"github.com/bdobrica/Kioku/internal/kioku/blob"
	"github.com/bdobrica/Kioku/internal/kioku/decay"
	"github.com/bdobrica/Kioku/internal/kioku/extraction"
	"github.com/bdobrica/Kioku/internal/kioku/llm"
	"github.com/bdobrica/Kioku/internal/kioku/scheduler"
)

// EnvPrefix scopes every environment override.
const EnvPrefix environment.Prefixed = "KIOKU_"

const (
	BlobLocal = "local"
	BlobMinIO = "minio"

	QueueMemory = "memory"
	QueueRedis  = "redis"
)

type Config struct {
	DBPath   string `yaml:"db_path"`
	Timezone string `yaml:"timezone"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	HTTP struct {
		Addr string `yaml:"addr"`
		// PublicURL is the origin local blob download links point at.
		PublicURL  string        `yaml:"public_url"`
		RateLimit  int           `yaml:"rate_limit"`
		RateWindow time.Duration `yaml:"rate_window"`
	} `yaml:"http"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		Issuer    string `yaml:"issuer"`
	} `yaml:"auth"`

	LLM llm.Config `yaml:"llm"`

	Blob struct {
		Backend string `yaml:"backend"`
		Dir     string `yaml:"dir"`
		// SigningKey is a 64-character hex key for local download links.
		SigningKey string           `yaml:"signing_key"`
		MinIO      blob.MinIOConfig `yaml:"minio"`
	} `yaml:"blob"`

	Queue struct {
		Backend string                 `yaml:"backend"`
		Size    int                    `yaml:"size"`
		Redis   extraction.RedisConfig `yaml:"redis"`
	} `yaml:"queue"`

	Sweep struct {
		PageSize int `yaml:"page_size"`
		Workers  int `yaml:"workers"`
	} `yaml:"sweep"`

	Decay struct {
		Schedule           string  `yaml:"schedule"`
		Factor             float64 `yaml:"factor"`
		MinScore           float64 `yaml:"min_score"`
		MaxScore           float64 `yaml:"max_score"`
		MaxMemoriesPerUser int     `yaml:"max_memories_per_user"`
	} `yaml:"decay"`

	Summarizer struct {
		Schedule    string        `yaml:"schedule"`
		MaxMessages int           `yaml:"max_messages"`
		Timeout     time.Duration `yaml:"timeout"`
	} `yaml:"summarizer"`

	Extraction struct {
		Timeout  time.Duration `yaml:"timeout"`
		MaxTries int           `yaml:"max_tries"`
	} `yaml:"extraction"`
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	var c Config
	c.DBPath = "/data/kioku.db"
	c.Timezone = "UTC"
	c.Log.Level = "info"
	c.Log.Format = "text"
	c.HTTP.Addr = ":8080"
	c.HTTP.PublicURL = "http://localhost:8080"
	c.HTTP.RateLimit = 10
	c.HTTP.RateWindow = time.Minute
	c.LLM.Model = llm.DefaultModel
	c.LLM.Timeout = llm.DefaultTimeout
	c.Blob.Backend = BlobLocal
	c.Blob.Dir = "/data/blobs"
	c.Queue.Backend = QueueMemory
	c.Queue.Size = 1024
	c.Sweep.PageSize = 50
	c.Sweep.Workers = 4
	c.Decay.Schedule = "0 2 * * *"
	c.Decay.Factor = decay.DefaultConfig.Factor
	c.Decay.MinScore = decay.DefaultConfig.MinScore
	c.Decay.MaxScore = decay.DefaultConfig.MaxScore
	c.Decay.MaxMemoriesPerUser = decay.DefaultConfig.MaxMemoriesPerUser
	c.Summarizer.Schedule = "0 3 * * *"
	c.Summarizer.MaxMessages = 50
	c.Summarizer.Timeout = 30 * time.Second
	c.Extraction.Timeout = 30 * time.Second
	c.Extraction.MaxTries = 5
	return &c
}

// Load layers path (when non-empty) and the environment over the defaults
// and validates the result. Unknown YAML keys are rejected.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	e := EnvPrefix
	c.DBPath = e.StringOr("DB_PATH", c.DBPath)
	c.Timezone = e.StringOr("TIMEZONE", c.Timezone)
	c.Log.Level = e.StringOr("LOG_LEVEL", c.Log.Level)
	c.Log.Format = e.StringOr("LOG_FORMAT", c.Log.Format)

	c.HTTP.Addr = e.StringOr("HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.PublicURL = e.StringOr("PUBLIC_URL", c.HTTP.PublicURL)
	c.HTTP.RateLimit = e.IntOr("RATE_LIMIT", c.HTTP.RateLimit)
	c.HTTP.RateWindow = e.DurationOr("RATE_WINDOW", c.HTTP.RateWindow)

	c.Auth.JWTSecret = e.StringOr("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.Issuer = e.StringOr("JWT_ISSUER", c.Auth.Issuer)

	c.LLM.APIKey = e.StringOr("LLM_API_KEY", c.LLM.APIKey)
	c.LLM.BaseURL = e.StringOr("LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.Model = e.StringOr("LLM_MODEL", c.LLM.Model)
	c.LLM.Timeout = e.DurationOr("LLM_TIMEOUT", c.LLM.Timeout)

	c.Blob.Backend = e.StringOr("BLOB_BACKEND", c.Blob.Backend)
	c.Blob.Dir = e.StringOr("BLOB_DIR", c.Blob.Dir)
	c.Blob.SigningKey = e.StringOr("BLOB_SIGNING_KEY", c.Blob.SigningKey)
	c.Blob.MinIO.Endpoint = e.StringOr("MINIO_ENDPOINT", c.Blob.MinIO.Endpoint)
	c.Blob.MinIO.AccessKey = e.StringOr("MINIO_ACCESS_KEY", c.Blob.MinIO.AccessKey)
	c.Blob.MinIO.SecretKey = e.StringOr("MINIO_SECRET_KEY", c.Blob.MinIO.SecretKey)
	c.Blob.MinIO.Bucket = e.StringOr("MINIO_BUCKET", c.Blob.MinIO.Bucket)
	c.Blob.MinIO.Secure = e.BoolOr("MINIO_SECURE", c.Blob.MinIO.Secure)

	c.Queue.Backend = e.StringOr("QUEUE_BACKEND", c.Queue.Backend)
	c.Queue.Redis.Addr = e.StringOr("REDIS_ADDR", c.Queue.Redis.Addr)
	c.Queue.Redis.Password = e.StringOr("REDIS_PASSWORD", c.Queue.Redis.Password)
	c.Queue.Redis.DB = e.IntOr("REDIS_DB", c.Queue.Redis.DB)
	c.Queue.Redis.Consumer = e.StringOr("REDIS_CONSUMER", c.Queue.Redis.Consumer)

	c.Sweep.Workers = e.IntOr("SWEEP_WORKERS", c.Sweep.Workers)
	c.Decay.Schedule = e.StringOr("DECAY_SCHEDULE", c.Decay.Schedule)
	c.Decay.Factor = e.FloatOr("DECAY_FACTOR", c.Decay.Factor)
	c.Summarizer.Schedule = e.StringOr("SUMMARIZE_SCHEDULE", c.Summarizer.Schedule)
}

// Validate checks the settings every command depends on. Credentials that
// only serve needs are checked when the server is built.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
		loc = time.UTC
	}
	if _, err := scheduler.Parse(c.Decay.Schedule, loc); err != nil {
		errs = append(errs, fmt.Errorf("decay.schedule: %w", err))
	}
	if _, err := scheduler.Parse(c.Summarizer.Schedule, loc); err != nil {
		errs = append(errs, fmt.Errorf("summarizer.schedule: %w", err))
	}
	if err := c.DecayConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Blob.Backend {
	case BlobLocal:
		if c.Blob.SigningKey != "" {
			if _, err := crypto.ParseKey(c.Blob.SigningKey); err != nil {
				errs = append(errs, fmt.Errorf("blob.signing_key: %w", err))
			}
		}
	case BlobMinIO:
		if c.Blob.MinIO.Endpoint == "" || c.Blob.MinIO.Bucket == "" {
			errs = append(errs, errors.New("blob.minio: endpoint and bucket are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.backend must be %q or %q, got %q", BlobLocal, BlobMinIO, c.Blob.Backend))
	}
	switch c.Queue.Backend {
	case QueueMemory:
	case QueueRedis:
		if c.Queue.Redis.Addr == "" {
			errs = append(errs, errors.New("queue.redis.addr is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.backend must be %q or %q, got %q", QueueMemory, QueueRedis, c.Queue.Backend))
	}
	if c.HTTP.RateLimit <= 0 || c.HTTP.RateWindow <= 0 {
		errs = append(errs, errors.New("http: rate_limit and rate_window must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Location is the zone cron schedules are evaluated in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) DecayConfig() decay.Config {
	return decay.Config{
		Factor:             c.Decay.Factor,
		MinScore:           c.Decay.MinScore,
		MaxScore:           c.Decay.MaxScore,
		MaxMemoriesPerUser: c.Decay.MaxMemoriesPerUser,
	}
}

// Redacted flattens the settings for a startup log line with credentials
// masked.
func (c *Config) Redacted() map[string]any {
	return redact.Map(map[string]any{
		"db_path":            c.DBPath,
		"timezone":           c.Timezone,
		"http_addr":          c.HTTP.Addr,
		"public_url":         c.HTTP.PublicURL,
		"jwt_secret":         c.Auth.JWTSecret,
		"llm_model":          c.LLM.Model,
		"llm_base_url":       c.LLM.BaseURL,
		"llm_api_key":        c.LLM.APIKey,
		"blob_backend":       c.Blob.Backend,
		"blob_signing_key":   c.Blob.SigningKey,
		"minio_endpoint":     c.Blob.MinIO.Endpoint,
		"minio_secret_key":   c.Blob.MinIO.SecretKey,
		"queue_backend":      c.Queue.Backend,
		"redis_addr":         c.Queue.Redis.Addr,
		"redis_password":     c.Queue.Redis.Password,
		"decay_schedule":     c.Decay.Schedule,
		"summarize_schedule": c.Summarizer.Schedule,
	})
}
