// Package config は avatargen CLI の設定を YAML・.env・環境変数から読み込みます。
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shouni/avatar-image-kit/pkg/adapters"
	"github.com/shouni/avatar-image-kit/pkg/retry"
)

// 環境変数による上書き
const (
	EnvEndpoint     = "AVATARGEN_ENDPOINT"
	EnvAPIKey       = "AVATARGEN_API_KEY"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
	EnvGeminiAPIKey = "GEMINI_API_KEY"
	EnvRedisURL     = "AVATARGEN_REDIS_URL"
)

const (
	ProviderHTTP   = "http"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	BackendDisk   = "disk"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config は CLI 全体の設定です。
type Config struct {
	Remote  RemoteConfig  `yaml:"remote"`
	Cache   CacheConfig   `yaml:"cache"`
	Retry   RetryConfig   `yaml:"retry"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// RemoteConfig は生成サービスの設定です。
type RemoteConfig struct {
	Provider string `yaml:"provider"` // http, openai, gemini
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	// BaseURL は OpenAI 互換 API の接続先です。空なら公式 API です。
	BaseURL              string        `yaml:"base_url"`
	Timeout              time.Duration `yaml:"timeout"`
	AllowPrivateNetworks bool          `yaml:"allow_private_networks"`
	// ReferenceImage は gemini で画風の参照に使う画像の URL (http(s)://, gs://) です。
	ReferenceImage string `yaml:"reference_image"`
	// SystemPrompt は gemini に渡すシステムプロンプトです。
	SystemPrompt string `yaml:"system_prompt"`
	// GCS が true なら gs:// の画像参照を Cloud Storage から取得します。
	GCS bool `yaml:"gcs"`
}

// CacheConfig はキャッシュの設定です。
type CacheConfig struct {
	Enabled      *bool       `yaml:"enabled"`
	Backend      string      `yaml:"backend"` // disk, sqlite, redis, memory
	Dir          string      `yaml:"dir"`
	SQLitePath   string      `yaml:"sqlite_path"`
	Redis        RedisConfig `yaml:"redis"`
	SingleFlight bool        `yaml:"single_flight"`
}

// RedisConfig は Redis バックエンドの設定です。
type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// RetryConfig はリトライポリシーの設定です。
type RetryConfig struct {
	MaxRetries     *int          `yaml:"max_retries"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// LogConfig はログ出力の設定です。File が空なら標準エラー出力に書きます。
type LogConfig struct {
	Level      string `yaml:"level"` // debug, info, warn, error
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig はメトリクスの出力先です。TextFile が空なら出力しません。
type MetricsConfig struct {
	TextFile string `yaml:"textfile"`
}

// Load は path の YAML を読み込み、環境変数で上書きしてデフォルト値を補います。
// path が空の場合はファイルを読まずに環境変数とデフォルト値だけで構成します。
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗しました: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗しました: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvEndpoint); v != "" {
		c.Remote.Endpoint = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.Remote.APIKey = v
	}
	if c.Remote.APIKey == "" {
		switch strings.ToLower(strings.TrimSpace(c.Remote.Provider)) {
		case ProviderOpenAI:
			c.Remote.APIKey = os.Getenv(EnvOpenAIAPIKey)
		case ProviderGemini:
			c.Remote.APIKey = os.Getenv(EnvGeminiAPIKey)
		}
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.Cache.Redis.URL = v
	}
}

func (c *Config) applyDefaults() {
	c.Remote.Provider = strings.ToLower(strings.TrimSpace(c.Remote.Provider))
	if c.Remote.Provider == "" {
		c.Remote.Provider = ProviderHTTP
	}
	if c.Remote.Provider == ProviderGemini && c.Remote.Model == "" {
		c.Remote.Model = adapters.DefaultGeminiModel
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = retry.DefaultAttemptTimeout
	}

	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	if c.Cache.Backend == "" {
		c.Cache.Backend = BackendDisk
	}
	if c.Cache.Enabled == nil {
		enabled := true
		c.Cache.Enabled = &enabled
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = defaultCacheDir()
	}
	if c.Cache.SQLitePath == "" {
		c.Cache.SQLitePath = filepath.Join(c.Cache.Dir, "cache.db")
	}

	if c.Retry.MaxRetries == nil {
		n := retry.DefaultMaxRetries
		c.Retry.MaxRetries = &n
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = retry.DefaultBaseDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = retry.DefaultMaxDelay
	}
	if c.Retry.AttemptTimeout == 0 {
		c.Retry.AttemptTimeout = retry.DefaultAttemptTimeout
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}
}

// Validate は設定の整合性を検証します。
func (c *Config) Validate() error {
	var errs []error

	switch c.Remote.Provider {
	case ProviderHTTP:
		if c.Remote.Endpoint == "" {
			errs = append(errs, fmt.Errorf("remote.endpoint (または %s) が必要です", EnvEndpoint))
		}
	case ProviderOpenAI:
		if c.Remote.APIKey == "" {
			errs = append(errs, fmt.Errorf("remote.api_key (または %s) が必要です", EnvOpenAIAPIKey))
		}
	case ProviderGemini:
		if c.Remote.APIKey == "" {
			errs = append(errs, fmt.Errorf("remote.api_key (または %s) が必要です", EnvGeminiAPIKey))
		}
	default:
		errs = append(errs, fmt.Errorf("未対応の remote.provider です: %q", c.Remote.Provider))
	}

	if strings.HasPrefix(c.Remote.ReferenceImage, "gs://") && !c.Remote.GCS {
		errs = append(errs, errors.New("gs:// の remote.reference_image には remote.gcs: true が必要です"))
	}

	switch c.Cache.Backend {
	case BackendDisk, BackendSQLite, BackendMemory:
	case BackendRedis:
		if c.Cache.Redis.URL == "" {
			errs = append(errs, fmt.Errorf("cache.redis.url (または %s) が必要です", EnvRedisURL))
		}
	default:
		errs = append(errs, fmt.Errorf("未対応の cache.backend です: %q", c.Cache.Backend))
	}

	if c.Retry.MaxRetries != nil && *c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries は0以上である必要があります"))
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry.max_delay は retry.base_delay 以上である必要があります"))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("未対応の log.level です: %q", c.Log.Level))
	}

	return errors.Join(errs...)
}

// CachingEnabled はキャッシュが全体で有効かを返します。
func (c *Config) CachingEnabled() bool {
	return c.Cache.Enabled == nil || *c.Cache.Enabled
}

// RetryPolicy は設定からリトライポリシーを作成します。
func (c *Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	if c.Retry.MaxRetries != nil {
		p.MaxRetries = *c.Retry.MaxRetries
	}
	p.BaseDelay = c.Retry.BaseDelay
	p.MaxDelay = c.Retry.MaxDelay
	p.AttemptTimeout = c.Retry.AttemptTimeout
	return p
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "avatargen")
	}
	return filepath.Join(os.TempDir(), "avatargen")
}
