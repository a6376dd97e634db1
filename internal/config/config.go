// Package config handles loading and validating llmcompare configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is the prefix for environment overrides. A double underscore
// separates nesting levels so keys that contain a single underscore survive:
//
//	LLMCOMPARE_SERVER__READ_TIMEOUT -> server.read_timeout
const envPrefix = "LLMCOMPARE_"

// Config is the top-level configuration for the llmcompare service.
type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Log       LogConfig        `koanf:"log"`
	Providers []ProviderConfig `koanf:"providers"`
	Cache     CacheConfig      `koanf:"cache"`
	Storage   StorageConfig    `koanf:"storage"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// RateLimitRPS caps inbound /api requests per second across the whole
	// process. Zero disables the limiter.
	RateLimitRPS   float64 `koanf:"rate_limit_rps"`
	RateLimitBurst int     `koanf:"rate_limit_burst"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Debug bool `koanf:"debug"`
}

// ProviderConfig holds the settings for a single LLM provider.
//
// Providers are a YAML list rather than a map because the list order is
// the display order of the comparison response.
type ProviderConfig struct {
	Key       string        `koanf:"key"`   // response key, e.g. "gemini"
	Name      string        `koanf:"name"`  // display name, e.g. "Gemini"
	Kind      string        `koanf:"kind"`  // adapter: google, anthropic, openai
	Model     string        `koanf:"model"` // upstream model id
	Label     string        `koanf:"label"` // display model name on the card
	BaseURL   string        `koanf:"base_url"`
	APIKey    string        `koanf:"api_key"`
	APIKeys   []string      `koanf:"api_keys"`
	Timeout   time.Duration `koanf:"timeout"`
	MaxTokens int           `koanf:"max_tokens"`
	Enabled   *bool         `koanf:"enabled"`
}

// CacheConfig controls the prompt cache lookup chain.
type CacheConfig struct {
	Enabled          bool            `koanf:"enabled"`
	HistoryLimit     int             `koanf:"history_limit"`
	LexicalThreshold float64         `koanf:"lexical_threshold"`
	Judge            JudgeConfig     `koanf:"judge"`
	Embedding        EmbeddingConfig `koanf:"embedding"`
}

// JudgeConfig controls the AI-judged cache tier.
type JudgeConfig struct {
	Enabled       bool          `koanf:"enabled"`
	Provider      string        `koanf:"provider"` // key of a configured provider
	Timeout       time.Duration `koanf:"timeout"`
	MaxCandidates int           `koanf:"max_candidates"`
}

// EmbeddingConfig controls the embedding fallback tier.
type EmbeddingConfig struct {
	Enabled     bool         `koanf:"enabled"`
	APIKey      string       `koanf:"api_key"`
	BaseURL     string       `koanf:"base_url"`
	Model       string       `koanf:"model"`
	Threshold   float64      `koanf:"threshold"`
	VectorStore string       `koanf:"vector_store"` // memory or qdrant
	Qdrant      QdrantConfig `koanf:"qdrant"`
}

// QdrantConfig points the embedding tier at a Qdrant collection.
type QdrantConfig struct {
	URL        string `koanf:"url"`
	APIKey     string `koanf:"api_key"`
	Collection string `koanf:"collection"`
	Dimension  int    `koanf:"dimension"`
}

// StorageConfig selects and configures the conversation store.
type StorageConfig struct {
	Driver    string         `koanf:"driver"` // none, memory, sqlite, postgres, redis
	SQLite    SQLiteConfig   `koanf:"sqlite"`
	Postgres  PostgresConfig `koanf:"postgres"`
	Redis     RedisConfig    `koanf:"redis"`
	Workers   int            `koanf:"workers"`
	QueueSize int            `koanf:"queue_size"`
}

// SQLiteConfig holds the SQLite database location.
type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	DSN             string        `koanf:"dsn"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr       string `koanf:"addr"`
	Password   string `koanf:"password"`
	DB         int    `koanf:"db"`
	Namespace  string `koanf:"namespace"`
	MaxEntries int    `koanf:"max_entries"`
}

// Default returns a Config with every optional field filled in. Load
// unmarshals on top of it, so anything the YAML leaves out keeps these.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 330 * time.Second, // must outlast the slowest provider deadline
		},
		Cache: CacheConfig{
			Enabled:          true,
			HistoryLimit:     50,
			LexicalThreshold: 0.8,
			Judge: JudgeConfig{
				Timeout:       10 * time.Second,
				MaxCandidates: 10,
			},
			Embedding: EmbeddingConfig{
				Model:       "text-embedding-3-small",
				Threshold:   0.8,
				VectorStore: "memory",
				Qdrant: QdrantConfig{
					Collection: "llmcompare_prompts",
					Dimension:  1536,
				},
			},
		},
		Storage: StorageConfig{
			Driver:    "none",
			SQLite:    SQLiteConfig{Path: "llmcompare.db"},
			Postgres:  PostgresConfig{MaxOpenConns: 10, MaxIdleConns: 2, ConnMaxLifetime: 5 * time.Minute},
			Redis:     RedisConfig{Addr: "localhost:6379", Namespace: "llmcompare", MaxEntries: 500},
			Workers:   2,
			QueueSize: 128,
		},
	}
}

// defaultProviderTimeout applies when a provider entry sets no timeout.
const defaultProviderTimeout = 30 * time.Second

// defaultMaxTokens applies when a provider entry sets no max_tokens.
const defaultMaxTokens = 1024

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, expands ${VAR} secrets, and validates the result.
func Load(path string) (*Config, error) {
	// Load .env into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, envPrefix)),
			"__", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.expandSecrets()
	cfg.applyProviderDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandSecrets resolves ${VAR} placeholders in every secret-bearing field.
// koanf doesn't do this on its own.
func (c *Config) expandSecrets() {
	for i := range c.Providers {
		p := &c.Providers[i]
		p.APIKey = expand(p.APIKey)

		// A pool entry may expand to a comma-delimited list, so one
		// ${GEMINI_API_KEYS} can carry the whole pool.
		var pool []string
		for _, k := range p.APIKeys {
			for _, part := range strings.Split(expand(k), ",") {
				pool = append(pool, strings.TrimSpace(part))
			}
		}
		p.APIKeys = pool
	}

	c.Cache.Embedding.APIKey = expand(c.Cache.Embedding.APIKey)
	c.Cache.Embedding.Qdrant.APIKey = expand(c.Cache.Embedding.Qdrant.APIKey)
	c.Storage.Postgres.DSN = expand(c.Storage.Postgres.DSN)
	c.Storage.Redis.Password = expand(c.Storage.Redis.Password)
}

// expand replaces a whole-value ${VAR} with the variable's value.
func expand(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

func (c *Config) applyProviderDefaults() {
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "" {
			p.Name = p.Key
		}
		if p.Label == "" {
			p.Label = p.Model
		}
		if p.Timeout <= 0 {
			p.Timeout = defaultProviderTimeout
		}
		if p.MaxTokens <= 0 {
			p.MaxTokens = defaultMaxTokens
		}
	}
}

// Validate reports the first configuration problem it finds.
func (c *Config) Validate() error {
	enabled := c.EnabledProviders()
	if len(enabled) == 0 {
		return errors.New("config: at least one enabled provider is required")
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Key == "" {
			return errors.New("config: provider entry is missing a key")
		}
		if seen[p.Key] {
			return fmt.Errorf("config: duplicate provider key %q", p.Key)
		}
		seen[p.Key] = true

		if !p.IsEnabled() {
			continue
		}
		if p.Kind == "" {
			return fmt.Errorf("config: provider %q is missing a kind", p.Key)
		}
		if len(p.Credentials()) == 0 {
			return fmt.Errorf("config: provider %q has no API key (set api_key or api_keys, or enabled: false)", p.Key)
		}
	}

	if c.Cache.LexicalThreshold <= 0 || c.Cache.LexicalThreshold > 1 {
		return errors.New("config: cache.lexical_threshold must be in (0, 1]")
	}

	if c.Cache.Judge.Enabled {
		if !seen[c.Cache.Judge.Provider] {
			return fmt.Errorf("config: cache.judge.provider %q is not a configured provider", c.Cache.Judge.Provider)
		}
	}

	if c.Cache.Embedding.Enabled {
		e := c.Cache.Embedding
		if e.Threshold <= 0 || e.Threshold > 1 {
			return errors.New("config: cache.embedding.threshold must be in (0, 1]")
		}
		switch e.VectorStore {
		case "memory":
		case "qdrant":
			if e.Qdrant.URL == "" {
				return errors.New("config: cache.embedding.qdrant.url is required for the qdrant vector store")
			}
		default:
			return fmt.Errorf("config: unsupported cache.embedding.vector_store %q", e.VectorStore)
		}
	}

	switch c.Storage.Driver {
	case "none", "memory":
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return errors.New("config: storage.sqlite.path is required")
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return errors.New("config: storage.postgres.dsn is required")
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return errors.New("config: storage.redis.addr is required")
		}
	default:
		return fmt.Errorf("config: unsupported storage.driver %q", c.Storage.Driver)
	}

	return nil
}

// EnabledProviders returns the enabled providers in configured order.
func (c *Config) EnabledProviders() []ProviderConfig {
	out := make([]ProviderConfig, 0, len(c.Providers))
	for _, p := range c.Providers {
		if p.IsEnabled() {
			out = append(out, p)
		}
	}
	return out
}

// Provider looks up a provider entry by key.
func (c *Config) Provider(key string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Key == key {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// IsEnabled reports whether the provider takes part in dispatch. Providers
// are enabled unless the YAML says enabled: false.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Credentials returns the ordered, de-duplicated credential pool for the
// provider. The primary api_key goes first unless the pool already lists
// it, in which case the pool's own order wins. Blank entries are dropped.
func (p ProviderConfig) Credentials() []string {
	seen := make(map[string]bool, len(p.APIKeys)+1)
	out := make([]string, 0, len(p.APIKeys)+1)

	add := func(k string) {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			return
		}
		seen[k] = true
		out = append(out, k)
	}

	inPool := false
	for _, k := range p.APIKeys {
		if strings.TrimSpace(k) == strings.TrimSpace(p.APIKey) {
			inPool = true
			break
		}
	}
	if !inPool {
		add(p.APIKey)
	}
	for _, k := range p.APIKeys {
		add(k)
	}

	return out
}
