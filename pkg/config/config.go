// Package config loads policyqa settings. Sources are layered, later wins:
// built-in defaults, an optional TOML or YAML file named by POLICYQA_CONFIG,
// a .env file, then the process environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvFile names the environment variable holding the config file path.
const EnvFile = "POLICYQA_CONFIG"

// Config is the complete policyqa configuration.
type Config struct {
	Server   ServerConfig  `toml:"server" yaml:"server"`
	Qdrant   QdrantConfig  `toml:"qdrant" yaml:"qdrant"`
	Embed    EmbedConfig   `toml:"embed" yaml:"embed"`
	Rerank   RerankConfig  `toml:"rerank" yaml:"rerank"`
	LLM      LLMConfig     `toml:"llm" yaml:"llm"`
	Search   SearchConfig  `toml:"search" yaml:"search"`
	Cache    CacheConfig   `toml:"cache" yaml:"cache"`
	Timeouts TimeoutConfig `toml:"timeouts" yaml:"timeouts"`
	NATS     NATSConfig    `toml:"nats" yaml:"nats"`
	Audit    AuditConfig   `toml:"audit" yaml:"audit"`
	Log      LogConfig     `toml:"log" yaml:"log"`
}

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	Addr         string        `toml:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `toml:"write_timeout" yaml:"write_timeout"`
	CORSOrigin   string        `toml:"cors_origin" yaml:"cors_origin"`
}

// QdrantConfig locates the vector store collection.
type QdrantConfig struct {
	Addr       string `toml:"addr" yaml:"addr"`
	Collection string `toml:"collection" yaml:"collection"`
}

// EmbedConfig points at the text-embeddings inference server.
type EmbedConfig struct {
	URL         string `toml:"url" yaml:"url"`
	Model       string `toml:"model" yaml:"model"`
	Concurrency int    `toml:"concurrency" yaml:"concurrency"`
}

// RerankConfig points at the cross-encoder reranker and bounds its fan-out.
type RerankConfig struct {
	URL     string `toml:"url" yaml:"url"`
	Model   string `toml:"model" yaml:"model"`
	TopK    int    `toml:"top_k" yaml:"top_k"`
	Workers int    `toml:"workers" yaml:"workers"`
}

// LLMConfig configures the chat-completions client and its guards.
type LLMConfig struct {
	BaseURL          string        `toml:"base_url" yaml:"base_url"`
	APIKey           string        `toml:"api_key" yaml:"api_key"`
	Model            string        `toml:"model" yaml:"model"`
	Retries          int           `toml:"retries" yaml:"retries"`
	Rate             float64       `toml:"rate" yaml:"rate"`
	Burst            int           `toml:"burst" yaml:"burst"`
	BreakerThreshold int           `toml:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `toml:"breaker_cooldown" yaml:"breaker_cooldown"`
}

// SearchConfig sets the default retrieval depth and retry budget.
type SearchConfig struct {
	Limit   int `toml:"limit" yaml:"limit"`
	Retries int `toml:"retries" yaml:"retries"`
}

// CacheConfig tunes the semantic cache and its optional Redis backing.
type CacheConfig struct {
	Threshold     float64       `toml:"threshold" yaml:"threshold"`
	MaxEntries    int           `toml:"max_entries" yaml:"max_entries"`
	TTL           time.Duration `toml:"ttl" yaml:"ttl"`
	RedisAddr     string        `toml:"redis_addr" yaml:"redis_addr"`
	RedisPassword string        `toml:"redis_password" yaml:"redis_password"`
	RedisDB       int           `toml:"redis_db" yaml:"redis_db"`
	RedisKey      string        `toml:"redis_key" yaml:"redis_key"`
}

// TimeoutConfig holds the per-stage and per-request deadlines.
type TimeoutConfig struct {
	Embed      time.Duration `toml:"embed" yaml:"embed"`
	Retrieval  time.Duration `toml:"retrieval" yaml:"retrieval"`
	Rerank     time.Duration `toml:"rerank" yaml:"rerank"`
	Generation time.Duration `toml:"generation" yaml:"generation"`
	Request    time.Duration `toml:"request" yaml:"request"`
	Health     time.Duration `toml:"health" yaml:"health"`
}

// NATSConfig enables answered-query events and remote cache purges.
type NATSConfig struct {
	URL             string `toml:"url" yaml:"url"`
	AnsweredSubject string `toml:"answered_subject" yaml:"answered_subject"`
	PurgeSubject    string `toml:"purge_subject" yaml:"purge_subject"`
}

// AuditConfig names the SQLite query log. An empty DSN disables it.
type AuditConfig struct {
	DSN string `toml:"dsn" yaml:"dsn"`
}

// LogConfig sets the slog level.
type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 120 * time.Second,
			CORSOrigin:   "*",
		},
		Qdrant: QdrantConfig{Addr: "localhost:6334", Collection: "Principal_Life_Insurance"},
		Embed: EmbedConfig{
			URL:         "http://localhost:8081",
			Model:       "sentence-transformers/all-MiniLM-L6-v2",
			Concurrency: 8,
		},
		Rerank: RerankConfig{
			URL:     "http://localhost:8082",
			Model:   "cross-encoder/ms-marco-MiniLM-L-6-v2",
			TopK:    3,
			Workers: 4,
		},
		LLM: LLMConfig{
			BaseURL:          "https://generativelanguage.googleapis.com/v1beta/openai",
			Model:            "gemini-2.5-flash",
			Retries:          3,
			Rate:             5,
			Burst:            5,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		Search: SearchConfig{Limit: 10, Retries: 2},
		Cache: CacheConfig{
			Threshold:  0.2,
			MaxEntries: 10000,
			TTL:        24 * time.Hour,
			RedisKey:   "policyqa:cache",
		},
		Timeouts: TimeoutConfig{
			Embed:      10 * time.Second,
			Retrieval:  5 * time.Second,
			Rerank:     3 * time.Second,
			Generation: 30 * time.Second,
			Request:    90 * time.Second,
			Health:     3 * time.Second,
		},
		NATS: NATSConfig{
			AnsweredSubject: "policyqa.query.answered",
			PurgeSubject:    "policyqa.cache.purge",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds the configuration from every source. envFiles default to
// ".env"; missing env files are ignored, a missing config file is not.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	cfg := Default()
	if path := os.Getenv(EnvFile); path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := overrideByEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("config: decode %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: decode %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config: unsupported file type %q", ext)
	}
	return nil
}

type binder struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (b *binder) str(key string, dst *string) {
	if v, ok := b.lookup(key); ok {
		*dst = v
	}
}

func (b *binder) int(key string, dst *int) {
	if v, ok := b.lookup(key); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (b *binder) float(key string, dst *float64) {
	if v, ok := b.lookup(key); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (b *binder) dur(key string, dst *time.Duration) {
	if v, ok := b.lookup(key); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

func overrideByEnv(cfg *Config, lookup func(string) (string, bool)) error {
	b := &binder{lookup: lookup}

	b.str("POLICYQA_ADDR", &cfg.Server.Addr)
	b.dur("POLICYQA_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	b.dur("POLICYQA_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	b.str("CORS_ORIGIN", &cfg.Server.CORSOrigin)

	b.str("QDRANT_ADDR", &cfg.Qdrant.Addr)
	b.str("QDRANT_COLLECTION", &cfg.Qdrant.Collection)

	b.str("EMBED_URL", &cfg.Embed.URL)
	b.str("EMBEDDING_MODEL", &cfg.Embed.Model)
	b.int("EMBED_CONCURRENCY", &cfg.Embed.Concurrency)

	b.str("RERANK_URL", &cfg.Rerank.URL)
	b.str("CROSS_ENCODER_MODEL", &cfg.Rerank.Model)
	b.int("RERANK_TOP_K", &cfg.Rerank.TopK)
	b.int("RERANK_WORKERS", &cfg.Rerank.Workers)

	b.str("LLM_BASE_URL", &cfg.LLM.BaseURL)
	b.str("LLM_API_KEY", &cfg.LLM.APIKey)
	b.str("LLM_MODEL", &cfg.LLM.Model)
	b.int("LLM_RETRIES", &cfg.LLM.Retries)
	b.float("LLM_RATE", &cfg.LLM.Rate)
	b.int("LLM_BURST", &cfg.LLM.Burst)
	b.int("LLM_BREAKER_THRESHOLD", &cfg.LLM.BreakerThreshold)
	b.dur("LLM_BREAKER_COOLDOWN", &cfg.LLM.BreakerCooldown)

	b.int("SEARCH_RESULTS_LIMIT", &cfg.Search.Limit)
	b.int("RETRIEVAL_RETRIES", &cfg.Search.Retries)

	b.float("CACHE_THRESHOLD", &cfg.Cache.Threshold)
	b.int("CACHE_MAX_ENTRIES", &cfg.Cache.MaxEntries)
	b.dur("CACHE_TTL", &cfg.Cache.TTL)
	b.str("REDIS_ADDR", &cfg.Cache.RedisAddr)
	b.str("REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	b.int("REDIS_DB", &cfg.Cache.RedisDB)
	b.str("REDIS_CACHE_KEY", &cfg.Cache.RedisKey)

	b.dur("EMBED_TIMEOUT", &cfg.Timeouts.Embed)
	b.dur("RETRIEVAL_TIMEOUT", &cfg.Timeouts.Retrieval)
	b.dur("RERANK_TIMEOUT", &cfg.Timeouts.Rerank)
	b.dur("GENERATION_TIMEOUT", &cfg.Timeouts.Generation)
	b.dur("REQUEST_TIMEOUT", &cfg.Timeouts.Request)
	b.dur("HEALTH_TIMEOUT", &cfg.Timeouts.Health)

	b.str("NATS_URL", &cfg.NATS.URL)
	b.str("NATS_ANSWERED_SUBJECT", &cfg.NATS.AnsweredSubject)
	b.str("NATS_PURGE_SUBJECT", &cfg.NATS.PurgeSubject)

	b.str("AUDIT_DSN", &cfg.Audit.DSN)
	b.str("LOG_LEVEL", &cfg.Log.Level)

	if len(b.errs) > 0 {
		return fmt.Errorf("config: environment: %w", errors.Join(b.errs...))
	}
	return nil
}

// Validate reports every invalid option at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Addr != "", "server.addr is required")
	check(c.Server.ReadTimeout > 0, "server.read_timeout must be positive")
	check(c.Server.WriteTimeout > 0, "server.write_timeout must be positive")
	check(c.Qdrant.Addr != "", "qdrant.addr is required")
	check(c.Qdrant.Collection != "", "qdrant.collection is required")
	check(c.Embed.URL != "", "embed.url is required")
	check(c.Embed.Model != "", "embed.model is required")
	check(c.Embed.Concurrency >= 1, "embed.concurrency must be at least 1, got %d", c.Embed.Concurrency)
	check(c.Rerank.URL != "", "rerank.url is required")
	check(c.Rerank.Model != "", "rerank.model is required")
	check(c.Rerank.TopK >= 1, "rerank.top_k must be at least 1, got %d", c.Rerank.TopK)
	check(c.Rerank.Workers >= 1, "rerank.workers must be at least 1, got %d", c.Rerank.Workers)
	check(c.LLM.BaseURL != "", "llm.base_url is required")
	check(c.LLM.Model != "", "llm.model is required")
	check(c.LLM.Retries >= 1, "llm.retries must be at least 1, got %d", c.LLM.Retries)
	check(c.LLM.Rate >= 0, "llm.rate must not be negative")
	check(c.LLM.BreakerThreshold >= 1, "llm.breaker_threshold must be at least 1")
	check(c.LLM.BreakerCooldown > 0, "llm.breaker_cooldown must be positive")
	check(c.Search.Limit >= 1 && c.Search.Limit <= 20, "search.limit must be within 1..20, got %d", c.Search.Limit)
	check(c.Search.Retries >= 0, "search.retries must not be negative")
	check(c.Rerank.TopK <= c.Search.Limit, "rerank.top_k (%d) must not exceed search.limit (%d)", c.Rerank.TopK, c.Search.Limit)
	check(c.Cache.Threshold > 0 && c.Cache.Threshold <= 2, "cache.threshold must be within (0, 2], got %g", c.Cache.Threshold)
	check(c.Cache.MaxEntries >= 0, "cache.max_entries must not be negative")
	check(c.Cache.TTL >= 0, "cache.ttl must not be negative")
	check(c.Cache.RedisAddr == "" || c.Cache.RedisKey != "", "cache.redis_key is required with cache.redis_addr")
	check(c.Timeouts.Embed > 0, "timeouts.embed must be positive")
	check(c.Timeouts.Retrieval > 0, "timeouts.retrieval must be positive")
	check(c.Timeouts.Rerank > 0, "timeouts.rerank must be positive")
	check(c.Timeouts.Generation > 0, "timeouts.generation must be positive")
	check(c.Timeouts.Request > 0, "timeouts.request must be positive")
	check(c.Timeouts.Health > 0, "timeouts.health must be positive")
	check(c.NATS.URL == "" || (c.NATS.AnsweredSubject != "" && c.NATS.PurgeSubject != ""), "nats subjects are required with nats.url")
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}

// LogLevel returns the slog level for Log.Level, defaulting to info.
func (c Config) LogLevel() slog.Level {
	lvl, err := parseLevel(c.Log.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return lvl, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}
