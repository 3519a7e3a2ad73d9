// Package config loads the Kestrel process and engine configuration.
//
// Sources are applied in order: built-in defaults, an optional YAML file,
// then KESTREL_* environment variables (a .env file in the working
// directory is loaded first when present). The result is validated before
// it is returned, so a misconfigured process fails at startup rather than
// at the first evaluation.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KESTREL_"

// fileConfig is the on-disk shape. Process sections decode straight into
// domain.Config; the engine section goes through engineFile so that
// omitted keys keep their defaults.
type fileConfig struct {
	Engine *engineFile `yaml:"engine"`
}

type engineFile struct {
	Version          string                `yaml:"version"`
	Thresholds       *thresholdsFile       `yaml:"score_to_decision"`
	AmountThresholds map[string]bucketFile `yaml:"amount_thresholds"`
	NightWindow      *nightWindowFile      `yaml:"night_window"`
	LatencyBand      *latencyBandFile      `yaml:"latency_band"`
	NewUserMaxTxn    *int64                `yaml:"new_user_max_txn"`
	Weights          map[string]float64    `yaml:"weights"`
	ExpressionRules  []expressionRuleFile  `yaml:"expression_rules"`
}

type thresholdsFile struct {
	ReviewAt *int64 `yaml:"review_at"`
	RejectAt *int64 `yaml:"reject_at"`
}

type bucketFile struct {
	Elevated *float64 `yaml:"elevated"`
	High     *float64 `yaml:"high"`
}

type nightWindowFile struct {
	Start *int `yaml:"start"`
	End   *int `yaml:"end"`
}

type latencyBandFile struct {
	MinMs *int64 `yaml:"min_ms"`
	MaxMs *int64 `yaml:"max_ms"`
}

type expressionRuleFile struct {
	ID          string  `yaml:"id"`
	Description string  `yaml:"description"`
	Expression  string  `yaml:"expression"`
	Weight      float64 `yaml:"weight"`
}

// defaultBucketKey selects AmountThresholds.Default in the YAML file.
const defaultBucketKey = "default"

// Load builds the configuration. An empty path, or a path that does not
// exist, means defaults plus environment.
func Load(path string) (*domain.Config, error) {
	_ = godotenv.Load()

	cfg := domain.DefaultConfig()

	if path != "" {
		if err := mergeFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeFile(cfg *domain.Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return &domain.ConfigError{Field: path, Reason: err.Error()}
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return &domain.ConfigError{Field: path, Reason: err.Error()}
	}
	if fc.Engine != nil {
		engine, err := fc.Engine.apply(cfg.Engine)
		if err != nil {
			return err
		}
		cfg.Engine = engine
	}
	return nil
}

// apply overlays the file values on base and returns the new engine config.
func (f *engineFile) apply(base *domain.EngineConfig) (*domain.EngineConfig, error) {
	out := base.Clone()

	if f.Version != "" {
		out.Version = f.Version
	}
	if t := f.Thresholds; t != nil {
		if t.ReviewAt != nil {
			out.Thresholds.ReviewAt = *t.ReviewAt
		}
		if t.RejectAt != nil {
			out.Thresholds.RejectAt = *t.RejectAt
		}
	}
	for product, b := range f.AmountThresholds {
		key := strings.ToLower(strings.TrimSpace(product))
		field := "amount_thresholds." + key
		if key == defaultBucketKey {
			bucket, err := b.overlay(field, out.AmountThresholds.Default)
			if err != nil {
				return nil, err
			}
			out.AmountThresholds.Default = bucket
			continue
		}
		bucket, err := b.overlay(field, out.AmountThresholds.For(key))
		if err != nil {
			return nil, err
		}
		out.AmountThresholds.ByProduct[key] = bucket
	}
	if nw := f.NightWindow; nw != nil {
		if nw.Start != nil {
			out.NightWindow.Start = *nw.Start
		}
		if nw.End != nil {
			out.NightWindow.End = *nw.End
		}
	}
	if lb := f.LatencyBand; lb != nil {
		if lb.MinMs != nil {
			out.LatencyBand.MinMs = *lb.MinMs
		}
		if lb.MaxMs != nil {
			out.LatencyBand.MaxMs = *lb.MaxMs
		}
	}
	if f.NewUserMaxTxn != nil {
		out.NewUserMaxTxn = *f.NewUserMaxTxn
	}
	for id, w := range f.Weights {
		weight, err := finite("weights."+id, w)
		if err != nil {
			return nil, err
		}
		out.Weights[id] = weight
	}
	if f.ExpressionRules != nil {
		out.ExpressionRules = make([]domain.ExpressionRule, len(f.ExpressionRules))
		for i, r := range f.ExpressionRules {
			weight, err := finite("expression_rules["+r.ID+"].weight", r.Weight)
			if err != nil {
				return nil, err
			}
			out.ExpressionRules[i] = domain.ExpressionRule{
				ID:          r.ID,
				Description: r.Description,
				Expression:  r.Expression,
				Weight:      weight,
			}
		}
	}

	return out, nil
}

func (b bucketFile) overlay(field string, base domain.AmountBucket) (domain.AmountBucket, error) {
	if b.Elevated != nil {
		v, err := finite(field+".elevated", *b.Elevated)
		if err != nil {
			return base, err
		}
		base.Elevated = v
	}
	if b.High != nil {
		v, err := finite(field+".high", *b.High)
		if err != nil {
			return base, err
		}
		base.High = v
	}
	return base, nil
}

// finite converts a YAML number. yaml.v3 accepts .nan and .inf, which have
// no decimal form.
func finite(field string, f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, &domain.ConfigError{Field: field, Reason: fmt.Sprintf("must be a finite number, got %v", f)}
	}
	return decimal.NewFromFloat(f), nil
}

// applyEnv applies KESTREL_* overrides. Unset or empty variables are
// ignored; malformed values are configuration errors.
func applyEnv(cfg *domain.Config) error {
	var err error
	engine := cfg.Engine.Clone()

	if engine.Thresholds.ReviewAt, err = envInt64("REVIEW_AT", engine.Thresholds.ReviewAt); err != nil {
		return err
	}
	if engine.Thresholds.RejectAt, err = envInt64("REJECT_AT", engine.Thresholds.RejectAt); err != nil {
		return err
	}
	cfg.Engine = engine

	port, err := envInt64("PORT", int64(cfg.Server.Port))
	if err != nil {
		return err
	}
	cfg.Server.Port = int(port)

	cfg.Repository.Driver = getEnv("DB_DRIVER", cfg.Repository.Driver)
	cfg.Repository.SQLitePath = getEnv("SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Cache.Type = getEnv("CACHE", cfg.Cache.Type)
	cfg.Cache.RedisAddr = getEnv("REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.EventBus.Type = getEnv("BUS", cfg.EventBus.Type)
	cfg.EventBus.NATSUrl = getEnv("NATS_URL", cfg.EventBus.NATSUrl)
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)

	if cfg.StreamWorker, err = envBool("STREAM_WORKER", cfg.StreamWorker); err != nil {
		return err
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(EnvPrefix + key)); value != "" {
		return value
	}
	return defaultValue
}

func envInt64(key string, defaultValue int64) (int64, error) {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue, nil
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, &domain.ConfigError{Field: EnvPrefix + key, Reason: fmt.Sprintf("not an integer: %q", value)}
	}
	return i, nil
}

func envBool(key string, defaultValue bool) (bool, error) {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, &domain.ConfigError{Field: EnvPrefix + key, Reason: fmt.Sprintf("not a boolean: %q", value)}
	}
	return b, nil
}

// Validate checks the whole configuration, including that every
// expression rule compiles.
func Validate(cfg *domain.Config) error {
	if err := cfg.Engine.Validate(); err != nil {
		return err
	}
	if _, err := rules.NewCatalog(cfg.Engine); err != nil {
		return err
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return &domain.ConfigError{Field: "server.port", Reason: fmt.Sprintf("out of range: %d", cfg.Server.Port)}
	}

	switch cfg.Repository.Driver {
	case "sqlite", "postgres", "none":
	default:
		return &domain.ConfigError{Field: "repository.driver", Reason: fmt.Sprintf("unsupported driver %q", cfg.Repository.Driver)}
	}

	switch cfg.Cache.Type {
	case "memory", "none":
	case "redis":
		if cfg.Cache.RedisAddr == "" {
			return &domain.ConfigError{Field: "cache.redis_addr", Reason: "required for redis cache"}
		}
	default:
		return &domain.ConfigError{Field: "cache.type", Reason: fmt.Sprintf("unsupported cache %q", cfg.Cache.Type)}
	}

	switch cfg.EventBus.Type {
	case "channel":
	case "nats":
		if cfg.EventBus.NATSUrl == "" {
			return &domain.ConfigError{Field: "event_bus.nats_url", Reason: "required for nats bus"}
		}
	default:
		return &domain.ConfigError{Field: "event_bus.type", Reason: fmt.Sprintf("unsupported bus %q", cfg.EventBus.Type)}
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return &domain.ConfigError{Field: "logging.level", Reason: fmt.Sprintf("unknown level %q", cfg.Logging.Level)}
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		return &domain.ConfigError{Field: "logging.format", Reason: fmt.Sprintf("unknown format %q", cfg.Logging.Format)}
	}

	if cfg.Batch.Workers < 1 {
		return &domain.ConfigError{Field: "batch.workers", Reason: "must be at least 1"}
	}

	return nil
}
