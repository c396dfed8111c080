// Package config loads CarePipe's policy knobs from an optional YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/BTreeMap/CarePipe/internal/util"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Policy    PolicyConfig    `yaml:"policy"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	LogLevel  string          `yaml:"log_level"`
}

// PolicyConfig holds the workflow decision thresholds and limits.
type PolicyConfig struct {
	ValidThreshold   float64       `yaml:"valid_threshold"`
	InvalidThreshold float64       `yaml:"invalid_threshold"`
	MaxEvidenceTurns int           `yaml:"max_evidence_turns"`
	LeadDays         []int         `yaml:"lead_days"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	ConversationTTL  time.Duration `yaml:"conversation_ttl"`
}

// SchedulerConfig controls the subscription pass trigger.
type SchedulerConfig struct {
	Cron        string `yaml:"cron"`
	Concurrency int    `yaml:"concurrency"`
}

// KafkaConfig names the broker and topic for case lifecycle events. An empty
// broker list disables publishing to Kafka.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Policy: PolicyConfig{
			ValidThreshold:   0.8,
			InvalidThreshold: 0.3,
			MaxEvidenceTurns: 3,
			LeadDays:         []int{1, 2},
			CallTimeout:      10 * time.Second,
			ConversationTTL:  72 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			Cron:        "@hourly",
			Concurrency: 8,
		},
		Kafka: KafkaConfig{
			Topic: "carepipe-case-events",
		},
		LogLevel: "info",
	}
}

// Load reads path (if it exists) over the defaults and then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			slog.Debug("config.Load: no config file, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
			slog.Debug("config.Load: loaded config file", "path", path)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	p := &cfg.Policy
	p.ValidThreshold = util.ParseFloatEnv("CAREPIPE_VALID_THRESHOLD", p.ValidThreshold)
	p.InvalidThreshold = util.ParseFloatEnv("CAREPIPE_INVALID_THRESHOLD", p.InvalidThreshold)
	p.MaxEvidenceTurns = util.ParseIntEnv("CAREPIPE_MAX_EVIDENCE_TURNS", p.MaxEvidenceTurns)
	p.LeadDays = util.ParseIntListEnv("CAREPIPE_LEAD_DAYS", p.LeadDays)
	p.CallTimeout = util.ParseDurationEnv("CAREPIPE_CALL_TIMEOUT", p.CallTimeout)
	p.ConversationTTL = util.ParseDurationEnv("CAREPIPE_CONVERSATION_TTL", p.ConversationTTL)

	if v := os.Getenv("CAREPIPE_SCHEDULER_CRON"); v != "" {
		cfg.Scheduler.Cron = v
	}
	cfg.Scheduler.Concurrency = util.ParseIntEnv("CAREPIPE_SCHEDULER_CONCURRENCY", cfg.Scheduler.Concurrency)

	if brokers := util.ParseListEnv("KAFKA_BROKERS"); len(brokers) > 0 {
		cfg.Kafka.Brokers = brokers
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate rejects inconsistent policy values.
func (c *Config) Validate() error {
	p := c.Policy
	if p.ValidThreshold < 0 || p.ValidThreshold > 1 || p.InvalidThreshold < 0 || p.InvalidThreshold > 1 {
		return fmt.Errorf("thresholds must lie in [0,1]: valid=%v invalid=%v", p.ValidThreshold, p.InvalidThreshold)
	}
	if p.InvalidThreshold >= p.ValidThreshold {
		return fmt.Errorf("invalid_threshold %v must be below valid_threshold %v", p.InvalidThreshold, p.ValidThreshold)
	}
	if p.MaxEvidenceTurns < 1 {
		return fmt.Errorf("max_evidence_turns must be at least 1, got %d", p.MaxEvidenceTurns)
	}
	for _, d := range p.LeadDays {
		if d < 1 {
			return fmt.Errorf("lead_days entries must be positive, got %d", d)
		}
	}
	if p.CallTimeout <= 0 {
		return fmt.Errorf("call_timeout must be positive, got %v", p.CallTimeout)
	}
	if c.Scheduler.Concurrency < 1 {
		return fmt.Errorf("scheduler concurrency must be at least 1, got %d", c.Scheduler.Concurrency)
	}
	return nil
}

// SlogLevel maps LogLevel to a slog.Level, defaulting to Info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
