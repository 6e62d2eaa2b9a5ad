package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "github.com/goccy/go-yaml"

	"github.com/kranthikarthan/payment-saga/internal/compensation"
	"github.com/kranthikarthan/payment-saga/internal/kafka"
	"github.com/kranthikarthan/payment-saga/internal/retry"
	"github.com/kranthikarthan/payment-saga/internal/saga"
	"github.com/kranthikarthan/payment-saga/internal/store/postgres"
)

type Config struct {
	API          APIConfig          `yaml:"api"`
	Worker       WorkerConfig       `yaml:"worker"`
	Backoff      BackoffConfig      `yaml:"backoff"`
	Compensation CompensationConfig `yaml:"compensation"`
	Redis        RedisConfig        `yaml:"redis"`
	Kafka        kafka.Config       `yaml:"kafka"`
	Postgres     postgres.Config    `yaml:"postgres"`
	Templates    []saga.Template    `yaml:"templates"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

type WorkerConfig struct {
	GroupID     string `yaml:"group_id"`
	Concurrency int    `yaml:"concurrency"`
}

type BackoffConfig struct {
	Mode   string        `yaml:"mode"`
	Base   time.Duration `yaml:"base"`
	Max    time.Duration `yaml:"max"`
	Jitter float64       `yaml:"jitter"`
}

type CompensationConfig struct {
	Policy string `yaml:"policy"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.API.Addr) == "" {
		c.API.Addr = ":8080"
	}
	if strings.TrimSpace(c.Worker.GroupID) == "" {
		c.Worker.GroupID = "saga-worker"
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 1
	}
	def := retry.DefaultPolicy()
	if strings.TrimSpace(c.Backoff.Mode) == "" {
		c.Backoff.Mode = string(def.Mode)
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = def.Base
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = def.Max
	}
	if c.Backoff.Jitter == 0 {
		c.Backoff.Jitter = def.Jitter
	}
	if strings.TrimSpace(c.Compensation.Policy) == "" {
		c.Compensation.Policy = string(compensation.PolicyAlwaysCompensated)
	}
}

func (c Config) ValidateForAPI() error {
	if strings.TrimSpace(c.API.Addr) == "" {
		return fmt.Errorf("api.addr is required")
	}
	return c.validateShared()
}

func (c Config) ValidateForWorker() error {
	if strings.TrimSpace(c.Worker.GroupID) == "" {
		return fmt.Errorf("worker.group_id is required")
	}
	if err := c.Kafka.ValidateCommands(); err != nil {
		return err
	}
	return c.validateShared()
}

func (c Config) validateShared() error {
	if err := validateRedis(c.Redis); err != nil {
		return err
	}
	if err := c.Kafka.Validate(); err != nil {
		return err
	}
	if err := c.Postgres.Validate(); err != nil {
		return err
	}
	if _, err := c.BackoffPolicy(); err != nil {
		return err
	}
	if err := c.CompensationPolicy().Validate(); err != nil {
		return err
	}
	if len(c.Templates) == 0 {
		return fmt.Errorf("templates: at least one saga template is required")
	}
	for _, tpl := range c.Templates {
		if err := tpl.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// BackoffPolicy converts the backoff section into a retry policy.
func (c Config) BackoffPolicy() (retry.Policy, error) {
	p := retry.Policy{
		Mode:   retry.Mode(c.Backoff.Mode),
		Base:   c.Backoff.Base,
		Max:    c.Backoff.Max,
		Jitter: c.Backoff.Jitter,
	}
	if err := p.Validate(); err != nil {
		return retry.Policy{}, fmt.Errorf("backoff: %w", err)
	}
	return p, nil
}

func (c Config) CompensationPolicy() compensation.Policy {
	return compensation.Policy(c.Compensation.Policy)
}

// BuildRegistry registers every configured template.
func (c Config) BuildRegistry() (*saga.Registry, error) {
	registry := saga.NewRegistry()
	for _, tpl := range c.Templates {
		if err := registry.Register(tpl); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func validateRedis(cfg RedisConfig) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("redis.addr is required")
	}
	return nil
}
