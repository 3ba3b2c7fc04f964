package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen    string          `yaml:"listen"`
	AuthToken string          `yaml:"auth_token"`
	Storage   Storage         `yaml:"storage"`
	Contract  Contract        `yaml:"contract"`
	Pricing   Pricing         `yaml:"pricing"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
	NATS      NATS            `yaml:"nats"`
}

type Storage struct {
	Backend    string `yaml:"backend"` // json | sqlite
	JSONPath   string `yaml:"json_path"`
	SQLitePath string `yaml:"sqlite_path"`
}

type Contract struct {
	Strict bool `yaml:"strict"`
}

type Pricing struct {
	UsdPerMillionTokens float64 `yaml:"usd_per_million_tokens"`
	Version             string  `yaml:"version"`
}

type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Events  []string          `yaml:"events"`
	Headers map[string]string `yaml:"headers"`
}

type NATS struct {
	URL           string        `yaml:"url"`
	Subject       string        `yaml:"subject"`
	Token         string        `yaml:"token"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := newConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the configuration used when no config file is given.
// Environment overrides still apply.
func Default() *Config {
	cfg := newConfig()
	applyDefaults(cfg)
	applyEnv(cfg)
	return cfg
}

// newConfig seeds the fields whose default is not the Go zero value. They
// are set before unmarshalling so a config file can still turn them off
// explicitly; applyDefaults cannot tell an omitted bool from false.
func newConfig() *Config {
	return &Config{Contract: Contract{Strict: true}}
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":8600"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "json"
	}
	if cfg.Storage.JSONPath == "" {
		cfg.Storage.JSONPath = "data/helicarrier.json"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/helicarrier.sqlite"
	}
	if cfg.Pricing.UsdPerMillionTokens == 0 {
		cfg.Pricing.UsdPerMillionTokens = 2
	}
	if cfg.Pricing.Version == "" {
		cfg.Pricing.Version = "v3-default"
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "swarm.telemetry.session.>"
	}
	if cfg.NATS.ReconnectWait == 0 {
		cfg.NATS.ReconnectWait = 2 * time.Second
	}
}

// applyEnv layers environment overrides on top of the file. The variables
// match the names the dashboard deployment already uses.
func applyEnv(cfg *Config) {
	if v := os.Getenv("HELICARRIER_SECRET"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("HELICARRIER_DB_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if os.Getenv("HELICARRIER_ENABLE_SQLITE") == "true" {
		cfg.Storage.Backend = "sqlite"
	}
	switch os.Getenv("HELICARRIER_CONTRACT_STRICT") {
	case "true":
		cfg.Contract.Strict = true
	case "false":
		cfg.Contract.Strict = false
	}
	if v := os.Getenv("HELICARRIER_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
}
