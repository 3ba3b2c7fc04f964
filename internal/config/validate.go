package config

import (
	"fmt"
	"net/url"
)

func validate(cfg *Config) error {
	switch cfg.Storage.Backend {
	case "json", "sqlite":
		// valid
	default:
		return fmt.Errorf("config: unknown storage backend %q", cfg.Storage.Backend)
	}

	if cfg.Storage.Backend == "json" && cfg.Storage.JSONPath == "" {
		return fmt.Errorf("config: json backend requires storage.json_path")
	}
	if cfg.Storage.Backend == "sqlite" && cfg.Storage.SQLitePath == "" {
		return fmt.Errorf("config: sqlite backend requires storage.sqlite_path")
	}

	if cfg.Pricing.UsdPerMillionTokens < 0 {
		return fmt.Errorf("config: pricing.usd_per_million_tokens must not be negative")
	}

	for i, wh := range cfg.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config: webhook %d missing url", i)
		}
		if _, err := url.Parse(wh.URL); err != nil {
			return fmt.Errorf("config: webhook %d invalid url: %w", i, err)
		}
	}

	if cfg.NATS.URL != "" && cfg.NATS.Subject == "" {
		return fmt.Errorf("config: nats.url set but nats.subject empty")
	}

	return nil
}
