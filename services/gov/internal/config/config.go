// Package config loads the named policy constants: risk-tier
// breakpoints, loop budgets, and the session expiry window. Magic
// numbers live here and nowhere else. Values come from an optional YAML
// file; floors and ceilings are enforced at load so a config file can
// never weaken the governance invariants below their minimums.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"gatekernel/pkg/domain"
)

type Config struct {
	Breakpoints          domain.TierBreakpoints `yaml:"risk_breakpoints"`
	SessionExpirySeconds int                    `yaml:"session_expiry_seconds"`
	MaxPasses            int                    `yaml:"max_passes"`
	MaxToolCalls         int                    `yaml:"max_tool_calls"`
	Connectors           []string               `yaml:"connectors"`
}

func Default() Config {
	return Config{
		Breakpoints:          domain.DefaultBreakpoints,
		SessionExpirySeconds: 15 * 60,
		MaxPasses:            domain.DefaultMaxPasses,
		MaxToolCalls:         domain.DefaultMaxToolCalls,
		Connectors:           []string{"connector.search", "connector.fetch"},
	}
}

// Load reads path when it exists and overlays it on the defaults. A
// missing path is not an error; a present but invalid file is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := c.Breakpoints.Validate(); err != nil {
		return err
	}
	if c.SessionExpiry() < domain.SessionExpiryFloor {
		return fmt.Errorf("session_expiry_seconds %d is below the %.0fs floor",
			c.SessionExpirySeconds, domain.SessionExpiryFloor.Seconds())
	}
	if c.MaxPasses < 1 || c.MaxPasses > domain.MaxPassesCeiling {
		return fmt.Errorf("max_passes must be 1..%d, got %d", domain.MaxPassesCeiling, c.MaxPasses)
	}
	if c.MaxToolCalls < 1 || c.MaxToolCalls > domain.MaxToolCallsCeiling {
		return fmt.Errorf("max_tool_calls must be 1..%d, got %d", domain.MaxToolCallsCeiling, c.MaxToolCalls)
	}
	if len(c.Connectors) == 0 {
		return fmt.Errorf("at least one connector must be allowlisted")
	}
	return nil
}

func (c Config) SessionExpiry() time.Duration {
	return time.Duration(c.SessionExpirySeconds) * time.Second
}
