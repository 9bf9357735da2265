// Package config provides configuration management for the lifecycle engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied when optional fields are unset.
const (
	defaultExitInterval      = "30s"
	defaultRollInterval      = "60s"
	defaultReconcileInterval = "1h"
	defaultMinDTE            = 21
	defaultRollProximityPct  = 0.02
	defaultRollDeltaBreach   = 0.40
	defaultMaxRolls          = 2
	defaultMinConfidence     = 7
	defaultOneSidedFraction  = 0.8
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Storage     StorageConfig     `yaml:"storage"`
	Risk        RiskConfig        `yaml:"risk"`
	Exit        ExitConfig        `yaml:"exit"`
	Roll        RollConfig        `yaml:"roll"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Orders      OrdersConfig      `yaml:"orders"`
	Advisory    AdvisoryConfig    `yaml:"advisory"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// GatewayConfig defines brokerage API settings.
type GatewayConfig struct {
	Provider  string `yaml:"provider"`
	APIKey    string `yaml:"api_key"`
	AccountID string `yaml:"account_id"`
	Sandbox   bool   `yaml:"sandbox"`
}

// StorageConfig defines where position state is persisted. Paths ending in
// .db/.sqlite select the SQLite backend.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// RiskConfig defines portfolio exposure ceilings.
type RiskConfig struct {
	MaxBetaWeightedDelta float64 `yaml:"max_beta_weighted_delta"`
	MaxNetDelta          float64 `yaml:"max_net_delta"`
	OneSidedFraction     float64 `yaml:"one_sided_fraction"`
}

// ExitConfig defines exit monitor parameters.
type ExitConfig struct {
	Interval string `yaml:"interval"`
	MinDTE   int    `yaml:"min_dte"`
	// AdvisoryLossTrigger is the unrealized loss, as a fraction of entry
	// value, past which the advisory gate is consulted for an early exit.
	AdvisoryLossTrigger float64 `yaml:"advisory_loss_trigger"`
}

// RollConfig defines roll manager parameters.
type RollConfig struct {
	Interval     string  `yaml:"interval"`
	ProximityPct float64 `yaml:"proximity_pct"` // |spot-strike|/strike considered "tested"
	DeltaBreach  float64 `yaml:"delta_breach"`  // abs short-leg delta trigger
	MinDTE       int     `yaml:"min_dte"`       // expiration floor for replacements
	MaxRolls     int     `yaml:"max_rolls"`     // per lineage
}

// ReconcileConfig defines reconciler cadence. The startup pass always runs.
type ReconcileConfig struct {
	Periodic bool   `yaml:"periodic"`
	Interval string `yaml:"interval"`
}

// OrdersConfig defines order execution pacing.
type OrdersConfig struct {
	PollInterval string `yaml:"poll_interval"`
	FillTimeout  string `yaml:"fill_timeout"`
}

// AdvisoryConfig defines the advisory gate.
type AdvisoryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	MinConfidence int    `yaml:"min_confidence"` // 1..10
}

// DashboardConfig defines the read-only status server.
type DashboardConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	AuthToken  string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Exit.Interval == "" {
		c.Exit.Interval = defaultExitInterval
	}
	if c.Exit.MinDTE == 0 {
		c.Exit.MinDTE = defaultMinDTE
	}
	if c.Roll.Interval == "" {
		c.Roll.Interval = defaultRollInterval
	}
	if c.Roll.ProximityPct == 0 {
		c.Roll.ProximityPct = defaultRollProximityPct
	}
	if c.Roll.DeltaBreach == 0 {
		c.Roll.DeltaBreach = defaultRollDeltaBreach
	}
	if c.Roll.MinDTE == 0 {
		c.Roll.MinDTE = defaultMinDTE
	}
	if c.Roll.MaxRolls == 0 {
		c.Roll.MaxRolls = defaultMaxRolls
	}
	if c.Reconcile.Interval == "" {
		c.Reconcile.Interval = defaultReconcileInterval
	}
	if c.Risk.OneSidedFraction == 0 {
		c.Risk.OneSidedFraction = defaultOneSidedFraction
	}
	if c.Advisory.MinConfidence == 0 {
		c.Advisory.MinConfidence = defaultMinConfidence
	}
	if c.Advisory.Model == "" {
		c.Advisory.Model = "gpt-4o"
	}
	if c.Dashboard.ListenAddr == "" {
		c.Dashboard.ListenAddr = ":9090"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/positions.db"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if c.Gateway.APIKey == "" {
		return fmt.Errorf("gateway.api_key is required")
	}
	if c.Gateway.AccountID == "" {
		return fmt.Errorf("gateway.account_id is required")
	}
	if c.Environment.Mode == "live" && c.Gateway.Sandbox {
		return fmt.Errorf("gateway.sandbox must be false in live mode")
	}

	if c.Risk.MaxBetaWeightedDelta < 0 || c.Risk.MaxNetDelta < 0 {
		return fmt.Errorf("risk ceilings must be >= 0")
	}
	if c.Risk.OneSidedFraction <= 0 || c.Risk.OneSidedFraction > 1 {
		return fmt.Errorf("risk.one_sided_fraction must be in (0,1]")
	}

	if _, err := time.ParseDuration(c.Exit.Interval); err != nil {
		return fmt.Errorf("exit.interval invalid: %w", err)
	}
	if c.Exit.MinDTE < 0 {
		return fmt.Errorf("exit.min_dte must be >= 0")
	}
	if c.Exit.AdvisoryLossTrigger < 0 || c.Exit.AdvisoryLossTrigger > 1 {
		return fmt.Errorf("exit.advisory_loss_trigger must be in [0,1]")
	}

	if _, err := time.ParseDuration(c.Roll.Interval); err != nil {
		return fmt.Errorf("roll.interval invalid: %w", err)
	}
	if c.Roll.ProximityPct <= 0 || c.Roll.ProximityPct >= 1 {
		return fmt.Errorf("roll.proximity_pct must be in (0,1)")
	}
	if c.Roll.DeltaBreach <= 0 || c.Roll.DeltaBreach > 1 {
		return fmt.Errorf("roll.delta_breach must be in (0,1]")
	}
	if c.Roll.MinDTE <= 0 {
		return fmt.Errorf("roll.min_dte must be > 0")
	}
	if c.Roll.MaxRolls < 0 {
		return fmt.Errorf("roll.max_rolls must be >= 0")
	}

	if _, err := time.ParseDuration(c.Reconcile.Interval); err != nil {
		return fmt.Errorf("reconcile.interval invalid: %w", err)
	}

	if c.Orders.PollInterval != "" {
		if _, err := time.ParseDuration(c.Orders.PollInterval); err != nil {
			return fmt.Errorf("orders.poll_interval invalid: %w", err)
		}
	}
	if c.Orders.FillTimeout != "" {
		if _, err := time.ParseDuration(c.Orders.FillTimeout); err != nil {
			return fmt.Errorf("orders.fill_timeout invalid: %w", err)
		}
	}

	if c.Advisory.Enabled {
		if c.Advisory.APIKey == "" {
			return fmt.Errorf("advisory.api_key is required when advisory is enabled")
		}
		if c.Advisory.MinConfidence < 1 || c.Advisory.MinConfidence > 10 {
			return fmt.Errorf("advisory.min_confidence must be in [1,10]")
		}
	}

	return nil
}

// IsPaperTrading returns true when running against the sandbox.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// ExitInterval returns the exit monitor cadence.
func (c *Config) ExitInterval() time.Duration {
	return parseDurationOr(c.Exit.Interval, 30*time.Second)
}

// RollInterval returns the roll manager cadence.
func (c *Config) RollInterval() time.Duration {
	return parseDurationOr(c.Roll.Interval, 60*time.Second)
}

// ReconcileInterval returns the periodic reconciliation cadence.
func (c *Config) ReconcileInterval() time.Duration {
	return parseDurationOr(c.Reconcile.Interval, time.Hour)
}

// OrderPollInterval returns the fill polling cadence.
func (c *Config) OrderPollInterval() time.Duration {
	return parseDurationOr(c.Orders.PollInterval, 2*time.Second)
}

// OrderFillTimeout returns the bounded wait for order fills.
func (c *Config) OrderFillTimeout() time.Duration {
	return parseDurationOr(c.Orders.FillTimeout, 60*time.Second)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
