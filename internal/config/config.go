// Package config manages the selene configuration file
// (~/.config/selene/config.toml) and its environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
)

// Thresholds are the ascending usage ratios that drive the watcher tiers.
type Thresholds struct {
	ArchiveRatio   float64 `toml:"archive_ratio"`
	PruneRatio     float64 `toml:"prune_ratio"`
	DistillRatio   float64 `toml:"distill_ratio"`
	EmergencyRatio float64 `toml:"emergency_ratio"` // prune may bypass cooldown at or above this
	RefireMargin   float64 `toml:"refire_margin"`   // hysteresis: usage must drop below tier-margin to re-arm
}

// WatcherConfig controls the polling loop and trigger cooldowns.
type WatcherConfig struct {
	PollIntervalSecs    int `toml:"poll_interval_secs"`
	CooldownSecs        int `toml:"cooldown_secs"`
	FailureCooldownSecs int `toml:"failure_cooldown_secs"` // after a data-loss-risk stop
	StalenessSecs       int `toml:"staleness_secs"`        // usage snapshots older than this are treated as provider failure
}

// DistillConfig controls candidate selection and the provider chain.
type DistillConfig struct {
	Mode           string `toml:"mode"` // manual | idle | schedule
	IdleSecs       int    `toml:"idle_secs"`
	Schedule       string `toml:"schedule"` // cron expression, used when mode=schedule
	MaxPerCycle    int    `toml:"max_per_cycle"`
	Provider       string `toml:"provider"` // claude | openai | local
	Model          string `toml:"model"`
	TimeoutSecs    int    `toml:"timeout_secs"`
	AnthropicKey   string `toml:"anthropic_key"`
	OpenAIKey      string `toml:"openai_key"`
	MaxInputTokens int    `toml:"max_input_tokens"`
}

// RetentionConfig controls the age bands and the deletion sweep.
type RetentionConfig struct {
	Enabled          bool `toml:"enabled"`
	ActiveDays       int  `toml:"active_days"`
	WarmDays         int  `toml:"warm_days"`
	SweepMaxPerCycle int  `toml:"sweep_max_per_cycle"`
}

// IndexConfig selects the search engine backing recall.
type IndexConfig struct {
	Engine      string `toml:"engine"` // command | sqlite
	Binary      string `toml:"binary"` // external index binary for engine=command
	Collection  string `toml:"collection"`
	DBPath      string `toml:"db_path"` // sqlite engine database, default under SELENE_HOME
	TimeoutSecs int    `toml:"timeout_secs"`
}

// UsageConfig selects the usage provider chain.
type UsageConfig struct {
	Provider         string `toml:"provider"` // host | estimate
	MaxContextTokens int    `toml:"max_context_tokens"`
}

// HostConfig points at the external agent host binary.
type HostConfig struct {
	Binary      string `toml:"binary"`
	RolloverCmd string `toml:"rollover_cmd"` // optional override for session rollover
	TimeoutSecs int    `toml:"timeout_secs"`
}

// EventConfig controls the fsnotify trigger source in daemon mode.
type EventConfig struct {
	Enabled    bool `toml:"enabled"`
	DebounceMs int  `toml:"debounce_ms"`
}

// Config is the full selene configuration.
type Config struct {
	Thresholds Thresholds      `toml:"thresholds"`
	Watcher    WatcherConfig   `toml:"watcher"`
	Distill    DistillConfig   `toml:"distill"`
	Retention  RetentionConfig `toml:"retention"`
	Index      IndexConfig     `toml:"index"`
	Usage      UsageConfig     `toml:"usage"`
	Host       HostConfig      `toml:"host"`
	Events     EventConfig     `toml:"events"`
}

// Default returns the canonical defaults.
func Default() Config {
	return Config{
		Thresholds: Thresholds{
			ArchiveRatio:   0.80,
			PruneRatio:     0.85,
			DistillRatio:   0.90,
			EmergencyRatio: 0.95,
			RefireMargin:   0.05,
		},
		Watcher: WatcherConfig{
			PollIntervalSecs:    30,
			CooldownSecs:        300,
			FailureCooldownSecs: 300,
			StalenessSecs:       120,
		},
		Distill: DistillConfig{
			Mode:           "idle",
			IdleSecs:       360,
			MaxPerCycle:    1,
			Provider:       "claude",
			TimeoutSecs:    45,
			MaxInputTokens: 24000,
		},
		Retention: RetentionConfig{
			Enabled:          true,
			ActiveDays:       7,
			WarmDays:         30,
			SweepMaxPerCycle: 8,
		},
		Index: IndexConfig{
			Engine:      "sqlite",
			Collection:  "history",
			TimeoutSecs: 30,
		},
		Usage: UsageConfig{
			Provider:         "host",
			MaxContextTokens: 200000,
		},
		Host: HostConfig{
			Binary:      "agentctl",
			TimeoutSecs: 30,
		},
		Events: EventConfig{
			Enabled:    true,
			DebounceMs: 500,
		},
	}
}

// Path returns the config file location, honoring SELENE_CONFIG.
func Path() (string, error) {
	if v := os.Getenv("SELENE_CONFIG"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "selene", "config.toml"), nil
}

// Load reads the config file (if present), applies env overrides, and
// validates the result.
func Load() (Config, error) {
	cfg := Default()

	path, err := Path()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			if _, decErr := toml.DecodeFile(path, &cfg); decErr != nil {
				return cfg, fmt.Errorf("config: load %s: %w", path, decErr)
			}
		}
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envFloat("SELENE_ARCHIVE_RATIO", &cfg.Thresholds.ArchiveRatio)
	envFloat("SELENE_PRUNE_RATIO", &cfg.Thresholds.PruneRatio)
	envFloat("SELENE_DISTILL_RATIO", &cfg.Thresholds.DistillRatio)
	envInt("SELENE_POLL_INTERVAL_SECS", &cfg.Watcher.PollIntervalSecs)
	envInt("SELENE_COOLDOWN_SECS", &cfg.Watcher.CooldownSecs)
	envString("SELENE_DISTILL_MODE", &cfg.Distill.Mode)
	envInt("SELENE_DISTILL_IDLE_SECS", &cfg.Distill.IdleSecs)
	envInt("SELENE_DISTILL_MAX_PER_CYCLE", &cfg.Distill.MaxPerCycle)
	envString("SELENE_INDEX_ENGINE", &cfg.Index.Engine)
	envString("SELENE_INDEX_BIN", &cfg.Index.Binary)
	envString("SELENE_HOST_BIN", &cfg.Host.Binary)
	envString("SELENE_ROLLOVER_CMD", &cfg.Host.RolloverCmd)
	envString("SELENE_USAGE_PROVIDER", &cfg.Usage.Provider)

	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Distill.AnthropicKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Distill.OpenAIKey = v
	}
}

func envString(name string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// Validate rejects configurations the watcher cannot run safely with.
func Validate(cfg Config) error {
	t := cfg.Thresholds
	for name, v := range map[string]float64{
		"archive_ratio": t.ArchiveRatio,
		"prune_ratio":   t.PruneRatio,
		"distill_ratio": t.DistillRatio,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("config: %s must be in (0, 1], got %v", name, v)
		}
	}
	if !(t.ArchiveRatio < t.PruneRatio && t.PruneRatio < t.DistillRatio) {
		return fmt.Errorf("config: thresholds must be ascending: archive %.2f < prune %.2f < distill %.2f",
			t.ArchiveRatio, t.PruneRatio, t.DistillRatio)
	}
	if t.RefireMargin < 0 || t.RefireMargin >= t.ArchiveRatio {
		return fmt.Errorf("config: refire_margin %.2f out of range", t.RefireMargin)
	}
	if cfg.Watcher.PollIntervalSecs < 1 {
		return fmt.Errorf("config: poll_interval_secs must be >= 1")
	}
	switch cfg.Distill.Mode {
	case "manual", "idle":
	case "schedule":
		if _, err := cron.ParseStandard(cfg.Distill.Schedule); err != nil {
			return fmt.Errorf("config: distill schedule %q: %w", cfg.Distill.Schedule, err)
		}
	default:
		return fmt.Errorf("config: distill mode must be manual, idle, or schedule, got %q", cfg.Distill.Mode)
	}
	if cfg.Distill.MaxPerCycle < 1 {
		return fmt.Errorf("config: distill max_per_cycle must be >= 1")
	}
	if cfg.Retention.ActiveDays < 1 || cfg.Retention.WarmDays <= cfg.Retention.ActiveDays {
		return fmt.Errorf("config: retention bands must satisfy 0 < active_days < warm_days")
	}
	switch cfg.Index.Engine {
	case "command", "sqlite":
	default:
		return fmt.Errorf("config: index engine must be command or sqlite, got %q", cfg.Index.Engine)
	}
	switch cfg.Usage.Provider {
	case "host", "estimate":
	default:
		return fmt.Errorf("config: usage provider must be host or estimate, got %q", cfg.Usage.Provider)
	}
	return nil
}
