// Package config loads promobot's YAML configuration, following the nested
// yaml-tagged struct style of the teacher's pkg/connector/config.go.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Operator OperatorConfig `yaml:"operator"`
	Chats    ChatsConfig    `yaml:"chats"`
	AI       AIConfig       `yaml:"ai"`
	Search   SearchConfig   `yaml:"search"`
	Storage  StorageConfig  `yaml:"storage"`
	Flow     FlowConfig     `yaml:"flow"`
	Queue    QueueConfig    `yaml:"queue"`
	Pricing  PricingConfig  `yaml:"pricing"`
}

// OperatorConfig lists the authorized operator's equivalent identity tokens.
type OperatorConfig struct {
	Identities []string `yaml:"identities"`
}

// ChatsConfig names the two configured chat targets (§3.2).
type ChatsConfig struct {
	Production string `yaml:"production"`
	Dev        string `yaml:"dev"`
}

// AIConfig configures the AI Processor HTTP collaborator (§6.1).
type AIConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Timeout        time.Duration `yaml:"timeout"`
	TopPickMarker  string        `yaml:"top_pick_marker"`
}

// SearchConfig configures the image/link search HTTP collaborator.
type SearchConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// StorageConfig configures on-disk state.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	MediaDir     string `yaml:"media_dir"`
}

// FlowConfig configures FlowState lifetime and bulk collection.
type FlowConfig struct {
	StateTTL              time.Duration `yaml:"state_ttl"`
	BulkInactivityTimeout time.Duration `yaml:"bulk_inactivity_timeout"`
	MediaGracePeriod      time.Duration `yaml:"media_grace_period"`
}

// QueueConfig configures the Queue Dispatcher.
type QueueConfig struct {
	MinIntervalMinutes int           `yaml:"min_interval_minutes"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	BatchJitterMin     time.Duration `yaml:"batch_jitter_min"`
	BatchJitterMax      time.Duration `yaml:"batch_jitter_max"`
	FlushJitterMin      time.Duration `yaml:"flush_jitter_min"`
	FlushJitterMax      time.Duration `yaml:"flush_jitter_max"`
	DefaultScheduleMins int           `yaml:"default_schedule_minutes"`
}

// PricingConfig configures the runtime-adjustable currency markup (§3.3).
type PricingConfig struct {
	CurrencyMarkup int `yaml:"currency_markup"`
}

// Default returns the documented defaults, matching the way the teacher
// resolves state-dir style fallbacks (pkg/cron/store.go:ResolveCronStorePath).
func Default() Config {
	return Config{
		Chats: ChatsConfig{},
		AI: AIConfig{
			Timeout:       60 * time.Second,
			TopPickMarker: "⭐ TOP PICK ⭐",
		},
		Search: SearchConfig{
			Timeout: 60 * time.Second,
		},
		Storage: StorageConfig{
			DatabasePath: "data/promobot.db",
			MediaDir:     "data/media",
		},
		Flow: FlowConfig{
			StateTTL:              10 * time.Minute,
			BulkInactivityTimeout: 2 * time.Minute,
			MediaGracePeriod:      24 * time.Hour,
		},
		Queue: QueueConfig{
			MinIntervalMinutes:  47,
			PollInterval:        60 * time.Second,
			BatchJitterMin:      15 * time.Second,
			BatchJitterMax:      30 * time.Second,
			FlushJitterMin:      10 * time.Second,
			FlushJitterMax:      15 * time.Second,
			DefaultScheduleMins: 30,
		},
		Pricing: PricingConfig{CurrencyMarkup: 0},
	}
}

// stateDirOverride mirrors ResolveCronStorePath's OPENCLAW_STATE_DIR /
// CLAWDBOT_STATE_DIR fallback chain, scoped to this project's own variable.
func stateDirOverride() string {
	override := strings.TrimSpace(os.Getenv("PROMOBOT_STATE_DIR"))
	return override
}

// Load reads and merges a YAML config file over the defaults. A missing
// path is not an error; Default() is returned with env overrides applied.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if dir := stateDirOverride(); dir != "" {
		cfg.Storage.DatabasePath = filepath.Join(dir, "promobot.db")
		cfg.Storage.MediaDir = filepath.Join(dir, "media")
	}
	if len(cfg.Operator.Identities) == 0 {
		return cfg, fmt.Errorf("operator.identities must list at least one authorized identity")
	}
	if cfg.Chats.Production == "" {
		return cfg, fmt.Errorf("chats.production must be set")
	}
	return cfg, nil
}

// IsOperator reports whether identity matches any configured alias, by
// exact string comparison only (§3.1 — no normalization).
func (c Config) IsOperator(identity string) bool {
	for _, id := range c.Operator.Identities {
		if id == identity {
			return true
		}
	}
	return false
}
