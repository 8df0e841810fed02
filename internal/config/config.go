// Package config loads the JSON5 configuration file and overlays
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Config is the root configuration.
type Config struct {
	Adapters AdaptersConfig `json:"adapters"`
	Dedup    DedupConfig    `json:"dedup"`
	Claims   ClaimsConfig   `json:"claims"`
	Plugins  PluginsConfig  `json:"plugins"`
	Intake   IntakeConfig   `json:"intake"`
	Tracing  TracingConfig  `json:"tracing"`
}

// AdaptersConfig enables and configures each source adapter.
type AdaptersConfig struct {
	Console  ConsoleConfig  `json:"console"`
	Device   DeviceConfig   `json:"device"`
	OneBot   OneBotConfig   `json:"onebot"`
	Discord  DiscordConfig  `json:"discord"`
	Telegram TelegramConfig `json:"telegram"`
}

type ConsoleConfig struct {
	Enabled bool `json:"enabled"`
}

type DeviceConfig struct {
	Enabled bool   `json:"enabled"`
	SelfID  string `json:"self_id"`
	Buffer  int    `json:"buffer"`
}

type OneBotConfig struct {
	Enabled     bool   `json:"enabled"`
	Mode        string `json:"mode"` // "reverse" or "forward"
	Listen      string `json:"listen"`
	Path        string `json:"path"`
	URL         string `json:"url"`
	AccessToken string `json:"access_token"`
	SelfID      string `json:"self_id"`
}

type DiscordConfig struct {
	Enabled bool     `json:"enabled"`
	Token   string   `json:"token"`
	Masters []string `json:"masters"`
}

type TelegramConfig struct {
	Enabled bool     `json:"enabled"`
	Token   string   `json:"token"`
	Masters []string `json:"masters"`
}

// DedupConfig bounds the dedup record.
type DedupConfig struct {
	Cap        int    `json:"cap"`
	MaxAge     string `json:"max_age"`     // optional, e.g. "30m"; "" = capacity only
	SweepEvery string `json:"sweep_every"` // cron expression
}

// ClaimsConfig controls the claim expiry sweep.
type ClaimsConfig struct {
	SweepEvery string `json:"sweep_every"` // cron expression
}

// PluginsConfig locates the handler pack directory.
type PluginsConfig struct {
	Dir   string `json:"dir"`
	Watch bool   `json:"watch"`
}

// IntakeConfig bounds per-adapter intake rate.
type IntakeConfig struct {
	RatePerSecond float64 `json:"rate_per_second"` // 0 = unlimited
	Burst         int     `json:"burst"`
}

// TracingConfig selects the trace exporter.
type TracingConfig struct {
	Exporter string `json:"exporter"` // "none", "otlp-grpc", "otlp-http"
	Endpoint string `json:"endpoint"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Adapters: AdaptersConfig{
			Console: ConsoleConfig{Enabled: true},
			OneBot: OneBotConfig{
				Mode:   "reverse",
				Listen: ":6700",
				Path:   "/ws",
			},
			Device: DeviceConfig{SelfID: "device", Buffer: 64},
		},
		Dedup: DedupConfig{
			Cap:        1000,
			SweepEvery: "*/5 * * * *",
		},
		Claims: ClaimsConfig{
			SweepEvery: "* * * * *",
		},
		Plugins: PluginsConfig{
			Dir:   "~/.xrkbot/handlers",
			Watch: true,
		},
		Intake: IntakeConfig{
			RatePerSecond: 30,
			Burst:         60,
		},
		Tracing: TracingConfig{Exporter: "none"},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	envStr("XRKBOT_DISCORD_TOKEN", &c.Adapters.Discord.Token)
	envStr("XRKBOT_TELEGRAM_TOKEN", &c.Adapters.Telegram.Token)
	envStr("XRKBOT_ONEBOT_TOKEN", &c.Adapters.OneBot.AccessToken)
	envStr("XRKBOT_ONEBOT_LISTEN", &c.Adapters.OneBot.Listen)
	envStr("XRKBOT_ONEBOT_URL", &c.Adapters.OneBot.URL)
	envStr("XRKBOT_HANDLERS_DIR", &c.Plugins.Dir)
	envStr("XRKBOT_TRACE_EXPORTER", &c.Tracing.Exporter)
	envStr("XRKBOT_TRACE_ENDPOINT", &c.Tracing.Endpoint)
	envBool("XRKBOT_CONSOLE_ENABLED", &c.Adapters.Console.Enabled)

	if c.Adapters.Discord.Token != "" {
		c.Adapters.Discord.Enabled = true
	}
	if c.Adapters.Telegram.Token != "" {
		c.Adapters.Telegram.Enabled = true
	}
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
