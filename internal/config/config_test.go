package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Adapters.Console.Enabled {
		t.Error("console not enabled by default")
	}
	if cfg.Adapters.OneBot.Mode != "reverse" || cfg.Adapters.OneBot.Listen != ":6700" {
		t.Errorf("onebot defaults = %+v", cfg.Adapters.OneBot)
	}
	if cfg.Dedup.Cap != 1000 {
		t.Errorf("dedup cap = %d", cfg.Dedup.Cap)
	}
	if cfg.Claims.SweepEvery != "* * * * *" {
		t.Errorf("claims sweep = %q", cfg.Claims.SweepEvery)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	body := `{
	// local overrides
	adapters: {
		console: {enabled: false},
		onebot: {enabled: true, mode: "forward", url: "ws://127.0.0.1:8080"},
	},
	dedup: {cap: 50},
}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Adapters.Console.Enabled {
		t.Error("console still enabled")
	}
	if cfg.Adapters.OneBot.Mode != "forward" || cfg.Adapters.OneBot.URL != "ws://127.0.0.1:8080" {
		t.Errorf("onebot = %+v", cfg.Adapters.OneBot)
	}
	if cfg.Dedup.Cap != 50 {
		t.Errorf("dedup cap = %d", cfg.Dedup.Cap)
	}
	// Untouched sections keep their defaults.
	if cfg.Plugins.Dir != "~/.xrkbot/handlers" {
		t.Errorf("plugins dir = %q", cfg.Plugins.Dir)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte("{adapters: "), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed config accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("XRKBOT_TELEGRAM_TOKEN", "tg-secret")
	t.Setenv("XRKBOT_ONEBOT_LISTEN", ":7700")
	t.Setenv("XRKBOT_CONSOLE_ENABLED", "false")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Adapters.Telegram.Token != "tg-secret" {
		t.Errorf("telegram token = %q", cfg.Adapters.Telegram.Token)
	}
	// A token from the environment enables the adapter.
	if !cfg.Adapters.Telegram.Enabled {
		t.Error("telegram not auto-enabled by token")
	}
	if cfg.Adapters.OneBot.Listen != ":7700" {
		t.Errorf("onebot listen = %q", cfg.Adapters.OneBot.Listen)
	}
	if cfg.Adapters.Console.Enabled {
		t.Error("console enabled despite env override")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := ExpandHome("~/.xrkbot/handlers"); got != filepath.Join(home, ".xrkbot/handlers") {
		t.Errorf("expand = %q", got)
	}
	if got := ExpandHome("/etc/xrkbot"); got != "/etc/xrkbot" {
		t.Errorf("absolute path rewritten: %q", got)
	}
}
