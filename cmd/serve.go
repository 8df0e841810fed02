package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/sunflowermm/xrkbot/internal/adapter"
	"github.com/sunflowermm/xrkbot/internal/adapter/console"
	"github.com/sunflowermm/xrkbot/internal/adapter/device"
	"github.com/sunflowermm/xrkbot/internal/adapter/discord"
	"github.com/sunflowermm/xrkbot/internal/adapter/onebot"
	"github.com/sunflowermm/xrkbot/internal/adapter/telegram"
	"github.com/sunflowermm/xrkbot/internal/claims"
	"github.com/sunflowermm/xrkbot/internal/config"
	"github.com/sunflowermm/xrkbot/internal/dedup"
	"github.com/sunflowermm/xrkbot/internal/dispatch"
	"github.com/sunflowermm/xrkbot/internal/maintenance"
	"github.com/sunflowermm/xrkbot/internal/plugins"
	"github.com/sunflowermm/xrkbot/internal/scheduler"
	"github.com/sunflowermm/xrkbot/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the routing core",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing (no-op unless an exporter is configured)
	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Exporter: cfg.Tracing.Exporter,
		Endpoint: cfg.Tracing.Endpoint,
	})
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	}

	// Core registries, injected into the engine rather than ambient globals
	registry := scheduler.NewRegistry()
	dedupSet := dedup.NewSet(cfg.Dedup.Cap)
	claimMgr := claims.NewManager()
	engine := dispatch.New(registry, dedupSet, claimMgr)

	// Handler packs + hot reload
	packDir := config.ExpandHome(cfg.Plugins.Dir)
	loader := plugins.NewLoader(packDir, registry)
	if err := loader.LoadAll(); err != nil {
		slog.Warn("handler pack load failed", "dir", packDir, "error", err)
	}
	slog.Info("handler packs loaded", "dir", packDir, "handlers", registry.Len())
	if cfg.Plugins.Watch {
		if err := loader.Watch(ctx); err != nil {
			slog.Warn("handler pack watcher unavailable", "error", err)
		}
	}

	// Source adapters
	adapterMgr := adapter.NewManager()
	if cfg.Adapters.Console.Enabled {
		adapterMgr.Register(console.New(engine))
	}
	if cfg.Adapters.Device.Enabled {
		adapterMgr.Register(device.New(engine, cfg.Adapters.Device.SelfID, cfg.Adapters.Device.Buffer))
	}
	if cfg.Adapters.OneBot.Enabled {
		adapterMgr.Register(onebot.New(onebot.Config{
			Mode:        onebot.Mode(cfg.Adapters.OneBot.Mode),
			Listen:      cfg.Adapters.OneBot.Listen,
			Path:        cfg.Adapters.OneBot.Path,
			URL:         cfg.Adapters.OneBot.URL,
			AccessToken: cfg.Adapters.OneBot.AccessToken,
			SelfID:      cfg.Adapters.OneBot.SelfID,
		}, engine, newLimiter(cfg)))
	}
	if cfg.Adapters.Discord.Enabled {
		dc, err := discord.New(discord.Config{
			Token:   cfg.Adapters.Discord.Token,
			Masters: cfg.Adapters.Discord.Masters,
		}, engine, newLimiter(cfg))
		if err != nil {
			slog.Error("discord adapter unavailable", "error", err)
		} else {
			adapterMgr.Register(dc)
		}
	}
	if cfg.Adapters.Telegram.Enabled {
		tg, err := telegram.New(telegram.Config{
			Token:   cfg.Adapters.Telegram.Token,
			Masters: cfg.Adapters.Telegram.Masters,
		}, engine, newLimiter(cfg))
		if err != nil {
			slog.Error("telegram adapter unavailable", "error", err)
		} else {
			adapterMgr.Register(tg)
		}
	}

	if err := adapterMgr.StartAll(ctx); err != nil {
		slog.Error("adapter startup errors", "error", err)
	}

	// Maintenance sweeps: one goroutine for claim expiry + dedup aging
	jobs := []maintenance.Job{{
		Name:     "claims",
		Schedule: cfg.Claims.SweepEvery,
		Run: func(ctx context.Context) {
			if n := claimMgr.Sweep(ctx); n > 0 {
				slog.Debug("expired claims swept", "count", n)
			}
		},
	}}
	if maxAge, err := time.ParseDuration(cfg.Dedup.MaxAge); err == nil && maxAge > 0 {
		jobs = append(jobs, maintenance.Job{
			Name:     "dedup",
			Schedule: cfg.Dedup.SweepEvery,
			Run: func(context.Context) {
				if n := dedupSet.EvictOlderThan(maxAge); n > 0 {
					slog.Debug("aged dedup entries evicted", "count", n)
				}
			},
		})
	}
	sweeper, err := maintenance.NewSweeper(jobs)
	if err != nil {
		slog.Error("invalid sweep schedule", "error", err)
		os.Exit(1)
	}
	sweeper.Start(ctx)

	slog.Info("xrkbot running",
		"version", Version,
		"adapters", adapterMgr.Names(),
		"handlers", registry.Len(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("graceful shutdown initiated", "signal", sig.String())

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	adapterMgr.StopAll(shutdownCtx)
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}
	slog.Info("shutdown complete")
}

func newLimiter(cfg *config.Config) *rate.Limiter {
	if cfg.Intake.RatePerSecond <= 0 {
		return nil
	}
	burst := cfg.Intake.Burst
	if burst <= 0 {
		burst = int(cfg.Intake.RatePerSecond)
	}
	return rate.NewLimiter(rate.Limit(cfg.Intake.RatePerSecond), burst)
}
