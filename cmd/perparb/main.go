// Command perparb is the entry point for the perp arbitrage engine. It loads
// configuration, validates it, wires dependencies, sets up signal handling,
// and starts the application in the configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/perparb/internal/app"
	"github.com/alanyoungcy/perparb/internal/config"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	rpcURL := flag.String("rpc", "", "ledger RPC endpoint (overrides config)")
	wsURL := flag.String("ws", "", "ledger websocket endpoint (overrides config)")
	keyPath := flag.String("key", "", "base58 private key or keypair file (overrides config)")
	mode := flag.String("mode", "", "trade, monitor, relay, full or list-funding (overrides config)")
	markets := flag.String("markets", "", "comma-separated pair ids to trade (overrides config)")
	dryRun := flag.Bool("dry-run", false, "simulate transactions without submitting them")
	flag.Parse()

	// Setup structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// A missing default config file is fine; flags and env can supply
	// everything.
	path := *configPath
	if _, err := os.Stat(path); err != nil && !isFlagSet("config") {
		path = ""
	}

	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	if *rpcURL != "" {
		cfg.Ledger.RPCURL = *rpcURL
	}
	if *wsURL != "" {
		cfg.Ledger.WSURL = *wsURL
	}
	if *keyPath != "" {
		cfg.Wallet.PrivateKey = *keyPath
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *markets != "" {
		cfg.Markets.Allow = config.SplitList(*markets)
	}
	if *dryRun {
		cfg.DryRun = true
	}

	// Set log level from config.
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("perparb starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", path),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			application.Close()
			os.Exit(1)
		}
	}

	logger.Info("perparb stopped")
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
