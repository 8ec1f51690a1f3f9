// Binary trader runs the live trading engine against OKX.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"momentumbot/internal/config"
	"momentumbot/internal/engine"
	"momentumbot/internal/exchange"
	"momentumbot/internal/metrics"
	"momentumbot/internal/util"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to the YAML config")
	flag.Parse()

	// Credentials live in the environment; .env is a convenience, not a requirement.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback := util.NewLogger("info", "")
		fallback.Fatal().Err(err).Msg("load config")
	}
	log := util.NewLogger(cfg.App.LogLevel, cfg.App.LogFile)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	if cfg.App.MetricsAddr != "" {
		_ = metrics.Serve(cfg.App.MetricsAddr)
		log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	gw, err := exchange.NewOKX(cfg.Exchange, log)
	if err != nil {
		log.Fatal().Err(err).Msg("exchange gateway")
	}

	eng, err := engine.New(cfg, gw, log)
	if err != nil {
		log.Fatal().Err(err).Msg("engine")
	}

	log.Info().Str("pair", cfg.Exchange.Asset).Bool("testnet", cfg.Exchange.Testnet).Msg("trader started")
	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("engine halted")
	}
	log.Info().Msg("trader stopped")
}
