// Binary paper runs the engine against an in-memory exchange, for testing
// strategy and sizing without credentials or live funds.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"

	"momentumbot/internal/config"
	"momentumbot/internal/engine"
	"momentumbot/internal/exchange"
	"momentumbot/internal/metrics"
	"momentumbot/internal/util"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to the YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback := util.NewLogger("info", "")
		fallback.Fatal().Err(err).Msg("load config")
	}
	log := util.NewLogger(cfg.App.LogLevel, cfg.App.LogFile)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	// A paper run must never mix its snapshot with the live one.
	cfg.App.StatePath = ""

	if cfg.App.MetricsAddr != "" {
		_ = metrics.Serve(cfg.App.MetricsAddr)
		log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	gw := exchange.NewPaper(cfg.Paper, cfg.Exchange.Asset, cfg.Risk.MakerFeeRate)
	eng, err := engine.New(cfg, gw, log)
	if err != nil {
		log.Fatal().Err(err).Msg("engine")
	}

	log.Info().Str("pair", cfg.Exchange.Asset).Float64("start_price", cfg.Paper.StartPrice).Msg("paper engine started")
	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("engine halted")
	}
	log.Info().Msg("paper engine stopped")
}
