// Binary watch tails the public ticker stream and logs the momentum signal
// for each update. It trades nothing; it exists to eyeball thresholds
// before letting the engine loose.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"

	"momentumbot/internal/config"
	"momentumbot/internal/exchange"
	"momentumbot/internal/market"
	"momentumbot/internal/metrics"
	"momentumbot/internal/momentum"
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
	log := util.NewLogger(cfg.App.LogLevel, "")

	wsURL := cfg.Exchange.WebsocketBaseURL
	if wsURL == "" {
		wsURL = "wss://ws.okx.com:8443/ws/v5/public"
	}

	if cfg.App.MetricsAddr != "" {
		_ = metrics.Serve(cfg.App.MetricsAddr)
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	filter := momentum.New(
		cfg.Momentum.WindowSize,
		cfg.Momentum.MinSamples,
		cfg.Momentum.ScoreThreshold,
		cfg.Momentum.VolCeiling,
		nil,
		nil,
	)

	stream := exchange.NewStream(wsURL, cfg.Exchange.Asset, log)
	samples := make(chan market.Sample, 256)
	go func() {
		if err := stream.Run(ctx, samples); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("stream stopped")
		}
		cancel()
	}()

	log.Info().Str("pair", cfg.Exchange.Asset).Str("url", wsURL).Msg("watching")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("watch stopped")
			return
		case s := <-samples:
			sig := filter.Observe(s)
			evt := log.Info()
			if sig.Extreme {
				evt = log.Warn()
				metrics.SignalsExtreme.Inc()
			}
			evt.Float64("mid", s.Mid).Float64("score", sig.Score).Bool("extreme", sig.Extreme).Msg("tick")
		}
	}
}
