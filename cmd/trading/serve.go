package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kisa134/trading/internal/analytics"
	"github.com/kisa134/trading/internal/broker"
	"github.com/kisa134/trading/internal/config"
	"github.com/kisa134/trading/internal/exchange"
	"github.com/kisa134/trading/internal/exchange/binance"
	"github.com/kisa134/trading/internal/exchange/bybit"
	"github.com/kisa134/trading/internal/exchange/okx"
	"github.com/kisa134/trading/internal/gateway"
	"github.com/kisa134/trading/internal/hotstore"
	"github.com/kisa134/trading/internal/ingest"
	"github.com/kisa134/trading/internal/supervisor"
)

const shutdownGrace = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run ingestors, hot store, analytics and gateway in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runServe(); err != nil {
			var cfgErr *config.ConfigurationError
			if errors.As(err, &cfgErr) {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(2)
			}
			return err
		}
		return nil
	},
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	brk, err := broker.NewRedis(ctx, cfg.BrokerURL, log)
	if err != nil {
		return &config.ConfigurationError{Msg: fmt.Sprintf("broker: %v", err)}
	}
	defer brk.Close()

	adapters := map[string]exchange.Adapter{
		bybit.Name:   bybit.New(log, cfg.TickSizes),
		binance.Name: binance.New(log, cfg.TickSizes),
		okx.Name:     okx.New(log, cfg.TickSizes),
	}

	sup := supervisor.New(log)
	var hotInstruments []hotstore.Instrument
	var anaInstruments []analytics.Instrument
	heatmapBins := map[analytics.Instrument]float64{}

	for venue, symbols := range cfg.Symbols {
		adapter, ok := adapters[venue]
		if !ok {
			return &config.ConfigurationError{Msg: fmt.Sprintf("unknown venue %q", venue)}
		}
		for _, sym := range symbols {
			// Tasks start only inside sup.Run, after every ingestor exists,
			// so registering the closure before construction is safe.
			var ing *ingest.Ingestor
			hb := sup.Register(fmt.Sprintf("ingest:%s:%s", venue, sym), func(ctx context.Context) error {
				return ing.Run(ctx)
			})
			ing = ingest.New(adapter, brk, sym, ingest.Config{}, log, hb)

			hotInstruments = append(hotInstruments, hotstore.Instrument{Exchange: venue, Symbol: sym})
			in := analytics.Instrument{Exchange: venue, Symbol: sym}
			anaInstruments = append(anaInstruments, in)
			heatmapBins[in] = adapter.TickSize(sym) * cfg.HeatmapBinMult
		}
	}
	if len(hotInstruments) == 0 {
		return &config.ConfigurationError{Msg: "no symbols configured (set SYMBOLS_BYBIT/BINANCE/OKX or SYMBOLS_FILE)"}
	}

	var hot *hotstore.Store
	hotHB := sup.Register("hotstore", func(ctx context.Context) error {
		return hot.Run(ctx)
	})
	hot = hotstore.New(brk, hotInstruments, 0, log, hotHB)

	workers := []analytics.Worker{
		analytics.NewTape(brk, anaInstruments, log).Worker(),
		analytics.NewHeatmap(brk, heatmapBins, log).Worker(),
		analytics.NewFootprint(brk, anaInstruments, cfg.FootprintBarMS, log).Worker(),
		analytics.NewIceberg(brk, anaInstruments, analytics.IcebergConfig{K: cfg.IcebergK, R: cfg.IcebergR}, log).Worker(),
		analytics.NewWallSpoof(brk, anaInstruments, analytics.WallSpoofConfig{X: cfg.WallX, T1: cfg.WallT1, T2: cfg.SpoofT2}, log).Worker(),
		analytics.NewTrend(brk, anaInstruments, analytics.TrendConfig{}, log).Worker(),
	}
	for _, w := range workers {
		w := w
		var hb func()
		hb = sup.Register("worker:"+w.Name, func(ctx context.Context) error {
			return analytics.Run(ctx, brk, w, log, hb)
		})
	}

	gw := gateway.New(brk, hot, sup.Snapshot, log)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: gw.Router(),
	}
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("gateway server failed")
			stop()
		}
	}()

	log.Info().Int("instruments", len(hotInstruments)).Msg("starting")
	sup.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("gateway shutdown")
	}
	log.Info().Msg("stopped")
	return nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log := zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
	if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return log
}
