// Command quik-bars records live bars for one or more instruments into the
// Parquet bar store until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"quikbridge/internal/config"
	"quikbridge/internal/feed"
	"quikbridge/internal/instrument"
	"quikbridge/internal/quik"
	"quikbridge/internal/store"
	"quikbridge/internal/util"
)

// flushEvery bounds how long a recorded bar sits in memory only.
const flushEvery = time.Minute

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to configuration file")
		symbols    = flag.String("symbols", "", "comma-separated instruments, e.g. TQBR.GAZP,TQBR.SBER")
		interval   = flag.Int("interval", 1, "bar interval in minutes")
	)
	flag.Parse()

	if *symbols == "" {
		fmt.Fprintln(os.Stderr, "usage: quik-bars -symbols TQBR.GAZP[,TQBR.SBER] [-interval 1]")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := quik.NewClient(cfg.QUIK, logger)
	if err := client.Dial(ctx); err != nil {
		logger.Error("connecting to terminal", "error", err)
		os.Exit(1)
	}

	dir := instrument.NewDirectory(client, cfg.QUIK.FuturesClass, cfg.QUIK.BondClass, logger)
	session := util.NewSession(cfg.Session.StartHour, cfg.Session.StartMin, cfg.Session.EndHour, cfg.Session.EndMin)
	bars := store.NewParquetStore(cfg.Storage.DataDir)
	barFeed := feed.New(client, dir, session, bars, logger)

	client.SetHandlers(quik.Handlers{
		OnCandle:    func(candle quik.Candle) { barFeed.OnCandle(ctx, candle) },
		OnConnected: func() { barFeed.Resubscribe(ctx) },
	})

	for _, symbol := range strings.Split(*symbols, ",") {
		symbol = strings.TrimSpace(symbol)
		// Live recording only; history replay bypasses the store buffer.
		ch, err := barFeed.Subscribe(ctx, symbol, *interval, feed.NoHistory)
		if err != nil {
			logger.Error("subscribing", "symbol", symbol, "error", err)
			os.Exit(1)
		}
		// Recording only: drain the channel so delivery never stalls.
		go func() {
			for range ch {
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(flushEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := barFeed.Flush(ctx); err != nil {
					logger.Warn("flushing bars failed", "error", err)
				}
			}
		}
	}()

	if err := client.Run(ctx); err != nil {
		logger.Error("callback pump stopped", "error", err)
	}

	// Final flush with a fresh context: the signal context is already done.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer flushCancel()
	if err := barFeed.Flush(flushCtx); err != nil {
		logger.Error("final flush failed", "error", err)
		os.Exit(1)
	}
	logger.Info("recording stopped")
}
