// Command quik-trader runs one strategy live against a QUIK terminal: it
// connects the two bridge sockets, preloads account positions, subscribes to
// bars, and drives the strategy from the bar stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"quikbridge/internal/broker"
	"quikbridge/internal/config"
	"quikbridge/internal/engine"
	"quikbridge/internal/feed"
	"quikbridge/internal/instrument"
	"quikbridge/internal/ledger"
	"quikbridge/internal/quik"
	"quikbridge/internal/store"
	"quikbridge/internal/strategy"
	"quikbridge/internal/strategy/builtins"
	"quikbridge/internal/util"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to configuration file")
		symbol     = flag.String("symbol", "", "instrument to trade, e.g. TQBR.GAZP")
		interval   = flag.Int("interval", 1, "bar interval in minutes")
		stratName  = flag.String("strategy", "limit-cancel", "strategy to run")
		size       = flag.Int("size", 0, "order size in shares (0 = one lot)")
		history    = flag.Int("history", 300, "bars of history to replay before live data (0 = all, -1 = none)")
	)
	flag.Parse()

	if *symbol == "" {
		fmt.Fprintln(os.Stderr, "usage: quik-trader -symbol TQBR.GAZP [-strategy limit-cancel]")
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

	journal, err := store.NewSQLiteJournal(cfg.Storage.SQLitePath)
	if err != nil {
		logger.Error("opening journal", "error", err)
		os.Exit(1)
	}
	defer journal.Close()
	logger.Info("journal session", "id", journal.Session())

	dir := instrument.NewDirectory(client, cfg.QUIK.FuturesClass, cfg.QUIK.BondClass, logger)
	ldg := ledger.New()
	eng := engine.New(client, dir, ldg, engine.Options{
		Account:   cfg.Account,
		Replies:   cfg.Replies,
		StopSteps: cfg.QUIK.StopSteps,
		Logger:    logger,
		Journal:   journal,
	})
	brk := broker.NewQUIK(eng, client, dir, ldg, cfg.Account, logger)

	session := util.NewSession(cfg.Session.StartHour, cfg.Session.StartMin, cfg.Session.EndHour, cfg.Session.EndMin)
	barFeed := feed.New(client, dir, session, nil, logger)

	client.SetHandlers(quik.Handlers{
		OnTransReply: func(ack quik.AckEvent) { eng.OnTransReply(ctx, ack) },
		OnTrade:      func(fill quik.FillEvent) { eng.OnTrade(ctx, fill) },
		OnOrder:      func(ev quik.OrderEvent) { eng.OnOrder(ctx, ev) },
		OnCandle:     func(candle quik.Candle) { barFeed.OnCandle(ctx, candle) },
		OnConnected:  func() { barFeed.Resubscribe(ctx) },
	})

	if err := brk.Start(ctx); err != nil {
		logger.Error("preloading positions", "error", err)
		os.Exit(1)
	}

	orderSize := *size
	if orderSize == 0 {
		inst, err := dir.Resolve(ctx, *symbol)
		if err != nil {
			logger.Error("resolving symbol", "symbol", *symbol, "error", err)
			os.Exit(1)
		}
		orderSize = inst.LotSize
	}

	strat, err := buildStrategy(*stratName, *symbol, orderSize, logger)
	if err != nil {
		logger.Error("selecting strategy", "error", err)
		os.Exit(1)
	}

	bars, err := barFeed.Subscribe(ctx, *symbol, *interval, *history)
	if err != nil {
		logger.Error("subscribing", "symbol", *symbol, "error", err)
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.Run(ctx)
	})
	g.Go(func() error {
		err := strategy.NewRunner(strat, brk, logger).Run(ctx, bars)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("trader stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("trader stopped")
}

func buildStrategy(name, symbol string, size int, logger *slog.Logger) (strategy.Strategy, error) {
	switch name {
	case "limit-cancel":
		return builtins.NewLimitCancel(symbol, size, 0.5, 5, logger), nil
	case "sma-cross":
		return builtins.NewSMACross(symbol, size, 10, 30, logger), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}
