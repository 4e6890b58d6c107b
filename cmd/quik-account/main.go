// Command quik-account prints a one-shot snapshot of the trading account:
// free funds, position value, and current holdings.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"quikbridge/internal/broker"
	"quikbridge/internal/config"
	"quikbridge/internal/engine"
	"quikbridge/internal/instrument"
	"quikbridge/internal/ledger"
	"quikbridge/internal/quik"
	"quikbridge/internal/util"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := quik.NewClient(cfg.QUIK, logger)
	if err := client.Dial(ctx); err != nil {
		logger.Error("connecting to terminal", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	dir := instrument.NewDirectory(client, cfg.QUIK.FuturesClass, cfg.QUIK.BondClass, logger)
	ldg := ledger.New()
	eng := engine.New(client, dir, ldg, engine.Options{
		Account:   cfg.Account,
		Replies:   cfg.Replies,
		StopSteps: cfg.QUIK.StopSteps,
		Logger:    logger,
	})
	brk := broker.NewQUIK(eng, client, dir, ldg, cfg.Account, logger)

	if err := brk.Start(ctx); err != nil {
		logger.Error("preloading positions", "error", err)
		os.Exit(1)
	}

	info, err := brk.Account(ctx)
	if err != nil {
		logger.Error("querying account", "error", err)
		os.Exit(1)
	}

	fmt.Printf("cash:   %12.2f\n", info.Cash)
	fmt.Printf("value:  %12.2f\n", info.Value)
	fmt.Printf("equity: %12.2f\n", info.Equity())

	positions := brk.Positions()
	if len(positions) == 0 {
		fmt.Println("no open positions")
		return
	}
	fmt.Println("positions:")
	for _, pos := range positions {
		fmt.Printf("  %-16s %8d @ %.4f\n", pos.Symbol, pos.Size, pos.Price)
	}
}
