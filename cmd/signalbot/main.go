// Signalbot - Crypto trading-signal generator and backtester
//
// Subcommands:
//
//	backtest    replay a strategy over CSV (or freshly fetched) candles
//	tune        grid-search strategy parameters, optionally with a train/validation split
//	live        paper-trade the configured symbols until interrupted
//	signals     fetch candles and print the strategy's signals
//	history     show logged signals and stored backtest runs
//	strategies  list registered strategies and their defaults
//
// Configuration comes from the environment / .env (see internal/config);
// flags override it per run.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/signalbot/internal/config"
)

const version = "1.0.0"

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		usage()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setLogLevel(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "backtest":
		err = runBacktest(ctx, cfg, args)
	case "tune":
		err = runTune(ctx, cfg, args)
	case "live":
		err = runLive(ctx, cfg, args)
	case "signals":
		err = runSignals(ctx, cfg, args)
	case "history":
		err = runHistory(ctx, cfg, args)
	case "strategies":
		err = runStrategies(cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("Command failed")
	}
}

func setLogLevel(cfg *config.Config) {
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("level", cfg.LogLevel).Msg("Unknown LOG_LEVEL, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func usage() {
	fmt.Fprintf(os.Stderr, `signalbot %s

Usage:
  signalbot backtest   [-csv file] [-strategy name] [-param k=v ...] [-out dir] [-save] [-notify]
  signalbot tune       [-csv file] [-strategy name] [-grid k=v1,v2 ...] [-split 0.7] [-metric sharpe|net_pnl] [-out dir]
  signalbot live       [-strategy name] [-param k=v ...] [-dashboard]
  signalbot signals    [-symbol BTC/USDT] [-strategy name] [-param k=v ...] [-log]
  signalbot history    [-symbol BTCUSDT] [-strategy name] [-limit n] [-runs]
  signalbot strategies

Run "signalbot <command> -h" for command flags.
`, version)
}
