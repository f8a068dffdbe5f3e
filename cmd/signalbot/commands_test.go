package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/config"
	"github.com/web3guy0/signalbot/strategy"
)

func TestFlagValues(t *testing.T) {
	var params paramList
	fee := decimal.Zero

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Var(&params, "param", "")
	fs.Var(decimalValue{&fee}, "fees", "")

	ok, err := parseFlags(fs, []string{"-param", "sma_short=3", "-param", "sma_long=8", "-fees", "12.5"})
	if !ok || err != nil {
		t.Fatalf("parse: ok=%v err=%v", ok, err)
	}
	if len(params) != 2 || params[1] != "sma_long=8" {
		t.Fatalf("params = %v", params)
	}
	if !fee.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("fees = %s", fee)
	}

	if err := fs.Parse([]string{"-fees", "abc"}); err == nil {
		t.Fatal("expected decimal parse error")
	}
}

func TestParseFlagsHelp(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	ok, err := parseFlags(fs, []string{"-h"})
	if ok || err != nil {
		t.Fatalf("help should stop without error, got ok=%v err=%v", ok, err)
	}
}

func TestOutputsIn(t *testing.T) {
	if out := outputsIn(""); out.EquityCSV != "" || out.ChartSVG != "" {
		t.Fatalf("empty dir should disable artifacts: %+v", out)
	}
	out := outputsIn("results")
	if out.StatsJSON != filepath.Join("results", "stats.json") || out.TradesCSV != filepath.Join("results", "trades.csv") {
		t.Fatalf("outputs = %+v", out)
	}
}

func TestFormatParams(t *testing.T) {
	got := formatParams(strategy.Params{"sma_long": 20, "sma_short": 5})
	if got != "sma_long=20 sma_short=5" {
		t.Fatalf("got %q", got)
	}
}

func TestRunTuneWritesResults(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	dir := t.TempDir()
	var sb strings.Builder
	sb.WriteString("timestamp,open,high,low,close,volume\n")
	for i := 0; i < 60; i++ {
		px := 100 + (i%9)*3 - (i%4)*2
		fmt.Fprintf(&sb, "%d,%d,%d,%d,%d,1\n", 1704067200+i*3600, px, px+1, px-1, px)
	}
	src := filepath.Join(dir, "candles.csv")
	if err := os.WriteFile(src, []byte(sb.String()), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	out := filepath.Join(dir, "tune")
	args := []string{"-csv", src, "-strategy", "sma", "-grid", "sma_short=2,3", "-grid", "sma_long=5,8",
		"-split", "0.6", "-metric", "net_pnl", "-out", out}
	if err := runTune(context.Background(), cfg, args); err != nil {
		t.Fatalf("tune: %v", err)
	}
	for _, name := range []string{"optimization.csv", "best_params.json"} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}

	if err := runTune(context.Background(), cfg, []string{"-csv", src, "-metric", "sortino"}); err == nil {
		t.Fatal("expected error for unknown metric")
	}
}
