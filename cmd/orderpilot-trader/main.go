// Executes one order and records it in the trade ledger.
//
// Usage:
//
//	orderpilot-trader -symbol AAPL -side buy -qty 100 [-limit 187.50] [-wait 5m] [-slippage 0.002]
//
// A buy opens a ledger record; a sell closes the ledger head. Without -limit
// the order is sent at market.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"orderpilot/internal/config"
	"orderpilot/internal/domain"
	"orderpilot/internal/util"
	"orderpilot/pkg/orderpilot"
)

func main() {
	symbol := flag.String("symbol", "", "ticker symbol")
	side := flag.String("side", "buy", "buy or sell")
	qty := flag.Int64("qty", 0, "share quantity")
	limit := flag.String("limit", "", "limit price bound; empty sends a market order")
	wait := flag.Duration("wait", 0, "override execution.max_wait")
	slippage := flag.Float64("slippage", -1, "override execution.slippage")
	requireOpen := flag.Bool("require-open", true, "refuse to trade while the market is closed")
	flag.Parse()

	cfg, err := config.Load(config.Path())
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = config.FromEnv(), nil
	}
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *wait > 0 {
		cfg.Execution.MaxWait = *wait
	}
	if *slippage >= 0 {
		cfg.Execution.Slippage = *slippage
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	var limitPrice *decimal.Decimal
	if *limit != "" {
		p, err := decimal.NewFromString(*limit)
		if err != nil {
			log.Fatalf("invalid -limit %q: %v", *limit, err)
		}
		limitPrice = &p
	}

	reg := prometheus.NewRegistry()
	client, err := orderpilot.NewClient(cfg, orderpilot.WithRegisterer(reg), orderpilot.WithLogger(logger))
	if err != nil {
		log.Fatalf("creating client: %v", err)
	}
	defer client.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, reg, logger)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if *requireOpen {
		open, err := client.Clock.IsOpen(ctx)
		if err != nil {
			log.Fatalf("checking market clock: %v", err)
		}
		if !open {
			logger.Info("market closed, not trading", "symbol", *symbol)
			return
		}
	}

	var out domain.OrderOutcome
	switch domain.Side(strings.ToLower(*side)) {
	case domain.SideBuy:
		out, err = client.Buy(ctx, *symbol, *qty, limitPrice)
	case domain.SideSell:
		out, err = client.Sell(ctx, *symbol, *qty, limitPrice)
	default:
		log.Fatalf("invalid -side %q", *side)
	}
	if err != nil {
		logger.Error("execution failed",
			"symbol", *symbol,
			"orderID", domain.LastOrderID(err),
			"err", err,
		)
		os.Exit(1)
	}

	fmt.Printf("%s %s: %s %d @ %s (order %s, escalations %d)\n",
		out.Side, out.Symbol, out.Status, out.TotalFilledQty, out.TotalAvgFillPrice.StringFixed(2),
		out.BrokerOrderID, out.Escalations)
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return srv
}
