package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"

	"orderpilot/internal/analytics"
	"orderpilot/internal/config"
	"orderpilot/internal/util"
	"orderpilot/pkg/orderpilot"
)

const version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: orderpilot-cli <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version              Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  init                 Create empty ledger and diagnostic log files\n")
		fmt.Fprintf(os.Stderr, "  head                 Show the most recent ledger record\n")
		fmt.Fprintf(os.Stderr, "  log                  Print the diagnostic log\n")
		fmt.Fprintf(os.Stderr, "  executions [SYMBOL]  List journaled executions\n")
		fmt.Fprintf(os.Stderr, "  atr SYMBOL           One-minute ATR over the last five minutes\n")
		fmt.Fprintf(os.Stderr, "  relvol SYMBOL        Whether today's volume leads yesterday's\n")
		fmt.Fprintf(os.Stderr, "  closes SYMBOL [N]    Last N one-minute closes (default %d)\n", analytics.DefaultCloses)
		fmt.Fprintf(os.Stderr, "  portfolio            Net holdings, cash and liquidation value\n")
		fmt.Fprintf(os.Stderr, "  clock                Whether the market is open\n")
		fmt.Fprintf(os.Stderr, "\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	if cmd == "version" {
		fmt.Printf("orderpilot-cli %s\n", version)
		return
	}

	cfg, err := config.Load(config.Path())
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = config.FromEnv(), nil
	}
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.SetDefault(util.NewLogger(cfg.Logging.Level, "text"))

	if cmd == "init" {
		if err := orderpilot.InitStorage(cfg); err != nil {
			log.Fatalf("init: %v", err)
		}
		fmt.Printf("created %s and %s\n", cfg.Storage.LedgerPath, cfg.Storage.LogPath)
		return
	}

	client, err := orderpilot.NewClient(cfg)
	if err != nil {
		log.Fatalf("creating client: %v", err)
	}
	defer client.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, client, cmd, args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *orderpilot.Client, cmd string, args []string) error {
	switch cmd {
	case "head":
		rec, ok, err := c.Ledger.PeekHead()
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("ledger is empty")
			return nil
		}
		fmt.Printf("%s %s buy=%s sell=%s qty=%d open=%v\n",
			rec.Date, rec.Symbol, price(rec.BuyPrice), price(rec.SellPrice), rec.Quantity, rec.Open())

	case "log":
		lines, err := c.Diag.Lines()
		if err != nil {
			return err
		}
		for _, l := range lines {
			fmt.Println(l)
		}

	case "executions":
		symbol := ""
		if len(args) > 0 {
			symbol = args[0]
		}
		recs, err := c.Journal.ListExecutions(ctx, symbol, 20)
		if err != nil {
			return err
		}
		for _, r := range recs {
			fmt.Printf("%s %-6s %-4s %-6s %5d %-16s filled=%d @ %s esc=%d %s\n",
				r.FinishedAt.In(util.TradingLocation()).Format(util.TimestampLayout),
				r.Symbol, r.Side, r.Style, r.Quantity, r.Status, r.FilledQty, r.AvgFillPrice,
				r.Escalations, r.BrokerOrderID)
			if r.Error != "" {
				fmt.Printf("    error: %s\n", r.Error)
			}
		}

	case "atr":
		sym, err := symbolArg(args)
		if err != nil {
			return err
		}
		atr, err := c.Analytics.ATR(ctx, sym)
		if err != nil {
			return err
		}
		fmt.Printf("%s ATR(1m) %.4f\n", sym, atr)

	case "relvol":
		sym, err := symbolArg(args)
		if err != nil {
			return err
		}
		up, err := c.Analytics.RelativeVolume(ctx, sym)
		if err != nil {
			return err
		}
		fmt.Printf("%s volume above previous session: %v\n", sym, up)

	case "closes":
		sym, err := symbolArg(args)
		if err != nil {
			return err
		}
		n := analytics.DefaultCloses
		if len(args) > 1 {
			if n, err = strconv.Atoi(args[1]); err != nil {
				return fmt.Errorf("invalid count %q", args[1])
			}
		}
		closes, err := c.Analytics.LastCloses(ctx, sym, n)
		if err != nil {
			return err
		}
		fmt.Println(sym, closes)

	case "portfolio":
		holdings, err := c.Portfolio(ctx)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(holdings))
		for k := range holdings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%-8s %s\n", k, holdings[k].String())
		}

	case "clock":
		open, err := c.Clock.IsOpen(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("market open: %v\n", open)

	default:
		flag.Usage()
		return fmt.Errorf("unknown command")
	}
	return nil
}

func symbolArg(args []string) (string, error) {
	if len(args) < 1 || args[0] == "" {
		return "", errors.New("missing SYMBOL")
	}
	return args[0], nil
}

func price(p *float64) string {
	if p == nil {
		return "-"
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}
