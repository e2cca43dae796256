package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"spreadbot/internal/domain"
	"spreadbot/pkg/spreadbot"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: spread-cli [-addr URL] <command> [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version                        Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  status                         Show health, halt state and PnL\n")
	fmt.Fprintf(os.Stderr, "  positions [-open]              List tracked positions\n")
	fmt.Fprintf(os.Stderr, "  orders [-ticker T] [-active]   List managed orders\n")
	fmt.Fprintf(os.Stderr, "  trades [-limit N]              List journaled trades\n")
	fmt.Fprintf(os.Stderr, "  stops                          List positions past their stop loss\n")
	fmt.Fprintf(os.Stderr, "  trade TICKER SIDE BID ASK      Execute one spread round trip\n")
	fmt.Fprintf(os.Stderr, "  mark TICKER PRICE              Set the current price of a position\n")
	fmt.Fprintf(os.Stderr, "  cancel [TICKER]                Cancel resting orders\n")
	fmt.Fprintf(os.Stderr, "  sync                           Reconcile positions with the exchange\n")
	fmt.Fprintf(os.Stderr, "  halt [REASON]                  Stop new entries\n")
	fmt.Fprintf(os.Stderr, "  resume                         Clear a manual halt\n")
	fmt.Fprintf(os.Stderr, "  reset-daily                    Clear daily PnL and any halt\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	addr := flag.String("addr", envOr("SPREADBOT_ADDR", "http://127.0.0.1:8080"), "spread-trader API base URL")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := spreadbot.NewClient(*addr)

	if err := runCommand(ctx, c, flag.Arg(0), flag.Args()[1:]); err != nil {
		var apiErr *spreadbot.APIError
		if errors.As(err, &apiErr) {
			fmt.Fprintf(os.Stderr, "error (%d): %s\n", apiErr.StatusCode, apiErr.Message)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func runCommand(ctx context.Context, c *spreadbot.Client, cmd string, args []string) error {
	switch cmd {
	case "version":
		fmt.Printf("spread-cli %s\n", version)
		return nil

	case "status":
		h, err := c.Health(ctx)
		if err != nil {
			return err
		}
		risk, err := c.Risk(ctx)
		if err != nil {
			return err
		}
		pnl, err := c.PnL(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("status:     %s\n", h.Status)
		if risk.Halt.Active {
			fmt.Printf("halted:     %s (%s since %s)\n", risk.Halt.Reason, risk.Halt.Origin,
				risk.Halt.Since.Format(time.RFC3339))
		} else {
			fmt.Printf("halted:     no\n")
		}
		fmt.Printf("positions:  %d open (max %d)\n", risk.OpenPositions, risk.Limits.MaxConcurrentPositions)
		fmt.Printf("pnl:        realized %s  unrealized %s  total %s\n",
			domain.FormatCents(pnl.Realized), domain.FormatCents(pnl.Unrealized), domain.FormatCents(pnl.Total))
		fmt.Printf("daily pnl:  %s\n", domain.FormatCents(pnl.Daily))
		return nil

	case "positions":
		fs := flag.NewFlagSet("positions", flag.ExitOnError)
		open := fs.Bool("open", false, "only open positions")
		fs.Parse(args)
		ps, err := c.Positions(ctx, *open)
		if err != nil {
			return err
		}
		fmt.Printf("%-28s %-4s %6s %6s %6s %10s %10s %s\n", "TICKER", "SIDE", "QTY", "ENTRY", "MARK", "REALIZED", "UNREAL", "STATUS")
		for _, p := range ps {
			fmt.Printf("%-28s %-4s %6d %6d %6d %10s %10s %s\n", p.Ticker, p.Side, p.Quantity, p.AvgEntryPrice,
				p.CurrentPrice, domain.FormatCents(p.RealizedPnL), domain.FormatCents(p.UnrealizedPnL), p.Status)
		}
		return nil

	case "orders":
		fs := flag.NewFlagSet("orders", flag.ExitOnError)
		ticker := fs.String("ticker", "", "filter by ticker")
		active := fs.Bool("active", false, "only resting orders")
		fs.Parse(args)
		orders, err := c.Orders(ctx, *ticker, *active)
		if err != nil {
			return err
		}
		for _, o := range orders {
			fmt.Printf("%s  %-28s %-4s %-4s %3d¢  %d/%d  %s\n", o.ID, o.Ticker, o.Action, o.Side, o.Price,
				o.Filled, o.Count, o.Status)
		}
		return nil

	case "trades":
		fs := flag.NewFlagSet("trades", flag.ExitOnError)
		limit := fs.Int("limit", 20, "maximum trades to list")
		fs.Parse(args)
		ts, err := c.Trades(ctx, *limit)
		if err != nil {
			return err
		}
		for _, t := range ts {
			outcome := "ok"
			if !t.Success {
				outcome = t.ErrorMessage
			}
			fmt.Printf("%s  %-28s qty %-4d %d->%d  net %s  %s\n", t.StartedAt.Format(time.DateTime), t.Ticker,
				t.QuantityFilled, t.EntryPrice, t.ExitPrice, domain.FormatCents(t.NetPnL), outcome)
		}
		return nil

	case "stops":
		ss, err := c.StopLosses(ctx)
		if err != nil {
			return err
		}
		for _, s := range ss {
			fmt.Printf("%-28s %s\n", s.Ticker, s.Reason)
		}
		return nil

	case "trade":
		if len(args) != 4 {
			return errors.New("usage: trade TICKER SIDE BID ASK")
		}
		bid, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("bid: %w", err)
		}
		ask, err := strconv.ParseInt(args[3], 10, 64)
		if err != nil {
			return fmt.Errorf("ask: %w", err)
		}
		res, err := c.ExecuteTrade(ctx, spreadbot.Opportunity{
			Ticker:      args[0],
			Side:        domain.Side(args[1]),
			BidPrice:    bid,
			AskPrice:    ask,
			SpreadCents: ask - bid,
		})
		if err != nil {
			return err
		}
		return printJSON(res)

	case "mark":
		if len(args) != 2 {
			return errors.New("usage: mark TICKER PRICE")
		}
		price, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("price: %w", err)
		}
		return c.Mark(ctx, args[0], price)

	case "cancel":
		ticker := ""
		if len(args) > 0 {
			ticker = args[0]
		}
		n, err := c.CancelAll(ctx, ticker)
		if err != nil {
			return err
		}
		fmt.Printf("cancelled %d orders\n", n)
		return nil

	case "sync":
		res, err := c.Sync(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d open positions\n", res.OpenPositions)
		return nil

	case "halt":
		reason := ""
		if len(args) > 0 {
			reason = args[0]
		}
		res, err := c.Halt(ctx, reason)
		if err != nil {
			return err
		}
		return printJSON(res.Halt)

	case "resume":
		res, err := c.Resume(ctx)
		if err != nil {
			return err
		}
		return printJSON(res.Halt)

	case "reset-daily":
		res, err := c.ResetDaily(ctx)
		if err != nil {
			return err
		}
		return printJSON(res)

	default:
		usage()
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
