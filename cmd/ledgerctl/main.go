// Command ledgerctl runs ledger jobs by hand: the no-show sweep, grants and
// the revenue report. Output is JSON on stdout.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukerupert/joyledger/internal/config"
	"github.com/dukerupert/joyledger/internal/database"
	"github.com/dukerupert/joyledger/internal/grant"
	"github.com/dukerupert/joyledger/internal/ledger"
	"github.com/dukerupert/joyledger/internal/logging"
	"github.com/dukerupert/joyledger/internal/reservation"
	"github.com/dukerupert/joyledger/internal/revenue"
	"github.com/dukerupert/joyledger/internal/sweeper"
)

const usage = `usage: ledgerctl <command> [flags]

commands:
  sweep         forfeit no-shows past the grace period
  grant         reset one member's balance (-member, -amount)
  grant-batch   apply the monthly grant to every member (-amount)
  report        revenue report (-start, -end, -pricing)
`

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, closer := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "ledgerctl:", err)
		closer.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command\n%s", usage)
	}
	cmd, args := args[0], args[1:]

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	member := fs.Int64("member", 0, "member id")
	amount := fs.Int64("amount", cfg.GrantAmount, "grant amount")
	at := fs.String("now", "", "sweep as of this RFC 3339 time (default: now)")
	start := fs.String("start", "", "report period start (YYYY-MM-DD or RFC 3339)")
	end := fs.String("end", "", "report period end, exclusive")
	pricingFile := fs.String("pricing", cfg.PricingFile, "pricing YAML file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	sys := ledger.SystemPrincipal()
	manager := reservation.NewManager(db, reservation.WithLogger(logger), reservation.WithGracePeriod(cfg.NoShowGrace))
	grants := grant.NewScheduler(db, grant.WithLogger(logger))

	var result any
	switch cmd {
	case "sweep":
		now := time.Now().UTC()
		if *at != "" {
			asOf, err := time.Parse(time.RFC3339, *at)
			if err != nil {
				return fmt.Errorf("invalid -now: %w", err)
			}
			if err := sweeper.CheckAsOf(asOf, now); err != nil {
				return err
			}
			now = asOf
		}
		result, err = sweeper.New(db, manager, logger, nil, nil).Run(ctx, now)
	case "grant":
		if *member <= 0 {
			return errors.New("grant requires -member")
		}
		result, err = grants.RunForMember(ctx, sys, *member, *amount)
	case "grant-batch":
		result, err = grants.RunBatch(ctx, sys, *amount)
	case "report":
		result, err = report(ctx, db, *start, *end, *pricingFile)
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func report(ctx context.Context, db *sql.DB, start, end, pricingFile string) (*revenue.Report, error) {
	if start == "" || end == "" {
		return nil, errors.New("report requires -start and -end")
	}
	from, err := parseTime(start)
	if err != nil {
		return nil, err
	}
	to, err := parseTime(end)
	if err != nil {
		return nil, err
	}
	pricing, err := config.LoadPricing(pricingFile)
	if err != nil {
		return nil, err
	}
	return revenue.NewAggregator(db).CalculateForPeriod(ctx, ledger.SystemPrincipal(), from, to, pricing)
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", s)
	}
	return t, nil
}
