// Command ledgerctl verifies and inspects ledger chains directly in the
// configured store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"

	"github.com/pterm/pterm"

	"github.com/yourorg/lpdp/internal/config"
	"github.com/yourorg/lpdp/internal/ledger"
	"github.com/yourorg/lpdp/internal/store"
)

// errInvalidChain makes the process exit non-zero after the report is printed.
var errInvalidChain = errors.New("one or more chains failed verification")

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := run(ctx, os.Args[1], os.Args[2:])
	switch {
	case err == nil:
	case errors.Is(err, errInvalidChain):
		pterm.Error.Println(err)
		os.Exit(1)
	case errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	default:
		pterm.Error.Println(err)
		os.Exit(2)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: ledgerctl verify (-chain <id> | -all)")
	fmt.Fprintln(w, "       ledgerctl tail -chain <id> [-n 20]")
	fmt.Fprintln(w, "       ledgerctl chains")
}

func run(ctx context.Context, cmd string, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	st, closer, err := store.Open(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	logger := slog.New(pterm.NewSlogHandler(&pterm.DefaultLogger))
	lg := ledger.New(st, ledger.WithLogger(logger), ledger.WithVerifyConcurrency(cfg.VerifyConcurrency))

	switch cmd {
	case "verify":
		return verifyCmd(ctx, lg, args)
	case "tail":
		return tailCmd(ctx, lg, args)
	case "chains":
		return chainsCmd(ctx, lg)
	default:
		usage(os.Stderr)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func verifyCmd(ctx context.Context, lg *ledger.Ledger, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	chain := fs.String("chain", "", "chain (tenant) id to verify")
	all := fs.Bool("all", false, "verify every chain in the store")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*chain == "") == !*all {
		return errors.New("verify: exactly one of -chain or -all is required")
	}

	var reports []ledger.VerificationReport
	if *all {
		rs, err := lg.VerifyAll(ctx)
		if err != nil {
			return err
		}
		reports = rs
	} else {
		r, err := lg.VerifyChain(ctx, *chain)
		if err != nil {
			return err
		}
		reports = append(reports, r)
	}
	return printReports(reports)
}

func printReports(reports []ledger.VerificationReport) error {
	summary := pterm.TableData{{"Chain", "Events", "Valid", "Violations"}}
	invalid := 0
	for _, r := range reports {
		valid := pterm.LightGreen("yes")
		if !r.Valid {
			valid = pterm.LightRed("no")
			invalid++
		}
		summary = append(summary, []string{r.ChainID, strconv.Itoa(r.TotalEvents), valid, strconv.Itoa(len(r.Violations))})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(summary).Render(); err != nil {
		return err
	}

	for _, r := range reports {
		if r.Valid {
			continue
		}
		pterm.DefaultSection.Println("Violations in " + r.ChainID)
		rows := pterm.TableData{{"Position", "Kind", "Detail"}}
		for _, v := range r.Violations {
			rows = append(rows, []string{strconv.FormatInt(v.Position, 10), string(v.Kind), v.Detail})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
			return err
		}
	}

	if invalid > 0 {
		return fmt.Errorf("%w (%d of %d)", errInvalidChain, invalid, len(reports))
	}
	pterm.Success.Printfln("%d chain(s) verified", len(reports))
	return nil
}

func tailCmd(ctx context.Context, lg *ledger.Ledger, args []string) error {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	chain := fs.String("chain", "", "chain (tenant) id")
	n := fs.Int("n", 20, "number of most recent events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *chain == "" || *n <= 0 {
		return errors.New("tail: -chain and a positive -n are required")
	}

	events, err := lg.Events(ctx, *chain, 0, 0)
	if err != nil {
		return err
	}
	if len(events) > *n {
		events = events[len(events)-*n:]
	}
	rows := pterm.TableData{{"Seq", "Timestamp", "Actor", "Action", "Resource", "Hash"}}
	for _, ev := range events {
		rows = append(rows, []string{
			strconv.FormatInt(ev.Sequence, 10),
			ev.Timestamp.Format(ledger.TimestampLayout),
			ev.ActorID,
			ev.Action,
			ev.ResourceType + "/" + ev.ResourceID,
			abbrev(ev.ContentHash),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func chainsCmd(ctx context.Context, lg *ledger.Ledger) error {
	ids, err := lg.Chains(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		pterm.Println(id)
	}
	return nil
}

func abbrev(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
