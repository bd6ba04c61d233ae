// leasesync keeps ONU provisioning in step with lease and payment state.
//
// Without a mode flag it runs as a daemon: the reconciliation scheduler,
// ticket forwarding, billing and the operator HTTP API. The mode flags run
// one operation and exit.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/matthewbaird/leasesync/internal/billing"
	"github.com/matthewbaird/leasesync/internal/config"
	"github.com/matthewbaird/leasesync/internal/executor"
	"github.com/matthewbaird/leasesync/internal/server"
	"github.com/matthewbaird/leasesync/internal/status"
)

type mode int

const (
	modeDaemon mode = iota
	modeOnce
	modeBilling
	modeInvoice
	modeStatus
	modeRetry
)

type options struct {
	configPath string
	mode       mode
	retryUnit  string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "leasesync: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var (
		opts                                  options
		once, bill, invoice, showStatus, help bool
	)
	fs := pflag.NewFlagSet("leasesync", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to the YAML configuration")
	fs.BoolVar(&once, "once", false, "run one reconciliation cycle and exit")
	fs.BoolVar(&bill, "billing", false, "generate and print this period's billing report")
	fs.BoolVar(&invoice, "invoice", false, "generate billing and post add-on invoice line items")
	fs.BoolVar(&showStatus, "status", false, "print per-unit desired/actual/ledger status")
	fs.StringVar(&opts.retryUnit, "retry", "", "clear terminal failures for `UNIT` so the next cycle retries")
	fs.BoolVarP(&help, "help", "h", false, "show help")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if help {
		fs.PrintDefaults()
		return opts, pflag.ErrHelp
	}

	selected := 0
	for m, on := range map[mode]bool{
		modeOnce:    once,
		modeBilling: bill,
		modeInvoice: invoice,
		modeStatus:  showStatus,
		modeRetry:   opts.retryUnit != "",
	} {
		if on {
			opts.mode = m
			selected++
		}
	}
	if selected > 1 {
		return opts, errors.New("--once, --billing, --invoice, --status and --retry are mutually exclusive")
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	log := server.NewLogger(cfg.Logging, stderr)

	app, err := server.Build(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	defer app.Close()

	switch opts.mode {
	case modeStatus:
		rep, err := status.Build(ctx, app.Store, app.Clock.Now())
		if err != nil {
			return err
		}
		return status.Render(stdout, rep)

	case modeRetry:
		n, err := app.RetryUnit(ctx, opts.retryUnit)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "unit %s: %d terminal entries cleared; the next cycle will retry\n", opts.retryUnit, n)
		return nil

	case modeBilling:
		r, err := app.Billing.Generate(ctx)
		if err != nil {
			return err
		}
		fmt.Fprint(stdout, billing.Render(r))
		return nil
	}

	// Every remaining mode talks to the collaborators.
	if err := app.Preflight(ctx); err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	switch opts.mode {
	case modeInvoice:
		r, err := app.Billing.Generate(ctx)
		if err != nil {
			return err
		}
		fmt.Fprint(stdout, billing.Render(r))
		res, err := app.Billing.PostInvoices(ctx, r)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "\nInvoice lines: %d posted, %d already posted, %d failed\n", len(res.Posted), res.Skipped, len(res.Errors))
		for _, e := range res.Errors {
			fmt.Fprintf(stdout, "  %s\n", e)
		}
		if len(res.Errors) > 0 {
			return fmt.Errorf("%d invoice lines failed", len(res.Errors))
		}
		return nil

	case modeOnce:
		if _, err := app.SyncInventory(ctx); err != nil {
			return err
		}
		c, err := app.Engine.RunCycle(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "cycle %s: %d leases, %d planned, %d succeeded, %d failed, %d skipped, %d diagnostics\n",
			c.ID, c.Leases, len(c.Plan.Actions),
			c.Count(executor.OutcomeSucceeded),
			c.Count(executor.OutcomeFailed)+c.Count(executor.OutcomeTerminal),
			len(c.Plan.Skipped)+c.Count(executor.OutcomeSkipped),
			len(c.Diagnostics))
		return nil
	}

	return app.Serve(ctx)
}
