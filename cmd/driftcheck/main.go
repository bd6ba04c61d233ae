// driftcheck reports which units are out of step with their leases without
// changing anything.
//
// It observes the property management system and the network the same way a
// reconciliation cycle does, derives desired states and prints the actions
// a cycle would take. Nothing is written to the network or the database
// beyond the inventory sync.
//
// Exit status: 0 when every unit is converged, 2 when drift was found,
// 1 when the check itself failed.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/matthewbaird/leasesync/internal/config"
	"github.com/matthewbaird/leasesync/internal/server"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("driftcheck: ")

	fs := pflag.NewFlagSet("driftcheck", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "config.yaml", "path to the YAML configuration")
	_ = fs.Parse(os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	cfg.Logging.Level = "warn"
	app, err := server.Build(ctx, cfg, server.NewLogger(cfg.Logging, os.Stderr))
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	code := check(ctx, app)
	app.Close()
	os.Exit(code)
}

func check(ctx context.Context, app *server.App) int {
	if _, err := app.Inventory.Sync(ctx); err != nil {
		log.Printf("inventory: %v", err)
		return 1
	}
	c, err := app.Engine.Preview(ctx)
	if err != nil {
		log.Printf("preview: %v", err)
		return 1
	}

	fmt.Printf("Observed %d leases; %d units converged.\n", c.Leases, len(c.Plan.Converged))
	if len(c.Diagnostics) > 0 {
		fmt.Println("\nDiagnostics:")
		for _, d := range c.Diagnostics {
			fmt.Printf("  %s  %s  %s\n", d.UnitID, d.Kind, d.Detail)
		}
	}
	if len(c.Plan.Actions) == 0 {
		fmt.Println("\ndriftcheck: OK, no drift detected")
		return 0
	}

	fmt.Printf("\nDrift on %d units:\n", len(c.Plan.Actions))
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  UNIT\tDEVICE\tACTION\tDESIRED\tREASON")
	for _, a := range c.Plan.Actions {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", a.UnitID, a.DeviceID, a.Kind, a.Desired, a.Reason)
	}
	tw.Flush()
	return 2
}
