// ABOUTME: Status subcommand showing agents, queue depth, and leadership
// ABOUTME: Reads the shared coordination store without joining the cluster

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/2389/warren-control/internal/config"
	"github.com/2389/warren-control/internal/dispatch"
)

func runStatus(ctx context.Context) error {
	configPath, err := configPathFromArgs(os.Args[2:])
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Components log through the process default. A status query should
	// print tables, not logs.
	slog.SetDefault(slog.New(slog.DiscardHandler))

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	// A dispatcher that is never Run() starts no sweeps and no election;
	// it is just a read view over the shared store.
	d := dispatch.New(st, dispatch.Options{
		ReplicaID:          "status-query",
		HeartbeatTTL:       cfg.Registry.HeartbeatTTL,
		DefaultClaimLease:  cfg.Queue.ClaimLease,
		DefaultMaxAttempts: cfg.Queue.MaxAttempts,
		Retention:          cfg.Queue.Retention,
	})

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	gray := color.New(color.FgHiBlack)

	agents, err := d.Agents(ctx)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}

	cyan.Println("  Agents")
	cyan.Println("  ------")
	if len(agents) == 0 {
		gray.Println("  (none registered)")
	}
	for _, a := range agents {
		fmt.Printf("  %-24s", a.ID)
		if a.Live {
			green.Print("live ")
		} else {
			yellow.Print("stale")
		}
		gray.Printf("  seen %s ago", time.Since(a.LastHeartbeatAt).Round(time.Second))
		gray.Printf("  cpu %.2f  procs %d", a.Stats.CPULoad, a.Stats.Processes)
		fmt.Println()
	}
	fmt.Println()

	stats, err := d.QueueStats(ctx)
	if err != nil {
		return fmt.Errorf("reading queue stats: %w", err)
	}

	cyan.Println("  Queue")
	cyan.Println("  -----")
	fmt.Printf("  Queued:    %d\n", stats.Queued)
	fmt.Printf("  Claimed:   %d\n", stats.Claimed)
	fmt.Printf("  Done:      %d\n", stats.Done)
	fmt.Printf("  Dead:      %d\n", stats.Dead)
	fmt.Printf("  Cancelled: %d\n", stats.Cancelled)
	fmt.Printf("  Total:     %d\n", stats.Total())
	fmt.Println()

	lease, _, err := d.Leadership(ctx)
	if err != nil {
		return fmt.Errorf("reading leader lease: %w", err)
	}

	cyan.Println("  Leadership")
	cyan.Println("  ----------")
	if lease == nil {
		gray.Println("  (no lease yet)")
		return nil
	}
	fmt.Printf("  Leader: %s", lease.HolderID)
	if lease.Expired(time.Now()) {
		yellow.Print("  (lease expired)")
	}
	fmt.Println()
	fmt.Printf("  Term:   %d\n", lease.Term)
	fmt.Printf("  Expiry: %s\n", lease.ExpiresAt.Format(time.RFC3339))

	return nil
}
