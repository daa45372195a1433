// ABOUTME: Simulate subcommand running a whole control plane in one process
// ABOUTME: N replicas, M workers, one mid-run crash to show eviction and redelivery

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/2389/warren-control/internal/dispatch"
	"github.com/2389/warren-control/internal/queue"
	"github.com/2389/warren-control/internal/registry"
	"github.com/2389/warren-control/internal/store"
)

// Compressed timings so a short run exercises eviction, lease expiry, and
// leader turnover.
const (
	simHeartbeatTTL  = 2 * time.Second
	simSweepInterval = 500 * time.Millisecond
	simClaimLease    = 3 * time.Second
	simExpireEvery   = 500 * time.Millisecond
	simLeaseTTL      = 3 * time.Second
	simRenewEvery    = 1 * time.Second
)

func runSimulate(ctx context.Context) error {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	replicas := fs.Int("replicas", 3, "control plane replicas")
	workers := fs.Int("workers", 4, "worker agents (worker-1 crashes mid-run)")
	tasks := fs.Int("tasks", 20, "tasks to submit")
	duration := fs.Duration("duration", 15*time.Second, "how long to run")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}

	if *replicas < 1 || *workers < 1 || *tasks < 1 {
		return fmt.Errorf("replicas, workers, and tasks must all be at least 1")
	}
	if *duration < 5*time.Second {
		return fmt.Errorf("duration must be at least 5s for a crash to be detected")
	}

	// Keep component logs out of the event stream unless something
	// actually goes wrong.
	slog.SetDefault(slog.New(&colorHandler{level: slog.LevelWarn}))

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	fmt.Println()
	cyan.Println("  warren simulation")
	cyan.Println("  -----------------")
	fmt.Printf("  Replicas: %d\n", *replicas)
	fmt.Printf("  Workers:  %d", *workers)
	gray.Printf("  (worker-1 crashes at t+%s)\n", (*duration / 3).Round(time.Second))
	fmt.Printf("  Tasks:    %d\n", *tasks)
	fmt.Printf("  Duration: %s\n", *duration)
	fmt.Println()

	st := store.NewMemory()
	defer st.Close()

	ds := make([]*dispatch.Dispatcher, *replicas)
	for i := range ds {
		ds[i] = dispatch.New(st, dispatch.Options{
			ReplicaID:              fmt.Sprintf("replica-%d", i+1),
			HeartbeatTTL:           simHeartbeatTTL,
			HeartbeatSweepInterval: simSweepInterval,
			DefaultClaimLease:      simClaimLease,
			ExpireSweepInterval:    simExpireEvery,
			ElectionLeaseTTL:       simLeaseTTL,
			ElectionRenewInterval:  simRenewEvery,
		})
	}

	repCtx, stopReplicas := context.WithCancel(ctx)
	defer stopReplicas()

	var repWG sync.WaitGroup
	for _, d := range ds {
		repWG.Add(1)
		go func(d *dispatch.Dispatcher) {
			defer repWG.Done()
			_ = d.Run(repCtx)
		}(d)
	}

	// Merge every replica's event stream into one printed feed. Each
	// replica only broadcasts the changes it performed itself.
	lines := make(chan string, 256)
	var subWG sync.WaitGroup
	for _, d := range ds {
		events, _ := d.Subscribe(repCtx)
		subWG.Add(1)
		go func(tag string, events <-chan dispatch.Event) {
			defer subWG.Done()
			for ev := range events {
				lines <- formatEvent(tag, ev)
			}
		}(d.ReplicaID(), events)
	}
	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		for line := range lines {
			fmt.Println(line)
		}
	}()

	workCtx, stopWork := context.WithTimeout(ctx, *duration)
	defer stopWork()

	var simWG sync.WaitGroup
	simWG.Add(1)
	go func() {
		defer simWG.Done()
		submitTasks(workCtx, ds, *tasks, *duration*2/3)
	}()

	killAt := time.Now().Add(*duration / 3)
	for i := 0; i < *workers; i++ {
		simWG.Add(1)
		go func(i int) {
			defer simWG.Done()
			runWorker(workCtx, ds[i%len(ds)], fmt.Sprintf("worker-%d", i+1), i == 0, killAt)
		}(i)
	}

	simWG.Wait()

	// Workers are gone; now stop the replicas and drain the feed.
	stopReplicas()
	repWG.Wait()
	subWG.Wait()
	close(lines)
	<-printerDone

	fmt.Println()
	green.Println("  Simulation complete")
	fmt.Println()

	return printSummary(ds[0])
}

// submitTasks feeds the queue at a steady pace over the given window, with
// random priorities so claim order is visibly priority-first.
func submitTasks(ctx context.Context, ds []*dispatch.Dispatcher, n int, window time.Duration) {
	gap := window / time.Duration(n)
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(gap):
		}
		d := ds[i%len(ds)]
		payload := json.RawMessage(fmt.Sprintf(`{"job":%d}`, i+1))
		if _, err := d.Submit(ctx, payload, 1+rand.IntN(9), 0); err != nil && ctx.Err() == nil {
			slog.Warn("submit failed", "job", i+1, "error", err)
		}
	}
}

// runWorker registers an agent against its home replica, heartbeats on a
// third of the TTL, and claims work until the run ends. A doomed worker
// stops cold after its first claim past killAt: no acknowledgement, no
// unregister, no further heartbeats. The monitor has to find the body.
func runWorker(ctx context.Context, d *dispatch.Dispatcher, id string, doomed bool, killAt time.Time) {
	wctx, stop := context.WithCancel(ctx)
	defer stop()

	if _, err := d.RegisterAgent(wctx, id, map[string]string{"mode": "simulated"}); err != nil {
		return
	}

	go func() {
		ticker := time.NewTicker(simHeartbeatTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-wctx.Done():
				return
			case <-ticker.C:
				stats := registry.Stats{CPULoad: rand.Float64(), Processes: 1 + rand.IntN(8)}
				if err := d.Heartbeat(wctx, id, stats); err != nil {
					return
				}
			}
		}
	}()

	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			// Graceful exit releases whatever this worker still holds.
			shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = d.UnregisterAgent(shutCtx, id)
			cancel()
			return
		case <-poll.C:
		}

		task, ok, err := d.Claim(wctx, id, 0)
		if err != nil || !ok {
			continue
		}

		if doomed && time.Now().After(killAt) {
			return
		}

		work := 200*time.Millisecond + rand.N(500*time.Millisecond)
		select {
		case <-ctx.Done():
		case <-time.After(work):
		}

		if rand.IntN(8) == 0 {
			_ = d.Fail(wctx, task.ID, id, "simulated fault")
		} else {
			result := json.RawMessage(fmt.Sprintf(`{"worker":%q}`, id))
			_ = d.Acknowledge(wctx, task.ID, id, result)
		}
	}
}

func printSummary(d *dispatch.Dispatcher) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

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
	fmt.Println()

	agents, err := d.Agents(ctx)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	cyan.Println("  Agents")
	cyan.Println("  ------")
	if len(agents) == 0 {
		gray.Println("  (all unregistered or evicted)")
	}
	for _, a := range agents {
		state := "stale"
		if a.Live {
			state = "live"
		}
		fmt.Printf("  %-12s %s\n", a.ID, state)
	}
	fmt.Println()

	lease, _, err := d.Leadership(ctx)
	if err != nil {
		return fmt.Errorf("reading leader lease: %w", err)
	}
	cyan.Println("  Leadership")
	cyan.Println("  ----------")
	if lease == nil {
		gray.Println("  (no lease)")
		return nil
	}
	fmt.Printf("  Last leader: %s\n", lease.HolderID)
	fmt.Printf("  Final term:  %d\n", lease.Term)

	return nil
}

// formatEvent renders one feed line. Colors mark the event class; the
// bracketed suffix names the replica that observed it.
func formatEvent(replica string, ev dispatch.Event) string {
	ts := color.HiBlackString(ev.At.Format("15:04:05.000"))
	src := color.HiBlackString("[" + replica + "]")

	switch ev.Kind {
	case dispatch.EventAgentRegistered:
		return fmt.Sprintf("%s %s %-12s %s", ts, color.GreenString("agent+"), ev.AgentID, src)
	case dispatch.EventAgentEvicted:
		return fmt.Sprintf("%s %s %-12s released=%d %s", ts, color.RedString("agent-"), ev.AgentID, ev.ReleasedTasks, src)
	case dispatch.EventTaskStateChanged:
		if ev.Task == nil {
			return fmt.Sprintf("%s task   ? %s", ts, src)
		}
		from := string(ev.From)
		if from == "" {
			from = "new"
		}
		who := ev.Task.ClaimedBy
		if who == "" {
			who = "-"
		}
		return fmt.Sprintf("%s %s %s %s %s p=%d attempt=%d by=%s %s",
			ts, color.CyanString("task  "), shortID(ev.Task.ID),
			color.HiBlackString(from+" →"), paintState(ev.To),
			ev.Task.Priority, ev.Task.Attempt, who, src)
	default:
		return fmt.Sprintf("%s %s %s", ts, string(ev.Kind), src)
	}
}

func paintState(s queue.State) string {
	switch s {
	case queue.StateClaimed:
		return color.CyanString(string(s))
	case queue.StateDone:
		return color.GreenString(string(s))
	case queue.StateDead:
		return color.RedString(string(s))
	case queue.StateCancelled:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
