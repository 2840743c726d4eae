package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/gofrs/uuid/v5"
	"go.temporal.io/sdk/client"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/wfsync/wfsync/examples/transfer"
)

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeFailed
	outcomeTimedOut
	outcomeCanceled
)

// runner drives one load run and collects its outcomes.
type runner struct {
	client client.Client
	cfg    *Config
	rng    *rand.Rand

	mu        sync.Mutex
	latencies []time.Duration
	succeeded int64
	failed    int64
	timedOut  int64
	canceled  int64
	errs      map[string]int64
}

func newRunner(c client.Client, cfg *Config) *runner {
	return &runner{
		client: c,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		errs:   make(map[string]int64),
	}
}

// run starts the configured number of transfers at a capped rate, waits for
// all of them, and prints the summary. Individual transfer failures do not
// fail the run; they are tallied and reported.
func (r *runner) run(ctx context.Context) error {
	id, err := uuid.NewV4()
	if err != nil {
		return fmt.Errorf("mint run id: %w", err)
	}
	runID := "load-" + id.String()[:8]

	accounts := make([]string, r.cfg.Accounts)
	for i := range accounts {
		accounts[i] = fmt.Sprintf("acct-%03d", i)
	}

	r.printBanner(runID)

	limiter := rate.NewLimiter(rate.Limit(r.cfg.Rate), 1)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	began := time.Now()
	started := 0
	for i := 0; i < r.cfg.Transfers; i++ {
		if err := limiter.Wait(gctx); err != nil {
			break // canceled; stop starting, let in-flight transfers settle
		}
		from, to := r.pickAccounts(accounts)
		workflowID := fmt.Sprintf("%s-transfer-%04d", runID, i)
		started++
		g.Go(func() error {
			r.oneTransfer(gctx, workflowID, from, to)
			return nil
		})
	}
	_ = g.Wait()
	wall := time.Since(began)

	printSummary(r.buildStats(started, wall))

	if started > 0 {
		fmt.Printf("\nInspect a coordinator with: lockload --mode status --resource %s\n",
			transfer.AccountResource(accounts[0]))
	}
	return ctx.Err()
}

// pickAccounts returns two distinct accounts from the pool.
func (r *runner) pickAccounts(accounts []string) (string, string) {
	i := r.rng.Intn(len(accounts))
	j := r.rng.Intn(len(accounts) - 1)
	if j >= i {
		j++
	}
	return accounts[i], accounts[j]
}

// oneTransfer starts one workflow and waits for its result.
func (r *runner) oneTransfer(ctx context.Context, workflowID, from, to string) {
	input := transfer.TransferInput{
		TransferID:     workflowID,
		From:           from,
		To:             to,
		Amount:         r.cfg.Amount,
		LockNamespace:  r.cfg.LockNamespace,
		AcquireTimeout: r.cfg.AcquireTimeout,
		HoldFor:        r.cfg.HoldFor,
	}

	// No execution or run timeout on the workflow itself: the lock client
	// refuses to acquire from a workflow whose release path could be cut off
	// mid-hold.
	opts := client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: r.cfg.TaskQueue,
	}

	began := time.Now()
	wf, err := r.client.ExecuteWorkflow(ctx, opts, transfer.TransferWorkflow, input)
	if err != nil {
		r.record(outcomeFailed, 0, err)
		return
	}

	wctx, cancel := context.WithTimeout(ctx, r.cfg.TransferTimeout)
	defer cancel()

	var result transfer.TransferResult
	err = wf.Get(wctx, &result)
	switch {
	case err == nil:
		r.record(outcomeSuccess, time.Since(began), nil)
	case errors.Is(err, context.DeadlineExceeded):
		// Over budget. Cancel so the transfer releases its locks now rather
		// than at the unlock timeout.
		r.cancelTransfer(workflowID)
		r.record(outcomeTimedOut, 0, err)
	case errors.Is(err, context.Canceled):
		r.record(outcomeCanceled, 0, err)
	default:
		r.record(outcomeFailed, 0, err)
	}
}

func (r *runner) cancelTransfer(workflowID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.CancelWorkflow(ctx, workflowID, ""); err != nil {
		log.Printf("⚠️  Failed to cancel %s: %v", workflowID, err)
	}
}

func (r *runner) record(kind outcomeKind, latency time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch kind {
	case outcomeSuccess:
		r.succeeded++
		r.latencies = append(r.latencies, latency)
	case outcomeTimedOut:
		r.timedOut++
	case outcomeCanceled:
		r.canceled++
	default:
		r.failed++
	}
	if err != nil && kind != outcomeCanceled {
		r.errs[errReason(err)]++
	}
}

func (r *runner) buildStats(started int, wall time.Duration) loadStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return newLoadStats(statsInput{
		Started:   started,
		Succeeded: r.succeeded,
		Failed:    r.failed,
		TimedOut:  r.timedOut,
		Canceled:  r.canceled,
		Latencies: r.latencies,
		WallTime:  wall,
		Errors:    r.errs,
	})
}

func (r *runner) printBanner(runID string) {
	cfg := r.cfg
	title := fmt.Sprintf("🔒 wfsync lockload %s", loadVersion)
	fmt.Println(color.New(color.Bold).Sprint(title))
	fmt.Println(strings.Repeat("=", len(title)))
	fmt.Printf("  Run ID:           %s\n", runID)
	fmt.Printf("  Server:           %s (namespace %s)\n", cfg.HostPort, cfg.Namespace)
	fmt.Printf("  Task queue:       %s\n", cfg.TaskQueue)
	fmt.Printf("  Lock namespace:   %s\n", cfg.LockNamespace)
	fmt.Printf("  Transfers:        %d over %d accounts\n", cfg.Transfers, cfg.Accounts)
	fmt.Printf("  Rate:             %.1f starts/s, %d in flight max\n", cfg.Rate, cfg.Concurrency)
	fmt.Printf("  Lock hold:        +%v per transfer\n", cfg.HoldFor)
	fmt.Printf("  Acquire timeout:  %v\n", cfg.AcquireTimeout)
	fmt.Printf("  Transfer budget:  %v\n", cfg.TransferTimeout)
	fmt.Println()
}

// errReason folds an error into a short bucket for the summary table.
func errReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "transfer budget exceeded"
	}
	msg := err.Error()
	// The interesting part of a workflow error chain is its last segment.
	if i := strings.LastIndex(msg, ": "); i >= 0 && i+2 < len(msg) {
		msg = msg[i+2:]
	}
	if len(msg) > 60 {
		msg = msg[:57] + "..."
	}
	return msg
}
