package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/wfsync/wfsync/examples/transfer"
	"github.com/wfsync/wfsync/lock"
)

const (
	loadVersion = "v1.0.0"

	modeRun    = "run"
	modeStatus = "status"
	modeDrain  = "drain"
)

// Config holds the lockload settings for all three modes.
type Config struct {
	// Mode selects run, status, or drain.
	Mode string

	// HostPort and Namespace address the Temporal frontend.
	HostPort  string
	Namespace string

	// TaskQueue is where the transfers and their coordinators run. It must
	// match the worker's queue.
	TaskQueue string

	// LockNamespace scopes the account locks the transfers fight over.
	LockNamespace string

	// Transfers is the total number of transfers a run starts.
	Transfers int

	// Accounts is the size of the account pool. Fewer accounts, more
	// contention per lock.
	Accounts int

	// Rate caps workflow starts per second.
	Rate float64

	// Concurrency bounds in-flight transfers.
	Concurrency int

	// Amount moved per transfer, in minor units.
	Amount int64

	// HoldFor stretches every transfer's critical section.
	HoldFor time.Duration

	// AcquireTimeout is each transfer's per-lock wait budget.
	AcquireTimeout time.Duration

	// TransferTimeout bounds one transfer end to end, lock waits included.
	// A transfer past it is canceled and counted separately.
	TransferTimeout time.Duration

	// Resource is the lock resource status and drain address, for example
	// account:acct-003.
	Resource string

	// Kind selects which coordinator guards the resource: mutex or semaphore.
	Kind string

	// DrainReason travels with the drain signal.
	DrainReason string

	// Verbose surfaces SDK debug logging on stderr.
	Verbose bool
}

// DefaultConfig returns a Config that produces visible contention against a
// local server in a few seconds.
func DefaultConfig() *Config {
	return &Config{
		Mode:            modeRun,
		HostPort:        "localhost:7233",
		Namespace:       "default",
		TaskQueue:       "wfsync",
		LockNamespace:   transfer.DefaultLockNamespace,
		Transfers:       200,
		Accounts:        8,
		Rate:            25,
		Concurrency:     64,
		Amount:          100,
		HoldFor:         200 * time.Millisecond,
		AcquireTimeout:  30 * time.Second,
		TransferTimeout: 2 * time.Minute,
		Kind:            string(lock.KindMutex),
		DrainReason:     "lockload drain",
	}
}

// Validate checks the fields the selected mode actually uses.
func (c *Config) Validate() error {
	switch c.Mode {
	case modeRun, modeStatus, modeDrain:
	default:
		return fmt.Errorf("invalid mode %q (must be %s, %s, or %s)", c.Mode, modeRun, modeStatus, modeDrain)
	}

	if c.HostPort == "" {
		return errors.New("server host:port is required")
	}
	if c.Namespace == "" {
		return errors.New("namespace is required")
	}
	if c.TaskQueue == "" {
		return errors.New("task queue is required")
	}
	if c.LockNamespace == "" {
		return errors.New("lock namespace is required")
	}

	if c.Mode == modeRun {
		if c.Transfers <= 0 {
			return errors.New("transfers must be positive")
		}
		if c.Transfers > 100000 {
			return errors.New("transfers should not exceed 100,000 for a reasonable run duration")
		}
		if c.Accounts < 2 {
			return errors.New("at least 2 accounts are required to transfer between")
		}
		if c.Rate <= 0 {
			return errors.New("rate must be positive")
		}
		if c.Concurrency <= 0 {
			return errors.New("concurrency must be positive")
		}
		if c.Concurrency > 1000 {
			return errors.New("concurrency should not exceed 1000 to avoid resource exhaustion")
		}
		if c.Amount <= 0 {
			return errors.New("amount must be positive")
		}
		if c.HoldFor < 0 {
			return errors.New("hold duration cannot be negative")
		}
		if c.AcquireTimeout <= 0 {
			return errors.New("acquire timeout must be positive")
		}
		if c.TransferTimeout <= c.AcquireTimeout {
			return errors.New("transfer timeout must exceed the acquire timeout")
		}
		return nil
	}

	if c.Resource == "" {
		return fmt.Errorf("%s mode requires --resource", c.Mode)
	}
	if c.Kind != string(lock.KindMutex) && c.Kind != string(lock.KindSemaphore) {
		return fmt.Errorf("invalid kind %q (must be %s or %s)", c.Kind, lock.KindMutex, lock.KindSemaphore)
	}
	return nil
}

// parseConfig reads flags, applies defaults, and returns the Config.
func parseConfig() (*Config, error) {
	cfg := DefaultConfig()

	var (
		showHelp    bool
		showVersion bool
	)

	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.StringVar(&cfg.Mode, "mode", cfg.Mode,
		"Operation mode: run, status, or drain")
	flag.StringVar(&cfg.HostPort, "server", cfg.HostPort,
		"Temporal frontend address (host:port)")
	flag.StringVar(&cfg.Namespace, "namespace", cfg.Namespace,
		"Temporal namespace")
	flag.StringVar(&cfg.TaskQueue, "task-queue", cfg.TaskQueue,
		"Task queue the wfsync worker listens on")
	flag.StringVar(&cfg.LockNamespace, "lock-namespace", cfg.LockNamespace,
		"Lock namespace the transfers contend in")

	flag.IntVar(&cfg.Transfers, "transfers", cfg.Transfers,
		"Total number of transfers to start")
	flag.IntVar(&cfg.Accounts, "accounts", cfg.Accounts,
		"Size of the account pool (smaller = more contention)")
	flag.Float64Var(&cfg.Rate, "rate", cfg.Rate,
		"Workflow starts per second")
	flag.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency,
		"Maximum in-flight transfers")
	flag.Int64Var(&cfg.Amount, "amount", cfg.Amount,
		"Amount per transfer in minor units")
	flag.DurationVar(&cfg.HoldFor, "hold", cfg.HoldFor,
		"Extra time each transfer holds its locks")
	flag.DurationVar(&cfg.AcquireTimeout, "acquire-timeout", cfg.AcquireTimeout,
		"Per-lock wait budget inside each transfer")
	flag.DurationVar(&cfg.TransferTimeout, "transfer-timeout", cfg.TransferTimeout,
		"End-to-end budget per transfer before it is canceled")

	flag.StringVar(&cfg.Resource, "resource", cfg.Resource,
		"Lock resource for status/drain (e.g. account:acct-003)")
	flag.StringVar(&cfg.Kind, "kind", cfg.Kind,
		"Coordinator kind for status/drain: mutex or semaphore")
	flag.StringVar(&cfg.DrainReason, "reason", cfg.DrainReason,
		"Reason recorded with a drain signal")

	flag.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose,
		"Enable verbose SDK logging on stderr")

	flag.Parse()

	if showHelp {
		printUsage()
		os.Exit(exitSuccess)
	}

	if showVersion {
		printVersion()
		os.Exit(exitSuccess)
	}

	return cfg, nil
}

// printUsage shows full usage instructions and examples.
func printUsage() {
	fmt.Printf(`wfsync lockload

USAGE:
    lockload [OPTIONS]

MODES:
    run       Start transfers against a shared account pool and report
              latencies and outcomes (default)
    status    Print one coordinator's holders and waiters
    drain     Ask one coordinator to deny new requests and exit when idle

OPTIONS:
    -h, --help                    Show this help message
    --version                     Show version information

  Connection:
    --server STRING               Temporal frontend address (default: localhost:7233)
    --namespace STRING            Temporal namespace (default: default)
    --task-queue STRING           Worker task queue (default: wfsync)
    --lock-namespace STRING       Lock namespace (default: ledger)

  Load Generation (run mode):
    --transfers INT               Total transfers to start (default: 200)
    --accounts INT                Account pool size (default: 8)
    --rate FLOAT                  Workflow starts per second (default: 25)
    --concurrency INT             Maximum in-flight transfers (default: 64)
    --amount INT                  Amount per transfer in minor units (default: 100)
    --hold DURATION               Extra lock hold per transfer (default: 200ms)
    --acquire-timeout DURATION    Per-lock wait budget (default: 30s)
    --transfer-timeout DURATION   End-to-end budget per transfer (default: 2m)

  Coordinator Addressing (status/drain modes):
    --resource STRING             Lock resource name (required)
    --kind STRING                 mutex or semaphore (default: mutex)
    --reason STRING               Drain reason (drain mode)

  Output:
    --verbose                     Verbose SDK logging on stderr

EXAMPLES:
    # Contended run with defaults against a local server
    lockload

    # Heavy contention: many transfers over two accounts
    lockload --transfers 1000 --accounts 2 --rate 100 --hold 500ms

    # Inspect the coordinator guarding one account
    lockload --mode status --resource account:acct-003

    # Drain it before maintenance
    lockload --mode drain --resource account:acct-003 --reason "worker rollout"
`)
}

func printVersion() {
	fmt.Printf("wfsync lockload %s\n", loadVersion)
}
