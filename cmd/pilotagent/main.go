// Command pilotagent runs the on-node pilot agent.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//
// Exit codes: 0 clean done, 1 configuration error, 2 SIGINT, 3 SIGALRM,
// 6 and up internal failure.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/spf13/cobra"

	"pilotagent/internal/agent"
	"pilotagent/internal/config"
	"pilotagent/internal/logging"
	"pilotagent/internal/store"
	storemem "pilotagent/internal/store/memory"
)

var version = "dev"

const (
	exitOK       = 0
	exitConfig   = 1
	exitSigint   = 2
	exitSigalrm  = 3
	exitInternal = 6
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := &config.Agent{}
	var overlay string

	rootCmd := &cobra.Command{
		Use:           "pilotagent",
		Short:         "Pilot agent for fine-grained task execution inside a batch allocation",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&cfg.PilotID, "pilot_id", "", "pilot document id (required)")
	flags.StringVar(&cfg.SessionID, "session_id", "", "session id (default: generated)")
	flags.IntVar(&cfg.Cores, "cores", 1, "number of cores the pilot was submitted with")
	flags.IntVar(&cfg.RuntimeMinutes, "runtime", 0, "wall-clock runtime budget in minutes")
	flags.IntVar(&cfg.DebugLevel, "debug_level", 0, "verbosity (0..2)")
	flags.StringVar(&cfg.LRMS, "lrms", "", "batch system to probe (FORK, TORQUE, PBSPRO, SLURM, SGE, LSF, LOADL)")
	flags.StringVar(&cfg.Scheduler, "agent_scheduler", config.SchedulerContinuous, "unit scheduler (CONTINUOUS, TORUS)")
	flags.StringVar(&cfg.Spawner, "spawner", config.SpawnerPopen, "process spawner (POPEN, SHELL)")
	flags.StringVar(&cfg.TaskLaunchMethod, "task_launch_method", "", "launch method for serial units")
	flags.StringVar(&cfg.MPILaunchMethod, "mpi_launch_method", "", "launch method for MPI units")
	flags.StringVar(&cfg.MongoURL, "mongodb_url", "", "metadata store URL (memory:// for the built-in store)")
	flags.StringVar(&cfg.MongoName, "mongodb_name", "", "metadata store database name")
	flags.StringVar(&cfg.MongoAuth, "mongodb_auth", "", "metadata store credentials (user:password)")
	flags.StringVar(&overlay, "config", "", "JSON configuration overlay file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	if !rootCmd.Flags().Changed("pilot_id") && overlay == "" {
		// Plain help/version invocations end here.
		return exitOK
	}

	if overlay != "" {
		if err := cfg.ApplyOverlay(overlay); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitConfig
		}
	}
	if cfg.SessionID == "" {
		cfg.SessionID = petname.Generate(2, "-")
	}
	if cfg.TaskLaunchMethod == "" {
		cfg.TaskLaunchMethod = "FORK"
	}
	if cfg.MPILaunchMethod == "" {
		cfg.MPILaunchMethod = cfg.TaskLaunchMethod
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logging.ParseLevel(cfg.DebugLevel),
	}))
	logger = logger.With("session", cfg.SessionID)

	st, err := openStore(cfg)
	if err != nil {
		logger.Error("store setup failed", "error", err)
		return exitConfig
	}

	ag, err := agent.New(cfg, st, logger)
	if err != nil {
		logger.Error("agent construction failed", "error", err)
		return exitConfig
	}

	// SIGINT and SIGALRM map to dedicated exit codes; either cancels the
	// run context so the agent shuts down cleanly first.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGALRM)
	var sigMu sync.Mutex
	var gotSignal os.Signal
	go func() {
		s := <-sigCh
		sigMu.Lock()
		gotSignal = s
		sigMu.Unlock()
		logger.Warn("signal received", "signal", s.String())
		cancel()
	}()

	outcome, err := ag.Run(ctx)

	sigMu.Lock()
	received := gotSignal
	sigMu.Unlock()
	switch received {
	case syscall.SIGINT:
		return exitSigint
	case syscall.SIGALRM:
		return exitSigalrm
	}

	if outcome == agent.OutcomeFailed {
		if err != nil {
			logger.Error("agent failed", "error", err)
		}
		return exitInternal
	}
	return exitOK
}

// openStore selects the metadata store backend from the configured URL.
// The built-in in-memory store serves test and development runs; document
// database backends plug in behind store.Store.
func openStore(cfg *config.Agent) (store.Store, error) {
	url := cfg.MongoURL
	switch {
	case url == "" || strings.HasPrefix(url, "memory://"):
		mem := storemem.New()
		mem.SubmitPilot(cfg.PilotID)
		return mem, nil
	default:
		return nil, errors.New("no store backend for " + url)
	}
}
