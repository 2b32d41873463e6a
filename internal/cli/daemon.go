package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/repligrid/repligrid/internal/core"
	"github.com/repligrid/repligrid/internal/transfer"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run a background processing stage",
	Long: `Run one of the background stages: triage classifies bad-PFN reports,
recover retires confirmed losses, reconcile evaluates rules and submit
drains the request queue through a transfer backend.

With --run-once the stage processes a single batch and exits, which is
how cron-style deployments and tests drive it.`,
}

var (
	daemonRunOnce   bool
	daemonThreads   int
	daemonBulk      int
	daemonSleepTime time.Duration
	daemonBackend   string
)

func init() {
	daemonCmd.PersistentFlags().BoolVar(&daemonRunOnce, "run-once", false, "Process one batch and exit")
	daemonCmd.PersistentFlags().IntVar(&daemonThreads, "threads", 0, "Worker pool size; 0 uses the configured default")
	daemonCmd.PersistentFlags().IntVar(&daemonBulk, "bulk", 0, "Batch size per cycle; 0 uses the configured default")
	daemonCmd.PersistentFlags().DurationVar(&daemonSleepTime, "sleep-time", 0, "Idle interval between cycles; 0 uses the configured default")

	submitCmd := daemonStageCmd("submit", "Execute queued transfer and deletion requests",
		func(e *Engine) (core.ClaimFunc, error) {
			backend, err := transfer.New(daemonBackend)
			if err != nil {
				return nil, err
			}
			s := core.NewSubmitter(e.Catalog, e.Rules, e.Requests, backend,
				e.Config.Reconcile.RetryBudget, e.Config.Reconcile.LeaseTTL.Std(), logger)
			return s.ClaimTasks, nil
		})
	submitCmd.Flags().StringVar(&daemonBackend, "backend", "loopback", "Transfer backend")

	daemonCmd.AddCommand(
		daemonStageCmd("triage", "Classify bad-PFN declarations",
			func(e *Engine) (core.ClaimFunc, error) {
				t := core.NewTriage(e.Catalog, e.Config.Triage, logger)
				return t.ClaimTasks, nil
			}),
		daemonStageCmd("recover", "Retire confirmed-bad replicas and re-queue their rules",
			func(e *Engine) (core.ClaimFunc, error) {
				r := core.NewRecovery(e.Catalog, e.Rules, e.Config.Recovery, logger)
				return r.ClaimTasks, nil
			}),
		daemonStageCmd("reconcile", "Evaluate replication rules against the replica population",
			func(e *Engine) (core.ClaimFunc, error) {
				r := core.NewReconciler(e.Catalog, e.Rules, e.Requests, e.Config.Reconcile, logger)
				return r.ClaimTasks, nil
			}),
		submitCmd,
	)
}

// daemonStageCmd builds the cobra command for one stage. Each stage
// shares the harness flags and the SIGINT/SIGTERM stop wiring.
func daemonStageCmd(name, short string, build func(e *Engine) (core.ClaimFunc, error)) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := GetEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			claim, err := build(e)
			if err != nil {
				return err
			}

			threads := e.Config.Daemon.Threads
			if daemonThreads > 0 {
				threads = daemonThreads
			}
			bulk := e.Config.Daemon.Bulk
			if daemonBulk > 0 {
				bulk = daemonBulk
			}
			sleepTime := e.Config.Daemon.SleepTime.Std()
			if daemonSleepTime > 0 {
				sleepTime = daemonSleepTime
			}

			d := &core.Daemon{
				Name:      name,
				RunOnce:   daemonRunOnce,
				Threads:   threads,
				Bulk:      bulk,
				SleepTime: sleepTime,
				Claim:     claim,
				Logger:    logger,
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				sig, ok := <-sigCh
				if !ok {
					return
				}
				logger.Info("signal received, stopping",
					zap.String("daemon", name), zap.String("signal", sig.String()))
				d.Stop()
			}()

			if !daemonRunOnce {
				fmt.Printf("Running %s daemon (threads=%d bulk=%d sleep=%s)\n",
					name, threads, bulk, sleepTime)
			}
			return d.Run(ctx)
		},
	}
}
