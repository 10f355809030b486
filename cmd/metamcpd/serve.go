package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"metamcp/internal/broker"
	"metamcp/internal/ledger"
	"metamcp/internal/logging"
	"metamcp/internal/metrics"
	"metamcp/internal/ops"
	"metamcp/internal/policy"
	"metamcp/internal/rewrite"
	"metamcp/internal/scheduler"
	"metamcp/internal/session"
	"metamcp/internal/store"
	"metamcp/internal/transport"
)

const shutdownGrace = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker daemon",
	Long: `Serve loads the policy document, starts the configured MCP servers,
recovers persisted sessions, and runs until SIGINT or SIGTERM.

Exit codes: 0 clean shutdown, 2 policy invalid, 3 no transport could start,
4 state stores unavailable.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if err := logging.Initialize(stateDir); err != nil {
		logger.Warn("debug logging unavailable", zap.Error(err))
	}
	defer logging.CloseAll()

	pols, err := policy.Load(policyPath)
	if err != nil {
		return exitError{code: exitPolicyInvalid, err: fmt.Errorf("policy %s: %w", policyPath, err)}
	}
	snap := pols.Current()
	logging.Boot("policy v%d loaded from %s (%d roles, %d servers)",
		snap.Version(), policyPath, len(snap.ProfileNames()), len(snap.ServerNames()))

	usageLog, err := store.NewUsageLog(filepath.Join(stateDir, "usage.db"))
	if err != nil {
		return exitError{code: exitStoreUnavailable, err: fmt.Errorf("usage log: %w", err)}
	}
	defer usageLog.Close()

	files, err := store.NewFileStore(filepath.Join(stateDir, "sessions"))
	if err != nil {
		return exitError{code: exitStoreUnavailable, err: fmt.Errorf("session store: %w", err)}
	}

	mirror, err := store.NewCheckpointLog(filepath.Join(stateDir, "checkpoints.jsonl"))
	if err != nil {
		return exitError{code: exitStoreUnavailable, err: fmt.Errorf("checkpoint log: %w", err)}
	}
	defer mirror.Close()

	m := metrics.New()
	alerts := metrics.NewAlertCenter(0, snap.Features().GentleAlerts)

	transports, err := transport.NewManager(snap, broker.BreakerHook(m, alerts))
	if err != nil {
		return exitError{code: exitTransportInit, err: fmt.Errorf("transports: %w", err)}
	}
	transports.StartAll(ctx)
	if rollup := transports.Rollup(); rollup.Total > 0 && rollup.Healthy == 0 {
		transports.Shutdown()
		return exitError{code: exitTransportInit,
			err: fmt.Errorf("transports: none of %d configured servers started", rollup.Total)}
	}

	ledgers := ledger.NewManager(usageLog)

	sessions, err := session.NewRegistry(session.Config{
		Policies: pols,
		Mounts:   transports,
		Ledgers:  ledgers,
		Store:    files,
		Mirror:   mirror,
	})
	if err != nil {
		transports.Shutdown()
		return err
	}

	b, err := broker.New(broker.Config{
		Policies:   pols,
		Sessions:   sessions,
		Ledgers:    ledgers,
		Rewriter:   rewrite.NewEngine(ledger.NewEstimator(usageLog)),
		Transports: transports,
		Metrics:    m,
		Alerts:     alerts,
	})
	if err != nil {
		transports.Shutdown()
		return err
	}

	restored, discarded, err := sessions.Recover(ctx)
	if err != nil {
		b.NoteFatal("session-recovery", err)
	} else if restored > 0 || discarded > 0 {
		logging.Boot("recovered %d sessions, discarded %d stale", restored, discarded)
	}

	sched, err := scheduler.New(scheduler.Config{
		Policies:   pols,
		Sessions:   sessions,
		Transports: transports,
		Metrics:    m,
		Usage:      usageLog,
	})
	if err != nil {
		transports.Shutdown()
		return err
	}
	sched.Start()

	opsSrv, err := ops.New(ops.Config{
		Addr:     snap.Broker().ListenOps,
		Source:   b,
		Gatherer: m.Registry(),
	})
	if err != nil {
		sched.Stop()
		transports.Shutdown()
		return err
	}
	if err := opsSrv.Start(); err != nil {
		b.NoteFatal("ops-endpoint", err)
	}

	watcher, err := policy.NewWatcher(pols, b.NotePolicyReload)
	if err != nil {
		logger.Warn("policy hot reload disabled", zap.Error(err))
	} else if err := watcher.Start(ctx); err != nil {
		logger.Warn("policy hot reload disabled", zap.Error(err))
		watcher = nil
	}

	logger.Info("metamcp broker up",
		zap.String("ops", opsSrv.Addr()),
		zap.Int("servers", transports.Rollup().Total),
		zap.Int64("policy_version", snap.Version()))
	logging.Boot("broker up, ops on %s", opsSrv.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("shutting down", zap.String("reason", "context canceled"))
	}

	if watcher != nil {
		watcher.Stop()
	}
	sched.Stop()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := opsSrv.Shutdown(stopCtx); err != nil {
		logger.Warn("ops endpoint close", zap.Error(err))
	}
	if err := b.Shutdown(stopCtx); err != nil {
		logger.Warn("broker shutdown incomplete", zap.Error(err))
		return nil
	}
	return nil
}
