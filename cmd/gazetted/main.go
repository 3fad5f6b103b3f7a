// Package main implements the gazetted CLI: batch-fetch gazette publications
// for a configured plan of organizational combos through a supervised pool of
// worker processes.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pvelkov/gazetted/internal/config"
	"github.com/pvelkov/gazetted/internal/controller"
	"github.com/pvelkov/gazetted/internal/results"
)

var (
	configPath string
	runRoot    string
	planPath   string
	verbose    bool

	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, controller.ErrRunAlreadyActive) {
			fmt.Fprintln(os.Stderr, "another run is active; use 'gazetted cleanup' if it crashed")
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gazetted",
	Short: "Batch orchestrator for gazette publication fetches",
	Long: `gazetted turns a plan of organizational filter combos into fetched
gazette records by supervising a bounded pool of worker processes.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "settings file")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "debug logging")
	runCmd.Flags().StringVar(&planPath, "plan", "", "override plan file from settings")
	runCmd.Flags().StringVar(&runRoot, "run-root", "", "override run root from settings")
	cleanupCmd.Flags().StringVar(&runRoot, "run-root", "", "override run root from settings")
	reportCmd.Flags().StringVar(&runRoot, "run-root", "", "override run root from settings")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(reportCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the configured batch",
	Long: `Acquire the run lock, load the plan, drain it through the worker pool,
and write the run summary. Item failures do not fail the run; a second
concurrent run, an empty plan, or a result-durability failure do.

SIGINT/SIGTERM cancel the run: pending items are marked cancelled, in-flight
workers are terminated, and completed results are kept.`,
	RunE: runRun,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Kill orphaned workers and clear a stale lock",
	Long: `Recover the run root after an orchestrator crash. Safe to invoke at any
time: workers and the lock of a live run are never touched.`,
	RunE: runCleanup,
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the last run's summary and per-item outcomes",
	RunE:  runReport,
}

func loadSettings() (config.Settings, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return config.Settings{}, err
	}
	if runRoot != "" {
		settings.RunRoot = runRoot
	}
	if planPath != "" {
		settings.PlanPath = planPath
	}
	return settings, nil
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runRun(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl := controller.New(settings, logger)
	summary, err := ctrl.Run(ctx)
	if err != nil {
		return err
	}
	printSummary(cmd, summary)
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	report, err := controller.Cleanup(settings.RunRoot, logger)
	if err != nil {
		return err
	}
	if len(report.KilledPIDs) == 0 && !report.LockCleared {
		cmd.Println("nothing to reclaim")
		return nil
	}
	for _, pid := range report.KilledPIDs {
		cmd.Printf("killed orphaned worker pid=%d\n", pid)
	}
	if report.LockCleared {
		cmd.Println("cleared stale run lock")
	}
	return nil
}

func runReport(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	summary, err := controller.LoadSummary(settings.RunRoot)
	if err != nil {
		return fmt.Errorf("load summary (has a run completed?): %w", err)
	}
	printSummary(cmd, summary)

	sink := results.New(settings.RunRoot, nil)
	records, err := sink.ReadAll()
	if err != nil {
		return err
	}
	for _, rec := range controller.SortRecords(records) {
		line := fmt.Sprintf("item %d: %s (attempts=%d, %s)",
			rec.ItemID, rec.Status, rec.Attempts, rec.Duration.Round(10*time.Millisecond))
		if rec.ErrMsg != "" {
			line += ": " + rec.ErrMsg
		}
		cmd.Println(line)
	}
	return nil
}

func printSummary(cmd *cobra.Command, s controller.Summary) {
	cmd.Printf("run %s: %d items in %s\n", s.RunID, s.Total, s.Duration.Round(10*time.Millisecond))
	cmd.Printf("  succeeded: %d\n  failed:    %d\n  timed out: %d\n  cancelled: %d\n",
		s.Succeeded, s.Failed, s.TimedOut, s.Cancelled)
	if len(s.FailedItemIDs) > 0 {
		cmd.Printf("  failed item ids: %v\n", s.FailedItemIDs)
	}
	if len(s.TimedOutItemIDs) > 0 {
		cmd.Printf("  timed out item ids: %v\n", s.TimedOutItemIDs)
	}
}
