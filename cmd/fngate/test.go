package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/fngate/internal/simulation"
)

var historyLimit int

var testCmd = &cobra.Command{
	Use:   "test FILE",
	Short: "Dry-run a function from FILE with the simulation timeout, bypassing permissions",
	Args:  cobra.ExactArgs(1),
	RunE:  runTest,
}

var historyCmd = &cobra.Command{
	Use:   "history FUNCTION",
	Short: "List stored test runs of FUNCTION, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "maximum number of runs (0 = simulation.history_limit)")
}

func runTest(_ *cobra.Command, args []string) error {
	code, err := readSource(args[0])
	if err != nil {
		return err
	}
	kwargs, err := parseArgs(runArgs)
	if err != nil {
		return err
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger, modeDeny)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	return printResult(sc.Harness.Test(ctx, string(code), runFunction, kwargs))
}

func runHistory(_ *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sc, err := initShared(ctx, cfg, logger, modeDeny)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	limit := historyLimit
	if limit <= 0 {
		limit = cfg.Simulation.HistoryLimit
	}
	recs, err := sc.Harness.History(ctx, args[0], limit)
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []simulation.Record{}
	}
	return printJSON(os.Stdout, recs)
}
