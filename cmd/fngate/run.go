package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	runFunction string
	runArgs     string
)

var runCmd = &cobra.Command{
	Use:   "run FILE",
	Short: "Execute a function from FILE (or - for stdin) under its permission level",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

var execCmd = &cobra.Command{
	Use:   "exec COMMAND",
	Short: "Run a shell command after confirmation; {name} placeholders are filled from --args",
	Args:  cobra.ExactArgs(1),
	RunE:  runExec,
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, testCmd} {
		cmd.Flags().StringVarP(&runFunction, "function", "f", "", "function name defined in FILE (required)")
		cmd.Flags().StringVarP(&runArgs, "args", "a", "", "keyword arguments as a JSON object")
		_ = cmd.MarkFlagRequired("function")
	}
	execCmd.Flags().StringVarP(&runArgs, "args", "a", "", "placeholder values as a JSON object")
}

func runRun(_ *cobra.Command, args []string) error {
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

	sc, err := initShared(ctx, cfg, logger, modeTerminal)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	return printResult(sc.Executor.Execute(ctx, runFunction, string(code), kwargs))
}

func runExec(_ *cobra.Command, args []string) error {
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

	sc, err := initShared(ctx, cfg, logger, modeTerminal)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	return printResult(sc.Executor.ExecuteCommand(ctx, args[0], kwargs))
}
