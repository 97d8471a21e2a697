package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/fngate/internal/schema"
	"github.com/jkaninda/fngate/internal/simulation"
)

var (
	schemaPath   string
	simulateArgs string
)

var validateCmd = &cobra.Command{
	Use:   "validate VALUE",
	Short: "Check a JSON VALUE (or - for stdin) against a JSON schema",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Print the model function-call envelope for a tool schema and arguments",
	Args:  cobra.NoArgs,
	RunE:  runSimulate,
}

func init() {
	for _, cmd := range []*cobra.Command{validateCmd, simulateCmd} {
		cmd.Flags().StringVarP(&schemaPath, "schema", "s", "", "path to the JSON schema file (required)")
		_ = cmd.MarkFlagRequired("schema")
	}
	simulateCmd.Flags().StringVarP(&simulateArgs, "args", "a", "", "call arguments as a JSON object")
}

func runValidate(_ *cobra.Command, args []string) error {
	schemaData, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("reading schema: %w", err)
	}
	value := []byte(args[0])
	if args[0] == "-" {
		if value, err = readSource("-"); err != nil {
			return err
		}
	}

	res, err := schema.ValidateJSON(value, schemaData)
	if err != nil {
		return err
	}
	if err := printJSON(os.Stdout, res); err != nil {
		return err
	}
	if !res.Valid {
		return fmt.Errorf("%w: %d validation error(s)", errFailed, len(res.Errors))
	}
	return nil
}

func runSimulate(_ *cobra.Command, _ []string) error {
	data, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("reading schema: %w", err)
	}
	toolSchema, err := parseObject(data, "tool schema")
	if err != nil {
		return err
	}
	callArgs, err := parseArgs(simulateArgs)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, simulation.SimulateCall(toolSchema, callArgs))
}
