package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jkaninda/fngate/internal/sandbox"
)

// errFailed makes the process exit non-zero once the failed result has
// been printed.
var errFailed = errors.New("call failed")

// readSource reads a file, or stdin when path is "-".
func readSource(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// parseArgs decodes a JSON object of keyword arguments. Empty means none.
func parseArgs(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("--args must be a JSON object: %w", err)
	}
	return args, nil
}

func parseObject(data []byte, what string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("%s must be a JSON object: %w", what, err)
	}
	return obj, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult writes res to stdout and reports errFailed for failures.
func printResult(res *sandbox.ExecutionResult) error {
	if err := printJSON(os.Stdout, res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%w: %s", errFailed, res.Kind)
	}
	return nil
}
