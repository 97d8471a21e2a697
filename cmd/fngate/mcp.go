package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	mcpgw "github.com/jkaninda/fngate/internal/gateway/mcp"
)

var (
	mcpWithHTTP  bool
	mcpAllowTest bool
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve fngate tools to an agent over MCP stdio",
	Long: `Serve fngate tools to an agent over MCP stdio.

Stdin and stdout carry the protocol, so full-level calls cannot be confirmed
on the terminal. Without --http they are denied; with --http the HTTP API
and operator WebSocket run alongside and operators approve them there.

test_function runs code with no permission check, so it is only offered
with --allow-test.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().BoolVar(&mcpWithHTTP, "http", false, "also serve the HTTP API and operator WebSocket for approvals")
	mcpCmd.Flags().BoolVar(&mcpAllowTest, "allow-test", false, "expose test_function, which skips permission checks")
	mcpCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address with --http (overrides http.listen_addr)")
}

func runMCP(_ *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	mode := modeDeny
	if mcpWithHTTP {
		mode = modePending
	}
	if cfg.Approval.Mode == modeTerminal {
		return fmt.Errorf("approval mode %q is unavailable over MCP stdio", modeTerminal)
	}
	if cfg.Approval.Mode == modePending && !mcpWithHTTP {
		return fmt.Errorf("approval mode %q needs --http so operators can decide", modePending)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger, mode)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	if err := sc.watchPermissions(ctx); err != nil {
		return err
	}

	if mcpWithHTTP {
		api, errCh := sc.startHTTP(ctx, sc.newLimiter())
		go func() {
			if err := <-errCh; err != nil {
				logger.Error("http api stopped", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			if err := api.Stop(context.Background()); err != nil {
				logger.Error("http api shutdown", slog.String("error", err.Error()))
			}
		}()
	}

	srv := mcpgw.NewServer(sc.Executor, version, logger)
	if mcpAllowTest {
		logger.Warn("mcp test_function enabled; dry runs bypass permission checks")
		srv.WithTester(sc.Harness)
	}
	return srv.ServeStdio(ctx, os.Stdin, os.Stdout)
}
