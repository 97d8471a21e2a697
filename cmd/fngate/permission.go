package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jkaninda/fngate/internal/permission"
)

var permissionCmd = &cobra.Command{
	Use:   "permission",
	Short: "Inspect and change per-function permission levels",
}

var permissionGetCmd = &cobra.Command{
	Use:   "get FUNCTION",
	Short: "Print the effective level of FUNCTION",
	Args:  cobra.ExactArgs(1),
	RunE:  runPermissionGet,
}

var permissionSetCmd = &cobra.Command{
	Use:   "set FUNCTION LEVEL",
	Short: "Set FUNCTION to LEVEL (none, read_only, limited, full) and persist it",
	Args:  cobra.ExactArgs(2),
	RunE:  runPermissionSet,
}

var permissionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the default level and every explicit entry",
	Args:  cobra.NoArgs,
	RunE:  runPermissionList,
}

func init() {
	permissionCmd.AddCommand(permissionGetCmd, permissionSetCmd, permissionListCmd)
}

// withShared runs fn against components built in deny mode; permission
// commands never execute anything.
func withShared(fn func(ctx context.Context, sc *SharedComponents) error) error {
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
	return fn(ctx, sc)
}

func runPermissionGet(_ *cobra.Command, args []string) error {
	return withShared(func(_ context.Context, sc *SharedComponents) error {
		fmt.Println(sc.Executor.GetPermission(args[0]))
		return nil
	})
}

func runPermissionSet(_ *cobra.Command, args []string) error {
	level, err := permission.ParseLevelStrict(args[1])
	if err != nil {
		return err
	}
	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		if sc.Store == nil {
			return fmt.Errorf("storage driver %q does not persist permissions", sc.Config.StorageDriverName())
		}
		if err := sc.Executor.SetPermission(ctx, args[0], level); err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", args[0], level)
		return nil
	})
}

func runPermissionList(_ *cobra.Command, _ []string) error {
	return withShared(func(_ context.Context, sc *SharedComponents) error {
		entries := sc.Executor.Permissions()
		names := make([]string, 0, len(entries))
		for name := range entries {
			names = append(names, name)
		}
		sort.Strings(names)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "FUNCTION\tLEVEL\n")
		fmt.Fprintf(w, "(default)\t%s\n", sc.Executor.DefaultPermission())
		for _, name := range names {
			fmt.Fprintf(w, "%s\t%s\n", name, entries[name])
		}
		return w.Flush()
	})
}
