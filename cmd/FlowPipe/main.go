// Command FlowPipe runs the WhatsApp flow interpreter and its maintenance tasks.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/FlowPipe/internal/flowdef"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

func main() {
	initializeLogger(slog.LevelInfo)
	loadDotEnv()

	cfg := configFromEnv()
	if err := newRootCmd(&cfg).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree around cfg.
func newRootCmd(cfg *Config) *cobra.Command {
	root := &cobra.Command{
		Use:   "FlowPipe",
		Short: "FlowPipe: WhatsApp conversation flows driven by definitions",
		Long: `FlowPipe runs conversations over WhatsApp from YAML or JSON flow
definitions, storing conversation state in SQLite or PostgreSQL.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLogLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			initializeLogger(level)
			return nil
		},
	}
	bindPersistentFlags(root, cfg)

	root.AddCommand(serveCmd(cfg))
	root.AddCommand(syncFlowsCmd(cfg))
	root.AddCommand(validateFlowsCmd(cfg))
	return root
}

func serveCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the messaging transport, workers and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.resolvePaths(); err != nil {
				return err
			}
			if err := ensureDirectoriesExist(*cfg); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			slog.Info("Bootstrapping FlowPipe", "transport", cfg.Transport, "state_dir", cfg.StateDir, "api_addr", cfg.APIAddr)
			if err := runServe(ctx, *cfg); err != nil {
				slog.Error("FlowPipe failed to run", "error", err)
				return err
			}
			slog.Info("FlowPipe exited successfully")
			return nil
		},
	}
	bindServeFlags(cmd, cfg)
	return cmd
}

func syncFlowsCmd(cfg *Config) *cobra.Command {
	var prune bool
	cmd := &cobra.Command{
		Use:   "sync-flows",
		Short: "Load flow definitions from --flows-dir into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.FlowsDir == "" {
				return fmt.Errorf("--flows-dir is required")
			}
			if err := cfg.resolvePaths(); err != nil {
				return err
			}
			if err := ensureDirectoriesExist(*cfg); err != nil {
				return err
			}
			st, err := store.Open(cfg.DBDSN)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()
			return syncFlows(cmd.Context(), st, cfg.FlowsDir, prune, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&prune, "prune", false, "delete stored flows that are not in --flows-dir")
	return cmd
}

func validateFlowsCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-flows [dir]",
		Short: "Check flow definitions without touching the database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := cfg.FlowsDir
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				return fmt.Errorf("a flows directory is required")
			}
			_, err := loadFlows(dir, cmd.OutOrStdout())
			return err
		},
	}
}

// loadFlows reads dir into a new registry and prints every problem found.
// A flow with fatal problems makes the load fail.
func loadFlows(dir string, out io.Writer) (*flowdef.Registry, error) {
	reg := flowdef.NewRegistry()
	problems, err := reg.LoadDirInto(dir)
	if err != nil {
		return nil, fmt.Errorf("load flows from %s: %w", dir, err)
	}
	for _, p := range problems {
		fmt.Fprintf(out, "problem: %v\n", p)
	}
	fmt.Fprintf(out, "%d flows loaded from %s, %d problems\n", len(reg.Names()), dir, len(problems))
	if flowdef.IsFatal(problems) {
		return nil, fmt.Errorf("flow definitions in %s have fatal problems", dir)
	}
	return reg, nil
}

// syncFlows validates dir and writes its flows to st.
func syncFlows(ctx context.Context, st flowdef.FlowStore, dir string, prune bool, out io.Writer) error {
	reg, err := loadFlows(dir, out)
	if err != nil {
		return err
	}
	if err := reg.Sync(ctx, st, prune); err != nil {
		return err
	}
	fmt.Fprintf(out, "synced %d flows\n", len(reg.Names()))
	return nil
}
