// Package main implements cvm, the launcher of a component deployment. One
// process runs per site of a session; the sites rendezvous through the
// bootstrap directory and walk the deployment phases together.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360/cvmkit/errors"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "cvm"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		reportFailure(err)
		os.Exit(1)
	}
}

// reportFailure logs the failed phase when there is one
func reportFailure(err error) {
	var pe *errors.PhaseError
	if stderrors.As(err, &pe) {
		slog.Error("Deployment failed", "site", pe.Site, "phase", pe.Phase, "error", pe.Err, "exit_code", 1)
		return
	}
	slog.Error("Application failed", "error", err, "exit_code", 1)
}

func newRootCommand() *cobra.Command {
	cli := &CLIConfig{}

	root := &cobra.Command{
		Use:           appName,
		Short:         "Deploy and run component assemblies across sites",
		Version:       fmt.Sprintf("%s (build %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateFlags(cli); err != nil {
				return fmt.Errorf("invalid flags: %w", err)
			}
			slog.SetDefault(setupLogger(cli.LogLevel, cli.LogFormat, cmd.Name()))
			return nil
		},
	}
	bindFlags(root, cli)

	root.AddCommand(
		newSiteCommand(cli),
		newSingleCommand(cli),
		newDirectoryCommand(cli),
		newValidateCommand(cli),
	)
	return root
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}
