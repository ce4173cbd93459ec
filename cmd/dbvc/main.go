// Command dbvc runs a mothership or client node and offers the operator
// tooling around it.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/config"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		var usage *usageError
		if errors.As(err, &usage) {
			_, _ = fmt.Fprintln(stderr, "Error:", err)
			return exitUsage
		}
		printError(stderr, err)
		return exitFailure
	}
	return exitOK
}

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

// exactArgs is cobra.ExactArgs reporting a usage error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return &usageError{msg: fmt.Sprintf("%s expects %d argument(s), got %d\nUsage: %s", cmd.Name(), n, len(args), cmd.UseLine())}
		}
		return nil
	}
}

func printError(w io.Writer, err error) {
	if e, ok := errcode.As(err); ok {
		_, _ = fmt.Fprintf(w, "Error [%s]: %s\n", e.Code, e.Message)
		if e.Hint != "" {
			_, _ = fmt.Fprintf(w, "Hint: %s\n", e.Hint)
		}
		return
	}
	_, _ = fmt.Fprintln(w, "Error:", err)
}

type globalFlags struct {
	configPath string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "dbvc",
		Short:         "Database version control for content sites",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return &usageError{msg: err.Error()} })
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to the YAML config (default $DBVC_CONFIG)")

	root.AddCommand(
		newServeCmd(g),
		newPreflightCmd(g),
		newScanCmd(g),
		newMaintenanceCmd(g),
		newSignCmd(g),
		newCommandCmd(g),
		newTokenCmd(g),
		newVersionCmd(),
	)
	return root
}

// load reads the configuration and builds the process logger on stderr.
func (g *globalFlags) load(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "dbvc %s\n", version)
			return err
		},
	}
}
