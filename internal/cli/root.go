// Package cli implements the warden command line.
package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/supervisor"
)

const defaultConfigFile = "warden.yaml"

// Exit codes returned by Execute.
const (
	ExitError     = 1
	ExitBootstrap = 3
)

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	ctx := &context{}

	root := &cobra.Command{
		Use:   "warden",
		Short: "Capability-based child supervisor",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLogLevel(ctx.logLevel)
			if err != nil {
				return err
			}
			ctx.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			return nil
		},
	}

	root.PersistentFlags().
		StringVarP(&ctx.configFile, "file", "f", defaultConfigFile, "Path to warden configuration")
	root.PersistentFlags().
		StringVar(&ctx.logLevel, "log-level", "warn", "Diagnostic log level (debug, info, warn, error)")

	root.AddCommand(newRunCmd(ctx))
	root.AddCommand(newConfigCmd(ctx))
	root.AddCommand(newPolicyCmd(ctx))
	root.AddCommand(newImagesCmd(ctx))

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var be *supervisor.BootstrapError
	if errors.As(err, &be) {
		return ExitBootstrap
	}
	return ExitError
}

type context struct {
	configFile string
	logLevel   string
	logger     *slog.Logger
}

func (c *context) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.logger
}

// loadConfig reads the configuration file. A missing file is only tolerated
// when the path is the implicit default, in which case built-in defaults
// apply.
func (c *context) loadConfig(cmd *cobra.Command) (*config.Document, error) {
	path := c.configFile
	if path == "" {
		path = defaultConfigFile
	}
	explicit := cmd.Flags().Changed("file")
	if _, err := os.Stat(path); err != nil && errors.Is(err, os.ErrNotExist) && !explicit {
		c.log().Debug("no configuration file, using defaults", "path", path)
		return config.Default(), nil
	}
	doc, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	c.log().Debug("configuration loaded", "path", path, "backend", doc.Scheduler.Backend)
	return doc, nil
}

func parseLogLevel(value string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return 0, fmt.Errorf("invalid --log-level %q", value)
	}
	return level, nil
}
