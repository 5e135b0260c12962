// Package cmd contains the agent's CLI commands.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/perfwatch/agent/lib/consts"
)

// rootCommand keeps the state shared by all subcommands.
type rootCommand struct {
	ctx     context.Context
	logger  *logrus.Logger
	cmd     *cobra.Command
	verbose bool
}

func newRootCommand(ctx context.Context, logger *logrus.Logger) *rootCommand {
	c := &rootCommand{ctx: ctx, logger: logger}

	c.cmd = &cobra.Command{
		Use:           "perfwatch",
		Short:         "remote-controlled web performance measurement agent",
		Long:          consts.Banner(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.SetOutput(os.Stderr)
			logger.SetLevel(logrus.InfoLevel)
			if c.verbose {
				logger.SetLevel(logrus.DebugLevel)
			}
		},
	}
	c.cmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")

	c.cmd.AddCommand(getAgentCmd(c))
	c.cmd.AddCommand(getVersionCmd())
	return c
}

// Execute parses the CLI and runs the selected command. Interrupts request a
// graceful shutdown; the current task finishes and uploads before exit.
func Execute() {
	logger := logrus.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := newRootCommand(ctx, logger)
	if err := c.cmd.Execute(); err != nil {
		logger.WithError(err).Error("agent exited with error")
		os.Exit(1)
	}
}
