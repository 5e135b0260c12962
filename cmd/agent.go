package cmd

import (
	"errors"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/perfwatch/agent/agent"
	"github.com/perfwatch/agent/browser"
	"github.com/perfwatch/agent/devtools"
	"github.com/perfwatch/agent/lib"
	"github.com/perfwatch/agent/work"
)

func getAgentCmd(root *rootCommand) *cobra.Command {
	cfg := agent.NewConfig()
	var browserName, browserWSURL string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "poll the server for test jobs and run them",
		RunE: func(_ *cobra.Command, _ []string) error {
			// Env first, flags already layered on top by pflag defaults.
			if err := cfg.LoadEnv(); err != nil {
				return err
			}
			if cfg.Server == "" {
				return errors.New("a server URL is required (--server or WPT_SERVER)")
			}

			logger := root.logger
			fs := afero.NewOsFs()
			if err := fs.MkdirAll(cfg.WorkDir, 0o755); err != nil {
				return err
			}

			source := work.NewHTTPSource(work.HTTPSourceOptions{
				BaseURL:          cfg.Server,
				Location:         cfg.Location,
				Key:              cfg.Key,
				PCName:           cfg.PCName,
				WorkDir:          cfg.WorkDir,
				DefaultTimeLimit: cfg.TimeLimit,
			}, logger, fs)

			pool := work.NewRegistryPool()
			if browserWSURL != "" {
				launcher := &browser.RemoteLauncher{WSURL: browserWSURL}
				pool.Register(browserName, func(job *lib.Job) work.Browser {
					return browser.NewRunner(logger, fs, launcher, job, devtools.DefaultClientOptions())
				})
			} else {
				logger.Warn("no browser configured, agent will idle until one is registered")
			}

			shaper := &work.NopShaper{Logger: logger}
			if err := shaper.Install(); err != nil {
				return err
			}

			a := agent.New(cfg, logger, fs, source, pool, shaper)
			return a.Run(root.ctx)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Server, "server", cfg.Server, "base URL of the coordinating server")
	flags.StringVar(&cfg.Location, "location", cfg.Location, "location name assigned by the server")
	flags.StringVar(&cfg.Key, "key", cfg.Key, "location key for the server")
	flags.StringVar(&cfg.PCName, "name", cfg.PCName, "agent name reported to the server")
	flags.StringVar(&cfg.WorkDir, "work-dir", cfg.WorkDir, "directory for task working files")
	flags.DurationVar(&cfg.Polling, "polling", cfg.Polling, "idle delay between job requests")
	flags.DurationVar(&cfg.ExitAfter, "exit", cfg.ExitAfter, "wall-clock run budget, 0 runs forever")
	flags.StringVar(&cfg.AlivePath, "alive", cfg.AlivePath, "watchdog file to touch, empty disables")
	flags.DurationVar(&cfg.TimeLimit, "time-limit", cfg.TimeLimit, "default per-run time budget")
	flags.StringVar(&browserName, "browser", "chrome", "name the configured browser registers under")
	flags.StringVar(&browserWSURL, "browser-ws-url", "", "devtools websocket URL of an externally managed browser")

	return cmd
}
