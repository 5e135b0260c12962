package agent

import (
	"time"

	"github.com/mstoykov/envconfig"
)

// Config holds the agent's runtime configuration. Values load from the
// environment first and may be overridden by CLI flags.
type Config struct {
	Server   string `envconfig:"WPT_SERVER"`
	Location string `envconfig:"WPT_LOCATION"`
	Key      string `envconfig:"WPT_KEY"`
	PCName   string `envconfig:"WPT_PC_NAME"`
	WorkDir  string `envconfig:"WPT_WORK_DIR"`

	// Polling is the idle delay between job requests.
	Polling time.Duration `envconfig:"WPT_POLLING"`

	// ExitAfter is the wall-clock run budget; zero keeps the agent running
	// until a shutdown signal or the exit sentinel shows up.
	ExitAfter time.Duration `envconfig:"WPT_EXIT_AFTER"`

	// AlivePath is the watchdog file whose mtime signals liveness; empty
	// disables the watchdog entirely.
	AlivePath string `envconfig:"WPT_ALIVE_PATH"`

	// TimeLimit is the default per-run budget for jobs without their own.
	TimeLimit time.Duration `envconfig:"WPT_TIME_LIMIT"`
}

// NewConfig returns a config with defaults applied.
func NewConfig() Config {
	return Config{
		PCName:    "agent",
		WorkDir:   "work",
		Polling:   5 * time.Second,
		TimeLimit: 120 * time.Second,
	}
}

// LoadEnv overlays WPT_* environment variables onto the config.
func (c *Config) LoadEnv() error {
	return envconfig.Process("", c)
}
