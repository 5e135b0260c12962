package agent

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Watchdog refreshes the mtime of a liveness file so an external supervisor
// can detect a hung agent. A watchdog with an empty path does nothing.
type Watchdog struct {
	fs     afero.Fs
	path   string
	logger logrus.FieldLogger
}

// NewWatchdog creates a watchdog touching path through fs.
func NewWatchdog(fs afero.Fs, path string, logger logrus.FieldLogger) *Watchdog {
	return &Watchdog{fs: fs, path: path, logger: logger}
}

// Touch refreshes the liveness marker. Failures are logged, never fatal.
func (w *Watchdog) Touch() {
	if w.path == "" {
		return
	}
	if ok, _ := afero.Exists(w.fs, w.path); !ok {
		f, err := w.fs.Create(w.path)
		if err != nil {
			w.logger.WithError(err).Warn("error creating watchdog file")
			return
		}
		_ = f.Close()
		return
	}
	now := time.Now()
	if err := w.fs.Chtimes(w.path, now, now); err != nil {
		w.logger.WithError(err).Warn("error touching watchdog file")
	}
}
