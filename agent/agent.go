// Package agent implements the outer job/task lifecycle: poll the server for
// work, expand each job into its task runs (including the optional secondary
// lighthouse run), execute them with scoped teardown and report every result
// back. A single run's failure is recorded on its task and never terminates
// the agent process.
package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/perfwatch/agent/lib"
	"github.com/perfwatch/agent/work"
)

// ExitSentinel is the file name that, when present in the work directory,
// requests a graceful shutdown identically to an OS interrupt.
const ExitSentinel = "exit"

// Agent is the lifecycle manager. One job and one task are active at a time.
type Agent struct {
	cfg      Config
	logger   logrus.FieldLogger
	fs       afero.Fs
	source   work.Source
	pool     work.BrowserPool
	shaper   work.TrafficShaper
	watchdog *Watchdog
}

// New creates an agent wired to its collaborators.
func New(cfg Config, logger logrus.FieldLogger, fs afero.Fs,
	source work.Source, pool work.BrowserPool, shaper work.TrafficShaper,
) *Agent {
	return &Agent{
		cfg:      cfg,
		logger:   logger,
		fs:       fs,
		source:   source,
		pool:     pool,
		shaper:   shaper,
		watchdog: NewWatchdog(fs, cfg.AlivePath, logger),
	}
}

// Run executes the polling loop until ctx is cancelled, the exit sentinel
// appears or the wall-clock budget elapses. Cancellation is honored at loop
// boundaries only: the current task always finishes and uploads.
func (a *Agent) Run(ctx context.Context) error {
	start := time.Now()
	defer a.shaper.Remove()

	for {
		if ctx.Err() != nil {
			a.logger.Info("shutdown requested, exiting")
			return nil
		}
		if a.exitRequested() {
			a.logger.Info("exit sentinel found, exiting")
			return nil
		}

		a.iteration(ctx)

		if a.cfg.ExitAfter > 0 && time.Since(start) > a.cfg.ExitAfter {
			a.logger.Info("run time budget exhausted, exiting")
			return nil
		}
	}
}

// iteration performs one poll cycle. Everything it does is recovered; a
// failure is logged (and recorded on the current task when one exists) and
// the loop resumes.
func (a *Agent) iteration(ctx context.Context) {
	var task *lib.Task
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("Unhandled exception preparing test: %v", r)
			a.logger.Error(msg)
			if task != nil {
				task.SetError(msg)
				a.upload(ctx, task)
			}
		}
	}()

	a.watchdog.Touch()
	if !a.pool.IsReady() {
		a.idle(ctx)
		return
	}

	job, err := a.source.GetJob(ctx)
	if err != nil {
		a.logger.WithError(err).Error("error requesting work")
		a.idle(ctx)
		return
	}
	if job == nil {
		a.idle(ctx)
		return
	}

	for {
		task, err = a.source.GetTask(ctx, job)
		if err != nil {
			a.logger.WithError(err).Error("error requesting task")
			return
		}
		if task == nil {
			return
		}
		a.runTask(ctx, job, task)
		a.upload(ctx, task)
		if ctx.Err() != nil {
			// Graceful shutdown: the finished task is uploaded, no new one
			// is fetched.
			return
		}
	}
}

// runTask executes one task, including the conditional secondary lighthouse
// run for the same task identity.
func (a *Agent) runTask(ctx context.Context, job *lib.Job, task *lib.Task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("Unhandled exception running test: %v", r)
			a.logger.Error(msg)
			task.SetError(msg)
		}
	}()

	task.RunningLighthouse = false
	if job.Type != lib.JobTypeLighthouse {
		a.runSingleTest(ctx, job, task)
	}
	if task.Run == 1 && !task.Cached && !task.HasError() && job.Lighthouse {
		task.RunningLighthouse = true
		if err := a.source.NotifySecondaryRunStarting(ctx, task); err != nil {
			a.logger.WithError(err).Warn("error notifying server of secondary run")
		}
		a.runSingleTest(ctx, job, task)
	}
	a.logger.WithField("elapsed", time.Since(start)).Debug("test run time")
}

// runSingleTest performs one run attempt: acquire and launch the browser,
// configure shaping, execute, and tear down on every exit path.
func (a *Agent) runSingleTest(ctx context.Context, job *lib.Job, task *lib.Task) {
	a.watchdog.Touch()

	browser := a.pool.GetBrowser(job.Browser, job)
	if browser == nil {
		msg := fmt.Sprintf("Invalid browser - %s", job.Browser)
		a.logger.Error(msg)
		task.SetError(msg)
		return
	}

	// Shaping reset and browser stop run unconditionally from here on; a
	// stuck shaping rule or a leaked process would corrupt every later run.
	defer func() {
		a.shaper.Reset()
		if err := browser.Stop(ctx, job, task); err != nil {
			a.logger.WithError(err).Warn("error stopping browser")
		}
		if task.Cached || job.FVOnly {
			if err := browser.ClearProfile(ctx, task); err != nil {
				a.logger.WithError(err).Warn("error clearing browser profile")
			}
		}
	}()

	if err := browser.Prepare(ctx, job, task); err != nil {
		task.SetError(fmt.Sprintf("Error preparing browser: %v", err))
		return
	}
	if err := browser.Launch(ctx, job, task); err != nil {
		task.SetError(fmt.Sprintf("Error launching browser: %v", err))
		return
	}
	if err := a.shaper.Configure(ctx, job); err != nil {
		a.logger.WithError(err).Error("error configuring traffic shaping")
		task.SetError("Error configuring traffic-shaping")
		return
	}

	var runErr error
	if task.RunningLighthouse {
		runErr = browser.RunLighthouseTest(ctx, task)
	} else {
		runErr = browser.RunTask(ctx, task)
	}
	if runErr != nil {
		task.SetError(fmt.Sprintf("Unhandled exception in test run: %v", runErr))
	}
}

func (a *Agent) upload(ctx context.Context, task *lib.Task) {
	if err := a.source.UploadTaskResult(ctx, task); err != nil {
		a.logger.WithError(err).Error("error uploading task result")
	}
}

// idle sleeps for the polling interval, interruptible by shutdown.
func (a *Agent) idle(ctx context.Context) {
	a.watchdog.Touch()
	timer := time.NewTimer(a.cfg.Polling)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// exitRequested checks for (and consumes) the exit sentinel file.
func (a *Agent) exitRequested() bool {
	path := filepath.Join(a.cfg.WorkDir, ExitSentinel)
	ok, err := afero.Exists(a.fs, path)
	if err != nil || !ok {
		return false
	}
	if err := a.fs.Remove(path); err != nil {
		a.logger.WithError(err).Warn("error removing exit sentinel")
	}
	return true
}
