package browser

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/perfwatch/agent/devtools"
	"github.com/perfwatch/agent/lib"
	"github.com/perfwatch/agent/work"
)

// Launcher abstracts the vendor- and OS-specific parts of running a browser
// process: starting it and learning its debugging endpoint, stopping it,
// clearing its profile and driving the lighthouse audit tool against it.
type Launcher interface {
	Launch(ctx context.Context, job *lib.Job, task *lib.Task) (wsURL string, err error)
	Stop(ctx context.Context, job *lib.Job, task *lib.Task) error
	ClearProfile(ctx context.Context, task *lib.Task) error
	RunLighthouse(ctx context.Context, job *lib.Job, task *lib.Task) error
}

// Runner glues a Launcher to a devtools session and the script interpreter,
// implementing the work.Browser contract for any devtools-speaking browser.
type Runner struct {
	logger   logrus.FieldLogger
	fs       afero.Fs
	opts     devtools.ClientOptions
	launcher Launcher
	job      *lib.Job

	client *devtools.Client
	b      *Browser
}

// NewRunner creates a runner for job backed by launcher.
func NewRunner(logger logrus.FieldLogger, fs afero.Fs, launcher Launcher, job *lib.Job, opts devtools.ClientOptions) *Runner {
	return &Runner{logger: logger, fs: fs, opts: opts, launcher: launcher, job: job}
}

// Prepare implements work.Browser. Emulation and user agent overrides need a
// live session, so they are validated here and applied right after Launch
// connects, still before the first script command.
func (r *Runner) Prepare(_ context.Context, job *lib.Job, _ *lib.Task) error {
	r.job = job
	return nil
}

// Launch implements work.Browser: start the process, connect to its
// debugging endpoint and apply the session preparation.
func (r *Runner) Launch(ctx context.Context, job *lib.Job, task *lib.Task) error {
	wsURL, err := r.launcher.Launch(ctx, job, task)
	if err != nil {
		return err
	}
	r.client = devtools.NewClient(r.logger, r.fs, r.opts)
	if err := r.client.Connect(ctx, wsURL); err != nil {
		task.SetError("Error connecting to dev tools interface")
		r.logger.WithError(err).Error(task.Error)
		return err
	}
	r.b = New(r.logger, r.fs, job, r.client, r.opts.LoadTimeout)
	return r.b.PrepareSession(ctx)
}

// RunTask implements work.Browser.
func (r *Runner) RunTask(ctx context.Context, task *lib.Task) error {
	if r.b == nil {
		return errors.New("browser was never launched")
	}
	return r.b.RunTask(ctx, task)
}

// RunLighthouseTest implements work.Browser.
func (r *Runner) RunLighthouseTest(ctx context.Context, task *lib.Task) error {
	return r.launcher.RunLighthouse(ctx, r.job, task)
}

// Stop implements work.Browser. Safe after a failed Launch: closing a client
// that never connected is a no-op.
func (r *Runner) Stop(ctx context.Context, job *lib.Job, task *lib.Task) error {
	if r.client != nil {
		r.client.Close()
		r.client = nil
	}
	r.b = nil
	return r.launcher.Stop(ctx, job, task)
}

// ClearProfile implements work.Browser.
func (r *Runner) ClearProfile(ctx context.Context, task *lib.Task) error {
	return r.launcher.ClearProfile(ctx, task)
}

var _ work.Browser = &Runner{}

// RemoteLauncher is a Launcher for an already-running browser reachable at a
// fixed debugging URL. Nothing is started, stopped or cleaned up; it exists
// for agents pointed at remote or externally managed browsers.
type RemoteLauncher struct {
	WSURL string
}

// Launch implements Launcher.
func (l *RemoteLauncher) Launch(_ context.Context, _ *lib.Job, _ *lib.Task) (string, error) {
	return l.WSURL, nil
}

// Stop implements Launcher.
func (l *RemoteLauncher) Stop(_ context.Context, _ *lib.Job, _ *lib.Task) error { return nil }

// ClearProfile implements Launcher.
func (l *RemoteLauncher) ClearProfile(_ context.Context, _ *lib.Task) error { return nil }

// RunLighthouse implements Launcher.
func (l *RemoteLauncher) RunLighthouse(_ context.Context, _ *lib.Job, _ *lib.Task) error {
	return errors.New("lighthouse is not supported on remote browsers")
}

var _ Launcher = &RemoteLauncher{}
