// Package work defines the contracts between the agent's lifecycle loop and
// its external collaborators: the coordinating server that hands out jobs,
// the pool of launchable browsers and the traffic shaping backend. Concrete
// browser launching and shaping vary by OS and vendor; the core only depends
// on these interfaces.
package work

import (
	"context"

	"github.com/perfwatch/agent/lib"
)

// Source hands out jobs and tasks and receives run results. A nil job or
// task (with nil error) means no work is available.
type Source interface {
	GetJob(ctx context.Context) (*lib.Job, error)
	GetTask(ctx context.Context, job *lib.Job) (*lib.Task, error)
	UploadTaskResult(ctx context.Context, task *lib.Task) error
	NotifySecondaryRunStarting(ctx context.Context, task *lib.Task) error
}

// Browser is one acquirable browser instance. Prepare and Launch bracket the
// start of a run, Stop its end; Stop must be safe to call after a failed
// Launch.
type Browser interface {
	Prepare(ctx context.Context, job *lib.Job, task *lib.Task) error
	Launch(ctx context.Context, job *lib.Job, task *lib.Task) error
	RunTask(ctx context.Context, task *lib.Task) error
	RunLighthouseTest(ctx context.Context, task *lib.Task) error
	Stop(ctx context.Context, job *lib.Job, task *lib.Task) error
	ClearProfile(ctx context.Context, task *lib.Task) error
}

// BrowserPool resolves browser names requested by jobs. GetBrowser returns
// nil for an unknown name.
type BrowserPool interface {
	IsReady() bool
	GetBrowser(name string, job *lib.Job) Browser
}

// TrafficShaper controls the process-wide traffic shaping rules. Reset must
// be called after every run regardless of outcome; a stuck rule corrupts
// every subsequent task.
type TrafficShaper interface {
	Install() error
	Configure(ctx context.Context, job *lib.Job) error
	Reset()
	Remove()
}
