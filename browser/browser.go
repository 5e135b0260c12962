// Package browser executes a task's script against a devtools protocol
// session: it prepares the page (emulation, user agent), interprets the
// command queue in order, brackets recorded commands with a capture window
// and collects the in-page artifacts after each recorded step.
package browser

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/mailru/easyjson"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/perfwatch/agent/devtools"
	"github.com/perfwatch/agent/lib"
	"github.com/perfwatch/agent/lib/consts"
)

// Protocol is the slice of the devtools client the interpreter needs. The
// concrete implementation is *devtools.Client; tests substitute fakes.
type Protocol interface {
	SendCommand(ctx context.Context, method string, params easyjson.Marshaler, wait bool) error
	ExecuteJS(ctx context.Context, script string) (json.RawMessage, error)
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error
	WaitForPageLoad(ctx context.Context, timeout time.Duration) error
	GrabScreenshot(ctx context.Context, path string, format devtools.ScreenshotFormat) error
}

// CommandHandler executes one script command kind.
type CommandHandler func(ctx context.Context, b *Browser, cmd *lib.ScriptCommand) error

// Browser interprets a task's script for one job against one session.
type Browser struct {
	logger   logrus.FieldLogger
	fs       afero.Fs
	job      *lib.Job
	session  Protocol
	handlers map[string]CommandHandler

	// loadTimeout caps the page load wait; the task's remaining time budget
	// caps it further.
	loadTimeout time.Duration
}

// New creates an interpreter for job bound to session. The built-in command
// kinds are registered; more can be added with RegisterCommand.
func New(logger logrus.FieldLogger, fs afero.Fs, job *lib.Job, session Protocol, loadTimeout time.Duration) *Browser {
	if loadTimeout <= 0 {
		loadTimeout = devtools.DefaultLoadTimeout
	}
	b := &Browser{
		logger:      logger,
		fs:          fs,
		job:         job,
		session:     session,
		handlers:    make(map[string]CommandHandler),
		loadTimeout: loadTimeout,
	}
	b.RegisterCommand("navigate", navigateCommand)
	b.RegisterCommand("exec", execCommand)
	b.RegisterCommand("sleep", sleepCommand)
	return b
}

// RegisterCommand adds a handler for a script command kind. The run loop
// never needs to change for new kinds.
func (b *Browser) RegisterCommand(kind string, handler CommandHandler) {
	b.handlers[kind] = handler
}

// PrepareSession applies the job's emulation and user agent configuration to
// the live session. It must complete before the first script command runs;
// skipping it would taint every subsequent measurement.
func (b *Browser) PrepareSession(ctx context.Context) error {
	if b.job.MobileEmulation() {
		width, height := b.job.Width.Int64, b.job.Height.Int64
		metrics := emulation.SetDeviceMetricsOverride(width, height, b.job.DPR.Float64, true).
			WithScreenWidth(width).
			WithScreenHeight(height).
			WithPositionX(0).
			WithPositionY(0)
		if err := b.session.SendCommand(ctx, emulation.CommandSetDeviceMetricsOverride, metrics, true); err != nil {
			return err
		}
		if err := b.session.SendCommand(ctx, emulation.CommandSetVisibleSize,
			emulation.SetVisibleSize(width, height), true); err != nil {
			return err
		}
	}

	ua := b.job.UAString.String
	if !b.job.UAString.Valid {
		raw, err := b.session.ExecuteJS(ctx, "navigator.userAgent")
		if err != nil {
			b.logger.WithError(err).Warn("could not read browser user agent")
		} else if raw != nil {
			_ = json.Unmarshal(raw, &ua)
		}
	}
	if ua == "" {
		return nil
	}
	if !b.job.KeepUA {
		ua += " " + consts.UAToken()
	}
	return b.session.SendCommand(ctx, network.CommandSetUserAgentOverride,
		network.SetUserAgentOverride(ua), true)
}

// RunTask interprets the task's script. Commands run strictly in FIFO order;
// the loop stops when the queue is empty or the task's time budget elapses,
// whichever comes first. Running out of budget with commands still queued is
// a partial success, not an error.
func (b *Browser) RunTask(ctx context.Context, task *lib.Task) error {
	started := time.Now()
	for time.Since(started) < task.TimeLimit {
		cmd := task.PopCommand()
		if cmd == nil {
			break
		}
		if cmd.Record {
			if err := b.session.StartRecording(ctx); err != nil {
				task.SetError("Error starting recording: " + err.Error())
				return err
			}
		}
		if err := b.processCommand(ctx, cmd); err != nil {
			// Browser state after a protocol failure is not trusted; abandon
			// the rest of the script instead of retrying in place.
			task.SetError("Error processing command " + cmd.Command + ": " + err.Error())
			if cmd.Record {
				_ = b.session.StopRecording(ctx)
			}
			return err
		}
		if cmd.Record {
			wait := b.loadTimeout
			if remaining := task.TimeLimit - time.Since(started); remaining < wait {
				wait = remaining
			}
			if err := b.session.WaitForPageLoad(ctx, wait); err != nil {
				b.logger.WithError(err).Debug("page load wait ended without load event")
			}
			if err := b.session.StopRecording(ctx); err != nil {
				b.logger.WithError(err).Warn("error stopping recording")
			}
			b.captureScreenshot(ctx, task)
			b.collectMetrics(ctx, task)
		}
	}
	return nil
}

func (b *Browser) processCommand(ctx context.Context, cmd *lib.ScriptCommand) error {
	handler, ok := b.handlers[cmd.Command]
	if !ok {
		b.logger.WithField("command", cmd.Command).Warn("skipping unknown script command")
		return nil
	}
	return handler(ctx, b, cmd)
}

func (b *Browser) captureScreenshot(ctx context.Context, task *lib.Task) {
	name, format := "screen.jpg", devtools.ScreenshotJPEG
	if b.job.PNGScreenshot {
		name, format = "screen.png", devtools.ScreenshotPNG
	}
	if err := b.session.GrabScreenshot(ctx, task.ArtifactPath(name), format); err != nil {
		b.logger.WithError(err).Warn("error capturing screenshot")
	}
}

func navigateCommand(ctx context.Context, b *Browser, cmd *lib.ScriptCommand) error {
	return b.session.SendCommand(ctx, page.CommandNavigate, page.Navigate(cmd.Target), false)
}

func execCommand(ctx context.Context, b *Browser, cmd *lib.ScriptCommand) error {
	if _, err := b.session.ExecuteJS(ctx, cmd.Target); err != nil {
		// In-page failures degrade, they never abort the script.
		b.logger.WithError(err).Debug("exec command script failed")
	}
	return nil
}

func sleepCommand(ctx context.Context, b *Browser, cmd *lib.ScriptCommand) error {
	seconds, err := strconv.Atoi(cmd.Target)
	if err != nil || seconds < 0 {
		b.logger.WithField("target", cmd.Target).Warn("ignoring sleep with invalid duration")
		return nil
	}
	timer := time.NewTimer(time.Duration(seconds) * time.Second)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	return nil
}
