package devtools

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/perfwatch/agent/errext"
)

// ScreenshotFormat selects the encoding of captured frames.
type ScreenshotFormat string

// Supported screenshot encodings.
const (
	ScreenshotPNG  ScreenshotFormat = "png"
	ScreenshotJPEG ScreenshotFormat = "jpeg"
)

// ClientOptions tune the client's wait bounds.
type ClientOptions struct {
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	LoadTimeout    time.Duration
}

// DefaultClientOptions returns the default wait bounds.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		ConnectTimeout: DefaultConnectTimeout,
		CommandTimeout: DefaultCommandTimeout,
		LoadTimeout:    DefaultLoadTimeout,
	}
}

// Client drives one protocol session for the lifetime of a task run. It is
// not reusable once closed; the lifecycle loop creates a fresh client per
// run, bracketed by browser launch and stop.
type Client struct {
	logger logrus.FieldLogger
	fs     afero.Fs
	opts   ClientOptions
	conn   *Connection

	recMu     sync.Mutex
	recording bool
	loadFired chan struct{}
	stopPump  context.CancelFunc
}

// NewClient creates an unconnected client. Artifacts such as screenshots are
// written through fs.
func NewClient(logger logrus.FieldLogger, fs afero.Fs, opts ClientOptions) *Client {
	return &Client{logger: logger, fs: fs, opts: opts}
}

// Connect establishes the remote debugging connection within the configured
// connect timeout. On failure the browser is unusable for this run and the
// returned error carries the connection kind.
func (c *Client) Connect(ctx context.Context, wsURL string) error {
	conn, err := NewConnection(ctx, wsURL, c.opts.ConnectTimeout, c.logger)
	if err != nil {
		return errext.Wrap(errext.KindConnection, err, "connecting to devtools endpoint %q", wsURL)
	}
	c.conn = conn
	return nil
}

// Connected reports whether the client holds a live connection.
func (c *Client) Connected() bool { return c.conn != nil }

// SendCommand dispatches a protocol command. With wait set the call blocks
// until the matching response arrives or the command timeout elapses; without
// it the command is fire-and-forget.
func (c *Client) SendCommand(ctx context.Context, method string, params easyjson.Marshaler, wait bool) error {
	if !wait {
		return c.conn.ExecuteAsync(ctx, method, params)
	}
	cctx, cancel := context.WithTimeout(ctx, c.opts.CommandTimeout)
	defer cancel()
	err := c.conn.Execute(cctx, method, params, nil)
	if err != nil && cctx.Err() == context.DeadlineExceeded {
		return errext.Wrap(errext.KindCommandTimeout, err, "command %s not acknowledged", method)
	}
	return err
}

// ExecuteJS evaluates an expression or script body in the page context and
// returns its JSON-serialized value. A script that throws, or an evaluation
// that times out, yields an evaluation-kind error and never a session
// failure; callers may degrade it to an absent result.
func (c *Client) ExecuteJS(ctx context.Context, script string) (json.RawMessage, error) {
	ectx, cancel := context.WithTimeout(ctx, c.opts.CommandTimeout)
	defer cancel()

	remote, exc, err := runtime.Evaluate(script).
		WithReturnByValue(true).
		Do(cdp.WithExecutor(ectx, c.conn))
	if err != nil {
		return nil, errext.Wrap(errext.KindEvaluation, err, "evaluating script")
	}
	if exc != nil {
		text := exc.Text
		if exc.Exception != nil && exc.Exception.Description != "" {
			text = exc.Exception.Description
		}
		return nil, errext.New(errext.KindEvaluation, "script threw: %s", text)
	}
	if remote == nil || remote.Value == nil {
		return nil, nil
	}
	return json.RawMessage(remote.Value), nil
}

// StartRecording opens a capture window. Page lifecycle events must be
// flowing before the triggering action is issued, otherwise a fast load can
// complete unobserved.
func (c *Client) StartRecording(ctx context.Context) error {
	if err := page.Enable().Do(cdp.WithExecutor(ctx, c.conn)); err != nil {
		return err
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	events := make(chan Event)
	fired := make(chan struct{}, 1)
	c.conn.on(pumpCtx, []string{string(cdproto.EventPageLoadEventFired)}, events)
	go func() {
		for {
			select {
			case <-pumpCtx.Done():
				return
			case <-events:
				select {
				case fired <- struct{}{}:
				default:
				}
			}
		}
	}()

	c.recMu.Lock()
	if c.stopPump != nil {
		c.stopPump()
	}
	c.recording = true
	c.loadFired = fired
	c.stopPump = cancel
	c.recMu.Unlock()
	return nil
}

// WaitForPageLoad blocks until the load event fires or timeout elapses.
// Completion is asynchronous relative to the navigation command's own
// acknowledgment, hence the separate wait.
func (c *Client) WaitForPageLoad(ctx context.Context, timeout time.Duration) error {
	c.recMu.Lock()
	fired := c.loadFired
	c.recMu.Unlock()
	if fired == nil {
		return errext.New(errext.KindUnhandled, "wait for page load outside of a recording window")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-fired:
		return nil
	case <-timer.C:
		return errext.New(errext.KindCommandTimeout, "timed out waiting for page load after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopRecording closes the capture window opened by StartRecording.
func (c *Client) StopRecording(_ context.Context) error {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	if c.stopPump != nil {
		c.stopPump()
		c.stopPump = nil
	}
	c.recording = false
	c.loadFired = nil
	return nil
}

// GrabScreenshot captures the current visual frame and writes it to path in
// the requested format.
func (c *Client) GrabScreenshot(ctx context.Context, path string, format ScreenshotFormat) error {
	cctx, cancel := context.WithTimeout(ctx, c.opts.CommandTimeout)
	defer cancel()

	action := page.CaptureScreenshot()
	if format == ScreenshotJPEG {
		action = action.WithFormat(page.CaptureScreenshotFormatJpeg).WithQuality(jpegQuality)
	} else {
		action = action.WithFormat(page.CaptureScreenshotFormatPng)
	}
	buf, err := action.Do(cdp.WithExecutor(cctx, c.conn))
	if err != nil {
		return err
	}
	return afero.WriteFile(c.fs, path, buf, 0o644)
}

// Close releases the connection. Idempotent and safe to call on a client
// that never connected.
func (c *Client) Close() {
	c.recMu.Lock()
	if c.stopPump != nil {
		c.stopPump()
		c.stopPump = nil
	}
	c.recording = false
	c.loadFired = nil
	c.recMu.Unlock()

	if c.conn != nil {
		c.conn.Close()
	}
}
