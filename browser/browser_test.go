package browser

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mailru/easyjson"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	null "gopkg.in/guregu/null.v3"

	"github.com/perfwatch/agent/devtools"
	"github.com/perfwatch/agent/errext"
	"github.com/perfwatch/agent/lib"
)

// fakeSession records every protocol interaction in order.
type fakeSession struct {
	mu     sync.Mutex
	calls  []string
	params map[string]string

	failMethods map[string]error
	evals       map[string]json.RawMessage
	evalErrs    map[string]error
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		params:      make(map[string]string),
		failMethods: make(map[string]error),
		evals:       make(map[string]json.RawMessage),
		evalErrs:    make(map[string]error),
	}
}

func (f *fakeSession) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSession) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSession) SendCommand(_ context.Context, method string, params easyjson.Marshaler, wait bool) error {
	call := "send:" + method
	if wait {
		call += ":wait"
	}
	f.record(call)
	if params != nil {
		if buf, err := easyjson.Marshal(params); err == nil {
			f.mu.Lock()
			f.params[method] = string(buf)
			f.mu.Unlock()
		}
	}
	return f.failMethods[method]
}

func (f *fakeSession) ExecuteJS(_ context.Context, script string) (json.RawMessage, error) {
	f.record("eval")
	for needle, err := range f.evalErrs {
		if strings.Contains(script, needle) {
			return nil, err
		}
	}
	for needle, value := range f.evals {
		if strings.Contains(script, needle) {
			return value, nil
		}
	}
	return nil, nil
}

func (f *fakeSession) StartRecording(_ context.Context) error {
	f.record("start-recording")
	return nil
}

func (f *fakeSession) StopRecording(_ context.Context) error {
	f.record("stop-recording")
	return nil
}

func (f *fakeSession) WaitForPageLoad(_ context.Context, _ time.Duration) error {
	f.record("wait-for-load")
	return nil
}

func (f *fakeSession) GrabScreenshot(_ context.Context, path string, format devtools.ScreenshotFormat) error {
	f.record("screenshot:" + path + ":" + string(format))
	return nil
}

var _ Protocol = &fakeSession{}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestBrowser(job *lib.Job, session Protocol) *Browser {
	return New(testLogger(), afero.NewMemMapFs(), job, session, time.Second)
}

func navigateTask(urls ...string) *lib.Task {
	task := &lib.Task{TimeLimit: time.Minute, Dir: "/results", Prefix: "1_"}
	for _, u := range urls {
		task.Script = append(task.Script, &lib.ScriptCommand{Command: "navigate", Target: u})
	}
	return task
}

func TestRunTaskScriptOrder(t *testing.T) {
	session := newFakeSession()
	b := newTestBrowser(&lib.Job{}, session)

	task := navigateTask("https://a.test/", "https://b.test/", "https://c.test/")
	require.NoError(t, b.RunTask(context.Background(), task))

	assert.Equal(t, []string{
		"send:Page.navigate",
		"send:Page.navigate",
		"send:Page.navigate",
	}, session.recorded())
	assert.Empty(t, task.Script, "queue must be fully consumed")
	assert.False(t, task.HasError())
}

func TestRunTaskRecordingBracket(t *testing.T) {
	session := newFakeSession()
	b := newTestBrowser(&lib.Job{PNGScreenshot: true}, session)

	task := navigateTask("https://example.com/")
	task.Script[0].Record = true
	require.NoError(t, b.RunTask(context.Background(), task))

	calls := session.recorded()
	require.GreaterOrEqual(t, len(calls), 5)
	assert.Equal(t, "start-recording", calls[0])
	assert.Equal(t, "send:Page.navigate", calls[1])
	assert.Equal(t, "wait-for-load", calls[2])
	assert.Equal(t, "stop-recording", calls[3])
	assert.Equal(t, "screenshot:/results/1_screen.png:png", calls[4])
}

func TestRunTaskScreenshotFormat(t *testing.T) {
	session := newFakeSession()
	b := newTestBrowser(&lib.Job{PNGScreenshot: false}, session)

	task := navigateTask("https://example.com/")
	task.Script[0].Record = true
	require.NoError(t, b.RunTask(context.Background(), task))

	assert.Contains(t, session.recorded(), "screenshot:/results/1_screen.jpg:jpeg")
}

func TestRunTaskTimeBudget(t *testing.T) {
	session := newFakeSession()
	b := newTestBrowser(&lib.Job{}, session)
	b.RegisterCommand("stall", func(_ context.Context, _ *Browser, _ *lib.ScriptCommand) error {
		time.Sleep(80 * time.Millisecond)
		return nil
	})

	task := &lib.Task{
		TimeLimit: 50 * time.Millisecond,
		Dir:       "/results",
		Prefix:    "1_",
		Script: []*lib.ScriptCommand{
			{Command: "stall"},
			{Command: "navigate", Target: "https://example.com/"},
		},
	}
	require.NoError(t, b.RunTask(context.Background(), task))

	// Budget expiry with commands still queued is a partial success.
	assert.NotContains(t, session.recorded(), "send:Page.navigate")
	assert.Len(t, task.Script, 1)
	assert.False(t, task.HasError())
}

func TestRunTaskAbandonsOnProtocolError(t *testing.T) {
	session := newFakeSession()
	session.failMethods["Page.navigate"] = errext.New(errext.KindConnection, "socket gone")
	b := newTestBrowser(&lib.Job{}, session)

	task := navigateTask("https://a.test/", "https://b.test/")
	err := b.RunTask(context.Background(), task)
	require.Error(t, err)

	// The rest of the script is skipped; browser state is not trusted after
	// a protocol failure.
	assert.True(t, task.HasError())
	assert.Contains(t, task.Error, "Page.navigate")
	assert.Len(t, task.Script, 1)
}

func TestRunTaskUnknownCommandSkipped(t *testing.T) {
	session := newFakeSession()
	b := newTestBrowser(&lib.Job{}, session)

	task := &lib.Task{
		TimeLimit: time.Minute,
		Script: []*lib.ScriptCommand{
			{Command: "teleport", Target: "mars"},
			{Command: "navigate", Target: "https://example.com/"},
		},
	}
	require.NoError(t, b.RunTask(context.Background(), task))

	assert.Equal(t, []string{"send:Page.navigate"}, session.recorded())
	assert.False(t, task.HasError())
}

func TestPrepareSessionMobileEmulation(t *testing.T) {
	session := newFakeSession()
	session.evals["navigator.userAgent"] = json.RawMessage(`"Mozilla/5.0 TestBrowser"`)

	job := &lib.Job{
		Mobile: true,
		Width:  null.IntFrom(390),
		Height: null.IntFrom(844),
		DPR:    null.FloatFrom(3),
	}
	b := newTestBrowser(job, session)
	require.NoError(t, b.PrepareSession(context.Background()))

	calls := session.recorded()
	assert.Equal(t, "send:Emulation.setDeviceMetricsOverride:wait", calls[0])
	assert.Equal(t, "send:Emulation.setVisibleSize:wait", calls[1])
	assert.Contains(t, session.params["Emulation.setDeviceMetricsOverride"], `"width":390`)
	assert.Contains(t, session.params["Emulation.setDeviceMetricsOverride"], `"deviceScaleFactor":3`)

	// The read UA gets the agent marker appended.
	assert.Contains(t, session.params["Network.setUserAgentOverride"], "Mozilla/5.0 TestBrowser PTST/")
}

func TestPrepareSessionUAOverride(t *testing.T) {
	t.Run("explicit override", func(t *testing.T) {
		session := newFakeSession()
		job := &lib.Job{UAString: null.StringFrom("CustomAgent/1.0")}
		require.NoError(t, newTestBrowser(job, session).PrepareSession(context.Background()))

		assert.Contains(t, session.params["Network.setUserAgentOverride"], "CustomAgent/1.0 PTST/")
	})

	t.Run("keepua suppresses the marker", func(t *testing.T) {
		session := newFakeSession()
		job := &lib.Job{UAString: null.StringFrom("CustomAgent/1.0"), KeepUA: true}
		require.NoError(t, newTestBrowser(job, session).PrepareSession(context.Background()))

		assert.Contains(t, session.params["Network.setUserAgentOverride"], `"CustomAgent/1.0"`)
		assert.NotContains(t, session.params["Network.setUserAgentOverride"], "PTST/")
	})

	t.Run("no emulation commands without mobile metrics", func(t *testing.T) {
		session := newFakeSession()
		job := &lib.Job{Mobile: true} // width/height/dpr missing
		require.NoError(t, newTestBrowser(job, session).PrepareSession(context.Background()))

		for _, call := range session.recorded() {
			assert.NotContains(t, call, "Emulation.")
		}
	})
}
