package agent

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	null "gopkg.in/guregu/null.v3"

	"github.com/perfwatch/agent/browser"
	"github.com/perfwatch/agent/devtools"
	"github.com/perfwatch/agent/lib"
	"github.com/perfwatch/agent/tests/ws"
	"github.com/perfwatch/agent/work"
)

// msgLog captures every command the emulated browser receives, with its raw
// parameters, so tests can assert on what actually went over the wire.
type msgLog struct {
	mu     sync.Mutex
	params map[string][]string
}

func newMsgLog() *msgLog {
	return &msgLog{params: make(map[string][]string)}
}

func (l *msgLog) add(method, params string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.params[method] = append(l.params[method], params)
}

func (l *msgLog) sent(method string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.params[method]...)
}

func readGzip(t *testing.T, fs afero.Fs, path string) string {
	t.Helper()
	f, err := fs.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	payload, err := io.ReadAll(gz)
	require.NoError(t, err)
	return string(payload)
}

// TestEndToEndMobileRun drives a full first-view run against an emulated
// browser: mobile emulation, a two-step script with one recorded navigation,
// screenshot and artifact collection, and the result upload.
func TestEndToEndMobileRun(t *testing.T) {
	shot := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 9, 9, 9}
	emulated := &ws.CDPBrowserHandler{
		Evaluations: map[string]string{
			"navigator.userAgent":        `"Mozilla/5.0 TestBrowser"`,
			"entryType":                  `[{"name":"first-paint","startTime":42}]`,
			"domContentLoadedEventStart": `{"domElements":120}`,
		},
		Screenshot: shot,
		LoadDelay:  20 * time.Millisecond,
	}

	log := newMsgLog()
	logged := func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
		if msg.Method != "" {
			log.add(string(msg.Method), string(msg.Params))
		}
		emulated.Handle(conn, msg, writeCh, done)
	}
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", logged, nil))

	job := &lib.Job{
		ID:            "job-1",
		Browser:       "chrome",
		Mobile:        true,
		Width:         null.IntFrom(390),
		Height:        null.IntFrom(844),
		DPR:           null.FloatFrom(3),
		PNGScreenshot: true,
	}
	task := &lib.Task{
		Run:       1,
		TimeLimit: 30 * time.Second,
		Dir:       "/results",
		Prefix:    "1_",
		Script: []*lib.ScriptCommand{
			{Command: "navigate", Target: "about:blank"},
			{Command: "navigate", Target: "https://example.com/", Record: true},
		},
	}

	fs := afero.NewMemMapFs()
	opts := devtools.DefaultClientOptions()
	opts.ConnectTimeout = 5 * time.Second
	opts.CommandTimeout = 5 * time.Second
	opts.LoadTimeout = 5 * time.Second

	pool := work.NewRegistryPool()
	pool.Register("chrome", func(job *lib.Job) work.Browser {
		launcher := &browser.RemoteLauncher{WSURL: server.URL("/cdp")}
		return browser.NewRunner(testLogger(), fs, launcher, job, opts)
	})

	source := &fakeSource{jobs: []*lib.Job{job}, tasks: []*lib.Task{task}}
	a := New(testConfig(), testLogger(), fs, source, pool, &fakeShaper{})

	a.iteration(context.Background())

	require.Len(t, source.uploads, 1)
	assert.Same(t, task, source.uploads[0])
	assert.False(t, task.HasError(), "task error: %s", task.Error)

	// The session was prepared exactly once, before the script ran.
	metrics := log.sent("Emulation.setDeviceMetricsOverride")
	require.Len(t, metrics, 1)
	assert.Contains(t, metrics[0], `"width":390`)
	assert.Contains(t, metrics[0], `"height":844`)
	assert.Contains(t, metrics[0], `"deviceScaleFactor":3`)

	overrides := log.sent("Network.setUserAgentOverride")
	require.Len(t, overrides, 1)
	assert.Contains(t, overrides[0], "Mozilla/5.0 TestBrowser PTST/")

	navs := log.sent("Page.navigate")
	require.Len(t, navs, 2)
	assert.Contains(t, navs[0], "about:blank")
	assert.Contains(t, navs[1], "https://example.com/")

	written, err := afero.ReadFile(fs, "/results/1_screen.png")
	require.NoError(t, err)
	assert.Equal(t, shot, written)

	assert.JSONEq(t, `[{"name":"first-paint","startTime":42}]`,
		readGzip(t, fs, "/results/1_timed_events.json.gz"))
	assert.JSONEq(t, `{"domElements":120}`,
		readGzip(t, fs, "/results/1_page_data.json.gz"))

	// No custom metrics on the job, so no metrics artifact.
	ok, err := afero.Exists(fs, "/results/1_metrics.json.gz")
	require.NoError(t, err)
	assert.False(t, ok)
}
