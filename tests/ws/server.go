// Package ws provides a CDP-speaking websocket test server, used as a test
// alternative to a real devtools-compatible browser.
package ws

import (
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"github.com/stretchr/testify/require"
)

// Server hosts one or more websocket handlers for protocol-level tests.
type Server struct {
	t          testing.TB
	Mux        *http.ServeMux
	ServerHTTP *httptest.Server
}

// NewServer returns a fully configured and running test server.
func NewServer(t testing.TB, opts ...func(*Server)) *Server {
	t.Helper()

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	s := &Server{t: t, Mux: mux, ServerHTTP: server}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// URL returns the ws:// URL for path on this server.
func (s *Server) URL(path string) string {
	u, err := url.Parse(s.ServerHTTP.URL)
	require.NoError(s.t, err)
	return "ws://" + u.Host + path
}

// WithClosureAbnormalHandler attaches an abnormal closure behavior to Server.
func WithClosureAbnormalHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		// Close without a proper WS close message exchange.
		_ = conn.Close()
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// WithEchoHandler attaches an echo handler to Server.
func WithEchoHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		messageType, r, err := conn.NextReader()
		if err != nil {
			return
		}
		var wc io.WriteCloser
		wc, err = conn.NextWriter(messageType)
		if err != nil {
			return
		}
		if _, err = io.Copy(wc, r); err != nil {
			return
		}
		if err = wc.Close(); err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(10*time.Second),
		)
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// CDPHandler reacts to one decoded protocol message. Responses and events go
// out through writeCh; closing done ends the connection.
type CDPHandler func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{})

// WithCDPHandler attaches a custom CDP handler function to Server.
func WithCDPHandler(path string, fn CDPHandler, cmdsReceived *[]cdproto.MethodType) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}

		done := make(chan struct{})
		writeCh := make(chan cdproto.Message)

		go func() {
			read := func(conn *websocket.Conn) (*cdproto.Message, error) {
				_, buf, err := conn.ReadMessage()
				if err != nil {
					return nil, err
				}
				var msg cdproto.Message
				decoder := jlexer.Lexer{Data: buf}
				msg.UnmarshalEasyJSON(&decoder)
				if err := decoder.Error(); err != nil {
					return nil, err
				}
				return &msg, nil
			}

			for {
				select {
				case <-done:
					return
				default:
				}

				msg, err := read(conn)
				if err != nil {
					close(done)
					return
				}

				if msg.Method != "" && cmdsReceived != nil {
					*cmdsReceived = append(*cmdsReceived, msg.Method)
				}

				fn(conn, msg, writeCh, done)
			}
		}()

		go func() {
			write := func(conn *websocket.Conn, msg *cdproto.Message) {
				encoder := jwriter.Writer{}
				msg.MarshalEasyJSON(&encoder)
				if err := encoder.Error; err != nil {
					return
				}
				writer, err := conn.NextWriter(websocket.TextMessage)
				if err != nil {
					return
				}
				if _, err := encoder.DumpTo(writer); err != nil {
					return
				}
				_ = writer.Close()
			}

			for {
				select {
				case msg := <-writeCh:
					write(conn, &msg)
				case <-done:
					return
				}
			}
		}()

		<-done // Wait for done channel to be closed before closing connection
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// CDPDefaultHandler acknowledges every command with an empty result.
func CDPDefaultHandler(_ *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, _ chan struct{}) {
	if msg.Method == "" {
		return
	}
	writeCh <- cdproto.Message{ID: msg.ID, Result: []byte("{}")}
}

// CDPBrowserHandler emulates enough of a page target for end-to-end agent
// tests: navigations are acknowledged and followed by a load event,
// evaluations are answered from the Evaluations map by substring match, and
// screenshots return Screenshot.
type CDPBrowserHandler struct {
	// Evaluations maps an expression substring to the raw JSON result value.
	Evaluations map[string]string

	// Screenshot is the raw image payload returned for capture requests.
	Screenshot []byte

	// LoadDelay postpones the load event after a navigation.
	LoadDelay time.Duration
}

// Handle implements CDPHandler.
func (h *CDPBrowserHandler) Handle(_ *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
	if msg.Method == "" {
		return
	}
	switch msg.Method {
	case cdproto.MethodType(cdproto.CommandPageNavigate):
		writeCh <- cdproto.Message{ID: msg.ID, Result: []byte(`{"frameId":"frame_id_0123456789"}`)}
		go func() {
			if h.LoadDelay > 0 {
				timer := time.NewTimer(h.LoadDelay)
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-done:
					return
				}
			}
			select {
			case writeCh <- cdproto.Message{
				Method: cdproto.EventPageLoadEventFired,
				Params: []byte(`{"timestamp":1}`),
			}:
			case <-done:
			}
		}()
	case cdproto.MethodType(cdproto.CommandRuntimeEvaluate):
		result := "null"
		for needle, value := range h.Evaluations {
			if strings.Contains(string(msg.Params), needle) {
				result = value
				break
			}
		}
		writeCh <- cdproto.Message{
			ID:     msg.ID,
			Result: []byte(`{"result":{"type":"object","value":` + result + `}}`),
		}
	case cdproto.MethodType(cdproto.CommandPageCaptureScreenshot):
		writeCh <- cdproto.Message{
			ID:     msg.ID,
			Result: []byte(`{"data":"` + base64encode(h.Screenshot) + `"}`),
		}
	default:
		writeCh <- cdproto.Message{ID: msg.ID, Result: []byte("{}")}
	}
}

func base64encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
