// Package devtools implements the protocol session the agent holds against a
// browser's remote debugging endpoint: one websocket connection carrying
// JSON-RPC style command/response pairs correlated by message ID, with
// protocol events dispatched independently to registered listeners.
package devtools

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"github.com/sirupsen/logrus"
)

const wsWriteBufferSize = 1 << 20

// ErrChannelClosed is returned when a response channel is closed before the
// matching response arrived.
var ErrChannelClosed = errors.New("channel closed")

// Ensure Connection implements the EventEmitter and Executor interfaces.
var (
	_ EventEmitter = &Connection{}
	_ cdp.Executor = &Connection{}
)

// Connection represents one live websocket connection to a browser's
// debugging endpoint. The agent attaches directly to a page target, so there
// is a single root session and no per-target demultiplexing: messages with an
// ID are command responses, messages with a method are events.
type Connection struct {
	BaseEventEmitter

	ctx          context.Context
	wsURL        string
	logger       logrus.FieldLogger
	conn         *websocket.Conn
	sendCh       chan *cdproto.Message
	closeCh      chan int
	errorCh      chan error
	done         chan struct{}
	shutdownOnce sync.Once
	msgID        int64

	// Reuse the easyjson structs to avoid allocs per Read/Write.
	decoder jlexer.Lexer
	encoder jwriter.Writer
}

// NewConnection dials wsURL and starts the send/receive pumps. The handshake
// must complete within timeout; ctx bounds the connection's whole lifetime.
func NewConnection(ctx context.Context, wsURL string, timeout time.Duration, logger logrus.FieldLogger) (*Connection, error) {
	wsd := websocket.Dialer{
		HandshakeTimeout: timeout,
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  wsWriteBufferSize,
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, _, err := wsd.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return nil, err
	}

	c := Connection{
		BaseEventEmitter: NewBaseEventEmitter(),
		ctx:              ctx,
		wsURL:            wsURL,
		logger:           logger,
		conn:             conn,
		sendCh:           make(chan *cdproto.Message, 32), // Avoid blocking in Execute
		closeCh:          make(chan int),
		errorCh:          make(chan error),
		done:             make(chan struct{}),
	}

	go c.recvLoop()
	go c.sendLoop()

	return &c, nil
}

// closeConnection cleanly closes the websocket connection.
// Returns an error if sending the close control frame fails.
func (c *Connection) closeConnection(code int) error {
	var err error

	c.shutdownOnce.Do(func() {
		defer func() {
			_ = c.conn.Close()

			// Stop the main control loops
			close(c.done)
		}()

		err = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(10*time.Second),
		)

		c.emit(EventConnectionClose, nil)
	})

	return err
}

func (c *Connection) handleIOError(err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		// Report an unexpected closure
		select {
		case c.errorCh <- err:
		case <-c.done:
			return
		}
	}
	code := websocket.CloseGoingAway
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
	}
	select {
	case c.closeCh <- code:
	case <-c.done:
	}
}

func (c *Connection) recvLoop() {
	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			c.handleIOError(err)
			return
		}

		c.logger.Debugf("<- %s", buf)

		var msg cdproto.Message
		c.decoder = jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&c.decoder)
		if err := c.decoder.Error(); err != nil {
			select {
			case c.errorCh <- err:
			case <-c.done:
				return
			}
			continue
		}

		switch {
		case msg.Method != "":
			ev, err := cdproto.UnmarshalMessage(&msg)
			if err != nil {
				c.logger.Errorf("devtools: %s", err)
				continue
			}
			c.emit(string(msg.Method), ev)

		case msg.ID != 0:
			c.emit("", &msg)

		default:
			c.logger.Errorf("devtools: ignoring malformed incoming message (missing id or method): %#v", msg)
		}
	}
}

func (c *Connection) sendLoop() {
	for {
		select {
		case msg := <-c.sendCh:
			c.encoder = jwriter.Writer{}
			msg.MarshalEasyJSON(&c.encoder)
			if err := c.encoder.Error; err != nil {
				select {
				case c.errorCh <- err:
				case <-c.done:
					return
				}
				continue
			}

			buf, _ := c.encoder.BuildBytes()
			c.logger.Debugf("-> %s", buf)
			writer, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.handleIOError(err)
				return
			}
			if _, err := writer.Write(buf); err != nil {
				c.handleIOError(err)
				return
			}
			if err := writer.Close(); err != nil {
				c.handleIOError(err)
				return
			}
		case code := <-c.closeCh:
			_ = c.closeConnection(code)
		case <-c.done:
			return
		}
	}
}

func (c *Connection) send(ctx context.Context, msg *cdproto.Message, recvCh chan *cdproto.Message, res easyjson.Unmarshaler) error {
	select {
	case c.sendCh <- msg:
	case err := <-c.errorCh:
		return err
	case code := <-c.closeCh:
		_ = c.closeConnection(code)
		return &websocket.CloseError{Code: code}
	case <-c.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	if recvCh == nil {
		return nil
	}

	// Block waiting for the matching response.
	select {
	case msg := <-recvCh:
		switch {
		case msg == nil:
			return ErrChannelClosed
		case msg.Error != nil:
			return msg.Error
		case res != nil:
			return easyjson.Unmarshal(msg.Result, res)
		}
	case err := <-c.errorCh:
		return err
	case code := <-c.closeCh:
		_ = c.closeConnection(code)
		return &websocket.CloseError{Code: code}
	case <-c.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// Execute implements cdp.Executor and performs a synchronous send and receive.
func (c *Connection) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	id := atomic.AddInt64(&c.msgID, 1)

	// Setup event handler used to block for the response to the message being
	// sent, identified by its monotonically increasing ID.
	ch := make(chan *cdproto.Message, 1)
	evCancelCtx, evCancelFn := context.WithCancel(ctx)
	chEvHandler := make(chan Event)
	go func() {
		for {
			select {
			case <-evCancelCtx.Done():
				return
			case ev := <-chEvHandler:
				msg, ok := ev.data.(*cdproto.Message)
				if ok && msg.ID == id {
					select {
					case <-evCancelCtx.Done():
					case ch <- msg:
						// We expect only one response with the matching
						// message ID, remove the handler afterwards.
						evCancelFn()
						return
					}
				}
			}
		}
	}()
	c.onAll(evCancelCtx, chEvHandler)
	defer evCancelFn() // Remove event handler

	msg, err := c.buildMessage(id, method, params)
	if err != nil {
		return err
	}
	return c.send(ctx, msg, ch, res)
}

// ExecuteAsync dispatches a command without waiting for its response.
func (c *Connection) ExecuteAsync(ctx context.Context, method string, params easyjson.Marshaler) error {
	id := atomic.AddInt64(&c.msgID, 1)
	msg, err := c.buildMessage(id, method, params)
	if err != nil {
		return err
	}
	return c.send(ctx, msg, nil, nil)
}

func (c *Connection) buildMessage(id int64, method string, params easyjson.Marshaler) (*cdproto.Message, error) {
	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return nil, err
		}
	}
	return &cdproto.Message{
		ID:     id,
		Method: cdproto.MethodType(method),
		Params: buf,
	}, nil
}

// Close releases the connection. It is idempotent.
func (c *Connection) Close() {
	_ = c.closeConnection(websocket.CloseGoingAway)
}
