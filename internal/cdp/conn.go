package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/standardbeagle/webtap/internal/errs"
)

// ProtocolError is an error object returned by the browser for a call
type ProtocolError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("cdp error %d: %s (%s)", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// EventHandler receives the raw params of one event. Handlers run on the
// connection's read loop and must not wait on Send.
type EventHandler func(params json.RawMessage)

type message struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ProtocolError  `json:"error,omitempty"`
}

type handlerEntry struct {
	id int64
	fn EventHandler
}

// Conn is a CDP client over one WebSocket. Calls are correlated by id and may
// complete in any order.
type Conn struct {
	ws  *websocket.Conn
	url string

	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   int64
	pending  map[int64]chan *message
	handlers map[string][]handlerEntry
	nextSub  int64
	closed   bool
	closeErr error

	done chan struct{}
}

// Dial opens a CDP connection to a WebSocket debugger URL
func Dial(ctx context.Context, wsURL string) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, errs.Connection("dial "+wsURL, err)
	}
	// Chrome sends large responses (bodies, DOM snapshots)
	ws.SetReadLimit(256 * 1024 * 1024)

	c := &Conn{
		ws:       ws,
		url:      wsURL,
		pending:  make(map[int64]chan *message),
		handlers: make(map[string][]handlerEntry),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	debugLog("connected to %s", wsURL)
	return c, nil
}

// URL returns the WebSocket URL this connection was dialed with
func (c *Conn) URL() string {
	return c.url
}

// Send invokes method and waits for the matching reply, ctx cancellation or
// connection loss.
func (c *Conn) Send(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	msg := message{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode %s params: %w", method, err)
		}
		msg.Params = raw
	}

	reply := make(chan *message, 1)
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	msg.ID = c.nextID
	c.pending[msg.ID] = reply
	c.mu.Unlock()

	if err := c.write(&msg); err != nil {
		c.release(msg.ID)
		return nil, errs.Connection("send "+method, err)
	}

	select {
	case r := <-reply:
		if r == nil {
			return nil, c.Err()
		}
		if r.Error != nil {
			return nil, r.Error
		}
		return r.Result, nil
	case <-ctx.Done():
		c.release(msg.ID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errs.Timeout("send "+method, "no reply from browser: %v", ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// Call is Send with the result decoded into out
func (c *Conn) Call(ctx context.Context, method string, params, out interface{}) error {
	raw, err := c.Send(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.Parse(method, err)
	}
	return nil
}

// On registers handler for event. The returned function unsubscribes and
// may be called more than once.
func (c *Conn) On(event string, handler EventHandler) func() {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: id, fn: handler})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		list := c.handlers[event]
		for i, h := range list {
			if h.id == id {
				next := make([]handlerEntry, 0, len(list)-1)
				next = append(next, list[:i]...)
				next = append(next, list[i+1:]...)
				if len(next) == 0 {
					delete(c.handlers, event)
				} else {
					c.handlers[event] = next
				}
				return
			}
		}
	}
}

// HandlerCount returns the number of handlers registered for event
func (c *Conn) HandlerCount(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[event])
}

// Close shuts the transport and fails every pending call
func (c *Conn) Close() error {
	c.shutdown(errs.Connection("cdp", errors.New("connection closed")))
	return nil
}

// Done is closed once the connection has terminated
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection terminated, or nil while it is open
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *Conn) write(msg *message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(msg)
}

func (c *Conn) release(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(errs.Connection("cdp read", err))
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			debugLog("dropping undecodable frame: %v", err)
			continue
		}

		if msg.ID != 0 {
			c.mu.Lock()
			reply, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				reply <- &msg
			} else {
				debugLog("reply for unknown call id %d", msg.ID)
			}
			continue
		}

		if msg.Method != "" {
			c.dispatch(msg.Method, msg.Params)
		}
	}
}

func (c *Conn) dispatch(event string, params json.RawMessage) {
	c.mu.Lock()
	list := c.handlers[event]
	c.mu.Unlock()

	for _, h := range list {
		func() {
			defer func() {
				if r := recover(); r != nil {
					debugLog("handler for %s panicked: %v", event, r)
				}
			}()
			h.fn(params)
		}()
	}
}

func (c *Conn) shutdown(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = reason
	pending := c.pending
	c.pending = make(map[int64]chan *message)
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.ws.Close()

	for _, reply := range pending {
		reply <- nil
	}
	close(c.done)
	debugLog("connection to %s closed: %v", c.url, reason)
}
