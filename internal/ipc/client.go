package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/standardbeagle/webtap/internal/errs"
)

// DefaultClientTimeout bounds a single request/response round trip
const DefaultClientTimeout = 10 * time.Second

// Client sends one request per connection to the daemon socket
type Client struct {
	SocketPath string
	Timeout    time.Duration
	MaxBytes   int
}

// NewClient creates a client for the daemon listening on socketPath
func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	return &Client{SocketPath: socketPath, Timeout: timeout, MaxBytes: MaxFrameBytes}
}

// Do writes frame and waits for exactly one response frame. Transport and
// protocol failures are returned as classified errs.Error values; a daemon
// side failure is a normal response with Status == StatusError.
func (c *Client) Do(ctx context.Context, t MessageType, sessionID string, params interface{}) (*Response, error) {
	frame, err := NewRequest(t, sessionID, params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.SocketPath)
	if err != nil {
		return nil, errs.Connection("connect to daemon", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	data, err := ToFrame(frame)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(data); err != nil {
		return nil, c.classify(ctx, t, err)
	}

	resp, err := c.readResponse(conn)
	if err != nil {
		return nil, c.classify(ctx, t, err)
	}
	if resp.SessionID != sessionID {
		return nil, errs.Parse(string(t), fmt.Errorf("response sessionId %q does not match request %q", resp.SessionID, sessionID))
	}
	if want := ResponseType(t); resp.Type != want {
		return nil, errs.Parse(string(t), fmt.Errorf("unexpected response type %q, want %q", resp.Type, want))
	}
	return resp, nil
}

var errNoFrame = errors.New("connection closed before a response frame")

func (c *Client) readResponse(conn net.Conn) (*Response, error) {
	var resp *Response
	errDone := errors.New("done")
	err := ReadFrames(conn, c.MaxBytes, func(frame []byte) error {
		r, err := ParseFrame[Response](frame)
		if err != nil {
			return err
		}
		resp = &r
		return errDone
	})
	switch {
	case errors.Is(err, errDone):
		return resp, nil
	case err != nil:
		return nil, err
	default:
		return nil, errNoFrame
	}
}

func (c *Client) classify(ctx context.Context, t MessageType, err error) error {
	var classified *errs.Error
	if errors.As(err, &classified) {
		return err
	}
	if ctx.Err() != nil || errors.Is(err, os.ErrDeadlineExceeded) {
		return errs.Timeout(string(t), "no response from daemon within %s", c.Timeout)
	}
	if errors.Is(err, errNoFrame) || errors.Is(err, io.ErrUnexpectedEOF) {
		return errs.EarlyClose(string(t), "daemon closed the connection before responding")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.Timeout(string(t), "no response from daemon within %s", c.Timeout)
	}
	return errs.Connection(string(t), err)
}
