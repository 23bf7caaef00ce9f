package ipc

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/webtap/internal/errs"
	"github.com/standardbeagle/webtap/internal/testutil"
)

// serveOnce accepts connections and lets handle decide what to write back
func serveOnce(t *testing.T, handle func(conn net.Conn, req *Request)) string {
	t.Helper()
	path := filepath.Join(testutil.ShortTempDir(t), "c.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_ = ReadFrames(c, 0, func(frame []byte) error {
					req, err := ParseRequest(frame)
					if err != nil {
						return err
					}
					handle(c, req)
					return errors.New("handled")
				})
			}(conn)
		}
	}()
	return path
}

func TestClientRoundTrip(t *testing.T) {
	path := serveOnce(t, func(conn net.Conn, req *Request) {
		frame, _ := ToFrame(OK(req.Type, req.SessionID, map[string]string{"echo": string(req.Type)}))
		conn.Write(frame)
	})

	c := NewClient(path, time.Second)
	resp, err := c.Do(context.Background(), HandshakeRequest, "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, "s1", resp.SessionID)

	var data map[string]string
	require.NoError(t, resp.DecodeData(&data))
	assert.Equal(t, "handshake_request", data["echo"])
}

func TestClientConnectionError(t *testing.T) {
	c := NewClient(filepath.Join(testutil.ShortTempDir(t), "missing.sock"), time.Second)
	_, err := c.Do(context.Background(), StatusRequest, "s1", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrConnection))
}

func TestClientTimeout(t *testing.T) {
	path := serveOnce(t, func(conn net.Conn, req *Request) {
		time.Sleep(500 * time.Millisecond)
	})

	c := NewClient(path, 100*time.Millisecond)
	_, err := c.Do(context.Background(), StatusRequest, "s1", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrTimeout), "got %v", err)
}

func TestClientEarlyClose(t *testing.T) {
	path := serveOnce(t, func(conn net.Conn, req *Request) {
		conn.Write([]byte(`{"type":"status_resp`))
	})

	c := NewClient(path, time.Second)
	_, err := c.Do(context.Background(), StatusRequest, "s1", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrEarlyClose), "got %v", err)
}

func TestClientParseError(t *testing.T) {
	path := serveOnce(t, func(conn net.Conn, req *Request) {
		conn.Write([]byte("not json at all\n"))
	})

	c := NewClient(path, time.Second)
	_, err := c.Do(context.Background(), StatusRequest, "s1", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrParse), "got %v", err)
}

func TestClientRejectsForeignSessionID(t *testing.T) {
	path := serveOnce(t, func(conn net.Conn, req *Request) {
		frame, _ := ToFrame(OK(req.Type, "someone-else", nil))
		conn.Write(frame)
	})

	c := NewClient(path, time.Second)
	_, err := c.Do(context.Background(), StatusRequest, "mine", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrParse))
}
