package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/standardbeagle/webtap/internal/config"
	"github.com/standardbeagle/webtap/internal/ipc"
	"github.com/standardbeagle/webtap/internal/session"
)

// daemonStartTimeout bounds how long a client waits for a spawned daemon
const daemonStartTimeout = 5 * time.Second

// conn is one CLI invocation's view of the daemon
type conn struct {
	cfg       *config.Config
	paths     session.Paths
	client    *ipc.Client
	sessionID string
}

// connect resolves the daemon socket. With spawn false a missing daemon
// yields a nil conn instead of starting one.
func (c *cli) connect(ctx context.Context, spawn bool) (*conn, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.GetDebug() {
		setDebug(true)
	}

	paths := session.NewPaths(cfg.GetSessionDir())
	if !spawn && !session.IsRunning(paths.DaemonPID()) {
		return nil, nil
	}
	if err := ensureDaemon(ctx, paths); err != nil {
		return nil, err
	}

	client := ipc.NewClient(paths.Socket(), cfg.GetClientTimeout())
	client.MaxBytes = cfg.GetMaxFrameBytes()
	return &conn{
		cfg:       cfg,
		paths:     paths,
		client:    client,
		sessionID: uuid.NewString(),
	}, nil
}

// do sends one request and turns an error status into a Go error
func (cn *conn) do(ctx context.Context, t ipc.MessageType, params interface{}) (*ipc.Response, error) {
	resp, err := cn.client.Do(ctx, t, cn.sessionID, params)
	if err != nil {
		return nil, err
	}
	if resp.Status != ipc.StatusOK {
		return resp, fmt.Errorf("%s", resp.Error)
	}
	return resp, nil
}

// ensureDaemon starts a detached `webtap daemon` unless one is already
// alive, then waits for its socket to accept requests.
func ensureDaemon(ctx context.Context, paths session.Paths) error {
	if session.IsRunning(paths.DaemonPID()) {
		return nil
	}
	if err := paths.EnsureDir(); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := spawnDaemon(paths); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, daemonStartTimeout)
	defer cancel()
	if err := session.WaitForSocket(waitCtx, paths.Socket()); err != nil {
		return fmt.Errorf("daemon did not come up (see %s): %w", paths.Log(), err)
	}

	// the socket can outlive a crashed daemon; the handshake proves a listener
	probe := ipc.NewClient(paths.Socket(), time.Second)
	for {
		if _, err := probe.Do(waitCtx, ipc.HandshakeRequest, "probe", nil); err == nil {
			return nil
		}
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("daemon did not answer a handshake (see %s): %w", paths.Log(), waitCtx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func spawnDaemon(paths session.Paths) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate webtap executable: %w", err)
	}
	logFile, err := os.OpenFile(paths.Log(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open daemon log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, "daemon")
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	return cmd.Process.Release()
}
