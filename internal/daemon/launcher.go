package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

// WorkerConfig is everything a worker needs to attach to a browser
type WorkerConfig struct {
	Endpoint       string
	Host           string
	Port           int
	TargetURL      string
	Capacity       int
	BodyLimit      int
	MaxFrameBytes  int
	ConnectTimeout time.Duration
	Debug          bool
}

// WorkerProcess is a launched worker as seen by the manager
type WorkerProcess interface {
	PID() int
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Stderr may be nil when the worker has no separate log stream
	Stderr() io.Reader
	Signal(sig os.Signal) error
	// Wait blocks until the worker exits. Call it only after Stdout and
	// Stderr have been read to EOF.
	Wait() ExitStatus
}

// ExitStatus describes how a worker ended
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

func (s ExitStatus) String() string {
	sig := s.Signal
	if sig == "" {
		sig = "none"
	}
	return fmt.Sprintf("code %d, signal %s", s.Code, sig)
}

// WorkerLauncher starts worker processes
type WorkerLauncher interface {
	Launch(ctx context.Context, cfg WorkerConfig) (WorkerProcess, error)
}

// ExecLauncher runs the worker as a child process of this executable
type ExecLauncher struct {
	// Executable defaults to os.Executable()
	Executable string
	// Subcommand selects the worker entry point
	Subcommand string
	// Env is appended to the inherited environment
	Env []string
}

// NewExecLauncher returns a launcher that re-executes the current binary
// with the hidden worker subcommand.
func NewExecLauncher() *ExecLauncher {
	return &ExecLauncher{Subcommand: "worker"}
}

// Args renders cfg as worker command line flags
func (l *ExecLauncher) Args(cfg WorkerConfig) []string {
	args := []string{l.Subcommand}
	if cfg.Endpoint != "" {
		args = append(args, "--endpoint", cfg.Endpoint)
	}
	if cfg.Host != "" {
		args = append(args, "--host", cfg.Host)
	}
	if cfg.Port > 0 {
		args = append(args, "--port", strconv.Itoa(cfg.Port))
	}
	if cfg.TargetURL != "" {
		args = append(args, "--target-url", cfg.TargetURL)
	}
	if cfg.Capacity > 0 {
		args = append(args, "--capacity", strconv.Itoa(cfg.Capacity))
	}
	if cfg.BodyLimit > 0 {
		args = append(args, "--body-limit", strconv.Itoa(cfg.BodyLimit))
	}
	if cfg.MaxFrameBytes > 0 {
		args = append(args, "--max-frame-bytes", strconv.Itoa(cfg.MaxFrameBytes))
	}
	if cfg.ConnectTimeout > 0 {
		args = append(args, "--connect-timeout", cfg.ConnectTimeout.String())
	}
	if cfg.Debug {
		args = append(args, "--debug")
	}
	return args
}

// Launch starts the worker with piped stdio in its own session
func (l *ExecLauncher) Launch(ctx context.Context, cfg WorkerConfig) (WorkerProcess, error) {
	exe := l.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
	}

	// the worker outlives the start_session request, so ctx is not bound
	// to the command
	cmd := exec.Command(exe, l.Args(cfg)...)
	cmd.Env = append(os.Environ(), l.Env...)
	setupProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) PID() int              { return p.cmd.Process.Pid }
func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }

func (p *execProcess) Signal(sig os.Signal) error {
	return signalProcess(p.cmd.Process, sig)
}

func (p *execProcess) Wait() ExitStatus {
	err := p.cmd.Wait()
	if err == nil {
		return ExitStatus{}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		st := ExitStatus{Code: exitErr.ExitCode()}
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			st.Signal = ws.Signal().String()
		}
		return st
	}
	return ExitStatus{Code: -1, Err: err}
}
