package daemon

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/standardbeagle/webtap/internal/ipc"
)

// fakeProcess is a scripted worker living on in-memory pipes
type fakeProcess struct {
	pid      int
	stdinR   *io.PipeReader
	stdinW   *io.PipeWriter
	stdoutR  *io.PipeReader
	stdoutW  *io.PipeWriter
	stderr   io.Reader
	exit     chan ExitStatus
	exitOnce sync.Once
	writeMu  sync.Mutex

	// stubborn workers ignore SIGTERM and stdin EOF
	stubborn bool

	mu      sync.Mutex
	signals []os.Signal
	reqs    []*ipc.WorkerRequest
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader     { return p.stderr }
func (p *fakeProcess) Wait() ExitStatus      { return <-p.exit }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()

	if sig == syscall.SIGKILL || !p.stubborn {
		p.terminate(ExitStatus{Code: -1, Signal: sig.String()})
	}
	return nil
}

// terminate ends the process; the first status wins
func (p *fakeProcess) terminate(st ExitStatus) {
	p.exitOnce.Do(func() {
		p.exit <- st
		p.stdoutW.Close()
		p.stdinR.Close()
	})
}

func (p *fakeProcess) write(v interface{}) {
	frame, err := ipc.ToFrame(v)
	if err != nil {
		panic(err)
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, _ = p.stdoutW.Write(frame)
}

func (p *fakeProcess) reply(req *ipc.WorkerRequest, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	p.write(&ipc.WorkerResponse{
		Type:      ipc.MessageType(req.Command() + "_response"),
		RequestID: req.RequestID,
		Success:   true,
		Data:      raw,
	})
}

func (p *fakeProcess) replyError(req *ipc.WorkerRequest, msg string) {
	p.write(&ipc.WorkerResponse{
		Type:      ipc.MessageType(req.Command() + "_response"),
		RequestID: req.RequestID,
		Error:     msg,
	})
}

func (p *fakeProcess) requests() []*ipc.WorkerRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*ipc.WorkerRequest(nil), p.reqs...)
}

func (p *fakeProcess) receivedSignals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

// fakeLauncher hands out fakeProcesses driven by the scripts below
type fakeLauncher struct {
	mu      sync.Mutex
	nextPID int
	procs   []*fakeProcess

	launchErr error
	stubborn  bool
	// startup announces the worker; nil writes worker_ready
	startup func(p *fakeProcess, cfg WorkerConfig)
	// handle answers one request; nil echoes the command and params
	handle func(p *fakeProcess, req *ipc.WorkerRequest)
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{nextPID: 900000}
}

func (l *fakeLauncher) Launch(ctx context.Context, cfg WorkerConfig) (WorkerProcess, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.launchErr != nil {
		return nil, l.launchErr
	}

	l.nextPID++
	p := &fakeProcess{
		pid:      l.nextPID,
		stderr:   strings.NewReader("fake worker booted\n"),
		exit:     make(chan ExitStatus, 1),
		stubborn: l.stubborn,
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	l.procs = append(l.procs, p)

	startup, handle := l.startup, l.handle
	go func() {
		if startup != nil {
			startup(p, cfg)
		} else {
			p.write(&ipc.WorkerReady{
				Type:      ipc.WorkerReadyType,
				WorkerPID: p.pid,
				CDPURL:    "ws://127.0.0.1:9222/devtools/page/FAKE",
				TargetID:  "FAKE",
				TargetURL: "https://example.test/",
			})
		}

		_ = ipc.ReadFrames(p.stdinR, 0, func(frame []byte) error {
			req, err := ipc.ParseFrame[ipc.WorkerRequest](frame)
			if err != nil {
				return nil
			}
			p.mu.Lock()
			p.reqs = append(p.reqs, &req)
			p.mu.Unlock()
			if handle != nil {
				go handle(p, &req)
			} else {
				p.reply(&req, map[string]interface{}{"command": req.Command(), "params": req.Params})
			}
			return nil
		})
		if p.stubborn {
			return
		}
		p.terminate(ExitStatus{})
	}()
	return p, nil
}

func (l *fakeLauncher) setHandle(h func(p *fakeProcess, req *ipc.WorkerRequest)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handle = h
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}
