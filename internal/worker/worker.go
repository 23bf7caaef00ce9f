// Package worker is the process that owns the browser connection. It talks
// to its parent daemon over stdin/stdout with one JSON frame per line.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/standardbeagle/webtap/internal/cdp"
	"github.com/standardbeagle/webtap/internal/ipc"
	"github.com/standardbeagle/webtap/internal/telemetry"
)

// ErrCDPDisconnected is returned by Run when the browser goes away
var ErrCDPDisconnected = errors.New("cdp connection lost")

// Exit codes used by the worker command
const (
	ExitOK           = 0
	ExitStartup      = 1
	ExitDisconnected = 3
)

// Options configures a worker run
type Options struct {
	// Endpoint is a ws:// debugger URL or an http://host:port DevTools URL.
	// When empty Host and Port are used.
	Endpoint  string
	Host      string
	Port      int
	TargetURL string

	Capacity       int
	BodyLimit      int
	MaxFrameBytes  int
	ConnectTimeout time.Duration
	Backoff        *cdp.Backoff

	In       io.Reader
	Out      io.Writer
	Registry *Registry
}

func (o *Options) setDefaults() {
	if o.In == nil {
		o.In = os.Stdin
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
	if o.Registry == nil {
		o.Registry = DefaultRegistry()
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = ipc.MaxFrameBytes
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
}

// ExitCode maps a Run error to the process exit status
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrCDPDisconnected):
		return ExitDisconnected
	default:
		return ExitStartup
	}
}

// frameWriter serialises frames onto the daemon channel
type frameWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *frameWriter) write(v interface{}) error {
	frame, err := ipc.ToFrame(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.out.Write(frame)
	return err
}

// Run connects to the browser, announces readiness and serves commands
// until ctx ends, the input closes or the browser connection drops.
func Run(ctx context.Context, opts Options) error {
	opts.setDefaults()
	out := &frameWriter{out: opts.Out}
	startTime := time.Now()

	conn, endpoint, err := connect(ctx, &opts)
	if err != nil {
		fail(out, err)
		return err
	}
	defer conn.Close()

	store := telemetry.NewStore(opts.Capacity)
	collector := telemetry.NewCollector(conn, store, opts.BodyLimit)
	attachCtx, cancelAttach := context.WithTimeout(ctx, opts.ConnectTimeout)
	err = collector.Attach(attachCtx)
	cancelAttach()
	if err != nil {
		err = fmt.Errorf("attach telemetry: %w", err)
		fail(out, err)
		return err
	}
	defer collector.Detach()

	env := &Env{
		CDP:       conn,
		Store:     store,
		PID:       os.Getpid(),
		StartTime: startTime,
		Target: Target{
			ID:     endpoint.TargetID,
			URL:    endpoint.TargetURL,
			CDPURL: endpoint.WebSocketURL,
		},
		Connected: func() bool { return conn.Err() == nil },
	}

	if err := out.write(&ipc.WorkerReady{
		Type:      ipc.WorkerReadyType,
		WorkerPID: env.PID,
		CDPURL:    endpoint.WebSocketURL,
		TargetID:  endpoint.TargetID,
		TargetURL: endpoint.TargetURL,
	}); err != nil {
		return fmt.Errorf("announce ready: %w", err)
	}
	log.Printf("worker %d attached to %s", env.PID, endpoint.WebSocketURL)

	return serve(ctx, &opts, env, out, conn.Done())
}

func connect(ctx context.Context, opts *Options) (*cdp.Conn, *cdp.Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	b := opts.Backoff
	if b == nil {
		b = cdp.NewBackoff()
	}

	var endpoint *cdp.Endpoint
	err := b.Retry(ctx, func(ctx context.Context) error {
		ep, err := cdp.ResolveEndpoint(ctx, opts.Endpoint, opts.Host, opts.Port, opts.TargetURL)
		if err != nil {
			return err
		}
		endpoint = ep
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("resolve browser endpoint: %w", err)
	}

	b.Reset()
	conn, err := cdp.DialWithRetry(ctx, endpoint.WebSocketURL, b)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to browser: %w", err)
	}
	return conn, endpoint, nil
}

func fail(out *frameWriter, err error) {
	if werr := out.write(&ipc.WorkerFailed{Type: ipc.WorkerFailedType, Error: err.Error()}); werr != nil {
		log.Printf("worker: failed to report startup failure: %v", werr)
	}
}

func serve(ctx context.Context, opts *Options, env *Env, out *frameWriter, cdpDone <-chan struct{}) error {
	var (
		mu       sync.Mutex
		stopped  bool
		inflight sync.WaitGroup
	)
	defer func() {
		mu.Lock()
		stopped = true
		mu.Unlock()
		inflight.Wait()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inputDone := make(chan error, 1)
	go func() {
		inputDone <- ipc.ReadFrames(opts.In, opts.MaxFrameBytes, func(frame []byte) error {
			req, err := ipc.ParseFrame[ipc.WorkerRequest](frame)
			if err != nil || req.RequestID == "" {
				log.Printf("worker: dropping malformed request frame: %v", err)
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			if stopped {
				return nil
			}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				handle(ctx, opts.Registry, env, out, &req)
			}()
			return nil
		})
	}()

	select {
	case <-ctx.Done():
		debugLog("context done, shutting down")
		return nil
	case err := <-inputDone:
		if err != nil {
			log.Printf("worker: input channel failed: %v", err)
		}
		debugLog("daemon channel closed, shutting down")
		return nil
	case <-cdpDone:
		log.Printf("worker: browser connection lost")
		return ErrCDPDisconnected
	}
}

func handle(ctx context.Context, reg *Registry, env *Env, out *frameWriter, req *ipc.WorkerRequest) {
	command := req.Command()
	resp := &ipc.WorkerResponse{
		Type:      ipc.MessageType(command + "_response"),
		RequestID: req.RequestID,
	}

	data, err := dispatch(ctx, reg, env, command, req.Params)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Success = true
		if data != nil {
			raw, merr := json.Marshal(data)
			if merr != nil {
				resp.Success = false
				resp.Error = fmt.Sprintf("encode %s result: %v", command, merr)
			} else {
				resp.Data = raw
			}
		}
	}

	if err := out.write(resp); err != nil {
		log.Printf("worker: failed to write %s response: %v", command, err)
	}
	debugLog("%s %s success=%v", command, req.RequestID, resp.Success)
}

func dispatch(ctx context.Context, reg *Registry, env *Env, command string, params json.RawMessage) (data interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker: %s handler panicked: %v", command, r)
			data, err = nil, fmt.Errorf("%s failed: internal error: %v", command, r)
		}
	}()
	return reg.Dispatch(ctx, env, command, params)
}
