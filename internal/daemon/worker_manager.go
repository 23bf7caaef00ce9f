package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"syscall"
	"time"

	"github.com/standardbeagle/webtap/internal/ipc"
	"github.com/standardbeagle/webtap/pkg/events"
)

// ErrNoWorker is returned when a command needs a worker and none is ready
var ErrNoWorker = errors.New("no active worker")

// DefaultStopGrace is how long a worker gets between SIGTERM and SIGKILL
const DefaultStopGrace = 3 * time.Second

// MessageHandler receives every response frame a worker writes
type MessageHandler func(pid int, resp *ipc.WorkerResponse)

// ExitHandler runs once per worker after its output has been drained
type ExitHandler func(pid int, status ExitStatus)

// WorkerManager owns at most one worker process at a time
type WorkerManager struct {
	launcher      WorkerLauncher
	eventBus      *events.EventBus
	maxFrameBytes int
	stopGrace     time.Duration

	mu        sync.RWMutex
	current   *workerHandle
	onMessage []MessageHandler
	onExit    []ExitHandler
}

type workerHandle struct {
	proc      WorkerProcess
	pid       int
	cfg       WorkerConfig
	startTime time.Time

	writeMu sync.Mutex
	ready   *ipc.WorkerReady

	readyCh  chan *ipc.WorkerReady
	failedCh chan string
	exited   chan struct{}
	status   ExitStatus
}

// NewWorkerManager creates a manager that starts workers with launcher
func NewWorkerManager(launcher WorkerLauncher, eventBus *events.EventBus, maxFrameBytes int) *WorkerManager {
	if maxFrameBytes <= 0 {
		maxFrameBytes = ipc.MaxFrameBytes
	}
	return &WorkerManager{
		launcher:      launcher,
		eventBus:      eventBus,
		maxFrameBytes: maxFrameBytes,
		stopGrace:     DefaultStopGrace,
	}
}

// SetStopGrace changes the SIGTERM to SIGKILL delay
func (m *WorkerManager) SetStopGrace(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.stopGrace = d
	}
}

// OnMessage registers a response listener
func (m *WorkerManager) OnMessage(h MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = append(m.onMessage, h)
}

// OnExit registers an exit listener
func (m *WorkerManager) OnExit(h ExitHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit = append(m.onExit, h)
}

// Start launches a worker and blocks until it reports ready, reports a
// startup failure, exits, or ctx ends.
func (m *WorkerManager) Start(ctx context.Context, cfg WorkerConfig) (*ipc.WorkerReady, error) {
	m.mu.Lock()
	if m.current != nil {
		pid := m.current.pid
		m.mu.Unlock()
		return nil, fmt.Errorf("worker already running (pid %d)", pid)
	}

	proc, err := m.launcher.Launch(ctx, cfg)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	h := &workerHandle{
		proc:      proc,
		pid:       proc.PID(),
		cfg:       cfg,
		startTime: time.Now(),
		readyCh:   make(chan *ipc.WorkerReady, 1),
		failedCh:  make(chan string, 1),
		exited:    make(chan struct{}),
	}
	m.current = h
	m.mu.Unlock()

	log.Printf("Started worker %d", h.pid)
	m.publish(events.WorkerStarted, h.pid, map[string]interface{}{
		"endpoint":  cfg.Endpoint,
		"host":      cfg.Host,
		"port":      cfg.Port,
		"targetUrl": cfg.TargetURL,
	})
	go m.supervise(h)

	select {
	case ready := <-h.readyCh:
		m.publish(events.WorkerReady, h.pid, map[string]interface{}{
			"cdpUrl":   ready.CDPURL,
			"targetId": ready.TargetID,
		})
		return ready, nil
	case msg := <-h.failedCh:
		_ = m.stopHandle(ctx, h)
		return nil, fmt.Errorf("worker failed to start: %s", msg)
	case <-h.exited:
		select {
		case msg := <-h.failedCh:
			return nil, fmt.Errorf("worker failed to start: %s", msg)
		default:
		}
		return nil, fmt.Errorf("worker exited before becoming ready (%s)", h.status)
	case <-ctx.Done():
		_ = m.stopHandle(context.Background(), h)
		return nil, fmt.Errorf("waiting for worker %d to become ready: %w", h.pid, ctx.Err())
	}
}

// supervise drains the worker's output, reaps it and notifies listeners
func (m *WorkerManager) supervise(h *workerHandle) {
	var streams sync.WaitGroup
	streams.Add(1)
	go func() {
		defer streams.Done()
		m.readFrames(h)
	}()
	if stderr := h.proc.Stderr(); stderr != nil {
		streams.Add(1)
		go func() {
			defer streams.Done()
			m.streamLogs(h, stderr)
		}()
	}
	streams.Wait()

	h.status = h.proc.Wait()

	m.mu.Lock()
	if m.current == h {
		m.current = nil
	}
	listeners := append([]ExitHandler(nil), m.onExit...)
	m.mu.Unlock()

	log.Printf("Worker %d exited (%s)", h.pid, h.status)
	for _, fn := range listeners {
		fn(h.pid, h.status)
	}
	close(h.exited)

	m.publish(events.WorkerExited, h.pid, map[string]interface{}{
		"code":   h.status.Code,
		"signal": h.status.Signal,
	})
}

func (m *WorkerManager) readFrames(h *workerHandle) {
	stdout := h.proc.Stdout()
	err := ipc.ReadFrames(stdout, m.maxFrameBytes, func(frame []byte) error {
		msg, err := ipc.ParseWorkerMessage(frame)
		if err != nil {
			log.Printf("Worker %d: dropping malformed frame: %v", h.pid, err)
			return nil
		}

		switch {
		case msg.Ready != nil:
			m.mu.Lock()
			h.ready = msg.Ready
			m.mu.Unlock()
			select {
			case h.readyCh <- msg.Ready:
			default:
			}
		case msg.Failed != nil:
			select {
			case h.failedCh <- msg.Failed.Error:
			default:
			}
		case msg.Response != nil:
			m.mu.RLock()
			handlers := m.onMessage
			m.mu.RUnlock()
			for _, fn := range handlers {
				fn(h.pid, msg.Response)
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("Worker %d: output stream failed: %v", h.pid, err)
		// keep the pipe empty so the worker never blocks on a write
		_, _ = io.Copy(io.Discard, stdout)
	}
}

func (m *WorkerManager) streamLogs(h *workerHandle, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		log.Printf("[worker %d] %s", h.pid, line)
		m.publish(events.WorkerLog, h.pid, map[string]interface{}{"line": line})
	}
	if err := scanner.Err(); err != nil {
		debugLog("worker %d log stream ended: %v", h.pid, err)
		_, _ = io.Copy(io.Discard, r)
	}
}

// Send writes req to the worker identified by pid
func (m *WorkerManager) Send(pid int, req *ipc.WorkerRequest) error {
	m.mu.RLock()
	h := m.current
	m.mu.RUnlock()
	if h == nil || h.pid != pid {
		return ErrNoWorker
	}

	frame, err := ipc.ToFrame(req)
	if err != nil {
		return err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.proc.Stdin().Write(frame); err != nil {
		return fmt.Errorf("write to worker %d: %w", pid, err)
	}
	return nil
}

// HasActiveWorker reports whether a worker is running and ready
func (m *WorkerManager) HasActiveWorker() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current != nil && m.current.ready != nil
}

// PID returns the ready worker's pid, or 0
func (m *WorkerManager) PID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil || m.current.ready == nil {
		return 0
	}
	return m.current.pid
}

// Ready returns the ready announcement of the current worker
func (m *WorkerManager) Ready() (*ipc.WorkerReady, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil || m.current.ready == nil {
		return nil, false
	}
	r := *m.current.ready
	return &r, true
}

// Stop terminates the current worker, escalating to SIGKILL after the
// grace period. Stopping with no worker is a no-op.
func (m *WorkerManager) Stop(ctx context.Context) error {
	m.mu.RLock()
	h := m.current
	m.mu.RUnlock()
	if h == nil {
		return nil
	}
	return m.stopHandle(ctx, h)
}

func (m *WorkerManager) stopHandle(ctx context.Context, h *workerHandle) error {
	m.mu.RLock()
	grace := m.stopGrace
	m.mu.RUnlock()

	h.writeMu.Lock()
	_ = h.proc.Stdin().Close()
	h.writeMu.Unlock()

	if err := h.proc.Signal(syscall.SIGTERM); err != nil {
		debugLog("SIGTERM to worker %d: %v", h.pid, err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	log.Printf("Worker %d still running, sending SIGKILL", h.pid)
	if err := h.proc.Signal(syscall.SIGKILL); err != nil {
		log.Printf("SIGKILL to worker %d failed: %v", h.pid, err)
	}

	select {
	case <-h.exited:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("worker %d did not exit after SIGKILL", h.pid)
	}
}

func (m *WorkerManager) publish(t events.EventType, pid int, data map[string]interface{}) {
	m.eventBus.Publish(events.Event{
		Type:      t,
		WorkerPID: pid,
		Timestamp: time.Now(),
		Data:      data,
	})
}
