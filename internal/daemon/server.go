package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/standardbeagle/webtap/internal/ipc"
	"github.com/standardbeagle/webtap/internal/session"
	"github.com/standardbeagle/webtap/pkg/events"
)

var (
	// ErrAlreadyRunning is returned by Start when a live daemon owns the
	// session directory
	ErrAlreadyRunning = errors.New("daemon already running")

	errNoSession       = errors.New("no active browser session, run `webtap start` first")
	errDaemonStopping  = errors.New("daemon is shutting down")
	errServerNotUsable = errors.New("server already started or stopped")
)

const (
	DefaultIPCTimeout  = 5 * time.Second
	DefaultLockTimeout = 5 * time.Second

	// readyGrace is added to the connect timeout while waiting for a
	// worker to announce itself
	readyGrace   = 5 * time.Second
	writeTimeout = 5 * time.Second
	stopTimeout  = 10 * time.Second
)

// ServerConfig configures the IPC server
type ServerConfig struct {
	Paths         session.Paths
	IPCTimeout    time.Duration
	LockTimeout   time.Duration
	MaxFrameBytes int
	Version       string
	// Worker holds defaults for start_session
	Worker WorkerConfig
}

// DaemonStatus is the part of status the daemon answers by itself
type DaemonStatus struct {
	DaemonPID       int    `json:"daemonPid"`
	DaemonStartTime int64  `json:"daemonStartTime"`
	UptimeMs        int64  `json:"uptimeMs"`
	SocketPath      string `json:"socketPath"`
}

// StatusResult is the status payload. Session fields are present only
// while a worker is active.
type StatusResult struct {
	DaemonStatus
	SessionPID      int               `json:"sessionPid,omitempty"`
	SessionMetadata *session.Metadata `json:"sessionMetadata,omitempty"`
	Worker          json.RawMessage   `json:"worker,omitempty"`
}

// HandshakeResult identifies the daemon to a new client
type HandshakeResult struct {
	DaemonPID  int    `json:"daemonPid"`
	Version    string `json:"version"`
	SocketPath string `json:"socketPath"`
	HasSession bool   `json:"hasSession"`
}

// StartSessionResult describes the worker that was started
type StartSessionResult struct {
	WorkerPID int    `json:"workerPid"`
	CDPURL    string `json:"cdpUrl"`
	TargetID  string `json:"targetId,omitempty"`
	TargetURL string `json:"targetUrl,omitempty"`
}

// StopSessionResult reports which worker was stopped
type StopSessionResult struct {
	Stopped   bool `json:"stopped"`
	WorkerPID int  `json:"workerPid"`
}

type handlerFunc func(rep *responder, req *ipc.Request)

// Server accepts client connections on the session socket, answers
// daemon-level requests itself and forwards the rest to the worker.
type Server struct {
	cfg       ServerConfig
	workers   *WorkerManager
	pending   *Correlator
	eventBus  *events.EventBus
	handlers  map[ipc.MessageType]handlerFunc
	pid       int
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listener  net.Listener
	conns     map[*clientConn]struct{}
	started   bool
	stopped   bool
	ownsFiles bool
	wg        sync.WaitGroup
}

// NewServer wires a server to its worker manager
func NewServer(cfg ServerConfig, workers *WorkerManager, eventBus *events.EventBus) *Server {
	if cfg.IPCTimeout <= 0 {
		cfg.IPCTimeout = DefaultIPCTimeout
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = ipc.MaxFrameBytes
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		workers:   workers,
		pending:   NewCorrelator(),
		eventBus:  eventBus,
		pid:       os.Getpid(),
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[*clientConn]struct{}),
	}
	s.handlers = map[ipc.MessageType]handlerFunc{
		ipc.HandshakeRequest:      s.handleHandshake,
		ipc.StatusRequest:         s.handleStatus,
		ipc.PeekRequest:           s.handlePeek,
		ipc.HARDataRequest:        s.handleHARData,
		ipc.StartSessionRequest:   s.handleStartSession,
		ipc.StopSessionRequest:    s.handleStopSession,
		ipc.DetailsRequest:        s.handleDetails,
		ipc.CDPCallRequest:        s.handleCDPCall,
		ipc.NetworkHeadersRequest: s.handleNetworkHeaders,
	}

	workers.OnMessage(s.onWorkerMessage)
	workers.OnExit(s.onWorkerExit)
	return s
}

// Pending exposes the correlator for inspection
func (s *Server) Pending() *Correlator {
	return s.pending
}

// SocketPath returns the socket the server listens on
func (s *Server) SocketPath() string {
	return s.cfg.Paths.Socket()
}

// Start claims the session directory and begins accepting connections.
// The lock is held only while the socket and PID file are created.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return errServerNotUsable
	}
	s.mu.Unlock()

	if err := s.cfg.Paths.EnsureDir(); err != nil {
		return err
	}

	lock, err := session.AcquireLock(s.ctx, s.cfg.Paths.Lock(), s.cfg.LockTimeout)
	if err != nil {
		return fmt.Errorf("failed to acquire daemon lock: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Printf("Failed to release daemon lock: %v", err)
		}
	}()

	pidPath := s.cfg.Paths.DaemonPID()
	if pid, err := session.ReadPID(pidPath); err == nil && pid != s.pid && session.ProcessAlive(pid) {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}

	sock := s.cfg.Paths.Socket()
	if err := session.RemoveIfExists(sock); err != nil {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", sock)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", sock, err)
	}
	if err := os.Chmod(sock, session.DefaultFileMode); err != nil {
		debugLog("chmod %s: %v", sock, err)
	}
	if err := session.WritePID(pidPath, s.pid); err != nil {
		ln.Close()
		_ = session.RemoveIfExists(sock)
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.started = true
	s.ownsFiles = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)

	log.Printf("Daemon %d listening on %s", s.pid, sock)
	s.publish(events.DaemonStarted, 0, map[string]interface{}{"socketPath": sock})
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			log.Printf("Accept failed: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		cc := &clientConn{conn: conn}
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[cc] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.serveConn(cc)
	}
}

func (s *Server) serveConn(cc *clientConn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, cc)
		s.mu.Unlock()
		cc.close()
		s.publish(events.ClientDisconnected, 0, nil)
	}()
	s.publish(events.ClientConnected, 0, nil)

	err := ipc.ReadFrames(cc.conn, s.cfg.MaxFrameBytes, func(frame []byte) error {
		req, err := ipc.ParseRequest(frame)
		if err != nil {
			log.Printf("Dropping malformed client frame: %v", err)
			return nil
		}
		rep := &responder{cc: cc, reqType: req.Type, sessionID: req.SessionID}
		cc.inflight.Add(1)
		go s.route(rep, req)
		return nil
	})
	if err != nil && !errors.Is(err, net.ErrClosed) {
		log.Printf("Client connection closed: %v", err)
	}

	// every accepted request gets its one response before the conn closes
	cc.inflight.Wait()
}

func (s *Server) route(rep *responder, req *ipc.Request) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Handler for %s panicked: %v", req.Type, r)
			rep.fail(fmt.Errorf("internal error handling %s: %v", req.Type, r), nil)
		}
	}()

	h, ok := s.handlers[req.Type]
	if !ok {
		rep.fail(fmt.Errorf("unknown request type: got %q, expected one of %s", req.Type, strings.Join(s.requestTypes(), ", ")), nil)
		return
	}
	debugLog("%s session=%s", req.Type, req.SessionID)
	h(rep, req)
}

func (s *Server) requestTypes() []string {
	names := make([]string, 0, len(s.handlers))
	for t := range s.handlers {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return names
}

func (s *Server) daemonStatus() DaemonStatus {
	return DaemonStatus{
		DaemonPID:       s.pid,
		DaemonStartTime: s.startTime.UnixMilli(),
		UptimeMs:        time.Since(s.startTime).Milliseconds(),
		SocketPath:      s.cfg.Paths.Socket(),
	}
}

func (s *Server) handleHandshake(rep *responder, req *ipc.Request) {
	rep.ok(HandshakeResult{
		DaemonPID:  s.pid,
		Version:    s.cfg.Version,
		SocketPath: s.cfg.Paths.Socket(),
		HasSession: s.workers.HasActiveWorker(),
	})
}

func (s *Server) handleStatus(rep *responder, req *ipc.Request) {
	base := StatusResult{DaemonStatus: s.daemonStatus()}
	if !s.workers.HasActiveWorker() {
		rep.ok(base)
		return
	}

	if pid, err := session.ReadPID(s.cfg.Paths.SessionPID()); err == nil {
		base.SessionPID = pid
	}
	if md, err := session.ReadMetadata(s.cfg.Paths.Metadata()); err == nil {
		base.SessionMetadata = md
	}

	s.forward(rep, req, forwardSpec{
		command: ipc.CmdStatus,
		partial: base,
		transform: func(data json.RawMessage) (interface{}, error) {
			out := base
			out.Worker = data
			return out, nil
		},
	})
}

// peekParams keeps an absent lastN distinguishable from zero
type peekParams struct {
	LastN *int `json:"lastN,omitempty"`
}

func (s *Server) handlePeek(rep *responder, req *ipc.Request) {
	var p peekParams
	if err := req.Decode(&p); err != nil {
		rep.fail(err, nil)
		return
	}
	if p.LastN != nil && *p.LastN < 0 {
		rep.fail(fmt.Errorf("lastN must be non-negative, got %d", *p.LastN), nil)
		return
	}
	s.forward(rep, req, forwardSpec{command: ipc.CmdPeek, params: p})
}

func (s *Server) handleHARData(rep *responder, req *ipc.Request) {
	s.forward(rep, req, forwardSpec{command: ipc.CmdHARData})
}

func (s *Server) handleDetails(rep *responder, req *ipc.Request) {
	var p ipc.DetailsParams
	if err := req.Decode(&p); err != nil {
		rep.fail(err, nil)
		return
	}
	s.forward(rep, req, forwardSpec{command: ipc.CmdDetails, params: p})
}

func (s *Server) handleCDPCall(rep *responder, req *ipc.Request) {
	var p ipc.CDPCallParams
	if err := req.Decode(&p); err != nil {
		rep.fail(err, nil)
		return
	}
	if p.Method == "" {
		rep.fail(errors.New("cdp_call requires a method"), nil)
		return
	}
	s.forward(rep, req, forwardSpec{command: ipc.CmdCDPCall, params: p})
}

func (s *Server) handleNetworkHeaders(rep *responder, req *ipc.Request) {
	var p ipc.HeadersParams
	if err := req.Decode(&p); err != nil {
		rep.fail(err, nil)
		return
	}
	s.forward(rep, req, forwardSpec{command: ipc.CmdNetworkHeaders, params: p})
}

func (s *Server) handleStartSession(rep *responder, req *ipc.Request) {
	var p ipc.StartSessionParams
	if err := req.Decode(&p); err != nil {
		rep.fail(err, nil)
		return
	}
	if pid := s.workers.PID(); pid != 0 {
		rep.fail(fmt.Errorf("session already running (worker pid %d)", pid), nil)
		return
	}

	cfg := s.cfg.Worker
	if p.URL != "" {
		cfg.Endpoint = p.URL
	}
	if p.Host != "" {
		cfg.Host = p.Host
	}
	if p.Port != 0 {
		cfg.Port = p.Port
	}
	if p.TargetURL != "" {
		cfg.TargetURL = p.TargetURL
	}

	wait := cfg.ConnectTimeout
	if wait <= 0 {
		wait = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(s.ctx, wait+readyGrace)
	defer cancel()

	ready, err := s.workers.Start(ctx, cfg)
	if err != nil {
		log.Printf("Failed to start session: %v", err)
		rep.fail(err, nil)
		return
	}

	pid := s.workers.PID()
	md := &session.Metadata{
		WorkerPID: pid,
		DaemonPID: s.pid,
		StartTime: time.Now(),
		CDPURL:    ready.CDPURL,
		TargetID:  ready.TargetID,
		TargetURL: ready.TargetURL,
		Host:      cfg.Host,
		Port:      cfg.Port,
	}
	if err := session.WritePID(s.cfg.Paths.SessionPID(), pid); err != nil {
		log.Printf("Failed to write session pid: %v", err)
	}
	if err := session.WriteMetadata(s.cfg.Paths.Metadata(), md); err != nil {
		log.Printf("Failed to write session metadata: %v", err)
	}

	log.Printf("Session started: worker %d on %s", pid, ready.CDPURL)
	rep.ok(StartSessionResult{
		WorkerPID: pid,
		CDPURL:    ready.CDPURL,
		TargetID:  ready.TargetID,
		TargetURL: ready.TargetURL,
	})
}

func (s *Server) handleStopSession(rep *responder, req *ipc.Request) {
	pid := s.workers.PID()
	if pid == 0 {
		rep.fail(errNoSession, nil)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, stopTimeout)
	defer cancel()
	if err := s.workers.Stop(ctx); err != nil {
		rep.fail(fmt.Errorf("failed to stop worker %d: %w", pid, err), nil)
		return
	}
	s.clearSessionFiles(pid)

	log.Printf("Session stopped: worker %d", pid)
	rep.ok(StopSessionResult{Stopped: true, WorkerPID: pid})
}

type forwardSpec struct {
	command   string
	params    interface{}
	partial   interface{}
	transform func(data json.RawMessage) (interface{}, error)
}

// forward sends one command to the worker and parks the client's reply in
// the correlator. Exactly one of response, deadline, send failure, worker
// exit or shutdown answers it.
func (s *Server) forward(rep *responder, req *ipc.Request, fwd forwardSpec) {
	pid := s.workers.PID()
	if pid == 0 {
		rep.fail(errNoSession, fwd.partial)
		return
	}

	id := uuid.NewString()
	wreq, err := ipc.NewWorkerRequest(fwd.command, id, fwd.params)
	if err != nil {
		rep.fail(err, fwd.partial)
		return
	}

	entry := &PendingRequest{
		Reply:       rep,
		SessionID:   req.SessionID,
		Command:     fwd.command,
		RequestType: req.Type,
		WorkerPID:   pid,
		PartialData: fwd.partial,
		Transform:   fwd.transform,
	}
	if err := s.pending.Add(id, entry, s.cfg.IPCTimeout, s.expire); err != nil {
		rep.fail(err, fwd.partial)
		return
	}

	if err := s.workers.Send(pid, wreq); err != nil {
		if e, ok := s.pending.Remove(id); ok {
			e.Reply.fail(fmt.Errorf("failed to send %s to worker: %w", fwd.command, err), e.PartialData)
		}
		return
	}
	debugLog("forwarded %s as %s to worker %d", req.Type, id, pid)
}

func (s *Server) expire(e *PendingRequest) {
	log.Printf("Request %s (%s) timed out after %s", e.ID, e.Command, e.Timeout)
	s.publish(events.RequestTimedOut, e.WorkerPID, map[string]interface{}{
		"requestId": e.ID,
		"command":   e.Command,
	})
	e.Reply.fail(fmt.Errorf("Request timed out after %gs", e.Timeout.Seconds()), e.PartialData)
}

func (s *Server) onWorkerMessage(pid int, resp *ipc.WorkerResponse) {
	e, ok := s.pending.Remove(resp.RequestID)
	if !ok {
		debugLog("dropping late response %s from worker %d", resp.RequestID, pid)
		return
	}

	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = e.Command + " failed"
		}
		e.Reply.fail(errors.New(msg), e.PartialData)
		return
	}

	var data interface{}
	if len(resp.Data) > 0 {
		data = resp.Data
	}
	if e.Transform != nil {
		out, err := e.Transform(resp.Data)
		if err != nil {
			e.Reply.fail(err, e.PartialData)
			return
		}
		data = out
	}
	e.Reply.ok(data)
}

func (s *Server) onWorkerExit(pid int, status ExitStatus) {
	s.clearSessionFiles(pid)

	err := fmt.Errorf("worker process exited (%s)", status)
	for _, e := range s.pending.RemoveWhere(func(e *PendingRequest) bool { return e.WorkerPID == pid }) {
		e.Reply.fail(err, e.PartialData)
	}
}

// clearSessionFiles removes the session files if they belong to pid
func (s *Server) clearSessionFiles(pid int) {
	pidPath := s.cfg.Paths.SessionPID()
	if recorded, err := session.ReadPID(pidPath); err == nil && recorded != pid {
		return
	}
	for _, p := range []string{pidPath, s.cfg.Paths.Metadata()} {
		if err := session.RemoveIfExists(p); err != nil {
			log.Printf("Failed to remove %s: %v", p, err)
		}
	}
}

// Stop closes the listener, answers every outstanding request, closes all
// connections and removes the socket and PID file. It is safe to call more
// than once and on a server that never started.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	ln := s.listener
	owns := s.ownsFiles
	conns := make([]*clientConn, 0, len(s.conns))
	for cc := range s.conns {
		conns = append(conns, cc)
	}
	s.mu.Unlock()

	s.publish(events.DaemonStopping, 0, nil)
	s.cancel()

	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("Failed to close listener: %v", err)
		}
	}
	for _, e := range s.pending.RemoveWhere(nil) {
		e.Reply.fail(errDaemonStopping, e.PartialData)
	}
	for _, cc := range conns {
		cc.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		log.Printf("Timed out waiting for connections to close")
	}

	s.removeFiles(owns)
	log.Printf("Daemon %d stopped", s.pid)
}

func (s *Server) removeFiles(owns bool) {
	pidPath := s.cfg.Paths.DaemonPID()
	if !owns {
		if pid, err := session.ReadPID(pidPath); err == nil && pid != s.pid && session.ProcessAlive(pid) {
			return
		}
	}
	for _, p := range []string{s.cfg.Paths.Socket(), pidPath} {
		if err := session.RemoveIfExists(p); err != nil {
			log.Printf("Failed to remove %s: %v", p, err)
		}
	}
}

func (s *Server) publish(t events.EventType, pid int, data map[string]interface{}) {
	s.eventBus.Publish(events.Event{
		Type:      t,
		WorkerPID: pid,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// clientConn serialises writes to one client socket
type clientConn struct {
	conn     net.Conn
	writeMu  sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

func (c *clientConn) write(resp *ipc.Response) error {
	frame, err := ipc.ToFrame(resp)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = c.conn.Write(frame)
	return err
}

func (c *clientConn) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.closed {
		c.closed = true
		c.conn.Close()
	}
}

// responder answers one request exactly once
type responder struct {
	cc        *clientConn
	reqType   ipc.MessageType
	sessionID string
	once      sync.Once
}

func (r *responder) ok(data interface{}) {
	r.send(ipc.OK(r.reqType, r.sessionID, data))
}

func (r *responder) fail(err error, data interface{}) {
	r.send(ipc.Fail(r.reqType, r.sessionID, err, data))
}

func (r *responder) send(resp *ipc.Response) {
	r.once.Do(func() {
		defer r.cc.inflight.Done()
		if err := r.cc.write(resp); err != nil {
			debugLog("write %s: %v", resp.Type, err)
		}
	})
}
