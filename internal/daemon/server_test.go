package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/webtap/internal/ipc"
	"github.com/standardbeagle/webtap/internal/session"
	"github.com/standardbeagle/webtap/internal/testutil"
	"github.com/standardbeagle/webtap/pkg/events"
)

type testDaemon struct {
	srv      *Server
	workers  *WorkerManager
	bus      *events.EventBus
	launcher *fakeLauncher
	paths    session.Paths
}

func newTestDaemon(t *testing.T, l WorkerLauncher, timeout time.Duration) *testDaemon {
	t.Helper()
	paths := session.NewPaths(testutil.ShortTempDir(t))
	bus := events.NewEventBus()
	workers := NewWorkerManager(l, bus, 0)
	workers.SetStopGrace(100 * time.Millisecond)
	srv := NewServer(ServerConfig{
		Paths:      paths,
		IPCTimeout: timeout,
		Version:    "test",
		Worker: WorkerConfig{
			Host:           "127.0.0.1",
			Port:           9222,
			ConnectTimeout: time.Second,
		},
	}, workers, bus)
	require.NoError(t, srv.Start())

	t.Cleanup(func() {
		srv.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = workers.Stop(ctx)
		bus.Shutdown()
	})
	fake, _ := l.(*fakeLauncher)
	return &testDaemon{srv: srv, workers: workers, bus: bus, launcher: fake, paths: paths}
}

func (d *testDaemon) call(t *testing.T, typ ipc.MessageType, params interface{}) *ipc.Response {
	t.Helper()
	client := ipc.NewClient(d.srv.SocketPath(), 5*time.Second)
	resp, err := client.Do(context.Background(), typ, "sess-1", params)
	require.NoError(t, err)
	return resp
}

func (d *testDaemon) startSession(t *testing.T) StartSessionResult {
	t.Helper()
	resp := d.call(t, ipc.StartSessionRequest, ipc.StartSessionParams{TargetURL: "https://example.test/"})
	require.Equal(t, ipc.StatusOK, resp.Status, resp.Error)
	var out StartSessionResult
	require.NoError(t, resp.DecodeData(&out))
	return out
}

func TestStartCreatesSocketAndPID(t *testing.T) {
	d := newTestDaemon(t, newFakeLauncher(), 0)

	info, err := os.Stat(d.paths.Socket())
	require.NoError(t, err)
	assert.Equal(t, os.ModeSocket, info.Mode()&os.ModeSocket)

	pid, err := session.ReadPID(d.paths.DaemonPID())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestStatusWithoutWorker(t *testing.T) {
	d := newTestDaemon(t, newFakeLauncher(), 0)

	resp := d.call(t, ipc.StatusRequest, nil)
	require.Equal(t, ipc.StatusOK, resp.Status)
	assert.Equal(t, ipc.MessageType("status_response"), resp.Type)
	assert.Equal(t, "sess-1", resp.SessionID)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Len(t, data, 4)
	assert.EqualValues(t, os.Getpid(), data["daemonPid"])
	assert.Equal(t, d.paths.Socket(), data["socketPath"])
	assert.Contains(t, data, "daemonStartTime")
	assert.Contains(t, data, "uptimeMs")
}

func TestHandshake(t *testing.T) {
	d := newTestDaemon(t, newFakeLauncher(), 0)

	resp := d.call(t, ipc.HandshakeRequest, nil)
	require.Equal(t, ipc.StatusOK, resp.Status)
	var out HandshakeResult
	require.NoError(t, resp.DecodeData(&out))
	assert.Equal(t, "test", out.Version)
	assert.False(t, out.HasSession)
}

func TestUnknownRequestType(t *testing.T) {
	d := newTestDaemon(t, newFakeLauncher(), 0)

	resp := d.call(t, ipc.MessageType("screenshot_request"), nil)
	assert.Equal(t, ipc.StatusError, resp.Status)
	assert.Equal(t, ipc.MessageType("screenshot_response"), resp.Type)
	assert.Contains(t, resp.Error, `unknown request type: got "screenshot_request", expected one of cdp_call_request`)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	d := newTestDaemon(t, newFakeLauncher(), 0)

	conn, err := net.Dial("unix", d.srv.SocketPath())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = conn.Write([]byte("garbage\n{\"type\":\"status_request\"}\n{\"type\":42,\"sessionId\":\"x\"}\n{\"type\":\"handshake_request\",\"sessionId\":\"ok\"}\n"))
	require.NoError(t, err)

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	require.NoError(t, err)
	resp, err := ipc.ParseFrame[ipc.Response](line)
	require.NoError(t, err)
	assert.Equal(t, ipc.MessageType("handshake_response"), resp.Type)
	assert.Equal(t, "ok", resp.SessionID)
}

func TestForwardWithoutSession(t *testing.T) {
	d := newTestDaemon(t, newFakeLauncher(), 0)

	for _, typ := range []ipc.MessageType{ipc.PeekRequest, ipc.HARDataRequest, ipc.DetailsRequest, ipc.NetworkHeadersRequest, ipc.StopSessionRequest} {
		resp := d.call(t, typ, nil)
		assert.Equal(t, ipc.StatusError, resp.Status, typ)
		assert.Contains(t, resp.Error, "no active browser session", typ)
	}

	resp := d.call(t, ipc.CDPCallRequest, ipc.CDPCallParams{})
	assert.Contains(t, resp.Error, "requires a method")
}

func TestSessionLifecycle(t *testing.T) {
	d := newTestDaemon(t, newFakeLauncher(), 0)

	started := d.startSession(t)
	assert.Equal(t, d.launcher.last().pid, started.WorkerPID)
	assert.Equal(t, "FAKE", started.TargetID)

	pid, err := session.ReadPID(d.paths.SessionPID())
	require.NoError(t, err)
	assert.Equal(t, started.WorkerPID, pid)
	md, err := session.ReadMetadata(d.paths.Metadata())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), md.DaemonPID)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/page/FAKE", md.CDPURL)
	assert.Equal(t, 9222, md.Port)

	resp := d.call(t, ipc.StartSessionRequest, nil)
	assert.Equal(t, ipc.StatusError, resp.Status)
	assert.Contains(t, resp.Error, "session already running (worker pid "+strconv.Itoa(pid)+")")

	resp = d.call(t, ipc.StopSessionRequest, nil)
	require.Equal(t, ipc.StatusOK, resp.Status, resp.Error)
	var stopped StopSessionResult
	require.NoError(t, resp.DecodeData(&stopped))
	assert.True(t, stopped.Stopped)
	assert.Equal(t, pid, stopped.WorkerPID)

	assert.NoFileExists(t, d.paths.SessionPID())
	assert.NoFileExists(t, d.paths.Metadata())
	assert.False(t, d.workers.HasActiveWorker())
}

func TestForwardedCommands(t *testing.T) {
	d := newTestDaemon(t, newFakeLauncher(), 0)
	d.startSession(t)

	type echo struct {
		Command string          `json:"command"`
		Params  json.RawMessage `json:"params"`
	}
	cases := []struct {
		typ     ipc.MessageType
		params  interface{}
		command string
		want    string
	}{
		{ipc.PeekRequest, nil, ipc.CmdPeek, `{}`},
		{ipc.PeekRequest, map[string]int{"lastN": 3}, ipc.CmdPeek, `{"lastN":3}`},
		{ipc.HARDataRequest, nil, ipc.CmdHARData, ``},
		{ipc.DetailsRequest, ipc.DetailsParams{ItemType: "console", ID: "0"}, ipc.CmdDetails, `{"itemType":"console","id":"0"}`},
		{ipc.CDPCallRequest, ipc.CDPCallParams{Method: "Page.reload"}, ipc.CmdCDPCall, `{"method":"Page.reload"}`},
		{ipc.NetworkHeadersRequest, ipc.HeadersParams{HeaderName: "content-type"}, ipc.CmdNetworkHeaders, `{"headerName":"content-type"}`},
	}
	for _, tc := range cases {
		resp := d.call(t, tc.typ, tc.params)
		require.Equal(t, ipc.StatusOK, resp.Status, resp.Error)
		assert.Equal(t, ipc.ResponseType(tc.typ), resp.Type)

		var got echo
		require.NoError(t, resp.DecodeData(&got))
		assert.Equal(t, tc.command, got.Command)
		if tc.want == "" {
			assert.True(t, len(got.Params) == 0 || string(got.Params) == "null", string(got.Params))
		} else {
			assert.JSONEq(t, tc.want, string(got.Params))
		}
	}

	resp := d.call(t, ipc.PeekRequest, map[string]int{"lastN": -1})
	assert.Equal(t, ipc.StatusError, resp.Status)
	assert.Contains(t, resp.Error, "non-negative")
	assert.Equal(t, 0, d.srv.Pending().Len())
}

func TestStatusMergesWorkerAndSessionFacts(t *testing.T) {
	l := newFakeLauncher()
	l.handle = func(p *fakeProcess, req *ipc.WorkerRequest) {
		p.reply(req, map[string]interface{}{"workerPid": p.pid, "cdpConnected": true})
	}
	d := newTestDaemon(t, l, 0)
	started := d.startSession(t)

	resp := d.call(t, ipc.StatusRequest, nil)
	require.Equal(t, ipc.StatusOK, resp.Status, resp.Error)

	var out StatusResult
	require.NoError(t, resp.DecodeData(&out))
	assert.Equal(t, os.Getpid(), out.DaemonPID)
	assert.Equal(t, started.WorkerPID, out.SessionPID)
	require.NotNil(t, out.SessionMetadata)
	assert.Equal(t, "FAKE", out.SessionMetadata.TargetID)
	assert.JSONEq(t, `{"workerPid":`+strconv.Itoa(started.WorkerPID)+`,"cdpConnected":true}`, string(out.Worker))
}

func TestWorkerErrorsArePropagated(t *testing.T) {
	l := newFakeLauncher()
	l.handle = func(p *fakeProcess, req *ipc.WorkerRequest) {
		p.replyError(req, "no network request with id \"gone\"")
	}
	d := newTestDaemon(t, l, 0)
	d.startSession(t)

	resp := d.call(t, ipc.DetailsRequest, ipc.DetailsParams{ItemType: "network", ID: "gone"})
	assert.Equal(t, ipc.StatusError, resp.Status)
	assert.Equal(t, `no network request with id "gone"`, resp.Error)
}

func TestForwardTimeoutCarriesPartialStatus(t *testing.T) {
	l := newFakeLauncher()
	release := make(chan struct{})
	l.handle = func(p *fakeProcess, req *ipc.WorkerRequest) {
		<-release
		p.reply(req, map[string]bool{"late": true})
	}
	d := newTestDaemon(t, l, 200*time.Millisecond)
	started := d.startSession(t)

	var timedOut sync.WaitGroup
	timedOut.Add(1)
	var once sync.Once
	d.bus.Subscribe(events.RequestTimedOut, func(e events.Event) {
		once.Do(timedOut.Done)
	})

	begin := time.Now()
	resp := d.call(t, ipc.StatusRequest, nil)
	assert.GreaterOrEqual(t, time.Since(begin), 200*time.Millisecond)
	assert.Equal(t, ipc.StatusError, resp.Status)
	assert.Equal(t, "Request timed out after 0.2s", resp.Error)

	var partial StatusResult
	require.NoError(t, resp.DecodeData(&partial))
	assert.Equal(t, os.Getpid(), partial.DaemonPID)
	assert.Equal(t, started.WorkerPID, partial.SessionPID)
	assert.Nil(t, partial.Worker)

	timedOut.Wait()
	assert.Equal(t, 0, d.srv.Pending().Len())

	// the late reply finds nothing to resolve
	close(release)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, d.srv.Pending().Len())
}

func TestWorkerCrashResolvesPending(t *testing.T) {
	l := newFakeLauncher()
	l.handle = func(p *fakeProcess, req *ipc.WorkerRequest) {
		p.terminate(ExitStatus{Code: 3})
	}
	d := newTestDaemon(t, l, 5*time.Second)
	d.startSession(t)

	begin := time.Now()
	resp := d.call(t, ipc.CDPCallRequest, ipc.CDPCallParams{Method: "Runtime.evaluate"})
	assert.Less(t, time.Since(begin), 4*time.Second, "resolved by the exit, not the deadline")
	assert.Equal(t, ipc.StatusError, resp.Status)
	assert.Equal(t, "worker process exited (code 3, signal none)", resp.Error)

	assert.Equal(t, 0, d.srv.Pending().Len())
	assert.False(t, d.workers.HasActiveWorker())
	assert.NoFileExists(t, d.paths.SessionPID())
	assert.NoFileExists(t, d.paths.Metadata())

	// a fresh session can be started after the crash
	d.launcher.setHandle(nil)
	d.startSession(t)
}

func TestStartSessionFailure(t *testing.T) {
	l := newFakeLauncher()
	l.startup = func(p *fakeProcess, cfg WorkerConfig) {
		p.write(&ipc.WorkerFailed{Type: ipc.WorkerFailedType, Error: "connect to browser: connection refused"})
		p.terminate(ExitStatus{Code: 1})
	}
	d := newTestDaemon(t, l, 0)

	resp := d.call(t, ipc.StartSessionRequest, ipc.StartSessionParams{Port: 9333})
	assert.Equal(t, ipc.StatusError, resp.Status)
	assert.Contains(t, resp.Error, "connect to browser: connection refused")
	assert.NoFileExists(t, d.paths.SessionPID())
}

func TestStartSessionUsesRequestEndpoint(t *testing.T) {
	l := newFakeLauncher()
	got := make(chan WorkerConfig, 1)
	l.startup = func(p *fakeProcess, cfg WorkerConfig) {
		got <- cfg
		p.write(&ipc.WorkerReady{Type: ipc.WorkerReadyType, WorkerPID: p.pid, CDPURL: "ws://h/devtools/page/X"})
	}
	d := newTestDaemon(t, l, 0)

	resp := d.call(t, ipc.StartSessionRequest, ipc.StartSessionParams{Host: "10.0.0.2", Port: 9333, TargetURL: "https://app.test/"})
	require.Equal(t, ipc.StatusOK, resp.Status, resp.Error)

	cfg := <-got
	assert.Equal(t, "10.0.0.2", cfg.Host)
	assert.Equal(t, 9333, cfg.Port)
	assert.Equal(t, "https://app.test/", cfg.TargetURL)
	assert.Equal(t, time.Second, cfg.ConnectTimeout, "unset fields keep the daemon defaults")
}

func TestConcurrentRequestsOnOneConnection(t *testing.T) {
	l := newFakeLauncher()
	l.handle = func(p *fakeProcess, req *ipc.WorkerRequest) {
		var params struct {
			Method string `json:"method"`
		}
		_ = json.Unmarshal(req.Params, &params)
		if params.Method == "Slow.call" {
			time.Sleep(150 * time.Millisecond)
		}
		p.reply(req, map[string]string{"method": params.Method})
	}
	d := newTestDaemon(t, l, 0)
	d.startSession(t)

	conn, err := net.Dial("unix", d.srv.SocketPath())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	for _, tc := range []struct{ session, method string }{{"a", "Slow.call"}, {"b", "Fast.call"}} {
		frame, err := ipc.NewRequest(ipc.CDPCallRequest, tc.session, ipc.CDPCallParams{Method: tc.method})
		require.NoError(t, err)
		data, err := ipc.ToFrame(frame)
		require.NoError(t, err)
		_, err = conn.Write(data)
		require.NoError(t, err)
	}

	reader := bufio.NewReader(conn)
	var order []string
	for i := 0; i < 2; i++ {
		line, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		resp, err := ipc.ParseFrame[ipc.Response](line)
		require.NoError(t, err)
		require.Equal(t, ipc.StatusOK, resp.Status, resp.Error)
		order = append(order, resp.SessionID)
	}
	assert.Equal(t, []string{"b", "a"}, order, "the fast reply is not held behind the slow one")
}

func TestConcurrentClientsKeepTheirSessionIDs(t *testing.T) {
	d := newTestDaemon(t, newFakeLauncher(), 0)
	d.startSession(t)

	const clients = 16
	var wg sync.WaitGroup
	responses := make([]*ipc.Response, clients)
	failures := make([]error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client := ipc.NewClient(d.srv.SocketPath(), 5*time.Second)
			typ := ipc.CDPCallRequest
			var params interface{} = ipc.CDPCallParams{Method: "Test.m" + strconv.Itoa(i)}
			if i%2 == 0 {
				typ, params = ipc.HandshakeRequest, nil
			}
			responses[i], failures[i] = client.Do(context.Background(), typ, "client-"+strconv.Itoa(i), params)
		}(i)
	}
	wg.Wait()

	for i := 0; i < clients; i++ {
		require.NoError(t, failures[i])
		assert.Equal(t, "client-"+strconv.Itoa(i), responses[i].SessionID)
		assert.Equal(t, ipc.StatusOK, responses[i].Status, responses[i].Error)
		if i%2 == 1 {
			assert.Contains(t, string(responses[i].Data), `"Test.m`+strconv.Itoa(i)+`"`)
		}
	}
}

func TestStopResolvesOutstandingRequests(t *testing.T) {
	l := newFakeLauncher()
	l.handle = func(p *fakeProcess, req *ipc.WorkerRequest) {}
	d := newTestDaemon(t, l, 10*time.Second)
	d.startSession(t)

	result := make(chan *ipc.Response, 1)
	go func() {
		client := ipc.NewClient(d.srv.SocketPath(), 5*time.Second)
		resp, err := client.Do(context.Background(), ipc.HARDataRequest, "h", nil)
		if err != nil {
			result <- nil
			return
		}
		result <- resp
	}()

	testutil.RequireEventually(t, 2*time.Second, func() bool { return d.srv.Pending().Len() == 1 }, "request parked")
	d.srv.Stop()

	select {
	case resp := <-result:
		require.NotNil(t, resp)
		assert.Equal(t, ipc.StatusError, resp.Status)
		assert.Equal(t, "daemon is shutting down", resp.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("outstanding request was never answered")
	}

	assert.NoFileExists(t, d.paths.Socket())
	assert.NoFileExists(t, d.paths.DaemonPID())
	d.srv.Stop()
}

func TestStartRefusesLiveDaemon(t *testing.T) {
	paths := session.NewPaths(testutil.ShortTempDir(t))
	require.NoError(t, session.WritePID(paths.DaemonPID(), os.Getppid()))

	bus := events.NewEventBus()
	defer bus.Shutdown()
	srv := NewServer(ServerConfig{Paths: paths}, NewWorkerManager(newFakeLauncher(), bus, 0), bus)

	err := srv.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	srv.Stop()
	pid, err := session.ReadPID(paths.DaemonPID())
	require.NoError(t, err, "another daemon's pid file survives")
	assert.Equal(t, os.Getppid(), pid)
}

func TestStartReplacesStaleFiles(t *testing.T) {
	paths := session.NewPaths(testutil.ShortTempDir(t))
	require.NoError(t, os.WriteFile(paths.DaemonPID(), []byte("99999999\n"), 0600))
	require.NoError(t, os.WriteFile(paths.Socket(), []byte("stale"), 0600))

	bus := events.NewEventBus()
	defer bus.Shutdown()
	srv := NewServer(ServerConfig{Paths: paths}, NewWorkerManager(newFakeLauncher(), bus, 0), bus)
	require.NoError(t, srv.Start())

	pid, err := session.ReadPID(paths.DaemonPID())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	srv.Stop()
	srv.Stop()
	assert.NoFileExists(t, paths.Socket())
	assert.NoFileExists(t, paths.DaemonPID())
	assert.Error(t, srv.Start(), "a stopped server cannot be restarted")
}

func TestStopOnNeverStartedServer(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Shutdown()
	srv := NewServer(ServerConfig{Paths: session.NewPaths(testutil.ShortTempDir(t))}, NewWorkerManager(newFakeLauncher(), bus, 0), bus)
	assert.NotPanics(t, srv.Stop)
	assert.NotPanics(t, srv.Stop)
}
