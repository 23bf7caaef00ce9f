// Package cdptest provides a fake DevTools endpoint for tests: the HTTP
// discovery routes plus a page WebSocket that answers protocol calls.
package cdptest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// HandlerFunc answers one protocol call. Returning a non-nil *Error sends a
// protocol error instead of a result.
type HandlerFunc func(method string, params json.RawMessage) (interface{}, *Error)

// Error mirrors a protocol error object
type Error struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// Call records a method invocation seen by the server
type Call struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Server is a fake browser with a single page target
type Server struct {
	*httptest.Server

	TargetID string

	mu       sync.Mutex
	handler  HandlerFunc
	sockets  map[*websocket.Conn]*sync.Mutex
	calls    []Call
	hold     map[string]bool
	held     []heldCall
	noTarget bool
}

type heldCall struct {
	ws   *websocket.Conn
	call Call
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewServer starts a fake browser. handler may be nil, in which case every
// call returns an empty result.
func NewServer(handler HandlerFunc) *Server {
	s := &Server{
		TargetID: "PAGE1",
		handler:  handler,
		sockets:  make(map[*websocket.Conn]*sync.Mutex),
		hold:     make(map[string]bool),
	}

	r := mux.NewRouter()
	r.HandleFunc("/json/version", s.handleVersion).Methods(http.MethodGet)
	r.HandleFunc("/json/list", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/json", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/json/new", s.handleNew).Methods(http.MethodPut)
	r.HandleFunc("/devtools/page/{id}", s.handleSocket)

	s.Server = httptest.NewServer(r)
	return s
}

// Close drops page sockets and shuts the HTTP server down
func (s *Server) Close() {
	s.DropConnections()
	s.Server.Close()
}

// WebSocketURL is the page debugger URL
func (s *Server) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/devtools/page/" + s.TargetID
}

// HostPort returns host and port of the HTTP endpoint
func (s *Server) HostPort() (string, int) {
	addr := s.Listener.Addr().String()
	i := strings.LastIndex(addr, ":")
	var port int
	fmt.Sscanf(addr[i+1:], "%d", &port)
	return addr[:i], port
}

// SetHandler replaces the call handler
func (s *Server) SetHandler(h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// HidePages makes /json/list report no page targets
func (s *Server) HidePages() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noTarget = true
}

// Hold defers replies to method until Release is called
func (s *Server) Hold(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold[method] = true
}

// Release answers held calls in reverse arrival order
func (s *Server) Release(method string) {
	s.mu.Lock()
	delete(s.hold, method)
	var keep, release []heldCall
	for _, h := range s.held {
		if h.call.Method == method {
			release = append(release, h)
		} else {
			keep = append(keep, h)
		}
	}
	s.held = keep
	s.mu.Unlock()

	for i := len(release) - 1; i >= 0; i-- {
		s.reply(release[i].ws, release[i].call)
	}
}

// Calls returns every call received so far
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount counts calls to method
func (s *Server) CallCount(method string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Emit sends an event to every connected client
func (s *Server) Emit(method string, params interface{}) {
	raw, _ := json.Marshal(params)
	frame := map[string]interface{}{"method": method, "params": json.RawMessage(raw)}

	s.mu.Lock()
	sockets := make(map[*websocket.Conn]*sync.Mutex, len(s.sockets))
	for ws, mu := range s.sockets {
		sockets[ws] = mu
	}
	s.mu.Unlock()

	for ws, mu := range sockets {
		mu.Lock()
		_ = ws.WriteJSON(frame)
		mu.Unlock()
	}
}

// Connections returns the number of open page sockets
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets)
}

// DropConnections closes every page socket from the server side
func (s *Server) DropConnections() {
	s.mu.Lock()
	sockets := s.sockets
	s.sockets = make(map[*websocket.Conn]*sync.Mutex)
	s.mu.Unlock()

	for ws := range sockets {
		_ = ws.Close()
	}
}

func (s *Server) target() map[string]string {
	return map[string]string{
		"id":                   s.TargetID,
		"type":                 "page",
		"title":                "Fake Page",
		"url":                  "https://example.test/",
		"webSocketDebuggerUrl": s.WebSocketURL(),
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"Browser":              "FakeChrome/1.0",
		"Protocol-Version":     "1.3",
		"webSocketDebuggerUrl": "ws" + strings.TrimPrefix(s.URL, "http") + "/devtools/browser/fake",
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	hidden := s.noTarget
	s.mu.Unlock()

	list := []map[string]string{{"id": "SW1", "type": "service_worker", "url": "https://example.test/sw.js"}}
	if !hidden {
		list = append(list, s.target())
	}
	writeJSON(w, list)
}

func (s *Server) handleNew(w http.ResponseWriter, r *http.Request) {
	t := s.target()
	if q, err := url.QueryUnescape(r.URL.RawQuery); err == nil && q != "" {
		t["url"] = q
	}
	writeJSON(w, t)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.sockets[ws] = &sync.Mutex{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sockets, ws)
		s.mu.Unlock()
		ws.Close()
	}()

	for {
		var call Call
		if err := ws.ReadJSON(&call); err != nil {
			return
		}

		s.mu.Lock()
		s.calls = append(s.calls, call)
		held := s.hold[call.Method]
		if held {
			s.held = append(s.held, heldCall{ws: ws, call: call})
		}
		s.mu.Unlock()

		if !held {
			s.reply(ws, call)
		}
	}
}

func (s *Server) reply(ws *websocket.Conn, call Call) {
	s.mu.Lock()
	handler := s.handler
	mu := s.sockets[ws]
	s.mu.Unlock()
	if mu == nil {
		return
	}

	var result interface{} = map[string]interface{}{}
	var perr *Error
	if handler != nil {
		result, perr = handler(call.Method, call.Params)
		if result == nil {
			result = map[string]interface{}{}
		}
	}

	frame := map[string]interface{}{"id": call.ID}
	if perr != nil {
		frame["error"] = perr
	} else {
		frame["result"] = result
	}

	mu.Lock()
	_ = ws.WriteJSON(frame)
	mu.Unlock()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
