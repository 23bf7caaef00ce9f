package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/standardbeagle/webtap/internal/errs"
	"github.com/standardbeagle/webtap/internal/ipc"
	"github.com/standardbeagle/webtap/internal/telemetry"
)

// DefaultPeekCount is used when a peek request carries no lastN
const DefaultPeekCount = 10

// Caller is the CDP surface command handlers may use
type Caller interface {
	Send(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
}

// Target describes the page the worker is attached to
type Target struct {
	ID     string `json:"id,omitempty"`
	URL    string `json:"url,omitempty"`
	CDPURL string `json:"cdpUrl"`
}

// Env is everything a command handler can touch
type Env struct {
	CDP       Caller
	Store     *telemetry.Store
	PID       int
	StartTime time.Time
	Target    Target

	// Connected reports CDP liveness; nil means always connected
	Connected func() bool
}

// HandlerFunc runs one command inside the worker
type HandlerFunc func(ctx context.Context, env *Env, params json.RawMessage) (interface{}, error)

// Registry maps command names to handlers
type Registry struct {
	handlers map[string]HandlerFunc
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// DefaultRegistry holds the built-in worker commands
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(ipc.CmdStatus, handleStatus)
	r.Register(ipc.CmdPeek, handlePeek)
	r.Register(ipc.CmdHARData, handleHARData)
	r.Register(ipc.CmdDetails, handleDetails)
	r.Register(ipc.CmdCDPCall, handleCDPCall)
	r.Register(ipc.CmdNetworkHeaders, handleNetworkHeaders)
	return r
}

// Register adds or replaces a handler
func (r *Registry) Register(name string, h HandlerFunc) {
	r.handlers[name] = h
}

// Names lists registered commands in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the handler for name
func (r *Registry) Dispatch(ctx context.Context, env *Env, name string, params json.RawMessage) (interface{}, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, errs.NotFound("unknown command: got %q, expected one of %s", name, strings.Join(r.Names(), ", "))
	}
	return h(ctx, env, params)
}

func decodeParams(name string, params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("invalid %s params: %w", name, err)
	}
	return nil
}

// StatusResult is the worker_status payload
type StatusResult struct {
	WorkerPID    int             `json:"workerPid"`
	StartTime    time.Time       `json:"startTime"`
	UptimeMs     int64           `json:"uptimeMs"`
	CDPConnected bool            `json:"cdpConnected"`
	Target       Target          `json:"target"`
	Telemetry    telemetry.Stats `json:"telemetry"`
}

func handleStatus(ctx context.Context, env *Env, _ json.RawMessage) (interface{}, error) {
	connected := true
	if env.Connected != nil {
		connected = env.Connected()
	}
	return &StatusResult{
		WorkerPID:    env.PID,
		StartTime:    env.StartTime,
		UptimeMs:     time.Since(env.StartTime).Milliseconds(),
		CDPConnected: connected,
		Target:       env.Target,
		Telemetry:    env.Store.Stats(),
	}, nil
}

// PeekResult is the worker_peek payload
type PeekResult struct {
	Network []telemetry.NetworkRequest `json:"network"`
	Console []telemetry.ConsoleMessage `json:"console"`
	Counts  PeekCounts                 `json:"counts"`
}

// PeekCounts reports retained totals next to the returned slices
type PeekCounts struct {
	Network int `json:"network"`
	Console int `json:"console"`
}

func handlePeek(ctx context.Context, env *Env, params json.RawMessage) (interface{}, error) {
	var p struct {
		LastN *int `json:"lastN"`
	}
	if err := decodeParams(ipc.CmdPeek, params, &p); err != nil {
		return nil, err
	}
	n := DefaultPeekCount
	if p.LastN != nil {
		n = *p.LastN
	}

	snap := env.Store.Peek(n)
	stats := env.Store.Stats()
	return &PeekResult{
		Network: snap.Network,
		Console: snap.Console,
		Counts:  PeekCounts{Network: stats.NetworkCount, Console: stats.ConsoleCount},
	}, nil
}

// HARDataResult is the worker_har_data payload
type HARDataResult struct {
	Requests []telemetry.NetworkRequest `json:"requests"`
}

func handleHARData(ctx context.Context, env *Env, _ json.RawMessage) (interface{}, error) {
	return &HARDataResult{Requests: env.Store.ExportAll()}, nil
}

// DetailsResult is the worker_details payload
type DetailsResult struct {
	ItemType telemetry.ItemKind `json:"itemType"`
	Item     interface{}        `json:"item"`
}

func handleDetails(ctx context.Context, env *Env, params json.RawMessage) (interface{}, error) {
	var p ipc.DetailsParams
	if err := decodeParams(ipc.CmdDetails, params, &p); err != nil {
		return nil, err
	}
	kind, err := telemetry.ParseItemKind(p.ItemType)
	if err != nil {
		return nil, err
	}
	item, err := env.Store.FindByID(kind, p.ID)
	if err != nil {
		return nil, err
	}
	return &DetailsResult{ItemType: kind, Item: item}, nil
}

// CDPCallResult is the cdp_call payload
type CDPCallResult struct {
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
}

func handleCDPCall(ctx context.Context, env *Env, params json.RawMessage) (interface{}, error) {
	var p ipc.CDPCallParams
	if err := decodeParams(ipc.CmdCDPCall, params, &p); err != nil {
		return nil, err
	}
	if p.Method == "" {
		return nil, fmt.Errorf("cdp_call requires a method")
	}

	var callParams interface{}
	if len(p.Params) > 0 && string(p.Params) != "null" {
		callParams = p.Params
	}
	result, err := env.CDP.Send(ctx, p.Method, callParams)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		result = json.RawMessage("{}")
	}
	return &CDPCallResult{Method: p.Method, Result: result}, nil
}

// HeadersResult is the worker_network_headers payload
type HeadersResult struct {
	RequestID       string            `json:"requestId"`
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	Status          *int              `json:"status,omitempty"`
	RequestHeaders  map[string]string `json:"requestHeaders"`
	ResponseHeaders map[string]string `json:"responseHeaders"`
}

func handleNetworkHeaders(ctx context.Context, env *Env, params json.RawMessage) (interface{}, error) {
	var p ipc.HeadersParams
	if err := decodeParams(ipc.CmdNetworkHeaders, params, &p); err != nil {
		return nil, err
	}

	var req telemetry.NetworkRequest
	if p.ID != "" {
		r, err := env.Store.FindNetworkRequest(p.ID)
		if err != nil {
			return nil, err
		}
		req = r
	} else {
		r, ok := env.Store.LatestNetworkRequest(func(r *telemetry.NetworkRequest) bool {
			return len(r.ResponseHeaders) > 0
		})
		if !ok {
			return nil, errs.NotFound("no network request with response headers captured")
		}
		req = r
	}

	return &HeadersResult{
		RequestID:       req.RequestID,
		URL:             req.URL,
		Method:          req.Method,
		Status:          req.Status,
		RequestHeaders:  filterHeaders(req.RequestHeaders, p.HeaderName),
		ResponseHeaders: filterHeaders(req.ResponseHeaders, p.HeaderName),
	}, nil
}

// filterHeaders keeps headers named name, compared case-insensitively. An
// empty name keeps everything. The result is never nil.
func filterHeaders(h map[string]string, name string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if name == "" || strings.EqualFold(k, name) {
			out[k] = v
		}
	}
	return out
}
