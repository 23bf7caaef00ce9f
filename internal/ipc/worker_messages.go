package ipc

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Worker command names, the keys of the worker dispatch table
const (
	CmdStatus         = "worker_status"
	CmdPeek           = "worker_peek"
	CmdHARData        = "worker_har_data"
	CmdDetails        = "worker_details"
	CmdCDPCall        = "cdp_call"
	CmdNetworkHeaders = "worker_network_headers"
)

// Unsolicited worker lifecycle frames
const (
	WorkerReadyType  MessageType = "worker_ready"
	WorkerFailedType MessageType = "worker_failed"
)

// WorkerRequest travels daemon -> worker
type WorkerRequest struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"requestId"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// NewWorkerRequest wraps a command and its params
func NewWorkerRequest(command, requestID string, params interface{}) (*WorkerRequest, error) {
	req := &WorkerRequest{
		Type:      MessageType(command + "_request"),
		RequestID: requestID,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode %s params: %w", command, err)
		}
		req.Params = raw
	}
	return req, nil
}

// Command returns the dispatch table key for the request
func (r *WorkerRequest) Command() string {
	return strings.TrimSuffix(string(r.Type), "_request")
}

// WorkerResponse travels worker -> daemon
type WorkerResponse struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// WorkerReady is sent once the worker holds a live CDP connection
type WorkerReady struct {
	Type      MessageType `json:"type"`
	WorkerPID int         `json:"workerPid"`
	CDPURL    string      `json:"cdpUrl"`
	TargetID  string      `json:"targetId,omitempty"`
	TargetURL string      `json:"targetUrl,omitempty"`
}

// WorkerFailed is sent when the worker cannot start
type WorkerFailed struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
}

// WorkerMessage is any frame the worker writes; Type selects the variant
type WorkerMessage struct {
	Type MessageType `json:"type"`

	Response *WorkerResponse `json:"-"`
	Ready    *WorkerReady    `json:"-"`
	Failed   *WorkerFailed   `json:"-"`
}

// ParseWorkerMessage decodes a worker frame into its variant. Unknown tags
// are rejected.
func ParseWorkerMessage(line []byte) (*WorkerMessage, error) {
	head, err := ParseFrame[struct {
		Type MessageType `json:"type"`
	}](line)
	if err != nil {
		return nil, err
	}

	msg := &WorkerMessage{Type: head.Type}
	switch {
	case head.Type == WorkerReadyType:
		msg.Ready, err = parseInto[WorkerReady](line)
	case head.Type == WorkerFailedType:
		msg.Failed, err = parseInto[WorkerFailed](line)
	case strings.HasSuffix(string(head.Type), "_response"):
		msg.Response, err = parseInto[WorkerResponse](line)
		if err == nil && msg.Response.RequestID == "" {
			err = fmt.Errorf("worker response %s without requestId", head.Type)
		}
	default:
		err = fmt.Errorf("unknown worker message type %q", head.Type)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func parseInto[T any](line []byte) (*T, error) {
	v, err := ParseFrame[T](line)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
