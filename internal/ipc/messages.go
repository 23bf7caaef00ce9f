package ipc

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/standardbeagle/webtap/internal/errs"
)

// MessageType is the `type` discriminator carried by every frame
type MessageType string

const (
	HandshakeRequest      MessageType = "handshake_request"
	StatusRequest         MessageType = "status_request"
	PeekRequest           MessageType = "peek_request"
	HARDataRequest        MessageType = "har_data_request"
	StartSessionRequest   MessageType = "start_session_request"
	StopSessionRequest    MessageType = "stop_session_request"
	DetailsRequest        MessageType = "details_request"
	CDPCallRequest        MessageType = "cdp_call_request"
	NetworkHeadersRequest MessageType = "network_headers_request"
)

// requestTypes is the closed set of client request tags
var requestTypes = map[MessageType]bool{
	HandshakeRequest:      true,
	StatusRequest:         true,
	PeekRequest:           true,
	HARDataRequest:        true,
	StartSessionRequest:   true,
	StopSessionRequest:    true,
	DetailsRequest:        true,
	CDPCallRequest:        true,
	NetworkHeadersRequest: true,
}

// IsKnownRequest reports whether t is a request tag this protocol defines
func IsKnownRequest(t MessageType) bool {
	return requestTypes[t]
}

// ResponseType maps "x_request" to "x_response"
func ResponseType(t MessageType) MessageType {
	s := string(t)
	if strings.HasSuffix(s, "_request") {
		return MessageType(strings.TrimSuffix(s, "_request") + "_response")
	}
	return MessageType(s + "_response")
}

// Status of a response frame
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Request is a decoded client frame. Command fields stay in the raw frame
// and are read with Decode into the matching params struct.
type Request struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`

	raw json.RawMessage
}

// ParseRequest validates the minimal frame shape: `type` must be a string and
// `sessionId` must be present as a string.
func ParseRequest(line []byte) (*Request, error) {
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(line, &shape); err != nil {
		return nil, errs.Parse("parse request", err)
	}

	var req Request
	rawType, ok := shape["type"]
	if !ok {
		return nil, errs.Parse("parse request", fmt.Errorf("missing type"))
	}
	if err := json.Unmarshal(rawType, &req.Type); err != nil {
		return nil, errs.Parse("parse request", fmt.Errorf("type must be a string"))
	}
	rawSession, ok := shape["sessionId"]
	if !ok {
		return nil, errs.Parse("parse request", fmt.Errorf("missing sessionId"))
	}
	if err := json.Unmarshal(rawSession, &req.SessionID); err != nil {
		return nil, errs.Parse("parse request", fmt.Errorf("sessionId must be a string"))
	}

	req.raw = append(json.RawMessage(nil), line...)
	return &req, nil
}

// Decode unmarshals the full frame into v
func (r *Request) Decode(v interface{}) error {
	if len(r.raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.raw, v); err != nil {
		return errs.Parse(string(r.Type), err)
	}
	return nil
}

// NewRequest builds a client frame from a params struct. Params fields are
// flattened next to `type` and `sessionId`.
func NewRequest(t MessageType, sessionID string, params interface{}) (map[string]interface{}, error) {
	frame := map[string]interface{}{}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("params for %s must encode as an object: %w", t, err)
		}
	}
	frame["type"] = t
	frame["sessionId"] = sessionID
	return frame, nil
}

// Response is the single frame written back for every request
type Response struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId"`
	Status    Status          `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// OK builds a success response for req
func OK(reqType MessageType, sessionID string, data interface{}) *Response {
	resp := &Response{
		Type:      ResponseType(reqType),
		SessionID: sessionID,
		Status:    StatusOK,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Fail(reqType, sessionID, fmt.Errorf("encode response data: %w", err), nil)
		}
		resp.Data = raw
	}
	return resp
}

// Fail builds an error response. data, when non-nil, is attached so the
// client still sees whatever context was known.
func Fail(reqType MessageType, sessionID string, err error, data interface{}) *Response {
	resp := &Response{
		Type:      ResponseType(reqType),
		SessionID: sessionID,
		Status:    StatusError,
		Error:     err.Error(),
	}
	if data != nil {
		if raw, merr := json.Marshal(data); merr == nil {
			resp.Data = raw
		}
	}
	return resp
}

// DecodeData unmarshals the data payload into v
func (r *Response) DecodeData(v interface{}) error {
	if len(r.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return errs.Parse(string(r.Type), err)
	}
	return nil
}

// PeekParams selects how many of the most recent items to return
type PeekParams struct {
	LastN int `json:"lastN"`
}

// DetailsParams identifies one telemetry item
type DetailsParams struct {
	ItemType string `json:"itemType"`
	ID       string `json:"id"`
}

// CDPCallParams invokes a raw protocol method
type CDPCallParams struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// HeadersParams selects a request and optionally one header name
type HeadersParams struct {
	ID         string `json:"id,omitempty"`
	HeaderName string `json:"headerName,omitempty"`
}

// StartSessionParams describes the browser endpoint to attach to
type StartSessionParams struct {
	URL       string `json:"url,omitempty"`
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	TargetURL string `json:"targetUrl,omitempty"`
}
