package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
)

// NetworkRequest is filled in progressively as the browser reports the
// request lifecycle. A request with only id, method and url is pending.
type NetworkRequest struct {
	RequestID         string            `json:"requestId"`
	Timestamp         int64             `json:"timestamp"`
	Method            string            `json:"method"`
	URL               string            `json:"url"`
	Status            *int              `json:"status,omitempty"`
	StatusText        string            `json:"statusText,omitempty"`
	MimeType          string            `json:"mimeType,omitempty"`
	ResourceType      string            `json:"resourceType,omitempty"`
	RequestHeaders    map[string]string `json:"requestHeaders,omitempty"`
	ResponseHeaders   map[string]string `json:"responseHeaders,omitempty"`
	RequestBody       string            `json:"requestBody,omitempty"`
	ResponseBody      string            `json:"responseBody,omitempty"`
	EncodedDataLength *float64          `json:"encodedDataLength,omitempty"`
	Failed            bool              `json:"failed,omitempty"`
	ErrorText         string            `json:"errorText,omitempty"`
	FinishedAt        int64             `json:"finishedAt,omitempty"`
}

// Pending reports whether no response has been seen yet
func (r *NetworkRequest) Pending() bool {
	return r.Status == nil && !r.Failed
}

func (r *NetworkRequest) clone() NetworkRequest {
	c := *r
	if r.Status != nil {
		s := *r.Status
		c.Status = &s
	}
	if r.EncodedDataLength != nil {
		l := *r.EncodedDataLength
		c.EncodedDataLength = &l
	}
	c.RequestHeaders = cloneHeaders(r.RequestHeaders)
	c.ResponseHeaders = cloneHeaders(r.ResponseHeaders)
	return c
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// ConsoleMessage is one console API call, log entry or uncaught exception
type ConsoleMessage struct {
	Timestamp int64             `json:"timestamp"`
	Type      string            `json:"type"`
	Text      string            `json:"text"`
	Args      []json.RawMessage `json:"args"`
}

// ItemKind discriminates the two telemetry sequences
type ItemKind string

const (
	KindNetwork ItemKind = "network"
	KindConsole ItemKind = "console"
)

var itemKinds = []ItemKind{KindNetwork, KindConsole}

// ParseItemKind rejects anything outside the known kinds
func ParseItemKind(s string) (ItemKind, error) {
	for _, k := range itemKinds {
		if string(k) == s {
			return k, nil
		}
	}
	names := make([]string, len(itemKinds))
	for i, k := range itemKinds {
		names[i] = string(k)
	}
	return "", fmt.Errorf("unknown item type: got %q, expected one of %s", s, strings.Join(names, ", "))
}

// Snapshot is the result of Peek
type Snapshot struct {
	Network []NetworkRequest `json:"network"`
	Console []ConsoleMessage `json:"console"`
}

// Stats summarises store contents
type Stats struct {
	NetworkCount    int   `json:"networkRequestsCaptured"`
	ConsoleCount    int   `json:"consoleMessagesCaptured"`
	NetworkTotal    int64 `json:"networkRequestsTotal"`
	ConsoleTotal    int64 `json:"consoleMessagesTotal"`
	LastNetworkAt   int64 `json:"lastNetworkRequestAt,omitempty"`
	LastConsoleAt   int64 `json:"lastConsoleMessageAt,omitempty"`
	PendingRequests int   `json:"pendingRequests"`
	Capacity        int   `json:"capacity"`
}
