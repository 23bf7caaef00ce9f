package telemetry

import (
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/chromedp/cdproto/har"
	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// HARVersion is the archive format version written by BuildHAR
const HARVersion = "1.2"

// BuildHAR converts captured requests into an HTTP archive. Requests still
// pending are included with status 0.
func BuildHAR(requests []NetworkRequest, creatorVersion string) *har.HAR {
	entries := make([]*har.Entry, 0, len(requests))
	for i := range requests {
		entries = append(entries, harEntry(&requests[i]))
	}
	return &har.HAR{
		Log: &har.Log{
			Version: HARVersion,
			Creator: &har.Creator{Name: "webtap", Version: creatorVersion},
			Entries: entries,
		},
	}
}

// MarshalHAR renders h as indented JSON
func MarshalHAR(h *har.HAR) ([]byte, error) {
	return jsonv2.Marshal(h, jsontext.WithIndent("  "), jsonv2.Deterministic(true))
}

func harEntry(r *NetworkRequest) *har.Entry {
	started := time.UnixMilli(r.Timestamp).UTC()
	var elapsed float64
	if r.FinishedAt >= r.Timestamp && r.FinishedAt != 0 {
		elapsed = float64(r.FinishedAt - r.Timestamp)
	}

	req := &har.Request{
		Method:      r.Method,
		URL:         r.URL,
		HTTPVersion: "HTTP/1.1",
		Cookies:     []*har.Cookie{},
		Headers:     nameValues(r.RequestHeaders),
		QueryString: queryString(r.URL),
		HeadersSize: -1,
		BodySize:    int64(len(r.RequestBody)),
	}
	if r.RequestBody != "" {
		req.PostData = &har.PostData{
			MimeType: header(r.RequestHeaders, "Content-Type"),
			Text:     r.RequestBody,
		}
	}

	resp := &har.Response{
		StatusText:  r.StatusText,
		HTTPVersion: "HTTP/1.1",
		Cookies:     []*har.Cookie{},
		Headers:     nameValues(r.ResponseHeaders),
		Content: &har.Content{
			Size:     int64(len(r.ResponseBody)),
			MimeType: r.MimeType,
			Text:     r.ResponseBody,
		},
		RedirectURL: header(r.ResponseHeaders, "Location"),
		HeadersSize: -1,
		BodySize:    -1,
	}
	if r.Status != nil {
		resp.Status = int64(*r.Status)
	}
	if r.EncodedDataLength != nil {
		resp.BodySize = int64(*r.EncodedDataLength)
	}

	entry := &har.Entry{
		StartedDateTime: started.Format(time.RFC3339Nano),
		Time:            elapsed,
		Request:         req,
		Response:        resp,
		Cache:           &har.Cache{},
		Timings: &har.Timings{
			Blocked: -1,
			DNS:     -1,
			Connect: -1,
			Send:    0,
			Wait:    elapsed,
			Receive: 0,
			Ssl:     -1,
		},
	}
	if r.Failed {
		entry.Comment = r.ErrorText
	}
	return entry
}

func nameValues(h map[string]string) []*har.NameValuePair {
	out := make([]*har.NameValuePair, 0, len(h))
	for k, v := range h {
		out = append(out, &har.NameValuePair{Name: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func queryString(raw string) []*har.NameValuePair {
	out := []*har.NameValuePair{}
	u, err := url.Parse(raw)
	if err != nil {
		return out
	}
	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range q[k] {
			out = append(out, &har.NameValuePair{Name: k, Value: v})
		}
	}
	return out
}

// header finds name case-insensitively
func header(h map[string]string, name string) string {
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
