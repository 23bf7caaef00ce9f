package telemetry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	cdplog "github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	jsonv2 "github.com/go-json-experiment/json"

	cdpconn "github.com/standardbeagle/webtap/internal/cdp"
)

// DefaultBodyLimit caps response bodies fetched into the store
const DefaultBodyLimit = 1 << 20

// Session is the part of a CDP connection the collector needs
type Session interface {
	On(event string, handler cdpconn.EventHandler) func()
	Send(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
}

// Collector turns CDP network, runtime and log events into store entries
type Collector struct {
	session   Session
	store     *Store
	bodyLimit int

	mu     sync.Mutex
	unsubs []func()
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCollector binds a store to a session. bodyLimit <= 0 selects
// DefaultBodyLimit.
func NewCollector(session Session, store *Store, bodyLimit int) *Collector {
	if bodyLimit <= 0 {
		bodyLimit = DefaultBodyLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Collector{
		session:   session,
		store:     store,
		bodyLimit: bodyLimit,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Attach subscribes to events and enables the Network, Runtime and Log domains
func (c *Collector) Attach(ctx context.Context) error {
	c.mu.Lock()
	c.unsubs = append(c.unsubs,
		c.session.On("Network.requestWillBeSent", c.onRequestWillBeSent),
		c.session.On("Network.responseReceived", c.onResponseReceived),
		c.session.On("Network.loadingFinished", c.onLoadingFinished),
		c.session.On("Network.loadingFailed", c.onLoadingFailed),
		c.session.On("Runtime.consoleAPICalled", c.onConsoleAPICalled),
		c.session.On("Runtime.exceptionThrown", c.onExceptionThrown),
		c.session.On("Log.entryAdded", c.onLogEntryAdded),
	)
	c.mu.Unlock()

	for _, method := range []string{"Network.enable", "Runtime.enable", "Log.enable"} {
		if _, err := c.session.Send(ctx, method, nil); err != nil {
			c.Detach()
			return fmt.Errorf("%s: %w", method, err)
		}
	}
	return nil
}

// Detach removes every handler and waits for in-flight body fetches
func (c *Collector) Detach() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	c.cancel()
	c.wg.Wait()
}

func decode(params json.RawMessage, out interface{}) bool {
	if err := jsonv2.Unmarshal(params, out); err != nil {
		log.Printf("telemetry: dropping undecodable event params: %v", err)
		return false
	}
	return true
}

func wallMillis(t *cdp.TimeSinceEpoch) int64 {
	if t == nil {
		return time.Now().UnixMilli()
	}
	return t.Time().UnixMilli()
}

func runtimeMillis(t *runtime.Timestamp) int64 {
	if t == nil {
		return time.Now().UnixMilli()
	}
	return t.Time().UnixMilli()
}

func flattenHeaders(h network.Headers) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func (c *Collector) onRequestWillBeSent(params json.RawMessage) {
	var ev network.EventRequestWillBeSent
	if !decode(params, &ev) || ev.Request == nil {
		return
	}
	id := string(ev.RequestID)

	if ev.RedirectResponse != nil {
		status := int(ev.RedirectResponse.Status)
		c.store.UpdateNetworkRequest(id, func(r *NetworkRequest) {
			r.Status = &status
			r.StatusText = ev.RedirectResponse.StatusText
			r.MimeType = ev.RedirectResponse.MimeType
			r.ResponseHeaders = flattenHeaders(ev.RedirectResponse.Headers)
		})
	}

	c.store.PushNetworkRequest(NetworkRequest{
		RequestID:      id,
		Timestamp:      wallMillis(ev.WallTime),
		Method:         ev.Request.Method,
		URL:            ev.Request.URL + ev.Request.URLFragment,
		ResourceType:   string(ev.Type),
		RequestHeaders: flattenHeaders(ev.Request.Headers),
	})
}

func (c *Collector) onResponseReceived(params json.RawMessage) {
	var ev network.EventResponseReceived
	if !decode(params, &ev) || ev.Response == nil {
		return
	}
	status := int(ev.Response.Status)
	c.store.UpdateNetworkRequest(string(ev.RequestID), func(r *NetworkRequest) {
		r.Status = &status
		r.StatusText = ev.Response.StatusText
		r.MimeType = ev.Response.MimeType
		r.ResponseHeaders = flattenHeaders(ev.Response.Headers)
		if ev.Type != "" {
			r.ResourceType = string(ev.Type)
		}
	})
}

func (c *Collector) onLoadingFinished(params json.RawMessage) {
	var ev network.EventLoadingFinished
	if !decode(params, &ev) {
		return
	}
	id := string(ev.RequestID)
	length := ev.EncodedDataLength

	var fetchBody bool
	found := c.store.UpdateNetworkRequest(id, func(r *NetworkRequest) {
		r.EncodedDataLength = &length
		r.FinishedAt = time.Now().UnixMilli()
		fetchBody = isTextual(r.MimeType) && length <= float64(c.bodyLimit)
	})
	if found && fetchBody {
		c.fetchBody(id)
	}
}

func (c *Collector) onLoadingFailed(params json.RawMessage) {
	var ev network.EventLoadingFailed
	if !decode(params, &ev) {
		return
	}
	c.store.UpdateNetworkRequest(string(ev.RequestID), func(r *NetworkRequest) {
		r.Failed = true
		r.ErrorText = ev.ErrorText
		if ev.Canceled && r.ErrorText == "" {
			r.ErrorText = "canceled"
		}
		r.FinishedAt = time.Now().UnixMilli()
	})
}

// fetchBody runs off the read loop: Send waits for a reply the loop delivers
func (c *Collector) fetchBody(id string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
		defer cancel()

		raw, err := c.session.Send(ctx, "Network.getResponseBody", map[string]string{"requestId": id})
		if err != nil {
			return
		}
		var body struct {
			Body          string `json:"body"`
			Base64Encoded bool   `json:"base64Encoded"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return
		}
		text := body.Body
		if body.Base64Encoded {
			decoded, err := base64.StdEncoding.DecodeString(body.Body)
			if err != nil {
				return
			}
			text = string(decoded)
		}
		if len(text) > c.bodyLimit {
			text = text[:c.bodyLimit]
		}
		c.store.UpdateNetworkRequest(id, func(r *NetworkRequest) {
			r.ResponseBody = text
		})
	}()
}

func isTextual(mime string) bool {
	mime = strings.ToLower(mime)
	switch {
	case strings.HasPrefix(mime, "text/"):
		return true
	case strings.Contains(mime, "json"), strings.Contains(mime, "javascript"),
		strings.Contains(mime, "xml"), strings.Contains(mime, "x-www-form-urlencoded"):
		return true
	}
	return false
}

func (c *Collector) onConsoleAPICalled(params json.RawMessage) {
	var ev runtime.EventConsoleAPICalled
	if !decode(params, &ev) {
		return
	}
	args, text := renderArgs(ev.Args)
	c.store.PushConsoleMessage(ConsoleMessage{
		Timestamp: runtimeMillis(ev.Timestamp),
		Type:      string(ev.Type),
		Text:      text,
		Args:      args,
	})
}

func (c *Collector) onExceptionThrown(params json.RawMessage) {
	var ev runtime.EventExceptionThrown
	if !decode(params, &ev) || ev.ExceptionDetails == nil {
		return
	}
	details := ev.ExceptionDetails
	text := details.Text
	var args []json.RawMessage
	if details.Exception != nil {
		var desc string
		args, desc = renderArgs([]*runtime.RemoteObject{details.Exception})
		if desc != "" {
			text = desc
		}
	}
	c.store.PushConsoleMessage(ConsoleMessage{
		Timestamp: runtimeMillis(ev.Timestamp),
		Type:      "error",
		Text:      text,
		Args:      args,
	})
}

func (c *Collector) onLogEntryAdded(params json.RawMessage) {
	var ev cdplog.EventEntryAdded
	if !decode(params, &ev) || ev.Entry == nil {
		return
	}
	args, _ := renderArgs(ev.Entry.Args)
	c.store.PushConsoleMessage(ConsoleMessage{
		Timestamp: runtimeMillis(ev.Entry.Timestamp),
		Type:      string(ev.Entry.Level),
		Text:      ev.Entry.Text,
		Args:      args,
	})
}

// renderArgs re-encodes remote objects and joins their printable forms
func renderArgs(objs []*runtime.RemoteObject) ([]json.RawMessage, string) {
	args := make([]json.RawMessage, 0, len(objs))
	parts := make([]string, 0, len(objs))
	for _, o := range objs {
		if o == nil {
			continue
		}
		raw, err := jsonv2.Marshal(o)
		if err != nil {
			continue
		}
		args = append(args, raw)
		parts = append(parts, printable(raw))
	}
	return args, strings.Join(parts, " ")
}

func printable(raw json.RawMessage) string {
	var obj struct {
		Type                string          `json:"type"`
		Value               json.RawMessage `json:"value"`
		UnserializableValue string          `json:"unserializableValue"`
		Description         string          `json:"description"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	if len(obj.Value) > 0 {
		var s string
		if err := json.Unmarshal(obj.Value, &s); err == nil {
			return s
		}
		return string(obj.Value)
	}
	if obj.UnserializableValue != "" {
		return obj.UnserializableValue
	}
	if obj.Description != "" {
		return obj.Description
	}
	return obj.Type
}
