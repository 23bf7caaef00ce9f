package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/standardbeagle/webtap/internal/errs"
)

// Target is one entry of the DevTools /json/list endpoint
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Version is the DevTools /json/version payload
type Version struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Endpoint is a resolved page target ready to dial
type Endpoint struct {
	WebSocketURL string
	TargetID     string
	TargetURL    string
	Browser      string
}

// Discoverer talks to the DevTools HTTP endpoint of a browser
type Discoverer struct {
	BaseURL string
	Client  *http.Client
}

// NewDiscoverer creates a discoverer for host:port
func NewDiscoverer(host string, port int) *Discoverer {
	if host == "" {
		host = "127.0.0.1"
	}
	return &Discoverer{
		BaseURL: "http://" + net.JoinHostPort(host, strconv.Itoa(port)),
		Client:  http.DefaultClient,
	}
}

// Version fetches /json/version
func (d *Discoverer) Version(ctx context.Context) (*Version, error) {
	var v Version
	if err := d.getJSON(ctx, http.MethodGet, "/json/version", &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Targets fetches /json/list
func (d *Discoverer) Targets(ctx context.Context) ([]Target, error) {
	var targets []Target
	if err := d.getJSON(ctx, http.MethodGet, "/json/list", &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

// NewTarget opens a new page at pageURL via /json/new
func (d *Discoverer) NewTarget(ctx context.Context, pageURL string) (*Target, error) {
	if pageURL == "" {
		pageURL = "about:blank"
	}
	var t Target
	if err := d.getJSON(ctx, http.MethodPut, "/json/new?"+url.QueryEscape(pageURL), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Resolve picks the first page target, or creates one at targetURL when the
// browser has none. A targetURL that matches an existing page by prefix wins.
func (d *Discoverer) Resolve(ctx context.Context, targetURL string) (*Endpoint, error) {
	version, err := d.Version(ctx)
	if err != nil {
		return nil, err
	}

	targets, err := d.Targets(ctx)
	if err != nil {
		return nil, err
	}

	var chosen *Target
	for i := range targets {
		t := &targets[i]
		if t.Type != "page" || t.WebSocketDebuggerURL == "" {
			continue
		}
		if targetURL != "" && strings.HasPrefix(t.URL, targetURL) {
			chosen = t
			break
		}
		if chosen == nil {
			chosen = t
		}
	}

	if chosen == nil || (targetURL != "" && !strings.HasPrefix(chosen.URL, targetURL)) {
		created, err := d.NewTarget(ctx, targetURL)
		if err != nil {
			return nil, err
		}
		chosen = created
	}

	return &Endpoint{
		WebSocketURL: chosen.WebSocketDebuggerURL,
		TargetID:     chosen.ID,
		TargetURL:    chosen.URL,
		Browser:      version.Browser,
	}, nil
}

// ResolveEndpoint accepts either a ws:// URL, used as-is, or a host/port pair
// that is resolved through the DevTools HTTP endpoint.
func ResolveEndpoint(ctx context.Context, wsURL, host string, port int, targetURL string) (*Endpoint, error) {
	if strings.HasPrefix(wsURL, "ws://") || strings.HasPrefix(wsURL, "wss://") {
		return &Endpoint{WebSocketURL: wsURL}, nil
	}
	if wsURL != "" {
		u, err := url.Parse(wsURL)
		if err != nil {
			return nil, fmt.Errorf("invalid endpoint %q: %w", wsURL, err)
		}
		host = u.Hostname()
		if p, err := strconv.Atoi(u.Port()); err == nil {
			port = p
		}
	}
	if port == 0 {
		port = 9222
	}
	return NewDiscoverer(host, port).Resolve(ctx, targetURL)
}

func (d *Discoverer) getJSON(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, d.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return errs.Connection("devtools "+path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Connection("devtools "+path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("devtools %s: unexpected status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errs.Parse("devtools "+path, err)
	}
	return nil
}
