package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/standardbeagle/webtap/internal/daemon"
	"github.com/standardbeagle/webtap/internal/telemetry"
	"github.com/standardbeagle/webtap/internal/worker"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

// maxURLWidth truncates long URLs in list views
const maxURLWidth = 100

func writeJSON(w io.Writer, data json.RawMessage) error {
	if len(data) == 0 {
		_, err := fmt.Fprintln(w, "{}")
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

func field(w io.Writer, label string, value interface{}) {
	fmt.Fprintf(w, "  %s %v\n", labelStyle.Render(fmt.Sprintf("%-14s", label+":")), value)
}

func printStatus(w io.Writer, st *daemon.StatusResult) error {
	fmt.Fprintln(w, titleStyle.Render("Daemon"))
	field(w, "PID", st.DaemonPID)
	field(w, "Uptime", formatUptime(st.UptimeMs))
	field(w, "Socket", st.SocketPath)

	if st.SessionPID == 0 {
		fmt.Fprintln(w, warningStyle.Render("No active session"))
		return nil
	}

	fmt.Fprintln(w, titleStyle.Render("Session"))
	field(w, "Worker PID", st.SessionPID)
	if md := st.SessionMetadata; md != nil {
		field(w, "Started", md.StartTime.Local().Format(time.RFC3339))
		if md.TargetURL != "" {
			field(w, "Page", md.TargetURL)
		}
		field(w, "Debugger", md.CDPURL)
	}
	if len(st.Worker) == 0 {
		return nil
	}

	var ws worker.StatusResult
	if err := json.Unmarshal(st.Worker, &ws); err != nil {
		return fmt.Errorf("failed to decode worker status: %w", err)
	}
	if ws.CDPConnected {
		field(w, "CDP", successStyle.Render("connected"))
	} else {
		field(w, "CDP", errorStyle.Render("disconnected"))
	}
	tel := ws.Telemetry
	field(w, "Network", fmt.Sprintf("%d captured (%d total, %d pending)", tel.NetworkCount, tel.NetworkTotal, tel.PendingRequests))
	field(w, "Console", fmt.Sprintf("%d captured (%d total)", tel.ConsoleCount, tel.ConsoleTotal))
	field(w, "Capacity", tel.Capacity)
	return nil
}

func formatUptime(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Truncate(time.Second).String()
}

func printPeek(w io.Writer, p *worker.PeekResult) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Network (%d of %d)", len(p.Network), p.Counts.Network)))
	if len(p.Network) == 0 {
		fmt.Fprintln(w, labelStyle.Render("  none captured"))
	}
	for i := range p.Network {
		r := &p.Network[i]
		fmt.Fprintf(w, "  %s %-7s %s %s\n",
			labelStyle.Render(r.RequestID), r.Method, statusLabel(r), truncate(r.URL, maxURLWidth))
	}

	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Console (%d of %d)", len(p.Console), p.Counts.Console)))
	if len(p.Console) == 0 {
		fmt.Fprintln(w, labelStyle.Render("  none captured"))
	}
	// console ids are positions in the retained sequence
	first := p.Counts.Console - len(p.Console)
	for i, m := range p.Console {
		fmt.Fprintf(w, "  %s %s %s\n",
			labelStyle.Render(fmt.Sprintf("#%d", first+i)), consoleLabel(m.Type), m.Text)
	}
}

func statusLabel(r *telemetry.NetworkRequest) string {
	switch {
	case r.Failed:
		return errorStyle.Render("FAILED")
	case r.Status == nil:
		return warningStyle.Render("...")
	case *r.Status >= 400:
		return errorStyle.Render(fmt.Sprintf("%3d", *r.Status))
	default:
		return successStyle.Render(fmt.Sprintf("%3d", *r.Status))
	}
}

func consoleLabel(kind string) string {
	label := fmt.Sprintf("%-7s", kind)
	switch kind {
	case "error", "assert":
		return errorStyle.Render(label)
	case "warning", "warn":
		return warningStyle.Render(label)
	default:
		return label
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func printHeaders(w io.Writer, h *worker.HeadersResult) {
	status := "pending"
	if h.Status != nil {
		status = fmt.Sprint(*h.Status)
	}
	fmt.Fprintf(w, "%s %s %s\n", titleStyle.Render(h.Method), h.URL, labelStyle.Render("("+status+")"))
	printHeaderBlock(w, "Request headers", h.RequestHeaders)
	printHeaderBlock(w, "Response headers", h.ResponseHeaders)
}

func printHeaderBlock(w io.Writer, title string, headers map[string]string) {
	fmt.Fprintln(w, titleStyle.Render(title))
	if len(headers) == 0 {
		fmt.Fprintln(w, labelStyle.Render("  none"))
		return
	}
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool { return strings.ToLower(names[i]) < strings.ToLower(names[j]) })
	for _, k := range names {
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render(k+":"), headers[k])
	}
}
