package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/webtap/internal/daemon"
	"github.com/standardbeagle/webtap/internal/ipc"
	"github.com/standardbeagle/webtap/internal/mcp"
	"github.com/standardbeagle/webtap/internal/session"
	"github.com/standardbeagle/webtap/internal/telemetry"
	"github.com/standardbeagle/webtap/internal/worker"
)

// startGrace covers worker spawn on top of the CDP connect timeout
const startGrace = 10 * time.Second

func (c *cli) startCmd() *cobra.Command {
	var params ipc.StartSessionParams
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Attach to a browser tab and start capturing",
		Long: `Start a browser session. The daemon spawns a worker that connects to
Chrome's remote debugging endpoint and records network and console activity.

Chrome must be running with --remote-debugging-port.`,
		Example: `  webtap start
  webtap start --port 9333 --target-url localhost:3000
  webtap start --url ws://127.0.0.1:9222/devtools/page/ABC`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cn, err := c.connect(ctx, true)
			if err != nil {
				return err
			}
			if floor := cn.cfg.GetConnectTimeout() + startGrace; cn.client.Timeout < floor {
				cn.client.Timeout = floor
			}

			resp, err := cn.do(ctx, ipc.StartSessionRequest, params)
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return writeJSON(c.out, resp.Data)
			}
			var started daemon.StartSessionResult
			if err := resp.DecodeData(&started); err != nil {
				return err
			}
			fmt.Fprintln(c.out, successStyle.Render("Session started"))
			field(c.out, "Worker PID", started.WorkerPID)
			if started.TargetURL != "" {
				field(c.out, "Page", started.TargetURL)
			}
			field(c.out, "Debugger", started.CDPURL)
			return nil
		},
	}
	cmd.Flags().StringVar(&params.URL, "url", "", "DevTools endpoint: ws:// debugger URL or http://host:port")
	cmd.Flags().StringVar(&params.Host, "host", "", "Debugging host (default from config, 127.0.0.1)")
	cmd.Flags().IntVarP(&params.Port, "port", "p", 0, "Debugging port (default from config, 9222)")
	cmd.Flags().StringVar(&params.TargetURL, "target-url", "", "Attach to the first page whose URL contains this text")
	return cmd
}

func (c *cli) stopCmd() *cobra.Command {
	var stopDaemon bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the browser session",
		Long: `Stop the worker attached to the browser. The daemon keeps running unless
--daemon is given, in which case it is shut down as well.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if stopDaemon {
				return c.stopDaemon(ctx)
			}

			cn, err := c.connect(ctx, false)
			if err != nil {
				return err
			}
			if cn == nil {
				fmt.Fprintln(c.out, warningStyle.Render("No active session"))
				return nil
			}
			resp, err := cn.do(ctx, ipc.StopSessionRequest, nil)
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return writeJSON(c.out, resp.Data)
			}
			var stopped daemon.StopSessionResult
			if err := resp.DecodeData(&stopped); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s (worker %d)\n", successStyle.Render("Session stopped"), stopped.WorkerPID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&stopDaemon, "daemon", false, "Also shut down the background daemon")
	return cmd
}

func (c *cli) stopDaemon(ctx context.Context) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	paths := session.NewPaths(cfg.GetSessionDir())
	pid, err := session.ReadPID(paths.DaemonPID())
	if err != nil || !session.ProcessAlive(pid) {
		fmt.Fprintln(c.out, warningStyle.Render("Daemon not running"))
		return nil
	}
	if err := terminate(pid); err != nil {
		return fmt.Errorf("failed to signal daemon %d: %w", pid, err)
	}

	deadline := time.NewTimer(15 * time.Second)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for session.ProcessAlive(pid) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("daemon %d did not exit", pid)
		case <-tick.C:
		}
	}
	fmt.Fprintf(c.out, "%s (pid %d)\n", successStyle.Render("Daemon stopped"), pid)
	return nil
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and session state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cn, err := c.connect(ctx, true)
			if err != nil {
				return err
			}
			resp, err := cn.do(ctx, ipc.StatusRequest, nil)
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return writeJSON(c.out, resp.Data)
			}
			var st daemon.StatusResult
			if err := resp.DecodeData(&st); err != nil {
				return err
			}
			return printStatus(c.out, &st)
		},
	}
}

func (c *cli) peekCmd() *cobra.Command {
	var lastN int
	cmd := &cobra.Command{
		Use:   "peek",
		Short: "List the most recent network requests and console messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if lastN < 0 {
				return fmt.Errorf("--last must be non-negative, got %d", lastN)
			}
			ctx := cmd.Context()
			cn, err := c.connect(ctx, true)
			if err != nil {
				return err
			}
			resp, err := cn.do(ctx, ipc.PeekRequest, ipc.PeekParams{LastN: lastN})
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return writeJSON(c.out, resp.Data)
			}
			var peek worker.PeekResult
			if err := resp.DecodeData(&peek); err != nil {
				return err
			}
			printPeek(c.out, &peek)
			return nil
		},
	}
	cmd.Flags().IntVarP(&lastN, "last", "n", worker.DefaultPeekCount, "Items of each kind to show")
	return cmd
}

func (c *cli) detailsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "details <network|console> <id>",
		Short: "Show one captured request or console message in full",
		Example: `  webtap details network 1234.56
  webtap details console 0`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := telemetry.ParseItemKind(args[0]); err != nil {
				return err
			}
			ctx := cmd.Context()
			cn, err := c.connect(ctx, true)
			if err != nil {
				return err
			}
			resp, err := cn.do(ctx, ipc.DetailsRequest, ipc.DetailsParams{ItemType: args[0], ID: args[1]})
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return writeJSON(c.out, resp.Data)
			}
			var details struct {
				Item json.RawMessage `json:"item"`
			}
			if err := resp.DecodeData(&details); err != nil {
				return err
			}
			fmt.Fprintln(c.out, titleStyle.Render(fmt.Sprintf("%s %s", args[0], args[1])))
			return writeJSON(c.out, details.Item)
		},
	}
}

func (c *cli) harCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "har",
		Short: "Export captured network requests as a HAR 1.2 file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cn, err := c.connect(ctx, true)
			if err != nil {
				return err
			}
			resp, err := cn.do(ctx, ipc.HARDataRequest, nil)
			if err != nil {
				return err
			}
			var data worker.HARDataResult
			if err := resp.DecodeData(&data); err != nil {
				return err
			}
			doc, err := telemetry.MarshalHAR(telemetry.BuildHAR(data.Requests, Version))
			if err != nil {
				return fmt.Errorf("failed to encode HAR: %w", err)
			}

			if output == "-" {
				_, err := c.out.Write(append(doc, '\n'))
				return err
			}
			if err := os.WriteFile(output, append(doc, '\n'), 0644); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s %d entries to %s\n", successStyle.Render("Wrote"), len(data.Requests), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "webtap.har", "Output file, - for stdout")
	return cmd
}

func (c *cli) cdpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cdp <method> [params-json]",
		Short: "Invoke a raw DevTools protocol method on the attached page",
		Example: `  webtap cdp Page.reload
  webtap cdp Runtime.evaluate '{"expression":"document.title","returnByValue":true}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := ipc.CDPCallParams{Method: args[0]}
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("params is not valid JSON: %s", args[1])
				}
				params.Params = json.RawMessage(args[1])
			}

			ctx := cmd.Context()
			cn, err := c.connect(ctx, true)
			if err != nil {
				return err
			}
			resp, err := cn.do(ctx, ipc.CDPCallRequest, params)
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return writeJSON(c.out, resp.Data)
			}
			var result worker.CDPCallResult
			if err := resp.DecodeData(&result); err != nil {
				return err
			}
			return writeJSON(c.out, result.Result)
		},
	}
}

func (c *cli) headersCmd() *cobra.Command {
	var params ipc.HeadersParams
	cmd := &cobra.Command{
		Use:   "headers",
		Short: "Show request and response headers of a captured request",
		Long: `Show headers of the request with --id, or of the newest request that has
response headers. --header keeps only one header, matched case-insensitively.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cn, err := c.connect(ctx, true)
			if err != nil {
				return err
			}
			resp, err := cn.do(ctx, ipc.NetworkHeadersRequest, params)
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return writeJSON(c.out, resp.Data)
			}
			var headers worker.HeadersResult
			if err := resp.DecodeData(&headers); err != nil {
				return err
			}
			printHeaders(c.out, &headers)
			return nil
		},
	}
	cmd.Flags().StringVar(&params.ID, "id", "", "Network request id")
	cmd.Flags().StringVar(&params.HeaderName, "header", "", "Only show this header")
	return cmd
}

func (c *cli) mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve webtap queries as MCP tools on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cn, err := c.connect(cmd.Context(), true)
			if err != nil {
				return err
			}
			return mcp.NewServer(cn.client, Version).ServeStdio()
		},
	}
}
