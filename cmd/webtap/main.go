package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/webtap/internal/cdp"
	"github.com/standardbeagle/webtap/internal/config"
	"github.com/standardbeagle/webtap/internal/daemon"
	"github.com/standardbeagle/webtap/internal/mcp"
	"github.com/standardbeagle/webtap/internal/worker"
)

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

// cli carries the persistent flags shared by every subcommand
type cli struct {
	jsonOutput bool
	debug      bool
	out        io.Writer
	worker     workerFlags

	// loadConfig is swapped in tests
	loadConfig func() (*config.Config, error)
}

func newRootCmd() *cobra.Command {
	c := &cli{out: os.Stdout, loadConfig: config.Load}
	return c.rootCmd()
}

func (c *cli) rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "webtap",
		Short: "Capture network and console telemetry from a running Chrome tab",
		Long: `webtap attaches to a Chrome instance over the DevTools protocol and keeps
a bounded record of the page's network requests and console messages.

A background daemon owns the browser session; every webtap invocation is a
short request to that daemon, which is started on demand.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVar(&c.jsonOutput, "json", false, "Print raw response data as JSON")
	rootCmd.PersistentFlags().BoolVar(&c.debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		c.out = cmd.OutOrStdout()
		if c.debug {
			setDebug(true)
		}
	}

	rootCmd.AddCommand(
		c.startCmd(),
		c.stopCmd(),
		c.statusCmd(),
		c.peekCmd(),
		c.detailsCmd(),
		c.harCmd(),
		c.cdpCmd(),
		c.headersCmd(),
		c.mcpCmd(),
		c.daemonCmd(),
		c.workerCmd(),
	)
	return rootCmd
}

func setDebug(enabled bool) {
	daemon.SetDebugEnabled(enabled)
	worker.SetDebugEnabled(enabled)
	cdp.SetDebugEnabled(enabled)
	mcp.SetDebugEnabled(enabled)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}
