package main

import (
	"errors"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/webtap/internal/daemon"
	"github.com/standardbeagle/webtap/internal/worker"
)

func (c *cli) daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "daemon",
		Short:  "Run the background daemon in the foreground",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if cfg.GetDebug() {
				setDebug(true)
			}
			log.SetFlags(log.LstdFlags | log.Lmicroseconds)

			ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals...)
			defer stop()

			d := daemon.New(cfg, daemon.NewExecLauncher(), Version)
			err = d.Run(ctx)
			if errors.Is(err, daemon.ErrAlreadyRunning) {
				log.Printf("%v, exiting", err)
				return nil
			}
			return err
		},
	}
}

// workerFlags mirror daemon.ExecLauncher.Args
type workerFlags struct {
	endpoint       string
	host           string
	port           int
	targetURL      string
	capacity       int
	bodyLimit      int
	maxFrameBytes  int
	connectTimeout time.Duration
}

func (f *workerFlags) options() worker.Options {
	return worker.Options{
		Endpoint:       f.endpoint,
		Host:           f.host,
		Port:           f.port,
		TargetURL:      f.targetURL,
		Capacity:       f.capacity,
		BodyLimit:      f.bodyLimit,
		MaxFrameBytes:  f.maxFrameBytes,
		ConnectTimeout: f.connectTimeout,
	}
}

func (c *cli) workerCmd() *cobra.Command {
	f := &c.worker
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run a browser worker speaking JSONL on stdin/stdout",
		Hidden: true,
		Args:   cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			// stdout carries frames; diagnostics go to stderr only
			log.SetOutput(os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals...)
			err := worker.Run(ctx, f.options())
			stop()
			if err != nil {
				log.Printf("worker: %v", err)
			}
			os.Exit(worker.ExitCode(err))
		},
	}
	cmd.Flags().StringVar(&f.endpoint, "endpoint", "", "ws:// debugger URL or http://host:port")
	cmd.Flags().StringVar(&f.host, "host", "", "Debugging host")
	cmd.Flags().IntVar(&f.port, "port", 0, "Debugging port")
	cmd.Flags().StringVar(&f.targetURL, "target-url", "", "Page URL substring to attach to")
	cmd.Flags().IntVar(&f.capacity, "capacity", 0, "Telemetry items retained per kind")
	cmd.Flags().IntVar(&f.bodyLimit, "body-limit", 0, "Largest response body fetched, in bytes")
	cmd.Flags().IntVar(&f.maxFrameBytes, "max-frame-bytes", 0, "Largest accepted request frame")
	cmd.Flags().DurationVar(&f.connectTimeout, "connect-timeout", 0, "Browser connect timeout")
	return cmd
}
