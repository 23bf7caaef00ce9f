// Package daemon is the long-lived process that owns the session socket.
// It answers lifecycle requests itself and relays browser queries to a
// single worker process.
package daemon

import (
	"context"
	"log"
	"sync"

	"github.com/standardbeagle/webtap/internal/config"
	"github.com/standardbeagle/webtap/internal/session"
	"github.com/standardbeagle/webtap/pkg/events"
)

// Daemon ties together the event bus, worker manager and IPC server
type Daemon struct {
	eventBus *events.EventBus
	workers  *WorkerManager
	server   *Server

	shutdownOnce sync.Once
}

// New builds a daemon from cfg. launcher starts worker processes.
func New(cfg *config.Config, launcher WorkerLauncher, version string) *Daemon {
	eventBus := events.NewEventBus()
	workers := NewWorkerManager(launcher, eventBus, cfg.GetMaxFrameBytes())
	server := NewServer(ServerConfig{
		Paths:         session.NewPaths(cfg.GetSessionDir()),
		IPCTimeout:    cfg.GetIPCTimeout(),
		MaxFrameBytes: cfg.GetMaxFrameBytes(),
		Version:       version,
		Worker: WorkerConfig{
			Host:           cfg.GetCDPHost(),
			Port:           cfg.GetCDPPort(),
			Capacity:       cfg.GetTelemetryCapacity(),
			BodyLimit:      cfg.GetBodyLimitBytes(),
			MaxFrameBytes:  cfg.GetMaxFrameBytes(),
			ConnectTimeout: cfg.GetConnectTimeout(),
			Debug:          cfg.GetDebug(),
		},
	}, workers, eventBus)

	d := &Daemon{eventBus: eventBus, workers: workers, server: server}
	d.subscribe()
	return d
}

func (d *Daemon) subscribe() {
	for _, t := range []events.EventType{
		events.WorkerStarted, events.WorkerReady, events.WorkerExited,
		events.ClientConnected, events.ClientDisconnected, events.RequestTimedOut,
	} {
		d.eventBus.Subscribe(t, func(e events.Event) {
			debugLog("event %s worker=%d %v", e.Type, e.WorkerPID, e.Data)
		})
	}
}

// Server returns the IPC server
func (d *Daemon) Server() *Server { return d.server }

// Workers returns the worker manager
func (d *Daemon) Workers() *WorkerManager { return d.workers }

// Events returns the daemon's event bus
func (d *Daemon) Events() *events.EventBus { return d.eventBus }

// Start claims the session directory and starts serving
func (d *Daemon) Start() error {
	return d.server.Start()
}

// Run serves until ctx is cancelled, then shuts down
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		d.Shutdown()
		return err
	}
	<-ctx.Done()
	log.Printf("Daemon shutting down")
	d.Shutdown()
	return nil
}

// Shutdown stops the server, then the worker, then the event bus
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		d.server.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := d.workers.Stop(ctx); err != nil {
			log.Printf("Failed to stop worker: %v", err)
		}
		d.eventBus.Shutdown()
	})
}
