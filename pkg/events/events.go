package events

import (
	"context"
	"log"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

type EventType string

const (
	DaemonStarted      EventType = "daemon.started"
	DaemonStopping     EventType = "daemon.stopping"
	WorkerStarted      EventType = "worker.started"
	WorkerReady        EventType = "worker.ready"
	WorkerExited       EventType = "worker.exited"
	WorkerLog          EventType = "worker.log"
	ClientConnected    EventType = "client.connected"
	ClientDisconnected EventType = "client.disconnected"
	RequestTimedOut    EventType = "request.timeout"
)

type Event struct {
	ID        string
	Type      EventType
	WorkerPID int
	Timestamp time.Time
	Data      map[string]interface{}
}

type Handler func(event Event)

// WorkerPoolConfig holds configuration for the event bus worker pool
type WorkerPoolConfig struct {
	WorkerCount int // Number of worker goroutines (default: CPU cores)
	BufferSize  int // Channel buffer size (default: 256)
}

// DefaultWorkerPoolConfig returns the default configuration
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount: runtime.NumCPU(),
		BufferSize:  256,
	}
}

type eventTask struct {
	event   Event
	handler Handler
}

// EventBus fans events out to subscribers on a pool of goroutines. Handlers
// for one event may run concurrently and in any order.
type EventBus struct {
	handlers   map[EventType][]Handler
	mu         sync.RWMutex
	workerPool chan eventTask
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	inflight   sync.WaitGroup
	seq        atomic.Uint64
	closed     bool
}

func NewEventBus() *EventBus {
	return NewEventBusWithConfig(DefaultWorkerPoolConfig())
}

func NewEventBusWithConfig(config WorkerPoolConfig) *EventBus {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.BufferSize < 0 {
		config.BufferSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())

	eb := &EventBus{
		handlers:   make(map[EventType][]Handler),
		workerPool: make(chan eventTask, config.BufferSize),
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := 0; i < config.WorkerCount; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}

	return eb
}

func (eb *EventBus) worker() {
	defer eb.wg.Done()

	for {
		select {
		case task := <-eb.workerPool:
			eb.run(task)
		case <-eb.ctx.Done():
			return
		}
	}
}

func (eb *EventBus) run(task eventTask) {
	defer eb.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("EventBus handler panic on %s: %v", task.event.Type, r)
		}
	}()
	task.handler(task.event)
}

func (eb *EventBus) Subscribe(eventType EventType, handler Handler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// Publish stamps the event and queues it for every subscriber. Once the bus
// is shut down events are dropped.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	event.Timestamp = time.Now()
	event.ID = strconv.FormatUint(eb.seq.Add(1), 10)

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}

	for _, handler := range eb.handlers[event.Type] {
		task := eventTask{event: event, handler: handler}
		eb.inflight.Add(1)

		select {
		case eb.workerPool <- task:
		default:
			// pool saturated
			go eb.run(task)
		}
	}
}

// Drain waits until every queued handler has returned
func (eb *EventBus) Drain() {
	eb.inflight.Wait()
}

// Shutdown drains pending handlers and stops the worker pool
func (eb *EventBus) Shutdown() {
	if eb == nil {
		return
	}
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return
	}
	eb.closed = true
	eb.mu.Unlock()

	eb.inflight.Wait()
	eb.cancel()
	eb.wg.Wait()
}
