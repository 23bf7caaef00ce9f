package daemon

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/standardbeagle/webtap/internal/ipc"
)

// PendingRequest is one daemon -> worker request awaiting its response
type PendingRequest struct {
	ID          string
	Reply       *responder
	SessionID   string
	Command     string
	RequestType ipc.MessageType
	WorkerPID   int
	Timeout     time.Duration
	CreatedAt   time.Time

	// PartialData is attached to error responses so the client keeps context
	PartialData interface{}
	// Transform shapes a successful worker payload into the client payload
	Transform func(data json.RawMessage) (interface{}, error)

	timer *time.Timer
}

// Correlator tracks in-flight worker requests by request id. Each entry is
// removed exactly once, by whichever of response, deadline or worker exit
// gets there first.
type Correlator struct {
	mu      sync.Mutex
	entries map[string]*PendingRequest
}

// NewCorrelator returns an empty correlator
func NewCorrelator() *Correlator {
	return &Correlator{entries: make(map[string]*PendingRequest)}
}

// Add registers entry under id and arms its deadline. onExpire runs with
// the removed entry if the deadline wins. A duplicate id is rejected.
func (c *Correlator) Add(id string, entry *PendingRequest, timeout time.Duration, onExpire func(*PendingRequest)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[id]; exists {
		return fmt.Errorf("request id %s is already pending", id)
	}
	entry.ID = id
	entry.Timeout = timeout
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	c.entries[id] = entry

	if timeout > 0 && onExpire != nil {
		// the callback blocks on c.mu until this Add returns
		entry.timer = time.AfterFunc(timeout, func() {
			if e, ok := c.Remove(id); ok {
				onExpire(e)
			}
		})
	}
	return nil
}

// Remove detaches the entry for id and stops its timer. Removing an absent
// id is a no-op that reports false.
func (c *Correlator) Remove(id string) (*PendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	delete(c.entries, id)
	if e.timer != nil {
		e.timer.Stop()
	}
	return e, true
}

// RemoveWhere detaches every entry matching pred
func (c *Correlator) RemoveWhere(pred func(*PendingRequest) bool) []*PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []*PendingRequest
	for id, e := range c.entries {
		if pred == nil || pred(e) {
			delete(c.entries, id)
			if e.timer != nil {
				e.timer.Stop()
			}
			removed = append(removed, e)
		}
	}
	return removed
}

// Len returns the number of pending entries
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
