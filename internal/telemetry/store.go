package telemetry

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/standardbeagle/webtap/internal/errs"
)

// DefaultCapacity bounds each telemetry sequence
const DefaultCapacity = 10000

// Store is the bounded, append-only record of a session's network requests
// and console messages. Each sequence drops its oldest entry once full.
type Store struct {
	mu sync.RWMutex

	network  *ring[*NetworkRequest]
	byID     map[string]*NetworkRequest
	console  *ring[ConsoleMessage]
	capacity int

	lastNetworkAt int64
	lastConsoleAt int64
}

// NewStore creates a store holding at most capacity items of each kind
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		network:  newRing[*NetworkRequest](capacity),
		byID:     make(map[string]*NetworkRequest),
		console:  newRing[ConsoleMessage](capacity),
		capacity: capacity,
	}
}

// Capacity returns the per-kind cap
func (s *Store) Capacity() int {
	return s.capacity
}

// PushNetworkRequest appends req. A request id seen again (redirects reuse
// ids) is appended as a new entry and becomes the one FindByID returns.
func (s *Store) PushNetworkRequest(req NetworkRequest) {
	if req.Timestamp == 0 {
		req.Timestamp = time.Now().UnixMilli()
	}
	r := req.clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, evicted := s.network.push(&r); evicted {
		if cur, ok := s.byID[old.RequestID]; ok && cur == old {
			delete(s.byID, old.RequestID)
		}
	}
	s.byID[r.RequestID] = &r
	s.lastNetworkAt = r.Timestamp
}

// UpdateNetworkRequest applies fn to the retained request with id. Returns
// false when the request is unknown or already evicted.
func (s *Store) UpdateNetworkRequest(id string, fn func(r *NetworkRequest)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byID[id]
	if !ok {
		return false
	}
	fn(r)
	return true
}

// PushConsoleMessage appends msg
func (s *Store) PushConsoleMessage(msg ConsoleMessage) {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	if msg.Args == nil {
		msg.Args = []json.RawMessage{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.console.push(msg)
	s.lastConsoleAt = msg.Timestamp
}

// Peek returns up to lastN of the most recent items of each kind, oldest
// first. lastN <= 0 yields empty slices.
func (s *Store) Peek(lastN int) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Network: make([]NetworkRequest, 0),
		Console: make([]ConsoleMessage, 0),
	}
	for _, r := range s.network.last(lastN) {
		snap.Network = append(snap.Network, r.clone())
	}
	snap.Console = append(snap.Console, s.console.last(lastN)...)
	return snap
}

// FindByID looks up one item. Network items are keyed by request id, console
// items by their position in the retained arrival-ordered sequence.
func (s *Store) FindByID(kind ItemKind, id string) (interface{}, error) {
	switch kind {
	case KindNetwork:
		r, err := s.FindNetworkRequest(id)
		if err != nil {
			return nil, err
		}
		return r, nil
	case KindConsole:
		m, err := s.FindConsoleMessage(id)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		_, err := ParseItemKind(string(kind))
		return nil, err
	}
}

// FindNetworkRequest returns a copy of the request with id
func (s *Store) FindNetworkRequest(id string) (NetworkRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.byID[id]
	if !ok {
		return NetworkRequest{}, errs.NotFound("network request %q not found", id)
	}
	return r.clone(), nil
}

// FindConsoleMessage resolves a decimal index into the console sequence
func (s *Store) FindConsoleMessage(index string) (ConsoleMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.console.len()
	i, err := strconv.Atoi(index)
	if err != nil || i < 0 || i >= n {
		if n == 0 {
			return ConsoleMessage{}, errs.NotFound("console message %q not found: no console messages captured", index)
		}
		return ConsoleMessage{}, errs.NotFound("console message %q not found: valid range is 0..%d", index, n-1)
	}
	return s.console.at(i), nil
}

// ExportAll returns every retained network request in arrival order
func (s *Store) ExportAll() []NetworkRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]NetworkRequest, 0, s.network.len())
	for _, r := range s.network.last(s.network.len()) {
		out = append(out, r.clone())
	}
	return out
}

// LatestNetworkRequest returns the newest request matching pred
func (s *Store) LatestNetworkRequest(pred func(r *NetworkRequest) bool) (NetworkRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := s.network.len() - 1; i >= 0; i-- {
		r := s.network.at(i)
		if pred == nil || pred(r) {
			return r.clone(), true
		}
	}
	return NetworkRequest{}, false
}

// Stats reports counts and activity times
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := 0
	for i := 0; i < s.network.len(); i++ {
		if s.network.at(i).Pending() {
			pending++
		}
	}
	return Stats{
		NetworkCount:    s.network.len(),
		ConsoleCount:    s.console.len(),
		NetworkTotal:    s.network.total,
		ConsoleTotal:    s.console.total,
		LastNetworkAt:   s.lastNetworkAt,
		LastConsoleAt:   s.lastConsoleAt,
		PendingRequests: pending,
		Capacity:        s.capacity,
	}
}
