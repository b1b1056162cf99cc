package mux

import "sync"

// pendingTable maps in-flight request ids to one-shot wake-up signals. Each
// signal is a buffered channel of capacity one, so releasing is non-blocking
// and releasing more than once (response arrival racing a shutdown fan-out)
// is harmless.
type pendingTable struct {
	mu      sync.Mutex
	entries map[uint64]chan struct{}
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[uint64]chan struct{})}
}

// add registers a signal for id and returns it. At most one entry per id
// exists at a time; a second add for a still-pending id is a caller error
// and simply replaces the entry.
func (t *pendingTable) add(id uint64) chan struct{} {
	signal := make(chan struct{}, 1)

	t.mu.Lock()
	t.entries[id] = signal
	t.mu.Unlock()

	return signal
}

func (t *pendingTable) get(id uint64) (chan struct{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	signal, ok := t.entries[id]

	return signal, ok
}

func (t *pendingTable) remove(id uint64) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// drain removes every entry and returns the signals so the caller can
// release them. Used by the shutdown fan-out.
func (t *pendingTable) drain() []chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	signals := make([]chan struct{}, 0, len(t.entries))
	for _, signal := range t.entries {
		signals = append(signals, signal)
	}

	clear(t.entries)

	return signals
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}

// responseStore holds responses between arrival on the dispatch loop and
// retrieval by the awaiting caller.
type responseStore struct {
	mu        sync.Mutex
	responses map[uint64]*WorkResponse
}

func newResponseStore() *responseStore {
	return &responseStore{responses: make(map[uint64]*WorkResponse)}
}

func (s *responseStore) put(id uint64, resp *WorkResponse) {
	s.mu.Lock()
	s.responses[id] = resp
	s.mu.Unlock()
}

// take removes and returns the response for id, if one arrived.
func (s *responseStore) take(id uint64) (*WorkResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, ok := s.responses[id]
	if ok {
		delete(s.responses, id)
	}

	return resp, ok
}

func (s *responseStore) discard(id uint64) {
	s.mu.Lock()
	delete(s.responses, id)
	s.mu.Unlock()
}

func (s *responseStore) clear() {
	s.mu.Lock()
	clear(s.responses)
	s.mu.Unlock()
}

func (s *responseStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.responses)
}
