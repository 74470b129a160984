package trail

import "sync"

// Sequencer numbers fetch requests and decides which responses may still be
// applied. Responses can arrive in any order; once processing of a response
// has started, every response to an older request is stale.
type Sequencer struct {
	mu      sync.Mutex
	issued  uint64
	started uint64
}

// Next returns a new, strictly increasing request number.
func (q *Sequencer) Next() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.issued++
	return q.issued
}

// Begin reports whether the response to request seq may be processed, and if
// so records it as the newest started request.
func (q *Sequencer) Begin(seq uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if seq <= q.started {
		return false
	}
	q.started = seq
	return true
}

// Current reports whether seq is still the newest started request. The slow
// half of a split request uses it to check it has not been overtaken.
func (q *Sequencer) Current(seq uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return seq == q.started
}

// Started returns the newest request whose processing has started.
func (q *Sequencer) Started() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.started
}
