package server

import (
	"time"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"

	"github.com/chazu/goslang/vm"
)

// result is a finished run kept for GetRun.
type result struct {
	id          string
	programHash string
	report      *vm.Report
	created     time.Time
	lastUsed    time.Time
}

// ResultStore maps run ids to reports. Entries expire after a TTL of
// inactivity.
type ResultStore struct {
	mu      deadlock.RWMutex
	results map[string]*result
}

// NewResultStore creates an empty result store.
func NewResultStore() *ResultStore {
	return &ResultStore{results: make(map[string]*result)}
}

// Add registers a report and returns its new run id.
func (s *ResultStore) Add(programHash string, rep *vm.Report) string {
	id := uuid.NewString()
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[id] = &result{
		id:          id,
		programHash: programHash,
		report:      rep,
		created:     now,
		lastUsed:    now,
	}
	return id
}

// Lookup retrieves the report for a run id.
func (s *ResultStore) Lookup(id string) (*vm.Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.results[id]
	if !ok {
		return nil, false
	}
	r.lastUsed = time.Now()
	return r.report, true
}

// Len returns the number of stored results.
func (s *ResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

// Release removes a result.
func (s *ResultStore) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.results, id)
}

// Sweep removes results that haven't been accessed within the TTL.
func (s *ResultStore) Sweep(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for id, r := range s.results {
		if r.lastUsed.Before(cutoff) {
			delete(s.results, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs periodic TTL sweeps in the background.
// Returns a stop function.
func (s *ResultStore) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				if n := s.Sweep(ttl); n > 0 {
					log.Debugf("swept %d expired runs", n)
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}
