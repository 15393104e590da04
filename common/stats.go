package common

import (
	"sync"
)

// Stats keeps running averages keyed by name, e.g. "avg_batch_size".
type Stats struct {
	sum    map[string]float64
	counts map[string]int
	mu     sync.Mutex
}

func NewStats() *Stats {
	return &Stats{
		sum:    map[string]float64{},
		counts: map[string]int{},
	}
}

func (s *Stats) Avg(key string, val float64) {
	s.mu.Lock()
	s.counts[key] += 1
	s.sum[key] += val
	s.mu.Unlock()
}

// Get returns the average of all values recorded under key, or 0 if nothing was recorded.
func (s *Stats) Get(key string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.counts[key]
	if n == 0 {
		return 0
	}

	return s.sum[key] / float64(n)
}
