package concurrency

import "sync"

// Sequencer hands out tickets in the order they are requested and lets ticket holders pass a stage strictly in
// ticket order. A coordinator that does its durable write outside of the ordering locks takes a ticket while
// holding the prepare-ordering lock and waits for its turn before the ordered commit, which keeps commit order
// equal to prepare order.
type Sequencer struct {
	mu   sync.Mutex
	cond *sync.Cond
	next uint64
	turn uint64
}

func NewSequencer() *Sequencer {
	s := &Sequencer{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Next issues a ticket. Callers hold the prepare-ordering lock so that ticket order matches prepare order.
func (s *Sequencer) Next(_ *PrepareOrderedGuard) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.next
	s.next++
	return t
}

// Wait blocks until every ticket issued before t has called Done.
func (s *Sequencer) Wait(t uint64) {
	s.mu.Lock()
	for s.turn != t {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// Done passes the turn to ticket t+1. It must be called exactly once per ticket, after Wait returned.
func (s *Sequencer) Done(t uint64) {
	s.mu.Lock()
	if s.turn != t {
		s.mu.Unlock()
		panic("sequencer: ticket finished out of turn")
	}
	s.turn++
	s.cond.Broadcast()
	s.mu.Unlock()
}
