package actor

import (
	"container/heap"
	"sync"
	"time"
)

// ExpiryScheduler fires a callback when a key's deadline passes. It keeps a
// min-heap of deadlines drained by a single goroutine, so reclamation does
// not depend on further client traffic.
type ExpiryScheduler struct {
	fire func(key string)

	mu    sync.Mutex
	items expiryHeap
	wake  chan struct{}
	stop  chan struct{}
	done  chan struct{}

	stopOnce sync.Once
}

type expiryItem struct {
	at  time.Time
	key string
}

type expiryHeap []expiryItem

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)         { *h = append(*h, x.(expiryItem)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// NewExpiryScheduler starts the scheduler. fire runs on its own goroutine
// per expired key and must tolerate keys that were already reclaimed.
func NewExpiryScheduler(fire func(key string)) *ExpiryScheduler {
	s := &ExpiryScheduler{
		fire: fire,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// Schedule registers a wake-up for key at the given time. Multiple
// schedules for one key are allowed; late fires are harmless because the
// callback re-checks current state.
func (s *ExpiryScheduler) Schedule(key string, at time.Time) {
	s.mu.Lock()
	heap.Push(&s.items, expiryItem{at: at, key: key})
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop terminates the scheduler. Pending wake-ups are dropped. Safe to call
// more than once.
func (s *ExpiryScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *ExpiryScheduler) run() {
	defer close(s.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.mu.Lock()
		var wait time.Duration
		if len(s.items) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(s.items[0].at)
		}
		s.mu.Unlock()

		if wait <= 0 {
			s.fireDue()
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-timer.C:
			s.fireDue()
		case <-s.wake:
		case <-s.stop:
			return
		}
	}
}

func (s *ExpiryScheduler) fireDue() {
	now := time.Now()
	for {
		s.mu.Lock()
		if len(s.items) == 0 || s.items[0].at.After(now) {
			s.mu.Unlock()
			return
		}
		it := heap.Pop(&s.items).(expiryItem)
		s.mu.Unlock()
		go s.fire(it.key)
	}
}
