package timer

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/zap"
)

// deadline is a callback due at a point in time
type deadline struct {
	id       string
	expiryAt time.Time
	fn       func()
	index    int // index in the heap (for heap.Interface)
}

// deadlineHeap is a min-heap of deadlines ordered by expiryAt
type deadlineHeap []*deadline

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	return h[i].expiryAt.Before(h[j].expiryAt)
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x interface{}) {
	d := x.(*deadline)
	d.index = len(*h)
	*h = append(*h, d)
}

func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	d.index = -1
	*h = old[0 : n-1]
	return d
}

// Scheduler runs callbacks at their deadlines on a fixed worker pool. A
// deadline scheduled again under the same id replaces the earlier one, which
// is how the gateway pushes back connection inactivity timeouts.
type Scheduler struct {
	heap    deadlineHeap
	byID    map[string]*deadline
	mu      sync.Mutex
	wakeup  chan struct{}
	due     chan *deadline
	workers int
	logger  *zap.Logger

	fired   uint64
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewScheduler(workers int, logger *zap.Logger) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		heap:    make(deadlineHeap, 0),
		byID:    make(map[string]*deadline),
		wakeup:  make(chan struct{}, 1),
		due:     make(chan *deadline, workers),
		workers: workers,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	heap.Init(&s.heap)
	return s
}

// Start launches the dispatch loop and the workers
func (s *Scheduler) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.wg.Add(1)
	go s.run()
}

// Stop discards pending deadlines and waits for running callbacks
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
}

// Schedule registers fn to run at expiryAt, replacing any deadline with the same id.
func (s *Scheduler) Schedule(id string, expiryAt time.Time, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSchedulerStopped
	}

	if existing, ok := s.byID[id]; ok {
		heap.Remove(&s.heap, existing.index)
		delete(s.byID, id)
	}

	d := &deadline{id: id, expiryAt: expiryAt, fn: fn}
	heap.Push(&s.heap, d)
	s.byID[id] = d

	if s.heap[0] == d {
		select {
		case s.wakeup <- struct{}{}:
		default:
		}
	}
	return nil
}

// Cancel removes a pending deadline
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&s.heap, d.index)
	delete(s.byID, id)
	return true
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		wait := time.Duration(-1)
		var ready *deadline
		if s.heap.Len() > 0 {
			if until := time.Until(s.heap[0].expiryAt); until <= 0 {
				ready = heap.Pop(&s.heap).(*deadline)
				delete(s.byID, ready.id)
				s.fired++
			} else {
				wait = until
			}
		}
		s.mu.Unlock()

		if ready != nil {
			select {
			case s.due <- ready:
			case <-s.stopCh:
				return
			}
			continue
		}

		// Nil channel when the heap is empty, so only a wakeup or stop ends the wait.
		var timerC <-chan time.Time
		var t *time.Timer
		if wait > 0 {
			t = time.NewTimer(wait)
			timerC = t.C
		}

		select {
		case <-timerC:
		case <-s.wakeup:
		case <-s.stopCh:
			if t != nil {
				t.Stop()
			}
			return
		}
		if t != nil {
			t.Stop()
		}
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		select {
		case d := <-s.due:
			s.execute(d)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) execute(d *deadline) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("deadline callback panicked", zap.String("id", d.id), zap.Any("panic", r))
		}
	}()
	d.fn()
}

// Stats contains statistics about the scheduler
type Stats struct {
	Pending int
	Fired   uint64
	Workers int
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Pending: len(s.byID),
		Fired:   s.fired,
		Workers: s.workers,
	}
}

var (
	ErrSchedulerStopped = &SchedulerError{"scheduler is stopped"}
)

// SchedulerError represents a scheduler error
type SchedulerError struct {
	msg string
}

func (e *SchedulerError) Error() string {
	return e.msg
}
