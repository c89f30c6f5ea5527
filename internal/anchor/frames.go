package anchor

import (
	"sync"
	"time"
)

// IntervalScheduler is a FrameScheduler for hosts without a display refresh
// callback. Every callback requested before a frame boundary runs at that
// boundary, in request order.
type IntervalScheduler struct {
	interval time.Duration

	mu      sync.Mutex
	queue   []func()
	timer   *time.Timer
	stopped bool
}

// NewIntervalScheduler ticks at fps frames per second; fps <= 0 means 60.
func NewIntervalScheduler(fps int) *IntervalScheduler {
	if fps <= 0 {
		fps = 60
	}
	return &IntervalScheduler{interval: time.Second / time.Duration(fps)}
}

func (s *IntervalScheduler) RequestFrame(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.queue = append(s.queue, fn)
	if s.timer == nil {
		s.timer = time.AfterFunc(s.interval, s.runFrame)
	}
}

func (s *IntervalScheduler) runFrame() {
	s.mu.Lock()
	queue := s.queue
	s.queue = nil
	s.timer = nil
	s.mu.Unlock()

	for _, fn := range queue {
		fn()
	}
}

// Stop drops queued callbacks and rejects new ones.
func (s *IntervalScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.queue = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
