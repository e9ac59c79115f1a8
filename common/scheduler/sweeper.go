package scheduler

import (
	"sync"
	"time"
)

// WaitSweeper periodically fails suspensions whose deadline passed.
// Wait deadlines do not retry: the node fails with a timeout and the
// execution fails with it.
type WaitSweeper struct {
	engine   *Engine
	interval time.Duration
	logger   Logger

	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

// NewWaitSweeper creates a sweeper. A non-positive interval selects
// 30 seconds.
func NewWaitSweeper(engine *Engine, interval time.Duration, logger Logger) *WaitSweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &WaitSweeper{
		engine:   engine,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *WaitSweeper) Start() {
	go s.loop()
}

// Stop halts the loop and waits for the in-progress sweep to finish.
func (s *WaitSweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.stopped
}

func (s *WaitSweeper) loop() {
	defer close(s.stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("wait sweeper started", "interval", s.interval)
	for {
		select {
		case <-s.stop:
			s.logger.Info("wait sweeper stopped")
			return
		case now := <-ticker.C:
			s.Sweep(now.UTC())
		}
	}
}

// Sweep expires every overdue suspension and returns how many it
// settled.
func (s *WaitSweeper) Sweep(now time.Time) int {
	expired := s.engine.waits.Expired(now)
	for _, entry := range expired {
		s.engine.ExpireWait(entry)
	}
	if len(expired) > 0 {
		s.logger.Warn("expired wait tickets settled", "count", len(expired))
	}
	return len(expired)
}
