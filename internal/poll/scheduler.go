package poll

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// MinIntervalSeconds is the tightest poll cadence an agent may be put on.
// Zero disables polling entirely.
const MinIntervalSeconds = 30

var ErrInvalidInterval = errors.New("poll interval must be 0 (disabled) or at least 30 seconds")

// ValidateInterval rejects intervals between 1 and 29 seconds and anything
// negative.
func ValidateInterval(seconds int) error {
	if seconds != 0 && seconds < MinIntervalSeconds {
		return fmt.Errorf("%w: got %d", ErrInvalidInterval, seconds)
	}
	return nil
}

// TickFunc is called once per elapsed interval with the agent id. It runs on
// the agent's poll goroutine and must not call back into the Scheduler.
type TickFunc func(agentID string)

// Scheduler runs one ticker loop per agent. Stop is synchronous: when it
// returns, no tick for that agent is running or will start.
type Scheduler struct {
	clock clock.WithTicker
	tick  TickFunc

	mu    sync.Mutex
	loops map[string]*loop
}

type loop struct {
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func New(clk clock.WithTicker, tick TickFunc) *Scheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Scheduler{
		clock: clk,
		tick:  tick,
		loops: make(map[string]*loop),
	}
}

// Start begins (or re-times) the agent's poll loop. Starting with the
// interval already in effect keeps the current loop and its phase; a changed
// interval replaces the loop. interval <= 0 stops the loop.
func (s *Scheduler) Start(agentID string, interval time.Duration) {
	if interval <= 0 {
		s.Stop(agentID)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.loops[agentID]; ok {
		if existing.interval == interval {
			return
		}
		stopLoop(existing)
		delete(s.loops, agentID)
	}

	l := &loop{
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	// Create the ticker here so the loop is armed the moment Start returns.
	ticker := s.clock.NewTicker(interval)
	s.loops[agentID] = l
	go s.run(agentID, l, ticker)

	slog.Debug("Started poll loop", "agent_id", agentID, "interval", interval)
}

// Stop tears down the agent's poll loop and waits for any in-flight tick to
// finish. Stopping an agent without a loop is a no-op.
func (s *Scheduler) Stop(agentID string) {
	s.mu.Lock()
	l, ok := s.loops[agentID]
	if ok {
		delete(s.loops, agentID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	stopLoop(l)
	slog.Debug("Stopped poll loop", "agent_id", agentID)
}

// StopAll stops every loop. Called once when the server shuts down.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	loops := s.loops
	s.loops = make(map[string]*loop)
	s.mu.Unlock()

	for _, l := range loops {
		stopLoop(l)
	}
	if len(loops) > 0 {
		slog.Info("Stopped all poll loops", "count", len(loops))
	}
}

func (s *Scheduler) Running(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.loops[agentID]
	return ok
}

func (s *Scheduler) Interval(agentID string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.loops[agentID]
	if !ok {
		return 0, false
	}
	return l.interval, true
}

func (s *Scheduler) run(agentID string, l *loop, ticker clock.Ticker) {
	defer close(l.done)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C():
			s.tick(agentID)
		}
	}
}

func stopLoop(l *loop) {
	close(l.stop)
	<-l.done
}
