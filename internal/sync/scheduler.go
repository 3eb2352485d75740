package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the scheduler lifecycle state.
type State int

const (
	StateIdle State = iota
	StateScheduled
	StateRunning
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Cycle is one unit of scheduled work.
type Cycle interface {
	RunCycle(ctx context.Context) (*CycleReport, error)
}

// Status is a snapshot of the scheduler for the control surface.
type Status struct {
	State      string       `json:"state"`
	Cycles     int          `json:"cycles"`
	LastRunAt  *time.Time   `json:"last_run_at,omitempty"`
	LastError  string       `json:"last_error,omitempty"`
	LastReport *CycleReport `json:"last_report,omitempty"`
}

// Scheduler runs a Cycle at a fixed delay on a single worker goroutine, so cycles never overlap.
// The delay is measured from the end of one cycle to the start of the next.
type Scheduler struct {
	cycle        Cycle
	initialDelay time.Duration
	interval     time.Duration
	log          zerolog.Logger

	mu         gosync.Mutex
	state      State
	cancel     context.CancelFunc
	done       chan struct{}
	trigger    chan struct{}
	cycles     int
	lastRunAt  time.Time
	lastErr    error
	lastReport *CycleReport
}

func NewScheduler(cycle Cycle, initialDelay, interval time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cycle:        cycle,
		initialDelay: initialDelay,
		interval:     interval,
		log:          log,
		state:        StateIdle,
	}
}

// Start schedules the first cycle after the initial delay. It returns false and does nothing
// when a task is already scheduled or running.
func (s *Scheduler) Start(parent context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateScheduled || s.state == StateRunning {
		s.log.Debug().Str("state", s.state.String()).Msg("monitoring already active")
		return false
	}

	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.trigger = make(chan struct{}, 1)
	s.state = StateScheduled

	go s.loop(ctx, s.done, s.trigger)

	s.log.Info().Dur("initial_delay", s.initialDelay).Dur("interval", s.interval).Msg("monitoring started")
	return true
}

// Stop cancels the active task and waits for an in-flight cycle to observe the cancellation.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info().Msg("monitoring stopped")
}

// TriggerNow asks the worker to run a cycle without waiting for the timer.
// It returns false when no task is active. Triggers coalesce while a cycle is pending.
func (s *Scheduler) TriggerNow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateScheduled && s.state != StateRunning {
		return false
	}
	select {
	case s.trigger <- struct{}{}:
	default:
	}
	return true
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active reports whether a task is scheduled or running.
func (s *Scheduler) Active() bool {
	st := s.State()
	return st == StateScheduled || st == StateRunning
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{State: s.state.String(), Cycles: s.cycles, LastReport: s.lastReport}
	if !s.lastRunAt.IsZero() {
		t := s.lastRunAt
		st.LastRunAt = &t
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}, trigger <-chan struct{}) {
	defer func() {
		s.setState(StateCancelled)
		close(done)
	}()

	timer := time.NewTimer(s.initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		s.setState(StateRunning)
		s.runOnce(ctx)

		if ctx.Err() != nil {
			return
		}
		s.setState(StateScheduled)
		timer.Reset(s.interval)
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("sync cycle panicked")
			s.finish(nil, fmt.Errorf("cycle panicked: %v", r))
		}
	}()

	report, err := s.cycle.RunCycle(ctx)
	s.finish(report, err)
}

func (s *Scheduler) finish(report *CycleReport, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles++
	s.lastRunAt = time.Now().UTC()
	s.lastErr = err
	s.lastReport = report
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}
