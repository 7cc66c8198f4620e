package runtime

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Monitor is the scheduler-side signal of a liveness specification. While
// hot, its temperature rises by one every scheduling step; turning cold
// resets it. A monitor that stays hot longer than the configured threshold,
// or is still hot when the step bound is reached, is a liveness violation.
type Monitor struct {
	name        string
	s           *Scheduler
	hot         bool
	temperature int
}

// NewMonitor registers a cold monitor with the running iteration.
func NewMonitor(ctx context.Context, name string) *Monitor {
	op := current(ctx)
	s := op.sched
	m := &Monitor{name: name, s: s}
	s.mu.Lock()
	s.monitors = append(s.monitors, m)
	s.mu.Unlock()
	return m
}

// Name returns the monitor name.
func (m *Monitor) Name() string { return m.name }

// Hot marks the monitored condition as pending.
func (m *Monitor) Hot() {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.hot = true
}

// Cold marks the monitored condition as satisfied.
func (m *Monitor) Cold() {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.hot = false
	m.temperature = 0
}

// Temperature returns the number of steps the monitor has been hot.
func (m *Monitor) Temperature() int {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.temperature
}

func (s *Scheduler) heatLocked() error {
	for _, m := range s.monitors {
		if !m.hot {
			continue
		}
		m.temperature++
		if s.opts.LivenessThreshold > 0 && m.temperature > s.opts.LivenessThreshold {
			return livenessError(m, s.opts.LivenessThreshold)
		}
	}
	return nil
}

func (s *Scheduler) hotMonitorLocked() *Monitor {
	for _, m := range s.monitors {
		if m.hot {
			return m
		}
	}
	return nil
}

func livenessError(m *Monitor, threshold int) error {
	return errors.WithHint(
		errors.Wrapf(ErrLiveness, "monitor %q stayed hot for %d steps, threshold is %d", m.name, m.temperature, threshold),
		"raise the liveness threshold if the program legitimately needs longer to make progress")
}
