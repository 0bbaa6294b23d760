package runner

import (
	"sync"

	"github.com/cawdev/caw/internal/ids"
)

// StagnationLevel escalates monotonically while an agent runs.
type StagnationLevel int

const (
	StagnationNone StagnationLevel = iota
	StagnationWarn
	StagnationPause
	StagnationAbort
)

func (l StagnationLevel) String() string {
	switch l {
	case StagnationNone:
		return "none"
	case StagnationWarn:
		return "warn"
	case StagnationPause:
		return "pause"
	case StagnationAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// MonitorConfig parameterizes the stagnation monitor.
type MonitorConfig struct {
	WarnTurns       int
	AbortTurns      int
	WarnTimeMs      int64
	AbortTimeMs     int64
	RepeatThreshold int
	HistoryWindow   int
}

// DefaultMonitorConfig is tuned for long-running coding agents.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		WarnTurns:       40,
		AbortTurns:      100,
		WarnTimeMs:      15 * 60 * 1000,
		AbortTimeMs:     60 * 60 * 1000,
		RepeatThreshold: 3,
		HistoryWindow:   10,
	}
}

// Monitor watches one agent's (turns, wall-clock, fingerprint) stream
// and escalates none -> warn -> pause -> abort. The level never goes
// back down.
type Monitor struct {
	mu      sync.Mutex
	cfg     MonitorConfig
	clock   ids.Clock
	started int64
	level   StagnationLevel
	history []string
}

// NewMonitor creates a Monitor; the wall clock starts now.
func NewMonitor(cfg MonitorConfig, clock ids.Clock) *Monitor {
	return &Monitor{cfg: cfg, clock: clock, started: clock.NowMillis()}
}

// Level returns the current escalation level.
func (m *Monitor) Level() StagnationLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Check records one observation and returns the level after at most one
// escalation. An identical fingerprint seen RepeatThreshold times within
// the last HistoryWindow observations escalates, as do the turn and
// wall-clock limits.
func (m *Monitor) Check(turns int, fingerprint string) StagnationLevel {
	m.mu.Lock()
	defer m.mu.Unlock()

	if fingerprint != "" {
		m.history = append(m.history, fingerprint)
		if len(m.history) > m.cfg.HistoryWindow {
			m.history = m.history[len(m.history)-m.cfg.HistoryWindow:]
		}
	}

	elapsed := m.clock.NowMillis() - m.started

	switch {
	case turns >= m.cfg.AbortTurns || elapsed >= m.cfg.AbortTimeMs:
		// Hard limits go straight to abort.
		m.level = StagnationAbort
	case m.repeats(fingerprint) >= m.cfg.RepeatThreshold:
		// Repetition escalates exactly one level per call.
		if m.level < StagnationAbort {
			m.level++
		}
	case turns >= m.cfg.WarnTurns || elapsed >= m.cfg.WarnTimeMs:
		if m.level < StagnationWarn {
			m.level = StagnationWarn
		}
	}
	return m.level
}

func (m *Monitor) repeats(fingerprint string) int {
	if fingerprint == "" {
		return 0
	}
	n := 0
	for _, f := range m.history {
		if f == fingerprint {
			n++
		}
	}
	return n
}
