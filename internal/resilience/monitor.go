package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default probing parameters.
const (
	defaultProbeInterval = 15 * time.Second
	defaultBackoff       = 1 * time.Second
	defaultMaxBackoff    = 30 * time.Second
)

// MonitorConfig configures a [Monitor].
type MonitorConfig struct {
	// Name labels log lines (e.g., "ollama").
	Name string

	// Probe checks the backend. It should be cheap, like Ollama's /api/version.
	Probe func(ctx context.Context) error

	// Interval is the probe period while the backend is online. Default: 15s.
	Interval time.Duration

	// Backoff is the first retry delay while offline. It doubles per failed
	// attempt up to MaxBackoff. Defaults: 1s and 30s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// Breaker, if set, is reset when the backend comes back so that traffic
	// resumes without waiting for the breaker's own timeout.
	Breaker *CircuitBreaker

	// OnChange is called from the monitor goroutine whenever the online
	// status flips. May be nil.
	OnChange func(online bool)
}

// Monitor probes a backend in the background and tracks whether it is
// reachable. While the backend is offline it retries with exponential
// backoff; once online it falls back to the regular interval.
//
// All methods are safe for concurrent use.
type Monitor struct {
	cfg MonitorConfig

	mu        sync.Mutex
	online    bool
	checked   bool
	lastErr   error
	lastCheck time.Time

	wake chan struct{}
}

// MonitorStatus is a snapshot of a [Monitor].
type MonitorStatus struct {
	Name      string    `json:"name"`
	Online    bool      `json:"online"`
	Checked   bool      `json:"checked"`
	Error     string    `json:"error,omitempty"`
	LastCheck time.Time `json:"last_check,omitzero"`
}

// NewMonitor creates a [Monitor]. Call [Monitor.Run] to start probing.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &Monitor{cfg: cfg, wake: make(chan struct{}, 1)}
}

// Online reports the last probe result. It is false until the first probe.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Status returns a snapshot for status endpoints.
func (m *Monitor) Status() MonitorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := MonitorStatus{Name: m.cfg.Name, Online: m.online, Checked: m.checked, LastCheck: m.lastCheck}
	if m.lastErr != nil {
		st.Error = m.lastErr.Error()
	}
	return st
}

// Check runs one probe now and returns its result. It is also usable as a
// readiness check.
func (m *Monitor) Check(ctx context.Context) error {
	err := m.cfg.Probe(ctx)
	if ctx.Err() != nil {
		// The caller gave up; that says nothing about the backend.
		return err
	}

	m.mu.Lock()
	was, first := m.online, !m.checked
	m.online = err == nil
	m.checked = true
	m.lastErr = err
	m.lastCheck = time.Now()
	m.mu.Unlock()

	if !first && was == (err == nil) {
		return err
	}
	if err == nil {
		slog.Info("backend online", "name", m.cfg.Name)
		if m.cfg.Breaker != nil {
			m.cfg.Breaker.Reset()
		}
	} else {
		slog.Warn("backend offline", "name", m.cfg.Name, "err", err)
	}
	if m.cfg.OnChange != nil {
		m.cfg.OnChange(err == nil)
	}
	return err
}

// NotifyFailure asks the monitor to probe immediately, e.g. after a request
// to the backend failed. Safe to call from any goroutine; extra calls while a
// probe is pending are dropped.
func (m *Monitor) NotifyFailure() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run probes until ctx is cancelled and returns nil.
func (m *Monitor) Run(ctx context.Context) error {
	backoff := m.cfg.Backoff
	for {
		var wait time.Duration
		if m.probe(ctx) == nil {
			backoff = m.cfg.Backoff
			wait = m.cfg.Interval
		} else {
			wait = backoff
			backoff = min(backoff*2, m.cfg.MaxBackoff)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-m.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (m *Monitor) probe(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, min(m.cfg.Interval, 10*time.Second))
	defer cancel()
	return m.Check(pctx)
}
