// Package loadshed watches host CPU usage and reports whether background
// maintenance work should back off. It follows the polling-plus-rolling-
// average shape of the reference codebase's internal/budget/cpuwatcher.go
// (which tracks per-process CPU history to detect idle/active Claude
// sessions), adapted here to a single host-wide reading so the
// consolidation engine's micro and full cycles (spec §4.7, §5 "background
// tasks run on timers") can defer themselves under CPU pressure instead of
// competing with foreground store/retrieve traffic.
package loadshed

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// Monitor reports whether the host is currently under enough CPU pressure
// that background maintenance should be skipped this tick.
type Monitor interface {
	Overloaded() bool
}

// Always reports a fixed answer. Used where no monitor is configured, so
// consolidation keeps running unconditionally (today's default behavior).
type always bool

func (a always) Overloaded() bool { return bool(a) }

// Never is a Monitor that never reports overload.
var Never Monitor = always(false)

// CPUMonitor polls host-wide CPU usage on an interval and keeps a short
// rolling average, mirroring cpuwatcher's 5-reading history, so a single
// noisy sample doesn't flip the verdict.
type CPUMonitor struct {
	pollInterval time.Duration
	threshold    float64
	historyLen   int

	mu      sync.Mutex
	history []float64
	running bool
	stopCh  chan struct{}
}

// NewCPUMonitor creates a CPUMonitor that considers the host overloaded
// once its rolling-average CPU usage exceeds thresholdPercent.
func NewCPUMonitor(thresholdPercent float64) *CPUMonitor {
	if thresholdPercent <= 0 {
		thresholdPercent = 85.0
	}
	return &CPUMonitor{
		pollInterval: 2 * time.Second,
		threshold:    thresholdPercent,
		historyLen:   5,
	}
}

// Start begins polling in the background. Safe to call once; a second call
// while already running is a no-op.
func (m *CPUMonitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	go m.pollLoop()
}

// Stop halts polling. Safe to call even if Start was never called.
func (m *CPUMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		close(m.stopCh)
		m.running = false
	}
}

func (m *CPUMonitor) pollLoop() {
	m.sample()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *CPUMonitor) sample() {
	pcts, err := cpu.Percent(0, false)
	if err != nil || len(pcts) == 0 {
		return
	}
	m.record(pcts[0])
}

// record appends one reading to the rolling history, dropping the oldest
// once historyLen readings are held.
func (m *CPUMonitor) record(pct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, pct)
	if len(m.history) > m.historyLen {
		m.history = m.history[1:]
	}
}

// Overloaded reports whether the rolling-average CPU usage exceeds the
// configured threshold. With no samples yet it reports false: a cold
// monitor never blocks maintenance that hasn't had a chance to measure
// anything.
func (m *CPUMonitor) Overloaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return false
	}
	var sum float64
	for _, v := range m.history {
		sum += v
	}
	return sum/float64(len(m.history)) > m.threshold
}
