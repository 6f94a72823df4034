// Package sysload samples host CPU, memory, and IO-wait utilization for
// the adaptive batch sizer. Samples are cached briefly so hot routing
// paths never block on procfs reads.
package sysload

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/blueberrycongee/shardmux/pkg/batch"
)

const defaultMaxAge = 5 * time.Second

// Monitor provides cached system load snapshots.
//
// Monitor is safe for concurrent use by multiple goroutines.
type Monitor struct {
	maxAge time.Duration
	probe  func() (batch.Load, error)

	mu        sync.Mutex
	last      batch.Load
	fetchedAt time.Time
}

// NewMonitor creates a monitor backed by gopsutil. maxAge <= 0 uses the
// default sample lifetime.
func NewMonitor(maxAge time.Duration) *Monitor {
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	return &Monitor{maxAge: maxAge, probe: systemProbe}
}

// NewStaticMonitor returns a monitor that always reports the given load.
// Useful in tests and for callers that measure load themselves.
func NewStaticMonitor(load batch.Load) *Monitor {
	return &Monitor{
		maxAge: time.Hour,
		probe:  func() (batch.Load, error) { return load, nil },
		last:   load,
	}
}

// Snapshot returns the most recent load sample, refreshing it when stale.
// On probe failure the last known sample is returned.
func (m *Monitor) Snapshot() batch.Load {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.fetchedAt) < m.maxAge && !m.fetchedAt.IsZero() {
		return m.last
	}
	load, err := m.probe()
	if err != nil {
		return m.last
	}
	m.last = load
	m.fetchedAt = time.Now()
	return m.last
}

func systemProbe() (batch.Load, error) {
	var load batch.Load

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		load.CPU = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err != nil {
		return load, err
	} else {
		load.Memory = vm.UsedPercent
	}
	if times, err := cpu.Times(false); err == nil && len(times) > 0 {
		t := times[0]
		total := t.User + t.System + t.Idle + t.Iowait + t.Nice + t.Irq + t.Softirq + t.Steal
		if total > 0 {
			load.IOWait = t.Iowait / total * 100
		}
	}
	return load, nil
}
