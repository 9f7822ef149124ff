// Package stats maintains aggregate inference counters and a host
// resource snapshot for the status surface.
package stats

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is a point-in-time copy of all counters, safe to marshal.
type Snapshot struct {
	MonitorInferences int           `json:"monitorInferences"`
	MonitorFailures   int           `json:"monitorFailures"`
	QueryInferences   int           `json:"queryInferences"`
	QueryFailures     int           `json:"queryFailures"`
	QueryTimeouts     int           `json:"queryTimeouts"`
	FramesDropped     int           `json:"framesDropped"`
	ResultsDropped    int           `json:"resultsDropped"`
	Recoveries        int           `json:"recoveries"`
	LastLatency       time.Duration `json:"lastLatencyNs"`
	LastInferenceAt   time.Time     `json:"lastInferenceAt"`
}

// Tracker accumulates inference statistics. All methods are safe on a
// nil receiver so callers can leave stats unwired.
type Tracker struct {
	mu   sync.Mutex
	snap Snapshot
}

func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) RecordMonitor(elapsed time.Duration, failed bool) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.MonitorInferences++
	if failed {
		t.snap.MonitorFailures++
	}
	t.snap.LastLatency = elapsed
	t.snap.LastInferenceAt = time.Now()
}

func (t *Tracker) RecordQuery(elapsed time.Duration, failed bool) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.QueryInferences++
	if failed {
		t.snap.QueryFailures++
	}
	t.snap.LastLatency = elapsed
	t.snap.LastInferenceAt = time.Now()
}

func (t *Tracker) RecordQueryTimeout() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.QueryTimeouts++
}

// RecordFrameDrop counts a monitoring frame overwritten before the
// worker consumed it.
func (t *Tracker) RecordFrameDrop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.FramesDropped++
}

// RecordResultDrop counts a mailbox result replaced before it was polled.
func (t *Tracker) RecordResultDrop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.ResultsDropped++
}

// RecordRecovery counts a generator destroy/recreate cycle after a
// generation failure.
func (t *Tracker) RecordRecovery() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Recoveries++
}

func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// HostStats reports process-host resource usage for the status surface.
type HostStats struct {
	CPUPercent float64 `json:"cpuPercent"`
	MemPercent float64 `json:"memPercent"`
	MemUsedMB  uint64  `json:"memUsedMB"`
}

// Host samples current host CPU and memory usage. Errors degrade to
// zero values; status reporting must not fail because sampling did.
func Host() HostStats {
	var hs HostStats
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		hs.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		hs.MemPercent = vm.UsedPercent
		hs.MemUsedMB = vm.Used / (1024 * 1024)
	}
	return hs
}
