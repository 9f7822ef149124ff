package stats

import (
	"testing"
	"time"
)

func TestTrackerCounters(t *testing.T) {
	tr := NewTracker()

	tr.RecordMonitor(10*time.Millisecond, false)
	tr.RecordMonitor(20*time.Millisecond, true)
	tr.RecordQuery(30*time.Millisecond, false)
	tr.RecordQueryTimeout()
	tr.RecordFrameDrop()
	tr.RecordFrameDrop()
	tr.RecordResultDrop()
	tr.RecordRecovery()

	snap := tr.Snapshot()
	if snap.MonitorInferences != 2 {
		t.Errorf("MonitorInferences = %d, want 2", snap.MonitorInferences)
	}
	if snap.MonitorFailures != 1 {
		t.Errorf("MonitorFailures = %d, want 1", snap.MonitorFailures)
	}
	if snap.QueryInferences != 1 {
		t.Errorf("QueryInferences = %d, want 1", snap.QueryInferences)
	}
	if snap.QueryTimeouts != 1 {
		t.Errorf("QueryTimeouts = %d, want 1", snap.QueryTimeouts)
	}
	if snap.FramesDropped != 2 {
		t.Errorf("FramesDropped = %d, want 2", snap.FramesDropped)
	}
	if snap.ResultsDropped != 1 {
		t.Errorf("ResultsDropped = %d, want 1", snap.ResultsDropped)
	}
	if snap.Recoveries != 1 {
		t.Errorf("Recoveries = %d, want 1", snap.Recoveries)
	}
	if snap.LastLatency != 30*time.Millisecond {
		t.Errorf("LastLatency = %v, want the most recent inference", snap.LastLatency)
	}
	if snap.LastInferenceAt.IsZero() {
		t.Error("LastInferenceAt was never set")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	tr := NewTracker()
	tr.RecordMonitor(time.Millisecond, false)

	snap := tr.Snapshot()
	tr.RecordMonitor(time.Millisecond, false)

	if snap.MonitorInferences != 1 {
		t.Errorf("earlier snapshot mutated: MonitorInferences = %d", snap.MonitorInferences)
	}
}

func TestNilTrackerIsSafe(t *testing.T) {
	var tr *Tracker

	tr.RecordMonitor(time.Millisecond, true)
	tr.RecordQuery(time.Millisecond, false)
	tr.RecordQueryTimeout()
	tr.RecordFrameDrop()
	tr.RecordResultDrop()
	tr.RecordRecovery()

	if snap := tr.Snapshot(); snap != (Snapshot{}) {
		t.Errorf("nil tracker snapshot = %+v, want zero", snap)
	}
}
