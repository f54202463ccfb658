package metrics

import (
	"errors"
	"testing"
	"time"
)

func TestCounters(t *testing.T) {
	m := New()

	m.RecordFrame()
	m.RecordFrame()
	m.RecordFrameDropped()
	m.RecordAppend()
	m.RecordSentinelRefresh()
	m.RecordReconnectAttempt()

	snap := m.Snapshot()
	if snap.FramesReceived != 2 {
		t.Errorf("FramesReceived = %d, want 2", snap.FramesReceived)
	}
	if snap.FramesDropped != 1 {
		t.Errorf("FramesDropped = %d, want 1", snap.FramesDropped)
	}
	if snap.RecordsAppended != 1 {
		t.Errorf("RecordsAppended = %d, want 1", snap.RecordsAppended)
	}
	if snap.SentinelRefreshes != 1 {
		t.Errorf("SentinelRefreshes = %d, want 1", snap.SentinelRefreshes)
	}
	if snap.ReconnectAttempts != 1 {
		t.Errorf("ReconnectAttempts = %d, want 1", snap.ReconnectAttempts)
	}
}

func TestFetchOutcomes(t *testing.T) {
	m := New()

	m.RecordSnapshotFetch(10*time.Millisecond, nil)
	m.RecordSnapshotFetch(30*time.Millisecond, errors.New("boom"))
	m.RecordStatsFetch(nil)
	m.RecordStatsFetch(errors.New("boom"))
	m.RecordKill(nil)
	m.RecordKill(errors.New("rejected"))

	snap := m.Snapshot()
	if snap.SnapshotFetches != 2 || snap.SnapshotFailures != 1 {
		t.Errorf("snapshot fetches/failures = %d/%d, want 2/1", snap.SnapshotFetches, snap.SnapshotFailures)
	}
	if snap.StatsFetches != 2 || snap.StatsFailures != 1 {
		t.Errorf("stats fetches/failures = %d/%d, want 2/1", snap.StatsFetches, snap.StatsFailures)
	}
	if snap.KillCommands != 2 || snap.KillFailures != 1 {
		t.Errorf("kill commands/failures = %d/%d, want 2/1", snap.KillCommands, snap.KillFailures)
	}

	// Average of 10ms and 30ms is 20ms.
	if got := snap.AvgFetchMs(); got < 19.9 || got > 20.1 {
		t.Errorf("AvgFetchMs() = %v, want 20", got)
	}
}

func TestDropRate(t *testing.T) {
	m := New()
	if got := m.Snapshot().DropRate(); got != 0 {
		t.Errorf("DropRate() with no frames = %v, want 0", got)
	}

	m.RecordFrame()
	m.RecordFrame()
	m.RecordFrame()
	m.RecordFrameDropped()

	if got := m.Snapshot().DropRate(); got != 25 {
		t.Errorf("DropRate() = %v, want 25", got)
	}
}

func TestReset(t *testing.T) {
	m := New()
	m.RecordFrame()
	m.RecordSnapshotFetch(time.Millisecond, nil)

	m.Reset()

	snap := m.Snapshot()
	if snap.FramesReceived != 0 || snap.SnapshotFetches != 0 || snap.AvgFetchNs != 0 {
		t.Errorf("Snapshot() after Reset = %+v, want zeroed counters", snap)
	}
}

func TestTimer(t *testing.T) {
	timer := StartTimer()
	time.Sleep(5 * time.Millisecond)

	elapsed := timer.Stop()
	if elapsed < 5*time.Millisecond {
		t.Errorf("Stop() = %v, want at least 5ms", elapsed)
	}

	// Stop resets the timer.
	if again := timer.Elapsed(); again > elapsed {
		t.Errorf("Elapsed() after Stop = %v, want less than %v", again, elapsed)
	}
}
