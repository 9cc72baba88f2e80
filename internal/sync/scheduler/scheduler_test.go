// Package scheduler tests for background sync scheduling functionality.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	syncpkg "github.com/kimhsiao/medcord/backend/internal/sync"
)

// =====================================================
// Test Helpers
// =====================================================

// fakeSyncer counts passes and can block or fail on demand.
type fakeSyncer struct {
	calls   atomic.Int32
	err     error
	release chan struct{}
	started chan struct{}
}

func (f *fakeSyncer) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &syncpkg.SyncResult{}, nil
}

type fakeProber struct {
	mu  sync.Mutex
	err error
}

func (p *fakeProber) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProber) set(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func createTestScheduler(t *testing.T, interval time.Duration) (*fakeSyncer, *Scheduler) {
	t.Helper()
	syncer := &fakeSyncer{}
	s := NewScheduler(syncer, nil, &SchedulerConfig{SyncInterval: interval})
	t.Cleanup(s.Stop)
	return syncer, s
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// =====================================================
// Construction Tests
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()
	if config.SyncInterval != 30*time.Second {
		t.Errorf("SyncInterval = %v, want 30s", config.SyncInterval)
	}
	if config.ProbeInterval != 0 {
		t.Errorf("ProbeInterval = %v, want 0", config.ProbeInterval)
	}
	if config.SyncTimeout != 5*time.Minute {
		t.Errorf("SyncTimeout = %v, want 5m", config.SyncTimeout)
	}
}

// TestNewScheduler_nilConfig verifies defaults apply without a config.
func TestNewScheduler_nilConfig(t *testing.T) {
	s := NewScheduler(&fakeSyncer{}, nil, nil)
	if s.syncInterval != 30*time.Second {
		t.Errorf("syncInterval = %v, want 30s", s.syncInterval)
	}
	if !s.IsOnline() {
		t.Error("new scheduler should assume online")
	}
	if s.IsRunning() {
		t.Error("new scheduler should not be running")
	}
}

// TestNewScheduler_zeroInterval verifies non-positive values fall back to defaults.
func TestNewScheduler_zeroInterval(t *testing.T) {
	s := NewScheduler(&fakeSyncer{}, nil, &SchedulerConfig{SyncInterval: -1})
	if s.syncInterval != 30*time.Second {
		t.Errorf("syncInterval = %v, want 30s", s.syncInterval)
	}
}

// =====================================================
// Lifecycle Tests
// =====================================================

// TestScheduler_StartStop verifies start and stop are idempotent.
func TestScheduler_StartStop(t *testing.T) {
	_, s := createTestScheduler(t, time.Hour)

	s.Stop() // without start
	s.Start(context.Background())
	s.Start(context.Background())
	if !s.IsRunning() {
		t.Fatal("expected running after Start")
	}
	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Fatal("expected stopped after Stop")
	}

	// restart after stop
	s.Start(context.Background())
	if !s.IsRunning() {
		t.Fatal("expected running after restart")
	}
}

// TestScheduler_periodicSync verifies the timer drives passes while online.
func TestScheduler_periodicSync(t *testing.T) {
	syncer, s := createTestScheduler(t, 20*time.Millisecond)
	s.Start(context.Background())

	waitFor(t, time.Second, func() bool { return syncer.calls.Load() >= 2 })

	status := s.GetStatus()
	if status.LastSyncTime == nil {
		t.Error("LastSyncTime should be set after a successful pass")
	}
}

// TestScheduler_periodicSync_offline verifies ticks are skipped while offline.
func TestScheduler_periodicSync_offline(t *testing.T) {
	syncer, s := createTestScheduler(t, 10*time.Millisecond)
	s.SetOnlineStatus(false)
	s.Start(context.Background())

	time.Sleep(60 * time.Millisecond)
	if n := syncer.calls.Load(); n != 0 {
		t.Errorf("calls = %d while offline, want 0", n)
	}
}

// TestScheduler_contextCancellation verifies the loops exit with the parent context.
func TestScheduler_contextCancellation(t *testing.T) {
	syncer, s := createTestScheduler(t, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after context cancellation")
	}
	before := syncer.calls.Load()
	time.Sleep(40 * time.Millisecond)
	if after := syncer.calls.Load(); after != before {
		t.Errorf("calls grew from %d to %d after stop", before, after)
	}
}

// =====================================================
// Connectivity Tests
// =====================================================

// TestScheduler_SetOnlineStatus verifies reconnect triggers an immediate pass.
func TestScheduler_SetOnlineStatus(t *testing.T) {
	syncer, s := createTestScheduler(t, time.Hour)

	var changes []bool
	s.OnConnectivityChange = func(online bool) { changes = append(changes, online) }

	s.SetOnlineStatus(true) // unchanged
	s.SetOnlineStatus(false)
	if s.IsOnline() {
		t.Fatal("expected offline")
	}
	if syncer.calls.Load() != 0 {
		t.Fatal("going offline must not sync")
	}

	s.SetOnlineStatus(true)
	s.Wait()
	if n := syncer.calls.Load(); n != 1 {
		t.Errorf("calls = %d after reconnect, want 1", n)
	}
	if len(changes) != 2 || changes[0] || !changes[1] {
		t.Errorf("changes = %v, want [false true]", changes)
	}
}

// TestScheduler_probeLoop verifies the prober drives connectivity.
func TestScheduler_probeLoop(t *testing.T) {
	syncer := &fakeSyncer{}
	prober := &fakeProber{err: errors.New("unreachable")}
	s := NewScheduler(syncer, prober, &SchedulerConfig{
		SyncInterval:  time.Hour,
		ProbeInterval: 10 * time.Millisecond,
	})
	t.Cleanup(s.Stop)
	s.Start(context.Background())

	waitFor(t, time.Second, func() bool { return !s.IsOnline() })

	prober.set(nil)
	waitFor(t, time.Second, func() bool { return s.IsOnline() })
	waitFor(t, time.Second, func() bool { return syncer.calls.Load() >= 1 })
}

// =====================================================
// Trigger Tests
// =====================================================

// TestScheduler_TriggerSync verifies only one pass runs at a time.
func TestScheduler_TriggerSync(t *testing.T) {
	syncer, s := createTestScheduler(t, time.Hour)
	syncer.release = make(chan struct{})
	syncer.started = make(chan struct{}, 1)

	if !s.TriggerSync(context.Background()) {
		t.Fatal("first trigger should start a pass")
	}
	<-syncer.started
	if !s.GetStatus().SyncInProgress {
		t.Error("SyncInProgress should be true during a pass")
	}
	if s.TriggerSync(context.Background()) {
		t.Error("second trigger should be rejected while a pass runs")
	}
	result, err := s.SyncNow(context.Background())
	if err != nil || result == nil || !result.Skipped {
		t.Errorf("SyncNow during a pass = %+v, %v; want skipped", result, err)
	}

	close(syncer.release)
	s.Wait()
	if n := syncer.calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
	if s.GetStatus().SyncInProgress {
		t.Error("SyncInProgress should clear after the pass")
	}
}

// TestScheduler_TriggerSync_concurrent verifies concurrent triggers never overlap.
func TestScheduler_TriggerSync_concurrent(t *testing.T) {
	syncer, s := createTestScheduler(t, time.Hour)
	syncer.release = make(chan struct{})

	var started atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TriggerSync(context.Background()) {
				started.Add(1)
			}
		}()
	}
	wg.Wait()
	close(syncer.release)
	s.Wait()

	if n := started.Load(); n != 1 {
		t.Errorf("started = %d, want 1", n)
	}
}

// TestScheduler_SyncNow_error verifies failures surface in the status.
func TestScheduler_SyncNow_error(t *testing.T) {
	syncer, s := createTestScheduler(t, time.Hour)
	syncer.err = errors.New("boom")

	if _, err := s.SyncNow(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	status := s.GetStatus()
	if status.LastError != "boom" {
		t.Errorf("LastError = %q, want boom", status.LastError)
	}
	if status.LastSyncTime != nil {
		t.Error("LastSyncTime should stay unset after a failure")
	}

	syncer.err = nil
	if _, err := s.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	if s.GetStatus().LastError != "" {
		t.Error("LastError should clear after a successful pass")
	}
}

// TestScheduler_GetStatus_default verifies the initial snapshot.
func TestScheduler_GetStatus_default(t *testing.T) {
	_, s := createTestScheduler(t, time.Minute)
	status := s.GetStatus()
	if status.IsRunning || !status.IsOnline || status.SyncInProgress {
		t.Errorf("unexpected status %+v", status)
	}
	if status.Interval != "1m0s" {
		t.Errorf("Interval = %q, want 1m0s", status.Interval)
	}
	if status.LastSyncTime != nil {
		t.Error("LastSyncTime should be nil before any pass")
	}
}
