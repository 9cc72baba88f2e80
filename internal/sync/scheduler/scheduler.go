// Package scheduler runs background sync: a periodic timer, an immediate
// pass when connectivity returns, and an optional reachability probe.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/medcord/backend/internal/errors"
	"github.com/kimhsiao/medcord/backend/internal/logging"
	syncpkg "github.com/kimhsiao/medcord/backend/internal/sync"
)

// Syncer runs one full sync pass.
type Syncer interface {
	SyncNow(ctx context.Context) (*syncpkg.SyncResult, error)
}

// Prober checks whether the remote store is reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

// Scheduler manages background sync operations.
type Scheduler struct {
	syncer        Syncer
	prober        Prober
	syncInterval  time.Duration
	probeInterval time.Duration
	syncTimeout   time.Duration

	// OnConnectivityChange, if set, is called when the online status flips.
	OnConnectivityChange func(online bool)

	stopCh         chan struct{}
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	passes         sync.WaitGroup
	mu             sync.RWMutex
	isRunning      bool
	isOnline       bool
	lastSyncTime   time.Time
	lastErr        string
	syncInProgress bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval  time.Duration // How often to sync when online (default: 30 seconds)
	ProbeInterval time.Duration // How often to ping the remote; zero disables probing
	SyncTimeout   time.Duration // Upper bound for one pass (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 30 * time.Second,
		SyncTimeout:  5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. prober may be nil.
func NewScheduler(syncer Syncer, prober Prober, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = DefaultSchedulerConfig().SyncInterval
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = DefaultSchedulerConfig().SyncTimeout
	}

	return &Scheduler{
		syncer:        syncer,
		prober:        prober,
		syncInterval:  config.SyncInterval,
		probeInterval: config.ProbeInterval,
		syncTimeout:   config.SyncTimeout,
		isOnline:      true, // Assume online initially
	}
}

// Start starts the background loops. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	ctx, s.cancel = context.WithCancel(ctx)
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.periodicSyncLoop(ctx, stopCh)

	if s.prober != nil && s.probeInterval > 0 {
		s.wg.Add(1)
		go s.probeLoop(ctx, stopCh)
	}

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"component": "scheduler",
		"interval":  s.syncInterval.String(),
	})
}

// Stop stops the background loops and waits for in-flight passes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.passes.Wait()

	logging.Info("Background sync scheduler stopped", map[string]interface{}{"component": "scheduler"})
}

// SetOnlineStatus records connectivity. Going from offline to online
// starts one sync immediately, regardless of the timer phase.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}

	logging.Info("Online status changed", map[string]interface{}{
		"component":  "scheduler",
		"was_online": wasOnline,
		"is_online":  isOnline,
	})
	if s.OnConnectivityChange != nil {
		s.OnConnectivityChange(isOnline)
	}
	if isOnline {
		s.TriggerSync(context.Background())
	}
}

// periodicSyncLoop runs a sync on every tick while online. Ticks landing
// during a pass are dropped, not queued.
func (s *Scheduler) periodicSyncLoop(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			if !s.claim() {
				logging.Debug("Sync already in progress, skipping tick", map[string]interface{}{"component": "scheduler"})
				continue
			}
			s.runClaimed(ctx)
		}
	}
}

// probeLoop pings the remote and flips the online status on changes.
func (s *Scheduler) probeLoop(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.probeInterval)
			err := s.prober.Ping(pingCtx)
			cancel()
			s.SetOnlineStatus(err == nil)
		}
	}
}

// claim marks a pass as started. It returns false if one is running.
func (s *Scheduler) claim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncInProgress {
		return false
	}
	s.syncInProgress = true
	return true
}

// runClaimed executes a pass after claim succeeded.
func (s *Scheduler) runClaimed(ctx context.Context) (*syncpkg.SyncResult, error) {
	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.syncer.SyncNow(syncCtx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErr = err.Error()
		logging.ErrorWithCode("Scheduled sync failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"component": "scheduler", "interval": s.syncInterval.String()})
		return result, err
	}
	s.lastErr = ""
	if result != nil && !result.Skipped && !result.Offline {
		s.lastSyncTime = time.Now()
	}
	return result, nil
}

// TriggerSync starts a sync in the background.
// Returns true if sync was started, false if sync is already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if !s.claim() {
		return false
	}
	s.passes.Add(1)
	go func() {
		defer s.passes.Done()
		s.runClaimed(ctx)
	}()
	return true
}

// SyncNow runs a sync and waits for it. A pass already in flight makes
// this a no-op that returns a skipped result.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	if !s.claim() {
		return &syncpkg.SyncResult{Skipped: true}, nil
	}
	return s.runClaimed(ctx)
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool       `json:"is_running"`
	IsOnline       bool       `json:"is_online"`
	LastSyncTime   *time.Time `json:"last_sync_time"`
	SyncInProgress bool       `json:"sync_in_progress"`
	Interval       string     `json:"interval"`
	LastError      string     `json:"last_error,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.syncInProgress,
		Interval:       s.syncInterval.String(),
		LastError:      s.lastErr,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Wait blocks until background passes started by TriggerSync finish.
func (s *Scheduler) Wait() {
	s.passes.Wait()
}
