// Package scheduler runs the auto-sync loop: it drains the sync queue on a
// fixed period while online and once after every reconnect, and broadcasts
// the resulting status to subscribers.
package scheduler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/logging"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/sync/connectivity"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/sync/queue"
)

// Drainer is the part of the sync queue the scheduler drives.
type Drainer interface {
	Drain(ctx context.Context) queue.DrainResult
	Len(ctx context.Context) (int, error)
}

// Purger removes expired cache entries.
type Purger interface {
	Purge(ctx context.Context) (int, error)
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval  time.Duration // periodic drain while online (default: 5s)
	SettleDelay   time.Duration // wait after reconnecting before draining (default: 1s)
	ProbeURL      string        // optional HEAD target used to detect connectivity
	ProbeInterval time.Duration // default: 30s
	PurgeInterval time.Duration // expired cache purge; zero disables
	ProbeClient   *http.Client
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:  5 * time.Second,
		SettleDelay:   1 * time.Second,
		ProbeInterval: 30 * time.Second,
		PurgeInterval: 10 * time.Minute,
	}
}

// Status is the read-only snapshot broadcast to subscribers.
type Status struct {
	IsOnline        bool       `json:"isOnline"`
	HasPendingSyncs bool       `json:"hasPendingSyncs"`
	PendingCount    int        `json:"pendingCount"`
	Syncing         bool       `json:"syncing"`
	Installable     bool       `json:"installable"`
	UpdateAvailable bool       `json:"updateAvailable"`
	LastSync        *time.Time `json:"lastSync,omitempty"`
}

// Scheduler manages background sync operations.
type Scheduler struct {
	queue  Drainer
	cache  Purger
	conn   *connectivity.Monitor
	config SchedulerConfig

	stopCh    chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	isRunning bool
	stopped   bool

	lastSyncTime    time.Time
	syncing         int
	installable     bool
	updateAvailable bool
	status          Status

	subsMu sync.Mutex
	subs   map[chan Status]struct{}
}

// NewScheduler creates a new Scheduler. cache may be nil to disable purging.
func NewScheduler(q Drainer, cache Purger, conn *connectivity.Monitor, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaults.SyncInterval
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaults.ProbeInterval
	}
	if cfg.ProbeClient == nil {
		cfg.ProbeClient = &http.Client{Timeout: 5 * time.Second}
	}

	return &Scheduler{
		queue:  q,
		cache:  cache,
		conn:   conn,
		config: cfg,
		stopCh: make(chan struct{}),
		subs:   make(map[chan Status]struct{}),
		status: Status{IsOnline: conn.IsOnline()},
	}
}

// Start starts the background loop. It returns immediately; the loop runs
// until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning || s.stopped {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	// subscribe before the loop starts so no transition is missed
	transitions := s.conn.Watch()

	s.wg.Add(1)
	go s.loop(ctx, transitions)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval": s.config.SyncInterval.String(),
		"settle_delay":  s.config.SettleDelay.String(),
		"probe_url":     s.config.ProbeURL,
	})
}

// Stop stops the background loop and waits for in-flight drains.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

func (s *Scheduler) loop(ctx context.Context, transitions <-chan bool) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SyncInterval)
	defer ticker.Stop()

	var probe <-chan time.Time
	if s.config.ProbeURL != "" {
		t := time.NewTicker(s.config.ProbeInterval)
		defer t.Stop()
		probe = t.C
		s.conn.Probe(ctx, s.config.ProbeClient, s.config.ProbeURL)
	}

	var purge <-chan time.Time
	if s.cache != nil && s.config.PurgeInterval > 0 {
		t := time.NewTicker(s.config.PurgeInterval)
		defer t.Stop()
		purge = t.C
	}

	// armed after a reconnect, nil otherwise
	var settle <-chan time.Time

	s.publish(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return

		case online := <-transitions:
			if online {
				settle = time.After(s.config.SettleDelay)
			} else {
				settle = nil
			}
			s.publish(ctx)

		case <-settle:
			settle = nil
			s.goDrain(ctx, "reconnect")

		case <-ticker.C:
			if s.conn.IsOnline() {
				s.goDrain(ctx, "interval")
			}

		case <-probe:
			s.conn.Probe(ctx, s.config.ProbeClient, s.config.ProbeURL)

		case <-purge:
			if _, err := s.cache.Purge(ctx); err != nil {
				logging.Absorbed("Cache purge failed", err)
			}
		}
	}
}

func (s *Scheduler) goDrain(ctx context.Context, reason string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.drain(ctx, reason)
	}()
}

func (s *Scheduler) drain(ctx context.Context, reason string) queue.DrainResult {
	s.mu.Lock()
	s.syncing++
	s.mu.Unlock()

	res := s.queue.Drain(ctx)

	s.mu.Lock()
	s.syncing--
	if !res.Skipped {
		s.lastSyncTime = time.Now()
	}
	s.mu.Unlock()

	if res.Attempted > 0 {
		logging.Debug("Auto-sync pass completed", map[string]interface{}{
			"reason":    reason,
			"succeeded": res.Succeeded,
			"retried":   res.Retried,
			"dropped":   res.Dropped,
		})
	}
	if !res.Skipped {
		s.publish(ctx)
	}
	return res
}

// SyncNow drains the queue immediately and waits for the pass to finish.
// It has the same semantics as an automatic drain.
func (s *Scheduler) SyncNow(ctx context.Context) queue.DrainResult {
	return s.drain(ctx, "manual")
}

// SetOnlineStatus records a platform connectivity signal. A transition to
// online schedules one drain after the settle delay.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.conn.Set(isOnline)
}

// IsOnline returns the current connectivity state.
func (s *Scheduler) IsOnline() bool {
	return s.conn.IsOnline()
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// SetInstallable updates the installable flag carried in Status.
func (s *Scheduler) SetInstallable(v bool) {
	s.mu.Lock()
	s.installable = v
	s.mu.Unlock()
	s.publish(context.Background())
}

// SetUpdateAvailable updates the update-available flag carried in Status.
func (s *Scheduler) SetUpdateAvailable(v bool) {
	s.mu.Lock()
	s.updateAvailable = v
	s.mu.Unlock()
	s.publish(context.Background())
}

// Status returns the most recently computed status.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Refresh recomputes the status, broadcasts it, and returns it.
func (s *Scheduler) Refresh(ctx context.Context) Status {
	return s.publish(ctx)
}

// Subscribe returns a channel that receives the current status right away
// and every change after it. Slow subscribers only see the latest status.
// Call the returned function to unsubscribe.
func (s *Scheduler) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	ch <- s.Status()

	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, ch)
			s.subsMu.Unlock()
		})
	}
}

func (s *Scheduler) publish(ctx context.Context) Status {
	pending, err := s.queue.Len(ctx)
	if err != nil {
		logging.Absorbed("Failed to count pending syncs", err)
	}

	s.mu.Lock()
	st := Status{
		IsOnline:        s.conn.IsOnline(),
		HasPendingSyncs: pending > 0,
		PendingCount:    pending,
		Syncing:         s.syncing > 0,
		Installable:     s.installable,
		UpdateAvailable: s.updateAvailable,
	}
	if !s.lastSyncTime.IsZero() {
		last := s.lastSyncTime
		st.LastSync = &last
	}
	s.status = st
	s.mu.Unlock()

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
	return st
}
