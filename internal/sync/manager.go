package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/instancewatch/server/internal/domain"
)

// ErrRefreshInProgress is returned when a cycle is requested while another runs
var ErrRefreshInProgress = errors.New("refresh already in progress")

// Resolver runs one resolution cycle
type Resolver interface {
	Resolve(ctx context.Context, force bool) (*domain.Snapshot, error)
}

// Manager drives periodic and on-demand resolution cycles. At most one
// cycle runs at a time.
type Manager struct {
	resolver Resolver
	interval time.Duration
	debounce time.Duration
	now      func() time.Time
	logger   *slog.Logger

	triggerChan  chan struct{}
	pendingForce atomic.Bool

	mu       sync.Mutex
	lastSync time.Time
	syncing  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// Config holds sync manager configuration
type Config struct {
	Resolver Resolver
	Interval time.Duration
	Debounce time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// NewManager creates a new sync manager
func NewManager(cfg Config) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		resolver:    cfg.Resolver,
		interval:    cfg.Interval,
		debounce:    cfg.Debounce,
		now:         cfg.Now,
		logger:      cfg.Logger,
		triggerChan: make(chan struct{}, 1),
	}
}

// Start runs an initial cycle and then one every interval until Stop is
// called or ctx is done. Calling Start on a running manager is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.run(ctx, done)
}

// Stop ends the polling loop and waits for an in-flight cycle to finish
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	m.logger.Info("sync manager started",
		"interval", m.interval,
		"debounce", m.debounce,
	)

	_, _ = m.doSync(ctx, "startup", false)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("sync manager stopped")
			return

		case <-ticker.C:
			_, _ = m.doSync(ctx, "poll", false)

		case <-m.triggerChan:
			m.debounceSync(ctx)
		}
	}
}

// Trigger requests an asynchronous cycle. Pending triggers coalesce; a
// forced trigger forces the coalesced cycle.
func (m *Manager) Trigger(force bool) {
	if force {
		m.pendingForce.Store(true)
	}
	select {
	case m.triggerChan <- struct{}{}:
		m.logger.Debug("sync triggered", "force", force)
	default:
		m.logger.Debug("sync already pending")
	}
}

// Refresh runs a cycle synchronously and returns the published snapshot
func (m *Manager) Refresh(ctx context.Context, force bool) (*domain.Snapshot, error) {
	return m.doSync(ctx, "manual", force)
}

// LastSyncTime returns the last successful sync time
func (m *Manager) LastSyncTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSync
}

// IsSyncing returns whether a sync is in progress
func (m *Manager) IsSyncing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncing
}

func (m *Manager) debounceSync(ctx context.Context) {
	force := m.pendingForce.Swap(false)

	m.mu.Lock()
	if !m.lastSync.IsZero() && m.now().Sub(m.lastSync) < m.debounce {
		m.mu.Unlock()
		m.logger.Debug("sync debounced", "last_sync", m.lastSync)
		return
	}
	m.mu.Unlock()

	_, _ = m.doSync(ctx, "trigger", force)
}

func (m *Manager) doSync(ctx context.Context, source string, force bool) (*domain.Snapshot, error) {
	m.mu.Lock()
	if m.syncing {
		m.mu.Unlock()
		m.logger.Debug("sync already in progress", "source", source)
		return nil, ErrRefreshInProgress
	}
	m.syncing = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.syncing = false
		m.mu.Unlock()
	}()

	start := time.Now()
	m.logger.Info("starting sync", "source", source, "force", force)

	// A started cycle always runs to completion; probe and directory
	// timeouts bound it
	snap, err := m.resolver.Resolve(context.WithoutCancel(ctx), force)
	if err != nil {
		m.logger.Error("sync failed",
			"source", source,
			"error", err,
			"duration", time.Since(start),
		)
		return nil, err
	}

	m.mu.Lock()
	m.lastSync = m.now()
	m.mu.Unlock()

	m.logger.Info("sync completed",
		"source", source,
		"instance_count", len(snap.Public),
		"online_count", snap.OnlineCount(),
		"custom", snap.Custom != nil,
		"duration", time.Since(start),
	)

	return snap, nil
}
