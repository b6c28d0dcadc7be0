package readmodel

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"raffleBridge/internal/cache"
)

const (
	DefaultPollInterval = 30 * time.Second
	MinPollInterval     = 10 * time.Second
	DefaultRefreshLimit = 20 * time.Second
)

// RefresherConfig tunes the polling loop.
type RefresherConfig struct {
	Networks []uint64
	// Interval is the minimum spacing of automatic polls. Values below
	// MinPollInterval are raised to it.
	Interval time.Duration
	// Timeout bounds one refresh cycle so the refreshing flag always clears.
	Timeout time.Duration
}

// Refresher keeps a published snapshot per network fresh without exceeding
// the provider's rate limits.
type Refresher struct {
	reader *Reader
	cache  *cache.Cache
	cfg    RefresherConfig
	alive  func() bool
	logger *zap.Logger
	now    func() time.Time

	mu         sync.RWMutex
	snapshots  map[uint64]Snapshot
	refreshing map[uint64]bool
	lastPoll   map[uint64]time.Time
}

// NewRefresher builds a refresher. alive reports whether the owning engine is
// still running; snapshots are not published after it returns false.
func NewRefresher(reader *Reader, c *cache.Cache, cfg RefresherConfig, alive func() bool, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.Interval < MinPollInterval {
		cfg.Interval = MinPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRefreshLimit
	}
	if alive == nil {
		alive = func() bool { return true }
	}
	return &Refresher{
		reader:     reader,
		cache:      c,
		cfg:        cfg,
		alive:      alive,
		logger:     logger,
		now:        time.Now,
		snapshots:  make(map[uint64]Snapshot),
		refreshing: make(map[uint64]bool),
		lastPoll:   make(map[uint64]time.Time),
	}
}

// Interval returns the effective poll interval.
func (r *Refresher) Interval() time.Duration { return r.cfg.Interval }

// Run polls every network until ctx is done. A cache refresh request triggers
// an early forced cycle.
func (r *Refresher) Run(ctx context.Context) error {
	r.cycle(ctx, false)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.cycle(ctx, false)
		case <-r.cache.Notify():
			r.cycle(ctx, true)
		}
	}
}

func (r *Refresher) cycle(ctx context.Context, force bool) {
	var wg sync.WaitGroup
	for _, id := range r.cfg.Networks {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			if _, err := r.Refresh(ctx, id, force); err != nil {
				r.logger.Warn("refresh failed", zap.Uint64("network", id), zap.Error(err))
			}
		}(id)
	}
	wg.Wait()
}

// Refresh reads a new snapshot of one network and publishes it. Unforced
// refreshes closer together than the poll interval return the published
// snapshot. It reports whether a new snapshot was published.
func (r *Refresher) Refresh(ctx context.Context, id uint64, force bool) (bool, error) {
	r.mu.Lock()
	if r.refreshing[id] {
		r.mu.Unlock()
		return false, nil
	}
	if last, ok := r.lastPoll[id]; ok && !force && r.now().Sub(last) < r.cfg.Interval {
		r.mu.Unlock()
		return false, nil
	}
	r.refreshing[id] = true
	r.lastPoll[id] = r.now()
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.refreshing[id] = false
		r.mu.Unlock()
	}()

	cctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	snap, err := r.reader.Snapshot(cctx, id, force)
	if err != nil {
		return false, err
	}
	if !r.alive() {
		r.logger.Debug("engine closed, dropping snapshot", zap.Uint64("network", id))
		return false, nil
	}

	r.mu.Lock()
	r.snapshots[id] = snap
	r.mu.Unlock()
	return true, nil
}

// Snapshot returns the last published snapshot of a network.
func (r *Refresher) Snapshot(id uint64) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.snapshots[id]
	if !ok {
		return Snapshot{}, false
	}
	return s.Copy(), true
}

// Refreshing reports whether a refresh of id is in flight.
func (r *Refresher) Refreshing(id uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refreshing[id]
}
