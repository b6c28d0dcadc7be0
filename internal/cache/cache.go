package cache

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Options controls a single lookup.
type Options struct {
	TTL          time.Duration
	ForceRefresh bool
}

// Copier is implemented by cached values that own mutable state.
type Copier[T any] interface {
	Copy() T
}

type entry struct {
	value     any
	updatedAt time.Time
	ttl       time.Duration
	probe     any
	hasProbe  bool
}

// Cache is the read-model cache shared by every read path. It is safe for
// concurrent use; concurrent fetches of one key collapse into one.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry

	force  atomic.Bool
	notify chan struct{}
	group  singleflight.Group

	now    func() time.Time
	logger *zap.Logger
}

func New(logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		entries: make(map[string]*entry),
		notify:  make(chan struct{}, 1),
		now:     time.Now,
		logger:  logger,
	}
}

// SetClock replaces the time source.
func (c *Cache) SetClock(now func() time.Time) { c.now = now }

// Key builds a cache key scoped to a contract on a network. Keys sharing a
// network and contract share the prefix used by InvalidatePrefix.
func Key(network uint64, contract common.Address, field string) string {
	return fmt.Sprintf("%s:%s", Prefix(network, contract), field)
}

// Prefix returns the key prefix of a contract on a network.
func Prefix(network uint64, contract common.Address) string {
	return fmt.Sprintf("%d:%s", network, strings.ToLower(contract.Hex()))
}

// RequestRefresh makes the next lookup of any key bypass its TTL once.
// Near-simultaneous requests collapse into one.
func (c *Cache) RequestRefresh() {
	c.force.Store(true)
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// RefreshPending reports whether a refresh request has not been consumed yet.
func (c *Cache) RefreshPending() bool { return c.force.Load() }

// Notify fires after RequestRefresh so pollers can schedule an early cycle.
func (c *Cache) Notify() <-chan struct{} { return c.notify }

// Invalidate drops key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidatePrefix drops every key starting with prefix.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of cached keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) lookup(key string) (entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return entry{}, false
	}
	return *e, true
}

func (c *Cache) store(key string, value any, ttl time.Duration, probe any, hasProbe bool) {
	c.mu.Lock()
	c.entries[key] = &entry{
		value:     value,
		updatedAt: c.now(),
		ttl:       ttl,
		probe:     probe,
		hasProbe:  hasProbe,
	}
	c.mu.Unlock()
}

func (c *Cache) touch(key string) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.updatedAt = c.now()
	}
	c.mu.Unlock()
}

// forced consumes the process-wide refresh flag.
func (c *Cache) forced(opts Options) bool {
	consumed := c.force.CompareAndSwap(true, false)
	return opts.ForceRefresh || consumed
}

func (c *Cache) fresh(e entry, opts Options) bool {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = e.ttl
	}
	return c.now().Sub(e.updatedAt) < ttl
}

// Get returns the cached value for key when it is younger than opts.TTL and
// no refresh is forced. Otherwise it fetches, stores and returns a fresh value.
// When the fetch fails and a previous value exists, the stale value is returned.
func Get[T any](ctx context.Context, c *Cache, key string, fetch func(context.Context) (T, error), opts Options) (T, error) {
	forced := c.forced(opts)
	prev, ok := c.lookup(key)
	if ok && !forced && c.fresh(prev, opts) {
		return copyOut[T](prev.value), nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.store(key, value, opts.TTL, nil, false)
		return value, nil
	})
	if err != nil {
		if ok {
			c.logger.Warn("read refresh failed, serving stale value",
				zap.String("key", key),
				zap.Duration("age", c.now().Sub(prev.updatedAt)),
				zap.Error(err))
			return copyOut[T](prev.value), nil
		}
		var zero T
		return zero, err
	}
	return copyOut[T](v), nil
}

// GetProbed is a two-phase lookup: when the cached value is stale, the cheap
// probe runs first and the expensive fetch runs only if the probe result
// differs from the one recorded with the cached value.
func GetProbed[T any, P comparable](ctx context.Context, c *Cache, key string, probe func(context.Context) (P, error), fetch func(context.Context) (T, error), opts Options) (T, error) {
	forced := c.forced(opts)
	prev, ok := c.lookup(key)
	if ok && !forced && c.fresh(prev, opts) {
		return copyOut[T](prev.value), nil
	}

	p, err := probe(ctx)
	if err != nil {
		if ok {
			c.logger.Warn("probe failed, serving stale value", zap.String("key", key), zap.Error(err))
			return copyOut[T](prev.value), nil
		}
		var zero T
		return zero, fmt.Errorf("probe %s: %w", key, err)
	}

	if ok && !forced && prev.hasProbe {
		if last, same := prev.probe.(P); same && last == p {
			c.touch(key)
			return copyOut[T](prev.value), nil
		}
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.store(key, value, opts.TTL, p, true)
		return value, nil
	})
	if err != nil {
		if ok {
			c.logger.Warn("read refresh failed, serving stale value", zap.String("key", key), zap.Error(err))
			return copyOut[T](prev.value), nil
		}
		var zero T
		return zero, err
	}
	return copyOut[T](v), nil
}

// Peek returns the cached value without fetching, along with its age.
func Peek[T any](c *Cache, key string) (T, time.Duration, bool) {
	e, ok := c.lookup(key)
	if !ok {
		var zero T
		return zero, 0, false
	}
	v, typed := e.value.(T)
	if !typed {
		var zero T
		return zero, 0, false
	}
	return copyOut[T](v), c.now().Sub(e.updatedAt), true
}

func copyOut[T any](v any) T {
	if v == nil {
		var zero T
		return zero
	}
	switch typed := v.(type) {
	case Copier[T]:
		return typed.Copy()
	case *big.Int:
		if typed == nil {
			return v.(T)
		}
		return any(new(big.Int).Set(typed)).(T)
	case []common.Address:
		return any(append([]common.Address(nil), typed...)).(T)
	}
	return v.(T)
}
