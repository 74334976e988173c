// Package registry resolves the status of every known instance and
// publishes the result as an immutable snapshot.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/instancewatch/server/internal/cache"
	"github.com/instancewatch/server/internal/directory"
	"github.com/instancewatch/server/internal/domain"
	"github.com/instancewatch/server/internal/middleware"
)

// DefaultTTL is how long a probed status is served from cache
const DefaultTTL = 5 * time.Minute

// Prober checks the liveness of one instance; it must not fail
type Prober interface {
	Probe(ctx context.Context, instance domain.Instance) domain.InstanceStatus
}

// Resolver merges the directory and the custom instance into snapshots
type Resolver struct {
	source   directory.Source
	prober   Prober
	cache    *cache.Store[domain.InstanceStatus]
	custom   *domain.Instance
	ttl      time.Duration
	now      func() time.Time
	tracer   trace.Tracer
	logger   *slog.Logger
	snapshot atomic.Pointer[domain.Snapshot]

	// Stats
	cacheHits      atomic.Int64
	cacheMisses    atomic.Int64
	lastResolvedAt atomic.Value // time.Time
	lastErr        atomic.Value // string
}

// Config holds resolver configuration
type Config struct {
	Source directory.Source
	Prober Prober
	Cache  *cache.Store[domain.InstanceStatus]
	// Custom is probed alongside the directory when set
	Custom *domain.Instance
	TTL    time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

// CustomInstance builds the descriptor of the operator-configured instance.
// It returns nil when no address is set or the instance is disabled.
func CustomInstance(address string, enabled bool, apiKey string) *domain.Instance {
	if address == "" || !enabled {
		return nil
	}
	return &domain.Instance{
		ID:     domain.CustomInstanceID,
		Name:   "None",
		API:    address,
		APIKey: apiKey,
	}
}

// New creates a new resolver
func New(cfg Config) (*Resolver, error) {
	if cfg.Source == nil {
		return nil, errors.New("directory source is required")
	}
	if cfg.Prober == nil {
		return nil, errors.New("prober is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Resolver{
		source: cfg.Source,
		prober: cfg.Prober,
		cache:  cfg.Cache,
		custom: cfg.Custom,
		ttl:    cfg.TTL,
		now:    cfg.Now,
		tracer: otel.Tracer("instancewatch/registry"),
		logger: cfg.Logger,
	}
	r.lastResolvedAt.Store(time.Time{})
	r.lastErr.Store("")

	return r, nil
}

// Resolve runs one resolution cycle. A directory failure aborts the cycle
// and leaves the published snapshot untouched; probe failures only mark the
// affected instance offline. With force set every instance is re-probed.
func (r *Resolver) Resolve(ctx context.Context, force bool) (*domain.Snapshot, error) {
	ctx, span := r.tracer.Start(ctx, "registry.Resolve", trace.WithAttributes(
		attribute.Bool("resolve.force", force),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		middleware.ResolveDuration.Observe(time.Since(start).Seconds())
	}()

	public, err := r.source.Fetch(ctx)
	if err != nil {
		err = fmt.Errorf("failed to fetch instance directory from %s: %w", r.source, err)
		r.lastErr.Store(err.Error())
		middleware.DirectoryFetchErrors.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "directory fetch failed")
		return nil, err
	}

	var customStatus *domain.InstanceStatus
	publicStatuses := make([]domain.InstanceStatus, len(public))

	// Probes never fail, so the group only joins them
	var g errgroup.Group
	if r.custom != nil {
		custom := *r.custom
		g.Go(func() error {
			status := r.resolveOne(ctx, custom, force)
			customStatus = &status
			return nil
		})
	}
	for i := range public {
		i := i
		g.Go(func() error {
			publicStatuses[i] = r.resolveOne(ctx, public[i], force)
			return nil
		})
	}
	_ = g.Wait()

	// Probes cut short by cancellation say nothing about the instances
	if err := ctx.Err(); err != nil {
		err = fmt.Errorf("resolution cycle cancelled: %w", err)
		r.lastErr.Store(err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, "cycle cancelled")
		return nil, err
	}

	sort.SliceStable(publicStatuses, func(i, j int) bool {
		return publicStatuses[i].Online && !publicStatuses[j].Online
	})

	snap := &domain.Snapshot{
		Public: publicStatuses,
		Custom: customStatus,
	}
	r.snapshot.Store(snap)
	r.lastResolvedAt.Store(r.now())
	r.lastErr.Store("")

	middleware.InstancesTotal.Set(float64(len(publicStatuses)))
	middleware.InstancesOnline.Set(float64(snap.OnlineCount()))
	span.SetAttributes(
		attribute.Int("resolve.public", len(publicStatuses)),
		attribute.Int("resolve.online", snap.OnlineCount()),
	)

	return snap, nil
}

// resolveOne serves a fresh cached status or probes and overwrites the entry
func (r *Resolver) resolveOne(ctx context.Context, instance domain.Instance, force bool) domain.InstanceStatus {
	key := instance.CacheKey()

	if !force {
		if entry, ok := r.cache.Get(ctx, key); ok &&
			entry.Fresh(r.now(), r.ttl) &&
			entry.Payload.API == instance.API {
			r.cacheHits.Add(1)
			middleware.CacheHits.Inc()
			return normalize(entry.Payload, instance)
		}
	}
	r.cacheMisses.Add(1)
	middleware.CacheMisses.Inc()

	status := r.prober.Probe(ctx, instance)
	if ctx.Err() != nil {
		return normalize(status, instance)
	}
	if err := r.cache.Set(ctx, key, status, r.now()); err != nil {
		r.logger.Warn("failed to cache instance status", "instance", key, "error", err)
	}
	return normalize(status, instance)
}

// normalize gives fresh and cached statuses the same shape. The API key is
// never persisted, so it always comes from the descriptor.
func normalize(status domain.InstanceStatus, instance domain.Instance) domain.InstanceStatus {
	status.APIKey = instance.APIKey
	if len(status.Services) == 0 {
		status.Services = nil
	}
	return status
}

// Snapshot returns the last published snapshot, or nil before the first
// successful cycle
func (r *Resolver) Snapshot() *domain.Snapshot {
	return r.snapshot.Load()
}

// Search returns the public statuses whose id, name or address contain query
func (r *Resolver) Search(query string) []domain.InstanceStatus {
	return r.Snapshot().Search(query)
}

// CacheStats returns current cache statistics
func (r *Resolver) CacheStats() *domain.CacheStats {
	hits := r.cacheHits.Load()
	misses := r.cacheMisses.Load()
	total := hits + misses

	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return &domain.CacheStats{
		Backend: r.cache.Backend(),
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

// LastResolvedAt returns the time of the last successful cycle
func (r *Resolver) LastResolvedAt() time.Time {
	return r.lastResolvedAt.Load().(time.Time)
}

// LastError returns the error of the last cycle, empty when it succeeded
func (r *Resolver) LastError() string {
	return r.lastErr.Load().(string)
}

// Source returns the directory source description
func (r *Resolver) Source() string {
	return r.source.String()
}
