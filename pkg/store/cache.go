package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"sipsearch-server/pkg/metrics"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// lister abstracts the expensive collection-name listing call.
type lister interface {
	ListCollectionNames(ctx context.Context, filter interface{}) ([]string, error)
}

type mongoLister struct {
	db *mongo.Database
}

func (m mongoLister) ListCollectionNames(ctx context.Context, filter interface{}) ([]string, error) {
	return m.db.ListCollectionNames(ctx, filter)
}

// collectionCache holds the per-prefix collection-name listings. Listing is
// the expensive store call, so reads always hit the cache; a single-writer
// refresh repopulates it periodically or on demand. A failed refresh keeps
// the stale listing available.
type collectionCache struct {
	mu        sync.RWMutex
	byPrefix  map[string][]string
	refreshed time.Time

	lister   lister
	interval time.Duration
	logger   *logrus.Entry
}

func newCollectionCache(l lister, interval time.Duration, logger *logrus.Logger) *collectionCache {
	return &collectionCache{
		byPrefix: make(map[string][]string),
		lister:   l,
		interval: interval,
		logger:   logger.WithField("component", "collection_cache"),
	}
}

// Names returns the sorted collection names for a prefix, refreshing the
// cache on first use. A listing failure before the cache was ever primed is
// returned to the caller; once primed, the stale value keeps serving reads.
func (c *collectionCache) Names(ctx context.Context, prefix string) ([]string, error) {
	c.mu.RLock()
	names, ok := c.byPrefix[prefix]
	primed := !c.refreshed.IsZero()
	c.mu.RUnlock()

	if ok || primed {
		return names, nil
	}

	if err := c.Refresh(ctx); err != nil {
		c.logger.WithError(err).Error("Collection listing failed, no cached value available")
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byPrefix[prefix], nil
}

// Refresh re-lists all collections and rebuilds the prefix buckets. On error
// the previous cache content is left untouched.
func (c *collectionCache) Refresh(ctx context.Context) error {
	all, err := c.lister.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		if metrics.Enabled() {
			metrics.StoreCacheRefreshes.WithLabelValues("error").Inc()
		}
		return err
	}

	byPrefix := make(map[string][]string)
	for _, name := range all {
		idx := strings.LastIndex(name, "_")
		if idx <= 0 {
			continue
		}
		prefix := name[:idx]
		byPrefix[prefix] = append(byPrefix[prefix], name)
	}
	for _, names := range byPrefix {
		sort.Strings(names)
	}

	c.mu.Lock()
	c.byPrefix = byPrefix
	c.refreshed = time.Now()
	c.mu.Unlock()

	if metrics.Enabled() {
		metrics.StoreCacheRefreshes.WithLabelValues("ok").Inc()
	}
	return nil
}

// Invalidate drops the cache so the next read re-lists.
func (c *collectionCache) Invalidate() {
	c.mu.Lock()
	c.byPrefix = make(map[string][]string)
	c.refreshed = time.Time{}
	c.mu.Unlock()
}

// run refreshes the cache periodically until the context is canceled.
// Refresh failures are logged and leave the stale value in place.
func (c *collectionCache) run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.WithError(err).Warn("Collection cache refresh failed, keeping stale listing")
			}
		}
	}
}
