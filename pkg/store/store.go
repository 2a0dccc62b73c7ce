// Package store resolves logical record families plus time windows to
// physical time-suffixed collections and streams matching records lazily.
package store

import (
	"context"
	"strings"
	"time"

	"sipsearch-server/pkg/config"
	"sipsearch-server/pkg/errors"
	"sipsearch-server/pkg/metrics"
	"sipsearch-server/pkg/models"
	"sipsearch-server/pkg/streams"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Query selects records of one logical family within a time window.
type Query struct {
	// Prefix names the logical record family, e.g. "sip_call_index".
	Prefix string

	// Window bounds the partitions searched.
	Window models.TimeWindow

	// Filter is the storage-level predicate built by the query compiler.
	Filter bson.M

	// Sort optionally orders each collection cursor server-side.
	Sort bson.D

	// Limit caps each collection cursor; zero means unbounded.
	Limit int64
}

// Reader is the read side of the store, implemented by *Store and faked in
// engine tests.
type Reader interface {
	ReadRecords(ctx context.Context, q Query) streams.Stream[models.Record]
}

// Store is the Mongo-backed time-partitioned record store.
type Store struct {
	db     *mongo.Database
	cache  *collectionCache
	cfg    config.StoreConfig
	logger *logrus.Entry
}

// Connect dials the document store and prepares the collection-name cache.
func Connect(ctx context.Context, cfg config.StoreConfig, logger *logrus.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to document store")
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, errors.Wrap(err, "document store unreachable")
	}

	db := client.Database(cfg.Database)
	return &Store{
		db:     db,
		cache:  newCollectionCache(mongoLister{db: db}, cfg.CacheRefreshInterval, logger),
		cfg:    cfg,
		logger: logger.WithField("component", "store"),
	}, nil
}

// StartCacheRefresh launches the periodic collection-name refresh. It returns
// after the first refresh attempt so startup sees a warm cache.
func (s *Store) StartCacheRefresh(ctx context.Context) {
	if err := s.cache.Refresh(ctx); err != nil {
		s.logger.WithError(err).Warn("Initial collection listing failed")
	}
	go s.cache.run(ctx)
}

// InvalidateCache drops the collection-name cache.
func (s *Store) InvalidateCache() {
	s.cache.Invalidate()
}

// Disconnect closes the underlying client.
func (s *Store) Disconnect(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}

// timeSuffix renders the partition suffix for an instant. Numeric layouts
// keep lexicographic order equal to chronological order.
func timeSuffix(ts int64, layout string) string {
	return time.UnixMilli(ts).UTC().Format(layout)
}

// collectionsInRange picks, from the cached listing, the collections whose
// suffix falls inside the window's closed suffix range, in ascending order.
// The listing is kept sorted, so the result is chronologically ordered.
func collectionsInRange(names []string, prefix string, window models.TimeWindow, layout string) []string {
	lo := timeSuffix(window.CreatedAt, layout)
	hi := timeSuffix(window.TerminatedAt, layout)

	var selected []string
	for _, name := range names {
		suffix := strings.TrimPrefix(name, prefix+"_")
		if suffix == name {
			continue
		}
		if suffix >= lo && suffix <= hi {
			selected = append(selected, name)
		}
	}
	return selected
}

// ReadRecords streams records matching the query across all partitions in the
// window. Cursors are opened lazily, one collection at a time, each with the
// configured batch size and server-side execution ceiling.
func (s *Store) ReadRecords(ctx context.Context, q Query) streams.Stream[models.Record] {
	listed, err := s.cache.Names(ctx, q.Prefix)
	if err != nil {
		readErr := classify(err)
		return streams.Generate(func() (models.Record, bool) {
			return models.Record{}, false
		}, func() error { return readErr })
	}
	names := collectionsInRange(listed, q.Prefix, q.Window, s.cfg.SuffixFormat)
	return &recordStream{
		ctx:         ctx,
		store:       s,
		query:       q,
		collections: names,
	}
}

// recordStream iterates one collection cursor at a time, opening the next
// partition only when the previous one is exhausted.
type recordStream struct {
	ctx         context.Context
	store       *Store
	query       Query
	collections []string

	idx     int
	cursor  *mongo.Cursor
	started time.Time
	err     error
}

func (r *recordStream) Next() (models.Record, bool) {
	for {
		if r.err != nil {
			return models.Record{}, false
		}
		if r.cursor == nil {
			if r.idx >= len(r.collections) {
				return models.Record{}, false
			}
			if !r.openNext() {
				return models.Record{}, false
			}
		}
		if r.cursor.Next(r.ctx) {
			var doc bson.M
			if err := r.cursor.Decode(&doc); err != nil {
				r.fail(err)
				return models.Record{}, false
			}
			return models.NewRecord(doc), true
		}
		if err := r.cursor.Err(); err != nil {
			r.fail(err)
			return models.Record{}, false
		}
		r.closeCursor()
	}
}

func (r *recordStream) Err() error { return r.err }

func (r *recordStream) openNext() bool {
	name := r.collections[r.idx]
	r.idx++

	opts := options.Find().
		SetBatchSize(r.store.cfg.BatchSize).
		SetMaxTime(r.store.cfg.MaxExecutionTime)
	if len(r.query.Sort) > 0 {
		opts.SetSort(r.query.Sort)
	}
	if r.query.Limit > 0 {
		opts.SetLimit(r.query.Limit)
	}

	filter := r.query.Filter
	if filter == nil {
		filter = bson.M{}
	}

	cursor, err := r.store.db.Collection(name).Find(r.ctx, filter, opts)
	if err != nil {
		r.fail(err)
		return false
	}

	r.cursor = cursor
	r.started = time.Now()
	if metrics.Enabled() {
		metrics.StoreCursorsOpened.WithLabelValues(r.query.Prefix).Inc()
	}
	return true
}

func (r *recordStream) closeCursor() {
	if r.cursor == nil {
		return
	}
	_ = r.cursor.Close(r.ctx)
	r.cursor = nil
	if metrics.Enabled() {
		metrics.StoreQueryDuration.WithLabelValues(r.query.Prefix).Observe(time.Since(r.started).Seconds())
	}
}

func (r *recordStream) fail(err error) {
	r.err = classify(err)
	if metrics.Enabled() {
		class := "internal"
		if errors.IsErrorType(r.err, errors.ErrTimeout) {
			class = "timeout"
		}
		metrics.StoreQueryErrors.WithLabelValues(r.query.Prefix, class).Inc()
	}
	if r.cursor != nil {
		_ = r.cursor.Close(r.ctx)
		r.cursor = nil
	}
}

// classify maps driver failures to the error taxonomy: exceeded execution
// ceilings become ErrTimeout so callers can answer gateway-timeout.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsTimeout(err) {
		return errors.NewTimeout("store execution ceiling exceeded").WithField("cause", err.Error())
	}
	var cmdErr mongo.CommandError
	if errors.IsErrorType(err, context.DeadlineExceeded) {
		return errors.NewTimeout("store context deadline exceeded").WithField("cause", err.Error())
	}
	if ok := asCommandError(err, &cmdErr); ok && cmdErr.Code == 50 {
		// MaxTimeMSExpired
		return errors.NewTimeout("store execution ceiling exceeded").WithField("cause", err.Error())
	}
	return errors.Wrap(err, "store read failed")
}

func asCommandError(err error, target *mongo.CommandError) bool {
	for err != nil {
		if ce, ok := err.(mongo.CommandError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// BulkUpsert applies a batch of upsert operations against one concrete
// collection. Used by the self-registration collaborator, not the search
// path.
func (s *Store) BulkUpsert(ctx context.Context, collection string, ops []mongo.WriteModel) error {
	if len(ops) == 0 {
		return nil
	}
	_, err := s.db.Collection(collection).BulkWrite(ctx, ops, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return errors.Wrap(err, "bulk upsert failed", map[string]interface{}{"collection": collection})
	}
	return nil
}
