// Package session turns a correlated leg set into user-facing views of the
// raw signalling: grouped detail summaries, per-message content with
// retransmit detection, a merged participant flow and a packet capture.
package session

import (
	"context"
	"sort"

	"sipsearch-server/pkg/config"
	"sipsearch-server/pkg/errors"
	"sipsearch-server/pkg/metrics"
	"sipsearch-server/pkg/models"
	"sipsearch-server/pkg/store"
	"sipsearch-server/pkg/streams"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
)

// Request identifies one resolved session: the call ids of its legs, the
// time window they span and an optional endpoint restriction.
type Request struct {
	Window    models.TimeWindow `json:"window"`
	CallIDs   []string          `json:"call_ids"`
	Endpoints []string          `json:"endpoints,omitempty"`
}

// Validate rejects requests that cannot select any records.
func (r Request) Validate() error {
	if !r.Window.Valid() {
		return errors.NewInvalidQuery("session window is empty or inverted")
	}
	if len(r.CallIDs) == 0 {
		return errors.NewInvalidQuery("session request carries no call ids")
	}
	return nil
}

// Assembler builds session views from the raw record families.
type Assembler struct {
	store  store.Reader
	cfg    config.SessionConfig
	logger *logrus.Entry
}

// NewAssembler creates a session assembler over the given record store.
func NewAssembler(reader store.Reader, cfg config.SessionConfig, logger *logrus.Logger) *Assembler {
	return &Assembler{
		store:  reader,
		cfg:    cfg,
		logger: logger.WithField("component", "session"),
	}
}

// Stash is a hook point for session persistence and is not part of this
// deployment.
func (a *Assembler) Stash(ctx context.Context, req Request) error {
	return errors.NewNotSupported("stash", map[string]interface{}{
		"call_ids": req.CallIDs,
	})
}

// filter builds the storage predicate shared by every raw-record fetch.
func (a *Assembler) filter(req Request) bson.M {
	f := bson.M{models.FieldCallID: bson.M{"$in": req.CallIDs}}
	if len(req.Endpoints) > 0 {
		f = bson.M{
			"$and": []bson.M{
				f,
				{"$or": []bson.M{
					{models.FieldSrcAddr: bson.M{"$in": req.Endpoints}},
					{models.FieldDstAddr: bson.M{"$in": req.Endpoints}},
				}},
			},
		}
	}
	return f
}

// fetchRaw reads the signalling payloads for the session. The unparsed
// fallback family is merged in so messages the ingest side could not decode
// still show up in every view.
func (a *Assembler) fetchRaw(ctx context.Context, req Request) ([]models.Record, error) {
	merged := streams.Merge(
		a.store.ReadRecords(ctx, store.Query{
			Prefix: models.PrefixSipRaw,
			Window: req.Window,
			Filter: a.filter(req),
			Sort:   bson.D{{Key: models.FieldCreatedAt, Value: 1}},
		}),
		a.store.ReadRecords(ctx, store.Query{
			Prefix: models.PrefixUnparsedRaw,
			Window: req.Window,
			Filter: a.filter(req),
			Sort:   bson.D{{Key: models.FieldCreatedAt, Value: 1}},
		}),
	)
	records, err := streams.Collect(merged)
	if err != nil {
		return nil, err
	}
	a.sortByTime(records)
	return records, nil
}

// sortByTime orders records chronologically. The nanosecond timestamp, when
// the deployment records one, disambiguates messages that share a
// millisecond.
func (a *Assembler) sortByTime(records []models.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return a.before(records[i], records[j])
	})
}

func (a *Assembler) before(x, y models.Record) bool {
	if a.cfg.UseNanos && x.Nanos() != 0 && y.Nanos() != 0 {
		return x.Nanos() < y.Nanos()
	}
	return x.CreatedAt() < y.CreatedAt()
}

func (a *Assembler) countView(view string) {
	if metrics.Enabled() {
		metrics.SessionViews.WithLabelValues(view).Inc()
	}
}
