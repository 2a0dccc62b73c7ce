package correlation

import (
	"context"

	"sipsearch-server/pkg/config"
	"sipsearch-server/pkg/errors"
	"sipsearch-server/pkg/metrics"
	"sipsearch-server/pkg/models"
	"sipsearch-server/pkg/query"
	"sipsearch-server/pkg/store"
	"sipsearch-server/pkg/streams"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
)

// StateRegistered marks the long-lived "registered" state record kept alive
// by re-registrations.
const StateRegistered = "registered"

// RegistrationEngine correlates REGISTER transactions.
type RegistrationEngine struct {
	store    store.Reader
	compiler *query.Compiler
	cfg      config.SearchConfig
	logger   *logrus.Entry
}

// NewRegistrationEngine builds the registration correlation engine.
func NewRegistrationEngine(reader store.Reader, compiler *query.Compiler, cfg config.SearchConfig, logger *logrus.Logger) *RegistrationEngine {
	return &RegistrationEngine{
		store:    reader,
		compiler: compiler,
		cfg:      cfg,
		logger:   logger.WithField("component", "registration_engine"),
	}
}

// Search correlates registrations matching the query.
func (e *RegistrationEngine) Search(ctx context.Context, req SearchRequest) (streams.Stream[SearchResult], error) {
	if !req.Window.Valid() {
		return nil, errors.NewInvalidQuery("search window is missing or inverted")
	}

	expr, err := query.Parse(req.Query)
	if err != nil {
		return nil, err
	}
	for _, family := range expr.Families() {
		if _, media := mediaIndexPrefix[family]; media {
			return nil, errors.NewNotSupported("media filters on registration searches")
		}
	}

	filter, err := e.compiler.Compile(expr, nil)
	if err != nil {
		return nil, err
	}

	seeds := e.store.ReadRecords(ctx, store.Query{
		Prefix: models.PrefixRegisterIndex,
		Window: req.Window,
		Filter: withWindow(filter, req.Window),
		Sort:   bson.D{{Key: models.FieldCreatedAt, Value: 1}},
	})

	processed := make(map[string]struct{})
	var streamErr error

	next := func() (SearchResult, bool) {
		for {
			if streamErr != nil {
				return SearchResult{}, false
			}
			seed, ok := seeds.Next()
			if !ok {
				return SearchResult{}, false
			}
			if _, done := processed[seed.CallID()]; done {
				continue
			}

			set, err := e.correlate(ctx, seed, processed)
			if err != nil {
				streamErr = err
				return SearchResult{}, false
			}
			for _, callID := range set.callIDList() {
				processed[callID] = struct{}{}
			}

			if metrics.Enabled() {
				metrics.CorrelatedLegs.WithLabelValues(models.MethodRegister).Observe(float64(set.size()))
			}
			return e.summarize(set, req.Fields), true
		}
	}
	errFn := func() error {
		if streamErr != nil {
			return streamErr
		}
		return seeds.Err()
	}

	limit := req.Limit
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}
	return streams.Limit(streams.Generate(next, errFn), limit), nil
}

// correlate closes over the registration legs of one subscriber: legs match
// when state, caller and callee are all equal and either the endpoints are
// reciprocal or the call id is identical. A long-lived "registered" leg that
// overlaps an already-accumulated one for the same address pair is consumed
// without being added, so re-registrations do not count as distinct legs.
func (e *RegistrationEngine) correlate(ctx context.Context, seed models.Record, processed map[string]struct{}) (*legSet, error) {
	set := newLegSet(e.cfg.MaxLegs)
	set.add(seed)

	work := []models.Record{seed}
	visited := make(map[string]struct{})
	agg := e.cfg.RegistrationAggregationWindow.Milliseconds()

	for len(work) > 0 && !set.full() {
		leg := work[0]
		work = work[1:]

		probe := leg.State() + "|" + leg.Caller() + "|" + leg.Callee()
		if _, seen := visited[probe]; seen {
			continue
		}
		visited[probe] = struct{}{}

		window := models.NewTimeWindow(leg.CreatedAt()-agg, leg.CreatedAt()+agg)
		matches := e.store.ReadRecords(ctx, store.Query{
			Prefix: models.PrefixRegisterIndex,
			Window: window,
			Filter: withWindow(bson.M{
				models.FieldState:  leg.State(),
				models.FieldCaller: leg.Caller(),
				models.FieldCallee: leg.Callee(),
			}, window),
			Sort: bson.D{{Key: models.FieldCreatedAt, Value: 1}},
		})

		for {
			match, ok := matches.Next()
			if !ok {
				break
			}
			if !addressMatch(leg, match) && leg.CallID() != match.CallID() {
				continue
			}
			if match.State() == StateRegistered && e.suppressed(set, match) {
				processed[match.CallID()] = struct{}{}
				continue
			}
			if set.add(match) {
				work = append(work, match)
			}
		}
		if err := matches.Err(); err != nil {
			return nil, err
		}
	}

	if set.full() && metrics.Enabled() {
		metrics.LegCapReached.WithLabelValues(models.MethodRegister).Inc()
	}
	return set, nil
}

// addressMatch accepts both the swapped (upstream/downstream observation)
// and the identical (repeated transaction) endpoint arrangement.
func addressMatch(l, m models.Record) bool {
	if reciprocal(l, m) {
		return true
	}
	return endpointEq(l.SrcHost(), l.SrcAddr(), m.SrcHost(), m.SrcAddr()) &&
		endpointEq(l.DstHost(), l.DstAddr(), m.DstHost(), m.DstAddr())
}

// suppressed reports whether an accumulated "registered" leg with the same
// address pair already covers an overlapping interval.
func (e *RegistrationEngine) suppressed(set *legSet, match models.Record) bool {
	duration := e.cfg.RegistrationDuration.Milliseconds()
	matchWindow := models.NewTimeWindow(match.CreatedAt(), effectiveEnd(match, duration))

	for _, leg := range set.legs {
		if leg.State() != StateRegistered {
			continue
		}
		if leg.PartyKey() != match.PartyKey() {
			continue
		}
		legWindow := models.NewTimeWindow(leg.CreatedAt(), effectiveEnd(leg, duration))
		if legWindow.Overlaps(matchWindow) {
			return true
		}
	}
	return false
}

// summarize renders one correlated registration. The displayed first leg is
// the edge record, the one with no source host set; when every leg carries a
// source host the chronologically first leg is used.
func (e *RegistrationEngine) summarize(set *legSet, fields []string) SearchResult {
	legs := set.ordered()

	first := legs[0]
	for _, leg := range legs {
		if leg.SrcHost() == "" {
			first = leg
			break
		}
	}

	var terminated int64
	var callIDs []string
	seen := map[string]struct{}{}
	for _, leg := range legs {
		if t := leg.TerminatedAt(); t > terminated {
			terminated = t
		}
		if _, dup := seen[leg.CallID()]; !dup {
			seen[leg.CallID()] = struct{}{}
			callIDs = append(callIDs, leg.CallID())
		}
	}

	return SearchResult{
		CreatedAt:    first.CreatedAt(),
		TerminatedAt: terminated,
		Method:       models.MethodRegister,
		State:        first.State(),
		Caller:       joinValues(legs, models.Record.Caller),
		Callee:       joinValues(legs, models.Record.Callee),
		CallIDs:      callIDs,
		Duration:     first.GetInt64(models.FieldDuration),
		ErrorCode:    first.GetString(models.FieldErrorCode),
		Fields:       projection(first, fields),
	}
}
