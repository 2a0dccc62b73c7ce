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

// mediaIndexPrefix maps a query attribute family to its report index.
var mediaIndexPrefix = map[string]string{
	"rtp":  models.PrefixRtpIndex,
	"rtcp": models.PrefixRtcpIndex,
}

// CallEngine correlates INVITE legs into logical calls.
type CallEngine struct {
	store    store.Reader
	compiler *query.Compiler
	cfg      config.SearchConfig
	logger   *logrus.Entry
}

// NewCallEngine builds the call correlation engine.
func NewCallEngine(reader store.Reader, compiler *query.Compiler, cfg config.SearchConfig, logger *logrus.Logger) *CallEngine {
	return &CallEngine{
		store:    reader,
		compiler: compiler,
		cfg:      cfg,
		logger:   logger.WithField("component", "call_engine"),
	}
}

// callSearch is the per-request state: compiled predicates plus the
// processed call-id set guaranteeing one result per logical call.
type callSearch struct {
	engine      *CallEngine
	ctx         context.Context
	req         SearchRequest
	sipFilter   bson.M
	mediaFilter bson.M
	mediaPrefix string
	mediaFirst  bool
	processed   map[string]struct{}
	seeds       streams.Stream[models.Record]
	err         error
}

// Search correlates calls matching the query. Validation happens before any
// store access; results stream lazily in creation-time order of their seeds.
func (e *CallEngine) Search(ctx context.Context, req SearchRequest) (streams.Stream[SearchResult], error) {
	if !req.Window.Valid() {
		return nil, errors.NewInvalidQuery("search window is missing or inverted")
	}

	expr, err := query.Parse(req.Query)
	if err != nil {
		return nil, err
	}

	var mediaFamily string
	for _, family := range expr.Families() {
		if _, ok := mediaIndexPrefix[family]; !ok {
			continue
		}
		if mediaFamily != "" && mediaFamily != family {
			return nil, errors.NewNotSupported("mixing rtp and rtcp filters in one query")
		}
		mediaFamily = family
	}

	sipFilter, err := e.compiler.Compile(expr.Family("sip"), nil)
	if err != nil {
		return nil, err
	}

	search := &callSearch{
		engine:    e,
		ctx:       ctx,
		req:       req,
		sipFilter: sipFilter,
		processed: make(map[string]struct{}),
	}

	if mediaFamily != "" {
		search.mediaPrefix = mediaIndexPrefix[mediaFamily]
		search.mediaFilter, err = e.compiler.Compile(expr.Family(mediaFamily), nil)
		if err != nil {
			return nil, err
		}
		search.mediaFirst = !expr.Empty() && expr.Tokens[0].Family() == mediaFamily
	}

	search.seeds = search.seedStream()

	limit := req.Limit
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}
	return streams.Limit[SearchResult](streams.Generate(search.next, search.streamErr), limit), nil
}

// seedStream resolves the initial candidate legs. A media-led query walks
// the report index first and maps each report back to its SIP leg; otherwise
// the call index is queried directly.
func (s *callSearch) seedStream() streams.Stream[models.Record] {
	if s.mediaFirst {
		reports := s.engine.store.ReadRecords(s.ctx, store.Query{
			Prefix: s.mediaPrefix,
			Window: s.req.Window,
			Filter: withWindow(s.mediaFilter, s.req.Window),
			Sort:   bson.D{{Key: models.FieldCreatedAt, Value: 1}},
		})
		var mapErr error
		return streams.Generate(func() (models.Record, bool) {
			for {
				report, ok := reports.Next()
				if !ok {
					return models.Record{}, false
				}
				leg, found, err := s.engine.legOfReport(s.ctx, report)
				if err != nil {
					mapErr = err
					return models.Record{}, false
				}
				if found {
					return leg, true
				}
			}
		}, func() error {
			if mapErr != nil {
				return mapErr
			}
			return reports.Err()
		})
	}

	return s.engine.store.ReadRecords(s.ctx, store.Query{
		Prefix: models.PrefixCallIndex,
		Window: s.req.Window,
		Filter: withWindow(s.sipFilter, s.req.Window),
		Sort:   bson.D{{Key: models.FieldCreatedAt, Value: 1}},
	})
}

// next produces the summary of the next unconsumed logical call.
func (s *callSearch) next() (SearchResult, bool) {
	for {
		if s.err != nil {
			return SearchResult{}, false
		}
		seed, ok := s.seeds.Next()
		if !ok {
			return SearchResult{}, false
		}
		if _, done := s.processed[seed.CallID()]; done {
			continue
		}

		set, err := s.engine.correlate(s.ctx, seed)
		if err != nil {
			s.err = err
			return SearchResult{}, false
		}
		for _, callID := range set.callIDList() {
			s.processed[callID] = struct{}{}
		}

		// a SIP-led query with media constraints keeps only calls that can
		// be cross-referenced to at least one matching quality report
		if s.mediaFilter != nil && !s.mediaFirst {
			found, err := s.engine.hasMediaReport(s.ctx, set, s.mediaPrefix, s.mediaFilter)
			if err != nil {
				s.err = err
				return SearchResult{}, false
			}
			if !found {
				continue
			}
		}

		if metrics.Enabled() {
			metrics.CorrelatedLegs.WithLabelValues(models.MethodInvite).Observe(float64(set.size()))
		}
		return s.engine.summarize(set, s.req.Fields), true
	}
}

func (s *callSearch) streamErr() error {
	if s.err != nil {
		return s.err
	}
	return s.seeds.Err()
}

// correlate runs the bounded closure from one seed leg: caller/callee probes
// first, then cross-id expansion, repeated until nothing new is discovered
// or the leg cap is reached.
func (e *CallEngine) correlate(ctx context.Context, seed models.Record) (*legSet, error) {
	set := newLegSet(e.cfg.MaxLegs)
	set.add(seed)

	work := []models.Record{seed}
	visited := make(map[string]struct{})

	for {
		if err := e.expandPairs(ctx, set, &work, visited); err != nil {
			return nil, err
		}
		if set.full() {
			if metrics.Enabled() {
				metrics.LegCapReached.WithLabelValues(models.MethodInvite).Inc()
			}
			break
		}
		added, err := e.expandCrossIDs(ctx, set, &work)
		if err != nil {
			return nil, err
		}
		if !added {
			break
		}
	}
	return set, nil
}

// expandPairs drains the worklist, probing the index once per unseen
// (caller, callee) pair and keeping matches that overlap in time and have
// reciprocal endpoints.
func (e *CallEngine) expandPairs(ctx context.Context, set *legSet, work *[]models.Record, visited map[string]struct{}) error {
	agg := e.cfg.AggregationWindow.Milliseconds()

	for len(*work) > 0 && !set.full() {
		leg := (*work)[0]
		*work = (*work)[1:]

		pair := leg.Caller() + "|" + leg.Callee()
		if _, seen := visited[pair]; seen {
			continue
		}
		visited[pair] = struct{}{}

		window := models.NewTimeWindow(leg.CreatedAt()-agg, leg.CreatedAt()+agg)
		matches := e.store.ReadRecords(ctx, store.Query{
			Prefix: models.PrefixCallIndex,
			Window: window,
			Filter: withWindow(bson.M{
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
			if !e.intervalsOverlap(leg, match) || !reciprocal(leg, match) {
				continue
			}
			if set.add(match) {
				*work = append(*work, match)
			}
		}
		if err := matches.Err(); err != nil {
			return err
		}
	}
	return nil
}

// expandCrossIDs probes by the explicit cross-call identifier: records whose
// own id appears in the accumulated cross-id set, or whose cross id appears
// in the accumulated call-id set, within the whole set's span widened by the
// aggregation window.
func (e *CallEngine) expandCrossIDs(ctx context.Context, set *legSet, work *[]models.Record) (bool, error) {
	callIDs := set.callIDList()
	xCallIDs := set.xCallIDList()

	clauses := []bson.M{{models.FieldXCallID: bson.M{"$in": callIDs}}}
	if len(xCallIDs) > 0 {
		clauses = append(clauses, bson.M{models.FieldCallID: bson.M{"$in": xCallIDs}})
	}

	window := set.span().Widen(e.cfg.AggregationWindow)
	matches := e.store.ReadRecords(ctx, store.Query{
		Prefix: models.PrefixCallIndex,
		Window: window,
		Filter: withWindow(bson.M{"$or": clauses}, window),
		Sort:   bson.D{{Key: models.FieldCreatedAt, Value: 1}},
	})

	added := false
	for {
		match, ok := matches.Next()
		if !ok {
			break
		}
		if set.add(match) {
			*work = append(*work, match)
			added = true
		}
	}
	if err := matches.Err(); err != nil {
		return false, err
	}
	return added, nil
}

// legOfReport maps a quality report back to its SIP leg by call id within a
// widened time window.
func (e *CallEngine) legOfReport(ctx context.Context, report models.Record) (models.Record, bool, error) {
	window := models.NewTimeWindow(report.CreatedAt(), report.CreatedAt()).Widen(e.cfg.TerminationTimeout)
	legs := e.store.ReadRecords(ctx, store.Query{
		Prefix: models.PrefixCallIndex,
		Window: window,
		Filter: withWindow(bson.M{models.FieldCallID: report.CallID()}, window),
		Sort:   bson.D{{Key: models.FieldCreatedAt, Value: 1}},
		Limit:  1,
	})
	leg, ok := legs.Next()
	if err := legs.Err(); err != nil {
		return models.Record{}, false, err
	}
	return leg, ok, nil
}

// hasMediaReport checks the cross-reference for SIP-led media-constrained
// searches.
func (e *CallEngine) hasMediaReport(ctx context.Context, set *legSet, prefix string, mediaFilter bson.M) (bool, error) {
	window := set.span().Widen(e.cfg.TerminationTimeout)
	filter := bson.M{"$and": []bson.M{
		mediaFilter,
		{models.FieldCallID: bson.M{"$in": set.callIDList()}},
	}}
	reports := e.store.ReadRecords(ctx, store.Query{
		Prefix: prefix,
		Window: window,
		Filter: filter,
		Limit:  1,
	})
	_, found := reports.Next()
	if err := reports.Err(); err != nil {
		return false, err
	}
	return found, nil
}

// summarize renders one correlated call as its search summary.
func (e *CallEngine) summarize(set *legSet, fields []string) SearchResult {
	legs := set.ordered()
	first := legs[0]

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
		Method:       models.MethodInvite,
		State:        first.State(),
		Caller:       joinValues(legs, models.Record.Caller),
		Callee:       joinValues(legs, models.Record.Callee),
		CallIDs:      callIDs,
		Duration:     first.GetInt64(models.FieldDuration),
		ErrorCode:    first.GetString(models.FieldErrorCode),
		Fields:       projection(first, fields),
	}
}

// intervalsOverlap applies the seed-vs-match time rule: an unterminated leg
// is treated as lasting the establish timeout.
func (e *CallEngine) intervalsOverlap(l, m models.Record) bool {
	establish := e.cfg.EstablishTimeout.Milliseconds()
	return m.CreatedAt() <= effectiveEnd(l, establish) && l.CreatedAt() <= effectiveEnd(m, establish)
}

func effectiveEnd(rec models.Record, fallback int64) int64 {
	if rec.Terminated() {
		return rec.TerminatedAt()
	}
	return rec.CreatedAt() + fallback
}

// reciprocal reports whether two legs share an endpoint across directions:
// one leg's source equals the other's destination. Host names win when both
// sides carry one, raw addresses otherwise.
func reciprocal(l, m models.Record) bool {
	return endpointEq(l.SrcHost(), l.SrcAddr(), m.DstHost(), m.DstAddr()) ||
		endpointEq(l.DstHost(), l.DstAddr(), m.SrcHost(), m.SrcAddr())
}

func endpointEq(hostA, addrA, hostB, addrB string) bool {
	if hostA != "" && hostB != "" {
		return hostA == hostB
	}
	return addrA != "" && addrA == addrB
}

// withWindow constrains a compiled filter to records created inside the
// window.
func withWindow(filter bson.M, window models.TimeWindow) bson.M {
	created := bson.M{models.FieldCreatedAt: bson.M{"$gte": window.CreatedAt, "$lte": window.TerminatedAt}}
	if len(filter) == 0 {
		return created
	}
	return bson.M{"$and": []bson.M{filter, created}}
}
