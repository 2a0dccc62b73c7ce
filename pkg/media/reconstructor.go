package media

import (
	"context"
	"fmt"
	"sort"

	"sipsearch-server/pkg/config"
	"sipsearch-server/pkg/errors"
	"sipsearch-server/pkg/metrics"
	"sipsearch-server/pkg/models"
	"sipsearch-server/pkg/store"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
)

// Report field names specific to quality-report records.
const (
	fieldMOS       = "mos"
	fieldRFactor   = "r_factor"
	fieldDuration  = "duration"
	fieldExpected  = "expected"
	fieldReceived  = "received"
	fieldRejected  = "rejected"
	fieldJitterMin = "jitter_min"
	fieldJitterMax = "jitter_max"
	fieldJitterAvg = "jitter_avg"
)

// Reconstructor merges per-interval RTP quality reports into per-leg,
// per-direction statistics.
type Reconstructor struct {
	store  store.Reader
	media  config.MediaConfig
	search config.SearchConfig
	logger *logrus.Entry
}

// NewReconstructor builds a media reconstructor over the record store.
func NewReconstructor(reader store.Reader, media config.MediaConfig, search config.SearchConfig, logger *logrus.Logger) *Reconstructor {
	return &Reconstructor{
		store:  reader,
		media:  media,
		search: search,
		logger: logger.WithField("component", "media_reconstructor"),
	}
}

// legBuilder accumulates one leg while reports stream in.
type legBuilder struct {
	leg          *LegSession
	forwardParty string
	sessions     map[string]*MediaSession
	invalidCause string
}

// Reconstruct builds the media legs for a resolved session: the quality
// report index seeds the leg containers, then raw interval reports are split
// into fixed-size blocks and merged into the matching direction session.
func (r *Reconstructor) Reconstruct(ctx context.Context, window models.TimeWindow, callIDs []string) ([]*LegSession, error) {
	if len(callIDs) == 0 {
		return nil, errors.NewInvalidQuery("media reconstruction requires at least one call id")
	}

	builders, order, err := r.buildLegs(ctx, window, callIDs)
	if err != nil {
		return nil, err
	}
	if len(order) == 0 {
		return nil, nil
	}

	if err := r.attachReports(ctx, window, callIDs, builders); err != nil {
		return nil, err
	}

	legs := make([]*LegSession, 0, len(order))
	for _, id := range order {
		legs = append(legs, r.finish(builders[id], window))
	}
	return legs, nil
}

// buildLegs reads the report index and creates one container per leg id.
func (r *Reconstructor) buildLegs(ctx context.Context, window models.TimeWindow, callIDs []string) (map[string]*legBuilder, []string, error) {
	indexWindow := window.Widen(r.search.TerminationTimeout)
	records := r.store.ReadRecords(ctx, store.Query{
		Prefix: models.PrefixRtpIndex,
		Window: indexWindow,
		Filter: bson.M{models.FieldCallID: bson.M{"$in": callIDs}},
		Sort:   bson.D{{Key: models.FieldCreatedAt, Value: 1}},
	})

	builders := make(map[string]*legBuilder)
	var order []string
	for {
		rec, ok := records.Next()
		if !ok {
			break
		}
		id := LegID(rec.CallID(), rec.SrcAddr(), rec.SrcPort(), rec.DstAddr(), rec.DstPort())
		b, exists := builders[id]
		if !exists {
			b = &legBuilder{
				leg: &LegSession{
					LegID:        id,
					CallID:       rec.CallID(),
					CreatedAt:    rec.CreatedAt(),
					TerminatedAt: rec.TerminatedAt(),
					SrcAddr:      rec.SrcAddr(),
					SrcPort:      rec.SrcPort(),
					SrcHost:      rec.SrcHost(),
					DstAddr:      rec.DstAddr(),
					DstPort:      rec.DstPort(),
					DstHost:      rec.DstHost(),
				},
				forwardParty: PartyID(rec.SrcPort(), rec.DstPort()),
				sessions:     make(map[string]*MediaSession),
			}
			builders[id] = b
			order = append(order, id)
		}
		if rec.CreatedAt() < b.leg.CreatedAt {
			b.leg.CreatedAt = rec.CreatedAt()
		}
		if rec.TerminatedAt() > b.leg.TerminatedAt {
			b.leg.TerminatedAt = rec.TerminatedAt()
		}
		b.leg.Codecs = addCodec(b.leg.Codecs, rec.GetString(models.FieldCodecName))
	}
	if err := records.Err(); err != nil {
		return nil, nil, err
	}
	return builders, order, nil
}

// attachReports streams the finer-grained raw reports and folds each into
// its leg's direction session. A failing leg is marked invalid and skipped,
// never fatal.
func (r *Reconstructor) attachReports(ctx context.Context, window models.TimeWindow, callIDs []string, builders map[string]*legBuilder) error {
	rawWindow := window.Widen(r.search.TerminationTimeout)
	records := r.store.ReadRecords(ctx, store.Query{
		Prefix: models.PrefixRtpRaw,
		Window: rawWindow,
		Filter: bson.M{models.FieldCallID: bson.M{"$in": callIDs}},
		Sort:   bson.D{{Key: models.FieldCreatedAt, Value: 1}},
	})

	for {
		rec, ok := records.Next()
		if !ok {
			break
		}
		id := LegID(rec.CallID(), rec.SrcAddr(), rec.SrcPort(), rec.DstAddr(), rec.DstPort())
		b, exists := builders[id]
		if !exists || b.invalidCause != "" {
			continue
		}
		if err := r.attachOne(b, rec); err != nil {
			b.invalidCause = "reconstruction_error"
			r.logger.WithError(err).WithFields(logrus.Fields{
				"leg_id":  id,
				"call_id": rec.CallID(),
			}).Warn("Leg reconstruction failed, marking leg invalid")
		}
	}
	return records.Err()
}

// attachOne folds one raw report into the matching direction session.
// Panics from malformed report shapes are recovered into an error.
func (r *Reconstructor) attachOne(b *legBuilder, rec models.Record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.NewInternalError(fmt.Sprintf("report merge panicked: %v", p))
		}
	}()

	stat := statisticOf(rec)
	if stat.Duration <= 0 {
		return errors.New("report carries no duration")
	}

	party := PartyID(rec.SrcPort(), rec.DstPort())
	session, exists := b.sessions[party]
	if !exists {
		session = &MediaSession{
			PartyID:   party,
			CreatedAt: rec.CreatedAt(),
			SrcAddr:   rec.SrcAddr(),
			SrcPort:   rec.SrcPort(),
			DstAddr:   rec.DstAddr(),
			DstPort:   rec.DstPort(),
		}
		b.sessions[party] = session
	}

	if rec.CreatedAt() < session.CreatedAt {
		session.CreatedAt = rec.CreatedAt()
	}
	if end := rec.CreatedAt() + stat.Duration; end > session.TerminatedAt {
		session.TerminatedAt = end
	}
	session.Codecs = addCodec(session.Codecs, rec.GetString(models.FieldCodecName))

	for _, block := range ChunkStatistic(stat, r.media.BlockDuration.Milliseconds()) {
		session.Blocks = append(session.Blocks, block)
		session.Statistic = MergeStatistics(session.Statistic, block)
	}
	return nil
}

// finish assembles the leg from its direction sessions and applies the
// validity rules.
func (r *Reconstructor) finish(b *legBuilder, window models.TimeWindow) *LegSession {
	leg := b.leg

	parties := make([]string, 0, len(b.sessions))
	for party := range b.sessions {
		parties = append(parties, party)
	}
	sort.Strings(parties)

	for _, party := range parties {
		session := b.sessions[party]
		if session.PartyID == b.forwardParty {
			leg.Out = append(leg.Out, *session)
		} else {
			leg.In = append(leg.In, *session)
		}
		for _, codec := range session.Codecs {
			leg.Codecs = addCodec(leg.Codecs, codec)
		}
		if session.Statistic.Jitter.Max > r.media.JitterCeiling {
			b.invalidCause = "jitter_ceiling"
		}
	}

	leg.CreatedAt, leg.TerminatedAt = legBounds(leg, window)
	leg.Duration = leg.TerminatedAt - leg.CreatedAt

	if b.invalidCause != "" {
		leg.Invalid = true
		if metrics.Enabled() {
			metrics.MediaInvalidLegs.WithLabelValues(b.invalidCause).Inc()
			metrics.MediaLegsReconstructed.WithLabelValues("invalid").Inc()
		}
	} else if metrics.Enabled() {
		metrics.MediaLegsReconstructed.WithLabelValues("valid").Inc()
	}
	return leg
}

// legBounds derives the leg's overall creation/termination instants from the
// direction sessions, falling back to the requested window when one side has
// no session.
func legBounds(leg *LegSession, window models.TimeWindow) (int64, int64) {
	created, terminated := int64(0), int64(0)
	for _, sessions := range [][]MediaSession{leg.In, leg.Out} {
		for _, s := range sessions {
			if created == 0 || s.CreatedAt < created {
				created = s.CreatedAt
			}
			if s.TerminatedAt > terminated {
				terminated = s.TerminatedAt
			}
		}
	}
	if created == 0 {
		created = window.CreatedAt
	}
	if terminated == 0 {
		terminated = window.TerminatedAt
	}
	return created, terminated
}

// statisticOf reads the statistic block out of a raw report record.
func statisticOf(rec models.Record) MediaStatistic {
	stat := MediaStatistic{
		Duration: rec.GetInt64(fieldDuration),
		MOS:      rec.GetFloat64(fieldMOS),
		RFactor:  rec.GetFloat64(fieldRFactor),
		Packets: PacketStats{
			Expected: rec.GetInt64(fieldExpected),
			Received: rec.GetInt64(fieldReceived),
			Rejected: rec.GetInt64(fieldRejected),
		},
		Jitter: JitterStats{
			Min: rec.GetFloat64(fieldJitterMin),
			Max: rec.GetFloat64(fieldJitterMax),
			Avg: rec.GetFloat64(fieldJitterAvg),
		},
	}
	stat.Packets.Lost = stat.Packets.Expected - stat.Packets.Received
	return stat
}
