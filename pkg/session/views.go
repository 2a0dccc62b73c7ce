package session

import (
	"context"
	"fmt"
	"strings"

	"sipsearch-server/pkg/metrics"
	"sipsearch-server/pkg/models"
	"sipsearch-server/pkg/store"
	"sipsearch-server/pkg/streams"

	"go.mongodb.org/mongo-driver/bson"
)

// DetailEntry summarizes one endpoint-pair exchange of the session.
type DetailEntry struct {
	CreatedAt   int64   `json:"created_at"`
	Nanos       int64   `json:"nanos,omitempty"`
	SrcEndpoint string  `json:"src_endpoint"`
	DstEndpoint string  `json:"dst_endpoint"`
	SrcHost     string  `json:"src_host,omitempty"`
	DstHost     string  `json:"dst_host,omitempty"`
	Messages    int     `json:"messages"`
	Headers     Headers `json:"headers"`
}

// ContentEntry is one signalling message of the session, annotated with its
// transaction and retransmission state.
type ContentEntry struct {
	CreatedAt     int64   `json:"created_at"`
	Nanos         int64   `json:"nanos,omitempty"`
	SrcEndpoint   string  `json:"src_endpoint"`
	DstEndpoint   string  `json:"dst_endpoint"`
	TransactionID string  `json:"transaction_id,omitempty"`
	Retransmits   int     `json:"retransmits"`
	Retransmit    bool    `json:"retransmit,omitempty"`
	Headers       Headers `json:"headers"`
	Payload       string  `json:"payload"`
}

// FlowEvent is one entry of the merged participant timeline.
type FlowEvent struct {
	CreatedAt   int64  `json:"created_at"`
	Nanos       int64  `json:"nanos,omitempty"`
	Kind        string `json:"kind"`
	Label       string `json:"label"`
	SrcEndpoint string `json:"src_endpoint"`
	DstEndpoint string `json:"dst_endpoint"`
	SrcHost     string `json:"src_host,omitempty"`
	DstHost     string `json:"dst_host,omitempty"`
}

// Details groups the session's messages by unordered endpoint pair and emits
// one decoded summary per group.
func (a *Assembler) Details(ctx context.Context, req Request) ([]DetailEntry, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	a.countView("details")

	records, err := a.fetchRaw(ctx, req)
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]models.Record)
	order := make([]string, 0)
	for _, rec := range records {
		key := rec.PartyKey()
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], rec)
	}

	dec := newDecoder()
	entries := make([]DetailEntry, 0, len(order))
	for _, key := range order {
		group := groups[key]
		rep := representative(group)
		headers, err := dec.decode(rep.RawData())
		if err != nil {
			a.logDecodeFailure("details", rep, err)
			headers = Headers{Parsed: false}
		}
		entries = append(entries, DetailEntry{
			CreatedAt:   rep.CreatedAt(),
			Nanos:       rep.Nanos(),
			SrcEndpoint: rep.SrcEndpoint(),
			DstEndpoint: rep.DstEndpoint(),
			SrcHost:     rep.SrcHost(),
			DstHost:     rep.DstHost(),
			Messages:    len(group),
			Headers:     headers,
		})
	}
	return entries, nil
}

// representative picks the record used to describe a group: the first one
// the ingest side did not explicitly flag as unparsed.
func representative(group []models.Record) models.Record {
	for _, rec := range group {
		if rec.GetBool(models.FieldParsed, true) {
			return rec
		}
	}
	return group[0]
}

// Content lists the session's messages in order. Messages repeated verbatim
// between the same endpoints are retransmissions: with suppression enabled
// only the first carrier of each payload survives, annotated with the count.
func (a *Assembler) Content(ctx context.Context, req Request) ([]ContentEntry, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	a.countView("content")

	records, err := a.fetchRaw(ctx, req)
	if err != nil {
		return nil, err
	}

	firstByPayload := make(map[string]int)
	dec := newDecoder()
	entries := make([]ContentEntry, 0, len(records))
	for _, rec := range records {
		key := rec.PartyKey() + "\x00" + rec.RawData()
		if idx, seen := firstByPayload[key]; seen {
			entries[idx].Retransmits++
			if a.cfg.HideRetransmits {
				continue
			}
		}

		headers, err := dec.decode(rec.RawData())
		if err != nil {
			a.logDecodeFailure("content", rec, err)
			headers = Headers{Parsed: false}
		}
		entry := ContentEntry{
			CreatedAt:     rec.CreatedAt(),
			Nanos:         rec.Nanos(),
			SrcEndpoint:   rec.SrcEndpoint(),
			DstEndpoint:   rec.DstEndpoint(),
			TransactionID: headers.TransactionID(),
			Headers:       headers,
			Payload:       rec.RawData(),
		}
		if _, seen := firstByPayload[key]; seen {
			entry.Retransmit = true
		} else {
			firstByPayload[key] = len(entries)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Flow merges signalling, media-report and DTMF events into one
// chronological participant timeline.
func (a *Assembler) Flow(ctx context.Context, req Request) ([]FlowEvent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	a.countView("flow")

	records, err := a.fetchRaw(ctx, req)
	if err != nil {
		return nil, err
	}

	dec := newDecoder()
	sip := make([]FlowEvent, 0, len(records))
	for _, rec := range records {
		sip = append(sip, a.sipEvent(dec, rec))
	}

	rtp, err := a.reportEvents(ctx, req, models.PrefixRtpIndex, "rtp")
	if err != nil {
		return nil, err
	}
	rtcp, err := a.reportEvents(ctx, req, models.PrefixRtcpIndex, "rtcp")
	if err != nil {
		return nil, err
	}
	dtmf, err := a.dtmfEvents(ctx, req)
	if err != nil {
		return nil, err
	}

	merged, err := streams.Collect(streams.MergeOrdered(
		func(x, y FlowEvent) int {
			xs, ys := x.CreatedAt, y.CreatedAt
			if a.cfg.UseNanos && x.Nanos != 0 && y.Nanos != 0 {
				xs, ys = x.Nanos, y.Nanos
			}
			switch {
			case xs < ys:
				return -1
			case xs > ys:
				return 1
			default:
				return 0
			}
		},
		streams.FromSlice(sip),
		streams.FromSlice(rtp),
		streams.FromSlice(rtcp),
		streams.FromSlice(dtmf),
	))
	if err != nil {
		return nil, err
	}
	return merged, nil
}

func (a *Assembler) sipEvent(dec *decoder, rec models.Record) FlowEvent {
	ev := FlowEvent{
		CreatedAt:   rec.CreatedAt(),
		Nanos:       rec.Nanos(),
		Kind:        "sip",
		SrcEndpoint: rec.SrcEndpoint(),
		DstEndpoint: rec.DstEndpoint(),
		SrcHost:     rec.SrcHost(),
		DstHost:     rec.DstHost(),
	}
	headers, err := dec.decode(rec.RawData())
	if err != nil {
		a.logDecodeFailure("flow", rec, err)
		ev.Label = firstLine(rec.RawData())
		return ev
	}
	ev.Label = headers.Method
	return ev
}

func (a *Assembler) reportEvents(ctx context.Context, req Request, prefix, kind string) ([]FlowEvent, error) {
	records, err := streams.Collect(a.store.ReadRecords(ctx, store.Query{
		Prefix: prefix,
		Window: req.Window,
		Filter: a.filter(req),
		Sort:   bson.D{{Key: models.FieldCreatedAt, Value: 1}},
	}))
	if err != nil {
		return nil, err
	}
	events := make([]FlowEvent, 0, len(records))
	for _, rec := range records {
		events = append(events, FlowEvent{
			CreatedAt:   rec.CreatedAt(),
			Nanos:       rec.Nanos(),
			Kind:        kind,
			Label:       fmt.Sprintf("%s report mos=%.1f", kind, rec.GetFloat64("mos")),
			SrcEndpoint: rec.SrcEndpoint(),
			DstEndpoint: rec.DstEndpoint(),
			SrcHost:     rec.SrcHost(),
			DstHost:     rec.DstHost(),
		})
	}
	return events, nil
}

func (a *Assembler) dtmfEvents(ctx context.Context, req Request) ([]FlowEvent, error) {
	records, err := streams.Collect(a.store.ReadRecords(ctx, store.Query{
		Prefix: models.PrefixDtmfRaw,
		Window: req.Window,
		Filter: a.filter(req),
		Sort:   bson.D{{Key: models.FieldCreatedAt, Value: 1}},
	}))
	if err != nil {
		return nil, err
	}
	events := make([]FlowEvent, 0, len(records))
	for _, rec := range records {
		label := strings.TrimSpace(rec.RawData())
		if label == "" {
			label = "dtmf"
		}
		events = append(events, FlowEvent{
			CreatedAt:   rec.CreatedAt(),
			Nanos:       rec.Nanos(),
			Kind:        "dtmf",
			Label:       label,
			SrcEndpoint: rec.SrcEndpoint(),
			DstEndpoint: rec.DstEndpoint(),
			SrcHost:     rec.SrcHost(),
			DstHost:     rec.DstHost(),
		})
	}
	return events, nil
}

func (a *Assembler) logDecodeFailure(view string, rec models.Record, err error) {
	if metrics.Enabled() {
		metrics.DecodeFailures.WithLabelValues(view).Inc()
	}
	a.logger.WithError(err).WithFields(map[string]interface{}{
		"view":    view,
		"call_id": rec.CallID(),
		"src":     rec.SrcEndpoint(),
	}).Warn("Keeping undecodable payload as unparsed")
}

func firstLine(raw string) string {
	if i := strings.IndexAny(raw, "\r\n"); i >= 0 {
		return raw[:i]
	}
	return raw
}
