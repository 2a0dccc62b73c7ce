package session

import (
	"context"
	"testing"

	"sipsearch-server/pkg/config"
	"sipsearch-server/pkg/errors"
	"sipsearch-server/pkg/models"
	"sipsearch-server/pkg/store"
	"sipsearch-server/pkg/streams"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

const base = int64(1_596_300_000_000)

// fakeReader returns canned records per family. Session fetches restrict by
// call id upstream, so the filter is not re-evaluated here.
type fakeReader struct {
	records map[string][]models.Record
}

func (f *fakeReader) ReadRecords(_ context.Context, q store.Query) streams.Stream[models.Record] {
	return streams.FromSlice(f.records[q.Prefix])
}

func testWindow() models.TimeWindow {
	return models.TimeWindow{CreatedAt: base - 1000, TerminatedAt: base + 60_000}
}

func testRequest() Request {
	return Request{Window: testWindow(), CallIDs: []string{"leg-a"}}
}

func newAssembler(t *testing.T, reader *fakeReader, cfg config.SessionConfig) *Assembler {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewAssembler(reader, cfg, logger)
}

func inviteMessage(callID string) string {
	return "INVITE sip:bob@example.org SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK776\r\n" +
		"Max-Forwards: 70\r\n" +
		"From: \"Alice\" <sip:alice@example.org>;tag=1928301774\r\n" +
		"To: <sip:bob@example.org>\r\n" +
		"Call-ID: " + callID + "\r\n" +
		"CSeq: 314159 INVITE\r\n" +
		"Content-Length: 0\r\n\r\n"
}

func okResponse(callID string) string {
	return "SIP/2.0 200 OK\r\n" +
		"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK776\r\n" +
		"From: \"Alice\" <sip:alice@example.org>;tag=1928301774\r\n" +
		"To: <sip:bob@example.org>;tag=8321234356\r\n" +
		"Call-ID: " + callID + "\r\n" +
		"CSeq: 314159 INVITE\r\n" +
		"Content-Length: 0\r\n\r\n"
}

func rawRecord(createdAt int64, srcAddr string, srcPort int, dstAddr string, dstPort int, payload string) models.Record {
	return models.NewRecord(bson.M{
		models.FieldCallID:    "leg-a",
		models.FieldCreatedAt: createdAt,
		models.FieldSrcAddr:   srcAddr,
		models.FieldSrcPort:   srcPort,
		models.FieldDstAddr:   dstAddr,
		models.FieldDstPort:   dstPort,
		models.FieldRawData:   payload,
	})
}

func TestDetailsGroupsByEndpointPair(t *testing.T) {
	reader := &fakeReader{records: map[string][]models.Record{
		models.PrefixSipRaw: {
			rawRecord(base, "10.0.0.1", 5060, "10.0.0.2", 5060, inviteMessage("leg-a")),
			rawRecord(base+40, "10.0.0.2", 5060, "10.0.0.1", 5060, okResponse("leg-a")),
			rawRecord(base+90, "10.0.0.2", 5060, "10.0.0.3", 5060, inviteMessage("leg-a")),
		},
	}}
	asm := newAssembler(t, reader, config.SessionConfig{})

	entries, err := asm.Details(context.Background(), testRequest())
	require.NoError(t, err)
	require.Len(t, entries, 2, "both directions of a pair collapse into one group")

	assert.Equal(t, 2, entries[0].Messages)
	assert.Equal(t, base, entries[0].CreatedAt)
	assert.True(t, entries[0].Headers.Parsed)
	assert.Equal(t, "INVITE", entries[0].Headers.Method)
	assert.Equal(t, "leg-a", entries[0].Headers.CallID)
	assert.Contains(t, entries[0].Headers.From, "alice")

	assert.Equal(t, 1, entries[1].Messages)
	assert.Equal(t, base+90, entries[1].CreatedAt)
}

func TestDetailsSkipsExplicitlyUnparsedRepresentative(t *testing.T) {
	broken := rawRecord(base, "10.0.0.1", 5060, "10.0.0.2", 5060, "garbage")
	broken.Fields[models.FieldParsed] = false
	reader := &fakeReader{records: map[string][]models.Record{
		models.PrefixSipRaw: {
			broken,
			rawRecord(base+10, "10.0.0.2", 5060, "10.0.0.1", 5060, okResponse("leg-a")),
		},
	}}
	asm := newAssembler(t, reader, config.SessionConfig{})

	entries, err := asm.Details(context.Background(), testRequest())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Headers.Parsed, "representative skips records flagged unparsed")
	assert.Equal(t, 200, entries[0].Headers.StatusCode)
	assert.Equal(t, 2, entries[0].Messages)
}

func TestContentSuppressesRetransmits(t *testing.T) {
	invite := inviteMessage("leg-a")
	reader := &fakeReader{records: map[string][]models.Record{
		models.PrefixSipRaw: {
			rawRecord(base, "10.0.0.1", 5060, "10.0.0.2", 5060, invite),
			rawRecord(base+500, "10.0.0.1", 5060, "10.0.0.2", 5060, invite),
			rawRecord(base+1000, "10.0.0.2", 5060, "10.0.0.1", 5060, okResponse("leg-a")),
		},
	}}
	asm := newAssembler(t, reader, config.SessionConfig{HideRetransmits: true})

	entries, err := asm.Content(context.Background(), testRequest())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Retransmits)
	assert.Equal(t, base, entries[0].CreatedAt, "first carrier of the payload survives")
	assert.Equal(t, 0, entries[1].Retransmits)
}

func TestContentKeepsRetransmitsWhenVisible(t *testing.T) {
	invite := inviteMessage("leg-a")
	reader := &fakeReader{records: map[string][]models.Record{
		models.PrefixSipRaw: {
			rawRecord(base, "10.0.0.1", 5060, "10.0.0.2", 5060, invite),
			rawRecord(base+500, "10.0.0.1", 5060, "10.0.0.2", 5060, invite),
		},
	}}
	asm := newAssembler(t, reader, config.SessionConfig{HideRetransmits: false})

	entries, err := asm.Content(context.Background(), testRequest())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.False(t, entries[0].Retransmit)
	assert.True(t, entries[1].Retransmit)
}

func TestContentDerivesTransactionID(t *testing.T) {
	reader := &fakeReader{records: map[string][]models.Record{
		models.PrefixSipRaw: {
			rawRecord(base, "10.0.0.1", 5060, "10.0.0.2", 5060, inviteMessage("leg-a")),
		},
	}}
	asm := newAssembler(t, reader, config.SessionConfig{})

	entries, err := asm.Content(context.Background(), testRequest())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].TransactionID, "z9hG4bK776|")
	assert.Contains(t, entries[0].TransactionID, "INVITE")
}

func TestContentKeepsUndecodablePayload(t *testing.T) {
	reader := &fakeReader{records: map[string][]models.Record{
		models.PrefixSipRaw: {
			rawRecord(base, "10.0.0.1", 5060, "10.0.0.2", 5060, "not a sip message"),
			rawRecord(base+10, "10.0.0.2", 5060, "10.0.0.1", 5060, okResponse("leg-a")),
		},
	}}
	asm := newAssembler(t, reader, config.SessionConfig{})

	entries, err := asm.Content(context.Background(), testRequest())
	require.NoError(t, err, "decode failure never aborts the view")
	require.Len(t, entries, 2)
	assert.False(t, entries[0].Headers.Parsed)
	assert.Equal(t, "not a sip message", entries[0].Payload)
	assert.Empty(t, entries[0].TransactionID)
	assert.True(t, entries[1].Headers.Parsed)
}

func TestContentMergesUnparsedFallbackFamily(t *testing.T) {
	reader := &fakeReader{records: map[string][]models.Record{
		models.PrefixSipRaw: {
			rawRecord(base+20, "10.0.0.1", 5060, "10.0.0.2", 5060, inviteMessage("leg-a")),
		},
		models.PrefixUnparsedRaw: {
			rawRecord(base, "10.0.0.9", 5060, "10.0.0.2", 5060, "\x00\x01binary"),
		},
	}}
	asm := newAssembler(t, reader, config.SessionConfig{})

	entries, err := asm.Content(context.Background(), testRequest())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, base, entries[0].CreatedAt, "fallback records interleave chronologically")
	assert.False(t, entries[0].Headers.Parsed)
}

func TestNanosBreaksTimestampTies(t *testing.T) {
	first := rawRecord(base, "10.0.0.1", 5060, "10.0.0.2", 5060, inviteMessage("leg-a"))
	first.Fields[models.FieldNanos] = base*1_000_000 + 200
	second := rawRecord(base, "10.0.0.2", 5060, "10.0.0.1", 5060, okResponse("leg-a"))
	second.Fields[models.FieldNanos] = base*1_000_000 + 100
	reader := &fakeReader{records: map[string][]models.Record{
		models.PrefixSipRaw: {first, second},
	}}

	asm := newAssembler(t, reader, config.SessionConfig{UseNanos: true})
	entries, err := asm.Content(context.Background(), testRequest())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 200, entries[0].Headers.StatusCode, "nanosecond order wins within the millisecond")

	asm = newAssembler(t, reader, config.SessionConfig{UseNanos: false})
	entries, err = asm.Content(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "INVITE", entries[0].Headers.Method, "without nanos the stored order stands")
}

func TestFlowMergesEventKinds(t *testing.T) {
	reader := &fakeReader{records: map[string][]models.Record{
		models.PrefixSipRaw: {
			rawRecord(base, "10.0.0.1", 5060, "10.0.0.2", 5060, inviteMessage("leg-a")),
			rawRecord(base+300, "10.0.0.2", 5060, "10.0.0.1", 5060, okResponse("leg-a")),
		},
		models.PrefixRtpIndex: {
			models.NewRecord(bson.M{
				models.FieldCallID:    "leg-a",
				models.FieldCreatedAt: base + 100,
				models.FieldSrcAddr:   "10.0.0.1",
				models.FieldSrcPort:   10000,
				models.FieldDstAddr:   "10.0.0.2",
				models.FieldDstPort:   20000,
				"mos":                 4.2,
			}),
		},
		models.PrefixDtmfRaw: {
			rawRecord(base+200, "10.0.0.1", 5060, "10.0.0.2", 5060, "5"),
		},
	}}
	asm := newAssembler(t, reader, config.SessionConfig{})

	events, err := asm.Flow(context.Background(), testRequest())
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, []string{"sip", "rtp", "dtmf", "sip"}, []string{
		events[0].Kind, events[1].Kind, events[2].Kind, events[3].Kind,
	})
	assert.Equal(t, "INVITE", events[0].Label)
	assert.Contains(t, events[1].Label, "mos=4.2")
	assert.Equal(t, "5", events[2].Label)
	assert.Equal(t, "200 OK", events[3].Label)
}

func TestStashIsNotSupported(t *testing.T) {
	asm := newAssembler(t, &fakeReader{}, config.SessionConfig{})
	err := asm.Stash(context.Background(), testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotSupported)
}

func TestRequestValidation(t *testing.T) {
	asm := newAssembler(t, &fakeReader{}, config.SessionConfig{})

	_, err := asm.Details(context.Background(), Request{Window: testWindow()})
	assert.ErrorIs(t, err, errors.ErrInvalidQuery, "missing call ids")

	_, err = asm.Details(context.Background(), Request{
		Window:  models.TimeWindow{CreatedAt: base, TerminatedAt: base - 1},
		CallIDs: []string{"leg-a"},
	})
	assert.ErrorIs(t, err, errors.ErrInvalidQuery, "inverted window")
}
