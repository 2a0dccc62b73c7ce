package session

import (
	"bytes"
	"context"
	"io"
	"testing"

	"sipsearch-server/pkg/config"
	"sipsearch-server/pkg/models"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func readCapture(t *testing.T, buf *bytes.Buffer) []gopacket.Packet {
	t.Helper()
	reader, err := pcapgo.NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	var packets []gopacket.Packet
	for {
		data, _, err := reader.ReadPacketData()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		packets = append(packets, gopacket.NewPacket(data, layers.LinkTypeEthernet, gopacket.Default))
	}
	return packets
}

func TestWritePcapSerializesSignalling(t *testing.T) {
	reader := &fakeReader{records: map[string][]models.Record{
		models.PrefixSipRaw: {
			rawRecord(base, "10.0.0.1", 5060, "10.0.0.2", 5062, inviteMessage("leg-a")),
			rawRecord(base+100, "10.0.0.2", 5062, "10.0.0.1", 5060, okResponse("leg-a")),
		},
	}}
	asm := newAssembler(t, reader, config.SessionConfig{})

	var buf bytes.Buffer
	written, err := asm.WritePcap(context.Background(), testRequest(), &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	packets := readCapture(t, &buf)
	require.Len(t, packets, 2)

	udp, ok := packets[0].Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.True(t, ok)
	assert.Equal(t, layers.UDPPort(5060), udp.SrcPort)
	assert.Equal(t, layers.UDPPort(5062), udp.DstPort)
	assert.Equal(t, inviteMessage("leg-a"), string(udp.Payload))

	ip, ok := packets[0].Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", ip.SrcIP.String())
	assert.Equal(t, "10.0.0.2", ip.DstIP.String())
	assert.Nil(t, packets[0].ErrorLayer(), "frame decodes cleanly end to end")
}

func TestWritePcapExplodesRecordingContainers(t *testing.T) {
	container := models.NewRecord(bson.M{
		models.FieldCallID:    "leg-a",
		models.FieldCreatedAt: base + 5,
		models.FieldSrcAddr:   "10.0.0.1",
		models.FieldSrcPort:   10000,
		models.FieldDstAddr:   "10.0.0.2",
		models.FieldDstPort:   20000,
		"packets": bson.A{
			bson.M{models.FieldCreatedAt: base + 2, models.FieldRawData: "rtp-1"},
			bson.M{models.FieldCreatedAt: base + 50, models.FieldRawData: "rtp-2"},
		},
	})
	reader := &fakeReader{records: map[string][]models.Record{
		models.PrefixSipRaw: {
			rawRecord(base, "10.0.0.1", 5060, "10.0.0.2", 5060, inviteMessage("leg-a")),
			rawRecord(base+30, "10.0.0.2", 5060, "10.0.0.1", 5060, okResponse("leg-a")),
		},
		models.PrefixRecordingRaw: {container},
	}}
	asm := newAssembler(t, reader, config.SessionConfig{})

	var buf bytes.Buffer
	written, err := asm.WritePcap(context.Background(), testRequest(), &buf)
	require.NoError(t, err)
	assert.Equal(t, 4, written)

	packets := readCapture(t, &buf)
	require.Len(t, packets, 4)

	var last int64
	for _, pkt := range packets {
		ts := pkt.Metadata().Timestamp.UnixMilli()
		assert.GreaterOrEqual(t, ts, last, "capture records are in strict time order")
		last = ts
	}

	udp, ok := packets[1].Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.True(t, ok)
	assert.Equal(t, layers.UDPPort(10000), udp.SrcPort, "exploded packets inherit the container endpoints")
	assert.Equal(t, "rtp-1", string(udp.Payload))
}

func TestWritePcapSkipsEmptyPayloads(t *testing.T) {
	reader := &fakeReader{records: map[string][]models.Record{
		models.PrefixSipRaw: {
			rawRecord(base, "10.0.0.1", 5060, "10.0.0.2", 5060, ""),
			rawRecord(base+10, "10.0.0.1", 5060, "10.0.0.2", 5060, inviteMessage("leg-a")),
		},
	}}
	asm := newAssembler(t, reader, config.SessionConfig{})

	var buf bytes.Buffer
	written, err := asm.WritePcap(context.Background(), testRequest(), &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, written)
}
