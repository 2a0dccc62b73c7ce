package session

import (
	"context"
	"io"
	"net"
	"time"

	"sipsearch-server/pkg/errors"
	"sipsearch-server/pkg/metrics"
	"sipsearch-server/pkg/models"
	"sipsearch-server/pkg/store"
	"sipsearch-server/pkg/streams"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.mongodb.org/mongo-driver/bson"
)

const pcapSnapLen = 65536

// Locally administered placeholder MACs. The capture is reassembled from
// stored payloads, so no real link-layer addresses exist.
var (
	pcapSrcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	pcapDstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// WritePcap serializes the session's payloads as a packet capture: the
// signalling records plus any recording containers, exploded into individual
// packets, in strict time order. It returns the number of packets written.
func (a *Assembler) WritePcap(ctx context.Context, req Request, w io.Writer) (int, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	a.countView("pcap")

	records, err := a.fetchRaw(ctx, req)
	if err != nil {
		return 0, err
	}
	recordings, err := a.fetchRecordingPackets(ctx, req)
	if err != nil {
		return 0, err
	}
	records = append(records, recordings...)
	a.sortByTime(records)

	writer := pcapgo.NewWriter(w)
	if err := writer.WriteFileHeader(pcapSnapLen, layers.LinkTypeEthernet); err != nil {
		return 0, errors.Wrap(err, "failed to write capture header")
	}

	written := 0
	for _, rec := range records {
		payload := rec.RawData()
		if payload == "" {
			continue
		}
		frame, err := a.buildFrame(rec, []byte(payload))
		if err != nil {
			a.logger.WithError(err).WithField("call_id", rec.CallID()).
				Warn("Skipping payload that cannot be framed")
			continue
		}
		info := gopacket.CaptureInfo{
			Timestamp:     a.captureTime(rec),
			CaptureLength: len(frame),
			Length:        len(frame),
		}
		if err := writer.WritePacket(info, frame); err != nil {
			return written, errors.Wrap(err, "failed to write capture record")
		}
		written++
	}

	if metrics.Enabled() {
		metrics.PcapPacketsWritten.Add(float64(written))
	}
	return written, nil
}

// fetchRecordingPackets reads recording containers and explodes each into
// its individual packets. Packets inherit the container's endpoints and
// call id unless they carry their own timestamps.
func (a *Assembler) fetchRecordingPackets(ctx context.Context, req Request) ([]models.Record, error) {
	containers, err := streams.Collect(a.store.ReadRecords(ctx, store.Query{
		Prefix: models.PrefixRecordingRaw,
		Window: req.Window,
		Filter: a.filter(req),
		Sort:   bson.D{{Key: models.FieldCreatedAt, Value: 1}},
	}))
	if err != nil {
		return nil, err
	}

	packets := make([]models.Record, 0)
	for _, container := range containers {
		items := container.GetSlice("packets")
		if len(items) == 0 {
			continue
		}
		for _, item := range items {
			fields, ok := asDocument(item)
			if !ok {
				continue
			}
			merged := bson.M{}
			for k, v := range container.Fields {
				if k != "packets" {
					merged[k] = v
				}
			}
			for k, v := range fields {
				merged[k] = v
			}
			packets = append(packets, models.NewRecord(merged))
		}
	}
	return packets, nil
}

func asDocument(item interface{}) (bson.M, bool) {
	switch v := item.(type) {
	case bson.M:
		return v, true
	case map[string]interface{}:
		return v, true
	default:
		return nil, false
	}
}

// buildFrame wraps one payload as an Ethernet/IPv4/UDP frame with recomputed
// lengths and checksums.
func (a *Assembler) buildFrame(rec models.Record, payload []byte) ([]byte, error) {
	srcIP := parseAddr(rec.SrcAddr())
	dstIP := parseAddr(rec.DstAddr())

	eth := layers.Ethernet{
		SrcMAC:       pcapSrcMAC,
		DstMAC:       pcapDstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	udp := layers.UDP{
		SrcPort: layers.UDPPort(rec.SrcPort()),
		DstPort: layers.UDPPort(rec.DstPort()),
	}
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &ip, &udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (a *Assembler) captureTime(rec models.Record) time.Time {
	if a.cfg.UseNanos && rec.Nanos() != 0 {
		return time.Unix(0, rec.Nanos())
	}
	return time.UnixMilli(rec.CreatedAt())
}

func parseAddr(addr string) net.IP {
	if ip := net.ParseIP(addr); ip != nil {
		return ip
	}
	return net.IPv4zero
}
