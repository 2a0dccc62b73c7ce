// Package media reconstructs per-leg RTP quality statistics from stored
// interval reports.
package media

import (
	"fmt"
	"sort"
)

// PacketStats is the packet-count block of one statistic interval.
type PacketStats struct {
	Expected int64 `json:"expected"`
	Received int64 `json:"received"`
	Rejected int64 `json:"rejected"`
	Lost     int64 `json:"lost"`
}

// JitterStats is the jitter block of one statistic interval, in milliseconds.
type JitterStats struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
}

// MediaStatistic is one time-sliced statistics block.
type MediaStatistic struct {
	Duration int64       `json:"duration"`
	MOS      float64     `json:"mos"`
	RFactor  float64     `json:"r_factor"`
	Packets  PacketStats `json:"packets"`
	Jitter   JitterStats `json:"jitter"`
}

// MediaSession aggregates one direction of a leg: overall statistics plus
// the ordered time-sliced blocks they were built from.
type MediaSession struct {
	PartyID      string   `json:"party_id"`
	CreatedAt    int64    `json:"created_at"`
	TerminatedAt int64    `json:"terminated_at"`
	SrcAddr      string   `json:"src_addr"`
	SrcPort      int      `json:"src_port"`
	DstAddr      string   `json:"dst_addr"`
	DstPort      int      `json:"dst_port"`
	Codecs       []string `json:"codecs"`

	Statistic MediaStatistic   `json:"statistic"`
	Blocks    []MediaStatistic `json:"blocks"`
}

// LegSession is the reconstructed physical media leg with its two
// communicating directions.
type LegSession struct {
	LegID        string `json:"leg_id"`
	CallID       string `json:"call_id"`
	CreatedAt    int64  `json:"created_at"`
	TerminatedAt int64  `json:"terminated_at"`
	Duration     int64  `json:"duration"`

	SrcAddr string `json:"src_addr"`
	SrcPort int    `json:"src_port"`
	SrcHost string `json:"src_host,omitempty"`
	DstAddr string `json:"dst_addr"`
	DstPort int    `json:"dst_port"`
	DstHost string `json:"dst_host,omitempty"`

	Codecs []string `json:"codecs"`

	In  []MediaSession `json:"in"`
	Out []MediaSession `json:"out"`

	Invalid bool `json:"invalid,omitempty"`
}

// evenPort normalizes a port to its even value: RTP/RTCP of the same stream
// differ only in the low bit.
func evenPort(port int) int {
	return port &^ 1
}

// LegID computes the direction-independent leg key: ports are normalized to
// their even value and the two endpoints canonically ordered, so swapping
// src and dst yields the same id.
func LegID(callID, srcAddr string, srcPort int, dstAddr string, dstPort int) string {
	a := fmt.Sprintf("%s:%d", srcAddr, evenPort(srcPort))
	b := fmt.Sprintf("%s:%d", dstAddr, evenPort(dstPort))
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%s:%s:%s", callID, a, b)
}

// PartyID is the direction-specific ordered port pair distinguishing the two
// sides of a leg.
func PartyID(srcPort, dstPort int) string {
	return fmt.Sprintf("%d:%d", evenPort(srcPort), evenPort(dstPort))
}

func addCodec(codecs []string, codec string) []string {
	if codec == "" {
		return codecs
	}
	for _, c := range codecs {
		if c == codec {
			return codecs
		}
	}
	codecs = append(codecs, codec)
	sort.Strings(codecs)
	return codecs
}
