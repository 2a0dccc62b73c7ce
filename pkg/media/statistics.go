package media

import "math"

// MergeStatistics combines two statistic blocks. Rate metrics (MOS,
// R-factor, average jitter) take the duration-weighted average; jitter.min
// keeps the smallest non-zero value seen, jitter.max the running maximum;
// packet counters sum with lost recomputed as expected-received.
func MergeStatistics(a, b MediaStatistic) MediaStatistic {
	total := a.Duration + b.Duration
	if total <= 0 {
		return a
	}
	wa := float64(a.Duration) / float64(total)
	wb := float64(b.Duration) / float64(total)

	merged := MediaStatistic{
		Duration: total,
		MOS:      a.MOS*wa + b.MOS*wb,
		RFactor:  a.RFactor*wa + b.RFactor*wb,
	}

	merged.Packets.Expected = a.Packets.Expected + b.Packets.Expected
	merged.Packets.Received = a.Packets.Received + b.Packets.Received
	merged.Packets.Rejected = a.Packets.Rejected + b.Packets.Rejected
	merged.Packets.Lost = merged.Packets.Expected - merged.Packets.Received

	merged.Jitter.Avg = a.Jitter.Avg*wa + b.Jitter.Avg*wb
	merged.Jitter.Max = math.Max(a.Jitter.Max, b.Jitter.Max)
	merged.Jitter.Min = nonZeroMin(a.Jitter.Min, b.Jitter.Min)

	return merged
}

func nonZeroMin(a, b float64) float64 {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	default:
		return math.Min(a, b)
	}
}

// SplitStatistic cuts a block into a first fragment of the given duration
// and the remainder. Packet counts scale by the fragment's fraction of the
// original duration (rounded); the remainder keeps the exact complement so
// sums are preserved. MOS, R-factor and jitter are copied unchanged into
// both fragments.
func SplitStatistic(stat MediaStatistic, firstDuration int64) (MediaStatistic, MediaStatistic) {
	if firstDuration <= 0 || firstDuration >= stat.Duration {
		return stat, MediaStatistic{}
	}

	fraction := float64(firstDuration) / float64(stat.Duration)
	first := stat
	first.Duration = firstDuration
	first.Packets.Expected = scale(stat.Packets.Expected, fraction)
	first.Packets.Received = scale(stat.Packets.Received, fraction)
	first.Packets.Rejected = scale(stat.Packets.Rejected, fraction)
	first.Packets.Lost = first.Packets.Expected - first.Packets.Received

	rest := stat
	rest.Duration = stat.Duration - firstDuration
	rest.Packets.Expected = stat.Packets.Expected - first.Packets.Expected
	rest.Packets.Received = stat.Packets.Received - first.Packets.Received
	rest.Packets.Rejected = stat.Packets.Rejected - first.Packets.Rejected
	rest.Packets.Lost = rest.Packets.Expected - rest.Packets.Received

	return first, rest
}

func scale(count int64, fraction float64) int64 {
	return int64(math.Round(float64(count) * fraction))
}

// ChunkStatistic slices a block into fixed-size fragments, recursing on the
// remainder while it still exceeds the block size. Duration and packet sums
// are preserved exactly.
func ChunkStatistic(stat MediaStatistic, blockDuration int64) []MediaStatistic {
	if blockDuration <= 0 || stat.Duration <= blockDuration {
		return []MediaStatistic{stat}
	}

	var blocks []MediaStatistic
	for stat.Duration > blockDuration {
		first, rest := SplitStatistic(stat, blockDuration)
		blocks = append(blocks, first)
		stat = rest
	}
	if stat.Duration > 0 {
		blocks = append(blocks, stat)
	}
	return blocks
}
