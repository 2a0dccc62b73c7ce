package models

import "time"

// TimeWindow bounds a search or a session in epoch milliseconds.
type TimeWindow struct {
	CreatedAt    int64 `json:"created_at"`
	TerminatedAt int64 `json:"terminated_at"`
}

// NewTimeWindow builds a window from epoch-millisecond bounds.
func NewTimeWindow(createdAt, terminatedAt int64) TimeWindow {
	return TimeWindow{CreatedAt: createdAt, TerminatedAt: terminatedAt}
}

// Widen returns the window extended by the given margin on both sides.
func (w TimeWindow) Widen(margin time.Duration) TimeWindow {
	ms := margin.Milliseconds()
	return TimeWindow{CreatedAt: w.CreatedAt - ms, TerminatedAt: w.TerminatedAt + ms}
}

// Contains reports whether the instant falls inside the closed window.
func (w TimeWindow) Contains(ts int64) bool {
	return ts >= w.CreatedAt && ts <= w.TerminatedAt
}

// Overlaps reports whether two closed windows intersect.
func (w TimeWindow) Overlaps(other TimeWindow) bool {
	return w.CreatedAt <= other.TerminatedAt && other.CreatedAt <= w.TerminatedAt
}

// From returns the window start as a time.Time.
func (w TimeWindow) From() time.Time {
	return time.UnixMilli(w.CreatedAt).UTC()
}

// To returns the window end as a time.Time.
func (w TimeWindow) To() time.Time {
	return time.UnixMilli(w.TerminatedAt).UTC()
}

// Valid reports whether the window is non-empty and ordered.
func (w TimeWindow) Valid() bool {
	return w.CreatedAt > 0 && w.TerminatedAt >= w.CreatedAt
}
