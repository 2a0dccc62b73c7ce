// Package correlation reassembles multi-leg SIP calls and registrations from
// scattered per-leg index records.
package correlation

import (
	"sort"

	"sipsearch-server/pkg/models"
)

// legSet is the bounded, ordered record set of one correlated session.
// Records are deduplicated by identity and growth stops at the leg cap.
type legSet struct {
	legs     []models.Record
	seen     map[string]struct{}
	callIDs  map[string]struct{}
	xCallIDs map[string]struct{}
	capacity int
	sorted   bool
}

func newLegSet(capacity int) *legSet {
	return &legSet{
		seen:     make(map[string]struct{}),
		callIDs:  make(map[string]struct{}),
		xCallIDs: make(map[string]struct{}),
		capacity: capacity,
	}
}

// add inserts a leg unless it is a duplicate or the set is full. It reports
// whether the leg was inserted.
func (s *legSet) add(rec models.Record) bool {
	if s.full() {
		return false
	}
	id := rec.Identity()
	if _, dup := s.seen[id]; dup {
		return false
	}
	s.seen[id] = struct{}{}
	s.legs = append(s.legs, rec)
	s.sorted = false
	if callID := rec.CallID(); callID != "" {
		s.callIDs[callID] = struct{}{}
	}
	if xCallID := rec.XCallID(); xCallID != "" {
		s.xCallIDs[xCallID] = struct{}{}
	}
	return true
}

func (s *legSet) full() bool {
	return len(s.legs) >= s.capacity
}

func (s *legSet) size() int {
	return len(s.legs)
}

func (s *legSet) callIDList() []string {
	out := make([]string, 0, len(s.callIDs))
	for id := range s.callIDs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *legSet) xCallIDList() []string {
	out := make([]string, 0, len(s.xCallIDs))
	for id := range s.xCallIDs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// span is the closed window covering every accumulated leg.
func (s *legSet) span() models.TimeWindow {
	var window models.TimeWindow
	for i, leg := range s.legs {
		created := leg.CreatedAt()
		end := leg.TerminatedAt()
		if end == 0 {
			end = created
		}
		if i == 0 || created < window.CreatedAt {
			window.CreatedAt = created
		}
		if end > window.TerminatedAt {
			window.TerminatedAt = end
		}
	}
	return window
}

// ordered returns the legs sorted by the composite session key: creation
// time, then call id as the tie-breaker. The slice is the set's own backing
// array.
func (s *legSet) ordered() []models.Record {
	if !s.sorted {
		sort.SliceStable(s.legs, func(i, j int) bool {
			a, b := s.legs[i], s.legs[j]
			if a.CreatedAt() != b.CreatedAt() {
				return a.CreatedAt() < b.CreatedAt()
			}
			return a.CallID() < b.CallID()
		})
		s.sorted = true
	}
	return s.legs
}
