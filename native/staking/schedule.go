package staking

import (
	"math/big"
	"sort"
)

// DefaultHistoryLimit bounds how many rate segments are retained.
const DefaultHistoryLimit = 64

// Schedule is the ordered log of rate segments. The cumulative reward index
// only depends on time, so trimming old segments never changes IndexAt for
// instants covered by the retained tail.
type Schedule []RateSegment

// Clone returns a deep copy of the schedule.
func (s Schedule) Clone() Schedule {
	if s == nil {
		return nil
	}
	out := make(Schedule, len(s))
	for i, seg := range s {
		out[i] = seg.Clone()
	}
	return out
}

// Current returns the open segment, or a zero segment for an empty schedule.
func (s Schedule) Current() RateSegment {
	if len(s) == 0 {
		return RateSegment{Rate: big.NewInt(0), IndexAtStart: big.NewInt(0)}
	}
	return s[len(s)-1].Clone()
}

// segmentAt returns the position of the segment covering t, or -1 when t
// predates the retained schedule.
func (s Schedule) segmentAt(t uint64) int {
	i := sort.Search(len(s), func(i int) bool { return s[i].Start > t })
	return i - 1
}

// IndexAt integrates the schedule up to t: Σ rate_i × duration_i, scaled by
// RateScale. Instants before the first retained segment resolve to that
// segment's starting index.
func (s Schedule) IndexAt(t uint64) *big.Int {
	if len(s) == 0 {
		return big.NewInt(0)
	}
	i := s.segmentAt(t)
	if i < 0 {
		return cloneAmount(s[0].IndexAtStart)
	}
	seg := s[i]
	elapsed := new(big.Int).SetUint64(t - seg.Start)
	index := new(big.Int).Mul(cloneAmount(seg.Rate), elapsed)
	return index.Add(index, cloneAmount(seg.IndexAtStart))
}

// WithRate returns a schedule whose rate switches to rate at t. A change at
// the instant the open segment started replaces that segment's rate. At most
// limit segments are kept.
func (s Schedule) WithRate(t uint64, rate *big.Int, limit int) Schedule {
	out := s.Clone()
	if n := len(out); n > 0 && out[n-1].Start >= t {
		out[n-1].Rate = cloneAmount(rate)
	} else {
		out = append(out, RateSegment{Start: t, Rate: cloneAmount(rate), IndexAtStart: s.IndexAt(t)})
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if len(out) > limit {
		out = append(Schedule(nil), out[len(out)-limit:]...)
	}
	return out
}
