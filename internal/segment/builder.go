// Package segment splits a shift window into per-product segments bounded
// by changeovers and computes each segment's net runtime.
package segment

import (
	"sort"
	"time"
)

// Window is a half-open time span [Start, End)
type Window struct {
	Start time.Time
	End   time.Time
}

// Duration returns the window length, never negative
func (w Window) Duration() time.Duration {
	if w.End.Before(w.Start) {
		return 0
	}
	return w.End.Sub(w.Start)
}

// Clamp moves t into the window
func (w Window) Clamp(t time.Time) time.Time {
	if t.Before(w.Start) {
		return w.Start
	}
	if t.After(w.End) {
		return w.End
	}
	return t
}

// Interval is a downtime span
type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlap returns how much of iv falls inside [start, end)
func Overlap(start, end time.Time, iv Interval) time.Duration {
	lo := start
	if iv.Start.After(lo) {
		lo = iv.Start
	}
	hi := end
	if iv.End.Before(hi) {
		hi = iv.End
	}
	if !hi.After(lo) {
		return 0
	}
	return hi.Sub(lo)
}

// MergeIntervals sorts intervals and merges overlapping ones so that
// downtime logged twice for the same period is only counted once.
// Empty or inverted intervals are dropped.
func MergeIntervals(intervals []Interval) []Interval {
	valid := make([]Interval, 0, len(intervals))
	for _, iv := range intervals {
		if iv.End.After(iv.Start) {
			valid = append(valid, iv)
		}
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].Start.Before(valid[j].Start) })

	merged := make([]Interval, 0, len(valid))
	for _, iv := range valid {
		if n := len(merged); n > 0 && !iv.Start.After(merged[n-1].End) {
			if iv.End.After(merged[n-1].End) {
				merged[n-1].End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// Changeover marks the moment a new product starts. Counts, when present,
// belong to the segment the changeover closes.
type Changeover struct {
	ToProduct    string
	ChangedAt    time.Time
	GoodCount    *int64
	RejectCount  *int64
	MaterialLoss *float64
}

// Segment is a contiguous part of a shift during which one product ran
type Segment struct {
	Product    string
	Start      time.Time
	End        time.Time
	Downtime   time.Duration
	NetRuntime time.Duration

	// Counts attributed by the closing changeover. HasCounts is false
	// when the changeover carried none.
	GoodCount    int64
	RejectCount  int64
	MaterialLoss float64
	HasCounts    bool
}

// Duration returns the wall-clock length of the segment
func (s Segment) Duration() time.Duration {
	if s.End.Before(s.Start) {
		return 0
	}
	return s.End.Sub(s.Start)
}

// Empty reports whether the segment has no length
func (s Segment) Empty() bool {
	return !s.End.After(s.Start)
}

// Build splits window into len(changeovers)+1 contiguous segments. The
// first segment runs initialProduct. Changeovers are sorted by time and
// clamped into the window, so out-of-bounds changeovers produce empty
// segments at the edges instead of errors.
func Build(window Window, initialProduct string, changeovers []Changeover, downtime []Interval) []Segment {
	if window.End.Before(window.Start) {
		window.End = window.Start
	}

	sorted := make([]Changeover, len(changeovers))
	copy(sorted, changeovers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ChangedAt.Before(sorted[j].ChangedAt) })

	merged := MergeIntervals(downtime)

	segments := make([]Segment, 0, len(sorted)+1)
	product := initialProduct
	start := window.Start
	for _, co := range sorted {
		end := window.Clamp(co.ChangedAt)
		seg := newSegment(product, start, end, merged)
		if co.GoodCount != nil || co.RejectCount != nil || co.MaterialLoss != nil {
			seg.HasCounts = true
			seg.GoodCount = deref(co.GoodCount)
			seg.RejectCount = deref(co.RejectCount)
			if co.MaterialLoss != nil {
				seg.MaterialLoss = *co.MaterialLoss
			}
		}
		segments = append(segments, seg)
		product = co.ToProduct
		start = end
	}
	segments = append(segments, newSegment(product, start, window.End, merged))

	return segments
}

func newSegment(product string, start, end time.Time, downtime []Interval) Segment {
	seg := Segment{Product: product, Start: start, End: end}
	if seg.Empty() {
		return seg
	}
	for _, iv := range downtime {
		seg.Downtime += Overlap(start, end, iv)
	}
	seg.NetRuntime = seg.Duration() - seg.Downtime
	if seg.NetRuntime < 0 {
		seg.NetRuntime = 0
	}
	return seg
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

// TotalDowntime sums the downtime overlap across segments
func TotalDowntime(segments []Segment) time.Duration {
	var total time.Duration
	for _, s := range segments {
		total += s.Downtime
	}
	return total
}

// TotalNetRuntime sums net runtime across segments
func TotalNetRuntime(segments []Segment) time.Duration {
	var total time.Duration
	for _, s := range segments {
		total += s.NetRuntime
	}
	return total
}

// DistributeRemainder gives the final segment whatever part of the shift
// totals was not attributed to earlier segments. It returns the totals
// actually used, which are never below the attributed sum.
func DistributeRemainder(segments []Segment, good, reject int64, materialLoss float64) (int64, int64, float64) {
	if len(segments) == 0 {
		return good, reject, materialLoss
	}
	var attrGood, attrReject int64
	var attrLoss float64
	for _, s := range segments[:len(segments)-1] {
		attrGood += s.GoodCount
		attrReject += s.RejectCount
		attrLoss += s.MaterialLoss
	}

	last := &segments[len(segments)-1]
	last.GoodCount = max(good-attrGood, 0)
	last.RejectCount = max(reject-attrReject, 0)
	last.MaterialLoss = max(materialLoss-attrLoss, 0)
	last.HasCounts = true

	return attrGood + last.GoodCount, attrReject + last.RejectCount, attrLoss + last.MaterialLoss
}
