package segment

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return time.Date(base.Year(), base.Month(), base.Day(), h, m, 0, 0, time.UTC)
}

func int64p(v int64) *int64 { return &v }

func TestBuild_ReferenceShift(t *testing.T) {
	window := Window{Start: at(8, 0), End: at(16, 0)}
	changeovers := []Changeover{{ToProduct: "p2", ChangedAt: at(12, 0)}}
	downtime := []Interval{{Start: at(9, 0), End: at(9, 30)}}

	segments := Build(window, "p1", changeovers, downtime)

	require.Len(t, segments, 2)
	assert.Equal(t, "p1", segments[0].Product)
	assert.Equal(t, 30*time.Minute, segments[0].Downtime)
	assert.Equal(t, 3*time.Hour+30*time.Minute, segments[0].NetRuntime)
	assert.Equal(t, "p2", segments[1].Product)
	assert.Equal(t, time.Duration(0), segments[1].Downtime)
	assert.Equal(t, 4*time.Hour, segments[1].NetRuntime)
}

func TestBuild_NoChangeovers(t *testing.T) {
	window := Window{Start: at(8, 0), End: at(16, 0)}

	segments := Build(window, "p1", nil, nil)

	require.Len(t, segments, 1)
	assert.Equal(t, window.Start, segments[0].Start)
	assert.Equal(t, window.End, segments[0].End)
	assert.Equal(t, 8*time.Hour, segments[0].NetRuntime)
}

func TestBuild_DowntimeStraddlingBoundaryIsSplit(t *testing.T) {
	window := Window{Start: at(8, 0), End: at(16, 0)}
	changeovers := []Changeover{{ToProduct: "p2", ChangedAt: at(12, 0)}}
	downtime := []Interval{{Start: at(11, 30), End: at(12, 45)}}

	segments := Build(window, "p1", changeovers, downtime)

	assert.Equal(t, 30*time.Minute, segments[0].Downtime)
	assert.Equal(t, 45*time.Minute, segments[1].Downtime)
	assert.Equal(t, 8*time.Hour-75*time.Minute, TotalNetRuntime(segments))
}

func TestBuild_DowntimeOutsideWindowIgnored(t *testing.T) {
	window := Window{Start: at(8, 0), End: at(16, 0)}
	downtime := []Interval{
		{Start: at(6, 0), End: at(8, 15)},   // 15 min inside
		{Start: at(15, 50), End: at(17, 0)}, // 10 min inside
		{Start: at(17, 0), End: at(18, 0)},  // outside
	}

	segments := Build(window, "p1", nil, downtime)

	assert.Equal(t, 25*time.Minute, segments[0].Downtime)
}

func TestBuild_OverlappingDowntimeCountedOnce(t *testing.T) {
	window := Window{Start: at(8, 0), End: at(16, 0)}
	downtime := []Interval{
		{Start: at(9, 0), End: at(10, 0)},
		{Start: at(9, 30), End: at(10, 30)},
		{Start: at(9, 45), End: at(9, 50)},
	}

	segments := Build(window, "p1", nil, downtime)

	assert.Equal(t, 90*time.Minute, segments[0].Downtime)
}

func TestBuild_DowntimeLongerThanSegment(t *testing.T) {
	window := Window{Start: at(8, 0), End: at(10, 0)}
	downtime := []Interval{{Start: at(7, 0), End: at(11, 0)}}

	segments := Build(window, "p1", nil, downtime)

	assert.Equal(t, time.Duration(0), segments[0].NetRuntime)
	assert.Equal(t, 2*time.Hour, segments[0].Downtime)
}

func TestBuild_UnsortedAndOutOfBoundsChangeovers(t *testing.T) {
	window := Window{Start: at(8, 0), End: at(16, 0)}
	changeovers := []Changeover{
		{ToProduct: "p4", ChangedAt: at(17, 0)}, // after end, clamps to 16:00
		{ToProduct: "p3", ChangedAt: at(14, 0)},
		{ToProduct: "p2", ChangedAt: at(7, 0)}, // before start, clamps to 08:00
	}

	segments := Build(window, "p1", changeovers, nil)

	require.Len(t, segments, 4)
	assert.True(t, segments[0].Empty(), "p1 never ran")
	assert.Equal(t, "p1", segments[0].Product)
	assert.Equal(t, "p2", segments[1].Product)
	assert.Equal(t, 6*time.Hour, segments[1].NetRuntime)
	assert.Equal(t, "p3", segments[2].Product)
	assert.Equal(t, 2*time.Hour, segments[2].NetRuntime)
	assert.True(t, segments[3].Empty())
	assert.Equal(t, time.Duration(0), segments[3].NetRuntime)
}

func TestBuild_DoesNotMutateInput(t *testing.T) {
	changeovers := []Changeover{
		{ToProduct: "b", ChangedAt: at(14, 0)},
		{ToProduct: "a", ChangedAt: at(10, 0)},
	}

	Build(Window{Start: at(8, 0), End: at(16, 0)}, "p", changeovers, nil)

	assert.Equal(t, "b", changeovers[0].ToProduct)
}

func TestBuild_AttributedCounts(t *testing.T) {
	loss := 2.5
	changeovers := []Changeover{
		{ToProduct: "p2", ChangedAt: at(12, 0), GoodCount: int64p(300), RejectCount: int64p(5), MaterialLoss: &loss},
	}

	segments := Build(Window{Start: at(8, 0), End: at(16, 0)}, "p1", changeovers, nil)

	assert.True(t, segments[0].HasCounts)
	assert.Equal(t, int64(300), segments[0].GoodCount)
	assert.Equal(t, int64(5), segments[0].RejectCount)
	assert.Equal(t, 2.5, segments[0].MaterialLoss)
	assert.False(t, segments[1].HasCounts)

	good, reject, material := DistributeRemainder(segments, 700, 20, 4)

	assert.Equal(t, int64(400), segments[1].GoodCount)
	assert.Equal(t, int64(15), segments[1].RejectCount)
	assert.Equal(t, 1.5, segments[1].MaterialLoss)
	assert.Equal(t, int64(700), good)
	assert.Equal(t, int64(20), reject)
	assert.Equal(t, 4.0, material)
}

func TestDistributeRemainder_AttributedExceedsTotals(t *testing.T) {
	changeovers := []Changeover{{ToProduct: "p2", ChangedAt: at(12, 0), GoodCount: int64p(900)}}
	segments := Build(Window{Start: at(8, 0), End: at(16, 0)}, "p1", changeovers, nil)

	good, reject, _ := DistributeRemainder(segments, 700, 0, 0)

	assert.Equal(t, int64(0), segments[1].GoodCount)
	assert.Equal(t, int64(900), good)
	assert.Equal(t, int64(0), reject)
}

func TestBuild_InvertedWindow(t *testing.T) {
	segments := Build(Window{Start: at(16, 0), End: at(8, 0)}, "p1", nil, nil)

	require.Len(t, segments, 1)
	assert.True(t, segments[0].Empty())
	assert.Equal(t, time.Duration(0), segments[0].NetRuntime)
}

// N changeovers give N+1 contiguous segments covering the window exactly,
// and net runtime equals elapsed minus in-window downtime.
func TestBuild_CoverageProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	window := Window{Start: at(6, 0), End: at(18, 0)}
	span := int64(window.Duration())

	for i := 0; i < 300; i++ {
		n := rng.Intn(6)
		changeovers := make([]Changeover, n)
		for j := range changeovers {
			changeovers[j] = Changeover{
				ToProduct: string(rune('a' + j)),
				ChangedAt: window.Start.Add(time.Duration(rng.Int63n(span+int64(2*time.Hour)) - int64(time.Hour))),
			}
		}
		downtime := make([]Interval, rng.Intn(5))
		for j := range downtime {
			start := window.Start.Add(time.Duration(rng.Int63n(span+int64(2*time.Hour)) - int64(time.Hour)))
			downtime[j] = Interval{Start: start, End: start.Add(time.Duration(rng.Int63n(int64(3 * time.Hour))))}
		}

		segments := Build(window, "base", changeovers, downtime)

		require.Len(t, segments, n+1)
		require.Equal(t, window.Start, segments[0].Start)
		require.Equal(t, window.End, segments[n].End)
		var covered time.Duration
		for k, s := range segments {
			if k > 0 {
				require.Equal(t, segments[k-1].End, s.Start, "segments must be contiguous")
			}
			require.False(t, s.End.Before(s.Start))
			covered += s.Duration()
		}
		require.Equal(t, window.Duration(), covered)

		var inWindow time.Duration
		for _, iv := range MergeIntervals(downtime) {
			inWindow += Overlap(window.Start, window.End, iv)
		}
		require.LessOrEqual(t, TotalNetRuntime(segments), window.Duration())
		require.Equal(t, window.Duration()-inWindow, TotalNetRuntime(segments))
		require.Equal(t, inWindow, TotalDowntime(segments))
	}
}

func TestMergeIntervals(t *testing.T) {
	merged := MergeIntervals([]Interval{
		{Start: at(12, 0), End: at(13, 0)},
		{Start: at(9, 0), End: at(10, 0)},
		{Start: at(10, 0), End: at(10, 30)}, // touching merges
		{Start: at(14, 0), End: at(14, 0)},  // empty dropped
		{Start: at(15, 0), End: at(14, 0)},  // inverted dropped
	})

	require.Len(t, merged, 2)
	assert.Equal(t, Interval{Start: at(9, 0), End: at(10, 30)}, merged[0])
	assert.Equal(t, Interval{Start: at(12, 0), End: at(13, 0)}, merged[1])
}

func TestWindow(t *testing.T) {
	w := Window{Start: at(8, 0), End: at(16, 0)}

	assert.Equal(t, 8*time.Hour, w.Duration())
	assert.Equal(t, at(8, 0), w.Clamp(at(7, 0)))
	assert.Equal(t, at(16, 0), w.Clamp(at(17, 0)))
	assert.Equal(t, at(12, 0), w.Clamp(at(12, 0)))
	assert.Equal(t, time.Duration(0), Window{Start: at(16, 0), End: at(8, 0)}.Duration())
}
