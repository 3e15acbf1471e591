// Package interval implements half-open time interval algebra.
//
// An Interval [Start, End) contains Start and excludes End, so two intervals
// that merely touch do not overlap.
package interval

import (
	"sort"
	"time"
)

type Interval struct {
	Start time.Time
	End   time.Time
}

func New(start, end time.Time) Interval {
	return Interval{Start: start.UTC(), End: end.UTC()}
}

// Empty reports whether iv has zero or negative length.
func (iv Interval) Empty() bool {
	return !iv.End.After(iv.Start)
}

func (iv Interval) Duration() time.Duration {
	if iv.Empty() {
		return 0
	}
	return iv.End.Sub(iv.Start)
}

func (iv Interval) UTC() Interval {
	return Interval{Start: iv.Start.UTC(), End: iv.End.UTC()}
}

// Overlaps reports whether [a.Start,a.End) and [b.Start,b.End) share an instant.
// Empty intervals never overlap anything.
func Overlaps(a, b Interval) bool {
	if a.Empty() || b.Empty() {
		return false
	}
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// OverlapsAny reports whether iv overlaps at least one of set.
func OverlapsAny(iv Interval, set []Interval) bool {
	for _, b := range set {
		if Overlaps(iv, b) {
			return true
		}
	}
	return false
}

// Contains reports whether inner lies entirely within outer.
func Contains(outer, inner Interval) bool {
	if outer.Empty() || inner.Empty() {
		return false
	}
	return !inner.Start.Before(outer.Start) && !inner.End.After(outer.End)
}

// Intersect returns the common part of a and b and whether it is non-empty.
func Intersect(a, b Interval) (Interval, bool) {
	out := Interval{Start: maxTime(a.Start, b.Start), End: minTime(a.End, b.End)}
	if out.Empty() {
		return Interval{}, false
	}
	return out, true
}

// Clip trims iv to window.
func Clip(window, iv Interval) (Interval, bool) {
	return Intersect(window, iv)
}

// Sort returns a copy of in ordered by Start, then End.
func Sort(in []Interval) []Interval {
	out := make([]Interval, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].End.Before(out[j].End)
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

// Normalize converts to UTC, drops empty intervals and sorts.
func Normalize(in []Interval) []Interval {
	out := make([]Interval, 0, len(in))
	for _, iv := range in {
		iv = iv.UTC()
		if iv.Empty() {
			continue
		}
		out = append(out, iv)
	}
	return Sort(out)
}

// MergeSorted coalesces sorted intervals that overlap or touch. Input is not modified.
func MergeSorted(in []Interval) []Interval {
	if len(in) == 0 {
		return nil
	}
	out := make([]Interval, 0, len(in))
	cur := in[0]
	for _, next := range in[1:] {
		if !next.Start.After(cur.End) {
			if next.End.After(cur.End) {
				cur.End = next.End
			}
			continue
		}
		out = append(out, cur)
		cur = next
	}
	return append(out, cur)
}

// Merge normalizes and merges an arbitrary set.
func Merge(in []Interval) []Interval {
	return MergeSorted(Normalize(in))
}

// Subtract returns the parts of window not covered by busy, which must be
// sorted and merged. Gaps are returned in ascending order.
func Subtract(window Interval, busy []Interval) []Interval {
	if window.Empty() {
		return nil
	}
	var free []Interval
	cursor := window.Start
	for _, b := range busy {
		if !b.End.After(cursor) {
			continue
		}
		if !b.Start.Before(window.End) {
			break
		}
		if b.Start.After(cursor) {
			free = append(free, Interval{Start: cursor, End: b.Start})
		}
		if b.End.After(cursor) {
			cursor = b.End
		}
		if !cursor.Before(window.End) {
			return free
		}
	}
	if cursor.Before(window.End) {
		free = append(free, Interval{Start: cursor, End: window.End})
	}
	return free
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
