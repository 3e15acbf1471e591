// Package hours resolves when a provider is willing to see patients.
package hours

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/interval"
)

// Provider returns the working windows of providerID on the calendar day of
// date (year, month and day are read as given; the location is ignored).
// Windows are UTC, sorted and non-overlapping.
type Provider interface {
	WorkingHours(ctx context.Context, providerID string, date time.Time) ([]interval.Interval, error)
}

// Windows returns the working windows of providerID clipped to [from, to).
// Neighbouring days are consulted so provider time zones on either side of UTC
// are covered.
func Windows(ctx context.Context, p Provider, providerID string, from, to time.Time) ([]interval.Interval, error) {
	from, to = from.UTC(), to.UTC()
	if !to.After(from) {
		return nil, nil
	}
	bounds := interval.Interval{Start: from, End: to}

	var all []interval.Interval
	first := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	last := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		wins, err := p.WorkingHours(ctx, providerID, day)
		if err != nil {
			return nil, err
		}
		for _, w := range wins {
			if clipped, ok := interval.Clip(bounds, w); ok {
				all = append(all, clipped)
			}
		}
	}
	return interval.Merge(all), nil
}

// Within reports whether [start, end) lies entirely inside one working window.
func Within(ctx context.Context, p Provider, providerID string, start, end time.Time) (bool, error) {
	wins, err := Windows(ctx, p, providerID, start, end)
	if err != nil {
		return false, err
	}
	want := interval.New(start, end)
	for _, w := range wins {
		if interval.Contains(w, want) {
			return true, nil
		}
	}
	return false, nil
}

// ParseClock parses "HH:MM" into minutes after midnight. "24:00" is allowed.
func ParseClock(raw string) (int, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock %q", raw)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q", raw)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 || h < 0 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid clock %q", raw)
	}
	return h*60 + m, nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseWeekdays accepts short names ("mon") or numbers (0 = Sunday).
func ParseWeekdays(raw []string) ([]time.Weekday, error) {
	out := make([]time.Weekday, 0, len(raw))
	for _, r := range raw {
		key := strings.ToLower(strings.TrimSpace(r))
		if len(key) > 3 {
			key = key[:3]
		}
		if wd, ok := weekdayNames[key]; ok {
			out = append(out, wd)
			continue
		}
		n, err := strconv.Atoi(key)
		if err != nil || n < 0 || n > 6 {
			return nil, fmt.Errorf("invalid weekday %q", r)
		}
		out = append(out, time.Weekday(n))
	}
	return out, nil
}

func dayWindow(date time.Time, loc *time.Location, startMinute, endMinute int) (interval.Interval, bool) {
	// Built from wall-clock fields so DST transition days keep their local
	// hours. time.Date normalizes 24:00 to the next midnight.
	y, m, d := date.Date()
	start := time.Date(y, m, d, startMinute/60, startMinute%60, 0, 0, loc)
	end := time.Date(y, m, d, endMinute/60, endMinute%60, 0, 0, loc)
	if !end.After(start) {
		return interval.Interval{}, false
	}
	return interval.New(start, end), true
}
