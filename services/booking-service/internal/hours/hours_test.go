package hours

import (
	"context"
	"testing"
	"time"
)

func TestStaticProviderWeekdays(t *testing.T) {
	p := NewStaticProvider(DefaultStaticConfig())
	monday := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	wins, err := p.WorkingHours(context.Background(), "dr-1", monday)
	if err != nil {
		t.Fatalf("WorkingHours: %v", err)
	}
	if len(wins) != 1 || !wins[0].Start.Equal(monday.Add(9*time.Hour)) || !wins[0].End.Equal(monday.Add(17*time.Hour)) {
		t.Fatalf("unexpected windows %v", wins)
	}

	saturday := monday.AddDate(0, 0, 5)
	wins, err = p.WorkingHours(context.Background(), "dr-1", saturday)
	if err != nil || len(wins) != 0 {
		t.Fatalf("expected no windows on saturday, got %v (%v)", wins, err)
	}
}

func TestWindowsHonorsProviderTimezone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	cfg := DefaultStaticConfig()
	cfg.Location = ny
	p := NewStaticProvider(cfg)

	from := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	wins, err := Windows(context.Background(), p, "dr-1", from, to)
	if err != nil {
		t.Fatalf("Windows: %v", err)
	}
	// 09:00-17:00 EST is 14:00-22:00 UTC.
	if len(wins) != 1 || !wins[0].Start.Equal(from.Add(14*time.Hour)) || !wins[0].End.Equal(from.Add(22*time.Hour)) {
		t.Fatalf("unexpected windows %v", wins)
	}
}

func TestWindowsKeepLocalHoursAcrossDSTTransitions(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	cfg := DefaultStaticConfig()
	cfg.Location = ny
	cfg.Workdays = []time.Weekday{time.Sunday}
	p := NewStaticProvider(cfg)

	for _, day := range []time.Time{
		time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),  // spring forward
		time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC), // fall back
	} {
		wins, err := p.WorkingHours(context.Background(), "dr-1", day)
		if err != nil || len(wins) != 1 {
			t.Fatalf("%s: expected one window, got %v (%v)", day.Format(time.DateOnly), wins, err)
		}
		start, end := wins[0].Start.In(ny), wins[0].End.In(ny)
		if start.Hour() != 9 || start.Minute() != 0 || end.Hour() != 17 || end.Minute() != 0 {
			t.Fatalf("%s: window %s-%s, want 09:00-17:00 local", day.Format(time.DateOnly), start.Format(time.Kitchen), end.Format(time.Kitchen))
		}
		if got := wins[0].End.Sub(wins[0].Start); got != 8*time.Hour {
			t.Fatalf("%s: window lasts %s, want 8h", day.Format(time.DateOnly), got)
		}
	}
}

func TestWindowEndingAtMidnight(t *testing.T) {
	cfg := DefaultStaticConfig()
	cfg.StartMinute = 20 * 60
	cfg.EndMinute = 24 * 60
	p := NewStaticProvider(cfg)

	monday := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	wins, err := p.WorkingHours(context.Background(), "dr-1", monday)
	if err != nil || len(wins) != 1 {
		t.Fatalf("expected one window, got %v (%v)", wins, err)
	}
	if !wins[0].Start.Equal(monday.Add(20*time.Hour)) || !wins[0].End.Equal(monday.Add(24*time.Hour)) {
		t.Fatalf("unexpected window %v", wins[0])
	}
}

func TestWithin(t *testing.T) {
	p := NewStaticProvider(DefaultStaticConfig())
	monday := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	cases := []struct {
		name       string
		start, end time.Time
		want       bool
	}{
		{"inside", monday.Add(9 * time.Hour), monday.Add(10 * time.Hour), true},
		{"ends at close", monday.Add(16 * time.Hour), monday.Add(17 * time.Hour), true},
		{"crosses close", monday.Add(16*time.Hour + 30*time.Minute), monday.Add(17*time.Hour + 30*time.Minute), false},
		{"before open", monday.Add(8 * time.Hour), monday.Add(9 * time.Hour), false},
		{"weekend", monday.AddDate(0, 0, 5).Add(10 * time.Hour), monday.AddDate(0, 0, 5).Add(11 * time.Hour), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Within(ctx, p, "dr-1", tc.start, tc.end)
			if err != nil {
				t.Fatalf("Within: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestParseClockAndWeekdays(t *testing.T) {
	if m, err := ParseClock("09:30"); err != nil || m != 570 {
		t.Fatalf("ParseClock: %d %v", m, err)
	}
	if m, err := ParseClock("24:00"); err != nil || m != 1440 {
		t.Fatalf("ParseClock 24:00: %d %v", m, err)
	}
	for _, bad := range []string{"9", "25:00", "10:61", "aa:bb"} {
		if _, err := ParseClock(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}

	days, err := ParseWeekdays([]string{"Mon", "tuesday", "5"})
	if err != nil {
		t.Fatalf("ParseWeekdays: %v", err)
	}
	if len(days) != 3 || days[0] != time.Monday || days[1] != time.Tuesday || days[2] != time.Friday {
		t.Fatalf("unexpected days %v", days)
	}
	if _, err := ParseWeekdays([]string{"funday"}); err == nil {
		t.Fatal("expected error for unknown weekday")
	}
}

var _ Provider = (*StaticProvider)(nil)
var _ Provider = (*PostgresProvider)(nil)
