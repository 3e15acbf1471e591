package hours

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/interval"
)

// StaticProvider applies one weekly template to every provider.
type StaticProvider struct {
	loc         *time.Location
	workdays    map[time.Weekday]bool
	startMinute int
	endMinute   int
}

type StaticConfig struct {
	Location    *time.Location
	Workdays    []time.Weekday
	StartMinute int
	EndMinute   int
}

// DefaultStaticConfig is Monday to Friday, 09:00 to 17:00 UTC.
func DefaultStaticConfig() StaticConfig {
	return StaticConfig{
		Location:    time.UTC,
		Workdays:    []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		StartMinute: 9 * 60,
		EndMinute:   17 * 60,
	}
}

func NewStaticProvider(cfg StaticConfig) *StaticProvider {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	days := make(map[time.Weekday]bool, len(cfg.Workdays))
	for _, d := range cfg.Workdays {
		days[d] = true
	}
	return &StaticProvider{loc: cfg.Location, workdays: days, startMinute: cfg.StartMinute, endMinute: cfg.EndMinute}
}

func (p *StaticProvider) WorkingHours(_ context.Context, _ string, date time.Time) ([]interval.Interval, error) {
	local := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, p.loc)
	if !p.workdays[local.Weekday()] {
		return nil, nil
	}
	w, ok := dayWindow(local, p.loc, p.startMinute, p.endMinute)
	if !ok {
		return nil, nil
	}
	return []interval.Interval{w}, nil
}
