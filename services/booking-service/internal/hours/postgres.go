package hours

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/clinicbook/libs/db"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/interval"
)

// PostgresProvider reads per-provider weekly hours and subtracts time off.
// Providers without a stored schedule fall back to the static template.
type PostgresProvider struct {
	pool     *db.Pool
	fallback Provider
}

func NewPostgresProvider(pool *db.Pool, fallback Provider) *PostgresProvider {
	return &PostgresProvider{pool: pool, fallback: fallback}
}

type weeklyHours struct {
	Timezone    string
	IsWorking   bool
	StartMinute int
	EndMinute   int
}

func (p *PostgresProvider) WorkingHours(ctx context.Context, providerID string, date time.Time) ([]interval.Interval, error) {
	tz, err := p.timezone(ctx, providerID)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	local := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc)

	wh, err := p.weekday(ctx, providerID, int(local.Weekday()))
	if errors.Is(err, pgx.ErrNoRows) {
		if p.fallback == nil {
			return nil, nil
		}
		return p.fallback.WorkingHours(ctx, providerID, date)
	}
	if err != nil {
		return nil, err
	}
	if !wh.IsWorking {
		return nil, nil
	}
	day, ok := dayWindow(local, loc, wh.StartMinute, wh.EndMinute)
	if !ok {
		return nil, nil
	}

	blocks, err := p.timeOff(ctx, providerID, day)
	if err != nil {
		return nil, err
	}
	return interval.Subtract(day, interval.Merge(blocks)), nil
}

func (p *PostgresProvider) timezone(ctx context.Context, providerID string) (string, error) {
	var tz string
	err := p.pool.QueryRow(ctx, `
		SELECT timezone FROM providers WHERE id = $1
	`, providerID).Scan(&tz)
	if errors.Is(err, pgx.ErrNoRows) || tz == "" {
		return "UTC", nil
	}
	if err != nil {
		return "", fmt.Errorf("load provider timezone: %w", err)
	}
	return tz, nil
}

func (p *PostgresProvider) weekday(ctx context.Context, providerID string, weekday int) (weeklyHours, error) {
	var wh weeklyHours
	err := p.pool.QueryRow(ctx, `
		SELECT is_working, start_minute, end_minute
		FROM provider_working_hours
		WHERE provider_id = $1 AND weekday = $2
	`, providerID, weekday).Scan(&wh.IsWorking, &wh.StartMinute, &wh.EndMinute)
	if err != nil {
		return weeklyHours{}, err
	}
	return wh, nil
}

func (p *PostgresProvider) timeOff(ctx context.Context, providerID string, day interval.Interval) ([]interval.Interval, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT start_time, end_time
		FROM provider_time_off
		WHERE provider_id = $1
			AND end_time > $2
			AND start_time < $3
		ORDER BY start_time ASC
	`, providerID, day.Start, day.End)
	if err != nil {
		return nil, fmt.Errorf("list time off: %w", err)
	}
	defer rows.Close()

	var out []interval.Interval
	for rows.Next() {
		var start, end time.Time
		if err := rows.Scan(&start, &end); err != nil {
			return nil, err
		}
		out = append(out, interval.New(start, end))
	}
	return out, rows.Err()
}
