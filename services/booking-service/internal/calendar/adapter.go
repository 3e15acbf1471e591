// Package calendar is the boundary to the externally hosted provider calendar.
//
// The booking engine reads busy time from it and mirrors local bookings into
// it on a best-effort basis. Nothing in this package is ever called while a
// provider's conflict guard is held.
package calendar

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/interval"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
)

type Source string

const (
	SourceExternal Source = "EXTERNAL"
	SourceLocal    Source = "LOCAL"
)

type BusyInterval struct {
	Start  time.Time
	End    time.Time
	Source Source
}

func (b BusyInterval) Interval() interval.Interval {
	return interval.New(b.Start, b.End)
}

// Adapter is everything the engine needs from an external calendar.
// Every method may fail independently; callers treat failures as advisory.
type Adapter interface {
	FetchBusy(ctx context.Context, providerID string, from, to time.Time) ([]BusyInterval, error)
	MirrorCreate(ctx context.Context, appt model.Appointment) (string, error)
	MirrorUpdate(ctx context.Context, appt model.Appointment) error
	MirrorDelete(ctx context.Context, externalRef string) error
}

// Invalidator is implemented by adapters that cache busy intervals.
type Invalidator interface {
	Invalidate(ctx context.Context, providerID string) error
}

// NoopAdapter is used when no external calendar is configured.
type NoopAdapter struct{}

func (NoopAdapter) FetchBusy(context.Context, string, time.Time, time.Time) ([]BusyInterval, error) {
	return nil, nil
}

func (NoopAdapter) MirrorCreate(context.Context, model.Appointment) (string, error) {
	return "", nil
}

func (NoopAdapter) MirrorUpdate(context.Context, model.Appointment) error { return nil }

func (NoopAdapter) MirrorDelete(context.Context, string) error { return nil }
