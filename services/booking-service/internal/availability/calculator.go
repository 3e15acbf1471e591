// Package availability computes bookable slots for one provider over one
// window by combining external calendar busy time with the local ledger.
// It knows nothing about working hours; callers bound the window first.
package availability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/md-rashed-zaman/clinicbook/libs/apperr"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/interval"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ActiveLister is the part of the ledger the calculator reads.
type ActiveLister interface {
	ListActive(ctx context.Context, providerID string, from, to time.Time) ([]model.Appointment, error)
}

type Query struct {
	ProviderID string
	From       time.Time
	To         time.Time
	Duration   time.Duration
	// Step defaults to Duration.
	Step time.Duration
	// Slots starting before NotBefore are reported unavailable. Zero disables the check.
	NotBefore time.Time
}

type Slot struct {
	Start     time.Time
	End       time.Time
	Available bool
}

type Result struct {
	Slots []Slot
	// Busy is every busy interval considered, sorted by start, before merging.
	Busy []calendar.BusyInterval
	// Degraded is set when the external calendar could not be read and only
	// local appointments were considered.
	Degraded bool
}

type Calculator struct {
	calendar calendar.Adapter
	ledger   ActiveLister
	logger   *slog.Logger
	timeout  time.Duration
	tracer   trace.Tracer
	degraded metric.Int64Counter
}

// DefaultExternalTimeout bounds how long a query waits for the external calendar.
const DefaultExternalTimeout = 3 * time.Second

func NewCalculator(cal calendar.Adapter, ledger ActiveLister, logger *slog.Logger, externalTimeout time.Duration) *Calculator {
	if externalTimeout <= 0 {
		externalTimeout = DefaultExternalTimeout
	}
	if cal == nil {
		cal = calendar.NoopAdapter{}
	}
	degraded, _ := otel.Meter("booking-service/availability").Int64Counter(
		"availability.degraded",
		metric.WithDescription("Availability queries answered without the external calendar"),
	)
	return &Calculator{
		calendar: cal,
		ledger:   ledger,
		logger:   logger,
		timeout:  externalTimeout,
		tracer:   otel.Tracer("booking-service/availability"),
		degraded: degraded,
	}
}

func (q Query) validate() error {
	if q.ProviderID == "" {
		return apperr.Validation("provider_id is required")
	}
	if !q.To.After(q.From) {
		return apperr.Validation("window end must be after start")
	}
	if q.Duration <= 0 {
		return apperr.Validation("slot duration must be positive")
	}
	if q.Step < 0 {
		return apperr.Validation("slot step must not be negative")
	}
	return nil
}

type fetchResult struct {
	busy []calendar.BusyInterval
	err  error
}

func (c *Calculator) Compute(ctx context.Context, q Query) (Result, error) {
	if err := q.validate(); err != nil {
		return Result{}, err
	}
	q.From, q.To = q.From.UTC(), q.To.UTC()
	if q.Step == 0 {
		q.Step = q.Duration
	}

	ctx, span := c.tracer.Start(ctx, "availability.compute", trace.WithAttributes(
		attribute.String("provider.id", q.ProviderID),
		attribute.String("window.from", q.From.Format(time.RFC3339)),
		attribute.String("window.to", q.To.Format(time.RFC3339)),
	))
	defer span.End()

	external := c.fetchExternal(ctx, q)

	appts, err := c.ledger.ListActive(ctx, q.ProviderID, q.From, q.To)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger read failed")
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return Result{}, err
		}
		return Result{}, apperr.Transient("could not load appointments", err)
	}

	var res Result
	ext := <-external
	if ext.err != nil {
		res.Degraded = true
		c.degraded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", degradedReason(ext.err))))
		span.SetAttributes(attribute.Bool("availability.degraded", true))
		c.logger.WarnContext(ctx, "external calendar unavailable; using local appointments only",
			"provider_id", q.ProviderID,
			"err", ext.err,
		)
	} else {
		res.Busy = append(res.Busy, ext.busy...)
	}

	for _, a := range appts {
		if !a.Status.Blocking() {
			continue
		}
		res.Busy = append(res.Busy, calendar.BusyInterval{Start: a.StartTime.UTC(), End: a.EndTime.UTC(), Source: calendar.SourceLocal})
	}
	res.Busy = sortBusy(res.Busy)

	spans := make([]interval.Interval, 0, len(res.Busy))
	for _, b := range res.Busy {
		spans = append(spans, b.Interval())
	}
	merged := interval.Merge(spans)

	res.Slots = walk(q, merged)
	return res, nil
}

// fetchExternal reads the external calendar with a bounded wait, even when
// the adapter ignores cancellation.
func (c *Calculator) fetchExternal(ctx context.Context, q Query) <-chan fetchResult {
	out := make(chan fetchResult, 1)
	fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)

	done := make(chan fetchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fetchResult{err: apperr.ExternalUnavailable("external calendar failed", fmt.Errorf("adapter panic: %v", r))}
			}
		}()
		busy, err := c.calendar.FetchBusy(fetchCtx, q.ProviderID, q.From, q.To)
		done <- fetchResult{busy: busy, err: err}
	}()

	go func() {
		defer cancel()
		select {
		case r := <-done:
			out <- r
		case <-fetchCtx.Done():
			out <- fetchResult{err: apperr.ExternalUnavailable("external calendar timed out", fetchCtx.Err())}
		}
	}()
	return out
}

func walk(q Query, busy []interval.Interval) []Slot {
	var slots []Slot
	for t := q.From; !t.Add(q.Duration).After(q.To); t = t.Add(q.Step) {
		slot := interval.Interval{Start: t, End: t.Add(q.Duration)}
		available := !interval.OverlapsAny(slot, busy)
		if !q.NotBefore.IsZero() && t.Before(q.NotBefore) {
			available = false
		}
		slots = append(slots, Slot{Start: slot.Start, End: slot.End, Available: available})
	}
	return slots
}

func sortBusy(in []calendar.BusyInterval) []calendar.BusyInterval {
	out := make([]calendar.BusyInterval, 0, len(in))
	for _, b := range in {
		b.Start, b.End = b.Start.UTC(), b.End.UTC()
		if b.End.After(b.Start) {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func degradedReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}

// AvailableOnly filters slots down to the bookable ones.
func AvailableOnly(slots []Slot) []Slot {
	out := make([]Slot, 0, len(slots))
	for _, s := range slots {
		if s.Available {
			out = append(out, s)
		}
	}
	return out
}

func (s Slot) String() string {
	return fmt.Sprintf("[%s, %s) available=%v", s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339), s.Available)
}
