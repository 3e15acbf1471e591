// Package booking is the only path through which appointments are created,
// moved or closed. It owns conflict prevention: every check-then-write runs
// under the ledger's per-provider guard, and calendar mirroring happens only
// after the guard is released.
package booking

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/md-rashed-zaman/clinicbook/libs/apperr"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/hours"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/outbox"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// MirrorQueue accepts calendar mirroring work. Enqueue must never block.
type MirrorQueue interface {
	Enqueue(job MirrorJob)
}

type Config struct {
	DefaultSlot time.Duration
	// MaxTries bounds attempts of a guarded ledger operation that hits contention.
	MaxTries     uint
	RetryInitial time.Duration
	RetryMax     time.Duration
	// AllowPast permits bookings and rescheduling into the past.
	AllowPast bool
	// MaxWindow caps availability and listing ranges.
	MaxWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultSlot <= 0 {
		c.DefaultSlot = 30 * time.Minute
	}
	if c.MaxTries == 0 {
		c.MaxTries = 4
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 50 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = time.Second
	}
	if c.MaxWindow <= 0 {
		c.MaxWindow = 31 * 24 * time.Hour
	}
	return c
}

type Service struct {
	ledger ledger.Ledger
	hours  hours.Provider
	calc   *availability.Calculator
	mirror MirrorQueue
	logger *slog.Logger
	cfg    Config
	now    func() time.Time

	tracer   trace.Tracer
	outcomes metric.Int64Counter
}

func NewService(l ledger.Ledger, hp hours.Provider, calc *availability.Calculator, mirror MirrorQueue, logger *slog.Logger, cfg Config) *Service {
	outcomes, _ := otel.Meter("booking-service/booking").Int64Counter(
		"booking.operations",
		metric.WithDescription("Booking operations by kind and outcome"),
	)
	return &Service{
		ledger:   l,
		hours:    hp,
		calc:     calc,
		mirror:   mirror,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		tracer:   otel.Tracer("booking-service/booking"),
		outcomes: outcomes,
	}
}

type CreateRequest struct {
	ProviderID  string
	RequesterID string
	Start       time.Time
	End         time.Time
	Title       string
	Notes       string
}

// GetAvailability bounds [from, to) to the provider's working hours and
// computes slots inside each working window. A step of zero means step = duration.
func (s *Service) GetAvailability(ctx context.Context, providerID string, from, to time.Time, duration, step time.Duration) (availability.Result, error) {
	providerID = strings.TrimSpace(providerID)
	if duration == 0 {
		duration = s.cfg.DefaultSlot
	}
	if providerID == "" {
		return availability.Result{}, apperr.Validation("provider_id is required")
	}
	if !to.After(from) {
		return availability.Result{}, apperr.Validation("window end must be after start")
	}
	if to.Sub(from) > s.cfg.MaxWindow {
		return availability.Result{}, apperr.Validation("window is too large")
	}

	ctx, span := s.tracer.Start(ctx, "booking.get_availability", trace.WithAttributes(attribute.String("provider.id", providerID)))
	defer span.End()

	windows, err := hours.Windows(ctx, s.hours, providerID, from, to)
	if err != nil {
		return availability.Result{}, apperr.Transient("working hours unavailable", err)
	}

	var notBefore time.Time
	if !s.cfg.AllowPast {
		notBefore = s.now().UTC()
	}

	var out availability.Result
	for _, w := range windows {
		res, err := s.calc.Compute(ctx, availability.Query{
			ProviderID: providerID,
			From:       w.Start,
			To:         w.End,
			Duration:   duration,
			Step:       step,
			NotBefore:  notBefore,
		})
		if err != nil {
			return availability.Result{}, err
		}
		out.Slots = append(out.Slots, res.Slots...)
		out.Busy = append(out.Busy, res.Busy...)
		out.Degraded = out.Degraded || res.Degraded
	}
	span.SetAttributes(attribute.Int("slots", len(out.Slots)), attribute.Bool("degraded", out.Degraded))
	return out, nil
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (model.Appointment, error) {
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	req.RequesterID = strings.TrimSpace(req.RequesterID)
	if req.ProviderID == "" || req.RequesterID == "" {
		return model.Appointment{}, apperr.Validation("provider_id and requester_id are required")
	}
	start, end := req.Start.UTC(), req.End.UTC()
	if err := s.validateWindow(ctx, req.ProviderID, start, end); err != nil {
		s.record(ctx, "create", err)
		return model.Appointment{}, err
	}

	ctx, span := s.tracer.Start(ctx, "booking.create", trace.WithAttributes(attribute.String("provider.id", req.ProviderID)))
	defer span.End()

	appt := model.Appointment{
		ID:          uuid.NewString(),
		ProviderID:  req.ProviderID,
		RequesterID: req.RequesterID,
		StartTime:   start,
		EndTime:     end,
		Status:      model.StatusScheduled,
		Title:       strings.TrimSpace(req.Title),
		Notes:       strings.TrimSpace(req.Notes),
	}

	var created model.Appointment
	err := s.guarded(ctx, req.ProviderID, func(tx ledger.Tx) error {
		existing, err := tx.FindOverlapping(ctx, start, end, "")
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return apperr.SlotConflict("requested time overlaps an existing appointment")
		}
		created, err = tx.Insert(ctx, appt)
		if err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, outbox.EventAppointmentBooked, created, nil)
	})
	s.record(ctx, "create", err)
	if err != nil {
		span.RecordError(err)
		return model.Appointment{}, err
	}

	s.enqueue(MirrorJob{Op: MirrorOpCreate, AppointmentID: created.ID, ProviderID: created.ProviderID})
	s.logger.InfoContext(ctx, "appointment booked", "appointment_id", created.ID, "provider_id", created.ProviderID, "start", created.StartTime)
	return created, nil
}

// Reschedule moves a scheduled appointment. Appointments that are missing or
// no longer scheduled are reported as not found.
func (s *Service) Reschedule(ctx context.Context, id string, newStart, newEnd time.Time) (model.Appointment, error) {
	current, err := s.ledger.Get(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if current.Status != model.StatusScheduled {
		return model.Appointment{}, apperr.NotFound("no scheduled appointment with this id")
	}
	start, end := newStart.UTC(), newEnd.UTC()
	if err := s.validateWindow(ctx, current.ProviderID, start, end); err != nil {
		s.record(ctx, "reschedule", err)
		return model.Appointment{}, err
	}

	ctx, span := s.tracer.Start(ctx, "booking.reschedule", trace.WithAttributes(attribute.String("appointment.id", id)))
	defer span.End()

	var updated model.Appointment
	err = s.guarded(ctx, current.ProviderID, func(tx ledger.Tx) error {
		prev, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if prev.Status != model.StatusScheduled {
			return apperr.NotFound("no scheduled appointment with this id")
		}
		existing, err := tx.FindOverlapping(ctx, start, end, id)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return apperr.SlotConflict("requested time overlaps an existing appointment")
		}
		updated, err = tx.UpdateWindow(ctx, id, start, end)
		if err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, outbox.EventAppointmentRescheduled, updated, &prev)
	})
	s.record(ctx, "reschedule", err)
	if err != nil {
		span.RecordError(err)
		return model.Appointment{}, err
	}

	s.enqueue(MirrorJob{Op: MirrorOpUpdate, AppointmentID: updated.ID, ProviderID: updated.ProviderID})
	return updated, nil
}

// Cancel is idempotent: cancelling a cancelled appointment succeeds without
// side effects.
func (s *Service) Cancel(ctx context.Context, id string) (model.Appointment, error) {
	current, err := s.ledger.Get(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if current.Status == model.StatusCancelled {
		return current, nil
	}

	var (
		updated model.Appointment
		noop    bool
	)
	err = s.guarded(ctx, current.ProviderID, func(tx ledger.Tx) error {
		appt, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if appt.Status == model.StatusCancelled {
			updated, noop = appt, true
			return nil
		}
		if err := model.Transition(appt.Status, model.StatusCancelled); err != nil {
			return err
		}
		updated, err = tx.UpdateStatus(ctx, id, model.StatusCancelled)
		if err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, outbox.EventAppointmentCancelled, updated, nil)
	})
	s.record(ctx, "cancel", err)
	if err != nil {
		return model.Appointment{}, err
	}
	if !noop {
		s.enqueue(MirrorJob{Op: MirrorOpDelete, AppointmentID: updated.ID, ProviderID: updated.ProviderID})
	}
	return updated, nil
}

// MarkNoShow closes an appointment whose start has passed without the patient.
func (s *Service) MarkNoShow(ctx context.Context, id string) (model.Appointment, error) {
	return s.close(ctx, id, model.StatusNoShow, outbox.EventAppointmentNoShow, func(a model.Appointment, now time.Time) error {
		if now.Before(a.StartTime) {
			return apperr.InvalidTransition("appointment has not started yet")
		}
		return nil
	})
}

// Complete closes an appointment whose end has passed.
func (s *Service) Complete(ctx context.Context, id string) (model.Appointment, error) {
	return s.close(ctx, id, model.StatusCompleted, outbox.EventAppointmentCompleted, func(a model.Appointment, now time.Time) error {
		if now.Before(a.EndTime) {
			return apperr.InvalidTransition("appointment has not ended yet")
		}
		return nil
	})
}

func (s *Service) close(ctx context.Context, id string, to model.Status, eventType string, ready func(model.Appointment, time.Time) error) (model.Appointment, error) {
	current, err := s.ledger.Get(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}

	var updated model.Appointment
	err = s.guarded(ctx, current.ProviderID, func(tx ledger.Tx) error {
		appt, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := model.Transition(appt.Status, to); err != nil {
			return err
		}
		if err := ready(appt, s.now().UTC()); err != nil {
			return err
		}
		updated, err = tx.UpdateStatus(ctx, id, to)
		if err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, eventType, updated, nil)
	})
	s.record(ctx, string(to), err)
	if err != nil {
		return model.Appointment{}, err
	}
	return updated, nil
}

// UpdateDetails edits title and notes of a scheduled appointment.
func (s *Service) UpdateDetails(ctx context.Context, id, title, notes string) (model.Appointment, error) {
	current, err := s.ledger.Get(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	var updated model.Appointment
	err = s.guarded(ctx, current.ProviderID, func(tx ledger.Tx) error {
		appt, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if appt.Status != model.StatusScheduled {
			return apperr.InvalidTransition("only scheduled appointments can be edited")
		}
		updated, err = tx.UpdateDetails(ctx, id, strings.TrimSpace(title), strings.TrimSpace(notes))
		if err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, outbox.EventAppointmentUpdated, updated, nil)
	})
	if err != nil {
		return model.Appointment{}, err
	}
	s.enqueue(MirrorJob{Op: MirrorOpUpdate, AppointmentID: updated.ID, ProviderID: updated.ProviderID})
	return updated, nil
}

func (s *Service) Get(ctx context.Context, id string) (model.Appointment, error) {
	if strings.TrimSpace(id) == "" {
		return model.Appointment{}, apperr.Validation("appointment id is required")
	}
	return s.ledger.Get(ctx, id)
}

func (s *Service) ListByProvider(ctx context.Context, providerID string, from, to time.Time) ([]model.Appointment, error) {
	if strings.TrimSpace(providerID) == "" {
		return nil, apperr.Validation("provider_id is required")
	}
	if !to.After(from) {
		return nil, apperr.Validation("window end must be after start")
	}
	if to.Sub(from) > s.cfg.MaxWindow {
		return nil, apperr.Validation("window is too large")
	}
	appts, err := s.ledger.ListByProvider(ctx, providerID, from.UTC(), to.UTC())
	if err != nil {
		return nil, apperr.Transient("could not list appointments", err)
	}
	return appts, nil
}

func (s *Service) validateWindow(ctx context.Context, providerID string, start, end time.Time) error {
	if !end.After(start) {
		return apperr.Validation("end must be after start")
	}
	if !s.cfg.AllowPast && start.Before(s.now().UTC()) {
		return apperr.Validation("cannot book in the past")
	}
	ok, err := hours.Within(ctx, s.hours, providerID, start, end)
	if err != nil {
		return apperr.Transient("working hours unavailable", err)
	}
	if !ok {
		return apperr.Validation("requested time is outside working hours")
	}
	return nil
}

// guarded runs fn under the provider guard, retrying contention with
// exponential backoff up to MaxTries attempts.
func (s *Service) guarded(ctx context.Context, providerID string, fn func(tx ledger.Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitial
	b.MaxInterval = s.cfg.RetryMax

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := s.ledger.WithProviderGuard(ctx, providerID, fn)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, ledger.ErrContention):
			s.logger.DebugContext(ctx, "ledger contention; retrying", "provider_id", providerID, "attempt", attempt, "err", err)
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.cfg.MaxTries))
	if err == nil {
		return nil
	}

	var ae *apperr.Error
	switch {
	case errors.Is(err, ledger.ErrContention):
		return apperr.Transient("ledger is busy, retry later", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apperr.Transient("request ended before the ledger answered", err)
	case errors.As(err, &ae):
		return err
	default:
		return apperr.Internal("ledger failure", err)
	}
}

func (s *Service) appendEvent(ctx context.Context, tx ledger.Tx, eventType string, appt model.Appointment, prev *model.Appointment) error {
	evt, err := outbox.AppointmentEvent(eventType, appt, prev, s.now())
	if err != nil {
		return err
	}
	return tx.AppendEvent(ctx, evt)
}

func (s *Service) enqueue(job MirrorJob) {
	if s.mirror != nil {
		s.mirror.Enqueue(job)
	}
}

func (s *Service) record(ctx context.Context, op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(string(apperr.KindOf(err)))
	}
	s.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op), attribute.String("outcome", outcome)))
}
