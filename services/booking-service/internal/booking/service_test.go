package booking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/clinicbook/libs/apperr"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/hours"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// monday is a working day; tests run "on" the Sunday before it.
var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return monday.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []MirrorJob
}

func (q *recordingQueue) Enqueue(job MirrorJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
}

func (q *recordingQueue) Jobs() []MirrorJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]MirrorJob(nil), q.jobs...)
}

type fixture struct {
	svc    *Service
	ledger *ledger.MemoryLedger
	queue  *recordingQueue
}

func newFixture(t *testing.T, cal calendar.Adapter, hp hours.Provider) *fixture {
	t.Helper()
	if hp == nil {
		hp = hours.NewStaticProvider(hours.DefaultStaticConfig())
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.NewMemoryLedger()
	q := &recordingQueue{}
	calc := availability.NewCalculator(cal, l, logger, 50*time.Millisecond)
	svc := NewService(l, hp, calc, q, logger, Config{RetryInitial: time.Millisecond, RetryMax: 5 * time.Millisecond})
	svc.now = func() time.Time { return monday.Add(-12 * time.Hour) }
	return &fixture{svc: svc, ledger: l, queue: q}
}

func (f *fixture) book(t *testing.T, provider string, start, end time.Time) model.Appointment {
	t.Helper()
	appt, err := f.svc.Create(context.Background(), CreateRequest{ProviderID: provider, RequesterID: "pt-1", Start: start, End: end})
	require.NoError(t, err)
	return appt
}

func TestEndToEndScenario(t *testing.T) {
	hp := hours.NewStaticProvider(hours.StaticConfig{
		Location:    time.UTC,
		Workdays:    []time.Weekday{time.Monday},
		StartMinute: 9 * 60,
		EndMinute:   10 * 60,
	})
	f := newFixture(t, nil, hp)
	ctx := context.Background()

	res, err := f.svc.GetAvailability(ctx, "dr-1", monday, monday.Add(24*time.Hour), 30*time.Minute, 0)
	require.NoError(t, err)
	require.False(t, res.Degraded)
	require.Len(t, res.Slots, 2)
	assert.Equal(t, at(9, 0), res.Slots[0].Start)
	assert.Equal(t, at(9, 30), res.Slots[0].End)
	assert.Equal(t, at(9, 30), res.Slots[1].Start)
	assert.Equal(t, at(10, 0), res.Slots[1].End)
	assert.True(t, res.Slots[0].Available)
	assert.True(t, res.Slots[1].Available)

	f.book(t, "dr-1", at(9, 0), at(9, 30))

	res, err = f.svc.GetAvailability(ctx, "dr-1", monday, monday.Add(24*time.Hour), 30*time.Minute, 0)
	require.NoError(t, err)
	free := availability.AvailableOnly(res.Slots)
	require.Len(t, free, 1)
	assert.Equal(t, at(9, 30), free[0].Start)
	assert.Equal(t, at(10, 0), free[0].End)
}

func TestCreateConcurrentSameSlotExactlyOneWins(t *testing.T) {
	f := newFixture(t, nil, nil)
	const n = 25

	var wg sync.WaitGroup
	errs := make([]error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.Create(context.Background(), CreateRequest{
				ProviderID:  "dr-1",
				RequesterID: fmt.Sprintf("pt-%d", i),
				Start:       at(10, 0),
				End:         at(10, 30),
			})
		}(i)
	}
	close(start)
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, apperr.ErrSlotConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, conflicts)

	appts, err := f.ledger.ListByProvider(context.Background(), "dr-1", monday, monday.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, appts, 1)
	assert.Len(t, f.ledger.Events(), 1)
	assert.Len(t, f.queue.Jobs(), 1)
}

func TestCreateOverlapRules(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	f.book(t, "dr-1", at(10, 0), at(11, 0))

	_, err := f.svc.Create(ctx, CreateRequest{ProviderID: "dr-1", RequesterID: "pt-2", Start: at(10, 59), End: at(11, 30)})
	assert.ErrorIs(t, err, apperr.ErrSlotConflict)

	f.book(t, "dr-1", at(11, 0), at(11, 30))
	f.book(t, "dr-1", at(9, 30), at(10, 0))
	f.book(t, "dr-2", at(10, 0), at(11, 0))
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"missing provider", CreateRequest{RequesterID: "pt-1", Start: at(10, 0), End: at(11, 0)}},
		{"end before start", CreateRequest{ProviderID: "dr-1", RequesterID: "pt-1", Start: at(11, 0), End: at(10, 0)}},
		{"zero length", CreateRequest{ProviderID: "dr-1", RequesterID: "pt-1", Start: at(10, 0), End: at(10, 0)}},
		{"outside hours", CreateRequest{ProviderID: "dr-1", RequesterID: "pt-1", Start: at(16, 30), End: at(17, 30)}},
		{"weekend", CreateRequest{ProviderID: "dr-1", RequesterID: "pt-1", Start: at(-24+10, 0), End: at(-24+11, 0)}},
		{"in the past", CreateRequest{ProviderID: "dr-1", RequesterID: "pt-1", Start: monday.Add(-3 * 24 * time.Hour).Add(10 * time.Hour), End: monday.Add(-3 * 24 * time.Hour).Add(11 * time.Hour)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tc.req)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
	assert.Empty(t, f.ledger.Events())
}

func TestAvailabilityBookingConsistency(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	f.book(t, "dr-1", at(9, 45), at(10, 15))
	f.book(t, "dr-1", at(13, 0), at(14, 0))

	res, err := f.svc.GetAvailability(ctx, "dr-1", monday, monday.Add(24*time.Hour), 30*time.Minute, 15*time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, res.Slots)

	for _, slot := range res.Slots {
		appt, err := f.svc.Create(ctx, CreateRequest{ProviderID: "dr-1", RequesterID: "pt-9", Start: slot.Start, End: slot.End})
		if slot.Available {
			require.NoError(t, err, "slot %s", slot)
			_, err = f.svc.Cancel(ctx, appt.ID)
			require.NoError(t, err)
			continue
		}
		require.ErrorIs(t, err, apperr.ErrSlotConflict, "slot %s", slot)
	}
}

func TestNoShowInProgressKeepsItsTime(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	appt := f.book(t, "dr-1", at(9, 0), at(10, 0))

	f.svc.now = func() time.Time { return at(9, 5) }
	_, err := f.svc.MarkNoShow(ctx, appt.ID)
	require.NoError(t, err)

	res, err := f.svc.GetAvailability(ctx, "dr-1", monday, monday.Add(24*time.Hour), 30*time.Minute, 15*time.Minute)
	require.NoError(t, err)

	var checked int
	for _, slot := range res.Slots {
		if slot.Start.Before(at(10, 0)) {
			assert.False(t, slot.Available, "slot %s overlaps the no-show", slot)
		}
		if slot.Start.Before(at(9, 5)) {
			continue
		}
		checked++
		booked, err := f.svc.Create(ctx, CreateRequest{ProviderID: "dr-1", RequesterID: "pt-9", Start: slot.Start, End: slot.End})
		if slot.Available {
			require.NoError(t, err, "slot %s", slot)
			_, err = f.svc.Cancel(ctx, booked.ID)
			require.NoError(t, err)
			continue
		}
		require.ErrorIs(t, err, apperr.ErrSlotConflict, "slot %s", slot)
	}
	assert.NotZero(t, checked)
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	appt := f.book(t, "dr-1", at(10, 0), at(10, 30))

	first, err := f.svc.Cancel(ctx, appt.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, first.Status)
	require.NotNil(t, first.CancelledAt)

	second, err := f.svc.Cancel(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, second.Status)
	assert.Equal(t, first.CancelledAt, second.CancelledAt)

	var cancelEvents int
	for _, evt := range f.ledger.Events() {
		if evt.EventType == outbox.EventAppointmentCancelled {
			cancelEvents++
		}
	}
	assert.Equal(t, 1, cancelEvents)

	var deletes int
	for _, job := range f.queue.Jobs() {
		if job.Op == MirrorOpDelete {
			deletes++
		}
	}
	assert.Equal(t, 1, deletes)

	// The freed slot can be booked again.
	f.book(t, "dr-1", at(10, 0), at(10, 30))
}

func TestTerminalStatesAreClosed(t *testing.T) {
	ctx := context.Background()
	terminals := []struct {
		name  string
		close func(*Service, string) (model.Appointment, error)
	}{
		{"cancelled", func(s *Service, id string) (model.Appointment, error) { return s.Cancel(ctx, id) }},
		{"no_show", func(s *Service, id string) (model.Appointment, error) { return s.MarkNoShow(ctx, id) }},
		{"completed", func(s *Service, id string) (model.Appointment, error) { return s.Complete(ctx, id) }},
	}

	for _, term := range terminals {
		t.Run(term.name, func(t *testing.T) {
			f := newFixture(t, nil, nil)
			appt := f.book(t, "dr-1", at(10, 0), at(10, 30))
			f.svc.now = func() time.Time { return at(12, 0) }

			closed, err := term.close(f.svc, appt.ID)
			require.NoError(t, err)
			require.True(t, closed.Status.Terminal())
			before, err := f.svc.Get(ctx, appt.ID)
			require.NoError(t, err)
			eventsBefore := len(f.ledger.Events())

			_, err = f.svc.MarkNoShow(ctx, appt.ID)
			assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
			_, err = f.svc.Complete(ctx, appt.ID)
			assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
			_, err = f.svc.Reschedule(ctx, appt.ID, at(14, 0), at(14, 30))
			assert.ErrorIs(t, err, apperr.ErrNotFound)
			_, err = f.svc.Cancel(ctx, appt.ID)
			if closed.Status == model.StatusCancelled {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
			}
			_, err = f.svc.UpdateDetails(ctx, appt.ID, "x", "y")
			assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

			after, err := f.svc.Get(ctx, appt.ID)
			require.NoError(t, err)
			assert.Equal(t, before, after)
			assert.Len(t, f.ledger.Events(), eventsBefore)
		})
	}
}

func TestMarkNoShowAndCompleteRespectTime(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	appt := f.book(t, "dr-1", at(10, 0), at(11, 0))

	_, err := f.svc.MarkNoShow(ctx, appt.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	f.svc.now = func() time.Time { return at(10, 30) }
	_, err = f.svc.Complete(ctx, appt.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	f.svc.now = func() time.Time { return at(11, 0) }
	done, err := f.svc.Complete(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
}

func TestReschedule(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	a := f.book(t, "dr-1", at(10, 0), at(11, 0))
	f.book(t, "dr-1", at(12, 0), at(13, 0))

	moved, err := f.svc.Reschedule(ctx, a.ID, at(10, 30), at(11, 30))
	require.NoError(t, err, "overlapping only itself is allowed")
	assert.Equal(t, at(10, 30), moved.StartTime)
	assert.Equal(t, model.StatusScheduled, moved.Status)

	_, err = f.svc.Reschedule(ctx, a.ID, at(11, 30), at(12, 30))
	assert.ErrorIs(t, err, apperr.ErrSlotConflict)

	_, err = f.svc.Reschedule(ctx, "missing", at(14, 0), at(15, 0))
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.Cancel(ctx, a.ID)
	require.NoError(t, err)
	_, err = f.svc.Reschedule(ctx, a.ID, at(14, 0), at(15, 0))
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	var rescheduled int
	for _, evt := range f.ledger.Events() {
		if evt.EventType == outbox.EventAppointmentRescheduled {
			rescheduled++
		}
	}
	assert.Equal(t, 1, rescheduled)
}

func TestRescheduleClosedAppointmentIsNotFoundBeforeValidation(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	a := f.book(t, "dr-1", at(10, 0), at(11, 0))
	_, err := f.svc.Cancel(ctx, a.ID)
	require.NoError(t, err)

	cases := []struct {
		name       string
		start, end time.Time
	}{
		{"in the past", at(10, 0).AddDate(0, 0, -7), at(11, 0).AddDate(0, 0, -7)},
		{"inverted", at(15, 0), at(14, 0)},
		{"outside working hours", at(20, 0), at(21, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Reschedule(ctx, a.ID, tc.start, tc.end)
			assert.ErrorIs(t, err, apperr.ErrNotFound)
			assert.NotErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestUpdateDetailsAndList(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	a := f.book(t, "dr-1", at(10, 0), at(11, 0))

	updated, err := f.svc.UpdateDetails(ctx, a.ID, "  Follow-up ", "bring labs")
	require.NoError(t, err)
	assert.Equal(t, "Follow-up", updated.Title)
	assert.Equal(t, "bring labs", updated.Notes)

	list, err := f.svc.ListByProvider(ctx, "dr-1", monday, monday.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Follow-up", list[0].Title)

	_, err = f.svc.ListByProvider(ctx, "dr-1", monday, monday.AddDate(0, 2, 0))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.Get(ctx, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

type failingCalendar struct {
	calendar.NoopAdapter
}

func (failingCalendar) FetchBusy(context.Context, string, time.Time, time.Time) ([]calendar.BusyInterval, error) {
	return nil, apperr.ExternalUnavailable("down", nil)
}

func TestGetAvailabilityDegraded(t *testing.T) {
	f := newFixture(t, failingCalendar{}, nil)
	f.book(t, "dr-1", at(9, 0), at(10, 0))

	res, err := f.svc.GetAvailability(context.Background(), "dr-1", monday, monday.Add(24*time.Hour), time.Hour, 0)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	require.Len(t, res.Slots, 8)
	assert.False(t, res.Slots[0].Available)
	assert.Len(t, availability.AvailableOnly(res.Slots), 7)
}

// contendedLedger fails the first n guarded calls with contention.
type contendedLedger struct {
	*ledger.MemoryLedger
	mu    sync.Mutex
	fails int
	calls int
}

func (c *contendedLedger) WithProviderGuard(ctx context.Context, providerID string, fn func(ledger.Tx) error) error {
	c.mu.Lock()
	c.calls++
	fail := c.calls <= c.fails
	c.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: serialization failure", ledger.ErrContention)
	}
	return c.MemoryLedger.WithProviderGuard(ctx, providerID, fn)
}

func newContendedService(fails int) (*Service, *contendedLedger) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := &contendedLedger{MemoryLedger: ledger.NewMemoryLedger(), fails: fails}
	hp := hours.NewStaticProvider(hours.DefaultStaticConfig())
	calc := availability.NewCalculator(nil, l, logger, time.Second)
	svc := NewService(l, hp, calc, nil, logger, Config{MaxTries: 4, RetryInitial: time.Millisecond, RetryMax: 2 * time.Millisecond})
	svc.now = func() time.Time { return monday }
	return svc, l
}

func TestContentionIsRetried(t *testing.T) {
	svc, l := newContendedService(2)
	appt, err := svc.Create(context.Background(), CreateRequest{ProviderID: "dr-1", RequesterID: "pt-1", Start: at(10, 0), End: at(11, 0)})
	require.NoError(t, err)
	assert.Equal(t, 3, l.calls)
	assert.Equal(t, model.StatusScheduled, appt.Status)
}

func TestContentionSurfacesTransientAfterMaxTries(t *testing.T) {
	svc, l := newContendedService(100)
	_, err := svc.Create(context.Background(), CreateRequest{ProviderID: "dr-1", RequesterID: "pt-1", Start: at(10, 0), End: at(11, 0)})
	require.ErrorIs(t, err, apperr.ErrTransient)
	assert.Equal(t, 4, l.calls)
	assert.Empty(t, l.Events())
}
