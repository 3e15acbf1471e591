package booking

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type MirrorOp string

const (
	MirrorOpCreate MirrorOp = "create"
	MirrorOpUpdate MirrorOp = "update"
	MirrorOpDelete MirrorOp = "delete"
)

// MirrorJob names an appointment whose external copy needs refreshing. The
// worker reloads the appointment when it runs, so stale jobs act on current state.
type MirrorJob struct {
	Op            MirrorOp
	AppointmentID string
	ProviderID    string
}

type MirrorConfig struct {
	Workers   int
	QueueSize int
	// Timeout bounds each external call.
	Timeout      time.Duration
	MaxTries     uint
	RetryInitial time.Duration
}

// Mirror replicates local bookings into the external calendar in the
// background. Jobs for one appointment always land on the same worker, so
// they run in the order they were enqueued.
type Mirror struct {
	calendar calendar.Adapter
	ledger   ledger.Ledger
	logger   *slog.Logger
	cfg      MirrorConfig
	queues   []chan MirrorJob
	wg       sync.WaitGroup

	failures metric.Int64Counter
	dropped  metric.Int64Counter
}

func NewMirror(cal calendar.Adapter, l ledger.Ledger, logger *slog.Logger, cfg MirrorConfig) *Mirror {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 200 * time.Millisecond
	}
	meter := otel.Meter("booking-service/mirror")
	failures, _ := meter.Int64Counter("calendar.mirror.failures", metric.WithDescription("Mirroring attempts that gave up"))
	dropped, _ := meter.Int64Counter("calendar.mirror.dropped", metric.WithDescription("Mirror jobs dropped because the queue was full"))

	m := &Mirror{
		calendar: cal,
		ledger:   l,
		logger:   logger,
		cfg:      cfg,
		queues:   make([]chan MirrorJob, cfg.Workers),
		failures: failures,
		dropped:  dropped,
	}
	for i := range m.queues {
		m.queues[i] = make(chan MirrorJob, cfg.QueueSize)
	}
	return m
}

// Enqueue never blocks; a full queue drops the job with a warning.
func (m *Mirror) Enqueue(job MirrorJob) {
	q := m.queues[shard(job.AppointmentID, len(m.queues))]
	select {
	case q <- job:
	default:
		m.dropped.Add(context.Background(), 1)
		m.logger.Warn("calendar mirror queue full; job dropped", "appointment_id", job.AppointmentID, "op", job.Op)
	}
}

// Run processes jobs until ctx is cancelled, then drains what is queued.
func (m *Mirror) Run(ctx context.Context) {
	for _, q := range m.queues {
		m.wg.Add(1)
		go func(q chan MirrorJob) {
			defer m.wg.Done()
			for {
				select {
				case job := <-q:
					m.process(context.WithoutCancel(ctx), job)
				case <-ctx.Done():
					for {
						select {
						case job := <-q:
							m.process(context.WithoutCancel(ctx), job)
						default:
							return
						}
					}
				}
			}
		}(q)
	}
	m.wg.Wait()
}

func shard(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (m *Mirror) process(ctx context.Context, job MirrorJob) {
	// A misbehaving adapter must not take its shard down with it.
	defer func() {
		if r := recover(); r != nil {
			m.fail(ctx, job, fmt.Errorf("calendar adapter panic: %v", r))
		}
	}()

	appt, err := m.ledger.Get(ctx, job.AppointmentID)
	if err != nil {
		m.fail(ctx, job, err)
		return
	}

	switch job.Op {
	case MirrorOpCreate:
		if appt.Status != model.StatusScheduled || appt.ExternalEventRef != "" {
			return
		}
		err = m.create(ctx, appt)
	case MirrorOpUpdate:
		if appt.Status != model.StatusScheduled {
			return
		}
		if appt.ExternalEventRef == "" {
			err = m.create(ctx, appt)
			break
		}
		err = m.retry(ctx, func(ctx context.Context) error { return m.calendar.MirrorUpdate(ctx, appt) })
	case MirrorOpDelete:
		if appt.ExternalEventRef == "" {
			return
		}
		err = m.retry(ctx, func(ctx context.Context) error { return m.calendar.MirrorDelete(ctx, appt.ExternalEventRef) })
		if err == nil {
			err = m.ledger.SetExternalRef(ctx, appt.ID, "")
		}
	}
	if err != nil {
		m.fail(ctx, job, err)
		return
	}

	if inv, ok := m.calendar.(calendar.Invalidator); ok {
		if err := inv.Invalidate(ctx, appt.ProviderID); err != nil {
			m.logger.Warn("busy cache invalidation failed", "provider_id", appt.ProviderID, "err", err)
		}
	}
	m.logger.Debug("calendar mirrored", "appointment_id", appt.ID, "op", job.Op)
}

func (m *Mirror) create(ctx context.Context, appt model.Appointment) error {
	var ref string
	err := m.retry(ctx, func(ctx context.Context) error {
		var err error
		ref, err = m.calendar.MirrorCreate(ctx, appt)
		return err
	})
	if err != nil || ref == "" {
		return err
	}
	return m.ledger.SetExternalRef(ctx, appt.ID, ref)
}

func (m *Mirror) retry(ctx context.Context, call func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryInitial
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
		return struct{}{}, call(callCtx)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(m.cfg.MaxTries))
	return err
}

func (m *Mirror) fail(ctx context.Context, job MirrorJob, err error) {
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", string(job.Op))))
	m.logger.Warn("calendar mirroring failed",
		"appointment_id", job.AppointmentID,
		"provider_id", job.ProviderID,
		"op", job.Op,
		"err", err,
	)
}
