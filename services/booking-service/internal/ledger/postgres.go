package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/clinicbook/libs/apperr"
	"github.com/md-rashed-zaman/clinicbook/libs/db"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/outbox"
)

// PostgresLedger guards each provider with a transaction-scoped advisory
// lock. The appointments table also carries an exclusion constraint on
// (provider_id, tstzrange(start_time, end_time)) for non-cancelled rows.
type PostgresLedger struct {
	pool        *db.Pool
	outbox      *outbox.Repository
	lockTimeout time.Duration
}

func NewPostgresLedger(pool *db.Pool, outboxRepo *outbox.Repository, lockTimeout time.Duration) *PostgresLedger {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &PostgresLedger{pool: pool, outbox: outboxRepo, lockTimeout: lockTimeout}
}

const appointmentColumns = `id::text, provider_id, requester_id, start_time, end_time, status, title, notes,
	COALESCE(external_event_ref, ''), cancelled_at, created_at, updated_at`

func (l *PostgresLedger) WithProviderGuard(ctx context.Context, providerID string, fn func(tx Tx) error) error {
	err := l.pool.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`SET LOCAL lock_timeout = '%dms'`, l.lockTimeout.Milliseconds())); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended('provider:' || $1, 0))`, providerID); err != nil {
			return err
		}
		return fn(&pgTx{tx: tx, providerID: providerID, outbox: l.outbox})
	})
	return classify(err)
}

func (l *PostgresLedger) Get(ctx context.Context, id string) (model.Appointment, error) {
	if !validID(id) {
		return model.Appointment{}, errNoAppointment
	}
	row := l.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	appt, err := scanAppointment(row)
	if err != nil {
		return model.Appointment{}, classify(err)
	}
	return appt, nil
}

func (l *PostgresLedger) ListActive(ctx context.Context, providerID string, from, to time.Time) ([]model.Appointment, error) {
	return l.query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE provider_id = $1
			AND status <> 'cancelled'
			AND start_time < $3
			AND end_time > $2
		ORDER BY start_time ASC, id ASC
	`, providerID, from, to)
}

func (l *PostgresLedger) ListByProvider(ctx context.Context, providerID string, from, to time.Time) ([]model.Appointment, error) {
	return l.query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE provider_id = $1
			AND start_time < $3
			AND end_time > $2
		ORDER BY start_time ASC, id ASC
	`, providerID, from, to)
}

func (l *PostgresLedger) SetExternalRef(ctx context.Context, id, ref string) error {
	if !validID(id) {
		return errNoAppointment
	}
	tag, err := l.pool.Exec(ctx, `
		UPDATE appointments SET external_event_ref = NULLIF($2, ''), updated_at = now() WHERE id = $1
	`, id, ref)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("appointment not found")
	}
	return nil
}

func (l *PostgresLedger) query(ctx context.Context, sql string, args ...any) ([]model.Appointment, error) {
	rows, err := l.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err)
	}
	return collect(rows)
}

type pgTx struct {
	tx         pgx.Tx
	providerID string
	outbox     *outbox.Repository
}

func (t *pgTx) FindOverlapping(ctx context.Context, start, end time.Time, excludeID string) ([]model.Appointment, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE provider_id = $1
			AND status <> 'cancelled'
			AND start_time < $3
			AND end_time > $2
			AND ($4 = '' OR id::text <> $4)
		ORDER BY start_time ASC, id ASC
	`, t.providerID, start, end, excludeID)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (t *pgTx) Insert(ctx context.Context, appt model.Appointment) (model.Appointment, error) {
	if appt.ProviderID != t.providerID {
		return model.Appointment{}, apperr.Validation("appointment id or provider mismatch")
	}
	row := t.tx.QueryRow(ctx, `
		INSERT INTO appointments (id, provider_id, requester_id, start_time, end_time, status, title, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+appointmentColumns,
		appt.ID, appt.ProviderID, appt.RequesterID, appt.StartTime.UTC(), appt.EndTime.UTC(), appt.Status, appt.Title, appt.Notes)
	return scanAppointment(row)
}

func (t *pgTx) GetForUpdate(ctx context.Context, id string) (model.Appointment, error) {
	if !validID(id) {
		return model.Appointment{}, errNoAppointment
	}
	row := t.tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1 AND provider_id = $2
		FOR UPDATE
	`, id, t.providerID)
	return scanAppointment(row)
}

func (t *pgTx) UpdateStatus(ctx context.Context, id string, status model.Status) (model.Appointment, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $3,
			cancelled_at = CASE WHEN $3 = 'cancelled' THEN now() ELSE cancelled_at END,
			updated_at = now()
		WHERE id = $1 AND provider_id = $2
		RETURNING `+appointmentColumns, id, t.providerID, string(status))
	return scanAppointment(row)
}

func (t *pgTx) UpdateWindow(ctx context.Context, id string, start, end time.Time) (model.Appointment, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE appointments
		SET start_time = $3, end_time = $4, updated_at = now()
		WHERE id = $1 AND provider_id = $2
		RETURNING `+appointmentColumns, id, t.providerID, start.UTC(), end.UTC())
	return scanAppointment(row)
}

func (t *pgTx) UpdateDetails(ctx context.Context, id, title, notes string) (model.Appointment, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE appointments
		SET title = $3, notes = $4, updated_at = now()
		WHERE id = $1 AND provider_id = $2
		RETURNING `+appointmentColumns, id, t.providerID, title, notes)
	return scanAppointment(row)
}

func (t *pgTx) AppendEvent(ctx context.Context, evt outbox.Event) error {
	return t.outbox.Insert(ctx, t.tx, evt)
}

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var appt model.Appointment
	var status string
	err := row.Scan(
		&appt.ID,
		&appt.ProviderID,
		&appt.RequesterID,
		&appt.StartTime,
		&appt.EndTime,
		&status,
		&appt.Title,
		&appt.Notes,
		&appt.ExternalEventRef,
		&appt.CancelledAt,
		&appt.CreatedAt,
		&appt.UpdatedAt,
	)
	if err != nil {
		if IsNotFound(err) {
			return model.Appointment{}, apperr.NotFound("appointment not found")
		}
		return model.Appointment{}, err
	}
	appt.Status = model.Status(status)
	appt.StartTime = appt.StartTime.UTC()
	appt.EndTime = appt.EndTime.UTC()
	return appt, nil
}

func collect(rows pgx.Rows) ([]model.Appointment, error) {
	defer rows.Close()
	var out []model.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, appt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

var errNoAppointment = apperr.NotFound("appointment not found")

// validID reports whether id can name a row; the id column is a uuid, so
// anything else cannot exist.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func IsConflict(err error) bool {
	return db.SQLState(err) == "23P01"
}

// IsNotFound also covers ids the database rejects as malformed uuids.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || db.SQLState(err) == "22P02"
}

// IsContention reports serialization failures, deadlocks and lock timeouts.
func IsContention(err error) bool {
	switch db.SQLState(err) {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	switch {
	case IsConflict(err):
		return apperr.SlotConflict("time slot already booked")
	case IsNotFound(err):
		return apperr.NotFound("appointment not found")
	case IsContention(err):
		return fmt.Errorf("%w: %v", ErrContention, err)
	}
	return err
}
