// Package ledger is the durable record of appointments.
//
// Every read-check-write sequence for a provider runs inside
// WithProviderGuard, which serializes it against all other guarded work for
// the same provider. Guards for different providers never contend.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/outbox"
)

// ErrContention marks storage failures that are safe to retry, such as
// serialization failures, deadlocks or lock timeouts.
var ErrContention = errors.New("ledger contention")

type Ledger interface {
	// WithProviderGuard runs fn as one atomic unit under the provider's
	// conflict guard. Changes made through tx are discarded when fn fails.
	WithProviderGuard(ctx context.Context, providerID string, fn func(tx Tx) error) error

	Get(ctx context.Context, id string) (model.Appointment, error)
	// ListActive returns appointments that occupy time in [from, to).
	ListActive(ctx context.Context, providerID string, from, to time.Time) ([]model.Appointment, error)
	// ListByProvider returns every appointment overlapping [from, to) regardless of status.
	ListByProvider(ctx context.Context, providerID string, from, to time.Time) ([]model.Appointment, error)
	SetExternalRef(ctx context.Context, id, ref string) error
}

// Tx is scoped to the provider whose guard is held; appointments of other
// providers are reported as not found.
type Tx interface {
	FindOverlapping(ctx context.Context, start, end time.Time, excludeID string) ([]model.Appointment, error)
	Insert(ctx context.Context, appt model.Appointment) (model.Appointment, error)
	GetForUpdate(ctx context.Context, id string) (model.Appointment, error)
	UpdateStatus(ctx context.Context, id string, status model.Status) (model.Appointment, error)
	UpdateWindow(ctx context.Context, id string, start, end time.Time) (model.Appointment, error)
	UpdateDetails(ctx context.Context, id, title, notes string) (model.Appointment, error)
	AppendEvent(ctx context.Context, evt outbox.Event) error
}
