package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/md-rashed-zaman/clinicbook/libs/apperr"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/interval"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/outbox"
)

// MemoryLedger keeps appointments in process. The conflict guard is a keyed
// lock per provider, so it is only correct for a single instance.
type MemoryLedger struct {
	mu     sync.RWMutex
	appts  map[string]model.Appointment
	events []outbox.Event
	locks  *keyedLock
	now    func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		appts: map[string]model.Appointment{},
		locks: newKeyedLock(),
		now:   time.Now,
	}
}

func (l *MemoryLedger) WithProviderGuard(ctx context.Context, providerID string, fn func(tx Tx) error) error {
	unlock, err := l.locks.lock(ctx, providerID)
	if err != nil {
		return apperr.Transient("provider guard not acquired", err)
	}
	defer unlock()

	tx := &memTx{ledger: l, providerID: providerID, staged: map[string]model.Appointment{}}
	if err := fn(tx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, appt := range tx.staged {
		// The external ref is written outside the guard by the mirror worker.
		if cur, ok := l.appts[id]; ok {
			appt.ExternalEventRef = cur.ExternalEventRef
		}
		l.appts[id] = appt
	}
	l.events = append(l.events, tx.events...)
	return nil
}

func (l *MemoryLedger) Get(_ context.Context, id string) (model.Appointment, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	appt, ok := l.appts[id]
	if !ok {
		return model.Appointment{}, apperr.NotFound("appointment not found")
	}
	return appt, nil
}

func (l *MemoryLedger) ListActive(_ context.Context, providerID string, from, to time.Time) ([]model.Appointment, error) {
	return l.list(providerID, from, to, func(s model.Status) bool { return s.Blocking() }), nil
}

func (l *MemoryLedger) ListByProvider(_ context.Context, providerID string, from, to time.Time) ([]model.Appointment, error) {
	return l.list(providerID, from, to, func(model.Status) bool { return true }), nil
}

func (l *MemoryLedger) SetExternalRef(_ context.Context, id, ref string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	appt, ok := l.appts[id]
	if !ok {
		return apperr.NotFound("appointment not found")
	}
	appt.ExternalEventRef = ref
	l.appts[id] = appt
	return nil
}

// Events returns a copy of every committed outbox event.
func (l *MemoryLedger) Events() []outbox.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]outbox.Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *MemoryLedger) list(providerID string, from, to time.Time, keep func(model.Status) bool) []model.Appointment {
	window := interval.New(from, to)
	l.mu.RLock()
	var out []model.Appointment
	for _, appt := range l.appts {
		if appt.ProviderID != providerID || !keep(appt.Status) {
			continue
		}
		if interval.Overlaps(window, interval.New(appt.StartTime, appt.EndTime)) {
			out = append(out, appt)
		}
	}
	l.mu.RUnlock()
	sortByStart(out)
	return out
}

func sortByStart(appts []model.Appointment) {
	sort.Slice(appts, func(i, j int) bool {
		if appts[i].StartTime.Equal(appts[j].StartTime) {
			return appts[i].ID < appts[j].ID
		}
		return appts[i].StartTime.Before(appts[j].StartTime)
	})
}

type memTx struct {
	ledger     *MemoryLedger
	providerID string
	staged     map[string]model.Appointment
	events     []outbox.Event
}

func (tx *memTx) lookup(id string) (model.Appointment, bool) {
	if appt, ok := tx.staged[id]; ok {
		return appt, true
	}
	tx.ledger.mu.RLock()
	defer tx.ledger.mu.RUnlock()
	appt, ok := tx.ledger.appts[id]
	if !ok || appt.ProviderID != tx.providerID {
		return model.Appointment{}, false
	}
	return appt, true
}

func (tx *memTx) FindOverlapping(_ context.Context, start, end time.Time, excludeID string) ([]model.Appointment, error) {
	want := interval.New(start, end)
	seen := map[string]model.Appointment{}

	tx.ledger.mu.RLock()
	for id, appt := range tx.ledger.appts {
		if appt.ProviderID == tx.providerID {
			seen[id] = appt
		}
	}
	tx.ledger.mu.RUnlock()
	for id, appt := range tx.staged {
		seen[id] = appt
	}

	var out []model.Appointment
	for id, appt := range seen {
		if id == excludeID || !appt.Status.Blocking() {
			continue
		}
		if interval.Overlaps(want, interval.New(appt.StartTime, appt.EndTime)) {
			out = append(out, appt)
		}
	}
	sortByStart(out)
	return out, nil
}

func (tx *memTx) Insert(_ context.Context, appt model.Appointment) (model.Appointment, error) {
	if appt.ID == "" || appt.ProviderID != tx.providerID {
		return model.Appointment{}, apperr.Validation("appointment id or provider mismatch")
	}
	if _, exists := tx.lookup(appt.ID); exists {
		return model.Appointment{}, apperr.Validation("appointment already exists")
	}
	now := tx.ledger.now().UTC()
	appt.StartTime = appt.StartTime.UTC()
	appt.EndTime = appt.EndTime.UTC()
	appt.CreatedAt = now
	appt.UpdatedAt = now
	tx.staged[appt.ID] = appt
	return appt, nil
}

func (tx *memTx) GetForUpdate(_ context.Context, id string) (model.Appointment, error) {
	appt, ok := tx.lookup(id)
	if !ok {
		return model.Appointment{}, apperr.NotFound("appointment not found")
	}
	return appt, nil
}

func (tx *memTx) mutate(id string, fn func(*model.Appointment)) (model.Appointment, error) {
	appt, ok := tx.lookup(id)
	if !ok {
		return model.Appointment{}, apperr.NotFound("appointment not found")
	}
	fn(&appt)
	appt.UpdatedAt = tx.ledger.now().UTC()
	tx.staged[id] = appt
	return appt, nil
}

func (tx *memTx) UpdateStatus(_ context.Context, id string, status model.Status) (model.Appointment, error) {
	return tx.mutate(id, func(a *model.Appointment) {
		a.Status = status
		if status == model.StatusCancelled {
			at := tx.ledger.now().UTC()
			a.CancelledAt = &at
		}
	})
}

func (tx *memTx) UpdateWindow(_ context.Context, id string, start, end time.Time) (model.Appointment, error) {
	return tx.mutate(id, func(a *model.Appointment) {
		a.StartTime = start.UTC()
		a.EndTime = end.UTC()
	})
}

func (tx *memTx) UpdateDetails(_ context.Context, id, title, notes string) (model.Appointment, error) {
	return tx.mutate(id, func(a *model.Appointment) {
		a.Title = title
		a.Notes = notes
	})
}

func (tx *memTx) AppendEvent(_ context.Context, evt outbox.Event) error {
	tx.events = append(tx.events, evt)
	return nil
}

// keyedLock hands out one context-aware mutex per key. Entries are removed
// once nobody holds or waits for them.
type keyedLock struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{slots: map[string]*lockSlot{}}
}

func (k *keyedLock) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	slot, ok := k.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		k.slots[key] = slot
	}
	slot.refs++
	k.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, slot)
		return nil, ctx.Err()
	}

	return func() {
		<-slot.ch
		k.release(key, slot)
	}, nil
}

func (k *keyedLock) release(key string, slot *lockSlot) {
	k.mu.Lock()
	slot.refs--
	if slot.refs == 0 {
		delete(k.slots, key)
	}
	k.mu.Unlock()
}
