package model

import (
	"fmt"
	"time"

	"github.com/md-rashed-zaman/clinicbook/libs/apperr"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no_show"
	StatusCompleted Status = "completed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusCancelled, StatusNoShow, StatusCompleted:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusNoShow || s == StatusCompleted
}

// Blocking reports whether an appointment in s occupies its time: it is
// reported busy by availability and rejects overlapping bookings. Only
// cancellation frees the slot.
func (s Status) Blocking() bool {
	return s != StatusCancelled
}

// Transition validates from -> to. Only scheduled appointments may move, and
// nothing returns to scheduled.
func Transition(from, to Status) error {
	if !from.Valid() || !to.Valid() {
		return apperr.InvalidTransition(fmt.Sprintf("unknown status %q -> %q", from, to))
	}
	if from != StatusScheduled || to == StatusScheduled {
		return apperr.InvalidTransition(fmt.Sprintf("cannot move appointment from %s to %s", from, to))
	}
	return nil
}

type Appointment struct {
	ID               string
	ProviderID       string
	RequesterID      string
	StartTime        time.Time
	EndTime          time.Time
	Status           Status
	Title            string
	Notes            string
	ExternalEventRef string
	CancelledAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
