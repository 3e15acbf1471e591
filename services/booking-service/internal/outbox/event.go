package outbox

import (
	"encoding/json"
	"time"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
)

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType.
type Event struct {
	AggregateType string
	AggregateID   string
	ProviderID    string
	EventType     string
	Payload       []byte
}

const (
	EventAppointmentBooked      = "booking.appointment.booked.v1"
	EventAppointmentRescheduled = "booking.appointment.rescheduled.v1"
	EventAppointmentCancelled   = "booking.appointment.cancelled.v1"
	EventAppointmentNoShow      = "booking.appointment.no_show.v1"
	EventAppointmentCompleted   = "booking.appointment.completed.v1"
	EventAppointmentUpdated     = "booking.appointment.updated.v1"
)

type appointmentPayload struct {
	AppointmentID string `json:"appointment_id"`
	ProviderID    string `json:"provider_id"`
	RequesterID   string `json:"requester_id"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	Status        string `json:"status"`
	PrevStartTime string `json:"prev_start_time,omitempty"`
	PrevEndTime   string `json:"prev_end_time,omitempty"`
	OccurredAt    string `json:"occurred_at"`
}

// AppointmentEvent builds the event for appt. prev is the window before a
// reschedule and may be nil.
func AppointmentEvent(eventType string, appt model.Appointment, prev *model.Appointment, at time.Time) (Event, error) {
	p := appointmentPayload{
		AppointmentID: appt.ID,
		ProviderID:    appt.ProviderID,
		RequesterID:   appt.RequesterID,
		StartTime:     appt.StartTime.UTC().Format(time.RFC3339),
		EndTime:       appt.EndTime.UTC().Format(time.RFC3339),
		Status:        string(appt.Status),
		OccurredAt:    at.UTC().Format(time.RFC3339),
	}
	if prev != nil {
		p.PrevStartTime = prev.StartTime.UTC().Format(time.RFC3339)
		p.PrevEndTime = prev.EndTime.UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return Event{}, err
	}
	return Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		ProviderID:    appt.ProviderID,
		EventType:     eventType,
		Payload:       body,
	}, nil
}
