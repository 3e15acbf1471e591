package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/clinicbook/libs/apperr"
	"github.com/md-rashed-zaman/clinicbook/libs/auth"
	"github.com/md-rashed-zaman/clinicbook/libs/httpx"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
)

// Service is the booking API the handlers drive.
type Service interface {
	GetAvailability(ctx context.Context, providerID string, from, to time.Time, duration, step time.Duration) (availability.Result, error)
	Create(ctx context.Context, req booking.CreateRequest) (model.Appointment, error)
	Reschedule(ctx context.Context, id string, newStart, newEnd time.Time) (model.Appointment, error)
	Cancel(ctx context.Context, id string) (model.Appointment, error)
	MarkNoShow(ctx context.Context, id string) (model.Appointment, error)
	Complete(ctx context.Context, id string) (model.Appointment, error)
	UpdateDetails(ctx context.Context, id, title, notes string) (model.Appointment, error)
	Get(ctx context.Context, id string) (model.Appointment, error)
	ListByProvider(ctx context.Context, providerID string, from, to time.Time) ([]model.Appointment, error)
}

type BookingHandler struct {
	svc    Service
	logger *slog.Logger
}

func NewBookingHandler(svc Service, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{svc: svc, logger: logger}
}

// Register mounts the booking API on mux. Closing an appointment as no-show
// or completed is reserved for clinicians and admins.
func (h *BookingHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/availability", h.Availability)
	mux.HandleFunc("/api/v1/appointments", h.Appointments)
	mux.HandleFunc("/api/v1/appointments/get", h.Get)
	mux.HandleFunc("/api/v1/appointments/reschedule", h.Reschedule)
	mux.HandleFunc("/api/v1/appointments/cancel", h.Cancel)
	mux.Handle("/api/v1/appointments/no-show", httpx.RequireRole(http.HandlerFunc(h.NoShow), auth.RoleClinician, auth.RoleAdmin))
	mux.Handle("/api/v1/appointments/complete", httpx.RequireRole(http.HandlerFunc(h.Complete), auth.RoleClinician, auth.RoleAdmin))
	mux.HandleFunc("/api/v1/appointments/details", h.Details)
}

type appointmentItem struct {
	AppointmentID string `json:"appointment_id"`
	ProviderID    string `json:"provider_id"`
	RequesterID   string `json:"requester_id"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	Status        string `json:"status"`
	Title         string `json:"title,omitempty"`
	Notes         string `json:"notes,omitempty"`
	ExternalRef   string `json:"external_event_ref,omitempty"`
	CancelledAt   string `json:"cancelled_at,omitempty"`
	CreatedAt     string `json:"created_at,omitempty"`
}

type slotItem struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Available bool   `json:"available"`
}

type availabilityResponse struct {
	ProviderID string     `json:"provider_id"`
	Degraded   bool       `json:"degraded"`
	Slots      []slotItem `json:"slots"`
}

type createRequest struct {
	ProviderID  string `json:"provider_id"`
	RequesterID string `json:"requester_id"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Title       string `json:"title"`
	Notes       string `json:"notes"`
}

type rescheduleRequest struct {
	AppointmentID string `json:"appointment_id"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
}

type idRequest struct {
	AppointmentID string `json:"appointment_id"`
}

type detailsRequest struct {
	AppointmentID string `json:"appointment_id"`
	Title         string `json:"title"`
	Notes         string `json:"notes"`
}

func (h *BookingHandler) Availability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	providerID := strings.TrimSpace(q.Get("provider_id"))
	from, to, err := parseRange(q.Get("date"), q.Get("from"), q.Get("to"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	duration, err := minutesParam(q.Get("duration_minutes"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	step, err := minutesParam(q.Get("step_minutes"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.svc.GetAvailability(r.Context(), providerID, from, to, duration, step)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := availabilityResponse{ProviderID: providerID, Degraded: res.Degraded, Slots: make([]slotItem, 0, len(res.Slots))}
	for _, s := range res.Slots {
		resp.Slots = append(resp.Slots, slotItem{
			StartTime: s.Start.UTC().Format(time.RFC3339),
			EndTime:   s.End.UTC().Format(time.RFC3339),
			Available: s.Available,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Appointments creates on POST and lists a provider's appointments on GET.
func (h *BookingHandler) Appointments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.create(w, r)
	case http.MethodGet:
		h.list(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *BookingHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decode(w, r, &req) {
		return
	}
	start, end, err := parseWindow(req.StartTime, req.EndTime)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	requester := req.RequesterID
	if p, ok := httpx.PrincipalFromContext(r.Context()); ok && strings.TrimSpace(requester) == "" {
		requester = p.Subject
	}

	appt, err := h.svc.Create(r.Context(), booking.CreateRequest{
		ProviderID:  req.ProviderID,
		RequesterID: requester,
		Start:       start,
		End:         end,
		Title:       req.Title,
		Notes:       req.Notes,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toItem(appt))
}

func (h *BookingHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, err := parseRange(q.Get("date"), q.Get("from"), q.Get("to"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	appts, err := h.svc.ListByProvider(r.Context(), strings.TrimSpace(q.Get("provider_id")), from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items := make([]appointmentItem, 0, len(appts))
	for _, a := range appts {
		items = append(items, toItem(a))
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *BookingHandler) Get(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	appt, err := h.svc.Get(r.Context(), strings.TrimSpace(r.URL.Query().Get("id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItem(appt))
}

func (h *BookingHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req rescheduleRequest
	if !decode(w, r, &req) {
		return
	}
	start, end, err := parseWindow(req.StartTime, req.EndTime)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	appt, err := h.svc.Reschedule(r.Context(), strings.TrimSpace(req.AppointmentID), start, end)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItem(appt))
}

func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Cancel)
}

func (h *BookingHandler) NoShow(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.MarkNoShow)
}

func (h *BookingHandler) Complete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Complete)
}

func (h *BookingHandler) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (model.Appointment, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req idRequest
	if !decode(w, r, &req) {
		return
	}
	id := strings.TrimSpace(req.AppointmentID)
	if id == "" {
		h.writeError(w, r, apperr.Validation("appointment_id is required"))
		return
	}
	appt, err := op(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItem(appt))
}

func (h *BookingHandler) Details(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req detailsRequest
	if !decode(w, r, &req) {
		return
	}
	appt, err := h.svc.UpdateDetails(r.Context(), strings.TrimSpace(req.AppointmentID), req.Title, req.Notes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItem(appt))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return false
	}
	return true
}

func parseWindow(rawStart, rawEnd string) (time.Time, time.Time, error) {
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(rawStart))
	if err != nil {
		return time.Time{}, time.Time{}, apperr.Validation("invalid start_time")
	}
	end, err := time.Parse(time.RFC3339, strings.TrimSpace(rawEnd))
	if err != nil {
		return time.Time{}, time.Time{}, apperr.Validation("invalid end_time")
	}
	return start, end, nil
}

// parseRange accepts either a date (one UTC day) or an RFC3339 from/to pair.
func parseRange(date, from, to string) (time.Time, time.Time, error) {
	if date = strings.TrimSpace(date); date != "" {
		day, err := time.Parse("2006-01-02", date)
		if err != nil {
			return time.Time{}, time.Time{}, apperr.Validation("date must be YYYY-MM-DD")
		}
		return day, day.Add(24 * time.Hour), nil
	}
	if strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" {
		return time.Time{}, time.Time{}, apperr.Validation("date or from and to are required")
	}
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(from))
	if err != nil {
		return time.Time{}, time.Time{}, apperr.Validation("invalid from")
	}
	end, err := time.Parse(time.RFC3339, strings.TrimSpace(to))
	if err != nil {
		return time.Time{}, time.Time{}, apperr.Validation("invalid to")
	}
	return start, end, nil
}

func minutesParam(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 24*60 {
		return 0, apperr.Validation("minutes must be between 1 and 1440")
	}
	return time.Duration(n) * time.Minute, nil
}

func toItem(a model.Appointment) appointmentItem {
	item := appointmentItem{
		AppointmentID: a.ID,
		ProviderID:    a.ProviderID,
		RequesterID:   a.RequesterID,
		StartTime:     a.StartTime.UTC().Format(time.RFC3339),
		EndTime:       a.EndTime.UTC().Format(time.RFC3339),
		Status:        string(a.Status),
		Title:         a.Title,
		Notes:         a.Notes,
		ExternalRef:   a.ExternalEventRef,
	}
	if a.CancelledAt != nil {
		item.CancelledAt = a.CancelledAt.UTC().Format(time.RFC3339)
	}
	if !a.CreatedAt.IsZero() {
		item.CreatedAt = a.CreatedAt.UTC().Format(time.RFC3339)
	}
	return item
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *BookingHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err, "request_id", httpx.RequestIDFromContext(r.Context()))
	}
	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:    string(apperr.KindOf(err)),
		Message: apperr.Message(err),
	}})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
