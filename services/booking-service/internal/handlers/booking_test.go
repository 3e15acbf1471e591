package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/md-rashed-zaman/clinicbook/libs/auth"
	"github.com/md-rashed-zaman/clinicbook/libs/httpx"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/hours"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2030-03-04 is a Monday.
const testDay = "2030-03-04"

func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.NewMemoryLedger()
	calc := availability.NewCalculator(nil, l, logger, time.Second)
	svc := booking.NewService(l, hours.NewStaticProvider(hours.DefaultStaticConfig()), calc, nil, logger, booking.Config{AllowPast: true})
	mux := http.NewServeMux()
	NewBookingHandler(svc, logger).Register(mux)
	return mux
}

func do(t *testing.T, mux http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func createBody(start, end string) string {
	return `{"provider_id":"dr-1","requester_id":"pt-1","start_time":"` + start + `","end_time":"` + end + `","title":"Checkup"}`
}

func TestAvailabilityEndpoint(t *testing.T) {
	mux := newTestMux(t)

	rec := do(t, mux, http.MethodGet, "/api/v1/availability?provider_id=dr-1&date="+testDay+"&duration_minutes=60", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[availabilityResponse](t, rec)
	assert.False(t, resp.Degraded)
	require.Len(t, resp.Slots, 8)
	assert.Equal(t, testDay+"T09:00:00Z", resp.Slots[0].StartTime)
	assert.Equal(t, testDay+"T17:00:00Z", resp.Slots[7].EndTime)

	rec = do(t, mux, http.MethodPost, "/api/v1/appointments", createBody(testDay+"T09:00:00Z", testDay+"T10:00:00Z"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, mux, http.MethodGet, "/api/v1/availability?provider_id=dr-1&date="+testDay+"&duration_minutes=60", "")
	resp = decodeBody[availabilityResponse](t, rec)
	assert.False(t, resp.Slots[0].Available)
	assert.True(t, resp.Slots[1].Available)
}

func TestAvailabilityValidation(t *testing.T) {
	mux := newTestMux(t)
	cases := []string{
		"/api/v1/availability?provider_id=dr-1",
		"/api/v1/availability?provider_id=dr-1&date=03-04-2030",
		"/api/v1/availability?provider_id=dr-1&date=" + testDay + "&duration_minutes=abc",
		"/api/v1/availability?date=" + testDay,
	}
	for _, target := range cases {
		rec := do(t, mux, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		body := decodeBody[errorBody](t, rec)
		assert.Equal(t, "VALIDATION", body.Error.Code, target)
	}
}

func TestCreateConflictAndLifecycle(t *testing.T) {
	mux := newTestMux(t)

	rec := do(t, mux, http.MethodPost, "/api/v1/appointments", createBody(testDay+"T10:00:00Z", testDay+"T10:30:00Z"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[appointmentItem](t, rec)
	assert.Equal(t, "scheduled", created.Status)
	assert.Equal(t, "Checkup", created.Title)

	rec = do(t, mux, http.MethodPost, "/api/v1/appointments", createBody(testDay+"T10:15:00Z", testDay+"T10:45:00Z"))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "SLOT_CONFLICT", decodeBody[errorBody](t, rec).Error.Code)

	rec = do(t, mux, http.MethodGet, "/api/v1/appointments/get?id="+created.AppointmentID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.AppointmentID, decodeBody[appointmentItem](t, rec).AppointmentID)

	rec = do(t, mux, http.MethodPost, "/api/v1/appointments/reschedule",
		`{"appointment_id":"`+created.AppointmentID+`","start_time":"`+testDay+`T11:00:00Z","end_time":"`+testDay+`T11:30:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, testDay+"T11:00:00Z", decodeBody[appointmentItem](t, rec).StartTime)

	rec = do(t, mux, http.MethodPost, "/api/v1/appointments/details", `{"appointment_id":"`+created.AppointmentID+`","title":"Follow-up"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Follow-up", decodeBody[appointmentItem](t, rec).Title)

	rec = do(t, mux, http.MethodPost, "/api/v1/appointments/complete", `{"appointment_id":"`+created.AppointmentID+`"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_TRANSITION", decodeBody[errorBody](t, rec).Error.Code)

	for i := 0; i < 2; i++ {
		rec = do(t, mux, http.MethodPost, "/api/v1/appointments/cancel", `{"appointment_id":"`+created.AppointmentID+`"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		item := decodeBody[appointmentItem](t, rec)
		assert.Equal(t, "cancelled", item.Status)
		assert.NotEmpty(t, item.CancelledAt)
	}

	rec = do(t, mux, http.MethodGet, "/api/v1/appointments?provider_id=dr-1&date="+testDay, "")
	require.Equal(t, http.StatusOK, rec.Code)
	items := decodeBody[[]appointmentItem](t, rec)
	require.Len(t, items, 1)
	assert.Equal(t, "cancelled", items[0].Status)
}

func TestErrorsAndMethods(t *testing.T) {
	mux := newTestMux(t)

	rec := do(t, mux, http.MethodGet, "/api/v1/appointments/get?id=missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeBody[errorBody](t, rec).Error.Code)

	rec = do(t, mux, http.MethodPost, "/api/v1/appointments", "{")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, mux, http.MethodPost, "/api/v1/appointments", createBody("tomorrow", testDay+"T10:00:00Z"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, mux, http.MethodPost, "/api/v1/appointments", createBody(testDay+"T18:00:00Z", testDay+"T19:00:00Z"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, mux, http.MethodDelete, "/api/v1/appointments", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(t, mux, http.MethodGet, "/api/v1/appointments/cancel", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(t, mux, http.MethodPost, "/api/v1/appointments/cancel", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCloseEndpointsRequireClinicianOrAdmin(t *testing.T) {
	mux := newTestMux(t)

	cases := []struct {
		role string
		want int
	}{
		{auth.RolePatient, http.StatusForbidden},
		{"", http.StatusForbidden},
		{auth.RoleClinician, http.StatusNotFound},
		{auth.RoleAdmin, http.StatusNotFound},
	}
	for _, path := range []string{"/api/v1/appointments/no-show", "/api/v1/appointments/complete"} {
		for _, tc := range cases {
			req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"appointment_id":"x"}`))
			req = req.WithContext(httpx.WithPrincipal(req.Context(), httpx.Principal{Subject: "u-1", Role: tc.role}))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code, "%s as %q", path, tc.role)
		}
	}
}
