package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/md-rashed-zaman/clinicbook/libs/apperr"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPAdapter talks to a REST calendar bridge:
//
//	GET    /v1/providers/{provider}/busy?from=&to=
//	POST   /v1/providers/{provider}/events
//	PUT    /v1/events/{ref}
//	DELETE /v1/events/{ref}
type HTTPAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func NewHTTPAdapter(cfg HTTPConfig) *HTTPAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPAdapter{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type busyResponse struct {
	Busy []struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	} `json:"busy"`
}

type eventRequest struct {
	AppointmentID string    `json:"appointment_id"`
	ProviderID    string    `json:"provider_id"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Title         string    `json:"title,omitempty"`
}

type eventResponse struct {
	ID string `json:"id"`
}

func (a *HTTPAdapter) FetchBusy(ctx context.Context, providerID string, from, to time.Time) ([]BusyInterval, error) {
	q := url.Values{}
	q.Set("from", from.UTC().Format(time.RFC3339))
	q.Set("to", to.UTC().Format(time.RFC3339))
	endpoint := fmt.Sprintf("%s/v1/providers/%s/busy?%s", a.baseURL, url.PathEscape(providerID), q.Encode())

	var out busyResponse
	if err := a.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}

	busy := make([]BusyInterval, 0, len(out.Busy))
	for _, b := range out.Busy {
		if !b.End.After(b.Start) {
			continue
		}
		busy = append(busy, BusyInterval{Start: b.Start.UTC(), End: b.End.UTC(), Source: SourceExternal})
	}
	return busy, nil
}

func (a *HTTPAdapter) MirrorCreate(ctx context.Context, appt model.Appointment) (string, error) {
	endpoint := fmt.Sprintf("%s/v1/providers/%s/events", a.baseURL, url.PathEscape(appt.ProviderID))
	var out eventResponse
	if err := a.do(ctx, http.MethodPost, endpoint, toEventRequest(appt), &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", apperr.ExternalUnavailable("calendar returned no event id", nil)
	}
	return out.ID, nil
}

func (a *HTTPAdapter) MirrorUpdate(ctx context.Context, appt model.Appointment) error {
	if appt.ExternalEventRef == "" {
		return apperr.Validation("appointment has no external event")
	}
	endpoint := fmt.Sprintf("%s/v1/events/%s", a.baseURL, url.PathEscape(appt.ExternalEventRef))
	return a.do(ctx, http.MethodPut, endpoint, toEventRequest(appt), nil)
}

// MirrorDelete treats an already deleted event as success.
func (a *HTTPAdapter) MirrorDelete(ctx context.Context, externalRef string) error {
	if externalRef == "" {
		return nil
	}
	endpoint := fmt.Sprintf("%s/v1/events/%s", a.baseURL, url.PathEscape(externalRef))
	err := a.do(ctx, http.MethodDelete, endpoint, nil, nil)
	if errStatus(err) == http.StatusNotFound {
		return nil
	}
	return err
}

func toEventRequest(appt model.Appointment) eventRequest {
	return eventRequest{
		AppointmentID: appt.ID,
		ProviderID:    appt.ProviderID,
		Start:         appt.StartTime.UTC(),
		End:           appt.EndTime.UTC(),
		Title:         appt.Title,
	}
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("calendar api status %d: %s", e.code, e.body)
}

func errStatus(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.code
	}
	return 0
}

func (a *HTTPAdapter) do(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode calendar request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build calendar request: %w", err)
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return apperr.ExternalUnavailable("calendar request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperr.ExternalUnavailable("calendar request rejected", &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(snippet))})
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.ExternalUnavailable("calendar response malformed", err)
	}
	return nil
}
