// Package clinicorp implements erp.Adapter against the Clinicorp REST API.
package clinicorp

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

	"github.com/wolfman30/clinic-agenda/internal/clinictime"
	"github.com/wolfman30/clinic-agenda/internal/erp"
)

// Config holds configuration for the Clinicorp client
type Config struct {
	BaseURL      string // e.g. "https://api.clinicorp.com/rest/v1"
	APIKey       string // API token
	SubscriberID string // Clinic subscriber (basic auth user)
	Timeout      time.Duration
	HTTPClient   *http.Client

	// Normalizer anchors Clinicorp's local date/time fields to the clinic zone.
	Normalizer *clinictime.Normalizer
}

// Client implements erp.Adapter for Clinicorp.
type Client struct {
	baseURL      string
	apiKey       string
	subscriberID string
	httpClient   *http.Client
	clock        *clinictime.Normalizer
}

var _ erp.Adapter = (*Client)(nil)

// New creates a new Clinicorp client
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("clinicorp: BaseURL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("clinicorp: APIKey is required")
	}
	if cfg.Normalizer == nil {
		return nil, errors.New("clinicorp: Normalizer is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		subscriberID: cfg.SubscriberID,
		httpClient:   httpClient,
		clock:        cfg.Normalizer,
	}, nil
}

// Create books an appointment.
// POST /appointments
func (c *Client) Create(ctx context.Context, draft erp.Draft) (*erp.Record, error) {
	payload := c.toWire(draft)
	var created wireAppointment
	if err := c.do(ctx, "create", http.MethodPost, "/appointments", nil, payload, &created); err != nil {
		return nil, err
	}
	rec, err := c.fromWire(created)
	if err != nil {
		return nil, fmt.Errorf("clinicorp: create: %w", err)
	}
	if err := erp.CheckRecord("create", rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get retrieves an appointment by id.
// GET /appointments/{id}
func (c *Client) Get(ctx context.Context, externalID string) (*erp.Record, error) {
	var appt wireAppointment
	path := "/appointments/" + url.PathEscape(externalID)
	if err := c.do(ctx, "get", http.MethodGet, path, nil, nil, &appt); err != nil {
		return nil, err
	}
	rec, err := c.fromWire(appt)
	if err != nil {
		return nil, fmt.Errorf("clinicorp: get: %w", err)
	}
	if err := erp.CheckRecord("get", rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListRange lists appointments starting in [start, end). Clinicorp filters by
// local calendar day, so the day range is widened and trimmed here.
// GET /appointments?from=YYYY-MM-DD&to=YYYY-MM-DD
func (c *Client) ListRange(ctx context.Context, start, end time.Time) ([]erp.Record, error) {
	params := url.Values{}
	params.Set("from", c.clock.CalendarDay(start))
	params.Set("to", c.clock.CalendarDay(end.Add(-time.Nanosecond)))

	var list wireList
	if err := c.do(ctx, "list", http.MethodGet, "/appointments", params, nil, &list); err != nil {
		return nil, err
	}

	out := make([]erp.Record, 0, len(list.Data))
	for _, item := range list.Data {
		rec, err := c.fromWire(item)
		if err != nil {
			// rows without a usable date are skipped
			continue
		}
		if rec.Start.Before(start) || !rec.Start.Before(end) {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

// Update replaces an appointment's schedule.
// PUT /appointments/{id}
func (c *Client) Update(ctx context.Context, externalID string, draft erp.Draft) (*erp.Record, error) {
	payload := c.toWire(draft)
	var updated wireAppointment
	path := "/appointments/" + url.PathEscape(externalID)
	if err := c.do(ctx, "update", http.MethodPut, path, nil, payload, &updated); err != nil {
		return nil, err
	}
	rec, err := c.fromWire(updated)
	if err != nil {
		return nil, fmt.Errorf("clinicorp: update: %w", err)
	}
	if err := erp.CheckRecord("update", rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Cancel marks an appointment deleted.
// POST /appointments/{id}/cancel
func (c *Client) Cancel(ctx context.Context, externalID string) error {
	path := "/appointments/" + url.PathEscape(externalID) + "/cancel"
	return c.do(ctx, "cancel", http.MethodPost, path, nil, nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, params url.Values, body any, out any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("clinicorp: %s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("clinicorp: %s: create request: %w", op, err)
	}
	req.SetBasicAuth(c.subscriberID, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return erp.Unavailable(op, err)
	}
	defer resp.Body.Close()

	if err := classify(op, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return erp.Unavailable(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// classify maps HTTP failures onto the adapter error taxonomy: throttling and
// server faults are transient, other client errors are permanent.
func classify(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	reason := strings.TrimSpace(string(raw))
	var we wireError
	if json.Unmarshal(raw, &we) == nil && we.reason() != "" {
		reason = we.reason()
	}
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("clinicorp: %s: %s: %w", op, reason, erp.ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return erp.Unavailable(op, fmt.Errorf("status %d: %s", resp.StatusCode, reason))
	default:
		return erp.Rejected(op, reason)
	}
}

func (c *Client) toWire(d erp.Draft) wireAppointment {
	loc := c.clock.Location()
	start := d.Start.In(loc)
	end := d.End.In(loc)
	w := wireAppointment{
		PatientName:         d.PatientName,
		Date:                start.Format(clinictime.DayLayout),
		FromTime:            start.Format("15:04"),
		ToTime:              end.Format("15:04"),
		CategoryDescription: d.Title,
		Notes:               d.Notes,
	}
	if d.PatientID != "" {
		w.PatientID = json.Number(d.PatientID)
	}
	if d.ProfessionalID != "" {
		w.DentistID = json.Number(d.ProfessionalID)
	}
	return w
}

func (c *Client) fromWire(w wireAppointment) (*erp.Record, error) {
	start, err := c.clock.Normalize(clinictime.Value{CalendarDay: w.Date, TimeOfDay: w.FromTime})
	if err != nil {
		return nil, err
	}
	end, err := c.clock.Normalize(clinictime.Value{CalendarDay: w.Date, TimeOfDay: w.ToTime})
	if err != nil {
		return nil, err
	}
	// toTime "00:00" closes at the end of the day.
	if !end.After(start) {
		end = c.clock.AddDays(start, 1).UTC()
	}
	return &erp.Record{
		ExternalID:     w.ID.String(),
		PatientID:      w.PatientID.String(),
		PatientName:    w.PatientName,
		PatientPhone:   w.MobilePhone,
		ProfessionalID: w.DentistID.String(),
		Start:          start,
		End:            end,
		Cancelled:      strings.EqualFold(strings.TrimSpace(w.Deleted), deletedMarker),
		Procedure:      w.CategoryDescription,
		Color:          w.CategoryColor,
		Notes:          w.Notes,
	}, nil
}
