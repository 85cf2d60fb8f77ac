package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/wolfman30/clinic-agenda/internal/appointments"
	"github.com/wolfman30/clinic-agenda/internal/audit"
	"github.com/wolfman30/clinic-agenda/internal/calendar"
	"github.com/wolfman30/clinic-agenda/internal/clinictime"
	"github.com/wolfman30/clinic-agenda/internal/erp"
	"github.com/wolfman30/clinic-agenda/internal/mirror"
	"github.com/wolfman30/clinic-agenda/internal/scheduling"
	"github.com/wolfman30/clinic-agenda/pkg/logging"
)

// AgendaService is the synchronization engine as seen by the HTTP layer.
type AgendaService interface {
	Create(ctx context.Context, draft appointments.Draft) (*appointments.Appointment, error)
	Update(ctx context.Context, id string, draft appointments.Draft) (*appointments.Appointment, error)
	Cancel(ctx context.Context, id string) (*appointments.Appointment, error)
	Retry(ctx context.Context, id string) (*appointments.Appointment, error)
	Purge(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*appointments.Appointment, error)
	List(ctx context.Context, q mirror.RangeQuery) ([]appointments.Appointment, error)
	Import(ctx context.Context, start, end time.Time) (*scheduling.ImportResult, error)
}

var _ AgendaService = (*scheduling.Engine)(nil)

type AgendaConfig struct {
	Service     AgendaService
	Clock       *clinictime.Normalizer
	Projector   *calendar.Projector
	History     audit.History
	Granularity int
	WeekStart   time.Weekday
	Logger      *logging.Logger
	Now         func() time.Time
}

// AgendaHandler exposes appointment writes, mirror reads and calendar grids.
type AgendaHandler struct {
	svc         AgendaService
	clock       *clinictime.Normalizer
	projector   *calendar.Projector
	history     audit.History
	granularity int
	weekStart   time.Weekday
	logger      *logging.Logger
	now         func() time.Time
	validate    *validator.Validate
}

func NewAgendaHandler(cfg AgendaConfig) *AgendaHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clinictime.NewWithLocation(nil)
	}
	if cfg.Projector == nil {
		cfg.Projector = calendar.NewProjector(cfg.Clock, calendar.Options{Logger: cfg.Logger})
	}
	if cfg.Granularity <= 0 {
		cfg.Granularity = 30
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &AgendaHandler{
		svc:         cfg.Service,
		clock:       cfg.Clock,
		projector:   cfg.Projector,
		history:     cfg.History,
		granularity: cfg.Granularity,
		weekStart:   cfg.WeekStart,
		logger:      cfg.Logger,
		now:         cfg.Now,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Routes mounts the agenda endpoints on r.
func (h *AgendaHandler) Routes(r chi.Router) {
	r.Get("/appointments", h.ListAppointments)
	r.Post("/appointments", h.CreateAppointment)
	r.Get("/appointments/{id}", h.GetAppointment)
	r.Put("/appointments/{id}", h.UpdateAppointment)
	r.Delete("/appointments/{id}", h.PurgeAppointment)
	r.Post("/appointments/{id}/cancel", h.CancelAppointment)
	r.Post("/appointments/{id}/retry", h.RetryAppointment)
	r.Get("/appointments/{id}/history", h.AppointmentHistory)
	r.Post("/import", h.Import)
	r.Get("/calendar", h.Calendar)
}

// appointmentRequest accepts either full instants or the ERP's
// date + from_time/to_time shape.
type appointmentRequest struct {
	ID             string            `json:"id" validate:"omitempty,max=64"`
	ExternalID     string            `json:"external_id" validate:"omitempty,max=64"`
	PatientID      string            `json:"patient_id" validate:"omitempty,max=64"`
	PatientName    string            `json:"patient_name" validate:"omitempty,max=200"`
	ProfessionalID string            `json:"professional_id" validate:"omitempty,max=64"`
	Start          string            `json:"start" validate:"required_without=Date"`
	End            string            `json:"end" validate:"required_without=Date"`
	Date           string            `json:"date" validate:"omitempty,datetime=2006-01-02"`
	FromTime       string            `json:"from_time" validate:"required_with=Date,omitempty,datetime=15:04"`
	ToTime         string            `json:"to_time" validate:"required_with=Date,omitempty,datetime=15:04"`
	Title          string            `json:"title" validate:"max=200"`
	Notes          string            `json:"notes" validate:"max=4000"`
	Metadata       map[string]string `json:"metadata"`
}

func (req appointmentRequest) draft(clock *clinictime.Normalizer) (appointments.Draft, error) {
	var startV, endV clinictime.Value
	if req.Date != "" {
		startV = clinictime.Value{CalendarDay: req.Date, TimeOfDay: req.FromTime}
		endV = clinictime.Value{CalendarDay: req.Date, TimeOfDay: req.ToTime}
	} else {
		startV = clinictime.Value{InstantText: req.Start}
		endV = clinictime.Value{InstantText: req.End}
	}
	start, err := clock.Normalize(startV)
	if err != nil {
		return appointments.Draft{}, err
	}
	end, err := clock.Normalize(endV)
	if err != nil {
		return appointments.Draft{}, err
	}
	return appointments.Draft{
		ID:             strings.TrimSpace(req.ID),
		ExternalID:     strings.TrimSpace(req.ExternalID),
		PatientID:      req.PatientID,
		PatientName:    req.PatientName,
		ProfessionalID: req.ProfessionalID,
		Start:          start,
		End:            end,
		Title:          req.Title,
		Notes:          req.Notes,
		Metadata:       req.Metadata,
	}, nil
}

func (h *AgendaHandler) decodeDraft(w http.ResponseWriter, r *http.Request) (appointments.Draft, bool) {
	var req appointmentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return appointments.Draft{}, false
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return appointments.Draft{}, false
	}
	draft, err := req.draft(h.clock)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return appointments.Draft{}, false
	}
	return draft, true
}

// CreateAppointment books through the ERP and mirrors the result.
// Route: POST /api/agenda/appointments
func (h *AgendaHandler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
	draft, ok := h.decodeDraft(w, r)
	if !ok {
		return
	}
	appt, err := h.svc.Create(r.Context(), draft)
	if err != nil {
		h.writeServiceError(w, r, "create", err)
		return
	}
	writeJSON(w, http.StatusCreated, appt)
}

// UpdateAppointment reschedules an appointment.
// Route: PUT /api/agenda/appointments/{id}
func (h *AgendaHandler) UpdateAppointment(w http.ResponseWriter, r *http.Request) {
	draft, ok := h.decodeDraft(w, r)
	if !ok {
		return
	}
	appt, err := h.svc.Update(r.Context(), chi.URLParam(r, "id"), draft)
	if err != nil {
		h.writeServiceError(w, r, "update", err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

// CancelAppointment cancels in the ERP, then in the mirror.
// Route: POST /api/agenda/appointments/{id}/cancel
func (h *AgendaHandler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	appt, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

// RetryAppointment re-syncs a sync_error appointment from the ERP.
// Route: POST /api/agenda/appointments/{id}/retry
func (h *AgendaHandler) RetryAppointment(w http.ResponseWriter, r *http.Request) {
	appt, err := h.svc.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "retry", err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

// PurgeAppointment hard-deletes a cancelled or unconfirmed mirror record.
// Route: DELETE /api/agenda/appointments/{id}
func (h *AgendaHandler) PurgeAppointment(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Purge(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, r, "purge", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetAppointment reads one mirror record.
// Route: GET /api/agenda/appointments/{id}
func (h *AgendaHandler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	appt, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

// AppointmentHistory lists the sync audit trail of one appointment.
// Route: GET /api/agenda/appointments/{id}/history
func (h *AgendaHandler) AppointmentHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "audit history not configured")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	events, err := h.history.ListForAppointments(r.Context(), []string{chi.URLParam(r, "id")}, limit)
	if err != nil {
		h.logger.Error("failed to load audit history", "error", err, "appointment_id", chi.URLParam(r, "id"))
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// ListAppointments reads the mirror for [start, end). Date-only bounds are
// clinic-local days; the default window is the current week.
// Route: GET /api/agenda/appointments?start=&end=&professional=
func (h *AgendaHandler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	window := calendar.WeekWindow(h.clock, h.now(), h.weekStart)
	start, end := window.Start, window.End
	var err error
	if raw := q.Get("start"); raw != "" {
		if start, err = h.clock.Normalize(clinictime.Value{InstantText: raw}); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if raw := q.Get("end"); raw != "" {
		if end, err = h.clock.Normalize(clinictime.Value{InstantText: raw}); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	rq := mirror.RangeQuery{Start: start, End: end, Professionals: professionals(r)}
	if err := rq.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := h.svc.List(r.Context(), rq)
	if err != nil {
		h.writeServiceError(w, r, "list", err)
		return
	}
	if list == nil {
		list = []appointments.Appointment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"start":        start.UTC(),
		"end":          end.UTC(),
		"appointments": list,
	})
}

// Import pulls an ERP window into the mirror.
// Route: POST /api/agenda/import?start=&end=
func (h *AgendaHandler) Import(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("start") == "" || q.Get("end") == "" {
		writeError(w, http.StatusBadRequest, "start and end are required")
		return
	}
	start, err := h.clock.Normalize(clinictime.Value{InstantText: q.Get("start")})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := h.clock.Normalize(clinictime.Value{InstantText: q.Get("end")})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.svc.Import(r.Context(), start, end)
	if err != nil && res == nil {
		h.writeServiceError(w, r, "import", err)
		return
	}
	body := map[string]any{"result": res}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

// Calendar renders a day, week or month grid from the mirror.
// Route: GET /api/agenda/calendar?view=&date=&professional=&granularity=
func (h *AgendaHandler) Calendar(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	view, err := calendar.ParseView(q.Get("view"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	anchor := h.now()
	if raw := q.Get("date"); raw != "" {
		if anchor, err = h.clock.Wall(raw, ""); err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
	}
	granularity := h.granularity
	if view == calendar.ViewMonth {
		granularity = 24 * 60
	}
	if raw := q.Get("granularity"); raw != "" {
		if granularity, err = strconv.Atoi(raw); err != nil {
			writeError(w, http.StatusBadRequest, "granularity must be a number of minutes")
			return
		}
	}

	window := calendar.WindowFor(h.clock, view, anchor, h.weekStart)
	profs := professionals(r)
	list, err := h.svc.List(r.Context(), mirror.RangeQuery{Start: window.Start, End: window.End, Professionals: profs})
	if err != nil {
		h.writeServiceError(w, r, "calendar", err)
		return
	}
	grid, err := h.projector.Project(r.Context(), list, window, profs, granularity)
	if err != nil {
		if errors.Is(err, calendar.ErrInvalidGranularity) || errors.Is(err, calendar.ErrInvalidWindow) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeServiceError(w, r, "calendar", err)
		return
	}
	writeJSON(w, http.StatusOK, grid)
}

// professionals reads ?professional=a&professional=b and ?professional=a,b.
func professionals(r *http.Request) []string {
	var out []string
	for _, raw := range r.URL.Query()["professional"] {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}

type errorResponse struct {
	Error       string                    `json:"error"`
	Status      appointments.Status       `json:"status,omitempty"`
	Appointment *appointments.Appointment `json:"appointment,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeServiceError maps the sync error taxonomy onto HTTP. A mirror failure
// after an ERP success is a 500 carrying the sync_error record, never a 2xx.
func (h *AgendaHandler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var we *mirror.WriteError
	switch {
	case errors.As(err, &we):
		h.logger.Error("appointment left in sync_error", "operation", op, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:       "appointment saved in the ERP but not locally; it will be reconciled",
			Status:      appointments.StatusSyncError,
			Appointment: we.Record,
		})
	case erp.IsRejected(err):
		reason, _ := erp.RejectionReason(err)
		writeError(w, http.StatusUnprocessableEntity, reason)
	case erp.IsUnavailable(err):
		writeError(w, http.StatusServiceUnavailable, "clinic system unavailable, try again")
	case errors.Is(err, erp.ErrMissingExternalID):
		h.logger.Error("erp returned no id", "operation", op, "error", err)
		writeError(w, http.StatusBadGateway, "clinic system returned an invalid response")
	case errors.Is(err, appointments.ErrInvalidDraft), errors.Is(err, clinictime.ErrInvalidDate):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, scheduling.ErrNotFound), errors.Is(err, erp.ErrNotFound):
		writeError(w, http.StatusNotFound, "appointment not found")
	case errors.Is(err, scheduling.ErrCancelled), errors.Is(err, scheduling.ErrNotConfirmed),
		errors.Is(err, scheduling.ErrPurgeConfirmed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduling.ErrLockTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "appointment is busy, try again")
	default:
		h.logger.Error("agenda request failed", "operation", op, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, strings.ToLower(fe.Field())+" failed "+fe.Tag())
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
