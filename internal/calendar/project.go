// Package calendar turns a flat list of mirror records into the slot grid
// rendered by the agenda views.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/clinic-agenda/internal/appointments"
	"github.com/wolfman30/clinic-agenda/internal/clinictime"
	"github.com/wolfman30/clinic-agenda/internal/observability/metrics"
	"github.com/wolfman30/clinic-agenda/pkg/logging"
)

// ErrInvalidGranularity is returned for slot sizes outside 1..1440 minutes.
var ErrInvalidGranularity = errors.New("calendar: granularity must be between 1 and 1440 minutes")

const minutesPerDay = 24 * 60

// UntitledLabel is shown for appointments with neither a title nor a patient.
const UntitledLabel = "Sem título"

// Options tune the grid rows.
type Options struct {
	// DayStartHour and DayEndHour bound the empty rows emitted for day and
	// week grids. Occupied slots outside the range are always emitted.
	DayStartHour int
	DayEndHour   int
	Metrics      *metrics.SyncMetrics
	Logger       *logging.Logger
}

// DefaultOptions mirrors the agenda's 08:00-20:00 business hours.
func DefaultOptions() Options {
	return Options{DayStartHour: 8, DayEndHour: 20}
}

// Grid is the projected view.
type Grid struct {
	Window      Window      `json:"window"`
	Granularity int         `json:"granularity_minutes"`
	Days        []Day       `json:"days"`
	Excluded    []Exclusion `json:"excluded,omitempty"`
}

// Day is one clinic-local date of the grid.
type Day struct {
	Date  string    `json:"date"`
	Start time.Time `json:"start"`
	Slots []Slot    `json:"slots"`
}

// Slot is a bucket starting at Minute past local midnight.
type Slot struct {
	Minute     int         `json:"minute"`
	Label      string      `json:"label"`
	Start      time.Time   `json:"start"`
	Placements []Placement `json:"placements"`
}

// Placement positions one appointment inside its slot. Width and Offset are
// percentages of the slot width.
type Placement struct {
	Appointment appointments.Appointment `json:"appointment"`
	Start       time.Time                `json:"start"`
	End         time.Time                `json:"end"`
	Index       int                      `json:"index"`
	Columns     int                      `json:"columns"`
	Width       float64                  `json:"width"`
	Offset      float64                  `json:"offset"`
	Color       string                   `json:"color"`
	Label       string                   `json:"label"`
}

// Exclusion reports a record left out because no instant could be derived.
type Exclusion struct {
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason"`
}

// Cell returns the placements of the slot at minute on date.
func (g *Grid) Cell(date string, minute int) []Placement {
	if g == nil {
		return nil
	}
	for _, d := range g.Days {
		if d.Date != date {
			continue
		}
		for _, s := range d.Slots {
			if s.Minute == minute {
				return s.Placements
			}
		}
		return nil
	}
	return nil
}

// Count returns the number of placed appointments.
func (g *Grid) Count() int {
	if g == nil {
		return 0
	}
	n := 0
	for _, d := range g.Days {
		for _, s := range d.Slots {
			n += len(s.Placements)
		}
	}
	return n
}

// Projector lays appointments out on a grid in the clinic zone.
type Projector struct {
	clock  *clinictime.Normalizer
	opts   Options
	logger *logging.Logger
}

// NewProjector builds a projector. Out of range hours fall back to the defaults.
func NewProjector(clock *clinictime.Normalizer, opts Options) *Projector {
	if clock == nil {
		clock = clinictime.NewWithLocation(nil)
	}
	def := DefaultOptions()
	if opts.DayStartHour < 0 || opts.DayStartHour > 23 {
		opts.DayStartHour = def.DayStartHour
	}
	if opts.DayEndHour <= opts.DayStartHour || opts.DayEndHour > 24 {
		opts.DayEndHour = def.DayEndHour
		if opts.DayEndHour <= opts.DayStartHour {
			opts.DayEndHour = 24
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Projector{clock: clock, opts: opts, logger: logger.Component("calendar")}
}

// Project builds the grid with default options.
func Project(ctx context.Context, clock *clinictime.Normalizer, list []appointments.Appointment, w Window, professionals []string, granularity int) (*Grid, error) {
	return NewProjector(clock, DefaultOptions()).Project(ctx, list, w, professionals, granularity)
}

type entry struct {
	appt  appointments.Appointment
	start time.Time
	end   time.Time
}

// Project places every non-cancelled appointment starting in w on the slot of
// its own clinic day. An empty professionals filter keeps everyone; records
// without a professional are never filtered. The input is not modified.
func (p *Projector) Project(ctx context.Context, list []appointments.Appointment, w Window, professionals []string, granularity int) (*Grid, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if granularity < 1 || granularity > minutesPerDay {
		return nil, ErrInvalidGranularity
	}

	allowed := make(map[string]struct{}, len(professionals))
	for _, id := range professionals {
		if id = strings.TrimSpace(id); id != "" {
			allowed[id] = struct{}{}
		}
	}

	grid := &Grid{Window: w, Granularity: granularity}
	byDay := make(map[string][]entry)
	for _, a := range list {
		if a.Status == appointments.StatusCancelled {
			continue
		}
		if a.ProfessionalID != "" && len(allowed) > 0 {
			if _, ok := allowed[a.ProfessionalID]; !ok {
				continue
			}
		}
		start, end, err := p.clock.Span(a)
		if err != nil {
			grid.Excluded = append(grid.Excluded, Exclusion{AppointmentID: a.ID, Reason: err.Error()})
			continue
		}
		if !w.Contains(start) {
			continue
		}
		day := p.clock.CalendarDay(start)
		byDay[day] = append(byDay[day], entry{appt: a.Clone(), start: start, end: end})
	}

	days := w.Days(p.clock)
	grid.Days = make([]Day, len(days))
	g, gctx := errgroup.WithContext(ctx)
	for i, midnight := range days {
		i, midnight := i, midnight
		date := p.clock.CalendarDay(midnight)
		entries := byDay[date]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			grid.Days[i] = p.layoutDay(date, midnight, entries, granularity)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("calendar: project: %w", err)
	}

	if len(grid.Excluded) > 0 {
		p.logger.Warn("appointments excluded from calendar", "count", len(grid.Excluded), "view", string(w.View))
	}
	p.opts.Metrics.ObserveProjection(string(w.View), len(grid.Excluded))
	return grid, nil
}

func (p *Projector) layoutDay(date string, midnight time.Time, entries []entry, granularity int) Day {
	buckets := make(map[int][]entry)
	for _, e := range entries {
		// Wall-clock minute of the record's own day, so a slot can never
		// spill onto the neighbouring date.
		minute := p.clock.MinuteOfDay(e.start) / granularity * granularity
		buckets[minute] = append(buckets[minute], e)
	}

	minutes := make(map[int]struct{}, len(buckets))
	for m := range buckets {
		minutes[m] = struct{}{}
	}
	if granularity < minutesPerDay {
		first := p.opts.DayStartHour * 60 / granularity * granularity
		for m := first; m < p.opts.DayEndHour*60; m += granularity {
			minutes[m] = struct{}{}
		}
	} else {
		minutes[0] = struct{}{}
	}
	ordered := make([]int, 0, len(minutes))
	for m := range minutes {
		ordered = append(ordered, m)
	}
	sort.Ints(ordered)

	y, mo, d := midnight.Date()
	loc := p.clock.Location()
	slots := make([]Slot, 0, len(ordered))
	for _, m := range ordered {
		slots = append(slots, Slot{
			Minute:     m,
			Label:      fmt.Sprintf("%02d:%02d", m/60, m%60),
			Start:      time.Date(y, mo, d, 0, m, 0, 0, loc).UTC(),
			Placements: layoutSlot(buckets[m]),
		})
	}
	return Day{Date: date, Start: midnight.UTC(), Slots: slots}
}

// layoutSlot orders a slot by start then id and splits its width evenly.
func layoutSlot(entries []entry) []Placement {
	if len(entries) == 0 {
		return []Placement{}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].start.Equal(entries[j].start) {
			return entries[i].start.Before(entries[j].start)
		}
		return entries[i].appt.ID < entries[j].appt.ID
	})
	n := len(entries)
	width := 100.0 / float64(n)
	out := make([]Placement, n)
	for i, e := range entries {
		out[i] = Placement{
			Appointment: e.appt,
			Start:       e.start,
			End:         e.end,
			Index:       i,
			Columns:     n,
			Width:       width,
			Offset:      float64(i) * width,
			Color:       ColorFor(e.appt),
			Label:       labelFor(e.appt),
		}
	}
	return out
}

func labelFor(a appointments.Appointment) string {
	for _, s := range []string{a.Title, a.PatientName, a.Metadata[appointments.MetaPatientName]} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return UntitledLabel
}
