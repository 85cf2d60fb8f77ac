// Package clinictime resolves the mixed date representations found in
// appointment data into canonical instants, anchored to the clinic's zone.
package clinictime

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // the clinic zone must resolve on hosts without zoneinfo

	"github.com/wolfman30/clinic-agenda/internal/appointments"
)

// DefaultTimezone is used when no clinic zone is configured.
const DefaultTimezone = "America/Sao_Paulo"

// DayLayout is the canonical calendar-day format.
const DayLayout = "2006-01-02"

// ErrInvalidDate is wrapped by every InvalidDateError.
var ErrInvalidDate = errors.New("clinictime: invalid date")

// InvalidDateError reports a value with no usable date representation.
type InvalidDateError struct {
	Value  Value
	Reason string
}

func (e *InvalidDateError) Error() string {
	return fmt.Sprintf("clinictime: invalid date (%s): instant=%q day=%q time=%q",
		e.Reason, e.Value.InstantText, e.Value.CalendarDay, e.Value.TimeOfDay)
}

func (e *InvalidDateError) Unwrap() error { return ErrInvalidDate }

// Value is a raw date as it arrives from the mirror or the ERP.
type Value struct {
	// Instant is a true timestamp; when set it wins unchanged.
	Instant time.Time
	// InstantText is a serialized timestamp. A bare YYYY-MM-DD here is treated
	// as a calendar day.
	InstantText string
	// CalendarDay is a date-only value. Only the YYYY-MM-DD prefix is read, so
	// ERP date carriers like "2026-02-02T03:00:00.000Z" keep their day.
	CalendarDay string
	// TimeOfDay is a local wall-clock "HH:MM" combined with CalendarDay.
	TimeOfDay string
}

var instantLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05.999999Z07:00",
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

var timeOfDayLayouts = []string{"15:04", "15:04:05"}

// Normalizer interprets date-only values as local wall-clock days of one clinic.
type Normalizer struct {
	loc *time.Location
}

// New loads the clinic zone. An empty name selects DefaultTimezone.
func New(timezone string) (*Normalizer, error) {
	timezone = strings.TrimSpace(timezone)
	if timezone == "" {
		timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("clinictime: load timezone %q: %w", timezone, err)
	}
	return &Normalizer{loc: loc}, nil
}

// NewWithLocation wraps an already loaded zone. nil means UTC.
func NewWithLocation(loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{loc: loc}
}

// Location returns the clinic zone.
func (n *Normalizer) Location() *time.Location {
	return n.loc
}

// Normalize resolves v into a UTC instant.
func (n *Normalizer) Normalize(v Value) (time.Time, error) {
	if !v.Instant.IsZero() {
		return v.Instant.UTC(), nil
	}

	day := strings.TrimSpace(v.CalendarDay)
	if text := strings.TrimSpace(v.InstantText); text != "" {
		if isDateOnly(text) {
			if day == "" {
				day = text
			}
		} else if t, ok := n.parseInstant(text); ok {
			return t.UTC(), nil
		}
	}

	if day == "" {
		reason := "no instant or calendar day"
		if strings.TrimSpace(v.InstantText) != "" {
			reason = "unparseable instant and no calendar day"
		}
		return time.Time{}, &InvalidDateError{Value: v, Reason: reason}
	}

	t, err := n.Wall(day, v.TimeOfDay)
	if err != nil {
		return time.Time{}, &InvalidDateError{Value: v, Reason: err.Error()}
	}
	return t.UTC(), nil
}

// Wall builds the clinic-local instant for a calendar day and optional "HH:MM".
// A wall time skipped by a DST jump is moved forward by time.Date, which keeps
// it on the same calendar day.
func (n *Normalizer) Wall(day, timeOfDay string) (time.Time, error) {
	date, err := parseDay(day)
	if err != nil {
		return time.Time{}, err
	}
	hour, minute, sec := 0, 0, 0
	if tod := strings.TrimSpace(timeOfDay); tod != "" {
		parsed, err := parseTimeOfDay(tod)
		if err != nil {
			return time.Time{}, err
		}
		hour, minute, sec = parsed.Clock()
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, hour, minute, sec, 0, n.loc), nil
}

// CalendarDay returns the clinic-local date of t.
func (n *Normalizer) CalendarDay(t time.Time) string {
	return t.In(n.loc).Format(DayLayout)
}

// StartOfDay returns local midnight of the clinic day containing t.
func (n *Normalizer) StartOfDay(t time.Time) time.Time {
	y, m, d := t.In(n.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, n.loc)
}

// AddDays moves t's clinic day by days, landing on local midnight.
func (n *Normalizer) AddDays(t time.Time, days int) time.Time {
	y, m, d := t.In(n.loc).Date()
	return time.Date(y, m, d+days, 0, 0, 0, 0, n.loc)
}

// DayRange returns the half-open span of calendar days [from, to) whose local
// midnight falls in [start, end).
func (n *Normalizer) DayRange(start, end time.Time) (from, to string) {
	ceil := func(t time.Time) string {
		day := n.StartOfDay(t)
		if day.Before(t) {
			day = n.AddDays(t, 1)
		}
		return n.CalendarDay(day)
	}
	return ceil(start), ceil(end)
}

// MinuteOfDay returns the wall-clock minute of t in the clinic zone.
func (n *Normalizer) MinuteOfDay(t time.Time) int {
	local := t.In(n.loc)
	return local.Hour()*60 + local.Minute()
}

// NormalizeRecord resolves the start of a mirror record.
func (n *Normalizer) NormalizeRecord(a appointments.Appointment) (time.Time, error) {
	return n.Normalize(Value{Instant: a.StartInstant, CalendarDay: a.CalendarDay})
}

// Span resolves both ends of a record. Day-only records without an end span
// the whole clinic day.
func (n *Normalizer) Span(a appointments.Appointment) (time.Time, time.Time, error) {
	start, err := n.NormalizeRecord(a)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end := a.EndInstant.UTC()
	if a.EndInstant.IsZero() {
		if !a.StartInstant.IsZero() {
			return time.Time{}, time.Time{}, &InvalidDateError{
				Value:  Value{Instant: a.StartInstant},
				Reason: "missing end instant",
			}
		}
		end = n.AddDays(start, 1).UTC()
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, &InvalidDateError{
			Value:  Value{Instant: a.StartInstant, CalendarDay: a.CalendarDay},
			Reason: "end is not after start",
		}
	}
	return start, end, nil
}

func (n *Normalizer) parseInstant(text string) (time.Time, bool) {
	for _, layout := range instantLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t, true
		}
	}
	// Timestamps without an offset are clinic wall-clock times.
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, text, n.loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func isDateOnly(text string) bool {
	if len(text) != len(DayLayout) {
		return false
	}
	_, err := time.Parse(DayLayout, text)
	return err == nil
}

func parseDay(day string) (time.Time, error) {
	day = strings.TrimSpace(day)
	if i := strings.IndexAny(day, "T "); i >= 0 {
		day = day[:i]
	}
	t, err := time.Parse(DayLayout, day)
	if err != nil {
		return time.Time{}, fmt.Errorf("calendar day %q is not YYYY-MM-DD", day)
	}
	return t, nil
}

func parseTimeOfDay(tod string) (time.Time, error) {
	for _, layout := range timeOfDayLayouts {
		if t, err := time.Parse(layout, tod); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("time of day %q is not HH:MM", tod)
}
