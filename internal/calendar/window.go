package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/clinic-agenda/internal/clinictime"
)

// View names a calendar layout.
type View string

const (
	ViewDay   View = "day"
	ViewWeek  View = "week"
	ViewMonth View = "month"
)

// ParseView accepts the view names used by the agenda API. Empty means week.
func ParseView(s string) (View, error) {
	switch View(strings.ToLower(strings.TrimSpace(s))) {
	case "", ViewWeek:
		return ViewWeek, nil
	case ViewDay:
		return ViewDay, nil
	case ViewMonth:
		return ViewMonth, nil
	default:
		return "", fmt.Errorf("calendar: unknown view %q", s)
	}
}

// ErrInvalidWindow is returned for windows whose end is not after the start.
var ErrInvalidWindow = errors.New("calendar: window end must be after start")

// Window is the half-open instant range [Start, End) a grid covers.
type Window struct {
	View  View
	Start time.Time
	End   time.Time
}

// Validate checks the window bounds.
func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() || !w.End.After(w.Start) {
		return ErrInvalidWindow
	}
	return nil
}

// Contains reports whether t lies in [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Days lists the clinic days touched by the window, in order, as local midnights.
func (w Window) Days(clock *clinictime.Normalizer) []time.Time {
	if w.Validate() != nil {
		return nil
	}
	var days []time.Time
	for d := clock.StartOfDay(w.Start); d.Before(w.End); d = clock.AddDays(d, 1) {
		days = append(days, d)
	}
	return days
}

// DayWindow covers the clinic day containing anchor.
func DayWindow(clock *clinictime.Normalizer, anchor time.Time) Window {
	start := clock.StartOfDay(anchor)
	return Window{View: ViewDay, Start: start.UTC(), End: clock.AddDays(start, 1).UTC()}
}

// WeekWindow covers the seven clinic days of the week containing anchor.
func WeekWindow(clock *clinictime.Normalizer, anchor time.Time, weekStart time.Weekday) Window {
	local := anchor.In(clock.Location())
	back := (int(local.Weekday()) - int(weekStart) + 7) % 7
	start := clock.AddDays(local, -back)
	return Window{View: ViewWeek, Start: start.UTC(), End: clock.AddDays(start, 7).UTC()}
}

// MonthWindow covers the calendar month containing anchor.
func MonthWindow(clock *clinictime.Normalizer, anchor time.Time) Window {
	local := anchor.In(clock.Location())
	start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, clock.Location())
	end := time.Date(local.Year(), local.Month()+1, 1, 0, 0, 0, 0, clock.Location())
	return Window{View: ViewMonth, Start: start.UTC(), End: end.UTC()}
}

// WindowFor builds the window of the given view around anchor.
func WindowFor(clock *clinictime.Normalizer, view View, anchor time.Time, weekStart time.Weekday) Window {
	switch view {
	case ViewDay:
		return DayWindow(clock, anchor)
	case ViewMonth:
		return MonthWindow(clock, anchor)
	default:
		return WeekWindow(clock, anchor, weekStart)
	}
}

// ParseWeekday reads "sunday".."saturday" (or the three-letter prefix).
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return time.Sunday, nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || (len(s) == 3 && strings.HasPrefix(name, s)) {
			return d, nil
		}
	}
	return time.Sunday, fmt.Errorf("calendar: unknown weekday %q", s)
}
