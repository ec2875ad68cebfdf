package quota

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is a recurring daily time span during which background polling
// runs at its own cadence. Start and End are minutes since local
// midnight; a window whose End is at or before Start wraps across
// midnight. Interval zero pauses background polling inside the window.
type Window struct {
	Start    int
	End      int
	Interval time.Duration
}

// ParseWindow builds a window from "HH:MM" boundaries. Equal boundaries
// make an empty window, which is rejected.
func ParseWindow(start, end string, interval time.Duration) (*Window, error) {
	s, err := parseClock(start)
	if err != nil {
		return nil, fmt.Errorf("invalid window start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return nil, fmt.Errorf("invalid window end: %w", err)
	}
	if s == e {
		return nil, fmt.Errorf("window start and end are both %s", start)
	}
	return &Window{Start: s, End: e, Interval: interval}, nil
}

func parseClock(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil || hours < 0 || hours > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hours*60 + minutes, nil
}

// Contains reports whether t falls inside the window.
func (w *Window) Contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	if w.Start < w.End {
		return m >= w.Start && m < w.End
	}
	// Wraps midnight.
	return m >= w.Start || m < w.End
}

// NextBoundary returns the first window open or close strictly after t.
func (w *Window) NextBoundary(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	next := time.Time{}
	for _, candidate := range []time.Time{
		day.Add(time.Duration(w.Start) * time.Minute),
		day.Add(time.Duration(w.End) * time.Minute),
		day.AddDate(0, 0, 1).Add(time.Duration(w.Start) * time.Minute),
		day.AddDate(0, 0, 1).Add(time.Duration(w.End) * time.Minute),
	} {
		if !candidate.After(t) {
			continue
		}
		if next.IsZero() || candidate.Before(next) {
			next = candidate
		}
	}
	return next
}

// OverlapUntil returns how much of [now, deadline] falls inside the
// window, summed across daily repeats. A daily window contributes at
// most two boundaries per day, so the walk below is short.
func (w *Window) OverlapUntil(now, deadline time.Time) time.Duration {
	if !deadline.After(now) {
		return 0
	}

	var overlap time.Duration
	t := now
	for i := 0; i < 64 && t.Before(deadline); i++ {
		boundary := w.NextBoundary(t)
		segmentEnd := boundary
		if segmentEnd.After(deadline) {
			segmentEnd = deadline
		}
		if w.Contains(t) {
			overlap += segmentEnd.Sub(t)
		}
		t = segmentEnd
	}
	return overlap
}
