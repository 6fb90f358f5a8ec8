package aggregation

import (
	"fmt"
	"time"
)

// Range selects the calendar window of a series
type Range string

const (
	RangeToday      Range = "today"
	RangeYesterday  Range = "yesterday"
	RangeLast7Days  Range = "last_7_days"
	RangeLast30Days Range = "last_30_days"
)

// Grain is the bucket width of a series
type Grain string

const (
	GrainHour Grain = "hour"
	GrainDay  Grain = "day"
)

func ParseRange(s string) (Range, error) {
	switch Range(s) {
	case RangeToday, RangeYesterday, RangeLast7Days, RangeLast30Days:
		return Range(s), nil
	}
	return "", fmt.Errorf("unknown range %q", s)
}

// Window is the half-open interval [Start, End) covered by a range
type Window struct {
	Start time.Time
	End   time.Time
	Grain Grain
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// WindowFor computes the calendar window of r relative to now, using now's
// location for midnight boundaries.
func WindowFor(r Range, now time.Time) (Window, error) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	tomorrow := dayOffset(midnight, 1)

	switch r {
	case RangeToday:
		return Window{Start: midnight, End: tomorrow, Grain: GrainHour}, nil
	case RangeYesterday:
		return Window{Start: dayOffset(midnight, -1), End: midnight, Grain: GrainHour}, nil
	case RangeLast7Days:
		return Window{Start: dayOffset(midnight, -6), End: tomorrow, Grain: GrainDay}, nil
	case RangeLast30Days:
		return Window{Start: dayOffset(midnight, -29), End: tomorrow, Grain: GrainDay}, nil
	}
	return Window{}, fmt.Errorf("unknown range %q", r)
}

// dayOffset moves by calendar days so DST transitions keep midnight at midnight.
func dayOffset(midnight time.Time, days int) time.Time {
	return time.Date(midnight.Year(), midnight.Month(), midnight.Day()+days, 0, 0, 0, 0, midnight.Location())
}

// bucketKey labels t for the grain: "H:00" for hours, "D/M" for days.
func bucketKey(t time.Time, g Grain) string {
	if g == GrainHour {
		return fmt.Sprintf("%d:00", t.Hour())
	}
	return fmt.Sprintf("%d/%d", t.Day(), int(t.Month()))
}
