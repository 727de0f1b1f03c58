package schedule

import (
	"time"

	// Campaign timezones must resolve even on hosts without zoneinfo.
	_ "time/tzdata"
)

// NextOccurrence returns the UTC instant at which d fires relative to base.
//
// Calendar arithmetic happens in timezone so "tomorrow" and day boundaries follow the
// campaign's wall clock. For plus_days_at_time, an instant that is not strictly after
// base is moved one more local day forward, including when the offset is zero.
func NextOccurrence(d Definition, base time.Time, timezone string) (time.Time, error) {
	loc, err := loadLocation(timezone)
	if err != nil {
		return time.Time{}, err
	}
	base = base.UTC()

	switch d.kind {
	case KindRelative:
		return base.Add(time.Duration(d.seconds) * time.Second), nil
	case KindNextDayAtTime:
		local := base.In(loc)
		return wallClock(local, 1, d.timeOfDay, loc).UTC(), nil
	case KindPlusDaysAtTime:
		local := base.In(loc)
		candidate := wallClock(local, d.daysOffset, d.timeOfDay, loc)
		if !candidate.After(local) {
			candidate = wallClock(local, d.daysOffset+1, d.timeOfDay, loc)
		}
		return candidate.UTC(), nil
	default:
		return time.Time{}, &ParseError{Input: string(d.kind), Hint: hintStoredSchedule, Err: ErrUnknownKind}
	}
}

// wallClock returns t's local date shifted by days, at the given time of day.
func wallClock(t time.Time, days int, tod TimeOfDay, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+days, tod.Hour, tod.Minute, 0, 0, loc)
}
