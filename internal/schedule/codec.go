package schedule

import (
	"strconv"
	"strings"
)

// Encode returns the (kind, value) pair persisted on a recovery step.
//
//	relative          -> "600"
//	next_day_at_time  -> "09:00"
//	plus_days_at_time -> "2|18:00"
func Encode(d Definition) (kind string, value string) {
	switch d.kind {
	case KindRelative:
		return string(KindRelative), strconv.FormatInt(d.seconds, 10)
	case KindNextDayAtTime:
		return string(KindNextDayAtTime), d.timeOfDay.String()
	case KindPlusDaysAtTime:
		return string(KindPlusDaysAtTime), strconv.Itoa(d.daysOffset) + "|" + d.timeOfDay.String()
	default:
		return "", ""
	}
}

// Decode is the inverse of Encode.
func Decode(kind, value string) (Definition, error) {
	input := kind + ":" + value
	switch Kind(kind) {
	case KindRelative:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return Definition{}, &ParseError{Input: input, Hint: hintStoredSchedule, Err: ErrInvalidDelay}
		}
		d, err := NewRelative(n)
		if err != nil {
			return Definition{}, &ParseError{Input: input, Hint: hintStoredSchedule, Err: err}
		}
		return d, nil
	case KindNextDayAtTime:
		t, err := parseStoredClock(value)
		if err != nil {
			return Definition{}, &ParseError{Input: input, Hint: hintStoredSchedule, Err: err}
		}
		return NewNextDayAtTime(t)
	case KindPlusDaysAtTime:
		daysPart, clockPart, ok := strings.Cut(value, "|")
		if !ok {
			return Definition{}, &ParseError{Input: input, Hint: hintStoredSchedule, Err: ErrInvalidDaysOffset}
		}
		days, err := strconv.Atoi(daysPart)
		if err != nil {
			return Definition{}, &ParseError{Input: input, Hint: hintStoredSchedule, Err: ErrInvalidDaysOffset}
		}
		t, err := parseStoredClock(clockPart)
		if err != nil {
			return Definition{}, &ParseError{Input: input, Hint: hintStoredSchedule, Err: err}
		}
		d, err := NewPlusDaysAtTime(days, t)
		if err != nil {
			return Definition{}, &ParseError{Input: input, Hint: hintStoredSchedule, Err: err}
		}
		return d, nil
	default:
		return Definition{}, &ParseError{Input: input, Hint: hintStoredSchedule, Err: ErrUnknownKind}
	}
}

// parseStoredClock accepts only the canonical HH:MM form written by Encode.
func parseStoredClock(s string) (TimeOfDay, error) {
	if len(s) != 5 || s[2] != ':' {
		return TimeOfDay{}, ErrInvalidTimeOfDay
	}
	return parseClock(s)
}
