// Package schedule implements the delay expression language used by recovery steps.
//
// Operators type expressions such as "30 min", "amanhã 09:00" or "+2d 18:00". They are
// parsed into an immutable Definition, stored as a (kind, value) pair and turned into a
// concrete UTC instant with NextOccurrence.
package schedule

import (
	"fmt"
	"time"
)

// Kind identifies the shape of a schedule definition.
type Kind string

const (
	// KindRelative fires a fixed number of seconds after the base time.
	KindRelative Kind = "relative"
	// KindNextDayAtTime fires on the following local day at a wall-clock time.
	KindNextDayAtTime Kind = "next_day_at_time"
	// KindPlusDaysAtTime fires N local days later at a wall-clock time.
	KindPlusDaysAtTime Kind = "plus_days_at_time"
)

// Bounds for accepted values.
const (
	// MaxRelativeSeconds caps relative delays at roughly ten years.
	MaxRelativeSeconds = 10 * 365 * 24 * 60 * 60
	// MaxDaysOffset caps the day offset of plus_days_at_time definitions.
	MaxDaysOffset = 3650
)

// TimeOfDay is a wall-clock time with minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// NewTimeOfDay validates and returns a TimeOfDay.
func NewTimeOfDay(hour, minute int) (TimeOfDay, error) {
	t := TimeOfDay{Hour: hour, Minute: minute}
	if err := t.validate(); err != nil {
		return TimeOfDay{}, err
	}
	return t, nil
}

func (t TimeOfDay) validate() error {
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 {
		return fmt.Errorf("%w: %02d:%02d", ErrInvalidTimeOfDay, t.Hour, t.Minute)
	}
	return nil
}

// String renders the time as HH:MM.
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Definition is a parsed schedule. The zero value is not valid; use the constructors
// or Parse.
type Definition struct {
	kind       Kind
	seconds    int64
	timeOfDay  TimeOfDay
	daysOffset int
}

// NewRelative builds a relative definition.
func NewRelative(seconds int64) (Definition, error) {
	if seconds < 0 || seconds > MaxRelativeSeconds {
		return Definition{}, fmt.Errorf("%w: %d", ErrInvalidDelay, seconds)
	}
	return Definition{kind: KindRelative, seconds: seconds}, nil
}

// NewNextDayAtTime builds a next_day_at_time definition.
func NewNextDayAtTime(t TimeOfDay) (Definition, error) {
	if err := t.validate(); err != nil {
		return Definition{}, err
	}
	return Definition{kind: KindNextDayAtTime, timeOfDay: t}, nil
}

// NewPlusDaysAtTime builds a plus_days_at_time definition.
func NewPlusDaysAtTime(days int, t TimeOfDay) (Definition, error) {
	if days < 0 || days > MaxDaysOffset {
		return Definition{}, fmt.Errorf("%w: %d", ErrInvalidDaysOffset, days)
	}
	if err := t.validate(); err != nil {
		return Definition{}, err
	}
	return Definition{kind: KindPlusDaysAtTime, timeOfDay: t, daysOffset: days}, nil
}

// Kind returns the definition kind.
func (d Definition) Kind() Kind { return d.kind }

// Seconds returns the relative delay. Only meaningful for KindRelative.
func (d Definition) Seconds() int64 { return d.seconds }

// TimeOfDay returns the wall-clock time for the time-based kinds.
func (d Definition) TimeOfDay() TimeOfDay { return d.timeOfDay }

// DaysOffset returns the day offset. Only meaningful for KindPlusDaysAtTime.
func (d Definition) DaysOffset() int { return d.daysOffset }

// IsZero reports whether d was never constructed.
func (d Definition) IsZero() bool { return d.kind == "" }

func (d Definition) String() string { return Format(d) }

// loadLocation resolves a campaign timezone; empty means UTC.
func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, &ParseError{Input: name, Hint: "unknown timezone, use an IANA name such as America/Sao_Paulo", Err: ErrUnknownTimezone}
	}
	return loc, nil
}

// ValidateTimezone reports whether name is a usable campaign timezone.
func ValidateTimezone(name string) error {
	_, err := loadLocation(name)
	return err
}
