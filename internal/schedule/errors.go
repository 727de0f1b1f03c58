package schedule

import (
	"errors"
	"fmt"
)

// Error variables for matching with errors.Is.
var (
	ErrEmptyExpression   = errors.New("schedule expression is empty")
	ErrUnrecognized      = errors.New("schedule expression not recognized")
	ErrMissingDayCount   = errors.New("day offset is missing its count")
	ErrInvalidTimeOfDay  = errors.New("invalid time of day")
	ErrInvalidDelay      = errors.New("invalid relative delay")
	ErrInvalidDaysOffset = errors.New("invalid day offset")
	ErrUnknownKind       = errors.New("unknown schedule kind")
	ErrUnknownTimezone   = errors.New("unknown timezone")
)

// Hints shown to operators alongside a ParseError.
const (
	hintFormats        = `use "0", "30s", "10 min", "2h", "1d", "amanhã 09:00", "+2d 18:00" or "14:15"`
	hintMissingDays    = `add the number of days after "+", for example "+2d 18:00"`
	hintInvalidTime    = "hours must be 00-23 and minutes 00-59"
	hintInvalidDelay   = "delay is out of range"
	hintStoredSchedule = "stored schedule is corrupt, edit the step to fix it"
)

// ParseError reports an expression or stored value that could not be understood.
type ParseError struct {
	Input string
	Hint  string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("schedule %q: %v", e.Input, e.Err)
	}
	return fmt.Sprintf("schedule %q: %v (%s)", e.Input, e.Err, e.Hint)
}

func (e *ParseError) Unwrap() error { return e.Err }
