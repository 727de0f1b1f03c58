package schedule

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	relativePattern    = regexp.MustCompile(`^(\d+) ?([a-z]+)$`)
	clockPattern       = regexp.MustCompile(`^(\d{1,2})[:h](\d{2})$`)
	tomorrowPattern    = regexp.MustCompile(`^(?:amanha|tomorrow) ?(\d{1,2}[:h]\d{2})$`)
	plusDaysPattern    = regexp.MustCompile(`^\+ ?(\d+) ?(?:d|dia|dias|day|days) ?(\d{1,2}[:h]\d{2})$`)
	missingDaysPattern = regexp.MustCompile(`^\+ ?d`)
)

var immediateWords = map[string]bool{
	"0":             true,
	"agora":         true,
	"now":           true,
	"imediato":      true,
	"imediatamente": true,
	"ja":            true,
}

var unitSeconds = map[string]int64{
	"s": 1, "seg": 1, "segs": 1, "segundo": 1, "segundos": 1,
	"sec": 1, "secs": 1, "second": 1, "seconds": 1,
	"m": 60, "min": 60, "mins": 60, "minuto": 60, "minutos": 60,
	"minute": 60, "minutes": 60,
	"h": 3600, "hr": 3600, "hrs": 3600, "hora": 3600, "horas": 3600,
	"hour": 3600, "hours": 3600,
	"d": 86400, "dia": 86400, "dias": 86400, "day": 86400, "days": 86400,
}

// Parse turns an operator-entered expression into a Definition. Matching ignores
// case, accents and repeated whitespace.
func Parse(expression string) (Definition, error) {
	s := normalize(expression)
	if s == "" {
		return Definition{}, &ParseError{Input: expression, Hint: hintFormats, Err: ErrEmptyExpression}
	}

	if immediateWords[s] {
		return Definition{kind: KindRelative}, nil
	}

	if m := tomorrowPattern.FindStringSubmatch(s); m != nil {
		t, err := parseClock(m[1])
		if err != nil {
			return Definition{}, &ParseError{Input: expression, Hint: hintInvalidTime, Err: err}
		}
		return NewNextDayAtTime(t)
	}

	if m := plusDaysPattern.FindStringSubmatch(s); m != nil {
		days, err := strconv.Atoi(m[1])
		if err != nil || days > MaxDaysOffset {
			return Definition{}, &ParseError{Input: expression, Hint: hintInvalidDelay, Err: ErrInvalidDaysOffset}
		}
		t, err := parseClock(m[2])
		if err != nil {
			return Definition{}, &ParseError{Input: expression, Hint: hintInvalidTime, Err: err}
		}
		return NewPlusDaysAtTime(days, t)
	}

	if missingDaysPattern.MatchString(s) {
		return Definition{}, &ParseError{Input: expression, Hint: hintMissingDays, Err: ErrMissingDayCount}
	}

	if clockPattern.MatchString(s) {
		t, err := parseClock(s)
		if err != nil {
			return Definition{}, &ParseError{Input: expression, Hint: hintInvalidTime, Err: err}
		}
		return NewPlusDaysAtTime(0, t)
	}

	if m := relativePattern.FindStringSubmatch(s); m != nil {
		unit, ok := unitSeconds[m[2]]
		if !ok {
			return Definition{}, &ParseError{Input: expression, Hint: hintFormats, Err: ErrUnrecognized}
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || n > MaxRelativeSeconds/unit {
			return Definition{}, &ParseError{Input: expression, Hint: hintInvalidDelay, Err: ErrInvalidDelay}
		}
		return NewRelative(n * unit)
	}

	return Definition{}, &ParseError{Input: expression, Hint: hintFormats, Err: ErrUnrecognized}
}

// normalize strips accents, lowercases and collapses whitespace.
func normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	return strings.Join(strings.Fields(strings.ToLower(stripped)), " ")
}

// parseClock reads "H:MM", "HH:MM" or "HHhMM".
func parseClock(s string) (TimeOfDay, error) {
	m := clockPattern.FindStringSubmatch(s)
	if m == nil {
		return TimeOfDay{}, ErrInvalidTimeOfDay
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	return NewTimeOfDay(hour, minute)
}

// IsMissingDayCount reports whether err is the "+d…" without a count error.
func IsMissingDayCount(err error) bool {
	return errors.Is(err, ErrMissingDayCount)
}
