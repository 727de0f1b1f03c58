package schedule

import "fmt"

// Format renders d for display in the campaign editor. The output parses back to d.
func Format(d Definition) string {
	switch d.kind {
	case KindRelative:
		return formatSeconds(d.seconds)
	case KindNextDayAtTime:
		return "amanhã " + d.timeOfDay.String()
	case KindPlusDaysAtTime:
		if d.daysOffset == 0 {
			return d.timeOfDay.String()
		}
		return fmt.Sprintf("+%dd %s", d.daysOffset, d.timeOfDay)
	default:
		return ""
	}
}

func formatSeconds(s int64) string {
	switch {
	case s == 0:
		return "agora"
	case s%86400 == 0:
		if s == 86400 {
			return "1 dia"
		}
		return fmt.Sprintf("%d dias", s/86400)
	case s%3600 == 0:
		return fmt.Sprintf("%d h", s/3600)
	case s%60 == 0:
		return fmt.Sprintf("%d min", s/60)
	default:
		return fmt.Sprintf("%d s", s)
	}
}
