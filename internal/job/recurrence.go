package job

import (
	"errors"
	"strings"

	"github.com/robfig/cron/v3"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var recurrenceParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseRecurrence parses a cron-style expression ("*/5 * * * *",
// "0 30 2 * * *", "@hourly"). Failures are returned as *RecurrenceError.
func ParseRecurrence(expr string) (cron.Schedule, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, &RecurrenceError{Expr: expr, Err: errors.New("expression required")}
	}
	sched, err := recurrenceParser.Parse(s)
	if err != nil {
		return nil, &RecurrenceError{Expr: expr, Err: err}
	}
	return sched, nil
}
