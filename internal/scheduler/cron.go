// Package scheduler arms recurring sends and records their outcomes.
package scheduler

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/ashureev/wa-scheduler/internal/domain"
)

// NormalizeCron reduces a 5, 6 (leading seconds) or 7 (seconds and trailing
// year) field expression to the five fields minute, hour, day of month, month
// and day of week. A "?" in either day field becomes "*".
func NormalizeCron(expr string) (string, error) {
	fields := strings.Fields(expr)
	switch len(fields) {
	case 5:
	case 6:
		fields = fields[1:]
	case 7:
		fields = fields[1:6]
	default:
		return "", domain.Invalid("cronExpression",
			fmt.Errorf("%w: expected 5, 6 or 7 fields, got %d", domain.ErrInvalidCronExpression, len(fields)))
	}

	for _, i := range []int{2, 4} {
		if fields[i] == "?" {
			fields[i] = "*"
		}
	}
	return strings.Join(fields, " "), nil
}

// ParseCron normalizes expr and parses the result with the standard
// five-field parser.
func ParseCron(expr string) (string, cron.Schedule, error) {
	normalized, err := NormalizeCron(expr)
	if err != nil {
		return "", nil, err
	}
	sched, err := cron.ParseStandard(normalized)
	if err != nil {
		return "", nil, domain.Invalid("cronExpression",
			fmt.Errorf("%w: %v", domain.ErrInvalidCronExpression, err))
	}
	return normalized, sched, nil
}
