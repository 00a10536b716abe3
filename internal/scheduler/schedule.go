// Package scheduler runs periodic background work on cron schedules.
package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is a parsed cron expression. Five-field expressions and
// descriptors such as "@every 1m" or "@hourly" are accepted.
type Schedule struct {
	Expr     string
	Timezone string

	location     *time.Location
	cronSchedule cron.Schedule
}

func ParseSchedule(expr, timezone string) (Schedule, error) {
	trimmedExpr := strings.TrimSpace(expr)
	if trimmedExpr == "" {
		return Schedule{}, fmt.Errorf("schedule requires cron expression")
	}

	trimmedTimezone := firstNonEmpty(strings.TrimSpace(timezone), "UTC")
	location, err := time.LoadLocation(trimmedTimezone)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid timezone: %w", err)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	parsed, err := parser.Parse(trimmedExpr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron expression: %w", err)
	}

	return Schedule{
		Expr:         trimmedExpr,
		Timezone:     trimmedTimezone,
		location:     location,
		cronSchedule: parsed,
	}, nil
}

// Next returns the first activation strictly after now, in UTC.
func (s Schedule) Next(now time.Time) time.Time {
	if s.cronSchedule == nil {
		return now.UTC().Add(time.Minute)
	}
	location := s.location
	if location == nil {
		location = time.UTC
	}
	return s.cronSchedule.Next(now.In(location)).UTC()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
