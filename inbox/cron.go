package inbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var standardCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ParseSchedule parses a five-field cron expression or a descriptor such
// as "@every 1m". Schedules are evaluated in UTC; timezone prefixes are
// rejected.
func ParseSchedule(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("cron expression is required")
	}

	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("cron expression must be UTC-only (timezone prefixes are not allowed)")
	}

	schedule, err := standardCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

func nextRunUTC(schedule cron.Schedule, now time.Time) time.Time {
	return schedule.Next(now.UTC())
}
