package domain

import "strings"

// Schedule is the recurring-launch config embedded in a template.
// RRule holds either an RFC 5545 recurrence rule ("FREQ=HOURLY") or a cron
// expression ("0 * * * *"); the recurrence resolver accepts both.
type Schedule struct {
	Enabled  bool
	RRule    string
	Timezone string // IANA timezone, defaults to UTC
}

// Active reports whether the schedule should be evaluated at all.
func (s Schedule) Active() bool {
	return s.Enabled && strings.TrimSpace(s.RRule) != ""
}

// EffectiveTimezone returns the configured timezone, or "UTC" when blank.
func (s Schedule) EffectiveTimezone() string {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return "UTC"
	}
	return tz
}
