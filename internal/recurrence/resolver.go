// Package recurrence resolves schedule rules into concrete occurrences.
//
// A rule is either an RFC 5545 recurrence rule ("FREQ=HOURLY;INTERVAL=2",
// optionally with an embedded DTSTART line) or a classic five-field cron
// expression ("0 9 * * MON"). Parse compiles the rule once; the returned
// Schedule walks occurrences forward, which keeps repeated lookups within
// one evaluation cheap.
package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/teambition/rrule-go"
)

// Schedule yields occurrences of a compiled rule. Next returns the first
// occurrence at or after cursor, or ok=false when the rule is exhausted.
// Cursors must not move backwards between calls on the same Schedule.
type Schedule interface {
	Next(cursor time.Time) (time.Time, bool)
}

type Parser struct {
	cron cron.Parser
}

func NewParser() *Parser {
	return &Parser{
		cron: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Parse compiles rule in the given IANA timezone. Rules without their own
// DTSTART are anchored to midnight of anchor's local day, so grids stay
// aligned to calendar boundaries ("FREQ=HOURLY" fires on the hour) and
// stable across evaluations.
func (p *Parser) Parse(rule, timezone string, anchor time.Time) (Schedule, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	trimmed := strings.TrimSpace(rule)
	if trimmed == "" {
		return nil, fmt.Errorf("empty rule")
	}

	if isRRule(trimmed) {
		return parseRRule(trimmed, loc, anchor)
	}
	return p.parseCron(trimmed, loc)
}

// isRRule reports whether the rule text is RFC 5545 content rather than a
// cron expression. Every RRULE carries a FREQ part.
func isRRule(rule string) bool {
	return strings.Contains(strings.ToUpper(rule), "FREQ=")
}

func parseRRule(rule string, loc *time.Location, anchor time.Time) (Schedule, error) {
	// Multi-line rules carry their own DTSTART; honor it verbatim.
	if strings.Contains(rule, "\n") {
		set, err := rrule.StrToRRuleSet(rule)
		if err != nil {
			return nil, fmt.Errorf("parse rrule set: %w", err)
		}
		return &rruleSchedule{iter: set.Iterator()}, nil
	}

	text := strings.TrimPrefix(rule, "RRULE:")
	opt, err := rrule.StrToROptionInLocation(text, loc)
	if err != nil {
		return nil, fmt.Errorf("parse rrule: %w", err)
	}

	if opt.Dtstart.IsZero() {
		a := anchor.In(loc)
		opt.Dtstart = time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, loc)
	}

	rr, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("compile rrule: %w", err)
	}
	return &rruleSchedule{iter: rr.Iterator()}, nil
}

func (p *Parser) parseCron(rule string, loc *time.Location) (Schedule, error) {
	sched, err := p.cron.Parse(rule)
	if err != nil {
		return nil, fmt.Errorf("parse cron: %w", err)
	}
	return &cronSchedule{sched: sched, loc: loc}, nil
}

// rruleSchedule walks a forward-only rrule iterator, keeping one value of
// lookahead so successive Next calls with advancing cursors resume instead
// of rescanning from DTSTART.
type rruleSchedule struct {
	iter    func() (time.Time, bool)
	pending time.Time
	hasNext bool
	primed  bool
}

func (s *rruleSchedule) Next(cursor time.Time) (time.Time, bool) {
	if !s.primed {
		s.pending, s.hasNext = s.iter()
		s.primed = true
	}
	for s.hasNext && s.pending.Before(cursor) {
		s.pending, s.hasNext = s.iter()
	}
	if !s.hasNext {
		return time.Time{}, false
	}
	return s.pending.In(time.UTC), true
}

type cronSchedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *cronSchedule) Next(cursor time.Time) (time.Time, bool) {
	// cron's Next is strictly-after; backing up one nanosecond makes a
	// cursor that sits exactly on an occurrence include it.
	next := s.sched.Next(cursor.In(s.loc).Add(-time.Nanosecond))
	if next.IsZero() {
		return time.Time{}, false
	}
	return next.In(time.UTC), true
}
