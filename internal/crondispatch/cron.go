// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package crondispatch implements the cron dispatcher (C8): it validates
// schedules against the restricted daily grammar and timezone allow-list,
// fires PIPE runs at wall-clock time, and audits every tick attempt.
package crondispatch

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AllowedTimezones is the fixed set schedules may be registered under.
var AllowedTimezones = []string{
	"UTC", "America/Los_Angeles", "America/Chicago", "America/New_York",
	"Europe/London", "Asia/Kolkata",
}

func isAllowedTimezone(tz string) bool {
	for _, z := range AllowedTimezones {
		if z == tz {
			return true
		}
	}
	return false
}

// DailyCron is a parsed "M H * * *" expression: fire once a day at
// minute M, hour H. This is the restricted grammar of spec §6 — no
// ranges, steps, lists, or day/month/weekday restrictions.
type DailyCron struct {
	Minute int
	Hour   int
}

// ParseDailyCron validates expr against the restricted daily grammar: 5
// space-separated fields, the last three literal "*", minute a multiple
// of 5 in [0,59], hour in [0,23].
func ParseDailyCron(expr string) (DailyCron, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return DailyCron{}, fmt.Errorf("expected 5 fields (M H * * *), got %d", len(fields))
	}
	if fields[2] != "*" || fields[3] != "*" || fields[4] != "*" {
		return DailyCron{}, fmt.Errorf("only daily schedules are supported: day-of-month, month, and day-of-week must be \"*\"")
	}

	minute, err := strconv.Atoi(fields[0])
	if err != nil {
		return DailyCron{}, fmt.Errorf("invalid minute %q: %w", fields[0], err)
	}
	if minute < 0 || minute > 59 || minute%5 != 0 {
		return DailyCron{}, fmt.Errorf("minute must be a multiple of 5 in [0,59], got %d", minute)
	}

	hour, err := strconv.Atoi(fields[1])
	if err != nil {
		return DailyCron{}, fmt.Errorf("invalid hour %q: %w", fields[1], err)
	}
	if hour < 0 || hour > 23 {
		return DailyCron{}, fmt.Errorf("hour must be in [0,23], got %d", hour)
	}

	return DailyCron{Minute: minute, Hour: hour}, nil
}

// Next returns the next wall-clock instant in loc at or after from's next
// minute that matches the schedule.
func (c DailyCron) Next(from time.Time, loc *time.Location) time.Time {
	t := from.In(loc)
	next := time.Date(t.Year(), t.Month(), t.Day(), c.Hour, c.Minute, 0, 0, loc)
	if !next.After(t) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// ValidateSchedule checks both the cron grammar and the timezone
// allow-list, per spec §4.6's "Validation" rule. Returns the parsed cron
// and resolved location on success.
func ValidateSchedule(cron, timezone string) (DailyCron, *time.Location, error) {
	parsed, err := ParseDailyCron(cron)
	if err != nil {
		return DailyCron{}, nil, err
	}
	if !isAllowedTimezone(timezone) {
		return DailyCron{}, nil, fmt.Errorf("timezone %q is not in the allow-list", timezone)
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return DailyCron{}, nil, fmt.Errorf("loading timezone %q: %w", timezone, err)
	}
	return parsed, loc, nil
}
