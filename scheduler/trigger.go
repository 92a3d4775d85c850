package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TriggerSpec is a validated trigger definition. Two forms are accepted:
//
//	"@every <duration>"   fixed interval, e.g. "@every 6h"
//	"<minute> <hour> <dow>"   cron-like daily/weekly trigger; dow is 0-6
//	                          (Sunday=0) or "*" for every day
//
// Specs are parsed at registration so a bad spec fails fast, not at trigger
// time.
type TriggerSpec struct {
	raw string

	every     time.Duration
	minute    int
	hour      int
	dayOfWeek int // -1 means any day
}

func ParseTriggerSpec(raw string) (TriggerSpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return TriggerSpec{}, fmt.Errorf("empty trigger spec")
	}

	if strings.HasPrefix(raw, "@every ") {
		d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(raw, "@every ")))
		if err != nil {
			return TriggerSpec{}, fmt.Errorf("invalid @every duration in %q: %w", raw, err)
		}
		if d < time.Minute {
			return TriggerSpec{}, fmt.Errorf("@every interval %s is below the 1m tick resolution", d)
		}
		return TriggerSpec{raw: raw, every: d, dayOfWeek: -1}, nil
	}

	fields := strings.Fields(raw)
	if len(fields) != 2 && len(fields) != 3 {
		return TriggerSpec{}, fmt.Errorf("trigger spec %q: want \"@every <duration>\" or \"<minute> <hour> [dow]\"", raw)
	}

	minute, err := strconv.Atoi(fields[0])
	if err != nil || minute < 0 || minute > 59 {
		return TriggerSpec{}, fmt.Errorf("trigger spec %q: bad minute %q", raw, fields[0])
	}
	hour, err := strconv.Atoi(fields[1])
	if err != nil || hour < 0 || hour > 23 {
		return TriggerSpec{}, fmt.Errorf("trigger spec %q: bad hour %q", raw, fields[1])
	}
	dow := -1
	if len(fields) == 3 && fields[2] != "*" {
		dow, err = strconv.Atoi(fields[2])
		if err != nil || dow < 0 || dow > 6 {
			return TriggerSpec{}, fmt.Errorf("trigger spec %q: bad day-of-week %q", raw, fields[2])
		}
	}
	return TriggerSpec{raw: raw, minute: minute, hour: hour, dayOfWeek: dow}, nil
}

func (t TriggerSpec) String() string { return t.raw }

// Due reports whether the trigger fires at now given the previous firing.
// Cron-style specs fire at most once per matching minute.
func (t TriggerSpec) Due(now, lastRun time.Time) bool {
	if t.every > 0 {
		return lastRun.IsZero() || now.Sub(lastRun) >= t.every
	}
	if now.Minute() != t.minute || now.Hour() != t.hour {
		return false
	}
	if t.dayOfWeek >= 0 && int(now.Weekday()) != t.dayOfWeek {
		return false
	}
	// Already fired within this minute.
	if !lastRun.IsZero() && lastRun.Truncate(time.Minute).Equal(now.Truncate(time.Minute)) {
		return false
	}
	return true
}
