package scheduler

import (
	"testing"
	"time"
)

func at(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestParseTriggerSpec_Valid(t *testing.T) {
	for _, raw := range []string{"@every 1m", "@every 6h", "0 3 *", "30 14 1", "59 23"} {
		if _, err := ParseTriggerSpec(raw); err != nil {
			t.Errorf("ParseTriggerSpec(%q) = %v, want ok", raw, err)
		}
	}
}

func TestParseTriggerSpec_Invalid(t *testing.T) {
	for _, raw := range []string{
		"", "@every", "@every nope", "@every 30s", // below tick resolution
		"61 3 *", "0 24 *", "0 3 7", "a b", "1 2 3 4",
	} {
		if _, err := ParseTriggerSpec(raw); err == nil {
			t.Errorf("ParseTriggerSpec(%q) succeeded, want error", raw)
		}
	}
}

func TestDue_EveryInterval(t *testing.T) {
	spec, err := ParseTriggerSpec("@every 1h")
	if err != nil {
		t.Fatal(err)
	}
	now := at("2026-01-05 10:00")

	if !spec.Due(now, time.Time{}) {
		t.Fatal("never-run job should be due")
	}
	if spec.Due(now, at("2026-01-05 09:30")) {
		t.Fatal("job half an interval old should not be due")
	}
	if !spec.Due(now, at("2026-01-05 09:00")) {
		t.Fatal("job one full interval old should be due")
	}
}

func TestDue_CronDaily(t *testing.T) {
	spec, err := ParseTriggerSpec("30 3 *")
	if err != nil {
		t.Fatal(err)
	}

	if !spec.Due(at("2026-01-05 03:30"), time.Time{}) {
		t.Fatal("matching minute should be due")
	}
	if spec.Due(at("2026-01-05 03:31"), time.Time{}) {
		t.Fatal("minute after should not be due")
	}
	if spec.Due(at("2026-01-05 04:30"), time.Time{}) {
		t.Fatal("wrong hour should not be due")
	}
}

func TestDue_CronFiresOncePerMatchingMinute(t *testing.T) {
	spec, err := ParseTriggerSpec("30 3 *")
	if err != nil {
		t.Fatal(err)
	}
	now := at("2026-01-05 03:30").Add(20 * time.Second)
	lastRun := at("2026-01-05 03:30").Add(5 * time.Second)

	if spec.Due(now, lastRun) {
		t.Fatal("should not fire twice within the same minute")
	}
	if !spec.Due(at("2026-01-06 03:30"), lastRun) {
		t.Fatal("next day's matching minute should fire")
	}
}

func TestDue_CronDayOfWeek(t *testing.T) {
	// 2026-01-05 is a Monday.
	spec, err := ParseTriggerSpec("0 9 1")
	if err != nil {
		t.Fatal(err)
	}
	if !spec.Due(at("2026-01-05 09:00"), time.Time{}) {
		t.Fatal("Monday 09:00 should match dow 1")
	}
	if spec.Due(at("2026-01-06 09:00"), time.Time{}) {
		t.Fatal("Tuesday should not match dow 1")
	}
}
