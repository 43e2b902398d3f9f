package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"foremanbot/internal/task/engine"
	logx "foremanbot/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
		cron     string
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron", cron: "*/5 * * * *"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron", cron: "0 0 * * *"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron", cron: "@hourly"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix hhmm", raw: "every:00:05", kind: SpecInterval, source: "hhmm", duration: 5 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
		{name: "daily", raw: "daily:07:45", kind: SpecCron, source: "daily", cron: "45 7 * * *"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
			if tt.kind == SpecCron && got.Cron != tt.cron {
				t.Fatalf("Cron = %q, want %q", got.Cron, tt.cron)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "0s", "interval:", "daily:25:00", "00:00"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestValidateSchedule(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"1m", "*/5 * * * *", "0 */2 * * * *", "@hourly", "@every 30s", "daily:07:30"} {
		if err := ValidateSchedule(raw); err != nil {
			t.Fatalf("ValidateSchedule(%q): %v", raw, err)
		}
	}
	for _, raw := range []string{"every so often", "cron:61 * * * *", "@weekly-ish"} {
		if err := ValidateSchedule(raw); err == nil {
			t.Fatalf("ValidateSchedule(%q): expected error", raw)
		}
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("23:15")
	if err != nil {
		t.Fatalf("parseHHMM error: %v", err)
	}
	if h != 23 || m != 15 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}
	if _, _, err := parseHHMM("24:00"); err == nil {
		t.Fatal("expected error for invalid hour")
	}
}

func TestDelayedScheduleInterval(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s := &delayedSchedule{base: cron.Every(time.Minute), notBefore: now.Add(10 * time.Second), fireAtStart: true}

	first := s.Next(now)
	if !first.Equal(now.Add(10 * time.Second)) {
		t.Fatalf("first = %s, want initial delay", first)
	}
	if second := s.Next(first); !second.Equal(first.Add(time.Minute)) {
		t.Fatalf("second = %s, want first+period", second)
	}
}

func TestDelayedScheduleCron(t *testing.T) {
	t.Parallel()
	p := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	base, err := p.Parse("*/5 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2024, 1, 1, 12, 0, 30, 0, time.UTC)
	s := &delayedSchedule{base: base, notBefore: now.Add(7 * time.Minute)}
	want := time.Date(2024, 1, 1, 12, 10, 0, 0, time.UTC)
	if got := s.Next(now); !got.Equal(want) {
		t.Fatalf("Next = %s, want %s", got, want)
	}
}

func TestRescheduleKeepsJob(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Config{}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() { eng.Stop(context.Background()) })

	s := New(Config{Timezone: "UTC"}, eng, logx.Nop(), nil)
	var runs atomic.Int32
	ran := make(chan struct{}, 4)
	if _, err := s.AddSchedule("sweep", "1h", 0, time.Second, func(context.Context) error {
		runs.Add(1)
		ran <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	if err := s.Reschedule("sweep", "2h", time.Minute, 0); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "@every 2h0m0s" || snap.Schedules[0].InitialDelay != time.Minute {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}

	if err := s.Trigger("sweep"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("triggered job did not run")
	}
	if !s.Remove("sweep") || s.Remove("sweep") {
		t.Fatal("Remove should succeed once")
	}
	if err := s.Reschedule("sweep", "1h", 0, 0); err == nil {
		t.Fatal("Reschedule of removed schedule should fail")
	}
}
