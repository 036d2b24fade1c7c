package schedule

import (
	"testing"
	"time"
)

func TestParseVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     Kind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: KindCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: KindCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: KindCron, source: "cron"},
		{name: "duration", raw: "10m", kind: KindInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: KindInterval, source: "duration", duration: 45 * time.Second},
		{name: "daily", raw: "daily 04:30", kind: KindCron, source: "daily"},
		{name: "weekly", raw: "weekly mon 04:30", kind: KindCron, source: "weekly"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw, time.UTC)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == KindInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "daily 24:00", "weekly xyz 04:00", "interval:-5m"} {
		if _, err := Parse(raw, time.UTC); err == nil {
			t.Fatalf("Parse(%q): expected error", raw)
		}
	}
}

func TestNextMonotonicAndIdempotent(t *testing.T) {
	t.Parallel()
	specs := []string{"*/5 * * * *", "10m", "daily 04:30", "weekly fri 23:15", "@hourly"}
	after := time.Date(2024, 3, 9, 12, 34, 56, 0, time.UTC)

	for _, raw := range specs {
		raw := raw
		t.Run(raw, func(t *testing.T) {
			sp, err := Parse(raw, time.UTC)
			if err != nil {
				t.Fatalf("Parse error: %v", err)
			}
			n1, ok := sp.Next(after)
			if !ok {
				t.Fatal("expected a next fire time")
			}
			if !n1.After(after) {
				t.Fatalf("Next(%v) = %v, not strictly after", after, n1)
			}
			// Idempotency: repeated calls with the same reference agree.
			n2, ok := sp.Next(after)
			if !ok || !n2.Equal(n1) {
				t.Fatalf("Next not idempotent: %v vs %v", n1, n2)
			}
			// Monotonic chain: stepping from the result advances again.
			n3, ok := sp.Next(n1)
			if !ok || !n3.After(n1) {
				t.Fatalf("Next(%v) = %v, not strictly after previous fire", n1, n3)
			}
		})
	}
}

func TestNextDailyUsesZoneCivilTime(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	sp, err := Parse("daily 02:30", loc)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	// 2024-03-10 is the US spring-forward date; 02:30 does not exist that day.
	after := time.Date(2024, 3, 9, 12, 0, 0, 0, loc)
	n, ok := sp.Next(after)
	if !ok {
		t.Fatal("expected a next fire time")
	}
	if n.Location() != loc {
		t.Fatalf("fire time zone = %v, want %v", n.Location(), loc)
	}
	if !n.After(after) {
		t.Fatalf("Next = %v, not after reference", n)
	}
	// Whatever civil-time policy robfig applies, monotonic progress must hold
	// across the transition.
	n2, ok := sp.Next(n)
	if !ok || !n2.After(n) {
		t.Fatalf("no forward progress across DST: %v then %v", n, n2)
	}
}

func TestNextNeverFires(t *testing.T) {
	t.Parallel()
	sp, err := Parse("0 0 30 2 *", time.UTC) // Feb 30 never exists
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if _, ok := sp.Next(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)); ok {
		t.Fatal("expected never-fires signal for Feb 30 schedule")
	}
}
