package sessionclock

import (
	"testing"
	"time"
)

func TestIsWithinSession(t *testing.T) {
	cases := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"before open", time.Date(2026, 8, 24, 9, 14, 59, 0, IST), false},
		{"at open", time.Date(2026, 8, 24, 9, 15, 0, 0, IST), true},
		{"mid session", time.Date(2026, 8, 24, 12, 0, 0, 0, IST), true},
		{"last minute", time.Date(2026, 8, 24, 15, 29, 59, 0, IST), true},
		{"at close", time.Date(2026, 8, 24, 15, 30, 0, 0, IST), false},
		{"saturday", time.Date(2026, 8, 22, 12, 0, 0, 0, IST), false},
		{"sunday", time.Date(2026, 8, 23, 12, 0, 0, 0, IST), false},
		{"independence day", time.Date(2026, 8, 15, 12, 0, 0, 0, IST), false},
		{"christmas", time.Date(2026, 12, 25, 12, 0, 0, 0, IST), false},
	}
	for _, tc := range cases {
		if got := IsWithinSession(tc.t); got != tc.want {
			t.Errorf("%s: IsWithinSession(%v) = %v, want %v", tc.name, tc.t, got, tc.want)
		}
	}
}

func TestIsWithinSessionUTCInput(t *testing.T) {
	// 06:30 UTC == 12:00 IST, inside session.
	utc := time.Date(2026, 8, 24, 6, 30, 0, 0, time.UTC)
	if !IsWithinSession(utc) {
		t.Errorf("expected 06:30 UTC (12:00 IST) inside session")
	}
	// 03:30 UTC == 09:00 IST, before open.
	utc = time.Date(2026, 8, 24, 3, 30, 0, 0, time.UTC)
	if IsWithinSession(utc) {
		t.Errorf("expected 03:30 UTC (09:00 IST) outside session")
	}
}

func TestFloorToMinute(t *testing.T) {
	in := time.Date(2026, 8, 24, 10, 17, 42, 900e6, IST)
	got := FloorToMinute(in)
	want := time.Date(2026, 8, 24, 10, 17, 0, 0, IST).UTC()
	if !got.Equal(want) {
		t.Errorf("FloorToMinute = %v, want %v", got, want)
	}
	if got.Location() != time.UTC {
		t.Errorf("expected UTC result, got %v", got.Location())
	}
}

func TestFloorToIntervalSessionAligned(t *testing.T) {
	open := time.Date(2026, 8, 24, 9, 15, 0, 0, IST)

	cases := []struct {
		name    string
		t       time.Time
		minutes int
		want    time.Time
	}{
		{"at open 25m", open, 25, open},
		{"9:39 in first 25m bucket", open.Add(24 * time.Minute), 25, open},
		{"9:40 starts second 25m bucket", open.Add(25 * time.Minute), 25, open.Add(25 * time.Minute)},
		{"10:04 still second bucket", open.Add(49 * time.Minute), 25, open.Add(25 * time.Minute)},
		{"125m first bucket 9:15-11:20", open.Add(124 * time.Minute), 125, open},
		{"11:20 starts second 125m bucket", open.Add(125 * time.Minute), 125, open.Add(125 * time.Minute)},
		{"before open floors to open", open.Add(-30 * time.Minute), 25, open},
	}
	for _, tc := range cases {
		got := FloorToInterval(tc.t, tc.minutes)
		if !got.Equal(tc.want) {
			t.Errorf("%s: FloorToInterval(%v, %d) = %v, want %v",
				tc.name, tc.t.In(IST), tc.minutes, got.In(IST), tc.want.In(IST))
		}
	}
}

func TestFloorToIntervalNotEpochAligned(t *testing.T) {
	// 09:55 IST sits in the 09:40 session bucket for 25m. Epoch-based
	// flooring would give a different boundary; verify we count from open.
	at := time.Date(2026, 8, 24, 9, 55, 0, 0, IST)
	got := FloorToInterval(at, 25)
	want := time.Date(2026, 8, 24, 9, 40, 0, 0, IST)
	if !got.Equal(want) {
		t.Errorf("FloorToInterval(09:55, 25) = %v, want 09:40", got.In(IST))
	}
}

func TestSessionBounds(t *testing.T) {
	at := time.Date(2026, 8, 24, 13, 0, 0, 0, IST)
	start := TodaySessionStart(at)
	end := TodaySessionEnd(at)
	if start.Hour() != 9 || start.Minute() != 15 {
		t.Errorf("session start = %v, want 09:15", start)
	}
	if end.Hour() != 15 || end.Minute() != 30 {
		t.Errorf("session end = %v, want 15:30", end)
	}
	if end.Sub(start) != time.Duration(SessionMinutes)*time.Minute {
		t.Errorf("session length mismatch: %v", end.Sub(start))
	}
}

func TestNextOpenSkipsWeekend(t *testing.T) {
	// Friday 2026-08-21 after close: next open is Monday 2026-08-24.
	friday := time.Date(2026, 8, 21, 16, 0, 0, 0, IST)
	next := NextOpen(friday)
	if next.Weekday() != time.Monday || next.Day() != 24 {
		t.Errorf("NextOpen(fri evening) = %v, want Mon 24th 09:15", next)
	}
	if next.Hour() != 9 || next.Minute() != 15 {
		t.Errorf("NextOpen hour = %v, want 09:15", next)
	}
}

func TestNextOpenSameDayBeforeOpen(t *testing.T) {
	mondayEarly := time.Date(2026, 8, 24, 8, 0, 0, 0, IST)
	next := NextOpen(mondayEarly)
	if next.Day() != 24 || next.Hour() != 9 || next.Minute() != 15 {
		t.Errorf("NextOpen(mon 8am) = %v, want same day 09:15", next)
	}
}
