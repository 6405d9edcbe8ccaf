// Package sessionclock provides pure functions over market-session time:
// session boundaries, minute floors, and N-minute bucket alignment from
// session open. All functions are total and deterministic.
package sessionclock

import (
	"fmt"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Session hours in IST
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30
)

// SessionMinutes is the session length (09:15–15:30).
const SessionMinutes = (CloseHour*60 + CloseMinute) - (OpenHour*60 + OpenMinute)

// FloorToMinute truncates t to the start of its minute (UTC).
func FloorToMinute(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// IsWithinSession returns true if t falls within NSE trading hours
// (9:15 AM – 3:30 PM IST, Mon–Fri, excluding holidays).
func IsWithinSession(t time.Time) bool {
	ist := t.In(IST)
	wd := ist.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	if IsHoliday(ist) {
		return false
	}
	hm := ist.Hour()*60 + ist.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// TodaySessionStart returns the session open (9:15 AM IST) on t's date.
func TodaySessionStart(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), OpenHour, OpenMinute, 0, 0, IST)
}

// TodaySessionEnd returns the session close (3:30 PM IST) on t's date.
func TodaySessionEnd(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), CloseHour, CloseMinute, 0, 0, IST)
}

// FloorToInterval aligns t to the start of its N-minute bucket counted from
// session open, not from the Unix epoch. A time before session open floors
// to session open.
func FloorToInterval(t time.Time, minutes int) time.Time {
	open := TodaySessionStart(t)
	if !t.After(open) {
		return open.UTC()
	}
	elapsed := t.Sub(open)
	bucket := elapsed - elapsed%(time.Duration(minutes)*time.Minute)
	return open.Add(bucket).UTC()
}

// IsWeekday returns true if t is Mon–Fri.
func IsWeekday(t time.Time) bool {
	wd := t.In(IST).Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func IsTradingDay(t time.Time) bool {
	ist := t.In(IST)
	return IsWeekday(ist) && !IsHoliday(ist)
}

// NextOpen returns the next session open (9:15 AM IST on the next trading
// day). If t is before today's open on a trading day, returns today's open.
func NextOpen(t time.Time) time.Time {
	ist := t.In(IST)

	todayOpen := TodaySessionStart(ist)
	if ist.Before(todayOpen) && IsTradingDay(ist) {
		return todayOpen
	}

	d := ist.AddDate(0, 0, 1)
	for i := 0; i < 10; i++ { // max 10 days ahead (holidays + weekends)
		if IsTradingDay(d) {
			return TodaySessionStart(d)
		}
		d = d.AddDate(0, 0, 1)
	}
	// Fallback: next day
	return TodaySessionStart(ist.AddDate(0, 0, 1))
}

// TimeUntilClose returns the duration until today's close.
// Returns 0 if the session is already over.
func TimeUntilClose(t time.Time) time.Duration {
	d := TodaySessionEnd(t).Sub(t.In(IST))
	if d < 0 {
		return 0
	}
	return d
}

// StatusString returns a human-readable session status.
func StatusString(t time.Time) string {
	if IsWithinSession(t) {
		return fmt.Sprintf("Market Open — closes in %s", fmtDur(TimeUntilClose(t)))
	}
	next := NextOpen(t)
	ist := next.In(IST)
	return fmt.Sprintf("Market Closed — opens %s %s (%s)",
		ist.Weekday().String()[:3], ist.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
