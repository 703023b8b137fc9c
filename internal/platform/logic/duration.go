package logic

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Units is the unit of a Duration.
type Units int

const (
	Seconds Units = iota
	Minutes
	Hours
	Days
	Weeks
	Months
	Years
)

var unitNames = map[Units]string{
	Seconds: "SECONDS",
	Minutes: "MINUTES",
	Hours:   "HOURS",
	Days:    "DAYS",
	Weeks:   "WEEKS",
	Months:  "MONTHS",
	Years:   "YEARS",
}

func (u Units) String() string {
	if n, ok := unitNames[u]; ok {
		return n
	}
	return "UNKNOWN"
}

// ParseUnits accepts singular or plural unit names in any case.
func ParseUnits(s string) (Units, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasSuffix(s, "S") {
		s += "S"
	}
	for u, n := range unitNames {
		if n == s {
			return u, nil
		}
	}
	return 0, fmt.Errorf("unknown duration unit %q", s)
}

// Duration is an amount of calendar time relative to an index date.
type Duration struct {
	Value float64
	Units Units
}

func SecondsOf(v float64) Duration { return Duration{v, Seconds} }
func MinutesOf(v float64) Duration { return Duration{v, Minutes} }
func HoursOf(v float64) Duration { return Duration{v, Hours} }
func DaysOf(v float64) Duration { return Duration{v, Days} }
func WeeksOf(v float64) Duration { return Duration{v, Weeks} }
func MonthsOf(v float64) Duration { return Duration{v, Months} }
func YearsOf(v float64) Duration { return Duration{v, Years} }

// InDays approximates the duration in days. A month counts as 30 days and a
// year as 365.
func (d Duration) InDays() float64 {
	switch d.Units {
	case Seconds:
		return d.Value / 86400
	case Minutes:
		return d.Value / 1440
	case Hours:
		return d.Value / 24
	case Days:
		return d.Value
	case Weeks:
		return d.Value * 7
	case Months:
		return d.Value * 30
	case Years:
		return d.Value * 365
	}
	return 0
}

// InSeconds approximates the duration in seconds using InDays for calendar units.
func (d Duration) InSeconds() float64 {
	switch d.Units {
	case Seconds:
		return d.Value
	case Minutes:
		return d.Value * 60
	case Hours:
		return d.Value * 3600
	}
	return d.InDays() * 86400
}

// Abs returns the duration with a non-negative value.
func (d Duration) Abs() Duration {
	return Duration{Value: math.Abs(d.Value), Units: d.Units}
}

// Negate flips the direction of the duration.
func (d Duration) Negate() Duration {
	return Duration{Value: -d.Value, Units: d.Units}
}

// AddTo moves t by the duration. Months and years follow the calendar, the
// other units are exact.
func (d Duration) AddTo(t time.Time) time.Time {
	switch d.Units {
	case Months:
		return t.AddDate(0, int(d.Value), 0)
	case Years:
		return t.AddDate(int(d.Value), 0, 0)
	case Days:
		if d.Value == math.Trunc(d.Value) {
			return t.AddDate(0, 0, int(d.Value))
		}
	case Weeks:
		if d.Value == math.Trunc(d.Value) {
			return t.AddDate(0, 0, int(d.Value)*7)
		}
	}
	return t.Add(time.Duration(d.InSeconds() * float64(time.Second)))
}

// Window returns the inclusive [lo, hi] range covering |d| before index.
// The bounds are ordered regardless of the sign of d.
func (d Duration) Window(index time.Time) (time.Time, time.Time) {
	lo := d.Abs().Negate().AddTo(index)
	hi := index
	if lo.After(hi) {
		lo, hi = hi, lo
	}
	return lo, hi
}

func (d Duration) String() string {
	return strconv.FormatFloat(d.Value, 'f', -1, 64) + " " + d.Units.String()
}
