package rates

import (
	"fmt"
	"time"

	"github.com/raterudder/chargewindow/pkg/types"
)

// View names accepted by ByName.
const (
	ViewAll               = "all_rates"
	ViewFromMidnight      = "rates_from_midnight"
	ViewAfternoonToday    = "afternoon_today"
	ViewAfternoonTomorrow = "afternoon_tomorrow"
	ViewEveningToday      = "evening_today"
	ViewCurrent           = "current_import_rate"
	ViewRemaining         = "rates_left"
)

// ViewNames lists every supported view.
var ViewNames = []string{
	ViewAll,
	ViewFromMidnight,
	ViewAfternoonToday,
	ViewAfternoonTomorrow,
	ViewEveningToday,
	ViewCurrent,
	ViewRemaining,
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func dayRange(set types.RateSet, day time.Time, from, to types.ClockTime) types.RateSet {
	start := from.On(day)
	end := to.On(day)
	if to == types.Midnight {
		end = startOfDay(day).AddDate(0, 0, 1)
	}
	return set.Between(start, end)
}

// All returns today's and tomorrow's slots.
func All(set types.RateSet, now time.Time) types.RateSet {
	today := startOfDay(now)
	return set.Between(today, today.AddDate(0, 0, 2))
}

// FromMidnight returns the 00:00-08:00 slots of today and tomorrow.
func FromMidnight(set types.RateSet, now time.Time) types.RateSet {
	today := startOfDay(now)
	eight := types.NewClockTime(8, 0)
	slots := dayRange(set, today, types.Midnight, eight).Slots()
	slots = append(slots, dayRange(set, today.AddDate(0, 0, 1), types.Midnight, eight).Slots()...)
	return types.NewRateSet(slots)
}

// AfternoonToday returns today's 12:00-16:00 slots.
func AfternoonToday(set types.RateSet, now time.Time) types.RateSet {
	return dayRange(set, startOfDay(now), types.NewClockTime(12, 0), types.NewClockTime(16, 0))
}

// AfternoonTomorrow returns tomorrow's 12:00-16:00 slots.
func AfternoonTomorrow(set types.RateSet, now time.Time) types.RateSet {
	return dayRange(set, startOfDay(now).AddDate(0, 0, 1), types.NewClockTime(12, 0), types.NewClockTime(16, 0))
}

// EveningToday returns today's slots from 16:00 to midnight.
func EveningToday(set types.RateSet, now time.Time) types.RateSet {
	return dayRange(set, startOfDay(now), types.NewClockTime(16, 0), types.Midnight)
}

// Current returns the slot containing now as a set of zero or one slots.
func Current(set types.RateSet, now time.Time) types.RateSet {
	s, ok := set.Current(now)
	if !ok {
		return types.RateSet{}
	}
	return types.NewRateSet([]types.RateSlot{s})
}

// Remaining returns the slots starting after now.
func Remaining(set types.RateSet, now time.Time) types.RateSet {
	return set.After(now)
}

// ByName returns the named view of set at now.
func ByName(name string, set types.RateSet, now time.Time) (types.RateSet, error) {
	switch name {
	case ViewAll, "":
		return All(set, now), nil
	case ViewFromMidnight:
		return FromMidnight(set, now), nil
	case ViewAfternoonToday:
		return AfternoonToday(set, now), nil
	case ViewAfternoonTomorrow:
		return AfternoonTomorrow(set, now), nil
	case ViewEveningToday:
		return EveningToday(set, now), nil
	case ViewCurrent:
		return Current(set, now), nil
	case ViewRemaining:
		return Remaining(set, now), nil
	default:
		return types.RateSet{}, fmt.Errorf("unknown rate view: %s", name)
	}
}
