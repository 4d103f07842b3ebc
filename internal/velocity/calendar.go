package velocity

import "time"

var monthDays = [12]int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

// IsLeapYear reports whether year is a Gregorian leap year.
func IsLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// DaysInMonth returns the number of days in the given month.
func DaysInMonth(year int, month time.Month) int {
	if month == time.February && IsLeapYear(year) {
		return 29
	}
	return monthDays[month-1]
}

// AddMonths shifts t by n calendar months, clamping the day to the length of
// the target month (Mar 31 - 1 month = Feb 28/29). The clock is kept.
func AddMonths(t time.Time, n int) time.Time {
	m := int(t.Month()) - 1 + n
	year := t.Year() + floorDiv(m, 12)
	month := time.Month(m-floorDiv(m, 12)*12 + 1)

	day := t.Day()
	if last := DaysInMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// MonthsAgo returns the calendar date n months before t, at midnight.
func MonthsAgo(t time.Time, n int) time.Time {
	return StartOfDay(AddMonths(t, -n))
}

// StartOfDay returns midnight of t's date.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// EndOfDay returns 23:59:59 of t's date.
func EndOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, t.Location())
}

// StartOfMonth returns midnight of the first day of t's month.
func StartOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}

// Naive re-expresses t's wall clock in UTC. Visits and reference dates are
// naive calendar values, so every comparison happens in one location.
func Naive(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// Today returns the current local date as a naive midnight.
func Today() time.Time {
	return StartOfDay(Naive(time.Now()))
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
