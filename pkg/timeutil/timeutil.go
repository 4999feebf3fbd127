// Package timeutil provides timezone utilities for Almaty timezone (UTC+5).
// The academy's schedule, attendance marks, and subscription dates all live in
// local time, so message rendering and day arithmetic go through this package.
// No external dependencies - uses only standard library.
package timeutil

import "time"

// AlmatyTZ is the Almaty timezone (UTC+5, no DST).
// Kazakhstan abolished DST in 2005, so this is constant year-round.
var AlmatyTZ = time.FixedZone("Asia/Almaty", 5*60*60)

// Now returns the current time in Almaty timezone.
func Now() time.Time {
	return time.Now().In(AlmatyTZ)
}

// ToAlmaty converts a time to Almaty timezone.
func ToAlmaty(t time.Time) time.Time {
	return t.In(AlmatyTZ)
}

// Date creates a time in Almaty timezone with the given date.
func Date(year, month, day int) time.Time {
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, AlmatyTZ)
}

// DateTime creates a time in Almaty timezone with the given date and time.
func DateTime(year, month, day, hour, min, sec int) time.Time {
	return time.Date(year, time.Month(month), day, hour, min, sec, 0, AlmatyTZ)
}

// StartOfDay returns the start of the day (00:00:00) in Almaty timezone.
func StartOfDay(t time.Time) time.Time {
	almaty := ToAlmaty(t)
	return time.Date(almaty.Year(), almaty.Month(), almaty.Day(), 0, 0, 0, 0, AlmatyTZ)
}

// Common date/time formats.
const (
	// FormatDate is the standard date format (YYYY-MM-DD).
	FormatDate = "2006-01-02"
	// FormatTime is the standard time format (HH:MM).
	FormatTime = "15:04"
	// FormatRussianDate is the Russian date format (DD.MM.YYYY).
	FormatRussianDate = "02.01.2006"
	// FormatRussianDateTime is the Russian datetime format.
	FormatRussianDateTime = "02.01.2006 15:04"
)

// FormatAlmaty formats a time in Almaty timezone with the given layout.
func FormatAlmaty(t time.Time, layout string) string {
	return ToAlmaty(t).Format(layout)
}

// FormatRussian formats a time in Russian format (DD.MM.YYYY).
func FormatRussian(t time.Time) string {
	return FormatAlmaty(t, FormatRussianDate)
}

// FormatRussianTime formats a time in Russian datetime format (DD.MM.YYYY HH:MM).
func FormatRussianTime(t time.Time) string {
	return FormatAlmaty(t, FormatRussianDateTime)
}

// FormatTimeStr formats a time as a time string (HH:MM) in Almaty timezone.
func FormatTimeStr(t time.Time) string {
	return FormatAlmaty(t, FormatTime)
}

// WeekdayNameRu returns the Russian name for a weekday.
func WeekdayNameRu(t time.Time) string {
	almaty := ToAlmaty(t)
	switch almaty.Weekday() {
	case time.Monday:
		return "Понедельник"
	case time.Tuesday:
		return "Вторник"
	case time.Wednesday:
		return "Среда"
	case time.Thursday:
		return "Четверг"
	case time.Friday:
		return "Пятница"
	case time.Saturday:
		return "Суббота"
	case time.Sunday:
		return "Воскресенье"
	default:
		return ""
	}
}
