package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestToAlmaty(t *testing.T) {
	utc := time.Date(2026, 3, 11, 15, 30, 0, 0, time.UTC)
	almaty := ToAlmaty(utc)

	assert.Equal(t, 20, almaty.Hour())
	assert.Equal(t, 30, almaty.Minute())
	assert.True(t, utc.Equal(almaty))
}

func TestFormatRussian(t *testing.T) {
	ts := time.Date(2026, 3, 11, 15, 30, 0, 0, time.UTC)

	assert.Equal(t, "11.03.2026", FormatRussian(ts))
	assert.Equal(t, "11.03.2026 20:30", FormatRussianTime(ts))
	assert.Equal(t, "20:30", FormatTimeStr(ts))
}

func TestFormatRussian_DateRollsOverMidnight(t *testing.T) {
	// 21:00 UTC is already the next day in Almaty.
	ts := time.Date(2026, 3, 11, 21, 0, 0, 0, time.UTC)
	assert.Equal(t, "12.03.2026", FormatRussian(ts))
}

func TestStartOfDay(t *testing.T) {
	ts := time.Date(2026, 3, 11, 21, 0, 0, 0, time.UTC) // 02:00 on the 12th in Almaty
	start := StartOfDay(ts)

	assert.Equal(t, 12, start.Day())
	assert.Equal(t, 0, start.Hour())
	assert.Equal(t, AlmatyTZ, start.Location())
}

func TestWeekdayNameRu(t *testing.T) {
	monday := Date(2026, 3, 9)

	names := []string{
		"Понедельник", "Вторник", "Среда", "Четверг",
		"Пятница", "Суббота", "Воскресенье",
	}
	for i, want := range names {
		assert.Equal(t, want, WeekdayNameRu(monday.AddDate(0, 0, i)))
	}
}

func TestDateTime(t *testing.T) {
	ts := DateTime(2026, 3, 11, 20, 30, 0)

	assert.Equal(t, "2026-03-11", FormatAlmaty(ts, FormatDate))
	assert.Equal(t, time.Date(2026, 3, 11, 15, 30, 0, 0, time.UTC).Unix(), ts.Unix())
}
