package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDate(t *testing.T) {
	got, err := ParseDate("2023-07-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC), got)

	_, err = ParseDate("01-07-2023")
	assert.Error(t, err)
	_, err = ParseDate("")
	assert.Error(t, err)
}

func TestDaysBetween(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, DaysBetween(start, start))
	assert.Equal(t, 181, DaysBetween(start, time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 365, DaysBetween(start, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestYearFraction(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.InDelta(t, 1.0, YearFraction(start, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)), 1e-9)
	assert.InDelta(t, 0.5, YearFraction(start, time.Date(2023, 7, 2, 12, 0, 0, 0, time.UTC)), 0.01)
}

func TestMidnight(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	got := Midnight(time.Date(2023, 7, 1, 0, 30, 0, 0, loc))
	assert.Equal(t, time.Date(2023, 6, 30, 0, 0, 0, 0, time.UTC), got)
}

func TestRoundFloat(t *testing.T) {
	assert.Equal(t, 0.1109, RoundFloat(0.11089123, 4))
	assert.Equal(t, -0.1025, RoundFloat(-0.102481, 4))
	assert.Equal(t, 2.0, RoundFloat(1.99998, 4))
}
