package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in     string
		kind   Kind
		every  time.Duration
		cron   string
		source string
	}{
		{in: "15m", kind: KindInterval, every: 15 * time.Minute, source: "duration"},
		{in: " 1h30m ", kind: KindInterval, every: 90 * time.Minute, source: "duration"},
		{in: "00:15", kind: KindInterval, every: 15 * time.Minute, source: "hhmm"},
		{in: "02:30", kind: KindInterval, every: 150 * time.Minute, source: "hhmm"},
		{in: "interval: 10m", kind: KindInterval, every: 10 * time.Minute, source: "duration"},
		{in: "every:00:05", kind: KindInterval, every: 5 * time.Minute, source: "hhmm"},
		{in: "*/5 * * * *", kind: KindCron, cron: "*/5 * * * *", source: "cron"},
		{in: "@hourly", kind: KindCron, cron: "@hourly", source: "cron"},
		{in: "@every 15m", kind: KindCron, cron: "@every 15m", source: "cron"},
		{in: "cron: 0 */2 * * *", kind: KindCron, cron: "0 */2 * * *", source: "cron"},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.kind, got.Kind, tt.in)
		assert.Equal(t, tt.every, got.Every, tt.in)
		assert.Equal(t, tt.cron, got.Cron, tt.in)
		assert.Equal(t, tt.source, got.Source, tt.in)
	}
}

func TestParseScheduleRejects(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "   ", "soon", "00:00", "01:75", "-5m", "0s", "cron:", "cron: * * *", "interval:"} {
		_, err := ParseSchedule(in)
		assert.Error(t, err, "%q", in)
	}
}

func TestScheduleNextAndNominal(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 3, 1, 10, 7, 30, 0, time.UTC)

	every := Every(5 * time.Minute)
	assert.Equal(t, at.Add(5*time.Minute), every.Next(at))
	assert.Equal(t, 5*time.Minute, every.Nominal(at))
	assert.Equal(t, "every:5m0s", every.String())

	c, err := ParseSchedule("*/10 * * * *")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 10, 0, 0, time.UTC), c.Next(at))
	assert.Equal(t, 10*time.Minute, c.Nominal(at))
	assert.Equal(t, "cron:*/10 * * * *", c.String())

	daily, err := ParseSchedule("@daily")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, daily.Nominal(at))
}
