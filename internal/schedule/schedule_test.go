package schedule

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, spec string) Schedule {
	t.Helper()
	s, err := Parse(spec)
	require.NoError(t, err, "Parse(%q)", spec)
	return s
}

func TestParseIntervals(t *testing.T) {
	cases := map[string]time.Duration{
		"5m":          5 * time.Minute,
		"1H":          time.Hour,
		"1h30m":       90 * time.Minute,
		"2d":          48 * time.Hour,
		"@every 15m":  15 * time.Minute,
		"  @every  1h ": time.Hour,
	}
	for spec, want := range cases {
		s := mustParse(t, spec)
		assert.Equal(t, KindInterval, s.Kind(), spec)
		assert.Equal(t, want, s.Interval(), spec)
	}
}

func TestParseCron(t *testing.T) {
	for _, spec := range []string{"*/15 * * * *", "0 9 * * 1-5", "@hourly", "@daily", "CRON_TZ=UTC 30 8 * * *"} {
		s := mustParse(t, spec)
		assert.Equal(t, KindCron, s.Kind(), spec)
		assert.Zero(t, s.Interval(), spec)
	}
}

func TestParseRejects(t *testing.T) {
	for _, spec := range []string{"", "   ", "soon", "30s", "@every 59s", "0d", "* * *", "61 * * * *", "@fortnightly", "@every", "213504d", "@every 213504d", "99999999999999999999d"} {
		_, err := Parse(spec)
		assert.True(t, errors.Is(err, ErrUnparseable), "Parse(%q) = %v, want ErrUnparseable", spec, err)
	}
}

func TestParseNormalizesWhitespace(t *testing.T) {
	s := mustParse(t, " 0   9 * *  1-5 ")
	assert.Equal(t, "0 9 * * 1-5", s.String())
}

func TestCheckFires(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.NoError(t, mustParse(t, "5m").CheckFires(now))
	assert.NoError(t, mustParse(t, "@yearly").CheckFires(now))

	// February 30th never exists.
	err := mustParse(t, "0 0 30 2 *").CheckFires(now)
	assert.True(t, errors.Is(err, ErrNeverFires), "got %v", err)

	err = mustParse(t, "400d").CheckFires(now)
	assert.True(t, errors.Is(err, ErrNeverFires), "got %v", err)

	// The largest representable day count is far past the horizon.
	longest := fmt.Sprintf("%dd", maxDays)
	s := mustParse(t, longest)
	assert.Equal(t, time.Duration(maxDays)*24*time.Hour, s.Interval())
	err = s.CheckFires(now)
	assert.True(t, errors.Is(err, ErrNeverFires), "got %v", err)
}

func TestCronNextAtOrAfterIsInclusive(t *testing.T) {
	s := mustParse(t, "0 9 * * *")
	nine := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	assert.Equal(t, nine, s.nextAtOrAfter(nine))
	assert.Equal(t, nine.Add(24*time.Hour), s.Next(nine))
}
