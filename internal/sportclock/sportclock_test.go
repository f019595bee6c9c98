package sportclock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	for _, tag := range []string{"basketball", "football", "hockey", "soccer"} {
		_, ok := Lookup(tag)
		assert.True(t, ok, tag)
	}
	_, ok := Lookup("curling")
	assert.False(t, ok)
}

func TestToElapsedCountDown(t *testing.T) {
	bb, _ := Lookup("basketball")

	// Q3 8:42 remaining = 720 + 720 + (720 - 522) = 1638.
	elapsed, err := bb.ToElapsed(3, 8, 42)
	require.NoError(t, err)
	assert.Equal(t, 1638, elapsed)

	// Start of the game.
	elapsed, err = bb.ToElapsed(1, 12, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, elapsed)

	// Final buzzer.
	elapsed, err = bb.ToElapsed(4, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, bb.TotalSeconds(), elapsed)
}

func TestToElapsedCountUp(t *testing.T) {
	so, _ := Lookup("soccer")

	// H1 23:15 played = 1395.
	elapsed, err := so.ToElapsed(1, 23, 15)
	require.NoError(t, err)
	assert.Equal(t, 1395, elapsed)

	// Stoppage time is accepted up to the minute bound.
	_, err = so.ToElapsed(1, 59, 59)
	require.NoError(t, err)

	_, err = so.ToElapsed(1, 60, 0)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	bb, _ := Lookup("basketball")
	ho, _ := Lookup("hockey")

	cases := []struct {
		name    string
		sport   Sport
		p, m, s int
		ok      bool
	}{
		{"mid period", bb, 2, 5, 30, true},
		{"period start", bb, 1, 12, 0, true},
		{"period too high", bb, 5, 5, 0, false},
		{"period zero", bb, 0, 5, 0, false},
		{"seconds out of range", bb, 1, 5, 60, false},
		{"negative seconds", bb, 1, 5, -1, false},
		{"full minutes nonzero seconds", bb, 1, 12, 1, false},
		{"minutes over period", bb, 1, 13, 0, false},
		{"hockey period 3", ho, 3, 0, 1, true},
		{"hockey period 4", ho, 4, 10, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.sport.Validate(tc.p, tc.m, tc.s)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				var ite *InvalidTimeError
				assert.ErrorAs(t, err, &ite)
			}
		})
	}
}

// Round trip holds for interior clock positions; period boundaries share an
// elapsed value with the start of the next period and are attributed there.
func TestRoundTrip(t *testing.T) {
	for _, tag := range Tags() {
		sport, _ := Lookup(tag)
		maxMin := sport.PeriodMinutes
		for p := 1; p <= sport.Periods; p++ {
			for m := 0; m < maxMin; m++ {
				for _, sec := range []int{0, 1, 29, 59} {
					if sport.Direction == CountDown && m == 0 && sec == 0 && p < sport.Periods {
						// End of period p == start of period p+1.
						continue
					}
					elapsed, err := sport.ToElapsed(p, m, sec)
					require.NoError(t, err)
					got := sport.FromElapsed(elapsed)
					assert.Equal(t, p, got.Period, "%s %d %d:%02d", tag, p, m, sec)
					assert.Equal(t, m, got.Minutes, "%s %d %d:%02d", tag, p, m, sec)
					assert.Equal(t, sec, got.Seconds, "%s %d %d:%02d", tag, p, m, sec)
				}
			}
		}
	}
}

func TestFromElapsedClamps(t *testing.T) {
	bb, _ := Lookup("basketball")

	gt := bb.FromElapsed(-5)
	assert.Equal(t, GameTime{Period: 1, Minutes: 12, Seconds: 0, Display: "Q1 12:00"}, gt)

	gt = bb.FromElapsed(999999)
	assert.Equal(t, 4, gt.Period)
	assert.Equal(t, 0, gt.Minutes)
	assert.Equal(t, 0, gt.Seconds)
}

func TestDisplay(t *testing.T) {
	bb, _ := Lookup("basketball")
	so, _ := Lookup("soccer")

	assert.Equal(t, "Q3 8:42", bb.Display(GameTime{Period: 3, Minutes: 8, Seconds: 42}))
	assert.Equal(t, "H1 23:05", so.Display(GameTime{Period: 1, Minutes: 23, Seconds: 5}))
}
