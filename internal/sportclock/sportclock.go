// Package sportclock converts sport-specific game clock readings to and from
// a common elapsed-seconds scale. Elapsed seconds count up from the opening
// whistle regardless of whether the sport's scoreboard clock runs up or down,
// which gives downstream offset arithmetic a single total ordering to work
// with.
package sportclock

import (
	"fmt"
	"sort"
)

// Direction is the way a sport's scoreboard clock runs within a period.
type Direction string

const (
	// CountDown clocks show time remaining in the period (basketball).
	CountDown Direction = "down"
	// CountUp clocks show time played in the period (soccer), and may run
	// past the nominal period length during stoppage.
	CountUp Direction = "up"
)

// Sport describes one supported sport's clock shape.
type Sport struct {
	Tag           string
	Periods       int
	PeriodMinutes int
	Direction     Direction
	// MaxMinute is the largest minute value accepted on a count-up clock,
	// leaving headroom for stoppage time. Unused for count-down clocks.
	MaxMinute int
	// PeriodLabel prefixes the period number in display strings ("Q3").
	PeriodLabel string
}

// DefaultTag is the sport assumed when a join names none and the room does
// not exist yet.
const DefaultTag = "basketball"

// sports is the closed set of supported sports, kept as data so adding a
// sport is a table edit rather than new branching.
var sports = map[string]Sport{
	"basketball": {Tag: "basketball", Periods: 4, PeriodMinutes: 12, Direction: CountDown, PeriodLabel: "Q"},
	"football":   {Tag: "football", Periods: 4, PeriodMinutes: 15, Direction: CountDown, PeriodLabel: "Q"},
	"hockey":     {Tag: "hockey", Periods: 3, PeriodMinutes: 20, Direction: CountDown, PeriodLabel: "P"},
	"soccer":     {Tag: "soccer", Periods: 2, PeriodMinutes: 45, Direction: CountUp, MaxMinute: 59, PeriodLabel: "H"},
}

// GameTime is a canonical clock position within a game.
type GameTime struct {
	Period  int    `json:"period"`
	Minutes int    `json:"minutes"`
	Seconds int    `json:"seconds"`
	Display string `json:"display,omitempty"`
}

// InvalidTimeError reports a clock reading that is out of range for a sport.
type InvalidTimeError struct {
	Sport  string
	Reason string
}

func (e *InvalidTimeError) Error() string {
	return fmt.Sprintf("invalid game time for %s: %s", e.Sport, e.Reason)
}

// Lookup returns the sport definition for tag, or false if the tag is not in
// the supported set.
func Lookup(tag string) (Sport, bool) {
	s, ok := sports[tag]
	return s, ok
}

// Tags returns the supported sport tags in sorted order.
func Tags() []string {
	out := make([]string, 0, len(sports))
	for tag := range sports {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Validate checks a clock reading against the sport's ranges.
//
// Count-down clocks accept minutes in [0, period length]; a full period
// length is only valid at exactly :00 (the period start). Count-up clocks
// accept minutes in [0, MaxMinute] so stoppage time is representable.
func (s Sport) Validate(period, minutes, seconds int) error {
	if period < 1 || period > s.Periods {
		return &InvalidTimeError{s.Tag, fmt.Sprintf("period %d out of range 1-%d", period, s.Periods)}
	}
	if seconds < 0 || seconds > 59 {
		return &InvalidTimeError{s.Tag, fmt.Sprintf("seconds %d out of range 0-59", seconds)}
	}
	switch s.Direction {
	case CountDown:
		if minutes < 0 || minutes > s.PeriodMinutes {
			return &InvalidTimeError{s.Tag, fmt.Sprintf("minutes %d out of range 0-%d", minutes, s.PeriodMinutes)}
		}
		if minutes == s.PeriodMinutes && seconds != 0 {
			return &InvalidTimeError{s.Tag, fmt.Sprintf("%d:%02d exceeds period length", minutes, seconds)}
		}
	case CountUp:
		if minutes < 0 || minutes > s.MaxMinute {
			return &InvalidTimeError{s.Tag, fmt.Sprintf("minutes %d out of range 0-%d", minutes, s.MaxMinute)}
		}
	}
	return nil
}

// ToElapsed converts a validated clock reading into elapsed seconds since the
// start of the game.
func (s Sport) ToElapsed(period, minutes, seconds int) (int, error) {
	if err := s.Validate(period, minutes, seconds); err != nil {
		return 0, err
	}
	periodLen := s.PeriodMinutes * 60
	base := (period - 1) * periodLen
	if s.Direction == CountDown {
		return base + (periodLen - (minutes*60 + seconds)), nil
	}
	return base + minutes*60 + seconds, nil
}

// FromElapsed converts elapsed seconds back into a clock reading, clamping to
// [0, total game length]. Instants that fall exactly on a period boundary are
// attributed to the start of the later period.
func (s Sport) FromElapsed(elapsed int) GameTime {
	periodLen := s.PeriodMinutes * 60
	total := s.Periods * periodLen
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > total {
		elapsed = total
	}

	period := elapsed/periodLen + 1
	if period > s.Periods {
		period = s.Periods
	}
	within := elapsed - (period-1)*periodLen

	var minutes, seconds int
	if s.Direction == CountDown {
		remaining := periodLen - within
		minutes, seconds = remaining/60, remaining%60
	} else {
		minutes, seconds = within/60, within%60
	}

	gt := GameTime{Period: period, Minutes: minutes, Seconds: seconds}
	gt.Display = s.Display(gt)
	return gt
}

// Display renders a clock position the way the scoreboard shows it, e.g.
// "Q3 8:42" for basketball or "H1 23:15" for soccer.
func (s Sport) Display(gt GameTime) string {
	return fmt.Sprintf("%s%d %d:%02d", s.PeriodLabel, gt.Period, gt.Minutes, gt.Seconds)
}

// TotalSeconds is the regulation length of a full game in elapsed seconds.
func (s Sport) TotalSeconds() int {
	return s.Periods * s.PeriodMinutes * 60
}
