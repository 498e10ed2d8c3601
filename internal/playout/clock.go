package playout

import (
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the canonical wall-clock layout used on the API and in
// the timeline repository.
const TimestampLayout = "2006-01-02 15:04:05"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Normalizer converts caller-supplied local times into the engine's
// canonical local time zone. Canonical timestamps have second precision.
type Normalizer struct {
	loc *time.Location
}

// NewNormalizer returns a Normalizer for loc; nil means time.Local.
func NewNormalizer(loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.Local
	}
	return &Normalizer{loc: loc}
}

// Location is the canonical time zone.
func (n *Normalizer) Location() *time.Location {
	return n.loc
}

// Normalize parses local ("YYYY-MM-DD HH:MM:SS") in the named zone and
// returns it in the canonical zone.
func (n *Normalizer) Normalize(local, zone string) (time.Time, error) {
	zone = strings.TrimSpace(zone)
	if zone == "" {
		return time.Time{}, fmt.Errorf("%w: time zone is required", ErrInvalidTime)
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: unknown time zone %q", ErrInvalidTime, zone)
	}
	t, err := time.ParseInLocation(TimestampLayout, strings.TrimSpace(local), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is not %s", ErrInvalidTime, local, TimestampLayout)
	}
	return t.In(n.loc), nil
}

// Canonical truncates t to seconds in the canonical zone.
func (n *Normalizer) Canonical(t time.Time) time.Time {
	return t.In(n.loc).Truncate(time.Second)
}

// EndOf derives the end of a slot that starts at start and lasts d.
// Sub-second remainders are dropped.
func (n *Normalizer) EndOf(start time.Time, d time.Duration) time.Time {
	return n.Canonical(start.Add(d))
}

// Format renders t in the canonical zone and layout.
func (n *Normalizer) Format(t time.Time) string {
	return t.In(n.loc).Format(TimestampLayout)
}
