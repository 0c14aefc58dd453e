// Package recurrence expands RFC 5545 recurrence rules of calendar events.
package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

// MaxOccurrences bounds the instances returned by a single expansion.
const MaxOccurrences = 1000

// Occurrence is one instance of an event in time
type Occurrence struct {
	Start time.Time
	End   time.Time
}

// Info carries the recurrence-related properties of a master event
type Info struct {
	RRULE  string      // without the "RRULE:" prefix
	EXDATE []time.Time // excluded instance starts
	// ExcludedDays holds VALUE=DATE exceptions as midnight UTC. They remove
	// every instance starting on that day.
	ExcludedDays []time.Time
}

// AddExceptionDates appends the values of an EXDATE property, which may be a
// comma separated list of DATE or DATE-TIME values.
func (i *Info) AddExceptionDates(prop ical.Prop) error {
	for _, value := range strings.Split(prop.Value, ",") {
		single := prop
		single.Value = strings.TrimSpace(value)
		t, err := single.DateTime(time.UTC)
		if err != nil {
			return fmt.Errorf("invalid EXDATE %q: %w", value, err)
		}
		if single.ValueType() == ical.ValueDate || len(single.Value) == len("20060102") {
			y, m, d := t.Date()
			i.ExcludedDays = append(i.ExcludedDays, time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
			continue
		}
		i.EXDATE = append(i.EXDATE, t.UTC())
	}
	return nil
}

// Overlaps reports whether [start, end) intersects [windowStart, windowEnd).
// A zero-length instance overlaps when it lies inside the window.
func Overlaps(start, end, windowStart, windowEnd time.Time) bool {
	if end.Equal(start) {
		return !start.Before(windowStart) && start.Before(windowEnd)
	}
	return start.Before(windowEnd) && end.After(windowStart)
}

// Expand returns the instances of the event overlapping [windowStart, windowEnd),
// ordered by start. Without an RRULE the master instance is the only candidate.
func Expand(masterStart, masterEnd time.Time, info Info, windowStart, windowEnd time.Time) ([]Occurrence, error) {
	duration := masterEnd.Sub(masterStart)
	if duration < 0 {
		return nil, fmt.Errorf("event ends before it starts")
	}

	rule := strings.TrimPrefix(strings.TrimSpace(info.RRULE), "RRULE:")
	if rule == "" {
		if Overlaps(masterStart, masterEnd, windowStart, windowEnd) && !info.excluded(masterStart) {
			return []Occurrence{{Start: masterStart, End: masterEnd}}, nil
		}
		return nil, nil
	}

	set, err := rrule.StrToRRuleSet(fmt.Sprintf("DTSTART:%s\nRRULE:%s",
		masterStart.UTC().Format("20060102T150405Z"), rule))
	if err != nil {
		return nil, fmt.Errorf("failed to parse RRULE %q: %w", rule, err)
	}

	// Instances that started before the window can still run into it.
	from := windowStart.Add(-duration)

	var occurrences []Occurrence
	next := set.Iterator()
	for {
		s, ok := next()
		if !ok || !s.Before(windowEnd) {
			break
		}
		if s.Before(from) {
			continue
		}
		end := s.Add(duration)
		if !Overlaps(s, end, windowStart, windowEnd) || info.excluded(s) {
			continue
		}
		occurrences = append(occurrences, Occurrence{Start: s, End: end})
		if len(occurrences) == MaxOccurrences {
			break
		}
	}
	return occurrences, nil
}

// HasOccurrenceInRange reports whether any instance overlaps the window
func HasOccurrenceInRange(masterStart, masterEnd time.Time, info Info, windowStart, windowEnd time.Time) (bool, error) {
	occurrences, err := Expand(masterStart, masterEnd, info, windowStart, windowEnd)
	if err != nil {
		return false, err
	}
	return len(occurrences) > 0, nil
}

func (i Info) excluded(t time.Time) bool {
	for _, exdate := range i.EXDATE {
		if t.Equal(exdate) {
			return true
		}
	}
	y, m, d := t.UTC().Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	for _, exday := range i.ExcludedDays {
		if day.Equal(exday) {
			return true
		}
	}
	return false
}
