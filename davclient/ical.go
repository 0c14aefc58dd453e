package davclient

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
	"github.com/teambition/rrule-go"

	"github.com/cyp0633/prospero/internal/recurrence"
)

const productID = "-//github.com/cyp0633/prospero//NONSGML v1.0//EN"

// now is replaced in tests to get a stable DTSTAMP.
var now = time.Now

// Event is an event to be stored on the server.
type Event struct {
	// UID identifies the event. A random one is generated when empty.
	UID         string
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	// RRule is an RFC 5545 recurrence rule such as "FREQ=WEEKLY;COUNT=10".
	RRule string
}

// EncodeEvent converts an Event to an iCalendar object holding a single VEVENT.
// Times are written in UTC with second precision.
func EncodeEvent(e Event) ([]byte, error) {
	if e.Start.IsZero() || e.End.IsZero() {
		return nil, fmt.Errorf("%w: start and end are required", ErrInvalidEvent)
	}
	if e.End.Before(e.Start) {
		return nil, fmt.Errorf("%w: end %s precedes start %s",
			ErrInvalidEvent, e.End.UTC().Format(time.RFC3339), e.Start.UTC().Format(time.RFC3339))
	}

	uid := e.UID
	if uid == "" {
		uid = uuid.NewString()
	}

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, uid)
	event.Props.SetDateTime(ical.PropDateTimeStamp, utcSeconds(now()))
	event.Props.SetDateTime(ical.PropDateTimeStart, utcSeconds(e.Start))
	event.Props.SetDateTime(ical.PropDateTimeEnd, utcSeconds(e.End))
	event.Props.SetText(ical.PropSummary, e.Summary)
	event.Props.SetText(ical.PropDescription, e.Description)
	if e.Location != "" {
		event.Props.SetText(ical.PropLocation, e.Location)
	}
	if rule := strings.TrimPrefix(strings.TrimSpace(e.RRule), "RRULE:"); rule != "" {
		opt, err := rrule.StrToROption(rule)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid recurrence rule %q: %v", ErrInvalidEvent, rule, err)
		}
		event.Props.SetRecurrenceRule(opt)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Children = append(cal.Children, event.Component)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("failed to encode calendar: %w", err)
	}
	return buf.Bytes(), nil
}

func utcSeconds(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// DecodedEvent is the master VEVENT of a decoded calendar object.
type DecodedEvent struct {
	event ical.Event
}

// DecodeEvent parses a VCALENDAR object, or a bare VEVENT block, and returns
// its master event. Unknown properties are kept but ignored.
func DecodeEvent(data []byte) (*DecodedEvent, error) {
	text := bytes.TrimSpace(data)
	if len(text) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformedCalendarData)
	}
	if bytes.HasPrefix(bytes.ToUpper(text), []byte("BEGIN:VEVENT")) {
		text = wrapEvent(text)
	}

	cal, err := ical.NewDecoder(bytes.NewReader(text)).Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCalendarData, err)
	}

	events := cal.Events()
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: no VEVENT component", ErrMalformedCalendarData)
	}
	// Overridden instances carry RECURRENCE-ID; the master does not.
	for _, ev := range events {
		if ev.Props.Get(ical.PropRecurrenceID) == nil {
			return &DecodedEvent{event: ev}, nil
		}
	}
	return &DecodedEvent{event: events[0]}, nil
}

func wrapEvent(vevent []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:" + productID + "\r\n")
	buf.Write(vevent)
	buf.WriteString("\r\nEND:VCALENDAR\r\n")
	return buf.Bytes()
}

func (e *DecodedEvent) text(name string) (string, error) {
	prop := e.event.Props.Get(name)
	if prop == nil {
		return "", &MissingFieldError{Name: name}
	}
	value, err := prop.Text()
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrMalformedCalendarData, name, err)
	}
	return value, nil
}

func (e *DecodedEvent) UID() (string, error)         { return e.text(ical.PropUID) }
func (e *DecodedEvent) Summary() (string, error)     { return e.text(ical.PropSummary) }
func (e *DecodedEvent) Description() (string, error) { return e.text(ical.PropDescription) }
func (e *DecodedEvent) Location() (string, error)    { return e.text(ical.PropLocation) }

// RRule returns the raw recurrence rule value.
func (e *DecodedEvent) RRule() (string, error) {
	prop := e.event.Props.Get(ical.PropRecurrenceRule)
	if prop == nil {
		return "", &MissingFieldError{Name: ical.PropRecurrenceRule}
	}
	return prop.Value, nil
}

// StartTime returns DTSTART as a UTC instant. Floating times are read as UTC.
func (e *DecodedEvent) StartTime() (time.Time, error) {
	if e.event.Props.Get(ical.PropDateTimeStart) == nil {
		return time.Time{}, &MissingFieldError{Name: ical.PropDateTimeStart}
	}
	t, err := e.event.DateTimeStart(time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %v", ErrMalformedCalendarData, ical.PropDateTimeStart, err)
	}
	return t.UTC(), nil
}

// EndTime returns DTEND, or DTSTART plus DURATION when DTEND is absent.
func (e *DecodedEvent) EndTime() (time.Time, error) {
	if e.event.Props.Get(ical.PropDateTimeEnd) == nil && e.event.Props.Get(ical.PropDateTimeStart) == nil {
		return time.Time{}, &MissingFieldError{Name: ical.PropDateTimeEnd}
	}
	t, err := e.event.DateTimeEnd(time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %v", ErrMalformedCalendarData, ical.PropDateTimeEnd, err)
	}
	return t.UTC(), nil
}

// Occurrences expands the event's recurrence into the instances overlapping
// [start, end). Events without RRULE yield at most one instance.
func (e *DecodedEvent) Occurrences(start, end time.Time) ([]Occurrence, error) {
	dtstart, err := e.StartTime()
	if err != nil {
		return nil, err
	}
	dtend, err := e.EndTime()
	if err != nil {
		return nil, err
	}

	var info recurrence.Info
	if rule, err := e.RRule(); err == nil {
		info.RRULE = rule
	}
	for _, prop := range e.event.Props.Values(ical.PropExceptionDates) {
		if err := info.AddExceptionDates(prop); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCalendarData, err)
		}
	}

	occurrences, err := recurrence.Expand(dtstart, dtend, info, start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCalendarData, err)
	}
	return occurrences, nil
}
