package davclient

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-ical"

	"github.com/cyp0633/prospero/internal/xml"
)

// ObjectFilter builds a calendar-query over VEVENT resources.
type ObjectFilter interface {
	// TimeRange keeps events overlapping [start, end).
	TimeRange(start, end time.Time) ObjectFilter
	Summary(text string) ObjectFilter
	Description(text string) ObjectFilter
	Location(text string) ObjectFilter
	Organizer(text string) ObjectFilter
	Status(status string) ObjectFilter
	NotStatus(status string) ObjectFilter
	Categories(categories ...string) ObjectFilter
	Limit(limit int) ObjectFilter
	Do(ctx context.Context) ([]EventResource, error)
}

type objectFilter struct {
	calendar    *Calendar
	timeRange   *xml.TimeRange
	propFilters []xml.PropFilter
	limit       int
	err         error
}

// Events returns a filter matching every event of the calendar.
func (c *Calendar) Events() ObjectFilter {
	return &objectFilter{calendar: c}
}

func (f *objectFilter) TimeRange(start, end time.Time) ObjectFilter {
	if end.Before(start) {
		f.err = fmt.Errorf("invalid time range: end %s precedes start %s",
			end.UTC().Format(time.RFC3339), start.UTC().Format(time.RFC3339))
		return f
	}
	start, end = start.UTC(), end.UTC()
	f.timeRange = &xml.TimeRange{Start: &start, End: &end}
	return f
}

// match adds a case-insensitive substring match on a property.
func (f *objectFilter) match(name, text string, negate bool) ObjectFilter {
	if text != "" {
		f.propFilters = append(f.propFilters, xml.PropFilter{Name: name, TextMatch: text, NegateCondition: negate})
	}
	return f
}

func (f *objectFilter) Summary(text string) ObjectFilter {
	return f.match(ical.PropSummary, text, false)
}

func (f *objectFilter) Description(text string) ObjectFilter {
	return f.match(ical.PropDescription, text, false)
}

func (f *objectFilter) Location(text string) ObjectFilter {
	return f.match(ical.PropLocation, text, false)
}

func (f *objectFilter) Organizer(text string) ObjectFilter {
	return f.match(ical.PropOrganizer, text, false)
}

func (f *objectFilter) Status(status string) ObjectFilter {
	return f.match(ical.PropStatus, status, false)
}

func (f *objectFilter) NotStatus(status string) ObjectFilter {
	return f.match(ical.PropStatus, status, true)
}

// Categories requires every given category to be present.
func (f *objectFilter) Categories(categories ...string) ObjectFilter {
	for _, category := range categories {
		f.match(ical.PropCategories, category, false)
	}
	return f
}

func (f *objectFilter) Limit(limit int) ObjectFilter {
	f.limit = limit
	return f
}

// buildReport converts the filter to a calendar-query REPORT.
func (f *objectFilter) buildReport() *xml.ReportRequest {
	return xml.NewEventQuery(f.timeRange, f.propFilters)
}

// Do runs the query and returns matching resources ordered by start time.
func (f *objectFilter) Do(ctx context.Context) ([]EventResource, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.calendar.search(ctx, f.buildReport(), f.limit)
}
