package xml

import (
	"fmt"
	"time"

	"github.com/beevik/etree"
)

// PropfindRequest represents a PROPFIND request
type PropfindRequest struct {
	Prop []string
}

// ToXML converts a PropfindRequest to an XML document
func (r *PropfindRequest) ToXML() *etree.Document {
	doc := newDocument()
	root := doc.CreateElement("D:" + TagPropfind)
	AddNamespaces(doc)

	prop := root.CreateElement("D:" + TagProp)
	for _, name := range r.Prop {
		prop.CreateElement(qualified(name))
	}
	return doc
}

// TimeRange represents a time range filter
type TimeRange struct {
	Start *time.Time
	End   *time.Time
}

func (tr *TimeRange) toElement(elem *etree.Element) {
	if tr.Start != nil {
		elem.CreateAttr("start", tr.Start.UTC().Format(TimeFormat))
	}
	if tr.End != nil {
		elem.CreateAttr("end", tr.End.UTC().Format(TimeFormat))
	}
}

// PropFilter matches a property's text content
type PropFilter struct {
	Name            string
	TextMatch       string
	NegateCondition bool
}

// Filter represents a calendar query comp-filter
type Filter struct {
	ComponentName string
	TimeRange     *TimeRange
	PropFilters   []PropFilter
	SubFilter     *Filter
}

func (f *Filter) toElement(parent *etree.Element) {
	compFilter := parent.CreateElement("C:comp-filter")
	compFilter.CreateAttr("name", f.ComponentName)

	if f.TimeRange != nil {
		f.TimeRange.toElement(compFilter.CreateElement("C:time-range"))
	}

	for _, pf := range f.PropFilters {
		propFilter := compFilter.CreateElement("C:prop-filter")
		propFilter.CreateAttr("name", pf.Name)
		textMatch := propFilter.CreateElement("C:text-match")
		textMatch.CreateAttr("collation", "i;unicode-casemap")
		if pf.NegateCondition {
			textMatch.CreateAttr("negate-condition", "yes")
		}
		textMatch.SetText(pf.TextMatch)
	}

	if f.SubFilter != nil {
		f.SubFilter.toElement(compFilter)
	}
}

// Innermost returns the deepest comp-filter.
func (f *Filter) Innermost() *Filter {
	for f.SubFilter != nil {
		f = f.SubFilter
	}
	return f
}

// CalendarQuery represents a calendar-query REPORT request
type CalendarQuery struct {
	Props  []string
	Filter Filter
}

// CalendarMultiget represents a calendar-multiget REPORT request
type CalendarMultiget struct {
	Props []string
	Hrefs []string
}

// ReportRequest represents a REPORT request
type ReportRequest struct {
	Query    *CalendarQuery
	MultiGet *CalendarMultiget
}

// NewEventQuery builds a calendar-query for VEVENTs that returns getetag and
// calendar-data. tr may be nil.
func NewEventQuery(tr *TimeRange, propFilters []PropFilter) *ReportRequest {
	return &ReportRequest{
		Query: &CalendarQuery{
			Props: []string{"getetag", "calendar-data"},
			Filter: Filter{
				ComponentName: "VCALENDAR",
				SubFilter: &Filter{
					ComponentName: "VEVENT",
					TimeRange:     tr,
					PropFilters:   propFilters,
				},
			},
		},
	}
}

// NewTimeRangeQuery builds a calendar-query for VEVENTs overlapping [start, end)
func NewTimeRangeQuery(start, end time.Time) *ReportRequest {
	start, end = start.UTC(), end.UTC()
	return NewEventQuery(&TimeRange{Start: &start, End: &end}, nil)
}

// Name returns the report's root element name.
func (r *ReportRequest) Name() string {
	switch {
	case r.Query != nil:
		return "calendar-query"
	case r.MultiGet != nil:
		return "calendar-multiget"
	}
	return ""
}

// ToXML converts a ReportRequest to an XML document
func (r *ReportRequest) ToXML() (*etree.Document, error) {
	doc := newDocument()

	switch {
	case r.Query != nil:
		root := doc.CreateElement("C:calendar-query")
		AddSelectedNamespaces(doc, DAV, CalDAV)
		addProps(root, r.Query.Props)
		r.Query.Filter.toElement(root.CreateElement("C:filter"))
	case r.MultiGet != nil:
		if len(r.MultiGet.Hrefs) == 0 {
			return nil, fmt.Errorf("calendar-multiget requires at least one href")
		}
		root := doc.CreateElement("C:calendar-multiget")
		AddSelectedNamespaces(doc, DAV, CalDAV)
		addProps(root, r.MultiGet.Props)
		for _, href := range r.MultiGet.Hrefs {
			root.CreateElement("D:" + TagHref).SetText(href)
		}
	default:
		return nil, fmt.Errorf("empty report request")
	}

	return doc, nil
}

func addProps(root *etree.Element, props []string) {
	if len(props) == 0 {
		return
	}
	prop := root.CreateElement("D:" + TagProp)
	for _, name := range props {
		prop.CreateElement(qualified(name))
	}
}

// Parse parses a REPORT request from an XML document
func (r *ReportRequest) Parse(doc *etree.Document) error {
	if doc == nil || doc.Root() == nil {
		return fmt.Errorf("empty document")
	}

	root := doc.Root()
	r.Query, r.MultiGet = nil, nil

	switch root.Tag {
	case "calendar-query":
		r.Query = &CalendarQuery{Props: propNames(root)}
		if filter := root.SelectElement("filter"); filter != nil {
			if compFilter := filter.SelectElement("comp-filter"); compFilter != nil {
				return parseCompFilter(compFilter, &r.Query.Filter)
			}
		}
		return nil
	case "calendar-multiget":
		r.MultiGet = &CalendarMultiget{Props: propNames(root)}
		for _, href := range root.SelectElements(TagHref) {
			r.MultiGet.Hrefs = append(r.MultiGet.Hrefs, href.Text())
		}
		return nil
	default:
		return fmt.Errorf("unsupported report type: %s", root.Tag)
	}
}

func propNames(root *etree.Element) []string {
	var names []string
	if prop := root.SelectElement(TagProp); prop != nil {
		for _, p := range prop.ChildElements() {
			names = append(names, p.Tag)
		}
	}
	return names
}

func parseCompFilter(elem *etree.Element, filter *Filter) error {
	filter.ComponentName = elem.SelectAttrValue("name", "")

	if tr := elem.SelectElement("time-range"); tr != nil {
		filter.TimeRange = &TimeRange{}
		if start := tr.SelectAttrValue("start", ""); start != "" {
			t, err := time.Parse(TimeFormat, start)
			if err != nil {
				return fmt.Errorf("invalid time-range start %q: %w", start, err)
			}
			filter.TimeRange.Start = &t
		}
		if end := tr.SelectAttrValue("end", ""); end != "" {
			t, err := time.Parse(TimeFormat, end)
			if err != nil {
				return fmt.Errorf("invalid time-range end %q: %w", end, err)
			}
			filter.TimeRange.End = &t
		}
	}

	for _, pf := range elem.SelectElements("prop-filter") {
		propFilter := PropFilter{Name: pf.SelectAttrValue("name", "")}
		if tm := pf.SelectElement("text-match"); tm != nil {
			propFilter.TextMatch = tm.Text()
			propFilter.NegateCondition = tm.SelectAttrValue("negate-condition", "no") == "yes"
		}
		filter.PropFilters = append(filter.PropFilters, propFilter)
	}

	if nested := elem.SelectElement("comp-filter"); nested != nil {
		filter.SubFilter = &Filter{}
		return parseCompFilter(nested, filter.SubFilter)
	}

	return nil
}

func newDocument() *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	return doc
}
