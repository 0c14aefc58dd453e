// Package caldavtest provides an in-memory CalDAV server for tests.
//
// The server exposes a single principal with one calendar collection and
// implements the subset of RFC 4791 the client relies on: discovery
// PROPFINDs, calendar-query with time-range and text-match filters,
// calendar-multiget, and conditional PUT/DELETE.
package caldavtest

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/emersion/go-ical"

	"github.com/cyp0633/prospero/internal/recurrence"
	"github.com/cyp0633/prospero/internal/xml"
)

const (
	PrincipalPath = "/dav/principals/alice/"
	HomePath      = "/dav/calendars/alice/"
	CalendarPath  = "/dav/calendars/alice/timetable/"

	CalendarName        = "Timetable"
	CalendarDescription = "Class schedule"
	CalendarColor       = "#3a87adff"
	MaxResourceSize     = 1 << 20
)

// Options changes how the server behaves.
type Options struct {
	// OmitCalendarData leaves calendar-data out of calendar-query results.
	OmitCalendarData bool
	// DisableMultiget rejects calendar-multiget reports.
	DisableMultiget bool
	// OmitPutETag drops the ETag header from PUT responses.
	OmitPutETag bool
	// Username and Password, when Username is set, are required on every request.
	Username string
	Password string
}

type object struct {
	data []byte
	etag string
}

// Server is an httptest server backed by an in-memory calendar.
type Server struct {
	*httptest.Server

	opts Options

	mu      sync.Mutex
	objects map[string]object
	seq     int
	ctag    int
	counts  map[string]int
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB, opts Options) *Server {
	s := &Server{
		opts:    opts,
		objects: make(map[string]object),
		counts:  make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	t.Cleanup(s.Close)
	return s
}

// CalendarURL returns the absolute URL of the calendar collection.
func (s *Server) CalendarURL() string {
	return s.URL + CalendarPath
}

// Put stores data at href without any validation.
func (s *Server) Put(href string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store(href, data)
}

// Object returns the stored body and ETag at href.
func (s *Server) Object(href string) ([]byte, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[href]
	return obj.data, obj.etag, ok
}

// Len returns the number of stored calendar objects.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// Count returns how many requests with the given method were served.
func (s *Server) Count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[method]
}

func (s *Server) store(href string, data []byte) string {
	s.seq++
	s.ctag++
	etag := strconv.Quote(strconv.Itoa(s.seq))
	s.objects[href] = object{data: append([]byte(nil), data...), etag: etag}
	return etag
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if s.opts.Username != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.opts.Username || pass != s.opts.Password {
			w.Header().Set("WWW-Authenticate", `Basic realm="caldavtest"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[r.Method]++

	switch r.Method {
	case "PROPFIND":
		s.handlePropfind(w, r, body)
	case "REPORT":
		s.handleReport(w, r, body)
	case http.MethodPut:
		s.handlePut(w, r, body)
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "PROPFIND, REPORT, PUT, GET, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

var defaultProps = []string{"resourcetype", "displayname", "getetag"}

func (s *Server) handlePropfind(w http.ResponseWriter, r *http.Request, body []byte) {
	names := defaultProps
	if len(bytes.TrimSpace(body)) > 0 {
		doc := etree.NewDocument()
		if err := doc.ReadFromBytes(body); err != nil || doc.Root() == nil || doc.Root().Tag != xml.TagPropfind {
			http.Error(w, "invalid propfind body", http.StatusBadRequest)
			return
		}
		if prop := doc.Root().SelectElement(xml.TagProp); prop != nil {
			names = nil
			for _, p := range prop.ChildElements() {
				names = append(names, p.Tag)
			}
		}
	}

	path := r.URL.Path
	if !s.exists(path) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	hrefs := []string{path}
	if r.Header.Get("Depth") == "1" {
		hrefs = append(hrefs, s.children(path)...)
	}

	ms := &xml.MultistatusResponse{}
	for _, href := range hrefs {
		ms.Responses = append(ms.Responses, s.propResponse(href, names))
	}
	writeMultistatus(w, ms)
}

func (s *Server) exists(path string) bool {
	switch path {
	case "/", "/.well-known/caldav", PrincipalPath, HomePath, CalendarPath:
		return true
	}
	_, ok := s.objects[path]
	return ok
}

func (s *Server) children(path string) []string {
	switch path {
	case HomePath:
		return []string{CalendarPath}
	case CalendarPath:
		return s.sortedHrefs()
	}
	return nil
}

func (s *Server) sortedHrefs() []string {
	hrefs := make([]string, 0, len(s.objects))
	for href := range s.objects {
		hrefs = append(hrefs, href)
	}
	sort.Strings(hrefs)
	return hrefs
}

// propResponse answers the named properties of href, unknown ones in a 404 propstat.
func (s *Server) propResponse(href string, names []string) xml.Response {
	var found, missing []xml.Property
	for _, name := range names {
		if p, ok := s.prop(href, name); ok {
			found = append(found, p)
		} else {
			missing = append(missing, xml.Property{Name: name, Namespace: xml.NamespaceFor(name)})
		}
	}

	resp := xml.Response{Href: href}
	if len(found) > 0 {
		resp.PropStats = append(resp.PropStats, xml.PropStat{Props: found, Status: statusLine(http.StatusOK)})
	}
	if len(missing) > 0 {
		resp.PropStats = append(resp.PropStats, xml.PropStat{Props: missing, Status: statusLine(http.StatusNotFound)})
	}
	return resp
}

func (s *Server) prop(href, name string) (xml.Property, bool) {
	p := xml.Property{Name: name, Namespace: xml.NamespaceFor(name)}
	obj, isObject := s.objects[href]
	isCalendar := href == CalendarPath

	switch name {
	case "current-user-principal":
		p.Children = []xml.Property{hrefProp(PrincipalPath)}
	case "calendar-home-set":
		if href != PrincipalPath {
			return p, false
		}
		p.Children = []xml.Property{hrefProp(HomePath)}
	case xml.TagResourcetype:
		if isObject {
			return p, true
		}
		p.Children = []xml.Property{{Name: xml.TagCollection, Namespace: xml.DAV}}
		if isCalendar {
			p.Children = append(p.Children, xml.Property{Name: xml.TagCalendar, Namespace: xml.CalDAV})
		}
	case "displayname":
		if !isCalendar {
			return p, false
		}
		p.TextContent = CalendarName
	case "calendar-description":
		if !isCalendar {
			return p, false
		}
		p.TextContent = CalendarDescription
	case "calendar-color":
		if !isCalendar {
			return p, false
		}
		p.TextContent = CalendarColor
	case "supported-calendar-component-set":
		if !isCalendar {
			return p, false
		}
		p.Children = []xml.Property{{
			Name:       "comp",
			Namespace:  xml.CalDAV,
			Attributes: map[string]string{"name": ical.CompEvent},
		}}
	case "max-resource-size":
		if !isCalendar {
			return p, false
		}
		p.TextContent = strconv.Itoa(MaxResourceSize)
	case "current-user-privilege-set":
		if !isCalendar {
			return p, false
		}
		p.Children = []xml.Property{privilege("read"), privilege("write")}
	case "getctag":
		if !isCalendar {
			return p, false
		}
		p.TextContent = s.collectionTag()
	case "getetag":
		switch {
		case isObject:
			p.TextContent = obj.etag
		case isCalendar:
			p.TextContent = strconv.Quote(s.collectionTag())
		default:
			return p, false
		}
	case "calendar-data":
		if !isObject {
			return p, false
		}
		p.TextContent = string(obj.data)
	default:
		return p, false
	}
	return p, true
}

func (s *Server) collectionTag() string {
	return fmt.Sprintf("ctag-%d", s.ctag)
}

func hrefProp(href string) xml.Property {
	return xml.Property{Name: xml.TagHref, Namespace: xml.DAV, TextContent: href}
}

func privilege(name string) xml.Property {
	return xml.Property{
		Name:      "privilege",
		Namespace: xml.DAV,
		Children:  []xml.Property{{Name: name, Namespace: xml.DAV}},
	}
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request, body []byte) {
	if r.URL.Path != CalendarPath {
		http.Error(w, "not a calendar collection", http.StatusForbidden)
		return
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		http.Error(w, "invalid report body", http.StatusBadRequest)
		return
	}
	var report xml.ReportRequest
	if err := report.Parse(doc); err != nil {
		writeError(w, http.StatusForbidden, xml.DAV, "supported-report")
		return
	}

	ms := &xml.MultistatusResponse{}
	switch {
	case report.Query != nil:
		props := report.Query.Props
		if s.opts.OmitCalendarData {
			props = without(props, "calendar-data")
		}
		for _, href := range s.sortedHrefs() {
			if !matches(s.objects[href].data, &report.Query.Filter) {
				continue
			}
			ms.Responses = append(ms.Responses, s.propResponse(href, props))
		}
	case report.MultiGet != nil:
		if s.opts.DisableMultiget {
			writeError(w, http.StatusForbidden, xml.DAV, "supported-report")
			return
		}
		for _, href := range report.MultiGet.Hrefs {
			if _, ok := s.objects[href]; !ok {
				ms.Responses = append(ms.Responses, xml.Response{Href: href, Status: statusLine(http.StatusNotFound)})
				continue
			}
			ms.Responses = append(ms.Responses, s.propResponse(href, report.MultiGet.Props))
		}
	}
	writeMultistatus(w, ms)
}

func without(names []string, drop string) []string {
	var out []string
	for _, n := range names {
		if n != drop {
			out = append(out, n)
		}
	}
	return out
}

// matches evaluates a VCALENDAR comp-filter against stored data. Objects the
// server cannot parse always match so clients see them.
func matches(data []byte, filter *xml.Filter) bool {
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return true
	}
	if filter.ComponentName != "" && filter.ComponentName != ical.CompCalendar {
		return false
	}
	sub := filter.SubFilter
	if sub == nil {
		return true
	}
	for _, child := range cal.Children {
		if child.Name != sub.ComponentName {
			continue
		}
		if componentMatches(child, sub) {
			return true
		}
	}
	return false
}

func componentMatches(comp *ical.Component, filter *xml.Filter) bool {
	for _, pf := range filter.PropFilters {
		value := ""
		if p := comp.Props.Get(pf.Name); p != nil {
			value = p.Value
			if text, err := p.Text(); err == nil {
				value = text
			}
		}
		contains := strings.Contains(strings.ToLower(value), strings.ToLower(pf.TextMatch))
		if contains == pf.NegateCondition {
			return false
		}
	}

	if filter.TimeRange == nil {
		return true
	}

	event := ical.Event{Component: comp}
	start, err := event.DateTimeStart(time.UTC)
	if err != nil || start.IsZero() {
		return false
	}
	end, err := event.DateTimeEnd(time.UTC)
	if err != nil {
		return false
	}

	var info recurrence.Info
	if p := comp.Props.Get(ical.PropRecurrenceRule); p != nil {
		info.RRULE = p.Value
	}
	for _, p := range comp.Props.Values(ical.PropExceptionDates) {
		// unparsable exceptions are ignored
		_ = info.AddExceptionDates(p)
	}

	windowStart := time.Unix(0, 0).UTC()
	if filter.TimeRange.Start != nil {
		windowStart = *filter.TimeRange.Start
	}
	windowEnd := time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
	if filter.TimeRange.End != nil {
		windowEnd = *filter.TimeRange.End
	}

	ok, err := recurrence.HasOccurrenceInRange(start, end, info, windowStart, windowEnd)
	return err == nil && ok
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, body []byte) {
	href := r.URL.Path
	if !strings.HasPrefix(href, CalendarPath) || !strings.HasSuffix(href, ".ics") {
		http.Error(w, "cannot create resource here", http.StatusForbidden)
		return
	}

	existing, exists := s.objects[href]
	if r.Header.Get("If-None-Match") == "*" && exists {
		http.Error(w, "resource exists", http.StatusPreconditionFailed)
		return
	}
	if match := r.Header.Get("If-Match"); match != "" && (!exists || match != existing.etag) {
		http.Error(w, "etag mismatch", http.StatusPreconditionFailed)
		return
	}

	uid, ok := calendarUID(body)
	if !ok {
		writeError(w, http.StatusForbidden, xml.CalDAV, "valid-calendar-data")
		return
	}
	for other, obj := range s.objects {
		if other == href {
			continue
		}
		if otherUID, ok := calendarUID(obj.data); ok && otherUID == uid {
			writeError(w, http.StatusForbidden, xml.CalDAV, "no-uid-conflict")
			return
		}
	}

	etag := s.store(href, body)
	if !s.opts.OmitPutETag {
		w.Header().Set("ETag", etag)
	}
	if exists {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// calendarUID returns the UID of the first VEVENT, reporting false when data
// is not a calendar object with one.
func calendarUID(data []byte) (string, bool) {
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return "", false
	}
	events := cal.Events()
	if len(events) == 0 {
		return "", false
	}
	uid, err := events[0].Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		return "", false
	}
	return uid, true
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	obj, ok := s.objects[r.URL.Path]
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("ETag", obj.etag)
	w.Write(obj.data)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	obj, ok := s.objects[r.URL.Path]
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if match := r.Header.Get("If-Match"); match != "" && match != obj.etag {
		http.Error(w, "etag mismatch", http.StatusPreconditionFailed)
		return
	}
	delete(s.objects, r.URL.Path)
	s.ctag++
	w.WriteHeader(http.StatusNoContent)
}

func writeMultistatus(w http.ResponseWriter, ms *xml.MultistatusResponse) {
	data, err := ms.ToXML().WriteToBytes()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, namespace, condition string) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	doc.AddChild((&xml.Error{Namespace: namespace, Tag: condition}).ToElement())
	xml.AddSelectedNamespaces(doc, xml.DAV, xml.CalDAV)
	data, _ := doc.WriteToBytes()
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

func statusLine(code int) string {
	return fmt.Sprintf("HTTP/1.1 %d %s", code, http.StatusText(code))
}
