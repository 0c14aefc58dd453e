package davclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cyp0633/prospero/internal/caldavtest"
	"github.com/cyp0633/prospero/internal/httpclient"
	"github.com/cyp0633/prospero/internal/xml"
)

var _ httpclient.HttpClientWrapper = (*mockHTTPClient)(nil)

const testCalendarURL = "https://dav.example.com/calendars/alice/timetable/"

var errUnexpectedCall = errors.New("unexpected call")

// mockHTTPClient implements httpclient.HttpClientWrapper with optional hooks.
// Methods without a hook fail.
type mockHTTPClient struct {
	doPropfind func(url string, depth int, props ...string) (*httpclient.PropfindResponse, error)
	doReport   func(url string, depth int, report *xml.ReportRequest) (*xml.MultistatusResponse, error)
	doPut      func(url string, cond httpclient.Precondition, data []byte) (string, error)
	doGet      func(url string) ([]byte, string, error)
	doDelete   func(url string, etag string) error

	mu    sync.Mutex
	calls []string
}

func (m *mockHTTPClient) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, method)
}

func (m *mockHTTPClient) count(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (m *mockHTTPClient) DoPROPFIND(_ context.Context, url string, depth int, props ...string) (*httpclient.PropfindResponse, error) {
	m.record("PROPFIND")
	if m.doPropfind == nil {
		return nil, errUnexpectedCall
	}
	return m.doPropfind(url, depth, props...)
}

func (m *mockHTTPClient) DoREPORT(_ context.Context, url string, depth int, report *xml.ReportRequest) (*xml.MultistatusResponse, error) {
	m.record("REPORT")
	if m.doReport == nil {
		return nil, errUnexpectedCall
	}
	return m.doReport(url, depth, report)
}

func (m *mockHTTPClient) DoPUT(_ context.Context, url string, cond httpclient.Precondition, data []byte) (string, error) {
	m.record("PUT")
	if m.doPut == nil {
		return "", errUnexpectedCall
	}
	return m.doPut(url, cond, data)
}

func (m *mockHTTPClient) DoGET(_ context.Context, url string) ([]byte, string, error) {
	m.record("GET")
	if m.doGet == nil {
		return nil, "", errUnexpectedCall
	}
	return m.doGet(url)
}

func (m *mockHTTPClient) DoDELETE(_ context.Context, url string, etag string) error {
	m.record("DELETE")
	if m.doDelete == nil {
		return errUnexpectedCall
	}
	return m.doDelete(url, etag)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMockCalendar(t *testing.T, mock *mockHTTPClient) *Calendar {
	t.Helper()
	u, err := url.Parse(testCalendarURL)
	require.NoError(t, err)
	return &Calendar{url: u, transport: mock, logger: testLogger()}
}

// newServerClient starts an in-memory CalDAV server and a client bound to
// its calendar.
func newServerClient(t *testing.T, opts caldavtest.Options) (*Client, *caldavtest.Server) {
	t.Helper()
	server := caldavtest.NewServer(t, opts)
	clientOpts := []Option{WithHTTPClient(server.Client()), WithLogger(testLogger())}

	var (
		client *Client
		err    error
	)
	if opts.Username != "" {
		client, err = NewClient(server.CalendarURL(), BasicAuth{Username: opts.Username, Password: opts.Password}, clientOpts...)
	} else {
		client, err = NewUnauthenticatedClient(server.CalendarURL(), clientOpts...)
	}
	require.NoError(t, err)
	return client, server
}

// calendarObject builds a multistatus response carrying inline data.
func calendarObject(href, etag, data string) xml.Response {
	props := []xml.Property{{Name: "getetag", Namespace: xml.DAV, TextContent: etag}}
	if data != "" {
		props = append(props, xml.Property{Name: "calendar-data", Namespace: xml.CalDAV, TextContent: data})
	}
	return xml.Response{
		Href:      href,
		PropStats: []xml.PropStat{{Props: props, Status: "HTTP/1.1 200 OK"}},
	}
}

// vevent returns a minimal calendar object.
func vevent(uid, summary, start, end string) string {
	return "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:-//test//EN\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:" + uid + "\r\n" +
		"DTSTAMP:20240101T000000Z\r\n" +
		"DTSTART:" + start + "\r\n" +
		"DTEND:" + end + "\r\n" +
		"SUMMARY:" + summary + "\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
}
