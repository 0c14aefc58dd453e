package davclient

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/prospero/internal/httpclient"
	"github.com/cyp0633/prospero/internal/xml"
)

const calendarPath = "/calendars/alice/timetable/"

func hrefsOf(t *testing.T, resources []EventResource) []string {
	t.Helper()
	hrefs := make([]string, len(resources))
	for i, r := range resources {
		hrefs[i] = r.Href()
	}
	return hrefs
}

func TestDateSearch_BuildsTimeRangeQuery(t *testing.T) {
	var got *xml.ReportRequest
	mock := &mockHTTPClient{
		doReport: func(url string, depth int, report *xml.ReportRequest) (*xml.MultistatusResponse, error) {
			assert.Equal(t, testCalendarURL, url)
			assert.Equal(t, 1, depth)
			got = report
			return &xml.MultistatusResponse{}, nil
		},
	}
	cal := newMockCalendar(t, mock)

	start := time.Date(2024, 1, 8, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	end := start.Add(48 * time.Hour)
	results, err := cal.DateSearch(context.Background(), start, end)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)

	require.NotNil(t, got)
	assert.Equal(t, "calendar-query", got.Name())
	assert.Equal(t, []string{"getetag", "calendar-data"}, got.Query.Props)
	assert.Equal(t, "VCALENDAR", got.Query.Filter.ComponentName)
	vevent := got.Query.Filter.Innermost()
	assert.Equal(t, "VEVENT", vevent.ComponentName)
	require.NotNil(t, vevent.TimeRange)

	doc, err := got.ToXML()
	require.NoError(t, err)
	body, err := doc.WriteToString()
	require.NoError(t, err)
	assert.Contains(t, body, `start="20240108T090000Z"`)
	assert.Contains(t, body, `end="20240110T090000Z"`)
}

func TestDateSearch_OrdersAndExcludesMalformed(t *testing.T) {
	mock := &mockHTTPClient{
		doReport: func(string, int, *xml.ReportRequest) (*xml.MultistatusResponse, error) {
			return &xml.MultistatusResponse{Responses: []xml.Response{
				calendarObject(calendarPath+"c.ics", `"3"`, vevent("c", "Physics", "20240110T090000Z", "20240110T100000Z")),
				calendarObject(calendarPath+"broken.ics", `"4"`, "BEGIN:VCALENDAR\r\ngarbage"),
				calendarObject(calendarPath+"b.ics", `"2"`, vevent("b", "Chemistry", "20240108T090000Z", "20240108T100000Z")),
				calendarObject(calendarPath+"a.ics", `"1"`, vevent("a", "Algebra", "20240108T090000Z", "20240108T110000Z")),
				calendarObject(calendarPath+"undated.ics", `"5"`, "BEGIN:VEVENT\r\nUID:undated\r\nSUMMARY:no start\r\nEND:VEVENT\r\n"),
				{
					Href:   calendarPath + "gone.ics",
					Status: "HTTP/1.1 404 Not Found",
				},
			}}, nil
		},
	}
	cal := newMockCalendar(t, mock)
	ctx := context.Background()

	results, err := cal.DateSearch(ctx, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://dav.example.com" + calendarPath + "a.ics",
		"https://dav.example.com" + calendarPath + "b.ics",
		"https://dav.example.com" + calendarPath + "c.ics",
	}, hrefsOf(t, results))

	summary, err := results[1].Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Chemistry", summary)
	assert.Equal(t, `"2"`, results[1].ETag())

	end, err := results[0].EndTime(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 8, 11, 0, 0, 0, time.UTC), end)

	assert.Equal(t, 0, mock.count("GET"), "inline data needs no fetch")
}

func TestDateSearch_OneGoodOneMalformed(t *testing.T) {
	mock := &mockHTTPClient{
		doReport: func(string, int, *xml.ReportRequest) (*xml.MultistatusResponse, error) {
			return &xml.MultistatusResponse{Responses: []xml.Response{
				calendarObject(calendarPath+"good.ics", `"1"`, vevent("good", "Algebra", "20240108T090000Z", "20240108T100000Z")),
				calendarObject(calendarPath+"bad.ics", `"2"`, "BEGIN:VEVENT\r\nDTSTART:not-a-date\r\nEND:VEVENT\r\n"),
			}}, nil
		},
	}

	results, err := newMockCalendar(t, mock).DateSearch(context.Background(),
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "https://dav.example.com"+calendarPath+"good.ics", results[0].Href())
}

func TestDateSearch_MultigetFillsMissingData(t *testing.T) {
	mock := &mockHTTPClient{}
	mock.doReport = func(_ string, _ int, report *xml.ReportRequest) (*xml.MultistatusResponse, error) {
		if report.Query != nil {
			return &xml.MultistatusResponse{Responses: []xml.Response{
				calendarObject(calendarPath+"late.ics", `"1"`, ""),
				calendarObject(calendarPath+"early.ics", `"2"`, ""),
				calendarObject(calendarPath+"broken.ics", `"3"`, ""),
				calendarObject(calendarPath+"inline.ics", `"4"`, vevent("inline", "Inline", "20240109T090000Z", "20240109T100000Z")),
			}}, nil
		}

		assert.Equal(t, []string{calendarPath + "late.ics", calendarPath + "early.ics", calendarPath + "broken.ics"}, report.MultiGet.Hrefs)
		assert.Equal(t, []string{"getetag", "calendar-data"}, report.MultiGet.Props)
		return &xml.MultistatusResponse{Responses: []xml.Response{
			calendarObject(calendarPath+"late.ics", `"1b"`, vevent("late", "Late", "20240111T090000Z", "20240111T100000Z")),
			calendarObject(calendarPath+"early.ics", `"2"`, vevent("early", "Early", "20240108T090000Z", "20240108T100000Z")),
			calendarObject(calendarPath+"broken.ics", `"3"`, "garbage"),
		}}, nil
	}
	cal := newMockCalendar(t, mock)
	ctx := context.Background()

	results, err := cal.DateSearch(ctx, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://dav.example.com" + calendarPath + "early.ics",
		"https://dav.example.com" + calendarPath + "inline.ics",
		"https://dav.example.com" + calendarPath + "late.ics",
	}, hrefsOf(t, results))
	assert.Equal(t, `"1b"`, results[2].ETag())

	summary, err := results[2].Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Late", summary)
	assert.Equal(t, 2, mock.count("REPORT"))
	assert.Equal(t, 0, mock.count("GET"))
}

func TestDateSearch_LazyWhenMultigetFails(t *testing.T) {
	mock := &mockHTTPClient{}
	mock.doReport = func(_ string, _ int, report *xml.ReportRequest) (*xml.MultistatusResponse, error) {
		if report.MultiGet != nil {
			return nil, &httpclient.ProtocolError{Method: "REPORT", StatusCode: http.StatusForbidden, Status: "403 Forbidden"}
		}
		return &xml.MultistatusResponse{Responses: []xml.Response{
			calendarObject(calendarPath+"z-lazy.ics", `"1"`, ""),
			calendarObject(calendarPath+"a-lazy.ics", `"2"`, ""),
			calendarObject(calendarPath+"dated.ics", `"3"`, vevent("dated", "Dated", "20240120T090000Z", "20240120T100000Z")),
		}}, nil
	}
	mock.doGet = func(url string) ([]byte, string, error) {
		assert.Equal(t, "https://dav.example.com"+calendarPath+"a-lazy.ics", url)
		return []byte(vevent("a-lazy", "Fetched", "20240102T090000Z", "20240102T100000Z")), `"2b"`, nil
	}
	cal := newMockCalendar(t, mock)
	ctx := context.Background()

	results, err := cal.DateSearch(ctx, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://dav.example.com" + calendarPath + "dated.ics",
		"https://dav.example.com" + calendarPath + "a-lazy.ics",
		"https://dav.example.com" + calendarPath + "z-lazy.ics",
	}, hrefsOf(t, results), "lazy entries follow dated ones")

	summary, err := results[1].Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Fetched", summary)
	start, err := results[1].StartTime(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC), start)
	assert.Equal(t, `"2b"`, results[1].ETag())
	assert.Equal(t, 1, mock.count("GET"), "decoded data is cached")
}

func TestDateSearch_LazyFetchFailureIsRetried(t *testing.T) {
	attempts := 0
	mock := &mockHTTPClient{
		doReport: func(_ string, _ int, report *xml.ReportRequest) (*xml.MultistatusResponse, error) {
			if report.MultiGet != nil {
				return nil, errors.New("multiget unsupported")
			}
			return &xml.MultistatusResponse{Responses: []xml.Response{calendarObject(calendarPath+"flaky.ics", `"1"`, "")}}, nil
		},
		doGet: func(string) ([]byte, string, error) {
			attempts++
			if attempts == 1 {
				return nil, "", &httpclient.TransportError{Method: "GET", Err: errors.New("connection reset")}
			}
			return []byte(vevent("flaky", "Flaky", "20240102T090000Z", "20240102T100000Z")), "", nil
		},
	}
	ctx := context.Background()

	results, err := newMockCalendar(t, mock).DateSearch(ctx, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, results, 1)

	_, err = results[0].Summary(ctx)
	require.Error(t, err)
	assert.True(t, Retryable(err))

	summary, err := results[0].Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Flaky", summary)
}

func TestDateSearch_Errors(t *testing.T) {
	t.Run("report failure", func(t *testing.T) {
		mock := &mockHTTPClient{
			doReport: func(string, int, *xml.ReportRequest) (*xml.MultistatusResponse, error) {
				return nil, &httpclient.ProtocolError{Method: "REPORT", StatusCode: http.StatusForbidden, Status: "403 Forbidden"}
			},
		}
		_, err := newMockCalendar(t, mock).DateSearch(context.Background(), time.Now(), time.Now().Add(time.Hour))
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, http.StatusForbidden, perr.StatusCode)
		assert.False(t, Retryable(err))
	})

	t.Run("end before start", func(t *testing.T) {
		mock := &mockHTTPClient{}
		start := time.Now()
		_, err := newMockCalendar(t, mock).DateSearch(context.Background(), start, start.Add(-time.Hour))
		assert.Error(t, err)
		assert.Equal(t, 0, mock.count("REPORT"))
	})
}
