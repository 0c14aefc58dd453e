package davclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/prospero/internal/caldavtest"
	"github.com/cyp0633/prospero/internal/httpclient"
)

func lessonEvent(uid string) Event {
	start := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)
	return Event{
		UID:         uid,
		Summary:     "Algebra",
		Description: "Chapter 3",
		Location:    "Room 4",
		Start:       start,
		End:         start.Add(time.Hour),
	}
}

func TestCalendar_SaveEvent(t *testing.T) {
	client, server := newServerClient(t, caldavtest.Options{})
	cal := client.Calendar()
	ctx := context.Background()

	resource, err := cal.SaveEvent(ctx, lessonEvent("lesson-1"))
	require.NoError(t, err)
	assert.Equal(t, server.CalendarURL()+"lesson-1.ics", resource.Href())

	_, etag, ok := server.Object(caldavtest.CalendarPath + "lesson-1.ics")
	require.True(t, ok)
	assert.Equal(t, etag, resource.ETag())

	summary, err := resource.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Algebra", summary)
	location, err := resource.Location(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Room 4", location)
	assert.Equal(t, 0, server.Count("GET"), "saved resource is decoded from the sent data")
}

func TestCalendar_SaveEventGeneratesUID(t *testing.T) {
	client, server := newServerClient(t, caldavtest.Options{})
	ctx := context.Background()

	event := lessonEvent("")
	resource, err := client.Calendar().SaveEvent(ctx, event)
	require.NoError(t, err)

	uid, err := resource.UID(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, uid)
	assert.Equal(t, server.CalendarURL()+uid+".ics", resource.Href())
}

func TestCalendar_SaveEventConflict(t *testing.T) {
	client, server := newServerClient(t, caldavtest.Options{})
	cal := client.Calendar()
	ctx := context.Background()

	_, err := cal.SaveEvent(ctx, lessonEvent("lesson-1"))
	require.NoError(t, err)
	before, _, _ := server.Object(caldavtest.CalendarPath + "lesson-1.ics")

	changed := lessonEvent("lesson-1")
	changed.Summary = "Overwritten"
	_, err = cal.SaveEvent(ctx, changed)
	require.ErrorIs(t, err, ErrConflict)

	var saveErr *SaveError
	require.ErrorAs(t, err, &saveErr)
	assert.Equal(t, "lesson-1", saveErr.UID)
	assert.Equal(t, server.CalendarURL()+"lesson-1.ics", saveErr.Href)

	after, _, _ := server.Object(caldavtest.CalendarPath + "lesson-1.ics")
	assert.Equal(t, before, after, "existing resource must not be overwritten")
}

func TestCalendar_SaveEventInvalid(t *testing.T) {
	client, server := newServerClient(t, caldavtest.Options{})

	event := lessonEvent("bad")
	event.End = event.Start.Add(-time.Hour)
	_, err := client.Calendar().SaveEvent(context.Background(), event)
	assert.ErrorIs(t, err, ErrInvalidEvent)
	assert.Equal(t, 0, server.Count("PUT"))
}

func TestCalendar_SaveEventWithoutETagHeader(t *testing.T) {
	client, server := newServerClient(t, caldavtest.Options{OmitPutETag: true})

	resource, err := client.Calendar().SaveEvent(context.Background(), lessonEvent("lesson-1"))
	require.NoError(t, err)

	_, etag, _ := server.Object(caldavtest.CalendarPath + "lesson-1.ics")
	assert.Equal(t, etag, resource.ETag())
	assert.Equal(t, 1, server.Count("PROPFIND"))
}

func TestCalendar_UpdateEvent(t *testing.T) {
	client, server := newServerClient(t, caldavtest.Options{})
	cal := client.Calendar()
	ctx := context.Background()

	original, err := cal.SaveEvent(ctx, lessonEvent("lesson-1"))
	require.NoError(t, err)

	changed := lessonEvent("ignored")
	changed.Summary = "Geometry"
	updated, err := cal.UpdateEvent(ctx, original, changed)
	require.NoError(t, err)
	assert.Equal(t, original.Href(), updated.Href())
	assert.NotEqual(t, original.ETag(), updated.ETag())

	uid, err := updated.UID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "lesson-1", uid)

	fetched, err := cal.GetEvent(ctx, updated.Href())
	require.NoError(t, err)
	summary, err := fetched.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Geometry", summary)
	assert.Equal(t, updated.ETag(), fetched.ETag())

	_, err = cal.UpdateEvent(ctx, original, changed)
	assert.ErrorIs(t, err, ErrConflict, "stale etag")
	assert.Equal(t, 1, server.Len())
}

func TestCalendar_DeleteEvent(t *testing.T) {
	client, server := newServerClient(t, caldavtest.Options{})
	cal := client.Calendar()
	ctx := context.Background()

	resource, err := cal.SaveEvent(ctx, lessonEvent("lesson-1"))
	require.NoError(t, err)

	require.NoError(t, cal.DeleteEvent(ctx, resource))
	assert.Equal(t, 0, server.Len())

	assert.ErrorIs(t, cal.DeleteEvent(ctx, resource), ErrNotFound)
	_, err = cal.GetEvent(ctx, resource.Href())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCalendar_DeleteEventAt(t *testing.T) {
	client, server := newServerClient(t, caldavtest.Options{})
	cal := client.Calendar()
	ctx := context.Background()
	etag := server.Put(caldavtest.CalendarPath+"broken.ics", []byte("garbage"))

	err := cal.DeleteEventAt(ctx, "broken.ics", `"stale"`)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, server.Len())

	require.NoError(t, cal.DeleteEventAt(ctx, "broken.ics", etag))
	assert.Equal(t, 0, server.Len())

	assert.ErrorIs(t, cal.DeleteEventAt(ctx, "broken.ics", ""), ErrNotFound)
}

func TestCalendar_GetEventMalformed(t *testing.T) {
	client, server := newServerClient(t, caldavtest.Options{})
	server.Put(caldavtest.CalendarPath+"broken.ics", []byte("garbage"))

	_, err := client.Calendar().GetEvent(context.Background(), "broken.ics")
	assert.ErrorIs(t, err, ErrMalformedCalendarData)
	var malformed *MalformedResponseError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "GET", malformed.Method)
	assert.Equal(t, server.URL+caldavtest.CalendarPath+"broken.ics", malformed.URL)
}

func TestCalendar_ETag(t *testing.T) {
	client, _ := newServerClient(t, caldavtest.Options{})
	cal := client.Calendar()
	ctx := context.Background()

	before, err := cal.ETag(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, before)

	_, err = cal.SaveEvent(ctx, lessonEvent("lesson-1"))
	require.NoError(t, err)

	after, err := cal.ETag(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestCalendar_ETagFallsBackToGetetag(t *testing.T) {
	mock := &mockHTTPClient{
		doPropfind: func(url string, depth int, props ...string) (*httpclient.PropfindResponse, error) {
			assert.Equal(t, testCalendarURL, url)
			assert.Equal(t, 0, depth)
			assert.ElementsMatch(t, []string{"getetag", "getctag"}, props)
			return &httpclient.PropfindResponse{Resources: map[string]httpclient.ResourceProps{
				calendarPath: {Etag: `"collection-1"`},
			}}, nil
		},
	}

	etag, err := newMockCalendar(t, mock).ETag(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `"collection-1"`, etag)
}

func TestCalendar_ResourceURL(t *testing.T) {
	cal := newMockCalendar(t, &mockHTTPClient{})

	assert.Equal(t, testCalendarURL+"lesson-1.ics", cal.resourceURL("lesson-1"))
	assert.Equal(t, testCalendarURL+"a%20b%2Fc.ics", cal.resourceURL("a b/c"))
	assert.Equal(t, testCalendarURL+"x.ics", cal.resolve(calendarPath+"x.ics"))
	assert.Equal(t, testCalendarURL+"x.ics", cal.resolve("x.ics"))
}

func TestCalendar_DeleteSendsETag(t *testing.T) {
	var sent string
	mock := &mockHTTPClient{
		doDelete: func(url, etag string) error {
			sent = etag
			return nil
		},
	}
	resource := newEventResource(testCalendarURL+"x.ics", `"7"`, mock, nil)

	require.NoError(t, newMockCalendar(t, mock).DeleteEvent(context.Background(), resource))
	assert.Equal(t, `"7"`, sent)
}

func TestCalendar_MultigetAgainstServer(t *testing.T) {
	client, server := newServerClient(t, caldavtest.Options{OmitCalendarData: true})
	cal := client.Calendar()
	ctx := context.Background()

	_, err := cal.SaveEvent(ctx, lessonEvent("lesson-1"))
	require.NoError(t, err)

	results, err := cal.DateSearch(ctx, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, results, 1)

	summary, err := results[0].Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Algebra", summary)
	assert.Equal(t, 2, server.Count("REPORT"))
	assert.Equal(t, 0, server.Count("GET"))
}

func TestCalendar_LazyFetchAgainstServer(t *testing.T) {
	client, server := newServerClient(t, caldavtest.Options{OmitCalendarData: true, DisableMultiget: true})
	cal := client.Calendar()
	ctx := context.Background()

	_, err := cal.SaveEvent(ctx, lessonEvent("lesson-1"))
	require.NoError(t, err)

	results, err := cal.DateSearch(ctx, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0, server.Count("GET"))

	start, err := results[0].StartTime(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC), start)
	_, err = results[0].Description(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, server.Count("GET"))
}
