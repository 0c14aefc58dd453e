package davclient

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cyp0633/prospero/internal/httpclient"
	"github.com/cyp0633/prospero/internal/recurrence"
)

// Occurrence is one instance of a possibly recurring event.
type Occurrence = recurrence.Occurrence

// EventResource is a calendar object on the server. Accessors decode the
// object on first use, fetching it with GET when the server did not inline
// its data, and fail independently of each other.
type EventResource interface {
	// Href is the absolute URL of the resource.
	Href() string
	// ETag is the entity tag last seen for the resource, possibly empty.
	ETag() string
	UID(ctx context.Context) (string, error)
	Summary(ctx context.Context) (string, error)
	Description(ctx context.Context) (string, error)
	Location(ctx context.Context) (string, error)
	StartTime(ctx context.Context) (time.Time, error)
	EndTime(ctx context.Context) (time.Time, error)
	// Occurrences returns the instances overlapping [start, end).
	Occurrences(ctx context.Context, start, end time.Time) ([]Occurrence, error)
}

type eventResource struct {
	href      string
	transport httpclient.HttpClientWrapper

	mu    sync.Mutex
	etag  string
	event *DecodedEvent
}

func newEventResource(href, etag string, transport httpclient.HttpClientWrapper, event *DecodedEvent) *eventResource {
	return &eventResource{href: href, etag: etag, transport: transport, event: event}
}

func (r *eventResource) Href() string { return r.href }

func (r *eventResource) ETag() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.etag
}

// decoded returns the cached event without fetching.
func (r *eventResource) decoded() *DecodedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.event
}

func (r *eventResource) setDecoded(event *DecodedEvent, etag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.event = event
	if etag != "" {
		r.etag = etag
	}
}

// load decodes the resource, fetching it on first use. Failures are not
// cached so a later call retries.
func (r *eventResource) load(ctx context.Context) (*DecodedEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.event != nil {
		return r.event, nil
	}

	data, etag, err := r.transport.DoGET(ctx, r.href)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", r.href, err)
	}
	event, err := DecodeEvent(data)
	if err != nil {
		return nil, &MalformedResponseError{Method: http.MethodGet, URL: r.href, Err: err}
	}
	r.event = event
	if etag != "" {
		r.etag = etag
	}
	return event, nil
}

func (r *eventResource) UID(ctx context.Context) (string, error) {
	return loadField(ctx, r, (*DecodedEvent).UID)
}

func (r *eventResource) Summary(ctx context.Context) (string, error) {
	return loadField(ctx, r, (*DecodedEvent).Summary)
}

func (r *eventResource) Description(ctx context.Context) (string, error) {
	return loadField(ctx, r, (*DecodedEvent).Description)
}

func (r *eventResource) Location(ctx context.Context) (string, error) {
	return loadField(ctx, r, (*DecodedEvent).Location)
}

func (r *eventResource) StartTime(ctx context.Context) (time.Time, error) {
	return loadField(ctx, r, (*DecodedEvent).StartTime)
}

func (r *eventResource) EndTime(ctx context.Context) (time.Time, error) {
	return loadField(ctx, r, (*DecodedEvent).EndTime)
}

func (r *eventResource) Occurrences(ctx context.Context, start, end time.Time) ([]Occurrence, error) {
	event, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	return event.Occurrences(start, end)
}

func loadField[T any](ctx context.Context, r *eventResource, get func(*DecodedEvent) (T, error)) (T, error) {
	event, err := r.load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	return get(event)
}
