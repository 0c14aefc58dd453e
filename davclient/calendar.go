package davclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/google/uuid"

	"github.com/cyp0633/prospero/internal/httpclient"
)

// Calendar is a handle to one calendar collection. It borrows the transport
// of the Client that created it.
type Calendar struct {
	url       *url.URL
	transport httpclient.HttpClientWrapper
	logger    *slog.Logger
}

// URL returns the collection URL.
func (c *Calendar) URL() string {
	return c.url.String()
}

// resolve turns an href from the server into an absolute URL.
func (c *Calendar) resolve(href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return c.url.ResolveReference(ref).String()
}

// resourceURL is the member URL for an event UID.
func (c *Calendar) resourceURL(uid string) string {
	name := uid + ".ics"
	ref := &url.URL{Path: "./" + name, RawPath: "./" + url.PathEscape(name)}
	return c.url.ResolveReference(ref).String()
}

// SaveEvent creates a new resource named after the event's UID. It never
// overwrites: an existing resource makes it fail with ErrConflict.
func (c *Calendar) SaveEvent(ctx context.Context, event Event) (EventResource, error) {
	if event.UID == "" {
		event.UID = uuid.NewString()
	}
	href := c.resourceURL(event.UID)

	data, err := EncodeEvent(event)
	if err != nil {
		return nil, &SaveError{UID: event.UID, Err: err}
	}

	c.logger.Debug("creating calendar object", "uid", event.UID, "href", href)
	etag, err := c.transport.DoPUT(ctx, href, httpclient.CreateOnly(), data)
	if err != nil {
		return nil, &SaveError{UID: event.UID, Href: href, Err: err}
	}
	if etag == "" {
		etag = c.lookupETag(ctx, href)
	}

	return c.storedResource(href, etag, data), nil
}

// UpdateEvent replaces an existing resource, provided it has not changed
// since its ETag was read. The UID of the resource is kept.
func (c *Calendar) UpdateEvent(ctx context.Context, resource EventResource, event Event) (EventResource, error) {
	href := resource.Href()
	uid, err := resource.UID(ctx)
	if err != nil {
		return nil, &SaveError{UID: event.UID, Href: href, Err: err}
	}
	event.UID = uid

	etag := resource.ETag()
	if etag == "" {
		if etag = c.lookupETag(ctx, href); etag == "" {
			return nil, &SaveError{UID: uid, Href: href, Err: fmt.Errorf("no etag known for %s", href)}
		}
	}

	data, err := EncodeEvent(event)
	if err != nil {
		return nil, &SaveError{UID: uid, Href: href, Err: err}
	}

	c.logger.Debug("updating calendar object", "uid", uid, "href", href, "etag", etag)
	newETag, err := c.transport.DoPUT(ctx, href, httpclient.MatchETag(etag), data)
	if err != nil {
		return nil, &SaveError{UID: uid, Href: href, Err: err}
	}
	if newETag == "" {
		newETag = c.lookupETag(ctx, href)
	}

	return c.storedResource(href, newETag, data), nil
}

// DeleteEvent removes a resource. A known ETag is sent as If-Match.
func (c *Calendar) DeleteEvent(ctx context.Context, resource EventResource) error {
	c.logger.Debug("deleting calendar object", "href", resource.Href())
	if err := c.transport.DoDELETE(ctx, resource.Href(), resource.ETag()); err != nil {
		return fmt.Errorf("failed to delete calendar object: %w", err)
	}
	return nil
}

// DeleteEventAt removes the resource at href without reading it first, so
// objects that no longer decode can still be removed. An empty etag deletes
// unconditionally.
func (c *Calendar) DeleteEventAt(ctx context.Context, href, etag string) error {
	return c.DeleteEvent(ctx, newEventResource(c.resolve(href), etag, c.transport, nil))
}

// GetEvent fetches and decodes the resource at href.
func (c *Calendar) GetEvent(ctx context.Context, href string) (EventResource, error) {
	r := newEventResource(c.resolve(href), "", c.transport, nil)
	if _, err := r.load(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// ETag returns the collection's CTag, or its ETag when the server has none.
// It changes whenever a member changes.
func (c *Calendar) ETag(ctx context.Context) (string, error) {
	resp, err := c.transport.DoPROPFIND(ctx, c.url.String(), 0, "getetag", "getctag")
	if err != nil {
		return "", fmt.Errorf("failed to get calendar etag: %w", err)
	}

	_, props, ok := resp.Single()
	if !ok {
		return "", fmt.Errorf("expected one resource for %s, got %d", c.url, len(resp.Resources))
	}
	if props.CTag != "" {
		return props.CTag, nil
	}
	if props.Etag != "" {
		return props.Etag, nil
	}
	return "", fmt.Errorf("no etag found for calendar %s", c.url)
}

// lookupETag asks for the ETag of a resource whose PUT response had none.
func (c *Calendar) lookupETag(ctx context.Context, href string) string {
	resp, err := c.transport.DoPROPFIND(ctx, href, 0, "getetag")
	if err != nil {
		c.logger.Warn("failed to get etag of stored object", "href", href, "error", err)
		return ""
	}
	_, props, ok := resp.Single()
	if !ok || props.Etag == "" {
		c.logger.Warn("no etag found for stored object", "href", href)
		return ""
	}
	return props.Etag
}

// storedResource builds a resource from data just written to the server.
func (c *Calendar) storedResource(href, etag string, data []byte) EventResource {
	// On a decode failure the resource is fetched on first access instead.
	event, _ := DecodeEvent(data)
	return newEventResource(href, etag, c.transport, event)
}
