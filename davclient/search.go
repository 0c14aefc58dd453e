package davclient

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/samber/mo"

	"github.com/cyp0633/prospero/internal/xml"
)

// DateSearch returns the events overlapping [start, end) ordered by start
// time, ties broken by href. Objects that fail to decode are left out and
// logged rather than failing the search.
func (c *Calendar) DateSearch(ctx context.Context, start, end time.Time) ([]EventResource, error) {
	return c.Events().TimeRange(start, end).Do(ctx)
}

func (c *Calendar) search(ctx context.Context, report *xml.ReportRequest, limit int) ([]EventResource, error) {
	ms, err := c.transport.DoREPORT(ctx, c.url.String(), 1, report)
	if err != nil {
		return nil, fmt.Errorf("failed to execute calendar query: %w", err)
	}

	var (
		found   []*eventResource
		pending []*eventResource
	)
	for _, resp := range ms.Responses {
		if !resp.OK() {
			c.logger.Debug("skipping response", "href", resp.Href, "status", resp.Status)
			continue
		}

		r := newEventResource(c.resolve(resp.Href), propText(&resp, "getetag"), c.transport, nil)
		data := propText(&resp, "calendar-data")
		if data == "" {
			pending = append(pending, r)
			found = append(found, r)
			continue
		}

		event, err := decodeSearchResult(data)
		if err != nil {
			c.logger.Warn("excluding malformed calendar object", "href", r.href, "error", err)
			continue
		}
		r.setDecoded(event, "")
		found = append(found, r)
	}

	if len(pending) > 0 {
		found = c.fillPending(ctx, found, pending)
	}

	sortResources(found)
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}

	results := make([]EventResource, len(found))
	for i, r := range found {
		results[i] = r
	}
	return results, nil
}

// decodeSearchResult decodes an object that must at least carry DTSTART to be
// placed in the result order.
func decodeSearchResult(data string) (*DecodedEvent, error) {
	event, err := DecodeEvent([]byte(data))
	if err != nil {
		return nil, err
	}
	if _, err := event.StartTime(); err != nil {
		return nil, err
	}
	return event, nil
}

// fillPending fetches the data of resources the query returned without it in
// one calendar-multiget. When the server refuses, the resources stay lazy.
func (c *Calendar) fillPending(ctx context.Context, found, pending []*eventResource) []*eventResource {
	hrefs := make([]string, len(pending))
	for i, r := range pending {
		hrefs[i] = r.href
	}

	fetched, err := c.multiget(ctx, hrefs)
	if err != nil {
		c.logger.Warn("calendar-multiget failed, objects will be fetched on access", "count", len(pending), "error", err)
		return found
	}

	excluded := make(map[*eventResource]bool)
	for _, r := range pending {
		result, ok := fetched[r.href]
		if !ok {
			continue
		}
		event, err := result.Get()
		if err != nil {
			c.logger.Warn("excluding malformed calendar object", "href", r.href, "error", err)
			excluded[r] = true
			continue
		}
		r.setDecoded(event.event, event.etag)
	}

	if len(excluded) == 0 {
		return found
	}
	kept := found[:0]
	for _, r := range found {
		if !excluded[r] {
			kept = append(kept, r)
		}
	}
	return kept
}

type fetchedEvent struct {
	event *DecodedEvent
	etag  string
}

// multiget retrieves calendar-data for the given absolute hrefs. Hrefs the
// server did not answer with data are absent from the result.
func (c *Calendar) multiget(ctx context.Context, hrefs []string) (map[string]mo.Result[fetchedEvent], error) {
	paths := make([]string, len(hrefs))
	for i, href := range hrefs {
		paths[i] = hrefPath(href)
	}

	report := &xml.ReportRequest{MultiGet: &xml.CalendarMultiget{
		Props: []string{"getetag", "calendar-data"},
		Hrefs: paths,
	}}
	ms, err := c.transport.DoREPORT(ctx, c.url.String(), 1, report)
	if err != nil {
		return nil, err
	}

	results := make(map[string]mo.Result[fetchedEvent], len(ms.Responses))
	for _, resp := range ms.Responses {
		href := c.resolve(resp.Href)
		if !resp.OK() {
			results[href] = mo.Err[fetchedEvent](fmt.Errorf("calendar-multiget returned %q", resp.Status))
			continue
		}
		data := propText(&resp, "calendar-data")
		if data == "" {
			continue
		}
		event, err := decodeSearchResult(data)
		if err != nil {
			results[href] = mo.Err[fetchedEvent](err)
			continue
		}
		results[href] = mo.Ok(fetchedEvent{event: event, etag: propText(&resp, "getetag")})
	}
	return results, nil
}

func propText(resp *xml.Response, name string) string {
	p, ok := resp.Prop(name)
	if !ok {
		return ""
	}
	return strings.TrimSpace(p.TextContent)
}

// hrefPath reduces an absolute URL to the path form servers expect in DAV:href.
func hrefPath(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	return u.EscapedPath()
}

// sortResources orders decoded resources by start then href. Resources that
// are still lazy have no known start and follow, ordered by href.
func sortResources(resources []*eventResource) {
	starts := make(map[*eventResource]time.Time, len(resources))
	for _, r := range resources {
		if event := r.decoded(); event != nil {
			if start, err := event.StartTime(); err == nil {
				starts[r] = start
			}
		}
	}

	sort.SliceStable(resources, func(i, j int) bool {
		a, b := resources[i], resources[j]
		startA, datedA := starts[a]
		startB, datedB := starts[b]
		switch {
		case datedA && datedB && !startA.Equal(startB):
			return startA.Before(startB)
		case datedA != datedB:
			return datedA
		}
		return a.href < b.href
	})
}
