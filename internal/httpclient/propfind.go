package httpclient

import (
	"context"
	"net/http"
	"strings"

	"github.com/cyp0633/prospero/internal/xml"
)

type PropfindResponse struct {
	Resources map[string]ResourceProps
}

type ResourceProps struct {
	IsCalendar  bool
	DisplayName string
	Color       string
	CanWrite    bool
	Etag        string
	CTag        string
}

// Single returns the only resource in the response.
func (r *PropfindResponse) Single() (string, ResourceProps, bool) {
	if len(r.Resources) != 1 {
		return "", ResourceProps{}, false
	}
	for href, props := range r.Resources {
		return href, props, true
	}
	return "", ResourceProps{}, false
}

// DoPROPFIND performs a PROPFIND request
func (w *httpClientWrapper) DoPROPFIND(ctx context.Context, urlStr string, depth int, props ...string) (*PropfindResponse, error) {
	w.logger.Debug("starting PROPFIND request",
		"url", urlStr,
		"depth", depth,
		"properties", props)

	body, err := (&xml.PropfindRequest{Prop: props}).ToXML().WriteToBytes()
	if err != nil {
		return nil, err
	}

	resp, err := w.do(ctx, request{
		method: "PROPFIND",
		url:    urlStr,
		headers: map[string]string{
			"Depth":        depthHeader(depth),
			"Content-Type": "application/xml; charset=utf-8",
		},
		body:   body,
		accept: []int{http.StatusMultiStatus},
	})
	if err != nil {
		return nil, err
	}

	ms, err := xml.ParseMultistatus(resp.body)
	if err != nil {
		w.logger.Debug("failed to parse XML response", "error", err)
		return nil, &MalformedResponseError{Method: "PROPFIND", URL: resp.url, Err: err}
	}

	w.logger.Debug("parsed XML response", "response_count", len(ms.Responses))

	result := &PropfindResponse{Resources: make(map[string]ResourceProps)}
	for _, r := range ms.Responses {
		if !r.OK() {
			continue
		}

		resource := ResourceProps{}
		if rt, ok := r.Prop(xml.TagResourcetype); ok {
			_, resource.IsCalendar = rt.Child(xml.TagCalendar)
		}
		if p, ok := r.Prop("displayname"); ok {
			resource.DisplayName = strings.TrimSpace(p.TextContent)
		}
		if p, ok := r.Prop("calendar-color"); ok {
			resource.Color = strings.TrimSpace(p.TextContent)
		}
		if p, ok := r.Prop("getetag"); ok {
			resource.Etag = strings.TrimSpace(p.TextContent)
		}
		if p, ok := r.Prop("getctag"); ok {
			resource.CTag = strings.TrimSpace(p.TextContent)
		}
		if p, ok := r.Prop("current-user-privilege-set"); ok {
			resource.CanWrite = canWrite(p)
		}

		result.Resources[r.Href] = resource
	}

	w.logger.Debug("PROPFIND request complete", "resources", len(result.Resources))
	return result, nil
}

// canWrite looks for any write privilege (write, write-content, write-properties, all).
func canWrite(privSet xml.Property) bool {
	for _, priv := range privSet.Children {
		for _, p := range priv.Children {
			if p.Name == "all" || strings.HasPrefix(p.Name, "write") {
				return true
			}
		}
	}
	return false
}
